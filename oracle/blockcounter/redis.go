package blockcounter

import (
	"context"
	"errors"
	"time"

	"github.com/go-redis/redis/v8"

	oerrors "github.com/R3E-Network/oracle-trust-engine/infrastructure/errors"
)

// RedisBlockCounter backs BlockCounter with INCR+EXPIRE on first write,
// a direct match for "atomic add, set TTL on first write" over a shared
// go-redis/v8 client (the same client component H's Redis-backed
// NonceBindingStore can share).
type RedisBlockCounter struct {
	client *redis.Client
	prefix string
	ttl    time.Duration
}

// NewRedisBlockCounter builds a counter over an existing client, namespacing
// keys under prefix (e.g. "oracle:blocks:").
func NewRedisBlockCounter(client *redis.Client, prefix string, ttl time.Duration) *RedisBlockCounter {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &RedisBlockCounter{client: client, prefix: prefix, ttl: ttl}
}

func (c *RedisBlockCounter) Increment(ctx context.Context, ruleID, orgRepoHash string, at time.Time) error {
	key := c.prefix + bucketKey(ruleID, orgRepoHash, at)
	count, err := c.client.Incr(ctx, key).Result()
	if err != nil {
		return oerrors.StoreFailure("blockcounter.redis", err).WithDetails("key", key)
	}
	if count == 1 {
		// TTL is set only on the bucket's first write; subsequent
		// increments within the window must not refresh it, otherwise a
		// hot bucket would never self-heal.
		if err := c.client.Expire(ctx, key, c.ttl).Err(); err != nil {
			return oerrors.StoreFailure("blockcounter.redis", err).WithDetails("key", key)
		}
	}
	return nil
}

func (c *RedisBlockCounter) GetCount(ctx context.Context, ruleID, orgRepoHash string, at time.Time) (int64, error) {
	key := c.prefix + bucketKey(ruleID, orgRepoHash, at)
	count, err := c.client.Get(ctx, key).Int64()
	if errors.Is(err, redis.Nil) {
		return 0, nil
	}
	if err != nil {
		return 0, oerrors.StoreFailure("blockcounter.redis", err).WithDetails("key", key)
	}
	return count, nil
}

func (c *RedisBlockCounter) SumLastN(ctx context.Context, ruleID, orgRepoHash string, at time.Time, hours int) (int64, error) {
	var total int64
	cursor := at
	for i := 0; i < hours; i++ {
		n, err := c.GetCount(ctx, ruleID, orgRepoHash, cursor)
		if err != nil {
			return 0, err
		}
		total += n
		cursor = cursor.Add(-BucketInterval)
	}
	return total, nil
}
