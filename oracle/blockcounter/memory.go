package blockcounter

import (
	"context"
	"sync"
	"time"
)

type bucket struct {
	count     int64
	expiresAt time.Time
}

// MemoryBlockCounter is the in-memory/local-mode BlockCounter: a map of
// integer buckets, each carrying an expiry timestamp that is checked on
// read.
type MemoryBlockCounter struct {
	mu      sync.Mutex
	buckets map[string]*bucket
	ttl     time.Duration
}

// NewMemoryBlockCounter builds a counter evicting buckets ttl after
// their first write (DefaultTTL if ttl <= 0).
func NewMemoryBlockCounter(ttl time.Duration) *MemoryBlockCounter {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &MemoryBlockCounter{buckets: make(map[string]*bucket), ttl: ttl}
}

func (c *MemoryBlockCounter) Increment(_ context.Context, ruleID, orgRepoHash string, at time.Time) error {
	key := bucketKey(ruleID, orgRepoHash, at)
	c.mu.Lock()
	defer c.mu.Unlock()
	b, ok := c.buckets[key]
	if !ok || at.After(b.expiresAt) {
		// The TTL is set only on the bucket's first write, as in
		// RedisBlockCounter; an expired bucket starts over from zero.
		b = &bucket{expiresAt: at.Add(c.ttl)}
		c.buckets[key] = b
	}
	b.count++
	return nil
}

func (c *MemoryBlockCounter) GetCount(_ context.Context, ruleID, orgRepoHash string, at time.Time) (int64, error) {
	key := bucketKey(ruleID, orgRepoHash, at)
	c.mu.Lock()
	defer c.mu.Unlock()
	b, ok := c.buckets[key]
	if !ok || at.After(b.expiresAt) {
		return 0, nil
	}
	return b.count, nil
}

// SumLastN sums the N consecutive hourly buckets ending at at's bucket,
// inclusive, reading each independently (no read-modify-write).
func (c *MemoryBlockCounter) SumLastN(ctx context.Context, ruleID, orgRepoHash string, at time.Time, hours int) (int64, error) {
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
