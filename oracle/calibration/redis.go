package calibration

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/go-redis/redis/v8"

	oerrors "github.com/R3E-Network/oracle-trust-engine/infrastructure/errors"
)

// RedisResultStore is the shared ResultStore for deployments where the
// scheduler and the evaluating engines are separate processes: the
// scheduler publishes each recompute, every engine's step-3 consensus
// lookup reads the latest. Entries carry a TTL so a stopped scheduler
// degrades to "no consensus available" instead of serving stale
// thresholds indefinitely.
type RedisResultStore struct {
	client *redis.Client
	prefix string
	ttl    time.Duration
}

// NewRedisResultStore builds a store over an existing client,
// namespacing keys under prefix (e.g. "oracle:calibration:"). A ttl of
// zero keeps results until the next overwrite.
func NewRedisResultStore(client *redis.Client, prefix string, ttl time.Duration) *RedisResultStore {
	return &RedisResultStore{client: client, prefix: prefix, ttl: ttl}
}

func (s *RedisResultStore) key(ruleID string) string {
	return s.prefix + "result:" + ruleID
}

func (s *RedisResultStore) PutCalibrationResult(ctx context.Context, result Result) error {
	raw, err := json.Marshal(result)
	if err != nil {
		return oerrors.StoreFailure("calibration.redis", err).WithDetails("operation", "encode").WithDetails("ruleId", result.RuleID)
	}
	if err := s.client.Set(ctx, s.key(result.RuleID), raw, s.ttl).Err(); err != nil {
		return oerrors.StoreFailure("calibration.redis", err).WithDetails("operation", "put").WithDetails("ruleId", result.RuleID)
	}
	return nil
}

func (s *RedisResultStore) Get(ctx context.Context, ruleID string) (Result, bool, error) {
	raw, err := s.client.Get(ctx, s.key(ruleID)).Bytes()
	if errors.Is(err, redis.Nil) {
		return Result{}, false, nil
	}
	if err != nil {
		return Result{}, false, oerrors.StoreFailure("calibration.redis", err).WithDetails("operation", "get").WithDetails("ruleId", ruleID)
	}
	var result Result
	if err := json.Unmarshal(raw, &result); err != nil {
		return Result{}, false, oerrors.StoreFailure("calibration.redis", err).WithDetails("operation", "decode").WithDetails("ruleId", ruleID)
	}
	return result, true, nil
}

var _ ResultStore = (*RedisResultStore)(nil)
