// Package blockcounter implements the time-bucketed block counters that
// feed the circuit breaker: one atomic counter per
// (ruleId, orgRepoHash, hour), self-healing via TTL.
package blockcounter

import (
	"context"
	"time"
)

// BucketInterval is the fixed bucket width counters are keyed by.
const BucketInterval = time.Hour

// DefaultTTL is the default eviction window for a bucket after its
// first write.
const DefaultTTL = 24 * time.Hour

// BlockCounter is the capability interface the circuit breaker and
// pipeline consume. Increment is an atomic add that also sets the
// bucket's TTL on first write; GetCount and SumLastN never
// read-modify-write.
type BlockCounter interface {
	Increment(ctx context.Context, ruleID, orgRepoHash string, at time.Time) error
	GetCount(ctx context.Context, ruleID, orgRepoHash string, at time.Time) (int64, error)
	SumLastN(ctx context.Context, ruleID, orgRepoHash string, at time.Time, hours int) (int64, error)
}

// hourStamp floors t to the bucket boundary and formats it for the
// "{ruleId}#{orgRepoHash}#{YYYY-MM-DD-HH}" key layout.
func hourStamp(t time.Time) string {
	return t.UTC().Truncate(BucketInterval).Format("2006-01-02-15")
}

func bucketKey(ruleID, orgRepoHash string, t time.Time) string {
	return ruleID + "#" + orgRepoHash + "#" + hourStamp(t)
}

var (
	_ BlockCounter = (*MemoryBlockCounter)(nil)
	_ BlockCounter = (*RedisBlockCounter)(nil)
)
