package redaction

import (
	"context"
	"sync"
	"time"

	oerrors "github.com/R3E-Network/oracle-trust-engine/infrastructure/errors"
	"github.com/R3E-Network/oracle-trust-engine/infrastructure/resilience"
	"github.com/R3E-Network/oracle-trust-engine/infrastructure/secrets"
	"github.com/R3E-Network/oracle-trust-engine/pkg/metrics"
)

// loadRetryConfig bounds the number of attempts a nonce load makes
// against the backing secret store before falling back to a cached
// entry or failing closed. A Key Vault throttle or a brief network blip
// should not fail a load outright when a quick retry would clear it.
var loadRetryConfig = resilience.RetryConfig{
	MaxAttempts:  3,
	InitialDelay: 10 * time.Millisecond,
	MaxDelay:     100 * time.Millisecond,
	Multiplier:   2.0,
	Jitter:       0.1,
}

// State is a nonce version's position in the Missing -> Active -> Grace
// -> Evicted lifecycle.
type State int

const (
	StateMissing State = iota
	StateActive
	StateGrace
	StateEvicted
)

func (s State) String() string {
	switch s {
	case StateActive:
		return "active"
	case StateGrace:
		return "grace"
	case StateEvicted:
		return "evicted"
	default:
		return "missing"
	}
}

type nonceEntry struct {
	version    string
	secret     []byte
	state      State
	loadedAt   time.Time
	graceUntil time.Time
}

// NonceCache holds one secret per version under the Missing/Active/
// Grace/Evicted lifecycle. Many validations read concurrently; loads
// and rotations take the exclusive lock and complete before readers
// observe the new version.
type NonceCache struct {
	mu       sync.RWMutex
	store    secrets.Store
	prefix   string
	ttl      time.Duration
	grace    time.Duration
	entries  map[string]*nonceEntry
	current  string
	degraded bool
	now      func() time.Time
}

// NewNonceCache builds a cache that loads secrets named "prefix/version"
// from store, with the given Active TTL and Grace window (grace must be
// >= ttl — enforced by config.Config.Validate before this is constructed).
func NewNonceCache(store secrets.Store, prefix string, ttl, grace time.Duration) *NonceCache {
	return &NonceCache{
		store:   store,
		prefix:  prefix,
		ttl:     ttl,
		grace:   grace,
		entries: make(map[string]*nonceEntry),
		now:     time.Now,
	}
}

// Degraded reports whether the cache is currently serving a cached nonce
// past a failed reload (fail-open fallback), rather than a freshly loaded
// one.
func (c *NonceCache) Degraded() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.degraded
}

// CurrentVersion returns the version currently used to produce new
// redactions, or "" if none has been loaded yet.
func (c *NonceCache) CurrentVersion() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.current
}

// Load fetches (or returns the cached) secret for version, transitioning
// Missing -> Active. A failed fetch fails closed unless a cached entry
// within its TTL already exists, in which case the cache enters degraded
// mode and serves the stale entry.
func (c *NonceCache) Load(ctx context.Context, version string) ([]byte, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.loadLocked(ctx, version)
}

func (c *NonceCache) loadLocked(ctx context.Context, version string) ([]byte, error) {
	c.sweepLocked()

	if entry, ok := c.entries[version]; ok && entry.state != StateEvicted {
		return entry.secret, nil
	}

	raw, loadedAt, err := c.loadFromStoreWithRetry(ctx, version)
	if err != nil {
		if entry, ok := c.entries[version]; ok && c.now().Sub(entry.loadedAt) < c.ttl {
			c.degraded = true
			metrics.SetRedactionFailOpen("nonce_cache", true)
			return entry.secret, nil
		}
		return nil, oerrors.StoreFailure("nonce_cache", err).WithDetails("version", version)
	}

	c.entries[version] = &nonceEntry{
		version:  version,
		secret:   raw,
		state:    StateActive,
		loadedAt: loadedAt,
	}
	c.degraded = false
	metrics.SetRedactionFailOpen("nonce_cache", false)
	metrics.RecordNonceTransition(StateMissing.String(), StateActive.String())
	return raw, nil
}

// loadFromStoreWithRetry fetches version's secret, retrying transient
// store faults with backoff (infrastructure/resilience.Retry) before the
// caller falls back to a cached entry or fails closed.
func (c *NonceCache) loadFromStoreWithRetry(ctx context.Context, version string) ([]byte, time.Time, error) {
	var raw []byte
	var loadedAt time.Time
	name := c.prefix + "/" + version
	err := resilience.Retry(ctx, loadRetryConfig, func() error {
		v, t, err := c.store.LoadSecret(ctx, name)
		if err != nil {
			return err
		}
		raw, loadedAt = v, t
		return nil
	})
	return raw, loadedAt, err
}

// Rotate loads newVersion as the new current version, demoting the prior
// current version (if any) to Grace for the configured grace window.
func (c *NonceCache) Rotate(ctx context.Context, newVersion string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if _, err := c.loadLocked(ctx, newVersion); err != nil {
		return err
	}

	if c.current != "" && c.current != newVersion {
		if prev, ok := c.entries[c.current]; ok {
			prev.state = StateGrace
			prev.graceUntil = c.now().Add(c.grace)
			metrics.RecordNonceTransition(StateActive.String(), StateGrace.String())
		}
	}
	c.current = newVersion
	return nil
}

// sweepLocked transitions expired Grace entries to Evicted. Caller must
// hold c.mu.
func (c *NonceCache) sweepLocked() {
	now := c.now()
	for _, e := range c.entries {
		if e.state == StateGrace && !now.Before(e.graceUntil) {
			e.state = StateEvicted
			metrics.RecordNonceTransition(StateGrace.String(), StateEvicted.String())
		}
	}
}

// Verify reports whether version is currently Active or Grace (i.e. a
// RedactedText carrying it should still verify) and, if so, the secret
// bytes to recompute its MAC against.
func (c *NonceCache) Verify(version string) ([]byte, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sweepLocked()

	entry, ok := c.entries[version]
	if !ok {
		return nil, false
	}
	if entry.state != StateActive && entry.state != StateGrace {
		return nil, false
	}
	return entry.secret, true
}

// State returns the current lifecycle state of version (StateMissing if
// never loaded).
func (c *NonceCache) State(version string) State {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sweepLocked()
	entry, ok := c.entries[version]
	if !ok {
		return StateMissing
	}
	return entry.state
}
