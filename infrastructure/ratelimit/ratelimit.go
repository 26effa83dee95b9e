// Package ratelimit bounds the fan-out of store-heavy batch work — most
// notably the calibration scheduler's per-rule recompute sweep — behind
// a token-bucket limiter, so a registry with thousands of rules cannot
// starve the FP store backend.
package ratelimit

import (
	"context"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// Config names the limiter's tunables.
type Config struct {
	// RequestsPerSecond is the sustained issue rate.
	RequestsPerSecond float64
	// Burst is the bucket depth: how many requests may be issued
	// back-to-back before the sustained rate applies.
	Burst int
}

// DefaultConfig is sized for the calibration sweep's default cadence.
func DefaultConfig() Config {
	return Config{
		RequestsPerSecond: 5,
		Burst:             10,
	}
}

// Limiter is a token-bucket rate limiter over golang.org/x/time/rate.
type Limiter struct {
	mu      sync.RWMutex
	limiter *rate.Limiter
	config  Config
}

// New builds a Limiter from cfg, substituting defaults for zero values.
func New(cfg Config) *Limiter {
	if cfg.RequestsPerSecond <= 0 {
		cfg.RequestsPerSecond = DefaultConfig().RequestsPerSecond
	}
	if cfg.Burst <= 0 {
		cfg.Burst = int(cfg.RequestsPerSecond * 2)
	}

	return &Limiter{
		limiter: rate.NewLimiter(rate.Limit(cfg.RequestsPerSecond), cfg.Burst),
		config:  cfg,
	}
}

// Allow reports whether one request may proceed now without waiting.
func (l *Limiter) Allow() bool {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.limiter.Allow()
}

// AllowN reports whether n requests may proceed at now without waiting.
func (l *Limiter) AllowN(now time.Time, n int) bool {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.limiter.AllowN(now, n)
}

// Wait blocks until one request may proceed or ctx is done.
func (l *Limiter) Wait(ctx context.Context) error {
	l.mu.RLock()
	limiter := l.limiter
	l.mu.RUnlock()
	return limiter.Wait(ctx)
}

// Reset discards accumulated tokens and restores the configured rate.
func (l *Limiter) Reset() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.limiter = rate.NewLimiter(rate.Limit(l.config.RequestsPerSecond), l.config.Burst)
}
