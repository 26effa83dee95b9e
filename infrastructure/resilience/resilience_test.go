package resilience

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestRetry_EventualSuccess(t *testing.T) {
	cfg := RetryConfig{MaxAttempts: 3, InitialDelay: time.Millisecond}
	attempts := 0

	err := Retry(context.Background(), cfg, func() error {
		attempts++
		if attempts < 3 {
			return errors.New("transient store fault")
		}
		return nil
	})

	if err != nil {
		t.Fatalf("expected nil after the 3rd attempt, got %v", err)
	}
	if attempts != 3 {
		t.Fatalf("attempts = %d, want 3", attempts)
	}
}

func TestRetry_ExhaustsAttempts(t *testing.T) {
	cfg := RetryConfig{MaxAttempts: 2, InitialDelay: time.Millisecond}
	permanent := errors.New("secret not found")
	attempts := 0

	err := Retry(context.Background(), cfg, func() error {
		attempts++
		return permanent
	})

	if !errors.Is(err, permanent) {
		t.Fatalf("expected the last error to propagate, got %v", err)
	}
	if attempts != 2 {
		t.Fatalf("attempts = %d, want 2", attempts)
	}
}

func TestRetry_ContextCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	cfg := RetryConfig{MaxAttempts: 5, InitialDelay: time.Millisecond}
	err := Retry(ctx, cfg, func() error {
		return errors.New("never reached or abandoned mid-retry")
	})
	if err == nil {
		t.Fatal("expected a cancelled context to abort the retry loop")
	}
}

func TestCircuitBreaker_OpensAfterMaxFailures(t *testing.T) {
	cb := New(Config{MaxFailures: 2, Timeout: time.Hour, HalfOpenMax: 1})
	ctx := context.Background()
	failing := errors.New("rule evaluation store unavailable")

	for i := 0; i < 2; i++ {
		if err := cb.Execute(ctx, func() error { return failing }); !errors.Is(err, failing) {
			t.Fatalf("attempt %d: got %v, want the underlying error", i, err)
		}
	}

	if err := cb.Execute(ctx, func() error { return nil }); !errors.Is(err, ErrCircuitOpen) {
		t.Fatalf("expected ErrCircuitOpen once MaxFailures is reached, got %v", err)
	}
	if cb.State() != StateOpen {
		t.Fatalf("State() = %v, want StateOpen", cb.State())
	}
}
