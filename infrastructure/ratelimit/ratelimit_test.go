package ratelimit

import (
	"context"
	"testing"
	"time"
)

func TestAllowRespectsBurst(t *testing.T) {
	l := New(Config{RequestsPerSecond: 1, Burst: 3})

	for i := 0; i < 3; i++ {
		if !l.Allow() {
			t.Fatalf("expected request %d to pass within burst", i)
		}
	}
	if l.Allow() {
		t.Fatal("expected request beyond burst to be refused")
	}
}

func TestAllowNAtInstant(t *testing.T) {
	l := New(Config{RequestsPerSecond: 5, Burst: 10})
	now := time.Now()

	if !l.AllowN(now, 10) {
		t.Fatal("expected full burst to be grantable at once")
	}
	if l.AllowN(now, 1) {
		t.Fatal("expected empty bucket to refuse at the same instant")
	}
}

func TestWaitHonoursContextCancellation(t *testing.T) {
	l := New(Config{RequestsPerSecond: 0.001, Burst: 1})
	if !l.Allow() {
		t.Fatal("expected first request to drain the bucket")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	if err := l.Wait(ctx); err == nil {
		t.Fatal("expected Wait to fail once the context deadline passes")
	}
}

func TestResetRefillsBucket(t *testing.T) {
	l := New(Config{RequestsPerSecond: 1, Burst: 1})
	if !l.Allow() {
		t.Fatal("expected first request to pass")
	}
	if l.Allow() {
		t.Fatal("expected drained bucket to refuse")
	}

	l.Reset()
	if !l.Allow() {
		t.Fatal("expected reset bucket to grant again")
	}
}

func TestNewSubstitutesDefaults(t *testing.T) {
	l := New(Config{})
	if l.config.RequestsPerSecond != DefaultConfig().RequestsPerSecond {
		t.Fatalf("expected default rate, got %f", l.config.RequestsPerSecond)
	}
	if l.config.Burst <= 0 {
		t.Fatalf("expected positive burst, got %d", l.config.Burst)
	}
}
