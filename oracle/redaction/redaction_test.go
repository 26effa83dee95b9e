package redaction

import (
	"context"
	"testing"
	"time"

	"github.com/R3E-Network/oracle-trust-engine/infrastructure/secrets"
	"github.com/R3E-Network/oracle-trust-engine/oracle/evidence"
)

var testMasterKey = []byte("01234567890123456789012345678901")[:32]

func newTestCache(t *testing.T) (*NonceCache, *time.Time) {
	t.Helper()
	store, err := secrets.NewMemoryStore(testMasterKey)
	if err != nil {
		t.Fatalf("new memory store: %v", err)
	}
	if err := store.Put("nonce/v1", []byte("nonce-secret-v1")); err != nil {
		t.Fatalf("seed v1: %v", err)
	}
	now := time.Now()
	cache := NewNonceCache(store, "nonce", time.Hour, 10*time.Minute)
	cache.now = func() time.Time { return now }
	return cache, &now
}

func TestRedactor_PatternTable(t *testing.T) {
	cache, _ := newTestCache(t)
	ctx := context.Background()
	if _, err := cache.Load(ctx, "v1"); err != nil {
		t.Fatalf("load: %v", err)
	}
	cache.current = "v1"
	r := NewRedactor(cache, PolicyFailClosed)

	cases := []struct {
		name  string
		input string
		want  string
	}{
		{"api_key", `api_key: "sk-abc123"`, `api_key: "***REDACTED***"`},
		{"bearer_jwt", "Authorization: Bearer abc.def.ghi", "Authorization: Bearer ***REDACTED***"},
		{"password", `password="hunter2"`, `password="***REDACTED***"`},
		{"plain_text_untouched", "no secrets here", "no secrets here"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			rv, err := r.Redact(ctx, tc.input)
			if err != nil {
				t.Fatalf("redact: %v", err)
			}
			if rv.Value != tc.want {
				t.Fatalf("Value = %q, want %q", rv.Value, tc.want)
			}
		})
	}
}

func TestRedactor_RoundTrip(t *testing.T) {
	cache, _ := newTestCache(t)
	ctx := context.Background()
	if err := cache.Rotate(ctx, "v1"); err != nil {
		t.Fatalf("rotate: %v", err)
	}
	r := NewRedactor(cache, PolicyFailClosed)

	rv, err := r.Redact(ctx, "hello world")
	if err != nil {
		t.Fatalf("redact: %v", err)
	}
	if !r.Verify(rv) {
		t.Fatalf("expected fresh RedactedText to verify")
	}
}

func TestRedactor_RoundTrip_ActiveGraceEvicted(t *testing.T) {
	store, err := secrets.NewMemoryStore(testMasterKey)
	if err != nil {
		t.Fatalf("new memory store: %v", err)
	}
	ctx := context.Background()
	if err := store.Put("nonce/v1", []byte("secret-v1")); err != nil {
		t.Fatalf("seed v1: %v", err)
	}
	if err := store.Put("nonce/v2", []byte("secret-v2")); err != nil {
		t.Fatalf("seed v2: %v", err)
	}

	now := time.Now()
	cache := NewNonceCache(store, "nonce", time.Hour, 10*time.Minute)
	cache.now = func() time.Time { return now }

	if err := cache.Rotate(ctx, "v1"); err != nil {
		t.Fatalf("rotate v1: %v", err)
	}
	r := NewRedactor(cache, PolicyFailClosed)

	rv, err := r.Redact(ctx, "quoted evidence text")
	if err != nil {
		t.Fatalf("redact: %v", err)
	}
	if !r.Verify(rv) {
		t.Fatalf("expected Active nonce to verify")
	}

	// Rotate to v2: v1 demotes to Grace, must still verify.
	if err := cache.Rotate(ctx, "v2"); err != nil {
		t.Fatalf("rotate v2: %v", err)
	}
	if cache.State("v1") != StateGrace {
		t.Fatalf("v1 state = %v, want Grace", cache.State("v1"))
	}
	if !r.Verify(rv) {
		t.Fatalf("expected Grace nonce to still verify")
	}

	// Advance past the grace window: v1 evicts, must no longer verify.
	now = now.Add(time.Hour)
	if r.Verify(rv) {
		t.Fatalf("expected Evicted nonce to fail verification")
	}
	if cache.State("v1") != StateEvicted {
		t.Fatalf("v1 state = %v, want Evicted", cache.State("v1"))
	}
}

func TestRedactor_Verify_TamperedMAC(t *testing.T) {
	cache, _ := newTestCache(t)
	ctx := context.Background()
	if err := cache.Rotate(ctx, "v1"); err != nil {
		t.Fatalf("rotate: %v", err)
	}
	r := NewRedactor(cache, PolicyFailClosed)

	rv, err := r.Redact(ctx, "some text")
	if err != nil {
		t.Fatalf("redact: %v", err)
	}
	rv.Value = "tampered text"
	if r.Verify(rv) {
		t.Fatalf("expected tampered value to fail verification")
	}
}

func TestRedactor_ValidateReport_FailClosedVsFailOpen(t *testing.T) {
	cache, _ := newTestCache(t)
	ctx := context.Background()
	if err := cache.Rotate(ctx, "v1"); err != nil {
		t.Fatalf("rotate: %v", err)
	}
	closedRedactor := NewRedactor(cache, PolicyFailClosed)
	openRedactor := NewRedactor(cache, PolicyFailOpen)

	good, err := closedRedactor.Redact(ctx, "ok")
	if err != nil {
		t.Fatalf("redact: %v", err)
	}
	bad := good
	bad.MAC = "00"

	batch := []evidence.RedactedValue{good, bad}
	if err := closedRedactor.ValidateReport(batch); err == nil {
		t.Fatalf("expected fail-closed ValidateReport to return error on bad MAC")
	}
	if err := openRedactor.ValidateReport(batch); err != nil {
		t.Fatalf("expected fail-open ValidateReport to tolerate bad MAC, got %v", err)
	}
}

// flakySecretStore fails LoadSecret a fixed number of times before
// delegating to the wrapped store, simulating a Key Vault/Postgres
// transport blip that a short retry clears.
type flakySecretStore struct {
	inner      secrets.Store
	failsLeft  int
	attempts   int
	failureErr error
}

func (s *flakySecretStore) LoadSecret(ctx context.Context, name string) ([]byte, time.Time, error) {
	s.attempts++
	if s.failsLeft > 0 {
		s.failsLeft--
		err := s.failureErr
		if err == nil {
			err = secrets.ErrUnavailable
		}
		return nil, time.Time{}, err
	}
	return s.inner.LoadSecret(ctx, name)
}

func TestNonceCache_Load_RetriesTransientStoreFaults(t *testing.T) {
	inner, err := secrets.NewMemoryStore(testMasterKey)
	if err != nil {
		t.Fatalf("new memory store: %v", err)
	}
	if err := inner.Put("nonce/v1", []byte("nonce-secret-v1")); err != nil {
		t.Fatalf("seed v1: %v", err)
	}
	flaky := &flakySecretStore{inner: inner, failsLeft: 2}
	cache := NewNonceCache(flaky, "nonce", time.Hour, 10*time.Minute)

	secret, err := cache.Load(context.Background(), "v1")
	if err != nil {
		t.Fatalf("expected retry to clear the transient fault, got %v", err)
	}
	if string(secret) != "nonce-secret-v1" {
		t.Fatalf("secret = %q, want %q", secret, "nonce-secret-v1")
	}
	if flaky.attempts != 3 {
		t.Fatalf("attempts = %d, want 3 (2 failures + 1 success)", flaky.attempts)
	}
}

func TestNonceCache_Load_FailsClosedAfterRetriesExhausted(t *testing.T) {
	inner, err := secrets.NewMemoryStore(testMasterKey)
	if err != nil {
		t.Fatalf("new memory store: %v", err)
	}
	flaky := &flakySecretStore{inner: inner, failsLeft: 100, failureErr: secrets.ErrUnavailable}
	cache := NewNonceCache(flaky, "nonce", time.Hour, 10*time.Minute)

	if _, err := cache.Load(context.Background(), "v1"); err == nil {
		t.Fatalf("expected Load to fail closed once retries are exhausted")
	}
	if flaky.attempts != loadRetryConfig.MaxAttempts {
		t.Fatalf("attempts = %d, want %d", flaky.attempts, loadRetryConfig.MaxAttempts)
	}
}
