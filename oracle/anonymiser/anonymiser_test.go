package anonymiser

import (
	"context"
	"testing"

	"github.com/R3E-Network/oracle-trust-engine/infrastructure/secrets"
)

func TestPseudonymDeterministic(t *testing.T) {
	a := NewNoop()
	p1 := a.Pseudonym("acme", "widgets")
	p2 := a.Pseudonym("acme", "widgets")
	if p1 != p2 {
		t.Fatalf("pseudonym not deterministic: %s vs %s", p1, p2)
	}
	if len(p1) != 64 {
		t.Fatalf("expected 64 hex chars, got %d", len(p1))
	}
}

func TestPseudonymDistinguishesInputs(t *testing.T) {
	a := NewNoop()
	if a.Pseudonym("acme", "widgets") == a.Pseudonym("acme", "gadgets") {
		t.Fatal("expected distinct pseudonyms for distinct repos")
	}
	if a.Pseudonym("acme", "widgets") == a.Pseudonym("other", "widgets") {
		t.Fatal("expected distinct pseudonyms for distinct orgs")
	}
}

func TestPseudonymNoConcatenationAmbiguity(t *testing.T) {
	// "ab"/"c" and "a"/"bc" must not collide: the "/" separator must be
	// part of the MAC input, not just a display convention.
	a := NewNoop()
	if a.Pseudonym("ab", "c") == a.Pseudonym("a", "bc") {
		t.Fatal("expected separator to prevent concatenation collisions")
	}
}

func TestReloadRejectsBadShape(t *testing.T) {
	store, err := secrets.NewMemoryStore(make([]byte, 32))
	if err != nil {
		t.Fatal(err)
	}
	if err := store.Put("bad-salt", []byte("not-hex")); err != nil {
		t.Fatal(err)
	}
	a := New(store, "bad-salt")
	if err := a.Reload(context.Background()); err == nil {
		t.Fatal("expected Reload to reject a non-hex salt")
	}
}

func TestReloadAcceptsValidShape(t *testing.T) {
	store, err := secrets.NewMemoryStore(make([]byte, 32))
	if err != nil {
		t.Fatal(err)
	}
	valid := "0123456789abcdef0123456789abcdef0123456789abcdef0123456789abcdef"
	if err := store.Put("good-salt", []byte(valid)); err != nil {
		t.Fatal(err)
	}
	a := New(store, "good-salt")
	if err := a.Reload(context.Background()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	loadedAt, month := a.LoadedAt()
	if loadedAt.IsZero() {
		t.Fatal("expected non-zero loadedAt")
	}
	if month == "" {
		t.Fatal("expected non-empty rotation month")
	}
}
