package state

import (
	"context"
	"errors"
	"testing"
)

func TestMemoryBackend_SaveLoadDelete(t *testing.T) {
	ctx := context.Background()
	b := NewMemoryBackend(0)

	if err := b.Save(ctx, "fpstore/finding-1", []byte(`{"ruleId":"RULE-001"}`)); err != nil {
		t.Fatalf("save: %v", err)
	}

	got, err := b.Load(ctx, "fpstore/finding-1")
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if string(got) != `{"ruleId":"RULE-001"}` {
		t.Fatalf("got %q", got)
	}

	if err := b.Delete(ctx, "fpstore/finding-1"); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if _, err := b.Load(ctx, "fpstore/finding-1"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound after delete, got %v", err)
	}
}

func TestMemoryBackend_ListByPrefix(t *testing.T) {
	ctx := context.Background()
	b := NewMemoryBackend(0)

	keys := []string{"blockcounter/org-a#RULE-001", "blockcounter/org-a#RULE-002", "blockcounter/org-b#RULE-001"}
	for _, k := range keys {
		if err := b.Save(ctx, k, []byte("1")); err != nil {
			t.Fatalf("save %s: %v", k, err)
		}
	}

	got, err := b.List(ctx, "blockcounter/org-a")
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("List(org-a) returned %d keys, want 2: %v", len(got), got)
	}
}

func TestMemoryBackend_Close_ClearsData(t *testing.T) {
	ctx := context.Background()
	b := NewMemoryBackend(0)
	if err := b.Save(ctx, "k", []byte("v")); err != nil {
		t.Fatalf("save: %v", err)
	}
	if err := b.Close(ctx); err != nil {
		t.Fatalf("close: %v", err)
	}
	if _, err := b.Load(ctx, "k"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound after close, got %v", err)
	}
}
