package secrets

import (
	"context"
	"errors"
	"testing"
)

func TestEnvStore_LoadSecret(t *testing.T) {
	t.Setenv("ORACLE_SECRET_oracle/nonce/v1", "super-secret-bytes")

	store := NewEnvStore("ORACLE_SECRET_")
	value, loadedAt, err := store.LoadSecret(context.Background(), "oracle/nonce/v1")
	if err != nil {
		t.Fatalf("LoadSecret: %v", err)
	}
	if string(value) != "super-secret-bytes" {
		t.Fatalf("unexpected value %q", value)
	}
	if loadedAt.IsZero() {
		t.Fatal("expected a non-zero loadedAt")
	}
}

func TestEnvStore_MissingName(t *testing.T) {
	store := NewEnvStore("ORACLE_SECRET_")
	if _, _, err := store.LoadSecret(context.Background(), "never-set"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestEnvStore_EmptyValueTreatedAsMissing(t *testing.T) {
	t.Setenv("ORACLE_SECRET_blank", "")

	store := NewEnvStore("ORACLE_SECRET_")
	if _, _, err := store.LoadSecret(context.Background(), "blank"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected empty value to read as missing, got %v", err)
	}
}
