package identity

import (
	"context"
	"testing"
	"time"
)

func newTestStore(t *testing.T) (*MemoryIdentityStore, *MemoryNonceBindingStore) {
	t.Helper()
	identities := NewMemoryIdentityStore()
	signingKey := make([]byte, 32)
	for i := range signingKey {
		signingKey[i] = byte(i)
	}
	return identities, NewMemoryNonceBindingStore(identities, signingKey)
}

func TestGenerateAndBindRequiresVerifiedIdentity(t *testing.T) {
	_, bindings := newTestStore(t)
	_, err := bindings.GenerateAndBind(context.Background(), "acme", "pubkey-A")
	if err == nil {
		t.Fatal("expected error for org with no verified identity")
	}
}

func TestGenerateVerifyRotateRevoke(t *testing.T) {
	ctx := context.Background()
	identities, bindings := newTestStore(t)

	if err := identities.Save(ctx, OrganizationIdentity{OrgID: "acme", VerificationMethod: MethodGitHubOrg, VerifiedAt: time.Now()}); err != nil {
		t.Fatal(err)
	}

	binding, err := bindings.GenerateAndBind(ctx, "acme", "pubkey-A")
	if err != nil {
		t.Fatalf("GenerateAndBind: %v", err)
	}
	if binding.Nonce == "" || binding.OrgID != "acme" {
		t.Fatalf("unexpected binding: %+v", binding)
	}

	// A second GenerateAndBind while one is active must fail (use Rotate).
	if _, err := bindings.GenerateAndBind(ctx, "acme", "pubkey-B"); err == nil {
		t.Fatal("expected error binding a second nonce while one is active")
	}

	verified, err := bindings.Verify(ctx, binding.Nonce, "acme")
	if err != nil {
		t.Fatalf("Verify: %v", err)
	}
	if verified.OrgID != "acme" {
		t.Fatalf("expected org acme, got %s", verified.OrgID)
	}

	// Wrong claimed org must fail.
	if _, err := bindings.Verify(ctx, binding.Nonce, "other-org"); err == nil {
		t.Fatal("expected Verify to fail for mismatched claimed org")
	}

	rotated, err := bindings.Rotate(ctx, "acme", "pubkey-B", "quarterly")
	if err != nil {
		t.Fatalf("Rotate: %v", err)
	}
	if rotated.PreviousNonce != binding.Nonce {
		t.Fatalf("expected PreviousNonce=%s, got %s", binding.Nonce, rotated.PreviousNonce)
	}

	// The old nonce must now fail verification (revoked).
	if _, err := bindings.Verify(ctx, binding.Nonce, "acme"); err == nil {
		t.Fatal("expected old nonce to fail verification after rotation")
	}

	// The new nonce verifies.
	if _, err := bindings.Verify(ctx, rotated.Nonce, "acme"); err != nil {
		t.Fatalf("expected new nonce to verify, got %v", err)
	}

	history, err := bindings.RotationHistory(ctx, "acme")
	if err != nil {
		t.Fatal(err)
	}
	if len(history) != 2 {
		t.Fatalf("expected 2 bindings in history, got %d", len(history))
	}
	if !history[0].Revoked || history[0].Nonce != binding.Nonce {
		t.Fatalf("expected oldest-first history with the original binding revoked")
	}

	if err := bindings.IncrementUsage(ctx, rotated.Nonce, "acme"); err != nil {
		t.Fatalf("IncrementUsage: %v", err)
	}

	if err := bindings.Revoke(ctx, "acme", "manual revoke"); err != nil {
		t.Fatalf("Revoke: %v", err)
	}
	if _, err := bindings.Verify(ctx, rotated.Nonce, "acme"); err == nil {
		t.Fatal("expected revoked binding to fail verification")
	}

	// Idempotent on already-revoked.
	if err := bindings.Revoke(ctx, "acme", "manual revoke again"); err != nil {
		t.Fatalf("expected Revoke to be idempotent, got %v", err)
	}
}

func TestVerifyUnknownNonce(t *testing.T) {
	_, bindings := newTestStore(t)
	if _, err := bindings.Verify(context.Background(), "nonexistent", "acme"); err == nil {
		t.Fatal("expected error for unknown nonce")
	}
}
