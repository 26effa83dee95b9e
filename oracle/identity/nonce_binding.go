package identity

import (
	"context"
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"sync"
	"time"

	oerrors "github.com/R3E-Network/oracle-trust-engine/infrastructure/errors"
)

// computeSignature computes H(nonce || orgId || publicKey) as
// HMAC-SHA256 over a fixed-separator payload — the same
// concatenate-then-MAC idiom oracle/redaction uses for its canonicalised
// payloads, keyed by a server-side signing key so the signature cannot
// be forged by a client that only knows nonce/orgId/publicKey.
func computeSignature(signingKey []byte, nonce, orgID, publicKey string) string {
	mac := hmac.New(sha256.New, signingKey)
	_, _ = mac.Write([]byte(nonce))
	_, _ = mac.Write([]byte{0})
	_, _ = mac.Write([]byte(orgID))
	_, _ = mac.Write([]byte{0})
	_, _ = mac.Write([]byte(publicKey))
	return hex.EncodeToString(mac.Sum(nil))
}

func generateNonce() (string, error) {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	return hex.EncodeToString(buf), nil
}

// MemoryNonceBindingStore is the in-memory/local-mode NonceBindingStore.
// It enforces "at most one non-revoked binding per orgId" by construction:
// Rotate always revokes the current binding in the same critical section
// that installs the new one.
type MemoryNonceBindingStore struct {
	mu         sync.Mutex
	identities IdentityStore
	signingKey []byte
	// byNonce indexes every binding ever issued, revoked or not, so
	// RotationHistory and Verify(oldNonce) both resolve.
	byNonce map[string]*Binding
	// currentByOrg indexes the current non-revoked nonce per org, if any.
	currentByOrg map[string]string
	// history preserves issuance order per org, oldest first.
	history map[string][]string
	now     func() time.Time
}

// NewMemoryNonceBindingStore builds a store keyed to identities for the
// "orgId lacks a verified identity" precondition, signing bindings under
// signingKey (>= 32 bytes recommended).
func NewMemoryNonceBindingStore(identities IdentityStore, signingKey []byte) *MemoryNonceBindingStore {
	return &MemoryNonceBindingStore{
		identities:   identities,
		signingKey:   append([]byte(nil), signingKey...),
		byNonce:      make(map[string]*Binding),
		currentByOrg: make(map[string]string),
		history:      make(map[string][]string),
		now:          time.Now,
	}
}

func (s *MemoryNonceBindingStore) GenerateAndBind(ctx context.Context, orgID, publicKey string) (Binding, error) {
	identity, ok, err := s.identities.Get(ctx, orgID)
	if err != nil {
		return Binding{}, err
	}
	if !ok {
		return Binding{}, oerrors.New(oerrors.KindNotFound, "org has no verified identity").WithDetails("orgId", orgID)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if current, ok := s.currentByOrg[orgID]; ok {
		if b := s.byNonce[current]; b != nil && !b.Revoked {
			return Binding{}, oerrors.New(oerrors.KindDuplicateEvent, "org already has an active binding; use Rotate").
				WithDetails("orgId", orgID)
		}
	}

	binding, err := s.bindLocked(orgID, publicKey, "")
	if err != nil {
		return Binding{}, err
	}

	identity.UniqueNonce = binding.Nonce
	if err := s.identities.Save(ctx, identity); err != nil {
		return Binding{}, err
	}
	return *binding, nil
}

// bindLocked issues a fresh nonce and binding. Caller must hold s.mu.
func (s *MemoryNonceBindingStore) bindLocked(orgID, publicKey, previousNonce string) (*Binding, error) {
	nonce, err := generateNonce()
	if err != nil {
		return nil, oerrors.Wrap(oerrors.KindStoreError, "generate nonce failed", err)
	}
	binding := &Binding{
		Nonce:         nonce,
		OrgID:         orgID,
		PublicKey:     publicKey,
		Signature:     computeSignature(s.signingKey, nonce, orgID, publicKey),
		IssuedAt:      s.now(),
		PreviousNonce: previousNonce,
	}
	s.byNonce[nonce] = binding
	s.currentByOrg[orgID] = nonce
	s.history[orgID] = append(s.history[orgID], nonce)
	return binding, nil
}

func (s *MemoryNonceBindingStore) Verify(_ context.Context, nonce, claimedOrgID string) (Binding, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	binding, ok := s.byNonce[nonce]
	if !ok {
		return Binding{}, oerrors.NonceInvalid("nonce not found", nil)
	}
	if binding.Revoked {
		return Binding{}, oerrors.NonceInvalid("binding revoked", nil).WithDetails("reason", binding.RevocationReason)
	}
	if binding.OrgID != claimedOrgID {
		return Binding{}, oerrors.NonceInvalid("claimed org does not match binding", nil)
	}
	expected := computeSignature(s.signingKey, binding.Nonce, binding.OrgID, binding.PublicKey)
	if !hmac.Equal([]byte(expected), []byte(binding.Signature)) {
		return Binding{}, oerrors.NonceInvalid("signature mismatch", nil)
	}
	if binding.ExpiresAt != nil && s.now().After(*binding.ExpiresAt) {
		return Binding{}, oerrors.NonceInvalid("binding expired", nil)
	}
	return *binding, nil
}

func (s *MemoryNonceBindingStore) Rotate(ctx context.Context, orgID, newPublicKey, reason string) (Binding, error) {
	if _, ok, err := s.identities.Get(ctx, orgID); err != nil {
		return Binding{}, err
	} else if !ok {
		return Binding{}, oerrors.New(oerrors.KindNotFound, "org has no verified identity").WithDetails("orgId", orgID)
	}

	s.mu.Lock()

	currentNonce, hasCurrent := s.currentByOrg[orgID]
	var previous string
	if hasCurrent {
		if current := s.byNonce[currentNonce]; current != nil && !current.Revoked {
			revokedAt := s.now()
			current.Revoked = true
			current.RevocationReason = reason
			current.RevokedAt = &revokedAt
			previous = current.Nonce
		}
	}

	binding, err := s.bindLocked(orgID, newPublicKey, previous)
	s.mu.Unlock()
	if err != nil {
		return Binding{}, err
	}

	identity, ok, err := s.identities.Get(ctx, orgID)
	if err != nil {
		return Binding{}, err
	}
	if ok {
		identity.UniqueNonce = binding.Nonce
		if err := s.identities.Save(ctx, identity); err != nil {
			return Binding{}, err
		}
	}
	return *binding, nil
}

func (s *MemoryNonceBindingStore) Revoke(_ context.Context, orgID, reason string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	currentNonce, ok := s.currentByOrg[orgID]
	if !ok {
		return nil
	}
	binding := s.byNonce[currentNonce]
	if binding == nil || binding.Revoked {
		// Idempotent on an already-revoked binding.
		return nil
	}
	revokedAt := s.now()
	binding.Revoked = true
	binding.RevocationReason = reason
	binding.RevokedAt = &revokedAt
	return nil
}

func (s *MemoryNonceBindingStore) IncrementUsage(_ context.Context, nonce, orgID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	binding, ok := s.byNonce[nonce]
	if !ok || binding.OrgID != orgID {
		return oerrors.NotFound("nonce_binding", nonce)
	}
	binding.UsageCount++
	return nil
}

func (s *MemoryNonceBindingStore) RotationHistory(_ context.Context, orgID string) ([]Binding, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	nonces := s.history[orgID]
	out := make([]Binding, 0, len(nonces))
	for _, n := range nonces {
		if b := s.byNonce[n]; b != nil {
			out = append(out, *b)
		}
	}
	return out, nil
}

var _ NonceBindingStore = (*MemoryNonceBindingStore)(nil)
