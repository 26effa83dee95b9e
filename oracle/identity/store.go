package identity

import (
	"context"
	"sync"
	"time"
)

// IdentityStore persists OrganizationIdentity records, written only by
// the verification flow and destroyed only by administrative revocation.
type IdentityStore interface {
	Save(ctx context.Context, identity OrganizationIdentity) error
	Get(ctx context.Context, orgID string) (OrganizationIdentity, bool, error)
	Revoke(ctx context.Context, orgID string) error
}

// MemoryIdentityStore is the in-memory/local-mode IdentityStore.
type MemoryIdentityStore struct {
	mu         sync.RWMutex
	identities map[string]OrganizationIdentity
}

// NewMemoryIdentityStore builds an empty identity store.
func NewMemoryIdentityStore() *MemoryIdentityStore {
	return &MemoryIdentityStore{identities: make(map[string]OrganizationIdentity)}
}

func (s *MemoryIdentityStore) Save(_ context.Context, identity OrganizationIdentity) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.identities[identity.OrgID] = identity
	return nil
}

func (s *MemoryIdentityStore) Get(_ context.Context, orgID string) (OrganizationIdentity, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	identity, ok := s.identities[orgID]
	return identity, ok, nil
}

func (s *MemoryIdentityStore) Revoke(_ context.Context, orgID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.identities, orgID)
	return nil
}

var _ IdentityStore = (*MemoryIdentityStore)(nil)

// Binding ties one nonce to one organisation: at any instant at most
// one non-revoked Binding exists per orgId; a rotation writes the old
// binding revoked and the new one with PreviousNonce pointing to it.
type Binding struct {
	Nonce            string
	OrgID            string
	PublicKey        string
	Signature        string
	IssuedAt         time.Time
	ExpiresAt        *time.Time
	UsageCount       int64
	Revoked          bool
	RevocationReason string
	RevokedAt        *time.Time
	PreviousNonce    string
}

// NonceBindingStore issues, verifies, rotates, and revokes bindings.
type NonceBindingStore interface {
	GenerateAndBind(ctx context.Context, orgID, publicKey string) (Binding, error)
	Verify(ctx context.Context, nonce, claimedOrgID string) (Binding, error)
	Rotate(ctx context.Context, orgID, newPublicKey, reason string) (Binding, error)
	Revoke(ctx context.Context, orgID, reason string) error
	IncrementUsage(ctx context.Context, nonce, orgID string) error
	RotationHistory(ctx context.Context, orgID string) ([]Binding, error)
}
