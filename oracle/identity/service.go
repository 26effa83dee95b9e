package identity

import (
	"context"
	"time"

	oerrors "github.com/R3E-Network/oracle-trust-engine/infrastructure/errors"
	"github.com/R3E-Network/oracle-trust-engine/pkg/metrics"
)

// Service is the verification service: the only writer of
// OrganizationIdentity records. It runs the configured verifier for an
// org, persists the identity on success, and issues the org's first
// nonce binding in the same flow, so a verified org always leaves with
// exactly one active credential.
type Service struct {
	verifiers map[Method]Verifier
	store     IdentityStore
	bindings  NonceBindingStore
	now       func() time.Time
}

// NewService builds a Service over store and bindings. Verifiers are
// registered per method via RegisterVerifier; an unregistered method
// fails verification rather than falling through to another provider.
func NewService(store IdentityStore, bindings NonceBindingStore) *Service {
	return &Service{
		verifiers: make(map[Method]Verifier),
		store:     store,
		bindings:  bindings,
		now:       time.Now,
	}
}

// RegisterVerifier installs the concrete verifier for method, replacing
// any prior registration.
func (s *Service) RegisterVerifier(method Method, v Verifier) {
	s.verifiers[method] = v
}

// VerifyAndRegister runs the method's verifier for orgID and, on
// success, persists the OrganizationIdentity and issues its first nonce
// binding under publicKey. A failed verification returns the typed
// result (with its Reason) and no error; the org is not registered.
func (s *Service) VerifyAndRegister(ctx context.Context, orgID, publicKey string, method Method) (VerificationResult, error) {
	verifier, ok := s.verifiers[method]
	if !ok {
		metrics.RecordIdentityVerification(string(method), "unregistered")
		return VerificationResult{}, oerrors.NotFound("identity_verifier", string(method))
	}

	result, err := verifier.Verify(ctx, orgID)
	if err != nil {
		metrics.RecordIdentityVerification(string(method), "error")
		return VerificationResult{}, err
	}
	if !result.Verified {
		metrics.RecordIdentityVerification(string(method), "rejected")
		return result, nil
	}
	metrics.RecordIdentityVerification(string(method), "verified")

	identity := OrganizationIdentity{
		OrgID:              orgID,
		PublicKey:          publicKey,
		VerificationMethod: result.Method,
		VerifiedAt:         s.now(),
	}
	if existing, found, err := s.store.Get(ctx, orgID); err != nil {
		return VerificationResult{}, err
	} else if found {
		identity.UniqueNonce = existing.UniqueNonce
	}
	if err := s.store.Save(ctx, identity); err != nil {
		return VerificationResult{}, err
	}

	if _, err := s.bindings.GenerateAndBind(ctx, orgID, publicKey); err != nil {
		// A re-verification of an org that already holds an active
		// binding keeps that binding; rotation is an explicit operation.
		if !oerrors.Is(err, oerrors.KindDuplicateEvent) {
			return VerificationResult{}, err
		}
	}
	return result, nil
}

// RotateBinding rotates orgID's nonce binding under newPublicKey,
// recording the rotation reason.
func (s *Service) RotateBinding(ctx context.Context, orgID, newPublicKey, reason string) (Binding, error) {
	binding, err := s.bindings.Rotate(ctx, orgID, newPublicKey, reason)
	if err != nil {
		return Binding{}, err
	}
	metrics.RecordNonceBindingRotation(reason)
	return binding, nil
}

// RevokeIdentity revokes orgID's current binding and removes its
// identity record; the org must re-verify from scratch to rejoin the
// network.
func (s *Service) RevokeIdentity(ctx context.Context, orgID, reason string) error {
	if err := s.bindings.Revoke(ctx, orgID, reason); err != nil {
		return err
	}
	metrics.RecordNonceBindingRotation("revoked")
	return s.store.Revoke(ctx, orgID)
}
