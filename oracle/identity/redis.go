package identity

import (
	"context"
	"crypto/hmac"
	"encoding/json"
	"errors"
	"time"

	"github.com/go-redis/redis/v8"

	oerrors "github.com/R3E-Network/oracle-trust-engine/infrastructure/errors"
)

// RedisNonceBindingStore is the durable NonceBindingStore for
// pull_request/merge_group/drift modes, sharing a go-redis/v8 client
// with the Redis-backed block counter. Layout:
//
//	<prefix>binding:<nonce>  JSON-encoded Binding
//	<prefix>org:<orgId>      current (possibly revoked) nonce
//	<prefix>history:<orgId>  list of nonces, oldest first
//
// The one-active-binding-per-org invariant is enforced by WATCHing the
// org key across every write that issues or revokes a binding, so two
// concurrent rotations cannot both install a successor.
type RedisNonceBindingStore struct {
	client     *redis.Client
	identities IdentityStore
	signingKey []byte
	prefix     string
	now        func() time.Time
}

// NewRedisNonceBindingStore builds a store over an existing client,
// namespacing keys under prefix (e.g. "oracle:nonce:").
func NewRedisNonceBindingStore(client *redis.Client, identities IdentityStore, signingKey []byte, prefix string) *RedisNonceBindingStore {
	return &RedisNonceBindingStore{
		client:     client,
		identities: identities,
		signingKey: append([]byte(nil), signingKey...),
		prefix:     prefix,
		now:        time.Now,
	}
}

func (s *RedisNonceBindingStore) bindingKey(nonce string) string { return s.prefix + "binding:" + nonce }
func (s *RedisNonceBindingStore) orgKey(orgID string) string     { return s.prefix + "org:" + orgID }
func (s *RedisNonceBindingStore) historyKey(orgID string) string { return s.prefix + "history:" + orgID }

func (s *RedisNonceBindingStore) loadBinding(ctx context.Context, nonce string) (Binding, bool, error) {
	raw, err := s.client.Get(ctx, s.bindingKey(nonce)).Bytes()
	if errors.Is(err, redis.Nil) {
		return Binding{}, false, nil
	}
	if err != nil {
		return Binding{}, false, oerrors.StoreFailure("nonce_binding.redis", err).WithDetails("operation", "load")
	}
	var binding Binding
	if err := json.Unmarshal(raw, &binding); err != nil {
		return Binding{}, false, oerrors.StoreFailure("nonce_binding.redis", err).WithDetails("operation", "decode")
	}
	return binding, true, nil
}

func (s *RedisNonceBindingStore) saveBinding(ctx context.Context, pipe redis.Cmdable, binding Binding) error {
	raw, err := json.Marshal(binding)
	if err != nil {
		return oerrors.StoreFailure("nonce_binding.redis", err).WithDetails("operation", "encode")
	}
	if err := pipe.Set(ctx, s.bindingKey(binding.Nonce), raw, 0).Err(); err != nil {
		return oerrors.StoreFailure("nonce_binding.redis", err).WithDetails("operation", "save")
	}
	return nil
}

// currentBinding resolves orgID's latest-issued binding, revoked or not.
func (s *RedisNonceBindingStore) currentBinding(ctx context.Context, orgID string) (Binding, bool, error) {
	nonce, err := s.client.Get(ctx, s.orgKey(orgID)).Result()
	if errors.Is(err, redis.Nil) {
		return Binding{}, false, nil
	}
	if err != nil {
		return Binding{}, false, oerrors.StoreFailure("nonce_binding.redis", err).WithDetails("operation", "current")
	}
	return s.loadBinding(ctx, nonce)
}

func (s *RedisNonceBindingStore) GenerateAndBind(ctx context.Context, orgID, publicKey string) (Binding, error) {
	identity, ok, err := s.identities.Get(ctx, orgID)
	if err != nil {
		return Binding{}, err
	}
	if !ok {
		return Binding{}, oerrors.New(oerrors.KindNotFound, "org has no verified identity").WithDetails("orgId", orgID)
	}

	var issued Binding
	txn := func(tx *redis.Tx) error {
		current, exists, err := s.currentBinding(ctx, orgID)
		if err != nil {
			return err
		}
		if exists && !current.Revoked {
			return oerrors.New(oerrors.KindDuplicateEvent, "org already has an active binding; use Rotate").
				WithDetails("orgId", orgID)
		}

		nonce, err := generateNonce()
		if err != nil {
			return oerrors.Wrap(oerrors.KindStoreError, "generate nonce failed", err)
		}
		issued = Binding{
			Nonce:     nonce,
			OrgID:     orgID,
			PublicKey: publicKey,
			Signature: computeSignature(s.signingKey, nonce, orgID, publicKey),
			IssuedAt:  s.now(),
		}

		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			if err := s.saveBinding(ctx, pipe, issued); err != nil {
				return err
			}
			pipe.Set(ctx, s.orgKey(orgID), issued.Nonce, 0)
			pipe.RPush(ctx, s.historyKey(orgID), issued.Nonce)
			return nil
		})
		return err
	}
	if err := s.client.Watch(ctx, txn, s.orgKey(orgID)); err != nil {
		if oe := oerrors.GetOracleError(err); oe != nil {
			return Binding{}, oe
		}
		return Binding{}, oerrors.StoreFailure("nonce_binding.redis", err).WithDetails("operation", "bind")
	}

	identity.UniqueNonce = issued.Nonce
	if err := s.identities.Save(ctx, identity); err != nil {
		return Binding{}, err
	}
	return issued, nil
}

func (s *RedisNonceBindingStore) Verify(ctx context.Context, nonce, claimedOrgID string) (Binding, error) {
	binding, ok, err := s.loadBinding(ctx, nonce)
	if err != nil {
		return Binding{}, err
	}
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
	return binding, nil
}

func (s *RedisNonceBindingStore) Rotate(ctx context.Context, orgID, newPublicKey, reason string) (Binding, error) {
	identity, ok, err := s.identities.Get(ctx, orgID)
	if err != nil {
		return Binding{}, err
	}
	if !ok {
		return Binding{}, oerrors.New(oerrors.KindNotFound, "org has no verified identity").WithDetails("orgId", orgID)
	}

	var issued Binding
	txn := func(tx *redis.Tx) error {
		current, exists, err := s.currentBinding(ctx, orgID)
		if err != nil {
			return err
		}

		var previous string
		if exists && !current.Revoked {
			revokedAt := s.now()
			current.Revoked = true
			current.RevocationReason = reason
			current.RevokedAt = &revokedAt
			previous = current.Nonce
		}

		nonce, err := generateNonce()
		if err != nil {
			return oerrors.Wrap(oerrors.KindStoreError, "generate nonce failed", err)
		}
		issued = Binding{
			Nonce:         nonce,
			OrgID:         orgID,
			PublicKey:     newPublicKey,
			Signature:     computeSignature(s.signingKey, nonce, orgID, newPublicKey),
			IssuedAt:      s.now(),
			PreviousNonce: previous,
		}

		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			if previous != "" {
				if err := s.saveBinding(ctx, pipe, current); err != nil {
					return err
				}
			}
			if err := s.saveBinding(ctx, pipe, issued); err != nil {
				return err
			}
			pipe.Set(ctx, s.orgKey(orgID), issued.Nonce, 0)
			pipe.RPush(ctx, s.historyKey(orgID), issued.Nonce)
			return nil
		})
		return err
	}
	if err := s.client.Watch(ctx, txn, s.orgKey(orgID)); err != nil {
		if oe := oerrors.GetOracleError(err); oe != nil {
			return Binding{}, oe
		}
		return Binding{}, oerrors.StoreFailure("nonce_binding.redis", err).WithDetails("operation", "rotate")
	}

	identity.UniqueNonce = issued.Nonce
	if err := s.identities.Save(ctx, identity); err != nil {
		return Binding{}, err
	}
	return issued, nil
}

func (s *RedisNonceBindingStore) Revoke(ctx context.Context, orgID, reason string) error {
	txn := func(tx *redis.Tx) error {
		current, exists, err := s.currentBinding(ctx, orgID)
		if err != nil {
			return err
		}
		if !exists || current.Revoked {
			// Idempotent on a missing or already-revoked binding.
			return nil
		}
		revokedAt := s.now()
		current.Revoked = true
		current.RevocationReason = reason
		current.RevokedAt = &revokedAt

		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			return s.saveBinding(ctx, pipe, current)
		})
		return err
	}
	if err := s.client.Watch(ctx, txn, s.orgKey(orgID)); err != nil {
		if oe := oerrors.GetOracleError(err); oe != nil {
			return oe
		}
		return oerrors.StoreFailure("nonce_binding.redis", err).WithDetails("operation", "revoke")
	}
	return nil
}

func (s *RedisNonceBindingStore) IncrementUsage(ctx context.Context, nonce, orgID string) error {
	txn := func(tx *redis.Tx) error {
		binding, ok, err := s.loadBinding(ctx, nonce)
		if err != nil {
			return err
		}
		if !ok || binding.OrgID != orgID {
			return oerrors.NotFound("nonce_binding", nonce)
		}
		binding.UsageCount++
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			return s.saveBinding(ctx, pipe, binding)
		})
		return err
	}
	if err := s.client.Watch(ctx, txn, s.bindingKey(nonce)); err != nil {
		if oe := oerrors.GetOracleError(err); oe != nil {
			return oe
		}
		return oerrors.StoreFailure("nonce_binding.redis", err).WithDetails("operation", "increment_usage")
	}
	return nil
}

func (s *RedisNonceBindingStore) RotationHistory(ctx context.Context, orgID string) ([]Binding, error) {
	nonces, err := s.client.LRange(ctx, s.historyKey(orgID), 0, -1).Result()
	if err != nil {
		return nil, oerrors.StoreFailure("nonce_binding.redis", err).WithDetails("operation", "history")
	}
	out := make([]Binding, 0, len(nonces))
	for _, n := range nonces {
		binding, ok, err := s.loadBinding(ctx, n)
		if err != nil {
			return nil, err
		}
		if ok {
			out = append(out, binding)
		}
	}
	return out, nil
}

var _ NonceBindingStore = (*RedisNonceBindingStore)(nil)
