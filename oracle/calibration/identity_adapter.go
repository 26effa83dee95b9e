package calibration

import "context"

// StoreIdentityChecker adapts an identity store's existence check into
// an IdentityChecker: an org counts as verified once its
// OrganizationIdentity record exists, since the record is only ever
// created by a successful verification flow.
type StoreIdentityChecker struct {
	lookup func(ctx context.Context, orgID string) (bool, error)
}

// NewStoreIdentityChecker wraps a lookup function, typically
// identityStore.Get collapsed to presence: func(ctx, orgID) (bool, error) {
//   _, ok, err := store.Get(ctx, orgID); return ok, err
// }
func NewStoreIdentityChecker(lookup func(ctx context.Context, orgID string) (bool, error)) *StoreIdentityChecker {
	return &StoreIdentityChecker{lookup: lookup}
}

func (c *StoreIdentityChecker) IsVerified(ctx context.Context, orgID string) (bool, error) {
	return c.lookup(ctx, orgID)
}

var _ IdentityChecker = (*StoreIdentityChecker)(nil)
