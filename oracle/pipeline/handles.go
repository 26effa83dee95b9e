package pipeline

import (
	"context"
	"time"

	"github.com/R3E-Network/oracle-trust-engine/infrastructure/logging"
	"github.com/R3E-Network/oracle-trust-engine/oracle/fpstore"
	"github.com/R3E-Network/oracle-trust-engine/oracle/identity"
)

// handles is the scoped-acquisition bundle for a run's store
// side-effects: acquired at the start of one Pipeline.Run, released
// (its dedupe set discarded, any queued usage increment flushed) on
// every exit path via a deferred Release. It owns nothing durable; the
// durable stores belong to the Pipeline itself and outlive any one
// handles value.
type handles struct {
	events  fpstore.FPEventStore
	nonce   string
	orgID   string
	binding NonceAuthority
	used    bool
}

// NonceAuthority is the slice of identity.NonceBindingStore the pipeline
// consumes: validating the submitting org's nonce before any event is
// admitted into the FP store (failing closed on mismatch or revocation),
// and bumping its usage counter once per invocation that recorded at
// least one event under it.
type NonceAuthority interface {
	Verify(ctx context.Context, nonce, claimedOrgID string) (identity.Binding, error)
	IncrementUsage(ctx context.Context, nonce, orgID string) error
}

// newHandles builds a fresh scoped handle for one invocation. The dedupe
// window only needs to outlive a single Run call, so it is sized to the
// pipeline's deadline rather than any persistent TTL. logger may be nil;
// it is only consulted by the dedupe guard to warn on a collision.
func newHandles(events fpstore.FPEventStore, binding NonceAuthority, nonce, orgID string, window time.Duration, logger *logging.Logger) *handles {
	if window <= 0 {
		window = time.Hour
	}
	return &handles{
		events:  &dedupingEventStore{inner: events, guard: newFindingDedupe(window, logger)},
		nonce:   nonce,
		orgID:   orgID,
		binding: binding,
	}
}

// Events returns the deduping FPEventStore view this invocation's
// evaluator should record through.
func (h *handles) Events() fpstore.FPEventStore {
	return h.events
}

// noteUsed marks that this invocation recorded at least one event under
// the bound nonce, so Release knows to bump usage.
func (h *handles) noteUsed() {
	h.used = true
}

// Release flushes queued side-effects: here, a single usage increment
// against the org's nonce binding if any event was recorded and a
// binding is configured. Called via defer on every exit path of Run, so
// a panic or early return never leaves the increment un-attempted.
func (h *handles) Release(ctx context.Context) error {
	if !h.used || h.binding == nil || h.nonce == "" {
		return nil
	}
	return h.binding.IncrementUsage(ctx, h.nonce, h.orgID)
}

// dedupingEventStore guarantees that events for a given
// (ruleId, findingId) are recorded at most once within one invocation,
// by consulting a findingDedupe seen-set before every write. A second
// RecordEvent for the same pair inside the same run is treated as
// already-applied rather than surfaced as DuplicateEvent, since the
// evaluator itself only calls RecordEvent once per resolved candidate;
// this is the defense-in-depth layer, not the primary guarantee.
type dedupingEventStore struct {
	inner fpstore.FPEventStore
	guard *findingDedupe
}

func (d *dedupingEventStore) RecordEvent(ctx context.Context, event fpstore.FPEvent) error {
	if !d.guard.admit(event.RuleID, event.FindingID) {
		return nil
	}
	return d.inner.RecordEvent(ctx, event)
}

func (d *dedupingEventStore) MarkFalsePositive(ctx context.Context, findingID, reviewer, ticket string) error {
	return d.inner.MarkFalsePositive(ctx, findingID, reviewer, ticket)
}

func (d *dedupingEventStore) WindowByCount(ctx context.Context, ruleID string, n int) (fpstore.FPWindow, error) {
	return d.inner.WindowByCount(ctx, ruleID, n)
}

func (d *dedupingEventStore) WindowBySince(ctx context.Context, ruleID string, since time.Time) (fpstore.FPWindow, error) {
	return d.inner.WindowBySince(ctx, ruleID, since)
}

var _ fpstore.FPEventStore = (*dedupingEventStore)(nil)
