// Package fpstore implements the false-positive event store: durable,
// auditable records of every rule outcome and the reviewer
// disposition eventually applied to it, plus derived windows used to
// drive calibration and circuit breaking.
package fpstore

import (
	"context"
	"time"
)

// Outcome is a rule evaluation's document-level verdict, mirrored from
// oracle/evidence.Severity so fpstore does not need to import it just
// for this string alias.
type Outcome string

const (
	OutcomeBlock Outcome = "block"
	OutcomeWarn  Outcome = "warn"
	OutcomePass  Outcome = "pass"
)

// EventContext carries the provenance of an evaluation: the
// contributing organisation, repository, branch, and triggering event
// type, cited when reviewing a disposition and, for OrgID, when the
// calibration aggregator buckets events by contributor.
type EventContext struct {
	OrgID     string
	Repo      string
	Branch    string
	EventType string
}

// FPEvent is one rule outcome as recorded at evaluation time, optionally
// reviewed afterward. EventID is unique per (RuleID, EventID); the
// transition IsFalsePositive=false -> true must set Reviewer and
// ReviewedAt in the same write (enforced by MarkFalsePositive, never by
// RecordEvent).
type FPEvent struct {
	EventID           string
	RuleID            string
	RuleVersion       string
	FindingID         string
	Outcome           Outcome
	IsFalsePositive   bool
	Timestamp         time.Time
	Context           EventContext
	Reviewer          string
	ReviewedAt        *time.Time
	SuppressionTicket string
	ExpiresAt         time.Time
}

// DefaultEventTTL is the default lifetime of an FPEvent before it
// expires out of the store.
const DefaultEventTTL = 90 * 24 * time.Hour

// Statistics summarizes an FPWindow. ObservedFPR excludes pending
// (unreviewed) events from its denominator:
// falsePositives / max(1, total - pending).
type Statistics struct {
	Total          int
	Pending        int
	FalsePositives int
	ObservedFPR    float64
}

// FPWindow is a derived, pure-function view over a set of events for one
// rule: the reported RuleVersion is the statistical mode of versions in
// the window, ties resolving to the newest.
type FPWindow struct {
	RuleID      string
	WindowSize  int
	Events      []FPEvent
	RuleVersion string
	Statistics  Statistics
}

// FPEventStore is the capability interface the oracle pipeline and
// calibration aggregator consume; RecordEvent/MarkFalsePositive never
// silently drop a write, and the window queries never return an empty
// slice to signal an error — errors always propagate explicitly.
type FPEventStore interface {
	RecordEvent(ctx context.Context, event FPEvent) error
	MarkFalsePositive(ctx context.Context, findingID, reviewer, ticket string) error
	WindowByCount(ctx context.Context, ruleID string, n int) (FPWindow, error)
	WindowBySince(ctx context.Context, ruleID string, since time.Time) (FPWindow, error)
}

var (
	_ FPEventStore = (*MemoryFPEventStore)(nil)
	_ FPEventStore = (*PostgresFPEventStore)(nil)
)
