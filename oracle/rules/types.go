// Package rules implements the closed-world rule registry and L1
// evaluator: versioned rules evaluated in deterministic
// order, each producing findings that are locally FPR-gated before
// outcome is decided.
package rules

import (
	"context"

	"github.com/R3E-Network/oracle-trust-engine/oracle/evidence"
	"github.com/R3E-Network/oracle-trust-engine/oracle/l0"
	"github.com/R3E-Network/oracle-trust-engine/oracle/redaction"
)

// CandidateFinding is what a Rule's Evaluate function returns, before
// the evaluator stamps RuleVersion, computes FindingID, and assigns the
// final Outcome (which may differ from Severity once demotion applies).
type CandidateFinding struct {
	Severity evidence.Severity
	Evidence []evidence.Evidence
	Message  string
}

// EvaluationInput is everything a Rule's Evaluate function may consult:
// the invariant-checked Snapshot plus the raw evidence context the rule
// extracts JSONPath/gjson values from.
type EvaluationInput struct {
	Snapshot     l0.Snapshot
	EvidenceJSON []byte
	// Redactor wraps any quoted text a rule lifts into Evidence.Snippet,
	// bound to the same nonce cache the evaluator's
	// report-boundary validation checks against.
	Redactor *redaction.Redactor
}

// Rule is a closed-world rule declaration: not an interface, so the
// registry can enumerate every field (required evidence kinds, severity,
// default outcome mapping) without a type switch. The authoring DSL that
// would populate a []Rule dynamically is out of scope; callers hand the
// registry a []Rule built elsewhere (e.g. compiled from a rule pack).
type Rule struct {
	RuleID                string
	RuleVersion           string
	Severity              evidence.Severity
	RequiredEvidenceKinds []string
	// LocalFPRThreshold gates the demotion test:
	// when the rule's own recent observedFPR meets or exceeds it and the
	// finding resembles a known-FP context, the outcome demotes to WARN.
	LocalFPRThreshold float64
	// DefaultOutcome maps a raised Severity to the outcome that applies
	// absent any demotion.
	DefaultOutcome map[evidence.Severity]evidence.Severity
	Evaluate       func(ctx context.Context, input EvaluationInput) ([]CandidateFinding, error)
}

// outcomeFor resolves r's default outcome mapping for severity, falling
// back to severity itself when the rule declares no override.
func (r Rule) outcomeFor(severity evidence.Severity) evidence.Severity {
	if r.DefaultOutcome == nil {
		return severity
	}
	if outcome, ok := r.DefaultOutcome[severity]; ok {
		return outcome
	}
	return severity
}
