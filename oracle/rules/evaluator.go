package rules

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"sort"
	"time"

	"github.com/R3E-Network/oracle-trust-engine/oracle/blockcounter"
	"github.com/R3E-Network/oracle-trust-engine/oracle/calibration"
	"github.com/R3E-Network/oracle-trust-engine/oracle/evidence"
	"github.com/R3E-Network/oracle-trust-engine/oracle/fpstore"
	"github.com/R3E-Network/oracle-trust-engine/oracle/redaction"
	"github.com/R3E-Network/oracle-trust-engine/pkg/metrics"
)

// InvocationContext carries the per-run provenance the evaluator needs
// to record FPEvents and increment block counters, independent of any
// one rule's evidence.
type InvocationContext struct {
	OrgID     string
	Repo      string
	Branch    string
	EventType string
}

// OrgRepoHash derives the blockcounter/breaker bucket key component from
// org+repo without leaking either in logs or metrics labels. Exported so
// the oracle pipeline can drive the circuit breaker with the same key
// the evaluator used to increment it.
func (c InvocationContext) OrgRepoHash() string {
	sum := sha256.Sum256([]byte(c.OrgID + "/" + c.Repo))
	return hex.EncodeToString(sum[:8])
}

// HighConfidenceFloor is the consensus-confidence level at or above
// which the demotion test trusts the consensus FPR enough to apply it.
const HighConfidenceFloor = 0.5

// Evaluator runs the registry's rules in order against one
// EvaluationInput, applying the local/consensus FPR demotion test and
// recording outcomes.
type Evaluator struct {
	registry     *Registry
	events       fpstore.FPEventStore
	calibration  calibration.ResultStore
	counter      blockcounter.BlockCounter
	redactor     *redaction.Redactor
	findingIDKey []byte
	now          func() time.Time
}

// NewEvaluator wires the evaluator's dependencies. findingIDKey seeds
// evidence.ComputeFindingID; callers should load it from the same
// secret store the redactor's nonce cache uses.
func NewEvaluator(registry *Registry, events fpstore.FPEventStore, calibrationStore calibration.ResultStore, counter blockcounter.BlockCounter, redactor *redaction.Redactor, findingIDKey []byte) *Evaluator {
	return &Evaluator{
		registry:     registry,
		events:       events,
		calibration:  calibrationStore,
		counter:      counter,
		redactor:     redactor,
		findingIDKey: findingIDKey,
		now:          time.Now,
	}
}

// EvaluateAll runs every rule in the registry's fixed lexicographic
// order against input, returning the resulting findings in the same
// order, with the inner evidence sorted by path then line range.
func (e *Evaluator) EvaluateAll(ctx context.Context, input EvaluationInput, invocation InvocationContext) ([]evidence.Finding, error) {
	input.Redactor = e.redactor

	var findings []evidence.Finding
	for _, ruleID := range e.registry.RuleIDs() {
		rule, _ := e.registry.Get(ruleID)
		ruleFindings, err := e.evaluateRule(ctx, rule, input, invocation)
		if err != nil {
			return nil, err
		}
		findings = append(findings, ruleFindings...)
	}
	return findings, nil
}

func (e *Evaluator) evaluateRule(ctx context.Context, rule Rule, input EvaluationInput, invocation InvocationContext) ([]evidence.Finding, error) {
	candidates, err := rule.Evaluate(ctx, input)
	if err != nil {
		return nil, err
	}
	if len(candidates) == 0 {
		return nil, nil
	}

	sort.SliceStable(candidates, func(i, j int) bool {
		return candidateSortKey(candidates[i]) < candidateSortKey(candidates[j])
	})

	now := e.now()
	findings := make([]evidence.Finding, 0, len(candidates))
	for _, candidate := range candidates {
		finding, err := e.resolveCandidate(ctx, rule, candidate, invocation, now)
		if err != nil {
			return nil, err
		}
		findings = append(findings, finding)
	}
	return findings, nil
}

// resolveCandidate turns one candidate into a Finding: attach evidence
// (already redacted by the rule via e's Redactor), consult the local
// FPR, consult the consensus FPR, record the event, and increment the
// block counter on BLOCK.
func (e *Evaluator) resolveCandidate(ctx context.Context, rule Rule, candidate CandidateFinding, invocation InvocationContext, now time.Time) (evidence.Finding, error) {
	findingID := evidence.ComputeFindingID(e.findingIDKey, rule.RuleID, candidate.Evidence)
	outcome := rule.outcomeFor(candidate.Severity)

	if outcome == evidence.SeverityBlock {
		demoted, err := e.shouldDemote(ctx, rule, findingID)
		if err != nil {
			return evidence.Finding{}, err
		}
		if demoted {
			outcome = evidence.SeverityWarn
		}
	}

	finding := evidence.Finding{
		RuleID:      rule.RuleID,
		RuleVersion: rule.RuleVersion,
		FindingID:   findingID,
		Severity:    candidate.Severity,
		Outcome:     outcome,
		Evidence:    candidate.Evidence,
		Message:     candidate.Message,
	}

	if err := e.events.RecordEvent(ctx, fpstore.FPEvent{
		EventID:     invocation.OrgRepoHash() + "-" + findingID + "-" + now.Format(time.RFC3339Nano),
		RuleID:      rule.RuleID,
		RuleVersion: rule.RuleVersion,
		FindingID:   findingID,
		Outcome:     storeOutcome(outcome),
		Timestamp:   now,
		Context: fpstore.EventContext{
			OrgID:     invocation.OrgID,
			Repo:      invocation.Repo,
			Branch:    invocation.Branch,
			EventType: invocation.EventType,
		},
	}); err != nil {
		return evidence.Finding{}, err
	}
	metrics.RecordFPEvent(rule.RuleID, string(storeOutcome(outcome)))

	if outcome == evidence.SeverityBlock {
		if err := e.counter.Increment(ctx, rule.RuleID, invocation.OrgRepoHash(), now); err != nil {
			return evidence.Finding{}, err
		}
	}

	return finding, nil
}

// shouldDemote implements steps 2-3: local observed FPR against the
// rule's threshold, then the consensus FPR from calibration whenever a
// high-confidence result is available, applying whichever of the two is
// higher to the same threshold test. findingID doubles as the known-FP
// context hash per the Open Question resolution recorded alongside
// evidence.ComputeFindingID.
func (e *Evaluator) shouldDemote(ctx context.Context, rule Rule, findingID string) (bool, error) {
	if rule.LocalFPRThreshold <= 0 {
		return false, nil
	}

	window, err := e.events.WindowBySince(ctx, rule.RuleID, time.Time{})
	if err != nil {
		return false, err
	}

	observedFPR := window.Statistics.ObservedFPR
	metrics.SetObservedFPR(rule.RuleID, observedFPR)
	resemblesKnownFP := matchesKnownFPContext(window, findingID)

	effectiveFPR := observedFPR
	if e.calibration != nil {
		result, ok, err := e.calibration.Get(ctx, rule.RuleID)
		if err != nil {
			return false, err
		}
		if ok && result.ConsensusFPRPresent && result.Confidence.Level >= HighConfidenceFloor {
			if result.ConsensusFPR > effectiveFPR {
				effectiveFPR = result.ConsensusFPR
			}
		}
	}

	return resemblesKnownFP && effectiveFPR >= rule.LocalFPRThreshold, nil
}

// storeOutcome maps a finding outcome onto the lowercase wire values the
// FP store's Outcome enum records.
func storeOutcome(s evidence.Severity) fpstore.Outcome {
	switch s {
	case evidence.SeverityBlock:
		return fpstore.OutcomeBlock
	case evidence.SeverityWarn:
		return fpstore.OutcomeWarn
	default:
		return fpstore.OutcomePass
	}
}

// matchesKnownFPContext reports whether any previously recorded,
// confirmed-false-positive event in the window shares findingID's
// context hash (its own deterministic identity, resolving the source's
// fuzzy-match proxy into an exact equality test).
func matchesKnownFPContext(window fpstore.FPWindow, findingID string) bool {
	for _, event := range window.Events {
		if event.FindingID == findingID && event.IsFalsePositive {
			return true
		}
	}
	return false
}

// candidateSortKey orders candidates by evidence path then line range;
// candidates with no evidence sort first.
func candidateSortKey(c CandidateFinding) string {
	if len(c.Evidence) == 0 {
		return ""
	}
	first := c.Evidence[0]
	key := first.Path
	if first.Line != nil {
		key += "#" + itoaPadded(first.Line.Start) + "-" + itoaPadded(first.Line.End)
	}
	return key
}

func itoaPadded(n int) string {
	const digits = "0123456789"
	if n < 0 {
		n = 0
	}
	buf := make([]byte, 10)
	for i := 9; i >= 0; i-- {
		buf[i] = digits[n%10]
		n /= 10
	}
	return string(buf)
}
