package pipeline

import (
	"context"
	"errors"
	"time"

	oerrors "github.com/R3E-Network/oracle-trust-engine/infrastructure/errors"
	"github.com/R3E-Network/oracle-trust-engine/infrastructure/logging"
	"github.com/R3E-Network/oracle-trust-engine/oracle/blockcounter"
	"github.com/R3E-Network/oracle-trust-engine/oracle/breaker"
	"github.com/R3E-Network/oracle-trust-engine/oracle/calibration"
	"github.com/R3E-Network/oracle-trust-engine/oracle/evidence"
	"github.com/R3E-Network/oracle-trust-engine/oracle/fpstore"
	"github.com/R3E-Network/oracle-trust-engine/oracle/l0"
	"github.com/R3E-Network/oracle-trust-engine/oracle/redaction"
	"github.com/R3E-Network/oracle-trust-engine/oracle/rules"
	"github.com/R3E-Network/oracle-trust-engine/pkg/metrics"
)

// Invocation carries the per-run provenance and raw evidence context,
// the pipeline-level superset of rules.InvocationContext (it
// additionally names the submitting org's current nonce, validated
// before any event is admitted and bumped on release).
type Invocation struct {
	OrgID        string
	Repo         string
	Branch       string
	EventType    string
	EvidenceJSON []byte
	Nonce        string
}

func (inv Invocation) ruleContext() rules.InvocationContext {
	return rules.InvocationContext{
		OrgID:     inv.OrgID,
		Repo:      inv.Repo,
		Branch:    inv.Branch,
		EventType: inv.EventType,
	}
}

// Config wires every dependency Run orchestrates. Fields left nil
// select the narrowest behavior that still type-checks (no
// calibration consultation, no metrics, no nonce-usage tracking) rather
// than panicking, so a `local` mode caller can omit what it doesn't run.
type Config struct {
	L0Config      l0.Config
	Registry      *rules.Registry
	Events        fpstore.FPEventStore
	Calibration   calibration.ResultStore
	Counter       blockcounter.BlockCounter
	Redactor      *redaction.Redactor
	Breaker       *breaker.RuleBreaker
	FindingIDKey  []byte
	NonceBinding  NonceAuthority
	Metrics       metrics.Sink
	Logger        *logging.Logger
	SchemaHash    string
	EngineVersion string
	DedupeWindow  time.Duration
	Now           func() time.Time
}

// Pipeline is the engine's single entry point: Run drives the L0 gate,
// the rule evaluator, the circuit breaker, and assembles the
// DecisionRecord, attempting its store side-effects under a scoped
// handles value released on every exit path.
type Pipeline struct {
	cfg Config
	now func() time.Time
}

// New validates cfg's required dependencies and returns a Pipeline.
// Registry, Events, Counter, Redactor, and Breaker are mandatory: without
// them there is nothing for the pipeline to orchestrate.
func New(cfg Config) (*Pipeline, error) {
	if cfg.Registry == nil {
		return nil, errors.New("pipeline: Config.Registry is required")
	}
	if cfg.Events == nil {
		return nil, errors.New("pipeline: Config.Events is required")
	}
	if cfg.Counter == nil {
		return nil, errors.New("pipeline: Config.Counter is required")
	}
	if cfg.Redactor == nil {
		return nil, errors.New("pipeline: Config.Redactor is required")
	}
	if cfg.Breaker == nil {
		return nil, errors.New("pipeline: Config.Breaker is required")
	}
	if cfg.EngineVersion == "" {
		cfg.EngineVersion = "dev"
	}
	now := cfg.Now
	if now == nil {
		now = time.Now
	}
	return &Pipeline{cfg: cfg, now: now}, nil
}

// Run executes one invocation end to end and returns the assembled
// DecisionRecord alongside the community-tier ExitCode.
// The returned error is non-nil only for failures the caller cannot
// recover a DecisionRecord from (the inputs could not be canonicalised
// for the digest); every other fault — L0 violation,
// store transport error, timeout mid-evaluation — is represented inside
// the returned DecisionRecord; the pipeline is the one place that
// decides between fail-closed and degraded outcomes.
func (p *Pipeline) Run(ctx context.Context, mode Mode, snapshot l0.Snapshot, inv Invocation) (*DecisionRecord, ExitCode, error) {
	now := p.now()

	digest, err := inputsDigest(snapshot, inv.EvidenceJSON, inv.OrgID, inv.Repo, inv.Branch, inv.EventType, mode)
	if err != nil {
		return nil, ExitDegraded, err
	}
	meta := Meta{
		SchemaHash:    p.cfg.SchemaHash,
		GeneratedAt:   now.UTC(),
		EngineVersion: p.cfg.EngineVersion,
		InputsDigest:  digest,
	}

	// Step 1: L0 gate. Terminal on failure; no downstream work runs.
	if violation := l0.CheckL0(snapshot, p.cfg.L0Config); violation != nil {
		details := detailsOf(violation)
		if predicate, ok := details["predicate"].(string); ok {
			metrics.RecordL0Violation(predicate)
		}
		record := &DecisionRecord{
			Meta:     meta,
			Findings: nil,
			Decision: DecisionBlock,
			Degradation: Degradation{
				Reason:  "L0_VIOLATION",
				Details: details,
			},
		}
		p.observe(ctx, inv, record)
		return record, ExitBlock, nil
	}

	// Validate the submitting org's nonce before any event is admitted
	// into the FP store: fail closed on a missing, revoked, or
	// mismatched binding. Local mode constructs the pipeline without
	// a NonceAuthority and skips this entirely.
	if p.cfg.NonceBinding != nil && inv.Nonce != "" {
		if _, err := p.cfg.NonceBinding.Verify(ctx, inv.Nonce, inv.OrgID); err != nil {
			record := &DecisionRecord{
				Meta:     meta,
				Findings: nil,
				Decision: DecisionBlock,
				Degradation: Degradation{
					Reason:  string(oerrors.KindNonceValidationFailure),
					Details: detailsOf(err),
				},
			}
			p.observe(ctx, inv, record)
			return record, ExitBlock, nil
		}
	}

	h := newHandles(p.cfg.Events, p.cfg.NonceBinding, inv.Nonce, inv.OrgID, p.cfg.DedupeWindow, p.cfg.Logger)
	defer func() {
		if releaseErr := h.Release(ctx); releaseErr != nil && p.cfg.Logger != nil {
			p.cfg.Logger.WithError(releaseErr).Warn("pipeline: nonce usage increment failed on release")
		}
	}()

	evaluator := rules.NewEvaluator(p.cfg.Registry, h.Events(), p.cfg.Calibration, p.cfg.Counter, p.cfg.Redactor, p.cfg.FindingIDKey)

	// Step 2: evaluate every rule in the registry's fixed order.
	findings, evalErr := evaluator.EvaluateAll(ctx, rules.EvaluationInput{
		Snapshot:     snapshot,
		EvidenceJSON: inv.EvidenceJSON,
	}, inv.ruleContext())
	if evalErr != nil {
		return p.degradedRecord(ctx, inv, meta, evalErr)
	}
	if len(findings) > 0 {
		h.noteUsed()
	}

	// Step 3: circuit breaker — downgrade BLOCK findings whose rule is
	// currently tripped, stamping degradation with the first trip seen.
	degradation := Degradation{}
	orgRepoHash := inv.ruleContext().OrgRepoHash()
	for i := range findings {
		if findings[i].Outcome != evidence.SeverityBlock {
			continue
		}
		decision, breakerErr := p.cfg.Breaker.Check(ctx, findings[i].RuleID, orgRepoHash)
		if breakerErr != nil {
			return p.degradedRecord(ctx, inv, meta, breakerErr)
		}
		if p.cfg.Logger != nil {
			p.cfg.Logger.LogRuleOutcome(ctx, decision.RuleID, decision.RecentBlocks, decision.Tripped)
		}
		metrics.SetBreakerState(decision.RuleID, decision.Tripped)
		if decision.Tripped {
			metrics.RecordBreakerTrip(decision.RuleID)
			findings[i].Outcome = evidence.SeverityWarn
			if degradation.Reason == "" {
				degradation = Degradation{
					Reason: "CIRCUIT_BREAKER",
					Details: map[string]any{
						"ruleId":       decision.RuleID,
						"recentBlocks": decision.RecentBlocks,
					},
				}
			}
		}
	}

	// Step 4: canonicalise and assemble. Severity tie-break: any
	// remaining BLOCK outcome makes the document BLOCK, else any WARN
	// makes it WARN, else PASS.
	decision := DecisionPass
	for _, f := range findings {
		switch f.Outcome {
		case evidence.SeverityBlock:
			decision = DecisionBlock
		case evidence.SeverityWarn:
			if decision != DecisionBlock {
				decision = DecisionWarn
			}
		}
	}

	record := &DecisionRecord{
		Meta:        meta,
		Findings:    findings,
		Decision:    decision,
		Degradation: degradation,
	}
	p.observe(ctx, inv, record)

	return record, exitCodeFor(decision), nil
}

// degradedRecord is the centralised fail-closed/degraded decision for
// any propagated store or timeout error: a Timeout kind or a context
// deadline maps to degradation reason TIMEOUT, any other OracleError to
// its Kind string, any other error to ORACLE_DEGRADED, and the
// community-tier exit code is always Degraded (2)
// rather than Block — the pipeline could not determine a verdict, it did
// not determine a BLOCK verdict.
func (p *Pipeline) degradedRecord(ctx context.Context, inv Invocation, meta Meta, err error) (*DecisionRecord, ExitCode, error) {
	reason := "ORACLE_DEGRADED"
	if oerrors.Is(err, oerrors.KindTimeout) || errors.Is(err, context.DeadlineExceeded) {
		reason = "TIMEOUT"
	} else if oe := oerrors.GetOracleError(err); oe != nil {
		reason = string(oe.Kind)
	}
	record := &DecisionRecord{
		Meta:     meta,
		Findings: nil,
		Decision: DecisionWarn,
		Degradation: Degradation{
			Reason:  reason,
			Details: map[string]any{"error": err.Error()},
		},
	}
	p.observe(ctx, inv, record)
	return record, ExitDegraded, nil
}

// exitCodeFor maps the document decision to the community-tier exit
// code; reclassifying Degraded to Block for the paid
// tier is the caller's responsibility (pkg/config.Config.Tier), since
// Run never consults tier itself.
func exitCodeFor(decision Decision) ExitCode {
	switch decision {
	case DecisionBlock:
		return ExitBlock
	default:
		return ExitPass
	}
}

// detailsOf extracts an OracleError's structured details for the
// degradation stamp, falling back to a bare message.
func detailsOf(err error) map[string]any {
	if oe := oerrors.GetOracleError(err); oe != nil {
		details := make(map[string]any, len(oe.Details)+1)
		for k, v := range oe.Details {
			details[k] = v
		}
		details["message"] = oe.Message
		return details
	}
	return map[string]any{"message": err.Error()}
}

// observe records a decision's outcome to the configured metrics sink and
// logger, if configured, following pkg/metrics.Recorder's name/labels/value
// Sink shape and logging.Logger's per-invocation trace/org context.
func (p *Pipeline) observe(ctx context.Context, inv Invocation, record *DecisionRecord) {
	metrics.RecordPipelineDecision(string(record.Decision), p.now().Sub(record.Meta.GeneratedAt))
	for _, f := range record.Findings {
		metrics.RecordRuleEvaluation(f.RuleID, string(f.Outcome))
	}
	if p.cfg.Metrics != nil {
		p.cfg.Metrics.Counter("decisions_total", map[string]string{
			"decision": string(record.Decision),
		}, 1)
		if record.Degradation.Reason != "" {
			p.cfg.Metrics.Counter("degradations_total", map[string]string{
				"reason": record.Degradation.Reason,
			}, 1)
		}
	}
	if p.cfg.Logger != nil {
		p.cfg.Logger.LogDecision(ctx, inv.OrgID, inv.Repo, len(record.Findings), string(record.Decision), record.Degradation.Reason)
	}
}
