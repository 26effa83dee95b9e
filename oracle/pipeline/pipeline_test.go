package pipeline

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/R3E-Network/oracle-trust-engine/infrastructure/secrets"
	"github.com/R3E-Network/oracle-trust-engine/oracle/blockcounter"
	"github.com/R3E-Network/oracle-trust-engine/oracle/breaker"
	"github.com/R3E-Network/oracle-trust-engine/oracle/evidence"
	"github.com/R3E-Network/oracle-trust-engine/oracle/fpstore"
	"github.com/R3E-Network/oracle-trust-engine/oracle/identity"
	"github.com/R3E-Network/oracle-trust-engine/oracle/l0"
	"github.com/R3E-Network/oracle-trust-engine/oracle/redaction"
	"github.com/R3E-Network/oracle-trust-engine/oracle/rules"
)

var testMasterKey = []byte("01234567890123456789012345678901")[:32]

// goodSnapshot satisfies every L0 predicate against testL0Config, so
// tests that don't care about the gate can start from a passing state
// and mutate one field.
func goodSnapshot(now time.Time) l0.Snapshot {
	return l0.Snapshot{
		SchemaHash:         "sha256:expected-value",
		PermissionBits:     0b1111,
		DriftMagnitude:     0.1,
		NonceEpoch:         5,
		NonceIssuedAt:      now.Add(-time.Minute),
		ContractionWitness: 1.0,
	}
}

func testL0Config(now time.Time) l0.Config {
	return l0.Config{
		ExpectedSchemaAlgorithm: "sha256",
		ExpectedSchemaValue:     "expected-value",
		RequiredPermissionMask:  0b1100,
		MaxDriftMagnitude:       0.5,
		FreshnessWindow:         time.Hour,
		MinNonceEpoch:           1,
		ContractionTarget:       1.0,
		ContractionEpsilon:      0.01,
		Now:                     func() time.Time { return now },
	}
}

func newTestRedactor(t *testing.T, now time.Time) *redaction.Redactor {
	t.Helper()
	store, err := secrets.NewMemoryStore(testMasterKey)
	require.NoError(t, err)
	require.NoError(t, store.Put("nonce/v1", []byte("nonce-secret-v1")))

	cache := redaction.NewNonceCache(store, "nonce", time.Hour, time.Hour)
	require.NoError(t, cache.Rotate(context.Background(), "v1"))
	return redaction.NewRedactor(cache, redaction.PolicyFailClosed)
}

// noFindingsRule never raises anything; it exercises the registry/
// evaluator plumbing without touching severity logic.
func noFindingsRule() rules.Rule {
	return rules.Rule{
		RuleID:      "MD-000",
		RuleVersion: "1",
		Severity:    evidence.SeverityWarn,
		Evaluate: func(ctx context.Context, input rules.EvaluationInput) ([]rules.CandidateFinding, error) {
			return nil, nil
		},
	}
}

// blockingRule always raises one BLOCK finding over a fixed evidence
// path, for breaker/decision tests.
func blockingRule(ruleID string) rules.Rule {
	return rules.Rule{
		RuleID:      ruleID,
		RuleVersion: "1",
		Severity:    evidence.SeverityBlock,
		Evaluate: func(ctx context.Context, input rules.EvaluationInput) ([]rules.CandidateFinding, error) {
			return []rules.CandidateFinding{{
				Severity: evidence.SeverityBlock,
				Evidence: []evidence.Evidence{{Path: "$.permissions", Kind: "bitset"}},
				Message:  "permission bits drifted",
			}}, nil
		},
	}
}

func newTestPipeline(t *testing.T, now time.Time, extraRules []rules.Rule, breakerCfg breaker.Config) *Pipeline {
	t.Helper()
	registry, err := rules.NewRegistry(extraRules)
	require.NoError(t, err)

	counter := blockcounter.NewMemoryBlockCounter(blockcounter.DefaultTTL)
	rb := breaker.NewRuleBreaker(counter, breakerCfg)

	cfg := Config{
		L0Config:      testL0Config(now),
		Registry:      registry,
		Events:        fpstore.NewMemoryFPEventStore(),
		Counter:       counter,
		Redactor:      newTestRedactor(t, now),
		Breaker:       rb,
		FindingIDKey:  []byte("finding-id-key"),
		SchemaHash:    "sha256:expected-value",
		EngineVersion: "test",
		Now:           func() time.Time { return now },
	}
	p, err := New(cfg)
	require.NoError(t, err)
	return p
}

func testInvocation() Invocation {
	return Invocation{OrgID: "acme", Repo: "widgets", Branch: "main", EventType: "pull_request"}
}

// L0 pass, no findings -> PASS, exit 0, no degradation.
func TestRun_PassNoFindings(t *testing.T) {
	now := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	p := newTestPipeline(t, now, []rules.Rule{noFindingsRule()}, breaker.Config{
		WindowHours: 24, Threshold: 10, CooldownHours: 6, Now: func() time.Time { return now },
	})

	record, exit, err := p.Run(context.Background(), ModePullRequest, goodSnapshot(now), testInvocation())
	require.NoError(t, err)
	require.Equal(t, ExitPass, exit)
	require.Equal(t, DecisionPass, record.Decision)
	require.Empty(t, record.Degradation.Reason)
	require.Empty(t, record.Findings)
}

// permissionBits=0b0101 against requiredMask=0b1100 ->
// L0InvariantViolation{invariantId:"permission_bits"}, decision BLOCK, exit 1.
func TestRun_L0PermissionBitsViolation(t *testing.T) {
	now := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	p := newTestPipeline(t, now, nil, breaker.Config{
		WindowHours: 24, Threshold: 10, CooldownHours: 6, Now: func() time.Time { return now },
	})

	snapshot := goodSnapshot(now)
	snapshot.PermissionBits = 0b0101

	record, exit, err := p.Run(context.Background(), ModePullRequest, snapshot, testInvocation())
	require.NoError(t, err)
	require.Equal(t, ExitBlock, exit)
	require.Equal(t, DecisionBlock, record.Decision)
	require.Equal(t, "L0_VIOLATION", record.Degradation.Reason)
	require.Equal(t, "permission_bits", record.Degradation.Details["predicate"])
	require.Empty(t, record.Findings)
}

// A rule produces one BLOCK finding while its circuit breaker is
// already tripped (recentBlocks=12, threshold=10) -> decision WARN,
// degradation.reason="CIRCUIT_BREAKER".
func TestRun_CircuitBreakerDowngradesBlock(t *testing.T) {
	now := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	p := newTestPipeline(t, now, []rules.Rule{blockingRule("MD-001")}, breaker.Config{
		WindowHours: 24, Threshold: 10, CooldownHours: 6, Now: func() time.Time { return now },
	})

	ctx := context.Background()
	orgRepoHash := testInvocation().ruleContext().OrgRepoHash()
	for i := 0; i < 12; i++ {
		require.NoError(t, p.cfg.Counter.Increment(ctx, "MD-001", orgRepoHash, now))
	}

	record, exit, err := p.Run(ctx, ModePullRequest, goodSnapshot(now), testInvocation())
	require.NoError(t, err)
	require.Equal(t, ExitPass, exit, "a downgraded WARN is not a BLOCK exit")
	require.Equal(t, DecisionWarn, record.Decision)
	require.Equal(t, "CIRCUIT_BREAKER", record.Degradation.Reason)
	require.Equal(t, "MD-001", record.Degradation.Details["ruleId"])
	require.Len(t, record.Findings, 1)
	require.Equal(t, evidence.SeverityWarn, record.Findings[0].Outcome)
}

// A BLOCK finding with no tripped breaker makes the document BLOCK.
func TestRun_UntrippedBlockStaysBlock(t *testing.T) {
	now := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	p := newTestPipeline(t, now, []rules.Rule{blockingRule("MD-002")}, breaker.Config{
		WindowHours: 24, Threshold: 10, CooldownHours: 6, Now: func() time.Time { return now },
	})

	record, exit, err := p.Run(context.Background(), ModePullRequest, goodSnapshot(now), testInvocation())
	require.NoError(t, err)
	require.Equal(t, ExitBlock, exit)
	require.Equal(t, DecisionBlock, record.Decision)
	require.Empty(t, record.Degradation.Reason)
}

// Identical inputs, rule set, and store contents
// produce byte-identical DecisionRecord JSON.
func TestRun_Deterministic(t *testing.T) {
	now := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)

	run := func() []byte {
		p := newTestPipeline(t, now, []rules.Rule{blockingRule("MD-003")}, breaker.Config{
			WindowHours: 24, Threshold: 10, CooldownHours: 6, Now: func() time.Time { return now },
		})
		record, _, err := p.Run(context.Background(), ModePullRequest, goodSnapshot(now), testInvocation())
		require.NoError(t, err)
		encoded, err := json.Marshal(record)
		require.NoError(t, err)
		return encoded
	}

	first := run()
	second := run()
	require.Equal(t, string(first), string(second))
}

// A snapshot passing L0 but hitting a timeout-shaped store error surfaces
// as a WARN decision with degradation.reason="TIMEOUT" and exit 2, never
// as a propagated Go error from Run.
func TestRun_StoreTimeoutDegrades(t *testing.T) {
	now := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	registry, err := rules.NewRegistry([]rules.Rule{blockingRule("MD-004")})
	require.NoError(t, err)

	counter := blockcounter.NewMemoryBlockCounter(blockcounter.DefaultTTL)
	rb := breaker.NewRuleBreaker(counter, breaker.Config{
		WindowHours: 24, Threshold: 10, CooldownHours: 6, Now: func() time.Time { return now },
	})

	cfg := Config{
		L0Config:      testL0Config(now),
		Registry:      registry,
		Events:        &timeoutEventStore{},
		Counter:       counter,
		Redactor:      newTestRedactor(t, now),
		Breaker:       rb,
		FindingIDKey:  []byte("finding-id-key"),
		EngineVersion: "test",
		Now:           func() time.Time { return now },
	}
	p, err := New(cfg)
	require.NoError(t, err)

	record, exit, err := p.Run(context.Background(), ModePullRequest, goodSnapshot(now), testInvocation())
	require.NoError(t, err)
	require.Equal(t, ExitDegraded, exit)
	require.Equal(t, DecisionWarn, record.Decision)
	require.Equal(t, "TIMEOUT", record.Degradation.Reason)
}

// timeoutEventStore always fails RecordEvent with context.DeadlineExceeded,
// simulating a deadline-exceeded FP store call.
type timeoutEventStore struct{}

func (timeoutEventStore) RecordEvent(ctx context.Context, event fpstore.FPEvent) error {
	return context.DeadlineExceeded
}
func (timeoutEventStore) MarkFalsePositive(ctx context.Context, findingID, reviewer, ticket string) error {
	return nil
}
func (timeoutEventStore) WindowByCount(ctx context.Context, ruleID string, n int) (fpstore.FPWindow, error) {
	return fpstore.FPWindow{}, nil
}
func (timeoutEventStore) WindowBySince(ctx context.Context, ruleID string, since time.Time) (fpstore.FPWindow, error) {
	return fpstore.FPWindow{}, nil
}

var _ fpstore.FPEventStore = timeoutEventStore{}

// A configured NonceAuthority rejecting the invocation's nonce fails
// closed: BLOCK, NONCE_VALIDATION_FAILURE, no rule ever evaluated.
func TestRun_NonceValidationFailsClosed(t *testing.T) {
	now := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)

	identities := identity.NewMemoryIdentityStore()
	bindings := identity.NewMemoryNonceBindingStore(identities, []byte("signing-key-0123456789abcdef0123"))

	registry, err := rules.NewRegistry([]rules.Rule{blockingRule("MD-005")})
	require.NoError(t, err)
	counter := blockcounter.NewMemoryBlockCounter(blockcounter.DefaultTTL)
	rb := breaker.NewRuleBreaker(counter, breaker.Config{
		WindowHours: 24, Threshold: 10, CooldownHours: 6, Now: func() time.Time { return now },
	})

	events := fpstore.NewMemoryFPEventStore()
	p, err := New(Config{
		L0Config:      testL0Config(now),
		Registry:      registry,
		Events:        events,
		Counter:       counter,
		Redactor:      newTestRedactor(t, now),
		Breaker:       rb,
		FindingIDKey:  []byte("finding-id-key"),
		NonceBinding:  bindings,
		EngineVersion: "test",
		Now:           func() time.Time { return now },
	})
	require.NoError(t, err)

	inv := testInvocation()
	inv.Nonce = "never-issued"

	record, exit, err := p.Run(context.Background(), ModePullRequest, goodSnapshot(now), inv)
	require.NoError(t, err)
	require.Equal(t, ExitBlock, exit)
	require.Equal(t, DecisionBlock, record.Decision)
	require.Equal(t, "NONCE_VALIDATION_FAILURE", record.Degradation.Reason)
	require.Empty(t, record.Findings)

	window, err := events.WindowBySince(context.Background(), "MD-005", time.Time{})
	require.NoError(t, err)
	require.Zero(t, window.Statistics.Total, "no event may be admitted past a failed nonce validation")
}

// A valid nonce passes the gate, and recording at least one event bumps
// the binding's usage counter exactly once on release.
func TestRun_ValidNonceIncrementsUsage(t *testing.T) {
	now := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	ctx := context.Background()

	identities := identity.NewMemoryIdentityStore()
	bindings := identity.NewMemoryNonceBindingStore(identities, []byte("signing-key-0123456789abcdef0123"))
	require.NoError(t, identities.Save(ctx, identity.OrganizationIdentity{
		OrgID: "acme", VerificationMethod: identity.MethodManual, VerifiedAt: now,
	}))
	binding, err := bindings.GenerateAndBind(ctx, "acme", "pubkey-A")
	require.NoError(t, err)

	registry, err := rules.NewRegistry([]rules.Rule{blockingRule("MD-006")})
	require.NoError(t, err)
	counter := blockcounter.NewMemoryBlockCounter(blockcounter.DefaultTTL)
	rb := breaker.NewRuleBreaker(counter, breaker.Config{
		WindowHours: 24, Threshold: 10, CooldownHours: 6, Now: func() time.Time { return now },
	})

	p, err := New(Config{
		L0Config:      testL0Config(now),
		Registry:      registry,
		Events:        fpstore.NewMemoryFPEventStore(),
		Counter:       counter,
		Redactor:      newTestRedactor(t, now),
		Breaker:       rb,
		FindingIDKey:  []byte("finding-id-key"),
		NonceBinding:  bindings,
		EngineVersion: "test",
		Now:           func() time.Time { return now },
	})
	require.NoError(t, err)

	inv := testInvocation()
	inv.Nonce = binding.Nonce

	record, _, err := p.Run(ctx, ModePullRequest, goodSnapshot(now), inv)
	require.NoError(t, err)
	require.Equal(t, DecisionBlock, record.Decision)

	verified, err := bindings.Verify(ctx, binding.Nonce, "acme")
	require.NoError(t, err)
	require.Equal(t, int64(1), verified.UsageCount)
}
