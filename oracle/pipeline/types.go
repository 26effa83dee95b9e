// Package pipeline is the oracle's orchestration layer: the single
// entry point that runs the L0 gate, evaluates every rule in the
// registry, applies the circuit breaker, and assembles the stable,
// deterministic DecisionRecord — attempting its store side-effects under
// a per-invocation scoped handle that is released on every exit path.
package pipeline

import (
	"time"

	"github.com/R3E-Network/oracle-trust-engine/oracle/evidence"
)

// Mode selects the invocation surface: the first three
// require the full pipeline against durable stores; Local short-circuits
// the FP store, block counter, and nonce binding store to in-memory
// no-op variants (selected by the caller that constructs the Pipeline,
// not by this package).
type Mode string

const (
	ModePullRequest Mode = "pull_request"
	ModeMergeGroup  Mode = "merge_group"
	ModeDrift       Mode = "drift"
	ModeLocal       Mode = "local"
)

// ExitCode carries the community-tier exit semantics (0 pass, 1 block
// or L0 violation, 2 degraded-but-proceeded); Pipeline.Run returns the
// community-tier code, and the caller reclassifies 2 -> 1 for the paid
// tier per pkg/config.Config.Tier, so os.Exit stays out of the call
// tree.
type ExitCode int

const (
	ExitPass     ExitCode = 0
	ExitBlock    ExitCode = 1
	ExitDegraded ExitCode = 2
)

// Decision is the document-level verdict.
type Decision string

const (
	DecisionPass  Decision = "PASS"
	DecisionWarn  Decision = "WARN"
	DecisionBlock Decision = "BLOCK"
)

// Degradation stamps why a decision was downgraded or the pipeline ran
// in degraded mode; Reason is empty on a clean run.
type Degradation struct {
	Reason  string         `json:"reason,omitempty"`
	Details map[string]any `json:"details,omitempty"`
}

// Meta carries the DecisionRecord's provenance: versions, hashes, and
// timestamps.
type Meta struct {
	SchemaHash    string    `json:"schemaHash"`
	GeneratedAt   time.Time `json:"generatedAt"`
	EngineVersion string    `json:"engineVersion"`
	InputsDigest  string    `json:"inputsDigest"`
}

// DecisionRecord is the emitted document: stable key order (the struct's
// declared field order, which Go's encoding/json always preserves),
// fixed-notation numbers, RFC 3339 UTC timestamps.
type DecisionRecord struct {
	Meta        Meta               `json:"meta"`
	Findings    []evidence.Finding `json:"findings"`
	Decision    Decision           `json:"decision"`
	Degradation Degradation        `json:"degradation"`
}
