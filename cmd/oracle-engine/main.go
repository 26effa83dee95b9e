// Command oracle-engine is the local invocation-mode front door for the
// oracle pipeline: it reads a snapshot JSON document from disk, wires
// the engine's in-memory stores, runs one pipeline invocation, and prints
// the resulting DecisionRecord as JSON on stdout, exiting with the
// community-tier code (reclassified for the paid tier per Config.Tier).
//
// The rule-content authoring DSL and file-scanning front end are
// external collaborators; this binary wires a
// small fixed demonstration rule set so the pipeline has something to
// evaluate end to end. A production deployment supplies its own
// compiled []rules.Rule built by that external system.
package main

import (
	"context"
	"crypto/rand"
	"encoding/json"
	"flag"
	"fmt"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/R3E-Network/oracle-trust-engine/infrastructure/secrets"
	"github.com/R3E-Network/oracle-trust-engine/infrastructure/state"
	"github.com/R3E-Network/oracle-trust-engine/oracle/blockcounter"
	"github.com/R3E-Network/oracle-trust-engine/oracle/breaker"
	"github.com/R3E-Network/oracle-trust-engine/oracle/evidence"
	"github.com/R3E-Network/oracle-trust-engine/oracle/fpstore"
	"github.com/R3E-Network/oracle-trust-engine/oracle/l0"
	"github.com/R3E-Network/oracle-trust-engine/oracle/pipeline"
	"github.com/R3E-Network/oracle-trust-engine/oracle/redaction"
	"github.com/R3E-Network/oracle-trust-engine/oracle/rules"
	"github.com/R3E-Network/oracle-trust-engine/pkg/config"
	"github.com/R3E-Network/oracle-trust-engine/pkg/logger"
	"github.com/R3E-Network/oracle-trust-engine/pkg/metrics"
	"github.com/R3E-Network/oracle-trust-engine/pkg/version"
)

// snapshotDocument is the on-disk shape of the -snapshot file; it
// mirrors l0.Snapshot field-for-field so operators can hand the CLI the
// same JSON a CI gate would construct from a repository scan.
type snapshotDocument struct {
	SchemaHash         string    `json:"schemaHash"`
	PermissionBits     uint64    `json:"permissionBits"`
	DriftMagnitude     float64   `json:"driftMagnitude"`
	NonceEpoch         int64     `json:"nonceEpoch"`
	NonceIssuedAt      time.Time `json:"nonceIssuedAt"`
	ContractionWitness float64   `json:"contractionWitness"`
}

func main() {
	mode := flag.String("mode", "local", "invocation mode: pull_request|merge_group|drift|local")
	snapshotPath := flag.String("snapshot", "", "path to a snapshot JSON document (required)")
	evidencePath := flag.String("evidence", "", "optional path to an evidence-context JSON document")
	orgID := flag.String("org", "", "submitting organisation id")
	repo := flag.String("repo", "", "repository identifier")
	branch := flag.String("branch", "main", "branch name")
	eventType := flag.String("event", "pull_request", "triggering event type")
	schemaAlgorithm := flag.String("schema-algorithm", "sha256", "expected schema-hash algorithm half")
	schemaValue := flag.String("schema-value", "", "expected schema-hash value half (required)")
	requiredMask := flag.Uint64("required-permission-mask", 0, "required permission bitmask")
	maxDrift := flag.Float64("max-drift-magnitude", 0.2, "maximum allowed drift magnitude")
	freshnessWindow := flag.Duration("nonce-freshness-window", time.Hour, "max snapshot nonce age")
	minNonceEpoch := flag.Int64("min-nonce-epoch", 1, "minimum accepted nonce epoch")
	contractionTarget := flag.Float64("contraction-target", 1.0, "expected contraction witness value")
	contractionEpsilon := flag.Float64("contraction-epsilon", 0.01, "allowed contraction witness deviation")
	metricsAddr := flag.String("metrics-addr", "", "optional listen address for the Prometheus /metrics surface (useful for long drift runs)")
	stateDir := flag.String("state-dir", "", "optional directory for file-backed FP event storage (in-memory if unset)")
	flag.Parse()

	if *snapshotPath == "" || *schemaValue == "" {
		flag.Usage()
		os.Exit(int(pipeline.ExitDegraded))
	}

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "oracle-engine: load config: %v\n", err)
		os.Exit(int(pipeline.ExitDegraded))
	}
	log := logger.New(logger.LoggingConfig(cfg.Logging))

	if *metricsAddr != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", metrics.Handler())
		go func() {
			if err := http.ListenAndServe(*metricsAddr, metrics.InstrumentHandler(mux)); err != nil {
				log.WithError(err).Warn("metrics listener stopped")
			}
		}()
	}

	raw, err := os.ReadFile(*snapshotPath)
	if err != nil {
		log.WithError(err).Error("read snapshot file")
		os.Exit(int(pipeline.ExitDegraded))
	}
	var doc snapshotDocument
	if err := json.Unmarshal(raw, &doc); err != nil {
		log.WithError(err).Error("decode snapshot file")
		os.Exit(int(pipeline.ExitDegraded))
	}
	snapshot := l0.Snapshot{
		SchemaHash:         doc.SchemaHash,
		PermissionBits:     doc.PermissionBits,
		DriftMagnitude:     doc.DriftMagnitude,
		NonceEpoch:         doc.NonceEpoch,
		NonceIssuedAt:      doc.NonceIssuedAt,
		ContractionWitness: doc.ContractionWitness,
	}

	p, err := buildPipeline(cfg, *stateDir, l0.Config{
		ExpectedSchemaAlgorithm: *schemaAlgorithm,
		ExpectedSchemaValue:     *schemaValue,
		RequiredPermissionMask:  *requiredMask,
		MaxDriftMagnitude:       *maxDrift,
		FreshnessWindow:         *freshnessWindow,
		MinNonceEpoch:           *minNonceEpoch,
		ContractionTarget:       *contractionTarget,
		ContractionEpsilon:      *contractionEpsilon,
	})
	if err != nil {
		log.WithError(err).Error("build pipeline")
		os.Exit(int(pipeline.ExitDegraded))
	}

	var evidenceJSON []byte
	if *evidencePath != "" {
		evidenceJSON, err = os.ReadFile(*evidencePath)
		if err != nil {
			log.WithError(err).Error("read evidence file")
			os.Exit(int(pipeline.ExitDegraded))
		}
	}

	record, exitCode, err := p.Run(context.Background(), pipeline.Mode(*mode), snapshot, pipeline.Invocation{
		OrgID:        *orgID,
		Repo:         *repo,
		Branch:       *branch,
		EventType:    *eventType,
		EvidenceJSON: evidenceJSON,
	})
	if err != nil {
		log.WithError(err).Error("pipeline run")
		os.Exit(int(pipeline.ExitDegraded))
	}

	if cfg.Tier == config.TierPaid && exitCode == pipeline.ExitDegraded {
		exitCode = pipeline.ExitBlock
	}

	encoded, err := json.MarshalIndent(record, "", "  ")
	if err != nil {
		log.WithError(err).Error("encode decision record")
		os.Exit(int(pipeline.ExitDegraded))
	}
	fmt.Println(string(encoded))
	os.Exit(int(exitCode))
}

// buildPipeline wires the `local` invocation mode's stores: an FP event
// store (in-memory, or file-backed under stateDir when one is given), an
// in-memory block counter, a demonstration rule registry, and a
// redactor backed by an in-memory secret store seeded with one nonce
// version. A non-local caller would instead construct Postgres/Redis/
// Azure-backed variants from cfg and pass those into pipeline.Config.
func buildPipeline(cfg *config.Config, stateDir string, l0Cfg l0.Config) (*pipeline.Pipeline, error) {
	registry, err := rules.NewRegistry(demonstrationRules())
	if err != nil {
		return nil, err
	}

	var events fpstore.FPEventStore = fpstore.NewMemoryFPEventStore()
	if stateDir != "" {
		backend, err := state.NewFileBackend(stateDir)
		if err != nil {
			return nil, err
		}
		events, err = fpstore.NewFPEventStoreWithBackend(context.Background(), backend)
		if err != nil {
			return nil, err
		}
	}

	secretStore, err := secrets.NewMemoryStore(localMasterKey())
	if err != nil {
		return nil, err
	}
	nonceSecret := make([]byte, 32)
	if _, err := readFullRandom(nonceSecret); err != nil {
		return nil, err
	}
	if err := secretStore.Put(cfg.Security.NoncePrefix+"/v1", nonceSecret); err != nil {
		return nil, err
	}
	cache := redaction.NewNonceCache(secretStore, cfg.Security.NoncePrefix,
		time.Duration(cfg.NonceTTLSeconds)*time.Second,
		time.Duration(cfg.NonceGraceWindowSeconds)*time.Second)
	if err := cache.Rotate(context.Background(), "v1"); err != nil {
		return nil, err
	}
	redactor := redaction.NewRedactor(cache, redaction.PolicyFailClosed)

	counter := blockcounter.NewMemoryBlockCounter(blockcounter.DefaultTTL)
	rb := breaker.NewRuleBreaker(counter, breaker.Config{
		WindowHours:   cfg.CircuitBreakerWindowHours,
		Threshold:     int64(cfg.CircuitBreakerThreshold),
		CooldownHours: cfg.CircuitBreakerCooldownHours,
	})

	findingIDKey := make([]byte, 32)
	if _, err := readFullRandom(findingIDKey); err != nil {
		return nil, err
	}

	return pipeline.New(pipeline.Config{
		L0Config:      l0Cfg,
		Registry:      registry,
		Events:        events,
		Counter:       counter,
		Redactor:      redactor,
		Breaker:       rb,
		FindingIDKey:  findingIDKey,
		SchemaHash:    l0Cfg.ExpectedSchemaAlgorithm + ":" + l0Cfg.ExpectedSchemaValue,
		EngineVersion: version.String(),
	})
}

func localMasterKey() []byte {
	key := make([]byte, 32)
	_, _ = readFullRandom(key)
	return key
}

// readFullRandom fills buf with crypto/rand bytes, matching
// infrastructure/crypto's "never roll your own PRNG" convention for
// anything that backs a secret or nonce.
func readFullRandom(buf []byte) (int, error) {
	return rand.Read(buf)
}

// demonstrationRules returns the small fixed rule set this binary
// evaluates end to end (see the package doc comment above): one rule
// that blocks on a reported drift reason, and one that warns when any
// commit in the evidence context bypassed review.
func demonstrationRules() []rules.Rule {
	return []rules.Rule{
		{
			RuleID:                "MD-002",
			RuleVersion:           "1.0.0",
			Severity:              evidence.SeverityWarn,
			RequiredEvidenceKinds: []string{"commit"},
			Evaluate: func(ctx context.Context, input rules.EvaluationInput) ([]rules.CandidateFinding, error) {
				messages, err := rules.ExtractPath(input.EvidenceJSON, "$.commits[*].message")
				if err != nil {
					// Evidence contexts without a commits array simply
					// produce no finding for this rule.
					return nil, nil
				}
				list, ok := messages.([]interface{})
				if !ok {
					return nil, nil
				}
				var findings []rules.CandidateFinding
				for _, m := range list {
					message, ok := m.(string)
					if !ok || !strings.Contains(message, "[skip review]") {
						continue
					}
					snippet, err := input.Redactor.Redact(ctx, message)
					if err != nil {
						return nil, err
					}
					findings = append(findings, rules.CandidateFinding{
						Severity: evidence.SeverityWarn,
						Message:  "commit bypassed review",
						Evidence: []evidence.Evidence{
							{
								Path:    "commits.message",
								Snippet: snippet,
								Kind:    "commit",
							},
						},
					})
				}
				return findings, nil
			},
		},
		{
			RuleID:                "MD-001",
			RuleVersion:           "1.0.0",
			Severity:              evidence.SeverityBlock,
			RequiredEvidenceKinds: []string{"drift"},
			LocalFPRThreshold:     0.5,
			Evaluate: func(ctx context.Context, input rules.EvaluationInput) ([]rules.CandidateFinding, error) {
				reason := rules.ExtractValue(input.EvidenceJSON, "driftReason")
				if !reason.Exists() {
					return nil, nil
				}
				snippet, err := input.Redactor.Redact(ctx, reason.String())
				if err != nil {
					return nil, err
				}
				return []rules.CandidateFinding{
					{
						Severity: evidence.SeverityBlock,
						Message:  "configuration drift exceeds the allowed bound",
						Evidence: []evidence.Evidence{
							{
								Path:    "driftReason",
								Snippet: snippet,
								Kind:    "drift",
							},
						},
					},
				}, nil
			},
		},
	}
}
