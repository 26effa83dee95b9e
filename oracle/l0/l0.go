// Package l0 implements the constant-time safety gate: five fixed-order
// predicates over a Snapshot that must all pass before any rule in
// oracle/rules evaluates. The gate is allocation-free on the success
// path; failure constructs one *errors.OracleError and stops.
package l0

import (
	"strings"
	"time"

	oerrors "github.com/R3E-Network/oracle-trust-engine/infrastructure/errors"
)

// Snapshot is the immutable input state L0 and the rule evaluator consult.
// Every field must be present and type-valid before any rule runs; L0's
// job is to verify exactly that.
type Snapshot struct {
	SchemaHash         string
	PermissionBits     uint64
	DriftMagnitude     float64
	NonceEpoch         int64
	NonceIssuedAt      time.Time
	ContractionWitness float64
}

// Config carries the compiled expectations L0 checks the snapshot
// against. None of these are hard-coded constants; all are operator
// configuration.
type Config struct {
	// ExpectedSchemaAlgorithm and ExpectedSchemaValue are the two halves
	// of the compiled "algorithm:value" schema digest.
	ExpectedSchemaAlgorithm string
	ExpectedSchemaValue     string

	RequiredPermissionMask uint64

	MaxDriftMagnitude float64

	FreshnessWindow time.Duration
	MinNonceEpoch   int64

	ContractionTarget  float64
	ContractionEpsilon float64

	// Now is injected for deterministic testing; when nil, time.Now is used.
	Now func() time.Time
}

func (c Config) now() time.Time {
	if c.Now != nil {
		return c.Now()
	}
	return time.Now()
}

// CheckL0 runs the five predicates in their fixed order, returning the
// first violation as an *errors.OracleError with Kind
// KindL0InvariantViolation and a "predicate" detail, or nil if all pass.
func CheckL0(state Snapshot, cfg Config) error {
	if err := checkSchemaHash(state, cfg); err != nil {
		return err
	}
	if err := checkPermissionBits(state, cfg); err != nil {
		return err
	}
	if err := checkDriftMagnitude(state, cfg); err != nil {
		return err
	}
	if err := checkNonceFreshness(state, cfg); err != nil {
		return err
	}
	if err := checkContractionWitness(state, cfg); err != nil {
		return err
	}
	return nil
}

func checkSchemaHash(state Snapshot, cfg Config) error {
	algorithm, value, ok := splitSchemaHash(state.SchemaHash)
	if !ok || algorithm != cfg.ExpectedSchemaAlgorithm || value != cfg.ExpectedSchemaValue {
		return oerrors.L0Violation("schema_hash").WithDetails("got", state.SchemaHash)
	}
	return nil
}

// splitSchemaHash splits "algorithm:value" into its two parts without
// allocating beyond the two returned substrings.
func splitSchemaHash(raw string) (algorithm, value string, ok bool) {
	idx := strings.IndexByte(raw, ':')
	if idx < 0 {
		return "", "", false
	}
	return raw[:idx], raw[idx+1:], true
}

func checkPermissionBits(state Snapshot, cfg Config) error {
	if state.PermissionBits&cfg.RequiredPermissionMask != cfg.RequiredPermissionMask {
		return oerrors.L0Violation("permission_bits").
			WithDetails("permissionBits", state.PermissionBits).
			WithDetails("requiredMask", cfg.RequiredPermissionMask)
	}
	return nil
}

func checkDriftMagnitude(state Snapshot, cfg Config) error {
	if state.DriftMagnitude < 0 || state.DriftMagnitude > cfg.MaxDriftMagnitude {
		return oerrors.L0Violation("drift_magnitude").WithDetails("driftMagnitude", state.DriftMagnitude)
	}
	return nil
}

func checkNonceFreshness(state Snapshot, cfg Config) error {
	age := cfg.now().Sub(state.NonceIssuedAt)
	if age >= cfg.FreshnessWindow || state.NonceEpoch < cfg.MinNonceEpoch {
		return oerrors.L0Violation("nonce_freshness").
			WithDetails("ageSeconds", age.Seconds()).
			WithDetails("nonceEpoch", state.NonceEpoch)
	}
	return nil
}

func checkContractionWitness(state Snapshot, cfg Config) error {
	diff := state.ContractionWitness - cfg.ContractionTarget
	if diff < 0 {
		diff = -diff
	}
	if diff >= cfg.ContractionEpsilon {
		return oerrors.L0Violation("contraction_witness").WithDetails("contractionWitness", state.ContractionWitness)
	}
	return nil
}
