package l0

import (
	"testing"
	"time"

	oerrors "github.com/R3E-Network/oracle-trust-engine/infrastructure/errors"
)

func fixedNow(t time.Time) func() time.Time {
	return func() time.Time { return t }
}

func baseConfig(now time.Time) Config {
	return Config{
		ExpectedSchemaAlgorithm: "sha256",
		ExpectedSchemaValue:     "abc123",
		RequiredPermissionMask:  0b1100,
		MaxDriftMagnitude:       0.5,
		FreshnessWindow:         time.Hour,
		MinNonceEpoch:           1,
		ContractionTarget:       1.0,
		ContractionEpsilon:      0.01,
		Now:                     fixedNow(now),
	}
}

func baseSnapshot(now time.Time) Snapshot {
	return Snapshot{
		SchemaHash:         "sha256:abc123",
		PermissionBits:     0b1111,
		DriftMagnitude:     0.1,
		NonceEpoch:         5,
		NonceIssuedAt:      now.Add(-time.Minute),
		ContractionWitness: 1.001,
	}
}

func TestCheckL0_Pass(t *testing.T) {
	now := time.Now()
	if err := CheckL0(baseSnapshot(now), baseConfig(now)); err != nil {
		t.Fatalf("expected pass, got %v", err)
	}
}

func TestCheckL0_PermissionBitsViolation(t *testing.T) {
	now := time.Now()
	state := baseSnapshot(now)
	state.PermissionBits = 0b0101
	cfg := baseConfig(now)
	cfg.RequiredPermissionMask = 0b1100

	err := CheckL0(state, cfg)
	if err == nil {
		t.Fatalf("expected violation")
	}
	oe := oerrors.GetOracleError(err)
	if oe == nil || oe.Kind != oerrors.KindL0InvariantViolation {
		t.Fatalf("expected L0InvariantViolation, got %v", err)
	}
	if oe.Details["predicate"] != "permission_bits" {
		t.Fatalf("predicate = %v, want permission_bits", oe.Details["predicate"])
	}
}

func TestCheckL0_SchemaHashViolation(t *testing.T) {
	now := time.Now()
	state := baseSnapshot(now)
	state.SchemaHash = "sha256:wrong"
	cfg := baseConfig(now)

	err := CheckL0(state, cfg)
	oe := oerrors.GetOracleError(err)
	if oe == nil || oe.Details["predicate"] != "schema_hash" {
		t.Fatalf("expected schema_hash violation, got %v", err)
	}
}

func TestCheckL0_SchemaHashMalformed(t *testing.T) {
	now := time.Now()
	state := baseSnapshot(now)
	state.SchemaHash = "no-colon-here"
	cfg := baseConfig(now)

	err := CheckL0(state, cfg)
	if oerrors.GetOracleError(err) == nil {
		t.Fatalf("expected violation for malformed schema hash")
	}
}

func TestCheckL0_DriftMagnitudeViolation(t *testing.T) {
	now := time.Now()
	state := baseSnapshot(now)
	state.DriftMagnitude = 0.9
	cfg := baseConfig(now)

	err := CheckL0(state, cfg)
	if oerrors.GetOracleError(err) == nil || oerrors.GetOracleError(err).Details["predicate"] != "drift_magnitude" {
		t.Fatalf("expected drift_magnitude violation, got %v", err)
	}
}

func TestCheckL0_NonceFreshnessViolation_Stale(t *testing.T) {
	now := time.Now()
	state := baseSnapshot(now)
	state.NonceIssuedAt = now.Add(-2 * time.Hour)
	cfg := baseConfig(now)

	err := CheckL0(state, cfg)
	if oerrors.GetOracleError(err) == nil || oerrors.GetOracleError(err).Details["predicate"] != "nonce_freshness" {
		t.Fatalf("expected nonce_freshness violation, got %v", err)
	}
}

func TestCheckL0_NonceFreshnessViolation_EpochTooLow(t *testing.T) {
	now := time.Now()
	state := baseSnapshot(now)
	state.NonceEpoch = 0
	cfg := baseConfig(now)
	cfg.MinNonceEpoch = 1

	err := CheckL0(state, cfg)
	if oerrors.GetOracleError(err) == nil || oerrors.GetOracleError(err).Details["predicate"] != "nonce_freshness" {
		t.Fatalf("expected nonce_freshness violation, got %v", err)
	}
}

func TestCheckL0_ContractionWitnessViolation(t *testing.T) {
	now := time.Now()
	state := baseSnapshot(now)
	state.ContractionWitness = 2.0
	cfg := baseConfig(now)

	err := CheckL0(state, cfg)
	if oerrors.GetOracleError(err) == nil || oerrors.GetOracleError(err).Details["predicate"] != "contraction_witness" {
		t.Fatalf("expected contraction_witness violation, got %v", err)
	}
}

func TestCheckL0_StopsAtFirstViolation(t *testing.T) {
	now := time.Now()
	state := baseSnapshot(now)
	// Violate both schema_hash (first predicate) and permission_bits.
	state.SchemaHash = "sha256:wrong"
	state.PermissionBits = 0
	cfg := baseConfig(now)

	err := CheckL0(state, cfg)
	oe := oerrors.GetOracleError(err)
	if oe == nil {
		t.Fatalf("expected violation")
	}
	if oe.Details["predicate"] != "schema_hash" {
		t.Fatalf("expected first violating predicate (schema_hash), got %v", oe.Details["predicate"])
	}
}
