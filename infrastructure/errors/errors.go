// Package errors provides unified, typed errors for the oracle engine.
package errors

import (
	"errors"
	"fmt"
)

// Kind identifies the category of an OracleError.
type Kind string

const (
	// KindL0InvariantViolation marks a constant-time safety predicate that
	// failed before rule evaluation ever started.
	KindL0InvariantViolation Kind = "L0_INVARIANT_VIOLATION"
	// KindStoreError marks a failure in a persistence backend (FP event
	// store, block counter, nonce binding store).
	KindStoreError Kind = "STORE_ERROR"
	// KindDuplicateEvent marks a rejected duplicate submission: an FP event
	// whose (ruleId, eventId) is already recorded, a rule registered twice,
	// or a second active nonce binding for an org.
	KindDuplicateEvent Kind = "DUPLICATE_EVENT"
	// KindNotFound marks a lookup that found nothing.
	KindNotFound Kind = "NOT_FOUND"
	// KindNonceValidationFailure marks an HMAC nonce that failed MAC
	// verification, or a Missing/Evicted nonce presented where Active/Grace
	// was required.
	KindNonceValidationFailure Kind = "NONCE_VALIDATION_FAILURE"
	// KindConsentMissing marks an org whose latest consent record does not
	// admit its events into calibration (not explicit, expired, revoked,
	// or absent).
	KindConsentMissing Kind = "CONSENT_MISSING"
	// KindCircuitBreakerDegraded marks a rule evaluation skipped because
	// its circuit breaker is tripped.
	KindCircuitBreakerDegraded Kind = "CIRCUIT_BREAKER_DEGRADED"
	// KindOracleDegraded marks a pipeline evaluation that completed in a
	// degraded mode (e.g. redaction fail-open, calibration unavailable).
	KindOracleDegraded Kind = "ORACLE_DEGRADED"
	// KindTimeout marks an operation that exceeded its deadline.
	KindTimeout Kind = "TIMEOUT"
)

// OracleError is a structured error carrying a Kind, a human message, and
// optional structured details for logging.
type OracleError struct {
	Kind    Kind           `json:"kind"`
	Message string         `json:"message"`
	Details map[string]any `json:"details,omitempty"`
	Err     error          `json:"-"`
}

func (e *OracleError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("[%s] %s: %v", e.Kind, e.Message, e.Err)
	}
	return fmt.Sprintf("[%s] %s", e.Kind, e.Message)
}

// Unwrap returns the underlying error, if any.
func (e *OracleError) Unwrap() error {
	return e.Err
}

// WithDetails attaches a structured key/value pair and returns e for chaining.
func (e *OracleError) WithDetails(key string, value any) *OracleError {
	if e.Details == nil {
		e.Details = make(map[string]any)
	}
	e.Details[key] = value
	return e
}

// New creates an OracleError with no wrapped cause.
func New(kind Kind, message string) *OracleError {
	return &OracleError{Kind: kind, Message: message}
}

// Wrap creates an OracleError wrapping an existing error.
func Wrap(kind Kind, message string, err error) *OracleError {
	return &OracleError{Kind: kind, Message: message, Err: err}
}

// L0Violation reports a failed L0 invariant predicate.
func L0Violation(predicate string) *OracleError {
	return New(KindL0InvariantViolation, "L0 invariant violated").
		WithDetails("predicate", predicate)
}

// StoreFailure wraps a persistence backend error.
func StoreFailure(backend string, err error) *OracleError {
	return Wrap(KindStoreError, "store operation failed", err).
		WithDetails("backend", backend)
}

// Duplicate reports a rejected duplicate event.
func Duplicate(ruleID, findingID string) *OracleError {
	return New(KindDuplicateEvent, "duplicate finding rejected").
		WithDetails("rule_id", ruleID).
		WithDetails("finding_id", findingID)
}

// NotFound reports a missing resource by kind and id.
func NotFound(resource, id string) *OracleError {
	return New(KindNotFound, "resource not found").
		WithDetails("resource", resource).
		WithDetails("id", id)
}

// NonceInvalid reports an HMAC nonce that failed validation.
func NonceInvalid(reason string, err error) *OracleError {
	return Wrap(KindNonceValidationFailure, "nonce validation failed", err).
		WithDetails("reason", reason)
}

// ConsentMissing reports a subject without admitting calibration consent.
func ConsentMissing(subject string) *OracleError {
	return New(KindConsentMissing, "no admitting consent record for subject").
		WithDetails("subject", subject)
}

// BreakerDegraded reports a rule skipped due to a tripped circuit breaker.
func BreakerDegraded(ruleID string) *OracleError {
	return New(KindCircuitBreakerDegraded, "rule circuit breaker is tripped").
		WithDetails("rule_id", ruleID)
}

// OracleDegraded reports a pipeline evaluation completed in degraded mode.
func OracleDegraded(reason string) *OracleError {
	return New(KindOracleDegraded, "pipeline evaluation degraded").
		WithDetails("reason", reason)
}

// TimeoutError reports an operation that exceeded its deadline.
func TimeoutError(operation string) *OracleError {
	return New(KindTimeout, "operation timed out").
		WithDetails("operation", operation)
}

// Is reports whether err is an OracleError of the given kind.
func Is(err error, kind Kind) bool {
	var oe *OracleError
	if errors.As(err, &oe) {
		return oe.Kind == kind
	}
	return false
}

// GetOracleError extracts an OracleError from an error chain, if present.
func GetOracleError(err error) *OracleError {
	var oe *OracleError
	if errors.As(err, &oe) {
		return oe
	}
	return nil
}
