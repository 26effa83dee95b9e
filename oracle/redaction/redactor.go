// Package redaction wraps quoted evidence text in an HMAC-verified
// RedactedText under a rotating nonce cache. It shares its ordered
// pattern-substitution idiom with infrastructure/redaction's log
// scrubber, but the two stay separate: evidence redaction is MAC-bound
// and verifiable, log scrubbing is not.
package redaction

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"regexp"

	oerrors "github.com/R3E-Network/oracle-trust-engine/infrastructure/errors"
	"github.com/R3E-Network/oracle-trust-engine/oracle/evidence"
)

// defaultPatterns is the ordered substitution table, applied in
// registration order so the same input always redacts the same way.
var defaultPatterns = []*regexp.Regexp{
	regexp.MustCompile(`(?i)(api[_-]?key|apikey)(["']?\s*[:=]\s*["']?)([^"'\s,}]+)(["']?)`),
	regexp.MustCompile(`(?i)(secret|token|auth)(["']?\s*[:=]\s*["']?)([^"'\s,}]+)(["']?)`),
	regexp.MustCompile(`(?i)(Bearer)(\s+)([a-zA-Z0-9_-]+\.[a-zA-Z0-9_-]+\.[a-zA-Z0-9_-]+)()`),
	regexp.MustCompile(`(?i)(password)(["']?\s*[:=]\s*["']?)([^"'\s,}]+)(["']?)`),
	regexp.MustCompile(`(?i)(private[_-]?key|privkey)(["']?\s*[:=]\s*["']?)([^"'\s,}]+)(["']?)`),
	regexp.MustCompile(`(?i)(access[_-]?key|aws[_-]?secret)(["']?\s*[:=]\s*["']?)([^"'\s,}]+)(["']?)`),
}

const redactionPlaceholder = "***REDACTED***"

// Policy governs how a report-boundary validation treats a MAC mismatch
// or evicted nonce: fail-closed blocks, fail-open warns and continues.
// Report-boundary operations default to fail-closed.
type Policy int

const (
	PolicyFailClosed Policy = iota
	PolicyFailOpen
)

// Redactor applies the pattern table then wraps the result in a
// RedactedText MAC-bound to the cache's current nonce version.
type Redactor struct {
	patterns []*regexp.Regexp
	cache    *NonceCache
	policy   Policy
}

// NewRedactor builds a Redactor over cache using the default pattern
// table and the given report-boundary policy.
func NewRedactor(cache *NonceCache, policy Policy) *Redactor {
	return &Redactor{patterns: defaultPatterns, cache: cache, policy: policy}
}

func (r *Redactor) apply(input string) string {
	result := input
	for _, pattern := range r.patterns {
		result = pattern.ReplaceAllString(result, "${1}${2}"+redactionPlaceholder+"${4}")
	}
	return result
}

// canonicalise builds the fixed-separator payload the MAC is computed
// over: value then version, not JSON, so the MAC is stable independent
// of any future struct-tag evolution of RedactedText itself.
func canonicalise(value, version string) []byte {
	buf := make([]byte, 0, len(value)+len(version)+1)
	buf = append(buf, value...)
	buf = append(buf, 0)
	buf = append(buf, version...)
	return buf
}

// Redact applies the pattern table to input, then wraps the result in a
// RedactedText MAC-bound to the cache's current nonce. Loading the
// current nonce may suspend (it is a store call).
func (r *Redactor) Redact(ctx context.Context, input string) (evidence.RedactedValue, error) {
	version := r.cache.CurrentVersion()
	if version == "" {
		return evidence.RedactedValue{}, oerrors.NonceInvalid("no current nonce version loaded", nil)
	}
	secret, err := r.cache.Load(ctx, version)
	if err != nil {
		return evidence.RedactedValue{}, err
	}

	value := r.apply(input)
	mac := hmac.New(sha256.New, secret)
	_, _ = mac.Write(canonicalise(value, version))
	tag := hex.EncodeToString(mac.Sum(nil))

	return evidence.RedactedValue{Value: value, MAC: tag, NonceVersion: version}, nil
}

// Verify reports whether rt's MAC recomputes under its claimed nonce
// version and that version is still Active or Grace. Comparison is
// constant-time.
func (r *Redactor) Verify(rt evidence.RedactedValue) bool {
	secret, ok := r.cache.Verify(rt.NonceVersion)
	if !ok {
		return false
	}
	mac := hmac.New(sha256.New, secret)
	_, _ = mac.Write(canonicalise(rt.Value, rt.NonceVersion))
	expected := mac.Sum(nil)

	got, err := hex.DecodeString(rt.MAC)
	if err != nil {
		return false
	}
	return hmac.Equal(expected, got)
}

// ValidateReport verifies every RedactedText in a batch under the
// Redactor's policy. Fail-closed returns the first verification failure;
// fail-open returns nil but the caller should still consult the cache's
// Degraded() state and the per-item results if it wants to warn.
func (r *Redactor) ValidateReport(values []evidence.RedactedValue) error {
	for _, v := range values {
		if r.Verify(v) {
			continue
		}
		if r.policy == PolicyFailClosed {
			return oerrors.NonceInvalid("redacted value failed verification", nil).
				WithDetails("nonceVersion", v.NonceVersion)
		}
	}
	return nil
}
