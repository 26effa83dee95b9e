// Package redaction scrubs secret-shaped values out of structured log
// fields before they reach any sink. This is a distinct concern from
// oracle/redaction's MAC-bound evidence redaction: this package never
// produces a verifiable RedactedText, it only prevents credentials from
// appearing in plaintext logs.
package redaction

import (
	"regexp"
	"strings"

	"github.com/sirupsen/logrus"
)

var secretPatterns = []*regexp.Regexp{
	regexp.MustCompile(`(?i)(api[_-]?key|apikey)["']?\s*[:=]\s*["']?([^"'\s,}]+)["']?`),
	regexp.MustCompile(`(?i)(secret|token|auth)["']?\s*[:=]\s*["']?([^"'\s,}]+)["']?`),
	regexp.MustCompile(`(?i)(Bearer)\s+([a-zA-Z0-9_-]+\.[a-zA-Z0-9_-]+\.[a-zA-Z0-9_-]+)`),
	regexp.MustCompile(`(?i)(password)["']?\s*[:=]\s*["']?([^"'\s,}]+)["']?`),
	regexp.MustCompile(`(?i)(private[_-]?key|privkey)["']?\s*[:=]\s*["']?([^"'\s,}]+)["']?`),
	regexp.MustCompile(`(?i)(access[_-]?key|aws[_-]?secret)["']?\s*[:=]\s*["']?([^"'\s,}]+)["']?`),
}

var blockedFieldSubstrings = []string{
	"password",
	"secret",
	"token",
	"apikey",
	"private_key",
	"credential",
	"nonce_secret",
	"hmac_key",
}

const redactionText = "***REDACTED***"

// Redactor scrubs secret-shaped values out of strings and structured
// log field maps.
type Redactor struct {
	enabled bool
}

// NewRedactor returns an enabled Redactor. Disabling is only for tests
// that need to assert on unredacted output.
func NewRedactor() *Redactor {
	return &Redactor{enabled: true}
}

func (r *Redactor) RedactString(s string) string {
	if !r.enabled {
		return s
	}
	result := s
	for _, pattern := range secretPatterns {
		result = pattern.ReplaceAllString(result, "${1}: "+redactionText)
	}
	return result
}

func (r *Redactor) RedactField(key string, value interface{}) interface{} {
	if !r.enabled {
		return value
	}
	if isBlockedField(key) {
		return redactionText
	}
	switch v := value.(type) {
	case string:
		return r.RedactString(v)
	default:
		return value
	}
}

func isBlockedField(fieldName string) bool {
	lower := strings.ToLower(fieldName)
	for _, blocked := range blockedFieldSubstrings {
		if strings.Contains(lower, blocked) {
			return true
		}
	}
	return false
}

// Hook is a logrus.Hook that redacts every entry's fields and message in
// place before formatting, so no sink (stdout, file) ever receives a raw
// secret pattern.
type Hook struct {
	redactor *Redactor
}

// NewHook builds a logrus hook wired to pkg/logger's output pipeline.
func NewHook() *Hook {
	return &Hook{redactor: NewRedactor()}
}

func (h *Hook) Levels() []logrus.Level {
	return logrus.AllLevels
}

func (h *Hook) Fire(entry *logrus.Entry) error {
	entry.Message = h.redactor.RedactString(entry.Message)
	for k, v := range entry.Data {
		entry.Data[k] = h.redactor.RedactField(k, v)
	}
	return nil
}
