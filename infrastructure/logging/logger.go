// Package logging provides structured logging carrying per-invocation
// trace, organisation, and rule identifiers through context.Context, so
// a single decision's log lines can be correlated without threading
// those identifiers through every call site.
package logging

import (
	"context"
	"io"
	"os"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

// ContextKey is the type for context keys
type ContextKey string

const (
	// TraceIDKey is the context key for the per-invocation trace ID
	TraceIDKey ContextKey = "trace_id"
	// OrgIDKey is the context key for the submitting organisation
	OrgIDKey ContextKey = "org_id"
	// RuleIDKey is the context key for the rule currently under evaluation
	RuleIDKey ContextKey = "rule_id"
	// ServiceKey is the context key for service name
	ServiceKey ContextKey = "service"
)

// Logger wraps logrus.Logger with additional functionality
type Logger struct {
	*logrus.Logger
	service string
}

// New creates a new Logger instance
func New(service, level, format string) *Logger {
	logger := logrus.New()

	logLevel, err := logrus.ParseLevel(level)
	if err != nil {
		logLevel = logrus.InfoLevel
	}
	logger.SetLevel(logLevel)

	if format == "json" {
		logger.SetFormatter(&logrus.JSONFormatter{
			TimestampFormat: time.RFC3339Nano,
			FieldMap: logrus.FieldMap{
				logrus.FieldKeyTime:  "timestamp",
				logrus.FieldKeyLevel: "level",
				logrus.FieldKeyMsg:   "message",
			},
		})
	} else {
		logger.SetFormatter(&logrus.TextFormatter{
			TimestampFormat: time.RFC3339,
			FullTimestamp:   true,
		})
	}

	logger.SetOutput(os.Stdout)

	return &Logger{
		Logger:  logger,
		service: service,
	}
}

// NewFromEnv constructs a logger using LOG_LEVEL and LOG_FORMAT environment variables.
// Defaults to "info" and "json" when unset.
func NewFromEnv(service string) *Logger {
	level := strings.TrimSpace(os.Getenv("LOG_LEVEL"))
	if level == "" {
		level = "info"
	}
	format := strings.TrimSpace(os.Getenv("LOG_FORMAT"))
	if format == "" {
		format = "json"
	}
	return New(service, level, format)
}

// WithContext creates a new logger entry carrying whichever of
// trace/org/rule identifiers are present on ctx.
func (l *Logger) WithContext(ctx context.Context) *logrus.Entry {
	entry := l.Logger.WithField("service", l.service)

	if traceID := ctx.Value(TraceIDKey); traceID != nil {
		entry = entry.WithField("trace_id", traceID)
	}
	if orgID := ctx.Value(OrgIDKey); orgID != nil {
		entry = entry.WithField("org_id", orgID)
	}
	if ruleID := ctx.Value(RuleIDKey); ruleID != nil {
		entry = entry.WithField("rule_id", ruleID)
	}

	return entry
}

// WithTraceID creates a new logger entry with trace ID
func (l *Logger) WithTraceID(traceID string) *logrus.Entry {
	return l.Logger.WithFields(logrus.Fields{
		"service":  l.service,
		"trace_id": traceID,
	})
}

// WithFields creates a new logger entry with custom fields
func (l *Logger) WithFields(fields map[string]interface{}) *logrus.Entry {
	if fields == nil {
		fields = make(map[string]interface{})
	}
	fields["service"] = l.service
	return l.Logger.WithFields(fields)
}

// WithError creates a new logger entry with error
func (l *Logger) WithError(err error) *logrus.Entry {
	return l.Logger.WithFields(logrus.Fields{
		"service": l.service,
		"error":   err.Error(),
	})
}

// SetOutput sets the logger output
func (l *Logger) SetOutput(output io.Writer) {
	l.Logger.SetOutput(output)
}

// LogDecision logs one oracle pipeline invocation's outcome: the
// resulting Decision, its finding count, and a degradation reason when
// the pipeline downgraded or failed closed.
func (l *Logger) LogDecision(ctx context.Context, orgID, repo string, findingCount int, decision, degradationReason string) {
	entry := l.WithContext(context.WithValue(ctx, OrgIDKey, orgID)).WithFields(logrus.Fields{
		"repo":          repo,
		"finding_count": findingCount,
		"decision":      decision,
	})
	if degradationReason != "" {
		entry = entry.WithField("degradation_reason", degradationReason)
	}
	entry.Info("oracle decision")
}

// LogRuleOutcome logs a single rule's circuit-breaker disposition:
// whether a BLOCK finding for ruleID was downgraded to WARN because the
// rule's breaker is tripped.
func (l *Logger) LogRuleOutcome(ctx context.Context, ruleID string, recentBlocks int64, demoted bool) {
	l.WithContext(context.WithValue(ctx, RuleIDKey, ruleID)).WithFields(logrus.Fields{
		"recent_blocks": recentBlocks,
		"demoted":       demoted,
	}).Info("circuit breaker check")
}

// Context helper functions

// NewTraceID generates a new trace ID
func NewTraceID() string {
	return uuid.New().String()
}

// WithTraceID adds a trace ID to the context
func WithTraceID(ctx context.Context, traceID string) context.Context {
	return context.WithValue(ctx, TraceIDKey, traceID)
}

// GetTraceID retrieves the trace ID from context
func GetTraceID(ctx context.Context) string {
	if traceID, ok := ctx.Value(TraceIDKey).(string); ok {
		return traceID
	}
	return ""
}

// WithOrgID adds the submitting organisation's id to the context
func WithOrgID(ctx context.Context, orgID string) context.Context {
	return context.WithValue(ctx, OrgIDKey, orgID)
}

// GetOrgID retrieves the organisation id from context
func GetOrgID(ctx context.Context) string {
	if orgID, ok := ctx.Value(OrgIDKey).(string); ok {
		return orgID
	}
	return ""
}

// WithRuleID adds the rule currently under evaluation to the context
func WithRuleID(ctx context.Context, ruleID string) context.Context {
	return context.WithValue(ctx, RuleIDKey, ruleID)
}

// GetRuleID retrieves the rule id from context
func GetRuleID(ctx context.Context) string {
	if ruleID, ok := ctx.Value(RuleIDKey).(string); ok {
		return ruleID
	}
	return ""
}

// WithService adds a service name to the context
func WithService(ctx context.Context, service string) context.Context {
	return context.WithValue(ctx, ServiceKey, service)
}

// GetService retrieves the service name from context
func GetService(ctx context.Context) string {
	if serviceName, ok := ctx.Value(ServiceKey).(string); ok {
		return serviceName
	}
	return ""
}
