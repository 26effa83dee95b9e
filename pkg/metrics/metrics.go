// Package metrics exposes the oracle engine's Prometheus collectors: one
// registry, a fixed set of named collectors for the pipeline stages, and a
// Recorder for ad-hoc counters/gauges/histograms emitted by leaf packages
// that don't want a direct prometheus.Registry dependency.
package metrics

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Registry holds the application-specific Prometheus collectors.
	Registry = prometheus.NewRegistry()

	httpInFlight = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "oracle_engine",
			Subsystem: "http",
			Name:      "inflight_requests",
			Help:      "Current number of in-flight HTTP requests against the metrics/health surface.",
		},
	)

	httpRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "oracle_engine",
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "Total number of HTTP requests handled by the metrics/health surface.",
		},
		[]string{"method", "path", "status"},
	)

	httpDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "oracle_engine",
			Subsystem: "http",
			Name:      "request_duration_seconds",
			Help:      "Duration of HTTP requests against the metrics/health surface.",
			Buckets:   prometheus.ExponentialBuckets(0.005, 2, 10), // 5ms to ~5s
		},
		[]string{"method", "path"},
	)

	l0Violations = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "oracle_engine",
			Subsystem: "l0",
			Name:      "violations_total",
			Help:      "Total L0 invariant violations observed, by predicate name.",
		},
		[]string{"predicate"},
	)

	redactionMode = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "oracle_engine",
			Subsystem: "redaction",
			Name:      "fail_open_active",
			Help:      "Whether the redactor is currently operating in fail-open degraded mode (1) or fail-closed (0), by nonce scope.",
		},
		[]string{"scope"},
	)

	nonceStateTransitions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "oracle_engine",
			Subsystem: "redaction",
			Name:      "nonce_transitions_total",
			Help:      "Nonce state machine transitions, by from-state and to-state.",
		},
		[]string{"from", "to"},
	)

	fpEventsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "oracle_engine",
			Subsystem: "fpstore",
			Name:      "events_total",
			Help:      "False-positive feedback events recorded, by rule ID and disposition.",
		},
		[]string{"rule_id", "disposition"},
	)

	observedFPR = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "oracle_engine",
			Subsystem: "fpstore",
			Name:      "observed_fpr",
			Help:      "Current windowed observed false-positive rate, by rule ID.",
		},
		[]string{"rule_id"},
	)

	breakerState = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "oracle_engine",
			Subsystem: "breaker",
			Name:      "state",
			Help:      "Circuit breaker state per rule: 0=closed, 1=tripped.",
		},
		[]string{"rule_id"},
	)

	breakerTrips = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "oracle_engine",
			Subsystem: "breaker",
			Name:      "trips_total",
			Help:      "Total number of circuit breaker trips, by rule ID.",
		},
		[]string{"rule_id"},
	)

	ruleEvaluations = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "oracle_engine",
			Subsystem: "rules",
			Name:      "evaluations_total",
			Help:      "Rule evaluations performed, by rule ID and outcome (match|nomatch|error|suppressed).",
		},
		[]string{"rule_id", "outcome"},
	)

	calibrationConfidence = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "oracle_engine",
			Subsystem: "calibration",
			Name:      "confidence",
			Help:      "Most recent blended confidence score for a rule's calibrated threshold.",
		},
		[]string{"rule_id"},
	)

	calibrationContributors = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "oracle_engine",
			Subsystem: "calibration",
			Name:      "contributors",
			Help:      "Number of contributors accepted into the most recent calibration round, by rule ID.",
		},
		[]string{"rule_id"},
	)

	calibrationByzantineFiltered = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "oracle_engine",
			Subsystem: "calibration",
			Name:      "byzantine_filtered_total",
			Help:      "Contributions discarded by Byzantine filtering, by rule ID.",
		},
		[]string{"rule_id"},
	)

	pipelineDecisions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "oracle_engine",
			Subsystem: "pipeline",
			Name:      "decisions_total",
			Help:      "Oracle pipeline decisions emitted, by verdict (consistent|inconsistent|degraded).",
		},
		[]string{"verdict"},
	)

	pipelineDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "oracle_engine",
			Subsystem: "pipeline",
			Name:      "evaluation_duration_seconds",
			Help:      "Wall-clock duration of a full pipeline evaluation.",
			Buckets:   prometheus.ExponentialBuckets(0.001, 2, 14),
		},
		[]string{"verdict"},
	)

	identityVerifications = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "oracle_engine",
			Subsystem: "identity",
			Name:      "verifications_total",
			Help:      "Identity verification attempts, by provider and outcome.",
		},
		[]string{"provider", "outcome"},
	)

	nonceBindingRotations = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "oracle_engine",
			Subsystem: "identity",
			Name:      "nonce_binding_rotations_total",
			Help:      "Nonce binding rotations, by reason (scheduled|revoked|exhausted).",
		},
		[]string{"reason"},
	)
)

func init() {
	Registry.MustRegister(
		httpInFlight,
		httpRequests,
		httpDuration,
		l0Violations,
		redactionMode,
		nonceStateTransitions,
		fpEventsTotal,
		observedFPR,
		breakerState,
		breakerTrips,
		ruleEvaluations,
		calibrationConfidence,
		calibrationContributors,
		calibrationByzantineFiltered,
		pipelineDecisions,
		pipelineDuration,
		identityVerifications,
		nonceBindingRotations,
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		collectors.NewGoCollector(),
	)
}

// Handler returns an HTTP handler exposing the registered Prometheus metrics.
func Handler() http.Handler {
	return promhttp.HandlerFor(Registry, promhttp.HandlerOpts{})
}

// InstrumentHandler wraps the provided handler with HTTP metrics collection.
func InstrumentHandler(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/metrics" {
			next.ServeHTTP(w, r)
			return
		}

		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		start := time.Now()

		httpInFlight.Inc()
		defer httpInFlight.Dec()

		next.ServeHTTP(rec, r)

		duration := time.Since(start)
		path := canonicalPath(r.URL.Path)
		method := strings.ToUpper(r.Method)

		httpRequests.WithLabelValues(method, path, strconv.Itoa(rec.status)).Inc()
		httpDuration.WithLabelValues(method, path).Observe(duration.Seconds())
	})
}

// RecordL0Violation increments the violation counter for the named predicate.
func RecordL0Violation(predicate string) {
	if predicate == "" {
		predicate = "unknown"
	}
	l0Violations.WithLabelValues(predicate).Inc()
}

// SetRedactionFailOpen records whether a scope's redactor is degraded.
func SetRedactionFailOpen(scope string, failOpen bool) {
	if scope == "" {
		scope = "unknown"
	}
	v := 0.0
	if failOpen {
		v = 1.0
	}
	redactionMode.WithLabelValues(scope).Set(v)
}

// RecordNonceTransition records a nonce state machine transition.
func RecordNonceTransition(from, to string) {
	if from == "" {
		from = "unknown"
	}
	if to == "" {
		to = "unknown"
	}
	nonceStateTransitions.WithLabelValues(from, to).Inc()
}

// RecordFPEvent records a false-positive feedback event.
func RecordFPEvent(ruleID, disposition string) {
	if ruleID == "" {
		ruleID = "unknown"
	}
	if disposition == "" {
		disposition = "unknown"
	}
	fpEventsTotal.WithLabelValues(ruleID, disposition).Inc()
}

// SetObservedFPR publishes the current windowed FPR for a rule.
func SetObservedFPR(ruleID string, fpr float64) {
	if ruleID == "" {
		ruleID = "unknown"
	}
	observedFPR.WithLabelValues(ruleID).Set(fpr)
}

// SetBreakerState publishes a rule's circuit breaker state (tripped or not).
func SetBreakerState(ruleID string, tripped bool) {
	if ruleID == "" {
		ruleID = "unknown"
	}
	v := 0.0
	if tripped {
		v = 1.0
	}
	breakerState.WithLabelValues(ruleID).Set(v)
}

// RecordBreakerTrip increments the trip counter for a rule's breaker.
func RecordBreakerTrip(ruleID string) {
	if ruleID == "" {
		ruleID = "unknown"
	}
	breakerTrips.WithLabelValues(ruleID).Inc()
}

// RecordRuleEvaluation records a single rule evaluation outcome.
func RecordRuleEvaluation(ruleID, outcome string) {
	if ruleID == "" {
		ruleID = "unknown"
	}
	if outcome == "" {
		outcome = "unknown"
	}
	ruleEvaluations.WithLabelValues(ruleID, outcome).Inc()
}

// SetCalibrationConfidence publishes the blended confidence for a rule's
// most recent calibration round.
func SetCalibrationConfidence(ruleID string, confidence float64) {
	if ruleID == "" {
		ruleID = "unknown"
	}
	calibrationConfidence.WithLabelValues(ruleID).Set(confidence)
}

// SetCalibrationContributors publishes the accepted contributor count for a
// rule's most recent calibration round.
func SetCalibrationContributors(ruleID string, n int) {
	if ruleID == "" {
		ruleID = "unknown"
	}
	calibrationContributors.WithLabelValues(ruleID).Set(float64(n))
}

// RecordCalibrationByzantineFiltered increments the filtered-contribution
// counter for a rule.
func RecordCalibrationByzantineFiltered(ruleID string, n int) {
	if ruleID == "" {
		ruleID = "unknown"
	}
	if n <= 0 {
		return
	}
	calibrationByzantineFiltered.WithLabelValues(ruleID).Add(float64(n))
}

// RecordPipelineDecision records a completed pipeline evaluation's verdict
// and wall-clock duration.
func RecordPipelineDecision(verdict string, duration time.Duration) {
	if verdict == "" {
		verdict = "unknown"
	}
	if duration < 0 {
		duration = 0
	}
	pipelineDecisions.WithLabelValues(verdict).Inc()
	pipelineDuration.WithLabelValues(verdict).Observe(duration.Seconds())
}

// RecordIdentityVerification records an identity verification attempt.
func RecordIdentityVerification(provider, outcome string) {
	if provider == "" {
		provider = "unknown"
	}
	if outcome == "" {
		outcome = "unknown"
	}
	identityVerifications.WithLabelValues(provider, outcome).Inc()
}

// RecordNonceBindingRotation records a nonce binding rotation event.
func RecordNonceBindingRotation(reason string) {
	if reason == "" {
		reason = "unknown"
	}
	nonceBindingRotations.WithLabelValues(reason).Inc()
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

func (r *statusRecorder) Write(b []byte) (int, error) {
	if r.status == 0 {
		r.status = http.StatusOK
	}
	return r.ResponseWriter.Write(b)
}

func canonicalPath(raw string) string {
	if raw == "" || raw == "/" {
		return "/"
	}
	trimmed := strings.Trim(raw, "/")
	if trimmed == "" {
		return "/"
	}
	parts := strings.Split(trimmed, "/")
	if len(parts) == 0 {
		return "/"
	}
	return "/" + parts[0]
}
