package calibration

import (
	"context"
	"sync"

	"github.com/robfig/cron/v3"
	"github.com/sirupsen/logrus"

	"github.com/R3E-Network/oracle-trust-engine/infrastructure/logging"
	"github.com/R3E-Network/oracle-trust-engine/infrastructure/ratelimit"
	"github.com/R3E-Network/oracle-trust-engine/pkg/metrics"
)

// RuleLister supplies the rule IDs the scheduler recomputes calibration
// for on every tick.
type RuleLister interface {
	RuleIDs() []string
}

// ResultSink receives every freshly computed Result, for the rule
// registry or a result store to pick up.
type ResultSink interface {
	PutCalibrationResult(ctx context.Context, result Result) error
}

// Scheduler recomputes calibration on a cron schedule, fanning the
// per-rule Compute calls out through a rate limiter so a rule registry
// with thousands of rules cannot starve the fpstore backend.
type Scheduler struct {
	aggregator *Aggregator
	rules      RuleLister
	sink       ResultSink
	limiter    *ratelimit.Limiter
	logger     *logging.Logger
	cron       *cron.Cron
	cfg        SchedulerConfig

	mu      sync.Mutex
	entryID cron.EntryID
}

// SchedulerConfig names the scheduler's tunables.
type SchedulerConfig struct {
	// CronExpression is a standard 5-field cron expression, e.g. "0 * * * *".
	CronExpression string
	// RequestsPerSecond bounds how fast the scheduler issues Compute calls.
	RequestsPerSecond float64
	Burst             int
}

// DefaultSchedulerConfig recomputes hourly at a modest fan-out rate.
func DefaultSchedulerConfig() SchedulerConfig {
	return SchedulerConfig{
		CronExpression:    "0 * * * *",
		RequestsPerSecond: 5,
		Burst:             10,
	}
}

// NewScheduler builds a Scheduler; it does not start ticking until Start
// is called.
func NewScheduler(aggregator *Aggregator, rules RuleLister, sink ResultSink, logger *logging.Logger, cfg SchedulerConfig) *Scheduler {
	if cfg.RequestsPerSecond <= 0 {
		cfg.RequestsPerSecond = 5
	}
	if cfg.Burst <= 0 {
		cfg.Burst = int(cfg.RequestsPerSecond * 2)
	}
	return &Scheduler{
		aggregator: aggregator,
		rules:      rules,
		sink:       sink,
		limiter:    ratelimit.New(ratelimit.Config{RequestsPerSecond: cfg.RequestsPerSecond, Burst: cfg.Burst}),
		logger:     logger,
		cron:       cron.New(),
		cfg:        cfg,
	}
}

// Start schedules a recompute-all run per the configured cron expression
// and returns immediately; callers stop the scheduler via Stop.
func (s *Scheduler) Start(ctx context.Context) error {
	id, err := s.cron.AddFunc(s.cfg.CronExpression, func() { s.RunOnce(ctx) })
	if err != nil {
		return err
	}
	s.mu.Lock()
	s.entryID = id
	s.mu.Unlock()
	s.cron.Start()
	return nil
}

// Stop halts further scheduled runs and waits for any in-flight job to
// finish.
func (s *Scheduler) Stop() {
	s.cron.Stop()
}

// RunOnce recomputes calibration for every rule the RuleLister names,
// rate-limited against fpstore reads, logging and continuing past any
// single rule's failure rather than aborting the whole pass.
func (s *Scheduler) RunOnce(ctx context.Context) {
	for _, ruleID := range s.rules.RuleIDs() {
		if err := s.limiter.Wait(ctx); err != nil {
			if s.logger != nil {
				s.logger.WithError(err).Warn("calibration scheduler: rate limiter wait aborted")
			}
			return
		}
		result, err := s.aggregator.Compute(ctx, ruleID)
		if err != nil {
			if s.logger != nil {
				s.logger.WithFields(logrus.Fields{"rule_id": ruleID}).WithError(err).Warn("calibration recompute failed")
			}
			continue
		}
		metrics.SetCalibrationConfidence(ruleID, result.Confidence.Level)
		metrics.SetCalibrationContributors(ruleID, result.TrustedContributorCount)
		summary := result.ByzantineFilterSummary
		metrics.RecordCalibrationByzantineFiltered(ruleID, summary.OutliersDropped+summary.LowReputationDropped)
		if err := s.sink.PutCalibrationResult(ctx, result); err != nil && s.logger != nil {
			s.logger.WithFields(logrus.Fields{"rule_id": ruleID}).WithError(err).Warn("calibration result sink write failed")
		}
	}
}
