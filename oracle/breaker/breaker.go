// Package breaker implements the per-rule circuit breaker: a
// degraded-mode trigger driven by oracle/blockcounter.SumLastN crossing
// an operator threshold, built on infrastructure/resilience
// (sony/gobreaker/v2 + cenkalti/backoff/v4) rather than re-deriving
// consecutive-failure tripping from scratch.
package breaker

import (
	"context"
	"sync"
	"time"

	"github.com/R3E-Network/oracle-trust-engine/infrastructure/resilience"
	"github.com/R3E-Network/oracle-trust-engine/oracle/blockcounter"
)

// Config governs the trip/cooldown/hysteresis policy shared by every
// rule's breaker.
type Config struct {
	// WindowHours is the SumLastN width checked against Threshold.
	WindowHours int
	// Threshold is the recent-block count that trips the breaker.
	Threshold int64
	// CooldownHours is how long a tripped breaker stays tripped before a
	// half-open retest is attempted.
	CooldownHours int
	// HysteresisHours is the trailing window, after cooldown elapses,
	// that must see no further trips before the breaker fully closes.
	HysteresisHours int
	// Now is injected for deterministic testing; time.Now if nil.
	Now func() time.Time
}

func (c Config) now() time.Time {
	if c.Now != nil {
		return c.Now()
	}
	return time.Now()
}

// Decision is the per-finding outcome of consulting the breaker: whether
// it is currently tripped and, if so, the degradation detail to stamp on
// the DecisionRecord.
type Decision struct {
	Tripped      bool
	RuleID       string
	RecentBlocks int64
}

// RuleBreaker holds one resilience.CircuitBreaker per ruleId, each fed by
// BlockCounter.SumLastN instead of consecutive-failure counts.
type RuleBreaker struct {
	mu       sync.Mutex
	counter  blockcounter.BlockCounter
	cfg      Config
	breakers map[string]*resilience.CircuitBreaker
	// trippedSince / lastTripAt track, per rule, when the breaker most
	// recently opened and most recently re-confirmed a breach, so
	// Closed<->Tripped transitions can apply cooldown and hysteresis on
	// top of gobreaker's own half-open bookkeeping.
	trippedSince map[string]time.Time
	lastTripAt   map[string]time.Time
}

// NewRuleBreaker builds a breaker registry over counter.
func NewRuleBreaker(counter blockcounter.BlockCounter, cfg Config) *RuleBreaker {
	if cfg.WindowHours <= 0 {
		cfg.WindowHours = 24
	}
	if cfg.CooldownHours <= 0 {
		cfg.CooldownHours = 6
	}
	if cfg.HysteresisHours <= 0 {
		cfg.HysteresisHours = cfg.CooldownHours
	}
	return &RuleBreaker{
		counter:      counter,
		cfg:          cfg,
		breakers:     make(map[string]*resilience.CircuitBreaker),
		trippedSince: make(map[string]time.Time),
		lastTripAt:   make(map[string]time.Time),
	}
}

func (r *RuleBreaker) breakerFor(ruleID string) *resilience.CircuitBreaker {
	r.mu.Lock()
	defer r.mu.Unlock()
	cb, ok := r.breakers[ruleID]
	if !ok {
		cb = resilience.New(resilience.Config{
			MaxFailures: 1,
			Timeout:     time.Duration(r.cfg.CooldownHours) * time.Hour,
			HalfOpenMax: 1,
		})
		r.breakers[ruleID] = cb
	}
	return cb
}

// Check consults BlockCounter.SumLastN for ruleID/orgRepoHash and
// records a trip against the rule's breaker if the threshold is
// breached, returning whether new BLOCK outcomes for this rule should be
// downgraded to WARN.
func (r *RuleBreaker) Check(ctx context.Context, ruleID, orgRepoHash string) (Decision, error) {
	now := r.cfg.now()
	recent, err := r.counter.SumLastN(ctx, ruleID, orgRepoHash, now, r.cfg.WindowHours)
	if err != nil {
		return Decision{}, err
	}

	cb := r.breakerFor(ruleID)
	breached := recent >= int64(r.cfg.Threshold)

	r.mu.Lock()
	if breached {
		if _, wasTripped := r.trippedSince[ruleID]; !wasTripped {
			r.trippedSince[ruleID] = now
		}
		r.lastTripAt[ruleID] = now
	}
	tripped := false
	if since, ok := r.trippedSince[ruleID]; ok {
		cooldownElapsed := now.Sub(since) >= time.Duration(r.cfg.CooldownHours)*time.Hour
		lastTrip := r.lastTripAt[ruleID]
		hysteresisQuiet := now.Sub(lastTrip) >= time.Duration(r.cfg.HysteresisHours)*time.Hour
		if !cooldownElapsed || !hysteresisQuiet {
			tripped = true
		} else {
			delete(r.trippedSince, ruleID)
			delete(r.lastTripAt, ruleID)
		}
	}
	r.mu.Unlock()

	// Drive the library breaker's own state machine in lockstep so
	// State() reflects the same decision for any caller that inspects it
	// directly instead of going through Check.
	_ = cb.Execute(ctx, func() error {
		if breached {
			return resilience.ErrCircuitOpen
		}
		return nil
	})

	return Decision{Tripped: tripped, RuleID: ruleID, RecentBlocks: recent}, nil
}

// State returns the underlying library breaker's state for ruleID
// (StateClosed if the rule has never been checked).
func (r *RuleBreaker) State(ruleID string) resilience.State {
	r.mu.Lock()
	cb, ok := r.breakers[ruleID]
	r.mu.Unlock()
	if !ok {
		return resilience.StateClosed
	}
	return cb.State()
}
