package pipeline

import (
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/R3E-Network/oracle-trust-engine/infrastructure/logging"
)

// findingKey identifies one admission slot: a (rule, finding) pair may
// enter the FP store at most once per invocation.
type findingKey struct {
	ruleID    string
	findingID string
}

// findingDedupe is the sliding-window seen-set behind that guarantee:
// the first admit for a pair within the window succeeds, every repeat
// is refused. Entries expire with the window, so a long-lived handle
// (a drift run re-checked hours later) re-admits rather than leaking
// the set forever.
type findingDedupe struct {
	window time.Duration
	logger *logging.Logger
	now    func() time.Time

	mu   sync.Mutex
	seen map[findingKey]time.Time
}

func newFindingDedupe(window time.Duration, logger *logging.Logger) *findingDedupe {
	return &findingDedupe{
		window: window,
		logger: logger,
		now:    time.Now,
		seen:   make(map[findingKey]time.Time),
	}
}

// admit records the pair as seen and reports whether this is its first
// admission within the window. Pairs with an empty rule or finding id
// are refused outright: an unidentified event has no admission slot.
func (d *findingDedupe) admit(ruleID, findingID string) bool {
	if ruleID == "" || findingID == "" {
		return false
	}
	key := findingKey{ruleID: ruleID, findingID: findingID}
	now := d.now()

	d.mu.Lock()
	defer d.mu.Unlock()

	if len(d.seen)%100 == 0 {
		d.sweepLocked(now)
	}

	if seenAt, ok := d.seen[key]; ok {
		if now.Sub(seenAt) < d.window {
			if d.logger != nil {
				d.logger.WithFields(logrus.Fields{
					"rule_id":    ruleID,
					"finding_id": findingID,
				}).Warn("duplicate finding event suppressed")
			}
			return false
		}
		delete(d.seen, key)
	}

	d.seen[key] = now
	return true
}

// sweepLocked drops entries older than the window. Caller holds d.mu.
func (d *findingDedupe) sweepLocked(now time.Time) {
	for key, seenAt := range d.seen {
		if now.Sub(seenAt) > d.window {
			delete(d.seen, key)
		}
	}
}

// size reports how many pairs are currently tracked.
func (d *findingDedupe) size() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.seen)
}
