package calibration

import (
	"context"
	"math"
	"sort"
	"time"

	"github.com/R3E-Network/oracle-trust-engine/oracle/consent"
	"github.com/R3E-Network/oracle-trust-engine/oracle/fpstore"
	"github.com/R3E-Network/oracle-trust-engine/oracle/reputation"
)

// Anonymiser is the narrow capability the aggregator needs: a
// deterministic org/repo pseudonym, so it never retains a reversible
// contributor identity past the bucketing step.
type Anonymiser interface {
	Pseudonym(orgID, repoID string) string
}

// IdentityChecker reports whether an org has a verified identity,
// without exposing the identity record itself to the aggregator.
type IdentityChecker interface {
	IsVerified(ctx context.Context, orgID string) (bool, error)
}

// Config names every aggregation tunable as configuration.
type Config struct {
	KAnonymityFloor                     int
	MinContributorsForFiltering         int
	ByzantineZThreshold                 float64
	ByzantineAbsoluteDeviationThreshold float64
	BottomReputationPercentile          float64
	ConfidenceHighThreshold             float64
	ConfidenceMediumThreshold           float64
	ConfidenceLowThreshold              float64
	Now                                 func() time.Time
}

// DefaultConfig matches the numeric defaults named in pkg/config.Config
// (ORACLE_K_ANONYMITY_FLOOR, ORACLE_BYZANTINE_Z_THRESHOLD,
// ORACLE_BYZANTINE_PERCENTILE, ORACLE_MIN_CONTRIBUTORS_FOR_FILTERING).
func DefaultConfig() Config {
	return Config{
		KAnonymityFloor:                     5,
		MinContributorsForFiltering:         5,
		ByzantineZThreshold:                 3.0,
		ByzantineAbsoluteDeviationThreshold: 0.3,
		BottomReputationPercentile:          0.2,
		ConfidenceHighThreshold:             0.75,
		ConfidenceMediumThreshold:           0.5,
		ConfidenceLowThreshold:              0.25,
	}
}

func (c Config) now() time.Time {
	if c.Now != nil {
		return c.Now()
	}
	return time.Now()
}

// Aggregator computes CalibrationResults per ruleId.
type Aggregator struct {
	events      fpstore.FPEventStore
	consents    consent.Store
	reputations reputation.Store
	engine      *reputation.Engine
	identities  IdentityChecker
	anonymiser  Anonymiser
	cfg         Config
}

// NewAggregator wires the aggregator's dependencies. reputations must be
// the same store engine was built over, so Get reflects engine's view.
func NewAggregator(events fpstore.FPEventStore, consents consent.Store, reputations reputation.Store, engine *reputation.Engine, identities IdentityChecker, anon Anonymiser, cfg Config) *Aggregator {
	return &Aggregator{events: events, consents: consents, reputations: reputations, engine: engine, identities: identities, anonymiser: anon, cfg: cfg}
}

type contributorSample struct {
	orgID      string
	pseudonym  string
	fpr        float64
	eventCount int
	weight     float64
	reputation float64
}

// Compute derives ruleID's calibration result deterministically given
// its inputs: admit consenting contributors, bucket by pseudonym under
// the k-anonymity floor, Byzantine-filter, aggregate by weight, then
// blend the confidence factors.
func (a *Aggregator) Compute(ctx context.Context, ruleID string) (Result, error) {
	now := a.cfg.now()
	result := Result{RuleID: ruleID, CalculatedAt: now}

	window, err := a.events.WindowBySince(ctx, ruleID, time.Time{})
	if err != nil {
		return Result{}, err
	}

	// Step 1: admit events whose source org has explicit, non-expired,
	// non-revoked consent and can participate in the network.
	byOrg := make(map[string][]fpstore.FPEvent)
	for _, e := range window.Events {
		orgID := e.Context.OrgID
		if orgID == "" {
			continue
		}
		record, ok, err := a.consents.Latest(ctx, orgID)
		if err != nil {
			return Result{}, err
		}
		if !ok || !record.Admits(now) {
			continue
		}
		verified, err := a.identities.IsVerified(ctx, orgID)
		if err != nil {
			return Result{}, err
		}
		if !verified {
			continue
		}
		canParticipate, err := a.engine.CanParticipateInNetwork(ctx, orgID, verified)
		if err != nil {
			return Result{}, err
		}
		if !canParticipate {
			continue
		}
		byOrg[orgID] = append(byOrg[orgID], e)
	}

	// Step 2: bucket by contributor pseudonym; require the k-anonymity
	// floor before disclosing anything.
	samples := make([]contributorSample, 0, len(byOrg))
	totalEvents := 0
	for orgID, events := range byOrg {
		fp, total := 0, 0
		for _, e := range events {
			if e.Reviewer == "" {
				continue
			}
			total++
			if e.IsFalsePositive {
				fp++
			}
		}
		if total == 0 {
			continue
		}
		rep, ok, err := a.reputationRecord(ctx, orgID)
		if err != nil {
			return Result{}, err
		}
		if !ok {
			continue
		}
		weight, err := a.engine.ContributionWeight(ctx, orgID)
		if err != nil {
			return Result{}, err
		}
		samples = append(samples, contributorSample{
			orgID:      orgID,
			pseudonym:  a.anonymiser.Pseudonym(orgID, ruleID),
			fpr:        float64(fp) / float64(total),
			eventCount: total,
			weight:     weight,
			reputation: rep.ReputationScore,
		})
		totalEvents += total
	}

	result.TotalContributorCount = len(samples)
	result.TotalEventCount = totalEvents

	if len(samples) < a.cfg.KAnonymityFloor {
		result.Confidence = Confidence{Category: ConfidenceInsufficient, Reason: "fewer than kAnonymityFloor distinct consenting contributors"}
		return result, nil
	}

	// Step 3: Byzantine filter, only once contributors clear the
	// filtering floor. The k-anonymity floor gates admission into this
	// step, not survival out of it: a round that starts with enough
	// distinct contributors still yields a consensus figure even after
	// outliers are dropped from it.
	surviving, summary := a.byzantineFilter(samples)
	result.ByzantineFilterSummary = summary
	result.TrustedContributorCount = len(surviving)

	if len(surviving) == 0 {
		result.Confidence = Confidence{Category: ConfidenceInsufficient, Reason: "Byzantine filter discarded every contributor"}
		return result, nil
	}

	// Step 4: weighted aggregation.
	var weightedSum, totalWeight float64
	for _, s := range surviving {
		weightedSum += s.weight * s.fpr
		totalWeight += s.weight
	}
	if totalWeight > 0 {
		result.ConsensusFPR = weightedSum / totalWeight
		result.ConsensusFPRPresent = true
	}

	// Step 5: confidence blend (Open Question resolved: multiplicative
	// blend of four pre-clamped [0,1] factors).
	result.Confidence = a.confidence(surviving)

	return result, nil
}

func (a *Aggregator) reputationRecord(ctx context.Context, orgID string) (reputation.OrganizationReputation, bool, error) {
	return a.reputations.Get(ctx, orgID)
}

// byzantineFilter drops contributors whose per-contributor FPR deviates
// from the group either by |z| > zScoreThreshold or by more than
// absoluteDeviationThreshold in raw FPR terms (the z-score alone can be
// masked by the very outlier it should catch once it drags the stddev
// up with it), then additionally drops the bottom
// byzantineFilterPercentile by reputation, only when contributors meet
// minContributorsForFiltering.
func (a *Aggregator) byzantineFilter(samples []contributorSample) ([]contributorSample, ByzantineFilterSummary) {
	summary := ByzantineFilterSummary{TotalBeforeFilter: len(samples), TotalAfterFilter: len(samples)}
	if len(samples) < a.cfg.MinContributorsForFiltering {
		return samples, summary
	}

	fprs := make([]float64, len(samples))
	for i, s := range samples {
		fprs[i] = s.fpr
	}
	mean, stddev := meanStdDev(fprs)

	kept := make([]contributorSample, 0, len(samples))
	for i, s := range samples {
		deviation := math.Abs(fprs[i] - mean)
		z := 0.0
		if stddev > 0 {
			z = deviation / stddev
		}
		if deviation > a.cfg.ByzantineAbsoluteDeviationThreshold || math.Abs(z) > a.cfg.ByzantineZThreshold {
			summary.OutliersDropped++
			continue
		}
		kept = append(kept, s)
	}

	sort.Slice(kept, func(i, j int) bool { return kept[i].reputation < kept[j].reputation })
	dropCount := int(math.Floor(float64(len(kept)) * a.cfg.BottomReputationPercentile))
	if dropCount > 0 && dropCount < len(kept) {
		summary.LowReputationDropped = dropCount
		kept = kept[dropCount:]
	}

	summary.TotalAfterFilter = len(kept)
	if summary.TotalBeforeFilter > 0 {
		summary.FilterRate = float64(summary.TotalBeforeFilter-summary.TotalAfterFilter) / float64(summary.TotalBeforeFilter)
	}
	return kept, summary
}

// confidence blends four [0,1] factors multiplicatively (Open Question
// resolution recorded in DESIGN.md): contributor count (normalized
// against 2x the k-anonymity floor), inter-contributor agreement (1
// minus normalised dispersion), total event count (normalized against a
// saturation point of 100 events), and mean reputation.
func (a *Aggregator) confidence(samples []contributorSample) Confidence {
	contributorFactor := clamp01(float64(len(samples)) / float64(2*a.cfg.KAnonymityFloor))

	fprs := make([]float64, len(samples))
	var totalEvents int
	var repSum float64
	for i, s := range samples {
		fprs[i] = s.fpr
		totalEvents += s.eventCount
		repSum += s.reputation
	}
	_, stddev := meanStdDev(fprs)
	agreementFactor := clamp01(1 - stddev*2)

	eventFactor := clamp01(float64(totalEvents) / 100.0)
	reputationFactor := clamp01(repSum / float64(len(samples)))

	level := contributorFactor * agreementFactor * eventFactor * reputationFactor

	category := ConfidenceInsufficient
	switch {
	case level >= a.cfg.ConfidenceHighThreshold:
		category = ConfidenceHigh
	case level >= a.cfg.ConfidenceMediumThreshold:
		category = ConfidenceMedium
	case level >= a.cfg.ConfidenceLowThreshold:
		category = ConfidenceLow
	}

	return Confidence{
		Level:    level,
		Category: category,
		Factors: map[string]float64{
			"contributorCount": contributorFactor,
			"agreement":        agreementFactor,
			"eventCount":       eventFactor,
			"reputation":       reputationFactor,
		},
	}
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}

func meanStdDev(values []float64) (mean, stddev float64) {
	if len(values) == 0 {
		return 0, 0
	}
	var sum float64
	for _, v := range values {
		sum += v
	}
	mean = sum / float64(len(values))
	var variance float64
	for _, v := range values {
		d := v - mean
		variance += d * d
	}
	variance /= float64(len(values))
	return mean, math.Sqrt(variance)
}
