package reputation

import (
	"context"
	"math"
	"sort"
	"time"

	oerrors "github.com/R3E-Network/oracle-trust-engine/infrastructure/errors"
)

// Config carries the engine's tunables; none of them is a hard-coded
// constant.
type Config struct {
	StakeMultiplierCap       float64
	MinStake                 float64
	ConsistencyBonusCap      float64
	MaxContributionAge       time.Duration
	MinContributionsRequired int
	OutlierThreshold         float64
	OutlierZThreshold        float64
	DecayRate                float64
	MaxConsistencyBonus      float64
	MinimumReputationScore   float64
	MinStakeForParticipation int64
	// RequireStakeToParticipate, when true, makes a non-active stake
	// status (withdrawn) contribute a zero stakeMultiplier instead of 1.
	RequireStakeToParticipate bool
	Now                       func() time.Time
}

// DefaultConfig is the shipped baseline for every weighting and
// consistency tunable.
func DefaultConfig() Config {
	return Config{
		StakeMultiplierCap:       2.0,
		MinStake:                 100,
		ConsistencyBonusCap:      1.0,
		MaxContributionAge:       180 * 24 * time.Hour,
		MinContributionsRequired: 3,
		OutlierThreshold:         0.3,
		OutlierZThreshold:        3.0,
		DecayRate:                0.01,
		MaxConsistencyBonus:      0.2,
		MinimumReputationScore:   0.3,
		MinStakeForParticipation: 0,
	}
}

func (c Config) now() time.Time {
	if c.Now != nil {
		return c.Now()
	}
	return time.Now()
}

// Engine computes contribution weights, consistency scores, and
// participation/slashing decisions over a Store.
type Engine struct {
	store Store
	cfg   Config
}

// NewEngine builds a reputation Engine over store.
func NewEngine(store Store, cfg Config) *Engine {
	return &Engine{store: store, cfg: cfg}
}

// ConsistencyResult is the outcome of ConsistencyScore: the score itself,
// whether enough data existed to compute it meaningfully, and the
// outlier records discarded along the way.
type ConsistencyResult struct {
	Score           float64
	HasMinimumData  bool
	OutliersDropped int
}

// ConsistencyScore computes an org's consistency score from its
// ContributionRecord history: filter stale records, require a minimum
// sample, drop outliers, decay by age, then score against the
// consensus deviations.
func (e *Engine) ConsistencyScore(ctx context.Context, orgID string) (ConsistencyResult, error) {
	records, err := e.store.Contributions(ctx, orgID)
	if err != nil {
		return ConsistencyResult{}, err
	}

	now := e.cfg.now()
	cutoff := now.Add(-e.cfg.MaxContributionAge)
	fresh := make([]ContributionRecord, 0, len(records))
	for _, r := range records {
		if !r.Timestamp.Before(cutoff) {
			fresh = append(fresh, r)
		}
	}

	if len(fresh) < e.cfg.MinContributionsRequired {
		return ConsistencyResult{Score: 0.5, HasMinimumData: false}, nil
	}

	deviations := make([]float64, len(fresh))
	for i, r := range fresh {
		deviations[i] = math.Abs(r.ContributedFPRate - r.ConsensusFPRate)
	}
	mean, stddev := meanStdDev(deviations)

	type weighted struct {
		deviation float64
		weight    float64
	}
	kept := make([]weighted, 0, len(fresh))
	dropped := 0
	for i, r := range fresh {
		z := 0.0
		if stddev > 0 {
			z = (deviations[i] - mean) / stddev
		}
		if deviations[i] > e.cfg.OutlierThreshold || math.Abs(z) > e.cfg.OutlierZThreshold {
			dropped++
			continue
		}
		ageDays := now.Sub(r.Timestamp).Hours() / 24
		decay := math.Exp(-e.cfg.DecayRate * ageDays)
		kept = append(kept, weighted{deviation: deviations[i], weight: decay})
	}

	if len(kept) == 0 {
		return ConsistencyResult{Score: 0.5, HasMinimumData: true, OutliersDropped: dropped}, nil
	}

	var weightedSum, totalWeight float64
	for _, k := range kept {
		weightedSum += k.deviation * k.weight
		totalWeight += k.weight
	}
	weightedMeanDeviation := weightedSum / totalWeight

	bonus := 1 - weightedMeanDeviation
	if bonus > e.cfg.MaxConsistencyBonus {
		bonus = e.cfg.MaxConsistencyBonus
	}
	if bonus < 0 {
		bonus = 0
	}

	return ConsistencyResult{Score: 0.5 + bonus, HasMinimumData: true, OutliersDropped: dropped}, nil
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

// ContributionWeight computes
// clamp(baseReputation * stakeMultiplier + consistencyBonus, 0, 1).
func (e *Engine) ContributionWeight(ctx context.Context, orgID string) (float64, error) {
	rep, ok, err := e.store.Get(ctx, orgID)
	if err != nil {
		return 0, err
	}
	if !ok {
		return 0, oerrors.NotFound("organization_reputation", orgID)
	}
	if rep.StakeStatus == StakeSlashed {
		return 0, nil
	}

	stakeMultiplier := 0.0
	switch {
	case rep.StakeStatus == StakeActive:
		stakeMultiplier = math.Log1p(float64(rep.StakePledge) / e.cfg.MinStake)
		if stakeMultiplier > e.cfg.StakeMultiplierCap {
			stakeMultiplier = e.cfg.StakeMultiplierCap
		}
	case !e.cfg.RequireStakeToParticipate:
		stakeMultiplier = 1
	default:
		stakeMultiplier = 0
	}

	consistencyBonus := (rep.ConsistencyScore - 0.5) * 2
	if consistencyBonus < 0 {
		consistencyBonus = 0
	}
	if consistencyBonus > e.cfg.ConsistencyBonusCap {
		consistencyBonus = e.cfg.ConsistencyBonusCap
	}

	weight := rep.ReputationScore*stakeMultiplier + consistencyBonus
	return clamp(weight, 0, 1), nil
}

func clamp(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

// CanParticipateInNetwork gates on verified identity, non-slashed
// stake, minimum reputation, and (when configured) minimum stake.
func (e *Engine) CanParticipateInNetwork(ctx context.Context, orgID string, identityVerified bool) (bool, error) {
	if !identityVerified {
		return false, nil
	}
	rep, ok, err := e.store.Get(ctx, orgID)
	if err != nil {
		return false, err
	}
	if !ok {
		return false, nil
	}
	if rep.StakeStatus == StakeSlashed {
		return false, nil
	}
	if rep.ReputationScore < e.cfg.MinimumReputationScore {
		return false, nil
	}
	if e.cfg.MinStakeForParticipation > 0 && rep.StakePledge < e.cfg.MinStakeForParticipation {
		return false, nil
	}
	return true, nil
}

// SlashStake sets stakeStatus=slashed, reputationScore=0, irreversible
// by design: nothing in this package ever transitions an org out of
// StakeSlashed.
func (e *Engine) SlashStake(ctx context.Context, orgID, reason string) error {
	rep, ok, err := e.store.Get(ctx, orgID)
	if err != nil {
		return err
	}
	if !ok {
		return oerrors.NotFound("organization_reputation", orgID)
	}
	rep.StakeStatus = StakeSlashed
	rep.ReputationScore = 0
	rep.FlaggedCount++
	rep.LastUpdated = e.cfg.now()
	rep.SlashReason = reason
	return e.store.Put(ctx, rep)
}

// PercentileRank returns the fraction of orgIDs in the population whose
// reputation score is strictly below orgID's own — used by the
// calibration aggregator's bottom-percentile Byzantine filter.
func (e *Engine) PercentileRank(ctx context.Context, orgID string, population []string) (float64, error) {
	target, ok, err := e.store.Get(ctx, orgID)
	if err != nil {
		return 0, err
	}
	if !ok || len(population) == 0 {
		return 0, nil
	}

	scores := make([]float64, 0, len(population))
	for _, id := range population {
		rep, ok, err := e.store.Get(ctx, id)
		if err != nil {
			return 0, err
		}
		if ok {
			scores = append(scores, rep.ReputationScore)
		}
	}
	sort.Float64s(scores)

	below := sort.SearchFloat64s(scores, target.ReputationScore)
	return float64(below) / float64(len(scores)), nil
}
