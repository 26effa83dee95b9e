package identity

import (
	"context"
	"time"
)

// Verifier is the capability every concrete verification method
// implements: a context-bound lookup producing a typed VerificationResult.
type Verifier interface {
	Verify(ctx context.Context, orgID string) (VerificationResult, error)
}

// GitHubOrgInfo is the narrow capability this engine consumes from an
// external GitHub integration; the provider itself lives outside this
// module. A real implementation
// wraps the GitHub API; this package only specifies what it needs back.
type GitHubOrgInfo interface {
	OrgInfo(ctx context.Context, orgID string) (GitHubOrg, error)
}

// GitHubOrg is the subset of a GitHub organisation's public profile the
// heuristics in GitHubVerifier consult.
type GitHubOrg struct {
	CreatedAt       time.Time
	MemberCount     int
	PublicRepoCount int
	LastActivityAt  time.Time
}

// GitHubVerifierConfig names every heuristic threshold as configuration;
// none of them is a compiled-in constant.
type GitHubVerifierConfig struct {
	MinOrgAge      time.Duration
	MinMembers     int
	MinPublicRepos int
	ActivityWindow time.Duration
}

// DefaultGitHubVerifierConfig is the shipped GitHub baseline: min age 90
// days, >=3 members, >=1 public repo, recent activity within 180 days.
func DefaultGitHubVerifierConfig() GitHubVerifierConfig {
	return GitHubVerifierConfig{
		MinOrgAge:      90 * 24 * time.Hour,
		MinMembers:     3,
		MinPublicRepos: 1,
		ActivityWindow: 180 * 24 * time.Hour,
	}
}

// GitHubVerifier verifies an org against the configured GitHub heuristics.
type GitHubVerifier struct {
	provider GitHubOrgInfo
	cfg      GitHubVerifierConfig
	now      func() time.Time
}

// NewGitHubVerifier builds a verifier over provider using cfg's thresholds.
func NewGitHubVerifier(provider GitHubOrgInfo, cfg GitHubVerifierConfig) *GitHubVerifier {
	return &GitHubVerifier{provider: provider, cfg: cfg, now: time.Now}
}

func (v *GitHubVerifier) Verify(ctx context.Context, orgID string) (VerificationResult, error) {
	org, err := v.provider.OrgInfo(ctx, orgID)
	if err != nil {
		return VerificationResult{}, err
	}

	now := v.now()
	meta := map[string]any{
		"createdAt":       org.CreatedAt,
		"memberCount":     org.MemberCount,
		"publicRepoCount": org.PublicRepoCount,
		"lastActivityAt":  org.LastActivityAt,
	}

	if age := now.Sub(org.CreatedAt); age < v.cfg.MinOrgAge {
		return VerificationResult{Method: MethodGitHubOrg, Metadata: meta, Reason: "org younger than minimum age"}, nil
	}
	if org.MemberCount < v.cfg.MinMembers {
		return VerificationResult{Method: MethodGitHubOrg, Metadata: meta, Reason: "fewer members than minimum"}, nil
	}
	if org.PublicRepoCount < v.cfg.MinPublicRepos {
		return VerificationResult{Method: MethodGitHubOrg, Metadata: meta, Reason: "fewer public repos than minimum"}, nil
	}
	if now.Sub(org.LastActivityAt) > v.cfg.ActivityWindow {
		return VerificationResult{Method: MethodGitHubOrg, Metadata: meta, Reason: "no activity within window"}, nil
	}

	return VerificationResult{Verified: true, Method: MethodGitHubOrg, Metadata: meta}, nil
}

// StripeCustomerInfo is the narrow capability this engine consumes from
// an external Stripe integration; the provider itself lives outside
// this module.
type StripeCustomerInfo interface {
	CustomerInfo(ctx context.Context, orgID string) (StripeCustomer, error)
}

// StripeCustomer is the subset of a Stripe customer's billing profile
// the heuristics in StripeVerifier consult.
type StripeCustomer struct {
	CreatedAt              time.Time
	SuccessfulPaymentCount int
	Delinquent             bool
	ActiveSubscriptionIDs  []string
}

// StripeVerifierConfig names every heuristic threshold as configuration.
type StripeVerifierConfig struct {
	MinAccountAge             time.Duration
	MinSuccessfulPayments     int
	RequireActiveSubscription bool
	// RequiredProductIDs, if non-empty, requires at least one active
	// subscription to match one of these product IDs.
	RequiredProductIDs []string
}

// DefaultStripeVerifierConfig is the shipped Stripe baseline: min
// account age 30 days, >=1 successful payment, not delinquent, with
// the optional active-subscription requirement off by
// default (it names specific product IDs operators must configure).
func DefaultStripeVerifierConfig() StripeVerifierConfig {
	return StripeVerifierConfig{
		MinAccountAge:         30 * 24 * time.Hour,
		MinSuccessfulPayments: 1,
	}
}

// StripeVerifier verifies an org against the configured Stripe heuristics.
type StripeVerifier struct {
	provider StripeCustomerInfo
	cfg      StripeVerifierConfig
	now      func() time.Time
}

// NewStripeVerifier builds a verifier over provider using cfg's thresholds.
func NewStripeVerifier(provider StripeCustomerInfo, cfg StripeVerifierConfig) *StripeVerifier {
	return &StripeVerifier{provider: provider, cfg: cfg, now: time.Now}
}

func (v *StripeVerifier) Verify(ctx context.Context, orgID string) (VerificationResult, error) {
	customer, err := v.provider.CustomerInfo(ctx, orgID)
	if err != nil {
		return VerificationResult{}, err
	}

	now := v.now()
	meta := map[string]any{
		"createdAt":              customer.CreatedAt,
		"successfulPaymentCount": customer.SuccessfulPaymentCount,
		"delinquent":             customer.Delinquent,
	}

	if age := now.Sub(customer.CreatedAt); age < v.cfg.MinAccountAge {
		return VerificationResult{Method: MethodStripeCustomer, Metadata: meta, Reason: "account younger than minimum age"}, nil
	}
	if customer.SuccessfulPaymentCount < v.cfg.MinSuccessfulPayments {
		return VerificationResult{Method: MethodStripeCustomer, Metadata: meta, Reason: "fewer successful payments than minimum"}, nil
	}
	if customer.Delinquent {
		return VerificationResult{Method: MethodStripeCustomer, Metadata: meta, Reason: "account delinquent"}, nil
	}
	if v.cfg.RequireActiveSubscription {
		if !hasRequiredSubscription(customer.ActiveSubscriptionIDs, v.cfg.RequiredProductIDs) {
			return VerificationResult{Method: MethodStripeCustomer, Metadata: meta, Reason: "no matching active subscription"}, nil
		}
	}

	return VerificationResult{Verified: true, Method: MethodStripeCustomer, Metadata: meta}, nil
}

func hasRequiredSubscription(active, required []string) bool {
	if len(required) == 0 {
		return len(active) > 0
	}
	requiredSet := make(map[string]struct{}, len(required))
	for _, id := range required {
		requiredSet[id] = struct{}{}
	}
	for _, id := range active {
		if _, ok := requiredSet[id]; ok {
			return true
		}
	}
	return false
}

// ManualVerifier admits a fixed allowlist of orgs, verified out of band
// (e.g. by an operator's manual review process).
type ManualVerifier struct {
	allowed map[string]bool
}

// NewManualVerifier builds a verifier over a fixed allowlist.
func NewManualVerifier(orgIDs ...string) *ManualVerifier {
	allowed := make(map[string]bool, len(orgIDs))
	for _, id := range orgIDs {
		allowed[id] = true
	}
	return &ManualVerifier{allowed: allowed}
}

func (v *ManualVerifier) Verify(_ context.Context, orgID string) (VerificationResult, error) {
	if v.allowed[orgID] {
		return VerificationResult{Verified: true, Method: MethodManual}, nil
	}
	return VerificationResult{Method: MethodManual, Reason: "org not on manual allowlist"}, nil
}

var (
	_ Verifier = (*GitHubVerifier)(nil)
	_ Verifier = (*StripeVerifier)(nil)
	_ Verifier = (*ManualVerifier)(nil)
)
