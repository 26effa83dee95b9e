package identity

import (
	"context"
	"testing"
	"time"
)

type fakeGitHub struct {
	org GitHubOrg
	err error
}

func (f fakeGitHub) OrgInfo(_ context.Context, _ string) (GitHubOrg, error) {
	return f.org, f.err
}

func TestGitHubVerifierPassesHealthyOrg(t *testing.T) {
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	v := NewGitHubVerifier(fakeGitHub{org: GitHubOrg{
		CreatedAt:       now.Add(-365 * 24 * time.Hour),
		MemberCount:     10,
		PublicRepoCount: 5,
		LastActivityAt:  now.Add(-24 * time.Hour),
	}}, DefaultGitHubVerifierConfig())
	v.now = func() time.Time { return now }

	result, err := v.Verify(context.Background(), "acme")
	if err != nil {
		t.Fatal(err)
	}
	if !result.Verified {
		t.Fatalf("expected healthy org to verify, reason=%q", result.Reason)
	}
	if result.Method != MethodGitHubOrg {
		t.Fatalf("expected MethodGitHubOrg, got %s", result.Method)
	}
}

func TestGitHubVerifierRejectsYoungOrg(t *testing.T) {
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	v := NewGitHubVerifier(fakeGitHub{org: GitHubOrg{
		CreatedAt:       now.Add(-10 * 24 * time.Hour),
		MemberCount:     10,
		PublicRepoCount: 5,
		LastActivityAt:  now,
	}}, DefaultGitHubVerifierConfig())
	v.now = func() time.Time { return now }

	result, err := v.Verify(context.Background(), "acme")
	if err != nil {
		t.Fatal(err)
	}
	if result.Verified {
		t.Fatal("expected young org to fail verification")
	}
}

func TestGitHubVerifierRejectsInsufficientMembers(t *testing.T) {
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	v := NewGitHubVerifier(fakeGitHub{org: GitHubOrg{
		CreatedAt:       now.Add(-365 * 24 * time.Hour),
		MemberCount:     1,
		PublicRepoCount: 5,
		LastActivityAt:  now,
	}}, DefaultGitHubVerifierConfig())
	v.now = func() time.Time { return now }

	result, err := v.Verify(context.Background(), "acme")
	if err != nil {
		t.Fatal(err)
	}
	if result.Verified {
		t.Fatal("expected org with too few members to fail verification")
	}
}

type fakeStripe struct {
	customer StripeCustomer
	err      error
}

func (f fakeStripe) CustomerInfo(_ context.Context, _ string) (StripeCustomer, error) {
	return f.customer, f.err
}

func TestStripeVerifierPassesHealthyCustomer(t *testing.T) {
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	v := NewStripeVerifier(fakeStripe{customer: StripeCustomer{
		CreatedAt:              now.Add(-60 * 24 * time.Hour),
		SuccessfulPaymentCount: 3,
		Delinquent:             false,
	}}, DefaultStripeVerifierConfig())
	v.now = func() time.Time { return now }

	result, err := v.Verify(context.Background(), "acme")
	if err != nil {
		t.Fatal(err)
	}
	if !result.Verified {
		t.Fatalf("expected healthy customer to verify, reason=%q", result.Reason)
	}
}

func TestStripeVerifierRejectsDelinquent(t *testing.T) {
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	v := NewStripeVerifier(fakeStripe{customer: StripeCustomer{
		CreatedAt:              now.Add(-60 * 24 * time.Hour),
		SuccessfulPaymentCount: 3,
		Delinquent:             true,
	}}, DefaultStripeVerifierConfig())
	v.now = func() time.Time { return now }

	result, err := v.Verify(context.Background(), "acme")
	if err != nil {
		t.Fatal(err)
	}
	if result.Verified {
		t.Fatal("expected delinquent customer to fail verification")
	}
}

func TestStripeVerifierRequiresMatchingSubscription(t *testing.T) {
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	cfg := DefaultStripeVerifierConfig()
	cfg.RequireActiveSubscription = true
	cfg.RequiredProductIDs = []string{"prod_enterprise"}

	v := NewStripeVerifier(fakeStripe{customer: StripeCustomer{
		CreatedAt:              now.Add(-60 * 24 * time.Hour),
		SuccessfulPaymentCount: 3,
		ActiveSubscriptionIDs:  []string{"prod_starter"},
	}}, cfg)
	v.now = func() time.Time { return now }

	result, err := v.Verify(context.Background(), "acme")
	if err != nil {
		t.Fatal(err)
	}
	if result.Verified {
		t.Fatal("expected mismatched subscription product to fail verification")
	}
}

func TestManualVerifier(t *testing.T) {
	v := NewManualVerifier("acme", "globex")
	result, err := v.Verify(context.Background(), "acme")
	if err != nil {
		t.Fatal(err)
	}
	if !result.Verified {
		t.Fatal("expected allowlisted org to verify")
	}

	result, err = v.Verify(context.Background(), "initech")
	if err != nil {
		t.Fatal(err)
	}
	if result.Verified {
		t.Fatal("expected non-allowlisted org to fail verification")
	}
}
