/*
rules.go - Conditional activity rules

PURPOSE:
  Conditional activities delegate their eligibility decision to a rule
  registered for their activity id. The rule set is a finite,
  compile-time-registered table: no reflection, no registration after
  startup. A rule implements exactly two operations:

    Evaluate:      full availability verdict for (user, args)
    ApplyOnReward: optional side effect after a successful reward

  Rules receive the Store as a parameter rather than holding one, so
  the processor can hand them the transaction-scoped store while a
  claim is committing.

THE REFERRAL RULE:
  The sole concrete rule. Eligibility requires a referral code that
  resolves to another existing user, and that the claimant has never
  used a referral before. The side effect links the claimant to the
  referrer (at most once per user, never overwritten).

SEE ALSO:
  - evaluator.go: Dispatches conditional policies here
  - processor.go: Invokes ApplyOnReward inside the claim transaction
*/
package activity

import (
	"context"
	"fmt"
)

// =============================================================================
// RULE - Fixed two-operation capability
// =============================================================================

type Rule interface {
	// Evaluate returns the full availability verdict for the user.
	Evaluate(ctx context.Context, store Store, userID UserID, args Args) (Verdict, error)

	// ApplyOnReward runs the post-reward side effect. A non-nil user
	// supersedes the balance holder returned by the credit step.
	// Implementations must be idempotent.
	ApplyOnReward(ctx context.Context, store Store, userID UserID, args Args) (*User, error)
}

// RuleSet maps activity ids to their conditional rules. Built once at
// startup and read-only afterwards.
type RuleSet map[ActivityID]Rule

// DefaultRules returns the statically registered rule table.
func DefaultRules() RuleSet {
	return RuleSet{
		ActivityReferral: ReferralRule{},
	}
}

// =============================================================================
// REFERRAL RULE
// =============================================================================

// ReferralRule grants the referral bonus once per user, for a code
// naming another existing user's external identifier.
type ReferralRule struct{}

var _ Rule = ReferralRule{}

func (ReferralRule) Evaluate(ctx context.Context, store Store, userID UserID, args Args) (Verdict, error) {
	code := args[ArgReferrerCode]
	if code == "" {
		return unavailable(ReasonMissingReferralCode), nil
	}

	// Defensive: the authenticated path always has a user record.
	user, err := store.GetUser(ctx, userID)
	if err != nil {
		return Verdict{}, fmt.Errorf("load user %d: %w", userID, err)
	}
	if user == nil {
		return unavailable(ReasonUserNotFound), nil
	}
	if user.ExternalID == code {
		return unavailable(ReasonSelfReferral), nil
	}

	referrer, err := store.GetUserByExternalID(ctx, code)
	if err != nil {
		return Verdict{}, fmt.Errorf("resolve referral code: %w", err)
	}
	if referrer == nil {
		return unavailable(ReasonInvalidReferralCode), nil
	}

	count, err := store.Count(ctx, userID, ActivityReferral)
	if err != nil {
		return Verdict{}, fmt.Errorf("count referral claims: %w", err)
	}
	if count > 0 {
		return unavailable(ReasonReferralAlreadyUsed), nil
	}

	return available(), nil
}

// ApplyOnReward links the claimant to the referrer. The referrer is
// re-resolved from args: state may have changed since Evaluate, so an
// unresolvable code here is a no-op rather than a failure.
func (ReferralRule) ApplyOnReward(ctx context.Context, store Store, userID UserID, args Args) (*User, error) {
	code := args[ArgReferrerCode]
	if code == "" {
		return nil, nil
	}
	referrer, err := store.GetUserByExternalID(ctx, code)
	if err != nil {
		return nil, fmt.Errorf("resolve referral code: %w", err)
	}
	if referrer == nil {
		return nil, nil
	}
	user, err := store.SetReferredBy(ctx, userID, referrer.ID)
	if err != nil {
		return nil, fmt.Errorf("link referral: %w", err)
	}
	return user, nil
}
