/*
Package activity provides the core activity availability and reward engine.

PURPOSE:
  This package contains the domain types and algorithms for granting
  one-time or rate-limited rewards to users for completing named
  activities (a welcome bonus, a daily login, a referral). The engine
  decides whether a user may claim an activity right now, records the
  claim, credits the balance, and runs activity-specific side effects.

KEY CONCEPTS IN THIS FILE (types.go):
  - Activity: An immutable catalog entry with a reward and a policy
  - PolicyKind: How often the activity may be claimed (once/daily/conditional)
  - ConsumptionRecord: An immutable fact that a user claimed an activity
  - Verdict: The computed availability answer for (user, activity, now)
  - User: The balance holder, with an optional one-time referral link

DESIGN PRINCIPLES:
  1. Immutability: consumption records are never updated or deleted
  2. Precision: decimal.Decimal for reward amounts and balances
  3. Determinism: a Verdict depends only on the ledger contents and "now"
  4. Policy over schema: the storage permits many records per
     (user, activity); the policy decides how many are meaningful

SEE ALSO:
  - catalog.go: Activity definitions and lookup
  - evaluator.go: Availability decisions
  - rules.go: Conditional rules (referral)
  - processor.go: The reward pipeline
  - store.go: Persistence interfaces
*/
package activity

import (
	"time"

	"github.com/shopspring/decimal"
)

// =============================================================================
// IDENTIFIERS
// =============================================================================

// UserID is the numeric identifier issued by the identity collaborator.
type UserID int64

// ActivityID identifies a catalog entry.
type ActivityID string

// Activity ids shipped in the default catalog.
const (
	ActivityWelcome    ActivityID = "welcome"
	ActivityDailyLogin ActivityID = "daily_login"
	ActivityReferral   ActivityID = "referral"
)

// =============================================================================
// POLICY - How often an activity may be claimed
// =============================================================================

type PolicyKind string

const (
	// PolicyOnce allows a single lifetime claim.
	PolicyOnce PolicyKind = "once"

	// PolicyDaily allows one claim per UTC calendar day.
	PolicyDaily PolicyKind = "daily"

	// PolicyConditional delegates eligibility to a registered rule.
	PolicyConditional PolicyKind = "conditional"
)

// Valid reports whether k is one of the closed policy set.
func (k PolicyKind) Valid() bool {
	switch k {
	case PolicyOnce, PolicyDaily, PolicyConditional:
		return true
	}
	return false
}

// ClaimScope is the uniqueness window the ledger enforces on insert.
// It is derived from the policy, never chosen by callers.
type ClaimScope string

const (
	// ScopeLifetime: at most one record per (user, activity), ever.
	ScopeLifetime ClaimScope = "lifetime"

	// ScopeDay: at most one record per (user, activity, UTC day).
	ScopeDay ClaimScope = "day"
)

// =============================================================================
// ACTIVITY - Immutable catalog entry
// =============================================================================

type Activity struct {
	ID     ActivityID
	Name   string
	Reward decimal.Decimal
	Policy PolicyKind
}

// ClaimScope returns the ledger uniqueness window for this activity's
// policy. Conditional activities fall back to lifetime uniqueness, the
// same safe default the evaluator uses when no rule is registered.
func (a Activity) ClaimScope() ClaimScope {
	if a.Policy == PolicyDaily {
		return ScopeDay
	}
	return ScopeLifetime
}

// =============================================================================
// ARGS - Caller-supplied arguments for conditional activities
// =============================================================================

// Args carries optional activity arguments (e.g. the referral code).
// Recorded verbatim as consumption metadata.
type Args map[string]string

// ArgReferrerCode is the args key holding the referrer's external id.
const ArgReferrerCode = "referrer_code"

// =============================================================================
// CONSUMPTION RECORD - Append-only claim fact
// =============================================================================

// ConsumptionRecord is created exactly once per successful reward and
// is never updated or deleted afterwards.
type ConsumptionRecord struct {
	ID         string
	UserID     UserID
	ActivityID ActivityID
	ConsumedAt time.Time
	Scope      ClaimScope
	Metadata   Args
	CreatedAt  time.Time
}

// =============================================================================
// VERDICT - Computed availability, never persisted
// =============================================================================

type Verdict struct {
	Available       bool
	NextAvailableAt *time.Time
	Reason          string
}

// Availability reasons surfaced to callers. These are business
// outcomes, not faults.
const (
	ReasonAlreadyPerformed    = "Activity already performed"
	ReasonAlreadyClaimedToday = "Activity already claimed today"
	ReasonMissingReferralCode = "Missing referral code"
	ReasonUserNotFound        = "User not found"
	ReasonSelfReferral        = "Cannot refer yourself"
	ReasonInvalidReferralCode = "Invalid referral code"
	ReasonReferralAlreadyUsed = "Referral already used"
)

func available() Verdict {
	return Verdict{Available: true}
}

func unavailable(reason string) Verdict {
	return Verdict{Available: false, Reason: reason}
}

// =============================================================================
// USER - Balance holder
// =============================================================================

// User is the balance holder the engine credits. ReferredByID is set
// at most once, as a side effect of a successful referral reward.
type User struct {
	ID           UserID
	ExternalID   string
	Balance      decimal.Decimal
	ReferredByID *UserID
	CreatedAt    time.Time
}

// =============================================================================
// TIME HELPERS
// =============================================================================

// StartOfUTCDay returns the most recent UTC midnight at or before t.
func StartOfUTCDay(t time.Time) time.Time {
	t = t.UTC()
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
}

// UTCDay formats t's UTC calendar day, the ledger's day-uniqueness key.
func UTCDay(t time.Time) string {
	return t.UTC().Format("2006-01-02")
}
