/*
evaluator.go - Availability decisions

PURPOSE:
  The evaluator answers "can user U claim activity A now". It never
  mutates state and is safe to call repeatedly and concurrently. Given
  the same ledger contents and the same now, the verdict is identical.

POLICY SEMANTICS:
  Once:        available iff no record exists for (user, activity)
  Daily:       available iff no record exists since the current UTC
               midnight; otherwise NextAvailableAt is the next midnight
  Conditional: delegates to the registered rule; falls back to Once
               semantics when no rule is registered
  Unknown tag: unavailable (defensive; the policy set is closed)

SEE ALSO:
  - rules.go: Conditional rule dispatch
  - processor.go: Calls Evaluate before and after a claim
*/
package activity

import (
	"context"
	"fmt"
	"time"
)

// Evaluator computes availability verdicts against a ledger.
type Evaluator struct {
	Store Store
	Rules RuleSet

	// Now is injectable for tests; defaults to time.Now.
	Now func() time.Time
}

// NewEvaluator builds an evaluator over the store and rule set.
func NewEvaluator(store Store, rules RuleSet) *Evaluator {
	return &Evaluator{Store: store, Rules: rules, Now: time.Now}
}

// Evaluate returns the availability verdict for (user, activity, now).
// Read-only.
func (e *Evaluator) Evaluate(ctx context.Context, userID UserID, act Activity, args Args) (Verdict, error) {
	switch act.Policy {
	case PolicyOnce:
		return e.evaluateOnce(ctx, userID, act.ID)

	case PolicyDaily:
		return e.evaluateDaily(ctx, userID, act.ID)

	case PolicyConditional:
		rule, ok := e.Rules[act.ID]
		if !ok {
			// No rule registered: once semantics is the safe default.
			return e.evaluateOnce(ctx, userID, act.ID)
		}
		return rule.Evaluate(ctx, e.Store, userID, args)

	default:
		return unavailable(""), nil
	}
}

func (e *Evaluator) evaluateOnce(ctx context.Context, userID UserID, activityID ActivityID) (Verdict, error) {
	count, err := e.Store.Count(ctx, userID, activityID)
	if err != nil {
		return Verdict{}, fmt.Errorf("count claims for %s: %w", activityID, err)
	}
	if count > 0 {
		// Permanently closed: no NextAvailableAt.
		return unavailable(ReasonAlreadyPerformed), nil
	}
	return available(), nil
}

func (e *Evaluator) evaluateDaily(ctx context.Context, userID UserID, activityID ActivityID) (Verdict, error) {
	startOfDay := StartOfUTCDay(e.Now())
	rec, err := e.Store.Latest(ctx, userID, activityID, startOfDay)
	if err != nil {
		return Verdict{}, fmt.Errorf("load latest claim for %s: %w", activityID, err)
	}
	if rec != nil {
		next := startOfDay.Add(24 * time.Hour)
		return Verdict{Available: false, NextAvailableAt: &next, Reason: ReasonAlreadyClaimedToday}, nil
	}
	return available(), nil
}
