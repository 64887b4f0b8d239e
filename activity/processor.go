/*
processor.go - The reward pipeline

PURPOSE:
  Orchestrates the end-to-end claim:

    evaluate -> record -> credit -> side effect -> re-evaluate

  and owns the guarantee that a reward is issued at most once per
  eligibility window.

ATOMICITY:
  Record, credit, and side effect run inside a single store
  transaction (TxStore.WithTx). Either all three commit or none do; a
  consumption record without its balance credit cannot exist.

THE RACE:
  Two concurrent claims can both observe "available" before either
  records. The ledger's claim-scope uniqueness constraint decides the
  winner: the losing insert fails with ErrDuplicateClaim, which the
  processor converts into the authoritative Unavailable outcome by
  re-evaluating - not an internal error.

RETRIES:
  None. A store failure mid-pipeline rolls the claim back and surfaces
  as an internal error; the caller decides whether to re-issue the
  whole claim.

SEE ALSO:
  - evaluator.go: Steps 2 and 6
  - rules.go: Step 5
  - store.go: TxStore contract
*/
package activity

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// RewardResult is the response snapshot of a successful claim.
type RewardResult struct {
	// User is the balance holder after crediting and side effects.
	User *User

	// Activity is the catalog definition that was claimed.
	Activity Activity

	// Availability reflects the now-recorded consumption.
	Availability Verdict
}

// Processor executes reward claims.
type Processor struct {
	Catalog   *Catalog
	Store     Store
	Rules     RuleSet
	Evaluator *Evaluator

	// Now is injectable for tests; defaults to time.Now.
	Now func() time.Time
}

// NewProcessor wires a processor and its evaluator over one store and
// rule set.
func NewProcessor(catalog *Catalog, store Store, rules RuleSet) *Processor {
	return &Processor{
		Catalog:   catalog,
		Store:     store,
		Rules:     rules,
		Evaluator: NewEvaluator(store, rules),
		Now:       time.Now,
	}
}

// Reward claims the activity for the user: checks availability,
// records the consumption, credits the balance, applies the rule side
// effect, and returns the final state. No state is mutated when the
// activity is unknown or unavailable.
func (p *Processor) Reward(ctx context.Context, userID UserID, activityID ActivityID, args Args) (*RewardResult, error) {
	act, ok := p.Catalog.ByID(activityID)
	if !ok {
		return nil, &NotFoundError{ActivityID: activityID}
	}

	verdict, err := p.Evaluator.Evaluate(ctx, userID, act, args)
	if err != nil {
		return nil, fmt.Errorf("evaluate %s: %w", activityID, err)
	}
	if !verdict.Available {
		return nil, NewUnavailableError(verdict)
	}

	user, err := p.claim(ctx, userID, act, args)
	if errors.Is(err, ErrDuplicateClaim) {
		// Lost the race: someone else recorded the claim between our
		// evaluate and insert. Re-evaluate for the authoritative
		// rejection (correct reason and next-available time).
		verdict, verr := p.Evaluator.Evaluate(ctx, userID, act, args)
		if verr != nil {
			return nil, fmt.Errorf("re-evaluate %s after lost race: %w", activityID, verr)
		}
		if verdict.Available {
			// The constraint said otherwise; trust it over the read.
			verdict = unavailable(ReasonAlreadyPerformed)
		}
		return nil, NewUnavailableError(verdict)
	}
	if err != nil {
		return nil, fmt.Errorf("claim %s for user %d: %w", activityID, userID, err)
	}

	// Response snapshot, reflecting the recorded consumption.
	after, err := p.Evaluator.Evaluate(ctx, userID, act, nil)
	if err != nil {
		return nil, fmt.Errorf("evaluate %s after claim: %w", activityID, err)
	}

	return &RewardResult{User: user, Activity: act, Availability: after}, nil
}

// claim runs the mutating steps. When the store supports transactions
// the three steps are all-or-nothing.
func (p *Processor) claim(ctx context.Context, userID UserID, act Activity, args Args) (*User, error) {
	var user *User

	apply := func(s Store) error {
		rec := ConsumptionRecord{
			ID:         uuid.NewString(),
			UserID:     userID,
			ActivityID: act.ID,
			ConsumedAt: p.Now().UTC(),
			Scope:      act.ClaimScope(),
			Metadata:   args,
		}
		if err := s.Insert(ctx, rec); err != nil {
			return err
		}

		u, err := s.IncrementBalance(ctx, userID, act.Reward)
		if err != nil {
			return err
		}
		user = u

		if rule, ok := p.Rules[act.ID]; ok {
			updated, err := rule.ApplyOnReward(ctx, s, userID, args)
			if err != nil {
				return err
			}
			if updated != nil {
				user = updated
			}
		}
		return nil
	}

	if ts, ok := p.Store.(TxStore); ok {
		if err := ts.WithTx(ctx, apply); err != nil {
			return nil, err
		}
		return user, nil
	}
	if err := apply(p.Store); err != nil {
		return nil, err
	}
	return user, nil
}
