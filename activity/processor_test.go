package activity_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/warp/activity-engine/activity"
	"github.com/warp/activity-engine/activity/store"
)

// =============================================================================
// TEST SETUP
// =============================================================================

func newTestProcessor(s activity.Store) *activity.Processor {
	p := activity.NewProcessor(activity.DefaultCatalog(), s, activity.DefaultRules())
	p.Now = func() time.Time { return testNow }
	p.Evaluator.Now = p.Now
	return p
}

// =============================================================================
// SCENARIO: ONCE ACTIVITY
// =============================================================================

func TestReward_Welcome_FirstClaimCreditsBalance(t *testing.T) {
	// GIVEN: A fresh user
	// WHEN: Claiming welcome
	// THEN: Balance +10, activity now unavailable

	ctx := context.Background()
	s := store.NewMemory()
	p := newTestProcessor(s)
	user := mustCreateUser(t, s, "alice")

	result, err := p.Reward(ctx, user.ID, activity.ActivityWelcome, nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !result.User.Balance.Equal(decimal.NewFromInt(10)) {
		t.Errorf("balance = %s, want 10", result.User.Balance)
	}
	if result.Availability.Available {
		t.Error("welcome should be unavailable after the claim")
	}
}

func TestReward_Welcome_SecondClaimRejected(t *testing.T) {
	// GIVEN: A user who already claimed welcome
	// WHEN: Claiming again
	// THEN: UnavailableError with the already-performed reason; balance unchanged

	ctx := context.Background()
	s := store.NewMemory()
	p := newTestProcessor(s)
	user := mustCreateUser(t, s, "alice")

	if _, err := p.Reward(ctx, user.ID, activity.ActivityWelcome, nil); err != nil {
		t.Fatalf("first claim: %v", err)
	}

	_, err := p.Reward(ctx, user.ID, activity.ActivityWelcome, nil)
	var unavailable *activity.UnavailableError
	if !errors.As(err, &unavailable) {
		t.Fatalf("expected UnavailableError, got %v", err)
	}
	if unavailable.Reason != activity.ReasonAlreadyPerformed {
		t.Errorf("reason = %q", unavailable.Reason)
	}

	after, _ := s.GetUser(ctx, user.ID)
	if !after.Balance.Equal(decimal.NewFromInt(10)) {
		t.Errorf("balance changed on rejected claim: %s", after.Balance)
	}
}

func TestReward_UnknownActivity_NotFound(t *testing.T) {
	ctx := context.Background()
	s := store.NewMemory()
	p := newTestProcessor(s)
	user := mustCreateUser(t, s, "alice")

	_, err := p.Reward(ctx, user.ID, "jackpot", nil)
	var notFound *activity.NotFoundError
	if !errors.As(err, &notFound) {
		t.Fatalf("expected NotFoundError, got %v", err)
	}
	if !activity.IsNotFound(err) {
		t.Error("IsNotFound should match")
	}
}

// =============================================================================
// SCENARIO: DAILY ACTIVITY
// =============================================================================

func TestReward_DailyLogin_OncePerUTCDay(t *testing.T) {
	// GIVEN: A user claims daily_login at noon
	// WHEN: Claiming again the same day, then after midnight
	// THEN: Same-day claim rejected with retry time; next-day claim succeeds

	ctx := context.Background()
	s := store.NewMemory()
	p := newTestProcessor(s)
	user := mustCreateUser(t, s, "alice")

	if _, err := p.Reward(ctx, user.ID, activity.ActivityDailyLogin, nil); err != nil {
		t.Fatalf("first claim: %v", err)
	}

	_, err := p.Reward(ctx, user.ID, activity.ActivityDailyLogin, nil)
	var unavailable *activity.UnavailableError
	if !errors.As(err, &unavailable) {
		t.Fatalf("expected UnavailableError, got %v", err)
	}
	if unavailable.Reason != activity.ReasonAlreadyClaimedToday {
		t.Errorf("reason = %q", unavailable.Reason)
	}
	wantNext := time.Date(2025, time.March, 11, 0, 0, 0, 0, time.UTC)
	if unavailable.NextAvailableAt == nil || !unavailable.NextAvailableAt.Equal(wantNext) {
		t.Errorf("NextAvailableAt = %v, want %v", unavailable.NextAvailableAt, wantNext)
	}

	// Advance the clock past midnight
	nextDay := testNow.Add(24 * time.Hour)
	p.Now = func() time.Time { return nextDay }
	p.Evaluator.Now = p.Now

	result, err := p.Reward(ctx, user.ID, activity.ActivityDailyLogin, nil)
	if err != nil {
		t.Fatalf("next-day claim: %v", err)
	}
	if !result.User.Balance.Equal(decimal.NewFromInt(10)) {
		t.Errorf("balance = %s, want 10 (two daily claims of 5)", result.User.Balance)
	}
}

// =============================================================================
// SCENARIO: REFERRAL
// =============================================================================

func TestReward_Referral_FullFlow(t *testing.T) {
	// GIVEN: Alice and Bob exist, Alice is unlinked
	// WHEN: Alice claims referral with Bob's code
	// THEN: Balance +20, alice linked to bob, second claim rejected

	ctx := context.Background()
	s := store.NewMemory()
	p := newTestProcessor(s)
	alice := mustCreateUser(t, s, "alice")
	bob := mustCreateUser(t, s, "bob")

	args := activity.Args{activity.ArgReferrerCode: "bob"}
	result, err := p.Reward(ctx, alice.ID, activity.ActivityReferral, args)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !result.User.Balance.Equal(decimal.NewFromInt(20)) {
		t.Errorf("balance = %s, want 20", result.User.Balance)
	}
	if result.User.ReferredByID == nil || *result.User.ReferredByID != bob.ID {
		t.Errorf("alice not linked to bob: %+v", result.User)
	}

	_, err = p.Reward(ctx, alice.ID, activity.ActivityReferral, args)
	var unavailable *activity.UnavailableError
	if !errors.As(err, &unavailable) {
		t.Fatalf("expected UnavailableError, got %v", err)
	}
	if unavailable.Reason != activity.ReasonReferralAlreadyUsed {
		t.Errorf("reason = %q", unavailable.Reason)
	}
}

func TestReward_Referral_InvalidCode_RejectedWithoutSideEffects(t *testing.T) {
	ctx := context.Background()
	s := store.NewMemory()
	p := newTestProcessor(s)
	alice := mustCreateUser(t, s, "alice")

	_, err := p.Reward(ctx, alice.ID, activity.ActivityReferral, activity.Args{activity.ArgReferrerCode: "ghost"})
	var unavailable *activity.UnavailableError
	if !errors.As(err, &unavailable) {
		t.Fatalf("expected UnavailableError, got %v", err)
	}
	if unavailable.Reason != activity.ReasonInvalidReferralCode {
		t.Errorf("reason = %q", unavailable.Reason)
	}

	after, _ := s.GetUser(ctx, alice.ID)
	if !after.Balance.IsZero() || after.ReferredByID != nil {
		t.Errorf("rejected claim mutated state: %+v", after)
	}
}

// =============================================================================
// CONCURRENCY - Exactly one winner
// =============================================================================

func TestReward_ConcurrentOnceClaims_ExactlyOneSucceeds(t *testing.T) {
	// GIVEN: N goroutines racing to claim welcome for the same user
	// WHEN: All fire at once
	// THEN: Exactly one success; losers get UnavailableError; balance
	//       is credited exactly once

	ctx := context.Background()
	s := store.NewMemory()
	p := newTestProcessor(s)
	user := mustCreateUser(t, s, "alice")

	const n = 32
	var wg sync.WaitGroup
	errs := make([]error, n)

	start := make(chan struct{})
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			<-start
			_, errs[i] = p.Reward(ctx, user.ID, activity.ActivityWelcome, nil)
		}(i)
	}
	close(start)
	wg.Wait()

	var successes, unavailables int
	for _, err := range errs {
		switch {
		case err == nil:
			successes++
		case activity.IsUnavailable(err):
			unavailables++
		default:
			t.Errorf("unexpected error kind: %v", err)
		}
	}
	if successes != 1 {
		t.Errorf("successes = %d, want exactly 1", successes)
	}
	if unavailables != n-1 {
		t.Errorf("unavailable rejections = %d, want %d", unavailables, n-1)
	}

	after, _ := s.GetUser(ctx, user.ID)
	if !after.Balance.Equal(decimal.NewFromInt(10)) {
		t.Errorf("balance = %s, want exactly one credit of 10", after.Balance)
	}

	count, _ := s.Count(ctx, user.ID, activity.ActivityWelcome)
	if count != 1 {
		t.Errorf("ledger has %d records, want 1", count)
	}
}

func TestReward_ConcurrentDailyClaims_ExactlyOneSucceedsPerDay(t *testing.T) {
	ctx := context.Background()
	s := store.NewMemory()
	p := newTestProcessor(s)
	user := mustCreateUser(t, s, "alice")

	const n = 16
	var wg sync.WaitGroup
	errs := make([]error, n)

	start := make(chan struct{})
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			<-start
			_, errs[i] = p.Reward(ctx, user.ID, activity.ActivityDailyLogin, nil)
		}(i)
	}
	close(start)
	wg.Wait()

	var successes int
	for _, err := range errs {
		if err == nil {
			successes++
		} else if !activity.IsUnavailable(err) {
			t.Errorf("unexpected error kind: %v", err)
		}
	}
	if successes != 1 {
		t.Errorf("successes = %d, want exactly 1", successes)
	}

	after, _ := s.GetUser(ctx, user.ID)
	if !after.Balance.Equal(decimal.NewFromInt(5)) {
		t.Errorf("balance = %s, want 5", after.Balance)
	}
}

// =============================================================================
// ATOMICITY - Failed side effect rolls the whole claim back
// =============================================================================

// failingRule accepts eligibility but fails its side effect.
type failingRule struct{}

func (failingRule) Evaluate(_ context.Context, _ activity.Store, _ activity.UserID, _ activity.Args) (activity.Verdict, error) {
	return activity.Verdict{Available: true}, nil
}

func (failingRule) ApplyOnReward(_ context.Context, _ activity.Store, _ activity.UserID, _ activity.Args) (*activity.User, error) {
	return nil, errors.New("side effect exploded")
}

func TestReward_SideEffectFailure_RollsBackRecordAndCredit(t *testing.T) {
	// GIVEN: A conditional activity whose side effect always fails
	// WHEN: Claiming it
	// THEN: No consumption record, no credit - and the claim can be retried

	ctx := context.Background()
	s := store.NewMemory()
	p := activity.NewProcessor(activity.DefaultCatalog(), s, activity.RuleSet{
		activity.ActivityReferral: failingRule{},
	})
	p.Now = func() time.Time { return testNow }
	p.Evaluator.Now = p.Now

	user := mustCreateUser(t, s, "alice")

	_, err := p.Reward(ctx, user.ID, activity.ActivityReferral, nil)
	if err == nil {
		t.Fatal("expected error from failing side effect")
	}
	if activity.IsUnavailable(err) || activity.IsNotFound(err) {
		t.Fatalf("side-effect failure must surface as internal, got %v", err)
	}

	after, _ := s.GetUser(ctx, user.ID)
	if !after.Balance.IsZero() {
		t.Errorf("credit not rolled back: balance = %s", after.Balance)
	}
	count, _ := s.Count(ctx, user.ID, activity.ActivityReferral)
	if count != 0 {
		t.Errorf("record not rolled back: count = %d", count)
	}
}
