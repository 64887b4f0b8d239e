/*
store.go - Persistence interfaces consumed by the engine

PURPOSE:
  Defines the contract between the engine and its storage. The engine
  owns no persistence technology; any implementation satisfying these
  interfaces is interchangeable. Two ship with the module:
  activity/store (in-memory, tests and dev) and store/sqlite
  (production).

LEDGER CONTRACT:
  The consumption ledger is append-only: Insert is the only write, and
  it is guarded by a uniqueness constraint derived from the record's
  claim scope:
    - ScopeLifetime: unique per (user, activity)
    - ScopeDay:      unique per (user, activity, UTC day)
  A violated constraint MUST surface as ErrDuplicateClaim. This is how
  the check-then-act race between evaluating and recording a claim is
  resolved: exactly one of two racing inserts succeeds, and the loser
  receives the authoritative "already claimed" outcome.

ATOMIC CLAIMS:
  TxStore.WithTx runs the record/credit/side-effect steps of a reward
  in one transaction: either all of them commit or none do. A
  recorded-but-uncredited claim is therefore impossible.

SEE ALSO:
  - activity/store/memory.go: In-memory implementation
  - store/sqlite/sqlite.go: SQLite implementation
  - processor.go: The only writer
*/
package activity

import (
	"context"
	"time"

	"github.com/shopspring/decimal"
)

// =============================================================================
// LEDGER - Append-only consumption store
// =============================================================================

// Ledger exposes the three operations the evaluator and processor
// depend on. No update, no delete.
type Ledger interface {
	// Count returns the number of consumption records for
	// (user, activity) across all time.
	Count(ctx context.Context, userID UserID, activityID ActivityID) (int, error)

	// Latest returns the most recent record for (user, activity) with
	// ConsumedAt >= since, or nil when none exists.
	Latest(ctx context.Context, userID UserID, activityID ActivityID, since time.Time) (*ConsumptionRecord, error)

	// Insert appends a record. Returns ErrDuplicateClaim when the
	// record's claim scope is already occupied.
	Insert(ctx context.Context, rec ConsumptionRecord) error
}

// LedgerLister extends Ledger with an activity-wide scan, used by the
// referral backfill command.
type LedgerLister interface {
	Ledger

	// ListByActivity returns every record for the activity across all
	// users, ordered by ConsumedAt.
	ListByActivity(ctx context.Context, activityID ActivityID) ([]ConsumptionRecord, error)
}

// =============================================================================
// USER STORE - Balance holder operations
// =============================================================================

type UserStore interface {
	// GetUser returns the user or nil when absent.
	GetUser(ctx context.Context, id UserID) (*User, error)

	// GetUserByExternalID resolves a user by the identity provider's
	// identifier (the value referral codes carry). Nil when absent.
	GetUserByExternalID(ctx context.Context, externalID string) (*User, error)

	// CreateUser registers a user record with a zero balance.
	CreateUser(ctx context.Context, externalID string) (*User, error)

	// IncrementBalance atomically adds amount to the user's balance and
	// returns the updated user. ErrUserNotFound when the user is absent.
	IncrementBalance(ctx context.Context, id UserID, amount decimal.Decimal) (*User, error)

	// SetReferredBy links the user to their referrer. Idempotent: a
	// no-op returning the current user when the link is already set.
	SetReferredBy(ctx context.Context, id, referrerID UserID) (*User, error)
}

// =============================================================================
// COMBINED STORE
// =============================================================================

// Store is the full persistence surface the engine consumes.
type Store interface {
	Ledger
	UserStore
}

// TxStore wraps Store with transaction support. The processor uses it
// to make the record/credit/side-effect pipeline all-or-nothing.
type TxStore interface {
	Store

	// WithTx executes fn against a transaction-scoped Store.
	// If fn returns an error the transaction is rolled back.
	WithTx(ctx context.Context, fn func(Store) error) error
}
