/*
Package sqlite provides the SQLite-backed implementation of the storage
interfaces.

PURPOSE:
  Implements activity.TxStore and activity.LedgerLister using SQLite.
  In production, the same patterns apply to PostgreSQL - only minor SQL
  dialect differences.

KEY TABLES:
  users:        Balance holders, keyed by internal id, unique external id
  consumptions: Append-only claim ledger

UNIQUENESS ENFORCEMENT:
  Claim-scope uniqueness lives in the schema, not in application code.
  Two partial unique indexes guard the ledger:
  - idx_unique_lifetime_claim: one row per (user, activity) for
    lifetime-scoped claims
  - idx_unique_day_claim: one row per (user, activity, UTC day) for
    day-scoped claims
  A violated index surfaces as activity.ErrDuplicateClaim, which is how
  concurrent claims are serialized: the database picks the winner.

APPEND-ONLY ENFORCEMENT:
  No UPDATE or DELETE statements touch the consumptions table.

CONCURRENCY:
  Uses sync.RWMutex for thread-safety. In production with PostgreSQL,
  database-level concurrency control handles this instead. Internal
  helpers take an explicit querier and never touch the mutex, so the
  transaction-scoped store can reuse them while WithTx holds the lock.

WAL MODE:
  SQLite is opened with WAL (Write-Ahead Logging) for better concurrency
  and crash recovery. Foreign keys are enabled.

USAGE:
  store, err := sqlite.New("./data/activities.db")
  if err != nil {
      log.Fatal(err)
  }
  defer store.Close()

MIGRATION:
  Schema is auto-migrated on New(). For production, use a proper
  migration tool (golang-migrate, goose) with versioned migrations.

SEE ALSO:
  - activity/store.go: Interface definitions
  - activity/store/memory.go: In-memory implementation for testing
*/
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/shopspring/decimal"

	"github.com/warp/activity-engine/activity"
)

// Store implements activity.TxStore and activity.LedgerLister.
type Store struct {
	db *sql.DB
	mu sync.RWMutex
}

var _ activity.TxStore = (*Store)(nil)
var _ activity.LedgerLister = (*Store)(nil)

// New opens (or creates) the database at dbPath and migrates the
// schema. Use ":memory:" for an in-memory database.
func New(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite3", dbPath+"?_foreign_keys=on&_journal_mode=WAL")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	store := &Store{db: db}
	if err := store.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}

	return store, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// migrate creates the database schema.
func (s *Store) migrate() error {
	schema := `
	-- Balance holders
	CREATE TABLE IF NOT EXISTS users (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		external_id TEXT NOT NULL UNIQUE,
		balance TEXT NOT NULL DEFAULT '0',
		referred_by_id INTEGER REFERENCES users(id),
		created_at TEXT NOT NULL
	);

	-- Consumptions (append-only claim ledger)
	CREATE TABLE IF NOT EXISTS consumptions (
		id TEXT PRIMARY KEY,
		user_id INTEGER NOT NULL REFERENCES users(id),
		activity_id TEXT NOT NULL,
		consumed_at TEXT NOT NULL,
		day TEXT NOT NULL,
		claim_scope TEXT NOT NULL,
		metadata_json TEXT,
		created_at TEXT NOT NULL
	);

	-- CRITICAL: claim-scope uniqueness. A lifetime-scoped activity can
	-- be claimed at most once per user; a day-scoped activity at most
	-- once per user per UTC day. Racing inserts are decided here.
	CREATE UNIQUE INDEX IF NOT EXISTS idx_unique_lifetime_claim
		ON consumptions(user_id, activity_id)
		WHERE claim_scope = 'lifetime';
	CREATE UNIQUE INDEX IF NOT EXISTS idx_unique_day_claim
		ON consumptions(user_id, activity_id, day)
		WHERE claim_scope = 'day';

	-- Hot path: availability checks count and scan per (user, activity)
	CREATE INDEX IF NOT EXISTS idx_consumptions_user_activity
		ON consumptions(user_id, activity_id, consumed_at DESC);

	-- Activity-wide scans (backfill)
	CREATE INDEX IF NOT EXISTS idx_consumptions_activity
		ON consumptions(activity_id, consumed_at);
	`

	_, err := s.db.Exec(schema)
	return err
}

// querier is the subset of *sql.DB and *sql.Tx the internal helpers
// need. Keeping the helpers mutex-free lets the transaction-scoped
// store reuse them while WithTx holds the write lock.
type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// =============================================================================
// LEDGER (activity.Ledger interface)
// =============================================================================

// Count returns the number of claims for (user, activity) across all time.
func (s *Store) Count(ctx context.Context, userID activity.UserID, activityID activity.ActivityID) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return s.countClaims(ctx, s.db, userID, activityID)
}

func (s *Store) countClaims(ctx context.Context, q querier, userID activity.UserID, activityID activity.ActivityID) (int, error) {
	var count int
	err := q.QueryRowContext(ctx,
		"SELECT COUNT(*) FROM consumptions WHERE user_id = ? AND activity_id = ?",
		int64(userID), string(activityID),
	).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("failed to count consumptions: %w", err)
	}
	return count, nil
}

// Latest returns the most recent claim at or after since, or nil.
func (s *Store) Latest(ctx context.Context, userID activity.UserID, activityID activity.ActivityID, since time.Time) (*activity.ConsumptionRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return s.latestClaim(ctx, s.db, userID, activityID, since)
}

func (s *Store) latestClaim(ctx context.Context, q querier, userID activity.UserID, activityID activity.ActivityID, since time.Time) (*activity.ConsumptionRecord, error) {
	query := `
		SELECT id, user_id, activity_id, consumed_at, claim_scope, metadata_json, created_at
		FROM consumptions
		WHERE user_id = ? AND activity_id = ? AND consumed_at >= ?
		ORDER BY consumed_at DESC
		LIMIT 1
	`

	rec, err := scanConsumption(q.QueryRowContext(ctx, query,
		int64(userID), string(activityID), since.UTC().Format(time.RFC3339Nano)))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load latest consumption: %w", err)
	}
	return rec, nil
}

// Insert appends a claim to the ledger. A claim-scope uniqueness
// violation surfaces as activity.ErrDuplicateClaim.
func (s *Store) Insert(ctx context.Context, rec activity.ConsumptionRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.insertClaim(ctx, s.db, rec)
}

func (s *Store) insertClaim(ctx context.Context, q querier, rec activity.ConsumptionRecord) error {
	var metadataJSON *string
	if len(rec.Metadata) > 0 {
		b, _ := json.Marshal(rec.Metadata)
		str := string(b)
		metadataJSON = &str
	}

	createdAt := rec.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now().UTC()
	}

	query := `
		INSERT INTO consumptions
		(id, user_id, activity_id, consumed_at, day, claim_scope, metadata_json, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`

	_, err := q.ExecContext(ctx, query,
		rec.ID,
		int64(rec.UserID),
		string(rec.ActivityID),
		rec.ConsumedAt.UTC().Format(time.RFC3339Nano),
		activity.UTCDay(rec.ConsumedAt),
		string(rec.Scope),
		metadataJSON,
		createdAt.Format(time.RFC3339Nano),
	)
	if err != nil {
		if isUniqueConstraintError(err) {
			return activity.ErrDuplicateClaim
		}
		return fmt.Errorf("failed to insert consumption: %w", err)
	}
	return nil
}

// ListByActivity returns every claim of the activity across all users,
// ordered by consumption time.
func (s *Store) ListByActivity(ctx context.Context, activityID activity.ActivityID) ([]activity.ConsumptionRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	query := `
		SELECT id, user_id, activity_id, consumed_at, claim_scope, metadata_json, created_at
		FROM consumptions
		WHERE activity_id = ?
		ORDER BY consumed_at ASC
	`

	rows, err := s.db.QueryContext(ctx, query, string(activityID))
	if err != nil {
		return nil, fmt.Errorf("failed to query consumptions: %w", err)
	}
	defer rows.Close()

	var records []activity.ConsumptionRecord
	for rows.Next() {
		rec, err := scanConsumption(rows)
		if err != nil {
			return nil, err
		}
		records = append(records, *rec)
	}
	return records, rows.Err()
}

// rowScanner abstracts *sql.Row and *sql.Rows.
type rowScanner interface {
	Scan(dest ...any) error
}

func scanConsumption(row rowScanner) (*activity.ConsumptionRecord, error) {
	var (
		rec          activity.ConsumptionRecord
		userID       int64
		activityID   string
		consumedAt   string
		scope        string
		metadataJSON sql.NullString
		createdAt    string
	)

	err := row.Scan(&rec.ID, &userID, &activityID, &consumedAt, &scope, &metadataJSON, &createdAt)
	if err != nil {
		return nil, err
	}

	rec.UserID = activity.UserID(userID)
	rec.ActivityID = activity.ActivityID(activityID)
	rec.ConsumedAt, _ = time.Parse(time.RFC3339Nano, consumedAt)
	rec.Scope = activity.ClaimScope(scope)
	rec.CreatedAt, _ = time.Parse(time.RFC3339Nano, createdAt)

	if metadataJSON.Valid && metadataJSON.String != "" {
		json.Unmarshal([]byte(metadataJSON.String), &rec.Metadata)
	}

	return &rec, nil
}

// =============================================================================
// USER STORE (activity.UserStore interface)
// =============================================================================

// GetUser returns the user or nil when absent.
func (s *Store) GetUser(ctx context.Context, id activity.UserID) (*activity.User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return s.getUser(ctx, s.db, id)
}

func (s *Store) getUser(ctx context.Context, q querier, id activity.UserID) (*activity.User, error) {
	row := q.QueryRowContext(ctx,
		"SELECT id, external_id, balance, referred_by_id, created_at FROM users WHERE id = ?",
		int64(id),
	)
	return scanUser(row)
}

// GetUserByExternalID returns the user holding the external identifier,
// or nil when absent.
func (s *Store) GetUserByExternalID(ctx context.Context, externalID string) (*activity.User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return s.getUserByExternalID(ctx, s.db, externalID)
}

func (s *Store) getUserByExternalID(ctx context.Context, q querier, externalID string) (*activity.User, error) {
	row := q.QueryRowContext(ctx,
		"SELECT id, external_id, balance, referred_by_id, created_at FROM users WHERE external_id = ?",
		externalID,
	)
	return scanUser(row)
}

// CreateUser registers a user with a zero balance.
func (s *Store) CreateUser(ctx context.Context, externalID string) (*activity.User, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.createUser(ctx, s.db, externalID)
}

func (s *Store) createUser(ctx context.Context, q querier, externalID string) (*activity.User, error) {
	now := time.Now().UTC()
	res, err := q.ExecContext(ctx,
		"INSERT INTO users (external_id, balance, created_at) VALUES (?, '0', ?)",
		externalID, now.Format(time.RFC3339Nano),
	)
	if err != nil {
		if isUniqueConstraintError(err) {
			return nil, activity.ErrDuplicateClaim
		}
		return nil, fmt.Errorf("failed to create user: %w", err)
	}

	id, err := res.LastInsertId()
	if err != nil {
		return nil, fmt.Errorf("failed to read user id: %w", err)
	}

	return &activity.User{
		ID:         activity.UserID(id),
		ExternalID: externalID,
		Balance:    decimal.Zero,
		CreatedAt:  now,
	}, nil
}

// IncrementBalance atomically adds amount to the user's balance.
// Balances are decimal strings, so the arithmetic happens here rather
// than in SQL; the top-level call wraps read and write in its own
// transaction.
func (s *Store) IncrementBalance(ctx context.Context, id activity.UserID, amount decimal.Decimal) (*activity.User, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	sqlTx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer sqlTx.Rollback()

	user, err := s.incrementBalance(ctx, sqlTx, id, amount)
	if err != nil {
		return nil, err
	}
	if err := sqlTx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit balance update: %w", err)
	}
	return user, nil
}

func (s *Store) incrementBalance(ctx context.Context, q querier, id activity.UserID, amount decimal.Decimal) (*activity.User, error) {
	user, err := s.getUser(ctx, q, id)
	if err != nil {
		return nil, err
	}
	if user == nil {
		return nil, activity.ErrUserNotFound
	}

	user.Balance = user.Balance.Add(amount)
	_, err = q.ExecContext(ctx,
		"UPDATE users SET balance = ? WHERE id = ?",
		user.Balance.String(), int64(id),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to update balance: %w", err)
	}
	return user, nil
}

// SetReferredBy links the user to their referrer. Idempotent: an
// already-linked user is left unchanged.
func (s *Store) SetReferredBy(ctx context.Context, id, referrerID activity.UserID) (*activity.User, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.setReferredBy(ctx, s.db, id, referrerID)
}

func (s *Store) setReferredBy(ctx context.Context, q querier, id, referrerID activity.UserID) (*activity.User, error) {
	_, err := q.ExecContext(ctx,
		"UPDATE users SET referred_by_id = ? WHERE id = ? AND referred_by_id IS NULL",
		int64(referrerID), int64(id),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to set referrer: %w", err)
	}

	user, err := s.getUser(ctx, q, id)
	if err != nil {
		return nil, err
	}
	if user == nil {
		return nil, activity.ErrUserNotFound
	}
	return user, nil
}

func scanUser(row rowScanner) (*activity.User, error) {
	var (
		u            activity.User
		id           int64
		balance      string
		referredByID sql.NullInt64
		createdAt    string
	)

	err := row.Scan(&id, &u.ExternalID, &balance, &referredByID, &createdAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to scan user: %w", err)
	}

	u.ID = activity.UserID(id)
	u.Balance, err = decimal.NewFromString(balance)
	if err != nil {
		return nil, fmt.Errorf("failed to parse balance %q: %w", balance, err)
	}
	if referredByID.Valid {
		ref := activity.UserID(referredByID.Int64)
		u.ReferredByID = &ref
	}
	u.CreatedAt, _ = time.Parse(time.RFC3339Nano, createdAt)

	return &u, nil
}

// =============================================================================
// TRANSACTIONAL STORE (activity.TxStore interface)
// =============================================================================

// WithTx executes fn within a database transaction. Any error from fn
// rolls the transaction back.
func (s *Store) WithTx(ctx context.Context, fn func(store activity.Store) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	sqlTx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer sqlTx.Rollback()

	if err := fn(&txStore{tx: sqlTx, parent: s}); err != nil {
		return err
	}

	return sqlTx.Commit()
}

// txStore routes all operations through the enclosing *sql.Tx. It
// never touches the parent's mutex; WithTx already holds it.
type txStore struct {
	tx     *sql.Tx
	parent *Store
}

func (ts *txStore) Count(ctx context.Context, userID activity.UserID, activityID activity.ActivityID) (int, error) {
	return ts.parent.countClaims(ctx, ts.tx, userID, activityID)
}

func (ts *txStore) Latest(ctx context.Context, userID activity.UserID, activityID activity.ActivityID, since time.Time) (*activity.ConsumptionRecord, error) {
	return ts.parent.latestClaim(ctx, ts.tx, userID, activityID, since)
}

func (ts *txStore) Insert(ctx context.Context, rec activity.ConsumptionRecord) error {
	return ts.parent.insertClaim(ctx, ts.tx, rec)
}

func (ts *txStore) GetUser(ctx context.Context, id activity.UserID) (*activity.User, error) {
	return ts.parent.getUser(ctx, ts.tx, id)
}

func (ts *txStore) GetUserByExternalID(ctx context.Context, externalID string) (*activity.User, error) {
	return ts.parent.getUserByExternalID(ctx, ts.tx, externalID)
}

func (ts *txStore) CreateUser(ctx context.Context, externalID string) (*activity.User, error) {
	return ts.parent.createUser(ctx, ts.tx, externalID)
}

func (ts *txStore) IncrementBalance(ctx context.Context, id activity.UserID, amount decimal.Decimal) (*activity.User, error) {
	return ts.parent.incrementBalance(ctx, ts.tx, id, amount)
}

func (ts *txStore) SetReferredBy(ctx context.Context, id, referrerID activity.UserID) (*activity.User, error) {
	return ts.parent.setReferredBy(ctx, ts.tx, id, referrerID)
}

// =============================================================================
// UTILITIES
// =============================================================================

// Reset clears all data (for testing/demo).
func (s *Store) Reset(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, table := range []string{"consumptions", "users"} {
		if _, err := s.db.ExecContext(ctx, "DELETE FROM "+table); err != nil {
			return err
		}
	}
	return nil
}

func isUniqueConstraintError(err error) bool {
	return err != nil && (strings.Contains(err.Error(), "UNIQUE constraint failed") ||
		strings.Contains(err.Error(), "duplicate key"))
}
