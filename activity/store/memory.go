// Package store provides an in-memory Store implementation for tests
// and development. It enforces the same claim-scope uniqueness and
// transaction semantics as the SQLite store.
package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"github.com/warp/activity-engine/activity"
)

// =============================================================================
// MEMORY STORE
// =============================================================================

type Memory struct {
	mu sync.RWMutex

	nextID     activity.UserID
	users      map[activity.UserID]activity.User
	byExternal map[string]activity.UserID

	records  map[recKey][]activity.ConsumptionRecord
	lifetime map[recKey]bool
	daily    map[dayKey]bool
}

type recKey struct {
	UserID     activity.UserID
	ActivityID activity.ActivityID
}

type dayKey struct {
	recKey
	Day string
}

func NewMemory() *Memory {
	return &Memory{
		users:      make(map[activity.UserID]activity.User),
		byExternal: make(map[string]activity.UserID),
		records:    make(map[recKey][]activity.ConsumptionRecord),
		lifetime:   make(map[recKey]bool),
		daily:      make(map[dayKey]bool),
	}
}

var _ activity.TxStore = (*Memory)(nil)
var _ activity.LedgerLister = (*Memory)(nil)

// =============================================================================
// LEDGER
// =============================================================================

func (m *Memory) Count(_ context.Context, userID activity.UserID, activityID activity.ActivityID) (int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.records[recKey{userID, activityID}]), nil
}

func (m *Memory) Latest(_ context.Context, userID activity.UserID, activityID activity.ActivityID, since time.Time) (*activity.ConsumptionRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.latestLocked(userID, activityID, since), nil
}

func (m *Memory) Insert(_ context.Context, rec activity.ConsumptionRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.insertLocked(rec)
}

func (m *Memory) ListByActivity(_ context.Context, activityID activity.ActivityID) ([]activity.ConsumptionRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []activity.ConsumptionRecord
	for k, recs := range m.records {
		if k.ActivityID == activityID {
			out = append(out, recs...)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ConsumedAt.Before(out[j].ConsumedAt) })
	return out, nil
}

func (m *Memory) latestLocked(userID activity.UserID, activityID activity.ActivityID, since time.Time) *activity.ConsumptionRecord {
	var latest *activity.ConsumptionRecord
	for _, rec := range m.records[recKey{userID, activityID}] {
		if rec.ConsumedAt.Before(since) {
			continue
		}
		if latest == nil || rec.ConsumedAt.After(latest.ConsumedAt) {
			r := rec
			latest = &r
		}
	}
	return latest
}

func (m *Memory) insertLocked(rec activity.ConsumptionRecord) error {
	k := recKey{rec.UserID, rec.ActivityID}

	switch rec.Scope {
	case activity.ScopeLifetime:
		if m.lifetime[k] {
			return activity.ErrDuplicateClaim
		}
	case activity.ScopeDay:
		dk := dayKey{k, activity.UTCDay(rec.ConsumedAt)}
		if m.daily[dk] {
			return activity.ErrDuplicateClaim
		}
	}

	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = time.Now().UTC()
	}
	m.records[k] = append(m.records[k], rec)

	switch rec.Scope {
	case activity.ScopeLifetime:
		m.lifetime[k] = true
	case activity.ScopeDay:
		m.daily[dayKey{k, activity.UTCDay(rec.ConsumedAt)}] = true
	}
	return nil
}

// =============================================================================
// USER STORE
// =============================================================================

func (m *Memory) GetUser(_ context.Context, id activity.UserID) (*activity.User, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.getUserLocked(id), nil
}

func (m *Memory) GetUserByExternalID(_ context.Context, externalID string) (*activity.User, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	id, ok := m.byExternal[externalID]
	if !ok {
		return nil, nil
	}
	return m.getUserLocked(id), nil
}

func (m *Memory) CreateUser(_ context.Context, externalID string) (*activity.User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.createUserLocked(externalID)
}

func (m *Memory) IncrementBalance(_ context.Context, id activity.UserID, amount decimal.Decimal) (*activity.User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.incrementBalanceLocked(id, amount)
}

func (m *Memory) SetReferredBy(_ context.Context, id, referrerID activity.UserID) (*activity.User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.setReferredByLocked(id, referrerID)
}

func (m *Memory) getUserLocked(id activity.UserID) *activity.User {
	u, ok := m.users[id]
	if !ok {
		return nil
	}
	return copyUser(u)
}

func (m *Memory) createUserLocked(externalID string) (*activity.User, error) {
	if _, exists := m.byExternal[externalID]; exists {
		return nil, activity.ErrDuplicateClaim
	}
	m.nextID++
	u := activity.User{
		ID:         m.nextID,
		ExternalID: externalID,
		Balance:    decimal.Zero,
		CreatedAt:  time.Now().UTC(),
	}
	m.users[u.ID] = u
	m.byExternal[externalID] = u.ID
	return copyUser(u), nil
}

func (m *Memory) incrementBalanceLocked(id activity.UserID, amount decimal.Decimal) (*activity.User, error) {
	u, ok := m.users[id]
	if !ok {
		return nil, activity.ErrUserNotFound
	}
	u.Balance = u.Balance.Add(amount)
	m.users[id] = u
	return copyUser(u), nil
}

func (m *Memory) setReferredByLocked(id, referrerID activity.UserID) (*activity.User, error) {
	u, ok := m.users[id]
	if !ok {
		return nil, activity.ErrUserNotFound
	}
	if u.ReferredByID == nil {
		ref := referrerID
		u.ReferredByID = &ref
		m.users[id] = u
	}
	return copyUser(u), nil
}

func copyUser(u activity.User) *activity.User {
	out := u
	if u.ReferredByID != nil {
		ref := *u.ReferredByID
		out.ReferredByID = &ref
	}
	return &out
}

// =============================================================================
// TRANSACTIONS - Snapshot and rollback
// =============================================================================

// WithTx executes fn while holding the store lock. On error the
// pre-transaction state is restored.
func (m *Memory) WithTx(_ context.Context, fn func(activity.Store) error) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	snap := m.snapshot()
	if err := fn(&txView{parent: m}); err != nil {
		m.restore(snap)
		return err
	}
	return nil
}

type memorySnapshot struct {
	nextID     activity.UserID
	users      map[activity.UserID]activity.User
	byExternal map[string]activity.UserID
	records    map[recKey][]activity.ConsumptionRecord
	lifetime   map[recKey]bool
	daily      map[dayKey]bool
}

func (m *Memory) snapshot() memorySnapshot {
	snap := memorySnapshot{
		nextID:     m.nextID,
		users:      make(map[activity.UserID]activity.User, len(m.users)),
		byExternal: make(map[string]activity.UserID, len(m.byExternal)),
		records:    make(map[recKey][]activity.ConsumptionRecord, len(m.records)),
		lifetime:   make(map[recKey]bool, len(m.lifetime)),
		daily:      make(map[dayKey]bool, len(m.daily)),
	}
	for k, v := range m.users {
		snap.users[k] = v
	}
	for k, v := range m.byExternal {
		snap.byExternal[k] = v
	}
	for k, v := range m.records {
		snap.records[k] = append([]activity.ConsumptionRecord{}, v...)
	}
	for k, v := range m.lifetime {
		snap.lifetime[k] = v
	}
	for k, v := range m.daily {
		snap.daily[k] = v
	}
	return snap
}

func (m *Memory) restore(snap memorySnapshot) {
	m.nextID = snap.nextID
	m.users = snap.users
	m.byExternal = snap.byExternal
	m.records = snap.records
	m.lifetime = snap.lifetime
	m.daily = snap.daily
}

// txView routes operations to the parent's unlocked internals; the
// parent holds the lock for the duration of the transaction.
type txView struct {
	parent *Memory
}

func (tv *txView) Count(_ context.Context, userID activity.UserID, activityID activity.ActivityID) (int, error) {
	return len(tv.parent.records[recKey{userID, activityID}]), nil
}

func (tv *txView) Latest(_ context.Context, userID activity.UserID, activityID activity.ActivityID, since time.Time) (*activity.ConsumptionRecord, error) {
	return tv.parent.latestLocked(userID, activityID, since), nil
}

func (tv *txView) Insert(_ context.Context, rec activity.ConsumptionRecord) error {
	return tv.parent.insertLocked(rec)
}

func (tv *txView) GetUser(_ context.Context, id activity.UserID) (*activity.User, error) {
	return tv.parent.getUserLocked(id), nil
}

func (tv *txView) GetUserByExternalID(_ context.Context, externalID string) (*activity.User, error) {
	id, ok := tv.parent.byExternal[externalID]
	if !ok {
		return nil, nil
	}
	return tv.parent.getUserLocked(id), nil
}

func (tv *txView) CreateUser(_ context.Context, externalID string) (*activity.User, error) {
	return tv.parent.createUserLocked(externalID)
}

func (tv *txView) IncrementBalance(_ context.Context, id activity.UserID, amount decimal.Decimal) (*activity.User, error) {
	return tv.parent.incrementBalanceLocked(id, amount)
}

func (tv *txView) SetReferredBy(_ context.Context, id, referrerID activity.UserID) (*activity.User, error) {
	return tv.parent.setReferredByLocked(id, referrerID)
}
