package services

import (
	"context"
	"errors"
	"math"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/phorium/credits/internal/models"
	"github.com/phorium/credits/internal/repository"
)

// ---------------------------------------------------------------------------
// memDB is an in-memory stand-in for the credits schema. Top-level
// transactions are serialized through txLock; every write inside a
// transaction registers an undo step so Rollback restores the prior state.
// Savepoints hand their undo steps to the parent on Commit.
// ---------------------------------------------------------------------------

type memDB struct {
	txLock sync.Mutex
	mu     sync.Mutex

	accounts     map[string]int64
	ledger       []*models.LedgerEntry
	reservations map[string]*models.Reservation

	beginErr      error
	getBalanceErr error
	failInserts   int
}

func newMemDB() *memDB {
	return &memDB{
		accounts:     make(map[string]int64),
		reservations: make(map[string]*models.Reservation),
	}
}

func (db *memDB) Begin(context.Context) (pgx.Tx, error) {
	db.mu.Lock()
	err := db.beginErr
	db.mu.Unlock()
	if err != nil {
		return nil, err
	}
	db.txLock.Lock()
	return &memTx{db: db}, nil
}

func (db *memDB) seed(userID string, balance int64) {
	db.mu.Lock()
	defer db.mu.Unlock()
	db.accounts[userID] = balance
}

func (db *memDB) balance(userID string) (int64, bool) {
	db.mu.Lock()
	defer db.mu.Unlock()
	b, ok := db.accounts[userID]
	return b, ok
}

func (db *memDB) entries(userID string) []*models.LedgerEntry {
	db.mu.Lock()
	defer db.mu.Unlock()
	var out []*models.LedgerEntry
	for _, e := range db.ledger {
		if e.UserID == userID {
			out = append(out, db.withStatus(e))
		}
	}
	return out
}

func (db *memDB) reservationByID(id uuid.UUID) *models.Reservation {
	db.mu.Lock()
	defer db.mu.Unlock()
	for _, r := range db.reservations {
		if r.ID == id {
			cp := *r
			return &cp
		}
	}
	return nil
}

func (db *memDB) setFailInserts(n int) {
	db.mu.Lock()
	defer db.mu.Unlock()
	db.failInserts = n
}

// withStatus copies e with its derived status. Caller holds db.mu.
func (db *memDB) withStatus(e *models.LedgerEntry) *models.LedgerEntry {
	cp := *e
	cp.Status = models.LedgerStatusApplied
	if cp.ReversesEntryID != nil {
		cp.Status = models.LedgerStatusReversed
	}
	for _, o := range db.ledger {
		if o.ReversesEntryID != nil && *o.ReversesEntryID == e.ID {
			cp.Status = models.LedgerStatusReversed
		}
	}
	return &cp
}

// ---------------------------------------------------------------------------
// memTx
// ---------------------------------------------------------------------------

type memTx struct {
	db     *memDB
	parent *memTx
	undo   []func()
	closed bool
}

func (t *memTx) onRollback(f func()) { t.undo = append(t.undo, f) }

func (t *memTx) Begin(context.Context) (pgx.Tx, error) {
	if t.closed {
		return nil, pgx.ErrTxClosed
	}
	return &memTx{db: t.db, parent: t}, nil
}

func (t *memTx) Commit(context.Context) error {
	if t.closed {
		return pgx.ErrTxClosed
	}
	t.closed = true
	if t.parent != nil {
		t.parent.undo = append(t.parent.undo, t.undo...)
		return nil
	}
	t.db.txLock.Unlock()
	return nil
}

func (t *memTx) Rollback(context.Context) error {
	if t.closed {
		return pgx.ErrTxClosed
	}
	t.closed = true
	t.db.mu.Lock()
	for i := len(t.undo) - 1; i >= 0; i-- {
		t.undo[i]()
	}
	t.db.mu.Unlock()
	if t.parent == nil {
		t.db.txLock.Unlock()
	}
	return nil
}

func (t *memTx) Exec(context.Context, string, ...any) (pgconn.CommandTag, error) {
	return pgconn.CommandTag{}, nil
}
func (t *memTx) Query(context.Context, string, ...any) (pgx.Rows, error) { return nil, nil }
func (t *memTx) QueryRow(context.Context, string, ...any) pgx.Row        { return nil }
func (t *memTx) CopyFrom(context.Context, pgx.Identifier, []string, pgx.CopyFromSource) (int64, error) {
	return 0, nil
}
func (t *memTx) SendBatch(context.Context, *pgx.Batch) pgx.BatchResults { return nil }
func (t *memTx) LargeObjects() pgx.LargeObjects                         { return pgx.LargeObjects{} }
func (t *memTx) Prepare(context.Context, string, string) (*pgconn.StatementDescription, error) {
	return nil, nil
}
func (t *memTx) Conn() *pgx.Conn { return nil }

func asMem(tx pgx.Tx) *memTx { return tx.(*memTx) }

// ---------------------------------------------------------------------------
// memAccounts implements AccountStore.
// ---------------------------------------------------------------------------

type memAccounts struct{ db *memDB }

func (m memAccounts) GetBalance(_ context.Context, userID string) (int64, error) {
	m.db.mu.Lock()
	defer m.db.mu.Unlock()
	if m.db.getBalanceErr != nil {
		return 0, m.db.getBalanceErr
	}
	b, ok := m.db.accounts[userID]
	if !ok {
		return 0, repository.ErrAccountNotFound
	}
	return b, nil
}

func (m memAccounts) BalanceTx(ctx context.Context, _ pgx.Tx, userID string) (int64, error) {
	return m.GetBalance(ctx, userID)
}

func (m memAccounts) CreateTx(_ context.Context, tx pgx.Tx, userID string) (bool, error) {
	m.db.mu.Lock()
	defer m.db.mu.Unlock()
	if _, ok := m.db.accounts[userID]; ok {
		return false, nil
	}
	m.db.accounts[userID] = 0
	asMem(tx).onRollback(func() { delete(m.db.accounts, userID) })
	return true, nil
}

func (m memAccounts) ApplyDeltaTx(_ context.Context, tx pgx.Tx, userID string, delta int64) (int64, bool, error) {
	m.db.mu.Lock()
	defer m.db.mu.Unlock()
	b, ok := m.db.accounts[userID]
	if !ok {
		return 0, false, repository.ErrAccountNotFound
	}
	if delta > 0 && b > math.MaxInt64-delta {
		return 0, false, &pgconn.PgError{Code: "22003", Message: "bigint out of range"}
	}
	if b+delta < 0 {
		return 0, false, nil
	}
	m.db.accounts[userID] = b + delta
	asMem(tx).onRollback(func() { m.db.accounts[userID] = b })
	return b + delta, true, nil
}

// ---------------------------------------------------------------------------
// memLedger implements LedgerReader and ledger.EntryStore.
// ---------------------------------------------------------------------------

type memLedger struct{ db *memDB }

func (m memLedger) InsertTx(_ context.Context, tx pgx.Tx, e *models.LedgerEntry) (bool, error) {
	m.db.mu.Lock()
	defer m.db.mu.Unlock()
	if m.db.failInserts > 0 {
		m.db.failInserts--
		return false, errors.New("conn closed")
	}
	for _, o := range m.db.ledger {
		if o.IdempotencyKey == e.IdempotencyKey {
			return false, nil
		}
		if e.ReversesEntryID != nil && o.ReversesEntryID != nil && *o.ReversesEntryID == *e.ReversesEntryID {
			return false, &pgconn.PgError{Code: "23505", ConstraintName: repository.ReversesEntryConstraint}
		}
	}
	e.CreatedAt = time.Now().UTC()
	e.Status = models.LedgerStatusApplied
	if e.ReversesEntryID != nil {
		e.Status = models.LedgerStatusReversed
	}
	cp := *e
	n := len(m.db.ledger)
	m.db.ledger = append(m.db.ledger, &cp)
	asMem(tx).onRollback(func() { m.db.ledger = m.db.ledger[:n] })
	return true, nil
}

func (m memLedger) GetByIdempotencyKeyTx(ctx context.Context, _ pgx.Tx, key string) (*models.LedgerEntry, error) {
	return m.GetByIdempotencyKey(ctx, key)
}

func (m memLedger) GetByIdempotencyKey(_ context.Context, key string) (*models.LedgerEntry, error) {
	m.db.mu.Lock()
	defer m.db.mu.Unlock()
	for _, e := range m.db.ledger {
		if e.IdempotencyKey == key {
			return m.db.withStatus(e), nil
		}
	}
	return nil, repository.ErrNotFound
}

func (m memLedger) GetByID(_ context.Context, id uuid.UUID) (*models.LedgerEntry, error) {
	m.db.mu.Lock()
	defer m.db.mu.Unlock()
	for _, e := range m.db.ledger {
		if e.ID == id {
			return m.db.withStatus(e), nil
		}
	}
	return nil, repository.ErrNotFound
}

func (m memLedger) ListByUserID(_ context.Context, userID string, limit int) ([]*models.LedgerEntry, error) {
	m.db.mu.Lock()
	defer m.db.mu.Unlock()
	var out []*models.LedgerEntry
	for i := len(m.db.ledger) - 1; i >= 0 && len(out) < limit; i-- {
		if e := m.db.ledger[i]; e.UserID == userID {
			out = append(out, m.db.withStatus(e))
		}
	}
	return out, nil
}

func (m memLedger) SumByUserID(_ context.Context, userID string) (int64, error) {
	m.db.mu.Lock()
	defer m.db.mu.Unlock()
	var sum int64
	for _, e := range m.db.ledger {
		if e.UserID == userID {
			sum += e.Delta
		}
	}
	return sum, nil
}

// ---------------------------------------------------------------------------
// memReservations implements ReservationStore.
// ---------------------------------------------------------------------------

type memReservations struct{ db *memDB }

func (m memReservations) Create(_ context.Context, res *models.Reservation) error {
	m.db.mu.Lock()
	defer m.db.mu.Unlock()
	res.CreatedAt = time.Now().UTC()
	cp := *res
	m.db.reservations[res.TokenHash] = &cp
	return nil
}

func (m memReservations) ClaimTx(_ context.Context, tx pgx.Tx, hash string, to models.ReservationState, reason *string, now time.Time) (*models.Reservation, error) {
	m.db.mu.Lock()
	defer m.db.mu.Unlock()
	r, ok := m.db.reservations[hash]
	if !ok || r.State != models.ReservationPending || !r.ExpiresAt.After(now) {
		return nil, repository.ErrNotFound
	}
	prev := *r
	asMem(tx).onRollback(func() { *r = prev })
	r.State = to
	r.FailureReason = reason
	settled := now
	r.SettledAt = &settled
	cp := *r
	return &cp, nil
}

func (m memReservations) find(id uuid.UUID) *models.Reservation {
	for _, r := range m.db.reservations {
		if r.ID == id {
			return r
		}
	}
	return nil
}

func (m memReservations) LinkLedgerEntryTx(_ context.Context, tx pgx.Tx, id, entryID uuid.UUID) error {
	m.db.mu.Lock()
	defer m.db.mu.Unlock()
	r := m.find(id)
	if r == nil {
		return repository.ErrNotFound
	}
	prev := *r
	asMem(tx).onRollback(func() { *r = prev })
	r.LedgerEntryID = &entryID
	return nil
}

func (m memReservations) MarkRaceDeniedTx(_ context.Context, tx pgx.Tx, id uuid.UUID) error {
	m.db.mu.Lock()
	defer m.db.mu.Unlock()
	r := m.find(id)
	if r == nil {
		return repository.ErrNotFound
	}
	prev := *r
	asMem(tx).onRollback(func() { *r = prev })
	reason := ReasonInsufficientFunds
	r.State = models.ReservationRaceDenied
	r.FailureReason = &reason
	return nil
}

func (m memReservations) GetByTokenHash(_ context.Context, hash string) (*models.Reservation, error) {
	m.db.mu.Lock()
	defer m.db.mu.Unlock()
	r, ok := m.db.reservations[hash]
	if !ok {
		return nil, repository.ErrNotFound
	}
	cp := *r
	return &cp, nil
}

func (m memReservations) Expire(_ context.Context, id uuid.UUID, now time.Time) (bool, error) {
	m.db.mu.Lock()
	defer m.db.mu.Unlock()
	r := m.find(id)
	if r == nil || r.State != models.ReservationPending || now.Before(r.ExpiresAt) {
		return false, nil
	}
	r.State = models.ReservationExpired
	r.SettledAt = &now
	return true, nil
}

func (m memReservations) ExpireOverdue(_ context.Context, now time.Time, limit int) ([]*models.Reservation, error) {
	m.db.mu.Lock()
	defer m.db.mu.Unlock()
	var due []*models.Reservation
	for _, r := range m.db.reservations {
		if r.State == models.ReservationPending && !now.Before(r.ExpiresAt) {
			due = append(due, r)
		}
	}
	sort.Slice(due, func(i, j int) bool { return due[i].ExpiresAt.Before(due[j].ExpiresAt) })
	if len(due) > limit {
		due = due[:limit]
	}
	out := make([]*models.Reservation, 0, len(due))
	for _, r := range due {
		r.State = models.ReservationExpired
		r.SettledAt = &now
		cp := *r
		out = append(out, &cp)
	}
	return out, nil
}

// ---------------------------------------------------------------------------
// Telemetry, cache and metrics fakes
// ---------------------------------------------------------------------------

type memUsage struct {
	mu       sync.Mutex
	attempts []*models.UsageAttempt
}

func (m *memUsage) Record(a *models.UsageAttempt) {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *a
	m.attempts = append(m.attempts, &cp)
}

func (m *memUsage) outcomes() []models.UsageOutcome {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]models.UsageOutcome, 0, len(m.attempts))
	for _, a := range m.attempts {
		out = append(out, a.Outcome)
	}
	return out
}

func (m *memUsage) last() *models.UsageAttempt {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.attempts) == 0 {
		return nil
	}
	return m.attempts[len(m.attempts)-1]
}

type memCache struct {
	mu       sync.Mutex
	balances map[string]int64
}

func newMemCache() *memCache { return &memCache{balances: make(map[string]int64)} }

func (c *memCache) Get(_ context.Context, userID string) (int64, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	b, ok := c.balances[userID]
	return b, ok
}

func (c *memCache) Set(_ context.Context, userID string, balance int64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.balances[userID] = balance
}

func (c *memCache) Invalidate(_ context.Context, userID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.balances, userID)
}

type countingAlarms struct {
	mu    sync.Mutex
	kinds []string
}

func (a *countingAlarms) ConsistencyAlarm(kind string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.kinds = append(a.kinds, kind)
}

func (a *countingAlarms) count() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.kinds)
}
