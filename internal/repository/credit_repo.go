package repository

import (
	"context"
	"errors"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/phorium/credits/internal/models"
)

// ReversesEntryConstraint is the unique constraint that allows at most one
// refund per ledger entry.
const ReversesEntryConstraint = "credit_ledger_reverses_entry_id_key"

// ledgerColumns selects a credit_ledger row aliased as l, with the status
// derived from refund links.
const ledgerColumns = `
	l.id, l.user_id, l.delta, l.resulting_balance, l.reason, l.feature,
	CASE WHEN l.reverses_entry_id IS NOT NULL
	       OR EXISTS (SELECT 1 FROM credit_ledger r WHERE r.reverses_entry_id = l.id)
	     THEN 'reversed' ELSE 'applied' END,
	l.actor_id, l.label, l.reservation_id, l.reverses_entry_id,
	l.idempotency_key, l.metadata, l.created_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanLedgerEntry(row rowScanner) (*models.LedgerEntry, error) {
	var e models.LedgerEntry
	err := row.Scan(&e.ID, &e.UserID, &e.Delta, &e.ResultingBalance, &e.Reason, &e.Feature,
		&e.Status, &e.ActorID, &e.Label, &e.ReservationID, &e.ReversesEntryID,
		&e.IdempotencyKey, &e.Metadata, &e.CreatedAt)
	if err != nil {
		return nil, err
	}
	return &e, nil
}

// Drift is an account whose balance disagrees with the sum of its ledger rows.
type Drift struct {
	UserID    string
	Balance   int64
	LedgerSum int64
}

type CreditLedgerRepo struct {
	pool *pgxpool.Pool
}

func NewCreditLedgerRepo(pool *pgxpool.Pool) *CreditLedgerRepo {
	return &CreditLedgerRepo{pool: pool}
}

// InsertTx appends a ledger row inside the given transaction. created is false
// when a row with the same idempotency key already exists; nothing is written
// in that case.
func (r *CreditLedgerRepo) InsertTx(ctx context.Context, tx pgx.Tx, e *models.LedgerEntry) (created bool, err error) {
	err = tx.QueryRow(ctx, `
		INSERT INTO credit_ledger (id, user_id, delta, resulting_balance, reason, feature, actor_id, label, reservation_id, reverses_entry_id, idempotency_key, metadata)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
		ON CONFLICT (idempotency_key) DO NOTHING
		RETURNING created_at
	`, e.ID, e.UserID, e.Delta, e.ResultingBalance, e.Reason, e.Feature, e.ActorID, e.Label,
		e.ReservationID, e.ReversesEntryID, e.IdempotencyKey, e.Metadata).Scan(&e.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	e.Status = models.LedgerStatusApplied
	if e.ReversesEntryID != nil {
		e.Status = models.LedgerStatusReversed
	}
	return true, nil
}

// GetByIdempotencyKeyTx reads a row written earlier in, or committed before, tx.
func (r *CreditLedgerRepo) GetByIdempotencyKeyTx(ctx context.Context, tx pgx.Tx, key string) (*models.LedgerEntry, error) {
	e, err := scanLedgerEntry(tx.QueryRow(ctx, `SELECT `+ledgerColumns+` FROM credit_ledger l WHERE l.idempotency_key = $1`, key))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	return e, err
}

func (r *CreditLedgerRepo) GetByIdempotencyKey(ctx context.Context, key string) (*models.LedgerEntry, error) {
	e, err := scanLedgerEntry(r.pool.QueryRow(ctx, `SELECT `+ledgerColumns+` FROM credit_ledger l WHERE l.idempotency_key = $1`, key))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	return e, err
}

func (r *CreditLedgerRepo) GetByID(ctx context.Context, id uuid.UUID) (*models.LedgerEntry, error) {
	e, err := scanLedgerEntry(r.pool.QueryRow(ctx, `SELECT `+ledgerColumns+` FROM credit_ledger l WHERE l.id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	return e, err
}

// ListByUserID returns the newest entries first. UUIDv7 ids sort by creation.
func (r *CreditLedgerRepo) ListByUserID(ctx context.Context, userID string, limit int) ([]*models.LedgerEntry, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT `+ledgerColumns+`
		FROM credit_ledger l WHERE l.user_id = $1
		ORDER BY l.id DESC LIMIT $2
	`, userID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var list []*models.LedgerEntry
	for rows.Next() {
		e, err := scanLedgerEntry(rows)
		if err != nil {
			return nil, err
		}
		list = append(list, e)
	}
	return list, rows.Err()
}

// SumByUserID returns the sum of all deltas for a user. Refund pairs cancel,
// so this equals the sum over applied rows.
func (r *CreditLedgerRepo) SumByUserID(ctx context.Context, userID string) (int64, error) {
	var sum int64
	err := r.pool.QueryRow(ctx, `
		SELECT COALESCE(SUM(delta), 0)::BIGINT FROM credit_ledger WHERE user_id = $1
	`, userID).Scan(&sum)
	return sum, err
}

// ListDrift returns accounts whose balance differs from their ledger sum.
func (r *CreditLedgerRepo) ListDrift(ctx context.Context, limit int) ([]Drift, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT a.user_id, a.balance, COALESCE(SUM(l.delta), 0)::BIGINT AS ledger_sum
		FROM credit_accounts a
		LEFT JOIN credit_ledger l ON l.user_id = a.user_id
		GROUP BY a.user_id, a.balance
		HAVING a.balance <> COALESCE(SUM(l.delta), 0)
		ORDER BY a.user_id
		LIMIT $1
	`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []Drift
	for rows.Next() {
		var d Drift
		if err := rows.Scan(&d.UserID, &d.Balance, &d.LedgerSum); err != nil {
			return nil, err
		}
		out = append(out, d)
	}
	return out, rows.Err()
}
