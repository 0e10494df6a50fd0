package repository

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/phorium/credits/internal/models"
)

const reservationColumns = `
	id, token_hash, user_id, feature, amount, state, failure_reason,
	ledger_entry_id, expires_at, created_at, settled_at`

func scanReservation(row rowScanner) (*models.Reservation, error) {
	var res models.Reservation
	err := row.Scan(&res.ID, &res.TokenHash, &res.UserID, &res.Feature, &res.Amount, &res.State,
		&res.FailureReason, &res.LedgerEntryID, &res.ExpiresAt, &res.CreatedAt, &res.SettledAt)
	if err != nil {
		return nil, err
	}
	return &res, nil
}

// ReservationRepo persists permission tokens (usage_reservations).
type ReservationRepo struct {
	pool *pgxpool.Pool
}

func NewReservationRepo(pool *pgxpool.Pool) *ReservationRepo {
	return &ReservationRepo{pool: pool}
}

func (r *ReservationRepo) Create(ctx context.Context, res *models.Reservation) error {
	return r.pool.QueryRow(ctx, `
		INSERT INTO usage_reservations (id, token_hash, user_id, feature, amount, state, expires_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		RETURNING created_at
	`, res.ID, res.TokenHash, res.UserID, res.Feature, res.Amount, res.State, res.ExpiresAt).Scan(&res.CreatedAt)
}

// ClaimTx moves a pending, unexpired reservation to the given terminal state.
// It returns ErrNotFound when the token is unknown, already settled or
// expired; the caller inspects the row to tell those apart.
func (r *ReservationRepo) ClaimTx(ctx context.Context, tx pgx.Tx, tokenHash string, to models.ReservationState, failureReason *string, now time.Time) (*models.Reservation, error) {
	res, err := scanReservation(tx.QueryRow(ctx, `
		UPDATE usage_reservations
		SET state = $2, failure_reason = $3, settled_at = $4
		WHERE token_hash = $1 AND state = 'pending' AND expires_at > $4
		RETURNING `+reservationColumns,
		tokenHash, to, failureReason, now))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	return res, err
}

// LinkLedgerEntryTx records the debit entry of a succeeded reservation.
func (r *ReservationRepo) LinkLedgerEntryTx(ctx context.Context, tx pgx.Tx, id, entryID uuid.UUID) error {
	_, err := tx.Exec(ctx, `
		UPDATE usage_reservations SET ledger_entry_id = $2 WHERE id = $1
	`, id, entryID)
	return err
}

// MarkRaceDeniedTx overrides a claimed reservation whose debit was refused.
func (r *ReservationRepo) MarkRaceDeniedTx(ctx context.Context, tx pgx.Tx, id uuid.UUID) error {
	_, err := tx.Exec(ctx, `
		UPDATE usage_reservations SET state = 'race_denied', failure_reason = 'insufficient_funds' WHERE id = $1
	`, id)
	return err
}

func (r *ReservationRepo) GetByTokenHash(ctx context.Context, tokenHash string) (*models.Reservation, error) {
	res, err := scanReservation(r.pool.QueryRow(ctx, `
		SELECT `+reservationColumns+` FROM usage_reservations WHERE token_hash = $1
	`, tokenHash))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	return res, err
}

// Expire marks one overdue pending reservation as expired. It reports false
// when the row was no longer pending or not yet due.
func (r *ReservationRepo) Expire(ctx context.Context, id uuid.UUID, now time.Time) (bool, error) {
	tag, err := r.pool.Exec(ctx, `
		UPDATE usage_reservations
		SET state = 'expired', failure_reason = 'token_expired', settled_at = $2
		WHERE id = $1 AND state = 'pending' AND expires_at <= $2
	`, id, now)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() == 1, nil
}

// ExpireOverdue expires up to limit overdue pending reservations and returns
// them. Concurrent sweepers skip each other's rows.
func (r *ReservationRepo) ExpireOverdue(ctx context.Context, now time.Time, limit int) ([]*models.Reservation, error) {
	rows, err := r.pool.Query(ctx, `
		UPDATE usage_reservations
		SET state = 'expired', failure_reason = 'token_expired', settled_at = $1
		WHERE id IN (
			SELECT id FROM usage_reservations
			WHERE state = 'pending' AND expires_at <= $1
			ORDER BY expires_at
			LIMIT $2
			FOR UPDATE SKIP LOCKED
		)
		RETURNING `+reservationColumns,
		now, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []*models.Reservation
	for rows.Next() {
		res, err := scanReservation(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, res)
	}
	return out, rows.Err()
}
