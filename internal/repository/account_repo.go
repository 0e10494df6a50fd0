package repository

import (
	"context"
	"errors"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/phorium/credits/internal/models"
)

type AccountRepo struct {
	pool *pgxpool.Pool
}

func NewAccountRepo(pool *pgxpool.Pool) *AccountRepo {
	return &AccountRepo{pool: pool}
}

// Get returns the account row or ErrAccountNotFound.
func (r *AccountRepo) Get(ctx context.Context, userID string) (*models.Account, error) {
	var a models.Account
	err := r.pool.QueryRow(ctx, `
		SELECT user_id, balance, created_at, updated_at
		FROM credit_accounts WHERE user_id = $1
	`, userID).Scan(&a.UserID, &a.Balance, &a.CreatedAt, &a.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrAccountNotFound
	}
	if err != nil {
		return nil, err
	}
	return &a, nil
}

// GetBalance returns the committed balance or ErrAccountNotFound.
func (r *AccountRepo) GetBalance(ctx context.Context, userID string) (int64, error) {
	var balance int64
	err := r.pool.QueryRow(ctx, `
		SELECT balance FROM credit_accounts WHERE user_id = $1
	`, userID).Scan(&balance)
	if errors.Is(err, pgx.ErrNoRows) {
		return 0, ErrAccountNotFound
	}
	return balance, err
}

// BalanceTx reads the balance inside tx.
func (r *AccountRepo) BalanceTx(ctx context.Context, tx pgx.Tx, userID string) (int64, error) {
	var balance int64
	err := tx.QueryRow(ctx, `
		SELECT balance FROM credit_accounts WHERE user_id = $1
	`, userID).Scan(&balance)
	if errors.Is(err, pgx.ErrNoRows) {
		return 0, ErrAccountNotFound
	}
	return balance, err
}

// CreateTx inserts a zero-balance account. created is false when the row
// already existed.
func (r *AccountRepo) CreateTx(ctx context.Context, tx pgx.Tx, userID string) (created bool, err error) {
	tag, err := tx.Exec(ctx, `
		INSERT INTO credit_accounts (user_id, balance) VALUES ($1, 0)
		ON CONFLICT (user_id) DO NOTHING
	`, userID)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() == 1, nil
}

// ApplyDeltaTx adds delta to the balance in a single conditional statement.
// ok is false (with a nil error) when the result would be negative; a missing
// account yields ErrAccountNotFound.
func (r *AccountRepo) ApplyDeltaTx(ctx context.Context, tx pgx.Tx, userID string, delta int64) (newBalance int64, ok bool, err error) {
	err = tx.QueryRow(ctx, `
		UPDATE credit_accounts SET balance = balance + $2, updated_at = now()
		WHERE user_id = $1 AND balance + $2 >= 0
		RETURNING balance
	`, userID, delta).Scan(&newBalance)
	if err == nil {
		return newBalance, true, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return 0, false, err
	}

	var exists bool
	if err := tx.QueryRow(ctx, `
		SELECT EXISTS (SELECT 1 FROM credit_accounts WHERE user_id = $1)
	`, userID).Scan(&exists); err != nil {
		return 0, false, err
	}
	if !exists {
		return 0, false, ErrAccountNotFound
	}
	return 0, false, nil
}

// List returns accounts ordered by user_id, starting after the given cursor.
func (r *AccountRepo) List(ctx context.Context, after string, limit int) ([]*models.Account, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT user_id, balance, created_at, updated_at
		FROM credit_accounts WHERE user_id > $1
		ORDER BY user_id LIMIT $2
	`, after, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var list []*models.Account
	for rows.Next() {
		var a models.Account
		if err := rows.Scan(&a.UserID, &a.Balance, &a.CreatedAt, &a.UpdatedAt); err != nil {
			return nil, err
		}
		list = append(list, &a)
	}
	return list, rows.Err()
}
