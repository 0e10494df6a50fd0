package auth

import (
	"context"
	"errors"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/phorium/credits/internal/models"
)

// OperatorStore persists admin API operators.
type OperatorStore interface {
	Create(ctx context.Context, op *models.Operator) error
	GetByEmail(ctx context.Context, email string) (*models.Operator, error)
}

type Repository struct {
	pool *pgxpool.Pool
}

func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

var _ OperatorStore = (*Repository)(nil)

// Create inserts a new operator and fills CreatedAt.
func (r *Repository) Create(ctx context.Context, op *models.Operator) error {
	if op.ID == uuid.Nil {
		op.ID = uuid.Must(uuid.NewV7())
	}
	return r.pool.QueryRow(ctx, `
		INSERT INTO operators (id, email, display_name, role, password_hash)
		VALUES ($1, $2, $3, $4, $5)
		RETURNING created_at
	`, op.ID, op.Email, op.DisplayName, op.Role, op.PasswordHash).Scan(&op.CreatedAt)
}

// GetByEmail returns the operator for login. Returns nil if not found.
func (r *Repository) GetByEmail(ctx context.Context, email string) (*models.Operator, error) {
	var op models.Operator
	err := r.pool.QueryRow(ctx, `
		SELECT id, email, display_name, role, password_hash, created_at
		FROM operators WHERE email = $1
	`, email).Scan(&op.ID, &op.Email, &op.DisplayName, &op.Role, &op.PasswordHash, &op.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &op, nil
}
