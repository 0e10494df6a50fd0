package repository

import (
	"context"
	"encoding/json"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/phorium/credits/internal/models"
)

// UsageRepo stores telemetry rows. Nothing here is authoritative for balances.
type UsageRepo struct {
	pool *pgxpool.Pool
}

func NewUsageRepo(pool *pgxpool.Pool) *UsageRepo {
	return &UsageRepo{pool: pool}
}

var usageColumns = []string{
	"id", "reservation_id", "user_id", "feature", "requested_amount",
	"outcome", "detail", "external_call_metadata", "created_at",
}

// InsertBatch writes attempts with COPY.
func (r *UsageRepo) InsertBatch(ctx context.Context, batch []*models.UsageAttempt) (int64, error) {
	if len(batch) == 0 {
		return 0, nil
	}
	return r.pool.CopyFrom(ctx, pgx.Identifier{"usage_attempts"}, usageColumns,
		pgx.CopyFromSlice(len(batch), func(i int) ([]any, error) {
			a := batch[i]
			var detail *string
			if a.Detail != "" {
				detail = &a.Detail
			}
			var meta json.RawMessage
			if len(a.ExternalCallMetadata) > 0 {
				meta = a.ExternalCallMetadata
			}
			return []any{a.ID, a.ReservationID, a.UserID, a.Feature, a.RequestedAmount,
				string(a.Outcome), detail, meta, a.CreatedAt}, nil
		}))
}

// ListByUserID returns the newest attempts first.
func (r *UsageRepo) ListByUserID(ctx context.Context, userID string, limit int) ([]*models.UsageAttempt, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT id, reservation_id, user_id, feature, requested_amount, outcome,
		       COALESCE(detail, ''), external_call_metadata, created_at
		FROM usage_attempts WHERE user_id = $1
		ORDER BY created_at DESC LIMIT $2
	`, userID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	list := []*models.UsageAttempt{}
	for rows.Next() {
		var a models.UsageAttempt
		if err := rows.Scan(&a.ID, &a.ReservationID, &a.UserID, &a.Feature, &a.RequestedAmount,
			&a.Outcome, &a.Detail, &a.ExternalCallMetadata, &a.CreatedAt); err != nil {
			return nil, err
		}
		list = append(list, &a)
	}
	return list, rows.Err()
}
