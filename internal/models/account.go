package models

import (
	"time"
)

// Account is the per-user credit balance. The balance is a materialized view
// of the credit_ledger rows for the same user_id.
type Account struct {
	UserID    string    `json:"user_id"`
	Balance   int64     `json:"balance"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}
