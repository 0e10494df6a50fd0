package models

import (
	"time"

	"github.com/google/uuid"
)

// APIKey authenticates a feature caller (e.g. the text generation route)
// against the /v1 usage API.
type APIKey struct {
	ID         uuid.UUID `json:"id"`
	ClientName string    `json:"client_name"`
	KeyHash    string    `json:"-"`
	KeyPrefix  string    `json:"key_prefix"`
	IsActive   bool      `json:"is_active"`
	CreatedAt  time.Time `json:"created_at"`
}

// Operator roles for the admin API.
const (
	OperatorRoleAdmin  = "admin"
	OperatorRoleViewer = "viewer"
)

// Operator is a privileged human actor of the admin API.
type Operator struct {
	ID           uuid.UUID `json:"id"`
	Email        string    `json:"email"`
	DisplayName  string    `json:"display_name"`
	Role         string    `json:"role"`
	PasswordHash string    `json:"-"`
	CreatedAt    time.Time `json:"created_at"`
}
