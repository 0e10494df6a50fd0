package models

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// LedgerReason enumerates why a balance changed.
type LedgerReason string

const (
	ReasonFeatureUsage LedgerReason = "feature_usage"
	ReasonAdminGrant   LedgerReason = "admin_grant"
	ReasonAdminRevoke  LedgerReason = "admin_revoke"
	ReasonSignupBonus  LedgerReason = "signup_bonus"
	ReasonRefund       LedgerReason = "refund"
)

// Valid reports whether r is one of the known reasons.
func (r LedgerReason) Valid() bool {
	switch r {
	case ReasonFeatureUsage, ReasonAdminGrant, ReasonAdminRevoke, ReasonSignupBonus, ReasonRefund:
		return true
	}
	return false
}

// LedgerStatus is derived on read: a refund and the entry it reverses are
// both reported as reversed, everything else as applied.
type LedgerStatus string

const (
	LedgerStatusApplied  LedgerStatus = "applied"
	LedgerStatusReversed LedgerStatus = "reversed"
)

// LedgerEntry is one immutable row of credit_ledger.
type LedgerEntry struct {
	ID               uuid.UUID       `json:"id"`
	UserID           string          `json:"user_id"`
	Delta            int64           `json:"delta"`
	ResultingBalance int64           `json:"resulting_balance"`
	Reason           LedgerReason    `json:"reason"`
	Feature          *string         `json:"feature,omitempty"`
	Status           LedgerStatus    `json:"status"`
	ActorID          *string         `json:"actor_id,omitempty"`
	Label            *string         `json:"label,omitempty"`
	ReservationID    *uuid.UUID      `json:"reservation_id,omitempty"`
	ReversesEntryID  *uuid.UUID      `json:"reverses_entry_id,omitempty"`
	IdempotencyKey   string          `json:"-"`
	Metadata         json.RawMessage `json:"metadata,omitempty"`
	CreatedAt        time.Time       `json:"created_at"`
}

// Idempotency key prefixes. One key per logical balance change.
const (
	IdemKeyUsagePrefix  = "usage:"
	IdemKeySignupPrefix = "signup:"
	IdemKeyRefundPrefix = "refund:"
	IdemKeyAdminPrefix  = "admin:"
)
