package models

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// Metered features.
const (
	FeatureTextGeneration  = "text_generation"
	FeatureImageGeneration = "image_generation"
	FeatureBannerRender    = "banner_render"
)

// ReservationState tracks one permission token through
// begin -> external work -> settle.
type ReservationState string

const (
	// ReservationPending covers PreflightPassed and ExternalWorkInProgress.
	ReservationPending ReservationState = "pending"
	// ReservationSucceeded is SettledSuccess: debited and ledger-logged.
	ReservationSucceeded ReservationState = "succeeded"
	// ReservationFailed is SettledFailure reported by the caller.
	ReservationFailed ReservationState = "failed"
	// ReservationExpired is SettledFailure reached by timeout.
	ReservationExpired ReservationState = "expired"
	// ReservationRaceDenied is SettleRaceDenied: funds vanished between
	// preflight and settle, nothing was debited.
	ReservationRaceDenied ReservationState = "race_denied"
)

// Reservation is the server-side record behind a permission token. Only the
// SHA-256 of the token is stored.
type Reservation struct {
	ID            uuid.UUID        `json:"id"`
	TokenHash     string           `json:"-"`
	UserID        string           `json:"user_id"`
	Feature       string           `json:"feature"`
	Amount        int64            `json:"amount"`
	State         ReservationState `json:"state"`
	FailureReason *string          `json:"failure_reason,omitempty"`
	LedgerEntryID *uuid.UUID       `json:"ledger_entry_id,omitempty"`
	ExpiresAt     time.Time        `json:"expires_at"`
	CreatedAt     time.Time        `json:"created_at"`
	SettledAt     *time.Time       `json:"settled_at,omitempty"`
}

// UsageOutcome is the telemetry classification of one coordinator call.
type UsageOutcome string

const (
	OutcomeInsufficientFunds UsageOutcome = "insufficient_funds"
	OutcomeSucceeded         UsageOutcome = "succeeded"
	OutcomeFailedAfterCheck  UsageOutcome = "failed_after_check"
	OutcomeError             UsageOutcome = "error"
)

// UsageAttempt is a telemetry row. It is not authoritative for balances.
type UsageAttempt struct {
	ID                   uuid.UUID       `json:"id"`
	ReservationID        *uuid.UUID      `json:"reservation_id,omitempty"`
	UserID               string          `json:"user_id"`
	Feature              string          `json:"feature"`
	RequestedAmount      int64           `json:"requested_amount"`
	Outcome              UsageOutcome    `json:"outcome"`
	Detail               string          `json:"detail,omitempty"`
	ExternalCallMetadata json.RawMessage `json:"external_call_metadata,omitempty"`
	CreatedAt            time.Time       `json:"created_at"`
}
