package services

import (
	"context"
	"errors"
	"fmt"

	"github.com/phorium/credits/internal/ledger"
	"github.com/phorium/credits/internal/repository"
)

var (
	// ErrInsufficientCredits is returned when a debit would make the balance negative.
	ErrInsufficientCredits = errors.New("insufficient credits")
	// ErrAccountNotFound is returned when the user has no account and auto
	// provisioning is off.
	ErrAccountNotFound = repository.ErrAccountNotFound
	// ErrTokenExpired is returned when a permission token is settled after its expiry.
	ErrTokenExpired = errors.New("permission token expired")
	// ErrAlreadySettled is returned when a permission token is settled twice.
	ErrAlreadySettled = errors.New("permission token already settled")
	// ErrTokenNotFound is returned for tokens that were never issued.
	ErrTokenNotFound = errors.New("unknown permission token")
	// ErrLedgerWriteFailure is returned when the ledger append exhausted its retries.
	ErrLedgerWriteFailure = ledger.ErrLedgerWrite
	// ErrStorageUnavailable wraps infrastructure errors. Callers fail closed.
	ErrStorageUnavailable = errors.New("storage unavailable")
	// ErrInvalidRequest wraps argument validation failures.
	ErrInvalidRequest = errors.New("invalid request")

	ErrEntryNotFound       = errors.New("ledger entry not found")
	ErrNotRefundable       = errors.New("ledger entry is not refundable")
	ErrAlreadyRefunded     = errors.New("ledger entry already refunded")
	ErrSignupBonusGranted  = errors.New("signup bonus already granted")
	ErrIdempotencyConflict = errors.New("idempotency key reused with different parameters")
)

// Stable reasons exposed to callers. Internal error text never leaves the service.
const (
	ReasonInsufficientFunds = "insufficient_funds"
	ReasonTransientFailure  = "transient_failure"
	ReasonSystemError       = "system_error"
	ReasonInvalidRequest    = "invalid_request"
	ReasonNotFound          = "not_found"
	ReasonAlreadySettled    = "already_settled"
	ReasonTokenExpired      = "token_expired"
	ReasonConflict          = "conflict"
)

// ReasonFor maps an error returned by CreditService to a stable reason.
func ReasonFor(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrInsufficientCredits):
		return ReasonInsufficientFunds
	case errors.Is(err, ErrInvalidRequest), errors.Is(err, ErrIdempotencyConflict), errors.Is(err, ErrNotRefundable):
		return ReasonInvalidRequest
	case errors.Is(err, ErrAccountNotFound), errors.Is(err, ErrTokenNotFound), errors.Is(err, ErrEntryNotFound):
		return ReasonNotFound
	case errors.Is(err, ErrAlreadySettled):
		return ReasonAlreadySettled
	case errors.Is(err, ErrTokenExpired):
		return ReasonTokenExpired
	case errors.Is(err, ErrAlreadyRefunded), errors.Is(err, ErrSignupBonusGranted):
		return ReasonConflict
	case errors.Is(err, ErrStorageUnavailable), errors.Is(err, context.DeadlineExceeded):
		return ReasonTransientFailure
	default:
		return ReasonSystemError
	}
}

func storageErr(err error) error {
	return fmt.Errorf("%w: %w", ErrStorageUnavailable, err)
}

func invalidf(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrInvalidRequest, fmt.Sprintf(format, args...))
}
