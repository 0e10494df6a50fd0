package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/phorium/credits/internal/middleware"
	"github.com/phorium/credits/internal/models"
	"github.com/phorium/credits/internal/services"
)

// Coordinator is the subset of services.CreditService the usage API needs.
type Coordinator interface {
	EnsureAvailable(ctx context.Context, userID string, required int64) (*services.Availability, error)
	BeginUsage(ctx context.Context, req services.BeginRequest) (*services.BeginResult, error)
	SettleUsage(ctx context.Context, req services.SettleRequest) (*services.SettleResult, error)
	Balance(ctx context.Context, userID string) (int64, error)
	GetHistory(ctx context.Context, userID string, limit int) ([]*models.LedgerEntry, error)
}

var _ Coordinator = (*services.CreditService)(nil)

// UsageHandler serves the /v1 feature-caller endpoints.
type UsageHandler struct {
	Credits Coordinator
	Logger  *slog.Logger
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// StatusFor maps a coordinator error to its HTTP status.
func StatusFor(err error) int {
	switch {
	case errors.Is(err, services.ErrInsufficientCredits):
		return http.StatusPaymentRequired
	case errors.Is(err, services.ErrInvalidRequest), errors.Is(err, services.ErrNotRefundable):
		return http.StatusBadRequest
	case errors.Is(err, services.ErrAccountNotFound), errors.Is(err, services.ErrTokenNotFound), errors.Is(err, services.ErrEntryNotFound):
		return http.StatusNotFound
	case errors.Is(err, services.ErrAlreadySettled), errors.Is(err, services.ErrAlreadyRefunded),
		errors.Is(err, services.ErrSignupBonusGranted), errors.Is(err, services.ErrIdempotencyConflict):
		return http.StatusConflict
	case errors.Is(err, services.ErrTokenExpired):
		return http.StatusGone
	case errors.Is(err, services.ErrStorageUnavailable), errors.Is(err, context.DeadlineExceeded):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// WriteError writes the stable reason for err. Internal details are logged,
// never returned.
func WriteError(w http.ResponseWriter, log *slog.Logger, err error, attrs ...any) {
	status := StatusFor(err)
	body := map[string]string{"error": services.ReasonFor(err)}
	if errors.Is(err, services.ErrInvalidRequest) {
		body["detail"] = err.Error()
	}
	if status >= http.StatusInternalServerError {
		log.Error("request failed", append(attrs, "status", status, "error", err)...)
	}
	writeJSON(w, status, body)
}

// --- POST /v1/usage/check ---

type checkRequest struct {
	UserID string `json:"user_id"`
	Amount int64  `json:"amount"`
}

// Check handles POST /v1/usage/check. It is advisory and issues no token.
func (h *UsageHandler) Check(w http.ResponseWriter, r *http.Request) {
	var req checkRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, `{"error":"invalid JSON"}`, http.StatusBadRequest)
		return
	}
	a, err := h.Credits.EnsureAvailable(r.Context(), req.UserID, req.Amount)
	if err != nil {
		WriteError(w, h.Logger, err, "op", "check", "user_id", req.UserID)
		return
	}
	writeJSON(w, http.StatusOK, a)
}

// --- POST /v1/usage/begin ---

type beginRequest struct {
	UserID  string `json:"user_id"`
	Feature string `json:"feature"`
	Amount  int64  `json:"amount"`
}

// Begin handles POST /v1/usage/begin.
// Auth -> FeatureGuard (via middleware) -> availability check -> token -> 201.
// The request parsed by FeatureGuard is used when present.
func (h *UsageHandler) Begin(w http.ResponseWriter, r *http.Request) {
	var req beginRequest
	if u, ok := middleware.UsageFromCtx(r.Context()); ok {
		req = beginRequest{UserID: u.UserID, Feature: u.Feature, Amount: u.Amount}
	} else if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, `{"error":"invalid JSON"}`, http.StatusBadRequest)
		return
	}
	res, err := h.Credits.BeginUsage(r.Context(), services.BeginRequest{
		UserID:  req.UserID,
		Feature: req.Feature,
		Amount:  req.Amount,
	})
	if err != nil {
		WriteError(w, h.Logger, err, "op", "begin", "user_id", req.UserID, "feature", req.Feature)
		return
	}
	if !res.Allowed {
		writeJSON(w, http.StatusPaymentRequired, map[string]any{
			"allowed": false,
			"balance": res.Balance,
			"reason":  services.ReasonInsufficientFunds,
		})
		return
	}
	if c := middleware.ClientFromCtx(r.Context()); c != nil {
		h.Logger.Debug("usage begun", "client", c.ClientName, "reservation_id", res.ReservationID, "user_id", req.UserID)
	}
	writeJSON(w, http.StatusCreated, res)
}

// --- POST /v1/usage/settle ---

type settleRequest struct {
	Token         string          `json:"token"`
	Outcome       string          `json:"outcome"`
	FailureReason string          `json:"failure_reason"`
	Metadata      json.RawMessage `json:"metadata"`
}

// Settle handles POST /v1/usage/settle.
func (h *UsageHandler) Settle(w http.ResponseWriter, r *http.Request) {
	var req settleRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, `{"error":"invalid JSON"}`, http.StatusBadRequest)
		return
	}
	res, err := h.Credits.SettleUsage(r.Context(), services.SettleRequest{
		Token:         req.Token,
		Outcome:       services.SettleOutcome(req.Outcome),
		FailureReason: req.FailureReason,
		Metadata:      req.Metadata,
	})
	if errors.Is(err, services.ErrInsufficientCredits) && res != nil {
		writeJSON(w, http.StatusPaymentRequired, map[string]any{
			"error":          services.ReasonInsufficientFunds,
			"reservation_id": res.ReservationID,
			"balance":        res.Balance,
			"charged":        0,
		})
		return
	}
	if err != nil {
		WriteError(w, h.Logger, err, "op", "settle")
		return
	}
	writeJSON(w, http.StatusOK, res)
}

// --- GET /v1/accounts/{user_id}/balance ---

func (h *UsageHandler) GetBalance(w http.ResponseWriter, r *http.Request) {
	userID := r.PathValue("user_id")
	bal, err := h.Credits.Balance(r.Context(), userID)
	if err != nil {
		WriteError(w, h.Logger, err, "op", "balance", "user_id", userID)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"user_id": userID, "balance": bal})
}

// --- GET /v1/accounts/{user_id}/ledger ---

func (h *UsageHandler) GetLedger(w http.ResponseWriter, r *http.Request) {
	userID := r.PathValue("user_id")
	entries, err := h.Credits.GetHistory(r.Context(), userID, QueryLimit(r))
	if err != nil {
		WriteError(w, h.Logger, err, "op", "ledger", "user_id", userID)
		return
	}
	writeJSON(w, http.StatusOK, entries)
}

// QueryLimit parses ?limit=, returning 0 (service default) when absent or invalid.
func QueryLimit(r *http.Request) int {
	n, err := strconv.Atoi(r.URL.Query().Get("limit"))
	if err != nil || n < 0 {
		return 0
	}
	return n
}
