package admin

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/google/uuid"

	"github.com/phorium/credits/internal/handlers"
	"github.com/phorium/credits/internal/middleware"
	"github.com/phorium/credits/internal/models"
	"github.com/phorium/credits/internal/repository"
	"github.com/phorium/credits/internal/services"
)

// Credits is the subset of services.CreditService used by operators.
type Credits interface {
	AdjustBalance(ctx context.Context, req services.AdjustRequest) (*services.AdjustResult, error)
	GrantSignupBonus(ctx context.Context, userID string, amount int64, actorID string) (*services.AdjustResult, error)
	Refund(ctx context.Context, entryID uuid.UUID, label, adminID string) (*services.AdjustResult, error)
	GetHistory(ctx context.Context, userID string, limit int) ([]*models.LedgerEntry, error)
	Reconcile(ctx context.Context, userID string) (*services.Reconciliation, error)
}

var _ Credits = (*services.CreditService)(nil)

type AccountLister interface {
	List(ctx context.Context, after string, limit int) ([]*models.Account, error)
}

type UsageLister interface {
	ListByUserID(ctx context.Context, userID string, limit int) ([]*models.UsageAttempt, error)
}

type APIKeyStore interface {
	Create(ctx context.Context, k *models.APIKey) error
	Deactivate(ctx context.Context, id uuid.UUID) error
	List(ctx context.Context) ([]*models.APIKey, error)
}

type Handler struct {
	credits  Credits
	accounts AccountLister
	usage    UsageLister
	apiKeys  APIKeyStore
	log      *slog.Logger
}

func NewHandler(credits Credits, accounts AccountLister, usage UsageLister, apiKeys APIKeyStore, log *slog.Logger) *Handler {
	if log == nil {
		log = slog.Default()
	}
	return &Handler{credits: credits, accounts: accounts, usage: usage, apiKeys: apiKeys, log: log}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func operatorID(r *http.Request) string {
	if op := middleware.OperatorFromCtx(r.Context()); op != nil {
		return op.ID.String()
	}
	return ""
}

const defaultListLimit = 100

// GET /api/v1/admin/accounts?after=&limit=
func (h *Handler) ListAccounts(w http.ResponseWriter, r *http.Request) {
	limit := handlers.QueryLimit(r)
	if limit == 0 || limit > 500 {
		limit = defaultListLimit
	}
	accounts, err := h.accounts.List(r.Context(), r.URL.Query().Get("after"), limit)
	if err != nil {
		h.log.Error("list accounts failed", "error", err)
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	if accounts == nil {
		accounts = []*models.Account{}
	}
	writeJSON(w, http.StatusOK, accounts)
}

// POST /api/v1/admin/accounts/{user_id}/adjustments
func (h *Handler) Adjust(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Delta int64  `json:"delta"`
		Label string `json:"label"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		http.Error(w, "invalid JSON", http.StatusBadRequest)
		return
	}
	userID := r.PathValue("user_id")
	res, err := h.credits.AdjustBalance(r.Context(), services.AdjustRequest{
		UserID:         userID,
		Delta:          body.Delta,
		Label:          body.Label,
		AdminID:        operatorID(r),
		IdempotencyKey: r.Header.Get("Idempotency-Key"),
	})
	if err != nil {
		handlers.WriteError(w, h.log, err, "op", "adjust", "user_id", userID)
		return
	}
	status := http.StatusCreated
	if res.Replayed {
		status = http.StatusOK
	}
	writeJSON(w, status, res)
}

// POST /api/v1/admin/accounts/{user_id}/signup-bonus
func (h *Handler) SignupBonus(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Amount int64 `json:"amount"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		http.Error(w, "invalid JSON", http.StatusBadRequest)
		return
	}
	userID := r.PathValue("user_id")
	res, err := h.credits.GrantSignupBonus(r.Context(), userID, body.Amount, operatorID(r))
	if err != nil {
		handlers.WriteError(w, h.log, err, "op", "signup_bonus", "user_id", userID)
		return
	}
	writeJSON(w, http.StatusCreated, res)
}

// GET /api/v1/admin/accounts/{user_id}/ledger
func (h *Handler) ListLedger(w http.ResponseWriter, r *http.Request) {
	userID := r.PathValue("user_id")
	entries, err := h.credits.GetHistory(r.Context(), userID, handlers.QueryLimit(r))
	if err != nil {
		handlers.WriteError(w, h.log, err, "op", "admin_ledger", "user_id", userID)
		return
	}
	writeJSON(w, http.StatusOK, entries)
}

// GET /api/v1/admin/accounts/{user_id}/usage
func (h *Handler) ListUsage(w http.ResponseWriter, r *http.Request) {
	limit := handlers.QueryLimit(r)
	if limit == 0 || limit > 500 {
		limit = defaultListLimit
	}
	attempts, err := h.usage.ListByUserID(r.Context(), r.PathValue("user_id"), limit)
	if err != nil {
		h.log.Error("list usage attempts failed", "error", err)
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	if attempts == nil {
		attempts = []*models.UsageAttempt{}
	}
	writeJSON(w, http.StatusOK, attempts)
}

// GET /api/v1/admin/accounts/{user_id}/reconcile
func (h *Handler) Reconcile(w http.ResponseWriter, r *http.Request) {
	userID := r.PathValue("user_id")
	res, err := h.credits.Reconcile(r.Context(), userID)
	if err != nil {
		handlers.WriteError(w, h.log, err, "op", "reconcile", "user_id", userID)
		return
	}
	if !res.Consistent {
		h.log.Warn("reconcile found drift", "user_id", userID, "balance", res.Balance, "ledger_sum", res.LedgerSum)
	}
	writeJSON(w, http.StatusOK, res)
}

// POST /api/v1/admin/ledger/{entry_id}/refund
func (h *Handler) Refund(w http.ResponseWriter, r *http.Request) {
	entryID, err := uuid.Parse(r.PathValue("entry_id"))
	if err != nil {
		http.Error(w, "invalid entry ID", http.StatusBadRequest)
		return
	}
	var body struct {
		Label string `json:"label"`
	}
	if r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			http.Error(w, "invalid JSON", http.StatusBadRequest)
			return
		}
	}
	res, err := h.credits.Refund(r.Context(), entryID, body.Label, operatorID(r))
	if err != nil {
		handlers.WriteError(w, h.log, err, "op", "refund", "entry_id", entryID)
		return
	}
	writeJSON(w, http.StatusCreated, res)
}

// GET /api/v1/api-keys
func (h *Handler) ListAPIKeys(w http.ResponseWriter, r *http.Request) {
	keys, err := h.apiKeys.List(r.Context())
	if err != nil {
		h.log.Error("list api keys failed", "error", err)
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, keys)
}

// POST /api/v1/api-keys
func (h *Handler) CreateAPIKey(w http.ResponseWriter, r *http.Request) {
	var body struct {
		ClientName string `json:"client_name"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil || body.ClientName == "" {
		http.Error(w, "client_name is required", http.StatusBadRequest)
		return
	}
	rawBytes := make([]byte, 32)
	if _, err := rand.Read(rawBytes); err != nil {
		http.Error(w, "key generation failed", http.StatusInternalServerError)
		return
	}
	rawKey := "crk_" + hex.EncodeToString(rawBytes)

	k := &models.APIKey{
		ID:         uuid.Must(uuid.NewV7()),
		ClientName: body.ClientName,
		KeyHash:    middleware.HashKey(rawKey),
		KeyPrefix:  rawKey[:12],
		IsActive:   true,
	}
	if err := h.apiKeys.Create(r.Context(), k); err != nil {
		h.log.Error("create api key failed", "error", err)
		http.Error(w, "create failed", http.StatusInternalServerError)
		return
	}
	h.log.Info("api key created", "key_id", k.ID, "client", k.ClientName, "operator_id", operatorID(r))
	writeJSON(w, http.StatusCreated, map[string]any{
		"id":          k.ID,
		"client_name": k.ClientName,
		"key_prefix":  k.KeyPrefix,
		"is_active":   k.IsActive,
		"raw_key":     rawKey,
	})
}

// DELETE /api/v1/api-keys/{id}
func (h *Handler) DeleteAPIKey(w http.ResponseWriter, r *http.Request) {
	keyID, err := uuid.Parse(r.PathValue("id"))
	if err != nil {
		http.Error(w, "invalid key ID", http.StatusBadRequest)
		return
	}
	if err := h.apiKeys.Deactivate(r.Context(), keyID); err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			http.Error(w, "api key not found", http.StatusNotFound)
			return
		}
		h.log.Error("deactivate api key failed", "error", err)
		http.Error(w, "delete failed", http.StatusInternalServerError)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
