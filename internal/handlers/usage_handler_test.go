package handlers

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/phorium/credits/internal/middleware"
	"github.com/phorium/credits/internal/models"
	"github.com/phorium/credits/internal/services"
)

// --- Coordinator mock: canned answers per call ---

type mockCoordinator struct {
	avail    *services.Availability
	begin    *services.BeginResult
	settle   *services.SettleResult
	balance  int64
	history  []*models.LedgerEntry
	err      error
	gotBegin services.BeginRequest
	gotSet   services.SettleRequest
	gotLimit int
}

func (m *mockCoordinator) EnsureAvailable(context.Context, string, int64) (*services.Availability, error) {
	return m.avail, m.err
}
func (m *mockCoordinator) BeginUsage(_ context.Context, req services.BeginRequest) (*services.BeginResult, error) {
	m.gotBegin = req
	return m.begin, m.err
}
func (m *mockCoordinator) SettleUsage(_ context.Context, req services.SettleRequest) (*services.SettleResult, error) {
	m.gotSet = req
	return m.settle, m.err
}
func (m *mockCoordinator) Balance(context.Context, string) (int64, error) { return m.balance, m.err }
func (m *mockCoordinator) GetHistory(_ context.Context, _ string, limit int) ([]*models.LedgerEntry, error) {
	m.gotLimit = limit
	return m.history, m.err
}

// ---------------------------------------------------------------------------
// Helpers
// ---------------------------------------------------------------------------

func newMux(c Coordinator) *http.ServeMux {
	h := &UsageHandler{Credits: c, Logger: slog.Default()}
	mux := http.NewServeMux()
	mux.HandleFunc("POST /v1/usage/check", h.Check)
	mux.HandleFunc("POST /v1/usage/begin", h.Begin)
	mux.HandleFunc("POST /v1/usage/settle", h.Settle)
	mux.HandleFunc("GET /v1/accounts/{user_id}/balance", h.GetBalance)
	mux.HandleFunc("GET /v1/accounts/{user_id}/ledger", h.GetLedger)
	return mux
}

func do(t *testing.T, mux http.Handler, method, path string, body any) (*httptest.ResponseRecorder, map[string]any) {
	t.Helper()
	var buf bytes.Buffer
	if s, ok := body.(string); ok {
		buf.WriteString(s)
	} else if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatal(err)
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, req)

	var out map[string]any
	_ = json.Unmarshal(rec.Body.Bytes(), &out)
	return rec, out
}

// ---------------------------------------------------------------------------
// 1. Begin
// ---------------------------------------------------------------------------

func TestBegin_Allowed(t *testing.T) {
	id := uuid.New()
	exp := time.Now().Add(5 * time.Minute)
	m := &mockCoordinator{begin: &services.BeginResult{Token: "ptk_abc", ReservationID: &id, Allowed: true, Balance: 10, ExpiresAt: &exp}}

	rec, out := do(t, newMux(m), http.MethodPost, "/v1/usage/begin",
		map[string]any{"user_id": "alice", "feature": "text_generation", "amount": 6})

	if rec.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d: %s", rec.Code, rec.Body.String())
	}
	if out["token"] != "ptk_abc" || out["allowed"] != true {
		t.Errorf("body: %v", out)
	}
	if m.gotBegin.UserID != "alice" || m.gotBegin.Feature != "text_generation" || m.gotBegin.Amount != 6 {
		t.Errorf("request passed to coordinator: %+v", m.gotBegin)
	}
}

func TestBegin_Denied(t *testing.T) {
	m := &mockCoordinator{begin: &services.BeginResult{Allowed: false, Balance: 3}}

	rec, out := do(t, newMux(m), http.MethodPost, "/v1/usage/begin",
		map[string]any{"user_id": "alice", "feature": "text_generation", "amount": 6})

	if rec.Code != http.StatusPaymentRequired {
		t.Fatalf("expected 402, got %d", rec.Code)
	}
	if out["reason"] != services.ReasonInsufficientFunds || out["balance"] != float64(3) {
		t.Errorf("body: %v", out)
	}
	if _, ok := out["token"]; ok {
		t.Error("denial must not carry a token")
	}
}

func TestBegin_UsesGuardParsedRequest(t *testing.T) {
	id := uuid.New()
	m := &mockCoordinator{begin: &services.BeginResult{Token: "ptk_abc", ReservationID: &id, Allowed: true, Balance: 10}}

	req := httptest.NewRequest(http.MethodPost, "/v1/usage/begin", http.NoBody)
	req = req.WithContext(middleware.WithUsage(req.Context(), middleware.Usage{UserID: "bob", Feature: "banner_render", Amount: 2}))
	rec := httptest.NewRecorder()
	newMux(m).ServeHTTP(rec, req)

	if rec.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d: %s", rec.Code, rec.Body.String())
	}
	if m.gotBegin.UserID != "bob" || m.gotBegin.Feature != "banner_render" || m.gotBegin.Amount != 2 {
		t.Errorf("request passed to coordinator: %+v", m.gotBegin)
	}
}

func TestBegin_InvalidJSON(t *testing.T) {
	rec, _ := do(t, newMux(&mockCoordinator{}), http.MethodPost, "/v1/usage/begin", "{")
	if rec.Code != http.StatusBadRequest {
		t.Errorf("expected 400, got %d", rec.Code)
	}
}

// ---------------------------------------------------------------------------
// 2. Settle
// ---------------------------------------------------------------------------

func TestSettle_Success(t *testing.T) {
	entry := uuid.New()
	m := &mockCoordinator{settle: &services.SettleResult{ReservationID: uuid.New(), Balance: 4, Charged: 6, EntryID: &entry}}

	rec, out := do(t, newMux(m), http.MethodPost, "/v1/usage/settle",
		map[string]any{"token": "ptk_abc", "outcome": "success", "metadata": map[string]any{"model": "m"}})

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	if out["balance"] != float64(4) || out["charged"] != float64(6) {
		t.Errorf("body: %v", out)
	}
	if m.gotSet.Outcome != services.SettleSuccess || string(m.gotSet.Metadata) != `{"model":"m"}` {
		t.Errorf("request passed to coordinator: %+v", m.gotSet)
	}
}

func TestSettle_RaceDenied(t *testing.T) {
	m := &mockCoordinator{
		settle: &services.SettleResult{ReservationID: uuid.New(), Balance: 4},
		err:    services.ErrInsufficientCredits,
	}
	rec, out := do(t, newMux(m), http.MethodPost, "/v1/usage/settle", map[string]any{"token": "t", "outcome": "success"})

	if rec.Code != http.StatusPaymentRequired {
		t.Fatalf("expected 402, got %d", rec.Code)
	}
	if out["balance"] != float64(4) || out["error"] != services.ReasonInsufficientFunds {
		t.Errorf("body: %v", out)
	}
}

func TestSettle_ErrorMapping(t *testing.T) {
	cases := []struct {
		err    error
		status int
		reason string
	}{
		{services.ErrAlreadySettled, http.StatusConflict, services.ReasonAlreadySettled},
		{services.ErrTokenExpired, http.StatusGone, services.ReasonTokenExpired},
		{services.ErrTokenNotFound, http.StatusNotFound, services.ReasonNotFound},
		{fmt.Errorf("%w: pool closed", services.ErrStorageUnavailable), http.StatusServiceUnavailable, services.ReasonTransientFailure},
		{fmt.Errorf("%w: boom", services.ErrLedgerWriteFailure), http.StatusInternalServerError, services.ReasonSystemError},
		{fmt.Errorf("%w: token is required", services.ErrInvalidRequest), http.StatusBadRequest, services.ReasonInvalidRequest},
	}
	for _, tc := range cases {
		t.Run(tc.reason, func(t *testing.T) {
			m := &mockCoordinator{err: tc.err}
			rec, out := do(t, newMux(m), http.MethodPost, "/v1/usage/settle", map[string]any{"token": "t", "outcome": "success"})
			if rec.Code != tc.status {
				t.Errorf("expected %d, got %d", tc.status, rec.Code)
			}
			if out["error"] != tc.reason {
				t.Errorf("reason: got %v, want %s", out["error"], tc.reason)
			}
		})
	}
}

func TestWriteError_HidesInternalDetail(t *testing.T) {
	rec := httptest.NewRecorder()
	WriteError(rec, slog.Default(), errors.New("pq: password authentication failed for user credits"))
	if rec.Code != http.StatusInternalServerError {
		t.Fatalf("expected 500, got %d", rec.Code)
	}
	if bytes.Contains(rec.Body.Bytes(), []byte("password")) {
		t.Errorf("internal error leaked: %s", rec.Body.String())
	}
}

// ---------------------------------------------------------------------------
// 3. Check, balance and ledger
// ---------------------------------------------------------------------------

func TestCheck(t *testing.T) {
	m := &mockCoordinator{avail: &services.Availability{Allowed: true, Balance: 10}}
	rec, out := do(t, newMux(m), http.MethodPost, "/v1/usage/check", map[string]any{"user_id": "alice", "amount": 6})
	if rec.Code != http.StatusOK || out["allowed"] != true {
		t.Errorf("got %d %v", rec.Code, out)
	}
}

func TestGetBalance(t *testing.T) {
	m := &mockCoordinator{balance: 42}
	rec, out := do(t, newMux(m), http.MethodGet, "/v1/accounts/alice/balance", nil)
	if rec.Code != http.StatusOK || out["balance"] != float64(42) || out["user_id"] != "alice" {
		t.Errorf("got %d %v", rec.Code, out)
	}

	m = &mockCoordinator{err: services.ErrAccountNotFound}
	rec, _ = do(t, newMux(m), http.MethodGet, "/v1/accounts/ghost/balance", nil)
	if rec.Code != http.StatusNotFound {
		t.Errorf("expected 404, got %d", rec.Code)
	}
}

func TestGetLedger(t *testing.T) {
	m := &mockCoordinator{history: []*models.LedgerEntry{{ID: uuid.New(), UserID: "alice", Delta: -6, ResultingBalance: 4}}}
	rec := httptest.NewRecorder()
	newMux(m).ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/v1/accounts/alice/ledger?limit=5", nil))

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	var entries []models.LedgerEntry
	if err := json.Unmarshal(rec.Body.Bytes(), &entries); err != nil {
		t.Fatal(err)
	}
	if len(entries) != 1 || entries[0].ResultingBalance != 4 {
		t.Errorf("entries: %+v", entries)
	}
	if m.gotLimit != 5 {
		t.Errorf("limit: got %d, want 5", m.gotLimit)
	}
}
