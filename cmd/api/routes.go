package main

import (
	"log/slog"
	"net/http"

	"github.com/phorium/credits/internal/handlers"
	"github.com/phorium/credits/internal/middleware"
	"github.com/phorium/credits/internal/services"
)

// RegisterV1Routes adds the metered usage API to mux.
// Middleware chain: APIKeyAuth -> RateLimiter -> (FeatureGuard on begin only) -> handler.
func RegisterV1Routes(
	mux *http.ServeMux,
	credits handlers.Coordinator,
	apiKeys middleware.APIKeyRepo,
	catalog *services.Catalog,
	limiter *middleware.RateLimiter,
	maxPerCall int64,
	logger *slog.Logger,
) {
	uh := &handlers.UsageHandler{Credits: credits, Logger: logger}

	auth := middleware.APIKeyAuth(apiKeys)
	guard := middleware.FeatureGuard(catalog, maxPerCall)
	client := func(h http.Handler) http.Handler { return auth(limiter.Middleware(h)) }

	mux.Handle("POST /v1/usage/check", client(http.HandlerFunc(uh.Check)))
	mux.Handle("POST /v1/usage/begin", client(guard(http.HandlerFunc(uh.Begin))))
	mux.Handle("POST /v1/usage/settle", client(http.HandlerFunc(uh.Settle)))
	mux.Handle("GET /v1/accounts/{user_id}/balance", client(http.HandlerFunc(uh.GetBalance)))
	mux.Handle("GET /v1/accounts/{user_id}/ledger", client(http.HandlerFunc(uh.GetLedger)))
}
