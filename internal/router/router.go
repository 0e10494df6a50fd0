package router

import (
	"net/http"

	"github.com/phorium/credits/internal/admin"
	"github.com/phorium/credits/internal/auth"
	"github.com/phorium/credits/internal/middleware"
	"github.com/phorium/credits/internal/models"
)

// New returns an http.Handler that serves the operator API under /api/v1.
// Reads are open to every operator role; writes need admin.
func New(authHandler *auth.Handler, adminHandler *admin.Handler, tokens middleware.TokenValidator) http.Handler {
	mux := http.NewServeMux()
	base := "/api/v1"

	anyOperator := middleware.RequireOperator(tokens)
	adminOnly := middleware.RequireOperator(tokens, models.OperatorRoleAdmin)
	read := func(h http.HandlerFunc) http.Handler { return anyOperator(h) }
	write := func(h http.HandlerFunc) http.Handler { return adminOnly(h) }

	mux.HandleFunc("POST "+base+"/auth/login", authHandler.Login)
	mux.Handle("POST "+base+"/operators", write(authHandler.Register))

	mux.Handle("GET "+base+"/admin/accounts", read(adminHandler.ListAccounts))
	mux.Handle("POST "+base+"/admin/accounts/{user_id}/adjustments", write(adminHandler.Adjust))
	mux.Handle("POST "+base+"/admin/accounts/{user_id}/signup-bonus", write(adminHandler.SignupBonus))
	mux.Handle("GET "+base+"/admin/accounts/{user_id}/ledger", read(adminHandler.ListLedger))
	mux.Handle("GET "+base+"/admin/accounts/{user_id}/usage", read(adminHandler.ListUsage))
	mux.Handle("GET "+base+"/admin/accounts/{user_id}/reconcile", read(adminHandler.Reconcile))
	mux.Handle("POST "+base+"/admin/ledger/{entry_id}/refund", write(adminHandler.Refund))

	mux.Handle("GET "+base+"/api-keys", read(adminHandler.ListAPIKeys))
	mux.Handle("POST "+base+"/api-keys", write(adminHandler.CreateAPIKey))
	mux.Handle("DELETE "+base+"/api-keys/{id}", write(adminHandler.DeleteAPIKey))

	return mux
}
