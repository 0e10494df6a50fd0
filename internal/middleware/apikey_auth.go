package middleware

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"net/http"
	"strings"

	"github.com/phorium/credits/internal/models"
)

type contextKey string

const (
	ctxClientKey   contextKey = "api_client"
	ctxOperatorKey contextKey = "operator"
)

// APIKeyRepo is the interface used by API key auth middleware.
type APIKeyRepo interface {
	FindByKeyHash(ctx context.Context, keyHash string) (*models.APIKey, error)
}

// APIKeyAuth authenticates feature callers by hashing the Bearer token
// (SHA-256) and looking it up in api_keys. On success the key is stored in
// the request context.
func APIKeyAuth(repo APIKeyRepo) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			raw := extractBearer(r)
			if raw == "" {
				http.Error(w, `{"error":"missing or malformed Authorization header"}`, http.StatusUnauthorized)
				return
			}
			key, err := repo.FindByKeyHash(r.Context(), HashKey(raw))
			if err != nil || key == nil || !key.IsActive {
				http.Error(w, `{"error":"invalid api key"}`, http.StatusUnauthorized)
				return
			}
			next.ServeHTTP(w, r.WithContext(WithClient(r.Context(), key)))
		})
	}
}

// ClientFromCtx returns the authenticated API client or nil.
func ClientFromCtx(ctx context.Context) *models.APIKey {
	k, _ := ctx.Value(ctxClientKey).(*models.APIKey)
	return k
}

// WithClient returns a context carrying the given API client.
func WithClient(ctx context.Context, k *models.APIKey) context.Context {
	return context.WithValue(ctx, ctxClientKey, k)
}

func extractBearer(r *http.Request) string {
	h := r.Header.Get("Authorization")
	if len(h) > 7 && strings.EqualFold(h[:7], "bearer ") {
		return strings.TrimSpace(h[7:])
	}
	return ""
}

// HashKey returns the stored form of a raw API key.
func HashKey(raw string) string {
	sum := sha256.Sum256([]byte(raw))
	return hex.EncodeToString(sum[:])
}
