package middleware

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
)

const ctxUsageKey contextKey = "parsed_usage"

// FeatureSet reports whether a feature is metered (services.Catalog).
type FeatureSet interface {
	Known(feature string) bool
}

// Usage is the begin request as parsed and checked by FeatureGuard.
type Usage struct {
	UserID  string `json:"user_id"`
	Feature string `json:"feature"`
	Amount  int64  `json:"amount"`
}

// UsageFromCtx returns the request FeatureGuard accepted.
func UsageFromCtx(ctx context.Context) (Usage, bool) {
	if u, ok := ctx.Value(ctxUsageKey).(*Usage); ok {
		return *u, true
	}
	return Usage{}, false
}

func WithUsage(ctx context.Context, u Usage) context.Context {
	return context.WithValue(ctx, ctxUsageKey, &u)
}

// FeatureGuard rejects begin requests for unknown features or amounts above
// the per-call cap before they reach the coordinator. It reads the body and
// replaces r.Body so downstream handlers can re-read it.
func FeatureGuard(features FeatureSet, maxPerCall int64) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if ClientFromCtx(r.Context()) == nil {
				http.Error(w, `{"error":"unauthorized"}`, http.StatusUnauthorized)
				return
			}

			bodyBytes, err := io.ReadAll(r.Body)
			r.Body.Close()
			if err != nil {
				http.Error(w, `{"error":"failed to read body"}`, http.StatusBadRequest)
				return
			}
			r.Body = io.NopCloser(bytes.NewReader(bodyBytes))

			var peek Usage
			if err := json.Unmarshal(bodyBytes, &peek); err != nil {
				http.Error(w, `{"error":"invalid JSON body"}`, http.StatusBadRequest)
				return
			}
			if peek.Amount <= 0 {
				http.Error(w, `{"error":"amount must be > 0"}`, http.StatusBadRequest)
				return
			}
			if !features.Known(peek.Feature) {
				http.Error(w, fmt.Sprintf(`{"error":"feature %q is not metered"}`, peek.Feature), http.StatusBadRequest)
				return
			}
			if maxPerCall > 0 && peek.Amount > maxPerCall {
				http.Error(w, fmt.Sprintf(`{"error":"amount %d exceeds per-call limit %d"}`, peek.Amount, maxPerCall), http.StatusForbidden)
				return
			}

			next.ServeHTTP(w, r.WithContext(WithUsage(r.Context(), peek)))
		})
	}
}
