package middleware

import (
	"context"
	"net/http"
	"slices"

	"github.com/google/uuid"
)

// TokenValidator is implemented by auth.Service.
type TokenValidator interface {
	ValidateToken(ctx context.Context, token string) (uuid.UUID, string, error)
}

// Operator is the authenticated admin API caller.
type Operator struct {
	ID   uuid.UUID
	Role string
}

// RequireOperator validates the operator JWT and rejects roles not listed.
// An empty role list admits any valid operator.
func RequireOperator(v TokenValidator, roles ...string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			token := extractBearer(r)
			if token == "" {
				http.Error(w, `{"error":"unauthorized"}`, http.StatusUnauthorized)
				return
			}
			id, role, err := v.ValidateToken(r.Context(), token)
			if err != nil {
				http.Error(w, `{"error":"unauthorized"}`, http.StatusUnauthorized)
				return
			}
			if len(roles) > 0 && !slices.Contains(roles, role) {
				http.Error(w, `{"error":"forbidden"}`, http.StatusForbidden)
				return
			}
			next.ServeHTTP(w, r.WithContext(WithOperator(r.Context(), &Operator{ID: id, Role: role})))
		})
	}
}

// OperatorFromCtx returns the authenticated operator or nil.
func OperatorFromCtx(ctx context.Context) *Operator {
	op, _ := ctx.Value(ctxOperatorKey).(*Operator)
	return op
}

// WithOperator returns a context carrying the given operator.
func WithOperator(ctx context.Context, op *Operator) context.Context {
	return context.WithValue(ctx, ctxOperatorKey, op)
}
