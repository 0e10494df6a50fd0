package middleware

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/google/uuid"
)

type stubValidator struct {
	id   uuid.UUID
	role string
	err  error
}

func (s stubValidator) ValidateToken(context.Context, string) (uuid.UUID, string, error) {
	return s.id, s.role, s.err
}

func TestRequireOperator(t *testing.T) {
	id := uuid.New()
	cases := []struct {
		name   string
		v      stubValidator
		header string
		roles  []string
		code   int
	}{
		{"admin on admin route", stubValidator{id: id, role: "admin"}, "Bearer t", []string{"admin"}, http.StatusOK},
		{"viewer on read route", stubValidator{id: id, role: "viewer"}, "Bearer t", []string{"admin", "viewer"}, http.StatusOK},
		{"viewer on admin route", stubValidator{id: id, role: "viewer"}, "Bearer t", []string{"admin"}, http.StatusForbidden},
		{"any role", stubValidator{id: id, role: "viewer"}, "Bearer t", nil, http.StatusOK},
		{"bad token", stubValidator{err: errors.New("expired")}, "Bearer t", nil, http.StatusUnauthorized},
		{"no header", stubValidator{id: id, role: "admin"}, "", nil, http.StatusUnauthorized},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			var got *Operator
			h := RequireOperator(tc.v, tc.roles...)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				got = OperatorFromCtx(r.Context())
			}))
			req := httptest.NewRequest(http.MethodGet, "/", nil)
			if tc.header != "" {
				req.Header.Set("Authorization", tc.header)
			}
			rec := httptest.NewRecorder()
			h.ServeHTTP(rec, req)

			if rec.Code != tc.code {
				t.Fatalf("expected %d, got %d", tc.code, rec.Code)
			}
			if tc.code == http.StatusOK && (got == nil || got.ID != id) {
				t.Errorf("operator not in context: %+v", got)
			}
		})
	}
}
