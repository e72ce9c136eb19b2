package api

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestToken_RoundTrip(t *testing.T) {
	raw, err := IssueToken("s3cret", "ops@example.com", RoleAdmin, time.Hour)
	require.NoError(t, err)

	claims, err := ParseToken("s3cret", raw)
	require.NoError(t, err)
	assert.Equal(t, RoleAdmin, claims.Role)
	assert.Equal(t, "ops@example.com", claims.Subject)

	_, err = ParseToken("other", raw)
	assert.ErrorIs(t, err, ErrInvalidToken)
}

func TestRequireRole_StoresClaims(t *testing.T) {
	var seen string
	h := RequireRole("s3cret", RoleAdmin)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		c, ok := ClaimsFrom(r.Context())
		require.True(t, ok)
		seen = c.Subject
	}))

	raw, err := IssueToken("s3cret", "ops", RoleAdmin, time.Hour)
	require.NoError(t, err)
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("Authorization", "bearer "+raw)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "ops", seen)
}

func TestRequireRole_EmptySecretDisablesCheck(t *testing.T) {
	called := false
	h := RequireRole("", RoleAdmin)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		called = true
	}))
	h.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/", nil))
	assert.True(t, called)
}

func TestRequireRole_RejectsBasicAuth(t *testing.T) {
	h := RequireRole("s3cret", RoleAdmin)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Fatal("handler must not run")
	}))
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.SetBasicAuth("ops", "pw")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestRequireOwner(t *testing.T) {
	r := chi.NewRouter()
	r.With(RequireOwner("s3cret")).Put("/affiliates/{id}/payout", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	})
	token := func(subject, role string) string {
		raw, err := IssueToken("s3cret", subject, role, time.Hour)
		require.NoError(t, err)
		return raw
	}

	tests := []struct {
		name  string
		token string
		want  int
	}{
		{"no token", "", http.StatusUnauthorized},
		{"owner", token("lin", RoleAffiliate), http.StatusNoContent},
		{"other affiliate", token("kai", RoleAffiliate), http.StatusForbidden},
		{"admin", token("ops", RoleAdmin), http.StatusNoContent},
		{"unknown role with matching subject", token("lin", "viewer"), http.StatusForbidden},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodPut, "/affiliates/lin/payout", nil)
			if tt.token != "" {
				req.Header.Set("Authorization", "Bearer "+tt.token)
			}
			rec := httptest.NewRecorder()
			r.ServeHTTP(rec, req)
			assert.Equal(t, tt.want, rec.Code)
		})
	}
}
