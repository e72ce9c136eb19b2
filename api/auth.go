package api

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

const (
	// RoleAdmin is the claim value required on /api/admin routes.
	RoleAdmin = "admin"
	// RoleAffiliate tokens carry the affiliate id as subject.
	RoleAffiliate = "affiliate"
)

var ErrInvalidToken = errors.New("invalid token")

// Claims are the bearer token claims the API understands.
type Claims struct {
	Role string `json:"role"`
	jwt.RegisteredClaims
}

type claimsKey struct{}

// IssueToken signs an HS256 token for subject with role. Used by operators'
// tooling and tests; the engine itself never logs anyone in.
func IssueToken(secret, subject, role string, ttl time.Duration) (string, error) {
	now := time.Now()
	claims := Claims{
		Role: role,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   subject,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(secret))
}

// ParseToken validates signature, algorithm and expiry.
func ParseToken(secret, raw string) (*Claims, error) {
	token, err := jwt.ParseWithClaims(raw, &Claims{}, func(t *jwt.Token) (interface{}, error) {
		return []byte(secret), nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}))
	if err != nil {
		return nil, ErrInvalidToken
	}
	claims, ok := token.Claims.(*Claims)
	if !ok || !token.Valid {
		return nil, ErrInvalidToken
	}
	return claims, nil
}

// RequireRole rejects requests without a valid bearer token carrying one of
// the allowed roles. An empty secret disables the check (dev mode only;
// config validation refuses it elsewhere).
func RequireRole(secret string, allowed ...string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		if secret == "" {
			return next
		}
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			claims, ok := authenticate(w, r, secret)
			if !ok {
				return
			}
			for _, role := range allowed {
				if claims.Role == role {
					next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), claimsKey{}, claims)))
					return
				}
			}
			writeError(w, http.StatusForbidden, "admin access required", nil)
		})
	}
}

// RequireOwner guards /affiliates/{id} mutations. Admins pass; affiliate
// tokens pass only when their subject is the {id} in the path.
func RequireOwner(secret string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		if secret == "" {
			return next
		}
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			claims, ok := authenticate(w, r, secret)
			if !ok {
				return
			}
			owner := claims.Role == RoleAffiliate && claims.Subject != "" &&
				claims.Subject == string(affiliateParam(r))
			if claims.Role != RoleAdmin && !owner {
				writeError(w, http.StatusForbidden, "not allowed for this affiliate", nil)
				return
			}
			next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), claimsKey{}, claims)))
		})
	}
}

// authenticate writes a 401 and returns false when the bearer token is
// missing or invalid.
func authenticate(w http.ResponseWriter, r *http.Request, secret string) (*Claims, bool) {
	header := r.Header.Get("Authorization")
	if header == "" {
		writeError(w, http.StatusUnauthorized, "missing authorization header", nil)
		return nil, false
	}
	scheme, raw, ok := strings.Cut(header, " ")
	if !ok || !strings.EqualFold(scheme, "Bearer") {
		writeError(w, http.StatusUnauthorized, "invalid authorization format", nil)
		return nil, false
	}
	claims, err := ParseToken(secret, strings.TrimSpace(raw))
	if err != nil {
		writeError(w, http.StatusUnauthorized, "invalid or expired token", nil)
		return nil, false
	}
	return claims, true
}

// ClaimsFrom returns the caller's claims, if RequireRole or RequireOwner ran.
func ClaimsFrom(ctx context.Context) (*Claims, bool) {
	c, ok := ctx.Value(claimsKey{}).(*Claims)
	return c, ok
}
