// Package httpx holds HTTP middleware shared by the service APIs.
package httpx

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

const (
	RoleAdmin    = "admin"
	RoleCustomer = "customer"
	RoleService  = "service"
)

var (
	ErrMissingToken = errors.New("missing bearer token")
	ErrInvalidToken = errors.New("invalid bearer token")
)

type Principal struct {
	Subject string
	Role    string
}

func (p Principal) IsAdmin() bool { return p.Role == RoleAdmin || p.Role == RoleService }

type claims struct {
	jwt.RegisteredClaims
	Role string `json:"role"`
}

type principalKey struct{}

// WithPrincipal stores p in ctx.
func WithPrincipal(ctx context.Context, p Principal) context.Context {
	return context.WithValue(ctx, principalKey{}, p)
}

// PrincipalFrom returns the authenticated caller, if any.
func PrincipalFrom(ctx context.Context) (Principal, bool) {
	p, ok := ctx.Value(principalKey{}).(Principal)
	return p, ok
}

// Authenticator validates HS256 bearer tokens.
type Authenticator struct {
	secret []byte
	now    func() time.Time
}

func NewAuthenticator(secret string) *Authenticator {
	return &Authenticator{secret: []byte(secret), now: time.Now}
}

// Issue signs a token for subject. Used by orderctl and tests.
func (a *Authenticator) Issue(subject, role string, ttl time.Duration) (string, error) {
	now := a.now()
	tok := jwt.NewWithClaims(jwt.SigningMethodHS256, claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   subject,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
		Role: role,
	})
	return tok.SignedString(a.secret)
}

func (a *Authenticator) Parse(raw string) (Principal, error) {
	var c claims
	_, err := jwt.ParseWithClaims(raw, &c, func(t *jwt.Token) (any, error) {
		return a.secret, nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}), jwt.WithTimeFunc(a.now))
	if err != nil {
		return Principal{}, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	if c.Subject == "" {
		return Principal{}, fmt.Errorf("%w: subject missing", ErrInvalidToken)
	}
	role := c.Role
	if role == "" {
		role = RoleCustomer
	}
	return Principal{Subject: c.Subject, Role: role}, nil
}

func (a *Authenticator) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		header := r.Header.Get("Authorization")
		raw, ok := strings.CutPrefix(header, "Bearer ")
		if !ok || strings.TrimSpace(raw) == "" {
			WriteError(w, http.StatusUnauthorized, ErrMissingToken)
			return
		}
		p, err := a.Parse(strings.TrimSpace(raw))
		if err != nil {
			WriteError(w, http.StatusUnauthorized, ErrInvalidToken)
			return
		}
		next.ServeHTTP(w, r.WithContext(WithPrincipal(r.Context(), p)))
	})
}

// RequireAdmin rejects callers that are not admins or services.
func RequireAdmin(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		p, ok := PrincipalFrom(r.Context())
		if !ok || !p.IsAdmin() {
			WriteError(w, http.StatusForbidden, errors.New("admin role required"))
			return
		}
		next.ServeHTTP(w, r)
	})
}
