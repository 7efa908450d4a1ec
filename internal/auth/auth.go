// Package auth resolves the calling user from a bearer token issued by the
// platform's auth service. Tokens are HS256 JWTs whose subject is the user
// ID. Without a configured secret the X-User-ID header is trusted, which is
// only meant for local development.
package auth

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"

	"github.com/golang-jwt/jwt/v5"
)

var (
	ErrMissingToken = errors.New("auth: authorization header required")
	ErrInvalidToken = errors.New("auth: invalid token")
	ErrForbidden    = errors.New("auth: insufficient role")
)

// RoleService marks collaborator services (resolution, rewards) allowed to
// call the settlement and ledger endpoints.
const RoleService = "service"

// Dev-mode headers.
const (
	HeaderUserID = "X-User-ID"
	HeaderRole   = "X-User-Role"
)

// Claims is the token payload.
type Claims struct {
	jwt.RegisteredClaims
	Role string `json:"role,omitempty"`
}

// Identity is the authenticated caller.
type Identity struct {
	UserID string
	Role   string
}

type ctxKey struct{}

// WithIdentity stores id on ctx.
func WithIdentity(ctx context.Context, id Identity) context.Context {
	return context.WithValue(ctx, ctxKey{}, id)
}

// FromContext returns the caller set by Middleware.
func FromContext(ctx context.Context) (Identity, bool) {
	id, ok := ctx.Value(ctxKey{}).(Identity)
	return id, ok
}

// UserID returns the caller's user ID or "".
func UserID(ctx context.Context) string {
	id, _ := FromContext(ctx)
	return id.UserID
}

// Authenticator verifies bearer tokens.
type Authenticator struct {
	secret []byte
}

// New creates an authenticator. An empty secret enables header mode.
func New(secret string) *Authenticator {
	if secret == "" {
		slog.Warn("JWT_SECRET not set, trusting X-User-ID header (development only)")
	}
	return &Authenticator{secret: []byte(secret)}
}

// Authenticate extracts the caller from r.
func (a *Authenticator) Authenticate(r *http.Request) (Identity, error) {
	if len(a.secret) == 0 {
		id := strings.TrimSpace(r.Header.Get(HeaderUserID))
		if id == "" {
			return Identity{}, ErrMissingToken
		}
		return Identity{UserID: id, Role: r.Header.Get(HeaderRole)}, nil
	}

	header := r.Header.Get("Authorization")
	if header == "" {
		return Identity{}, ErrMissingToken
	}
	parts := strings.Split(header, " ")
	if len(parts) != 2 || !strings.EqualFold(parts[0], "bearer") {
		return Identity{}, fmt.Errorf("%w: malformed authorization header", ErrInvalidToken)
	}
	return a.Verify(parts[1])
}

// Verify parses and validates a token string.
func (a *Authenticator) Verify(tokenString string) (Identity, error) {
	var claims Claims
	token, err := jwt.ParseWithClaims(tokenString, &claims, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return a.secret, nil
	}, jwt.WithExpirationRequired())
	if err != nil {
		return Identity{}, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	if !token.Valid || claims.Subject == "" {
		return Identity{}, fmt.Errorf("%w: missing subject", ErrInvalidToken)
	}
	return Identity{UserID: claims.Subject, Role: claims.Role}, nil
}

// Middleware rejects unauthenticated requests with 401.
func (a *Authenticator) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id, err := a.Authenticate(r)
		if err != nil {
			writeError(w, err.Error(), http.StatusUnauthorized)
			return
		}
		next.ServeHTTP(w, r.WithContext(WithIdentity(r.Context(), id)))
	})
}

// RequireRole rejects callers without role with 403. Use after Middleware.
func RequireRole(role string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			id, ok := FromContext(r.Context())
			if !ok || id.Role != role {
				writeError(w, ErrForbidden.Error(), http.StatusForbidden)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func writeError(w http.ResponseWriter, message string, status int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]string{"error": message})
}
