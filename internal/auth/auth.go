// Package auth provides authentication for the broker API.
package auth

import (
	"context"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"net/http"
	"strings"

	"golang.org/x/crypto/bcrypt"

	"github.com/hookline/hookline/internal/audit"
	"github.com/hookline/hookline/internal/config"
	"github.com/hookline/hookline/internal/mgmt"
)

// APIKeyHeader carries API keys on requests.
const APIKeyHeader = "X-API-Key"

// APIKeyPrefix identifies broker-issued API keys.
const APIKeyPrefix = "hl_"

// ContextKey is used for storing auth info in context.
type ContextKey string

// PrincipalContextKey is the context key for the authenticated principal.
const PrincipalContextKey ContextKey = "auth_principal"

// Principal represents an authenticated caller.
type Principal struct {
	ID     string // user resourceId
	Email  string
	Method string // basic, api_key, jwt, disabled
}

// Authenticator handles authentication against the management projections.
type Authenticator struct {
	cfg    config.AuthConfig
	users  *mgmt.UserProjection
	keys   *mgmt.APIKeyProjection
	tokens *TokenIssuer
	audit  *audit.Logger
}

// NewAuthenticator creates an authenticator.
func NewAuthenticator(cfg config.AuthConfig, users *mgmt.UserProjection, keys *mgmt.APIKeyProjection, tokens *TokenIssuer, auditLog *audit.Logger) *Authenticator {
	return &Authenticator{
		cfg:    cfg,
		users:  users,
		keys:   keys,
		tokens: tokens,
		audit:  auditLog,
	}
}

// Middleware returns HTTP middleware for authentication. With auth disabled
// every request runs as the bootstrap admin.
func (a *Authenticator) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !a.cfg.Enabled {
			next.ServeHTTP(w, r.WithContext(withPrincipal(r.Context(), a.disabledPrincipal())))
			return
		}

		principal, ok := a.authenticateBasic(r)
		if !ok {
			principal, ok = a.authenticateAPIKey(r)
		}
		if !ok {
			principal, ok = a.authenticateJWT(r)
		}
		if !ok {
			a.unauthorized(w, r)
			return
		}

		if a.audit != nil {
			a.audit.Log(audit.Event{
				EventType: audit.EventAuthSuccess,
				Principal: principal.ID,
				ClientIP:  GetClientIP(r),
				Method:    r.Method,
				Path:      r.URL.Path,
			})
		}
		next.ServeHTTP(w, r.WithContext(withPrincipal(r.Context(), principal)))
	})
}

// disabledPrincipal is the identity requests run as when auth is off. The
// bootstrap admin is resolved by email so its grants apply.
func (a *Authenticator) disabledPrincipal() *Principal {
	email := a.cfg.AdminEmail
	if email == "" {
		email = mgmt.DefaultAdminEmail
	}
	if u := a.users.GetByEmail(email); u != nil {
		return &Principal{ID: u.ResourceID, Email: u.Email, Method: "disabled"}
	}
	return &Principal{ID: "system", Email: email, Method: "disabled"}
}

// authenticateBasic handles HTTP Basic authentication against stored bcrypt
// hashes.
func (a *Authenticator) authenticateBasic(r *http.Request) (*Principal, bool) {
	header := r.Header.Get("Authorization")
	if !strings.HasPrefix(header, "Basic ") {
		return nil, false
	}

	decoded, err := base64.StdEncoding.DecodeString(header[6:])
	if err != nil {
		return nil, false
	}
	parts := strings.SplitN(string(decoded), ":", 2)
	if len(parts) != 2 {
		return nil, false
	}
	email, password := parts[0], parts[1]

	u := a.users.GetByEmail(email)
	if u == nil || u.PasswordHash == "" {
		return nil, false
	}
	if err := bcrypt.CompareHashAndPassword([]byte(u.PasswordHash), []byte(password)); err != nil {
		return nil, false
	}
	return &Principal{ID: u.ResourceID, Email: u.Email, Method: "basic"}, true
}

// authenticateAPIKey handles X-API-Key authentication. Only the SHA-256 hash
// of a key is ever stored, so lookup hashes the presented key.
func (a *Authenticator) authenticateAPIKey(r *http.Request) (*Principal, bool) {
	key := r.Header.Get(APIKeyHeader)
	if key == "" || !strings.HasPrefix(key, APIKeyPrefix) {
		return nil, false
	}

	k := a.keys.LookupByHash(HashAPIKey(key))
	if k == nil {
		return nil, false
	}

	u := a.users.GetByID(k.UserResourceID)
	if u == nil || u.Deleted {
		return nil, false
	}
	return &Principal{ID: u.ResourceID, Email: u.Email, Method: "api_key"}, true
}

// authenticateJWT handles bearer tokens issued by the login endpoint.
func (a *Authenticator) authenticateJWT(r *http.Request) (*Principal, bool) {
	header := r.Header.Get("Authorization")
	if !strings.HasPrefix(header, "Bearer ") {
		return nil, false
	}

	claims, err := a.tokens.Verify(header[7:])
	if err != nil {
		return nil, false
	}

	u := a.users.GetByID(claims.Subject)
	if u == nil || u.Deleted {
		return nil, false
	}
	return &Principal{ID: u.ResourceID, Email: u.Email, Method: "jwt"}, true
}

// Login verifies credentials and issues a bearer token.
func (a *Authenticator) Login(email, password string) (string, error) {
	u := a.users.GetByEmail(email)
	if u == nil || u.PasswordHash == "" {
		return "", ErrInvalidCredentials
	}
	if err := bcrypt.CompareHashAndPassword([]byte(u.PasswordHash), []byte(password)); err != nil {
		return "", ErrInvalidCredentials
	}
	return a.tokens.Issue(u.ResourceID, u.Email)
}

// unauthorized sends an authentication challenge.
func (a *Authenticator) unauthorized(w http.ResponseWriter, r *http.Request) {
	if a.audit != nil {
		a.audit.Log(audit.Event{
			EventType:  audit.EventAuthFailure,
			ClientIP:   GetClientIP(r),
			Method:     r.Method,
			Path:       r.URL.Path,
			StatusCode: http.StatusUnauthorized,
		})
	}
	w.Header().Add("WWW-Authenticate", `Basic realm="hookline"`)
	w.Header().Add("WWW-Authenticate", "Bearer")
	http.Error(w, "Unauthorized", http.StatusUnauthorized)
}

func withPrincipal(ctx context.Context, p *Principal) context.Context {
	return context.WithValue(ctx, PrincipalContextKey, p)
}

// GetPrincipal retrieves the authenticated principal from context.
func GetPrincipal(ctx context.Context) *Principal {
	if p, ok := ctx.Value(PrincipalContextKey).(*Principal); ok {
		return p
	}
	return nil
}

// HashPassword creates a bcrypt hash of a password.
func HashPassword(password string) (string, error) {
	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return "", err
	}
	return string(hash), nil
}

// HashAPIKey returns the hex SHA-256 digest of an API key.
func HashAPIKey(key string) string {
	sum := sha256.Sum256([]byte(key))
	return hex.EncodeToString(sum[:])
}

// GetClientIP extracts the client IP from a request.
func GetClientIP(r *http.Request) string {
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		parts := strings.Split(xff, ",")
		if len(parts) > 0 {
			return strings.TrimSpace(parts[0])
		}
	}
	if xri := r.Header.Get("X-Real-IP"); xri != "" {
		return xri
	}
	return r.RemoteAddr
}
