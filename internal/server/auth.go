package server

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
	tokenIssuer       = "workspaceai"
	purposeAccess     = "access"
	purposeOAuthState = "google_oauth_state"
	oauthStateTTL     = 10 * time.Minute
	minSecretLength   = 16
)

var errUnauthenticated = errors.New("unauthorized")

type ownerClaims struct {
	jwt.RegisteredClaims
	Purpose string `json:"purpose"`
}

// Authenticator issues and verifies HS256 bearer tokens. The subject claim is
// the owner id.
type Authenticator struct {
	secret []byte
	now    func() time.Time
}

func NewAuthenticator(secret string) (*Authenticator, error) {
	if len(strings.TrimSpace(secret)) < minSecretLength {
		return nil, fmt.Errorf("jwt secret must be at least %d characters", minSecretLength)
	}
	return &Authenticator{secret: []byte(secret), now: time.Now}, nil
}

// IssueToken mints an access token for ownerID.
func (a *Authenticator) IssueToken(ownerID string, ttl time.Duration) (string, error) {
	return a.issue(ownerID, purposeAccess, ttl)
}

// Verify returns the owner id of a valid access token.
func (a *Authenticator) Verify(token string) (string, error) {
	return a.verify(token, purposeAccess)
}

func (a *Authenticator) issue(ownerID, purpose string, ttl time.Duration) (string, error) {
	if strings.TrimSpace(ownerID) == "" {
		return "", errors.New("owner id is required")
	}
	now := a.now()
	claims := ownerClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    tokenIssuer,
			Subject:   ownerID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
		Purpose: purpose,
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(a.secret)
}

func (a *Authenticator) verify(tokenStr, purpose string) (string, error) {
	claims := &ownerClaims{}
	token, err := jwt.ParseWithClaims(tokenStr, claims,
		func(*jwt.Token) (any, error) { return a.secret, nil },
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithIssuer(tokenIssuer),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(a.now),
	)
	if err != nil {
		return "", fmt.Errorf("token validation failed: %w", err)
	}
	if !token.Valid {
		return "", errors.New("invalid token")
	}
	if claims.Purpose != purpose {
		return "", fmt.Errorf("token purpose %q not accepted here", claims.Purpose)
	}
	if strings.TrimSpace(claims.Subject) == "" {
		return "", errors.New("token subject is required")
	}
	return claims.Subject, nil
}

type ownerKey struct{}

func withOwner(ctx context.Context, ownerID string) context.Context {
	return context.WithValue(ctx, ownerKey{}, ownerID)
}

// ownerFromContext returns the authenticated owner id.
func ownerFromContext(ctx context.Context) (string, bool) {
	owner, ok := ctx.Value(ownerKey{}).(string)
	return owner, ok && owner != ""
}

func (a *App) isPublicPath(path string) bool {
	switch path {
	case "/healthz", "/metrics", googleCallbackPath:
		return true
	default:
		return false
	}
}

func (a *App) authMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if a.isPublicPath(r.URL.Path) {
			next.ServeHTTP(w, r)
			return
		}

		rawToken := bearerTokenFromHeader(r.Header.Get("Authorization"))
		if rawToken == "" {
			writeUnauthenticated(w)
			return
		}
		owner, err := a.auth.Verify(rawToken)
		if err != nil {
			a.logger.Debug("rejected bearer token", "path", r.URL.Path, "err", err)
			writeUnauthenticated(w)
			return
		}
		next.ServeHTTP(w, r.WithContext(withOwner(r.Context(), owner)))
	})
}

// writeUnauthenticated uses the Connect error body so Connect clients see
// CodeUnauthenticated.
func writeUnauthenticated(w http.ResponseWriter) {
	writeJSON(w, http.StatusUnauthorized, map[string]string{
		"code":    "unauthenticated",
		"message": errUnauthenticated.Error(),
	})
}

func bearerTokenFromHeader(authz string) string {
	if !strings.HasPrefix(authz, "Bearer ") {
		return ""
	}
	return strings.TrimSpace(strings.TrimPrefix(authz, "Bearer "))
}
