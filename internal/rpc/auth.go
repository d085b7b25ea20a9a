package rpc

import (
	"net/http"
	"strings"

	"github.com/golang-jwt/jwt/v5"
)

// TokenVerifier validates a client-supplied bearer token before the
// WebSocket upgrade completes. Grounded on internal/auth/jwt.go's
// JWTService.Validate — same HMAC-only ParseWithClaims call, same
// ErrAuthDisabled-when-no-secret behavior — trimmed of Generate, since
// agentrund never issues tokens itself (a reverse proxy or the operator's
// own auth service does; this verifies what they hand the client).
type TokenVerifier struct {
	secret []byte
}

// NewTokenVerifier builds a verifier from a signing key. An empty key
// disables verification entirely: Wrap becomes a no-op, matching the
// "future authentication slot" this coordinator exposes but does not
// require by default.
func NewTokenVerifier(signingKey string) *TokenVerifier {
	if strings.TrimSpace(signingKey) == "" {
		return nil
	}
	return &TokenVerifier{secret: []byte(signingKey)}
}

type verifierClaims struct {
	jwt.RegisteredClaims
}

// Verify parses and validates an HS256 bearer token, returning the
// subject claim on success.
func (v *TokenVerifier) Verify(token string) (string, error) {
	if v == nil {
		return "", nil
	}
	parsed, err := jwt.ParseWithClaims(token, &verifierClaims{}, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, jwt.ErrTokenUnverifiable
		}
		return v.secret, nil
	})
	if err != nil || !parsed.Valid {
		return "", jwt.ErrTokenSignatureInvalid
	}
	claims, ok := parsed.Claims.(*verifierClaims)
	if !ok || strings.TrimSpace(claims.Subject) == "" {
		return "", jwt.ErrTokenInvalidSubject
	}
	return claims.Subject, nil
}

// Wrap requires a valid "Authorization: Bearer <token>" header before
// calling next, unless v is nil (verification disabled). A rejected
// request gets 401 and never reaches the WebSocket upgrade.
func (v *TokenVerifier) Wrap(next http.Handler) http.Handler {
	if v == nil {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		header := r.Header.Get("Authorization")
		token, ok := strings.CutPrefix(header, "Bearer ")
		if !ok || strings.TrimSpace(token) == "" {
			http.Error(w, "missing bearer token", http.StatusUnauthorized)
			return
		}
		if _, err := v.Verify(token); err != nil {
			http.Error(w, "invalid bearer token", http.StatusUnauthorized)
			return
		}
		next.ServeHTTP(w, r)
	})
}
