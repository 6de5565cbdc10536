package session

import (
	"context"
	"net/http"
	"strings"
	"time"
)

// TokenFromRequest extracts the access token from, in order: the named cookie,
// an "Authorization: Bearer" header, or the "token" query parameter (browser WebSocket
// clients cannot set headers).
func TokenFromRequest(r *http.Request, cookieName string) string {
	if r == nil {
		return ""
	}
	if cookieName != "" {
		if c, err := r.Cookie(cookieName); err == nil {
			if v := strings.TrimSpace(c.Value); v != "" {
				return v
			}
		}
	}
	if h := strings.TrimSpace(r.Header.Get("Authorization")); h != "" {
		scheme, tok, ok := strings.Cut(h, " ")
		if ok && strings.EqualFold(scheme, "Bearer") {
			if tok = strings.TrimSpace(tok); tok != "" {
				return tok
			}
		}
	}
	return strings.TrimSpace(r.URL.Query().Get("token"))
}

// Authenticate verifies the request's access token.
func Authenticate(v Verifier, r *http.Request, cookieName string, now time.Time) (Claims, error) {
	tok := TokenFromRequest(r, cookieName)
	if tok == "" {
		return Claims{}, ErrMissingToken
	}
	return v.Verify(tok, now)
}

type claimsKey struct{}

// WithClaims returns a context carrying c.
func WithClaims(ctx context.Context, c Claims) context.Context {
	return context.WithValue(ctx, claimsKey{}, c)
}

// ClaimsFromContext returns the claims stored by WithClaims.
func ClaimsFromContext(ctx context.Context) (Claims, bool) {
	c, ok := ctx.Value(claimsKey{}).(Claims)
	return c, ok
}
