package session

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// Claims is the identity propagated across HTTP and WebSocket handlers.
type Claims struct {
	UserID    string
	TenantID  string
	IssuedAt  time.Time
	ExpiresAt time.Time
}

// Verifier validates access tokens.
type Verifier interface {
	Verify(token string, now time.Time) (Claims, error)
}

type tokenClaims struct {
	UserID    string `json:"userId"`
	CompanyID string `json:"companyId,omitempty"`
	jwt.RegisteredClaims
}

// TokenManager issues and verifies HS256 access tokens.
type TokenManager struct {
	secret    []byte
	issuer    string
	ttl       time.Duration
	clockSkew time.Duration
}

var _ Verifier = (*TokenManager)(nil)

// NewTokenManager validates cfg and builds a TokenManager.
func NewTokenManager(cfg Config) (*TokenManager, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &TokenManager{
		secret:    []byte(cfg.Secret),
		issuer:    cfg.Issuer,
		ttl:       cfg.TokenTTL,
		clockSkew: cfg.ClockSkew,
	}, nil
}

// Issue signs a token for userID in tenantID, valid from now for the configured TTL.
func (m *TokenManager) Issue(userID, tenantID string, now time.Time) (string, time.Time, error) {
	userID = strings.TrimSpace(userID)
	if userID == "" {
		return "", time.Time{}, errors.New("session: empty user id")
	}

	exp := now.Add(m.ttl)
	tok := jwt.NewWithClaims(jwt.SigningMethodHS256, tokenClaims{
		UserID:    userID,
		CompanyID: tenantID,
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    m.issuer,
			Subject:   userID,
			IssuedAt:  jwt.NewNumericDate(now),
			NotBefore: jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(exp),
		},
	})

	signed, err := tok.SignedString(m.secret)
	if err != nil {
		return "", time.Time{}, fmt.Errorf("session: sign token: %w", err)
	}
	return signed, exp, nil
}

// Verify parses and validates token at time now. An empty token yields ErrMissingToken;
// every other failure wraps ErrInvalidToken.
func (m *TokenManager) Verify(token string, now time.Time) (Claims, error) {
	token = strings.TrimSpace(token)
	if token == "" {
		return Claims{}, ErrMissingToken
	}

	opts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithExpirationRequired(),
		jwt.WithLeeway(m.clockSkew),
		jwt.WithTimeFunc(func() time.Time { return now }),
	}
	if m.issuer != "" {
		opts = append(opts, jwt.WithIssuer(m.issuer))
	}

	var tc tokenClaims
	_, err := jwt.ParseWithClaims(token, &tc, func(*jwt.Token) (any, error) {
		return m.secret, nil
	}, opts...)
	if err != nil {
		return Claims{}, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}

	userID := strings.TrimSpace(tc.UserID)
	if userID == "" {
		userID = strings.TrimSpace(tc.Subject)
	}
	if userID == "" {
		return Claims{}, fmt.Errorf("%w: missing user id", ErrInvalidToken)
	}

	out := Claims{UserID: userID, TenantID: tc.CompanyID}
	if tc.IssuedAt != nil {
		out.IssuedAt = tc.IssuedAt.Time
	}
	if tc.ExpiresAt != nil {
		out.ExpiresAt = tc.ExpiresAt.Time
	}
	return out, nil
}
