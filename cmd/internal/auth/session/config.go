package session

import (
	"strings"
	"time"
)

// MinSecretBytes is the minimum HS256 secret length accepted by Validate.
const MinSecretBytes = 32

// Config defines the token verification parameters.
type Config struct {
	// Secret is the shared HS256 key.
	Secret string

	// Issuer is set in (and required of) the "iss" claim. Empty disables the issuer check.
	Issuer string

	// TokenTTL is the lifetime of tokens produced by Issue.
	TokenTTL time.Duration

	// ClockSkew is the leeway applied to exp/nbf/iat checks.
	ClockSkew time.Duration

	// CookieName is the cookie the web client stores the token in.
	CookieName string
}

// DefaultConfig returns defaults matching the web client (cookie "token", 24h tokens).
// Secret must still be provided.
func DefaultConfig() Config {
	return Config{
		Issuer:     "taskhive",
		TokenTTL:   24 * time.Hour,
		ClockSkew:  30 * time.Second,
		CookieName: "token",
	}
}

// Validate returns ErrConfig when the configuration cannot produce safe tokens.
func (c Config) Validate() error {
	if len(c.Secret) < MinSecretBytes {
		return ErrConfig
	}
	if c.TokenTTL <= 0 || c.ClockSkew < 0 {
		return ErrConfig
	}
	if strings.TrimSpace(c.CookieName) == "" {
		return ErrConfig
	}
	return nil
}
