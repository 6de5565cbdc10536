package chatapi

import "time"

// Config controls the chat REST API.
type Config struct {
	// CookieName is the access-token cookie; Authorization: Bearer is always accepted.
	CookieName     string
	MaxBodyBytes   int64
	RequestTimeout time.Duration

	// RateLimit requests per RateWindow and caller. Zero disables the limiter.
	RateLimit  uint
	RateWindow time.Duration
}

// DefaultConfig returns the production defaults.
func DefaultConfig() Config {
	return Config{
		CookieName:     "token",
		MaxBodyBytes:   64 << 10,
		RequestTimeout: 5 * time.Second,
		RateLimit:      120,
		RateWindow:     time.Minute,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.CookieName == "" {
		c.CookieName = d.CookieName
	}
	if c.MaxBodyBytes <= 0 {
		c.MaxBodyBytes = d.MaxBodyBytes
	}
	if c.RequestTimeout <= 0 {
		c.RequestTimeout = d.RequestTimeout
	}
	// The limiter works in whole seconds.
	if c.RateWindow < time.Second {
		c.RateWindow = d.RateWindow
	}
	return c
}
