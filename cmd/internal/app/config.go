package app

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/kelseyhightower/envconfig"

	"taskhive/cmd/internal/auth/session"
)

// Store backends selectable with TASKHIVE_STORE.
const (
	StoreMemory   = "memory"
	StorePostgres = "postgres"
	StoreMongo    = "mongo"
)

// envPrefix maps Config fields to TASKHIVE_* variables.
const envPrefix = "taskhive"

// Config contains all runtime configuration loaded from environment variables.
type Config struct {
	HTTPAddr  string `envconfig:"HTTP_ADDR" default:"0.0.0.0:8080"`
	LogLevel  string `envconfig:"LOG_LEVEL" default:"info"`
	LogFormat string `envconfig:"LOG_FORMAT" default:"json"`

	ReadHeaderTimeout time.Duration `envconfig:"HTTP_READ_HEADER_TIMEOUT" default:"5s"`
	IdleTimeout       time.Duration `envconfig:"HTTP_IDLE_TIMEOUT" default:"60s"`
	MaxHeaderBytes    int           `envconfig:"HTTP_MAX_HEADER_BYTES" default:"1048576"`
	ShutdownTimeout   time.Duration `envconfig:"SHUTDOWN_TIMEOUT" default:"10s"`

	// Store selects the persistence backend: memory, postgres or mongo.
	Store       string `envconfig:"STORE" default:"memory"`
	DatabaseURL string `envconfig:"DATABASE_URL"`
	DBSchema    string `envconfig:"DB_SCHEMA" default:"taskhive"`
	DBMaxConns  int32  `envconfig:"DB_MAX_CONNS" default:"10"`
	DBMinConns  int32  `envconfig:"DB_MIN_CONNS" default:"0"`
	// DBEnsureSchema creates tables and indexes at startup (dev; production uses migrations).
	DBEnsureSchema bool   `envconfig:"DB_ENSURE_SCHEMA" default:"false"`
	MongoURI       string `envconfig:"MONGO_URI"`
	MongoDB        string `envconfig:"MONGO_DB" default:"taskhive"`

	// RedisURL enables cross-instance fanout and the sender display cache.
	RedisURL      string        `envconfig:"REDIS_URL"`
	FanoutChannel string        `envconfig:"FANOUT_CHANNEL" default:"taskhive:realtime:rooms"`
	UserCacheTTL  time.Duration `envconfig:"USER_CACHE_TTL" default:"5m"`

	JWTSecret      string        `envconfig:"JWT_SECRET"`
	JWTIssuer      string        `envconfig:"JWT_ISSUER" default:"taskhive"`
	JWTClockSkew   time.Duration `envconfig:"JWT_CLOCK_SKEW" default:"30s"`
	AuthCookieName string        `envconfig:"AUTH_COOKIE" default:"token"`

	WSRequireAuth     bool          `envconfig:"WS_REQUIRE_AUTH" default:"true"`
	WSOriginRequired  bool          `envconfig:"WS_ORIGIN_REQUIRED" default:"true"`
	WSAllowedOrigins  []string      `envconfig:"WS_ALLOWED_ORIGINS" default:"http://localhost,http://127.0.0.1"`
	WSDevInsecure     bool          `envconfig:"WS_DEV_INSECURE" default:"false"`
	WSSendQueueSize   int           `envconfig:"WS_SEND_QUEUE" default:"256"`
	WSReadIdleTimeout time.Duration `envconfig:"WS_READ_IDLE_TIMEOUT" default:"2m"`
	WSWriteTimeout    time.Duration `envconfig:"WS_WRITE_TIMEOUT" default:"5s"`
	WSRateEvents      int           `envconfig:"WS_RATE_EVENTS" default:"120"`
	WSRateWindow      time.Duration `envconfig:"WS_RATE_WINDOW" default:"10s"`

	// RelayOrdered serializes submissions per conversation; false processes them inline
	// on the submitting connection.
	RelayOrdered bool `envconfig:"RELAY_ORDERED" default:"true"`
	// RelayWriteTimeout bounds message persistence; 0 disables the bound.
	RelayWriteTimeout time.Duration `envconfig:"RELAY_WRITE_TIMEOUT" default:"10s"`
	// RelayQueueLimit caps submissions waiting per conversation; 0 removes the cap.
	RelayQueueLimit int `envconfig:"RELAY_QUEUE_LIMIT" default:"1024"`

	APIRateLimit  uint          `envconfig:"API_RATE_LIMIT" default:"120"`
	APIRateWindow time.Duration `envconfig:"API_RATE_WINDOW" default:"1m"`

	CORSAllowedOrigins   []string      `envconfig:"CORS_ALLOWED_ORIGINS"`
	CORSAllowCredentials bool          `envconfig:"CORS_ALLOW_CREDENTIALS" default:"true"`
	CORSMaxAge           time.Duration `envconfig:"CORS_MAX_AGE" default:"10m"`
}

// LoadConfig reads an optional .env file (TASKHIVE_ENV_FILE, default ".env") and then the
// TASKHIVE_* environment. Variables already set in the environment win over the file.
func LoadConfig() (Config, error) {
	envFile := strings.TrimSpace(os.Getenv("TASKHIVE_ENV_FILE"))
	if envFile == "" {
		envFile = ".env"
	}
	if err := godotenv.Load(envFile); err != nil && !errors.Is(err, os.ErrNotExist) {
		return Config{}, fmt.Errorf("config: load %s: %w", envFile, err)
	}

	var cfg Config
	if err := envconfig.Process(envPrefix, &cfg); err != nil {
		return Config{}, fmt.Errorf("config: %w", err)
	}
	cfg.Store = strings.ToLower(strings.TrimSpace(cfg.Store))
	cfg.WSAllowedOrigins = trimAll(cfg.WSAllowedOrigins)
	cfg.CORSAllowedOrigins = trimAll(cfg.CORSAllowedOrigins)

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate fails fast on inconsistent settings.
func (c Config) Validate() error {
	var errs []error

	switch c.Store {
	case StoreMemory:
	case StorePostgres:
		if strings.TrimSpace(c.DatabaseURL) == "" {
			errs = append(errs, errors.New("TASKHIVE_STORE=postgres requires TASKHIVE_DATABASE_URL"))
		}
	case StoreMongo:
		if strings.TrimSpace(c.MongoURI) == "" {
			errs = append(errs, errors.New("TASKHIVE_STORE=mongo requires TASKHIVE_MONGO_URI"))
		}
		if strings.TrimSpace(c.MongoDB) == "" {
			errs = append(errs, errors.New("TASKHIVE_MONGO_DB must not be empty"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown TASKHIVE_STORE %q (memory, postgres, mongo)", c.Store))
	}

	if c.WSRequireAuth || c.JWTSecret != "" {
		if err := c.sessionConfig().Validate(); err != nil {
			errs = append(errs, fmt.Errorf("auth: %w", err))
		}
	}

	switch strings.ToLower(c.LogFormat) {
	case "json", "pretty", "text":
	default:
		errs = append(errs, fmt.Errorf("unknown TASKHIVE_LOG_FORMAT %q (json, pretty, text)", c.LogFormat))
	}

	if c.RelayWriteTimeout < 0 {
		errs = append(errs, errors.New("TASKHIVE_RELAY_WRITE_TIMEOUT must not be negative"))
	}
	if c.RelayQueueLimit < 0 {
		errs = append(errs, errors.New("TASKHIVE_RELAY_QUEUE_LIMIT must not be negative"))
	}
	if c.APIRateLimit > 0 && c.APIRateWindow < time.Second {
		errs = append(errs, errors.New("TASKHIVE_API_RATE_WINDOW must be at least 1s"))
	}
	for _, o := range c.CORSAllowedOrigins {
		if o == "*" {
			if c.CORSAllowCredentials {
				errs = append(errs, errors.New("CORS: wildcard origin cannot be combined with credentials"))
			}
			continue
		}
		// One "*" may stand for a subdomain or port.
		candidate := strings.Replace(o, "*", "0", 1)
		if u, err := url.Parse(candidate); err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
			errs = append(errs, fmt.Errorf("CORS: origin %q must be an http(s) origin", o))
		}
	}

	return errors.Join(errs...)
}

// AuthEnabled reports whether access tokens can be verified.
func (c Config) AuthEnabled() bool { return c.JWTSecret != "" }

func (c Config) sessionConfig() session.Config {
	sc := session.DefaultConfig()
	sc.Secret = c.JWTSecret
	sc.Issuer = c.JWTIssuer
	sc.ClockSkew = c.JWTClockSkew
	if c.AuthCookieName != "" {
		sc.CookieName = c.AuthCookieName
	}
	return sc
}

func trimAll(in []string) []string {
	out := make([]string, 0, len(in))
	for _, s := range in {
		if s = strings.TrimSpace(s); s != "" {
			out = append(out, s)
		}
	}
	return out
}
