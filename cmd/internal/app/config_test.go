package app

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

const testSecret = "0123456789abcdef0123456789abcdef"

func isolateEnvFile(t *testing.T) {
	t.Helper()
	t.Setenv("TASKHIVE_ENV_FILE", filepath.Join(t.TempDir(), "missing.env"))
}

func TestLoadConfig_Defaults(t *testing.T) {
	isolateEnvFile(t)
	t.Setenv("TASKHIVE_JWT_SECRET", testSecret)

	cfg, err := LoadConfig()
	if err != nil {
		t.Fatalf("LoadConfig: %v", err)
	}

	if cfg.Store != StoreMemory || cfg.HTTPAddr != "0.0.0.0:8080" {
		t.Fatalf("unexpected defaults: store=%q addr=%q", cfg.Store, cfg.HTTPAddr)
	}
	if !cfg.RelayOrdered || cfg.RelayWriteTimeout != 10*time.Second || cfg.RelayQueueLimit != 1024 {
		t.Fatalf("unexpected relay defaults: ordered=%v timeout=%v queue=%d", cfg.RelayOrdered, cfg.RelayWriteTimeout, cfg.RelayQueueLimit)
	}
	if !cfg.WSRequireAuth || !cfg.WSOriginRequired || len(cfg.WSAllowedOrigins) != 2 {
		t.Fatalf("unexpected ws defaults: %+v", cfg)
	}
	if cfg.FanoutChannel != "taskhive:realtime:rooms" || cfg.AuthCookieName != "token" {
		t.Fatalf("unexpected defaults: %+v", cfg)
	}
}

func TestLoadConfig_EnvOverrides(t *testing.T) {
	isolateEnvFile(t)
	t.Setenv("TASKHIVE_JWT_SECRET", testSecret)
	t.Setenv("TASKHIVE_STORE", " Mongo ")
	t.Setenv("TASKHIVE_MONGO_URI", "mongodb://127.0.0.1:27017")
	t.Setenv("TASKHIVE_RELAY_ORDERED", "false")
	t.Setenv("TASKHIVE_RELAY_WRITE_TIMEOUT", "0")
	t.Setenv("TASKHIVE_WS_ALLOWED_ORIGINS", "https://app.example.com, http://localhost:5173")

	cfg, err := LoadConfig()
	if err != nil {
		t.Fatalf("LoadConfig: %v", err)
	}
	if cfg.Store != StoreMongo || cfg.RelayOrdered || cfg.RelayWriteTimeout != 0 {
		t.Fatalf("overrides not applied: %+v", cfg)
	}
	if strings.Join(cfg.WSAllowedOrigins, "|") != "https://app.example.com|http://localhost:5173" {
		t.Fatalf("origins not trimmed: %q", cfg.WSAllowedOrigins)
	}
}

func TestLoadConfig_DotEnvFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "test.env")
	content := "TASKHIVE_JWT_SECRET=" + testSecret + "\nTASKHIVE_DB_SCHEMA=from_file\nTASKHIVE_LOG_LEVEL=debug\n"
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("write env file: %v", err)
	}
	t.Setenv("TASKHIVE_ENV_FILE", path)
	// Process environment wins over the file.
	t.Setenv("TASKHIVE_DB_SCHEMA", "from_env")
	// godotenv writes into the process environment; undo what the file adds.
	for _, k := range []string{"TASKHIVE_JWT_SECRET", "TASKHIVE_LOG_LEVEL"} {
		k := k
		if _, set := os.LookupEnv(k); !set {
			t.Cleanup(func() { _ = os.Unsetenv(k) })
		}
	}

	cfg, err := LoadConfig()
	if err != nil {
		t.Fatalf("LoadConfig: %v", err)
	}
	if cfg.DBSchema != "from_env" {
		t.Fatalf("environment must win over the file, got %q", cfg.DBSchema)
	}
	if cfg.JWTSecret != testSecret || cfg.LogLevel != "debug" {
		t.Fatalf("file values not loaded: %+v", cfg)
	}
}

func TestLoadConfig_RejectsInvalid(t *testing.T) {
	isolateEnvFile(t)
	t.Setenv("TASKHIVE_JWT_SECRET", "")
	t.Setenv("TASKHIVE_WS_REQUIRE_AUTH", "true")

	if _, err := LoadConfig(); err == nil {
		t.Fatalf("expected error: auth required without a secret")
	}
}

func validConfig() Config {
	return Config{
		Store:             StoreMemory,
		LogFormat:         "json",
		JWTSecret:         testSecret,
		JWTIssuer:         "taskhive",
		JWTClockSkew:      30 * time.Second,
		AuthCookieName:    "token",
		WSRequireAuth:     true,
		RelayWriteTimeout: 10 * time.Second,
		RelayQueueLimit:   1024,
		APIRateLimit:      120,
		APIRateWindow:     time.Minute,
	}
}

func TestConfigValidate(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{name: "valid", mutate: func(*Config) {}},
		{name: "unknown store", mutate: func(c *Config) { c.Store = "sqlite" }, wantErr: "unknown TASKHIVE_STORE"},
		{name: "postgres without url", mutate: func(c *Config) { c.Store = StorePostgres }, wantErr: "TASKHIVE_DATABASE_URL"},
		{name: "mongo without uri", mutate: func(c *Config) { c.Store = StoreMongo }, wantErr: "TASKHIVE_MONGO_URI"},
		{name: "short secret", mutate: func(c *Config) { c.JWTSecret = "short" }, wantErr: "auth"},
		{name: "auth optional without secret", mutate: func(c *Config) { c.JWTSecret = ""; c.WSRequireAuth = false }},
		{name: "bad log format", mutate: func(c *Config) { c.LogFormat = "xml" }, wantErr: "TASKHIVE_LOG_FORMAT"},
		{name: "negative relay timeout", mutate: func(c *Config) { c.RelayWriteTimeout = -time.Second }, wantErr: "RELAY_WRITE_TIMEOUT"},
		{name: "negative relay queue limit", mutate: func(c *Config) { c.RelayQueueLimit = -1 }, wantErr: "RELAY_QUEUE_LIMIT"},
		{name: "sub-second api window", mutate: func(c *Config) { c.APIRateWindow = time.Millisecond }, wantErr: "API_RATE_WINDOW"},
		{name: "cors wildcard with credentials", mutate: func(c *Config) {
			c.CORSAllowedOrigins = []string{"*"}
			c.CORSAllowCredentials = true
		}, wantErr: "wildcard"},
		{name: "cors bare host", mutate: func(c *Config) { c.CORSAllowedOrigins = []string{"app.example.com"} }, wantErr: "http(s) origin"},
		{name: "cors wildcard port", mutate: func(c *Config) { c.CORSAllowedOrigins = []string{"http://127.0.0.1:*"} }},
	}

	for _, tc := range cases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			cfg := validConfig()
			tc.mutate(&cfg)
			err := cfg.Validate()
			if tc.wantErr == "" {
				if err != nil {
					t.Fatalf("unexpected error: %v", err)
				}
				return
			}
			if err == nil || !strings.Contains(err.Error(), tc.wantErr) {
				t.Fatalf("expected error containing %q, got %v", tc.wantErr, err)
			}
		})
	}
}
