package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("failed to write config: %v", err)
	}
	return path
}

func TestLoadDefaults(t *testing.T) {
	t.Setenv("DATABASE_URL", "postgres://localhost/redirects")

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load() failed: %v", err)
	}

	if cfg.Server.Addr != ":8080" || cfg.Server.AdminAddr != ":8081" {
		t.Errorf("addresses = %q, %q", cfg.Server.Addr, cfg.Server.AdminAddr)
	}
	if cfg.Invalidation.Backend != BackendPostgres {
		t.Errorf("backend = %q, want postgres", cfg.Invalidation.Backend)
	}
	if !cfg.MigrateOnStart {
		t.Error("migrations should run on start by default")
	}
	if err := cfg.Validate(); err != nil {
		t.Errorf("Validate() failed: %v", err)
	}
}

func TestLoadYAMLWithEnvOverrides(t *testing.T) {
	path := writeConfig(t, `
database_url: postgres://file/redirects
migrate_on_start: false
server:
  addr: ":9000"
  admin_token: from-file
cache:
  ttl: 1d
invalidation:
  backend: redis
  channel: rules
redis:
  url: redis://file:6379/0
`)

	t.Setenv("ADMIN_TOKEN", "from-env")
	t.Setenv("PORT", "9090")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() failed: %v", err)
	}

	if cfg.DatabaseURL != "postgres://file/redirects" {
		t.Errorf("DatabaseURL = %q", cfg.DatabaseURL)
	}
	if cfg.MigrateOnStart {
		t.Error("migrate_on_start from file ignored")
	}
	if cfg.Server.Addr != ":9090" {
		t.Errorf("PORT should override the file address, got %q", cfg.Server.Addr)
	}
	if cfg.Server.AdminToken != "from-env" {
		t.Errorf("ADMIN_TOKEN should override the file, got %q", cfg.Server.AdminToken)
	}
	if cfg.Invalidation.Backend != BackendRedis || cfg.Invalidation.Channel != "rules" {
		t.Errorf("invalidation = %+v", cfg.Invalidation)
	}

	ttl, err := cfg.CacheTTL()
	if err != nil || ttl != 24*time.Hour {
		t.Errorf("CacheTTL() = %v, %v; want 24h", ttl, err)
	}
	if err := cfg.Validate(); err != nil {
		t.Errorf("Validate() failed: %v", err)
	}
}

func TestLoadConfigFileFromEnv(t *testing.T) {
	path := writeConfig(t, "database_url: postgres://env-file/redirects\n")
	t.Setenv("CONFIG_FILE", path)

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load() failed: %v", err)
	}
	if cfg.DatabaseURL != "postgres://env-file/redirects" {
		t.Errorf("DatabaseURL = %q", cfg.DatabaseURL)
	}
}

func TestLoadErrors(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "missing.yaml")); err == nil {
		t.Error("missing config file should fail")
	}

	if _, err := Load(writeConfig(t, "server: [not, a, map")); err == nil {
		t.Error("malformed YAML should fail")
	}

	t.Setenv("MIGRATE_ON_START", "maybe")
	if _, err := Load(""); err == nil || !strings.Contains(err.Error(), "MIGRATE_ON_START") {
		t.Errorf("bad boolean should name the variable, got %v", err)
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{"missing database", func(c *Config) { c.DatabaseURL = "" }, "DATABASE_URL"},
		{"redis without url", func(c *Config) { c.Invalidation.Backend = BackendRedis }, "REDIS_URL"},
		{"valkey without address", func(c *Config) { c.Invalidation.Backend = BackendValkey }, "VALKEY_ADDRESS"},
		{"unknown backend", func(c *Config) { c.Invalidation.Backend = "kafka" }, "unknown invalidation backend"},
		{"bad ttl", func(c *Config) { c.Cache.TTL = "soon" }, "invalid cache ttl"},
		{"memory backend", func(c *Config) { c.Invalidation.Backend = BackendMemory }, ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			cfg.DatabaseURL = "postgres://localhost/redirects"
			tt.mutate(cfg)

			err := cfg.Validate()
			if tt.wantErr == "" {
				if err != nil {
					t.Errorf("Validate() failed: %v", err)
				}
				return
			}
			if err == nil || !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("Validate() error = %v, want %q", err, tt.wantErr)
			}
		})
	}
}

func TestParseDuration(t *testing.T) {
	tests := map[string]time.Duration{
		"":    0,
		"0":   0,
		"90s": 90 * time.Second,
		"10m": 10 * time.Minute,
		"2d":  48 * time.Hour,
		"1w":  7 * 24 * time.Hour,
	}
	for in, want := range tests {
		got, err := ParseDuration(in)
		if err != nil || got != want {
			t.Errorf("ParseDuration(%q) = %v, %v; want %v", in, got, err, want)
		}
	}

	for _, in := range []string{"soon", "-5m", "-1d"} {
		if _, err := ParseDuration(in); err == nil {
			t.Errorf("ParseDuration(%q) should fail", in)
		}
	}
}
