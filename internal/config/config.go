// Package config loads server settings from an optional YAML file, a .env
// file and the environment, in increasing order of precedence.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/goccy/go-yaml"
	"github.com/joho/godotenv"
)

// Invalidation backends
const (
	BackendMemory   = "memory"
	BackendPostgres = "postgres"
	BackendRedis    = "redis"
	BackendValkey   = "valkey"
)

type Config struct {
	DatabaseURL    string `yaml:"database_url"`
	MigrateOnStart bool   `yaml:"migrate_on_start"`

	Server struct {
		// Addr serves redirects; AdminAddr serves the management API
		Addr                  string `yaml:"addr"`
		AdminAddr             string `yaml:"admin_addr"`
		AdminToken            string `yaml:"admin_token"`
		TrustForwardedHeaders bool   `yaml:"trust_forwarded_headers"`
	} `yaml:"server"`

	Cache struct {
		TTL string `yaml:"ttl"` // e.g. "10m", "1d"; empty disables expiry
	} `yaml:"cache"`

	Invalidation struct {
		Backend string `yaml:"backend"`
		Channel string `yaml:"channel"`
	} `yaml:"invalidation"`

	Redis struct {
		URL string `yaml:"url"`
	} `yaml:"redis"`

	Valkey struct {
		Address  string `yaml:"address"`
		Password string `yaml:"password"`
		DB       int    `yaml:"db"`
	} `yaml:"valkey"`
}

// Default returns the settings used when nothing is configured
func Default() *Config {
	cfg := &Config{MigrateOnStart: true}
	cfg.Server.Addr = ":8080"
	cfg.Server.AdminAddr = ":8081"
	cfg.Invalidation.Backend = BackendPostgres
	return cfg
}

// Load builds the configuration. path names an optional YAML file; when
// empty CONFIG_FILE is consulted.
func Load(path string) (*Config, error) {
	// A missing .env is normal; real environment variables always win
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("failed to load .env: %w", err)
	}

	cfg := Default()

	if path == "" {
		path = os.Getenv("CONFIG_FILE")
	}
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config file: %w", err)
		}
	}

	if err := cfg.applyEnv(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) applyEnv() error {
	setString(&c.DatabaseURL, "DATABASE_URL")
	setString(&c.Server.Addr, "HTTP_ADDR")
	if port := os.Getenv("PORT"); port != "" {
		c.Server.Addr = ":" + port
	}
	setString(&c.Server.AdminAddr, "ADMIN_ADDR")
	setString(&c.Server.AdminToken, "ADMIN_TOKEN")
	setString(&c.Cache.TTL, "CACHE_TTL")
	setString(&c.Invalidation.Backend, "INVALIDATION_BACKEND")
	setString(&c.Invalidation.Channel, "INVALIDATION_CHANNEL")
	setString(&c.Redis.URL, "REDIS_URL")
	setString(&c.Valkey.Address, "VALKEY_ADDRESS")
	setString(&c.Valkey.Password, "VALKEY_PASSWORD")

	if err := setBool(&c.MigrateOnStart, "MIGRATE_ON_START"); err != nil {
		return err
	}
	if err := setBool(&c.Server.TrustForwardedHeaders, "TRUST_FORWARDED_HEADERS"); err != nil {
		return err
	}
	if v := os.Getenv("VALKEY_DB"); v != "" {
		db, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("invalid VALKEY_DB %q: %w", v, err)
		}
		c.Valkey.DB = db
	}

	c.Invalidation.Backend = strings.ToLower(strings.TrimSpace(c.Invalidation.Backend))
	return nil
}

// Validate checks required values and backend-specific settings
func (c *Config) Validate() error {
	if c.DatabaseURL == "" {
		return errors.New("DATABASE_URL environment variable is required")
	}
	if c.Server.Addr == "" {
		return errors.New("server address cannot be empty")
	}
	if _, err := c.CacheTTL(); err != nil {
		return err
	}

	switch c.Invalidation.Backend {
	case BackendMemory, BackendPostgres:
	case BackendRedis:
		if c.Redis.URL == "" {
			return errors.New("REDIS_URL is required for the redis invalidation backend")
		}
	case BackendValkey:
		if c.Valkey.Address == "" {
			return errors.New("VALKEY_ADDRESS is required for the valkey invalidation backend")
		}
	default:
		return fmt.Errorf("unknown invalidation backend %q (must be memory, postgres, redis or valkey)", c.Invalidation.Backend)
	}
	return nil
}

// CacheTTL parses Cache.TTL. Besides Go durations it accepts whole days
// ("7d") and weeks ("2w"). Zero means no expiry.
func (c *Config) CacheTTL() (time.Duration, error) {
	return ParseDuration(c.Cache.TTL)
}

func ParseDuration(s string) (time.Duration, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, nil
	}

	var d time.Duration
	n, err := strconv.Atoi(s[:len(s)-1])
	switch {
	case err == nil && s[len(s)-1] == 'd':
		d = time.Duration(n) * 24 * time.Hour
	case err == nil && s[len(s)-1] == 'w':
		d = time.Duration(n) * 7 * 24 * time.Hour
	default:
		if d, err = time.ParseDuration(s); err != nil {
			return 0, fmt.Errorf("invalid cache ttl %q: %w", s, err)
		}
	}
	if d < 0 {
		return 0, fmt.Errorf("invalid cache ttl %q: must not be negative", s)
	}
	return d, nil
}

func setString(dst *string, key string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

func setBool(dst *bool, key string) error {
	v := os.Getenv(key)
	if v == "" {
		return nil
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return fmt.Errorf("invalid %s %q: %w", key, v, err)
	}
	*dst = b
	return nil
}
