// Package config loads and validates service configuration from a YAML
// file with environment variable overrides, and hot-reloads the
// rate-limit policy file.
package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/caarlos0/env/v11"
	"gopkg.in/yaml.v3"

	"github.com/graklabs/grakgate/internal/apikey"
	"github.com/graklabs/grakgate/internal/observability"
	"github.com/graklabs/grakgate/internal/ratelimit"
	"github.com/graklabs/grakgate/internal/secrets"
	"github.com/graklabs/grakgate/internal/session"
)

// ServerConfig holds listener configuration.
type ServerConfig struct {
	HTTPAddr        string        `yaml:"httpAddr" env:"GRAKGATE_HTTP_ADDR"`
	GRPCAddr        string        `yaml:"grpcAddr" env:"GRAKGATE_GRPC_ADDR"`
	ShutdownTimeout time.Duration `yaml:"shutdownTimeout" env:"GRAKGATE_SHUTDOWN_TIMEOUT"`

	// GlobalRate throttles unauthenticated endpoints, login above all,
	// in requests per second with the given burst.
	GlobalRate  float64 `yaml:"globalRate" env:"GRAKGATE_GLOBAL_RATE"`
	GlobalBurst int     `yaml:"globalBurst" env:"GRAKGATE_GLOBAL_BURST"`
}

// TokenConfig holds token lifecycle configuration. The signing secret is
// resolved through the secrets provider, never from this file.
type TokenConfig struct {
	Issuer     string        `yaml:"issuer" env:"GRAKGATE_TOKEN_ISSUER"`
	Audience   string        `yaml:"audience" env:"GRAKGATE_TOKEN_AUDIENCE"`
	AccessTTL  time.Duration `yaml:"accessTTL" env:"GRAKGATE_ACCESS_TTL"`
	RefreshTTL time.Duration `yaml:"refreshTTL" env:"GRAKGATE_REFRESH_TTL"`
}

// RedisConfig holds the shared Redis connection settings. An empty
// address selects the in-memory stores.
type RedisConfig struct {
	Addr     string `yaml:"addr" env:"GRAKGATE_REDIS_ADDR"`
	Password string `yaml:"password" env:"GRAKGATE_REDIS_PASSWORD"`
	DB       int    `yaml:"db" env:"GRAKGATE_REDIS_DB"`
}

// Enabled reports whether Redis-backed stores are configured.
func (c *RedisConfig) Enabled() bool {
	return c.Addr != ""
}

// SweepConfig schedules the periodic maintenance sweeps.
type SweepConfig struct {
	Interval time.Duration `yaml:"interval" env:"GRAKGATE_SWEEP_INTERVAL"`
}

// Config is the root service configuration.
type Config struct {
	Server    ServerConfig              `yaml:"server"`
	Log       observability.LogConfig   `yaml:"log"`
	Tracing   observability.TraceConfig `yaml:"tracing"`
	Token     TokenConfig               `yaml:"token"`
	APIKeys   apikey.Config             `yaml:"apiKeys"`
	Sessions  session.Config            `yaml:"sessions"`
	RateLimit ratelimit.Config          `yaml:"rateLimit"`
	Redis     RedisConfig               `yaml:"redis"`
	Audit     AuditConfig               `yaml:"audit"`
	Vault     *secrets.VaultConfig      `yaml:"vault,omitempty"`
	Sweep     SweepConfig               `yaml:"sweep"`

	// PolicyFile points at the hot-reloaded rate-limit policy file.
	PolicyFile string `yaml:"policyFile" env:"GRAKGATE_POLICY_FILE"`

	// UsersFile seeds the in-memory user store at startup. Ignored when
	// empty.
	UsersFile string `yaml:"usersFile" env:"GRAKGATE_USERS_FILE"`
}

// AuditConfig mirrors the audit logger configuration.
type AuditConfig struct {
	Enabled      bool     `yaml:"enabled" env:"GRAKGATE_AUDIT_ENABLED"`
	Output       string   `yaml:"output" env:"GRAKGATE_AUDIT_OUTPUT"`
	RedactFields []string `yaml:"redactFields"`
}

// Load reads configuration in three layers: built-in defaults, then the
// YAML file (when path is non-empty), then environment overrides. Each
// layer only touches the fields it actually sets, so a file value
// survives unless an env var overrides it. Validation runs before the
// config is returned, so a bad config fails at startup.
func Load(path string) (*Config, error) {
	cfg := defaultConfig()

	if path != "" {
		raw, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config file: %w", err)
		}
		if err := yaml.Unmarshal(raw, cfg); err != nil {
			return nil, fmt.Errorf("parse config file: %w", err)
		}
	}

	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("parse environment: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// defaultConfig is the base layer every load starts from.
func defaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			HTTPAddr:        ":8080",
			GRPCAddr:        ":9090",
			ShutdownTimeout: 15 * time.Second,
			GlobalRate:      50,
			GlobalBurst:     100,
		},
		Log:     observability.DefaultLogConfig(),
		Tracing: observability.DefaultTraceConfig(),
		Token: TokenConfig{
			Issuer:     "grakgate",
			Audience:   "grakgate-api",
			AccessTTL:  15 * time.Minute,
			RefreshTTL: 168 * time.Hour,
		},
		APIKeys:   apikey.Config{MaxKeysPerUser: apikey.DefaultMaxKeysPerUser},
		Sessions:  *session.DefaultConfig(),
		RateLimit: *ratelimit.DefaultConfig(),
		Audit:     AuditConfig{Enabled: true, Output: "stdout"},
		Sweep:     SweepConfig{Interval: 5 * time.Minute},
	}
}

// Validate checks the configuration for values that cannot work.
func (c *Config) Validate() error {
	if c.Server.HTTPAddr == "" {
		return errors.New("server http address is required")
	}
	if c.Token.AccessTTL <= 0 || c.Token.RefreshTTL <= 0 {
		return errors.New("token TTLs must be positive")
	}
	if c.Token.RefreshTTL <= c.Token.AccessTTL {
		return errors.New("refresh TTL must exceed access TTL")
	}
	if !c.RateLimit.Algorithm.Valid() {
		return fmt.Errorf("unknown rate limit algorithm %q", c.RateLimit.Algorithm)
	}
	if c.Server.GlobalRate <= 0 || c.Server.GlobalBurst <= 0 {
		return errors.New("global rate and burst must be positive")
	}
	return nil
}
