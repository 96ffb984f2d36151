package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/graklabs/grakgate/internal/ratelimit"
)

func writeFile(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func TestLoad_Defaults(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, ":8080", cfg.Server.HTTPAddr)
	assert.Equal(t, ":9090", cfg.Server.GRPCAddr)
	assert.Equal(t, "grakgate", cfg.Token.Issuer)
	assert.Equal(t, 15*time.Minute, cfg.Token.AccessTTL)
	assert.Equal(t, 7*24*time.Hour, cfg.Token.RefreshTTL)
	assert.Equal(t, ratelimit.AlgorithmFixedWindow, cfg.RateLimit.Algorithm)
	assert.Equal(t, 5, cfg.Sessions.MaxSessionsPerUser)
	assert.Equal(t, 10, cfg.APIKeys.MaxKeysPerUser)
	assert.True(t, cfg.Audit.Enabled)
	assert.False(t, cfg.Redis.Enabled())
}

func TestLoad_FromFile(t *testing.T) {
	path := writeFile(t, "config.yaml", `
server:
  httpAddr: ":18080"
token:
  issuer: custom-issuer
  accessTTL: 5m
  refreshTTL: 48h
sessions:
  maxSessionsPerUser: 2
  ttl: 1h
  idleTimeout: 10m
  suspiciousThreshold: 3
  renewalWindow: 2m
rateLimit:
  algorithm: token_bucket
  requests: 100
  window: 1m
  burst: 20
redis:
  addr: localhost:6379
`)

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, ":18080", cfg.Server.HTTPAddr)
	assert.Equal(t, "custom-issuer", cfg.Token.Issuer)
	assert.Equal(t, 5*time.Minute, cfg.Token.AccessTTL)
	assert.Equal(t, 2, cfg.Sessions.MaxSessionsPerUser)
	assert.Equal(t, ratelimit.AlgorithmTokenBucket, cfg.RateLimit.Algorithm)
	assert.Equal(t, 20, cfg.RateLimit.Burst)
	assert.True(t, cfg.Redis.Enabled())
}

func TestLoad_FileValuesSurviveDefaults(t *testing.T) {
	// A partial file keeps its own values and inherits defaults for
	// everything it leaves out. No env var is set, so nothing here may be
	// overwritten back to a default.
	path := writeFile(t, "config.yaml", `
server:
  httpAddr: ":18080"
token:
  issuer: custom-issuer
`)

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, ":18080", cfg.Server.HTTPAddr)
	assert.Equal(t, "custom-issuer", cfg.Token.Issuer)

	assert.Equal(t, ":9090", cfg.Server.GRPCAddr)
	assert.Equal(t, 15*time.Minute, cfg.Token.AccessTTL)
	assert.Equal(t, "grakgate-api", cfg.Token.Audience)
}

func TestLoad_EnvOverridesFile(t *testing.T) {
	path := writeFile(t, "config.yaml", `
server:
  httpAddr: ":18080"
`)
	t.Setenv("GRAKGATE_HTTP_ADDR", ":28080")
	t.Setenv("GRAKGATE_ACCESS_TTL", "10m")

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, ":28080", cfg.Server.HTTPAddr)
	assert.Equal(t, 10*time.Minute, cfg.Token.AccessTTL)
}

func TestLoad_MissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	assert.Error(t, err)
}

func TestLoad_RejectsBadYAML(t *testing.T) {
	path := writeFile(t, "config.yaml", "server: [not a map")
	_, err := Load(path)
	assert.Error(t, err)
}

func TestValidate(t *testing.T) {
	valid := func(t *testing.T) *Config {
		cfg, err := Load("")
		require.NoError(t, err)
		return cfg
	}

	t.Run("inverted ttls", func(t *testing.T) {
		cfg := valid(t)
		cfg.Token.AccessTTL = time.Hour
		cfg.Token.RefreshTTL = time.Minute
		assert.ErrorContains(t, cfg.Validate(), "refresh TTL")
	})

	t.Run("unknown algorithm", func(t *testing.T) {
		cfg := valid(t)
		cfg.RateLimit.Algorithm = "leaky_bucket"
		assert.ErrorContains(t, cfg.Validate(), "algorithm")
	})

	t.Run("missing http addr", func(t *testing.T) {
		cfg := valid(t)
		cfg.Server.HTTPAddr = ""
		assert.Error(t, cfg.Validate())
	})
}

func TestLoadPolicySet(t *testing.T) {
	path := writeFile(t, "policies.yaml", `
default:
  algorithm: fixed_window
  requests: 60
  window: 1m
policies:
  premium:
    algorithm: token_bucket
    requests: 600
    window: 1m
    burst: 50
`)

	set, err := LoadPolicySet(path)
	require.NoError(t, err)

	assert.Equal(t, 60, set.Lookup("unknown").Requests)
	premium := set.Lookup("premium")
	assert.Equal(t, ratelimit.AlgorithmTokenBucket, premium.Algorithm)
	assert.Equal(t, 600, premium.Requests)
}

func TestLoadPolicySet_RequiresDefault(t *testing.T) {
	path := writeFile(t, "policies.yaml", `
policies:
  premium:
    algorithm: fixed_window
    requests: 10
    window: 1m
`)
	_, err := LoadPolicySet(path)
	assert.ErrorContains(t, err, "default")
}

func TestLoadPolicySet_RejectsInvalidPolicy(t *testing.T) {
	path := writeFile(t, "policies.yaml", `
default:
  algorithm: fixed_window
  requests: 0
  window: 1m
`)
	_, err := LoadPolicySet(path)
	assert.ErrorContains(t, err, "requests")
}
