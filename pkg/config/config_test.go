package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestLoadAppliesDefaults(t *testing.T) {
	cfg, err := Load(writeConfig(t, "logging:\n  level: debug\nregistry:\n  jwt_secret: test-secret\n"))
	require.NoError(t, err)

	assert.Equal(t, "debug", cfg.Logging.Level)
	assert.Equal(t, "json", cfg.Logging.Format)
	assert.Equal(t, ":8500", cfg.Registry.ListenAddr)
	assert.Equal(t, 300, cfg.Registry.RedisTTLSeconds)
	assert.Equal(t, 30, cfg.A2A.TimeoutSeconds)
	assert.Equal(t, 5, cfg.A2A.CircuitBreakerThreshold)
	assert.Equal(t, 60, cfg.A2A.CircuitBreakerTimeoutSeconds)
	assert.Equal(t, 300, cfg.Cache.TTLSeconds)
	assert.Equal(t, ":8080", cfg.Supervisor.ListenAddr)
	assert.Equal(t, 64, cfg.Supervisor.MaxConcurrentTurns)

	// Auth, health monitoring and tracing are on unless explicitly
	// switched off.
	assert.True(t, cfg.Registry.AuthEnabled)
	assert.True(t, cfg.Registry.HealthCheckEnabled)
	assert.True(t, cfg.A2A.EnableTracing)
}

func TestLoadBooleansCanBeDisabled(t *testing.T) {
	doc := `
registry:
  auth_enabled: false
  health_check_enabled: false
a2a:
  enable_tracing: false
`
	cfg, err := Load(writeConfig(t, doc))
	require.NoError(t, err, "auth off must not require a jwt secret")

	assert.False(t, cfg.Registry.AuthEnabled)
	assert.False(t, cfg.Registry.HealthCheckEnabled)
	assert.False(t, cfg.A2A.EnableTracing)
}

func TestLoadParsesStaticAgentURLs(t *testing.T) {
	doc := `
registry:
  jwt_secret: test-secret
supervisor:
  enable_a2a_per_agent: true
  agent_a2a_urls:
    payments: "http://payment-agent:8601/a2a/invoke"
    accounts: "http://account-agent:8602/a2a/invoke"
`
	cfg, err := Load(writeConfig(t, doc))
	require.NoError(t, err)

	assert.True(t, cfg.Supervisor.EnableA2APerAgent)
	assert.Equal(t, "http://payment-agent:8601/a2a/invoke", cfg.Supervisor.AgentA2AURLs["payments"])
	assert.Len(t, cfg.Supervisor.AgentA2AURLs, 2)
}

func TestLoadExpandsEnvironment(t *testing.T) {
	t.Setenv("TEST_REDIS_URL", "redis://cache.internal:6379/2")

	cfg, err := Load(writeConfig(t, "registry:\n  redis_url: ${TEST_REDIS_URL}\n  jwt_secret: test-secret\n"))
	require.NoError(t, err)
	assert.Equal(t, "redis://cache.internal:6379/2", cfg.Registry.RedisURL)
}

func TestLoadRejectsAuthWithoutSecret(t *testing.T) {
	// Auth defaults on, so a config with no secret at all fails too.
	_, err := Load(writeConfig(t, "logging:\n  level: info\n"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "jwt_secret")

	_, err = Load(writeConfig(t, "registry:\n  auth_enabled: true\n"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "jwt_secret")
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	require.Error(t, err)
}

func TestAgentConfigValidate(t *testing.T) {
	cfg := AgentConfig{}
	cfg.SetDefaults()
	require.Error(t, cfg.Validate())

	cfg.Name = "Payment Agent"
	require.Error(t, cfg.Validate(), "capabilities are required")

	cfg.Capabilities = []string{"payments"}
	require.Error(t, cfg.Validate(), "public_url is required")

	cfg.PublicURL = "http://payment-agent:8600"
	assert.NoError(t, cfg.Validate())
	assert.Equal(t, "domain", cfg.Type)
	assert.Equal(t, 20, cfg.HeartbeatIntervalSeconds)
}

func TestCacheConfigDurations(t *testing.T) {
	cfg := CacheConfig{TTLSeconds: 120, CleanupAgeSeconds: 900}
	assert.Equal(t, "2m0s", cfg.TTL().String())
	assert.Equal(t, "15m0s", cfg.CleanupAge().String())
}
