// Copyright 2026 FinVault
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package config loads the fabric's YAML configuration with environment
// variable expansion and per-section defaults.
package config

import (
	"fmt"
	"os"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"github.com/finvault/fabric/pkg/observability"
)

// ============================================================================
// CONFIGURATION TYPES
// ============================================================================

// LoggingConfig configures structured logging.
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
	Output string `yaml:"output"`
}

func (c *LoggingConfig) SetDefaults() {
	if c.Level == "" {
		c.Level = "info"
	}
	if c.Format == "" {
		c.Format = "json"
	}
	if c.Output == "" {
		c.Output = "stderr"
	}
}

// RegistryConfig configures the agent registry service.
type RegistryConfig struct {
	ListenAddr string `yaml:"listen_addr"`

	RedisURL        string `yaml:"redis_url"`
	RedisTTLSeconds int    `yaml:"redis_ttl_seconds"`

	// DurablePath is the sqlite database file backing the durable tier.
	// Empty disables the durable tier.
	DurablePath string `yaml:"durable_path"`

	HealthCheckEnabled         bool `yaml:"health_check_enabled"`
	HealthCheckIntervalSeconds int  `yaml:"health_check_interval_seconds"`
	StaleAgentThresholdMinutes int  `yaml:"stale_agent_threshold_minutes"`

	AuthEnabled          bool   `yaml:"auth_enabled"`
	JWTSecret            string `yaml:"jwt_secret"`
	JWTAlgorithm         string `yaml:"jwt_algorithm"`
	JWTExpirationSeconds int    `yaml:"jwt_expiration_seconds"`
}

func (c *RegistryConfig) SetDefaults() {
	if c.ListenAddr == "" {
		c.ListenAddr = ":8500"
	}
	if c.RedisURL == "" {
		c.RedisURL = "redis://localhost:6379/0"
	}
	if c.RedisTTLSeconds <= 0 {
		c.RedisTTLSeconds = 300
	}
	if c.HealthCheckIntervalSeconds <= 0 {
		c.HealthCheckIntervalSeconds = 30
	}
	if c.StaleAgentThresholdMinutes <= 0 {
		c.StaleAgentThresholdMinutes = 5
	}
	if c.JWTAlgorithm == "" {
		c.JWTAlgorithm = "HS256"
	}
	if c.JWTExpirationSeconds <= 0 {
		c.JWTExpirationSeconds = 3600
	}
}

func (c *RegistryConfig) Validate() error {
	if c.AuthEnabled && c.JWTSecret == "" {
		return fmt.Errorf("registry: jwt_secret is required when auth is enabled")
	}
	return nil
}

// A2AClientConfig configures outbound agent-to-agent messaging.
type A2AClientConfig struct {
	TimeoutSeconds               int  `yaml:"timeout_seconds"`
	MaxRetries                   int  `yaml:"max_retries"`
	RetryBackoffSeconds          int  `yaml:"retry_backoff_seconds"`
	CircuitBreakerThreshold      int  `yaml:"circuit_breaker_threshold"`
	CircuitBreakerTimeoutSeconds int  `yaml:"circuit_breaker_timeout_seconds"`
	EnableTracing                bool `yaml:"enable_tracing"`
}

func (c *A2AClientConfig) SetDefaults() {
	if c.TimeoutSeconds <= 0 {
		c.TimeoutSeconds = 30
	}
	if c.MaxRetries <= 0 {
		c.MaxRetries = 3
	}
	if c.RetryBackoffSeconds <= 0 {
		c.RetryBackoffSeconds = 2
	}
	if c.CircuitBreakerThreshold <= 0 {
		c.CircuitBreakerThreshold = 5
	}
	if c.CircuitBreakerTimeoutSeconds <= 0 {
		c.CircuitBreakerTimeoutSeconds = 60
	}
}

// CacheConfig configures the per-customer cache.
type CacheConfig struct {
	CacheDir          string `yaml:"cache_dir"`
	TTLSeconds        int    `yaml:"ttl_seconds"`
	CleanupAgeSeconds int    `yaml:"cleanup_age_seconds"`
}

func (c *CacheConfig) SetDefaults() {
	if c.CacheDir == "" {
		c.CacheDir = "./data/cache"
	}
	if c.TTLSeconds <= 0 {
		c.TTLSeconds = 300
	}
	if c.CleanupAgeSeconds <= 0 {
		c.CleanupAgeSeconds = 3600
	}
}

// TTL returns the snapshot TTL as a duration.
func (c *CacheConfig) TTL() time.Duration {
	return time.Duration(c.TTLSeconds) * time.Second
}

// CleanupAge returns the cleanup age as a duration.
func (c *CacheConfig) CleanupAge() time.Duration {
	return time.Duration(c.CleanupAgeSeconds) * time.Second
}

// LLMConfig configures the classification/formatting model endpoint.
type LLMConfig struct {
	Endpoint       string  `yaml:"endpoint"`
	APIKey         string  `yaml:"api_key"`
	MiniDeployment string  `yaml:"mini_deployment"`
	TimeoutSeconds int     `yaml:"timeout_seconds"`
	Temperature    float64 `yaml:"temperature"`
}

func (c *LLMConfig) SetDefaults() {
	if c.TimeoutSeconds <= 0 {
		c.TimeoutSeconds = 5
	}
}

// SupervisorConfig configures the front-door service.
type SupervisorConfig struct {
	ListenAddr  string `yaml:"listen_addr"`
	RegistryURL string `yaml:"registry_url"`

	MaxConcurrentTurns int    `yaml:"max_concurrent_turns"`
	ConversationLogDir string `yaml:"conversation_log_dir"`

	// AgentA2AURLs statically maps capabilities to agent endpoints. When
	// EnableA2APerAgent is set, mapped capabilities bypass registry
	// discovery; unmapped ones still resolve through the registry.
	EnableA2APerAgent bool              `yaml:"enable_a2a_per_agent"`
	AgentA2AURLs      map[string]string `yaml:"agent_a2a_urls"`
}

func (c *SupervisorConfig) SetDefaults() {
	if c.ListenAddr == "" {
		c.ListenAddr = ":8080"
	}
	if c.RegistryURL == "" {
		c.RegistryURL = "http://localhost:8500"
	}
	if c.MaxConcurrentTurns <= 0 {
		c.MaxConcurrentTurns = 64
	}
	if c.ConversationLogDir == "" {
		c.ConversationLogDir = "./data/conversations"
	}
}

// MCPServerConfig configures one downstream tool server.
type MCPServerConfig struct {
	Name              string `yaml:"name"`
	URL               string `yaml:"url"`
	ExternalURL       string `yaml:"external_url"`
	PreferExternalURL bool   `yaml:"prefer_external_url"`
	PaymentServer     bool   `yaml:"payment_server"`
}

// AgentConfig configures one specialist agent process.
type AgentConfig struct {
	Name         string   `yaml:"name"`
	Type         string   `yaml:"type"`
	Version      string   `yaml:"version"`
	Capabilities []string `yaml:"capabilities"`
	Tags         []string `yaml:"tags"`

	ListenAddr  string `yaml:"listen_addr"`
	PublicURL   string `yaml:"public_url"`
	RegistryURL string `yaml:"registry_url"`

	HeartbeatIntervalSeconds int `yaml:"heartbeat_interval_seconds"`

	MCPServers []MCPServerConfig `yaml:"mcp_servers"`
}

func (c *AgentConfig) SetDefaults() {
	if c.Type == "" {
		c.Type = "domain"
	}
	if c.Version == "" {
		c.Version = "1.0.0"
	}
	if c.ListenAddr == "" {
		c.ListenAddr = ":8600"
	}
	if c.RegistryURL == "" {
		c.RegistryURL = "http://localhost:8500"
	}
	if c.HeartbeatIntervalSeconds <= 0 {
		c.HeartbeatIntervalSeconds = 20
	}
}

func (c *AgentConfig) Validate() error {
	if c.Name == "" {
		return fmt.Errorf("agent: name is required")
	}
	if len(c.Capabilities) == 0 {
		return fmt.Errorf("agent: at least one capability is required")
	}
	if c.PublicURL == "" {
		return fmt.Errorf("agent: public_url is required")
	}
	return nil
}

// TelemetryConfig configures the analytics sink.
type TelemetryConfig struct {
	Dir string `yaml:"dir"`
}

func (c *TelemetryConfig) SetDefaults() {
	if c.Dir == "" {
		c.Dir = "./data/telemetry"
	}
}

// Config is the root configuration document.
type Config struct {
	Logging    LoggingConfig               `yaml:"logging"`
	Registry   RegistryConfig              `yaml:"registry"`
	A2A        A2AClientConfig             `yaml:"a2a"`
	Cache      CacheConfig                 `yaml:"cache"`
	LLM        LLMConfig                   `yaml:"llm"`
	Supervisor SupervisorConfig            `yaml:"supervisor"`
	Agent      AgentConfig                 `yaml:"agent"`
	Telemetry  TelemetryConfig             `yaml:"telemetry"`
	Tracing    observability.TracingConfig `yaml:"tracing"`
}

// SetDefaults fills every section's defaults.
func (c *Config) SetDefaults() {
	c.Logging.SetDefaults()
	c.Registry.SetDefaults()
	c.A2A.SetDefaults()
	c.Cache.SetDefaults()
	c.LLM.SetDefaults()
	c.Supervisor.SetDefaults()
	c.Telemetry.SetDefaults()
	c.Tracing.SetDefaults()
}

// Validate checks cross-field requirements.
func (c *Config) Validate() error {
	if err := c.Registry.Validate(); err != nil {
		return err
	}
	return nil
}

// Load reads, expands and validates the configuration file. A .env file in
// the working directory is loaded first, if present.
func Load(path string) (*Config, error) {
	_ = godotenv.Load()

	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config %s: %w", path, err)
	}

	// ${VAR} references in the file resolve against the environment.
	expanded := os.ExpandEnv(string(raw))

	var cfg Config
	// Switches that default on are pre-set before decoding: an absent key
	// keeps the preset, an explicit false overrides it. Auth, health
	// monitoring and tracing are opt-out, not opt-in.
	cfg.Registry.AuthEnabled = true
	cfg.Registry.HealthCheckEnabled = true
	cfg.A2A.EnableTracing = true
	if err := yaml.Unmarshal([]byte(expanded), &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config %s: %w", path, err)
	}

	cfg.SetDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}
