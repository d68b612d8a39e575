package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the top-level application configuration.
type Config struct {
	Server       ServerConfig        `yaml:"server"`
	Gateway      GatewayConfig       `yaml:"gateway"`
	MCP          MCPConfig           `yaml:"mcp"`
	Engine       EngineConfig        `yaml:"engine"`
	Outbound     OutboundConfig      `yaml:"outbound"`
	Store        StoreConfig         `yaml:"store"`
	Integrations []IntegrationConfig `yaml:"integrations,omitempty"`
	Schedules    []ScheduleConfig    `yaml:"schedules,omitempty"`
	Logger       LoggerConfig        `yaml:"logger"`
	Tracer       TracerConfig        `yaml:"tracer"`
	Includes     []string            `yaml:"includes,omitempty"`
}

// ServerConfig holds HTTP listener settings.
type ServerConfig struct {
	Addr            string          `yaml:"addr"`
	ReadTimeout     time.Duration   `yaml:"read_timeout"`
	WriteTimeout    time.Duration   `yaml:"write_timeout"`
	ShutdownTimeout time.Duration   `yaml:"shutdown_timeout"`
	MaxBodyBytes    int64           `yaml:"max_body_bytes"`
	RateLimit       RateLimitConfig `yaml:"rate_limit"`
	TrustedProxies  []string        `yaml:"trusted_proxies,omitempty"`
}

// RateLimitConfig configures the per-client request limiter.
type RateLimitConfig struct {
	Enabled           bool    `yaml:"enabled"`
	RequestsPerSecond float64 `yaml:"requests_per_second"`
	Burst             int     `yaml:"burst"`
}

// GatewayConfig holds REST and WebSocket authentication settings.
type GatewayConfig struct {
	Auth AuthConfig `yaml:"auth"`
}

// AuthConfig holds gateway authentication settings.
type AuthConfig struct {
	Type   string        `yaml:"type"` // "static" or ""
	Tokens []TokenConfig `yaml:"tokens,omitempty"`
}

// TokenConfig holds a single gateway auth token.
type TokenConfig struct {
	Token string   `yaml:"token"`
	Name  string   `yaml:"name"`
	Roles []string `yaml:"roles"`
}

// MCPConfig controls the MCP tool surface.
type MCPConfig struct {
	Enabled bool   `yaml:"enabled"`
	BaseURL string `yaml:"base_url,omitempty"`
}

// EngineConfig holds workflow engine limits and executor timeouts.
type EngineConfig struct {
	EntryPoint     string        `yaml:"entry_point"` // "first" or "trigger"
	MaxSteps       int           `yaml:"max_steps"`
	MaxRunning     int           `yaml:"max_running"`
	APICallTimeout time.Duration `yaml:"api_call_timeout"`
	WebhookTimeout time.Duration `yaml:"webhook_timeout"`
	MaxDelay       time.Duration `yaml:"max_delay"`
	WorkflowDir    string        `yaml:"workflow_dir,omitempty"`
}

// OutboundConfig holds settings for HTTP calls made by workflow nodes.
type OutboundConfig struct {
	BlockPrivate      bool                 `yaml:"block_private"`
	AllowedHosts      []string             `yaml:"allowed_hosts,omitempty"`
	RequestsPerSecond float64              `yaml:"requests_per_second"`
	Burst             int                  `yaml:"burst"`
	MaxResponseBytes  int64                `yaml:"max_response_bytes"`
	CircuitBreaker    CircuitBreakerConfig `yaml:"circuit_breaker"`
	Pool              PoolConfig           `yaml:"pool"`
}

// CircuitBreakerConfig holds per-host circuit breaker settings.
type CircuitBreakerConfig struct {
	Enabled     bool          `yaml:"enabled"`
	MaxFailures uint32        `yaml:"max_failures"`
	Timeout     time.Duration `yaml:"timeout"`
	Interval    time.Duration `yaml:"interval"`
}

// PoolConfig holds HTTP connection pool settings.
type PoolConfig struct {
	MaxIdleConns        int           `yaml:"max_idle_conns"`
	MaxIdleConnsPerHost int           `yaml:"max_idle_conns_per_host"`
	MaxConnsPerHost     int           `yaml:"max_conns_per_host"`
	IdleConnTimeout     time.Duration `yaml:"idle_conn_timeout"`
}

// StoreConfig selects the registry and execution store backend.
type StoreConfig struct {
	Driver        string `yaml:"driver"` // "memory", "sqlite" or "postgres"
	DataDir       string `yaml:"data_dir"`
	DSN           string `yaml:"dsn,omitempty"`
	MaxExecutions int    `yaml:"max_executions"`
}

// IntegrationConfig declares a user's connected third-party service.
type IntegrationConfig struct {
	UserID   string `yaml:"user_id"`
	Type     string `yaml:"type"`
	Provider string `yaml:"provider"`
	Active   *bool  `yaml:"active,omitempty"` // nil = true
}

// IsActive reports the effective active flag.
func (c IntegrationConfig) IsActive() bool { return c.Active == nil || *c.Active }

// ScheduleConfig runs a workflow on a cron expression or interval.
type ScheduleConfig struct {
	Name         string         `yaml:"name"`
	WorkflowID   string         `yaml:"workflow_id"`
	Schedule     string         `yaml:"schedule"` // cron expression or duration string
	Context      map[string]any `yaml:"context,omitempty"`
	Integrations map[string]any `yaml:"integrations,omitempty"`
	OneShot      bool           `yaml:"one_shot,omitempty"`
}

// LoggerConfig holds logging settings.
type LoggerConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
	Output string `yaml:"output"`
}

// TracerConfig holds tracing settings.
type TracerConfig struct {
	Enabled  bool   `yaml:"enabled"`
	Exporter string `yaml:"exporter"`
	Endpoint string `yaml:"endpoint"`
}

// defaultDataDir returns $HOME/.afo/data, or "./data" when $HOME is unknown.
func defaultDataDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "./data"
	}
	return filepath.Join(home, ".afo", "data")
}

// Defaults returns a Config with sensible defaults.
func Defaults() *Config {
	return &Config{
		Server: ServerConfig{
			Addr:            ":8080",
			ReadTimeout:     15 * time.Second,
			WriteTimeout:    60 * time.Second,
			ShutdownTimeout: 15 * time.Second,
			MaxBodyBytes:    1 << 20,
			RateLimit: RateLimitConfig{
				Enabled:           false,
				RequestsPerSecond: 20,
				Burst:             40,
			},
		},
		MCP: MCPConfig{Enabled: true},
		Engine: EngineConfig{
			EntryPoint:     "first",
			MaxSteps:       1000,
			MaxRunning:     64,
			APICallTimeout: 30 * time.Second,
			WebhookTimeout: 10 * time.Second,
			MaxDelay:       time.Hour,
		},
		Outbound: OutboundConfig{
			BlockPrivate:      false,
			RequestsPerSecond: 50,
			Burst:             100,
			MaxResponseBytes:  10 << 20,
			CircuitBreaker: CircuitBreakerConfig{
				Enabled:     true,
				MaxFailures: 5,
				Timeout:     30 * time.Second,
				Interval:    60 * time.Second,
			},
		},
		Store: StoreConfig{
			Driver:        "memory",
			DataDir:       defaultDataDir(),
			MaxExecutions: 1000,
		},
		Logger: LoggerConfig{
			Level:  "info",
			Format: "text",
			Output: "stderr",
		},
		Tracer: TracerConfig{
			Enabled:  false,
			Exporter: "noop",
		},
	}
}

// Load reads a YAML config file, merges includes, applies env overrides and
// decrypts secrets. A missing file yields defaults plus env overrides.
func Load(path string) (*Config, error) {
	cfg := Defaults()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return finish(cfg)
		}
		return nil, fmt.Errorf("read config: %w", err)
	}

	absPath, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("resolve config path: %w", err)
	}
	if err := validatePermissions(absPath); err != nil {
		return nil, err
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	if len(cfg.Includes) > 0 {
		visited := map[string]bool{absPath: true}
		if err := processIncludes(cfg, filepath.Dir(absPath), visited, 0); err != nil {
			return nil, err
		}
		// The main file wins over anything it includes.
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config (second pass): %w", err)
		}
		cfg.Includes = nil
	}

	return finish(cfg)
}

func finish(cfg *Config) (*Config, error) {
	ApplyEnvOverrides(cfg)

	if passphrase := os.Getenv("AFO_CONFIG_KEY"); passphrase != "" {
		if err := decryptSecrets(cfg, passphrase); err != nil {
			return nil, fmt.Errorf("decrypt secrets: %w", err)
		}
	}

	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// ApplyEnvOverrides applies AFO_* environment variables on top of cfg.
func ApplyEnvOverrides(cfg *Config) {
	envString("AFO_SERVER_ADDR", &cfg.Server.Addr)
	envBool("AFO_SERVER_RATE_LIMIT_ENABLED", &cfg.Server.RateLimit.Enabled)
	envFloat("AFO_SERVER_RATE_LIMIT_RPS", &cfg.Server.RateLimit.RequestsPerSecond)
	envInt("AFO_SERVER_RATE_LIMIT_BURST", &cfg.Server.RateLimit.Burst)
	if v := os.Getenv("AFO_SERVER_TRUSTED_PROXIES"); v != "" {
		cfg.Server.TrustedProxies = splitAndTrim(v, ",")
	}

	envString("AFO_GATEWAY_AUTH_TYPE", &cfg.Gateway.Auth.Type)
	if v := os.Getenv("AFO_GATEWAY_TOKEN"); v != "" {
		cfg.Gateway.Auth.Type = "static"
		cfg.Gateway.Auth.Tokens = append(cfg.Gateway.Auth.Tokens, TokenConfig{
			Token: v, Name: "env", Roles: []string{"admin"},
		})
	}
	envBool("AFO_MCP_ENABLED", &cfg.MCP.Enabled)

	envString("AFO_ENGINE_ENTRY_POINT", &cfg.Engine.EntryPoint)
	envInt("AFO_ENGINE_MAX_STEPS", &cfg.Engine.MaxSteps)
	envInt("AFO_ENGINE_MAX_RUNNING", &cfg.Engine.MaxRunning)
	envDuration("AFO_ENGINE_API_CALL_TIMEOUT", &cfg.Engine.APICallTimeout)
	envDuration("AFO_ENGINE_WEBHOOK_TIMEOUT", &cfg.Engine.WebhookTimeout)
	envDuration("AFO_ENGINE_MAX_DELAY", &cfg.Engine.MaxDelay)
	envString("AFO_ENGINE_WORKFLOW_DIR", &cfg.Engine.WorkflowDir)

	envBool("AFO_OUTBOUND_BLOCK_PRIVATE", &cfg.Outbound.BlockPrivate)
	envFloat("AFO_OUTBOUND_RPS", &cfg.Outbound.RequestsPerSecond)
	envInt("AFO_OUTBOUND_BURST", &cfg.Outbound.Burst)
	if v := os.Getenv("AFO_OUTBOUND_ALLOWED_HOSTS"); v != "" {
		cfg.Outbound.AllowedHosts = splitAndTrim(v, ",")
	}

	envString("AFO_STORE_DRIVER", &cfg.Store.Driver)
	envString("AFO_STORE_DATA_DIR", &cfg.Store.DataDir)
	envString("AFO_STORE_DSN", &cfg.Store.DSN)
	envInt("AFO_STORE_MAX_EXECUTIONS", &cfg.Store.MaxExecutions)

	envString("AFO_LOGGER_LEVEL", &cfg.Logger.Level)
	envString("AFO_LOGGER_FORMAT", &cfg.Logger.Format)
	envString("AFO_LOGGER_OUTPUT", &cfg.Logger.Output)
	envBool("AFO_TRACER_ENABLED", &cfg.Tracer.Enabled)
	envString("AFO_TRACER_EXPORTER", &cfg.Tracer.Exporter)
}

func envString(key string, dst *string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

// envBool accepts only "true" and "false"; anything else is ignored.
func envBool(key string, dst *bool) {
	switch os.Getenv(key) {
	case "true":
		*dst = true
	case "false":
		*dst = false
	}
}

func envInt(key string, dst *int) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		}
	}
}

func envFloat(key string, dst *float64) {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			*dst = f
		}
	}
}

func envDuration(key string, dst *time.Duration) {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil && d > 0 {
			*dst = d
		}
	}
}

// splitAndTrim splits s by sep, trims each element and drops empty ones.
func splitAndTrim(s, sep string) []string {
	var out []string
	for _, p := range strings.Split(s, sep) {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

// validatePermissions rejects config files that are group or world writable.
func validatePermissions(path string) error {
	info, err := os.Stat(path)
	if err != nil {
		return fmt.Errorf("stat config: %w", err)
	}
	mode := info.Mode().Perm()
	if mode&0o022 != 0 {
		return fmt.Errorf("config file %s has insecure permissions %o (want 0600 or 0644)", path, mode)
	}
	return nil
}
