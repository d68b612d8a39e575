package config

import (
	"fmt"
	"net"
	"strings"
)

// ValidationError accumulates config validation errors.
type ValidationError struct {
	Errors []string
}

func (v *ValidationError) Error() string {
	return "config validation failed:\n  - " + strings.Join(v.Errors, "\n  - ")
}

// HasErrors reports whether any validation errors have been recorded.
func (v *ValidationError) HasErrors() bool {
	return len(v.Errors) > 0
}

// Add records a formatted validation error.
func (v *ValidationError) Add(format string, args ...any) {
	v.Errors = append(v.Errors, fmt.Sprintf(format, args...))
}

// Validate checks cfg for structural correctness. It returns a *ValidationError
// when one or more problems are found, allowing callers to inspect all issues.
func Validate(cfg *Config) error {
	ve := &ValidationError{}
	validateServer(cfg, ve)
	validateGateway(cfg, ve)
	validateEngine(cfg, ve)
	validateOutbound(cfg, ve)
	validateStore(cfg, ve)
	validateIntegrations(cfg, ve)
	validateSchedules(cfg, ve)
	validateLogger(cfg, ve)
	validateTracer(cfg, ve)
	if ve.HasErrors() {
		return ve
	}
	return nil
}

func validateServer(cfg *Config, ve *ValidationError) {
	s := cfg.Server
	if s.Addr == "" {
		ve.Add("server.addr is required")
	} else if _, _, err := net.SplitHostPort(s.Addr); err != nil {
		ve.Add("server.addr %q is not a valid host:port", s.Addr)
	}
	if s.MaxBodyBytes <= 0 {
		ve.Add("server.max_body_bytes must be > 0")
	}
	if s.RateLimit.Enabled {
		if s.RateLimit.RequestsPerSecond <= 0 {
			ve.Add("server.rate_limit.requests_per_second must be > 0 when enabled")
		}
		if s.RateLimit.Burst <= 0 {
			ve.Add("server.rate_limit.burst must be > 0 when enabled")
		}
	}
	for i, p := range s.TrustedProxies {
		if _, _, err := net.ParseCIDR(p); err != nil && net.ParseIP(p) == nil {
			ve.Add("server.trusted_proxies[%d] %q is not an IP or CIDR", i, p)
		}
	}
}

func validateGateway(cfg *Config, ve *ValidationError) {
	auth := cfg.Gateway.Auth
	switch auth.Type {
	case "":
	case "static":
		if len(auth.Tokens) == 0 {
			ve.Add("gateway.auth.tokens must not be empty when auth.type is static")
		}
		seen := make(map[string]bool)
		for i, t := range auth.Tokens {
			if t.Token == "" {
				ve.Add("gateway.auth.tokens[%d].token is required", i)
			}
			if t.Name == "" {
				ve.Add("gateway.auth.tokens[%d].name is required", i)
			}
			if seen[t.Token] && t.Token != "" {
				ve.Add("gateway.auth.tokens[%d] duplicates an earlier token", i)
			}
			seen[t.Token] = true
		}
	default:
		ve.Add("gateway.auth.type %q is invalid (want: static or empty)", auth.Type)
	}
}

func validateEngine(cfg *Config, ve *ValidationError) {
	e := cfg.Engine
	switch e.EntryPoint {
	case "first", "trigger":
	default:
		ve.Add("engine.entry_point %q is invalid (want: first, trigger)", e.EntryPoint)
	}
	if e.MaxSteps <= 0 {
		ve.Add("engine.max_steps must be > 0")
	}
	if e.MaxRunning < 0 {
		ve.Add("engine.max_running must be >= 0")
	}
	if e.APICallTimeout <= 0 {
		ve.Add("engine.api_call_timeout must be > 0")
	}
	if e.WebhookTimeout <= 0 {
		ve.Add("engine.webhook_timeout must be > 0")
	}
	if e.MaxDelay <= 0 {
		ve.Add("engine.max_delay must be > 0")
	}
}

func validateOutbound(cfg *Config, ve *ValidationError) {
	o := cfg.Outbound
	if o.RequestsPerSecond < 0 {
		ve.Add("outbound.requests_per_second must be >= 0")
	}
	if o.RequestsPerSecond > 0 && o.Burst <= 0 {
		ve.Add("outbound.burst must be > 0 when requests_per_second is set")
	}
	if o.MaxResponseBytes <= 0 {
		ve.Add("outbound.max_response_bytes must be > 0")
	}
	if o.CircuitBreaker.Enabled && o.CircuitBreaker.MaxFailures == 0 {
		ve.Add("outbound.circuit_breaker.max_failures must be > 0 when enabled")
	}
}

func validateStore(cfg *Config, ve *ValidationError) {
	s := cfg.Store
	switch s.Driver {
	case "memory":
	case "sqlite":
		if s.DataDir == "" && s.DSN == "" {
			ve.Add("store.data_dir or store.dsn is required for the sqlite driver")
		}
	case "postgres":
		if s.DSN == "" {
			ve.Add("store.dsn is required for the postgres driver")
		}
	default:
		ve.Add("store.driver %q is invalid (want: memory, sqlite, postgres)", s.Driver)
	}
	if s.MaxExecutions < 0 {
		ve.Add("store.max_executions must be >= 0")
	}
}

var validIntegrationTypes = map[string]bool{
	"calendar": true,
	"crm":      true,
	"email":    true,
}

func validateIntegrations(cfg *Config, ve *ValidationError) {
	for i, in := range cfg.Integrations {
		if in.UserID == "" {
			ve.Add("integrations[%d].user_id is required", i)
		}
		if !validIntegrationTypes[in.Type] {
			ve.Add("integrations[%d].type %q is invalid (want: calendar, crm, email)", i, in.Type)
		}
	}
}

func validateSchedules(cfg *Config, ve *ValidationError) {
	seen := make(map[string]bool)
	for i, s := range cfg.Schedules {
		if s.Name == "" {
			ve.Add("schedules[%d].name is required", i)
		} else if seen[s.Name] {
			ve.Add("schedules[%d].name %q is duplicated", i, s.Name)
		}
		seen[s.Name] = true
		if s.WorkflowID == "" {
			ve.Add("schedules[%d].workflow_id is required", i)
		}
		if s.Schedule == "" {
			ve.Add("schedules[%d].schedule is required", i)
		}
	}
}

func validateLogger(cfg *Config, ve *ValidationError) {
	switch strings.ToLower(cfg.Logger.Level) {
	case "debug", "info", "warn", "error":
	default:
		ve.Add("logger.level %q is invalid (want: debug, info, warn, error)", cfg.Logger.Level)
	}
	switch cfg.Logger.Format {
	case "text", "json":
	default:
		ve.Add("logger.format %q is invalid (want: text, json)", cfg.Logger.Format)
	}
}

func validateTracer(cfg *Config, ve *ValidationError) {
	if !cfg.Tracer.Enabled {
		return
	}
	switch cfg.Tracer.Exporter {
	case "noop", "stdout":
	default:
		ve.Add("tracer.exporter %q is invalid (want: noop, stdout)", cfg.Tracer.Exporter)
	}
}
