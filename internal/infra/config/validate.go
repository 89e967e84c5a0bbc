package config

import (
	"fmt"
	"net"
	"strings"

	"github.com/robfig/cron/v3"
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
func (v *ValidationError) Add(format string, args ...interface{}) {
	v.Errors = append(v.Errors, fmt.Sprintf(format, args...))
}

// Validate checks cfg for structural correctness. It returns a *ValidationError
// when one or more problems are found, allowing callers to inspect all issues.
func Validate(cfg *Config) error {
	ve := &ValidationError{}
	validateAgent(cfg, ve)
	validateLLM(cfg, ve)
	validateTools(cfg, ve)
	validateSessions(cfg, ve)
	validateGateway(cfg, ve)
	validateLogger(cfg, ve)
	if ve.HasErrors() {
		return ve
	}
	return nil
}

func validateAgent(cfg *Config, ve *ValidationError) {
	a := cfg.Agent
	if a.MaxIterations <= 0 {
		ve.Add("agent.max_iterations must be > 0")
	}
	if a.MaxHistory < 0 {
		ve.Add("agent.max_history must be >= 0")
	}
	if a.DecisionTimeout <= 0 {
		ve.Add("agent.decision_timeout must be > 0")
	}
	if a.TurnTimeout < 0 {
		ve.Add("agent.turn_timeout must be >= 0")
	}
	if strings.TrimSpace(a.SystemPrompt) == "" {
		ve.Add("agent.system_prompt must not be empty")
	}
	switch a.TransportErrors {
	case TransportErrorsFail, TransportErrorsNarrate:
	default:
		ve.Add("agent.transport_errors must be %q or %q, got %q",
			TransportErrorsFail, TransportErrorsNarrate, a.TransportErrors)
	}
}

var validProviderTypes = map[string]bool{
	"openai":    true,
	"anthropic": true,
	"ollama":    true,
}

// ProviderType returns the adapter type of p, defaulting to its name.
func ProviderType(p ProviderConfig) string {
	if p.Type != "" {
		return p.Type
	}
	return p.Name
}

func validateLLM(cfg *Config, ve *ValidationError) {
	if len(cfg.LLM.Providers) == 0 {
		ve.Add("llm.providers must not be empty")
		return
	}
	seen := make(map[string]bool, len(cfg.LLM.Providers))
	found := false
	for i, p := range cfg.LLM.Providers {
		if p.Name == "" {
			ve.Add("llm.providers[%d].name must not be empty", i)
			continue
		}
		if seen[p.Name] {
			ve.Add("llm.providers[%d]: duplicate name %q", i, p.Name)
		}
		seen[p.Name] = true
		if p.Name == cfg.LLM.DefaultProvider {
			found = true
		}
		if typ := ProviderType(p); !validProviderTypes[typ] {
			ve.Add("llm.providers[%d] (%s): unsupported type %q", i, p.Name, typ)
		}
		if p.Model == "" {
			ve.Add("llm.providers[%d] (%s): model must not be empty", i, p.Name)
		}
		if p.ConnTimeout < 0 || p.RespTimeout < 0 {
			ve.Add("llm.providers[%d] (%s): timeouts must be >= 0", i, p.Name)
		}
	}
	if !found {
		ve.Add("llm.default_provider %q does not match any provider", cfg.LLM.DefaultProvider)
	}
	validateBreaker("llm.circuit_breaker", cfg.LLM.CircuitBreaker, ve)
}

func validateBreaker(path string, cb CircuitBreakerConfig, ve *ValidationError) {
	if !cb.Enabled {
		return
	}
	if cb.MaxFailures == 0 {
		ve.Add("%s.max_failures must be > 0 when enabled", path)
	}
	if cb.Timeout <= 0 {
		ve.Add("%s.timeout must be > 0 when enabled", path)
	}
}

var validTransports = map[string]bool{
	"stdio": true,
	"sse":   true,
	"http":  true,
}

func validateTools(cfg *Config, ve *ValidationError) {
	t := cfg.Tools
	if t.CallTimeout <= 0 {
		ve.Add("tools.call_timeout must be > 0")
	}
	if t.DiscoveryTimeout <= 0 {
		ve.Add("tools.discovery_timeout must be > 0")
	}
	if t.RateLimit.RequestsPerMin < 0 || t.RateLimit.BurstSize < 0 {
		ve.Add("tools.rate_limit values must be >= 0")
	}
	if t.RateLimit.RequestsPerMin > 0 && t.RateLimit.BurstSize == 0 {
		ve.Add("tools.rate_limit.burst_size must be > 0 when requests_per_min is set")
	}
	validateBreaker("tools.circuit_breaker", t.CircuitBreaker, ve)

	seen := make(map[string]bool, len(t.Servers))
	for i, srv := range t.Servers {
		if srv.Name == "" {
			ve.Add("tools.servers[%d].name must not be empty", i)
		} else if seen[srv.Name] {
			ve.Add("tools.servers[%d]: duplicate name %q", i, srv.Name)
		}
		seen[srv.Name] = true

		if !validTransports[srv.Transport] {
			ve.Add("tools.servers[%d] (%s): transport must be stdio, sse or http, got %q", i, srv.Name, srv.Transport)
			continue
		}
		if srv.Transport == "stdio" && srv.Command == "" {
			ve.Add("tools.servers[%d] (%s): command is required for stdio", i, srv.Name)
		}
		if srv.Transport != "stdio" && srv.URL == "" {
			ve.Add("tools.servers[%d] (%s): url is required for %s", i, srv.Name, srv.Transport)
		}
	}
}

func validateSessions(cfg *Config, ve *ValidationError) {
	s := cfg.Sessions
	if s.IdleTTL < 0 {
		ve.Add("sessions.idle_ttl must be >= 0")
	}
	if s.IdleTTL > 0 {
		if _, err := cron.ParseStandard(s.ReapSchedule); err != nil {
			ve.Add("sessions.reap_schedule %q: %v", s.ReapSchedule, err)
		}
	}
}

func validateGateway(cfg *Config, ve *ValidationError) {
	if !cfg.Gateway.Enabled {
		return
	}
	if _, _, err := net.SplitHostPort(cfg.Gateway.Addr); err != nil {
		ve.Add("gateway.addr %q: %v", cfg.Gateway.Addr, err)
	}
	if len(cfg.Gateway.Tokens) == 0 {
		ve.Add("gateway.tokens must not be empty when the gateway is enabled")
	}
	for i, tok := range cfg.Gateway.Tokens {
		if tok.Token == "" {
			ve.Add("gateway.tokens[%d].token must not be empty", i)
		}
	}
}

var validLogLevels = map[string]bool{
	"debug": true, "info": true, "warn": true, "warning": true, "error": true,
}

func validateLogger(cfg *Config, ve *ValidationError) {
	if !validLogLevels[strings.ToLower(cfg.Logger.Level)] {
		ve.Add("logger.level %q is not one of debug, info, warn, error", cfg.Logger.Level)
	}
	switch cfg.Logger.Format {
	case "json", "text":
	default:
		ve.Add("logger.format must be json or text, got %q", cfg.Logger.Format)
	}
	if cfg.Tracer.Enabled {
		switch cfg.Tracer.Exporter {
		case "noop", "stdout":
		default:
			ve.Add("tracer.exporter must be noop or stdout, got %q", cfg.Tracer.Exporter)
		}
	}
}
