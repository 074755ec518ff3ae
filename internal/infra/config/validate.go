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
func (v *ValidationError) Add(format string, args ...interface{}) {
	v.Errors = append(v.Errors, fmt.Sprintf(format, args...))
}

// Validate checks cfg for structural correctness. It returns a *ValidationError
// when one or more problems are found, allowing callers to inspect all issues.
func Validate(cfg *Config) error {
	ve := &ValidationError{}
	validateLogger(cfg, ve)
	validateWorkspace(cfg, ve)
	validateSession(cfg, ve)
	validateRateLimit(cfg, ve)
	validateStream(cfg, ve)
	validateOrchestrator(cfg, ve)
	models := validateProviders(cfg, ve)
	validateAgents(cfg, models, ve)
	validateChains(cfg, models, ve)
	validateGateway(cfg, ve)
	validateDiscord(cfg, ve)
	validateJournal(cfg, ve)
	if ve.HasErrors() {
		return ve
	}
	return nil
}

var validLogLevels = map[string]bool{"debug": true, "info": true, "warn": true, "error": true}

var validLogFormats = map[string]bool{"text": true, "json": true}

func validateLogger(cfg *Config, ve *ValidationError) {
	if !validLogLevels[cfg.Logger.Level] {
		ve.Add("logger.level %q is invalid (want: debug, info, warn, error)", cfg.Logger.Level)
	}
	if !validLogFormats[cfg.Logger.Format] {
		ve.Add("logger.format %q is invalid (want: text, json)", cfg.Logger.Format)
	}
}

func validateWorkspace(cfg *Config, ve *ValidationError) {
	if cfg.Workspace.Root == "" {
		ve.Add("workspace.root must not be empty")
	}
}

func validateSession(cfg *Config, ve *ValidationError) {
	if cfg.Session.TTL <= 0 {
		ve.Add("session.ttl must be > 0")
	}
	if cfg.Session.ReapInterval <= 0 {
		ve.Add("session.reap_interval must be > 0")
	}
	if cfg.Session.HistoryCap <= 0 {
		ve.Add("session.history_cap must be > 0")
	}
}

func validateRateLimit(cfg *Config, ve *ValidationError) {
	if cfg.RateLimit.SweepInterval <= 0 {
		ve.Add("rate_limit.sweep_interval must be > 0")
	}
	for class, l := range cfg.RateLimit.Classes {
		if l.Limit <= 0 {
			ve.Add("rate_limit.classes.%s.limit must be > 0", class)
		}
		if l.Window <= 0 {
			ve.Add("rate_limit.classes.%s.window must be > 0", class)
		}
	}
}

func validateStream(cfg *Config, ve *ValidationError) {
	if cfg.Stream.FlushInterval <= 0 {
		ve.Add("stream.flush_interval must be > 0")
	}
	if cfg.Stream.FlushBytes <= 0 {
		ve.Add("stream.flush_bytes must be > 0")
	}
}

func validateOrchestrator(cfg *Config, ve *ValidationError) {
	if cfg.Orchestrator.MaxDelegationDepth < 0 {
		ve.Add("orchestrator.max_delegation_depth must be >= 0")
	}
	if cfg.Orchestrator.TaskTimeout <= 0 {
		ve.Add("orchestrator.task_timeout must be > 0")
	}
	if cfg.Orchestrator.SummaryEntries < 0 {
		ve.Add("orchestrator.summary_entries must be >= 0")
	}
}

var validProviderTypes = map[string]bool{
	"subprocess":  true,
	"http-stream": true,
	"local-rest":  true,
}

var validAuthMethods = map[string]bool{
	"command":            true,
	"client_credentials": true,
}

// validateProviders returns the set of models each provider declares, keyed by provider name.
func validateProviders(cfg *Config, ve *ValidationError) map[string]map[string]bool {
	models := make(map[string]map[string]bool, len(cfg.Providers))

	for i, p := range cfg.Providers {
		if p.Name == "" {
			ve.Add("providers[%d].name must not be empty", i)
			continue
		}
		if _, dup := models[p.Name]; dup {
			ve.Add("providers[%d]: duplicate provider name %q", i, p.Name)
			continue
		}
		models[p.Name] = make(map[string]bool, len(p.Models))

		if !validProviderTypes[p.Type] {
			ve.Add("providers[%d] (%s): type %q is invalid (want: subprocess, http-stream, local-rest)", i, p.Name, p.Type)
		}
		switch p.Type {
		case "subprocess":
			if p.Binary == "" {
				ve.Add("providers[%d] (%s): binary is required for subprocess providers", i, p.Name)
			}
		case "http-stream", "local-rest":
			if p.BaseURL == "" {
				ve.Add("providers[%d] (%s): base_url is required for %s providers", i, p.Name, p.Type)
			}
		}
		if p.Type == "http-stream" && p.APIKey == "" && p.Auth == nil {
			ve.Add("providers[%d] (%s): api_key or auth is required (set via CONDUCTOR_PROVIDER_%s_API_KEY)",
				i, p.Name, envName(p.Name))
		}

		if len(p.Models) == 0 {
			ve.Add("providers[%d] (%s): at least one model is required", i, p.Name)
		}
		for j, m := range p.Models {
			if m.ID == "" {
				ve.Add("providers[%d].models[%d].id must not be empty", i, j)
				continue
			}
			if m.Rank <= 0 {
				ve.Add("providers[%d].models[%d] (%s): rank must be > 0", i, j, m.ID)
			}
			if models[p.Name][m.ID] {
				ve.Add("providers[%d].models[%d]: duplicate model %q", i, j, m.ID)
			}
			models[p.Name][m.ID] = true
		}

		if a := p.Auth; a != nil {
			if !validAuthMethods[a.Method] {
				ve.Add("providers[%d] (%s): auth.method %q is invalid (want: command, client_credentials)", i, p.Name, a.Method)
			}
			if a.Method == "command" && a.Command == "" {
				ve.Add("providers[%d] (%s): auth.command is required for command auth", i, p.Name)
			}
			if a.Method == "client_credentials" && (a.TokenURL == "" || a.ClientID == "") {
				ve.Add("providers[%d] (%s): auth.token_url and auth.client_id are required for client_credentials", i, p.Name)
			}
		}

		if cb := p.CircuitBreaker; cb != nil && cb.Enabled {
			if cb.MaxFailures == 0 {
				ve.Add("providers[%d] (%s): circuit_breaker.max_failures must be > 0", i, p.Name)
			}
			if cb.Timeout <= 0 {
				ve.Add("providers[%d] (%s): circuit_breaker.timeout must be > 0", i, p.Name)
			}
		}
	}
	return models
}

var validRisks = map[string]bool{"low": true, "medium": true, "high": true, "": true}

func validateAgents(cfg *Config, models map[string]map[string]bool, ve *ValidationError) {
	seen := make(map[string]bool)
	for i, a := range cfg.Agents {
		if a.Role == "" {
			ve.Add("agents[%d].role must not be empty", i)
			continue
		}
		if seen[a.Role] {
			ve.Add("agents[%d]: duplicate role %q", i, a.Role)
		}
		seen[a.Role] = true

		if !validRisks[a.Risk] {
			ve.Add("agents[%d] (%s): risk %q is invalid (want: low, medium, high)", i, a.Role, a.Risk)
		}
		if a.Timeout < 0 {
			ve.Add("agents[%d] (%s): timeout must be >= 0", i, a.Role)
		}

		if _, hasChain := cfg.Chains[a.Role]; hasChain {
			continue
		}
		// Without an explicit chain the role runs on its own provider/model only.
		if a.Provider == "" || a.Model == "" {
			ve.Add("agents[%d] (%s): provider and model are required when no chain is configured", i, a.Role)
			continue
		}
		if ms, ok := models[a.Provider]; !ok {
			ve.Add("agents[%d] (%s): provider %q is not configured", i, a.Role, a.Provider)
		} else if !ms[a.Model] {
			ve.Add("agents[%d] (%s): provider %q does not serve model %q", i, a.Role, a.Provider, a.Model)
		}
	}
}

func validateChains(cfg *Config, models map[string]map[string]bool, ve *ValidationError) {
	roles := make(map[string]bool, len(cfg.Agents))
	for _, a := range cfg.Agents {
		roles[a.Role] = true
	}

	for role, chain := range cfg.Chains {
		if !roles[role] {
			ve.Add("chains.%s: no agent with this role", role)
		}
		if len(chain) == 0 {
			ve.Add("chains.%s must not be empty", role)
		}
		for j, e := range chain {
			ms, ok := models[e.Provider]
			if !ok {
				ve.Add("chains.%s[%d]: provider %q is not configured", role, j, e.Provider)
				continue
			}
			if !ms[e.Model] {
				ve.Add("chains.%s[%d]: provider %q does not serve model %q", role, j, e.Provider, e.Model)
			}
		}
	}
}

func validateGateway(cfg *Config, ve *ValidationError) {
	if !cfg.Gateway.Enabled {
		return
	}
	if cfg.Gateway.Addr == "" {
		ve.Add("gateway.addr is required when gateway is enabled")
	} else if _, _, err := net.SplitHostPort(cfg.Gateway.Addr); err != nil {
		ve.Add("gateway.addr %q is not a valid host:port", cfg.Gateway.Addr)
	}
	switch cfg.Gateway.Auth.Type {
	case "":
	case "static":
		if len(cfg.Gateway.Auth.Tokens) == 0 {
			ve.Add("gateway.auth.tokens must not be empty when auth type is static")
		}
		for i, tok := range cfg.Gateway.Auth.Tokens {
			if tok.Token == "" {
				ve.Add("gateway.auth.tokens[%d].token must not be empty", i)
			}
		}
	default:
		ve.Add("gateway.auth.type %q is invalid (want: static)", cfg.Gateway.Auth.Type)
	}
	if cfg.Gateway.RequestsPerMin < 0 {
		ve.Add("gateway.requests_per_min must be >= 0")
	}
	if cfg.Gateway.RequestsPerMin > 0 && cfg.Gateway.Burst <= 0 {
		ve.Add("gateway.burst must be > 0 when requests_per_min is set")
	}
}

func validateDiscord(cfg *Config, ve *ValidationError) {
	if cfg.Discord == nil {
		return
	}
	if cfg.Discord.Token == "" {
		ve.Add("discord.token is required when discord is configured (set via CONDUCTOR_DISCORD_TOKEN)")
	}
	if cfg.Discord.Prefix == "" {
		ve.Add("discord.prefix must not be empty")
	}
}

func validateJournal(cfg *Config, ve *ValidationError) {
	if cfg.Journal.Retention < 0 {
		ve.Add("journal.retention must be >= 0")
	}
}
