package provider

import (
	"fmt"
	"log/slog"

	"conductor-ai/internal/domain"
	"conductor-ai/internal/infra/config"
	"conductor-ai/internal/security"
)

// Descriptor builds the descriptor of a configured provider.
func Descriptor(cfg config.ProviderConfig) domain.ProviderDescriptor {
	models := make([]domain.ModelSpec, len(cfg.Models))
	for i, m := range cfg.Models {
		models[i] = domain.ModelSpec{ID: m.ID, Rank: m.Rank}
	}
	return domain.ProviderDescriptor{ID: cfg.Name, Kind: domain.ProviderKind(cfg.Type), Models: models}
}

// New builds a provider from its configuration, wrapped in a circuit breaker
// when one is enabled.
func New(cfg config.ProviderConfig, guard *security.PathGuard, logger *slog.Logger) (domain.Provider, error) {
	var p domain.Provider
	switch domain.ProviderKind(cfg.Type) {
	case domain.KindSubprocess:
		p = NewSubprocessProvider(cfg, guard, logger)
	case domain.KindHTTPStream:
		var tokens BearerSource
		if cfg.Auth != nil {
			tc, err := NewTokenCache(cfg)
			if err != nil {
				return nil, err
			}
			tokens = tc
		}
		p = NewHTTPStreamProvider(cfg, nil, tokens, logger)
	case domain.KindLocalREST:
		p = NewLocalRESTProvider(cfg, logger)
	default:
		return nil, fmt.Errorf("provider %q: unknown type %q", cfg.Name, cfg.Type)
	}

	if cb := cfg.CircuitBreaker; cb != nil && cb.Enabled {
		p = NewCircuitBreakerProvider(p, *cb, logger)
	}
	return p, nil
}

// NewTokenCache builds the bearer token cache for a provider's auth settings.
func NewTokenCache(cfg config.ProviderConfig) (*security.TokenCache, error) {
	a := cfg.Auth
	var refresher security.Refresher
	switch a.Method {
	case "command":
		refresher = &security.CommandRefresher{Command: a.Command, Args: a.Args, DefaultTTL: a.TTL}
	case "client_credentials":
		refresher = &security.ClientCredentialsRefresher{
			TokenURL:     a.TokenURL,
			ClientID:     a.ClientID,
			ClientSecret: a.ClientSecret,
		}
	default:
		return nil, fmt.Errorf("provider %q: unknown auth method %q", cfg.Name, a.Method)
	}
	return security.NewTokenCache(cfg.Name+":"+a.Method, refresher, a.Scopes, a.SafetyMargin), nil
}

// BuildRegistry builds and registers every configured provider.
func BuildRegistry(cfgs []config.ProviderConfig, guard *security.PathGuard, logger *slog.Logger) (*Registry, error) {
	reg := NewRegistry()
	for _, cfg := range cfgs {
		p, err := New(cfg, guard, logger.With("provider", cfg.Name))
		if err != nil {
			return nil, err
		}
		if err := reg.Register(p, Descriptor(cfg)); err != nil {
			return nil, err
		}
	}
	return reg, nil
}
