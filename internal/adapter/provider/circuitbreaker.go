package provider

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/sony/gobreaker/v2"

	"conductor-ai/internal/domain"
	"conductor-ai/internal/infra/config"
)

// Default circuit breaker settings.
const (
	defaultCBMaxFailures uint32        = 5
	defaultCBTimeout     time.Duration = 30 * time.Second
	defaultCBInterval    time.Duration = 60 * time.Second
)

// CircuitBreakerProvider wraps a Provider with circuit breaker protection.
// Only provider-level failures count against the breaker; cancellations and
// task-level errors do not. An open breaker fails fast as Unavailable.
type CircuitBreakerProvider struct {
	inner   domain.Provider
	breaker *gobreaker.CircuitBreaker[*domain.FinalResult]
	logger  *slog.Logger
}

// NewCircuitBreakerProvider wraps inner with a circuit breaker.
// Zero-valued settings fall back to defaults.
func NewCircuitBreakerProvider(inner domain.Provider, cfg config.CircuitBreakerConfig, logger *slog.Logger) *CircuitBreakerProvider {
	maxFailures := cfg.MaxFailures
	if maxFailures == 0 {
		maxFailures = defaultCBMaxFailures
	}
	timeout := cfg.Timeout
	if timeout == 0 {
		timeout = defaultCBTimeout
	}
	interval := cfg.Interval
	if interval == 0 {
		interval = defaultCBInterval
	}

	cb := gobreaker.NewCircuitBreaker[*domain.FinalResult](gobreaker.Settings{
		Name:        "provider:" + inner.Name(),
		MaxRequests: 1, // one probe in half-open state
		Interval:    interval,
		Timeout:     timeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= maxFailures
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.Warn("circuit breaker state change",
				"breaker", name,
				"from", from.String(),
				"to", to.String(),
			)
		},
		IsSuccessful: func(err error) bool {
			return err == nil || !domain.IsProviderFailure(err)
		},
	})

	return &CircuitBreakerProvider{inner: inner, breaker: cb, logger: logger}
}

// Execute implements domain.Provider.
func (p *CircuitBreakerProvider) Execute(ctx context.Context, req domain.ExecuteRequest, onChunk domain.ChunkFunc) (*domain.FinalResult, error) {
	res, err := p.breaker.Execute(func() (*domain.FinalResult, error) {
		return p.inner.Execute(ctx, req, onChunk)
	})
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return nil, domain.NewProviderError(p.inner.Name(), req.Model, domain.FailureUnavailable, "circuit-open", err)
	}
	return res, err
}

// IsAvailable is false while the breaker is open.
func (p *CircuitBreakerProvider) IsAvailable(ctx context.Context) bool {
	if p.breaker.State() == gobreaker.StateOpen {
		return false
	}
	return p.inner.IsAvailable(ctx)
}

func (p *CircuitBreakerProvider) Name() string              { return p.inner.Name() }
func (p *CircuitBreakerProvider) Kind() domain.ProviderKind { return p.inner.Kind() }

// State returns the current circuit breaker state for monitoring.
func (p *CircuitBreakerProvider) State() gobreaker.State {
	return p.breaker.State()
}

// Counts returns the current circuit breaker failure/success counts.
func (p *CircuitBreakerProvider) Counts() gobreaker.Counts {
	return p.breaker.Counts()
}

var _ domain.Provider = (*CircuitBreakerProvider)(nil)
