package main

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"conductor-ai/internal/adapter/channel"
	"conductor-ai/internal/adapter/gateway"
	"conductor-ai/internal/adapter/provider"
	"conductor-ai/internal/adapter/store"
	"conductor-ai/internal/domain"
	"conductor-ai/internal/infra/config"
	"conductor-ai/internal/infra/middleware"
	"conductor-ai/internal/security"
	"conductor-ai/internal/usecase"
	"conductor-ai/internal/usecase/scheduling"
)

// rateClasses are the action classes shown by quota displays.
var rateClasses = []string{"task", "shell"}

// App holds the wired runtime components.
type App struct {
	Agents       map[string]*domain.AgentConfig
	Registry     *provider.Registry
	Sessions     *usecase.SessionRegistry
	Limiter      *usecase.RateLimiter
	Health       *usecase.HealthMonitor
	Journal      *store.SQLiteJournal // nil when journal.path is empty
	Workspaces   *store.WorkspaceMap  // nil when no mapping file is configured
	Orchestrator *usecase.Orchestrator
	Scheduler    *scheduling.Scheduler
	Gateway      *gateway.Server // nil when disabled
	Channels     []domain.Channel

	handlers map[string]domain.MessageHandler
	cfg      *config.Config
}

func buildApp(cfg *config.Config, bus domain.EventBus, log *slog.Logger) (*App, error) {
	app := &App{cfg: cfg, handlers: make(map[string]domain.MessageHandler)}

	guard, err := security.NewPathGuard(cfg.Workspace.Root)
	if err != nil {
		return nil, fmt.Errorf("workspace: %w", err)
	}

	app.Registry, err = provider.BuildRegistry(cfg.Providers, guard, log)
	if err != nil {
		return nil, fmt.Errorf("providers: %w", err)
	}

	app.Agents = buildAgents(cfg.Agents)
	chains, err := buildChains(cfg, app.Agents, app.Registry.Descriptors())
	if err != nil {
		return nil, fmt.Errorf("chains: %w", err)
	}

	app.Limiter = usecase.NewRateLimiter(buildLimits(cfg.RateLimit))
	app.Sessions = usecase.NewSessionRegistry(usecase.SessionRegistryConfig{
		TTL:        cfg.Session.TTL,
		HistoryCap: cfg.Session.HistoryCap,
	}, bus, log)
	app.Health = usecase.NewHealthMonitor(bus, log)

	deps := usecase.OrchestratorDeps{
		Agents:    app.Agents,
		Chains:    chains,
		Providers: app.Registry,
		Sessions:  app.Sessions,
		Limiter:   app.Limiter,
		Guard:     guard,
		Health:    app.Health,
		Bus:       bus,
		Logger:    log,
	}

	if cfg.Journal.Path != "" {
		app.Journal, err = store.NewSQLiteJournal(cfg.Journal.Path)
		if err != nil {
			return nil, fmt.Errorf("journal: %w", err)
		}
		deps.Journal = app.Journal
	}
	if cfg.Workspace.MappingFile != "" {
		app.Workspaces, err = store.LoadWorkspaceMap(cfg.Workspace.MappingFile)
		if err != nil {
			app.close(log)
			return nil, fmt.Errorf("workspace mapping: %w", err)
		}
		deps.Workspaces = app.Workspaces
	}

	app.Orchestrator, err = usecase.NewOrchestrator(usecase.OrchestratorConfig{
		MaxDelegationDepth: cfg.Orchestrator.MaxDelegationDepth,
		TaskTimeout:        cfg.Orchestrator.TaskTimeout,
		SummaryEntries:     cfg.Orchestrator.SummaryEntries,
		FlushInterval:      cfg.Stream.FlushInterval,
		FlushBytes:         cfg.Stream.FlushBytes,
	}, deps)
	if err != nil {
		app.close(log)
		return nil, fmt.Errorf("orchestrator: %w", err)
	}

	app.Scheduler = scheduling.NewScheduler(log)

	if cfg.Gateway.Enabled {
		app.Gateway = buildGateway(cfg.Gateway, app, bus, log)
	}

	if cfg.Discord != nil {
		ch, handler, err := buildDiscordChannel(cfg.Discord, app.commandDeps(log), log)
		if err != nil {
			app.close(log)
			return nil, fmt.Errorf("discord: %w", err)
		}
		app.Channels = append(app.Channels, ch)
		app.handlers[ch.Name()] = handler
	}

	return app, nil
}

func buildAgents(cfgs []config.AgentConfig) map[string]*domain.AgentConfig {
	out := make(map[string]*domain.AgentConfig, len(cfgs))
	for _, a := range cfgs {
		out[a.Role] = &domain.AgentConfig{
			Role:         a.Role,
			Description:  a.Description,
			Model:        a.Model,
			SystemPrompt: a.SystemPrompt,
			Capabilities: a.Capabilities,
			Risk:         domain.RiskTier(a.Risk),
			Provider:     a.Provider,
			Sandbox:      a.Sandbox,
			AutoApprove:  a.AutoApprove,
			Timeout:      a.Timeout,
		}
	}
	return out
}

// buildChains installs each role's configured chain, or a single-step chain
// on the role's own provider and model when none is configured.
func buildChains(cfg *config.Config, agents map[string]*domain.AgentConfig, descriptors map[string]domain.ProviderDescriptor) (*usecase.FallbackChain, error) {
	chains := usecase.NewFallbackChain()
	for role, agent := range agents {
		var pairs [][2]string
		if entries, ok := cfg.Chains[role]; ok {
			for _, e := range entries {
				pairs = append(pairs, [2]string{e.Provider, e.Model})
			}
		} else {
			pairs = [][2]string{{agent.Provider, agent.Model}}
		}
		candidates, err := usecase.BuildChain(pairs, descriptors)
		if err != nil {
			return nil, fmt.Errorf("role %q: %w", role, err)
		}
		if err := chains.SetChain(role, candidates); err != nil {
			return nil, err
		}
	}
	return chains, nil
}

func buildLimits(cfg config.RateLimitConfig) map[string]usecase.Limit {
	out := make(map[string]usecase.Limit, len(cfg.Classes))
	for class, c := range cfg.Classes {
		out[class] = usecase.Limit{Count: c.Limit, Window: c.Window}
	}
	return out
}

func buildGateway(cfg config.GatewayConfig, app *App, bus domain.EventBus, log *slog.Logger) *gateway.Server {
	var auth gateway.Authenticator = gateway.LocalAuth{}
	if cfg.Auth.Type == "static" {
		entries := make([]gateway.TokenEntry, 0, len(cfg.Auth.Tokens))
		for _, t := range cfg.Auth.Tokens {
			entries = append(entries, gateway.TokenEntry{Token: t.Token, Name: t.Name})
		}
		auth = gateway.NewStaticTokenAuth(entries)
	}

	srv := gateway.NewServer(bus, auth, cfg.Addr, log)
	if cfg.RequestsPerMin > 0 {
		srv.UseRateLimit(middleware.NewClientLimiter(cfg.RequestsPerMin, cfg.Burst))
	}

	deps := gateway.HandlerDeps{
		Orchestrator: app.Orchestrator,
		Sessions:     app.Sessions,
		Limiter:      app.Limiter,
		Providers:    app.Registry,
		Health:       app.Health,
		RateClasses:  rateClasses,
		Bus:          bus,
		Logger:       log,
	}
	if app.Journal != nil {
		deps.Journal = app.Journal
	}
	gateway.RegisterRESTHandlers(srv, deps)
	gateway.RegisterDefaultHandlers(srv, deps)
	return srv
}

func (a *App) commandDeps(log *slog.Logger) channel.CommandRouterDeps {
	return channel.CommandRouterDeps{
		Runner:   a.Orchestrator,
		Sessions: a.Sessions,
		Quota:    a.Limiter,
		Classes:  rateClasses,
		Logger:   log,
	}
}

// scheduleJobs registers the housekeeping jobs.
func (a *App) scheduleJobs(log *slog.Logger) error {
	s := a.Scheduler

	s.RegisterAction(scheduling.ActionSessionReap, func(context.Context) error {
		if n := a.Sessions.Reap(); n > 0 {
			log.Info("sessions reaped", "count", n)
		}
		return nil
	})
	s.RegisterAction(scheduling.ActionRateLimitSweep, func(context.Context) error {
		if n := a.Limiter.Sweep(); n > 0 {
			log.Debug("rate windows swept", "count", n)
		}
		return nil
	})
	s.RegisterAction(scheduling.ActionProviderProbe, func(ctx context.Context) error {
		a.checkProviders(ctx, log)
		return nil
	})

	if a.Journal != nil && a.cfg.Journal.Retention > 0 {
		s.RegisterAction(scheduling.ActionJournalPrune, func(ctx context.Context) error {
			n, err := a.Journal.Prune(ctx, time.Now().Add(-a.cfg.Journal.Retention))
			if err != nil {
				return err
			}
			if n > 0 {
				log.Info("task journal pruned", "records", n)
			}
			return nil
		})
		if err := s.AddTask(scheduling.ScheduledTask{Name: "journal-prune", Schedule: "@daily", Action: scheduling.ActionJournalPrune}); err != nil {
			return err
		}
	}

	if err := s.AddInterval("session-reap", scheduling.ActionSessionReap, a.cfg.Session.ReapInterval); err != nil {
		return err
	}
	if err := s.AddInterval("ratelimit-sweep", scheduling.ActionRateLimitSweep, a.cfg.RateLimit.SweepInterval); err != nil {
		return err
	}
	return s.AddTask(scheduling.ScheduledTask{
		Name:     "provider-probe",
		Schedule: "*/5 * * * *",
		Action:   scheduling.ActionProviderProbe,
	})
}

// checkProviders tests every registered provider and reports the ones that
// are down to the health monitor. It returns their IDs, sorted.
func (a *App) checkProviders(ctx context.Context, log *slog.Logger) []string {
	var down []string
	for _, st := range a.Registry.Status(ctx) {
		if !st.Available {
			down = append(down, st.Descriptor.ID)
		}
	}
	if len(down) == 0 {
		return nil
	}
	sort.Strings(down)
	log.Warn("providers unavailable", "providers", down)
	if a.Health != nil {
		for _, id := range down {
			a.Health.Report(ctx, "provider:"+id,
				domain.NewDomainError("provider.probe", domain.ErrUnavailable, "availability check failed"),
				map[string]string{"provider": id})
		}
	}
	return down
}

func (a *App) close(log *slog.Logger) {
	if a.Journal != nil {
		if err := a.Journal.Close(); err != nil {
			log.Warn("journal close failed", "error", err)
		}
	}
}
