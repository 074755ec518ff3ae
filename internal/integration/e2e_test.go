//go:build integration
// +build integration

package integration

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"conductor-ai/internal/adapter/provider"
	"conductor-ai/internal/adapter/store"
	"conductor-ai/internal/domain"
	"conductor-ai/internal/infra/config"
	"conductor-ai/internal/security"
	"conductor-ai/internal/usecase"
	"conductor-ai/internal/usecase/eventbus"
)

type collectSink struct {
	mu     sync.Mutex
	events []domain.TaskEvent
}

func (c *collectSink) Deliver(_ context.Context, ev domain.TaskEvent) {
	c.mu.Lock()
	c.events = append(c.events, ev)
	c.mu.Unlock()
}

func (c *collectSink) count(kind domain.TaskEventKind) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := 0
	for _, ev := range c.events {
		if ev.Kind == kind {
			n++
		}
	}
	return n
}

type stack struct {
	orch    *usecase.Orchestrator
	journal *store.SQLiteJournal
}

func newStack(t *testing.T, providers []config.ProviderConfig, chain [][2]string) *stack {
	t.Helper()
	log := slog.New(slog.NewTextHandler(io.Discard, nil))

	guard, err := security.NewPathGuard(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	reg, err := provider.BuildRegistry(providers, guard, log)
	if err != nil {
		t.Fatalf("registry: %v", err)
	}
	candidates, err := usecase.BuildChain(chain, reg.Descriptors())
	if err != nil {
		t.Fatalf("chain: %v", err)
	}
	chains := usecase.NewFallbackChain()
	if err := chains.SetChain("builder", candidates); err != nil {
		t.Fatal(err)
	}

	journal, err := store.NewSQLiteJournal(filepath.Join(t.TempDir(), "tasks.db"))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { journal.Close() })

	bus := eventbus.New(log)
	t.Cleanup(bus.Close)

	orch, err := usecase.NewOrchestrator(usecase.OrchestratorConfig{MaxDelegationDepth: 3}, usecase.OrchestratorDeps{
		Agents:    map[string]*domain.AgentConfig{"builder": {Role: "builder", Provider: chain[0][0], Model: chain[0][1]}},
		Chains:    chains,
		Providers: reg,
		Sessions:  usecase.NewSessionRegistry(usecase.SessionRegistryConfig{}, bus, log),
		Limiter:   usecase.NewRateLimiter(nil),
		Guard:     guard,
		Journal:   journal,
		Health:    usecase.NewHealthMonitor(bus, log),
		Bus:       bus,
		Logger:    log,
	})
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		orch.Shutdown(ctx)
	})
	return &stack{orch: orch, journal: journal}
}

func TestE2E_QuotaFallbackAcrossProviderKinds(t *testing.T) {
	SkipIfShort(t)
	ctx := NewTestContext(t, LoadConfig().TestTimeout)

	cloud := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
		io.WriteString(w, `{"error":{"message":"rate limit exceeded"}}`)
	}))
	defer cloud.Close()

	local := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		io.WriteString(w, `{"model":"llama","message":{"role":"assistant","content":"built it"}}`)
	}))
	defer local.Close()

	s := newStack(t, []config.ProviderConfig{
		{Name: "cloud", Type: "http-stream", BaseURL: cloud.URL, APIKey: "sk", Models: []config.ModelConfig{{ID: "gen2", Rank: 2}}},
		{Name: "local", Type: "local-rest", BaseURL: local.URL, Models: []config.ModelConfig{{ID: "llama", Rank: 1}}},
	}, [][2]string{{"cloud", "gen2"}, {"local", "llama"}})

	sink := &collectSink{}
	res, err := s.orch.Execute(ctx, usecase.RunRequest{
		ActorID: "u1", ConversationID: "c1", Role: "builder", Prompt: "build it", Sink: sink,
	})
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if res.State != domain.TaskCompleted || res.Provider != "local" || res.Text != "built it" {
		t.Fatalf("result = %+v", res)
	}
	if n := sink.count(domain.TaskProviderSwitch); n != 1 {
		t.Errorf("switch notices = %d, want 1", n)
	}

	rec, err := s.journal.Get(ctx, res.TaskID)
	if err != nil {
		t.Fatalf("journal: %v", err)
	}
	if len(rec.Attempts) != 1 || rec.Attempts[0].Class != domain.FailureQuotaExceeded {
		t.Errorf("journaled attempts = %+v", rec.Attempts)
	}
}

func TestE2E_AllProvidersDown(t *testing.T) {
	SkipIfShort(t)
	ctx := NewTestContext(t, LoadConfig().TestTimeout)

	down := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer down.Close()

	s := newStack(t, []config.ProviderConfig{
		{Name: "a", Type: "local-rest", BaseURL: down.URL, Models: []config.ModelConfig{{ID: "m", Rank: 1}}},
		{Name: "b", Type: "local-rest", BaseURL: down.URL, Models: []config.ModelConfig{{ID: "m", Rank: 1}}},
	}, [][2]string{{"a", "m"}, {"b", "m"}})

	res, err := s.orch.Execute(ctx, usecase.RunRequest{ActorID: "u1", ConversationID: "c1", Role: "builder", Prompt: "hi"})
	if res == nil {
		t.Fatalf("task not admitted: %v", err)
	}
	if res.State != domain.TaskFailed || domain.ErrorCodeOf(err) != domain.CodeAllProvidersExhausted {
		t.Fatalf("result = %+v, err = %v", res, err)
	}
	if len(res.Attempts) != 2 {
		t.Errorf("attempts = %+v", res.Attempts)
	}
}

func TestE2E_SubprocessBackend(t *testing.T) {
	SkipIfShort(t)
	cfg := LoadConfig()
	SkipIfNoBinary(t, cfg.CLIBinary)
	ctx := NewTestContext(t, cfg.TestTimeout)

	s := newStack(t, []config.ProviderConfig{
		{Name: "cli", Type: "subprocess", Binary: cfg.CLIBinary, Models: []config.ModelConfig{{ID: cfg.CLIModel, Rank: 1}}},
	}, [][2]string{{"cli", cfg.CLIModel}})

	res, err := s.orch.Execute(ctx, usecase.RunRequest{
		ActorID: "u1", ConversationID: "c1", Role: "builder", Prompt: "Reply with the single word: pong",
	})
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	t.Logf("result: %s", res.Text)
	if res.State != domain.TaskCompleted {
		t.Fatalf("state = %s, err = %v", res.State, res.Err)
	}
}
