package main

import (
	"context"
	"io"
	"log/slog"
	"path/filepath"
	"testing"
	"time"

	"conductor-ai/internal/domain"
	"conductor-ai/internal/infra/config"
	"conductor-ai/internal/usecase/eventbus"
)

func testLogger() *slog.Logger { return slog.New(slog.NewTextHandler(io.Discard, nil)) }

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	cfg := config.Defaults()
	cfg.Workspace.Root = t.TempDir()
	cfg.Journal.Path = filepath.Join(t.TempDir(), "tasks.db")
	cfg.Providers = []config.ProviderConfig{
		{
			Name:    "local",
			Type:    "local-rest",
			BaseURL: "http://127.0.0.1:1",
			Models:  []config.ModelConfig{{ID: "small", Rank: 2}, {ID: "large", Rank: 1}},
		},
	}
	cfg.Agents = []config.AgentConfig{
		{Role: "builder", Provider: "local", Model: "large", Capabilities: []string{domain.CapabilityShell}, Timeout: time.Minute},
		{Role: "reviewer"},
	}
	cfg.Chains = map[string][]config.ChainEntry{
		"reviewer": {{Provider: "local", Model: "large"}, {Provider: "local", Model: "small"}},
	}
	cfg.Gateway.Enabled = true
	cfg.Gateway.Addr = "127.0.0.1:0"
	return cfg
}

func TestBuildAgentsCopiesTimeout(t *testing.T) {
	agents := buildAgents(testConfig(t).Agents)
	b := agents["builder"]
	if b == nil || b.Timeout != time.Minute || b.ActionClass() != "shell" {
		t.Fatalf("builder = %+v", b)
	}
	if agents["reviewer"].ActionClass() != "task" {
		t.Errorf("reviewer class = %q", agents["reviewer"].ActionClass())
	}
}

func TestBuildChainsFallsBackToAgentProvider(t *testing.T) {
	cfg := testConfig(t)
	descriptors := map[string]domain.ProviderDescriptor{
		"local": {ID: "local", Models: []domain.ModelSpec{{ID: "small", Rank: 2}, {ID: "large", Rank: 1}}},
	}
	chains, err := buildChains(cfg, buildAgents(cfg.Agents), descriptors)
	if err != nil {
		t.Fatal(err)
	}

	builder := chains.Chain("builder")
	if len(builder) != 1 || builder[0].Provider != "local" || builder[0].Model != "large" || builder[0].Rank != 1 {
		t.Errorf("builder chain = %+v", builder)
	}
	reviewer := chains.Chain("reviewer")
	if len(reviewer) != 2 || reviewer[1].Model != "small" || reviewer[1].Rank != 2 {
		t.Errorf("reviewer chain = %+v", reviewer)
	}
}

func TestBuildChainsUnknownModel(t *testing.T) {
	cfg := testConfig(t)
	cfg.Agents[0].Model = "huge"
	descriptors := map[string]domain.ProviderDescriptor{
		"local": {ID: "local", Models: []domain.ModelSpec{{ID: "large", Rank: 1}}},
	}
	if _, err := buildChains(cfg, buildAgents(cfg.Agents), descriptors); err == nil {
		t.Fatal("expected error for a model the provider does not serve")
	}
}

func TestBuildLimits(t *testing.T) {
	limits := buildLimits(config.RateLimitConfig{Classes: map[string]config.RateClassConfig{
		"shell": {Limit: 15, Window: time.Minute},
	}})
	if l := limits["shell"]; l.Count != 15 || l.Window != time.Minute {
		t.Errorf("shell = %+v", l)
	}
}

func TestBuildAppWiresComponents(t *testing.T) {
	log := testLogger()
	bus := eventbus.New(log)
	defer bus.Close()

	app, err := buildApp(testConfig(t), bus, log)
	if err != nil {
		t.Fatalf("buildApp: %v", err)
	}
	defer app.close(log)

	if app.Orchestrator == nil || app.Scheduler == nil || app.Gateway == nil || app.Journal == nil {
		t.Fatalf("missing components: %+v", app)
	}
	if app.Workspaces != nil {
		t.Error("workspace map built without a mapping file")
	}
	if got := app.Registry.List(); len(got) != 1 || got[0] != "local" {
		t.Errorf("providers = %v", got)
	}
	if err := app.scheduleJobs(log); err != nil {
		t.Errorf("scheduleJobs: %v", err)
	}
}

func TestCheckProvidersReportsToHealth(t *testing.T) {
	log := testLogger()
	bus := eventbus.New(log)
	defer bus.Close()

	app, err := buildApp(testConfig(t), bus, log)
	if err != nil {
		t.Fatalf("buildApp: %v", err)
	}
	defer app.close(log)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	down := app.checkProviders(ctx, log)
	if len(down) != 1 || down[0] != "local" {
		t.Fatalf("down = %v, want [local]", down)
	}

	snap := app.Health.Snapshot()
	if len(snap) != 1 || snap[0].Component != "provider:local" || snap[0].Failures != 1 {
		t.Errorf("health snapshot = %+v", snap)
	}
}

func TestBuildAppDiscordNeedsBuildTag(t *testing.T) {
	cfg := testConfig(t)
	cfg.Discord = &config.DiscordConfig{Token: "tok", Prefix: "!"}

	log := testLogger()
	bus := eventbus.New(log)
	defer bus.Close()

	app, err := buildApp(cfg, bus, log)
	if buildTagDiscord {
		if err != nil {
			t.Fatalf("buildApp: %v", err)
		}
		defer app.close(log)
		if len(app.Channels) != 1 || app.handlers["discord"] == nil {
			t.Errorf("discord channel not wired: %+v", app.Channels)
		}
		return
	}
	if err == nil {
		t.Fatal("expected discord to require the build tag")
	}
}

func TestRunEncryptRequiresKey(t *testing.T) {
	t.Setenv("CONDUCTOR_CONFIG_KEY", "")
	if err := runEncrypt([]string{"secret"}); err == nil {
		t.Error("expected error without CONDUCTOR_CONFIG_KEY")
	}
	if err := runEncrypt(nil); err == nil {
		t.Error("expected usage error")
	}
}

func TestConfigPath(t *testing.T) {
	t.Setenv("CONDUCTOR_CONFIG", "")
	if got := configPath(""); got != "config.yaml" {
		t.Errorf("default = %q", got)
	}
	t.Setenv("CONDUCTOR_CONFIG", "/etc/conductor.yaml")
	if got := configPath(""); got != "/etc/conductor.yaml" {
		t.Errorf("env = %q", got)
	}
	if got := configPath("x.yaml"); got != "x.yaml" {
		t.Errorf("flag = %q", got)
	}
}
