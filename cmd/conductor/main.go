package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"conductor-ai/internal/infra/config"
	"conductor-ai/internal/infra/logger"
	"conductor-ai/internal/infra/tracer"
	"conductor-ai/internal/usecase/eventbus"
)

// version is overridden at build time with -ldflags "-X main.version=...".
var version = "dev"

func main() {
	args := os.Args[1:]
	cmd := "serve"
	if len(args) > 0 && !isFlag(args[0]) {
		cmd, args = args[0], args[1:]
	}

	var err error
	switch cmd {
	case "serve":
		err = runServe(args)
	case "encrypt":
		err = runEncrypt(args)
	case "version":
		fmt.Println("conductor", version)
	case "help", "-h", "--help":
		showUsage()
	default:
		fmt.Fprintf(os.Stderr, "unknown command: %s\n\nRun 'conductor help' for usage information.\n", cmd)
		os.Exit(2)
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "%s: %v\n", cmd, err)
		os.Exit(1)
	}
}

func isFlag(s string) bool { return len(s) > 0 && s[0] == '-' && s != "-h" && s != "--help" }

func showUsage() {
	fmt.Println(`conductor - route chat tasks to agent roles across provider fallback chains

USAGE:
    conductor [serve] [-config PATH]
    conductor encrypt VALUE
    conductor version

COMMANDS:
    serve       Run the orchestrator with the gateway and channels (default)
    encrypt     Encrypt a secret for the config file (needs CONDUCTOR_CONFIG_KEY)
    version     Print the version

CONFIGURATION:
    Config file: ./config.yaml, or CONDUCTOR_CONFIG
    Environment: CONDUCTOR_* variables override config
    Secrets written as enc:... are decrypted with CONDUCTOR_CONFIG_KEY`)
}

func configPath(flagValue string) string {
	if flagValue != "" {
		return flagValue
	}
	if p := os.Getenv("CONDUCTOR_CONFIG"); p != "" {
		return p
	}
	return "config.yaml"
}

func runEncrypt(args []string) error {
	if len(args) != 1 {
		return errors.New("usage: conductor encrypt VALUE")
	}
	passphrase := os.Getenv("CONDUCTOR_CONFIG_KEY")
	if passphrase == "" {
		return errors.New("CONDUCTOR_CONFIG_KEY is not set")
	}
	enc, err := config.EncryptValue(args[0], passphrase)
	if err != nil {
		return err
	}
	fmt.Println("enc:" + enc)
	return nil
}

func runServe(args []string) error {
	fs := flag.NewFlagSet("serve", flag.ContinueOnError)
	cfgFlag := fs.String("config", "", "config file path")
	if err := fs.Parse(args); err != nil {
		return err
	}

	// 1. Config
	cfg, err := config.Load(configPath(*cfgFlag))
	if err != nil {
		return fmt.Errorf("config: %w", err)
	}

	// 2. Logger & Tracer
	log, logCloser, err := logger.New(cfg.Logger)
	if err != nil {
		return fmt.Errorf("logger: %w", err)
	}
	defer logCloser()

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	tracerShutdown, err := tracer.Setup(ctx, cfg.Tracer)
	if err != nil {
		return fmt.Errorf("tracer: %w", err)
	}
	defer tracerShutdown(context.Background())

	// 3. Event bus
	bus := eventbus.New(log)
	defer bus.Close()

	// 4. Core components
	app, err := buildApp(cfg, bus, log)
	if err != nil {
		return err
	}
	defer app.close(log)

	// 5. Background work
	if err := app.scheduleJobs(log); err != nil {
		return fmt.Errorf("scheduler: %w", err)
	}
	if err := app.Scheduler.Start(ctx); err != nil {
		return fmt.Errorf("scheduler: %w", err)
	}
	defer app.Scheduler.Stop()

	if app.Workspaces != nil {
		go watchReload(ctx, app, log)
	}

	if app.Gateway != nil {
		go func() {
			if err := app.Gateway.Start(ctx); err != nil {
				log.Error("gateway server error", "error", err)
				cancel()
			}
		}()
	}

	// 6. Channels
	for _, ch := range app.Channels {
		if err := ch.Start(ctx, app.handlers[ch.Name()]); err != nil {
			return fmt.Errorf("channel %s: %w", ch.Name(), err)
		}
	}

	log.Info("conductor started",
		"version", version,
		"providers", len(app.Registry.List()),
		"roles", len(app.Agents),
		"gateway", app.Gateway != nil,
		"channels", len(app.Channels),
		"journal", app.Journal != nil,
	)

	<-ctx.Done()
	log.Info("shutting down")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()

	for _, ch := range app.Channels {
		if err := ch.Stop(shutdownCtx); err != nil {
			log.Warn("channel stop failed", "channel", ch.Name(), "error", err)
		}
	}
	if err := app.Orchestrator.Shutdown(shutdownCtx); err != nil {
		log.Warn("tasks still running at shutdown were cancelled", "error", err)
	}
	return nil
}

// watchReload reloads the workspace mapping on SIGHUP.
func watchReload(ctx context.Context, app *App, log *slog.Logger) {
	hup := make(chan os.Signal, 1)
	signal.Notify(hup, syscall.SIGHUP)
	defer signal.Stop(hup)

	for {
		select {
		case <-ctx.Done():
			return
		case <-hup:
			if err := app.Workspaces.Reload(); err != nil {
				log.Warn("workspace mapping reload failed, keeping previous mapping", "error", err)
				continue
			}
			log.Info("workspace mapping reloaded", "conversations", app.Workspaces.Len())
		}
	}
}
