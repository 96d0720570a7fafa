package cmd

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/nextlevelbuilder/agentmesh/internal/bus"
	"github.com/nextlevelbuilder/agentmesh/internal/config"
	"github.com/nextlevelbuilder/agentmesh/internal/provider"
	"github.com/nextlevelbuilder/agentmesh/internal/runner"
	"github.com/nextlevelbuilder/agentmesh/internal/signals"
	"github.com/nextlevelbuilder/agentmesh/internal/telemetry"
	"github.com/nextlevelbuilder/agentmesh/internal/worker"
)

func workerCmd() *cobra.Command {
	var agent string
	cmd := &cobra.Command{
		Use:   "worker",
		Short: "Run an agent worker",
		Run: func(cmd *cobra.Command, args []string) {
			runWorker(agent)
		},
	}
	cmd.Flags().StringVar(&agent, "agent", "", "agent name (overrides config)")
	return cmd
}

func runWorker(agent string) {
	setupLogging()

	cfg, err := config.Load(resolveConfigPath())
	if err != nil {
		slog.Error("config load failed", "error", err)
		os.Exit(1)
	}
	if agent != "" {
		cfg.Worker.Agent = agent
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	shutdownTel, err := telemetry.Setup(ctx, cfg.Telemetry)
	if err != nil {
		slog.Error("telemetry setup failed", "error", err)
		os.Exit(1)
	}
	defer func() {
		flushCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownTel(flushCtx); err != nil {
			slog.Warn("telemetry shutdown failed", "error", err)
		}
	}()

	b, err := connectBus(cfg)
	if err != nil {
		slog.Error("bus connect failed", "url", cfg.Redis.URL, "error", err)
		os.Exit(1)
	}

	w, err := buildWorker(cfg, b)
	if err != nil {
		slog.Error("worker setup failed", "error", err)
		os.Exit(1)
	}

	slog.Info("worker.listening", "agent", cfg.Worker.Agent, "group", cfg.Worker.Group)
	if err := w.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		slog.Error("worker stopped", "error", err)
		os.Exit(1)
	}
	slog.Info("worker stopped", "agent", cfg.Worker.Agent)
}

// buildWorker wires a worker over tail, the shared tail-read bus. With a
// consumer group configured it opens a separate group-mode connection for
// the inbound drain; signals and stream publishes stay on the tail bus.
func buildWorker(cfg *config.Config, tail bus.Bus) (*worker.Worker, error) {
	r, err := buildRunner(cfg)
	if err != nil {
		return nil, err
	}
	inbound := tail
	if cfg.Worker.Group != "" {
		inbound, err = bus.NewRedisBus(bus.RedisOptions{
			URL:          cfg.Redis.URL,
			Group:        cfg.Worker.Group,
			Consumer:     cfg.Worker.Consumer,
			StreamMaxLen: cfg.Redis.StreamMaxLen,
		})
		if err != nil {
			return nil, fmt.Errorf("worker: group bus: %w", err)
		}
	}
	signaler := signals.New(tail, signals.Options{
		Prefix:     cfg.Signals.TopicPrefix,
		PayloadCap: cfg.Signals.PayloadCapBytes,
	})
	return worker.New(cfg.Worker.Agent, inbound, r, worker.Options{
		ReadLimit:           cfg.Worker.ReadLimit,
		AutoChildSignalDone: cfg.Worker.AutoChildSignalDone,
		Signaler:            signaler,
	}), nil
}

func buildRunner(cfg *config.Config) (runner.Runner, error) {
	switch cfg.Runner.Kind {
	case "", "demo":
		return runner.NewDemoRunner(), nil
	case "provider":
		if cfg.Runner.APIKey == "" {
			return nil, fmt.Errorf("runner: provider requires AGENTMESH_API_KEY")
		}
		client := provider.NewClient(cfg.Runner.BaseURL, cfg.Runner.APIKey, cfg.Runner.Model)
		return runner.NewProviderRunner(client, runner.ProviderRunnerOptions{
			Model:           cfg.Runner.Model,
			MaxTokens:       cfg.Runner.MaxTokens,
			BufferSize:      cfg.Runner.BufferSize,
			SessionCapacity: cfg.Runner.SessionCapacity,
		}), nil
	default:
		return nil, fmt.Errorf("runner: unknown kind %q", cfg.Runner.Kind)
	}
}
