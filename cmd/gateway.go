package cmd

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/nextlevelbuilder/agentmesh/internal/bus"
	"github.com/nextlevelbuilder/agentmesh/internal/config"
	"github.com/nextlevelbuilder/agentmesh/internal/gateway"
	"github.com/nextlevelbuilder/agentmesh/internal/observe"
	"github.com/nextlevelbuilder/agentmesh/internal/telemetry"
)

func gatewayCmd() *cobra.Command {
	var withWorker bool
	cmd := &cobra.Command{
		Use:   "gateway",
		Short: "Run the HTTP/SSE gateway",
		Run: func(cmd *cobra.Command, args []string) {
			runFabric(withWorker)
		},
	}
	cmd.Flags().BoolVar(&withWorker, "with-worker", false, "also run the configured agent worker in-process")
	return cmd
}

func runGateway() {
	runFabric(false)
}

func runFabric(withWorker bool) {
	setupLogging()

	cfg, err := config.Load(resolveConfigPath())
	if err != nil {
		slog.Error("config load failed", "error", err)
		os.Exit(1)
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

	var index *observe.Index
	if cfg.Observe.DBPath != "" {
		index, err = observe.Open(cfg.Observe.DBPath)
		if err != nil {
			slog.Error("observer index open failed", "path", cfg.Observe.DBPath, "error", err)
			os.Exit(1)
		}
		defer index.Close()
	}

	srv := gateway.NewServer(cfg, b, index)

	g, ctx := errgroup.WithContext(ctx)
	g.Go(srv.Start)
	g.Go(func() error {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})
	if withWorker {
		w, err := buildWorker(cfg, b)
		if err != nil {
			slog.Error("worker setup failed", "error", err)
			os.Exit(1)
		}
		g.Go(func() error {
			err := w.Run(ctx)
			if errors.Is(err, context.Canceled) {
				return nil
			}
			return err
		})
	}

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		slog.Error("fabric stopped", "error", err)
		os.Exit(1)
	}
	slog.Info("fabric stopped")
}

// connectBus resolves the shared tail-read transport from config. The
// consumer group, when configured, applies only to the worker's inbound
// topic; stream subscribers, /send, and signal waits need plain tail reads
// so entries fan out to every reader and cursors stay honored.
func connectBus(cfg *config.Config) (bus.Bus, error) {
	return bus.Shared(bus.RedisOptions{
		URL:          cfg.Redis.URL,
		StreamMaxLen: cfg.Redis.StreamMaxLen,
	})
}
