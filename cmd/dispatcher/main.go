// The dispatcher owns the job lifecycle: it accepts queued jobs, launches
// generation workers on the local compute runtime, supervises their
// heartbeats, and applies terminal status transitions.
package main

import (
	"context"
	"errors"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/plotpalette/plotpalette/internal/app"
	"github.com/plotpalette/plotpalette/internal/application/dispatcher"
	"github.com/plotpalette/plotpalette/internal/application/worker"
	"github.com/plotpalette/plotpalette/internal/checkpoint"
	"github.com/plotpalette/plotpalette/internal/compute"
	"github.com/plotpalette/plotpalette/internal/config"
	"github.com/plotpalette/plotpalette/pkg/observability"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}
	if err := cfg.Storage.CheckComplete(); err != nil {
		log.Fatalf("Incomplete storage configuration: %v", err)
	}

	serviceName := cfg.Observability.ServiceName
	if serviceName == "" {
		serviceName = "plotpalette-dispatcher"
	}
	providers, err := observability.Init(ctx, serviceName, cfg.Observability.Enabled)
	if err != nil {
		log.Fatalf("Failed to initialize observability: %v", err)
	}
	slog.SetDefault(providers.Logger)
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		providers.Shutdown(shutdownCtx)
	}()

	stores, err := app.Build(ctx, cfg.Storage)
	if err != nil {
		log.Fatalf("Failed to build stores: %v", err)
	}
	defer stores.Close()

	engine := checkpoint.New(stores.Blobs, stores.Meta)
	models := app.BuildModels(cfg.Models, cfg.Storage.Local)
	generator := worker.New(
		stores.Jobs, stores.Templates, engine, stores.Blobs,
		stores.Seeds, models, config.DefaultRateTable(), stores.Events, cfg.Worker)

	runtime := compute.NewLocal(func(ctx context.Context, jobID string, preempt <-chan struct{}) error {
		_, err := generator.Run(ctx, jobID, preempt)
		return err
	})

	d := dispatcher.New(stores.Jobs, stores.Templates, runtime, stores.Meta, stores.Blobs, cfg.Dispatcher)

	if cfg.Observability.MetricsAddr != "" {
		go observability.ServeMetrics(ctx, cfg.Observability.MetricsAddr)
	}

	slog.InfoContext(ctx, "dispatcher starting",
		"poll_interval", cfg.Dispatcher.PollInterval,
		"max_worker_restarts", cfg.Dispatcher.MaxWorkerRestarts,
		"heartbeat_timeout", cfg.Dispatcher.HeartbeatTimeout)

	if err := d.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		slog.ErrorContext(ctx, "dispatcher loop failed", "error", err)
		os.Exit(1)
	}
	slog.Info("dispatcher shut down gracefully")
}
