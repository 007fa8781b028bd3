// The worker runs one generation job attempt and exits. The job id comes
// from PLOT_JOB_ID; SIGTERM is treated as a preemption signal, giving the
// attempt its grace window to flush a final checkpoint before exiting.
package main

import (
	"context"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/plotpalette/plotpalette/internal/app"
	"github.com/plotpalette/plotpalette/internal/application/worker"
	"github.com/plotpalette/plotpalette/internal/checkpoint"
	"github.com/plotpalette/plotpalette/internal/config"
	"github.com/plotpalette/plotpalette/pkg/observability"
)

func main() {
	ctx := context.Background()

	jobID := os.Getenv("PLOT_JOB_ID")
	if jobID == "" {
		log.Fatal("PLOT_JOB_ID environment variable is required")
	}

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}
	if err := cfg.Storage.CheckComplete(); err != nil {
		log.Fatalf("Incomplete storage configuration: %v", err)
	}

	serviceName := cfg.Observability.ServiceName
	if serviceName == "" {
		serviceName = "plotpalette-worker"
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

	// SIGTERM and SIGINT become the preemption signal; the attempt then
	// flushes a final checkpoint within the grace window.
	preempt := make(chan struct{})
	var once sync.Once
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	go func() {
		for range sigChan {
			once.Do(func() { close(preempt) })
		}
	}()

	outcome, err := generator.Run(ctx, jobID, preempt)
	if err != nil {
		slog.ErrorContext(ctx, "worker attempt failed", "job_id", jobID, "error", err)
		os.Exit(1)
	}

	slog.InfoContext(ctx, "worker attempt finished",
		"job_id", jobID,
		"terminal", outcome.Terminal,
		"status", outcome.Status,
		"reason", outcome.Reason,
		"records_generated", outcome.RecordsGenerated,
		"records_rejected", outcome.RecordsRejected)
}
