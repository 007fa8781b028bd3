package observability

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Prometheus counters shared by the dispatcher and worker. Registered on
// the default registry; exposed by ServeMetrics.
var (
	JobsDispatched = promauto.NewCounter(prometheus.CounterOpts{
		Name: "plotpalette_jobs_dispatched_total",
		Help: "Worker launches for queued jobs.",
	})

	WorkerRestarts = promauto.NewCounter(prometheus.CounterOpts{
		Name: "plotpalette_worker_restarts_total",
		Help: "Worker relaunches after non-terminal exits.",
	})

	JobsFinished = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "plotpalette_jobs_finished_total",
		Help: "Jobs reaching a terminal status.",
	}, []string{"status"})

	CheckpointWrites = promauto.NewCounter(prometheus.CounterOpts{
		Name: "plotpalette_checkpoint_writes_total",
		Help: "Successful checkpoint commits.",
	})

	CheckpointConflicts = promauto.NewCounter(prometheus.CounterOpts{
		Name: "plotpalette_checkpoint_conflicts_total",
		Help: "Checkpoint write attempts lost to a concurrent writer.",
	})

	ModelCalls = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "plotpalette_model_calls_total",
		Help: "Model invocations by result class.",
	}, []string{"result"})

	RecordsGenerated = promauto.NewCounter(prometheus.CounterOpts{
		Name: "plotpalette_records_generated_total",
		Help: "Accepted records across all jobs.",
	})

	RecordsRejected = promauto.NewCounter(prometheus.CounterOpts{
		Name: "plotpalette_records_rejected_total",
		Help: "Rejected record slots across all jobs.",
	})
)

// Model call result labels.
const (
	ModelCallOK        = "ok"
	ModelCallTransient = "transient"
	ModelCallPermanent = "permanent"
	ModelCallQuota     = "quota"
)

// ServeMetrics exposes /metrics on addr until the context is cancelled.
func ServeMetrics(ctx context.Context, addr string) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())

	server := &http.Server{Addr: addr, Handler: mux}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			slog.Error("failed to shut down metrics server", "error", err)
		}
	}()

	if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		slog.Error("metrics server failed", "addr", addr, "error", err)
	}
}
