package orchestrator

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

// Metrics exposes orchestration gauges and counters.
type Metrics struct {
	registry *prometheus.Registry

	QueuePending    prometheus.Gauge
	QueueInProgress prometheus.Gauge
	ActiveWorkflows prometheus.Gauge
	ActiveWorkers   prometheus.Gauge

	IssuesDiscovered prometheus.Counter
	WorkersSpawned   prometheus.Counter
	StepsCompleted   prometheus.Counter
	StepsRetried     prometheus.Counter
	CyclesTotal      *prometheus.CounterVec
}

// NewMetrics creates the metric set on a private registry.
func NewMetrics() *Metrics {
	registry := prometheus.NewRegistry()
	factory := promauto.With(registry)

	return &Metrics{
		registry: registry,
		QueuePending: factory.NewGauge(prometheus.GaugeOpts{
			Name: "issueflow_queue_pending_tasks",
			Help: "Number of tasks waiting for assignment.",
		}),
		QueueInProgress: factory.NewGauge(prometheus.GaugeOpts{
			Name: "issueflow_queue_in_progress_tasks",
			Help: "Number of tasks currently executing.",
		}),
		ActiveWorkflows: factory.NewGauge(prometheus.GaugeOpts{
			Name: "issueflow_active_workflows",
			Help: "Number of workflows that are not completed.",
		}),
		ActiveWorkers: factory.NewGauge(prometheus.GaugeOpts{
			Name: "issueflow_active_workers",
			Help: "Number of running worker containers.",
		}),
		IssuesDiscovered: factory.NewCounter(prometheus.CounterOpts{
			Name: "issueflow_issues_discovered_total",
			Help: "Issues that entered the system via discovery.",
		}),
		WorkersSpawned: factory.NewCounter(prometheus.CounterOpts{
			Name: "issueflow_workers_spawned_total",
			Help: "Worker containers started.",
		}),
		StepsCompleted: factory.NewCounter(prometheus.CounterOpts{
			Name: "issueflow_workflow_steps_completed_total",
			Help: "Workflow steps that finished successfully.",
		}),
		StepsRetried: factory.NewCounter(prometheus.CounterOpts{
			Name: "issueflow_workflow_steps_retried_total",
			Help: "Workflow step executions routed through the retry path.",
		}),
		CyclesTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "issueflow_cycles_total",
			Help: "Control loop cycles by kind.",
		}, []string{"cycle"}),
	}
}

// Serve exposes the metrics endpoint until the context is canceled.
// A blank address disables serving.
func (m *Metrics) Serve(ctx context.Context, addr string, logger *slog.Logger) {
	if addr == "" {
		return
	}

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{}))
	server := &http.Server{Addr: addr, Handler: mux}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = server.Shutdown(shutdownCtx)
	}()

	go func() {
		logger.Info("metrics endpoint listening", "addr", addr)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("metrics endpoint failed", "error", err)
		}
	}()
}
