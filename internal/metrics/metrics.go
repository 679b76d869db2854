// Package metrics provides Prometheus metrics for the report orchestrator.
package metrics

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

// Metrics holds all Prometheus metrics for the orchestrator.
type Metrics struct {
	// Lifecycle cycle metrics
	CyclesStarted *prometheus.CounterVec
	CyclesSkipped *prometheus.CounterVec
	Transitions   *prometheus.CounterVec

	// Provider metrics
	ProviderErrors       *prometheus.CounterVec
	ProviderCallDuration *prometheus.HistogramVec

	// Backfill metrics
	BackfillRowsCreated *prometheus.CounterVec
	BackfillErrors      prometheus.Counter

	// Scheduler metrics
	SweepDuration *prometheus.HistogramVec
	SweepErrors   *prometheus.CounterVec

	// Event bus metrics
	EventSubscribers prometheus.Gauge

	// Stream ingest metrics
	IngestRecords     *prometheus.CounterVec
	DeadLetterRecords *prometheus.CounterVec
}

// Config holds metrics configuration.
type Config struct {
	Enabled    bool
	ListenAddr string
}

// New creates and registers all metrics.
func New() *Metrics {
	return &Metrics{
		CyclesStarted: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "report_cycles_started_total",
			Help: "Orchestration cycles that acquired their key.",
		}, []string{"cycle"}),
		CyclesSkipped: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "report_cycles_skipped_total",
			Help: "Orchestration cycles skipped before any provider call.",
		}, []string{"cycle", "reason"}),
		Transitions: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "report_transitions_total",
			Help: "Lifecycle transitions emitted, by event type.",
		}, []string{"type"}),
		ProviderErrors: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "report_provider_errors_total",
			Help: "Report provider failures, by operation and status code.",
		}, []string{"op", "code"}),
		ProviderCallDuration: promauto.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "report_provider_call_duration_seconds",
			Help:    "Report provider call latency.",
			Buckets: prometheus.ExponentialBuckets(0.05, 2, 10),
		}, []string{"op"}),
		BackfillRowsCreated: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "report_backfill_rows_created_total",
			Help: "Metadata rows materialized by the backfill enumerator.",
		}, []string{"aggregation", "status"}),
		BackfillErrors: promauto.NewCounter(prometheus.CounterOpts{
			Name: "report_backfill_errors_total",
			Help: "Backfill boundary failures that were logged and skipped.",
		}),
		SweepDuration: promauto.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "report_sweep_duration_seconds",
			Help:    "Scheduler sweep duration.",
			Buckets: prometheus.ExponentialBuckets(0.1, 2, 10),
		}, []string{"sweep"}),
		SweepErrors: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "report_sweep_errors_total",
			Help: "Scheduler sweep failures.",
		}, []string{"sweep"}),
		EventSubscribers: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "report_event_subscribers",
			Help: "Currently live lifecycle event subscribers.",
		}),
		IngestRecords: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "report_ingest_records_total",
			Help: "Stream records ingested, by dataset tag.",
		}, []string{"dataset"}),
		DeadLetterRecords: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "report_dead_letter_records_total",
			Help: "Stream records routed to the dead-letter sink.",
		}, []string{"reason"}),
	}
}

// IncCycleStarted increments the started-cycles counter.
func (m *Metrics) IncCycleStarted(cycle string) {
	m.CyclesStarted.WithLabelValues(cycle).Inc()
}

// IncCycleSkipped increments the skipped-cycles counter.
func (m *Metrics) IncCycleSkipped(cycle, reason string) {
	m.CyclesSkipped.WithLabelValues(cycle, reason).Inc()
}

// IncTransition increments the transitions counter.
func (m *Metrics) IncTransition(eventType string) {
	m.Transitions.WithLabelValues(eventType).Inc()
}

// IncProviderError increments the provider errors counter.
func (m *Metrics) IncProviderError(op, code string) {
	m.ProviderErrors.WithLabelValues(op, code).Inc()
}

// ObserveProviderCall records a provider call's latency.
func (m *Metrics) ObserveProviderCall(op string, seconds float64) {
	m.ProviderCallDuration.WithLabelValues(op).Observe(seconds)
}

// IncBackfillRow increments the backfill rows counter.
func (m *Metrics) IncBackfillRow(aggregation, status string) {
	m.BackfillRowsCreated.WithLabelValues(aggregation, status).Inc()
}

// IncBackfillError increments the backfill errors counter.
func (m *Metrics) IncBackfillError() {
	m.BackfillErrors.Inc()
}

// ObserveSweep records a sweep's duration.
func (m *Metrics) ObserveSweep(sweep string, seconds float64) {
	m.SweepDuration.WithLabelValues(sweep).Observe(seconds)
}

// IncSweepError increments the sweep errors counter.
func (m *Metrics) IncSweepError(sweep string) {
	m.SweepErrors.WithLabelValues(sweep).Inc()
}

// SetEventSubscribers sets the live subscriber gauge.
func (m *Metrics) SetEventSubscribers(n float64) {
	m.EventSubscribers.Set(n)
}

// IncIngestRecord increments the ingest records counter.
func (m *Metrics) IncIngestRecord(dataset string) {
	m.IngestRecords.WithLabelValues(dataset).Inc()
}

// IncDeadLetter increments the dead-letter records counter.
func (m *Metrics) IncDeadLetter(reason string) {
	m.DeadLetterRecords.WithLabelValues(reason).Inc()
}

// Serve exposes /metrics on the configured address until ctx is canceled.
func Serve(ctx context.Context, cfg Config) error {
	if !cfg.Enabled {
		return nil
	}

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())

	srv := &http.Server{Addr: cfg.ListenAddr, Handler: mux}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		srv.Shutdown(shutdownCtx)
	}()

	slog.Info("metrics listener started", "addr", cfg.ListenAddr)
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}
