// Package metrics exposes Prometheus instrumentation for batch runs.
package metrics

import (
	"context"
	"errors"
	"net/http"
	"time"

	"leadsegments_backend/internal/leads/batch"
	"leadsegments_backend/internal/leads/domain"
	"leadsegments_backend/platform/logger"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const (
	namespace = "leadsegments"
	subsystem = "batch"
)

// Metrics holds the run, page and item collectors.
type Metrics struct {
	registry *prometheus.Registry

	// runsTotal counts finished runs. Labels: kind, status.
	runsTotal *prometheus.CounterVec
	// runDuration observes wall time per run. Labels: kind.
	runDuration *prometheus.HistogramVec
	// itemsTotal counts processed leads. Labels: kind, result.
	itemsTotal *prometheus.CounterVec
	// pagesTotal counts fetched pages. Labels: kind, result.
	pagesTotal *prometheus.CounterVec
	// membershipChanges counts attach/detach writes. Labels: change.
	membershipChanges *prometheus.CounterVec
	// decayedPoints counts score points removed by decay.
	decayedPoints prometheus.Counter
	// lastRunTimestamp is the unix time the last run of a kind finished. Labels: kind.
	lastRunTimestamp *prometheus.GaugeVec
}

// New registers every collector on reg. A nil reg gets a fresh registry with
// the Go and process collectors.
func New(reg *prometheus.Registry) *Metrics {
	if reg == nil {
		reg = prometheus.NewRegistry()
		reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	}
	factory := promauto.With(reg)

	return &Metrics{
		registry: reg,
		runsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "runs_total",
			Help:      "Finished batch runs by kind and status",
		}, []string{"kind", "status"}),
		runDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "run_duration_seconds",
			Help:      "Batch run wall time in seconds",
			Buckets:   []float64{0.1, 0.5, 1, 5, 15, 30, 60, 300, 900, 1800, 3600},
		}, []string{"kind"}),
		itemsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "items_total",
			Help:      "Leads processed by batch runs, by result",
		}, []string{"kind", "result"}),
		pagesTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "pages_total",
			Help:      "Lead pages fetched by batch runs, by result",
		}, []string{"kind", "result"}),
		membershipChanges: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "membership",
			Name:      "changes_total",
			Help:      "Lead-segment membership writes by change",
		}, []string{"change"}),
		decayedPoints: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "scoring",
			Name:      "decayed_points_total",
			Help:      "Score points removed by decay",
		}),
		lastRunTimestamp: factory.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "last_run_timestamp_seconds",
			Help:      "Unix time the last run of each kind finished",
		}, []string{"kind"}),
	}
}

// ObserveItem implements batch.Observer.
func (m *Metrics) ObserveItem(kind, result string) {
	m.itemsTotal.WithLabelValues(kind, result).Inc()
}

// ObservePage implements batch.Observer.
func (m *Metrics) ObservePage(kind string, ok bool) {
	result := "ok"
	if !ok {
		result = "failed"
	}
	m.pagesTotal.WithLabelValues(kind, result).Inc()
}

// RecordRun records a finished run's totals. Nil stats are ignored.
func (m *Metrics) RecordRun(stats *domain.RunStats) {
	if stats == nil {
		return
	}
	m.runsTotal.WithLabelValues(stats.Kind, stats.Status()).Inc()
	m.runDuration.WithLabelValues(stats.Kind).Observe(stats.Duration().Seconds())
	m.membershipChanges.WithLabelValues("attach").Add(float64(stats.Attached))
	m.membershipChanges.WithLabelValues("detach").Add(float64(stats.Detached))
	m.decayedPoints.Add(float64(stats.DecayedPoints))
	if !stats.FinishedAt.IsZero() {
		m.lastRunTimestamp.WithLabelValues(stats.Kind).Set(float64(stats.FinishedAt.Unix()))
	}
}

// Registry returns the registry backing the collectors.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Serve exposes /metrics on addr until ctx is done.
func (m *Metrics) Serve(ctx context.Context, addr string, log *logger.Logger) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", m.Handler())
	srv := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		log.Info("metrics endpoint listening", "addr", addr)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	}
}

var _ batch.Observer = (*Metrics)(nil)
