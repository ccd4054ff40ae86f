package observability

import (
	"context"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/hupe1980/chainmesh/callbacks"
	"github.com/hupe1980/chainmesh/core"
)

// Run outcome label values.
const (
	StatusSuccess   = "success"
	StatusError     = "error"
	StatusCancelled = "cancelled"
)

// Metrics holds the Prometheus collectors fed by MetricsHandler.
type Metrics struct {
	// RunsTotal counts finished runs.
	// Labels: kind, name, status (success|error|cancelled)
	RunsTotal *prometheus.CounterVec

	// RunDuration measures run latency in seconds.
	// Labels: kind, name, status
	RunDuration *prometheus.HistogramVec

	// RunsInFlight tracks started but unfinished runs.
	// Labels: kind
	RunsInFlight *prometheus.GaugeVec

	// StreamChunks counts streamed chunks.
	// Labels: kind, name
	StreamChunks *prometheus.CounterVec
}

// NewMetrics creates the collectors and registers them on reg. A nil reg
// leaves them unregistered.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		RunsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "chainmesh_runs_total",
				Help: "Total number of finished runs by kind, name and status",
			},
			[]string{"kind", "name", "status"},
		),
		RunDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "chainmesh_run_duration_seconds",
				Help:    "Duration of runs in seconds",
				Buckets: []float64{0.005, 0.01, 0.05, 0.1, 0.5, 1, 2, 5, 10, 30, 60},
			},
			[]string{"kind", "name", "status"},
		),
		RunsInFlight: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "chainmesh_runs_in_flight",
				Help: "Number of runs started and not yet finished",
			},
			[]string{"kind"},
		),
		StreamChunks: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "chainmesh_stream_chunks_total",
				Help: "Total number of streamed chunks by kind and name",
			},
			[]string{"kind", "name"},
		),
	}
	if reg != nil {
		reg.MustRegister(m.RunsTotal, m.RunDuration, m.RunsInFlight, m.StreamChunks)
	}
	return m
}

// MetricsHandler records run metrics.
type MetricsHandler struct {
	callbacks.BaseHandler
	metrics *Metrics
}

// NewMetricsHandler returns a handler recording into m.
func NewMetricsHandler(m *Metrics) *MetricsHandler {
	return &MetricsHandler{metrics: m}
}

// OnRunStart implements callbacks.Handler.
func (h *MetricsHandler) OnRunStart(_ context.Context, run callbacks.Run) error {
	h.metrics.RunsInFlight.WithLabelValues(string(run.Kind)).Inc()
	return nil
}

// OnRunChunk implements callbacks.Handler.
func (h *MetricsHandler) OnRunChunk(_ context.Context, run callbacks.Run, _ any) error {
	h.metrics.StreamChunks.WithLabelValues(string(run.Kind), run.Name).Inc()
	return nil
}

// OnRunEnd implements callbacks.Handler.
func (h *MetricsHandler) OnRunEnd(_ context.Context, run callbacks.Run) error {
	h.observe(run, StatusSuccess)
	return nil
}

// OnRunError implements callbacks.Handler.
func (h *MetricsHandler) OnRunError(_ context.Context, run callbacks.Run) error {
	status := StatusError
	if core.IsCancellation(run.Error) {
		status = StatusCancelled
	}
	h.observe(run, status)
	return nil
}

func (h *MetricsHandler) observe(run callbacks.Run, status string) {
	kind := string(run.Kind)
	h.metrics.RunsInFlight.WithLabelValues(kind).Dec()
	h.metrics.RunsTotal.WithLabelValues(kind, run.Name, status).Inc()
	h.metrics.RunDuration.WithLabelValues(kind, run.Name, status).Observe(run.Duration().Seconds())
}
