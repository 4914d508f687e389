package status

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"transcribe-gate/internal/domain"
)

// Metrics holds Prometheus counters and gauges for the gate runner.
type Metrics struct {
	registry            *prometheus.Registry
	chunksTotal         prometheus.Counter
	chunksCompleted     prometheus.Counter
	chunksSkipped       prometheus.Counter
	chunksFailed        prometheus.Counter
	gateRechecksTotal   prometheus.Counter
	gateRecheckFailures prometheus.Counter
	gatePausesTotal     prometheus.Counter
	engineSecondsTotal  prometheus.Counter
	chunksInFlight      prometheus.Gauge
}

// NewMetrics creates and registers Prometheus metrics for the runner.
func NewMetrics() *Metrics {
	registry := prometheus.NewRegistry()

	chunksTotal := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "gate_chunks_total",
		Help: "Total number of chunk results produced",
	})
	chunksCompleted := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "gate_chunks_completed_total",
		Help: "Total number of chunks processed to completion",
	})
	chunksSkipped := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "gate_chunks_skipped_total",
		Help: "Total number of chunks skipped because their outputs already existed",
	})
	chunksFailed := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "gate_chunks_failed_total",
		Help: "Total number of chunks that failed processing",
	})
	gateRechecksTotal := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "gate_rechecks_total",
		Help: "Total number of resource gate checks before chunk admission",
	})
	gateRecheckFailures := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "gate_recheck_failures_total",
		Help: "Total number of gate checks that refused admission",
	})
	gatePausesTotal := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "gate_pauses_total",
		Help: "Total number of admission pauses waiting for resource recovery",
	})
	engineSecondsTotal := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "gate_engine_seconds_total",
		Help: "Total engine wall time spent processing chunks, in seconds",
	})
	chunksInFlight := prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "gate_chunks_in_flight",
		Help: "Number of chunks currently being processed",
	})

	registry.MustRegister(
		chunksTotal,
		chunksCompleted,
		chunksSkipped,
		chunksFailed,
		gateRechecksTotal,
		gateRecheckFailures,
		gatePausesTotal,
		engineSecondsTotal,
		chunksInFlight,
	)

	return &Metrics{
		registry:            registry,
		chunksTotal:         chunksTotal,
		chunksCompleted:     chunksCompleted,
		chunksSkipped:       chunksSkipped,
		chunksFailed:        chunksFailed,
		gateRechecksTotal:   gateRechecksTotal,
		gateRecheckFailures: gateRecheckFailures,
		gatePausesTotal:     gatePausesTotal,
		engineSecondsTotal:  engineSecondsTotal,
		chunksInFlight:      chunksInFlight,
	}
}

// OnChunkStart marks one chunk entering the engine.
func (m *Metrics) OnChunkStart(domain.Chunk) {
	m.chunksInFlight.Inc()
}

// OnChunk tallies one chunk result. Skipped chunks never started, so only
// completed and failed results leave the in-flight gauge.
func (m *Metrics) OnChunk(result domain.ChunkResult) {
	m.chunksTotal.Inc()
	m.engineSecondsTotal.Add(result.Elapsed.Seconds())
	switch result.Status {
	case domain.ChunkStatusComplete:
		m.chunksCompleted.Inc()
		m.chunksInFlight.Dec()
	case domain.ChunkStatusSkipped:
		m.chunksSkipped.Inc()
	case domain.ChunkStatusFailed:
		m.chunksFailed.Inc()
		m.chunksInFlight.Dec()
	}
}

// OnGateRecheck tallies one gate check and whether it refused admission.
func (m *Metrics) OnGateRecheck(err error) {
	m.gateRechecksTotal.Inc()
	if err != nil {
		m.gateRecheckFailures.Inc()
	}
}

// OnGatePause tallies one admission pause.
func (m *Metrics) OnGatePause() {
	m.gatePausesTotal.Inc()
}

// Handler returns an http.Handler that serves Prometheus metrics.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
