// Package metrics exposes Prometheus collectors for the sink.
package metrics

import (
	"context"
	"errors"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/ruslano69/loadmulti/pkg/buffer"
	"github.com/ruslano69/loadmulti/pkg/loaddata"
	"github.com/ruslano69/loadmulti/pkg/resilience"
)

const namespace = "loadmulti"

// Metrics owns a private registry so that tests and multiple instances do
// not collide on the global one.
type Metrics struct {
	registry *prometheus.Registry
	factory  promauto.Factory

	writesTotal      *prometheus.CounterVec
	recordsTotal     *prometheus.CounterVec
	rowsAffected     *prometheus.CounterVec
	artifactBytes    *prometheus.CounterVec
	writeDuration    *prometheus.HistogramVec
	probeFailures    *prometheus.CounterVec
	deadLettersTotal *prometheus.CounterVec
	circuitState     *prometheus.GaugeVec
	circuitChanges   *prometheus.CounterVec
}

// New registers every collector plus the Go and process collectors.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	f := promauto.With(reg)

	return &Metrics{
		registry: reg,
		factory:  f,

		// writesTotal counts write calls by destination table and outcome.
		writesTotal: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "writes_total",
				Help:      "Total number of chunk write calls",
			},
			[]string{"table", "status"},
		),
		recordsTotal: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "records_loaded_total",
				Help:      "Total number of records in successfully loaded chunks",
			},
			[]string{"table"},
		),
		rowsAffected: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "rows_affected_total",
				Help:      "Rows reported as affected by LOAD DATA",
			},
			[]string{"table"},
		),
		artifactBytes: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "artifact_bytes_total",
				Help:      "Bytes of batch files handed to LOAD DATA",
			},
			[]string{"table"},
		),
		writeDuration: f.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "write_duration_seconds",
				Help:      "Duration of chunk write calls",
				Buckets:   prometheus.ExponentialBuckets(0.01, 2, 12),
			},
			[]string{"status"},
		),
		// probeFailures counts failures to read the column description of a table.
		probeFailures: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "probe_failures_total",
				Help:      "Total number of failed table column probes",
			},
			[]string{"table"},
		),
		deadLettersTotal: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "dead_letters_total",
				Help:      "Chunks given up on, by failure type",
			},
			[]string{"failure_type"},
		),
		circuitState: f.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "circuit_breaker_state",
				Help:      "Circuit breaker state (0 closed, 1 half-open, 2 open)",
			},
			[]string{"name"},
		),
		circuitChanges: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "circuit_breaker_transitions_total",
				Help:      "Circuit breaker transitions by target state",
			},
			[]string{"name", "to"},
		),
	}
}

// Registry returns the private registry.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Handler serves the registry in the Prometheus text format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

// ReportWrite implements loaddata.Reporter.
func (m *Metrics) ReportWrite(ctx context.Context, res *loaddata.Result, err error) {
	table := res.Destination.Table
	status := "success"
	if err != nil {
		status = "failure"
		var perr *loaddata.ProbeError
		if errors.As(err, &perr) {
			m.probeFailures.WithLabelValues(table).Inc()
		}
	}

	m.writesTotal.WithLabelValues(table, status).Inc()
	m.writeDuration.WithLabelValues(status).Observe(res.Duration.Seconds())
	if res.Bytes > 0 {
		m.artifactBytes.WithLabelValues(table).Add(float64(res.Bytes))
	}
	if err == nil {
		m.recordsTotal.WithLabelValues(table).Add(float64(res.Records))
		m.rowsAffected.WithLabelValues(table).Add(float64(res.RowsAffected))
	}
}

// ReportDeadLetter implements buffer.DeadLetterReporter.
func (m *Metrics) ReportDeadLetter(ctx context.Context, dl buffer.DeadLetter) {
	m.deadLettersTotal.WithLabelValues(dl.FailureType).Inc()
}

// CircuitStateChanged fits resilience.Config.OnStateChange.
func (m *Metrics) CircuitStateChanged(name string, from, to resilience.State) {
	m.circuitState.WithLabelValues(name).Set(float64(to))
	m.circuitChanges.WithLabelValues(name, to.String()).Inc()
}

// WatchBuffer exports buffer gauges sampled from stats on every scrape.
func (m *Metrics) WatchBuffer(stats func() buffer.Stats) {
	gauge := func(name, help string, value func(buffer.Stats) float64) {
		m.factory.NewGaugeFunc(
			prometheus.GaugeOpts{Namespace: namespace, Subsystem: "buffer", Name: name, Help: help},
			func() float64 { return value(stats()) },
		)
	}
	counter := func(name, help string, value func(buffer.Stats) float64) {
		m.factory.NewCounterFunc(
			prometheus.CounterOpts{Namespace: namespace, Subsystem: "buffer", Name: name, Help: help},
			func() float64 { return value(stats()) },
		)
	}

	gauge("staged_chunks", "Chunks still accepting events", func(s buffer.Stats) float64 { return float64(s.StagedChunks) })
	gauge("staged_records", "Events in staged chunks", func(s buffer.Stats) float64 { return float64(s.StagedRecords) })
	gauge("queued_chunks", "Chunks waiting for a flush worker", func(s buffer.Stats) float64 { return float64(s.QueuedChunks) })
	gauge("in_flight_chunks", "Chunks being written", func(s buffer.Stats) float64 { return float64(s.InFlight) })
	counter("emitted_events_total", "Events accepted by the buffer", func(s buffer.Stats) float64 { return float64(s.Emitted) })
	counter("retries_total", "Chunk write retries", func(s buffer.Stats) float64 { return float64(s.Retries) })
	counter("resumed_chunks_total", "File chunks resumed at start", func(s buffer.Stats) float64 { return float64(s.Resumed) })
}
