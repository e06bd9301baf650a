// Package metrics exposes advertising and RPC counters to Prometheus.
//
// A nil *Metrics is valid and records nothing, so components can take one
// unconditionally.
package metrics

import (
	"context"

	"github.com/jjqq2013/maas/message"
	"github.com/jjqq2013/maas/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
)

const namespace = "regiond"

// Failure stages of an advertising cycle.
const (
	StageAddresses = "addresses"
	StageReplace   = "replace"
	StageCollect   = "collect"
)

type Metrics struct {
	Registry *prometheus.Registry

	cycles              prometheus.Counter
	cycleFailures       *prometheus.CounterVec
	cycleDuration       prometheus.Histogram
	advertisedEndpoints prometheus.Gauge
	staleCollected      prometheus.Counter
	requests            *prometheus.CounterVec
}

// New creates the collectors on a fresh registry, together with the Go
// runtime and process collectors.
func New() *Metrics {
	m := &Metrics{
		Registry: prometheus.NewRegistry(),
		cycles: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "advertise",
			Name:      "cycles_total",
			Help:      "Advertising cycles completed successfully.",
		}),
		cycleFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "advertise",
			Name:      "cycle_failures_total",
			Help:      "Advertising cycles that failed, by the step that failed.",
		}, []string{"stage"}),
		cycleDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "advertise",
			Name:      "cycle_duration_seconds",
			Help:      "Time taken by an advertising cycle.",
			Buckets:   prometheus.ExponentialBuckets(0.005, 2, 12),
		}),
		advertisedEndpoints: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "advertise",
			Name:      "endpoints",
			Help:      "Endpoints written by the last successful cycle.",
		}),
		staleCollected: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "advertise",
			Name:      "stale_rows_collected_total",
			Help:      "Registry rows removed by the staleness sweep.",
		}),
		requests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "rpc",
			Name:      "requests_total",
			Help:      "RPC requests answered, by command and outcome.",
		}, []string{"command", "outcome"}),
	}
	m.Registry.MustRegister(
		m.cycles,
		m.cycleFailures,
		m.cycleDuration,
		m.advertisedEndpoints,
		m.staleCollected,
		m.requests,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return m
}

// CycleSucceeded records a completed advertising cycle.
func (m *Metrics) CycleSucceeded(endpoints int, collected int64, seconds float64) {
	if m == nil {
		return
	}
	m.cycles.Inc()
	m.cycleDuration.Observe(seconds)
	m.advertisedEndpoints.Set(float64(endpoints))
	m.staleCollected.Add(float64(collected))
}

// CycleFailed records a failed advertising cycle.
func (m *Metrics) CycleFailed(stage string) {
	if m == nil {
		return
	}
	m.cycleFailures.WithLabelValues(stage).Inc()
}

// Withdrawn records that this controller removed its own rows.
func (m *Metrics) Withdrawn() {
	if m == nil {
		return
	}
	m.advertisedEndpoints.Set(0)
}

// RequestMiddleware counts every answered command.
func (m *Metrics) RequestMiddleware() middleware.Middleware {
	return func(next middleware.HandlerFunc) middleware.HandlerFunc {
		if m == nil {
			return next
		}
		return func(ctx context.Context, req *message.Message) *message.Message {
			resp := next(ctx, req)
			outcome := "ok"
			if resp.Error != "" {
				outcome = "error"
			}
			m.requests.WithLabelValues(req.Command, outcome).Inc()
			return resp
		}
	}
}
