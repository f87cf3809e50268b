// Package metrics holds the prometheus collectors a node exports.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "cdcfleet"

// Metrics is one node's set of collectors, registered on a single registry
type Metrics struct {
	registry *prometheus.Registry

	// EventsTotal counts change events handled per task
	EventsTotal *prometheus.CounterVec
	// LocalTasks is the number of engines running on this node
	LocalTasks prometheus.Gauge
	// LockAcquisitions counts lease attempts by outcome
	LockAcquisitions *prometheus.CounterVec
	// Takeovers counts orphaned tasks this node started
	Takeovers prometheus.Counter
	// HeartbeatFailures counts heartbeats that could not be written
	HeartbeatFailures prometheus.Counter
	// ScanDuration measures orphan scans
	ScanDuration prometheus.Histogram
	// EngineFailures counts engines that stopped without being asked to
	EngineFailures *prometheus.CounterVec
	// Info exposes the node identity
	Info *prometheus.GaugeVec
}

// New creates collectors on a fresh registry that also carries the Go and
// process collectors.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	f := promauto.With(reg)

	return &Metrics{
		registry: reg,
		EventsTotal: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "events_total",
				Help:      "Change events handled, by task and result",
			},
			[]string{"task", "result"}, // result: success/error
		),
		LocalTasks: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "local_tasks",
			Help:      "Tasks with an engine running on this node",
		}),
		LockAcquisitions: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "lock_acquisitions_total",
				Help:      "Task lease acquisition attempts, by result",
			},
			[]string{"result"}, // acquired/contended/error
		),
		Takeovers: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "takeovers_total",
			Help:      "Orphaned tasks started on this node",
		}),
		HeartbeatFailures: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "heartbeat_failures_total",
			Help:      "Heartbeats that could not be published",
		}),
		ScanDuration: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "scan_duration_seconds",
			Help:      "Orphan scan latency in seconds",
			Buckets:   []float64{.001, .005, .01, .05, .1, .5, 1, 5, 10},
		}),
		EngineFailures: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "engine_failures_total",
				Help:      "Engines that stopped on their own, by task",
			},
			[]string{"task"},
		),
		Info: f.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "info",
				Help:      "Node info",
			},
			[]string{"node", "version"},
		),
	}
}

// InitInfo sets the info gauge for this node
func (m *Metrics) InitInfo(node, version string) {
	m.Info.WithLabelValues(node, version).Set(1)
}

// RecordEvent counts one handled change event
func (m *Metrics) RecordEvent(taskID string, success bool) {
	result := "success"
	if !success {
		result = "error"
	}
	m.EventsTotal.WithLabelValues(taskID, result).Inc()
}

// RecordLock counts one lease attempt
func (m *Metrics) RecordLock(acquired bool, err error) {
	switch {
	case err != nil:
		m.LockAcquisitions.WithLabelValues("error").Inc()
	case acquired:
		m.LockAcquisitions.WithLabelValues("acquired").Inc()
	default:
		m.LockAcquisitions.WithLabelValues("contended").Inc()
	}
}

// ObserveScan records how long an orphan scan took
func (m *Metrics) ObserveScan(d time.Duration) {
	m.ScanDuration.Observe(d.Seconds())
}

// Handler serves the registry in the prometheus text format
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}
