package enclave

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds the platform's Prometheus instruments on a private registry
// so embedding hosts can expose them without registration collisions.
type Metrics struct {
	registry *prometheus.Registry

	Loads         *prometheus.CounterVec
	Violations    *prometheus.CounterVec
	ActiveWorkers prometheus.Gauge
	QueuedLoads   prometheus.Gauge
	LoadDuration  prometheus.Histogram
}

// NewMetrics creates and registers the platform metrics.
func NewMetrics() *Metrics {
	reg := prometheus.NewRegistry()
	m := &Metrics{
		registry: reg,
		Loads: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "enclave",
			Name:      "plugin_loads_total",
			Help:      "Total plugin load attempts by outcome",
		}, []string{"status"}),
		Violations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "enclave",
			Name:      "violations_total",
			Help:      "Total security and resource violations by type",
		}, []string{"type"}),
		ActiveWorkers: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "enclave",
			Name:      "active_workers",
			Help:      "Workers currently in the pool",
		}),
		QueuedLoads: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "enclave",
			Name:      "queued_loads",
			Help:      "Load requests waiting for admission",
		}),
		LoadDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "enclave",
			Name:      "plugin_load_duration_seconds",
			Help:      "Duration of successful plugin loads in seconds",
			Buckets:   prometheus.DefBuckets,
		}),
	}
	reg.MustRegister(m.Loads, m.Violations, m.ActiveWorkers, m.QueuedLoads, m.LoadDuration)
	return m
}

// Gatherer exposes the private registry for scraping.
func (m *Metrics) Gatherer() prometheus.Gatherer { return m.registry }
