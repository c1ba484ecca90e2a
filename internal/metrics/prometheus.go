package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const eventsMetricName = "aero_voice_events_total"

// collector exports every counter in Metrics as a single metric with an
// `event` label. Counters are read at scrape time so the in-process registry
// stays the single source of truth.
type collector struct {
	m    *Metrics
	desc *prometheus.Desc
}

func newCollector(m *Metrics) *collector {
	return &collector{
		m: m,
		desc: prometheus.NewDesc(
			eventsMetricName,
			"Internal event counters.",
			[]string{"event"},
			nil,
		),
	}
}

func (c *collector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.desc
}

func (c *collector) Collect(ch chan<- prometheus.Metric) {
	for name, v := range c.m.Snapshot() {
		ch <- prometheus.MustNewConstMetric(c.desc, prometheus.CounterValue, float64(v), name)
	}
}

// NewRegistry returns a Prometheus registry exposing m together with the Go
// runtime and process collectors.
func NewRegistry(m *Metrics) *prometheus.Registry {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		newCollector(m),
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return reg
}

// PrometheusHandler exposes Metrics in Prometheus' text exposition format.
func PrometheusHandler(m *Metrics) http.Handler {
	if m == nil {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			http.Error(w, "metrics not configured", http.StatusInternalServerError)
		})
	}
	return promhttp.HandlerFor(NewRegistry(m), promhttp.HandlerOpts{})
}
