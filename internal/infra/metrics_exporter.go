package infra

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// NewMetricsRegistry exposes m through Prometheus collectors that read the
// atomic counters at scrape time, plus the Go and process collectors.
func NewMetricsRegistry(m *Metrics) *prometheus.Registry {
	reg := prometheus.NewRegistry()

	counter := func(name, help string, read func(MetricsSnapshot) float64) prometheus.Collector {
		return prometheus.NewCounterFunc(prometheus.CounterOpts{Namespace: "orderbook", Name: name, Help: help},
			func() float64 { return read(m.Snapshot()) })
	}
	gauge := func(name, help string, read func(MetricsSnapshot) float64) prometheus.Collector {
		return prometheus.NewGaugeFunc(prometheus.GaugeOpts{Namespace: "orderbook", Name: name, Help: help},
			func() float64 { return read(m.Snapshot()) })
	}

	toRegister := []prometheus.Collector{
		counter("pushes_received_total", "Book snapshots pushed by the feed",
			func(s MetricsSnapshot) float64 { return float64(s.PushesReceived) }),
		counter("pushes_coalesced_total", "Pushed snapshots dropped in favour of a fresher one",
			func(s MetricsSnapshot) float64 { return float64(s.PushesCoalesced) }),
		counter("frames_rendered_total", "Frames rendered for views",
			func(s MetricsSnapshot) float64 { return float64(s.FramesRendered) }),
		counter("errors_total", "Feed and lifecycle errors",
			func(s MetricsSnapshot) float64 { return float64(s.ErrorsTotal) }),
		counter("lifecycles_connected_total", "Lifecycles that completed setup",
			func(s MetricsSnapshot) float64 { return float64(s.FetchCount) }),
		gauge("lifecycle_setup_avg_seconds", "Average dial-to-subscribe latency",
			func(s MetricsSnapshot) float64 { return float64(s.AvgFetchLatencyNs) / 1e9 }),
		gauge("feed_connections", "Open feed transports",
			func(s MetricsSnapshot) float64 { return float64(s.ActiveConnections) }),
		gauge("view_sessions", "Open view sessions",
			func(s MetricsSnapshot) float64 { return float64(s.ActiveSessions) }),
		gauge("feed_circuit_open", "1 when the feed circuit breaker is open",
			func(s MetricsSnapshot) float64 {
				if s.CircuitOpen {
					return 1
				}
				return 0
			}),
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	}
	for _, c := range toRegister {
		reg.MustRegister(c)
	}
	return reg
}

// MetricsHandler serves reg in the Prometheus text format.
func MetricsHandler(reg *prometheus.Registry) http.Handler {
	return promhttp.HandlerFor(reg, promhttp.HandlerOpts{})
}
