package api

import (
	"github.com/prometheus/client_golang/prometheus"

	m "github.com/conduitnet/conduit/pkg/metrics"
)

type metrics struct {
	// all metrics fields must be exported
	// to be able to return them by Metrics()
	// using reflection

	RequestCount      prometheus.Counter
	WebsocketSessions prometheus.Gauge
}

func newMetrics() metrics {
	subsystem := "api"

	return metrics{
		RequestCount: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: m.Namespace,
			Subsystem: subsystem,
			Name:      "request_count",
			Help:      "Number of API requests.",
		}),
		WebsocketSessions: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: m.Namespace,
			Subsystem: subsystem,
			Name:      "websocket_sessions",
			Help:      "Number of open event stream sessions.",
		}),
	}
}

// Metrics returns the prometheus collectors of the API.
func (s *server) Metrics() []prometheus.Collector {
	return m.PrometheusCollectorsFromFields(s.metrics)
}
