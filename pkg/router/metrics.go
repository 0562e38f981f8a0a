package router

import (
	"github.com/prometheus/client_golang/prometheus"

	m "github.com/conduitnet/conduit/pkg/metrics"
)

type metrics struct {
	// all metrics fields must be exported
	// to be able to return them by Metrics()
	// using reflection

	PaymentsForwarded   prometheus.Counter
	ResolutionsMirrored prometheus.Counter
	ForwardingFailures  prometheus.Counter
	PaymentsCancelled   prometheus.Counter
	RetriesScheduled    prometheus.Counter
	LegsExpired         prometheus.Counter
}

func newMetrics() metrics {
	subsystem := "router"

	return metrics{
		PaymentsForwarded: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: m.Namespace,
			Subsystem: subsystem,
			Name:      "payments_forwarded_count",
			Help:      "Number of routed payments forwarded to an outbound channel.",
		}),
		ResolutionsMirrored: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: m.Namespace,
			Subsystem: subsystem,
			Name:      "resolutions_mirrored_count",
			Help:      "Number of leg resolutions mirrored to the other leg.",
		}),
		ForwardingFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: m.Namespace,
			Subsystem: subsystem,
			Name:      "forwarding_failures_count",
			Help:      "Number of forwarding failures recorded.",
		}),
		PaymentsCancelled: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: m.Namespace,
			Subsystem: subsystem,
			Name:      "payments_cancelled_count",
			Help:      "Number of inbound legs cancelled after failed forwarding.",
		}),
		RetriesScheduled: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: m.Namespace,
			Subsystem: subsystem,
			Name:      "retries_scheduled_count",
			Help:      "Number of mirror attempts retried with backoff.",
		}),
		LegsExpired: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: m.Namespace,
			Subsystem: subsystem,
			Name:      "legs_expired_count",
			Help:      "Number of routed legs the sweeper found expired without a resolution.",
		}),
	}
}

// Metrics returns the prometheus collectors of the router.
func (s *Service) Metrics() []prometheus.Collector {
	return m.PrometheusCollectorsFromFields(s.metrics)
}
