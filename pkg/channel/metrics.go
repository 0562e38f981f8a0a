package channel

import (
	"github.com/prometheus/client_golang/prometheus"

	m "github.com/conduitnet/conduit/pkg/metrics"
)

type metrics struct {
	// all metrics fields must be exported
	// to be able to return them by Metrics()
	// using reflection

	UpdatesProposed   prometheus.Counter
	UpdatesReceived   prometheus.Counter
	UpdatesApplied    prometheus.Counter
	UpdateFailures    prometheus.Counter
	TransfersCreated  prometheus.Counter
	TransfersResolved prometheus.Counter
	DisputesSubmitted prometheus.Counter
}

func newMetrics() metrics {
	subsystem := "channel"

	return metrics{
		UpdatesProposed: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: m.Namespace,
			Subsystem: subsystem,
			Name:      "updates_proposed_count",
			Help:      "Number of channel updates proposed to counterparties.",
		}),
		UpdatesReceived: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: m.Namespace,
			Subsystem: subsystem,
			Name:      "updates_received_count",
			Help:      "Number of channel updates received from counterparties.",
		}),
		UpdatesApplied: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: m.Namespace,
			Subsystem: subsystem,
			Name:      "updates_applied_count",
			Help:      "Number of dual-signed channel updates applied.",
		}),
		UpdateFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: m.Namespace,
			Subsystem: subsystem,
			Name:      "update_failures_count",
			Help:      "Number of channel updates rejected or failed.",
		}),
		TransfersCreated: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: m.Namespace,
			Subsystem: subsystem,
			Name:      "transfers_created_count",
			Help:      "Number of conditional transfers created.",
		}),
		TransfersResolved: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: m.Namespace,
			Subsystem: subsystem,
			Name:      "transfers_resolved_count",
			Help:      "Number of conditional transfers resolved.",
		}),
		DisputesSubmitted: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: m.Namespace,
			Subsystem: subsystem,
			Name:      "disputes_submitted_count",
			Help:      "Number of dispute transactions submitted on-chain.",
		}),
	}
}

// Metrics returns the prometheus collectors of the channel service.
func (s *Service) Metrics() []prometheus.Collector {
	return m.PrometheusCollectorsFromFields(s.metrics)
}
