package runtime

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds the Prometheus instruments for the correlation pipeline.
// Router-level throughput metrics come from Watermill's own builder; these
// cover the domain: groups, evictions, broadcasts, persistence.
type Metrics struct {
	MessagesConsumed *prometheus.CounterVec
	MessagesDropped  *prometheus.CounterVec
	GroupsCompleted  prometheus.Counter
	GroupsEvicted    prometheus.Counter
	AnomalousGroups  prometheus.Counter
	PersistFailures  prometheus.Counter
	BroadcastSends   *prometheus.CounterVec
}

// NewMetrics registers the pipeline instruments with reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		MessagesConsumed: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "quakeflow",
			Name:      "messages_consumed_total",
			Help:      "Messages consumed from the bus, by topic.",
		}, []string{"topic"}),
		MessagesDropped: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "quakeflow",
			Name:      "messages_dropped_total",
			Help:      "Messages dropped before dispatch, by topic and reason.",
		}, []string{"topic", "reason"}),
		GroupsCompleted: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "quakeflow",
			Name:      "correlation_groups_completed_total",
			Help:      "Correlation groups that reached the full producer set.",
		}),
		GroupsEvicted: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "quakeflow",
			Name:      "correlation_groups_evicted_total",
			Help:      "Incomplete correlation groups evicted by the idle sweep.",
		}),
		AnomalousGroups: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "quakeflow",
			Name:      "correlation_groups_anomalous_total",
			Help:      "Completed groups whose size the comparison policy does not cover.",
		}),
		PersistFailures: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "quakeflow",
			Name:      "persistence_failures_total",
			Help:      "Failed persistence writes of completed groups.",
		}),
		BroadcastSends: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "quakeflow",
			Name:      "broadcast_sends_total",
			Help:      "Subscriber delivery attempts, by topic and outcome.",
		}, []string{"topic", "outcome"}),
	}
}

// observeDelivery adapts the broadcast manager's delivery callback onto the
// send counter.
func (m *Metrics) observeDelivery(topic string, ok bool) {
	outcome := "ok"
	if !ok {
		outcome = "failed"
	}
	m.BroadcastSends.WithLabelValues(topic, outcome).Inc()
}

// registerSubscriberGauges exposes the live subscriber count per broadcast
// topic as gauges backed by the manager's own counts.
func registerSubscriberGauges(reg prometheus.Registerer, counts func() map[string]int, topics ...string) {
	factory := promauto.With(reg)
	for _, topic := range topics {
		topic := topic
		factory.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace:   "quakeflow",
			Name:        "live_subscribers",
			Help:        "Currently connected streaming subscribers.",
			ConstLabels: prometheus.Labels{"topic": topic},
		}, func() float64 {
			return float64(counts()[topic])
		})
	}
}
