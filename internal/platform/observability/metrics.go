package observability

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// ActiveConnections is the number of registered websocket connections.
	ActiveConnections = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "msync_active_connections",
		Help: "Number of registered websocket connections",
	})

	// ConnectionsTotal counts accepted upgrades.
	ConnectionsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "msync_connections_total",
		Help: "Total accepted websocket upgrades",
	})

	// AuthRejections counts credentials refused, by surface.
	AuthRejections = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "msync_auth_rejections_total",
		Help: "Total credentials refused",
	}, []string{"surface"})

	// MessagesPublished counts accepted publishes, by message type.
	MessagesPublished = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "msync_messages_published_total",
		Help: "Total messages accepted for broadcast",
	}, []string{"type"})

	// BroadcastDeliveries counts frame writes, by outcome.
	BroadcastDeliveries = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "msync_broadcast_deliveries_total",
		Help: "Total broadcast frame writes",
	}, []string{"outcome"})

	// LivenessReclaimed counts connections closed by the liveness sweep.
	LivenessReclaimed = promauto.NewCounter(prometheus.CounterOpts{
		Name: "msync_liveness_reclaimed_total",
		Help: "Total connections closed for missing a liveness response",
	})

	// OperationDuration times spans, by component, operation and outcome.
	OperationDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "msync_operation_duration_seconds",
		Help:    "Duration of instrumented broker operations",
		Buckets: prometheus.DefBuckets,
	}, []string{"component", "operation", "outcome"})

	// QueueOperations counts access queue outcomes.
	QueueOperations = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "msync_queue_operations_total",
		Help: "Total access queue operations, by outcome",
	}, []string{"outcome"})
)

// Handler serves the default registry.
func Handler() http.Handler {
	return promhttp.Handler()
}
