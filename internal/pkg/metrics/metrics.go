package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "inventory"

var (
	Reservations = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "reservation_lines_total",
		Help:      "Order lines processed by the reservation coordinator, by outcome.",
	}, []string{"outcome"})

	VersionConflicts = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "version_conflicts_total",
		Help:      "Optimistic version conflicts, by store.",
	}, []string{"store"})

	Holds = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "holds_total",
		Help:      "Temporary hold operations, by operation and result.",
	}, []string{"operation", "result"})

	HoldsExpired = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "holds_expired_total",
		Help:      "Holds removed by the expiry sweep.",
	})

	BackordersCleared = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "backorders_cleared_total",
		Help:      "Orders advanced out of backordered.",
	})

	OrderTransitions = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "order_transitions_total",
		Help:      "Order status transitions.",
	}, []string{"from", "to"})

	Events = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "events_total",
		Help:      "Committed transaction events delivered to subscribers, by subscriber and result.",
	}, []string{"subscriber", "result"})

	OperationDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "operation_duration_seconds",
		Help:      "Latency of engine operations.",
		Buckets:   prometheus.DefBuckets,
	}, []string{"operation"})
)

// ObserveSince records the elapsed time for operation.
func ObserveSince(operation string, start time.Time) {
	OperationDuration.WithLabelValues(operation).Observe(time.Since(start).Seconds())
}

func Handler() http.Handler {
	return promhttp.Handler()
}
