package metrics

import "github.com/prometheus/client_golang/prometheus"

var (
	QueueOperationsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "queue_operations_total",
			Help: "Queue mutations by operation and outcome",
		},
		[]string{"operation", "outcome"},
	)

	ConflictRetriesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "concurrency_conflict_retries_total",
			Help: "Retries of mutations that lost an optimistic status check",
		},
		[]string{"operation"},
	)

	SettlementsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "settlements_total",
			Help: "Settlement attempts by outcome",
		},
		[]string{"outcome"},
	)

	SettledAmountTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "settled_amount_total",
			Help: "Sum of committed settlement amounts, contra-entries included",
		},
	)

	NotificationsPublishedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "notifications_published_total",
			Help: "Notifications handed to the broadcaster by kind",
		},
		[]string{"kind"},
	)

	NotificationFailuresTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "notification_delivery_failures_total",
			Help: "Notifications dropped or rejected by a sink",
		},
		[]string{"kind", "sink"},
	)

	ArchiveFailuresTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "archive_failures_total",
			Help: "Archive records that exhausted their retries",
		},
	)

	WaitingCustomers = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "waiting_customers",
			Help: "Customers currently waiting, as of the last queue read",
		},
	)

	HTTPRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "http_requests_total",
			Help: "HTTP requests by method, route and status",
		},
		[]string{"method", "route", "status"},
	)

	HTTPRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "http_request_duration_seconds",
			Help:    "Duration of HTTP requests",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "route"},
	)

	RealtimeClients = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "realtime_clients",
			Help: "Connected realtime clients",
		},
	)
)

// Register registers all collectors with the default registry.
func Register() {
	prometheus.MustRegister(QueueOperationsTotal)
	prometheus.MustRegister(ConflictRetriesTotal)
	prometheus.MustRegister(SettlementsTotal)
	prometheus.MustRegister(SettledAmountTotal)
	prometheus.MustRegister(NotificationsPublishedTotal)
	prometheus.MustRegister(NotificationFailuresTotal)
	prometheus.MustRegister(ArchiveFailuresTotal)
	prometheus.MustRegister(WaitingCustomers)
	prometheus.MustRegister(HTTPRequestsTotal)
	prometheus.MustRegister(HTTPRequestDuration)
	prometheus.MustRegister(RealtimeClients)
}

// Outcome labels an operation result for the counters above.
func Outcome(err error) string {
	if err != nil {
		return "error"
	}
	return "ok"
}
