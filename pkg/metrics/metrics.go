package metrics

import "github.com/prometheus/client_golang/prometheus"

var (
	HTTPRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "ledger",
			Name:      "http_requests_total",
			Help:      "HTTP requests by route pattern, method and status code",
		},
		[]string{"route", "method", "code"},
	)

	HTTPRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "ledger",
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request latency by route pattern",
			Buckets: []float64{
				0.005, 0.01, 0.025, 0.05, 0.1, 0.25,
				0.5, 1, 2.5, 5, 10,
			},
		},
		[]string{"route", "method"},
	)

	TransactionTransitions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "ledger",
			Name:      "transaction_transitions_total",
			Help:      "Transaction status changes by type, target status and trigger",
		},
		[]string{"type", "status", "source"},
	)

	WebhookCallbacks = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "ledger",
			Name:      "webhook_callbacks_total",
			Help:      "Inbound payment gateway notifications by outcome",
		},
		[]string{"outcome"},
	)

	OutboxPublished = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "ledger",
			Name:      "outbox_messages_total",
			Help:      "Outbox publication attempts by outcome",
		},
		[]string{"outcome"},
	)
)

func init() {
	prometheus.MustRegister(HTTPRequestsTotal, HTTPRequestDuration, TransactionTransitions, WebhookCallbacks, OutboxPublished)
}

func ObserveRequest(route, method, code string, seconds float64) {
	HTTPRequestsTotal.WithLabelValues(route, method, code).Inc()
	HTTPRequestDuration.WithLabelValues(route, method).Observe(seconds)
}

func IncTransition(txType, status, source string) {
	TransactionTransitions.WithLabelValues(txType, status, source).Inc()
}

func IncWebhook(outcome string) {
	WebhookCallbacks.WithLabelValues(outcome).Inc()
}

func IncOutbox(outcome string) {
	OutboxPublished.WithLabelValues(outcome).Inc()
}
