package observability

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	registerOnce sync.Once

	adminRequestsTotal  *prometheus.CounterVec
	adminLatencySeconds *prometheus.HistogramVec
	adminErrorsTotal    *prometheus.CounterVec

	messagesAppendedTotal prometheus.Counter
	txRetriesTotal        prometheus.Counter
	outboxEnqueuedTotal   *prometheus.CounterVec
	outboxDeliveredTotal  *prometheus.CounterVec
	outboxFailedTotal     *prometheus.CounterVec
	outboxStuckTotal      *prometheus.CounterVec
	outboxTickSeconds     prometheus.Histogram
	verifierOutcomesTotal *prometheus.CounterVec
	groupCreationsTotal   *prometheus.CounterVec
	friendshipTransitions *prometheus.CounterVec
)

// RegisterMetrics initialises the Prometheus collectors used by the chat core.
func RegisterMetrics() {
	registerOnce.Do(func() {
		adminRequestsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "admin_requests_total",
			Help: "Total number of operator API requests served.",
		}, []string{"method", "route", "status"})

		adminLatencySeconds = prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "admin_latency_seconds",
			Help:    "Latency distribution for operator API requests.",
			Buckets: []float64{0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1.0, 2.0},
		}, []string{"method", "route"})

		adminErrorsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "admin_errors_total",
			Help: "Total number of error responses returned by operator endpoints.",
		}, []string{"method", "route", "status"})

		messagesAppendedTotal = prometheus.NewCounter(prometheus.CounterOpts{
			Name: "chat_messages_appended_total",
			Help: "Total number of messages committed to conversations.",
		})

		txRetriesTotal = prometheus.NewCounter(prometheus.CounterOpts{
			Name: "chat_tx_retries_total",
			Help: "Total number of transactions retried after a transient store failure.",
		})

		outboxEnqueuedTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "outbox_enqueued_total",
			Help: "Total number of events written to the outbox.",
		}, []string{"event_type"})

		outboxDeliveredTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "outbox_delivered_total",
			Help: "Total number of outbox events delivered to the event bus.",
		}, []string{"event_type"})

		outboxFailedTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "outbox_failed_attempts_total",
			Help: "Total number of failed outbox delivery attempts.",
		}, []string{"event_type"})

		outboxStuckTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "outbox_stuck_total",
			Help: "Total number of outbox events that exhausted their delivery attempts.",
		}, []string{"event_type"})

		outboxTickSeconds = prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "outbox_tick_seconds",
			Help:    "Duration of a single dispatcher claim and deliver pass.",
			Buckets: prometheus.DefBuckets,
		})

		verifierOutcomesTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "verifier_outcomes_total",
			Help: "Secret verification outcomes.",
		}, []string{"outcome"})

		groupCreationsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "group_creations_total",
			Help: "Group creation requests by result.",
		}, []string{"result"})

		friendshipTransitions = prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "friendship_transitions_total",
			Help: "Friendship state transitions.",
		}, []string{"transition"})

		prometheus.MustRegister(
			adminRequestsTotal, adminLatencySeconds, adminErrorsTotal,
			messagesAppendedTotal, txRetriesTotal,
			outboxEnqueuedTotal, outboxDeliveredTotal, outboxFailedTotal, outboxStuckTotal, outboxTickSeconds,
			verifierOutcomesTotal, groupCreationsTotal, friendshipTransitions,
		)
	})
}

// AdminRequests exposes the counter for operator requests.
func AdminRequests() *prometheus.CounterVec {
	RegisterMetrics()
	return adminRequestsTotal
}

// AdminLatency exposes the latency histogram for operator requests.
func AdminLatency() *prometheus.HistogramVec {
	RegisterMetrics()
	return adminLatencySeconds
}

// AdminErrors exposes the counter for operator error responses.
func AdminErrors() *prometheus.CounterVec {
	RegisterMetrics()
	return adminErrorsTotal
}

// MessagesAppended counts committed messages.
func MessagesAppended() prometheus.Counter {
	RegisterMetrics()
	return messagesAppendedTotal
}

// TxRetries counts transactions retried after transient failures.
func TxRetries() prometheus.Counter {
	RegisterMetrics()
	return txRetriesTotal
}

func OutboxEnqueued() *prometheus.CounterVec {
	RegisterMetrics()
	return outboxEnqueuedTotal
}

func OutboxDelivered() *prometheus.CounterVec {
	RegisterMetrics()
	return outboxDeliveredTotal
}

func OutboxFailed() *prometheus.CounterVec {
	RegisterMetrics()
	return outboxFailedTotal
}

// OutboxStuck counts events that reached the attempt cap.
func OutboxStuck() *prometheus.CounterVec {
	RegisterMetrics()
	return outboxStuckTotal
}

func OutboxTick() prometheus.Histogram {
	RegisterMetrics()
	return outboxTickSeconds
}

// VerifierOutcomes counts verification results by outcome label.
func VerifierOutcomes() *prometheus.CounterVec {
	RegisterMetrics()
	return verifierOutcomesTotal
}

// GroupCreations counts group creation requests by result label.
func GroupCreations() *prometheus.CounterVec {
	RegisterMetrics()
	return groupCreationsTotal
}

func FriendshipTransitions() *prometheus.CounterVec {
	RegisterMetrics()
	return friendshipTransitions
}
