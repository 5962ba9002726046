package server

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all Prometheus metrics for the server.
type Metrics struct {
	// Broadcast metrics
	eventsBroadcast  prometheus.Counter
	broadcastFanout  prometheus.Histogram
	eventsDelivered  prometheus.Counter

	// Session metrics
	activeSessions       prometheus.Gauge
	sessionsCreated      prometheus.Counter
	sessionsDisconnected prometheus.Counter

	// Send metrics
	sendRequests *prometheus.CounterVec // by outcome

	// Outbox metrics
	outboxProcessed    *prometheus.CounterVec // by task kind and outcome
	outboxRetries      prometheus.Counter
	outboxDeadLettered prometheus.Counter
	outboxDuplicates   prometheus.Counter
}

var (
	metricsOnce     sync.Once
	metricsInstance *Metrics
)

// NewMetrics returns the process-wide metrics instance. Collectors
// register against the default registry, which only allows a name once.
func NewMetrics() *Metrics {
	metricsOnce.Do(func() {
		metricsInstance = newMetrics()
	})
	return metricsInstance
}

func newMetrics() *Metrics {
	return &Metrics{
		eventsBroadcast: promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "skein_events_broadcast_total",
				Help: "Total number of events broadcast (unique events, not deliveries)",
			},
		),
		broadcastFanout: promauto.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "skein_broadcast_fanout",
				Help:    "Number of sessions that received each broadcast event",
				Buckets: []float64{1, 5, 10, 25, 50, 100, 250, 500, 1000},
			},
		),
		eventsDelivered: promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "skein_events_delivered_total",
				Help: "Total number of event deliveries to sessions",
			},
		),
		activeSessions: promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "skein_active_sessions",
				Help: "Current number of active websocket sessions",
			},
		),
		sessionsCreated: promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "skein_sessions_created_total",
				Help: "Total number of sessions created",
			},
		),
		sessionsDisconnected: promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "skein_sessions_disconnected_total",
				Help: "Total number of sessions disconnected",
			},
		),
		sendRequests: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "skein_send_requests_total",
				Help: "Total number of send requests by outcome",
			},
			[]string{"outcome"},
		),
		outboxProcessed: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "skein_outbox_processed_total",
				Help: "Total number of outbox entries processed by task kind and outcome",
			},
			[]string{"task", "outcome"},
		),
		outboxRetries: promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "skein_outbox_retries_total",
				Help: "Total number of outbox entries rescheduled for retry",
			},
		),
		outboxDeadLettered: promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "skein_outbox_dead_lettered_total",
				Help: "Total number of outbox entries parked on the dead-letter path",
			},
		),
		outboxDuplicates: promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "skein_outbox_duplicates_total",
				Help: "Total number of redelivered outbox entries short-circuited by idempotency markers",
			},
		),
	}
}

// RecordBroadcast records one broadcast and its fan-out.
func (m *Metrics) RecordBroadcast(recipients int) {
	m.eventsBroadcast.Inc()
	m.broadcastFanout.Observe(float64(recipients))
	m.eventsDelivered.Add(float64(recipients))
}

// RecordActiveSessions updates the active session count.
func (m *Metrics) RecordActiveSessions(count int) {
	m.activeSessions.Set(float64(count))
}

// RecordSessionCreated increments the session creation counter.
func (m *Metrics) RecordSessionCreated() {
	m.sessionsCreated.Inc()
}

// RecordSessionDisconnected increments the session disconnection counter.
func (m *Metrics) RecordSessionDisconnected() {
	m.sessionsDisconnected.Inc()
}

// RecordSendRequest increments the send counter for an outcome.
func (m *Metrics) RecordSendRequest(outcome string) {
	m.sendRequests.WithLabelValues(outcome).Inc()
}

// RecordOutboxProcessed increments the processed counter.
func (m *Metrics) RecordOutboxProcessed(task, outcome string) {
	m.outboxProcessed.WithLabelValues(task, outcome).Inc()
}

// RecordOutboxRetry increments the retry counter.
func (m *Metrics) RecordOutboxRetry() {
	m.outboxRetries.Inc()
}

// RecordOutboxDeadLettered increments the dead-letter counter.
func (m *Metrics) RecordOutboxDeadLettered() {
	m.outboxDeadLettered.Inc()
}

// RecordOutboxDuplicate increments the duplicate short-circuit counter.
func (m *Metrics) RecordOutboxDuplicate() {
	m.outboxDuplicates.Inc()
}
