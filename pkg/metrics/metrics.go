// Package metrics provides Prometheus metrics instrumentation.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// RequestDuration tracks HTTP request duration.
	RequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "api_request_duration_seconds",
			Help:    "HTTP request duration in seconds",
			Buckets: []float64{.005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10},
		},
		[]string{"method", "path", "status"},
	)

	// RequestsTotal tracks total HTTP requests.
	RequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "api_requests_total",
			Help: "Total HTTP requests",
		},
		[]string{"method", "path", "status"},
	)

	// MessagesSent tracks messages entering the pipeline, by final status.
	MessagesSent = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "messages_sent_total",
			Help: "Messages submitted to the pipeline",
		},
		[]string{"status"},
	)

	// MessageCommitLatency tracks time from send to authority ack.
	MessageCommitLatency = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "message_commit_latency_seconds",
			Help:    "Latency from send to authority commit",
			Buckets: []float64{.01, .025, .05, .1, .25, .5, 1, 2.5, 5},
		},
	)

	// QueueDepth tracks pending offline-queue entries per conversation.
	QueueDepth = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "offline_queue_depth",
			Help: "Pending offline queue entries",
		},
		[]string{"conversation_id"},
	)

	// ReplayConflicts tracks conflicts resolved during queue replay.
	ReplayConflicts = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "replay_conflicts_total",
			Help: "Conflicts resolved during offline replay",
		},
		[]string{"resolution"},
	)

	// TypingActive tracks live typing indicators.
	TypingActive = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "typing_indicators_active",
			Help: "Live typing indicators",
		},
	)

	// FeedLatency tracks feed generation duration.
	FeedLatency = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "feed_generation_seconds",
			Help:    "Feed ranking duration",
			Buckets: []float64{.005, .01, .025, .05, .1, .25, .5, 1},
		},
	)

	// FeedCandidates tracks candidate pool size per source.
	FeedCandidates = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "feed_candidates",
			Help:    "Candidates considered per source",
			Buckets: []float64{5, 10, 25, 50, 100, 250, 500},
		},
		[]string{"source"},
	)

	// NotificationsTotal tracks notification outcomes.
	NotificationsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "notifications_total",
			Help: "Notification events by outcome",
		},
		[]string{"type", "outcome"},
	)

	// NotificationChannel tracks deliveries by channel.
	NotificationChannel = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "notification_deliveries_total",
			Help: "Notification deliveries by channel",
		},
		[]string{"channel"},
	)

	// EventsPublished tracks events published to the internal bus.
	EventsPublished = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "bus_events_published_total",
			Help: "Events published to the internal bus",
		},
		[]string{"kind"},
	)

	// EventsDropped tracks events dropped for slow subscribers.
	EventsDropped = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "bus_events_dropped_total",
			Help: "Events dropped due to full subscriber buffers",
		},
		[]string{"kind"},
	)
)

// RecordRequest records metrics for an HTTP request.
func RecordRequest(method, path, status string, duration float64) {
	RequestDuration.WithLabelValues(method, path, status).Observe(duration)
	RequestsTotal.WithLabelValues(method, path, status).Inc()
}

// RecordSend records a pipeline send outcome.
func RecordSend(status string) {
	MessagesSent.WithLabelValues(status).Inc()
}

// RecordNotification records a notification outcome.
func RecordNotification(notifType, outcome string) {
	NotificationsTotal.WithLabelValues(notifType, outcome).Inc()
}
