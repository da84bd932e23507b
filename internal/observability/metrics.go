package observability

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	registerOnce          sync.Once
	httpRequestsTotal     *prometheus.CounterVec
	httpLatencySeconds    *prometheus.HistogramVec
	httpErrorsTotal       *prometheus.CounterVec
	realtimeConnections   prometheus.Gauge
	realtimeDropped       *prometheus.CounterVec
	fanoutEventsTotal     *prometheus.CounterVec
	chatMessagesTotal     *prometheus.CounterVec
	pipelineFailuresTotal *prometheus.CounterVec
	attachmentRejections  *prometheus.CounterVec
	notificationsTotal    *prometheus.CounterVec
	presenceTransitions   *prometheus.CounterVec
	sseClientsActive      prometheus.Gauge
)

// RegisterMetrics initialises the Prometheus collectors exposed on /metrics.
func RegisterMetrics() {
	registerOnce.Do(func() {
		httpRequestsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "crm_http_requests_total",
			Help: "Total number of API requests served.",
		}, []string{"method", "route", "status"})

		httpLatencySeconds = prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "crm_http_latency_seconds",
			Help:    "Latency distribution for API requests.",
			Buckets: []float64{0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1.0, 2.0},
		}, []string{"method", "route"})

		httpErrorsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "crm_http_errors_total",
			Help: "Total number of error responses returned by the API.",
		}, []string{"method", "route", "status"})

		realtimeConnections = prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "crm_realtime_connections",
			Help: "Number of registered websocket connections on this node.",
		})

		realtimeDropped = prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "crm_realtime_events_dropped_total",
			Help: "Outbound events dropped before reaching a connection.",
		}, []string{"reason"})

		fanoutEventsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "crm_realtime_fanout_events_total",
			Help: "Events exchanged with other nodes.",
		}, []string{"backend", "direction"})

		chatMessagesTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "crm_chat_messages_total",
			Help: "Chat messages persisted and broadcast.",
		}, []string{"kind", "message_type"})

		pipelineFailuresTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "crm_pipeline_stage_failures_total",
			Help: "Message pipeline stage failures.",
		}, []string{"pipeline", "stage"})

		attachmentRejections = prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "crm_attachment_rejections_total",
			Help: "Attachment batches rejected by the attachment policy.",
		}, []string{"reason"})

		notificationsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "crm_notifications_total",
			Help: "Notifications written, labelled by live delivery outcome.",
		}, []string{"type", "delivery"})

		presenceTransitions = prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "crm_presence_transitions_total",
			Help: "Presence state transitions.",
		}, []string{"state", "reason"})

		sseClientsActive = prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "crm_notification_sse_clients",
			Help: "Active notification stream subscribers.",
		})

		prometheus.MustRegister(
			httpRequestsTotal,
			httpLatencySeconds,
			httpErrorsTotal,
			realtimeConnections,
			realtimeDropped,
			fanoutEventsTotal,
			chatMessagesTotal,
			pipelineFailuresTotal,
			attachmentRejections,
			notificationsTotal,
			presenceTransitions,
			sseClientsActive,
		)
	})
}

// HTTPRequests exposes the request counter.
func HTTPRequests() *prometheus.CounterVec {
	RegisterMetrics()
	return httpRequestsTotal
}

// HTTPLatency exposes the request latency histogram.
func HTTPLatency() *prometheus.HistogramVec {
	RegisterMetrics()
	return httpLatencySeconds
}

// HTTPErrors exposes the error response counter.
func HTTPErrors() *prometheus.CounterVec {
	RegisterMetrics()
	return httpErrorsTotal
}

// RealtimeConnections exposes the connection gauge.
func RealtimeConnections() prometheus.Gauge {
	RegisterMetrics()
	return realtimeConnections
}

// RealtimeEventsDropped exposes the dropped event counter.
func RealtimeEventsDropped() *prometheus.CounterVec {
	RegisterMetrics()
	return realtimeDropped
}

// FanoutEvents exposes the cross-node event counter.
func FanoutEvents() *prometheus.CounterVec {
	RegisterMetrics()
	return fanoutEventsTotal
}

// ChatMessagesSent exposes the chat message counter.
func ChatMessagesSent() *prometheus.CounterVec {
	RegisterMetrics()
	return chatMessagesTotal
}

// PipelineStageFailures exposes the pipeline failure counter.
func PipelineStageFailures() *prometheus.CounterVec {
	RegisterMetrics()
	return pipelineFailuresTotal
}

// AttachmentRejections exposes the attachment rejection counter.
func AttachmentRejections() *prometheus.CounterVec {
	RegisterMetrics()
	return attachmentRejections
}

// NotificationsPublishedTotal exposes the notification counter.
func NotificationsPublishedTotal() *prometheus.CounterVec {
	RegisterMetrics()
	return notificationsTotal
}

// PresenceTransitions exposes the presence transition counter.
func PresenceTransitions() *prometheus.CounterVec {
	RegisterMetrics()
	return presenceTransitions
}

// SSEClientsActive exposes the SSE subscriber gauge.
func SSEClientsActive() prometheus.Gauge {
	RegisterMetrics()
	return sseClientsActive
}
