// Package metrics defines the Prometheus instrumentation surfaced by
// the ambient /metrics endpoint (spec section 6, carried regardless of
// spec.md's Non-goals per SPEC_FULL.md's ambient-stack rule).
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	AlertsProcessedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "meshbridge_alerts_processed_total",
		Help: "Total alerts accepted by send_alert.",
	})

	AlertsEscalatedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "meshbridge_alerts_escalated_total",
		Help: "Total alerts that transitioned to escalated.",
	})

	AlertsAcknowledgedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "meshbridge_alerts_acknowledged_total",
		Help: "Total alerts acknowledged.",
	})

	QueueDepth = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "meshbridge_queue_depth",
		Help: "Current number of pending messages in the durable outbound queue.",
	})

	QueueSendDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "meshbridge_queue_send_duration_seconds",
		Help:    "Time from enqueue to delivered for a queued message.",
		Buckets: prometheus.DefBuckets,
	})

	MessagesSentTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "meshbridge_messages_sent_total",
		Help: "Total messages successfully sent, by transport.",
	}, []string{"transport"})

	MessagesFailedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "meshbridge_messages_failed_total",
		Help: "Total failed send attempts, by transport.",
	}, []string{"transport"})

	TransportConnectionState = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "meshbridge_transport_connection_state",
		Help: "1 if the named transport is CONNECTED, else 0.",
	}, []string{"transport"})

	ISPOnline = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "meshbridge_isp_online",
		Help: "1 if upstream connectivity is online, else 0.",
	})

	ISPLatencyMs = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "meshbridge_isp_latency_milliseconds",
		Help: "Most recent upstream reachability probe latency.",
	})

	RelayDuplicatesDroppedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "meshbridge_relay_duplicates_dropped_total",
		Help: "Total inbound messages dropped by the relay as duplicates.",
	})

	RelayForwardedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "meshbridge_relay_forwarded_total",
		Help: "Total messages forwarded between transports, by direction.",
	}, []string{"direction"})

	HTTPRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "meshbridge_http_requests_total",
		Help: "Total HTTP requests handled, by route and status class.",
	}, []string{"route", "status"})
)

func RecordAlertProcessed() { AlertsProcessedTotal.Inc() }
func RecordAlertEscalated() { AlertsEscalatedTotal.Inc() }
func RecordAlertAcknowledged() { AlertsAcknowledgedTotal.Inc() }

func SetQueueDepth(n int) { QueueDepth.Set(float64(n)) }

func RecordQueueSendDuration(d time.Duration) { QueueSendDuration.Observe(d.Seconds()) }

func RecordMessageSent(transport string) { MessagesSentTotal.WithLabelValues(transport).Inc() }

func RecordMessageFailed(transport string) { MessagesFailedTotal.WithLabelValues(transport).Inc() }

func SetTransportConnected(transport string, connected bool) {
	v := 0.0
	if connected {
		v = 1.0
	}
	TransportConnectionState.WithLabelValues(transport).Set(v)
}

func SetISPOnline(online bool) {
	v := 0.0
	if online {
		v = 1.0
	}
	ISPOnline.Set(v)
}

func SetISPLatency(ms float64) { ISPLatencyMs.Set(ms) }

func RecordRelayDuplicateDropped() { RelayDuplicatesDroppedTotal.Inc() }

func RecordRelayForwarded(direction string) { RelayForwardedTotal.WithLabelValues(direction).Inc() }

func RecordHTTPRequest(route, statusClass string) {
	HTTPRequestsTotal.WithLabelValues(route, statusClass).Inc()
}

// Timer measures an operation's duration for histogram recording,
// mirroring the teacher's pkg/metrics.Timer helper.
type Timer struct {
	start time.Time
}

func NewTimer() *Timer {
	return &Timer{start: time.Now()}
}

func (t *Timer) Elapsed() time.Duration {
	return time.Since(t.start)
}

func (t *Timer) RecordQueueSend() {
	RecordQueueSendDuration(t.Elapsed())
}
