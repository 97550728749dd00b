// Package telemetry provides Prometheus metrics, OpenTelemetry tracing and the
// zerolog logger used across the relay.
package telemetry

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "chatrelay"

// Metrics are registered on the default registry when the package loads, so
// every helper is safe to call from any goroutine at any time.
var (
	// Counters
	ResolveRequests = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "resolve_requests_total",
		Help:      "Channel metadata and socket endpoint lookups by step and result",
	}, []string{"step", "result"})
	Connections = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "connections_total",
		Help:      "Chat socket connection attempts by result",
	}, []string{"result"})
	MessagesRelayed = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "messages_relayed_total",
		Help:      "Chat messages normalized and published to consumers",
	})
	FramesDropped = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "frames_dropped_total",
		Help:      "Inbound socket frames dropped by reason",
	}, []string{"reason"})
	KeepalivesSent = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "keepalives_sent_total",
		Help:      "Keepalive ping frames written to the chat socket",
	})
	Uploads = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "uploads_total",
		Help:      "Recorded log file uploads by result",
	}, []string{"result"})

	// Histograms (seconds)
	ResolveDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "resolve_duration_seconds",
		Help:      "Duration of channel resolution HTTP calls",
		Buckets:   prometheus.DefBuckets,
	}, []string{"step"})

	// Gauges
	ConnectedGauge = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "connected",
		Help:      "Chat socket open=1 closed=0",
	})
)

// ObserveResolve records the outcome and duration of one resolution step.
func ObserveResolve(step string, err error, d time.Duration) {
	result := "ok"
	if err != nil {
		result = "error"
	}
	ResolveRequests.WithLabelValues(step, result).Inc()
	ResolveDuration.WithLabelValues(step).Observe(d.Seconds())
}

// CountConnection records a connection attempt result ("opened", "failed", "cancelled").
func CountConnection(result string) {
	Connections.WithLabelValues(result).Inc()
}

// CountMessage records one relayed chat message.
func CountMessage() {
	MessagesRelayed.Inc()
}

// CountDropped records one dropped inbound frame.
func CountDropped(reason string) {
	FramesDropped.WithLabelValues(reason).Inc()
}

// CountKeepalive records one keepalive ping.
func CountKeepalive() {
	KeepalivesSent.Inc()
}

// CountUpload records one upload outcome ("ok", "retry", "failed").
func CountUpload(result string) {
	Uploads.WithLabelValues(result).Inc()
}

// SetConnected sets the connected gauge to 1 if open else 0.
func SetConnected(open bool) {
	if open {
		ConnectedGauge.Set(1)
	} else {
		ConnectedGauge.Set(0)
	}
}
