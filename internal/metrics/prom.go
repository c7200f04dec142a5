package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

var (
	framesReceived = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "framecast_frames_received_total",
			Help: "Frames accepted into a stream buffer",
		},
		[]string{"stream_id"},
	)

	framesRejected = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "framecast_frames_rejected_total",
			Help: "Frames rejected at decode or publish",
		},
		[]string{"stream_id", "reason"},
	)

	framesDelivered = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "framecast_frames_delivered_total",
			Help: "Frames handed to the viewer collaborator",
		},
		[]string{"stream_id"},
	)

	framesDropped = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "framecast_frames_dropped_total",
			Help: "Estimated frames evicted before delivery",
		},
		[]string{"stream_id"},
	)

	payloadBytes = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "framecast_payload_bytes_total",
			Help: "Payload bytes accepted into stream buffers",
		},
		[]string{"stream_id"},
	)

	activeConnections = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "framecast_producer_connections",
			Help: "Currently attached producer connections",
		},
	)

	activeStreams = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "framecast_streams",
			Help: "Currently live streams",
		},
	)
)

func init() {
	prometheus.MustRegister(
		framesReceived,
		framesRejected,
		framesDelivered,
		framesDropped,
		payloadBytes,
		activeConnections,
		activeStreams,
	)
}

// RecordFrameReceived counts one accepted frame and its payload size.
func RecordFrameReceived(streamID string, bytes int) {
	framesReceived.WithLabelValues(streamID).Inc()
	payloadBytes.WithLabelValues(streamID).Add(float64(bytes))
}

// RecordFrameRejected counts one rejected frame by reason.
func RecordFrameRejected(streamID, reason string) {
	framesRejected.WithLabelValues(streamID, reason).Inc()
}

// RecordFramesDelivered counts frames handed to the viewer.
func RecordFramesDelivered(streamID string, n int) {
	framesDelivered.WithLabelValues(streamID).Add(float64(n))
}

// RecordFramesDropped counts an eviction gap reported to the viewer.
func RecordFramesDropped(streamID string, estimate uint64) {
	framesDropped.WithLabelValues(streamID).Add(float64(estimate))
}

// ConnectionOpened increments the producer connection gauge.
func ConnectionOpened() { activeConnections.Inc() }

// ConnectionClosed decrements the producer connection gauge.
func ConnectionClosed() { activeConnections.Dec() }

// SetStreams sets the live stream gauge.
func SetStreams(n int) { activeStreams.Set(float64(n)) }
