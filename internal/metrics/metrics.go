// Package metrics provides Prometheus instrumentation for pipeline operations.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Operation metrics
var (
	OperationsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mediapipe_operations_total",
			Help: "Total number of pipeline operations",
		},
		[]string{"operation", "result"},
	)

	OperationDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "mediapipe_operation_duration_seconds",
			Help:    "Pipeline operation duration in seconds",
			Buckets: []float64{0.005, 0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60, 120, 300},
		},
		[]string{"operation"},
	)

	FailuresTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mediapipe_failures_total",
			Help: "Total number of failed operations by failing stage",
		},
		[]string{"operation", "stage"},
	)
)

// Media metrics
var (
	FramesEncodedTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "mediapipe_frames_encoded_total",
			Help: "Total number of video frames sent to an encoder",
		},
	)

	PacketsCopiedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mediapipe_packets_copied_total",
			Help: "Total number of packets written without re-encoding",
		},
		[]string{"kind"}, // "video", "audio"
	)

	SegmentsWrittenTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "mediapipe_segments_written_total",
			Help: "Total number of HLS segments finished",
		},
	)
)

// ObserveOperation records the outcome and duration of one operation. stage
// names the failing stage and is ignored on success.
func ObserveOperation(operation string, start time.Time, stage string, err error) {
	OperationDuration.WithLabelValues(operation).Observe(time.Since(start).Seconds())
	if err != nil {
		OperationsTotal.WithLabelValues(operation, "error").Inc()
		if stage == "" {
			stage = "unknown"
		}
		FailuresTotal.WithLabelValues(operation, stage).Inc()
		return
	}
	OperationsTotal.WithLabelValues(operation, "success").Inc()
}

// WriteFile dumps the default registry in text exposition format.
func WriteFile(path string) error {
	return prometheus.WriteToTextfile(path, prometheus.DefaultGatherer)
}
