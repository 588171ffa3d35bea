// Package metrics holds the Prometheus collectors exported at /metrics.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	FramesCaptured = promauto.NewCounter(prometheus.CounterOpts{
		Name: "sentinel_frames_captured_total",
		Help: "Frames published to the frame buffer.",
	})

	FramesSkipped = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "sentinel_frames_skipped_total",
		Help: "Frames dropped by the source before publishing.",
	}, []string{"reason"})

	SourceReconnects = promauto.NewCounter(prometheus.CounterOpts{
		Name: "sentinel_source_reconnects_total",
		Help: "Reconnection attempts against local or RTSP capture sources.",
	})

	DetectorRuns = promauto.NewCounter(prometheus.CounterOpts{
		Name: "sentinel_detector_runs_total",
		Help: "Detector invocations.",
	})

	DetectorErrors = promauto.NewCounter(prometheus.CounterOpts{
		Name: "sentinel_detector_errors_total",
		Help: "Detector invocations which failed; the frame was passed through.",
	})

	DetectorLatency = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "sentinel_detector_latency_seconds",
		Help:    "Time spent in a single detector invocation.",
		Buckets: prometheus.ExponentialBuckets(0.005, 2, 10),
	})

	Detections = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "sentinel_detections_total",
		Help: "Objects detected, by class.",
	}, []string{"class"})

	SessionStarts = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "sentinel_session_starts_total",
		Help: "Stream start requests, by outcome.",
	}, []string{"outcome"})

	Streaming = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "sentinel_streaming",
		Help: "1 while a stream session is active.",
	})

	MJPEGClients = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "sentinel_mjpeg_clients",
		Help: "Connected video feed clients.",
	})

	MJPEGChunks = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "sentinel_mjpeg_chunks_total",
		Help: "Multipart chunks written to video feed clients.",
	}, []string{"kind"})

	MJPEGEncodeErrors = promauto.NewCounter(prometheus.CounterOpts{
		Name: "sentinel_mjpeg_encode_errors_total",
		Help: "Frames which failed JPEG encoding and were skipped.",
	})

	AlertsCreated = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "sentinel_alerts_created_total",
		Help: "Citizen alerts submitted, by severity.",
	}, []string{"severity"})
)
