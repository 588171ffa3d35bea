package process

import (
	"fmt"
	"time"

	"gocv.io/x/gocv"

	"sentinel/metrics"
	"sentinel/video/source"
)

// DetectionListener receives the detections of every detector run.
type DetectionListener interface {
	Detected(d Detections)
}

// Annotator applies a Detector to a stream at a fixed cadence: the detector
// runs on frame indices that are multiples of Interval, and the frames in
// between reuse the most recent annotated image so a detector slower than
// the capture rate doesn't throttle capture.
//
// The reused image is the previously annotated frame, not the current raw
// frame with old boxes drawn on it; viewers see the scene as of the last
// detector run for up to Interval-1 frames.
type Annotator struct {
	detector Detector
	interval int
	listener DetectionListener

	last    gocv.Mat
	hasLast bool
}

// NewAnnotator wraps detector, which may be nil to pass frames through.
func NewAnnotator(detector Detector, interval int, listener DetectionListener) *Annotator {
	if interval < 1 {
		interval = 1
	}
	return &Annotator{
		detector: detector,
		interval: interval,
		listener: listener,
	}
}

func (a *Annotator) Enabled() bool {
	return a.detector != nil
}

// Annotate returns the frame to publish for the frame at index. The result
// is always a new frame owned by the caller; the input is not retained. A
// non-nil error means the detector failed and the result is a copy of the
// input; this is recoverable, the detector is tried again on the next
// eligible index.
func (a *Annotator) Annotate(frame source.Frame, index int) (source.Frame, error) {
	if a.detector == nil {
		return frame.Clone(), nil
	}

	if index%a.interval != 0 {
		if a.hasLast {
			return source.Frame{Mat: a.last.Clone(), Time: frame.Time}, nil
		}
		return frame.Clone(), nil
	}

	start := time.Now()
	res, err := a.detector.Detect(frame.Mat)
	metrics.DetectorLatency.Observe(time.Since(start).Seconds())
	metrics.DetectorRuns.Inc()
	if err != nil {
		metrics.DetectorErrors.Inc()
		return frame.Clone(), fmt.Errorf("detector failed on frame %d: %w", index, err)
	}
	if res.Annotated.Empty() {
		res.Annotated.Close()
		metrics.DetectorErrors.Inc()
		return frame.Clone(), fmt.Errorf("detector returned no image for frame %d", index)
	}

	for _, d := range res.Detections {
		metrics.Detections.WithLabelValues(d.Class).Inc()
	}
	if a.listener != nil {
		a.listener.Detected(res.Detections)
	}

	if a.hasLast {
		a.last.Close()
	}
	a.last = res.Annotated.Clone()
	a.hasLast = true
	return source.Frame{Mat: res.Annotated, Time: frame.Time}, nil
}

// Close releases the cadence state and the detector.
func (a *Annotator) Close() error {
	if a.hasLast {
		a.last.Close()
		a.hasLast = false
	}
	if a.detector != nil {
		return a.detector.Close()
	}
	return nil
}
