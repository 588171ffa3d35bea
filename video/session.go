package video

import (
	"context"
	"errors"
	"image"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"

	"sentinel/config"
	"sentinel/metrics"
	"sentinel/util"
	"sentinel/video/process"
	"sentinel/video/sink"
	"sentinel/video/source"
)

type State int

const (
	Idle State = iota
	Connecting
	Streaming
	Stopping
	Stopped
	Errored
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case Connecting:
		return "connecting"
	case Streaming:
		return "streaming"
	case Stopping:
		return "stopping"
	case Stopped:
		return "stopped"
	case Errored:
		return "errored"
	}
	return "unknown"
}

// Active reports whether a session in this state occupies the streaming slot.
func (s State) Active() bool {
	return s == Connecting || s == Streaming
}

type SessionOptions struct {
	Source            source.Options
	DetectionInterval int
	TimestampLabel    string
	StopTimeout       time.Duration
}

func SessionOptionsFromConfig(c *config.Config) SessionOptions {
	return SessionOptions{
		Source: source.Options{
			ProcessSize:    image.Point{X: c.ProcessWidth, Y: c.ProcessHeight},
			ConnectTimeout: c.ConnectTimeout(),
			ReconnectDelay: c.ReconnectDelay(),
		},
		DetectionInterval: c.DetectionInterval,
		TimestampLabel:    c.TimestampLabel,
		StopTimeout:       c.StopTimeout(),
	}
}

// Session is one run of the ingestion pipeline, from start until stop or a
// terminal source failure. Its producer goroutine is the only writer of out,
// which is the session's FrameBuffer.
type Session struct {
	uri  string
	opts SessionOptions
	log  *log.Entry

	buffer    *FrameBuffer
	out       sink.Sink
	annotator *process.Annotator
	listener  process.DetectionListener

	ctx    context.Context
	cancel context.CancelFunc
	done   *util.Event

	l              sync.Mutex
	state          State
	err            error
	startedAt      time.Time
	frames         uint64
	lastFrame      time.Time
	detections     process.Detections
	lastDetectedAt time.Time
}

func newSession(uri string, opts SessionOptions) *Session {
	ctx, cancel := context.WithCancel(context.Background())
	buffer := NewFrameBuffer()
	return &Session{
		uri:       uri,
		opts:      opts,
		log:       log.WithField("source", uri),
		buffer:    buffer,
		out:       buffer,
		ctx:       ctx,
		cancel:    cancel,
		done:      util.NewEvent(),
		state:     Connecting,
		startedAt: time.Now(),
	}
}

func (s *Session) State() State {
	s.l.Lock()
	defer s.l.Unlock()
	return s.state
}

// transition moves from one state to another, failing if the session is no
// longer in from.
func (s *Session) transition(from, to State) bool {
	s.l.Lock()
	defer s.l.Unlock()
	if s.state != from {
		return false
	}
	s.state = to
	return true
}

// Detected implements process.DetectionListener.
func (s *Session) Detected(d process.Detections) {
	s.l.Lock()
	s.detections = d
	s.lastDetectedAt = time.Now()
	s.l.Unlock()
	if len(d) > 0 {
		s.log.Debugf("Detected %v", d.DebugString())
	}
	if s.listener != nil {
		s.listener.Detected(d)
	}
}

func (s *Session) frameDone(t time.Time) {
	s.l.Lock()
	defer s.l.Unlock()
	s.frames++
	s.lastFrame = t
}

// run is the producer loop. It owns src and the annotator and releases both
// before the session reaches a terminal state.
func (s *Session) run(src source.Source, exit func(*Session)) {
	var runErr error
	for index := 0; ; index++ {
		frame, err := src.Next(s.ctx)
		if err != nil {
			runErr = err
			break
		}

		out, err := s.annotator.Annotate(frame, index)
		frame.Close()
		if err != nil {
			s.log.Warnf("Passing frame through unannotated: %v", err)
		}
		if s.opts.TimestampLabel != "" {
			out = process.DrawTimestamp(s.opts.TimestampLabel, out)
		}
		s.out.Put(out)
		out.Close()
		s.frameDone(out.Time)
		metrics.FramesCaptured.Inc()
	}

	if err := src.Close(); err != nil {
		s.log.Warnf("Error closing source: %v", err)
	}
	if err := s.annotator.Close(); err != nil {
		s.log.Warnf("Error closing detector: %v", err)
	}
	s.out.Close()
	s.finish(runErr)
	exit(s)
}

// finish records the terminal state. Errors caused by a stop request are not
// failures.
func (s *Session) finish(err error) {
	s.l.Lock()
	if s.state == Stopping || errors.Is(err, context.Canceled) {
		s.state = Stopped
		s.log.Infof("Stream stopped")
	} else {
		s.state = Errored
		s.err = err
		s.log.Errorf("Stream failed: %v", err)
	}
	s.l.Unlock()
	s.done.Notify()
}

// beginStop moves an active session to Stopping. It reports false if the
// session was not active.
func (s *Session) beginStop() bool {
	s.l.Lock()
	defer s.l.Unlock()
	if !s.state.Active() {
		return false
	}
	s.state = Stopping
	return true
}

// stop requests the producer to exit and waits up to StopTimeout for it to
// release the source.
func (s *Session) stop() {
	s.cancel()

	if !s.done.WaitTimeout(s.opts.StopTimeout) {
		s.log.Warnf("Producer did not exit within %v, continuing shutdown in background", s.opts.StopTimeout)
	}
}

// Status of a single session.
func (s *Session) status() Status {
	s.l.Lock()
	defer s.l.Unlock()
	st := Status{
		Streaming: s.state.Active(),
		State:     s.state.String(),
		Source:    s.uri,
		Frames:    s.frames,
		Detection: s.annotator != nil && s.annotator.Enabled(),
	}
	started := s.startedAt
	st.StartedAt = &started
	if !s.lastFrame.IsZero() {
		last := s.lastFrame
		st.LastFrameAt = &last
	}
	if s.err != nil {
		st.Error = s.err.Error()
	}
	if !s.lastDetectedAt.IsZero() {
		last := s.lastDetectedAt
		st.LastDetectionAt = &last
	}
	for _, d := range s.detections {
		st.Detections = append(st.Detections, DetectionStatus{Class: d.Class, Confidence: d.Confidence})
	}
	return st
}
