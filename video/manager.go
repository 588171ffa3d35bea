package video

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"

	"sentinel/config"
	"sentinel/metrics"
	"sentinel/video/process"
	"sentinel/video/source"
)

var (
	ErrAlreadyRunning = errors.New("stream is already running")
	ErrNotRunning     = errors.New("no stream is running")
	ErrStopping       = errors.New("previous stream is still stopping")
)

type OpenFunc func(ctx context.Context, uri string, opts source.Options) (source.Source, error)

// DetectorFactory builds the detector for a new session. A nil Detector with
// a nil error runs the session without detection.
type DetectorFactory func(c *config.Config) (process.Detector, error)

// YOLODetectorFactory loads the configured model, or disables detection if no
// model is configured.
func YOLODetectorFactory(c *config.Config) (process.Detector, error) {
	if c.ModelPath == "" {
		return nil, nil
	}
	return process.NewYOLODetector(process.DetectorOptionsFromConfig(c))
}

// StatusListener is told whenever the stream status changes. Implementations
// must not block.
type StatusListener interface {
	StreamStatusChanged(s Status)
}

type DetectionStatus struct {
	Class      string  `json:"class"`
	Confidence float32 `json:"confidence"`
}

type Status struct {
	Streaming       bool              `json:"is_streaming"`
	State           string            `json:"state"`
	Source          string            `json:"source,omitempty"`
	StartedAt       *time.Time        `json:"started_at,omitempty"`
	Frames          uint64            `json:"frames"`
	LastFrameAt     *time.Time        `json:"last_frame_at,omitempty"`
	Detection       bool              `json:"detection_enabled"`
	LastDetectionAt *time.Time        `json:"last_detection_at,omitempty"`
	Detections      []DetectionStatus `json:"detections,omitempty"`
	Error           string            `json:"error,omitempty"`
}

// Manager owns the single streaming slot. At most one session is connecting
// or streaming at any time. The slot is freed once a stopped session has
// released its source, or when the session's source fails.
type Manager struct {
	config      *config.Watcher
	open        OpenFunc
	newDetector DetectorFactory

	listenersL         sync.Mutex
	listeners          []StatusListener
	detectionListeners []process.DetectionListener

	l       sync.Mutex
	session *Session
	last    *Session
}

func NewManager(cfg *config.Watcher, open OpenFunc, newDetector DetectorFactory) *Manager {
	if open == nil {
		open = source.Open
	}
	return &Manager{
		config:      cfg,
		open:        open,
		newDetector: newDetector,
	}
}

func (m *Manager) AddListener(l StatusListener) {
	m.listenersL.Lock()
	defer m.listenersL.Unlock()
	m.listeners = append(m.listeners, l)
}

// AddDetectionListener registers l for the detections of every session.
func (m *Manager) AddDetectionListener(l process.DetectionListener) {
	m.listenersL.Lock()
	defer m.listenersL.Unlock()
	m.detectionListeners = append(m.detectionListeners, l)
}

// Detected implements process.DetectionListener, fanning out to the
// registered listeners.
func (m *Manager) Detected(d process.Detections) {
	m.listenersL.Lock()
	defer m.listenersL.Unlock()
	for _, l := range m.detectionListeners {
		l.Detected(d)
	}
}

// notify reports the current status. The snapshot is taken under the listener
// lock so listeners see states in the order they happened.
func (m *Manager) notify() {
	m.listenersL.Lock()
	defer m.listenersL.Unlock()
	st := m.Status()
	for _, l := range m.listeners {
		l.StreamStatusChanged(st)
	}
}

// Start begins a session reading from uri, or from the configured source if
// uri is empty. It returns once the source is connected or has failed; frames
// are produced in the background.
func (m *Manager) Start(uri string) error {
	cfg := m.config.Get()
	if uri == "" {
		uri = cfg.SourceURI
	}

	m.l.Lock()
	if m.session != nil {
		switch st := m.session.State(); {
		case st.Active():
			m.l.Unlock()
			metrics.SessionStarts.WithLabelValues("already_running").Inc()
			return ErrAlreadyRunning
		case st == Stopping:
			m.l.Unlock()
			metrics.SessionStarts.WithLabelValues("error").Inc()
			return ErrStopping
		}
		// Ended but not yet released by its producer.
		m.last = m.session
	}
	s := newSession(uri, SessionOptionsFromConfig(cfg))
	s.listener = m
	m.session = s
	m.l.Unlock()
	m.notify()

	s.log.Infof("Connecting to stream source")
	src, err := m.open(s.ctx, uri, s.opts.Source)
	if err != nil {
		s.finish(err)
		m.release(s)
		metrics.SessionStarts.WithLabelValues("error").Inc()
		return fmt.Errorf("failed to open %v: %w", uri, err)
	}

	var detector process.Detector
	if m.newDetector != nil {
		detector, err = m.newDetector(cfg)
		if err != nil {
			s.log.Warnf("Detection disabled, failed to load detector: %v", err)
			detector = nil
		}
	}
	annotator := process.NewAnnotator(detector, s.opts.DetectionInterval, s)

	s.l.Lock()
	s.annotator = annotator
	s.l.Unlock()

	if !s.transition(Connecting, Streaming) {
		// Stopped while connecting.
		src.Close()
		annotator.Close()
		s.buffer.Close()
		s.finish(context.Canceled)
		m.release(s)
		metrics.SessionStarts.WithLabelValues("error").Inc()
		return fmt.Errorf("stream stopped while connecting to %v", uri)
	}

	metrics.SessionStarts.WithLabelValues("success").Inc()
	metrics.Streaming.Set(1)
	s.log.Infof("Stream started (detection enabled: %v)", annotator.Enabled())
	m.notify()
	go s.run(src, m.release)
	return nil
}

// release frees the slot if s still holds it.
func (m *Manager) release(s *Session) {
	m.l.Lock()
	if m.session == s {
		m.session = nil
		m.last = s
		metrics.Streaming.Set(0)
	}
	m.l.Unlock()
	m.notify()
}

// Stop ends the active session and waits for its producer to release the
// source, up to the configured stop timeout. The session keeps the slot while
// it is stopping, so a new Start cannot race it for a local device.
func (m *Manager) Stop() error {
	m.l.Lock()
	s := m.session
	if s == nil || !s.beginStop() {
		m.l.Unlock()
		return ErrNotRunning
	}
	m.l.Unlock()

	s.log.Infof("Stopping stream")
	m.notify()
	s.stop()

	m.l.Lock()
	if m.session == s {
		m.session = nil
		m.last = s
		metrics.Streaming.Set(0)
	}
	m.l.Unlock()
	m.notify()
	return nil
}

// Close stops any active session.
func (m *Manager) Close() {
	if err := m.Stop(); err != nil && !errors.Is(err, ErrNotRunning) {
		log.Warnf("Error stopping stream: %v", err)
	}
}

// Status describes the slot. With no active session it reports how the most
// recent session ended.
func (m *Manager) Status() Status {
	m.l.Lock()
	s, last := m.session, m.last
	m.l.Unlock()

	switch {
	case s != nil:
		return s.status()
	case last != nil:
		st := last.status()
		st.Streaming = false
		return st
	}
	return Status{State: Idle.String()}
}

// Latest implements sink.FrameReader with the active session's most recent
// frame.
func (m *Manager) Latest() (source.Frame, bool) {
	m.l.Lock()
	s := m.session
	m.l.Unlock()
	if s == nil {
		return source.Frame{}, false
	}
	return s.buffer.Read()
}
