package video

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"gocv.io/x/gocv"

	"sentinel/config"
	"sentinel/util"
	"sentinel/video/process"
	"sentinel/video/sink"
	"sentinel/video/source"
)

var _ sink.FrameReader = (*Manager)(nil)

// fakeSource produces solid frames every interval. With a limit it ends
// after that many frames.
type fakeSource struct {
	interval time.Duration
	limit    int
	n        int
	closed   *util.Event
}

func newFakeSource(limit int) *fakeSource {
	return &fakeSource{interval: 5 * time.Millisecond, limit: limit, closed: util.NewEvent()}
}

func (f *fakeSource) Next(ctx context.Context) (source.Frame, error) {
	if f.limit > 0 && f.n >= f.limit {
		return source.Frame{}, source.ErrStreamEnded
	}
	select {
	case <-ctx.Done():
		return source.Frame{}, ctx.Err()
	case <-time.After(f.interval):
	}
	f.n++
	return solidFrame(float64(f.n % 255)), nil
}

func (f *fakeSource) Close() error {
	f.closed.Notify()
	return nil
}

func openerFor(src source.Source) OpenFunc {
	return func(ctx context.Context, uri string, opts source.Options) (source.Source, error) {
		return src, nil
	}
}

type failingDetector struct{}

func (failingDetector) Detect(gocv.Mat) (process.Result, error) {
	return process.Result{}, errors.New("inference failed")
}

func (failingDetector) Close() error { return nil }

type recordingListener struct {
	l      sync.Mutex
	states []string
}

func (r *recordingListener) StreamStatusChanged(s Status) {
	r.l.Lock()
	defer r.l.Unlock()
	r.states = append(r.states, s.State)
}

func (r *recordingListener) seen() []string {
	r.l.Lock()
	defer r.l.Unlock()
	return append([]string(nil), r.states...)
}

func testWatcher() *config.Watcher {
	c := config.Default()
	c.SourceURI = "0"
	return config.Static(c)
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %v", what)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func hasFrame(m *Manager) func() bool {
	return func() bool {
		f, ok := m.Latest()
		if ok {
			f.Close()
		}
		return ok
	}
}

func TestManagerStartStop(t *testing.T) {
	src := newFakeSource(0)
	m := NewManager(testWatcher(), openerFor(src), nil)
	listener := &recordingListener{}
	m.AddListener(listener)

	if st := m.Status(); st.Streaming || st.State != "idle" {
		t.Fatalf("initial status = %+v", st)
	}
	if _, ok := m.Latest(); ok {
		t.Fatalf("Latest returned a frame before start")
	}

	if err := m.Start(""); err != nil {
		t.Fatalf("Start: %v", err)
	}
	st := m.Status()
	if !st.Streaming || st.State != "streaming" || st.Source != "0" {
		t.Fatalf("status after start = %+v", st)
	}
	if err := m.Start("1"); !errors.Is(err, ErrAlreadyRunning) {
		t.Fatalf("second Start = %v, want ErrAlreadyRunning", err)
	}

	waitFor(t, "first frame", hasFrame(m))

	if err := m.Stop(); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	if !src.closed.HasBeenNotified() {
		t.Fatalf("source not closed when Stop returned")
	}
	st = m.Status()
	if st.Streaming || st.State != "stopped" || st.Frames == 0 {
		t.Fatalf("status after stop = %+v", st)
	}
	if _, ok := m.Latest(); ok {
		t.Fatalf("Latest returned a frame after stop")
	}
	if err := m.Stop(); !errors.Is(err, ErrNotRunning) {
		t.Fatalf("second Stop = %v, want ErrNotRunning", err)
	}

	states := listener.seen()
	if len(states) < 2 || states[0] != "connecting" || states[1] != "streaming" {
		t.Fatalf("listener saw %v", states)
	}
}

func TestManagerOpenFailure(t *testing.T) {
	fail := true
	src := newFakeSource(0)
	m := NewManager(testWatcher(), func(ctx context.Context, uri string, opts source.Options) (source.Source, error) {
		if fail {
			return nil, errors.New("device busy")
		}
		return src, nil
	}, nil)

	if err := m.Start("0"); err == nil {
		t.Fatalf("Start succeeded with a failing source")
	}
	st := m.Status()
	if st.Streaming || st.State != "errored" || st.Error == "" {
		t.Fatalf("status after failed start = %+v", st)
	}

	// The slot is free again.
	fail = false
	if err := m.Start("0"); err != nil {
		t.Fatalf("Start after failure: %v", err)
	}
	m.Close()
}

func TestManagerSourceEndFreesSlot(t *testing.T) {
	first := newFakeSource(3)
	m := NewManager(testWatcher(), openerFor(first), nil)
	if err := m.Start("http://camera/stream"); err != nil {
		t.Fatalf("Start: %v", err)
	}
	waitFor(t, "slot to be released", func() bool {
		m.l.Lock()
		defer m.l.Unlock()
		return m.session == nil
	})
	st := m.Status()
	if st.Streaming || st.Frames != 3 {
		t.Fatalf("status after source end = %+v", st)
	}
	if !first.closed.HasBeenNotified() {
		t.Fatalf("source not closed after it ended")
	}
	if err := m.Stop(); !errors.Is(err, ErrNotRunning) {
		t.Fatalf("Stop after source end = %v, want ErrNotRunning", err)
	}

	m.open = openerFor(newFakeSource(0))
	if err := m.Start(""); err != nil {
		t.Fatalf("restart: %v", err)
	}
	m.Close()
}

func TestManagerDetectorFailureKeepsStreaming(t *testing.T) {
	m := NewManager(testWatcher(), openerFor(newFakeSource(0)), func(*config.Config) (process.Detector, error) {
		return failingDetector{}, nil
	})
	if err := m.Start(""); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer m.Close()

	waitFor(t, "10 frames", func() bool {
		return m.Status().Frames >= 10
	})
	st := m.Status()
	if !st.Streaming || st.State != "streaming" || !st.Detection {
		t.Fatalf("status with failing detector = %+v", st)
	}
	f, ok := m.Latest()
	if !ok {
		t.Fatalf("no frame published while detector fails")
	}
	f.Close()
}

func TestManagerDetectorLoadFailure(t *testing.T) {
	m := NewManager(testWatcher(), openerFor(newFakeSource(0)), func(*config.Config) (process.Detector, error) {
		return nil, errors.New("no such model")
	})
	if err := m.Start(""); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer m.Close()
	if st := m.Status(); !st.Streaming || st.Detection {
		t.Fatalf("status = %+v, want streaming without detection", st)
	}
	waitFor(t, "first frame", hasFrame(m))
}

func TestManagerStopWhileConnecting(t *testing.T) {
	connecting := util.NewEvent()
	m := NewManager(testWatcher(), func(ctx context.Context, uri string, opts source.Options) (source.Source, error) {
		connecting.Notify()
		<-ctx.Done()
		return nil, ctx.Err()
	}, nil)

	started := make(chan error, 1)
	go func() {
		started <- m.Start("rtsp://camera/live")
	}()
	connecting.Wait()

	st := m.Status()
	if !st.Streaming || st.State != "connecting" {
		t.Fatalf("status while connecting = %+v", st)
	}
	if err := m.Stop(); err != nil {
		t.Fatalf("Stop while connecting: %v", err)
	}
	if err := <-started; err == nil {
		t.Fatalf("Start succeeded after being stopped")
	}
	if st := m.Status(); st.Streaming || st.State != "stopped" {
		t.Fatalf("status after stop = %+v", st)
	}
}

type fireDetector struct{}

func (fireDetector) Detect(m gocv.Mat) (process.Result, error) {
	return process.Result{
		Annotated:  m.Clone(),
		Detections: []process.Detection{{Class: "fire", Confidence: 0.93}},
	}, nil
}

func (fireDetector) Close() error { return nil }

type detectionCounter struct {
	l    sync.Mutex
	runs int
	last process.Detections
}

func (c *detectionCounter) Detected(d process.Detections) {
	c.l.Lock()
	defer c.l.Unlock()
	c.runs++
	c.last = d
}

func TestManagerForwardsDetections(t *testing.T) {
	m := NewManager(testWatcher(), openerFor(newFakeSource(0)), func(*config.Config) (process.Detector, error) {
		return fireDetector{}, nil
	})
	counter := &detectionCounter{}
	m.AddDetectionListener(counter)
	if err := m.Start(""); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer m.Close()

	waitFor(t, "two detector runs", func() bool {
		counter.l.Lock()
		defer counter.l.Unlock()
		return counter.runs >= 2
	})
	counter.l.Lock()
	last := counter.last
	counter.l.Unlock()
	if len(last) != 1 || last[0].Class != "fire" {
		t.Fatalf("last detections = %+v", last)
	}

	st := m.Status()
	if st.LastDetectionAt == nil || len(st.Detections) != 1 || st.Detections[0].Class != "fire" {
		t.Fatalf("status = %+v", st)
	}
}

// stuckSource delivers one frame and then ignores cancellation until
// unblocked, like a capture device stuck in a read.
type stuckSource struct {
	unblock chan struct{}
	sent    bool
	closed  *util.Event
}

func (s *stuckSource) Next(ctx context.Context) (source.Frame, error) {
	if !s.sent {
		s.sent = true
		return solidFrame(1), nil
	}
	<-s.unblock
	return source.Frame{}, ctx.Err()
}

func (s *stuckSource) Close() error {
	s.closed.Notify()
	return nil
}

func TestManagerKeepsSlotUntilSourceReleased(t *testing.T) {
	src := &stuckSource{unblock: make(chan struct{}), closed: util.NewEvent()}
	m := NewManager(testWatcher(), openerFor(src), nil)
	listener := &recordingListener{}
	m.AddListener(listener)
	if err := m.Start(""); err != nil {
		t.Fatalf("Start: %v", err)
	}
	waitFor(t, "first frame", hasFrame(m))

	stopped := make(chan error, 1)
	go func() {
		stopped <- m.Stop()
	}()
	waitFor(t, "stopping state", func() bool {
		return m.Status().State == "stopping"
	})
	if st := m.Status(); st.Streaming {
		t.Fatalf("status while stopping = %+v", st)
	}
	if err := m.Start(""); !errors.Is(err, ErrStopping) {
		t.Fatalf("Start while stopping = %v, want ErrStopping", err)
	}
	if err := m.Stop(); !errors.Is(err, ErrNotRunning) {
		t.Fatalf("second Stop while stopping = %v, want ErrNotRunning", err)
	}

	close(src.unblock)
	if err := <-stopped; err != nil {
		t.Fatalf("Stop: %v", err)
	}
	if !src.closed.HasBeenNotified() {
		t.Fatalf("source not closed when Stop returned")
	}
	if st := m.Status(); st.State != "stopped" {
		t.Fatalf("status after stop = %+v", st)
	}

	states := listener.seen()
	want := []string{"connecting", "streaming", "stopping", "stopped"}
	for i, st := range want {
		if i >= len(states) || states[i] != st {
			t.Fatalf("listener saw %v, want prefix %v", states, want)
		}
	}

	m.open = openerFor(newFakeSource(0))
	if err := m.Start(""); err != nil {
		t.Fatalf("Start after stop: %v", err)
	}
	m.Close()
}

type countingSink struct {
	l      sync.Mutex
	puts   int
	closed bool
}

func (c *countingSink) Put(f source.Frame) {
	c.l.Lock()
	defer c.l.Unlock()
	c.puts++
}

func (c *countingSink) Close() {
	c.l.Lock()
	defer c.l.Unlock()
	c.closed = true
}

func TestSessionWritesEveryFrameToSink(t *testing.T) {
	s := newSession("test", SessionOptionsFromConfig(testWatcher().Get()))
	out := &countingSink{}
	s.out = out
	s.annotator = process.NewAnnotator(nil, 1, s)
	if !s.transition(Connecting, Streaming) {
		t.Fatalf("new session not connecting")
	}

	exited := util.NewEvent()
	go s.run(newFakeSource(4), func(*Session) { exited.Notify() })
	if !exited.WaitTimeout(5 * time.Second) {
		t.Fatalf("producer did not exit after source end")
	}

	out.l.Lock()
	defer out.l.Unlock()
	if out.puts != 4 || !out.closed {
		t.Fatalf("sink got %d frames, closed %v", out.puts, out.closed)
	}
	if st := s.State(); st != Errored {
		t.Fatalf("state after source end = %v", st)
	}
}
