package notify

import (
	"strings"
	"sync"
	"testing"
	"time"

	"sentinel/alert"
	"sentinel/video"
	"sentinel/video/process"
)

type recorder struct {
	l    sync.Mutex
	got  []*Notification
	recv chan struct{}
}

func newRecorder() *recorder {
	return &recorder{recv: make(chan struct{}, 16)}
}

func (r *recorder) Notify(n *Notification) error {
	r.l.Lock()
	r.got = append(r.got, n)
	r.l.Unlock()
	r.recv <- struct{}{}
	return nil
}

func (r *recorder) wait(t *testing.T) *Notification {
	t.Helper()
	select {
	case <-r.recv:
	case <-time.After(2 * time.Second):
		t.Fatalf("no notification received")
	}
	r.l.Lock()
	defer r.l.Unlock()
	return r.got[len(r.got)-1]
}

func (r *recorder) expectNone(t *testing.T) {
	t.Helper()
	select {
	case <-r.recv:
		t.Fatalf("unexpected notification")
	case <-time.After(50 * time.Millisecond):
	}
}

func TestAlertCreatedFansOut(t *testing.T) {
	a, b := newRecorder(), newRecorder()
	n := NewNotifier(a, b)
	n.AlertCreated(alert.Alert{ID: "x", Severity: "high", Location: "Ridge"})

	for _, r := range []*recorder{a, b} {
		got := r.wait(t)
		if got.Kind != KindAlert || got.Alert == nil || got.Alert.ID != "x" || got.Severity != "high" {
			t.Fatalf("notification = %+v", got)
		}
	}
}

func TestDetectedThresholdAndCooldown(t *testing.T) {
	r := newRecorder()
	n := NewNotifier(r)
	now := time.Date(2024, 8, 1, 14, 0, 0, 0, time.UTC)
	n.now = func() time.Time { return now }

	n.Detected(process.Detections{{Class: "smoke", Confidence: 0.5}})
	r.expectNone(t)

	n.Detected(process.Detections{
		{Class: "smoke", Confidence: 0.7},
		{Class: "fire", Confidence: 0.92},
	})
	got := r.wait(t)
	if got.Kind != KindDetection || got.Detection.Class != "fire" || got.TimeString != "2:00 PM" {
		t.Fatalf("notification = %+v", got)
	}

	now = now.Add(time.Minute)
	n.Detected(process.Detections{{Class: "fire", Confidence: 0.99}})
	r.expectNone(t)

	now = now.Add(DetectionCooldown)
	n.Detected(process.Detections{{Class: "fire", Confidence: 0.99}})
	r.wait(t)
}

func TestStreamStatusChanged(t *testing.T) {
	r := newRecorder()
	n := NewNotifier(r)
	n.StreamStatusChanged(video.Status{Streaming: true, State: "streaming"})
	got := r.wait(t)
	if got.Kind != KindStream || got.Stream == nil || !got.Stream.Streaming {
		t.Fatalf("notification = %+v", got)
	}
}

// slowListener stalls on its first notification.
type slowListener struct {
	l      sync.Mutex
	calls  int
	states []string
}

func (s *slowListener) Notify(n *Notification) error {
	s.l.Lock()
	s.calls++
	first := s.calls == 1
	s.l.Unlock()
	if first {
		time.Sleep(50 * time.Millisecond)
	}
	s.l.Lock()
	defer s.l.Unlock()
	s.states = append(s.states, n.Stream.State)
	return nil
}

func TestStreamStatusDeliveredInOrder(t *testing.T) {
	slow := &slowListener{}
	n := NewNotifier(slow)
	want := []string{"connecting", "streaming", "stopping", "stopped"}
	for _, st := range want {
		n.StreamStatusChanged(video.Status{State: st})
	}
	n.Close()

	slow.l.Lock()
	defer slow.l.Unlock()
	if strings.Join(slow.states, ",") != strings.Join(want, ",") {
		t.Fatalf("listener saw %v, want %v", slow.states, want)
	}

	// Closed notifiers drop new notifications.
	n.StreamStatusChanged(video.Status{State: "connecting"})
}

func TestShouldPush(t *testing.T) {
	for _, tc := range []struct {
		kind     Kind
		severity string
		min      string
		want     bool
	}{
		{KindAlert, "low", "high", false},
		{KindAlert, "medium", "high", false},
		{KindAlert, "high", "high", true},
		{KindAlert, "critical", "high", true},
		{KindAlert, "low", "low", true},
		{KindDetection, "", "critical", true},
		{KindStream, "", "low", false},
	} {
		n := &Notification{Kind: tc.kind, Severity: tc.severity}
		if got := shouldPush(n, tc.min); got != tc.want {
			t.Errorf("shouldPush(%v %v, min %v) = %v, want %v", tc.kind, tc.severity, tc.min, got, tc.want)
		}
	}
}

func TestPushMessage(t *testing.T) {
	m := pushMessage(&Notification{
		Kind:       KindAlert,
		TimeString: "9:15 AM",
		Alert:      &alert.Alert{Name: "Ana", Location: "North ridge", Severity: "high", Description: "Smoke"},
	})
	if m.Title != "New high alert: North ridge" || !strings.Contains(m.Body, "Ana reported at 9:15 AM") {
		t.Fatalf("alert message = %+v", m)
	}

	m = pushMessage(&Notification{
		Kind:       KindDetection,
		TimeString: "9:15 AM",
		Detection:  &process.Detection{Class: "fire", Confidence: 0.91},
	})
	if m.Title != "Possible fire detected" || !strings.Contains(m.Body, "91% confidence") {
		t.Fatalf("detection message = %+v", m)
	}
}
