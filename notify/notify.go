package notify

import (
	"sync"
	"time"

	"github.com/davecgh/go-spew/spew"
	log "github.com/sirupsen/logrus"

	"sentinel/alert"
	"sentinel/video"
	"sentinel/video/process"
)

const (
	// Detections below this confidence never notify.
	ConfidenceThreshold = 0.8

	// Minimum time between two detection notifications.
	DetectionCooldown = 5 * time.Minute

	// Notifications waiting for a slow listener beyond this are dropped.
	listenerQueueSize = 64
)

type Kind string

const (
	KindAlert     Kind = "alert"
	KindDetection Kind = "detection"
	KindStream    Kind = "stream"
)

// Notification is sent to all NotifyListeners registered with Notifier.
type Notification struct {
	Kind       Kind
	Time       time.Time
	TimeString string
	Severity   string

	Alert     *alert.Alert       `json:",omitempty"`
	Detection *process.Detection `json:",omitempty"`
	Stream    *video.Status      `json:",omitempty"`
}

type NotifyListener interface {
	Notify(n *Notification) error
}

// Notifier turns alerts, detections and stream status changes into
// notifications. Each listener is served by its own goroutine and sees
// notifications in the order they were sent.
type Notifier struct {
	queuesL sync.Mutex
	queues  []chan *Notification
	closed  bool
	workers sync.WaitGroup

	l             sync.Mutex
	lastDetection time.Time
	now           func() time.Time
}

func NewNotifier(listeners ...NotifyListener) *Notifier {
	n := &Notifier{now: time.Now}
	for _, l := range listeners {
		q := make(chan *Notification, listenerQueueSize)
		n.queues = append(n.queues, q)
		n.workers.Add(1)
		go n.deliver(l, q)
	}
	return n
}

func (n *Notifier) deliver(l NotifyListener, q <-chan *Notification) {
	defer n.workers.Done()
	for notification := range q {
		if err := l.Notify(notification); err != nil {
			log.Errorf("Failed to send %v notification: %v", notification.Kind, err)
		}
	}
}

// Close delivers the notifications already queued and stops the listener
// goroutines. Later notifications are discarded.
func (n *Notifier) Close() {
	n.queuesL.Lock()
	if !n.closed {
		n.closed = true
		for _, q := range n.queues {
			close(q)
		}
	}
	n.queuesL.Unlock()
	n.workers.Wait()
}

func (n *Notifier) newNotification(kind Kind, severity string) *Notification {
	t := n.now()
	return &Notification{
		Kind:       kind,
		Time:       t,
		TimeString: t.Format("3:04 PM"),
		Severity:   severity,
	}
}

func (n *Notifier) send(notification *Notification) {
	n.queuesL.Lock()
	defer n.queuesL.Unlock()
	if n.closed {
		return
	}
	for _, q := range n.queues {
		select {
		case q <- notification:
		default:
			log.Warnf("Listener is falling behind, dropping %v notification", notification.Kind)
		}
	}
}

// AlertCreated is invoked when a citizen submits an alert.
func (n *Notifier) AlertCreated(a alert.Alert) {
	notification := n.newNotification(KindAlert, a.Severity)
	notification.Alert = &a
	log.Infof("Sending alert notification: %v", spew.Sdump(notification))
	n.send(notification)
}

// Detected is invoked after every detector run.
func (n *Notifier) Detected(d process.Detections) {
	var best *process.Detection
	for i := range d {
		if best == nil || d[i].Confidence > best.Confidence {
			best = &d[i]
		}
	}
	if best == nil || best.Confidence < ConfidenceThreshold {
		// Not interesting enough for notification.
		return
	}

	n.l.Lock()
	now := n.now()
	if !n.lastDetection.IsZero() && now.Sub(n.lastDetection) < DetectionCooldown {
		n.l.Unlock()
		return
	}
	n.lastDetection = now
	n.l.Unlock()

	notification := n.newNotification(KindDetection, "critical")
	det := *best
	notification.Detection = &det
	log.Infof("Sending detection notification: %v (%.2f)", det.Class, det.Confidence)
	n.send(notification)
}

// StreamStatusChanged is invoked by the video manager.
func (n *Notifier) StreamStatusChanged(s video.Status) {
	notification := n.newNotification(KindStream, "")
	notification.Stream = &s
	n.send(notification)
}
