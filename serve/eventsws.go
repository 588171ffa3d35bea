package serve

import (
	"encoding/json"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	log "github.com/sirupsen/logrus"

	"sentinel/notify"
)

const (
	// Time allowed to write message to the client
	writeWait  = 10 * time.Second
	pingPeriod = 10 * time.Second

	// Messages queued per client before further ones are dropped.
	clientQueue = 16
)

// Updater pushes every notification to connected dashboards over a
// websocket, as JSON text messages.
type Updater struct {
	upgrader websocket.Upgrader
	cs       map[chan []byte]bool
	addc     chan chan []byte
	delc     chan chan []byte
	notify   chan []byte
	clients  atomic.Int32
}

func NewUpdater() *Updater {
	u := &Updater{
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
		},
		cs:     make(map[chan []byte]bool),
		addc:   make(chan chan []byte),
		delc:   make(chan chan []byte),
		notify: make(chan []byte),
	}
	go func() {
		for {
			select {
			case c := <-u.addc:
				u.cs[c] = true
				u.clients.Store(int32(len(u.cs)))
			case c := <-u.delc:
				delete(u.cs, c)
				u.clients.Store(int32(len(u.cs)))
			case msg := <-u.notify:
				for c := range u.cs {
					select {
					case c <- msg:
					default:
						// Client is too slow; it will catch up on the next message.
					}
				}
			}
		}
	}()
	return u
}

// Clients returns the number of connected sockets.
func (u *Updater) Clients() int {
	return int(u.clients.Load())
}

// Notify implements notify.NotifyListener.
func (u *Updater) Notify(n *notify.Notification) error {
	msg, err := json.Marshal(n)
	if err != nil {
		return err
	}
	u.notify <- msg
	return nil
}

func (u *Updater) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ws, err := u.upgrader.Upgrade(w, r, nil)
	if err != nil {
		if _, ok := err.(websocket.HandshakeError); !ok {
			log.WithField("addr", r.RemoteAddr).Errorf("Websocket handshake failed for update stream: %v", err)
		}
		return
	}
	go u.serve(ws)
}

func (u *Updater) serve(ws *websocket.Conn) {
	clog := log.WithField("addr", ws.RemoteAddr())
	clog.Info("connected to events update socket")
	defer func() {
		ws.Close()
		clog.Info("disconnected from events update socket")
	}()
	pingTicker := time.NewTicker(pingPeriod)
	defer pingTicker.Stop()

	notifyc := make(chan []byte, clientQueue)
	u.addc <- notifyc
	defer func() { u.delc <- notifyc }()

	// Even though we don't care about incoming messages, we need to read from
	// the socket in order to process control messages.
	closed := make(chan struct{})
	go func() {
		defer close(closed)
		for {
			if _, _, err := ws.NextReader(); err != nil {
				return
			}
		}
	}()

	for {
		select {
		case msg := <-notifyc:
			ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := ws.WriteMessage(websocket.TextMessage, msg); err != nil {
				return
			}
		case <-pingTicker.C:
			ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := ws.WriteMessage(websocket.PingMessage, []byte{}); err != nil {
				return
			}
		case <-closed:
			return
		}
	}
}
