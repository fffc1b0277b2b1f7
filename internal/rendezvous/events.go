package rendezvous

import (
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/matst80/natpunch/internal/obs"
)

// Event describes one message the service handled.
type Event struct {
	Time    time.Time `json:"time"`
	Type    string    `json:"type"`
	Session string    `json:"session,omitempty"`
	From    string    `json:"from"`
	Detail  string    `json:"detail,omitempty"`
}

// Hub fans events out to subscribers and keeps the most recent ones.
// Publish never blocks; a subscriber that falls behind loses events.
type Hub struct {
	mu     sync.Mutex
	subs   map[chan Event]struct{}
	recent []Event
	keep   int
	buffer int
}

func NewHub(keep, buffer int) *Hub {
	if buffer <= 0 {
		buffer = 16
	}
	return &Hub{subs: make(map[chan Event]struct{}), keep: keep, buffer: buffer}
}

// Subscribe returns a channel of future events and a func that cancels the
// subscription and closes the channel.
func (h *Hub) Subscribe() (<-chan Event, func()) {
	ch := make(chan Event, h.buffer)
	h.mu.Lock()
	h.subs[ch] = struct{}{}
	h.mu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			h.mu.Lock()
			delete(h.subs, ch)
			h.mu.Unlock()
			close(ch)
		})
	}
}

func (h *Hub) Publish(e Event) {
	if h == nil {
		return
	}
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.keep > 0 {
		h.recent = append(h.recent, e)
		if len(h.recent) > h.keep {
			h.recent = h.recent[len(h.recent)-h.keep:]
		}
	}
	for ch := range h.subs {
		select {
		case ch <- e:
		default:
			obs.EventsDroppedTotal.Inc()
		}
	}
}

// Recent returns up to keep events, newest last.
func (h *Hub) Recent() []Event {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]Event(nil), h.recent...)
}

func (h *Hub) Subscribers() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.subs)
}

const eventWriteWait = 10 * time.Second

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// ServeHTTP streams events to a websocket client as JSON text frames.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		obs.Debug("events.upgrade", obs.Fields{"err": err.Error(), "remote": r.RemoteAddr})
		return
	}
	defer conn.Close()

	events, cancel := h.Subscribe()
	defer cancel()

	// The reader only notices the peer going away; clients send nothing.
	gone := make(chan struct{})
	go func() {
		defer close(gone)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	obs.Debug("events.subscribed", obs.Fields{"remote": r.RemoteAddr})
	for {
		select {
		case <-gone:
			return
		case <-r.Context().Done():
			return
		case e, ok := <-events:
			if !ok {
				return
			}
			_ = conn.SetWriteDeadline(time.Now().Add(eventWriteWait))
			if err := conn.WriteJSON(e); err != nil {
				obs.Debug("events.write", obs.Fields{"err": err.Error(), "remote": r.RemoteAddr})
				return
			}
		}
	}
}
