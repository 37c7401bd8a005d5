package main

import (
	"encoding/json"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

var errCapacityExceeded = errors.New("subscriber capacity exceeded")

// sendQueueSize is the per-subscriber backlog. A subscriber whose queue is
// full when a broadcast arrives is dropped rather than allowed to stall the
// fan-out.
const sendQueueSize = 32

const writeTimeout = 10 * time.Second

// hub owns the set of live subscriber connections and fans every stored
// report out to all of them. Delivery is best-effort per subscriber: a
// failed or slow connection is removed without affecting the others, and a
// subscriber only ever sees reports broadcast after it joined (no replay).
type hub struct {
	log *slog.Logger
	max int // 0 = unbounded

	mu          sync.Mutex
	subscribers map[*subscriber]struct{}
}

type subscriber struct {
	conn *websocket.Conn
	send chan []byte
}

func newHub(log *slog.Logger, maxSubscribers int) *hub {
	return &hub{
		log:         log,
		max:         maxSubscribers,
		subscribers: make(map[*subscriber]struct{}),
	}
}

// register adds a connection to the active set and starts its write pump.
// Fails with errCapacityExceeded when a bound is configured and reached.
func (h *hub) register(conn *websocket.Conn) (*subscriber, error) {
	h.mu.Lock()
	if h.max > 0 && len(h.subscribers) >= h.max {
		h.mu.Unlock()
		return nil, errCapacityExceeded
	}
	sub := &subscriber{
		conn: conn,
		send: make(chan []byte, sendQueueSize),
	}
	h.subscribers[sub] = struct{}{}
	h.mu.Unlock()

	go h.writePump(sub)
	return sub, nil
}

// unregister removes a subscriber and closes its queue. Idempotent: removing
// an already-gone subscriber is a no-op.
func (h *hub) unregister(sub *subscriber) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.drop(sub)
}

// drop must be called with h.mu held. Closing sub.send ends the write pump,
// which closes the underlying connection; holding the lock here means a
// concurrent broadcast can never send on the closed channel.
func (h *hub) drop(sub *subscriber) {
	if _, ok := h.subscribers[sub]; !ok {
		return
	}
	delete(h.subscribers, sub)
	close(sub.send)
}

// broadcast queues the report on every subscriber registered at the moment
// of the call. Per subscriber the queue preserves call order; a subscriber
// that cannot absorb the message is dropped on the spot.
func (h *hub) broadcast(report LocationReport) {
	data, err := json.Marshal(report)
	if err != nil {
		h.log.Warn("failed to encode broadcast", "entity", report.UUID, "error", err)
		return
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	for sub := range h.subscribers {
		select {
		case sub.send <- data:
		default:
			h.log.Warn("dropping slow subscriber", "remote", sub.conn.RemoteAddr())
			h.drop(sub)
		}
	}
}

// closeAll disconnects every subscriber, used during shutdown.
func (h *hub) closeAll() {
	h.mu.Lock()
	defer h.mu.Unlock()
	for sub := range h.subscribers {
		h.drop(sub)
	}
}

func (h *hub) count() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.subscribers)
}

// writePump drains the send queue onto the wire. It is the only writer for
// the connection, so queued order is delivery order. A write failure
// unregisters the subscriber on the spot rather than waiting for its read
// loop to notice the dead transport.
func (h *hub) writePump(sub *subscriber) {
	defer sub.conn.Close()
	for data := range sub.send {
		sub.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
		if err := sub.conn.WriteMessage(websocket.TextMessage, data); err != nil {
			h.unregister(sub)
			return
		}
	}
	// Queue closed: say goodbye before the deferred close.
	sub.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	_ = sub.conn.WriteMessage(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseGoingAway, ""))
}
