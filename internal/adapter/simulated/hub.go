package simulated

import (
	"encoding/json"
	"log/slog"
	"sync"

	"github.com/gorilla/websocket"
)

// hub fans out JSON-encoded messages to every websocket connection
// subscribed to a topic (a symbol's order-book or order-status stream).
// Mirrors the broadcast shape of the teacher's BaseWSWorker, inverted:
// here this process is the server side pushing to its own client dials.
type hub struct {
	mu   sync.Mutex
	subs map[string]map[*websocket.Conn]struct{}
}

func newHub() *hub {
	return &hub{subs: make(map[string]map[*websocket.Conn]struct{})}
}

func (h *hub) subscribe(topic string, conn *websocket.Conn) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.subs[topic] == nil {
		h.subs[topic] = make(map[*websocket.Conn]struct{})
	}
	h.subs[topic][conn] = struct{}{}
}

func (h *hub) unsubscribe(topic string, conn *websocket.Conn) {
	h.mu.Lock()
	defer h.mu.Unlock()
	delete(h.subs[topic], conn)
}

// publish writes msg to every connection subscribed to topic. A write
// failure drops that one connection without affecting the others.
func (h *hub) publish(topic string, msg any) {
	payload, err := json.Marshal(msg)
	if err != nil {
		slog.Error("simulated hub: marshal failed", slog.Any("err", err))
		return
	}

	h.mu.Lock()
	conns := make([]*websocket.Conn, 0, len(h.subs[topic]))
	for c := range h.subs[topic] {
		conns = append(conns, c)
	}
	h.mu.Unlock()

	for _, c := range conns {
		if err := c.WriteMessage(websocket.TextMessage, payload); err != nil {
			h.unsubscribe(topic, c)
		}
	}
}

// closeTopic forcibly disconnects every subscriber of topic, used to
// simulate a venue-initiated WebSocket drop in tests.
func (h *hub) closeTopic(topic string) {
	h.mu.Lock()
	conns := h.subs[topic]
	delete(h.subs, topic)
	h.mu.Unlock()
	for c := range conns {
		_ = c.Close()
	}
}
