package simulated

import (
	"log/slog"
	"net"
	"net/http"
	"strings"

	"github.com/gorilla/websocket"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(*http.Request) bool { return true }, // loopback-only test server
}

// server hosts the loopback WebSocket endpoints the adapter's own
// WatchOrderBook/WatchOrders dial into. Each topic is a URL path of the
// form /orderbook/<symbol> or /orders/<symbol>.
type server struct {
	listener net.Listener
	hub      *hub
}

func newServer(h *hub) (*server, error) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		return nil, err
	}
	s := &server{listener: ln, hub: h}
	mux := http.NewServeMux()
	mux.HandleFunc("/orderbook/", s.handleStream("orderbook"))
	mux.HandleFunc("/orders/", s.handleStream("orders"))
	go func() {
		if err := http.Serve(ln, mux); err != nil && !strings.Contains(err.Error(), "closed") {
			slog.Error("simulated server: serve exited", slog.Any("err", err))
		}
	}()
	return s, nil
}

func (s *server) addr() string { return s.listener.Addr().String() }

func (s *server) close() error { return s.listener.Close() }

func (s *server) handleStream(kind string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		symbol := strings.TrimPrefix(r.URL.Path, "/"+kind+"/")
		topic := kind + ":" + symbol

		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		s.hub.subscribe(topic, conn)

		// Drain any client-sent frames (none expected) until the
		// connection closes, so the read side notices a server-closed
		// socket promptly and unsubscribes.
		go func() {
			defer s.hub.unsubscribe(topic, conn)
			defer conn.Close()
			for {
				if _, _, err := conn.ReadMessage(); err != nil {
					return
				}
			}
		}()
	}
}
