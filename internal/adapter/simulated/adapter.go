// Package simulated is a deterministic in-memory exchange adapter used
// by tests and cmd/execdemo. Its order-book and order-status streams run
// over a real loopback WebSocket connection (github.com/gorilla/websocket)
// so the WS executor exercises genuine socket framing and disconnects,
// not an in-process channel stand-in.
package simulated

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/gorilla/websocket"
	"github.com/shopspring/decimal"

	"multiexec/internal/adapter"
	"multiexec/internal/domain"
	"multiexec/internal/infra"
)

// Simulated implements adapter.Exchange entirely in-process.
type Simulated struct {
	id       string
	wsOK     bool
	srv      *server
	hub      *hub
	eng      *engine
	orderSeq int64

	orderLimiter *infra.RateLimiter

	mu            sync.Mutex
	failDialsLeft map[string]int // topic -> remaining forced-failure dials

	// lastFills retains terminal market-order snapshots so a subsequent
	// FetchOrder can still observe them after the resting-order map
	// entry has been removed.
	lastFills sync.Map

	// extraParamsByOrder retains each order's OrderRequest.ExtraParams as
	// observed at creation, keyed by order ID. Exposed via
	// ExtraParamsFor so tests can assert the request -> exchange
	// pass-through spec §9 calls out as a regression-prone contract.
	extraParamsByOrder sync.Map
}

// New starts a simulated venue. supportsWS controls whether
// SupportsWebsocket/WatchOrderBook/WatchOrders are usable; REST-only
// venues still serve FetchOrder/FetchOrderBook.
func New(id string, supportsWS bool) (*Simulated, error) {
	h := newHub()
	eng := newEngine(h)

	s := &Simulated{
		id: id, wsOK: supportsWS, hub: h, eng: eng,
		orderLimiter:  infra.NewRateLimiter(10, 20.0),
		failDialsLeft: make(map[string]int),
	}

	if supportsWS {
		srv, err := newServer(h)
		if err != nil {
			return nil, fmt.Errorf("simulated %s: start server: %w", id, err)
		}
		s.srv = srv
	}

	go eng.run()
	return s, nil
}

// Close stops the background price-tick goroutine and the WS server.
func (s *Simulated) Close() error {
	s.eng.stop()
	if s.srv != nil {
		return s.srv.close()
	}
	return nil
}

// SeedBook sets an initial best bid/ask for symbol.
func (s *Simulated) SeedBook(symbol string, bid, ask decimal.Decimal) {
	s.eng.seed(symbol, bid, ask)
}

// ForceNextWSFailures makes the next n dial attempts of one stream kind
// for symbol fail immediately, without touching the network: kind
// "orderbook" affects WatchOrderBook, kind "orders" affects WatchOrders.
// Used by tests to drive the WS backoff/circuit-breaker scenario
// deterministically.
func (s *Simulated) ForceNextWSFailures(kind, symbol string, n int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failDialsLeft[kind+":"+symbol] = n
}

// DisconnectOrders forcibly drops every live orders-stream subscriber for
// symbol, simulating a venue-initiated WebSocket close.
func (s *Simulated) DisconnectOrders(symbol string) {
	s.hub.closeTopic("orders:" + symbol)
}

func (s *Simulated) ID() string                 { return s.id }
func (s *Simulated) SupportsWebsocket() bool    { return s.wsOK }

func (s *Simulated) SetMarginMode(ctx context.Context, symbol string) error {
	return nil
}

func (s *Simulated) SetLeverage(ctx context.Context, symbol string, leverage int) error {
	return nil
}

func (s *Simulated) CreateLimitOrder(ctx context.Context, req domain.OrderRequest, price decimal.Decimal) (string, error) {
	s.orderLimiter.Wait()
	id := s.nextOrderID()
	s.eng.place(&restingOrder{id: id, symbol: req.Symbol, side: req.Side, price: price, amount: req.Amount})
	s.storeExtraParams(id, req.ExtraParams)
	return id, nil
}

func (s *Simulated) CreateMarketOrder(ctx context.Context, req domain.OrderRequest) (string, error) {
	s.orderLimiter.Wait()
	id := s.nextOrderID()
	s.storeExtraParams(id, req.ExtraParams)
	book := s.eng.bookTop(req.Symbol)
	fillPrice := book.BestAsk
	if req.Side == domain.Sell {
		fillPrice = book.BestBid
	}
	// Market orders fill immediately against current top of book.
	s.eng.place(&restingOrder{id: id, symbol: req.Symbol, side: req.Side, price: fillPrice, amount: req.Amount, filled: req.Amount})
	s.eng.cancel(id) // terminal immediately; snapshot comes from the fill event path below
	s.hub.publish("orders:"+req.Symbol, adapter.OrderSnapshot{
		OrderID: id, Symbol: req.Symbol, State: domain.StateFilled,
		FilledAmount: req.Amount, RemainingAmount: decimal.Zero, AvgPrice: fillPrice,
	})
	s.lastFills.Store(id, adapter.OrderSnapshot{
		OrderID: id, Symbol: req.Symbol, State: domain.StateFilled,
		FilledAmount: req.Amount, RemainingAmount: decimal.Zero, AvgPrice: fillPrice,
	})
	return id, nil
}

func (s *Simulated) CancelOrder(ctx context.Context, orderID, symbol string) error {
	s.eng.cancel(orderID)
	return nil
}

func (s *Simulated) FetchOrder(ctx context.Context, orderID, symbol string) (adapter.OrderSnapshot, error) {
	if snap, ok := s.eng.snapshot(orderID); ok {
		return snap, nil
	}
	if v, ok := s.lastFills.Load(orderID); ok {
		return v.(adapter.OrderSnapshot), nil
	}
	return adapter.OrderSnapshot{}, fmt.Errorf("simulated: unknown order %s", orderID)
}

func (s *Simulated) FetchOrderBook(ctx context.Context, symbol string) (adapter.BookTop, error) {
	return s.eng.bookTop(symbol), nil
}

func (s *Simulated) WatchOrderBook(ctx context.Context, symbol string) (<-chan adapter.BookTop, error) {
	if !s.wsOK {
		return nil, fmt.Errorf("simulated %s: websocket not supported", s.id)
	}
	if s.consumeForcedFailure("orderbook", symbol) {
		return nil, fmt.Errorf("simulated %s: forced dial failure for %s", s.id, symbol)
	}

	out := make(chan adapter.BookTop, 32)
	h := &bookFrameHandler{id: fmt.Sprintf("%s-orderbook-%s", s.id, symbol), url: s.streamURL("orderbook", symbol), out: out}
	worker := infra.NewBaseWSWorker(h)
	if err := worker.Connect(ctx); err != nil {
		close(out)
		return nil, fmt.Errorf("simulated %s: dial %s: %w", s.id, h.url, err)
	}
	go func() {
		defer close(out)
		worker.Serve(ctx)
	}()
	return out, nil
}

func (s *Simulated) WatchOrders(ctx context.Context, symbol string) (<-chan adapter.OrderSnapshot, error) {
	if !s.wsOK {
		return nil, fmt.Errorf("simulated %s: websocket not supported", s.id)
	}
	if s.consumeForcedFailure("orders", symbol) {
		return nil, fmt.Errorf("simulated %s: forced dial failure for %s", s.id, symbol)
	}

	out := make(chan adapter.OrderSnapshot, 32)
	h := &orderFrameHandler{id: fmt.Sprintf("%s-orders-%s", s.id, symbol), url: s.streamURL("orders", symbol), out: out}
	worker := infra.NewBaseWSWorker(h)
	if err := worker.Connect(ctx); err != nil {
		close(out)
		return nil, fmt.Errorf("simulated %s: dial %s: %w", s.id, h.url, err)
	}
	go func() {
		defer close(out)
		worker.Serve(ctx)
	}()
	return out, nil
}

func (s *Simulated) streamURL(kind, symbol string) string {
	return fmt.Sprintf("ws://%s/%s/%s", s.srv.addr(), kind, symbol)
}

func (s *Simulated) consumeForcedFailure(kind, symbol string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := kind + ":" + symbol
	if s.failDialsLeft[key] > 0 {
		s.failDialsLeft[key]--
		return true
	}
	return false
}

func (s *Simulated) nextOrderID() string {
	n := atomic.AddInt64(&s.orderSeq, 1)
	return fmt.Sprintf("%s-sim-%d", s.id, n)
}

// storeExtraParams records the ExtraParams a creation request carried, so a
// test can later confirm the venue received the request's pass-through
// fields verbatim rather than a subset or a mutated copy.
func (s *Simulated) storeExtraParams(orderID string, params map[string]any) {
	if params == nil {
		return
	}
	s.extraParamsByOrder.Store(orderID, params)
}

// ExtraParamsFor returns the ExtraParams observed at creation time for
// orderID, if any were set.
func (s *Simulated) ExtraParamsFor(orderID string) (map[string]any, bool) {
	v, ok := s.extraParamsByOrder.Load(orderID)
	if !ok {
		return nil, false
	}
	return v.(map[string]any), true
}

// bookFrameHandler adapts the order-book stream to infra.WebSocketHandler,
// decoding each frame as a adapter.BookTop and forwarding it non-blocking.
type bookFrameHandler struct {
	id, url string
	out     chan adapter.BookTop
}

func (h *bookFrameHandler) GetURL() string { return h.url }
func (h *bookFrameHandler) ID() string     { return h.id }
func (h *bookFrameHandler) OnConnect(ctx context.Context, conn *websocket.Conn) error { return nil }
func (h *bookFrameHandler) OnPing(ctx context.Context, conn *websocket.Conn) error    { return nil }
func (h *bookFrameHandler) OnMessage(ctx context.Context, msg []byte) {
	var bt adapter.BookTop
	if err := json.Unmarshal(msg, &bt); err != nil {
		return
	}
	select {
	case h.out <- bt:
	default:
	}
}

// orderFrameHandler is the orders-stream counterpart, decoding each frame
// as a adapter.OrderSnapshot.
type orderFrameHandler struct {
	id, url string
	out     chan adapter.OrderSnapshot
}

func (h *orderFrameHandler) GetURL() string { return h.url }
func (h *orderFrameHandler) ID() string     { return h.id }
func (h *orderFrameHandler) OnConnect(ctx context.Context, conn *websocket.Conn) error { return nil }
func (h *orderFrameHandler) OnPing(ctx context.Context, conn *websocket.Conn) error    { return nil }
func (h *orderFrameHandler) OnMessage(ctx context.Context, msg []byte) {
	var snap adapter.OrderSnapshot
	if err := json.Unmarshal(msg, &snap); err != nil {
		return
	}
	select {
	case h.out <- snap:
	default:
	}
}
