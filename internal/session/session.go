// Package session implements the per-batch, per-exchange coordination
// context: deduplicated margin/leverage initialization, WebSocket
// pre-warming, a concurrency bound, and the WS circuit-breaker latch.
package session

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"multiexec/internal/adapter"
	"multiexec/internal/infra"
)

// DefaultMaxConcurrentOrders matches the original implementation's
// asyncio.Semaphore default.
const DefaultMaxConcurrentOrders = 5

// SymbolInit describes one (symbol, leverage, margin mode) triple the
// router collected from a batch for a single exchange.
type SymbolInit struct {
	Symbol     string
	Leverage   int
	MarginMode string
	NeedsWS    bool // true if any order on this symbol is maker-style
}

// Session is a fresh, per-batch coordination object for one exchange. It
// is never reused across batches: every call to New starts clean caches.
type Session struct {
	exchange adapter.Exchange
	sem      chan struct{}

	mu                sync.Mutex
	marginInitialized map[string]bool
	leverageSet       map[string]int // symbol -> leverage already applied
	activeWSStreams   map[string]context.CancelFunc

	wsBreaker *infra.CircuitBreaker
}

// New creates a Session bound to one exchange, bounding concurrent order
// executions at maxConcurrent (DefaultMaxConcurrentOrders if <= 0) and
// tripping the WS circuit breaker after wsMaxReconnectAttempts consecutive
// WebSocket reconnect failures (1 if <= 0).
func New(exchange adapter.Exchange, maxConcurrent int, wsMaxReconnectAttempts int) *Session {
	if maxConcurrent <= 0 {
		maxConcurrent = DefaultMaxConcurrentOrders
	}
	return &Session{
		exchange:          exchange,
		sem:               make(chan struct{}, maxConcurrent),
		marginInitialized: make(map[string]bool),
		leverageSet:       make(map[string]int),
		activeWSStreams:   make(map[string]context.CancelFunc),
		wsBreaker:         infra.NewWsReconnectBreaker(exchange.ID(), wsMaxReconnectAttempts),
	}
}

// Acquire blocks until a concurrency slot is free or ctx is done.
func (s *Session) Acquire(ctx context.Context) error {
	select {
	case s.sem <- struct{}{}:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Release frees a concurrency slot acquired via Acquire.
func (s *Session) Release() {
	<-s.sem
}

// Init runs the session's once-per-symbol setup: set_margin_mode and
// set_leverage deduplicated by distinct symbol (and distinct leverage per
// symbol), and WS order-book pre-warming for every symbol that needs it,
// started before the first create_limit_order call on that symbol.
//
// Every distinct symbol in symbols is initialized, not only the first —
// this is what makes the K-distinct-symbols dedup property hold for a
// batch spanning multiple symbols on one exchange.
func (s *Session) Init(ctx context.Context, symbols []SymbolInit) {
	for _, sym := range symbols {
		s.ensureMarginAndLeverage(ctx, sym)
		if sym.NeedsWS && s.exchange.SupportsWebsocket() {
			s.preWarm(ctx, sym.Symbol)
		}
	}
}

func (s *Session) ensureMarginAndLeverage(ctx context.Context, sym SymbolInit) {
	s.mu.Lock()
	alreadyMargin := s.marginInitialized[sym.Symbol]
	s.mu.Unlock()

	if !alreadyMargin {
		if err := s.exchange.SetMarginMode(ctx, sym.Symbol); err != nil {
			slog.Debug("session: set_margin_mode failed (non-fatal)",
				slog.String("exchange_id", s.exchange.ID()), slog.String("symbol", sym.Symbol), slog.Any("err", err))
		}
		s.mu.Lock()
		s.marginInitialized[sym.Symbol] = true
		s.mu.Unlock()
	}

	s.mu.Lock()
	existingLeverage, haveLeverage := s.leverageSet[sym.Symbol]
	s.mu.Unlock()
	if haveLeverage && existingLeverage == sym.Leverage {
		return
	}
	if err := s.exchange.SetLeverage(ctx, sym.Symbol, sym.Leverage); err != nil {
		slog.Debug("session: set_leverage failed (non-fatal)",
			slog.String("exchange_id", s.exchange.ID()), slog.String("symbol", sym.Symbol), slog.Any("err", err))
	}
	s.mu.Lock()
	s.leverageSet[sym.Symbol] = sym.Leverage
	s.mu.Unlock()
}

// preWarm starts watch_order_book(symbol) ahead of the first order.
// Failure is logged at DEBUG and never fatal.
func (s *Session) preWarm(ctx context.Context, symbol string) {
	s.mu.Lock()
	if _, ok := s.activeWSStreams[symbol]; ok {
		s.mu.Unlock()
		return
	}
	s.mu.Unlock()

	streamCtx, cancel := context.WithCancel(ctx)
	if _, err := s.exchange.WatchOrderBook(streamCtx, symbol); err != nil {
		cancel()
		slog.Debug("session: WS order book pre-warm failed (non-fatal)",
			slog.String("exchange_id", s.exchange.ID()), slog.String("symbol", symbol), slog.Any("err", err))
		return
	}
	s.mu.Lock()
	s.activeWSStreams[symbol] = cancel
	s.mu.Unlock()
}

// RecordWsFailure counts one failed WebSocket reconnect attempt against
// the session's circuit breaker. Once wsMaxReconnectAttempts consecutive
// failures accumulate, the breaker opens and the session falls back to
// REST-only for the remainder of the batch (spec's ws_max_reconnect_
// attempts trip, §4.4.b).
func (s *Session) RecordWsFailure() {
	s.wsBreaker.RecordFailure()
	if s.wsBreaker.GetState() == infra.StateOpen {
		slog.Debug("session: WS circuit opened, falling back to REST", slog.String("exchange_id", s.exchange.ID()))
	}
}

// RecordWsSuccess clears the breaker's accumulated failure count after a
// successful WebSocket reconnect.
func (s *Session) RecordWsSuccess() {
	s.wsBreaker.RecordSuccess()
}

// MarkCircuitOpen forces the session's WS circuit open immediately,
// bypassing the failure threshold — for a caller that already knows the
// WS transport is unusable for this exchange (e.g. SupportsWebsocket
// failed its own preflight).
func (s *Session) MarkCircuitOpen() {
	s.wsBreaker.TripOpen()
}

// IsCircuitOpen reports whether the session is in REST-only mode.
func (s *Session) IsCircuitOpen() bool {
	return s.wsBreaker.GetState() == infra.StateOpen
}

// Exchange returns the adapter this session coordinates.
func (s *Session) Exchange() adapter.Exchange { return s.exchange }

// Teardown cancels every pre-warmed WS stream and releases resources.
// Safe to call on any exit path, including after a failure; idempotent.
func (s *Session) Teardown() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for symbol, cancel := range s.activeWSStreams {
		cancel()
		delete(s.activeWSStreams, symbol)
	}
}

// DistinctSymbolCount reports how many symbols the session has
// margin-initialized, exposed for tests validating the dedup property.
func (s *Session) DistinctSymbolCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.marginInitialized)
}

func (s *Session) String() string {
	return fmt.Sprintf("Session(%s)", s.exchange.ID())
}
