package event

import (
	"log/slog"
	"sync"
)

// EventName identifies a canonical lifecycle event. The set below is
// exhaustive: the executor and router never emit a name outside it, and
// the schema (the four correlation fields) is identical regardless of
// which component or transport emitted the event.
type EventName string

const (
	OrderSubmitted           EventName = "order_submitted"
	OrderRepriced            EventName = "order_repriced"
	OrderRepriceSuppressed   EventName = "order_reprice_suppressed"
	OrderSpreadBlocked       EventName = "order_spread_blocked"
	OrderFillPartial         EventName = "order_fill_partial"
	OrderFillComplete        EventName = "order_fill_complete"
	OrderTimedOut            EventName = "order_timed_out"
	OrderCancelled           EventName = "order_cancelled"
	OrderRejected            EventName = "order_rejected"
	MakerTimeoutTakerFallback EventName = "maker_timeout_taker_fallback"
	WsReconnectAttempt       EventName = "ws_reconnect_attempt"
	WsCircuitOpen            EventName = "ws_circuit_open"
	WsRestFallback           EventName = "ws_rest_fallback"
	WsStalenessFallback      EventName = "ws_staleness_fallback"
	ExchangeNotFound         EventName = "exchange_not_found"
)

// StructuredEvent is an append-only record of one lifecycle transition.
// Every event carries all four correlation fields; Payload holds the
// event-specific extras documented alongside each canonical name.
type StructuredEvent struct {
	Name        EventName
	OrderID     string
	Symbol      string
	ExchangeID  string
	TimestampMs int64
	Payload     map[string]any
}

// Sink receives every event emitted on the bus it is registered with.
// Implementations must not block; a sink that panics or errors is logged
// and skipped, it never stalls the remaining sinks or the caller of Emit.
type Sink interface {
	OnEvent(evt StructuredEvent)
}

// Bus is the per-batch structured event log: an in-memory ordered history
// plus synchronous fan-out to registered sinks. Safe for concurrent Emit
// calls from multiple order goroutines.
type Bus struct {
	mu       sync.Mutex
	log      []StructuredEvent
	sinks    []Sink
	dropped  map[string]int64 // sink label -> subscriber_dropped count
}

// NewBus returns an empty event bus scoped to one batch.
func NewBus() *Bus {
	return &Bus{dropped: make(map[string]int64)}
}

// Register adds a sink to the fan-out list. Not safe to call concurrently
// with Emit; register all sinks before the batch starts executing.
func (b *Bus) Register(s Sink) {
	b.sinks = append(b.sinks, s)
}

// Emit appends evt to the ordered log and fans it out to every registered
// sink synchronously. A sink panic is recovered, logged, and does not
// prevent the remaining sinks from receiving the event.
func (b *Bus) Emit(evt StructuredEvent) {
	b.mu.Lock()
	b.log = append(b.log, evt)
	sinks := b.sinks
	b.mu.Unlock()

	for _, s := range sinks {
		b.dispatch(s, evt)
	}
}

func (b *Bus) dispatch(s Sink, evt StructuredEvent) {
	defer func() {
		if r := recover(); r != nil {
			slog.Warn("event bus: sink panicked, dropping this event for it",
				slog.Any("recover", r), slog.String("event", string(evt.Name)))
			b.mu.Lock()
			b.dropped["sink"]++
			b.mu.Unlock()
		}
	}()
	s.OnEvent(evt)
}

// Log returns a snapshot of the ordered event history for the batch.
func (b *Bus) Log() []StructuredEvent {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]StructuredEvent, len(b.log))
	copy(out, b.log)
	return out
}

// DroppedCount returns the total subscriber_dropped count across sinks.
func (b *Bus) DroppedCount() int64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	var total int64
	for _, n := range b.dropped {
		total += n
	}
	return total
}

// SlogSink logs every event's correlation fields and payload via
// log/slog, matching the structured-logging convention used throughout
// this codebase's other components.
type SlogSink struct{}

func (SlogSink) OnEvent(evt StructuredEvent) {
	slog.Info("order event",
		slog.String("name", string(evt.Name)),
		slog.String("order_id", evt.OrderID),
		slog.String("symbol", evt.Symbol),
		slog.String("exchange_id", evt.ExchangeID),
		slog.Int64("timestamp_ms", evt.TimestampMs),
		slog.Any("payload", evt.Payload),
	)
}

// BoundedSink wraps a Sink with a bounded channel so a slow subscriber
// drops events instead of stalling the hot path. The consumer goroutine
// must be started separately by calling Run.
type BoundedSink struct {
	inbox   chan StructuredEvent
	inner   Sink
	dropped int64
	mu      sync.Mutex
}

// NewBoundedSink wraps inner with a channel of the given capacity.
func NewBoundedSink(inner Sink, capacity int) *BoundedSink {
	return &BoundedSink{inbox: make(chan StructuredEvent, capacity), inner: inner}
}

// OnEvent is non-blocking: if the inbox is full the event is dropped and
// the subscriber_dropped counter is incremented.
func (s *BoundedSink) OnEvent(evt StructuredEvent) {
	select {
	case s.inbox <- evt:
	default:
		s.mu.Lock()
		s.dropped++
		s.mu.Unlock()
	}
}

// Dropped returns how many events this sink has dropped.
func (s *BoundedSink) Dropped() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.dropped
}

// Run drains the inbox, forwarding each event to inner, until ctx-less
// close via Close. Intended to run in its own goroutine.
func (s *BoundedSink) Run() {
	for evt := range s.inbox {
		s.inner.OnEvent(evt)
	}
}

// Close stops accepting new events and lets Run drain and return.
func (s *BoundedSink) Close() {
	close(s.inbox)
}
