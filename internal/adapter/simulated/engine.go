package simulated

import (
	"math/rand"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"multiexec/internal/adapter"
	"multiexec/internal/domain"
)

// restingOrder is the engine's internal bookkeeping for a placed order.
// A filled limit order stays in the engine, with filled equal to amount,
// until it is cancelled, so snapshot can still report it as filled.
type restingOrder struct {
	id       string
	symbol   string
	side     domain.Side
	price    decimal.Decimal
	amount   decimal.Decimal
	filled   decimal.Decimal
	rejected string // non-empty once a fatal/transient rejection is injected
}

// engine holds all mutable simulated-venue state: current book top per
// symbol and every live order. A background goroutine jitters prices and
// matches resting orders against them, pushing updates onto the hub.
type engine struct {
	mu      sync.Mutex
	books   map[string]adapter.BookTop
	orders  map[string]*restingOrder
	hub     *hub
	rng     *rand.Rand
	stopCh  chan struct{}
	started bool
}

func newEngine(h *hub) *engine {
	return &engine{
		books:  make(map[string]adapter.BookTop),
		orders: make(map[string]*restingOrder),
		hub:    h,
		rng:    rand.New(rand.NewSource(1)),
		stopCh: make(chan struct{}),
	}
}

// seed sets an initial book top for symbol so FetchOrderBook/CreateMarketOrder
// have a sane starting price before the tick loop runs.
func (e *engine) seed(symbol string, bid, ask decimal.Decimal) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.books[symbol] = adapter.BookTop{Symbol: symbol, BestBid: bid, BestAsk: ask, Timestamp: time.Now().UnixMilli()}
}

func (e *engine) run() {
	e.mu.Lock()
	if e.started {
		e.mu.Unlock()
		return
	}
	e.started = true
	e.mu.Unlock()

	ticker := time.NewTicker(25 * time.Millisecond)
	defer ticker.Stop()
	for {
		select {
		case <-e.stopCh:
			return
		case <-ticker.C:
			e.tick()
		}
	}
}

func (e *engine) stop() {
	close(e.stopCh)
}

// tick jitters every known symbol's book and matches resting orders.
func (e *engine) tick() {
	type fillEvt struct {
		symbol string
		snap   adapter.OrderSnapshot
	}
	var fills []fillEvt
	var bookUpdates []adapter.BookTop

	e.mu.Lock()
	for symbol, book := range e.books {
		jitter := decimal.NewFromFloat((e.rng.Float64() - 0.5) * 0.0004)
		mid := book.BestBid.Add(book.BestAsk).Div(decimal.NewFromInt(2))
		mid = mid.Add(mid.Mul(jitter))
		spread := mid.Mul(decimal.NewFromFloat(0.0005))
		book.BestBid = mid.Sub(spread)
		book.BestAsk = mid.Add(spread)
		book.Timestamp = time.Now().UnixMilli()
		e.books[symbol] = book
		bookUpdates = append(bookUpdates, book)
	}

	for id, ord := range e.orders {
		book, ok := e.books[ord.symbol]
		if !ok || ord.rejected != "" || ord.filled.Equal(ord.amount) {
			continue
		}
		crosses := false
		if ord.side == domain.Buy && book.BestAsk.LessThanOrEqual(ord.price) {
			crosses = true
		}
		if ord.side == domain.Sell && book.BestBid.GreaterThanOrEqual(ord.price) {
			crosses = true
		}
		if crosses {
			ord.filled = ord.amount
			fills = append(fills, fillEvt{symbol: ord.symbol, snap: adapter.OrderSnapshot{
				OrderID: id, Symbol: ord.symbol, State: domain.StateFilled,
				FilledAmount: ord.amount, RemainingAmount: decimal.Zero, AvgPrice: ord.price,
			}})
		}
	}
	e.mu.Unlock()

	for _, b := range bookUpdates {
		e.hub.publish("orderbook:"+b.Symbol, b)
	}
	for _, f := range fills {
		e.hub.publish("orders:"+f.symbol, f.snap)
	}
}

func (e *engine) bookTop(symbol string) adapter.BookTop {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.books[symbol]
}

func (e *engine) place(ord *restingOrder) {
	e.mu.Lock()
	e.orders[ord.id] = ord
	e.mu.Unlock()
}

func (e *engine) cancel(orderID string) {
	e.mu.Lock()
	delete(e.orders, orderID)
	e.mu.Unlock()
}

func (e *engine) snapshot(orderID string) (adapter.OrderSnapshot, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	ord, ok := e.orders[orderID]
	if !ok {
		return adapter.OrderSnapshot{}, false
	}
	state := domain.StateMonitoring
	if ord.rejected != "" {
		state = domain.StateRejected
	} else if ord.filled.Equal(ord.amount) {
		state = domain.StateFilled
	}
	return adapter.OrderSnapshot{
		OrderID: ord.id, Symbol: ord.symbol, State: state,
		FilledAmount: ord.filled, RemainingAmount: ord.amount.Sub(ord.filled),
		AvgPrice: ord.price, RejectReason: ord.rejected,
	}, true
}
