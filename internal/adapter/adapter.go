// Package adapter defines the exchange-adapter contract this engine
// consumes. Concrete venues are external collaborators (out of scope for
// this repo); internal/adapter/simulated ships one deterministic
// in-memory implementation used by tests and the demo binary.
package adapter

import (
	"context"

	"github.com/shopspring/decimal"

	"multiexec/internal/domain"
)

// BookTop is the best bid/ask snapshot used to drive the reprice policy
// and the spread gate.
type BookTop struct {
	Symbol    string
	BestBid   decimal.Decimal
	BestAsk   decimal.Decimal
	Timestamp int64 // unix ms
}

// SpreadPct returns (ask-bid)/bid, the fraction the spread gate compares
// against max_spread_pct.
func (b BookTop) SpreadPct() decimal.Decimal {
	if b.BestBid.IsZero() {
		return decimal.Zero
	}
	return b.BestAsk.Sub(b.BestBid).Div(b.BestBid)
}

// OrderSnapshot is a point-in-time status read of a submitted order,
// returned by fetch_order and streamed by watch_orders.
type OrderSnapshot struct {
	OrderID         string
	Symbol          string
	State           domain.OrderState
	FilledAmount    decimal.Decimal
	RemainingAmount decimal.Decimal
	AvgPrice        decimal.Decimal
	RejectReason    string
}

// Exchange is the uniform interface every venue adapter implements.
// Capability is advertised via SupportsWebsocket; callers must not assume
// WatchOrderBook/WatchOrders work otherwise.
type Exchange interface {
	ID() string
	SupportsWebsocket() bool

	SetMarginMode(ctx context.Context, symbol string) error
	SetLeverage(ctx context.Context, symbol string, leverage int) error

	CreateLimitOrder(ctx context.Context, req domain.OrderRequest, price decimal.Decimal) (string, error)
	CreateMarketOrder(ctx context.Context, req domain.OrderRequest) (string, error)
	CancelOrder(ctx context.Context, orderID, symbol string) error

	FetchOrder(ctx context.Context, orderID, symbol string) (OrderSnapshot, error)
	FetchOrderBook(ctx context.Context, symbol string) (BookTop, error)

	WatchOrderBook(ctx context.Context, symbol string) (<-chan BookTop, error)
	WatchOrders(ctx context.Context, symbol string) (<-chan OrderSnapshot, error)
}
