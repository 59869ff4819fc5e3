// Package domain holds the core value types of the order execution engine:
// requests coming in, the public order-state graph, and the reports going
// out. Nothing in this package performs I/O.
package domain

import (
	"errors"
	"time"

	"github.com/shopspring/decimal"
)

// Side is the direction of an order.
type Side string

const (
	Buy  Side = "buy"
	Sell Side = "sell"
)

// OrderType distinguishes resting (maker) orders from crossing (taker) ones.
type OrderType string

const (
	Maker OrderType = "maker"
	Taker OrderType = "taker"
)

// OrderState is the public lifecycle state of an order, as carried on an
// ExecutionReport. Internal executor bookkeeping states (initializing,
// creating_order, monitoring_order, updating_order, wait_cancel_confirm)
// live in the executor package and never appear here.
type OrderState string

const (
	StatePending         OrderState = "pending"
	StateSubmitted       OrderState = "submitted"
	StateMonitoring      OrderState = "monitoring"
	StatePartiallyFilled OrderState = "partially_filled"
	StateFilled          OrderState = "filled"
	StateCancelled       OrderState = "cancelled"
	StateTimedOut        OrderState = "timed_out"
	StateRejected        OrderState = "rejected"
	StateFailed          OrderState = "failed"
)

// IsTerminal reports whether a state ends an order's lifecycle.
func (s OrderState) IsTerminal() bool {
	switch s {
	case StateFilled, StateCancelled, StateTimedOut, StateRejected, StateFailed:
		return true
	default:
		return false
	}
}

// OrderRequest is the caller-supplied description of a desired order.
// Immutable once constructed; the router and executors only ever read it.
type OrderRequest struct {
	Symbol      string
	Side        Side
	Amount      decimal.Decimal
	Type        OrderType
	ExchangeID  string
	Leverage    int
	MarginMode  string
	ExtraParams map[string]any
}

// Validate checks the fail-fast invariants: amount must be positive and
// exchange_id must be non-empty. Called before any I/O for the request.
func (r OrderRequest) Validate() error {
	if r.Amount.Sign() <= 0 {
		return errors.New("order request: amount must be > 0")
	}
	if r.ExchangeID == "" {
		return errors.New("order request: exchange_id must not be empty")
	}
	if r.Symbol == "" {
		return errors.New("order request: symbol must not be empty")
	}
	return nil
}

// OrderBatch is an ordered, non-empty sequence of requests consumed once
// per router call.
type OrderBatch struct {
	Orders []OrderRequest
}

// Validate checks the batch is non-empty.
func (b OrderBatch) Validate() error {
	if len(b.Orders) == 0 {
		return errors.New("order batch: must contain at least one order")
	}
	return nil
}

// OpenOrder tracks a resting order while it is being monitored. It is
// created on submit and discarded once the order reaches a terminal state.
type OpenOrder struct {
	OrderID         string
	Request         OrderRequest
	SubmitTS        time.Time
	CurrentPrice    decimal.Decimal
	FilledAmount    decimal.Decimal
	RemainingAmount decimal.Decimal
	State           OrderState
	LastEventTS     time.Time
}

// IsOpen reports whether the open order is still actively monitored.
func (o *OpenOrder) IsOpen() bool {
	return !o.State.IsTerminal()
}
