package domain

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// ExecutionReport is the single, immutable result produced for an order
// once it reaches a terminal state. It is built once through
// NewReportBuilder and never mutated afterward: every field access goes
// through a read accessor, and there is no exported setter.
type ExecutionReport struct {
	orderID       string
	exchangeID    string
	symbol        string
	finalState    OrderState
	filledAmount  decimal.Decimal
	avgPrice      decimal.Decimal
	fillLatencyMs int64
	submitTS      time.Time
	closeTS       time.Time
	failureReason string
	sealed        bool
}

// ErrReportSealed is returned by Build when it is called a second time on
// the same builder. With* calls made after Build do not return it: they
// are ignored, and the built report has no setter to call at all.
var ErrReportSealed = fmt.Errorf("execution report: already sealed, cannot mutate")

func (r *ExecutionReport) OrderID() string               { return r.orderID }
func (r *ExecutionReport) ExchangeID() string             { return r.exchangeID }
func (r *ExecutionReport) Symbol() string                 { return r.symbol }
func (r *ExecutionReport) FinalState() OrderState          { return r.finalState }
func (r *ExecutionReport) FilledAmount() decimal.Decimal   { return r.filledAmount }
func (r *ExecutionReport) AvgPrice() decimal.Decimal       { return r.avgPrice }
func (r *ExecutionReport) FillLatencyMs() int64            { return r.fillLatencyMs }
func (r *ExecutionReport) SubmitTS() time.Time             { return r.submitTS }
func (r *ExecutionReport) CloseTS() time.Time              { return r.closeTS }
func (r *ExecutionReport) FailureReason() string           { return r.failureReason }

// ReportBuilder accumulates fields for exactly one ExecutionReport. Build
// seals the value: With* calls made afterward change nothing and report
// no error, and a second Build returns ErrReportSealed.
type ReportBuilder struct {
	r      ExecutionReport
	built  bool
}

// NewReportBuilder starts a report for the given correlation key.
func NewReportBuilder(orderID, exchangeID, symbol string) *ReportBuilder {
	return &ReportBuilder{r: ExecutionReport{orderID: orderID, exchangeID: exchangeID, symbol: symbol}}
}

func (b *ReportBuilder) WithFinalState(s OrderState) *ReportBuilder {
	if !b.built {
		b.r.finalState = s
	}
	return b
}

func (b *ReportBuilder) WithFill(amount, avgPrice decimal.Decimal) *ReportBuilder {
	if !b.built {
		b.r.filledAmount = amount
		b.r.avgPrice = avgPrice
	}
	return b
}

func (b *ReportBuilder) WithTimes(submit, close time.Time) *ReportBuilder {
	if !b.built {
		b.r.submitTS = submit
		b.r.closeTS = close
		if close.After(submit) {
			b.r.fillLatencyMs = close.Sub(submit).Milliseconds()
		}
	}
	return b
}

func (b *ReportBuilder) WithFailureReason(reason string) *ReportBuilder {
	if !b.built {
		b.r.failureReason = reason
	}
	return b
}

// Build validates invariants (exchange_id non-empty, fill_latency_ms >= 0)
// and seals the report. Calling Build twice returns ErrReportSealed;
// With* calls on the builder after Build are ignored.
func (b *ReportBuilder) Build() (*ExecutionReport, error) {
	if b.built {
		return nil, ErrReportSealed
	}
	if b.r.exchangeID == "" {
		return nil, fmt.Errorf("execution report: exchange_id must not be empty")
	}
	if b.r.fillLatencyMs < 0 {
		return nil, fmt.Errorf("execution report: fill_latency_ms must be >= 0")
	}
	b.built = true
	b.r.sealed = true
	out := b.r
	return &out, nil
}
