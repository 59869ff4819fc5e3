// Package executor implements the shared order state machine and its
// two monitoring variants (REST polling, WebSocket event-driven). Both
// variants delegate submit/spread-gate/timeout/taker-fallback logic to
// Base instead of duplicating it, composition over inheritance.
package executor

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/shopspring/decimal"

	"multiexec/internal/adapter"
	"multiexec/internal/config"
	"multiexec/internal/domain"
	"multiexec/internal/event"
	"multiexec/internal/reprice"
)

// InternalState is the executor's own bookkeeping state, distinct from
// (and never exposed as) domain.OrderState. Grounded on the reference
// implementation's internal _OrderState enum, which the public
// OrderState enum does not carry.
type InternalState int

const (
	StateInitializing InternalState = iota
	StateCreatingOrder
	StateMonitoringOrder
	StateUpdatingOrder
	StateWaitCancelConfirm
)

// traceState logs an executor-internal bookkeeping transition at debug
// level. InternalState is never exposed on a report or event; it exists
// purely so a verbose log stream can show where in the order lifecycle a
// stuck execution is, mirroring the reference implementation's internal
// state field in its debug logging.
func (b *Base) traceState(orderID string, s InternalState) {
	slog.Debug("executor: state transition", slog.String("order_id", orderID), slog.Int("state", int(s)))
}

// Base holds everything both executor variants share: configuration, the
// event bus, and the reprice policy built from config.
type Base struct {
	Cfg    config.ExecutorConfig
	Bus    *event.Bus
	Policy reprice.Policy
}

// NewBase builds the shared core. It also builds a reprice Policy from cfg
// and stores it on Base; the executors do not consult it for reprice
// decisions, both variants call reprice.Decide with repriceCfgFrom(cfg).
func NewBase(cfg config.ExecutorConfig, bus *event.Bus) *Base {
	policy := reprice.Build(reprice.Config{
		MinChangePct:       cfg.Reprice.MinReprizeThresholdPct,
		ElapsedOverrideSec: cfg.Reprice.ElapsedOverrideSeconds,
		HasElapsedOverride: cfg.Reprice.HasElapsedOverride,
	})
	return &Base{Cfg: cfg, Bus: bus, Policy: policy}
}

func (b *Base) emit(name event.EventName, orderID, symbol, exchangeID string, payload map[string]any) {
	if b.Bus == nil {
		return
	}
	b.Bus.Emit(event.StructuredEvent{
		Name: name, OrderID: orderID, Symbol: symbol, ExchangeID: exchangeID,
		TimestampMs: time.Now().UnixMilli(), Payload: payload,
	})
}

// limitPriceFor returns the maker price a request should rest at: join
// the best bid for a buy, the best ask for a sell.
func limitPriceFor(req domain.OrderRequest, book adapter.BookTop) decimal.Decimal {
	if req.Side == domain.Sell {
		return book.BestAsk
	}
	return book.BestBid
}

// repriceCfgFrom adapts config.ExecutorConfig's reprice fields into the
// reprice package's pure-function Config shape.
func repriceCfgFrom(cfg config.ExecutorConfig) reprice.Config {
	return reprice.Config{
		MinChangePct:       cfg.Reprice.MinReprizeThresholdPct,
		ElapsedOverrideSec: cfg.Reprice.ElapsedOverrideSeconds,
		HasElapsedOverride: cfg.Reprice.HasElapsedOverride,
	}
}

// checkTimeout reports whether submitTS has exceeded the configured
// timeout_duration as of now.
func (b *Base) checkTimeout(submitTS time.Time, now time.Time) bool {
	return now.Sub(submitTS) >= b.Cfg.TimeoutDuration
}

// spreadBlocked reports whether the BEST_PRICE strategy's spread gate
// should hold submission: spread wider than max_spread_pct.
func (b *Base) spreadBlocked(book adapter.BookTop) bool {
	if b.Cfg.Strategy != config.StrategyBestPrice {
		return false
	}
	maxSpread := decimal.NewFromFloat(b.Cfg.MaxSpreadPct)
	return book.SpreadPct().GreaterThan(maxSpread)
}

// waitForSpread polls the order book until the spread narrows below the
// gate, emitting order_spread_blocked on every blocked check, or returns
// ErrSpreadTooWide once MaxSpreadWaitAttempts is exhausted (Open
// Question #2's resolved policy).
func (b *Base) waitForSpread(ctx context.Context, ex adapter.Exchange, req domain.OrderRequest, startedAt time.Time) (adapter.BookTop, error) {
	attempts := b.Cfg.MaxSpreadWaitAttempts
	if attempts <= 0 {
		attempts = 10
	}
	for i := 0; i < attempts; i++ {
		book, err := ex.FetchOrderBook(ctx, req.Symbol)
		if err != nil {
			return adapter.BookTop{}, fmt.Errorf("%w: fetch_order_book: %v", ErrAdapter, err)
		}
		if !b.spreadBlocked(book) {
			return book, nil
		}
		b.emit(event.OrderSpreadBlocked, "", req.Symbol, req.ExchangeID, map[string]any{
			"spread_pct":      book.SpreadPct().String(),
			"elapsed_ms":      time.Since(startedAt).Milliseconds(),
			"attempt":         i + 1,
		})
		select {
		case <-ctx.Done():
			return adapter.BookTop{}, ctx.Err()
		case <-time.After(200 * time.Millisecond):
		}
	}
	return adapter.BookTop{}, ErrSpreadTooWide
}

// cancelPendingOrders is the shared best-effort cleanup: cancel the
// specific order if given, swallow and log any failure. Never raised —
// cancellation during cleanup is always best-effort. Emits order_cancelled
// on a successful cancel (a reprice replace or a timeout before taker
// fallback); a failed cancel attempt is not reported as cancelled since
// the resting order may still be live on the exchange.
func (b *Base) cancelPendingOrders(ctx context.Context, ex adapter.Exchange, orderID, symbol, exchangeID string) {
	if orderID == "" {
		return
	}
	if err := ex.CancelOrder(ctx, orderID, symbol); err != nil {
		slog.Debug("executor: cancel_order failed during cleanup (non-fatal)",
			slog.String("order_id", orderID), slog.String("symbol", symbol), slog.Any("err", err))
		return
	}
	b.emit(event.OrderCancelled, orderID, symbol, exchangeID, nil)
}

// pollUntilTerminal polls fetch_order until the order reaches a terminal
// domain.OrderState, an attempt budget is exhausted, or ctx is done.
func (b *Base) pollUntilTerminal(ctx context.Context, ex adapter.Exchange, orderID, symbol string, interval time.Duration, maxAttempts int) (adapter.OrderSnapshot, error) {
	for i := 0; i < maxAttempts; i++ {
		snap, err := ex.FetchOrder(ctx, orderID, symbol)
		if err == nil && snap.State.IsTerminal() {
			return snap, nil
		}
		if err != nil {
			slog.Debug("executor: fetch_order failed while polling", slog.String("order_id", orderID), slog.Any("err", err))
		}
		select {
		case <-ctx.Done():
			return adapter.OrderSnapshot{}, ctx.Err()
		case <-time.After(interval):
		}
	}
	return adapter.OrderSnapshot{}, fmt.Errorf("%w: order %s did not reach terminal state", ErrAdapter, orderID)
}

// executeTakerFallback is the shared timeout/rejection -> taker logic
// both variants delegate to: emit maker_timeout_taker_fallback, create a
// market order for the remaining amount, poll it to a terminal state,
// and build the final report. Grounded on the reference implementation's
// execute_taker_fallback, which emits its fallback event before
// attempting the market order.
func (b *Base) executeTakerFallback(ctx context.Context, ex adapter.Exchange, req domain.OrderRequest, open *domain.OpenOrder, reason string) (*domain.ExecutionReport, error) {
	makerOpenDuration := time.Since(open.SubmitTS)
	b.emit(event.MakerTimeoutTakerFallback, open.OrderID, req.Symbol, req.ExchangeID, map[string]any{
		"reason":                reason,
		"maker_open_duration_ms": makerOpenDuration.Milliseconds(),
	})

	remaining := req
	remaining.Amount = open.RemainingAmount

	takerID, err := ex.CreateMarketOrder(ctx, remaining)
	if err != nil {
		rb := domain.NewReportBuilder(open.OrderID, req.ExchangeID, req.Symbol).
			WithFinalState(domain.StateFailed).
			WithFailureReason(fmt.Sprintf("taker fallback create failed: %v", err)).
			WithTimes(open.SubmitTS, time.Now())
		report, buildErr := rb.Build()
		if buildErr != nil {
			return nil, buildErr
		}
		return report, fmt.Errorf("%w: %v", ErrTakerFallbackFailed, err)
	}

	snap, err := b.pollUntilTerminal(ctx, ex, takerID, req.Symbol, 50*time.Millisecond, 40)
	closeTS := time.Now()
	rb := domain.NewReportBuilder(open.OrderID, req.ExchangeID, req.Symbol).WithTimes(open.SubmitTS, closeTS)
	if err != nil || snap.State != domain.StateFilled {
		b.emit(event.OrderRejected, open.OrderID, req.Symbol, req.ExchangeID, map[string]any{"reason": "taker_fallback_rejected"})
		report, buildErr := rb.WithFinalState(domain.StateFailed).
			WithFailureReason("taker fallback rejected").Build()
		if buildErr != nil {
			return nil, buildErr
		}
		return report, nil
	}

	b.emit(event.OrderFillComplete, open.OrderID, req.Symbol, req.ExchangeID, map[string]any{
		"filled": snap.FilledAmount.String(), "avg_price": snap.AvgPrice.String(),
	})
	report, buildErr := rb.WithFinalState(domain.StateFilled).WithFill(snap.FilledAmount, snap.AvgPrice).Build()
	if buildErr != nil {
		return nil, buildErr
	}
	return report, nil
}
