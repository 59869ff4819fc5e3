package executor

import (
	"context"
	"fmt"
	"time"

	"multiexec/internal/adapter"
	"multiexec/internal/domain"
	"multiexec/internal/event"
	"multiexec/internal/infra"
	"multiexec/internal/reprice"
	"multiexec/internal/session"
)

// RestExecutor is the poll-based monitoring variant: fetch_order at a
// bounded, adaptive cadence, fetch_order_book for reprice evaluation.
// Event field names and report schema are identical to WsExecutor.
type RestExecutor struct {
	*Base
}

// NewRestExecutor wraps the shared core.
func NewRestExecutor(base *Base) *RestExecutor {
	return &RestExecutor{Base: base}
}

// adaptivePollInterval returns 200ms while elapsed < 10s, else 1s,
// matching the reference implementation's _adaptive_sleep_interval.
func adaptivePollInterval(elapsed time.Duration) time.Duration {
	if elapsed < 10*time.Second {
		return 200 * time.Millisecond
	}
	return time.Second
}

func (e *RestExecutor) Execute(ctx context.Context, ex adapter.Exchange, req domain.OrderRequest, sess *session.Session) (*domain.ExecutionReport, error) {
	if err := req.Validate(); err != nil {
		rb := domain.NewReportBuilder("", req.ExchangeID, req.Symbol).
			WithFinalState(domain.StateFailed).WithFailureReason(err.Error())
		return rb.Build()
	}

	if err := sess.Acquire(ctx); err != nil {
		return nil, err
	}
	defer sess.Release()

	if req.Type == domain.Taker {
		return e.executeTaker(ctx, ex, req)
	}
	return e.executeMaker(ctx, ex, req)
}

func (e *RestExecutor) executeTaker(ctx context.Context, ex adapter.Exchange, req domain.OrderRequest) (*domain.ExecutionReport, error) {
	e.traceState("", StateCreatingOrder)
	submitTS := time.Now()
	orderID, err := ex.CreateMarketOrder(ctx, req)
	if err != nil {
		rb := domain.NewReportBuilder("", req.ExchangeID, req.Symbol).
			WithFinalState(domain.StateFailed).WithFailureReason(fmt.Sprintf("create_market_order failed: %v", err))
		return rb.Build()
	}
	e.emit(event.OrderSubmitted, orderID, req.Symbol, req.ExchangeID, map[string]any{"type": "taker"})

	snap, err := e.pollUntilTerminal(ctx, ex, orderID, req.Symbol, 100*time.Millisecond, 100)
	closeTS := time.Now()
	rb := domain.NewReportBuilder(orderID, req.ExchangeID, req.Symbol).WithTimes(submitTS, closeTS)
	if err != nil || snap.State != domain.StateFilled {
		e.emit(event.OrderRejected, orderID, req.Symbol, req.ExchangeID, nil)
		return rb.WithFinalState(domain.StateFailed).WithFailureReason("taker order not filled").Build()
	}
	e.emit(event.OrderFillComplete, orderID, req.Symbol, req.ExchangeID, map[string]any{
		"filled": snap.FilledAmount.String(), "avg_price": snap.AvgPrice.String(),
	})
	return rb.WithFinalState(domain.StateFilled).WithFill(snap.FilledAmount, snap.AvgPrice).Build()
}

func (e *RestExecutor) executeMaker(ctx context.Context, ex adapter.Exchange, req domain.OrderRequest) (*domain.ExecutionReport, error) {
	e.traceState("", StateInitializing)
	submitTS := time.Now()

	book, err := e.waitForSpread(ctx, ex, req, submitTS)
	if err != nil {
		rb := domain.NewReportBuilder("", req.ExchangeID, req.Symbol).
			WithFinalState(domain.StateFailed).WithFailureReason(err.Error()).WithTimes(submitTS, time.Now())
		return rb.Build()
	}

	price := limitPriceFor(req, book)
	e.traceState("", StateCreatingOrder)
	orderID, err := ex.CreateLimitOrder(ctx, req, price)
	if err != nil {
		rb := domain.NewReportBuilder("", req.ExchangeID, req.Symbol).
			WithFinalState(domain.StateFailed).WithFailureReason(fmt.Sprintf("create_limit_order failed: %v", err)).WithTimes(submitTS, time.Now())
		return rb.Build()
	}
	e.emit(event.OrderSubmitted, orderID, req.Symbol, req.ExchangeID, map[string]any{"price": price.String()})

	open := &domain.OpenOrder{
		OrderID: orderID, Request: req, SubmitTS: submitTS, CurrentPrice: price,
		RemainingAmount: req.Amount, State: domain.StateMonitoring, LastEventTS: submitTS,
	}

	return e.MonitorMaker(ctx, ex, req, open)
}

// MonitorMaker runs the poll-based maker monitoring loop for an already
// submitted open order: fetch_order for fill detection, fetch_order_book
// for reprice, timeout -> taker fallback. Exported so the WebSocket
// executor can delegate to the identical REST monitoring logic once its
// circuit breaker opens (spec.md's ws_rest_fallback path).
func (e *RestExecutor) MonitorMaker(ctx context.Context, ex adapter.Exchange, req domain.OrderRequest, open *domain.OpenOrder) (*domain.ExecutionReport, error) {
	submitTS := open.SubmitTS
	orderID := open.OrderID
	consecutiveFailures := 0
	e.traceState(orderID, StateMonitoringOrder)
	for {
		now := time.Now()
		if e.checkTimeout(submitTS, now) {
			e.traceState(orderID, StateWaitCancelConfirm)
			e.cancelPendingOrders(ctx, ex, orderID, req.Symbol, req.ExchangeID)
			e.emit(event.OrderTimedOut, orderID, req.Symbol, req.ExchangeID, nil)
			return e.executeTakerFallback(ctx, ex, req, open, "rest_timeout")
		}

		snap, err := ex.FetchOrder(ctx, orderID, req.Symbol)
		if err != nil {
			consecutiveFailures++
			delay, ok := infra.RestFetchBackoffDelay(consecutiveFailures)
			if !ok {
				e.cancelPendingOrders(ctx, ex, orderID, req.Symbol, req.ExchangeID)
				return e.executeTakerFallback(ctx, ex, req, open, "rest_fetch_exhausted")
			}
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(delay):
			}
			continue
		}
		consecutiveFailures = 0

		if snap.State == domain.StateFilled {
			e.emit(event.OrderFillComplete, orderID, req.Symbol, req.ExchangeID, map[string]any{
				"filled": snap.FilledAmount.String(), "avg_price": snap.AvgPrice.String(),
			})
			rb := domain.NewReportBuilder(orderID, req.ExchangeID, req.Symbol).WithTimes(submitTS, time.Now())
			return rb.WithFinalState(domain.StateFilled).WithFill(snap.FilledAmount, snap.AvgPrice).Build()
		}
		if snap.State == domain.StateRejected {
			sev := ClassifyRejection(snap.RejectReason)
			if sev == SeverityFatal {
				e.emit(event.OrderRejected, orderID, req.Symbol, req.ExchangeID, map[string]any{"reason": snap.RejectReason})
				rb := domain.NewReportBuilder(orderID, req.ExchangeID, req.Symbol).WithTimes(submitTS, time.Now())
				return rb.WithFinalState(domain.StateRejected).WithFailureReason(snap.RejectReason).Build()
			}
			// transient: fall through and retry next iteration
		}
		if snap.FilledAmount.GreaterThan(open.FilledAmount) {
			open.FilledAmount = snap.FilledAmount
			open.RemainingAmount = snap.RemainingAmount
			open.State = domain.StatePartiallyFilled
			e.emit(event.OrderFillPartial, orderID, req.Symbol, req.ExchangeID, map[string]any{
				"filled": snap.FilledAmount.String(), "remaining": snap.RemainingAmount.String(),
			})
		}

		if e.maybeReprice(ctx, ex, req, open) {
			orderID = open.OrderID // reprice may have replaced the order id
			e.traceState(orderID, StateUpdatingOrder)
		}

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(adaptivePollInterval(time.Since(submitTS))):
		}
	}
}

// maybeReprice re-checks the order book and, if the policy says to
// reprice, cancels the current order and places a new one at the new
// best price. Returns true if a replace happened.
func (e *RestExecutor) maybeReprice(ctx context.Context, ex adapter.Exchange, req domain.OrderRequest, open *domain.OpenOrder) bool {
	book, err := ex.FetchOrderBook(ctx, req.Symbol)
	if err != nil {
		return false
	}
	best := limitPriceFor(req, book)
	elapsed := time.Since(open.SubmitTS).Seconds()
	decision := reprice.Decide(open.CurrentPrice, best, elapsed, repriceCfgFrom(e.Cfg))

	switch decision.Kind {
	case reprice.KindSuppress:
		e.emit(event.OrderRepriceSuppressed, open.OrderID, req.Symbol, req.ExchangeID, map[string]any{
			"actual": decision.ChangePct.String(), "threshold": e.Cfg.Reprice.MinReprizeThresholdPct.String(),
		})
		return false
	case reprice.KindReprice, reprice.KindElapsedOverride:
		e.cancelPendingOrders(ctx, ex, open.OrderID, req.Symbol, req.ExchangeID)
		newID, err := ex.CreateLimitOrder(ctx, req, decision.NewPrice)
		if err != nil {
			return false
		}
		e.emit(event.OrderRepriced, newID, req.Symbol, req.ExchangeID, map[string]any{
			"prev": open.CurrentPrice.String(), "new": decision.NewPrice.String(),
		})
		open.OrderID = newID
		open.CurrentPrice = decision.NewPrice
		return true
	}
	return false
}
