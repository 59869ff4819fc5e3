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

// WsExecutor is the event-driven monitoring variant: concurrently
// consumes the order-book and order-status streams, scheduled only by
// stream events, the timeout deadline, or the staleness timer — no
// timed polling while both streams are quiet. Falls back to RestExecutor
// for monitoring once the WS circuit opens.
type WsExecutor struct {
	*Base
	restFallback *RestExecutor
}

// NewWsExecutor wraps the shared core, reusing a RestExecutor instance
// for its REST-fallback monitoring path so the two variants never drift
// in report schema or event field names.
func NewWsExecutor(base *Base) *WsExecutor {
	return &WsExecutor{Base: base, restFallback: NewRestExecutor(base)}
}

func (e *WsExecutor) Execute(ctx context.Context, ex adapter.Exchange, req domain.OrderRequest, sess *session.Session) (*domain.ExecutionReport, error) {
	if err := req.Validate(); err != nil {
		rb := domain.NewReportBuilder("", req.ExchangeID, req.Symbol).
			WithFinalState(domain.StateFailed).WithFailureReason(err.Error())
		return rb.Build()
	}

	if err := sess.Acquire(ctx); err != nil {
		return nil, err
	}
	defer sess.Release()

	if sess.IsCircuitOpen() {
		// Already REST-only for this exchange this batch.
		return e.restFallback.Execute(ctx, ex, req, sess)
	}

	if req.Type == domain.Taker {
		return e.executeTaker(ctx, ex, req, sess)
	}
	return e.executeMaker(ctx, ex, req, sess)
}

func (e *WsExecutor) executeTaker(ctx context.Context, ex adapter.Exchange, req domain.OrderRequest, sess *session.Session) (*domain.ExecutionReport, error) {
	e.traceState("", StateCreatingOrder)
	submitTS := time.Now()
	orderID, err := ex.CreateMarketOrder(ctx, req)
	if err != nil {
		rb := domain.NewReportBuilder("", req.ExchangeID, req.Symbol).
			WithFinalState(domain.StateFailed).WithFailureReason(fmt.Sprintf("create_market_order failed: %v", err))
		return rb.Build()
	}
	e.emit(event.OrderSubmitted, orderID, req.Symbol, req.ExchangeID, map[string]any{"type": "taker"})

	ordersCh, err := e.watchOrdersWithBackoff(ctx, ex, sess, req, 1)
	if err != nil {
		// Circuit already open on first attempt: fall back to REST poll.
		snap, perr := e.pollUntilTerminal(ctx, ex, orderID, req.Symbol, 100*time.Millisecond, 100)
		return e.finishTaker(req, orderID, submitTS, snap, perr)
	}

	deadline := time.NewTimer(e.Cfg.TimeoutDuration)
	defer deadline.Stop()

	for {
		select {
		case snap, ok := <-ordersCh:
			if !ok {
				ordersCh, err = e.watchOrdersWithBackoff(ctx, ex, sess, req, 1)
				if err != nil {
					snap2, perr := e.pollUntilTerminal(ctx, ex, orderID, req.Symbol, 100*time.Millisecond, 100)
					return e.finishTaker(req, orderID, submitTS, snap2, perr)
				}
				continue
			}
			if snap.OrderID != orderID {
				continue
			}
			if snap.State.IsTerminal() {
				return e.finishTaker(req, orderID, submitTS, snap, nil)
			}
		case <-deadline.C:
			return e.finishTaker(req, orderID, submitTS, adapter.OrderSnapshot{}, ErrOrderTimedOut)
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

func (e *WsExecutor) finishTaker(req domain.OrderRequest, orderID string, submitTS time.Time, snap adapter.OrderSnapshot, err error) (*domain.ExecutionReport, error) {
	rb := domain.NewReportBuilder(orderID, req.ExchangeID, req.Symbol).WithTimes(submitTS, time.Now())
	if err != nil || snap.State != domain.StateFilled {
		e.emit(event.OrderRejected, orderID, req.Symbol, req.ExchangeID, nil)
		return rb.WithFinalState(domain.StateFailed).WithFailureReason("taker order not filled").Build()
	}
	e.emit(event.OrderFillComplete, orderID, req.Symbol, req.ExchangeID, map[string]any{
		"filled": snap.FilledAmount.String(), "avg_price": snap.AvgPrice.String(),
	})
	return rb.WithFinalState(domain.StateFilled).WithFill(snap.FilledAmount, snap.AvgPrice).Build()
}

func (e *WsExecutor) executeMaker(ctx context.Context, ex adapter.Exchange, req domain.OrderRequest, sess *session.Session) (*domain.ExecutionReport, error) {
	submitTS := time.Now()

	book, err := e.waitForSpread(ctx, ex, req, submitTS)
	if err != nil {
		rb := domain.NewReportBuilder("", req.ExchangeID, req.Symbol).
			WithFinalState(domain.StateFailed).WithFailureReason(err.Error()).WithTimes(submitTS, time.Now())
		return rb.Build()
	}

	price := limitPriceFor(req, book)
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

	bookCh, err := e.watchBookWithBackoff(ctx, ex, sess, req, 1)
	bookAttempts := 1
	if err != nil {
		// Circuit opened before monitoring even started: go straight to REST.
		return e.restFallback.MonitorMaker(ctx, ex, req, open)
	}
	ordersCh, err := e.watchOrdersWithBackoff(ctx, ex, sess, req, 1)
	ordersAttempts := 1
	if err != nil {
		return e.restFallback.MonitorMaker(ctx, ex, req, open)
	}
	e.traceState(open.OrderID, StateMonitoringOrder)

	deadline := time.NewTimer(e.Cfg.TimeoutDuration)
	defer deadline.Stop()
	staleness := time.NewTimer(e.Cfg.WsStalenessWindow)
	defer staleness.Stop()

	for {
		select {
		case book, ok := <-bookCh:
			if !ok {
				bookAttempts++
				var berr error
				bookCh, berr = e.watchBookWithBackoff(ctx, ex, sess, req, bookAttempts)
				if berr != nil {
					e.emit(event.WsRestFallback, open.OrderID, req.Symbol, req.ExchangeID, nil)
					return e.restFallback.MonitorMaker(ctx, ex, req, open)
				}
				continue
			}
			open.LastEventTS = time.Now()
			resetTimer(staleness, e.Cfg.WsStalenessWindow)
			e.maybeRepriceWS(ctx, ex, req, open, book)

		case snap, ok := <-ordersCh:
			if !ok {
				ordersAttempts++
				var oerr error
				ordersCh, oerr = e.watchOrdersWithBackoff(ctx, ex, sess, req, ordersAttempts)
				if oerr != nil {
					e.emit(event.WsRestFallback, open.OrderID, req.Symbol, req.ExchangeID, nil)
					return e.restFallback.MonitorMaker(ctx, ex, req, open)
				}
				continue
			}
			if snap.OrderID != open.OrderID {
				continue
			}
			open.LastEventTS = time.Now()
			resetTimer(staleness, e.Cfg.WsStalenessWindow)

			if snap.State == domain.StateFilled {
				e.emit(event.OrderFillComplete, open.OrderID, req.Symbol, req.ExchangeID, map[string]any{
					"filled": snap.FilledAmount.String(), "avg_price": snap.AvgPrice.String(),
				})
				rb := domain.NewReportBuilder(open.OrderID, req.ExchangeID, req.Symbol).WithTimes(submitTS, time.Now())
				return rb.WithFinalState(domain.StateFilled).WithFill(snap.FilledAmount, snap.AvgPrice).Build()
			}
			if snap.State == domain.StateRejected {
				sev := ClassifyRejection(snap.RejectReason)
				if sev == SeverityFatal {
					e.emit(event.OrderRejected, open.OrderID, req.Symbol, req.ExchangeID, map[string]any{"reason": snap.RejectReason})
					rb := domain.NewReportBuilder(open.OrderID, req.ExchangeID, req.Symbol).WithTimes(submitTS, time.Now())
					return rb.WithFinalState(domain.StateRejected).WithFailureReason(snap.RejectReason).Build()
				}
				continue // transient: retry on next event
			}
			if snap.FilledAmount.GreaterThan(open.FilledAmount) {
				open.FilledAmount = snap.FilledAmount
				open.RemainingAmount = snap.RemainingAmount
				open.State = domain.StatePartiallyFilled
				e.emit(event.OrderFillPartial, open.OrderID, req.Symbol, req.ExchangeID, map[string]any{
					"filled": snap.FilledAmount.String(), "remaining": snap.RemainingAmount.String(),
				})
			}

		case <-staleness.C:
			elapsed := time.Since(open.LastEventTS)
			e.emit(event.WsStalenessFallback, open.OrderID, req.Symbol, req.ExchangeID, map[string]any{
				"elapsed_ms": elapsed.Milliseconds(),
			})
			snap, err := ex.FetchOrder(ctx, open.OrderID, req.Symbol)
			if err == nil && snap.State == domain.StateFilled {
				e.emit(event.OrderFillComplete, open.OrderID, req.Symbol, req.ExchangeID, map[string]any{
					"filled": snap.FilledAmount.String(), "avg_price": snap.AvgPrice.String(),
				})
				rb := domain.NewReportBuilder(open.OrderID, req.ExchangeID, req.Symbol).WithTimes(submitTS, time.Now())
				return rb.WithFinalState(domain.StateFilled).WithFill(snap.FilledAmount, snap.AvgPrice).Build()
			}
			// Still open: never cancel, remain in monitoring, re-arm.
			resetTimer(staleness, e.Cfg.WsStalenessWindow)

		case <-deadline.C:
			e.cancelPendingOrders(ctx, ex, open.OrderID, req.Symbol, req.ExchangeID)
			e.emit(event.OrderTimedOut, open.OrderID, req.Symbol, req.ExchangeID, nil)
			return e.executeTakerFallback(ctx, ex, req, open, "ws_timeout")

		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

// maybeRepriceWS applies the reprice policy to a freshly streamed book
// top, cancelling and replacing the resting order when the policy says
// to reprice.
func (e *WsExecutor) maybeRepriceWS(ctx context.Context, ex adapter.Exchange, req domain.OrderRequest, open *domain.OpenOrder, book adapter.BookTop) {
	best := limitPriceFor(req, book)
	elapsed := time.Since(open.SubmitTS).Seconds()
	decision := reprice.Decide(open.CurrentPrice, best, elapsed, repriceCfgFrom(e.Cfg))

	switch decision.Kind {
	case reprice.KindSuppress:
		e.emit(event.OrderRepriceSuppressed, open.OrderID, req.Symbol, req.ExchangeID, map[string]any{
			"actual": decision.ChangePct.String(), "threshold": e.Cfg.Reprice.MinReprizeThresholdPct.String(),
		})
	case reprice.KindReprice, reprice.KindElapsedOverride:
		e.cancelPendingOrders(ctx, ex, open.OrderID, req.Symbol, req.ExchangeID)
		newID, err := ex.CreateLimitOrder(ctx, req, decision.NewPrice)
		if err != nil {
			return
		}
		e.emit(event.OrderRepriced, newID, req.Symbol, req.ExchangeID, map[string]any{
			"prev": open.CurrentPrice.String(), "new": decision.NewPrice.String(),
		})
		open.OrderID = newID
		open.CurrentPrice = decision.NewPrice
	}
}

// watchBookWithBackoff dials watch_order_book, retrying through the
// reconnect backoff ladder and opening the session's circuit after
// ws_max_reconnect_attempts consecutive failures, per spec.md §4.4.b.
func (e *WsExecutor) watchBookWithBackoff(ctx context.Context, ex adapter.Exchange, sess *session.Session, req domain.OrderRequest, attempt int) (<-chan adapter.BookTop, error) {
	return reconnectLoop(e, ctx, sess, req, attempt, func() (<-chan adapter.BookTop, error) {
		return ex.WatchOrderBook(ctx, req.Symbol)
	})
}

func (e *WsExecutor) watchOrdersWithBackoff(ctx context.Context, ex adapter.Exchange, sess *session.Session, req domain.OrderRequest, attempt int) (<-chan adapter.OrderSnapshot, error) {
	return reconnectLoop(e, ctx, sess, req, attempt, func() (<-chan adapter.OrderSnapshot, error) {
		return ex.WatchOrders(ctx, req.Symbol)
	})
}

// reconnectLoop runs try once; on success it clears the session's WS
// breaker failure count. On failure it records one failure against that
// breaker — once the breaker's configured threshold (ws_max_reconnect_
// attempts, set on Session construction) trips, it emits ws_circuit_open
// exactly once and returns ErrWsCircuitOpen instead of continuing to
// retry. Otherwise it emits ws_reconnect_attempt, sleeps the table delay
// for attempt, and recurses. Generic over the stream's element type so
// the book and orders streams share one implementation without any
// shared mutable state between them.
func reconnectLoop[T any](e *WsExecutor, ctx context.Context, sess *session.Session, req domain.OrderRequest, attempt int, try func() (<-chan T, error)) (<-chan T, error) {
	if sess.IsCircuitOpen() {
		return nil, ErrWsCircuitOpen
	}

	ch, err := try()
	if err == nil {
		sess.RecordWsSuccess()
		return ch, nil
	}

	sess.RecordWsFailure()
	if sess.IsCircuitOpen() {
		e.emit(event.WsCircuitOpen, "", req.Symbol, req.ExchangeID, nil)
		return nil, ErrWsCircuitOpen
	}

	delay := infra.WSReconnectDelay(attempt, time.Duration(e.Cfg.WsReconnectCapMs)*time.Millisecond)
	e.emit(event.WsReconnectAttempt, "", req.Symbol, req.ExchangeID, map[string]any{
		"attempt_number": attempt, "delay_ms": delay.Milliseconds(),
	})
	select {
	case <-ctx.Done():
		var zero <-chan T
		return zero, ctx.Err()
	case <-time.After(delay):
	}
	return reconnectLoop(e, ctx, sess, req, attempt+1, try)
}

func resetTimer(t *time.Timer, d time.Duration) {
	if !t.Stop() {
		select {
		case <-t.C:
		default:
		}
	}
	t.Reset(d)
}
