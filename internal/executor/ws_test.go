package executor

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"multiexec/internal/adapter"
	"multiexec/internal/config"
	"multiexec/internal/domain"
	"multiexec/internal/event"
	"multiexec/internal/session"
)

// wsScriptedExchange is a minimal adapter.Exchange whose WatchOrders /
// WatchOrderBook streams are driven directly by the test via the
// returned channels, and whose fetch/create calls are scripted like
// scriptedExchange.
type wsScriptedExchange struct {
	*scriptedExchange
	watchOrdersErr   error
	watchOrdersCh    chan adapter.OrderSnapshot
	watchBookErr     error
	watchBookCh      chan adapter.BookTop
}

func newWSScriptedExchange() *wsScriptedExchange {
	return &wsScriptedExchange{
		scriptedExchange: newScriptedExchange(),
		watchOrdersCh:    make(chan adapter.OrderSnapshot, 4),
		watchBookCh:      make(chan adapter.BookTop, 4),
	}
}

func (e *wsScriptedExchange) SupportsWebsocket() bool { return true }

func (e *wsScriptedExchange) WatchOrders(ctx context.Context, symbol string) (<-chan adapter.OrderSnapshot, error) {
	if e.watchOrdersErr != nil {
		return nil, e.watchOrdersErr
	}
	return e.watchOrdersCh, nil
}

func (e *wsScriptedExchange) WatchOrderBook(ctx context.Context, symbol string) (<-chan adapter.BookTop, error) {
	if e.watchBookErr != nil {
		return nil, e.watchBookErr
	}
	return e.watchBookCh, nil
}

func wsTestConfig() config.ExecutorConfig {
	cfg := testConfig()
	cfg.WsMaxReconnectAttempts = 1
	cfg.WsReconnectCapMs = 50
	cfg.WsStalenessWindow = time.Second
	return cfg
}

func TestWsExecutor_TakerFillsViaOrderStream(t *testing.T) {
	ex := newWSScriptedExchange()
	cfg := wsTestConfig()
	base := NewBase(cfg, event.NewBus())
	exec := NewWsExecutor(base)
	sess := session.New(ex, 5, cfg.WsMaxReconnectAttempts)

	req := domain.OrderRequest{Symbol: "BTC-USDT", Side: domain.Buy, Amount: decimal.NewFromInt(1), Type: domain.Taker, ExchangeID: "alpha"}

	done := make(chan struct{})
	var report *domain.ExecutionReport
	var execErr error
	go func() {
		report, execErr = exec.Execute(context.Background(), ex, req, sess)
		close(done)
	}()

	time.Sleep(20 * time.Millisecond)
	ex.watchOrdersCh <- adapter.OrderSnapshot{
		OrderID: "market-order", State: domain.StateFilled,
		FilledAmount: decimal.NewFromInt(1), AvgPrice: decimal.NewFromInt(101),
	}

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for WS taker execution to finish")
	}

	if execErr != nil {
		t.Fatalf("unexpected error: %v", execErr)
	}
	if report.FinalState() != domain.StateFilled {
		t.Errorf("expected filled, got %s (%s)", report.FinalState(), report.FailureReason())
	}
}

func TestWsExecutor_CircuitOpensAndFallsBackToRest(t *testing.T) {
	ex := newWSScriptedExchange()
	ex.watchBookErr = errors.New("dial failed")
	ex.orderStates["limit-order"] = []adapter.OrderSnapshot{
		{OrderID: "limit-order", State: domain.StateFilled, FilledAmount: decimal.NewFromInt(1), AvgPrice: decimal.NewFromInt(100)},
	}

	bus := event.NewBus()
	cfg := wsTestConfig()
	base := NewBase(cfg, bus)
	exec := NewWsExecutor(base)
	sess := session.New(ex, 5, cfg.WsMaxReconnectAttempts)

	req := domain.OrderRequest{Symbol: "BTC-USDT", Side: domain.Buy, Amount: decimal.NewFromInt(1), Type: domain.Maker, ExchangeID: "alpha"}
	report, err := exec.Execute(context.Background(), ex, req, sess)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if report.FinalState() != domain.StateFilled {
		t.Errorf("expected REST fallback to fill the order, got %s (%s)", report.FinalState(), report.FailureReason())
	}
	if !sess.IsCircuitOpen() {
		t.Error("expected session circuit to be open after exhausting WS reconnect attempts")
	}

	sawCircuitOpen := false
	for _, evt := range bus.Log() {
		if evt.Name == event.WsCircuitOpen {
			sawCircuitOpen = true
		}
	}
	if !sawCircuitOpen {
		t.Error("expected ws_circuit_open event to be emitted")
	}
}

func TestWsExecutor_UsesRestDirectlyWhenCircuitAlreadyOpen(t *testing.T) {
	ex := newWSScriptedExchange()
	ex.orderStates["market-order"] = []adapter.OrderSnapshot{
		{OrderID: "market-order", State: domain.StateFilled, FilledAmount: decimal.NewFromInt(1), AvgPrice: decimal.NewFromInt(100)},
	}

	cfg := wsTestConfig()
	base := NewBase(cfg, event.NewBus())
	exec := NewWsExecutor(base)
	sess := session.New(ex, 5, cfg.WsMaxReconnectAttempts)
	sess.MarkCircuitOpen()

	req := domain.OrderRequest{Symbol: "BTC-USDT", Side: domain.Buy, Amount: decimal.NewFromInt(1), Type: domain.Taker, ExchangeID: "alpha"}
	report, err := exec.Execute(context.Background(), ex, req, sess)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if report.FinalState() != domain.StateFilled {
		t.Errorf("expected filled via REST path, got %s", report.FinalState())
	}
}
