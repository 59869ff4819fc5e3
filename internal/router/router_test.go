package router

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"multiexec/internal/adapter"
	"multiexec/internal/adapter/simulated"
	"multiexec/internal/config"
	"multiexec/internal/domain"
	"multiexec/internal/event"
)

func testCfg() config.ExecutorConfig {
	cfg := config.DefaultExecutorConfig()
	cfg.Strategy = config.StrategyFast
	cfg.TimeoutDuration = 200 * time.Millisecond
	return cfg
}

func newFakeVenue(t *testing.T, id string, ws bool, symbol string) *simulated.Simulated {
	t.Helper()
	ex, err := simulated.New(id, ws)
	if err != nil {
		t.Fatalf("failed to start simulated exchange %s: %v", id, err)
	}
	t.Cleanup(func() { ex.Close() })
	ex.SeedBook(symbol, decimal.NewFromInt(100), decimal.NewFromInt(101))
	return ex
}

func TestRouter_ExecutesOrdersAcrossExchanges(t *testing.T) {
	alpha := newFakeVenue(t, "alpha", false, "BTC-USDT")
	beta := newFakeVenue(t, "beta", false, "ETH-USDT")
	exchanges := map[string]adapter.Exchange{"alpha": alpha, "beta": beta}

	batch := domain.OrderBatch{Orders: []domain.OrderRequest{
		{Symbol: "BTC-USDT", Side: domain.Buy, Amount: decimal.NewFromInt(1), Type: domain.Taker, ExchangeID: "alpha"},
		{Symbol: "ETH-USDT", Side: domain.Sell, Amount: decimal.NewFromInt(1), Type: domain.Taker, ExchangeID: "beta"},
	}}

	r := New(testCfg(), event.NewBus())
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	reports, err := r.ExecuteOrders(ctx, exchanges, batch)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(reports) != 2 {
		t.Fatalf("expected 2 reports, got %d", len(reports))
	}
	for i, rep := range reports {
		if rep.FinalState() != domain.StateFilled {
			t.Errorf("report %d: expected filled, got %s (%s)", i, rep.FinalState(), rep.FailureReason())
		}
	}
}

func TestRouter_OrphanedOrderDoesNotAbortBatch(t *testing.T) {
	alpha := newFakeVenue(t, "alpha", false, "BTC-USDT")
	exchanges := map[string]adapter.Exchange{"alpha": alpha}

	batch := domain.OrderBatch{Orders: []domain.OrderRequest{
		{Symbol: "BTC-USDT", Side: domain.Buy, Amount: decimal.NewFromInt(1), Type: domain.Taker, ExchangeID: "alpha"},
		{Symbol: "XRP-USDT", Side: domain.Buy, Amount: decimal.NewFromInt(1), Type: domain.Taker, ExchangeID: "ghost"},
	}}

	bus := event.NewBus()
	r := New(testCfg(), bus)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	reports, err := r.ExecuteOrders(ctx, exchanges, batch)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if reports[0].FinalState() != domain.StateFilled {
		t.Errorf("expected first order to fill, got %s", reports[0].FinalState())
	}
	if reports[1].FailureReason() != "exchange_not_found" {
		t.Errorf("expected orphaned order to fail with exchange_not_found, got %q", reports[1].FailureReason())
	}

	sawOrphan := false
	for _, evt := range bus.Log() {
		if evt.Name == event.ExchangeNotFound {
			sawOrphan = true
		}
	}
	if !sawOrphan {
		t.Error("expected exchange_not_found event to be emitted")
	}
}

func TestRouter_OrphanedOrderWithEmptyExchangeIDDoesNotAbortBatch(t *testing.T) {
	alpha := newFakeVenue(t, "alpha", false, "BTC-USDT")
	exchanges := map[string]adapter.Exchange{"alpha": alpha}

	batch := domain.OrderBatch{Orders: []domain.OrderRequest{
		{Symbol: "XRP-USDT", Side: domain.Buy, Amount: decimal.NewFromInt(1), Type: domain.Taker, ExchangeID: ""},
		{Symbol: "BTC-USDT", Side: domain.Buy, Amount: decimal.NewFromInt(1), Type: domain.Taker, ExchangeID: "alpha"},
	}}

	r := New(testCfg(), event.NewBus())
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	reports, err := r.ExecuteOrders(ctx, exchanges, batch)
	if err != nil {
		t.Fatalf("expected the batch to tolerate an order with no exchange_id at all, got error: %v", err)
	}
	if reports[0].FailureReason() != "exchange_not_found" {
		t.Errorf("expected first order to fail with exchange_not_found, got %q", reports[0].FailureReason())
	}
	if reports[1].FinalState() != domain.StateFilled {
		t.Errorf("expected second order to still fill, got %s", reports[1].FinalState())
	}
}

func TestSymbolInitsFor_DedupsByDistinctSymbolAndLeverage(t *testing.T) {
	orders := []domain.OrderRequest{
		{Symbol: "BTC-USDT", Leverage: 5, Type: domain.Taker},
		{Symbol: "BTC-USDT", Leverage: 10, Type: domain.Taker},
		{Symbol: "BTC-USDT", Leverage: 5, Type: domain.Taker}, // duplicate of the first pair
		{Symbol: "ETH-USDT", Leverage: 5, Type: domain.Taker},
	}

	inits := symbolInitsFor(orders, []int{0, 1, 2, 3})
	if len(inits) != 3 {
		t.Fatalf("expected 3 distinct (symbol, leverage) inits, got %d: %+v", len(inits), inits)
	}

	seen := map[string]bool{}
	for _, in := range inits {
		seen[in.Symbol] = true
	}
	var btcLeverages []int
	for _, in := range inits {
		if in.Symbol == "BTC-USDT" {
			btcLeverages = append(btcLeverages, in.Leverage)
		}
	}
	if len(btcLeverages) != 2 {
		t.Errorf("expected two distinct BTC-USDT leverages to each get a SymbolInit, got %v", btcLeverages)
	}
}

func TestRouter_RejectsEmptyBatch(t *testing.T) {
	r := New(testCfg(), event.NewBus())
	_, err := r.ExecuteOrders(context.Background(), map[string]adapter.Exchange{}, domain.OrderBatch{})
	if err == nil {
		t.Error("expected error for empty batch")
	}
}

func TestFormatAlert_SummarizesCountsAndLines(t *testing.T) {
	requests := []domain.OrderRequest{
		{Symbol: "BTC-USDT", Side: domain.Buy, ExchangeID: "alpha"},
		{Symbol: "XRP-USDT", Side: domain.Buy, ExchangeID: "ghost"},
	}

	filledReport, err := domain.NewReportBuilder("ord-1", "alpha", "BTC-USDT").
		WithFinalState(domain.StateFilled).
		WithFill(decimal.NewFromFloat(0.5), decimal.NewFromInt(60000)).
		WithTimes(time.Now(), time.Now().Add(120*time.Millisecond)).
		Build()
	if err != nil {
		t.Fatalf("unexpected build error: %v", err)
	}

	orphanReport, err := domain.NewReportBuilder("", "ghost", "XRP-USDT").
		WithFinalState(domain.StateFailed).WithFailureReason("exchange_not_found").Build()
	if err != nil {
		t.Fatalf("unexpected build error: %v", err)
	}

	out := FormatAlert([]*domain.ExecutionReport{filledReport, orphanReport}, requests)

	if !strings.Contains(out, "=== Order Batch Summary ===") {
		t.Error("expected summary header")
	}
	if !strings.Contains(out, "filled: 1  timeout: 0  rejected: 0  orphaned: 1") {
		t.Errorf("unexpected summary counts line, got:\n%s", out)
	}
	if !strings.Contains(out, "[filled] BTC-USDT buy order=ord-1 fill=0.5@60000 latency=120ms") {
		t.Errorf("expected filled order line, got:\n%s", out)
	}
	if !strings.Contains(out, "[exchange_not_found] XRP-USDT buy order=- exchange=ghost") {
		t.Errorf("expected orphaned order line, got:\n%s", out)
	}
}
