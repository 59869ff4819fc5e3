// Command execdemo wires a simulated multi-exchange setup through the
// router end to end and prints the resulting batch alert, the same
// bootstrap shape (signal-aware context, structured logging, graceful
// teardown) the rest of this codebase's entry points use.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/shopspring/decimal"

	"multiexec/internal/adapter"
	"multiexec/internal/adapter/simulated"
	"multiexec/internal/audit"
	"multiexec/internal/config"
	"multiexec/internal/domain"
	"multiexec/internal/event"
	"multiexec/internal/infra"
	"multiexec/internal/router"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx); err != nil {
		slog.Error("execdemo: run failed", slog.Any("error", err))
		os.Exit(1)
	}
}

func run(ctx context.Context) error {
	workDir := infra.GetWorkspaceDir()
	if err := infra.EnsureDir(workDir); err != nil {
		return fmt.Errorf("prepare workspace dir: %w", err)
	}
	unlock, err := infra.CreateLockFile(workDir)
	if err != nil {
		return err
	}
	defer unlock()

	cfg := config.DefaultExecutorConfig()
	if loaded, err := config.Load(infra.ResolveConfigPath()); err == nil {
		cfg = loaded.Executor
	}

	bus := event.NewBus()
	bus.Register(event.SlogSink{})

	journal, err := audit.Open(workDir + "/execdemo_batch.db")
	if err != nil {
		return fmt.Errorf("open audit journal: %w", err)
	}
	defer journal.Close()
	bus.Register(journal)

	alpha, err := simulated.New("alpha", true)
	if err != nil {
		return fmt.Errorf("start simulated exchange alpha: %w", err)
	}
	defer alpha.Close()
	alpha.SeedBook("BTC-USDT", decimal.NewFromInt(60000), decimal.NewFromInt(60010))

	beta, err := simulated.New("beta", false)
	if err != nil {
		return fmt.Errorf("start simulated exchange beta: %w", err)
	}
	defer beta.Close()
	beta.SeedBook("ETH-USDT", decimal.NewFromInt(3000), decimal.NewFromInt(3001))

	exchanges := map[string]adapter.Exchange{
		alpha.ID(): alpha,
		beta.ID():  beta,
	}

	infra.PrintBanner(string(cfg.Strategy), len(exchanges), "execdemo")

	batch := domain.OrderBatch{Orders: []domain.OrderRequest{
		{Symbol: "BTC-USDT", Side: domain.Buy, Amount: decimal.NewFromFloat(0.01), Type: domain.Maker, ExchangeID: "alpha"},
		{Symbol: "ETH-USDT", Side: domain.Sell, Amount: decimal.NewFromFloat(0.5), Type: domain.Taker, ExchangeID: "beta"},
		{Symbol: "XRP-USDT", Side: domain.Buy, Amount: decimal.NewFromInt(100), Type: domain.Taker, ExchangeID: "unknown-exchange"},
	}}

	batchCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()

	r := router.New(cfg, bus)
	reports, err := r.ExecuteOrders(batchCtx, exchanges, batch)
	if err != nil {
		return fmt.Errorf("execute batch: %w", err)
	}

	fmt.Print(router.FormatAlert(reports, batch.Orders))
	slog.Info("execdemo: batch complete", slog.Int("events", len(bus.Log())), slog.Int64("dropped", bus.DroppedCount()))
	return nil
}
