package domain

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"
)

func TestReportBuilder_BuildSealsReport(t *testing.T) {
	submit := time.Now()
	close := submit.Add(250 * time.Millisecond)

	b := NewReportBuilder("ord-1", "alpha", "BTC-USDT")
	b.WithFinalState(StateFilled).
		WithFill(decimal.NewFromFloat(0.5), decimal.NewFromInt(60000)).
		WithTimes(submit, close)

	r, err := b.Build()
	if err != nil {
		t.Fatalf("unexpected build error: %v", err)
	}
	if r.OrderID() != "ord-1" || r.ExchangeID() != "alpha" || r.Symbol() != "BTC-USDT" {
		t.Error("report correlation fields did not round-trip")
	}
	if r.FinalState() != StateFilled {
		t.Errorf("expected filled state, got %s", r.FinalState())
	}
	if r.FillLatencyMs() != 250 {
		t.Errorf("expected 250ms latency, got %d", r.FillLatencyMs())
	}

	if _, err := b.Build(); err != ErrReportSealed {
		t.Errorf("expected ErrReportSealed on second Build, got %v", err)
	}

	b.WithFinalState(StateCancelled)
	if r.FinalState() != StateFilled {
		t.Error("mutating the builder after Build must not affect the sealed report")
	}
}

func TestReportBuilder_RequiresExchangeID(t *testing.T) {
	b := NewReportBuilder("ord-1", "", "BTC-USDT").WithFinalState(StateFailed)
	if _, err := b.Build(); err == nil {
		t.Error("expected error for missing exchange_id")
	}
}

func TestReportBuilder_CloseBeforeSubmitStillBuilds(t *testing.T) {
	submit := time.Now()
	close := submit.Add(-time.Second)

	b := NewReportBuilder("ord-1", "alpha", "BTC-USDT").WithTimes(submit, close)
	if _, err := b.Build(); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestReportBuilder_FailureReason(t *testing.T) {
	b := NewReportBuilder("", "alpha", "BTC-USDT").
		WithFinalState(StateFailed).
		WithFailureReason("exchange_not_found")

	r, err := b.Build()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if r.FailureReason() != "exchange_not_found" {
		t.Errorf("expected failure reason to round-trip, got %q", r.FailureReason())
	}
}
