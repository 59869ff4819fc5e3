package router

import (
	"fmt"
	"strings"

	"multiexec/internal/domain"
)

// FormatAlert renders a batch of execution reports into the operator
// alert text. Grammar:
//
//	=== Order Batch Summary ===
//	filled: <F>  timeout: <T>  rejected: <R>  orphaned: <O>
//	[<STATE>] <SYMBOL> <SIDE> order=<ID>[ fill=<QTY>@<PRICE>][ latency=<MS>ms]
//
// Orphaned orders (exchange_not_found) render their own line shape:
//
//	[exchange_not_found] <SYMBOL> <SIDE> order=<ID> exchange=<EXCHANGE_ID>
func FormatAlert(reports []*domain.ExecutionReport, requests []domain.OrderRequest) string {
	var filled, timeout, rejected, orphaned int
	for _, r := range reports {
		switch {
		case r.FailureReason() == "exchange_not_found":
			orphaned++
		case r.FinalState() == domain.StateFilled:
			filled++
		case r.FinalState() == domain.StateFailed && strings.Contains(r.FailureReason(), "timeout"):
			timeout++
		case r.FinalState() == domain.StateRejected:
			rejected++
		}
	}

	var b strings.Builder
	b.WriteString("=== Order Batch Summary ===\n")
	fmt.Fprintf(&b, "filled: %d  timeout: %d  rejected: %d  orphaned: %d\n", filled, timeout, rejected, orphaned)

	for i, r := range reports {
		var req domain.OrderRequest
		if i < len(requests) {
			req = requests[i]
		}
		if r.FailureReason() == "exchange_not_found" {
			fmt.Fprintf(&b, "[exchange_not_found] %s %s order=%s exchange=%s\n",
				req.Symbol, sideLabel(req.Side), orderIDOrDash(r.OrderID()), req.ExchangeID)
			continue
		}

		line := fmt.Sprintf("[%s] %s %s order=%s", stateLabel(r.FinalState()), r.Symbol(), sideLabel(req.Side), r.OrderID())
		if r.FinalState() == domain.StateFilled {
			line += fmt.Sprintf(" fill=%s@%s", r.FilledAmount().String(), r.AvgPrice().String())
		}
		if ms := r.FillLatencyMs(); ms > 0 {
			line += fmt.Sprintf(" latency=%dms", ms)
		}
		b.WriteString(line)
		b.WriteString("\n")
	}

	return b.String()
}

func sideLabel(s domain.Side) string {
	if s == domain.Sell {
		return "sell"
	}
	return "buy"
}

func stateLabel(s domain.OrderState) string {
	switch s {
	case domain.StateFilled:
		return "filled"
	case domain.StateRejected:
		return "rejected"
	case domain.StateFailed:
		return "failed"
	case domain.StateCancelled:
		return "cancelled"
	default:
		return "unknown"
	}
}

func orderIDOrDash(id string) string {
	if id == "" {
		return "-"
	}
	return id
}
