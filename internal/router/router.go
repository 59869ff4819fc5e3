// Package router is the engine's single public entry point: it
// partitions a batch by exchange, stands up a fresh session per
// exchange, dispatches each order to the right executor variant, and
// collects reports in input order.
package router

import (
	"context"
	"time"

	"multiexec/internal/adapter"
	"multiexec/internal/config"
	"multiexec/internal/domain"
	"multiexec/internal/event"
	"multiexec/internal/executor"
	"multiexec/internal/session"
)

// orphanExchangeID reports an order that named no exchange at all, a
// report still must carry the non-empty exchange_id ReportBuilder
// requires.
const orphanExchangeID = "unknown"

// Router is the stable public surface: refactors to its internals must
// never require callers to invoke additional methods.
type Router struct {
	cfg config.ExecutorConfig
	bus *event.Bus
}

// New builds a router bound to one executor configuration and event bus.
func New(cfg config.ExecutorConfig, bus *event.Bus) *Router {
	return &Router{cfg: cfg, bus: bus}
}

// ExecuteOrders is the entry point: execute_orders(exchanges, batch) ->
// list<ExecutionReport>. Orphaned orders (unknown exchange_id) produce a
// failed report and an exchange_not_found event, and never abort the
// rest of the batch.
func (r *Router) ExecuteOrders(ctx context.Context, exchanges map[string]adapter.Exchange, batch domain.OrderBatch) ([]*domain.ExecutionReport, error) {
	if err := batch.Validate(); err != nil {
		return nil, err
	}

	reports := make([]*domain.ExecutionReport, len(batch.Orders))
	byExchange := make(map[string][]int) // exchange_id -> indices into batch.Orders, input order preserved

	for i, req := range batch.Orders {
		if _, ok := exchanges[req.ExchangeID]; !ok {
			r.bus.Emit(event.StructuredEvent{
				Name: event.ExchangeNotFound, OrderID: "", Symbol: req.Symbol,
				ExchangeID: req.ExchangeID, TimestampMs: time.Now().UnixMilli(),
			})
			// ReportBuilder requires a non-empty exchange_id; an orphan
			// request with no exchange_id at all still needs a report
			// (never abort the batch for one bad order), so it's
			// reported under the orphanExchangeID sentinel instead of
			// the request's own blank id.
			reportExchangeID := req.ExchangeID
			if reportExchangeID == "" {
				reportExchangeID = orphanExchangeID
			}
			rb := domain.NewReportBuilder("", reportExchangeID, req.Symbol).
				WithFinalState(domain.StateFailed).WithFailureReason("exchange_not_found")
			report, err := rb.Build()
			if err != nil {
				return nil, err
			}
			reports[i] = report
			continue
		}
		byExchange[req.ExchangeID] = append(byExchange[req.ExchangeID], i)
	}

	for exchangeID, indices := range byExchange {
		ex := exchanges[exchangeID]
		sess := session.New(ex, r.cfg.MaxConcurrentOrdersPerExchange, r.cfg.WsMaxReconnectAttempts)

		sess.Init(ctx, symbolInitsFor(batch.Orders, indices))

		base := executor.NewBase(r.cfg, r.bus)
		restExec := executor.NewRestExecutor(base)
		wsExec := executor.NewWsExecutor(base)

		type result struct {
			idx    int
			report *domain.ExecutionReport
			err    error
		}
		resultsCh := make(chan result, len(indices))

		for _, idx := range indices {
			req := batch.Orders[idx]
			go func(idx int, req domain.OrderRequest) {
				exec := r.selectExecutor(ex, sess, req, restExec, wsExec)
				report, err := exec.Execute(ctx, ex, req, sess)
				resultsCh <- result{idx: idx, report: report, err: err}
			}(idx, req)
		}

		for range indices {
			res := <-resultsCh
			if res.err != nil && res.report == nil {
				rb := domain.NewReportBuilder("", batch.Orders[res.idx].ExchangeID, batch.Orders[res.idx].Symbol).
					WithFinalState(domain.StateFailed).WithFailureReason(res.err.Error())
				report, buildErr := rb.Build()
				if buildErr != nil {
					sess.Teardown()
					return nil, buildErr
				}
				reports[res.idx] = report
				continue
			}
			reports[res.idx] = res.report
		}

		sess.Teardown()
	}

	return reports, nil
}

// selectExecutor chooses the WS executor iff the exchange supports
// WebSocket, the order is maker-style, and the session's WS circuit is
// not already open for this exchange; otherwise REST.
func (r *Router) selectExecutor(ex adapter.Exchange, sess *session.Session, req domain.OrderRequest, restExec *executor.RestExecutor, wsExec *executor.WsExecutor) executor.Executor {
	if req.Type == domain.Maker && ex.SupportsWebsocket() && !sess.IsCircuitOpen() {
		return wsExec
	}
	return restExec
}

// symbolPair keys symbolInitsFor's dedup by (symbol, leverage): two orders
// on the same symbol at different leverage are distinct init targets,
// each needing its own set_leverage call.
type symbolPair struct {
	symbol   string
	leverage int
}

// symbolInitsFor collects the distinct (symbol, leverage) pairs for the
// given order indices, so Session.Init dedups set_margin_mode/set_leverage
// across every distinct pair in the batch for this exchange, not merely
// the first order seen for a symbol.
func symbolInitsFor(orders []domain.OrderRequest, indices []int) []session.SymbolInit {
	seen := make(map[symbolPair]int) // pair -> position in out
	var out []session.SymbolInit
	for _, idx := range indices {
		req := orders[idx]
		key := symbolPair{symbol: req.Symbol, leverage: req.Leverage}
		if pos, ok := seen[key]; ok {
			if req.Type == domain.Maker {
				out[pos].NeedsWS = true
			}
			continue
		}
		seen[key] = len(out)
		out = append(out, session.SymbolInit{
			Symbol: req.Symbol, Leverage: req.Leverage, MarginMode: req.MarginMode,
			NeedsWS: req.Type == domain.Maker,
		})
	}
	return out
}
