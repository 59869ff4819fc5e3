package executor

import (
	"context"

	"multiexec/internal/adapter"
	"multiexec/internal/domain"
	"multiexec/internal/session"
)

// Executor is the public contract both variants implement identically:
// one valid request in, exactly one immutable report out. Errors are
// captured as a failed report; nothing escapes to the router.
type Executor interface {
	Execute(ctx context.Context, ex adapter.Exchange, req domain.OrderRequest, sess *session.Session) (*domain.ExecutionReport, error)
}
