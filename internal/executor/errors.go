package executor

import (
	"errors"

	"multiexec/internal/config"
)

// ErrConfigInvalid is the only error class allowed to prevent batch
// start; re-exported from config so callers need only import executor.
var ErrConfigInvalid = config.ErrConfigInvalid

// Error kinds the core distinguishes, per the error-handling design:
// transient errors are recovered locally, terminal errors for an order
// never escape Execute — they become a failed/rejected/timed_out report
// with a reason string instead.
var (
	ErrExchangeNotFound    = errors.New("exchange not found")
	ErrSpreadTooWide       = errors.New("spread too wide")       // transient
	ErrOrderRejected       = errors.New("order rejected")
	ErrOrderTimedOut       = errors.New("order timed out")
	ErrTakerFallbackFailed = errors.New("taker fallback failed")
	ErrWsDisconnected      = errors.New("websocket disconnected") // transient
	ErrWsCircuitOpen       = errors.New("websocket circuit open")
	ErrStaleMonitoring     = errors.New("stale monitoring")       // transient
	ErrAdapter             = errors.New("adapter error")
	ErrValidation          = errors.New("validation error")
)
