package config

import "errors"

// ErrConfigInvalid is the only error class allowed to prevent batch
// start; every other failure is recovered locally or becomes a single
// order's failed report.
var ErrConfigInvalid = errors.New("config invalid")
