// Package config loads and validates the executor and reprice-policy
// configuration surface from YAML, with environment-variable overrides
// for per-exchange credentials, matching the loader convention used
// elsewhere in this codebase (load -> override with env -> validate).
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"gopkg.in/yaml.v3"
)

// Strategy selects how aggressively the executor chases price.
type Strategy string

const (
	StrategyFast      Strategy = "FAST"
	StrategyBestPrice Strategy = "BEST_PRICE"
)

// RepricePolicyConfig mirrors domain's RepricePolicyConfig entity.
type RepricePolicyConfig struct {
	MinReprizeThresholdPct decimal.Decimal `yaml:"min_reprice_threshold_pct"`
	ElapsedOverrideSeconds float64         `yaml:"elapsed_override_seconds"`
	HasElapsedOverride     bool            `yaml:"-"`
}

// ExecutorConfig mirrors domain's ExecutorConfig entity, with the
// supplemental fields original_source's ExecutorConfig also carries
// (staleness window, reconnect attempts, per-exchange concurrency bound).
type ExecutorConfig struct {
	Strategy                      Strategy      `yaml:"strategy"`
	MaxSpreadPct                  float64       `yaml:"max_spread_pct"`
	TimeoutDuration               time.Duration `yaml:"timeout_duration"`
	WsReconnectBaseDelayMs        int64         `yaml:"ws_reconnect_base_delay_ms"`
	WsReconnectCapMs              int64         `yaml:"ws_reconnect_cap_ms"`
	WsMaxReconnectAttempts        int           `yaml:"ws_max_reconnect_attempts"`
	WsStalenessWindow             time.Duration `yaml:"ws_staleness_window"`
	MaxConcurrentOrdersPerExchange int          `yaml:"max_concurrent_orders_per_exchange"`
	MaxSpreadWaitAttempts         int           `yaml:"max_spread_wait_attempts"`
	Reprice                       RepricePolicyConfig `yaml:"reprice"`
}

// DefaultExecutorConfig returns the nominal defaults spec.md's
// acceptance scenarios assume: 5 min timeout, 100ms/30s/3 WS backoff,
// 10s staleness window.
func DefaultExecutorConfig() ExecutorConfig {
	return ExecutorConfig{
		Strategy:                       StrategyBestPrice,
		MaxSpreadPct:                   0.005,
		TimeoutDuration:                5 * time.Minute,
		WsReconnectBaseDelayMs:         100,
		WsReconnectCapMs:               30000,
		WsMaxReconnectAttempts:         3,
		WsStalenessWindow:              10 * time.Second,
		MaxConcurrentOrdersPerExchange: 10,
		MaxSpreadWaitAttempts:          10,
		Reprice:                        RepricePolicyConfig{MinReprizeThresholdPct: decimal.Zero},
	}
}

// ExchangeCredentials holds a single venue's API key material, populated
// from file and optionally overridden from the environment.
type ExchangeCredentials struct {
	ID        string `yaml:"id"`
	AccessKey string `yaml:"access_key"`
	SecretKey string `yaml:"secret_key"`
}

// Config is the top-level configuration surface this repo owns loading
// for (the actual exchange adapters are external collaborators; this
// only configures the executor/router/session layer around them).
type Config struct {
	Executor  ExecutorConfig         `yaml:"executor"`
	Exchanges []ExchangeCredentials  `yaml:"exchanges"`
}

// Load reads a YAML config file, applies environment overrides for
// credentials, and validates the result. ConfigInvalid is the only
// error class allowed to prevent batch start.
func Load(path string) (*Config, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("%w: read %s: %v", ErrConfigInvalid, path, err)
	}

	cfg := Config{Executor: DefaultExecutorConfig()}
	if err := yaml.Unmarshal(raw, &cfg); err != nil {
		return nil, fmt.Errorf("%w: parse %s: %v", ErrConfigInvalid, path, err)
	}
	cfg.Executor.Reprice.HasElapsedOverride = cfg.Executor.Reprice.ElapsedOverrideSeconds > 0

	overrideWithEnv(&cfg)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// overrideWithEnv reads MULTIEXEC_<EXCHANGE_ID>_KEY / _SECRET into any
// matching exchange's credentials, the same override convention the
// existing infra loader uses for its own API keys.
func overrideWithEnv(cfg *Config) {
	for i := range cfg.Exchanges {
		ex := &cfg.Exchanges[i]
		prefix := "MULTIEXEC_" + strings.ToUpper(ex.ID) + "_"
		if v := os.Getenv(prefix + "KEY"); v != "" {
			ex.AccessKey = v
		}
		if v := os.Getenv(prefix + "SECRET"); v != "" {
			ex.SecretKey = v
		}
	}
}

// Validate checks the required-field invariants; a ConfigInvalid error
// here is the only thing allowed to prevent batch start.
func (c *Config) Validate() error {
	switch c.Executor.Strategy {
	case StrategyFast, StrategyBestPrice:
	default:
		return fmt.Errorf("%w: strategy must be FAST or BEST_PRICE, got %q", ErrConfigInvalid, c.Executor.Strategy)
	}
	if c.Executor.MaxSpreadPct < 0 {
		return fmt.Errorf("%w: max_spread_pct must be >= 0", ErrConfigInvalid)
	}
	if c.Executor.Reprice.MinReprizeThresholdPct.IsNegative() {
		return fmt.Errorf("%w: min_reprice_threshold_pct must be >= 0", ErrConfigInvalid)
	}
	if c.Executor.WsMaxReconnectAttempts <= 0 {
		return fmt.Errorf("%w: ws_max_reconnect_attempts must be > 0", ErrConfigInvalid)
	}
	return nil
}
