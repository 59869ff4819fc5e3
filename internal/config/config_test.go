package config

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
)

func TestDefaultExecutorConfig_Validates(t *testing.T) {
	cfg := Config{Executor: DefaultExecutorConfig()}
	if err := cfg.Validate(); err != nil {
		t.Errorf("expected default config to validate, got %v", err)
	}
}

func TestValidate_RejectsBadStrategy(t *testing.T) {
	cfg := Config{Executor: DefaultExecutorConfig()}
	cfg.Executor.Strategy = "NOT_A_STRATEGY"
	if err := cfg.Validate(); !errors.Is(err, ErrConfigInvalid) {
		t.Errorf("expected ErrConfigInvalid, got %v", err)
	}
}

func TestValidate_RejectsNegativeSpreadPct(t *testing.T) {
	cfg := Config{Executor: DefaultExecutorConfig()}
	cfg.Executor.MaxSpreadPct = -0.01
	if err := cfg.Validate(); !errors.Is(err, ErrConfigInvalid) {
		t.Errorf("expected ErrConfigInvalid, got %v", err)
	}
}

func TestValidate_RejectsZeroMaxReconnectAttempts(t *testing.T) {
	cfg := Config{Executor: DefaultExecutorConfig()}
	cfg.Executor.WsMaxReconnectAttempts = 0
	if err := cfg.Validate(); !errors.Is(err, ErrConfigInvalid) {
		t.Errorf("expected ErrConfigInvalid, got %v", err)
	}
}

func TestLoad_AppliesEnvOverrides(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	yaml := `
executor:
  strategy: FAST
  max_spread_pct: 0.01
  ws_max_reconnect_attempts: 3
exchanges:
  - id: alpha
    access_key: placeholder
    secret_key: placeholder
`
	if err := os.WriteFile(path, []byte(yaml), 0644); err != nil {
		t.Fatalf("failed to write temp config: %v", err)
	}

	os.Setenv("MULTIEXEC_ALPHA_KEY", "env-key")
	os.Setenv("MULTIEXEC_ALPHA_SECRET", "env-secret")
	defer os.Unsetenv("MULTIEXEC_ALPHA_KEY")
	defer os.Unsetenv("MULTIEXEC_ALPHA_SECRET")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("unexpected load error: %v", err)
	}
	if cfg.Exchanges[0].AccessKey != "env-key" || cfg.Exchanges[0].SecretKey != "env-secret" {
		t.Errorf("expected env overrides to apply, got %+v", cfg.Exchanges[0])
	}
	if cfg.Executor.Strategy != StrategyFast {
		t.Errorf("expected strategy FAST, got %s", cfg.Executor.Strategy)
	}
}

func TestLoad_MissingFileReturnsConfigInvalid(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	if !errors.Is(err, ErrConfigInvalid) {
		t.Errorf("expected ErrConfigInvalid for missing file, got %v", err)
	}
}
