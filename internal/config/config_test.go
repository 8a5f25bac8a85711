package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func minimalConfig() *Config {
	return &Config{
		Ledger: LedgerConfig{
			Admin: "0xadmin",
			Pools: []PoolConfig{{
				ID:           "eth-usdc",
				Address:      "0x88e6a0c2ddd26feeb64f039a2c41296fcb3f5640",
				InitialPrice: "1800",
			}},
		},
	}
}

func TestDecisionDefaults(t *testing.T) {
	cfg := minimalConfig()
	applyDefaults(cfg)
	if cfg.Decision.Retries != 3 {
		t.Fatalf("expected 3 retries, got %d", cfg.Decision.Retries)
	}
	if cfg.Decision.CacheTTL != time.Minute {
		t.Fatalf("expected cache ttl 60s, got %v", cfg.Decision.CacheTTL)
	}
	if cfg.Decision.BreakerThreshold != 5 {
		t.Fatalf("expected breaker threshold 5, got %d", cfg.Decision.BreakerThreshold)
	}
	if cfg.Decision.BreakerCooldown != time.Minute {
		t.Fatalf("expected breaker cooldown 60s, got %v", cfg.Decision.BreakerCooldown)
	}
}

func TestLedgerDefaults(t *testing.T) {
	cfg := minimalConfig()
	applyDefaults(cfg)
	want := []uint64{1, 5, 10, 20}
	for i, pct := range want {
		if cfg.Ledger.Levels[i] != pct {
			t.Fatalf("level %d: expected %d, got %d", i, pct, cfg.Ledger.Levels[i])
		}
	}
	pool := cfg.Ledger.Pools[0]
	if pool.Mode != "native" {
		t.Fatalf("expected native mode default, got %q", pool.Mode)
	}
	if pool.Window != 30*time.Minute {
		t.Fatalf("expected 30m window, got %v", pool.Window)
	}
	if pool.Decimals0 != 18 || pool.Decimals1 != 18 {
		t.Fatalf("expected 18/18 decimals, got %d/%d", pool.Decimals0, pool.Decimals1)
	}
}

func TestLocalPoolGetsBufferDefault(t *testing.T) {
	cfg := minimalConfig()
	cfg.Ledger.Pools[0].Mode = "local"
	applyDefaults(cfg)
	if cfg.Ledger.Pools[0].BufferSize != 256 {
		t.Fatalf("expected buffer default, got %d", cfg.Ledger.Pools[0].BufferSize)
	}
	if err := validate(cfg); err != nil {
		t.Fatalf("expected valid config, got %v", err)
	}
}

func TestGasAndSafetyDefaults(t *testing.T) {
	cfg := minimalConfig()
	applyDefaults(cfg)
	if cfg.Gas.MaxGwei != 200 || cfg.Gas.MaxCostPct != 12.5 {
		t.Fatalf("unexpected gas limits %v / %v", cfg.Gas.MaxGwei, cfg.Gas.MaxCostPct)
	}
	if cfg.Gas.Tier != "standard" {
		t.Fatalf("expected standard tier, got %q", cfg.Gas.Tier)
	}
	if cfg.Safety.MinConfidence != 0.8 {
		t.Fatalf("expected min confidence 0.8, got %v", cfg.Safety.MinConfidence)
	}
	if len(cfg.Safety.Windows) != 3 {
		t.Fatalf("expected 3 safety windows, got %v", cfg.Safety.Windows)
	}
}

func TestShadowModeDefaultsOn(t *testing.T) {
	cfg := minimalConfig()
	applyDefaults(cfg)
	if !cfg.Orchestrator.ShadowValue() {
		t.Fatalf("expected shadow mode default")
	}
	if err := validate(cfg); err != nil {
		t.Fatalf("shadow mode should not need chain settings, got %v", err)
	}
}

func TestLiveModeRequiresChain(t *testing.T) {
	t.Setenv("LP_PRIVATE_KEY", "")
	live := false
	cfg := minimalConfig()
	cfg.Orchestrator.ShadowMode = &live
	applyDefaults(cfg)
	applyEnvOverrides(cfg)
	if err := validate(cfg); err == nil {
		t.Fatalf("expected error for missing chain settings")
	}

	t.Setenv("LP_PRIVATE_KEY", "0xabc")
	cfg.Chain.RPCURL = "http://localhost:8545"
	cfg.Chain.PositionManager = "0xc36442b4a4522e871399cd717abdd847ab11fe88"
	applyEnvOverrides(cfg)
	if err := validate(cfg); err != nil {
		t.Fatalf("expected valid live config, got %v", err)
	}
}

func TestMetricsDefaults(t *testing.T) {
	cfg := minimalConfig()
	applyDefaults(cfg)
	if cfg.Metrics.Enabled == nil || !cfg.Metrics.EnabledValue() {
		t.Fatalf("expected metrics enabled default")
	}
	if cfg.Metrics.Address != "127.0.0.1:9001" {
		t.Fatalf("expected metrics address default, got %q", cfg.Metrics.Address)
	}
	if cfg.Metrics.Path != "/metrics" {
		t.Fatalf("expected metrics path default, got %q", cfg.Metrics.Path)
	}
}

func TestValidateRejectsLevelOutOfRange(t *testing.T) {
	cfg := minimalConfig()
	cfg.Ledger.Levels = []uint64{1, 5, 10, 101}
	applyDefaults(cfg)
	if err := validate(cfg); err == nil {
		t.Fatalf("expected error for level above 100")
	}
	cfg.Ledger.Levels = []uint64{1, 5}
	if err := validate(cfg); err == nil {
		t.Fatalf("expected error for wrong level count")
	}
}

func TestValidateRejectsWindowOutOfRange(t *testing.T) {
	cfg := minimalConfig()
	cfg.Ledger.Pools[0].Window = 30 * time.Second
	applyDefaults(cfg)
	if err := validate(cfg); err == nil {
		t.Fatalf("expected error for sub-minute window")
	}
	cfg.Ledger.Pools[0].Window = 8 * 24 * time.Hour
	if err := validate(cfg); err == nil {
		t.Fatalf("expected error for window above 7 days")
	}
}

func TestValidateRejectsDuplicatePools(t *testing.T) {
	cfg := minimalConfig()
	cfg.Ledger.Pools = append(cfg.Ledger.Pools, cfg.Ledger.Pools[0])
	applyDefaults(cfg)
	if err := validate(cfg); err == nil {
		t.Fatalf("expected error for duplicate pool id")
	}
}

func TestValidateRejectsNativePoolWithoutAddress(t *testing.T) {
	cfg := minimalConfig()
	cfg.Ledger.Pools[0].Address = ""
	applyDefaults(cfg)
	if err := validate(cfg); err == nil {
		t.Fatalf("expected error for native pool without address")
	}
}

func TestValidateRejectsUnknownGasTier(t *testing.T) {
	cfg := minimalConfig()
	cfg.Gas.Tier = "turbo"
	applyDefaults(cfg)
	if err := validate(cfg); err == nil {
		t.Fatalf("expected error for unknown gas tier")
	}
}

func TestValidateRejectsMetricsPathWithoutSlash(t *testing.T) {
	cfg := minimalConfig()
	cfg.Metrics.Path = "metrics"
	applyDefaults(cfg)
	if err := validate(cfg); err == nil {
		t.Fatalf("expected error for metrics path without leading slash")
	}
}

func TestValidateRejectsTelegramEnabledWithoutConfig(t *testing.T) {
	t.Setenv("LP_TELEGRAM_TOKEN", "")
	t.Setenv("LP_TELEGRAM_CHAT_ID", "")
	cfg := minimalConfig()
	cfg.Telegram.Enabled = true
	applyDefaults(cfg)
	applyEnvOverrides(cfg)
	if err := validate(cfg); err == nil {
		t.Fatalf("expected error for missing telegram token/chat_id")
	}
}

func TestTelegramEnvOverridesConfig(t *testing.T) {
	t.Setenv("LP_TELEGRAM_TOKEN", "env-token")
	t.Setenv("LP_TELEGRAM_CHAT_ID", "123")
	cfg := minimalConfig()
	cfg.Telegram = TelegramConfig{Enabled: true, Token: "config-token", ChatID: "999"}
	applyDefaults(cfg)
	applyEnvOverrides(cfg)
	if cfg.Telegram.Token != "env-token" {
		t.Fatalf("expected env token override, got %q", cfg.Telegram.Token)
	}
	if cfg.Telegram.ChatID != "123" {
		t.Fatalf("expected env chat id override, got %q", cfg.Telegram.ChatID)
	}
	if err := validate(cfg); err != nil {
		t.Fatalf("expected valid config with env overrides, got %v", err)
	}
}

func TestLoadParsesYAML(t *testing.T) {
	t.Setenv("LP_PRIVATE_KEY", "")
	path := filepath.Join(t.TempDir(), "config.yaml")
	content := `
ledger:
  admin: "0xadmin"
  levels: [2, 4, 8, 16]
  pools:
    - id: eth-usdc
      mode: local
      window: 1h
      buffer_size: 64
      initial_price: "1800.5"
safety:
  windows: [5m, 15m]
orchestrator:
  poll_interval: 1m
`
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Ledger.Levels[3] != 16 {
		t.Fatalf("expected level 16, got %v", cfg.Ledger.Levels)
	}
	if cfg.Ledger.Pools[0].Window != time.Hour || cfg.Ledger.Pools[0].BufferSize != 64 {
		t.Fatalf("unexpected pool %+v", cfg.Ledger.Pools[0])
	}
	if len(cfg.Safety.Windows) != 2 || cfg.Safety.Windows[1] != 15*time.Minute {
		t.Fatalf("unexpected safety windows %v", cfg.Safety.Windows)
	}
	if cfg.Orchestrator.PollInterval != time.Minute {
		t.Fatalf("unexpected poll interval %v", cfg.Orchestrator.PollInterval)
	}
}
