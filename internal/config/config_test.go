package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	xerrors "VaultTrader/internal/errors"
)

const (
	testTokenIn  = "0x1111111111111111111111111111111111111111"
	testTokenOut = "0x2222222222222222222222222222222222222222"
	testVault    = "0x3333333333333333333333333333333333333333"
)

func envMap(m map[string]string) func(string) (string, bool) {
	return func(key string) (string, bool) {
		v, ok := m[key]
		return v, ok
	}
}

func validEnv() map[string]string {
	return map[string]string{
		"RPC_URL":          "http://127.0.0.1:8545",
		"PRIVATE_KEY":      "0xabc",
		"CONTRACT_ADDRESS": testVault,
		"TOKEN_IN":         testTokenIn,
		"TOKEN_OUT":        testTokenOut,
		"BUY_AMOUNT":       "1.5",
		"SELL_AMOUNT":      "2",
		"BUY_MIN_OUT":      "0",
		"SELL_MIN_OUT":     "0.25",
		"AMOUNT_DECIMALS":  "6",
	}
}

func loadFromEnv(t *testing.T, env map[string]string) (*Config, error) {
	t.Helper()
	cfg := &Config{}
	if err := cfg.ApplyEnv(envMap(env)); err != nil {
		return nil, err
	}
	cfg.applyDefaults(t.TempDir())
	return cfg, cfg.Validate()
}

func TestEnvConfigDefaults(t *testing.T) {
	cfg, err := loadFromEnv(t, validEnv())
	if err != nil {
		t.Fatalf("validate: %v", err)
	}
	if cfg.Trading.Interval() != time.Second {
		t.Fatalf("unexpected interval %s", cfg.Trading.Interval())
	}
	if cfg.Trading.ConfirmTimeout() != 2*time.Minute {
		t.Fatalf("unexpected confirm timeout %s", cfg.Trading.ConfirmTimeout())
	}
	if cfg.Trading.Overlap != OverlapSkip || cfg.Trading.Mode != ModeLive || cfg.Trading.Route != "v2" {
		t.Fatalf("unexpected trading defaults %+v", cfg.Trading)
	}

	amounts, err := cfg.Trading.Amounts()
	if err != nil {
		t.Fatalf("amounts: %v", err)
	}
	if amounts.Buy.String() != "1500000" || amounts.Sell.String() != "2000000" {
		t.Fatalf("unexpected amounts %s %s", amounts.Buy, amounts.Sell)
	}
	if amounts.BuyMinOut.Sign() != 0 || amounts.SellMinOut.String() != "250000" {
		t.Fatalf("unexpected min outs %s %s", amounts.BuyMinOut, amounts.SellMinOut)
	}
	zero := cfg.Trading.ZeroMinOut()
	if len(zero) != 1 || zero[0] != "BUY_MIN_OUT" {
		t.Fatalf("expected BUY_MIN_OUT warning, got %v", zero)
	}
}

func TestMissingMinOutIsFatal(t *testing.T) {
	env := validEnv()
	delete(env, "SELL_MIN_OUT")
	_, err := loadFromEnv(t, env)
	if err == nil {
		t.Fatal("expected error for missing SELL_MIN_OUT")
	}
	if xerrors.CodeOf(err) != xerrors.CodeConfig || !xerrors.IsFatal(err) {
		t.Fatalf("expected fatal config error, got %v", err)
	}
}

func TestValidateRejectsBadValues(t *testing.T) {
	cases := map[string]map[string]string{
		"same pair":      {"TOKEN_OUT": testTokenIn},
		"v3 without fee": {"SWAP_ROUTE": "v3"},
		"v2 with fee":    {"FEE_TIER": "500"},
		"bad policy":     {"OVERLAP_POLICY": "parallel"},
		"too precise":    {"BUY_AMOUNT": "0.0000001"},
		"zero buy":       {"BUY_AMOUNT": "0"},
		"negative":       {"SELL_AMOUNT": "-1"},
		"missing key":    {"PRIVATE_KEY": ""},
		"bad vault":      {"CONTRACT_ADDRESS": "0x123"},
		"redis no addr":  {"LOCK_DRIVER": "redis"},
		"mysql no dsn":   {"TICK_STORE_DRIVER": "mysql"},
		"unknown mode":   {"TRADING_MODE": "dry"},
	}
	for name, overrides := range cases {
		t.Run(name, func(t *testing.T) {
			env := validEnv()
			for k, v := range overrides {
				env[k] = v
			}
			if _, err := loadFromEnv(t, env); xerrors.CodeOf(err) != xerrors.CodeConfig {
				t.Fatalf("expected config error, got %v", err)
			}
		})
	}
}

func TestApplyEnvParsesDurations(t *testing.T) {
	env := validEnv()
	env["TICK_INTERVAL"] = "250"
	env["CONFIRM_TIMEOUT"] = "45s"
	env["SWAP_ROUTE"] = "v3"
	env["FEE_TIER"] = "3000"
	cfg, err := loadFromEnv(t, env)
	if err != nil {
		t.Fatalf("validate: %v", err)
	}
	if cfg.Trading.Interval() != 250*time.Millisecond {
		t.Fatalf("unexpected interval %s", cfg.Trading.Interval())
	}
	if cfg.Trading.ConfirmTimeout() != 45*time.Second {
		t.Fatalf("unexpected confirm timeout %s", cfg.Trading.ConfirmTimeout())
	}

	bad := &Config{}
	if err := bad.ApplyEnv(envMap(map[string]string{"TICK_INTERVAL": "soon"})); xerrors.CodeOf(err) != xerrors.CodeConfig {
		t.Fatalf("expected config error, got %v", err)
	}
}

func TestApplyEnvRejectsNonPositiveDurations(t *testing.T) {
	cases := map[string]string{
		"TICK_INTERVAL":   "0",
		"CONFIRM_TIMEOUT": "0s",
		"SUBMIT_TIMEOUT":  "-5s",
		"LOCK_TTL":        "0",
	}
	for key, value := range cases {
		t.Run(key, func(t *testing.T) {
			cfg := &Config{}
			err := cfg.ApplyEnv(envMap(map[string]string{key: value}))
			if xerrors.CodeOf(err) != xerrors.CodeConfig {
				t.Fatalf("expected config error for %s=%s, got %v", key, value, err)
			}
		})
	}

	cfg := &Config{}
	if err := cfg.ApplyEnv(envMap(map[string]string{"TICK_INTERVAL": "500us"})); xerrors.CodeOf(err) != xerrors.CodeConfig {
		t.Fatalf("sub-millisecond interval must be rejected, got %v", err)
	}
}

func TestLoadRejectsExplicitZeroInterval(t *testing.T) {
	path := filepath.Join(t.TempDir(), "vaulttrader.json")
	content := `{
  "trading": {
    "mode": "paper",
    "token_in": "` + testTokenIn + `",
    "token_out": "` + testTokenOut + `",
    "buy_amount": "10",
    "sell_amount": "9",
    "buy_min_out": "1",
    "sell_min_out": "1",
    "interval_ms": 0
  }
}`
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	if _, err := Load(path); xerrors.CodeOf(err) != xerrors.CodeConfig {
		t.Fatalf("expected config error, got %v", err)
	}
}

func TestLockTTLCoversWholeTick(t *testing.T) {
	env := validEnv()
	env["LOCK_DRIVER"] = "redis"
	env["REDIS_ADDR"] = "127.0.0.1:6379"
	cfg, err := loadFromEnv(t, env)
	if err != nil {
		t.Fatalf("validate: %v", err)
	}
	if cfg.Trading.SubmitTimeout() != 30*time.Second {
		t.Fatalf("unexpected submit timeout %s", cfg.Trading.SubmitTimeout())
	}
	if cfg.Trading.MaxTickDuration() != 5*time.Minute {
		t.Fatalf("unexpected tick bound %s", cfg.Trading.MaxTickDuration())
	}
	if cfg.Lock.TTL() != 6*time.Minute {
		t.Fatalf("unexpected lock ttl %s", cfg.Lock.TTL())
	}

	env["LOCK_TTL"] = "4m"
	if _, err := loadFromEnv(t, env); xerrors.CodeOf(err) != xerrors.CodeConfig {
		t.Fatalf("short lock ttl must be rejected, got %v", err)
	}
	env["CONFIRM_TIMEOUT"] = "30s"
	env["SUBMIT_TIMEOUT"] = "10s"
	if _, err := loadFromEnv(t, env); err != nil {
		t.Fatalf("ttl covering the tick should pass: %v", err)
	}
}

func TestPaperModeSkipsChainSettings(t *testing.T) {
	env := validEnv()
	delete(env, "RPC_URL")
	delete(env, "PRIVATE_KEY")
	delete(env, "CONTRACT_ADDRESS")
	env["TRADING_MODE"] = "paper"
	if _, err := loadFromEnv(t, env); err != nil {
		t.Fatalf("paper mode should not need chain settings: %v", err)
	}
}

func TestLoadFileThenEnv(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "vaulttrader.json")
	content := `{
  "server": {"address": ":9090"},
  "trading": {
    "mode": "paper",
    "token_in": "` + testTokenIn + `",
    "token_out": "` + testTokenOut + `",
    "buy_amount": "10",
    "sell_amount": "9",
    "buy_min_out": "1",
    "sell_min_out": "1",
    "interval_ms": 5000
  },
  "runtime": {"data_dir": "state"}
}`
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	t.Setenv("SELL_MIN_OUT", "2")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Server.Address != ":9090" {
		t.Fatalf("unexpected address %s", cfg.Server.Address)
	}
	if cfg.Trading.SellMinOut != "2" {
		t.Fatalf("env override not applied: %s", cfg.Trading.SellMinOut)
	}
	if cfg.Runtime.DataDir != filepath.Join(dir, "state") {
		t.Fatalf("unexpected data dir %s", cfg.Runtime.DataDir)
	}
	if cfg.Storage.TickStore.Path != filepath.Join(dir, "state", "ticks.jsonl") {
		t.Fatalf("unexpected tick path %s", cfg.Storage.TickStore.Path)
	}
}

func TestLoadExplicitMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "missing.json"))
	if xerrors.CodeOf(err) != xerrors.CodeConfig {
		t.Fatalf("expected config error, got %v", err)
	}
}
