package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"kite-autotrader/internal/models"
)

func clearEnv(t *testing.T) {
	t.Helper()
	for _, k := range []string{"KITE_API_KEY", "KITE_API_SECRET", "KITE_USER_ID", "TRADING_MODE", "PAPER_TRADE", "PORT", "WEBHOOK_TOKEN", "TELEGRAM_BOT_TOKEN"} {
		t.Setenv(k, "")
	}
}

func TestLoadWritesTemplates(t *testing.T) {
	clearEnv(t)
	dir := t.TempDir()

	cfg, err := Load(dir)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	for _, name := range []string{"config.toml", "credentials.toml"} {
		if _, err := os.Stat(filepath.Join(dir, name)); err != nil {
			t.Errorf("%s not created: %v", name, err)
		}
	}
	info, err := os.Stat(filepath.Join(dir, "credentials.toml"))
	if err == nil && info.Mode().Perm() != 0600 {
		t.Errorf("credentials perm = %v", info.Mode().Perm())
	}

	if !cfg.IsPaperMode() {
		t.Error("default mode should be paper")
	}
	if got := strings.Join(cfg.Trading.Timeframes, ","); got != "3m,5m,10m" {
		t.Errorf("timeframes = %s", got)
	}
	if cfg.Trading.Cooldown != 20*time.Second || cfg.ExpiryWeekday() != time.Thursday || cfg.Trading.RolloverDays != 4 {
		t.Errorf("unexpected trading defaults %+v", cfg.Trading)
	}
	if cfg.Polling.ExitAttempts != 10 || cfg.Polling.ExitDelay != time.Second {
		t.Errorf("unexpected polling defaults %+v", cfg.Polling)
	}
	if cfg.Store.Path != filepath.Join(dir, "data", "trader.db") {
		t.Errorf("store path = %s", cfg.Store.Path)
	}
	if cfg.ExchangeOverrides()["CRUDEOIL"] != models.MCX {
		t.Errorf("overrides = %v", cfg.ExchangeOverrides())
	}
}

func TestLoadFileAndEnvOverrides(t *testing.T) {
	clearEnv(t)
	dir := t.TempDir()
	content := `
[trading]
mode = "live"
timeframes = ["5m", "15m"]
cooldown = "45s"
expiry_weekday = "tuesday"
max_open_positions = 3

[trading.exchange_overrides]
GOLDM = "MCX"

[hedge]
enabled = false
`
	if err := os.WriteFile(filepath.Join(dir, "config.toml"), []byte(content), 0644); err != nil {
		t.Fatal(err)
	}
	creds := "[zerodha]\napi_key = \"file-key\"\napi_secret = \"file-secret\"\n"
	if err := os.WriteFile(filepath.Join(dir, "credentials.toml"), []byte(creds), 0600); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(dir, ".env"), []byte("KITE_API_KEY=env-key\nPORT=8080\n"), 0600); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() {
		os.Unsetenv("KITE_API_KEY")
		os.Unsetenv("PORT")
	})
	os.Unsetenv("KITE_API_KEY")
	os.Unsetenv("PORT")

	cfg, err := Load(dir)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.IsPaperMode() {
		t.Error("mode should be live")
	}
	if cfg.Trading.Cooldown != 45*time.Second || cfg.ExpiryWeekday() != time.Tuesday || cfg.Trading.MaxOpenPositions != 3 {
		t.Errorf("unexpected trading %+v", cfg.Trading)
	}
	if len(cfg.Trading.Timeframes) != 2 {
		t.Errorf("timeframes = %v", cfg.Trading.Timeframes)
	}
	if cfg.ExchangeOverrides()["GOLDM"] != models.MCX {
		t.Errorf("overrides = %v", cfg.ExchangeOverrides())
	}
	if cfg.Hedge.Enabled {
		t.Error("hedge should be disabled")
	}
	if cfg.Credentials.Zerodha.APIKey != "env-key" || cfg.Credentials.Zerodha.APISecret != "file-secret" {
		t.Errorf("credentials = %+v", cfg.Credentials.Zerodha)
	}
	if cfg.Server.Addr != ":8080" {
		t.Errorf("addr = %s", cfg.Server.Addr)
	}
}

func TestPaperTradeSwitch(t *testing.T) {
	clearEnv(t)
	t.Setenv("TRADING_MODE", "live")
	t.Setenv("PAPER_TRADE", "true")

	cfg, err := Load(t.TempDir())
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if !cfg.IsPaperMode() {
		t.Error("PAPER_TRADE=true should force paper mode")
	}
}

func TestValidate(t *testing.T) {
	valid := func() *Config {
		return &Config{
			Trading: TradingConfig{
				Mode: "paper", Exchange: "NFO", Timeframes: []string{"3m"}, Lots: 1,
				ExpiryWeekday: "thursday", Cooldown: 20 * time.Second,
			},
			Polling: PollingConfig{ExitAttempts: 1, HedgeAttempts: 1, HedgePollAttempts: 1},
			Hedge:   HedgeConfig{Enabled: true, Exchange: "NFO", Lots: 1, CallOffset: 0.03, PutOffset: 0.03},
			Server:  ServerConfig{Workers: 1, Queue: 1},
		}
	}

	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{"valid", func(*Config) {}, ""},
		{"mode", func(c *Config) { c.Trading.Mode = "yolo" }, "trading mode"},
		{"exchange", func(c *Config) { c.Trading.Exchange = "LSE" }, "exchange"},
		{"override", func(c *Config) { c.Trading.ExchangeOverrides = map[string]string{"gold": "XX"} }, "gold"},
		{"timeframes", func(c *Config) { c.Trading.Timeframes = nil }, "timeframes"},
		{"weekday", func(c *Config) { c.Trading.ExpiryWeekday = "someday" }, "expiry_weekday"},
		{"attempts", func(c *Config) { c.Polling.ExitAttempts = 0 }, "attempts"},
		{"offset", func(c *Config) { c.Hedge.CallOffset = 1.5 }, "offsets"},
		{"offset ignored when disabled", func(c *Config) { c.Hedge.Enabled = false; c.Hedge.CallOffset = 0 }, ""},
		{"workers", func(c *Config) { c.Server.Workers = 0 }, "workers"},
		{"notify level", func(c *Config) { c.Notify.Level = "loud" }, "notify.level"},
		{"notify webhook url", func(c *Config) { c.Notify.Webhook.Enabled = true }, "notify.webhook.url"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := valid()
			tt.mutate(c)
			err := c.Validate()
			if tt.wantErr == "" {
				if err != nil {
					t.Errorf("unexpected error: %v", err)
				}
				return
			}
			if err == nil || !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("error = %v, want containing %q", err, tt.wantErr)
			}
		})
	}
}
