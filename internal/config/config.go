// Package config provides configuration management for the trading application.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"

	"kite-autotrader/internal/contract"
	"kite-autotrader/internal/models"
)

// Config holds all application configuration.
type Config struct {
	Trading     TradingConfig `mapstructure:"trading"`
	Polling     PollingConfig `mapstructure:"polling"`
	Hedge       HedgeConfig   `mapstructure:"hedge"`
	Server      ServerConfig  `mapstructure:"server"`
	Store       StoreConfig   `mapstructure:"store"`
	Logging     LoggingConfig `mapstructure:"logging"`
	Audit       AuditConfig   `mapstructure:"audit"`
	Breaker     BreakerConfig `mapstructure:"breaker"`
	Notify      NotifyConfig  `mapstructure:"notify"`
	Credentials Credentials   `mapstructure:"-"` // Loaded separately

	// Dir is the directory the configuration was loaded from.
	Dir string `mapstructure:"-"`
}

// TradingConfig holds the decision engine settings.
type TradingConfig struct {
	Mode              string            `mapstructure:"mode"` // "live", "paper"
	Exchange          string            `mapstructure:"exchange"`
	Product           string            `mapstructure:"product"`
	Timeframes        []string          `mapstructure:"timeframes"`
	Lots              int               `mapstructure:"lots"`
	ExpiryWeekday     string            `mapstructure:"expiry_weekday"`
	RolloverDays      int               `mapstructure:"rollover_days"`
	Cooldown          time.Duration     `mapstructure:"cooldown"`
	MaxOpenPositions  int               `mapstructure:"max_open_positions"`
	ExemptSymbols     []string          `mapstructure:"exempt_symbols"`
	ExchangeOverrides map[string]string `mapstructure:"exchange_overrides"`
	ExitOnSignal      bool              `mapstructure:"exit_on_signal"`
	// PaperMarketData prices paper orders from the live session when one exists.
	PaperMarketData bool `mapstructure:"paper_market_data"`
}

// PollingConfig holds the confirmation loop budgets.
type PollingConfig struct {
	ExitAttempts      int           `mapstructure:"exit_attempts"`
	ExitDelay         time.Duration `mapstructure:"exit_delay"`
	HedgeAttempts     int           `mapstructure:"hedge_attempts"`
	HedgePollAttempts int           `mapstructure:"hedge_poll_attempts"`
	HedgePollDelay    time.Duration `mapstructure:"hedge_poll_delay"`
}

// HedgeConfig holds hedge leg settings.
type HedgeConfig struct {
	Enabled         bool    `mapstructure:"enabled"`
	Exchange        string  `mapstructure:"exchange"`
	Lots            int     `mapstructure:"lots"`
	CallOffset      float64 `mapstructure:"call_offset"`
	PutOffset       float64 `mapstructure:"put_offset"`
	MinDaysToExpiry int     `mapstructure:"min_days_to_expiry"`
}

// ServerConfig holds webhook receiver settings.
type ServerConfig struct {
	Addr           string        `mapstructure:"addr"`
	Workers        int           `mapstructure:"workers"`
	Queue          int           `mapstructure:"queue"`
	Token          string        `mapstructure:"token"`
	RequestTimeout time.Duration `mapstructure:"request_timeout"`
}

// StoreConfig holds persistence settings.
type StoreConfig struct {
	Path string `mapstructure:"path"`
}

// LoggingConfig holds log output settings.
type LoggingConfig struct {
	Level   string `mapstructure:"level"`
	Console bool   `mapstructure:"console"`
	File    string `mapstructure:"file"`
}

// AuditConfig holds the JSON-lines trade trail settings.
type AuditConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Dir     string `mapstructure:"dir"`
}

// BreakerConfig holds the broker circuit breaker settings.
type BreakerConfig struct {
	FailureThreshold int           `mapstructure:"failure_threshold"`
	SuccessThreshold int           `mapstructure:"success_threshold"`
	Timeout          time.Duration `mapstructure:"timeout"`
}

// NotifyConfig holds trade notification settings.
type NotifyConfig struct {
	// Level is "all", "trades_only" or "errors_only".
	Level    string         `mapstructure:"level"`
	Webhook  WebhookConfig  `mapstructure:"webhook"`
	Telegram TelegramConfig `mapstructure:"telegram"`
}

// WebhookConfig holds outbound webhook notification settings.
type WebhookConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	URL     string `mapstructure:"url"`
}

// TelegramConfig holds Telegram notification settings. The bot token is
// read from credentials.toml.
type TelegramConfig struct {
	Enabled  bool   `mapstructure:"enabled"`
	ChatID   string `mapstructure:"chat_id"`
	BotToken string `mapstructure:"-"`
}

// Credentials holds API credentials.
type Credentials struct {
	Zerodha  ZerodhaCredentials  `mapstructure:"zerodha"`
	Telegram TelegramCredentials `mapstructure:"telegram"`
}

// TelegramCredentials holds the Telegram bot token.
type TelegramCredentials struct {
	BotToken string `mapstructure:"bot_token"`
}

// ZerodhaCredentials holds Zerodha API credentials.
type ZerodhaCredentials struct {
	APIKey      string `mapstructure:"api_key"`
	APISecret   string `mapstructure:"api_secret"`
	UserID      string `mapstructure:"user_id"`
	SessionPath string `mapstructure:"session_path"`
}

// DefaultConfigDir returns the default configuration directory.
func DefaultConfigDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".config/kite-autotrader"
	}
	return filepath.Join(home, ".config", "kite-autotrader")
}

// Load loads configuration from the specified directory, writing templates
// for missing files. If configDir is empty, uses the default config directory.
func Load(configDir string) (*Config, error) {
	if configDir == "" {
		configDir = DefaultConfigDir()
	}

	loadDotEnv(configDir)

	cfg := &Config{Dir: configDir}

	if err := loadConfigFile(configDir, cfg); err != nil {
		return nil, fmt.Errorf("loading config.toml: %w", err)
	}

	if err := loadCredentials(configDir, &cfg.Credentials); err != nil {
		return nil, fmt.Errorf("loading credentials.toml: %w", err)
	}

	applyEnvOverrides(cfg)
	cfg.resolvePaths()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return cfg, nil
}

// loadDotEnv reads .env from the working directory and the config
// directory. Variables already set in the environment win.
func loadDotEnv(configDir string) {
	for _, path := range []string{".env", filepath.Join(configDir, ".env")} {
		if _, err := os.Stat(path); err == nil {
			_ = godotenv.Load(path)
		}
	}
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("trading.mode", "paper")
	v.SetDefault("trading.exchange", "NFO")
	v.SetDefault("trading.product", "NRML")
	v.SetDefault("trading.timeframes", []string{"3m", "5m", "10m"})
	v.SetDefault("trading.lots", 1)
	v.SetDefault("trading.expiry_weekday", "thursday")
	v.SetDefault("trading.rollover_days", contract.DefaultRolloverDays)
	v.SetDefault("trading.cooldown", "20s")
	v.SetDefault("trading.max_open_positions", 0)
	v.SetDefault("trading.exempt_symbols", []string{"CRUDEOIL"})
	v.SetDefault("trading.exchange_overrides", map[string]string{"CRUDEOIL": "MCX"})
	v.SetDefault("trading.exit_on_signal", true)
	v.SetDefault("trading.paper_market_data", true)

	v.SetDefault("polling.exit_attempts", 10)
	v.SetDefault("polling.exit_delay", "1s")
	v.SetDefault("polling.hedge_attempts", 3)
	v.SetDefault("polling.hedge_poll_attempts", 5)
	v.SetDefault("polling.hedge_poll_delay", "1s")

	v.SetDefault("hedge.enabled", true)
	v.SetDefault("hedge.exchange", "NFO")
	v.SetDefault("hedge.lots", 1)
	v.SetDefault("hedge.call_offset", 0.03)
	v.SetDefault("hedge.put_offset", 0.03)
	v.SetDefault("hedge.min_days_to_expiry", 1)

	v.SetDefault("server.addr", ":5000")
	v.SetDefault("server.workers", 8)
	v.SetDefault("server.queue", 256)
	v.SetDefault("server.request_timeout", "2m")

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.console", true)

	v.SetDefault("audit.enabled", true)

	v.SetDefault("breaker.failure_threshold", 5)
	v.SetDefault("breaker.success_threshold", 2)
	v.SetDefault("breaker.timeout", "30s")

	v.SetDefault("notify.level", "all")
}

func loadConfigFile(configDir string, cfg *Config) error {
	v := viper.New()
	v.SetConfigName("config")
	v.SetConfigType("toml")
	v.AddConfigPath(configDir)
	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return err
		}
		if err := writeTemplate(configDir, "config.toml", configTemplate, 0644); err != nil {
			return err
		}
	}

	return v.Unmarshal(cfg)
}

func loadCredentials(configDir string, creds *Credentials) error {
	v := viper.New()
	v.SetConfigName("credentials")
	v.SetConfigType("toml")
	v.AddConfigPath(configDir)

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return err
		}
		// Restricted permissions for the credentials file.
		return writeTemplate(configDir, "credentials.toml", credentialsTemplate, 0600)
	}

	return v.Unmarshal(creds)
}

func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("KITE_API_KEY"); v != "" {
		cfg.Credentials.Zerodha.APIKey = v
	}
	if v := os.Getenv("KITE_API_SECRET"); v != "" {
		cfg.Credentials.Zerodha.APISecret = v
	}
	if v := os.Getenv("KITE_USER_ID"); v != "" {
		cfg.Credentials.Zerodha.UserID = v
	}

	if v := os.Getenv("TELEGRAM_BOT_TOKEN"); v != "" {
		cfg.Credentials.Telegram.BotToken = v
	}
	cfg.Notify.Telegram.BotToken = cfg.Credentials.Telegram.BotToken

	if v := os.Getenv("TRADING_MODE"); v != "" {
		cfg.Trading.Mode = strings.ToLower(v)
	}
	// PAPER_TRADE=true is the older switch for the same thing.
	switch strings.ToLower(os.Getenv("PAPER_TRADE")) {
	case "true", "1", "yes":
		cfg.Trading.Mode = "paper"
	case "false", "0", "no":
		cfg.Trading.Mode = "live"
	}

	if v := os.Getenv("PORT"); v != "" {
		cfg.Server.Addr = ":" + strings.TrimPrefix(v, ":")
	}
	if v := os.Getenv("WEBHOOK_TOKEN"); v != "" {
		cfg.Server.Token = v
	}
}

func (c *Config) resolvePaths() {
	if c.Store.Path == "" {
		c.Store.Path = filepath.Join(c.Dir, "data", "trader.db")
	}
	if c.Logging.File == "" {
		c.Logging.File = filepath.Join(c.Dir, "logs", "trader.log")
	}
	if c.Audit.Dir == "" {
		c.Audit.Dir = filepath.Join(c.Dir, "audit")
	}
	if c.Credentials.Zerodha.SessionPath == "" {
		c.Credentials.Zerodha.SessionPath = filepath.Join(c.Dir, "session.json")
	}
}

// Validate validates the configuration.
func (c *Config) Validate() error {
	if c.Trading.Mode != "live" && c.Trading.Mode != "paper" {
		return fmt.Errorf("invalid trading mode: %s (must be 'live' or 'paper')", c.Trading.Mode)
	}
	if !validExchange(c.Trading.Exchange) {
		return fmt.Errorf("invalid exchange: %s", c.Trading.Exchange)
	}
	for sym, ex := range c.Trading.ExchangeOverrides {
		if !validExchange(ex) {
			return fmt.Errorf("invalid exchange %s for %s", ex, sym)
		}
	}
	if len(c.Trading.Timeframes) == 0 {
		return fmt.Errorf("trading.timeframes must not be empty")
	}
	if c.Trading.Lots <= 0 {
		return fmt.Errorf("trading.lots must be positive")
	}
	if _, err := contract.ParseWeekday(c.Trading.ExpiryWeekday); err != nil {
		return fmt.Errorf("trading.expiry_weekday: %w", err)
	}
	if c.Trading.RolloverDays < 0 {
		return fmt.Errorf("trading.rollover_days must be non-negative")
	}
	if c.Trading.Cooldown < 0 {
		return fmt.Errorf("trading.cooldown must be non-negative")
	}
	if c.Trading.MaxOpenPositions < 0 {
		return fmt.Errorf("trading.max_open_positions must be non-negative")
	}

	if c.Polling.ExitAttempts <= 0 || c.Polling.HedgeAttempts <= 0 || c.Polling.HedgePollAttempts <= 0 {
		return fmt.Errorf("polling attempts must be positive")
	}
	if c.Polling.ExitDelay < 0 || c.Polling.HedgePollDelay < 0 {
		return fmt.Errorf("polling delays must be non-negative")
	}

	if c.Hedge.Enabled {
		if c.Hedge.CallOffset <= 0 || c.Hedge.CallOffset >= 1 || c.Hedge.PutOffset <= 0 || c.Hedge.PutOffset >= 1 {
			return fmt.Errorf("hedge offsets must be between 0 and 1")
		}
		if c.Hedge.Lots <= 0 {
			return fmt.Errorf("hedge.lots must be positive")
		}
		if !validExchange(c.Hedge.Exchange) {
			return fmt.Errorf("invalid hedge exchange: %s", c.Hedge.Exchange)
		}
	}

	if c.Server.Workers <= 0 || c.Server.Queue <= 0 {
		return fmt.Errorf("server workers and queue must be positive")
	}

	switch c.Notify.Level {
	case "", "all", "trades_only", "errors_only":
	default:
		return fmt.Errorf("invalid notify.level: %s", c.Notify.Level)
	}
	if c.Notify.Webhook.Enabled && c.Notify.Webhook.URL == "" {
		return fmt.Errorf("notify.webhook.url is required when the webhook is enabled")
	}
	return nil
}

func validExchange(ex string) bool {
	switch models.Exchange(strings.ToUpper(ex)) {
	case models.NSE, models.BSE, models.NFO, models.CDS, models.MCX:
		return true
	}
	return false
}

// IsPaperMode returns true if paper trading mode is enabled.
func (c *Config) IsPaperMode() bool {
	return c.Trading.Mode == "paper"
}

// ExpiryWeekday returns the configured contract expiry weekday.
func (c *Config) ExpiryWeekday() time.Weekday {
	wd, err := contract.ParseWeekday(c.Trading.ExpiryWeekday)
	if err != nil {
		return time.Thursday
	}
	return wd
}

// ExchangeOverrides returns per-symbol exchanges keyed by upper-case root
// symbol. Viper lower-cases map keys, so they are normalized here.
func (c *Config) ExchangeOverrides() map[string]models.Exchange {
	out := make(map[string]models.Exchange, len(c.Trading.ExchangeOverrides))
	for sym, ex := range c.Trading.ExchangeOverrides {
		out[strings.ToUpper(sym)] = models.Exchange(strings.ToUpper(ex))
	}
	return out
}
