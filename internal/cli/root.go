// Package cli provides the command-line interface for the trading application.
package cli

import (
	"fmt"
	"strings"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
	"go.uber.org/multierr"

	"kite-autotrader/internal/audit"
	"kite-autotrader/internal/broker"
	"kite-autotrader/internal/config"
	"kite-autotrader/internal/logging"
	"kite-autotrader/internal/store"
)

// Version information
const (
	Version   = "0.1.0"
	BuildDate = "2025-10-01"
)

// App holds the application dependencies. Components are opened on first
// use so that commands like version and contract run without a database.
type App struct {
	Config *config.Config
	Logger zerolog.Logger

	zerodha *broker.ZerodhaBroker
	store   store.DataStore
	audit   *audit.Logger
}

// NewRootCmd creates the root command for the CLI.
func NewRootCmd() *cobra.Command {
	app := &App{Logger: zerolog.Nop()}

	rootCmd := &cobra.Command{
		Use:   "trader",
		Short: "Kite autotrader - signal-driven futures trading",
		Long: `Kite autotrader turns chart alerts into futures positions on Zerodha Kite.

Alerts arrive on a webhook per symbol and timeframe. When every timeframe
agrees the trader flips the symbol's futures position, opens an
out-of-the-money option hedge and rolls contracts ahead of expiry.

Use 'trader serve' to run the webhook receiver.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			dir, _ := cmd.Flags().GetString("config")
			cfg, err := config.Load(dir)
			if err != nil {
				return err
			}
			app.Config = cfg
			app.Logger = newLogger(cfg)

			debug, _ := cmd.Flags().GetBool("debug")
			if debug {
				logging.SetDebugLevel()
				app.Logger = app.Logger.Level(zerolog.DebugLevel)
			}
			return nil
		},
		PersistentPostRunE: func(cmd *cobra.Command, args []string) error {
			return app.Close()
		},
	}

	rootCmd.PersistentFlags().String("config", "", "config directory (default: ~/.config/kite-autotrader)")
	rootCmd.PersistentFlags().Bool("json", false, "output in JSON format")
	rootCmd.PersistentFlags().Bool("debug", false, "enable debug logging")

	rootCmd.AddCommand(newVersionCmd())
	rootCmd.AddCommand(newConfigCmd(app))
	addAuthCommands(rootCmd, app)
	rootCmd.AddCommand(newServeCmd(app))
	rootCmd.AddCommand(newStateCmd(app))
	rootCmd.AddCommand(newTradesCmd(app))
	rootCmd.AddCommand(newContractCmd(app))

	return rootCmd
}

func newLogger(cfg *config.Config) zerolog.Logger {
	lc := logging.DefaultLogConfig()
	lc.Level = cfg.Logging.Level
	lc.Console = cfg.Logging.Console
	lc.File = cfg.Logging.File != ""
	lc.FilePath = cfg.Logging.File
	return logging.NewLoggerWithConfig(lc)
}

// Zerodha returns the live broker, loading any saved session.
func (a *App) Zerodha() (*broker.ZerodhaBroker, error) {
	if a.zerodha != nil {
		return a.zerodha, nil
	}
	creds := a.Config.Credentials.Zerodha
	if creds.APIKey == "" {
		return nil, fmt.Errorf("zerodha api_key not configured in %s/credentials.toml or KITE_API_KEY", a.Config.Dir)
	}
	a.zerodha = broker.NewZerodhaBroker(broker.ZerodhaConfig{
		APIKey:    creds.APIKey,
		APISecret: creds.APISecret,
		UserID:    creds.UserID,
		TokenPath: creds.SessionPath,
		Logger:    a.Logger,
	})
	return a.zerodha, nil
}

// Store opens the SQLite store.
func (a *App) Store() (store.DataStore, error) {
	if a.store != nil {
		return a.store, nil
	}
	s, err := store.NewSQLiteStore(a.Config.Store.Path)
	if err != nil {
		return nil, err
	}
	a.store = s
	a.Logger.Debug().Str("path", a.Config.Store.Path).Msg("SQLite store initialized")
	return s, nil
}

// Audit opens the audit trail. It returns nil when auditing is disabled.
func (a *App) Audit() (*audit.Logger, error) {
	if a.audit != nil || !a.Config.Audit.Enabled {
		return a.audit, nil
	}
	cfg := audit.DefaultConfig()
	cfg.LogDir = a.Config.Audit.Dir
	l, err := audit.NewLogger(cfg)
	if err != nil {
		return nil, err
	}
	l.SetUserID(a.Config.Credentials.Zerodha.UserID)
	a.audit = l
	return l, nil
}

// Close releases whatever the command opened.
func (a *App) Close() error {
	var err error
	if a.store != nil {
		err = multierr.Append(err, a.store.Close())
		a.store = nil
	}
	if a.audit != nil {
		err = multierr.Append(err, a.audit.Close())
		a.audit = nil
	}
	return err
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			output := NewOutput(cmd)
			if output.IsJSON() {
				output.JSON(map[string]string{
					"version":    Version,
					"build_date": BuildDate,
				})
			} else {
				output.Printf("Kite autotrader v%s\n", Version)
				output.Dim("Build date: %s", BuildDate)
			}
		},
	}
}

func newConfigCmd(app *App) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Configuration management",
		Long:  "View and validate application configuration.",
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "show",
		Short: "Show current configuration",
		RunE: func(cmd *cobra.Command, args []string) error {
			output := NewOutput(cmd)
			if output.IsJSON() {
				return output.JSON(redacted(app.Config))
			}
			showConfig(output, app.Config)
			return nil
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "path",
		Short: "Show configuration directory path",
		Run: func(cmd *cobra.Command, args []string) {
			output := NewOutput(cmd)
			if output.IsJSON() {
				output.JSON(map[string]string{"path": app.Config.Dir})
			} else {
				output.Println(app.Config.Dir)
			}
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "validate",
		Short: "Validate configuration files",
		RunE: func(cmd *cobra.Command, args []string) error {
			output := NewOutput(cmd)
			if err := app.Config.Validate(); err != nil {
				output.Error("Configuration validation failed: %v", err)
				return err
			}
			if output.IsJSON() {
				output.JSON(map[string]bool{"valid": true})
			} else {
				output.Success("✓ Configuration is valid")
			}
			return nil
		},
	})

	return cmd
}

// redacted copies cfg with secrets masked for display.
func redacted(cfg *config.Config) config.Config {
	out := *cfg
	mask := func(s string) string {
		if s == "" {
			return ""
		}
		return "****"
	}
	out.Credentials.Zerodha.APISecret = mask(out.Credentials.Zerodha.APISecret)
	out.Server.Token = mask(out.Server.Token)
	out.Credentials.Telegram.BotToken = mask(out.Credentials.Telegram.BotToken)
	out.Notify.Telegram.BotToken = mask(out.Notify.Telegram.BotToken)
	return out
}

func showConfig(output *Output, cfg *config.Config) {
	t := cfg.Trading
	output.Bold("Trading")
	output.Printf("  Mode:             %s\n", t.Mode)
	output.Printf("  Exchange:         %s (%s)\n", t.Exchange, t.Product)
	output.Printf("  Timeframes:       %s\n", strings.Join(t.Timeframes, ", "))
	output.Printf("  Lots:             %d\n", t.Lots)
	output.Printf("  Expiry weekday:   %s, roll %d days before\n", cfg.ExpiryWeekday(), t.RolloverDays)
	output.Printf("  Cooldown:         %s\n", t.Cooldown)
	output.Printf("  Max positions:    %d\n", t.MaxOpenPositions)
	output.Printf("  Exempt symbols:   %s\n", strings.Join(t.ExemptSymbols, ", "))
	output.Printf("  Exit on signal:   %v\n", t.ExitOnSignal)
	output.Println()

	h := cfg.Hedge
	output.Bold("Hedge")
	output.Printf("  Enabled:          %v\n", h.Enabled)
	output.Printf("  Exchange:         %s, %d lot(s)\n", h.Exchange, h.Lots)
	output.Printf("  Offsets:          call +%.1f%%, put -%.1f%%\n", h.CallOffset*100, h.PutOffset*100)
	output.Println()

	s := cfg.Server
	output.Bold("Server")
	output.Printf("  Address:          %s\n", s.Addr)
	output.Printf("  Workers:          %d (queue %d)\n", s.Workers, s.Queue)
	output.Printf("  Token:            %v\n", s.Token != "")
	output.Println()

	output.Bold("Storage")
	output.Printf("  Database:         %s\n", cfg.Store.Path)
	output.Printf("  Log file:         %s\n", cfg.Logging.File)
	output.Printf("  Audit:            %v (%s)\n", cfg.Audit.Enabled, cfg.Audit.Dir)
	output.Println()

	n := cfg.Notify
	output.Bold("Notifications")
	output.Printf("  Level:            %s\n", n.Level)
	output.Printf("  Webhook:          %v\n", n.Webhook.Enabled)
	output.Printf("  Telegram:         %v\n", n.Telegram.Enabled)
}
