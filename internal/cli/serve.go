package cli

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"kite-autotrader/internal/audit"
	"kite-autotrader/internal/broker"
	"kite-autotrader/internal/contract"
	"kite-autotrader/internal/engine"
	"kite-autotrader/internal/execution"
	"kite-autotrader/internal/guard"
	"kite-autotrader/internal/hedge"
	"kite-autotrader/internal/metrics"
	"kite-autotrader/internal/models"
	"kite-autotrader/internal/notify"
	"kite-autotrader/internal/resilience"
	"kite-autotrader/internal/server"
	"kite-autotrader/internal/signals"
	"kite-autotrader/pkg/utils"
)

// sessionPollInterval is how often serve looks for a session saved by 'trader login'.
const sessionPollInterval = 30 * time.Second

const alertTimeout = 10 * time.Second

func newServeCmd(app *App) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the webhook receiver",
		Long: `Run the webhook receiver and the decision engine.

Alerts are POSTed to /webhook as JSON:

  {"symbol": "NIFTY", "signal": "LONG", "timeframe": "5m", "price": 25210.5, "token": "..."}

GET /state shows the per-symbol state and GET /metrics exposes Prometheus
metrics. In live mode a login is needed first; the receiver picks up a new
session without restarting.`,
		Example: `  trader serve
  trader serve --paper --addr :8080`,
		RunE: func(cmd *cobra.Command, args []string) error {
			output := NewOutput(cmd)
			cfg := app.Config

			if paper, _ := cmd.Flags().GetBool("paper"); paper {
				cfg.Trading.Mode = "paper"
			}
			if addr, _ := cmd.Flags().GetString("addr"); addr != "" {
				cfg.Server.Addr = addr
			}

			srv, cleanup, err := buildServer(cmd.Context(), app)
			if err != nil {
				output.Error("Startup failed: %v", err)
				return err
			}
			defer cleanup()

			if !output.IsJSON() {
				output.Success("✓ Listening on %s (%s mode)", cfg.Server.Addr, cfg.Trading.Mode)
				if cfg.Server.Token == "" {
					output.Warning("No webhook token configured; any caller can submit signals")
				}
			}

			errCh := make(chan error, 1)
			go func() {
				errCh <- srv.Start()
			}()

			sigCh := make(chan os.Signal, 1)
			signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
			defer signal.Stop(sigCh)

			select {
			case sig := <-sigCh:
				app.Logger.Info().Str("signal", sig.String()).Msg("Shutting down")
			case err := <-errCh:
				if err != nil {
					return fmt.Errorf("server: %w", err)
				}
				return nil
			}

			ctx, cancel := context.WithTimeout(context.Background(), cfg.Server.RequestTimeout+5*time.Second)
			defer cancel()
			if err := srv.Shutdown(ctx); err != nil {
				return fmt.Errorf("shutdown: %w", err)
			}
			app.Logger.Info().Msg("Server stopped")
			return nil
		},
	}

	cmd.Flags().Bool("paper", false, "Simulate orders instead of sending them to Kite")
	cmd.Flags().String("addr", "", "Listen address (overrides server.addr)")

	return cmd
}

// buildServer wires the broker, engine, persistence and HTTP server. The
// returned cleanup stops background work started here.
func buildServer(ctx context.Context, app *App) (*server.Server, func(), error) {
	cfg := app.Config
	logger := app.Logger
	clock := utils.SystemClock{}

	breakerCfg := resilience.DefaultCircuitBreakerConfig()
	if cfg.Breaker.FailureThreshold > 0 {
		breakerCfg.FailureThreshold = cfg.Breaker.FailureThreshold
	}
	if cfg.Breaker.SuccessThreshold > 0 {
		breakerCfg.SuccessThreshold = cfg.Breaker.SuccessThreshold
	}
	if cfg.Breaker.Timeout > 0 {
		breakerCfg.Timeout = cfg.Breaker.Timeout
	}

	zb, zerr := app.Zerodha()
	var b broker.Broker
	if cfg.IsPaperMode() {
		pcfg := broker.PaperBrokerConfig{}
		if cfg.Trading.PaperMarketData && zerr == nil {
			pcfg.DataBroker = broker.NewResilientBroker(zb, breakerCfg)
		}
		b = broker.NewPaperBroker(pcfg)
		logger.Info().Bool("market_data", pcfg.DataBroker != nil).Msg("Paper broker initialized")
	} else {
		if zerr != nil {
			return nil, nil, zerr
		}
		b = broker.NewResilientBroker(zb, breakerCfg)
		if !zb.IsAuthenticated() {
			logger.Warn().Msg("No valid Kite session; signals are refused until 'trader login'")
		}
	}

	ds, err := app.Store()
	if err != nil {
		return nil, nil, fmt.Errorf("opening store: %w", err)
	}
	journals := []engine.TradeJournal{ds}
	al, err := app.Audit()
	if err != nil {
		return nil, nil, fmt.Errorf("opening audit log: %w", err)
	}
	if al != nil {
		journals = append(journals, al)
	}
	notifier := notify.New(cfg.Notify, logger)
	if notifier != nil {
		journals = append(journals, notifier)
	}

	m := metrics.New()
	instruments := broker.NewInstrumentCache(b, clock)
	exec := execution.NewExecutor(b, instruments, clock, execution.Config{
		Product:       models.ProductType(cfg.Trading.Product),
		Lots:          cfg.Trading.Lots,
		ExitPolicy:    utils.FixedPolicy(cfg.Polling.ExitAttempts, cfg.Polling.ExitDelay),
		LimitAttempts: cfg.Polling.HedgeAttempts,
		LimitPolicy:   utils.FixedPolicy(cfg.Polling.HedgePollAttempts, cfg.Polling.HedgePollDelay),
		Tag:           "autotrader",
	}, logger)

	var hedger *hedge.Manager
	if cfg.Hedge.Enabled {
		hedger = hedge.NewManager(exec, clock, hedge.Config{
			Enabled:         true,
			Exchange:        models.Exchange(cfg.Hedge.Exchange),
			Lots:            cfg.Hedge.Lots,
			CallOffset:      cfg.Hedge.CallOffset,
			PutOffset:       cfg.Hedge.PutOffset,
			MinDaysToExpiry: cfg.Hedge.MinDaysToExpiry,
		}, logger)
	}

	eng := engine.New(engine.Deps{
		Broker:   b,
		Signals:  signals.NewStore(cfg.Trading.Timeframes, clock),
		Guard:    guard.New(cfg.Trading.Cooldown, clock),
		Resolver: contract.NewResolver(cfg.ExpiryWeekday(), cfg.Trading.RolloverDays),
		Executor: exec,
		Hedger:   hedger,
		States:   ds,
		Journals: journals,
		Metrics:  m,
		Clock:    clock,
		Logger:   logger,
	}, engine.Config{
		Exchange:          models.Exchange(cfg.Trading.Exchange),
		ExchangeOverrides: cfg.ExchangeOverrides(),
		MaxOpenPositions:  cfg.Trading.MaxOpenPositions,
		ExemptSymbols:     cfg.Trading.ExemptSymbols,
		ExitOnSignal:      cfg.Trading.ExitOnSignal,
		IsPaper:           cfg.IsPaperMode(),
	})

	states, err := ds.LoadStates(ctx)
	if err != nil {
		return nil, nil, fmt.Errorf("loading symbol state: %w", err)
	}
	eng.Restore(states)
	logger.Info().Int("symbols", len(states)).Msg("Symbol state restored")

	var proc server.Processor = eng
	if al != nil || notifier != nil {
		proc = &sessionAudit{Processor: eng, audit: al, notifier: notifier, logger: logger}
	}

	health := resilience.NewHealthChecker(5 * time.Second)
	if sq, ok := ds.(interface{ Ping(context.Context) error }); ok {
		health.Register("store", resilience.DatabaseHealthCheck(sq.Ping))
	}
	health.Register("broker_session", resilience.SessionHealthCheck(func() bool { return broker.IsAuthenticated(b) }))
	if rb, ok := b.(*broker.ResilientBroker); ok {
		health.Register("broker_circuit", resilience.CircuitHealthCheck(rb.Breaker()))
	}

	srv := server.New(proc, server.Config{
		Addr:           cfg.Server.Addr,
		Workers:        cfg.Server.Workers,
		Queue:          cfg.Server.Queue,
		Token:          cfg.Server.Token,
		RequestTimeout: cfg.Server.RequestTimeout,
		Mode:           cfg.Trading.Mode,
		Health:         health,
	}, m.Handler(), logger)

	watchCtx, stop := context.WithCancel(context.Background())
	if zerr == nil {
		go watchSession(watchCtx, zb, logger)
	}
	cleanup := func() {
		stop()
		if notifier != nil {
			notifier.Close()
		}
	}
	return srv, cleanup, nil
}

// watchSession reloads the saved Kite session whenever the broker has none,
// so a login from another terminal takes effect without a restart.
func watchSession(ctx context.Context, zb *broker.ZerodhaBroker, logger zerolog.Logger) {
	ticker := time.NewTicker(sessionPollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if zb.IsAuthenticated() {
				continue
			}
			if err := zb.Reload(); err == nil {
				logger.Info().Msg("Kite session loaded")
			} else if !errors.Is(err, os.ErrNotExist) {
				logger.Debug().Err(err).Msg("No usable Kite session")
			}
		}
	}
}

// sessionAudit records signals refused for lack of a broker session in the
// audit trail and raises one alert per lapse.
type sessionAudit struct {
	server.Processor
	audit    *audit.Logger
	notifier *notify.Notifier
	logger   zerolog.Logger
	alerted  atomic.Bool
}

func (s *sessionAudit) Process(ctx context.Context, ev models.SignalEvent) engine.Outcome {
	out := s.Processor.Process(ctx, ev)
	switch out.Status {
	case engine.StatusUnauthenticated:
	case engine.StatusRejected:
		return out
	default:
		s.alerted.Store(false)
		return out
	}

	if s.audit != nil {
		if err := s.audit.LogSessionExpired(ctx, out.Symbol); err != nil {
			s.logger.Warn().Err(err).Msg("Failed to write audit event")
		}
	}
	if s.notifier != nil && s.alerted.CompareAndSwap(false, true) {
		sendCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), alertTimeout)
		defer cancel()
		refused := fmt.Sprintf("signal for %s refused; run 'trader login'", out.Symbol)
		if err := s.notifier.SendError(sendCtx, errors.New(out.Message), refused); err != nil {
			s.logger.Warn().Err(err).Msg("Failed to send session alert")
		}
	}
	return out
}
