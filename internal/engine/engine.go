// Package engine turns inbound signals into position transitions.
//
// For every signal the engine runs the calendar-driven rollover sweep,
// records the timeframe slot, evaluates consensus and, when the consensus
// differs from the last committed action, executes the transition under
// the symbol's guard ticket: exit the current contract, confirm flat, enter
// the active contract, commit, and open the hedge leg.
package engine

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"kite-autotrader/internal/broker"
	"kite-autotrader/internal/contract"
	"kite-autotrader/internal/errors"
	"kite-autotrader/internal/execution"
	"kite-autotrader/internal/guard"
	"kite-autotrader/internal/hedge"
	"kite-autotrader/internal/logging"
	"kite-autotrader/internal/metrics"
	"kite-autotrader/internal/models"
	"kite-autotrader/internal/signals"
	"kite-autotrader/pkg/utils"
)

// Status is the acknowledgment returned for a signal.
type Status string

const (
	// StatusProcessed means a transition, exit or rollover completed.
	StatusProcessed Status = "processed"
	// StatusIgnored means no action was needed.
	StatusIgnored Status = "ignored"
	// StatusSkipped means the guard or the position cap refused the transition.
	StatusSkipped Status = "skipped"
	// StatusWarning means a broker step failed and the transition was aborted.
	StatusWarning Status = "warning"
	// StatusRejected means the event itself was invalid.
	StatusRejected Status = "rejected"
	// StatusUnauthenticated means there is no usable broker session.
	StatusUnauthenticated Status = "unauthenticated"
)

// Outcome is the result of processing one signal.
type Outcome struct {
	Status    Status           `json:"status"`
	Symbol    string           `json:"symbol,omitempty"`
	Direction models.Direction `json:"direction,omitempty"`
	Contract  string           `json:"contract,omitempty"`
	Message   string           `json:"message"`
	Rolled    bool             `json:"rolled,omitempty"`
}

// StateStore persists symbol state after every change to it.
type StateStore interface {
	SaveState(ctx context.Context, st models.SymbolState) error
}

// TradeJournal receives an audit record for every order the engine places.
type TradeJournal interface {
	LogTrade(ctx context.Context, rec *models.TradeRecord) error
}

// Config holds engine configuration.
type Config struct {
	Exchange          models.Exchange
	ExchangeOverrides map[string]models.Exchange
	// MaxOpenPositions caps the number of other open futures positions when
	// entering from flat. Zero disables the cap.
	MaxOpenPositions int
	// ExemptSymbols skip the position cap and the hedge leg.
	ExemptSymbols []string
	// ExitOnSignal flattens the symbol when an EXIT signal arrives.
	ExitOnSignal bool
	IsPaper      bool
}

// Deps are the collaborators the engine drives.
type Deps struct {
	Broker   broker.Broker
	Signals  *signals.Store
	Guard    *guard.Guard
	Resolver *contract.Resolver
	Executor *execution.Executor
	Hedger   *hedge.Manager // nil disables hedging
	States   StateStore     // optional
	Journals []TradeJournal // optional
	Metrics  *metrics.Metrics
	Clock    utils.Clock
	Logger   zerolog.Logger
}

// pendingExitTTL bounds how long an unconfirmed exit withholds new orders.
const pendingExitTTL = 5 * time.Minute

// Engine is the per-symbol decision state machine.
type Engine struct {
	deps   Deps
	config Config
	exempt map[string]bool

	mu           sync.Mutex
	pendingExits map[string]time.Time // contract code -> when the exit went unconfirmed
}

// New creates an engine.
func New(deps Deps, cfg Config) *Engine {
	if deps.Clock == nil {
		deps.Clock = utils.SystemClock{}
	}
	if cfg.Exchange == "" {
		cfg.Exchange = models.NFO
	}
	exempt := make(map[string]bool, len(cfg.ExemptSymbols))
	for _, s := range cfg.ExemptSymbols {
		exempt[signals.NormalizeSymbol(s)] = true
	}
	return &Engine{
		deps:         deps,
		config:       cfg,
		exempt:       exempt,
		pendingExits: make(map[string]time.Time),
	}
}

// Process handles one inbound signal. It never panics on broker failures;
// they are reported in the Outcome.
func (e *Engine) Process(ctx context.Context, raw models.SignalEvent) Outcome {
	out := e.process(ctx, raw)
	e.deps.Metrics.Decision(string(out.Status))
	return out
}

func (e *Engine) process(ctx context.Context, raw models.SignalEvent) Outcome {
	ev, err := signals.Normalize(raw)
	if err != nil {
		var verr *errors.ValidationError
		if errors.As(err, &verr) && verr.Field == "signal" && strings.TrimSpace(raw.Signal) != "" {
			return Outcome{Status: StatusIgnored, Symbol: signals.NormalizeSymbol(raw.Symbol), Message: "unrecognized signal " + raw.Signal}
		}
		return Outcome{Status: StatusRejected, Symbol: signals.NormalizeSymbol(raw.Symbol), Message: err.Error()}
	}

	logger := logging.WithSymbol(e.deps.Logger, ev.Symbol)
	e.deps.Metrics.Signal(ev.Symbol, string(ev.Kind))
	logger.Info().
		Str("signal", string(ev.Kind)).
		Str("timeframe", ev.Timeframe).
		Float64("price", ev.Price).
		Msg("signal received")

	if !broker.IsAuthenticated(e.deps.Broker) {
		logger.Error().Msg("no valid broker session")
		return Outcome{Status: StatusUnauthenticated, Symbol: ev.Symbol, Message: errors.ErrNotAuthenticated.Error()}
	}

	rolled := e.sweepRollover(ctx, ev.Symbol)

	var out Outcome
	switch ev.Kind {
	case models.SignalExit:
		e.deps.Signals.Record(ev.Symbol, ev.Timeframe, models.DirectionNone)
		if !e.config.ExitOnSignal {
			out = Outcome{Status: StatusIgnored, Message: "exit recorded for " + ev.Timeframe}
		} else {
			out = e.flatten(ctx, ev.Symbol, "exit_signal")
		}
	default:
		dir := models.DirectionLong
		if ev.Kind == models.SignalShort {
			dir = models.DirectionShort
		}
		e.deps.Signals.Record(ev.Symbol, ev.Timeframe, dir)
		out = e.decide(ctx, ev)
	}

	out.Symbol = ev.Symbol
	out.Rolled = rolled
	return out
}

// decide applies the consensus rule and, if warranted, runs the transition.
func (e *Engine) decide(ctx context.Context, ev signals.Event) Outcome {
	logger := logging.WithSymbol(e.deps.Logger, ev.Symbol)

	consensus, ok := e.deps.Signals.Consensus(ev.Symbol)
	if !ok {
		logger.Info().Interface("slots", e.deps.Signals.Slots(ev.Symbol)).Msg("signals not aligned")
		return Outcome{Status: StatusIgnored, Message: "signals not aligned"}
	}

	if last := e.deps.Signals.LastAction(ev.Symbol); consensus == last {
		logger.Info().Str("direction", string(consensus)).Msg("already in desired state")
		return Outcome{Status: StatusIgnored, Direction: consensus, Message: "already in " + string(consensus)}
	}

	ticket, denial := e.deps.Guard.TryAdmit(ev.Symbol, consensus)
	if ticket == nil {
		e.deps.Metrics.Denied(string(denial))
		logger.Info().Str("reason", string(denial)).Str("direction", string(consensus)).Msg("transition skipped")
		return Outcome{Status: StatusSkipped, Direction: consensus, Message: "skipped: " + string(denial)}
	}
	started := e.deps.Clock.Now()
	defer func() {
		ticket.Release()
		e.deps.Metrics.Transition(e.deps.Clock.Now().Sub(started))
	}()

	return e.transition(ctx, ticket, ev.Symbol, consensus, ev.Price)
}

// Restore seeds the signal store and guard from persisted states.
func (e *Engine) Restore(states []models.SymbolState) {
	for _, st := range states {
		e.deps.Signals.Restore(st)
		e.deps.Guard.Restore(st)
	}
}

// Snapshot returns the current state of a symbol.
func (e *Engine) Snapshot(symbol string) models.SymbolState {
	st := e.deps.Signals.Snapshot(symbol)
	e.deps.Guard.Annotate(&st)
	return st
}

// Snapshots returns the state of every known symbol.
func (e *Engine) Snapshots() []models.SymbolState {
	symbols := e.deps.Signals.Symbols()
	out := make([]models.SymbolState, 0, len(symbols))
	for _, sym := range symbols {
		out = append(out, e.Snapshot(sym))
	}
	return out
}

// Timeframes returns the configured consensus timeframes.
func (e *Engine) Timeframes() []string {
	return e.deps.Signals.Timeframes()
}

func (e *Engine) exchangeFor(symbol string) models.Exchange {
	if ex, ok := e.config.ExchangeOverrides[symbol]; ok && ex != "" {
		return ex
	}
	return e.config.Exchange
}

func (e *Engine) isExempt(symbol string) bool {
	return e.exempt[symbol]
}

func (e *Engine) markPendingExit(code string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.pendingExits[code] = e.deps.Clock.Now()
}

func (e *Engine) clearPendingExit(code string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	delete(e.pendingExits, code)
}

func (e *Engine) hasPendingExit(code string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	at, ok := e.pendingExits[code]
	if !ok {
		return false
	}
	if e.deps.Clock.Now().Sub(at) > pendingExitTTL {
		delete(e.pendingExits, code)
		return false
	}
	return true
}

func (e *Engine) persist(ctx context.Context, symbol string) {
	if e.deps.States == nil {
		return
	}
	// A transition cut short by its deadline still leaves state worth saving.
	if err := e.deps.States.SaveState(context.WithoutCancel(ctx), e.Snapshot(symbol)); err != nil {
		logger := logging.WithSymbol(e.deps.Logger, symbol)
		logger.Warn().Err(err).Msg("failed to persist symbol state")
	}
}
