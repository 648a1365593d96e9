package engine

import (
	"context"
	"fmt"
	"strings"

	"github.com/google/uuid"

	"kite-autotrader/internal/errors"
	"kite-autotrader/internal/execution"
	"kite-autotrader/internal/guard"
	"kite-autotrader/internal/logging"
	"kite-autotrader/internal/models"
)

// transition moves symbol into dir. The caller holds the ticket.
func (e *Engine) transition(ctx context.Context, ticket *guard.Ticket, symbol string, dir models.Direction, refPrice float64) Outcome {
	logger := logging.WithSymbol(e.deps.Logger, symbol)

	// Another transition may have committed between the consensus read and admission.
	if last := e.deps.Signals.LastAction(symbol); last == dir {
		return Outcome{Status: StatusIgnored, Direction: dir, Message: "already in " + string(dir)}
	}
	// Every path below may touch the hedge leg or the exit timestamp.
	defer e.persist(ctx, symbol)

	exchange := e.exchangeFor(symbol)
	code := e.deps.Resolver.Resolve(symbol, e.deps.Clock.Now())
	out := Outcome{Direction: dir, Contract: code}

	qty, err := e.deps.Broker.GetPositionQuantity(ctx, exchange, code)
	if err != nil {
		return e.warn(out, symbol, "position query failed", err)
	}

	if e.hasPendingExit(code) {
		if qty != 0 {
			out.Status = StatusWarning
			out.Message = fmt.Sprintf("earlier exit of %s still unconfirmed (qty %d)", code, qty)
			logger.Warn().Str("contract", code).Int("quantity", qty).Msg("entry withheld until flat is confirmed")
			return out
		}
		e.clearPendingExit(code)
		ticket.Exited()
		logger.Info().Str("contract", code).Msg("earlier exit confirmed flat")
	}

	if qty == 0 && e.deps.Signals.HedgeLeg(symbol) != nil {
		// The position this leg was paired with is gone.
		e.closeHedge(ctx, symbol, "signal")
	}

	if qty == 0 && e.config.MaxOpenPositions > 0 && !e.isExempt(symbol) {
		open, err := e.openPositionCount(ctx, code)
		if err != nil {
			return e.warn(out, symbol, "position listing failed", err)
		}
		if open >= e.config.MaxOpenPositions {
			e.deps.Metrics.Denied("position_cap")
			logger.Info().Int("open", open).Int("cap", e.config.MaxOpenPositions).Msg("position cap reached")
			out.Status = StatusSkipped
			out.Message = fmt.Sprintf("position cap reached (%d/%d)", open, e.config.MaxOpenPositions)
			return out
		}
	}

	if qty != 0 && models.DirectionOf(qty) == dir {
		// The book already holds the desired side; only the state was behind.
		e.commit(ctx, ticket, symbol, dir)
		out.Status = StatusProcessed
		out.Message = fmt.Sprintf("position already %s %d; state synced", dir, qty)
		return out
	}

	if qty != 0 {
		if err := e.exitContract(ctx, ticket, symbol, exchange, code, qty, "signal"); err != nil {
			return e.warn(out, symbol, "exit failed; entry withheld", err)
		}
		e.closeHedge(ctx, symbol, "signal")
	}

	res, err := e.deps.Executor.Enter(ctx, exchange, code, dir)
	e.journal(ctx, symbol, code, exchange, models.ActionEntry, dir, res, "signal", err)
	if err != nil {
		return e.warn(out, symbol, "entry failed", err)
	}

	e.commit(ctx, ticket, symbol, dir)
	logging.LogTrade(logger, code, string(res.Side), res.Quantity, res.Price)

	msg := fmt.Sprintf("entered %s %s x%d", dir, code, res.Quantity)
	if note := e.openHedge(ctx, symbol, exchange, code, dir, refPrice); note != "" {
		msg += "; " + note
	}

	out.Status = StatusProcessed
	out.Message = msg
	return out
}

// flatten exits the active contract and the hedge for an EXIT signal. Exits
// bypass the cooldown but never overlap a running transition.
func (e *Engine) flatten(ctx context.Context, symbol, reason string) Outcome {
	logger := logging.WithSymbol(e.deps.Logger, symbol)

	ticket, denial := e.deps.Guard.TryAcquire(symbol)
	if ticket == nil {
		e.deps.Metrics.Denied(string(denial))
		logger.Info().Str("reason", string(denial)).Msg("exit skipped")
		return Outcome{Status: StatusSkipped, Message: "skipped: " + string(denial)}
	}
	defer ticket.Release()
	defer e.persist(ctx, symbol)

	exchange := e.exchangeFor(symbol)
	code := e.deps.Resolver.Resolve(symbol, e.deps.Clock.Now())
	out := Outcome{Direction: models.DirectionNone, Contract: code}

	qty, err := e.deps.Broker.GetPositionQuantity(ctx, exchange, code)
	if err != nil {
		return e.warn(out, symbol, "position query failed", err)
	}

	hasHedge := e.deps.Signals.HedgeLeg(symbol) != nil
	if qty == 0 && !hasHedge && e.deps.Signals.LastAction(symbol) == models.DirectionNone {
		out.Status = StatusIgnored
		out.Message = "already flat"
		return out
	}

	if qty != 0 {
		if err := e.exitContract(ctx, ticket, symbol, exchange, code, qty, reason); err != nil {
			return e.warn(out, symbol, "exit failed", err)
		}
	}
	e.closeHedge(ctx, symbol, reason)
	e.commit(ctx, ticket, symbol, models.DirectionNone)

	out.Status = StatusProcessed
	out.Message = fmt.Sprintf("exited %s", code)
	return out
}

// sweepRollover migrates a position out of a contract past its cutoff. It
// reports whether a rollover completed.
func (e *Engine) sweepRollover(ctx context.Context, symbol string) bool {
	logger := logging.WithSymbol(e.deps.Logger, symbol)

	expiring, next, due := e.deps.Resolver.Rollover(symbol, e.deps.Clock.Now())
	if !due {
		return false
	}
	exchange := e.exchangeFor(symbol)

	qty, err := e.deps.Broker.GetPositionQuantity(ctx, exchange, expiring.Code)
	if err != nil {
		logger.Warn().Err(err).Str("contract", expiring.Code).Msg("rollover position check failed")
		return false
	}
	if qty == 0 {
		return false
	}

	ticket, denial := e.deps.Guard.TryAcquire(symbol)
	if ticket == nil {
		logger.Info().Str("reason", string(denial)).Msg("rollover deferred")
		return false
	}
	defer ticket.Release()

	// Re-read under the ticket; a transition may have just closed it.
	qty, err = e.deps.Broker.GetPositionQuantity(ctx, exchange, expiring.Code)
	if err != nil || qty == 0 {
		return false
	}
	defer e.persist(ctx, symbol)
	dir := models.DirectionOf(qty)

	logger.Info().
		Str("from", expiring.Code).
		Str("to", next.Code).
		Int("quantity", qty).
		Msg("rolling over position")

	if err := e.exitContract(ctx, ticket, symbol, exchange, expiring.Code, qty, "rollover"); err != nil {
		logger.Warn().Err(err).Msg("rollover exit failed")
		return false
	}
	hadHedge := e.deps.Signals.HedgeLeg(symbol) != nil
	e.closeHedge(ctx, symbol, "rollover")

	res, err := e.deps.Executor.Enter(ctx, exchange, next.Code, dir)
	e.journal(ctx, symbol, next.Code, exchange, models.ActionEntry, dir, res, "rollover", err)
	if err != nil {
		logger.Warn().Err(err).Str("contract", next.Code).Msg("rollover entry failed")
		e.commit(ctx, ticket, symbol, models.DirectionNone)
		return false
	}

	e.commit(ctx, ticket, symbol, dir)
	if hadHedge {
		e.openHedge(ctx, symbol, exchange, next.Code, dir, 0)
	}
	e.deps.Metrics.Rollover()
	return true
}

// exitContract closes qty and waits for flat. An unconfirmed exit is
// remembered so later transitions wait for a zero read before entering.
func (e *Engine) exitContract(ctx context.Context, ticket *guard.Ticket, symbol string, exchange models.Exchange, code string, qty int, reason string) error {
	res, err := e.deps.Executor.Exit(ctx, exchange, code, qty)
	e.journal(ctx, symbol, code, exchange, models.ActionExit, models.DirectionOf(qty), res, reason, err)
	if err != nil {
		if errors.Is(err, errors.ErrConfirmationTimeout) {
			e.markPendingExit(code)
		}
		return err
	}
	ticket.Exited()
	return nil
}

func (e *Engine) commit(ctx context.Context, ticket *guard.Ticket, symbol string, dir models.Direction) {
	e.deps.Signals.CommitAction(symbol, dir)
	ticket.Committed(dir)
	logger := logging.WithSymbol(e.deps.Logger, symbol)
	logger.Info().Str("direction", string(dir)).Msg("state committed")
}

// openHedge opens the hedge leg for a fresh position. Failures are reported
// in the returned note and never undo the primary entry.
func (e *Engine) openHedge(ctx context.Context, symbol string, exchange models.Exchange, code string, dir models.Direction, refPrice float64) string {
	if e.deps.Hedger == nil || !e.deps.Hedger.Enabled() || e.isExempt(symbol) {
		return ""
	}
	logger := logging.WithSymbol(e.deps.Logger, symbol)

	if refPrice <= 0 {
		ltp, err := e.deps.Broker.GetLastPrice(ctx, exchange, code)
		if err != nil {
			logger.Warn().Err(err).Msg("no reference price for hedge")
			return "hedge skipped: no reference price"
		}
		refPrice = ltp
	}

	leg, err := e.deps.Hedger.Open(ctx, symbol, dir, refPrice)
	if err != nil {
		e.deps.Metrics.Order(string(models.ActionHedgeOpen), false)
		logger.Warn().Err(err).Msg("hedge leg not opened")
		e.journalRecord(ctx, &models.TradeRecord{
			Symbol: symbol, Exchange: exchange, Action: models.ActionHedgeOpen, Direction: dir,
			Side: models.OrderSideSell, Reason: "hedge", Error: err.Error(),
		})
		return "hedge failed: " + err.Error()
	}

	e.deps.Signals.SetHedgeLeg(symbol, leg)
	e.deps.Metrics.Order(string(models.ActionHedgeOpen), true)
	e.journalRecord(ctx, &models.TradeRecord{
		Symbol: symbol, Contract: leg.Symbol, Exchange: leg.Exchange, Action: models.ActionHedgeOpen,
		Direction: dir, Side: models.OrderSideSell, Quantity: leg.Quantity, Reason: "hedge", Success: true,
	})
	return "hedged with " + leg.Symbol
}

// closeHedge buys back the open hedge leg and clears it whatever the outcome.
func (e *Engine) closeHedge(ctx context.Context, symbol, reason string) {
	leg := e.deps.Signals.HedgeLeg(symbol)
	if leg == nil {
		return
	}
	defer e.deps.Signals.SetHedgeLeg(symbol, nil)
	if e.deps.Hedger == nil {
		return
	}

	rec := &models.TradeRecord{
		Symbol: symbol, Contract: leg.Symbol, Exchange: leg.Exchange, Action: models.ActionHedgeClose,
		Side: models.OrderSideBuy, Quantity: leg.Quantity, Reason: reason, Success: true,
	}
	if err := e.deps.Hedger.Close(ctx, leg); err != nil {
		rec.Success = false
		rec.Error = err.Error()
		logger := logging.WithSymbol(e.deps.Logger, symbol)
		logger.Error().Err(err).
			Str("option", leg.Symbol).
			Msg("hedge close failed; residual option position needs attention")
	}
	e.deps.Metrics.Order(string(models.ActionHedgeClose), rec.Success)
	e.journalRecord(ctx, rec)
}

// openPositionCount counts open futures positions other than code, leaving
// out option legs and exempt symbols.
func (e *Engine) openPositionCount(ctx context.Context, code string) (int, error) {
	positions, err := e.deps.Broker.ListOpenPositions(ctx)
	if err != nil {
		return 0, err
	}
	n := 0
	for _, p := range positions {
		if p.Quantity == 0 || p.Symbol == code {
			continue
		}
		if strings.HasSuffix(p.Symbol, models.InstrumentCall) || strings.HasSuffix(p.Symbol, models.InstrumentPut) {
			continue
		}
		if e.exemptContract(p.Symbol) {
			continue
		}
		n++
	}
	return n, nil
}

func (e *Engine) exemptContract(tradingSymbol string) bool {
	for root := range e.exempt {
		if strings.HasPrefix(tradingSymbol, root) {
			return true
		}
	}
	return false
}

func (e *Engine) warn(out Outcome, symbol, msg string, err error) Outcome {
	logger := logging.WithSymbol(e.deps.Logger, symbol)
	logger.Warn().
		Err(err).
		Str("kind", string(errors.KindOf(err))).
		Str("contract", out.Contract).
		Msg(msg)
	out.Status = StatusWarning
	if errors.KindOf(err) == errors.KindSession {
		out.Status = StatusUnauthenticated
	}
	out.Message = fmt.Sprintf("%s: %v", msg, err)
	return out
}

// journal writes the audit record for an entry or exit order.
func (e *Engine) journal(ctx context.Context, symbol, code string, exchange models.Exchange, action models.TradeAction, dir models.Direction, res *execution.Result, reason string, err error) {
	rec := &models.TradeRecord{
		Symbol:    symbol,
		Contract:  code,
		Exchange:  exchange,
		Action:    action,
		Direction: dir,
		Reason:    reason,
		Success:   err == nil,
	}
	if res != nil {
		rec.Side = res.Side
		rec.Quantity = res.Quantity
		rec.Price = res.Price
		rec.OrderID = res.OrderID
	}
	if err != nil {
		rec.Error = err.Error()
	}
	if rec.Price == 0 && res != nil {
		if ltp, lerr := e.deps.Broker.GetLastPrice(ctx, exchange, code); lerr == nil {
			rec.Price = ltp
		}
	}
	e.deps.Metrics.Order(string(action), err == nil)
	e.journalRecord(ctx, rec)
}

func (e *Engine) journalRecord(ctx context.Context, rec *models.TradeRecord) {
	if rec.ID == "" {
		rec.ID = uuid.NewString()
	}
	if rec.Timestamp.IsZero() {
		rec.Timestamp = e.deps.Clock.Now()
	}
	rec.IsPaper = e.config.IsPaper
	for _, j := range e.deps.Journals {
		if err := j.LogTrade(ctx, rec); err != nil {
			logger := logging.WithSymbol(e.deps.Logger, rec.Symbol)
			logger.Warn().Err(err).Msg("failed to journal trade")
		}
	}
}
