// Package execution places entry, exit and limit orders against the broker
// and confirms them with bounded polling.
package execution

import (
	"context"
	"fmt"

	"github.com/rs/zerolog"

	"kite-autotrader/internal/broker"
	"kite-autotrader/internal/errors"
	"kite-autotrader/internal/logging"
	"kite-autotrader/internal/models"
	"kite-autotrader/pkg/utils"
)

// Config holds executor configuration.
type Config struct {
	Product models.ProductType
	// Lots is the number of lots per entry.
	Lots int
	// ExitPolicy bounds the flat-confirmation poll after an exit order.
	ExitPolicy utils.RetryConfig
	// LimitAttempts is how many quote-place-poll cycles a limit order gets.
	LimitAttempts int
	// LimitPolicy bounds the order-status poll inside one cycle.
	LimitPolicy utils.RetryConfig
	// Tag is attached to every order.
	Tag string
}

// DefaultConfig returns the default executor configuration.
func DefaultConfig() Config {
	return Config{
		Product:       models.ProductNRML,
		Lots:          1,
		ExitPolicy:    utils.FixedPolicy(10, utils.DefaultPollDelay),
		LimitAttempts: 3,
		LimitPolicy:   utils.FixedPolicy(5, utils.DefaultPollDelay),
		Tag:           "autotrader",
	}
}

// Result describes an executed order.
type Result struct {
	OrderID  string
	Symbol   string
	Exchange models.Exchange
	Side     models.OrderSide
	Quantity int
	Price    float64
	Status   string
}

// Executor places orders for the decision engine and the hedge manager.
type Executor struct {
	broker      broker.Broker
	instruments *broker.InstrumentCache
	clock       utils.Clock
	config      Config
	logger      zerolog.Logger
}

// NewExecutor creates an executor.
func NewExecutor(b broker.Broker, instruments *broker.InstrumentCache, clock utils.Clock, cfg Config, logger zerolog.Logger) *Executor {
	if clock == nil {
		clock = utils.SystemClock{}
	}
	if instruments == nil {
		instruments = broker.NewInstrumentCache(b, clock)
	}
	if cfg.Lots <= 0 {
		cfg.Lots = 1
	}
	if cfg.LimitAttempts <= 0 {
		cfg.LimitAttempts = 1
	}
	if cfg.Product == "" {
		cfg.Product = models.ProductNRML
	}
	return &Executor{
		broker:      b,
		instruments: instruments,
		clock:       clock,
		config:      cfg,
		logger:      logger,
	}
}

// Instruments returns the shared instrument cache.
func (e *Executor) Instruments() *broker.InstrumentCache {
	return e.instruments
}

// Quantity returns the entry size for a trading symbol: lot size times lots.
func (e *Executor) Quantity(ctx context.Context, exchange models.Exchange, symbol string) int {
	return e.instruments.LotSize(ctx, exchange, symbol) * e.config.Lots
}

// Enter opens a position in dir with a market order sized to the configured
// lots. It does not retry.
func (e *Executor) Enter(ctx context.Context, exchange models.Exchange, symbol string, dir models.Direction) (*Result, error) {
	if !dir.IsDirectional() {
		return nil, errors.NewValidationError("direction", dir, "entry needs LONG or SHORT")
	}

	order := &models.Order{
		Symbol:   symbol,
		Exchange: exchange,
		Side:     dir.Side(),
		Type:     models.OrderTypeMarket,
		Product:  e.config.Product,
		Quantity: e.Quantity(ctx, exchange, symbol),
		Tag:      e.config.Tag,
	}
	return e.place(ctx, order)
}

// Exit closes qty with a market order on the opposite side, then polls the
// position until it reads flat. When the attempt budget runs out the error
// wraps errors.ErrConfirmationTimeout and the caller must not enter.
func (e *Executor) Exit(ctx context.Context, exchange models.Exchange, symbol string, qty int) (*Result, error) {
	if qty == 0 {
		return nil, nil
	}

	side := models.OrderSideSell
	if qty < 0 {
		side = models.OrderSideBuy
		qty = -qty
	}

	res, err := e.place(ctx, &models.Order{
		Symbol:   symbol,
		Exchange: exchange,
		Side:     side,
		Type:     models.OrderTypeMarket,
		Product:  e.config.Product,
		Quantity: qty,
		Tag:      e.config.Tag,
	})
	if err != nil {
		return nil, err
	}

	if err := e.ConfirmFlat(ctx, exchange, symbol); err != nil {
		return res, err
	}
	return res, nil
}

// ConfirmFlat polls the position until it reads zero.
func (e *Executor) ConfirmFlat(ctx context.Context, exchange models.Exchange, symbol string) error {
	logger := logging.WithSymbol(e.logger, symbol)
	err := utils.Poll(ctx, e.clock, e.config.ExitPolicy, func(attempt int) (bool, error) {
		qty, err := e.broker.GetPositionQuantity(ctx, exchange, symbol)
		if err != nil {
			logger.Debug().Err(err).Int("attempt", attempt).Msg("position query failed during exit confirmation")
			return false, err
		}
		return qty == 0, nil
	})
	if err != nil {
		logger.Warn().Err(err).Msg("exit not confirmed flat")
		return fmt.Errorf("exit %s: %w", symbol, err)
	}
	return nil
}

// PlaceLimitConfirmed places a limit order at the best opposite-side price
// and polls its status until COMPLETE. An unfilled order is cancelled and
// the cycle repeats with a fresh quote, up to LimitAttempts times.
func (e *Executor) PlaceLimitConfirmed(ctx context.Context, exchange models.Exchange, symbol string, side models.OrderSide, qty int) (*Result, error) {
	logger := logging.WithSymbol(e.logger, symbol)
	var lastErr error

	for attempt := 0; attempt < e.config.LimitAttempts; attempt++ {
		if attempt > 0 {
			if err := e.clock.Sleep(ctx, e.config.LimitPolicy.InitialDelay); err != nil {
				return nil, err
			}
		}

		price, err := e.limitPrice(ctx, exchange, symbol, side)
		if err != nil {
			lastErr = err
			logger.Warn().Err(err).Int("attempt", attempt+1).Msg("no usable quote for limit order")
			continue
		}

		res, err := e.place(ctx, &models.Order{
			Symbol:   symbol,
			Exchange: exchange,
			Side:     side,
			Type:     models.OrderTypeLimit,
			Product:  e.config.Product,
			Quantity: qty,
			Price:    price,
			Tag:      e.config.Tag,
		})
		if err != nil {
			lastErr = err
			if errors.KindOf(err) == errors.KindSession {
				return nil, err
			}
			continue
		}

		status, err := e.awaitFill(ctx, res.OrderID)
		res.Status = status
		if status == models.OrderStatusComplete {
			return res, nil
		}
		lastErr = err
		logging.LogOrder(logger, res.OrderID, symbol, string(side), status)
	}

	if lastErr == nil {
		lastErr = errors.ErrConfirmationTimeout
	}
	return nil, fmt.Errorf("limit %s %s not filled after %d attempts: %w", side, symbol, e.config.LimitAttempts, lastErr)
}

// awaitFill polls an order until it is terminal, cancelling it if the poll
// budget runs out. It returns the last observed status.
func (e *Executor) awaitFill(ctx context.Context, orderID string) (string, error) {
	logger := logging.WithOrderID(e.logger, orderID)
	var status string
	pollErr := utils.Poll(ctx, e.clock, e.config.LimitPolicy, func(attempt int) (bool, error) {
		s, err := e.broker.GetOrderStatus(ctx, orderID)
		if err != nil {
			logger.Debug().Err(err).Int("attempt", attempt).Msg("order status query failed")
			return false, err
		}
		status = s
		return models.IsTerminalStatus(s), nil
	})
	if pollErr == nil {
		if status == models.OrderStatusComplete {
			return status, nil
		}
		return status, errors.NewOrderError(orderID, "", "limit", status, errors.ErrOrderRejected)
	}

	if err := e.broker.CancelOrder(ctx, orderID); err != nil {
		logger.Warn().Err(err).Msg("cancel after poll timeout failed")
	}
	// The order may have filled between the last poll and the cancel.
	if s, err := e.broker.GetOrderStatus(ctx, orderID); err == nil {
		status = s
		if s == models.OrderStatusComplete {
			return s, nil
		}
	}
	return status, pollErr
}

func (e *Executor) limitPrice(ctx context.Context, exchange models.Exchange, symbol string, side models.OrderSide) (float64, error) {
	depth, err := e.broker.GetQuote(ctx, exchange, symbol)
	if err != nil {
		return 0, err
	}

	price := depth.BestAsk()
	if side == models.OrderSideSell {
		price = depth.BestBid()
	}
	if price <= 0 {
		price = depth.LTP
	}
	if price <= 0 {
		return 0, errors.NewBrokerError("get quote", errors.KindNotFound, fmt.Errorf("empty book for %s", symbol))
	}

	if inst, ok := e.instruments.Lookup(ctx, exchange, symbol); ok {
		price = broker.RoundToTick(price, inst.TickSize)
	}
	return price, nil
}

func (e *Executor) place(ctx context.Context, order *models.Order) (*Result, error) {
	logger := logging.WithSymbol(e.logger, order.Symbol)

	if err := e.instruments.ValidateOrder(order); err != nil {
		return nil, errors.NewOrderError("", order.Symbol, string(order.Side), "validation failed", err)
	}

	res, err := e.broker.PlaceOrder(ctx, order)
	if err != nil {
		logger.Error().Err(err).
			Str("side", string(order.Side)).
			Int("quantity", order.Quantity).
			Msg("order placement failed")
		return nil, err
	}

	logging.LogOrder(logger, res.OrderID, order.Symbol, string(order.Side), res.Status)
	return &Result{
		OrderID:  res.OrderID,
		Symbol:   order.Symbol,
		Exchange: order.Exchange,
		Side:     order.Side,
		Quantity: order.Quantity,
		Price:    order.Price,
		Status:   res.Status,
	}, nil
}
