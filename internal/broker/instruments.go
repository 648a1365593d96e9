package broker

import (
	"context"
	"fmt"
	"math"
	"sync"
	"time"

	"kite-autotrader/internal/errors"
	"kite-autotrader/internal/models"
	"kite-autotrader/pkg/utils"
)

// InstrumentCache caches the instrument master per exchange for one trading
// day and the lot size per trading symbol. Concurrent misses may fetch the
// same listing twice; both writes store the same values.
type InstrumentCache struct {
	broker Broker
	clock  utils.Clock
	retry  utils.RetryConfig

	mu          sync.RWMutex
	listings    map[models.Exchange]listing
	instruments map[string]models.Instrument // key: exchange:symbol
}

type listing struct {
	items    []models.Instrument
	loadedOn time.Time
}

// NewInstrumentCache creates a cache backed by b.
func NewInstrumentCache(b Broker, clock utils.Clock) *InstrumentCache {
	if clock == nil {
		clock = utils.SystemClock{}
	}
	retry := utils.DefaultRetryConfig()
	retry.Retryable = func(err error) bool {
		kind := errors.KindOf(err)
		return kind == errors.KindTransport || kind == errors.KindTimeout
	}
	return &InstrumentCache{
		broker:      b,
		clock:       clock,
		retry:       retry,
		listings:    make(map[models.Exchange]listing),
		instruments: make(map[string]models.Instrument),
	}
}

// Load returns the exchange's instruments, fetching them at most once per
// trading day.
func (c *InstrumentCache) Load(ctx context.Context, exchange models.Exchange) ([]models.Instrument, error) {
	now := c.clock.Now()

	c.mu.RLock()
	l, ok := c.listings[exchange]
	c.mu.RUnlock()
	if ok && utils.SameDay(l.loadedOn, now) {
		return l.items, nil
	}
	return c.refresh(ctx, exchange, utils.TradingDate(now))
}

func (c *InstrumentCache) refresh(ctx context.Context, exchange models.Exchange, today time.Time) ([]models.Instrument, error) {
	items, err := utils.RetryWithResult(ctx, c.clock, c.retry, func() ([]models.Instrument, error) {
		return c.broker.ListInstruments(ctx, exchange)
	})
	if err != nil {
		return nil, fmt.Errorf("failed to load instruments for %s: %w", exchange, err)
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	c.listings[exchange] = listing{items: items, loadedOn: today}
	for _, inst := range items {
		c.instruments[instrumentKey(inst.Exchange, inst.Symbol)] = inst
	}
	return items, nil
}

// Lookup returns the cached instrument for a trading symbol. A miss loads
// the exchange listing unless today's is already held, so a symbol absent
// from it stays a miss until the next trading day.
func (c *InstrumentCache) Lookup(ctx context.Context, exchange models.Exchange, symbol string) (models.Instrument, bool) {
	key := instrumentKey(exchange, symbol)

	c.mu.RLock()
	inst, ok := c.instruments[key]
	c.mu.RUnlock()
	if ok {
		return inst, true
	}

	if _, err := c.Load(ctx, exchange); err != nil {
		return models.Instrument{}, false
	}

	c.mu.RLock()
	defer c.mu.RUnlock()
	inst, ok = c.instruments[key]
	return inst, ok
}

// LotSize returns the lot size for a trading symbol, or 1 when it cannot be
// resolved.
func (c *InstrumentCache) LotSize(ctx context.Context, exchange models.Exchange, symbol string) int {
	inst, ok := c.Lookup(ctx, exchange, symbol)
	if !ok || inst.LotSize <= 0 {
		return 1
	}
	return inst.LotSize
}

// Options returns the option contracts of one type for an underlying.
func (c *InstrumentCache) Options(ctx context.Context, exchange models.Exchange, underlying, instrType string) ([]models.Instrument, error) {
	items, err := c.Load(ctx, exchange)
	if err != nil {
		return nil, err
	}

	var result []models.Instrument
	for _, inst := range items {
		if inst.Name == underlying && inst.InstrType == instrType && inst.Strike > 0 && !inst.Expiry.IsZero() {
			result = append(result, inst)
		}
	}
	return result, nil
}

// ValidateOrder checks quantity against the cached lot size and a limit
// price against the tick size. Unknown instruments pass.
func (c *InstrumentCache) ValidateOrder(order *models.Order) error {
	if order.Quantity <= 0 {
		return fmt.Errorf("quantity must be positive, got %d", order.Quantity)
	}

	c.mu.RLock()
	inst, ok := c.instruments[instrumentKey(order.Exchange, order.Symbol)]
	c.mu.RUnlock()
	if !ok {
		return nil
	}

	if inst.LotSize > 1 && order.Quantity%inst.LotSize != 0 {
		return fmt.Errorf("quantity must be multiple of lot size %d for %s", inst.LotSize, order.Symbol)
	}

	if order.Type == models.OrderTypeLimit && inst.TickSize > 0 {
		ticks := order.Price / inst.TickSize
		if math.Abs(ticks-math.Round(ticks)) > 1e-6 {
			return fmt.Errorf("price must be multiple of tick size %.4f", inst.TickSize)
		}
	}
	return nil
}

// RoundToTick rounds price to the instrument's tick size.
func RoundToTick(price, tick float64) float64 {
	if tick <= 0 {
		return price
	}
	return math.Round(price/tick) * tick
}
