// Package hedge selects and trades the short option leg paired with a
// futures position.
package hedge

import (
	"context"
	"fmt"
	"math"
	"sort"
	"time"

	"github.com/rs/zerolog"

	"kite-autotrader/internal/broker"
	"kite-autotrader/internal/errors"
	"kite-autotrader/internal/execution"
	"kite-autotrader/internal/logging"
	"kite-autotrader/internal/models"
	"kite-autotrader/pkg/utils"
)

// Config holds hedge configuration.
type Config struct {
	Enabled  bool
	Exchange models.Exchange
	Lots     int
	// CallOffset places a LONG hedge at ref*(1+CallOffset).
	CallOffset float64
	// PutOffset places a SHORT hedge at ref*(1-PutOffset).
	PutOffset float64
	// MinDaysToExpiry skips expiries closer than this many days.
	MinDaysToExpiry int
}

// DefaultConfig returns the default hedge configuration.
func DefaultConfig() Config {
	return Config{
		Enabled:         true,
		Exchange:        models.NFO,
		Lots:            1,
		CallOffset:      0.03,
		PutOffset:       0.03,
		MinDaysToExpiry: 1,
	}
}

// Manager opens and closes hedge legs.
type Manager struct {
	exec        *execution.Executor
	instruments *broker.InstrumentCache
	clock       utils.Clock
	config      Config
	logger      zerolog.Logger
}

// NewManager creates a hedge manager sharing the executor's instrument cache.
func NewManager(exec *execution.Executor, clock utils.Clock, cfg Config, logger zerolog.Logger) *Manager {
	if clock == nil {
		clock = utils.SystemClock{}
	}
	if cfg.Exchange == "" {
		cfg.Exchange = models.NFO
	}
	if cfg.Lots <= 0 {
		cfg.Lots = 1
	}
	return &Manager{
		exec:        exec,
		instruments: exec.Instruments(),
		clock:       clock,
		config:      cfg,
		logger:      logger,
	}
}

// Enabled reports whether hedging is configured on.
func (m *Manager) Enabled() bool {
	return m.config.Enabled
}

// Target returns the option type and target strike for a primary direction.
func (m *Manager) Target(dir models.Direction, ref float64) (string, float64) {
	if dir == models.DirectionShort {
		return models.InstrumentPut, ref * (1 - m.config.PutOffset)
	}
	return models.InstrumentCall, ref * (1 + m.config.CallOffset)
}

// Select picks the hedge instrument for root: the nearest eligible expiry,
// then the strike closest to the target.
func (m *Manager) Select(ctx context.Context, root string, dir models.Direction, ref float64) (models.Instrument, error) {
	if !dir.IsDirectional() {
		return models.Instrument{}, errors.NewValidationError("direction", dir, "hedge needs LONG or SHORT")
	}
	if ref <= 0 {
		return models.Instrument{}, errors.NewValidationError("reference price", ref, "must be positive")
	}

	instrType, target := m.Target(dir, ref)
	options, err := m.instruments.Options(ctx, m.config.Exchange, root, instrType)
	if err != nil {
		return models.Instrument{}, err
	}

	earliest := utils.TradingDate(m.clock.Now()).AddDate(0, 0, m.config.MinDaysToExpiry)
	chain := NearestExpiry(options, earliest)
	inst, ok := SelectStrike(chain, target)
	if !ok {
		return models.Instrument{}, fmt.Errorf("%w: %s %s near %.2f", errors.ErrNoHedgeCandidate, root, instrType, target)
	}
	return inst, nil
}

// NearestExpiry returns the instruments of the earliest expiry on or after
// earliest.
func NearestExpiry(options []models.Instrument, earliest time.Time) []models.Instrument {
	var nearest time.Time
	for _, inst := range options {
		exp := utils.TradingDate(inst.Expiry)
		if exp.Before(earliest) {
			continue
		}
		if nearest.IsZero() || exp.Before(nearest) {
			nearest = exp
		}
	}
	if nearest.IsZero() {
		return nil
	}

	var chain []models.Instrument
	for _, inst := range options {
		if utils.TradingDate(inst.Expiry).Equal(nearest) {
			chain = append(chain, inst)
		}
	}
	return chain
}

// SelectStrike returns the instrument whose strike minimizes
// |strike - target|. Ties go to the lower strike.
func SelectStrike(chain []models.Instrument, target float64) (models.Instrument, bool) {
	if len(chain) == 0 {
		return models.Instrument{}, false
	}
	sorted := make([]models.Instrument, len(chain))
	copy(sorted, chain)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Strike < sorted[j].Strike })

	best := sorted[0]
	bestDist := math.Abs(best.Strike - target)
	for _, inst := range sorted[1:] {
		if d := math.Abs(inst.Strike - target); d < bestDist {
			best, bestDist = inst, d
		}
	}
	return best, true
}

// Open sells the selected option to open a hedge leg.
func (m *Manager) Open(ctx context.Context, root string, dir models.Direction, ref float64) (*models.HedgeLeg, error) {
	inst, err := m.Select(ctx, root, dir, ref)
	if err != nil {
		return nil, err
	}

	lotSize := inst.LotSize
	if lotSize <= 0 {
		lotSize = 1
	}
	qty := lotSize * m.config.Lots

	logger := logging.WithSymbol(m.logger, root)
	logger.Info().
		Str("option", inst.Symbol).
		Float64("strike", inst.Strike).
		Time("expiry", inst.Expiry).
		Int("quantity", qty).
		Msg("opening hedge leg")

	if _, err := m.exec.PlaceLimitConfirmed(ctx, m.config.Exchange, inst.Symbol, models.OrderSideSell, qty); err != nil {
		return nil, fmt.Errorf("open hedge %s: %w", inst.Symbol, err)
	}

	return &models.HedgeLeg{
		Symbol:   inst.Symbol,
		Exchange: m.config.Exchange,
		Quantity: qty,
		LotSize:  lotSize,
		Strike:   inst.Strike,
		Expiry:   inst.Expiry,
		OpenedAt: m.clock.Now(),
	}, nil
}

// Close buys back a hedge leg. The caller clears the leg whatever the
// outcome; a failure leaves a residual option position to be handled by an
// operator.
func (m *Manager) Close(ctx context.Context, leg *models.HedgeLeg) error {
	if leg == nil || leg.Quantity <= 0 {
		return nil
	}
	exchange := leg.Exchange
	if exchange == "" {
		exchange = m.config.Exchange
	}

	if _, err := m.exec.PlaceLimitConfirmed(ctx, exchange, leg.Symbol, models.OrderSideBuy, leg.Quantity); err != nil {
		return fmt.Errorf("close hedge %s: %w", leg.Symbol, err)
	}
	return nil
}
