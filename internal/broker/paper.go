package broker

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	apperrors "kite-autotrader/internal/errors"
	"kite-autotrader/internal/models"
)

// PaperBroker simulates order execution. Market data and the instrument
// master come from an optional data broker; without one, prices must be
// seeded with UpdatePrice and instruments with SetInstruments.
type PaperBroker struct {
	dataBroker Broker

	positions   map[string]*models.Position
	orders      map[string]*models.Order
	priceCache  map[string]float64
	instruments map[models.Exchange][]models.Instrument

	mu sync.RWMutex
}

// PaperBrokerConfig holds configuration for paper broker.
type PaperBrokerConfig struct {
	DataBroker Broker
}

// NewPaperBroker creates a new paper trading broker.
func NewPaperBroker(cfg PaperBrokerConfig) *PaperBroker {
	return &PaperBroker{
		dataBroker:  cfg.DataBroker,
		positions:   make(map[string]*models.Position),
		orders:      make(map[string]*models.Order),
		priceCache:  make(map[string]float64),
		instruments: make(map[models.Exchange][]models.Instrument),
	}
}

// IsAuthenticated always returns true for paper trading.
func (p *PaperBroker) IsAuthenticated() bool {
	return true
}

// GetPositionQuantity returns the simulated signed quantity.
func (p *PaperBroker) GetPositionQuantity(ctx context.Context, exchange models.Exchange, symbol string) (int, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if pos, ok := p.positions[instrumentKey(exchange, symbol)]; ok {
		return pos.Quantity, nil
	}
	return 0, nil
}

// ListOpenPositions returns every simulated non-zero position.
func (p *PaperBroker) ListOpenPositions(ctx context.Context) ([]models.Position, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	result := make([]models.Position, 0, len(p.positions))
	for _, pos := range p.positions {
		result = append(result, *pos)
	}
	return result, nil
}

// PlaceOrder simulates order placement. Market orders fill at the last
// price; limit orders fill when marketable and otherwise stay OPEN.
func (p *PaperBroker) PlaceOrder(ctx context.Context, order *models.Order) (*OrderResult, error) {
	if order.Quantity <= 0 {
		return nil, apperrors.NewBrokerError("place order", apperrors.KindRejected,
			fmt.Errorf("%w: quantity %d", apperrors.ErrOrderRejected, order.Quantity))
	}

	price := p.price(order.Exchange, order.Symbol)
	if price == 0 && p.dataBroker != nil {
		if ltp, err := p.dataBroker.GetLastPrice(ctx, order.Exchange, order.Symbol); err == nil {
			price = ltp
			p.UpdatePrice(order.Exchange, order.Symbol, ltp)
		}
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	execPrice := price
	canFill := true
	if order.Type == models.OrderTypeLimit {
		execPrice = order.Price
		if price > 0 {
			if order.Side == models.OrderSideBuy && price > order.Price {
				canFill = false
			}
			if order.Side == models.OrderSideSell && price < order.Price {
				canFill = false
			}
		}
	}

	newOrder := &models.Order{
		ID:       "PAPER-" + uuid.NewString(),
		Symbol:   order.Symbol,
		Exchange: order.Exchange,
		Side:     order.Side,
		Type:     order.Type,
		Product:  order.Product,
		Quantity: order.Quantity,
		Price:    execPrice,
		Validity: order.Validity,
		Tag:      order.Tag,
		Status:   models.OrderStatusOpen,
		PlacedAt: time.Now(),
	}
	if canFill {
		newOrder.Status = models.OrderStatusComplete
		p.updatePosition(order.Exchange, order.Symbol, order.Product, order.Side, order.Quantity)
	}
	p.orders[newOrder.ID] = newOrder

	return &OrderResult{
		OrderID: newOrder.ID,
		Status:  newOrder.Status,
		Message: "Paper order placed",
	}, nil
}

// GetOrderStatus returns the simulated order status.
func (p *PaperBroker) GetOrderStatus(ctx context.Context, orderID string) (string, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	order, ok := p.orders[orderID]
	if !ok {
		return "", apperrors.NewBrokerError("get order status", apperrors.KindNotFound,
			fmt.Errorf("order not found: %s", orderID))
	}
	return order.Status, nil
}

// CancelOrder simulates order cancellation.
func (p *PaperBroker) CancelOrder(ctx context.Context, orderID string) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	order, ok := p.orders[orderID]
	if !ok {
		return apperrors.NewBrokerError("cancel order", apperrors.KindNotFound,
			fmt.Errorf("order not found: %s", orderID))
	}
	if order.Status != models.OrderStatusOpen {
		return apperrors.NewBrokerError("cancel order", apperrors.KindRejected,
			fmt.Errorf("cannot cancel order with status: %s", order.Status))
	}
	order.Status = models.OrderStatusCancelled
	return nil
}

// GetLastPrice returns the data broker's price, falling back to the cache.
func (p *PaperBroker) GetLastPrice(ctx context.Context, exchange models.Exchange, symbol string) (float64, error) {
	if p.dataBroker != nil {
		ltp, err := p.dataBroker.GetLastPrice(ctx, exchange, symbol)
		if err == nil {
			p.UpdatePrice(exchange, symbol, ltp)
			return ltp, nil
		}
	}
	if price := p.price(exchange, symbol); price > 0 {
		return price, nil
	}
	return 0, apperrors.NewBrokerError("get ltp", apperrors.KindNotFound,
		fmt.Errorf("%w: %s", apperrors.ErrSymbolNotFound, instrumentKey(exchange, symbol)))
}

// GetQuote returns the data broker's depth, or a one-level book at the
// cached price.
func (p *PaperBroker) GetQuote(ctx context.Context, exchange models.Exchange, symbol string) (*models.Depth, error) {
	if p.dataBroker != nil {
		if depth, err := p.dataBroker.GetQuote(ctx, exchange, symbol); err == nil {
			p.UpdatePrice(exchange, symbol, depth.LTP)
			return depth, nil
		}
	}
	price := p.price(exchange, symbol)
	if price <= 0 {
		return nil, apperrors.NewBrokerError("get quote", apperrors.KindNotFound,
			fmt.Errorf("%w: %s", apperrors.ErrSymbolNotFound, instrumentKey(exchange, symbol)))
	}
	level := []models.DepthLevel{{Price: price, Quantity: 1, Orders: 1}}
	return &models.Depth{Symbol: symbol, LTP: price, Buy: level, Sell: level, Timestamp: time.Now()}, nil
}

// ListInstruments returns seeded instruments, or the data broker's master.
func (p *PaperBroker) ListInstruments(ctx context.Context, exchange models.Exchange) ([]models.Instrument, error) {
	p.mu.RLock()
	seeded, ok := p.instruments[exchange]
	p.mu.RUnlock()
	if ok {
		return seeded, nil
	}
	if p.dataBroker != nil {
		return p.dataBroker.ListInstruments(ctx, exchange)
	}
	return nil, nil
}

// SetInstruments seeds the instrument master for an exchange.
func (p *PaperBroker) SetInstruments(exchange models.Exchange, instruments []models.Instrument) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.instruments[exchange] = instruments
}

// UpdatePrice updates the cached price for an instrument.
func (p *PaperBroker) UpdatePrice(exchange models.Exchange, symbol string, price float64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.priceCache[instrumentKey(exchange, symbol)] = price
}

func (p *PaperBroker) price(exchange models.Exchange, symbol string) float64 {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.priceCache[instrumentKey(exchange, symbol)]
}

// updatePosition applies a fill. Caller holds p.mu.
func (p *PaperBroker) updatePosition(exchange models.Exchange, symbol string, product models.ProductType, side models.OrderSide, qty int) {
	key := instrumentKey(exchange, symbol)

	pos, exists := p.positions[key]
	if !exists {
		pos = &models.Position{
			Symbol:   symbol,
			Exchange: exchange,
			Product:  product,
		}
		p.positions[key] = pos
	}

	if side == models.OrderSideBuy {
		pos.Quantity += qty
	} else {
		pos.Quantity -= qty
	}
	if pos.Quantity == 0 {
		delete(p.positions, key)
	}
}

