// Package brokertest provides a scriptable in-memory broker for tests.
package brokertest

import (
	"context"
	"fmt"
	"sync"

	"kite-autotrader/internal/broker"
	apperrors "kite-autotrader/internal/errors"
	"kite-autotrader/internal/models"
)

// Fake is an in-memory Broker. By default orders fill immediately and move
// Positions; hooks override individual capabilities.
type Fake struct {
	mu sync.Mutex

	Positions   map[string]int // key: exchange:symbol
	Prices      map[string]float64
	Depths      map[string]*models.Depth
	Instruments map[models.Exchange][]models.Instrument
	Errors      map[string]error // op name -> error returned by that op

	// FillOnPlace applies orders to Positions when they are placed.
	FillOnPlace bool

	// Hooks run with the Fake locked and must not call back into it.
	PositionFn    func(symbol string, call int) (int, error)
	OrderStatusFn func(orderID string, call int) (string, error)
	PlaceOrderFn  func(order *models.Order) (*broker.OrderResult, error)

	Calls     []string
	Orders    []models.Order
	Cancelled []string

	positionCalls int
	statusCalls   int
	nextID        int
}

// NewFake returns a Fake that fills orders immediately.
func NewFake() *Fake {
	return &Fake{
		Positions:   make(map[string]int),
		Prices:      make(map[string]float64),
		Depths:      make(map[string]*models.Depth),
		Instruments: make(map[models.Exchange][]models.Instrument),
		Errors:      make(map[string]error),
		FillOnPlace: true,
	}
}

var _ broker.Broker = (*Fake)(nil)

func key(exchange models.Exchange, symbol string) string {
	return string(exchange) + ":" + symbol
}

func (f *Fake) record(op, arg string) error {
	f.Calls = append(f.Calls, op+" "+arg)
	if err, ok := f.Errors[op]; ok && err != nil {
		return apperrors.NewBrokerError(op, "", err)
	}
	return nil
}

// SetPosition sets the signed quantity for a trading symbol.
func (f *Fake) SetPosition(exchange models.Exchange, symbol string, qty int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.Positions[key(exchange, symbol)] = qty
}

// Position returns the signed quantity for a trading symbol.
func (f *Fake) Position(exchange models.Exchange, symbol string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.Positions[key(exchange, symbol)]
}

// SetError makes op fail with err. A nil err clears it.
func (f *Fake) SetError(op string, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.Errors[op] = err
}

// PlacedOrders returns a copy of every order placed so far.
func (f *Fake) PlacedOrders() []models.Order {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]models.Order, len(f.Orders))
	copy(out, f.Orders)
	return out
}

// CallLog returns a copy of the recorded calls.
func (f *Fake) CallLog() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, len(f.Calls))
	copy(out, f.Calls)
	return out
}

// CallCount returns the number of recorded calls.
func (f *Fake) CallCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.Calls)
}

func (f *Fake) GetPositionQuantity(ctx context.Context, exchange models.Exchange, symbol string) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.record("get_position", key(exchange, symbol)); err != nil {
		return 0, err
	}
	call := f.positionCalls
	f.positionCalls++
	if f.PositionFn != nil {
		return f.PositionFn(symbol, call)
	}
	return f.Positions[key(exchange, symbol)], nil
}

func (f *Fake) ListOpenPositions(ctx context.Context) ([]models.Position, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.record("list_positions", ""); err != nil {
		return nil, err
	}
	var out []models.Position
	for k, qty := range f.Positions {
		if qty == 0 {
			continue
		}
		var exchange, symbol string
		for i := 0; i < len(k); i++ {
			if k[i] == ':' {
				exchange, symbol = k[:i], k[i+1:]
				break
			}
		}
		out = append(out, models.Position{Symbol: symbol, Exchange: models.Exchange(exchange), Quantity: qty})
	}
	return out, nil
}

func (f *Fake) PlaceOrder(ctx context.Context, order *models.Order) (*broker.OrderResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.record("place_order", fmt.Sprintf("%s %s %d", order.Side, order.Symbol, order.Quantity)); err != nil {
		return nil, err
	}
	if f.PlaceOrderFn != nil {
		res, err := f.PlaceOrderFn(order)
		if err != nil {
			return nil, err
		}
		f.Orders = append(f.Orders, *order)
		return res, nil
	}

	f.nextID++
	placed := *order
	placed.ID = fmt.Sprintf("ORD-%d", f.nextID)
	placed.Status = models.OrderStatusComplete
	f.Orders = append(f.Orders, placed)

	if f.FillOnPlace {
		k := key(order.Exchange, order.Symbol)
		if order.Side == models.OrderSideBuy {
			f.Positions[k] += order.Quantity
		} else {
			f.Positions[k] -= order.Quantity
		}
	}
	return &broker.OrderResult{OrderID: placed.ID, Status: placed.Status}, nil
}

func (f *Fake) GetOrderStatus(ctx context.Context, orderID string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.record("order_status", orderID); err != nil {
		return "", err
	}
	call := f.statusCalls
	f.statusCalls++
	if f.OrderStatusFn != nil {
		return f.OrderStatusFn(orderID, call)
	}
	return models.OrderStatusComplete, nil
}

func (f *Fake) CancelOrder(ctx context.Context, orderID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.record("cancel_order", orderID); err != nil {
		return err
	}
	f.Cancelled = append(f.Cancelled, orderID)
	return nil
}

func (f *Fake) GetLastPrice(ctx context.Context, exchange models.Exchange, symbol string) (float64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.record("get_ltp", key(exchange, symbol)); err != nil {
		return 0, err
	}
	price, ok := f.Prices[key(exchange, symbol)]
	if !ok {
		return 0, apperrors.NewBrokerError("get_ltp", apperrors.KindNotFound, apperrors.ErrSymbolNotFound)
	}
	return price, nil
}

func (f *Fake) GetQuote(ctx context.Context, exchange models.Exchange, symbol string) (*models.Depth, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.record("get_quote", key(exchange, symbol)); err != nil {
		return nil, err
	}
	if d, ok := f.Depths[key(exchange, symbol)]; ok {
		cp := *d
		return &cp, nil
	}
	if price, ok := f.Prices[key(exchange, symbol)]; ok {
		level := []models.DepthLevel{{Price: price, Quantity: 1, Orders: 1}}
		return &models.Depth{Symbol: symbol, LTP: price, Buy: level, Sell: level}, nil
	}
	return nil, apperrors.NewBrokerError("get_quote", apperrors.KindNotFound, apperrors.ErrSymbolNotFound)
}

func (f *Fake) ListInstruments(ctx context.Context, exchange models.Exchange) ([]models.Instrument, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.record("list_instruments", string(exchange)); err != nil {
		return nil, err
	}
	return f.Instruments[exchange], nil
}
