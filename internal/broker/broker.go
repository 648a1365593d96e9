// Package broker provides the broker capability interface and its
// implementations.
package broker

import (
	"context"

	"kite-autotrader/internal/models"
)

// Broker is the capability interface the trading core depends on. Every
// call is fallible; failures are returned as *errors.BrokerError so callers
// can branch on the failure kind.
type Broker interface {
	// Positions
	GetPositionQuantity(ctx context.Context, exchange models.Exchange, symbol string) (int, error)
	ListOpenPositions(ctx context.Context) ([]models.Position, error)

	// Orders
	PlaceOrder(ctx context.Context, order *models.Order) (*OrderResult, error)
	GetOrderStatus(ctx context.Context, orderID string) (string, error)
	CancelOrder(ctx context.Context, orderID string) error

	// Market Data
	GetLastPrice(ctx context.Context, exchange models.Exchange, symbol string) (float64, error)
	GetQuote(ctx context.Context, exchange models.Exchange, symbol string) (*models.Depth, error)
	ListInstruments(ctx context.Context, exchange models.Exchange) ([]models.Instrument, error)
}

// Session is implemented by brokers that need an authenticated session.
type Session interface {
	IsAuthenticated() bool
}

// Authenticator drives the interactive login flow.
type Authenticator interface {
	Session
	GetLoginURL() string
	CompleteLogin(ctx context.Context, requestToken string) error
	Logout(ctx context.Context) error
}

// OrderResult represents the result of an order placement.
type OrderResult struct {
	OrderID string
	Status  string
	Message string
}

// IsAuthenticated reports whether b holds a usable session. Brokers without
// a session concept are always considered authenticated.
func IsAuthenticated(b Broker) bool {
	if s, ok := b.(Session); ok {
		return s.IsAuthenticated()
	}
	return true
}

func instrumentKey(exchange models.Exchange, symbol string) string {
	return string(exchange) + ":" + symbol
}
