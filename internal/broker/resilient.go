package broker

import (
	"context"

	apperrors "kite-autotrader/internal/errors"
	"kite-autotrader/internal/models"
	"kite-autotrader/internal/resilience"
)

// ResilientBroker fronts a Broker with a circuit breaker. Only transport
// and timeout failures count against the circuit; rejections and lookups
// of unknown symbols are answers, not outages.
type ResilientBroker struct {
	inner   Broker
	breaker *resilience.CircuitBreaker
}

// NewResilientBroker wraps inner with a circuit breaker built from cfg.
func NewResilientBroker(inner Broker, cfg resilience.CircuitBreakerConfig) *ResilientBroker {
	if cfg.IsFailure == nil {
		cfg.IsFailure = countsAsOutage
	}
	return &ResilientBroker{
		inner:   inner,
		breaker: resilience.NewCircuitBreaker("broker", cfg),
	}
}

func countsAsOutage(err error) bool {
	switch apperrors.KindOf(err) {
	case apperrors.KindTransport, apperrors.KindTimeout:
		return true
	}
	return false
}

// Breaker exposes the circuit breaker for status reporting.
func (r *ResilientBroker) Breaker() *resilience.CircuitBreaker {
	return r.breaker
}

// Unwrap returns the decorated broker.
func (r *ResilientBroker) Unwrap() Broker {
	return r.inner
}

// IsAuthenticated forwards to the decorated broker.
func (r *ResilientBroker) IsAuthenticated() bool {
	return IsAuthenticated(r.inner)
}

func guarded[T any](r *ResilientBroker, ctx context.Context, op string, fn func() (T, error)) (T, error) {
	v, err := resilience.ExecuteWithResult(r.breaker, ctx, fn)
	if err == resilience.ErrCircuitOpen {
		return v, apperrors.NewBrokerError(op, apperrors.KindTransport, err)
	}
	return v, err
}

func (r *ResilientBroker) GetPositionQuantity(ctx context.Context, exchange models.Exchange, symbol string) (int, error) {
	return guarded(r, ctx, "get positions", func() (int, error) {
		return r.inner.GetPositionQuantity(ctx, exchange, symbol)
	})
}

func (r *ResilientBroker) ListOpenPositions(ctx context.Context) ([]models.Position, error) {
	return guarded(r, ctx, "get positions", func() ([]models.Position, error) {
		return r.inner.ListOpenPositions(ctx)
	})
}

func (r *ResilientBroker) PlaceOrder(ctx context.Context, order *models.Order) (*OrderResult, error) {
	return guarded(r, ctx, "place order", func() (*OrderResult, error) {
		return r.inner.PlaceOrder(ctx, order)
	})
}

func (r *ResilientBroker) GetOrderStatus(ctx context.Context, orderID string) (string, error) {
	return guarded(r, ctx, "get order status", func() (string, error) {
		return r.inner.GetOrderStatus(ctx, orderID)
	})
}

func (r *ResilientBroker) CancelOrder(ctx context.Context, orderID string) error {
	_, err := guarded(r, ctx, "cancel order", func() (struct{}, error) {
		return struct{}{}, r.inner.CancelOrder(ctx, orderID)
	})
	return err
}

func (r *ResilientBroker) GetLastPrice(ctx context.Context, exchange models.Exchange, symbol string) (float64, error) {
	return guarded(r, ctx, "get ltp", func() (float64, error) {
		return r.inner.GetLastPrice(ctx, exchange, symbol)
	})
}

func (r *ResilientBroker) GetQuote(ctx context.Context, exchange models.Exchange, symbol string) (*models.Depth, error) {
	return guarded(r, ctx, "get quote", func() (*models.Depth, error) {
		return r.inner.GetQuote(ctx, exchange, symbol)
	})
}

func (r *ResilientBroker) ListInstruments(ctx context.Context, exchange models.Exchange) ([]models.Instrument, error) {
	return guarded(r, ctx, "get instruments", func() ([]models.Instrument, error) {
		return r.inner.ListInstruments(ctx, exchange)
	})
}
