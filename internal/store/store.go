// Package store provides data persistence interfaces and implementations.
package store

import (
	"context"
	"time"

	"kite-autotrader/internal/models"
)

// DataStore persists symbol state across restarts and keeps the trade journal.
type DataStore interface {
	// Symbol state
	SaveState(ctx context.Context, st models.SymbolState) error
	LoadStates(ctx context.Context) ([]models.SymbolState, error)
	DeleteState(ctx context.Context, symbol string) error

	// Trades
	LogTrade(ctx context.Context, rec *models.TradeRecord) error
	GetTrades(ctx context.Context, filter TradeFilter) ([]models.TradeRecord, error)

	// Lifecycle
	Close() error
}

// TradeFilter represents filters for querying trades.
type TradeFilter struct {
	Symbol    string
	Action    models.TradeAction
	StartDate time.Time
	EndDate   time.Time
	IsPaper   *bool
	Limit     int
}
