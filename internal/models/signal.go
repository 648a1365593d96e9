package models

import "time"

// Direction is a directional state for a symbol.
type Direction string

const (
	DirectionNone  Direction = "NONE"
	DirectionLong  Direction = "LONG"
	DirectionShort Direction = "SHORT"
)

// IsDirectional reports whether d is LONG or SHORT.
func (d Direction) IsDirectional() bool {
	return d == DirectionLong || d == DirectionShort
}

// Side returns the opening order side for the direction.
func (d Direction) Side() OrderSide {
	if d == DirectionShort {
		return OrderSideSell
	}
	return OrderSideBuy
}

// DirectionOf maps a signed quantity to a direction.
func DirectionOf(qty int) Direction {
	switch {
	case qty > 0:
		return DirectionLong
	case qty < 0:
		return DirectionShort
	}
	return DirectionNone
}

// SignalKind is a normalized inbound signal.
type SignalKind string

const (
	SignalLong  SignalKind = "LONG"
	SignalShort SignalKind = "SHORT"
	SignalExit  SignalKind = "EXIT"
)

// SignalEvent is an inbound alert from the charting source.
type SignalEvent struct {
	Symbol    string   `json:"symbol"`
	Signal    string   `json:"signal"`
	Timeframe string   `json:"timeframe"`
	Price     *float64 `json:"price,omitempty"`
	Token     string   `json:"token,omitempty"`
}

// HedgeLeg is the short option position paired with a futures position.
type HedgeLeg struct {
	Symbol   string    `json:"symbol"`
	Exchange Exchange  `json:"exchange"`
	Quantity int       `json:"quantity"`
	LotSize  int       `json:"lot_size"`
	Strike   float64   `json:"strike"`
	Expiry   time.Time `json:"expiry"`
	OpenedAt time.Time `json:"opened_at"`
}

// SymbolState is a point-in-time copy of the per-symbol decision state.
type SymbolState struct {
	Symbol           string               `json:"symbol"`
	Timeframes       map[string]Direction `json:"timeframes,omitempty"`
	LastAction       Direction            `json:"last_action"`
	HedgeLeg         *HedgeLeg            `json:"hedge_leg,omitempty"`
	LastTransitionAt time.Time            `json:"last_transition_at"`
	LastExitAt       time.Time            `json:"last_exit_at"`
	InProgress       bool                 `json:"in_progress"`
	UpdatedAt        time.Time            `json:"updated_at"`
}
