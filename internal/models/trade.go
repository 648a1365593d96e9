package models

import "time"

// TradeAction classifies an audit record.
type TradeAction string

const (
	ActionEntry      TradeAction = "ENTRY"
	ActionExit       TradeAction = "EXIT"
	ActionHedgeOpen  TradeAction = "HEDGE_OPEN"
	ActionHedgeClose TradeAction = "HEDGE_CLOSE"
)

// TradeRecord is the audit record written for every entry and exit.
type TradeRecord struct {
	ID        string      `json:"id"`
	Timestamp time.Time   `json:"timestamp"`
	Symbol    string      `json:"symbol"`   // root symbol
	Contract  string      `json:"contract"` // trading symbol the order targeted
	Exchange  Exchange    `json:"exchange"`
	Action    TradeAction `json:"action"`
	Direction Direction   `json:"direction"`
	Side      OrderSide   `json:"side"`
	Quantity  int         `json:"quantity"`
	Price     float64     `json:"price"`
	OrderID   string      `json:"order_id,omitempty"`
	Reason    string      `json:"reason"` // signal, rollover, exit_signal
	IsPaper   bool        `json:"is_paper"`
	Success   bool        `json:"success"`
	Error     string      `json:"error,omitempty"`
}
