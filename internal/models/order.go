package models

import "time"

// Order status values reported by the broker.
const (
	OrderStatusOpen      = "OPEN"
	OrderStatusComplete  = "COMPLETE"
	OrderStatusCancelled = "CANCELLED"
	OrderStatusRejected  = "REJECTED"
)

// Order represents a trading order.
type Order struct {
	ID       string
	Symbol   string
	Exchange Exchange
	Side     OrderSide
	Type     OrderType
	Product  ProductType
	Quantity int
	Price    float64
	Validity string // DAY, IOC
	Tag      string
	Status   string
	PlacedAt time.Time
}

// IsTerminalStatus reports whether the status can no longer change.
func IsTerminalStatus(status string) bool {
	switch status {
	case OrderStatusComplete, OrderStatusCancelled, OrderStatusRejected:
		return true
	}
	return false
}

// Position represents an open position as reported by the broker.
// Quantity is signed: positive long, negative short.
type Position struct {
	Symbol   string
	Exchange Exchange
	Product  ProductType
	Quantity int
}
