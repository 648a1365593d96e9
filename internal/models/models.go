// Package models provides domain models for the trading application.
package models

import (
	"time"
)

// Exchange represents a stock exchange.
type Exchange string

const (
	NSE Exchange = "NSE"
	BSE Exchange = "BSE"
	NFO Exchange = "NFO" // F&O
	CDS Exchange = "CDS" // Currency
	MCX Exchange = "MCX" // Commodity
)

// OrderSide represents the side of an order.
type OrderSide string

const (
	OrderSideBuy  OrderSide = "BUY"
	OrderSideSell OrderSide = "SELL"
)

// OrderType represents the type of an order.
type OrderType string

const (
	OrderTypeMarket OrderType = "MARKET"
	OrderTypeLimit  OrderType = "LIMIT"
)

// ProductType represents the product type of an order.
type ProductType string

const (
	ProductMIS  ProductType = "MIS"  // Intraday
	ProductNRML ProductType = "NRML" // F&O Normal
)

// Instrument types as reported by the instrument master.
const (
	InstrumentFuture = "FUT"
	InstrumentCall   = "CE"
	InstrumentPut    = "PE"
)

// Instrument represents a tradeable instrument.
type Instrument struct {
	Token     uint32
	Symbol    string // trading symbol, e.g. NIFTY25OCTFUT
	Name      string // underlying name, e.g. NIFTY
	Exchange  Exchange
	Segment   string
	LotSize   int
	TickSize  float64
	Expiry    time.Time
	Strike    float64
	InstrType string
}

// DepthLevel is one price level of the order book.
type DepthLevel struct {
	Price    float64
	Quantity int
	Orders   int
}

// Depth is the market depth snapshot for an instrument.
type Depth struct {
	Symbol    string
	LTP       float64
	Buy       []DepthLevel
	Sell      []DepthLevel
	Timestamp time.Time
}

// BestBid returns the top buy price, or 0 when the book side is empty.
func (d *Depth) BestBid() float64 {
	for _, l := range d.Buy {
		if l.Price > 0 {
			return l.Price
		}
	}
	return 0
}

// BestAsk returns the top sell price, or 0 when the book side is empty.
func (d *Depth) BestAsk() float64 {
	for _, l := range d.Sell {
		if l.Price > 0 {
			return l.Price
		}
	}
	return 0
}
