// Package contract maps root symbols to the active futures contract month.
package contract

import (
	"fmt"
	"strings"
	"time"

	"kite-autotrader/pkg/utils"
)

// DefaultRolloverDays is how many days before the last trading day a
// position migrates to the next month.
const DefaultRolloverDays = 4

// Contract describes the active delivery month for a root symbol on a date.
type Contract struct {
	Root           string
	Code           string
	Delivery       time.Time // first day of the delivery month
	LastTradingDay time.Time
	Cutoff         time.Time
}

// Resolver computes contract codes. It is pure: the same inputs always yield
// the same code, so rollover detection and order routing agree on a given day.
type Resolver struct {
	expiryWeekday time.Weekday
	rolloverDays  int
}

// NewResolver creates a resolver for the given expiry weekday.
func NewResolver(expiryWeekday time.Weekday, rolloverDays int) *Resolver {
	if rolloverDays < 0 {
		rolloverDays = DefaultRolloverDays
	}
	return &Resolver{
		expiryWeekday: expiryWeekday,
		rolloverDays:  rolloverDays,
	}
}

// LastTradingDay returns the last expiry weekday on or before the final
// calendar day of the month.
func (r *Resolver) LastTradingDay(year int, month time.Month) time.Time {
	// Day 0 of the following month normalises to the last day of this one.
	day := time.Date(year, month+1, 0, 0, 0, 0, 0, utils.IndiaLocation)
	for day.Weekday() != r.expiryWeekday {
		day = day.AddDate(0, 0, -1)
	}
	return day
}

// RolloverCutoff returns the last date on which the month's contract is still active.
func (r *Resolver) RolloverCutoff(year int, month time.Month) time.Time {
	return r.LastTradingDay(year, month).AddDate(0, 0, -r.rolloverDays)
}

// Resolve returns the active contract code for root on asOf.
func (r *Resolver) Resolve(root string, asOf time.Time) string {
	return r.Active(root, asOf).Code
}

// Active returns the active contract for root on asOf.
func (r *Resolver) Active(root string, asOf time.Time) Contract {
	date := utils.TradingDate(asOf)
	delivery := time.Date(date.Year(), date.Month(), 1, 0, 0, 0, 0, utils.IndiaLocation)
	if date.After(r.RolloverCutoff(date.Year(), date.Month())) {
		delivery = delivery.AddDate(0, 1, 0)
	}
	return r.contractFor(root, delivery)
}

// Rollover reports whether asOf is past the cutoff of asOf's own month and,
// if so, returns the expiring and next contracts.
func (r *Resolver) Rollover(root string, asOf time.Time) (expiring, next Contract, due bool) {
	date := utils.TradingDate(asOf)
	current := time.Date(date.Year(), date.Month(), 1, 0, 0, 0, 0, utils.IndiaLocation)
	expiring = r.contractFor(root, current)
	if !date.After(expiring.Cutoff) {
		return expiring, Contract{}, false
	}
	return expiring, r.contractFor(root, current.AddDate(0, 1, 0)), true
}

func (r *Resolver) contractFor(root string, delivery time.Time) Contract {
	return Contract{
		Root:           root,
		Code:           Code(root, delivery.Year(), delivery.Month()),
		Delivery:       delivery,
		LastTradingDay: r.LastTradingDay(delivery.Year(), delivery.Month()),
		Cutoff:         r.RolloverCutoff(delivery.Year(), delivery.Month()),
	}
}

// Code formats {ROOT}{YY}{MMM}FUT.
func Code(root string, year int, month time.Month) string {
	mmm := strings.ToUpper(month.String()[:3])
	return fmt.Sprintf("%s%02d%sFUT", strings.ToUpper(root), year%100, mmm)
}

// ParseWeekday parses a weekday name such as "thursday" or "thu".
func ParseWeekday(s string) (time.Weekday, error) {
	s = strings.ToLower(strings.TrimSpace(s))
	for d := time.Sunday; d <= time.Saturday; d++ {
		name := strings.ToLower(d.String())
		if s == name || (len(s) >= 3 && strings.HasPrefix(name, s)) {
			return d, nil
		}
	}
	return time.Sunday, fmt.Errorf("unknown weekday %q", s)
}
