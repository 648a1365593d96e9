package utils

import (
	"time"
)

// IndiaLocation is the timezone for Indian markets.
var IndiaLocation *time.Location

func init() {
	var err error
	IndiaLocation, err = time.LoadLocation("Asia/Kolkata")
	if err != nil {
		// Fallback to UTC+5:30
		IndiaLocation = time.FixedZone("IST", 5*60*60+30*60)
	}
}

// TradingDate truncates t to midnight of its exchange-local calendar day.
func TradingDate(t time.Time) time.Time {
	t = t.In(IndiaLocation)
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, IndiaLocation)
}

// SameDay checks if two times fall on the same exchange-local day.
func SameDay(t1, t2 time.Time) bool {
	return TradingDate(t1).Equal(TradingDate(t2))
}

// SessionExpiry returns when a Kite access token issued at t expires: the
// next 06:00 IST, which is the same morning for a token issued before it.
func SessionExpiry(t time.Time) time.Time {
	now := t.In(IndiaLocation)
	expiry := time.Date(now.Year(), now.Month(), now.Day(), 6, 0, 0, 0, IndiaLocation)
	if !now.Before(expiry) {
		expiry = expiry.AddDate(0, 0, 1)
	}
	return expiry
}
