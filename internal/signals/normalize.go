package signals

import (
	"fmt"
	"regexp"
	"strings"

	"kite-autotrader/internal/errors"
	"kite-autotrader/internal/models"
)

var signalAliases = map[string]models.SignalKind{
	"LONG":  models.SignalLong,
	"BUY":   models.SignalLong,
	"SHORT": models.SignalShort,
	"SELL":  models.SignalShort,
	"EXIT":  models.SignalExit,
	"CLOSE": models.SignalExit,
	"FLAT":  models.SignalExit,
}

// ParseSignal normalizes a case-insensitive signal string. Non-directional
// values that are not an exit return ErrInvalidSignal.
func ParseSignal(raw string) (models.SignalKind, error) {
	kind, ok := signalAliases[strings.ToUpper(strings.TrimSpace(raw))]
	if !ok {
		return "", errors.NewValidationError("signal", raw, "not LONG, SHORT or EXIT")
	}
	return kind, nil
}

var timeframePattern = regexp.MustCompile(`^(\d+)\s*([a-z]*)$`)

// NormalizeTimeframe maps labels such as "5 minutes", "5min" or the bare
// chart interval "5" to the canonical "5m". Hours, days and weeks map to
// "Nh", "Nd" and "Nw". Unrecognized labels are returned lower-cased so they
// are tracked but never match a configured timeframe.
func NormalizeTimeframe(raw string) string {
	tf := strings.ToLower(strings.TrimSpace(raw))
	switch tf {
	case "d", "1d", "day", "daily":
		return "1d"
	case "w", "1w", "week", "weekly":
		return "1w"
	}

	m := timeframePattern.FindStringSubmatch(tf)
	if m == nil {
		return tf
	}
	n := strings.TrimLeft(m[1], "0")
	if n == "" {
		return tf
	}

	switch m[2] {
	case "", "m", "min", "mins", "minute", "minutes":
		return n + "m"
	case "h", "hr", "hrs", "hour", "hours":
		return n + "h"
	case "d", "day", "days":
		return n + "d"
	case "w", "wk", "week", "weeks":
		return n + "w"
	}
	return tf
}

// NormalizeSymbol upper-cases a root symbol and strips an exchange prefix
// such as "NSE:".
func NormalizeSymbol(raw string) string {
	s := strings.ToUpper(strings.TrimSpace(raw))
	if i := strings.LastIndex(s, ":"); i >= 0 {
		s = s[i+1:]
	}
	return s
}

// Event is a validated, normalized inbound signal.
type Event struct {
	Symbol    string
	Kind      models.SignalKind
	Timeframe string
	Price     float64
}

// Normalize validates a raw event.
func Normalize(ev models.SignalEvent) (Event, error) {
	symbol := NormalizeSymbol(ev.Symbol)
	if symbol == "" {
		return Event{}, errors.NewValidationError("symbol", ev.Symbol, "required")
	}
	if strings.TrimSpace(ev.Signal) == "" {
		return Event{}, errors.NewValidationError("signal", ev.Signal, "required")
	}
	if strings.TrimSpace(ev.Timeframe) == "" {
		return Event{}, errors.NewValidationError("timeframe", ev.Timeframe, "required")
	}

	kind, err := ParseSignal(ev.Signal)
	if err != nil {
		return Event{}, err
	}

	out := Event{
		Symbol:    symbol,
		Kind:      kind,
		Timeframe: NormalizeTimeframe(ev.Timeframe),
	}
	if ev.Price != nil {
		if *ev.Price < 0 {
			return Event{}, errors.NewValidationError("price", *ev.Price, "must be non-negative")
		}
		out.Price = *ev.Price
	}
	return out, nil
}

func (e Event) String() string {
	return fmt.Sprintf("%s %s@%s", e.Symbol, e.Kind, e.Timeframe)
}
