package contract

import (
	"testing"
	"time"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"

	"kite-autotrader/pkg/utils"
)

func date(y int, m time.Month, d int) time.Time {
	return time.Date(y, m, d, 11, 30, 0, 0, utils.IndiaLocation)
}

func TestLastTradingDay(t *testing.T) {
	r := NewResolver(time.Thursday, 4)

	tests := []struct {
		year  int
		month time.Month
		want  int
	}{
		{2025, time.October, 30},
		{2025, time.November, 27},
		{2025, time.December, 25},
		{2026, time.January, 29},
		{2026, time.April, 30}, // month ends on the expiry weekday
	}

	for _, tt := range tests {
		got := r.LastTradingDay(tt.year, tt.month)
		if got.Day() != tt.want || got.Month() != tt.month {
			t.Errorf("LastTradingDay(%d, %s) = %s, want day %d", tt.year, tt.month, got.Format("2006-01-02"), tt.want)
		}
	}
}

func TestResolve(t *testing.T) {
	r := NewResolver(time.Thursday, 4)

	tests := []struct {
		name string
		asOf time.Time
		want string
	}{
		{"early month", date(2025, time.October, 3), "NIFTY25OCTFUT"},
		{"on cutoff", date(2025, time.October, 26), "NIFTY25OCTFUT"},
		{"day after cutoff", date(2025, time.October, 27), "NIFTY25NOVFUT"},
		{"december rolls year", date(2025, time.December, 22), "NIFTY26JANFUT"},
		{"lower-case root", date(2025, time.November, 3), "NIFTY25NOVFUT"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			root := "NIFTY"
			if tt.name == "lower-case root" {
				root = "nifty"
			}
			if got := r.Resolve(root, tt.asOf); got != tt.want {
				t.Errorf("Resolve() = %s, want %s", got, tt.want)
			}
		})
	}
}

func TestMondayConvention(t *testing.T) {
	r := NewResolver(time.Monday, 4)
	// Last Monday of October 2025 is the 27th; cutoff the 23rd.
	if got := r.Resolve("BANKNIFTY", date(2025, time.October, 23)); got != "BANKNIFTY25OCTFUT" {
		t.Errorf("on cutoff got %s", got)
	}
	if got := r.Resolve("BANKNIFTY", date(2025, time.October, 24)); got != "BANKNIFTY25NOVFUT" {
		t.Errorf("after cutoff got %s", got)
	}
}

func TestRollover(t *testing.T) {
	r := NewResolver(time.Thursday, 4)

	if _, _, due := r.Rollover("NIFTY", date(2025, time.October, 20)); due {
		t.Error("rollover should not be due before the cutoff")
	}

	expiring, next, due := r.Rollover("NIFTY", date(2025, time.October, 28))
	if !due {
		t.Fatal("rollover should be due after the cutoff")
	}
	if expiring.Code != "NIFTY25OCTFUT" || next.Code != "NIFTY25NOVFUT" {
		t.Errorf("Rollover() = %s -> %s", expiring.Code, next.Code)
	}
	// Trading and rollover must agree on the active code.
	if got := r.Resolve("NIFTY", date(2025, time.October, 28)); got != next.Code {
		t.Errorf("Resolve() = %s, rollover target %s", got, next.Code)
	}
}

func TestParseWeekday(t *testing.T) {
	for in, want := range map[string]time.Weekday{"thursday": time.Thursday, "Thu": time.Thursday, " MONDAY ": time.Monday, "tue": time.Tuesday} {
		got, err := ParseWeekday(in)
		if err != nil || got != want {
			t.Errorf("ParseWeekday(%q) = %v, %v", in, got, err)
		}
	}
	if _, err := ParseWeekday("someday"); err == nil {
		t.Error("expected error for unknown weekday")
	}
}

// Property: resolving on the cutoff yields the current month and resolving on
// the following day yields the next month, for any month and expiry weekday.
func TestProperty_RolloverBoundary(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 200
	parameters.Rng.Seed(time.Now().UnixNano())

	properties := gopter.NewProperties(parameters)

	properties.Property("cutoff resolves current month, cutoff+1 resolves next", prop.ForAll(
		func(year, month, weekday, days int) bool {
			r := NewResolver(time.Weekday(weekday), days)
			m := time.Month(month)
			cutoff := r.RolloverCutoff(year, m)
			if cutoff.Month() != m {
				// Cutoff spilled into the previous month; nothing to check.
				return true
			}

			current := Code("NIFTY", year, m)
			nextMonth := time.Date(year, m+1, 1, 0, 0, 0, 0, utils.IndiaLocation)
			next := Code("NIFTY", nextMonth.Year(), nextMonth.Month())

			return r.Resolve("NIFTY", cutoff) == current &&
				r.Resolve("NIFTY", cutoff.AddDate(0, 0, 1)) == next
		},
		gen.IntRange(2020, 2035),
		gen.IntRange(1, 12),
		gen.IntRange(0, 6),
		gen.IntRange(0, 10),
	))

	properties.TestingRun(t)
}
