package store

import (
	"context"
	"fmt"
	"path/filepath"
	"testing"
	"time"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"

	"kite-autotrader/internal/models"
)

func newTestStore(t *testing.T) *SQLiteStore {
	t.Helper()
	s, err := NewSQLiteStore(filepath.Join(t.TempDir(), "data", "trader.db"))
	if err != nil {
		t.Fatalf("Failed to create store: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestStateRoundTrip(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	now := time.Date(2025, 10, 6, 10, 0, 0, 0, time.UTC)

	leg := &models.HedgeLeg{
		Symbol: "NIFTY25100926000CE", Exchange: models.NFO, Quantity: 75, LotSize: 75,
		Strike: 26000, Expiry: time.Date(2025, 10, 9, 0, 0, 0, 0, time.UTC), OpenedAt: now,
	}
	in := models.SymbolState{
		Symbol:           "NIFTY",
		LastAction:       models.DirectionLong,
		HedgeLeg:         leg,
		LastTransitionAt: now,
		UpdatedAt:        now,
	}
	if err := s.SaveState(ctx, in); err != nil {
		t.Fatalf("SaveState: %v", err)
	}

	states, err := s.LoadStates(ctx)
	if err != nil {
		t.Fatalf("LoadStates: %v", err)
	}
	if len(states) != 1 {
		t.Fatalf("expected 1 state, got %d", len(states))
	}
	got := states[0]
	if got.LastAction != models.DirectionLong || !got.LastTransitionAt.Equal(now) || !got.LastExitAt.IsZero() {
		t.Errorf("unexpected state %+v", got)
	}
	if got.HedgeLeg == nil || got.HedgeLeg.Symbol != leg.Symbol || got.HedgeLeg.Strike != 26000 {
		t.Errorf("hedge leg not restored: %+v", got.HedgeLeg)
	}

	// Upsert clears the leg and records the exit.
	in.LastAction = models.DirectionNone
	in.HedgeLeg = nil
	in.LastExitAt = now.Add(time.Minute)
	if err := s.SaveState(ctx, in); err != nil {
		t.Fatalf("SaveState: %v", err)
	}
	states, _ = s.LoadStates(ctx)
	if len(states) != 1 || states[0].HedgeLeg != nil || states[0].LastAction != models.DirectionNone {
		t.Errorf("upsert failed: %+v", states)
	}
	if !states[0].LastExitAt.Equal(in.LastExitAt) {
		t.Errorf("exit time = %v", states[0].LastExitAt)
	}

	if err := s.DeleteState(ctx, "NIFTY"); err != nil {
		t.Fatalf("DeleteState: %v", err)
	}
	if states, _ := s.LoadStates(ctx); len(states) != 0 {
		t.Errorf("state not deleted: %+v", states)
	}
}

func TestTradeFilters(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	base := time.Date(2025, 10, 6, 9, 15, 0, 0, time.UTC)

	records := []models.TradeRecord{
		{ID: "t1", Timestamp: base, Symbol: "NIFTY", Contract: "NIFTY25OCTFUT", Exchange: models.NFO, Action: models.ActionEntry, Direction: models.DirectionLong, Side: models.OrderSideBuy, Quantity: 75, Price: 25000, Success: true, IsPaper: true},
		{ID: "t2", Timestamp: base.Add(time.Hour), Symbol: "NIFTY", Contract: "NIFTY25OCTFUT", Exchange: models.NFO, Action: models.ActionExit, Direction: models.DirectionLong, Side: models.OrderSideSell, Quantity: 75, Price: 25100, Success: true},
		{ID: "t3", Timestamp: base.Add(2 * time.Hour), Symbol: "CRUDEOIL", Contract: "CRUDEOIL25OCTFUT", Exchange: models.MCX, Action: models.ActionEntry, Direction: models.DirectionShort, Side: models.OrderSideSell, Quantity: 100, Error: "rejected"},
	}
	for i := range records {
		if err := s.LogTrade(ctx, &records[i]); err != nil {
			t.Fatalf("LogTrade: %v", err)
		}
	}

	all, err := s.GetTrades(ctx, TradeFilter{})
	if err != nil || len(all) != 3 || all[0].ID != "t3" {
		t.Fatalf("GetTrades all: %v %+v", err, all)
	}
	if all[0].Success || all[0].Error != "rejected" || all[0].Exchange != models.MCX {
		t.Errorf("unexpected record %+v", all[0])
	}

	paper := true
	tests := []struct {
		name   string
		filter TradeFilter
		want   []string
	}{
		{"symbol", TradeFilter{Symbol: "NIFTY"}, []string{"t2", "t1"}},
		{"action", TradeFilter{Action: models.ActionExit}, []string{"t2"}},
		{"paper", TradeFilter{IsPaper: &paper}, []string{"t1"}},
		{"window", TradeFilter{StartDate: base.Add(30 * time.Minute), EndDate: base.Add(90 * time.Minute)}, []string{"t2"}},
		{"limit", TradeFilter{Limit: 1}, []string{"t3"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := s.GetTrades(ctx, tt.filter)
			if err != nil {
				t.Fatalf("GetTrades: %v", err)
			}
			if len(got) != len(tt.want) {
				t.Fatalf("got %d records, want %v", len(got), tt.want)
			}
			for i, id := range tt.want {
				if got[i].ID != id {
					t.Errorf("record %d = %s, want %s", i, got[i].ID, id)
				}
			}
		})
	}
}

// Property: the last saved direction for a symbol is what LoadStates returns.
func TestProperty_StateLastWriteWins(t *testing.T) {
	s := newTestStore(t)

	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 50
	properties := gopter.NewProperties(parameters)

	dirs := []models.Direction{models.DirectionNone, models.DirectionLong, models.DirectionShort}
	n := 0

	properties.Property("last write wins", prop.ForAll(
		func(writes []int) bool {
			if len(writes) == 0 {
				return true
			}
			ctx := context.Background()
			n++
			symbol := fmt.Sprintf("SYM%d", n)
			for _, w := range writes {
				if err := s.SaveState(ctx, models.SymbolState{Symbol: symbol, LastAction: dirs[w]}); err != nil {
					return false
				}
			}
			states, err := s.LoadStates(ctx)
			if err != nil {
				return false
			}
			for _, st := range states {
				if st.Symbol == symbol {
					return st.LastAction == dirs[writes[len(writes)-1]]
				}
			}
			return false
		},
		gen.SliceOf(gen.IntRange(0, len(dirs)-1)),
	))

	properties.TestingRun(t)
}
