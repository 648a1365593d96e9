// Package signals holds per-symbol timeframe signals and the last committed action.
package signals

import (
	"sort"
	"sync"
	"time"

	"kite-autotrader/internal/models"
	"kite-autotrader/pkg/utils"
)

// DefaultTimeframes is the configured timeframe set used by the original alerts.
var DefaultTimeframes = []string{"3m", "5m", "10m"}

type entry struct {
	mu         sync.Mutex
	slots      map[string]models.Direction
	lastAction models.Direction
	hedge      *models.HedgeLeg
	updatedAt  time.Time
}

// Store holds one entry per root symbol. Entries are created lazily and live
// for the process lifetime. Writers for different symbols never share a lock;
// the map lock is held only to find or create an entry.
type Store struct {
	timeframes []string
	clock      utils.Clock

	mu      sync.RWMutex
	entries map[string]*entry
}

// NewStore creates a store for the configured timeframe set.
func NewStore(timeframes []string, clock utils.Clock) *Store {
	if len(timeframes) == 0 {
		timeframes = DefaultTimeframes
	}
	if clock == nil {
		clock = utils.SystemClock{}
	}
	tfs := make([]string, len(timeframes))
	for i, tf := range timeframes {
		tfs[i] = NormalizeTimeframe(tf)
	}
	return &Store{
		timeframes: tfs,
		clock:      clock,
		entries:    make(map[string]*entry),
	}
}

// Timeframes returns the configured timeframe set.
func (s *Store) Timeframes() []string {
	out := make([]string, len(s.timeframes))
	copy(out, s.timeframes)
	return out
}

func (s *Store) get(symbol string) *entry {
	s.mu.RLock()
	e, ok := s.entries[symbol]
	s.mu.RUnlock()
	if ok {
		return e
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if e, ok = s.entries[symbol]; ok {
		return e
	}
	e = &entry{
		slots:      make(map[string]models.Direction),
		lastAction: models.DirectionNone,
	}
	s.entries[symbol] = e
	return e
}

// Record overwrites the slot for timeframe. A non-directional value clears
// the slot so it cannot take part in consensus.
func (s *Store) Record(symbol, timeframe string, dir models.Direction) {
	e := s.get(symbol)
	e.mu.Lock()
	defer e.mu.Unlock()
	if !dir.IsDirectional() {
		dir = models.DirectionNone
	}
	e.slots[timeframe] = dir
	e.updatedAt = s.clock.Now()
}

// Consensus returns the direction every configured timeframe agrees on.
func (s *Store) Consensus(symbol string) (models.Direction, bool) {
	e := s.get(symbol)
	e.mu.Lock()
	defer e.mu.Unlock()

	var agreed models.Direction
	for _, tf := range s.timeframes {
		d := e.slots[tf]
		if !d.IsDirectional() {
			return models.DirectionNone, false
		}
		if agreed == "" {
			agreed = d
		} else if d != agreed {
			return models.DirectionNone, false
		}
	}
	if agreed == "" {
		return models.DirectionNone, false
	}
	return agreed, true
}

// Slots returns the configured timeframe slots in configured order.
func (s *Store) Slots(symbol string) []models.Direction {
	e := s.get(symbol)
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]models.Direction, len(s.timeframes))
	for i, tf := range s.timeframes {
		out[i] = e.slots[tf]
	}
	return out
}

// LastAction returns the last committed direction.
func (s *Store) LastAction(symbol string) models.Direction {
	e := s.get(symbol)
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.lastAction
}

// CommitAction records a completed transition.
func (s *Store) CommitAction(symbol string, dir models.Direction) {
	e := s.get(symbol)
	e.mu.Lock()
	defer e.mu.Unlock()
	if dir == "" {
		dir = models.DirectionNone
	}
	e.lastAction = dir
	e.updatedAt = s.clock.Now()
}

// HedgeLeg returns a copy of the open hedge leg, or nil.
func (s *Store) HedgeLeg(symbol string) *models.HedgeLeg {
	e := s.get(symbol)
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.hedge == nil {
		return nil
	}
	leg := *e.hedge
	return &leg
}

// SetHedgeLeg replaces the hedge leg reference; nil clears it.
func (s *Store) SetHedgeLeg(symbol string, leg *models.HedgeLeg) {
	e := s.get(symbol)
	e.mu.Lock()
	defer e.mu.Unlock()
	if leg == nil {
		e.hedge = nil
	} else {
		cp := *leg
		e.hedge = &cp
	}
	e.updatedAt = s.clock.Now()
}

// Snapshot returns a copy of the symbol's state.
func (s *Store) Snapshot(symbol string) models.SymbolState {
	e := s.get(symbol)
	e.mu.Lock()
	defer e.mu.Unlock()

	st := models.SymbolState{
		Symbol:     symbol,
		Timeframes: make(map[string]models.Direction, len(e.slots)),
		LastAction: e.lastAction,
		UpdatedAt:  e.updatedAt,
	}
	for tf, d := range e.slots {
		st.Timeframes[tf] = d
	}
	if e.hedge != nil {
		leg := *e.hedge
		st.HedgeLeg = &leg
	}
	return st
}

// Restore seeds a symbol from persisted state. Timeframe slots are not restored.
func (s *Store) Restore(st models.SymbolState) {
	s.CommitAction(st.Symbol, st.LastAction)
	s.SetHedgeLeg(st.Symbol, st.HedgeLeg)
}

// Symbols returns every known symbol in sorted order.
func (s *Store) Symbols() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]string, 0, len(s.entries))
	for sym := range s.entries {
		out = append(out, sym)
	}
	sort.Strings(out)
	return out
}
