// Package guard serializes state transitions per symbol and enforces the
// re-entry cooldown.
package guard

import (
	"sync"
	"time"

	"kite-autotrader/internal/models"
	"kite-autotrader/pkg/utils"
)

// DefaultCooldown is the window in which a duplicate transition or a
// re-entry after an exit is refused.
const DefaultCooldown = 20 * time.Second

// Denial explains why admission was refused. The empty Denial means admitted.
type Denial string

const (
	DeniedInProgress Denial = "in_progress"
	DeniedDuplicate  Denial = "duplicate"
	DeniedCooldown   Denial = "cooldown"
)

type record struct {
	mu               sync.Mutex
	inProgress       bool
	last             models.Direction
	lastTransitionAt time.Time
	lastExitAt       time.Time
}

// Guard grants exclusive admission per symbol. Admission checks for
// different symbols never contend on the same record lock.
type Guard struct {
	cooldown time.Duration
	clock    utils.Clock

	mu      sync.RWMutex
	records map[string]*record
}

// New creates a guard. A non-positive cooldown uses DefaultCooldown.
func New(cooldown time.Duration, clock utils.Clock) *Guard {
	if cooldown <= 0 {
		cooldown = DefaultCooldown
	}
	if clock == nil {
		clock = utils.SystemClock{}
	}
	return &Guard{
		cooldown: cooldown,
		clock:    clock,
		records:  make(map[string]*record),
	}
}

func (g *Guard) get(symbol string) *record {
	g.mu.RLock()
	r, ok := g.records[symbol]
	g.mu.RUnlock()
	if ok {
		return r
	}

	g.mu.Lock()
	defer g.mu.Unlock()
	if r, ok = g.records[symbol]; ok {
		return r
	}
	r = &record{last: models.DirectionNone}
	g.records[symbol] = r
	return r
}

// TryAdmit attempts to admit a transition towards proposed. On success the
// returned Ticket must be released on every path, typically with defer.
func (g *Guard) TryAdmit(symbol string, proposed models.Direction) (*Ticket, Denial) {
	return g.admit(symbol, proposed, true)
}

// TryAcquire admits a calendar-driven action such as a rollover. It honours
// an in-flight transition but not the cooldown windows.
func (g *Guard) TryAcquire(symbol string) (*Ticket, Denial) {
	return g.admit(symbol, models.DirectionNone, false)
}

func (g *Guard) admit(symbol string, proposed models.Direction, checkCooldown bool) (*Ticket, Denial) {
	r := g.get(symbol)
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.inProgress {
		return nil, DeniedInProgress
	}
	if checkCooldown {
		now := g.clock.Now()
		if proposed == r.last && !r.lastTransitionAt.IsZero() && now.Sub(r.lastTransitionAt) < g.cooldown {
			return nil, DeniedDuplicate
		}
		if !r.lastExitAt.IsZero() && now.Sub(r.lastExitAt) < g.cooldown {
			return nil, DeniedCooldown
		}
	}

	r.inProgress = true
	return &Ticket{guard: g, rec: r}, ""
}

// Annotate copies the guard's timestamps into st.
func (g *Guard) Annotate(st *models.SymbolState) {
	r := g.get(st.Symbol)
	r.mu.Lock()
	defer r.mu.Unlock()
	st.InProgress = r.inProgress
	st.LastTransitionAt = r.lastTransitionAt
	st.LastExitAt = r.lastExitAt
}

// Restore seeds cooldown state from a persisted snapshot.
func (g *Guard) Restore(st models.SymbolState) {
	r := g.get(st.Symbol)
	r.mu.Lock()
	defer r.mu.Unlock()
	if st.LastAction != "" {
		r.last = st.LastAction
	}
	r.lastTransitionAt = st.LastTransitionAt
	r.lastExitAt = st.LastExitAt
}

// Ticket is an exclusive admission for one symbol.
type Ticket struct {
	guard *Guard
	rec   *record
	once  sync.Once
}

// Committed records a completed transition into dir.
func (t *Ticket) Committed(dir models.Direction) {
	now := t.guard.clock.Now()
	t.rec.mu.Lock()
	defer t.rec.mu.Unlock()
	t.rec.last = dir
	t.rec.lastTransitionAt = now
}

// Exited records a confirmed exit.
func (t *Ticket) Exited() {
	now := t.guard.clock.Now()
	t.rec.mu.Lock()
	defer t.rec.mu.Unlock()
	t.rec.lastExitAt = now
}

// Release clears the in-progress flag. It is safe to call more than once.
func (t *Ticket) Release() {
	if t == nil {
		return
	}
	t.once.Do(func() {
		t.rec.mu.Lock()
		t.rec.inProgress = false
		t.rec.mu.Unlock()
	})
}
