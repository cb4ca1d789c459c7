// Package risk tracks committed exposure per strategy family and open
// directional positions per (instrument, horizon) key. Family budgets are a
// business constraint; the no-hedge rule is a programming contract whose
// violation is fatal.
package risk

import (
	"fmt"
	"sync"

	"github.com/quantarb/arbiter/internal/domain"
)

// Tracker is owned by the composition root and shared by reference with the
// arbiter. All mutation happens on EXECUTE outcomes only, after the ledger
// write has succeeded.
type Tracker struct {
	mu             sync.Mutex
	capitalUSD     float64
	familyBudgets  map[string]float64 // fraction of capital per family
	familyExposure map[string]float64 // committed USD per family
	positions      map[string]position
}

type position struct {
	direction domain.Direction
	notional  float64
	count     int
}

// NewTracker creates a tracker with the configured capital and budgets.
func NewTracker(capitalUSD float64, familyBudgets map[string]float64) *Tracker {
	return &Tracker{
		capitalUSD:     capitalUSD,
		familyBudgets:  familyBudgets,
		familyExposure: make(map[string]float64),
		positions:      make(map[string]position),
	}
}

func posKey(instrument, horizon string) string {
	return instrument + "|" + horizon
}

// WithinBudget reports whether admitting notionalUSD more exposure for the
// family stays inside its allotted fraction of capital. Families without a
// configured budget are always rejected.
func (t *Tracker) WithinBudget(family string, notionalUSD float64) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	frac, ok := t.familyBudgets[family]
	if !ok {
		return false
	}
	return t.familyExposure[family]+notionalUSD <= frac*t.capitalUSD
}

// OpenDirection returns the tracked open direction for a key, or 0 when flat.
func (t *Tracker) OpenDirection(instrument, horizon string) domain.Direction {
	t.mu.Lock()
	defer t.mu.Unlock()

	if p, ok := t.positions[posKey(instrument, horizon)]; ok && p.count > 0 {
		return p.direction
	}
	return 0
}

// AssertNoHedge panics when the proposed direction contradicts a currently
// tracked open exposure for the same key. Reaching this state means the
// arbiter's winner selection is broken; continuing would corrupt the no-hedge
// guarantee, so the operation aborts loudly instead of degrading.
func (t *Tracker) AssertNoHedge(instrument, horizon string, dir domain.Direction) {
	open := t.OpenDirection(instrument, horizon)
	if open != 0 && open != dir {
		panic(fmt.Sprintf("no-hedge invariant violated: %s/%s holds %s, attempted %s",
			instrument, horizon, open, dir))
	}
}

// Commit records an executed decision: bumps the family's committed exposure
// and the open position for the key. Called only after a successful,
// non-duplicate ledger append.
func (t *Tracker) Commit(sig domain.Signal) {
	t.mu.Lock()
	defer t.mu.Unlock()

	notional := sig.Meta.NotionalUSD
	t.familyExposure[sig.Family] += notional

	key := posKey(sig.Instrument, sig.Horizon)
	p := t.positions[key]
	if p.count > 0 && p.direction != sig.Direction {
		panic(fmt.Sprintf("no-hedge invariant violated on commit: %s holds %s, committing %s",
			key, p.direction, sig.Direction))
	}
	p.direction = sig.Direction
	p.notional += notional
	p.count++
	t.positions[key] = p
}

// Close unwinds one tracked position for the key, releasing its exposure from
// the family budget. Called by the external execution layer's fill/close
// feedback path.
func (t *Tracker) Close(instrument, horizon, family string, notionalUSD float64) {
	t.mu.Lock()
	defer t.mu.Unlock()

	key := posKey(instrument, horizon)
	p, ok := t.positions[key]
	if !ok || p.count == 0 {
		return
	}
	p.count--
	p.notional -= notionalUSD
	if p.count <= 0 {
		delete(t.positions, key)
	} else {
		t.positions[key] = p
	}

	if cur := t.familyExposure[family]; cur > notionalUSD {
		t.familyExposure[family] = cur - notionalUSD
	} else {
		delete(t.familyExposure, family)
	}
}

// FamilyExposure returns the committed USD for a family, for inspection.
func (t *Tracker) FamilyExposure(family string) float64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.familyExposure[family]
}
