// Package correlation maintains pairwise historical correlation between
// strategy return streams. The arbiter uses it to avoid double-counting
// colinear signals.
package correlation

import (
	"math"
	"sync"
)

// Tracker accumulates bounded return histories per strategy and serves
// pairwise Pearson correlations. Safe for concurrent use; it is owned by the
// composition root and injected into the arbiter, never a package global.
type Tracker struct {
	mu         sync.RWMutex
	returns    map[string][]float64
	overrides  map[string]map[string]float64
	maxHistory int
	minSamples int
}

// NewTracker creates a tracker keeping at most maxHistory returns per
// strategy. Pairs with fewer than minSamples overlapping observations read
// as uncorrelated.
func NewTracker(maxHistory, minSamples int) *Tracker {
	if maxHistory <= 0 {
		maxHistory = 250
	}
	if minSamples <= 0 {
		minSamples = 20
	}
	return &Tracker{
		returns:    make(map[string][]float64),
		overrides:  make(map[string]map[string]float64),
		maxHistory: maxHistory,
		minSamples: minSamples,
	}
}

// Observe appends one realized return for a strategy's stream.
func (t *Tracker) Observe(strategyID string, ret float64) {
	t.mu.Lock()
	defer t.mu.Unlock()

	hist := append(t.returns[strategyID], ret)
	if len(hist) > t.maxHistory {
		hist = hist[len(hist)-t.maxHistory:]
	}
	t.returns[strategyID] = hist
}

// SetCorrelation pins the correlation for a strategy pair, bypassing the
// return histories. Used when correlations are computed offline and loaded
// at startup.
func (t *Tracker) SetCorrelation(a, b string, rho float64) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.overrides[a] == nil {
		t.overrides[a] = make(map[string]float64)
	}
	if t.overrides[b] == nil {
		t.overrides[b] = make(map[string]float64)
	}
	t.overrides[a][b] = rho
	t.overrides[b][a] = rho
}

// Correlation returns the Pearson correlation between two strategies'
// return streams, or 0 when either history is too thin.
func (t *Tracker) Correlation(a, b string) float64 {
	if a == b {
		return 1.0
	}

	t.mu.RLock()
	defer t.mu.RUnlock()

	if m, ok := t.overrides[a]; ok {
		if rho, ok := m[b]; ok {
			return rho
		}
	}

	ra, rb := t.returns[a], t.returns[b]
	n := len(ra)
	if len(rb) < n {
		n = len(rb)
	}
	if n < t.minSamples {
		return 0.0
	}
	return pearson(ra[len(ra)-n:], rb[len(rb)-n:])
}

// Matrix snapshots pairwise correlations for the given strategies. The
// snapshot is attached to every Resolution for audit.
func (t *Tracker) Matrix(strategies []string) map[string]map[string]float64 {
	out := make(map[string]map[string]float64, len(strategies))
	for _, a := range strategies {
		row := make(map[string]float64, len(strategies))
		for _, b := range strategies {
			row[b] = t.Correlation(a, b)
		}
		out[a] = row
	}
	return out
}

func pearson(a, b []float64) float64 {
	n := len(a)
	if n == 0 {
		return 0
	}
	var ma, mb float64
	for i := 0; i < n; i++ {
		ma += a[i]
		mb += b[i]
	}
	ma /= float64(n)
	mb /= float64(n)

	var num, da, db float64
	for i := 0; i < n; i++ {
		x := a[i] - ma
		y := b[i] - mb
		num += x * y
		da += x * x
		db += y * y
	}
	den := math.Sqrt(da * db)
	if den == 0 {
		return 0
	}
	return num / den
}
