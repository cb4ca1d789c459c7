package ev

import (
	"fmt"
	"sync"
)

// TradeStats summarizes realized performance for one
// (horizon, regime, strategy) conditioning triple.
type TradeStats struct {
	Samples  int     `json:"samples"`
	HitRate  float64 `json:"hit_rate"`
	PayoffR  float64 `json:"payoff_r"` // mean winner payoff in R multiples
}

// History records realized trade outcomes conditioned on horizon, regime and
// strategy. Below MinSamples observations, the engine falls back to a
// conservative neutral prior instead of overfitting to sparse history.
type History struct {
	mu    sync.RWMutex
	cells map[string]*cell
}

type cell struct {
	samples    int
	hits       int
	sumPayoffR float64
}

// NewHistory creates an empty performance history.
func NewHistory() *History {
	return &History{cells: make(map[string]*cell)}
}

func key(horizon, regime, strategyID string) string {
	return fmt.Sprintf("%s|%s|%s", horizon, regime, strategyID)
}

// Record adds one realized trade outcome. payoffR is the winner's payoff in
// R multiples and is ignored for losers.
func (h *History) Record(horizon, regime, strategyID string, win bool, payoffR float64) {
	h.mu.Lock()
	defer h.mu.Unlock()

	c, ok := h.cells[key(horizon, regime, strategyID)]
	if !ok {
		c = &cell{}
		h.cells[key(horizon, regime, strategyID)] = c
	}
	c.samples++
	if win {
		c.hits++
		c.sumPayoffR += payoffR
	}
}

// Stats returns the conditional hit rate and payoff for a triple along with
// the sample count backing them.
func (h *History) Stats(horizon, regime, strategyID string) TradeStats {
	h.mu.RLock()
	defer h.mu.RUnlock()

	c, ok := h.cells[key(horizon, regime, strategyID)]
	if !ok || c.samples == 0 {
		return TradeStats{}
	}
	stats := TradeStats{
		Samples: c.samples,
		HitRate: float64(c.hits) / float64(c.samples),
	}
	if c.hits > 0 {
		stats.PayoffR = c.sumPayoffR / float64(c.hits)
	}
	return stats
}

// Seed loads a precomputed cell, used when histories are restored from the
// mirror database at startup.
func (h *History) Seed(horizon, regime, strategyID string, stats TradeStats) {
	h.mu.Lock()
	defer h.mu.Unlock()

	hits := int(stats.HitRate*float64(stats.Samples) + 0.5)
	h.cells[key(horizon, regime, strategyID)] = &cell{
		samples:    stats.Samples,
		hits:       hits,
		sumPayoffR: stats.PayoffR * float64(hits),
	}
}
