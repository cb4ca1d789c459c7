package domain

import "time"

// FeatureSnapshot is the per-tick feature bag supplied by the external
// market-data pipeline. The arbitration core never computes indicators itself.
type FeatureSnapshot struct {
	Instrument string    `json:"instrument"`
	Timestamp  time.Time `json:"timestamp"`

	// Liquidity / microstructure
	SpreadBps           float64 `json:"spread_bps"`            // current quoted spread
	SpreadBaselineBps   float64 `json:"spread_baseline_bps"`   // rolling median spread
	SpreadBaselineCount int     `json:"spread_baseline_count"` // samples behind the baseline
	BookDepthUSD        float64 `json:"book_depth_usd"`        // depth near touch
	AvgDailyVolumeUSD   float64 `json:"avg_daily_volume_usd"`

	// Volatility
	ShortVol  float64 `json:"short_vol"`   // short-window realized vol
	LongVol   float64 `json:"long_vol"`    // long-window realized vol
	VolOfVol  float64 `json:"vol_of_vol"`  // volatility-of-volatility measure
	ShortATR  float64 `json:"short_atr"`

	// Trend / flow evidence for regime classification
	TrendPersistence   float64   `json:"trend_persistence"`    // 0-1 persistence measure
	DirectionalStrength float64  `json:"directional_strength"` // ADX-like, 0-100
	FlowImbalanceHist  []float64 `json:"flow_imbalance_hist,omitempty"` // recent order-flow imbalance
	FlowToxicity       float64   `json:"flow_toxicity"` // 0-1 order-flow toxicity score
	FollowThroughRatio float64   `json:"follow_through_ratio"` // breakout follow-through, 0-1

	DataQualityOK bool `json:"data_quality_ok"`
}

// SpreadRatio is the current spread relative to its rolling baseline. A ratio
// of 1.0 is returned while the baseline is still warming up so that a thin
// sample never triggers shock handling on its own.
func (f FeatureSnapshot) SpreadRatio(minSamples int) float64 {
	if f.SpreadBaselineCount < minSamples || f.SpreadBaselineBps <= 0 {
		return 1.0
	}
	return f.SpreadBps / f.SpreadBaselineBps
}

// VolRatio is short-window over long-window realized volatility.
func (f FeatureSnapshot) VolRatio() float64 {
	if f.LongVol <= 0 {
		return 1.0
	}
	return f.ShortVol / f.LongVol
}

// FlowPersistence measures how one-sided recent order flow has been, as the
// absolute mean of the imbalance history. Empty history reads as neutral.
func (f FeatureSnapshot) FlowPersistence() float64 {
	if len(f.FlowImbalanceHist) == 0 {
		return 0.0
	}
	var sum float64
	for _, v := range f.FlowImbalanceHist {
		sum += v
	}
	mean := sum / float64(len(f.FlowImbalanceHist))
	if mean < 0 {
		mean = -mean
	}
	if mean > 1 {
		mean = 1
	}
	return mean
}
