// Package ev computes per-signal net expected value in basis points,
// conditioned on horizon, regime and strategy. All computation is pure with
// respect to the inputs and may run in parallel across signals.
package ev

import (
	"math"

	"github.com/quantarb/arbiter/internal/config"
	"github.com/quantarb/arbiter/internal/domain"
)

// Neutral prior applied when the conditioning triple has too little history.
const (
	priorHitRate = 0.5
	priorPayoffR = 1.5
)

// Engine turns signals plus market context into EVCalculations.
type Engine struct {
	cfg     config.ArbiterConfig
	history *History
}

// NewEngine creates an EV engine backed by the given performance history.
func NewEngine(cfg config.ArbiterConfig, history *History) *Engine {
	return &Engine{cfg: cfg, history: history}
}

// Evaluate computes the full EV breakdown for one signal under the current
// feature snapshot and regime distribution.
func (e *Engine) Evaluate(sig domain.Signal, feats domain.FeatureSnapshot, regime domain.RegimeProbs) domain.EVCalculation {
	calc := domain.EVCalculation{SignalID: sig.ID}

	stats := e.history.Stats(sig.Horizon, regime.Dominant(), sig.StrategyID)
	if stats.Samples < e.cfg.MinHistorySamples {
		calc.PriorUsed = true
		calc.HitRate = priorHitRate
		calc.PayoffR = priorPayoffR
		if sig.Meta.RiskRewardRatio > 0 {
			calc.PayoffR = math.Min(sig.Meta.RiskRewardRatio, priorPayoffR)
		}
	} else {
		calc.HitRate = stats.HitRate
		calc.PayoffR = stats.PayoffR
		if calc.PayoffR <= 0 && sig.Meta.RiskRewardRatio > 0 {
			calc.PayoffR = sig.Meta.RiskRewardRatio
		}
	}

	riskBps := stopDistanceBps(sig)
	calc.RawEVBps = (calc.HitRate*calc.PayoffR - (1 - calc.HitRate)) * riskBps
	calc.SlippageBps = e.slippageBps(sig, feats, regime)
	calc.FeesBps = e.cfg.FeesBps
	calc.FillProb = e.fillProbability(sig, feats, regime)
	calc.NetEVBps = (calc.RawEVBps - calc.SlippageBps - calc.FeesBps) * calc.FillProb

	return calc
}

// MinThreshold is the dynamic net-EV floor: the configured base, tightened as
// shock probability rises so marginal trades are not taken into stress.
func (e *Engine) MinThreshold(regime domain.RegimeProbs) float64 {
	scale := 1.0 + (e.cfg.ShockEVMultiplier-1.0)*clamp01(regime.Shock)
	return e.cfg.MinEVBps * scale
}

// stopDistanceBps converts the signal's stop distance into basis points of
// entry price, the R unit for payoff arithmetic.
func stopDistanceBps(sig domain.Signal) float64 {
	if sig.EntryPrice <= 0 || sig.StopDistance <= 0 {
		return 0
	}
	return sig.StopDistance / sig.EntryPrice * 10000
}

// slippageBps models expected execution cost: a venue base, a volatility
// component, spread expansion over baseline, order-size impact against book
// depth, notional impact against average daily volume, and an urgency premium
// for short expected holds. Everything scales up under elevated shock.
func (e *Engine) slippageBps(sig domain.Signal, feats domain.FeatureSnapshot, regime domain.RegimeProbs) float64 {
	s := e.cfg.Slippage

	slip := s.BaseBps
	slip += s.VolMultiplier * math.Max(0, feats.VolRatio()-1.0)
	slip += s.SpreadImpact * math.Max(0, feats.SpreadBps-feats.SpreadBaselineBps)

	if feats.BookDepthUSD > 0 && sig.Meta.NotionalUSD > 0 {
		slip += s.DepthImpact * math.Min(1.0, sig.Meta.NotionalUSD/feats.BookDepthUSD)
	}
	if feats.AvgDailyVolumeUSD > 0 && sig.Meta.NotionalUSD > 0 {
		slip += s.ADVImpact * math.Min(1.0, sig.Meta.NotionalUSD/feats.AvgDailyVolumeUSD*100)
	}
	if sig.Meta.ExpectedHoldMinutes > 0 && sig.Meta.ExpectedHoldMinutes < 60 {
		slip += s.UrgencyPremiumBps
	}

	// Elevated shock widens everything.
	shockScale := 1.0 + (s.ShockMultiplier-1.0)*math.Max(0, (regime.Shock-0.3)/0.7)
	return slip * shockScale
}

// fillProbability estimates the chance the order fills at modeled cost:
// aggressive styles fill nearly always, passive styles less so, and both
// degrade with shock probability and with spread expansion beyond 1.5-2x the
// instrument baseline.
func (e *Engine) fillProbability(sig domain.Signal, feats domain.FeatureSnapshot, regime domain.RegimeProbs) float64 {
	p := 0.65
	if sig.Meta.ExecutionStyle == domain.StyleAggressive {
		p = 0.95
	}

	p *= 1.0 - 0.5*clamp01(regime.Shock)

	ratio := feats.SpreadRatio(1)
	if ratio > 1.5 {
		// Linear degradation between 1.5x and 2.0x, capped at -40%.
		degrade := math.Min((ratio-1.5)/0.5, 1.0) * 0.4
		p *= 1.0 - degrade
	}

	return math.Max(0.05, math.Min(1.0, p))
}

func clamp01(v float64) float64 {
	return math.Max(0, math.Min(1, v))
}
