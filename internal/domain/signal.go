package domain

import (
	"time"
)

// Direction is the side of a trading intent
type Direction int

const (
	Long  Direction = 1
	Short Direction = -1
)

func (d Direction) String() string {
	switch d {
	case Long:
		return "long"
	case Short:
		return "short"
	default:
		return "flat"
	}
}

// ExecutionStyle hints how the execution layer should work an order
type ExecutionStyle string

const (
	StyleAggressive ExecutionStyle = "aggressive" // market-style, crosses the spread
	StylePassive    ExecutionStyle = "passive"    // limit-style, rests in the book
)

// SignalMeta carries the documented optional metadata a strategy may attach.
// This replaces the loosely-typed map the strategies historically emitted.
type SignalMeta struct {
	RiskRewardRatio    float64        `json:"risk_reward_ratio,omitempty"` // target distance / stop distance
	ExecutionStyle     ExecutionStyle `json:"execution_style,omitempty"`   // defaults to passive
	Quantity           float64        `json:"quantity,omitempty"`          // units of base instrument
	NotionalUSD        float64        `json:"notional_usd,omitempty"`      // order notional for impact models
	ExpectedHoldMinutes float64       `json:"expected_hold_minutes,omitempty"`
}

// Signal is one candidate trading intent emitted by a strategy module.
// Immutable once emitted; expires when now - Timestamp > TTL.
type Signal struct {
	ID            string             `json:"id"`
	Instrument    string             `json:"instrument"`
	Horizon       string             `json:"horizon"` // e.g. "m15", "h1", "h4"
	StrategyID    string             `json:"strategy_id"`
	Family        string             `json:"family"` // momentum, mean_reversion, microstructure, volatility
	Direction     Direction          `json:"direction"`
	Confidence    float64            `json:"confidence"` // 0.0-1.0
	EntryPrice    float64            `json:"entry_price"`
	StopDistance  float64            `json:"stop_distance"` // price units
	TargetProfile []float64          `json:"target_profile,omitempty"`
	RegimeWeights map[string]float64 `json:"regime_weights,omitempty"` // sensitivity per regime label
	Timestamp     time.Time          `json:"timestamp"`
	TTL           time.Duration      `json:"ttl"`
	Meta          SignalMeta         `json:"meta"`
}

// Expired reports whether the signal's time-to-live has elapsed at now.
func (s Signal) Expired(now time.Time) bool {
	if s.TTL <= 0 {
		return false
	}
	return now.Sub(s.Timestamp) > s.TTL
}

// RegimeSensitivity returns the signal's weight multiplier for a regime label,
// defaulting to 1.0 when the strategy declared no preference.
func (s Signal) RegimeSensitivity(label string) float64 {
	if s.RegimeWeights == nil {
		return 1.0
	}
	if w, ok := s.RegimeWeights[label]; ok {
		return w
	}
	return 1.0
}
