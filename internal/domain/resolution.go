package domain

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"time"
)

// Outcome is the terminal state of one arbitration round.
type Outcome string

const (
	OutcomeExecute Outcome = "EXECUTE"
	OutcomeSilence Outcome = "SILENCE"
	OutcomeReject  Outcome = "REJECT"
)

// ReasonCode explains a SILENCE or REJECT outcome. Business outcomes are
// values, never errors; see the arbiter package for the invariant split.
type ReasonCode string

const (
	// REJECT reasons (structural)
	ReasonNoSignals        ReasonCode = "NO_SIGNALS"
	ReasonMixedInstruments ReasonCode = "MIXED_INSTRUMENTS"
	ReasonLockContention   ReasonCode = "LOCK_CONTENTION"
	ReasonDuplicateDecision ReasonCode = "DUPLICATE_DECISION"

	// SILENCE reasons (business)
	ReasonRegimeGateAll           ReasonCode = "REGIME_GATE_ALL"
	ReasonLiquidityShutdown       ReasonCode = "LIQUIDITY_SHUTDOWN"
	ReasonEVInsufficient          ReasonCode = "EV_INSUFFICIENT"
	ReasonBudgetExceeded          ReasonCode = "BUDGET_EXCEEDED"
	ReasonMutualExclusionAll      ReasonCode = "MUTUAL_EXCLUSION_ALL"
	ReasonNetWeightBelowThreshold ReasonCode = "NET_WEIGHT_BELOW_THRESHOLD"
	ReasonNoDirectionalConsensus  ReasonCode = "NO_DIRECTIONAL_CONSENSUS"
	ReasonSignalExpired           ReasonCode = "SIGNAL_EXPIRED"
)

// EVCalculation is the per-signal expected value breakdown for one round.
// Produced fresh each round; persisted only inside the resulting Resolution.
type EVCalculation struct {
	SignalID    string  `json:"signal_id"`
	RawEVBps    float64 `json:"raw_ev_bps"`
	SlippageBps float64 `json:"slippage_bps"`
	FeesBps     float64 `json:"fees_bps"`
	NetEVBps    float64 `json:"net_ev_bps"`
	FillProb    float64 `json:"fill_prob"`
	HitRate     float64 `json:"hit_rate"` // conditional hit rate used
	PayoffR     float64 `json:"payoff_r"` // conditional payoff in R multiples
	PriorUsed   bool    `json:"prior_used"` // true when history was too thin
}

// RegimeProbs is a {trend, range, shock} probability triple.
type RegimeProbs struct {
	Trend float64 `json:"trend"`
	Range float64 `json:"range"`
	Shock float64 `json:"shock"`
}

// Dominant returns the label with the highest probability.
func (p RegimeProbs) Dominant() string {
	switch {
	case p.Shock >= p.Trend && p.Shock >= p.Range:
		return RegimeShock
	case p.Trend >= p.Range:
		return RegimeTrend
	default:
		return RegimeRange
	}
}

// Regime labels used across classifier, gating tables and signal weights.
const (
	RegimeTrend = "trend"
	RegimeRange = "range"
	RegimeShock = "shock"
)

// Resolution is the single auditable outcome of one arbitration round.
// Immutable once created; becomes the unit of audit truth after the ledger
// write succeeds.
type Resolution struct {
	Outcome       Outcome                  `json:"outcome"`
	Instrument    string                   `json:"instrument"`
	Horizon       string                   `json:"horizon"`
	BatchID       string                   `json:"batch_id"`
	DecisionID    string                   `json:"decision_id,omitempty"`
	Winner        *Signal                  `json:"winner,omitempty"`
	Losers        []Signal                 `json:"losers,omitempty"`
	Reasons       []ReasonCode             `json:"reasons,omitempty"`
	NetWeight     float64                  `json:"net_weight"`
	NoTradeZone   float64                  `json:"no_trade_zone"`
	Regime        RegimeProbs              `json:"regime"`
	EV            map[string]EVCalculation `json:"ev,omitempty"`
	Colinearity   map[string]map[string]float64 `json:"colinearity,omitempty"`
	Timestamp     time.Time                `json:"timestamp"`
}

// HasReason reports whether the resolution carries the given reason code.
func (r Resolution) HasReason(code ReasonCode) bool {
	for _, c := range r.Reasons {
		if c == code {
			return true
		}
	}
	return false
}

// DecisionID derives the deterministic idempotency key for one decision.
// Identical (batch, signal, instrument, horizon) inputs always map to the
// same id, which is what makes ledger replay safe under retries.
func DecisionID(batchID, signalID, instrument, horizon string) string {
	sum := sha256.Sum256([]byte(fmt.Sprintf("%s|%s|%s|%s", batchID, signalID, instrument, horizon)))
	return hex.EncodeToString(sum[:16])
}
