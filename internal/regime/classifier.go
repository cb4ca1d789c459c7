// Package regime maintains a live market-regime probability distribution per
// instrument from externally computed features. Classification never fails:
// every call returns a valid {trend, range, shock} triple, falling back to a
// uniform distribution when the inputs cannot be trusted.
package regime

import (
	"math"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/quantarb/arbiter/internal/config"
	"github.com/quantarb/arbiter/internal/domain"
)

// Canonical distributions reported for a stable label while hysteresis is
// blending toward a new candidate.
var canonical = map[string]domain.RegimeProbs{
	domain.RegimeTrend: {Trend: 0.70, Range: 0.20, Shock: 0.10},
	domain.RegimeRange: {Trend: 0.20, Range: 0.70, Shock: 0.10},
	domain.RegimeShock: {Trend: 0.10, Range: 0.10, Shock: 0.80},
}

// shutdownProbs is the forced distribution under a liquidity shutdown.
var shutdownProbs = domain.RegimeProbs{Trend: 0.075, Range: 0.075, Shock: 0.85}

var uniform = domain.RegimeProbs{Trend: 1.0 / 3, Range: 1.0 / 3, Shock: 1.0 / 3}

// TransitionHook receives regime label transitions for telemetry. It must not
// block; classification never waits on it.
type TransitionHook func(instrument, from, to, reason string)

// Classifier is the per-instrument regime state machine with hysteresis.
type Classifier struct {
	mu    sync.Mutex
	cfg   config.RegimeConfig
	state map[string]*instrumentState
	hook  TransitionHook
}

type instrumentState struct {
	stableLabel    string
	candidateLabel string
	streak         int
	lastProbs      domain.RegimeProbs
	lastUpdate     time.Time

	// Expensive sub-scores cached with a short TTL to bound compute under
	// bursty re-evaluation.
	subScores   subScores
	subScoresAt time.Time
}

type subScores struct {
	trendPersistence float64
	followThrough    float64
}

// NewClassifier creates a classifier; hook may be nil.
func NewClassifier(cfg config.RegimeConfig, hook TransitionHook) *Classifier {
	return &Classifier{
		cfg:   cfg,
		state: make(map[string]*instrumentState),
		hook:  hook,
	}
}

// Classify updates and returns the instrument's regime distribution. It never
// returns an error and never panics; bad inputs degrade to the uniform
// distribution.
func (c *Classifier) Classify(instrument string, feats domain.FeatureSnapshot) domain.RegimeProbs {
	c.mu.Lock()
	defer c.mu.Unlock()

	st, ok := c.state[instrument]
	if !ok {
		st = &instrumentState{stableLabel: domain.RegimeRange, lastProbs: uniform}
		c.state[instrument] = st
	}

	// Missing or untrusted data falls back to uniform without advancing any
	// hysteresis streak; a run of bad ticks must not drift the stable label.
	if !feats.DataQualityOK {
		st.lastProbs = uniform
		st.lastUpdate = feats.Timestamp
		return uniform
	}

	raw := c.rawDistribution(instrument, st, feats)

	// Liquidity shutdown override: a blown-out spread while shock already
	// leads the provisional distribution forces a dominant-shock vector no
	// matter what the other evidence says.
	if feats.SpreadBps > c.cfg.ShutdownThreshold(instrument) && raw.Dominant() == domain.RegimeShock {
		c.transition(st, instrument, domain.RegimeShock, "liquidity_shutdown")
		st.candidateLabel = domain.RegimeShock
		st.streak = c.cfg.HysteresisCalls
		st.lastProbs = shutdownProbs
		st.lastUpdate = feats.Timestamp
		return shutdownProbs
	}

	reported := c.applyHysteresis(st, instrument, raw)
	st.lastProbs = reported
	st.lastUpdate = feats.Timestamp
	return reported
}

// Current returns the last reported distribution and stable label for an
// instrument, defaulting to uniform/range before the first classification.
func (c *Classifier) Current(instrument string) (domain.RegimeProbs, string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	st, ok := c.state[instrument]
	if !ok {
		return uniform, domain.RegimeRange
	}
	return st.lastProbs, st.stableLabel
}

// rawDistribution accumulates weighted evidence into unnormalized trend,
// range and shock scores and normalizes the result.
func (c *Classifier) rawDistribution(instrument string, st *instrumentState, feats domain.FeatureSnapshot) domain.RegimeProbs {
	if !feats.DataQualityOK {
		return uniform
	}

	sub := c.cachedSubScores(st, feats)
	spreadRatio := feats.SpreadRatio(c.cfg.MinBaselineSamples)
	volRatio := feats.VolRatio()

	trendScore := 1.4*sub.trendPersistence +
		1.0*clamp01(feats.DirectionalStrength/50.0) +
		0.8*sub.followThrough +
		0.6*feats.FlowPersistence()

	rangeScore := 1.2*(1.0-sub.trendPersistence) +
		0.8*clamp01(1.0-math.Abs(volRatio-1.0)) +
		0.6*clamp01(1.0-feats.FlowPersistence()) +
		0.4*clamp01(2.0-spreadRatio)

	shockScore := 1.5*math.Max(0, volRatio-1.2) +
		1.2*math.Max(0, spreadRatio-1.3) +
		1.0*clamp01(feats.FlowToxicity) +
		0.8*clamp01(feats.VolOfVol)

	total := trendScore + rangeScore + shockScore
	if total <= 0 || math.IsNaN(total) || math.IsInf(total, 0) {
		return uniform
	}
	return domain.RegimeProbs{
		Trend: trendScore / total,
		Range: rangeScore / total,
		Shock: shockScore / total,
	}
}

// applyHysteresis adopts a new dominant label only after it has appeared in
// the configured number of consecutive calls. Until then the reported
// distribution is a linear blend between the stable label's canonical
// distribution and the raw one, weighted by how long the streak has run.
func (c *Classifier) applyHysteresis(st *instrumentState, instrument string, raw domain.RegimeProbs) domain.RegimeProbs {
	dominant := raw.Dominant()

	if dominant == st.stableLabel {
		st.candidateLabel = ""
		st.streak = 0
		return raw
	}

	if dominant == st.candidateLabel {
		st.streak++
	} else {
		st.candidateLabel = dominant
		st.streak = 1
	}

	if st.streak >= c.cfg.HysteresisCalls {
		c.transition(st, instrument, dominant, "hysteresis_confirmed")
		st.candidateLabel = ""
		st.streak = 0
		return raw
	}

	w := float64(st.streak) / float64(c.cfg.HysteresisCalls)
	stable := canonical[st.stableLabel]
	return blend(stable, raw, w)
}

func (c *Classifier) cachedSubScores(st *instrumentState, feats domain.FeatureSnapshot) subScores {
	if !st.subScoresAt.IsZero() && time.Since(st.subScoresAt) < c.cfg.SubScoreTTL {
		return st.subScores
	}
	st.subScores = subScores{
		trendPersistence: clamp01(feats.TrendPersistence),
		followThrough:    clamp01(feats.FollowThroughRatio),
	}
	st.subScoresAt = time.Now()
	return st.subScores
}

func (c *Classifier) transition(st *instrumentState, instrument, to, reason string) {
	if st.stableLabel == to {
		return
	}
	from := st.stableLabel
	st.stableLabel = to

	log.Info().
		Str("instrument", instrument).
		Str("from", from).
		Str("to", to).
		Str("reason", reason).
		Msg("regime transition")

	if c.hook != nil {
		c.hook(instrument, from, to, reason)
	}
}

func blend(a, b domain.RegimeProbs, w float64) domain.RegimeProbs {
	out := domain.RegimeProbs{
		Trend: (1-w)*a.Trend + w*b.Trend,
		Range: (1-w)*a.Range + w*b.Range,
		Shock: (1-w)*a.Shock + w*b.Shock,
	}
	total := out.Trend + out.Range + out.Shock
	if total <= 0 {
		return uniform
	}
	out.Trend /= total
	out.Range /= total
	out.Shock /= total
	return out
}

func clamp01(v float64) float64 {
	if math.IsNaN(v) {
		return 0
	}
	return math.Max(0, math.Min(1, v))
}
