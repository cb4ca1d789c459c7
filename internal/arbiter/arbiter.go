// Package arbiter resolves competing trading intents into exactly one
// auditable decision per (instrument, horizon) and evaluation batch.
package arbiter

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/quantarb/arbiter/internal/config"
	"github.com/quantarb/arbiter/internal/correlation"
	"github.com/quantarb/arbiter/internal/domain"
	"github.com/quantarb/arbiter/internal/ev"
	"github.com/quantarb/arbiter/internal/ledger"
	"github.com/quantarb/arbiter/internal/locks"
	"github.com/quantarb/arbiter/internal/metrics"
	"github.com/quantarb/arbiter/internal/persistence"
	"github.com/quantarb/arbiter/internal/risk"
)

// Classifier is the regime dependency the arbiter needs.
type Classifier interface {
	Classify(instrument string, feats domain.FeatureSnapshot) domain.RegimeProbs
}

// ResolutionSink receives every resolution after it is final, e.g. the
// websocket broadcast hub. Must not block.
type ResolutionSink func(domain.Resolution)

// Arbiter runs arbitration rounds. All collaborators are injected by the
// composition root; the arbiter holds no global state.
type Arbiter struct {
	cfg        config.ArbiterConfig
	regimeCfg  config.RegimeConfig
	classifier Classifier
	evEngine   *ev.Engine
	corr       *correlation.Tracker
	locks      *locks.Manager
	risk       *risk.Tracker
	ledger     *ledger.Ledger
	mirror     persistence.DecisionRepo // optional
	metrics    *metrics.Metrics         // optional
	sink       ResolutionSink           // optional
}

// Options carries the optional collaborators.
type Options struct {
	Mirror  persistence.DecisionRepo
	Metrics *metrics.Metrics
	Sink    ResolutionSink
}

// New wires an arbiter.
func New(cfg config.ArbiterConfig, regimeCfg config.RegimeConfig, classifier Classifier,
	evEngine *ev.Engine, corr *correlation.Tracker, lockMgr *locks.Manager,
	riskTracker *risk.Tracker, led *ledger.Ledger, opts Options) *Arbiter {
	return &Arbiter{
		cfg:        cfg,
		regimeCfg:  regimeCfg,
		classifier: classifier,
		evEngine:   evEngine,
		corr:       corr,
		locks:      lockMgr,
		risk:       riskTracker,
		ledger:     led,
		mirror:     opts.Mirror,
		metrics:    opts.Metrics,
		sink:       opts.Sink,
	}
}

// Decide runs one arbitration round over candidate signals sharing an
// (instrument, horizon) key within one evaluation batch. Business outcomes
// (SILENCE, REJECT) are Resolution values, never errors; the error return is
// reserved for infrastructure failures such as a ledger write that could not
// complete. Invariant violations panic.
func (a *Arbiter) Decide(ctx context.Context, batchID string, signals []domain.Signal, feats domain.FeatureSnapshot) (domain.Resolution, error) {
	started := time.Now()
	defer func() {
		if a.metrics != nil {
			a.metrics.RoundDuration.Observe(time.Since(started).Seconds())
		}
	}()

	// Step 1: structural checks before any lock is taken.
	if len(signals) == 0 {
		return a.finish(ctx, reject("", "", batchID, domain.ReasonNoSignals)), nil
	}
	instrument, horizon := signals[0].Instrument, signals[0].Horizon
	for _, sig := range signals[1:] {
		if sig.Instrument != instrument || sig.Horizon != horizon {
			return a.finish(ctx, reject(instrument, horizon, batchID, domain.ReasonMixedInstruments)), nil
		}
	}

	live := signals[:0:0]
	for _, sig := range signals {
		if !sig.Expired(time.Now()) {
			live = append(live, sig)
		}
	}
	if len(live) == 0 {
		return a.finish(ctx, reject(instrument, horizon, batchID, domain.ReasonNoSignals, domain.ReasonSignalExpired)), nil
	}

	// Step 2: exclusive intention lock with bounded wait.
	release, ok := a.locks.Acquire(ctx, instrument+"|"+horizon)
	if !ok {
		if a.metrics != nil {
			a.metrics.LockContention.Inc()
		}
		return a.finish(ctx, reject(instrument, horizon, batchID, domain.ReasonLockContention)), nil
	}
	defer release()

	// Step 3: current regime distribution.
	probs := a.classifier.Classify(instrument, feats)

	res := domain.Resolution{
		Instrument: instrument,
		Horizon:    horizon,
		BatchID:    batchID,
		Regime:     probs,
		Timestamp:  time.Now().UTC(),
	}

	// Step 4: liquidity shutdown is a hard circuit breaker over everything.
	if probs.Shock > 0.5 && feats.SpreadBps > a.regimeCfg.ShutdownThreshold(instrument) {
		return a.finish(ctx, silence(res, live, domain.ReasonLiquidityShutdown)), nil
	}

	gated := a.applyFamilyGates(live, probs)
	if len(gated) == 0 {
		return a.finish(ctx, silence(res, live, domain.ReasonRegimeGateAll)), nil
	}

	// Step 5 + 6: expected value with a dynamic floor.
	res.EV = make(map[string]domain.EVCalculation, len(gated))
	minEV := a.evEngine.MinThreshold(probs)
	var survivors []domain.Signal
	for _, sig := range gated {
		calc := a.evEngine.Evaluate(sig, feats, probs)
		res.EV[sig.ID] = calc
		if calc.NetEVBps >= minEV {
			survivors = append(survivors, sig)
		}
	}
	if len(survivors) == 0 {
		return a.finish(ctx, silence(res, live, domain.ReasonEVInsufficient)), nil
	}

	// Step 7: family budgets.
	for _, sig := range survivors {
		if !a.risk.WithinBudget(sig.Family, sig.Meta.NotionalUSD) {
			return a.finish(ctx, silence(res, live, domain.ReasonBudgetExceeded)), nil
		}
	}

	// Step 8: colinearity resolution.
	active, weights, meanMass := a.resolveColinearity(survivors, &res)
	if len(active) == 0 {
		return a.finish(ctx, silence(res, live, domain.ReasonMutualExclusionAll)), nil
	}

	// Step 9: net directional weight.
	label := probs.Dominant()
	var net float64
	for _, sig := range active {
		net += float64(sig.Direction) * weights[sig.ID] * sig.RegimeSensitivity(label)
	}
	res.NetWeight = net
	if a.metrics != nil {
		a.metrics.NetWeight.Observe(math.Abs(net))
	}

	// Step 10: dynamic no-trade zone.
	res.NoTradeZone = a.noTradeZone(horizon, probs, feats, meanMass)
	if math.Abs(net) < res.NoTradeZone {
		return a.finish(ctx, silence(res, live, domain.ReasonNetWeightBelowThreshold)), nil
	}

	// Step 11: winner selection among sign-agreeing signals.
	winner := selectWinner(active, weights, res.EV, net)
	if winner == nil {
		return a.finish(ctx, silence(res, live, domain.ReasonNoDirectionalConsensus)), nil
	}

	// Step 12: no-hedge is a programming contract, not a business outcome.
	a.risk.AssertNoHedge(instrument, horizon, winner.Direction)

	// Step 13: idempotent durable write.
	res.Outcome = domain.OutcomeExecute
	res.Winner = winner
	res.DecisionID = domain.DecisionID(batchID, winner.ID, instrument, horizon)
	for _, sig := range live {
		if sig.ID != winner.ID {
			res.Losers = append(res.Losers, sig)
		}
	}

	dup, err := a.appendToLedger(ctx, "resolution.EXECUTE", res.DecisionID, res)
	if err != nil {
		return domain.Resolution{}, fmt.Errorf("ledger append for decision %s: %w", res.DecisionID, err)
	}
	if dup {
		if a.metrics != nil {
			a.metrics.LedgerDuplicates.Inc()
		}
		return a.finish(ctx, reject(instrument, horizon, batchID, domain.ReasonDuplicateDecision)), nil
	}

	// Step 14: exposure accounting mutates only after the write succeeded.
	a.risk.Commit(*winner)
	a.mirrorDecision(ctx, res, *winner)

	return a.finish(ctx, res), nil
}

// applyFamilyGates drops signals whose strategy family is ineligible under
// the current regime distribution.
func (a *Arbiter) applyFamilyGates(signals []domain.Signal, probs domain.RegimeProbs) []domain.Signal {
	var out []domain.Signal
	for _, sig := range signals {
		gate, ok := a.cfg.FamilyGates[sig.Family]
		if !ok {
			continue // unknown family is never eligible
		}
		switch {
		case gate.Always:
			out = append(out, sig)
		case gate.MinTrendProb > 0 && probs.Trend >= gate.MinTrendProb:
			out = append(out, sig)
		case gate.MinRangeProb > 0 && probs.Range >= gate.MinRangeProb:
			out = append(out, sig)
		}
	}
	return out
}

// resolveColinearity applies hard mutual exclusion above the configured |rho|
// threshold (keeping the higher-confidence member of each pair) and then
// down-weights the remainder by 1 + colinear mass, the sum of absolute
// correlations above the soft threshold with other active signals. Regime
// sensitivity is not part of these weights; it multiplies in once, in the
// net directional sum.
func (a *Arbiter) resolveColinearity(signals []domain.Signal, res *domain.Resolution) ([]domain.Signal, map[string]float64, float64) {
	baseWeight := func(sig domain.Signal) float64 {
		return sig.Confidence
	}

	strategies := make([]string, len(signals))
	for i, sig := range signals {
		strategies[i] = sig.StrategyID
	}
	res.Colinearity = a.corr.Matrix(strategies)

	excluded := make(map[string]bool)
	for i := 0; i < len(signals); i++ {
		for j := i + 1; j < len(signals); j++ {
			si, sj := signals[i], signals[j]
			if excluded[si.ID] || excluded[sj.ID] {
				continue
			}
			rho := a.corr.Correlation(si.StrategyID, sj.StrategyID)
			if math.Abs(rho) > a.cfg.HardCorrelation {
				if baseWeight(si) >= baseWeight(sj) {
					excluded[sj.ID] = true
				} else {
					excluded[si.ID] = true
				}
			}
		}
	}

	var active []domain.Signal
	for _, sig := range signals {
		if !excluded[sig.ID] {
			active = append(active, sig)
		}
	}

	weights := make(map[string]float64, len(active))
	var totalMass float64
	for _, sig := range active {
		var mass float64
		for _, other := range active {
			if other.ID == sig.ID {
				continue
			}
			rho := math.Abs(a.corr.Correlation(sig.StrategyID, other.StrategyID))
			if rho > a.cfg.SoftCorrelation {
				mass += rho
			}
		}
		totalMass += mass
		weights[sig.ID] = baseWeight(sig) / (1 + mass)
	}

	meanMass := 0.0
	if len(active) > 0 {
		meanMass = totalMass / float64(len(active))
	}
	return active, weights, meanMass
}

// noTradeZone widens the per-horizon base threshold for every source of
// uncertainty: shock probability, vol-of-vol, spread expansion, colinearity
// among the active signals, and degraded data quality.
func (a *Arbiter) noTradeZone(horizon string, probs domain.RegimeProbs, feats domain.FeatureSnapshot, meanMass float64) float64 {
	base, ok := a.cfg.NoTradeZoneBase[horizon]
	if !ok {
		base = 0.20
	}

	zone := base
	zone += 0.30 * math.Max(0, probs.Shock-0.2)
	zone += 0.10 * math.Min(1, feats.VolOfVol)
	zone += 0.10 * math.Max(0, feats.SpreadRatio(1)-1.0)
	zone += 0.10 * math.Min(1, meanMass)
	if !feats.DataQualityOK {
		zone += 0.10
	}
	return zone
}

// selectWinner picks, among signals agreeing with the net weight's sign, the
// one maximizing adjusted weight times net EV.
func selectWinner(active []domain.Signal, weights map[string]float64, evs map[string]domain.EVCalculation, net float64) *domain.Signal {
	var best *domain.Signal
	var bestScore float64
	for i := range active {
		sig := active[i]
		if float64(sig.Direction)*net <= 0 {
			continue
		}
		score := weights[sig.ID] * evs[sig.ID].NetEVBps
		if best == nil || score > bestScore {
			best = &active[i]
			bestScore = score
		}
	}
	return best
}

// finish records non-EXECUTE resolutions for audit, emits telemetry and hands
// the resolution to the sink. EXECUTE resolutions were already written inside
// Decide before exposure mutated.
func (a *Arbiter) finish(ctx context.Context, res domain.Resolution) domain.Resolution {
	reason := ""
	if len(res.Reasons) > 0 {
		reason = string(res.Reasons[0])
	}

	if res.Outcome != domain.OutcomeExecute {
		id := domain.DecisionID(res.BatchID, string(res.Outcome)+":"+reason, res.Instrument, res.Horizon)
		if _, err := a.appendToLedger(ctx, "resolution."+string(res.Outcome), id, res); err != nil {
			log.Warn().Err(err).Str("outcome", string(res.Outcome)).Msg("audit append failed")
		}
	}

	if a.metrics != nil {
		a.metrics.ObserveDecision(string(res.Outcome), reason)
	}

	evt := log.Info()
	if res.Outcome == domain.OutcomeReject {
		evt = log.Warn()
	}
	evt.Str("instrument", res.Instrument).
		Str("horizon", res.Horizon).
		Str("batch_id", res.BatchID).
		Str("outcome", string(res.Outcome)).
		Str("reason", reason).
		Float64("net_weight", res.NetWeight).
		Msg("arbitration round resolved")

	if a.sink != nil {
		a.sink(res)
	}
	return res
}

func (a *Arbiter) appendToLedger(ctx context.Context, eventType, id string, res domain.Resolution) (bool, error) {
	if a.ledger == nil {
		return false, nil
	}
	payload, err := json.Marshal(res)
	if err != nil {
		return false, fmt.Errorf("marshal resolution: %w", err)
	}
	_, dup, err := a.ledger.Append(ctx, ledger.Event{
		Type:      eventType,
		ID:        id,
		Timestamp: res.Timestamp,
		Payload:   payload,
	})
	if err == nil && !dup && a.metrics != nil {
		a.metrics.LedgerAppends.Inc()
	}
	return dup, err
}

func (a *Arbiter) mirrorDecision(ctx context.Context, res domain.Resolution, winner domain.Signal) {
	if a.mirror == nil {
		return
	}
	rec := persistence.DecisionRecord{
		DecisionID:  res.DecisionID,
		BatchID:     res.BatchID,
		Instrument:  res.Instrument,
		Horizon:     res.Horizon,
		StrategyID:  winner.StrategyID,
		Family:      winner.Family,
		Direction:   int(winner.Direction),
		NetWeight:   res.NetWeight,
		NetEVBps:    res.EV[winner.ID].NetEVBps,
		RegimeLabel: res.Regime.Dominant(),
		NotionalUSD: winner.Meta.NotionalUSD,
		Timestamp:   res.Timestamp,
	}
	if err := a.mirror.Insert(ctx, rec); err != nil {
		log.Warn().Err(err).Str("decision_id", res.DecisionID).Msg("decision mirror insert failed")
	}
}

func reject(instrument, horizon, batchID string, reasons ...domain.ReasonCode) domain.Resolution {
	return domain.Resolution{
		Outcome:    domain.OutcomeReject,
		Instrument: instrument,
		Horizon:    horizon,
		BatchID:    batchID,
		Reasons:    reasons,
		Timestamp:  time.Now().UTC(),
	}
}

func silence(res domain.Resolution, losers []domain.Signal, reasons ...domain.ReasonCode) domain.Resolution {
	res.Outcome = domain.OutcomeSilence
	res.Reasons = reasons
	res.Losers = losers
	return res
}
