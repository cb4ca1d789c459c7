package arbiter

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/quantarb/arbiter/internal/config"
	"github.com/quantarb/arbiter/internal/correlation"
	"github.com/quantarb/arbiter/internal/domain"
	"github.com/quantarb/arbiter/internal/ev"
	"github.com/quantarb/arbiter/internal/ledger"
	"github.com/quantarb/arbiter/internal/locks"
	"github.com/quantarb/arbiter/internal/risk"
)

type stubClassifier struct {
	probs domain.RegimeProbs
}

func (s *stubClassifier) Classify(string, domain.FeatureSnapshot) domain.RegimeProbs {
	return s.probs
}

type testRig struct {
	arb   *Arbiter
	class *stubClassifier
	locks *locks.Manager
	risk  *risk.Tracker
	corr  *correlation.Tracker
	hist  *ev.History
	led   *ledger.Ledger
	seen  []domain.Resolution
}

func newRig(t *testing.T) *testRig {
	t.Helper()

	cfg := config.Default()
	cfg.Arbiter.LockTimeout = 50 * time.Millisecond

	led, err := ledger.Open(t.TempDir(), "test-key", nil, nil)
	require.NoError(t, err)
	t.Cleanup(func() { led.Close() })

	rig := &testRig{
		class: &stubClassifier{probs: domain.RegimeProbs{Trend: 0.80, Range: 0.15, Shock: 0.05}},
		locks: locks.NewManager(cfg.Arbiter.LockTimeout),
		risk:  risk.NewTracker(cfg.Arbiter.CapitalUSD, cfg.Arbiter.FamilyBudgets),
		corr:  correlation.NewTracker(250, 20),
		hist:  ev.NewHistory(),
		led:   led,
	}
	rig.arb = New(cfg.Arbiter, cfg.Regime, rig.class, ev.NewEngine(cfg.Arbiter, rig.hist),
		rig.corr, rig.locks, rig.risk, led, Options{
			Sink: func(res domain.Resolution) { rig.seen = append(rig.seen, res) },
		})
	return rig
}

// seedHistory makes the (h1, trend, strategy) triple rich enough to bypass the
// neutral prior with a strong edge.
func (r *testRig) seedHistory(strategies ...string) {
	for _, s := range strategies {
		r.hist.Seed("h1", domain.RegimeTrend, s, ev.TradeStats{Samples: 40, HitRate: 0.65, PayoffR: 2.5})
	}
}

func quietFeatures(instrument string) domain.FeatureSnapshot {
	return domain.FeatureSnapshot{
		Instrument:          instrument,
		Timestamp:           time.Now(),
		SpreadBps:           2.0,
		SpreadBaselineBps:   2.0,
		SpreadBaselineCount: 100,
		ShortVol:            0.10,
		LongVol:             0.10,
		DataQualityOK:       true,
	}
}

func momoSignal(id, strategy string, confidence float64, dir domain.Direction) domain.Signal {
	return domain.Signal{
		ID:           id,
		Instrument:   "EURUSD",
		Horizon:      "h1",
		StrategyID:   strategy,
		Family:       "momentum",
		Direction:    dir,
		Confidence:   confidence,
		EntryPrice:   1.1000,
		StopDistance: 0.0020,
		Timestamp:    time.Now(),
		Meta: domain.SignalMeta{
			RiskRewardRatio: 2.5,
			ExecutionStyle:  domain.StyleAggressive,
			NotionalUSD:     100_000,
		},
	}
}

func TestDecide_EmptyBatchRejects(t *testing.T) {
	rig := newRig(t)

	res, err := rig.arb.Decide(context.Background(), "batch-1", nil, quietFeatures("EURUSD"))
	require.NoError(t, err)
	assert.Equal(t, domain.OutcomeReject, res.Outcome)
	assert.True(t, res.HasReason(domain.ReasonNoSignals))
}

func TestDecide_MixedInstrumentsReject(t *testing.T) {
	rig := newRig(t)

	a := momoSignal("a", "momo_v2", 0.7, domain.Long)
	b := momoSignal("b", "momo_v3", 0.7, domain.Long)
	b.Instrument = "GBPUSD"

	res, err := rig.arb.Decide(context.Background(), "batch-1", []domain.Signal{a, b}, quietFeatures("EURUSD"))
	require.NoError(t, err)
	assert.Equal(t, domain.OutcomeReject, res.Outcome)
	assert.True(t, res.HasReason(domain.ReasonMixedInstruments))
}

func TestDecide_ExpiredSignalsReject(t *testing.T) {
	rig := newRig(t)

	stale := momoSignal("a", "momo_v2", 0.7, domain.Long)
	stale.Timestamp = time.Now().Add(-time.Hour)
	stale.TTL = time.Minute

	res, err := rig.arb.Decide(context.Background(), "batch-1", []domain.Signal{stale}, quietFeatures("EURUSD"))
	require.NoError(t, err)
	assert.Equal(t, domain.OutcomeReject, res.Outcome)
	assert.True(t, res.HasReason(domain.ReasonSignalExpired))
}

func TestDecide_SingleStrongSignalExecutes(t *testing.T) {
	rig := newRig(t)
	rig.seedHistory("momo_v2")

	sig := momoSignal("a", "momo_v2", 0.7, domain.Long)
	res, err := rig.arb.Decide(context.Background(), "batch-1", []domain.Signal{sig}, quietFeatures("EURUSD"))
	require.NoError(t, err)

	require.Equal(t, domain.OutcomeExecute, res.Outcome)
	require.NotNil(t, res.Winner)
	assert.Equal(t, "a", res.Winner.ID)
	assert.Empty(t, res.Losers)
	assert.InDelta(t, 0.7, res.NetWeight, 1e-9)
	assert.InDelta(t, 0.20, res.NoTradeZone, 1e-9)
	assert.Equal(t, domain.DecisionID("batch-1", "a", "EURUSD", "h1"), res.DecisionID)
	assert.True(t, rig.led.Contains(res.DecisionID), "executed decision must be in the ledger")
	assert.Equal(t, domain.Long, rig.risk.OpenDirection("EURUSD", "h1"))
	assert.Equal(t, 100_000.0, rig.risk.FamilyExposure("momentum"))

	require.Len(t, rig.seen, 1, "sink receives the final resolution")
	assert.Equal(t, res.DecisionID, rig.seen[0].DecisionID)
}

func TestDecide_ReplaySameBatchRejectsDuplicate(t *testing.T) {
	rig := newRig(t)
	rig.seedHistory("momo_v2")

	sig := momoSignal("a", "momo_v2", 0.7, domain.Long)
	feats := quietFeatures("EURUSD")

	first, err := rig.arb.Decide(context.Background(), "batch-1", []domain.Signal{sig}, feats)
	require.NoError(t, err)
	require.Equal(t, domain.OutcomeExecute, first.Outcome)

	second, err := rig.arb.Decide(context.Background(), "batch-1", []domain.Signal{sig}, feats)
	require.NoError(t, err)
	assert.Equal(t, domain.OutcomeReject, second.Outcome)
	assert.True(t, second.HasReason(domain.ReasonDuplicateDecision))

	// Exactly one executed entry despite the replay.
	entries, err := rig.led.Entries()
	require.NoError(t, err)
	var executes int
	for _, e := range entries {
		if e.Type == "resolution.EXECUTE" {
			executes++
		}
	}
	assert.Equal(t, 1, executes)

	// Exposure was committed once, not twice.
	assert.Equal(t, 100_000.0, rig.risk.FamilyExposure("momentum"))
}

func TestDecide_FreshBatchIsNotADuplicate(t *testing.T) {
	rig := newRig(t)
	rig.seedHistory("momo_v2")

	sig := momoSignal("a", "momo_v2", 0.7, domain.Long)
	feats := quietFeatures("EURUSD")

	first, err := rig.arb.Decide(context.Background(), "batch-1", []domain.Signal{sig}, feats)
	require.NoError(t, err)
	second, err := rig.arb.Decide(context.Background(), "batch-2", []domain.Signal{sig}, feats)
	require.NoError(t, err)

	assert.Equal(t, domain.OutcomeExecute, first.Outcome)
	assert.Equal(t, domain.OutcomeExecute, second.Outcome)
	assert.NotEqual(t, first.DecisionID, second.DecisionID)
}

func TestDecide_LockContentionRejects(t *testing.T) {
	rig := newRig(t)
	rig.seedHistory("momo_v2")

	rel, ok := rig.locks.TryAcquire("EURUSD|h1")
	require.True(t, ok)
	defer rel()

	sig := momoSignal("a", "momo_v2", 0.7, domain.Long)
	res, err := rig.arb.Decide(context.Background(), "batch-1", []domain.Signal{sig}, quietFeatures("EURUSD"))
	require.NoError(t, err)
	assert.Equal(t, domain.OutcomeReject, res.Outcome)
	assert.True(t, res.HasReason(domain.ReasonLockContention))
}

func TestDecide_LiquidityShutdownSilencesEverything(t *testing.T) {
	rig := newRig(t)
	rig.seedHistory("momo_v2")
	rig.class.probs = domain.RegimeProbs{Trend: 0.075, Range: 0.075, Shock: 0.85}

	feats := quietFeatures("EURUSD")
	feats.SpreadBps = 30.0 // above the 25 bps default shutdown threshold

	sig := momoSignal("a", "momo_v2", 0.95, domain.Long)
	res, err := rig.arb.Decide(context.Background(), "batch-1", []domain.Signal{sig}, feats)
	require.NoError(t, err)
	assert.Equal(t, domain.OutcomeSilence, res.Outcome)
	assert.True(t, res.HasReason(domain.ReasonLiquidityShutdown))
	assert.Nil(t, res.Winner)
}

func TestDecide_RegimeGateSilencesMisfitFamilies(t *testing.T) {
	rig := newRig(t)
	rig.class.probs = domain.RegimeProbs{Trend: 0.10, Range: 0.85, Shock: 0.05}

	// Momentum requires p_trend >= 0.55 and is ineligible in a range market.
	sig := momoSignal("a", "momo_v2", 0.9, domain.Long)
	res, err := rig.arb.Decide(context.Background(), "batch-1", []domain.Signal{sig}, quietFeatures("EURUSD"))
	require.NoError(t, err)
	assert.Equal(t, domain.OutcomeSilence, res.Outcome)
	assert.True(t, res.HasReason(domain.ReasonRegimeGateAll))
}

func TestDecide_AlwaysOnFamilyPassesAnyRegime(t *testing.T) {
	rig := newRig(t)
	rig.class.probs = domain.RegimeProbs{Trend: 0.10, Range: 0.85, Shock: 0.05}
	rig.hist.Seed("h1", domain.RegimeRange, "micro_v1", ev.TradeStats{Samples: 40, HitRate: 0.65, PayoffR: 2.5})

	sig := momoSignal("a", "micro_v1", 0.7, domain.Long)
	sig.Family = "microstructure"

	res, err := rig.arb.Decide(context.Background(), "batch-1", []domain.Signal{sig}, quietFeatures("EURUSD"))
	require.NoError(t, err)
	assert.Equal(t, domain.OutcomeExecute, res.Outcome)
}

func TestDecide_ThinEdgeSilencedByEVFloor(t *testing.T) {
	rig := newRig(t)
	// No seeded history: the neutral prior applies. A 5 pip stop leaves the
	// prior edge below costs.
	sig := momoSignal("a", "momo_v2", 0.7, domain.Long)
	sig.StopDistance = 0.0005

	res, err := rig.arb.Decide(context.Background(), "batch-1", []domain.Signal{sig}, quietFeatures("EURUSD"))
	require.NoError(t, err)
	assert.Equal(t, domain.OutcomeSilence, res.Outcome)
	assert.True(t, res.HasReason(domain.ReasonEVInsufficient))
	require.Contains(t, res.EV, "a")
	assert.True(t, res.EV["a"].PriorUsed)
}

func TestDecide_BudgetExceededSilences(t *testing.T) {
	rig := newRig(t)
	rig.seedHistory("momo_v2")

	// 400k against the 300k momentum budget (30% of 1M).
	sig := momoSignal("a", "momo_v2", 0.7, domain.Long)
	sig.Meta.NotionalUSD = 400_000

	res, err := rig.arb.Decide(context.Background(), "batch-1", []domain.Signal{sig}, quietFeatures("EURUSD"))
	require.NoError(t, err)
	assert.Equal(t, domain.OutcomeSilence, res.Outcome)
	assert.True(t, res.HasReason(domain.ReasonBudgetExceeded))
}

func TestDecide_HardColinearityKeepsHigherWeight(t *testing.T) {
	rig := newRig(t)
	rig.seedHistory("momo_v2", "momo_v3")
	rig.corr.SetCorrelation("momo_v2", "momo_v3", 0.90) // above the 0.85 hard threshold

	a := momoSignal("a", "momo_v2", 0.8, domain.Long)
	b := momoSignal("b", "momo_v3", 0.5, domain.Long)

	res, err := rig.arb.Decide(context.Background(), "batch-1", []domain.Signal{a, b}, quietFeatures("EURUSD"))
	require.NoError(t, err)

	require.Equal(t, domain.OutcomeExecute, res.Outcome)
	require.NotNil(t, res.Winner)
	assert.Equal(t, "a", res.Winner.ID, "mutual exclusion keeps the higher-weighted signal")
	require.Len(t, res.Losers, 1)
	assert.Equal(t, "b", res.Losers[0].ID)
	// Only the survivor contributes; its weight is undiluted.
	assert.InDelta(t, 0.8, res.NetWeight, 1e-9)
	assert.Equal(t, 0.90, res.Colinearity["momo_v2"]["momo_v3"])
}

func TestDecide_SoftColinearityDownWeights(t *testing.T) {
	rig := newRig(t)
	rig.seedHistory("momo_v2", "momo_v3")
	rig.corr.SetCorrelation("momo_v2", "momo_v3", 0.60) // between soft 0.40 and hard 0.85

	a := momoSignal("a", "momo_v2", 0.7, domain.Long)
	b := momoSignal("b", "momo_v3", 0.6, domain.Long)

	res, err := rig.arb.Decide(context.Background(), "batch-1", []domain.Signal{a, b}, quietFeatures("EURUSD"))
	require.NoError(t, err)

	require.Equal(t, domain.OutcomeExecute, res.Outcome)
	// Each signal is down-weighted by 1 + its colinear mass of 0.60.
	assert.InDelta(t, (0.7+0.6)/1.6, res.NetWeight, 1e-9)
}

func TestDecide_RegimeSensitivityEntersNetWeightOnce(t *testing.T) {
	rig := newRig(t)
	rig.seedHistory("momo_v2")

	// A half-sensitivity trend signal at 0.75 confidence nets 0.375, clearing
	// the 0.20 h1 zone. Squaring the sensitivity would net 0.1875 and silence.
	sig := momoSignal("a", "momo_v2", 0.75, domain.Long)
	sig.RegimeWeights = map[string]float64{domain.RegimeTrend: 0.5}

	res, err := rig.arb.Decide(context.Background(), "batch-1", []domain.Signal{sig}, quietFeatures("EURUSD"))
	require.NoError(t, err)

	require.Equal(t, domain.OutcomeExecute, res.Outcome)
	assert.InDelta(t, 0.375, res.NetWeight, 1e-9)
}

func TestDecide_InvertedSensitivityLeavesNoConsensus(t *testing.T) {
	rig := newRig(t)
	rig.seedHistory("momo_v2")

	// A contrarian strategy declares negative trend sensitivity: its short
	// intent contributes positive net weight, which no surviving signal's
	// direction agrees with.
	sig := momoSignal("a", "momo_v2", 0.7, domain.Short)
	sig.RegimeWeights = map[string]float64{domain.RegimeTrend: -1.0}

	res, err := rig.arb.Decide(context.Background(), "batch-1", []domain.Signal{sig}, quietFeatures("EURUSD"))
	require.NoError(t, err)

	assert.Equal(t, domain.OutcomeSilence, res.Outcome)
	assert.True(t, res.HasReason(domain.ReasonNoDirectionalConsensus))
	assert.InDelta(t, 0.7, res.NetWeight, 1e-9)
	assert.Nil(t, res.Winner)
}

func TestDecide_CorrelationAtSoftThresholdIsNotDiluted(t *testing.T) {
	rig := newRig(t)
	rig.seedHistory("momo_v2", "momo_v3")
	rig.corr.SetCorrelation("momo_v2", "momo_v3", 0.40) // exactly the soft threshold

	a := momoSignal("a", "momo_v2", 0.7, domain.Long)
	b := momoSignal("b", "momo_v3", 0.6, domain.Long)
	a.Instrument, b.Instrument = "GBPUSD", "GBPUSD"

	res, err := rig.arb.Decide(context.Background(), "batch-1", []domain.Signal{a, b}, quietFeatures("GBPUSD"))
	require.NoError(t, err)

	require.Equal(t, domain.OutcomeExecute, res.Outcome)
	assert.InDelta(t, 1.3, res.NetWeight, 1e-9, "down-weighting starts strictly above the soft threshold")
	require.NotNil(t, res.Winner)
	assert.Equal(t, "a", res.Winner.ID)
}

func TestDecide_OpposingSignalsCancelIntoSilence(t *testing.T) {
	rig := newRig(t)
	rig.seedHistory("momo_v2", "momo_v3")

	a := momoSignal("a", "momo_v2", 0.7, domain.Long)
	b := momoSignal("b", "momo_v3", 0.7, domain.Short)

	res, err := rig.arb.Decide(context.Background(), "batch-1", []domain.Signal{a, b}, quietFeatures("EURUSD"))
	require.NoError(t, err)
	assert.Equal(t, domain.OutcomeSilence, res.Outcome)
	assert.True(t, res.HasReason(domain.ReasonNetWeightBelowThreshold))
	assert.InDelta(t, 0.0, res.NetWeight, 1e-9)
}

func TestDecide_NoTradeZoneWidensUnderUncertainty(t *testing.T) {
	rig := newRig(t)
	rig.seedHistory("momo_v2")
	rig.class.probs = domain.RegimeProbs{Trend: 0.55, Range: 0.05, Shock: 0.40}

	feats := quietFeatures("EURUSD")
	feats.VolOfVol = 0.8

	// Weak conviction: a 0.3 net weight clears the calm 0.20 zone but not the
	// widened one (0.20 + 0.30*0.20 shock + 0.10*0.8 vol-of-vol = 0.34).
	sig := momoSignal("a", "momo_v2", 0.3, domain.Long)
	res, err := rig.arb.Decide(context.Background(), "batch-1", []domain.Signal{sig}, feats)
	require.NoError(t, err)

	if res.Outcome == domain.OutcomeSilence {
		assert.True(t, res.HasReason(domain.ReasonNetWeightBelowThreshold))
		assert.Greater(t, res.NoTradeZone, 0.3)
	} else {
		t.Fatalf("expected silence inside the widened no-trade zone, got %s", res.Outcome)
	}
}

func TestDecide_ContradictingOpenExposurePanics(t *testing.T) {
	rig := newRig(t)
	rig.seedHistory("momo_v2")

	short := momoSignal("held", "momo_v2", 0.7, domain.Short)
	rig.risk.Commit(short)

	long := momoSignal("a", "momo_v2", 0.7, domain.Long)
	assert.Panics(t, func() {
		_, _ = rig.arb.Decide(context.Background(), "batch-1", []domain.Signal{long}, quietFeatures("EURUSD"))
	}, "a winner contradicting tracked exposure is a broken invariant, not a business outcome")
}

func TestDecide_SilencesAreAuditedInLedger(t *testing.T) {
	rig := newRig(t)
	rig.class.probs = domain.RegimeProbs{Trend: 0.10, Range: 0.85, Shock: 0.05}

	sig := momoSignal("a", "momo_v2", 0.9, domain.Long)
	res, err := rig.arb.Decide(context.Background(), "batch-1", []domain.Signal{sig}, quietFeatures("EURUSD"))
	require.NoError(t, err)
	require.Equal(t, domain.OutcomeSilence, res.Outcome)

	entries, err := rig.led.Entries()
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "resolution.SILENCE", entries[0].Type)

	// Replaying the identical round does not add a second audit entry.
	_, err = rig.arb.Decide(context.Background(), "batch-1", []domain.Signal{sig}, quietFeatures("EURUSD"))
	require.NoError(t, err)
	entries, err = rig.led.Entries()
	require.NoError(t, err)
	assert.Len(t, entries, 1)
}
