package regime

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/quantarb/arbiter/internal/config"
	"github.com/quantarb/arbiter/internal/domain"
)

func testConfig() config.RegimeConfig {
	return config.RegimeConfig{
		HysteresisCalls:    5,
		MinBaselineSamples: 30,
		SubScoreTTL:        time.Millisecond, // effectively disable caching in tests
		ShutdownSpreadBps:  25.0,
	}
}

func trendingFeatures() domain.FeatureSnapshot {
	return domain.FeatureSnapshot{
		Instrument:          "EURUSD",
		Timestamp:           time.Now(),
		SpreadBps:           2.0,
		SpreadBaselineBps:   2.0,
		SpreadBaselineCount: 100,
		ShortVol:            0.10,
		LongVol:             0.10,
		TrendPersistence:    0.90,
		DirectionalStrength: 40.0,
		FollowThroughRatio:  0.80,
		FlowImbalanceHist:   []float64{0.8, 0.7, 0.9},
		DataQualityOK:       true,
	}
}

func calmRangeFeatures() domain.FeatureSnapshot {
	return domain.FeatureSnapshot{
		Instrument:          "EURUSD",
		Timestamp:           time.Now(),
		SpreadBps:           2.0,
		SpreadBaselineBps:   2.0,
		SpreadBaselineCount: 100,
		ShortVol:            0.10,
		LongVol:             0.10,
		TrendPersistence:    0.10,
		DirectionalStrength: 8.0,
		FollowThroughRatio:  0.20,
		DataQualityOK:       true,
	}
}

func TestClassifier_HysteresisRequiresFiveConsecutiveCalls(t *testing.T) {
	c := NewClassifier(testConfig(), nil)

	// Settle on range first.
	for i := 0; i < 6; i++ {
		c.Classify("EURUSD", calmRangeFeatures())
		time.Sleep(2 * time.Millisecond)
	}
	_, label := c.Current("EURUSD")
	require.Equal(t, domain.RegimeRange, label)

	// Four consecutive trend-dominant ticks must not flip the label.
	for i := 0; i < 4; i++ {
		c.Classify("EURUSD", trendingFeatures())
		time.Sleep(2 * time.Millisecond)
		_, label := c.Current("EURUSD")
		assert.Equal(t, domain.RegimeRange, label, "label flipped after %d calls", i+1)
	}

	// The fifth consistent tick flips it.
	probs := c.Classify("EURUSD", trendingFeatures())
	_, label = c.Current("EURUSD")
	assert.Equal(t, domain.RegimeTrend, label)
	assert.Equal(t, domain.RegimeTrend, probs.Dominant())
}

func TestClassifier_HysteresisBlendLeansTowardStableLabel(t *testing.T) {
	c := NewClassifier(testConfig(), nil)

	for i := 0; i < 6; i++ {
		c.Classify("EURUSD", calmRangeFeatures())
		time.Sleep(2 * time.Millisecond)
	}

	// First dissenting tick is blended 1/5 raw, 4/5 canonical range.
	probs := c.Classify("EURUSD", trendingFeatures())
	assert.Equal(t, domain.RegimeRange, probs.Dominant())
	assert.InDelta(t, 1.0, probs.Trend+probs.Range+probs.Shock, 1e-9)
}

func TestClassifier_InterruptedStreakResets(t *testing.T) {
	c := NewClassifier(testConfig(), nil)

	for i := 0; i < 6; i++ {
		c.Classify("EURUSD", calmRangeFeatures())
		time.Sleep(2 * time.Millisecond)
	}

	for i := 0; i < 4; i++ {
		c.Classify("EURUSD", trendingFeatures())
		time.Sleep(2 * time.Millisecond)
	}
	// A range tick interrupts the streak; four more trend ticks still must
	// not flip.
	c.Classify("EURUSD", calmRangeFeatures())
	time.Sleep(2 * time.Millisecond)
	for i := 0; i < 4; i++ {
		c.Classify("EURUSD", trendingFeatures())
		time.Sleep(2 * time.Millisecond)
	}
	_, label := c.Current("EURUSD")
	assert.Equal(t, domain.RegimeRange, label)
}

func TestClassifier_LiquidityShutdownForcesDominantShock(t *testing.T) {
	var gotReason string
	c := NewClassifier(testConfig(), func(_, _, _, reason string) { gotReason = reason })

	feats := calmRangeFeatures()
	feats.SpreadBps = 30.0 // above the 25 bps shutdown threshold
	feats.FlowToxicity = 0.9
	feats.VolOfVol = 0.9
	feats.ShortVol = 0.40 // vol ratio 4x
	feats.TrendPersistence = 0.0

	probs := c.Classify("EURUSD", feats)
	assert.InDelta(t, 0.85, probs.Shock, 1e-9)
	assert.InDelta(t, 0.075, probs.Trend, 1e-9)
	assert.Equal(t, "liquidity_shutdown", gotReason)

	_, label := c.Current("EURUSD")
	assert.Equal(t, domain.RegimeShock, label)
}

func TestClassifier_WarmupSpreadTreatedAsNeutral(t *testing.T) {
	c := NewClassifier(testConfig(), nil)

	feats := calmRangeFeatures()
	feats.SpreadBps = 30.0
	feats.SpreadBaselineBps = 0.5
	feats.SpreadBaselineCount = 5 // below the 30-sample minimum

	probs := c.Classify("EURUSD", feats)
	// The raw spread ratio would be 60x, but warm-up neutralizes it; calm
	// features must not classify as shock.
	assert.NotEqual(t, domain.RegimeShock, probs.Dominant())
	assert.Less(t, probs.Shock, 0.5)
}

func TestClassifier_DegradedDataYieldsUniformWithoutStreaks(t *testing.T) {
	c := NewClassifier(testConfig(), nil)

	for i := 0; i < 6; i++ {
		c.Classify("EURUSD", calmRangeFeatures())
		time.Sleep(2 * time.Millisecond)
	}

	bad := trendingFeatures()
	bad.DataQualityOK = false
	for i := 0; i < 10; i++ {
		probs := c.Classify("EURUSD", bad)
		assert.InDelta(t, 1.0/3, probs.Trend, 1e-9)
		assert.InDelta(t, 1.0/3, probs.Range, 1e-9)
		assert.InDelta(t, 1.0/3, probs.Shock, 1e-9)
	}
	_, label := c.Current("EURUSD")
	assert.Equal(t, domain.RegimeRange, label, "bad ticks must not drift the stable label")
}

func TestClassifier_UnknownInstrumentDefaults(t *testing.T) {
	c := NewClassifier(testConfig(), nil)
	probs, label := c.Current("XAUUSD")
	assert.Equal(t, domain.RegimeRange, label)
	assert.InDelta(t, 1.0/3, probs.Trend, 1e-9)
}
