package risk

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/quantarb/arbiter/internal/domain"
)

func testBudgets() map[string]float64 {
	return map[string]float64{
		"momentum":       0.30,
		"mean_reversion": 0.30,
	}
}

func momoSignal(notional float64, dir domain.Direction) domain.Signal {
	return domain.Signal{
		ID:         "sig-1",
		Instrument: "EURUSD",
		Horizon:    "h1",
		StrategyID: "momo_v2",
		Family:     "momentum",
		Direction:  dir,
		Meta:       domain.SignalMeta{NotionalUSD: notional},
	}
}

func TestTracker_BudgetEnforcement(t *testing.T) {
	tr := NewTracker(1_000_000, testBudgets())

	assert.True(t, tr.WithinBudget("momentum", 300_000), "exactly the 30% budget fits")
	assert.False(t, tr.WithinBudget("momentum", 300_001))

	tr.Commit(momoSignal(250_000, domain.Long))
	assert.Equal(t, 250_000.0, tr.FamilyExposure("momentum"))
	assert.True(t, tr.WithinBudget("momentum", 50_000))
	assert.False(t, tr.WithinBudget("momentum", 50_001), "committed exposure counts against the budget")
}

func TestTracker_UnknownFamilyAlwaysRejected(t *testing.T) {
	tr := NewTracker(1_000_000, testBudgets())
	assert.False(t, tr.WithinBudget("statarb", 1))
}

func TestTracker_CloseReleasesExposure(t *testing.T) {
	tr := NewTracker(1_000_000, testBudgets())

	tr.Commit(momoSignal(200_000, domain.Long))
	assert.Equal(t, domain.Long, tr.OpenDirection("EURUSD", "h1"))

	tr.Close("EURUSD", "h1", "momentum", 200_000)
	assert.Equal(t, domain.Direction(0), tr.OpenDirection("EURUSD", "h1"))
	assert.Zero(t, tr.FamilyExposure("momentum"))
	assert.True(t, tr.WithinBudget("momentum", 300_000))
}

func TestTracker_AssertNoHedgePanicsOnContradiction(t *testing.T) {
	tr := NewTracker(1_000_000, testBudgets())
	tr.Commit(momoSignal(100_000, domain.Long))

	assert.NotPanics(t, func() { tr.AssertNoHedge("EURUSD", "h1", domain.Long) })
	assert.NotPanics(t, func() { tr.AssertNoHedge("EURUSD", "h4", domain.Short) }, "different horizon is a different key")
	assert.PanicsWithValue(t,
		"no-hedge invariant violated: EURUSD/h1 holds long, attempted short",
		func() { tr.AssertNoHedge("EURUSD", "h1", domain.Short) })
}

func TestTracker_CommitPanicsOnDirectionFlip(t *testing.T) {
	tr := NewTracker(1_000_000, testBudgets())
	tr.Commit(momoSignal(100_000, domain.Long))

	assert.Panics(t, func() { tr.Commit(momoSignal(100_000, domain.Short)) })
}

func TestTracker_StackedSameDirectionPositions(t *testing.T) {
	tr := NewTracker(1_000_000, testBudgets())

	tr.Commit(momoSignal(100_000, domain.Long))
	tr.Commit(momoSignal(50_000, domain.Long))
	assert.Equal(t, domain.Long, tr.OpenDirection("EURUSD", "h1"))
	assert.Equal(t, 150_000.0, tr.FamilyExposure("momentum"))

	// Closing one of the two legs keeps the key directional.
	tr.Close("EURUSD", "h1", "momentum", 50_000)
	assert.Equal(t, domain.Long, tr.OpenDirection("EURUSD", "h1"))
	assert.Equal(t, 100_000.0, tr.FamilyExposure("momentum"))
}
