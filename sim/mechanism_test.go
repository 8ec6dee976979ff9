package sim

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestKellyMechanism_Allocate_ThreeAgents(t *testing.T) {
	// GIVEN bids {10, 20, 30} and δ = 0.1 (denominator 60.1)
	agents := newAgents(10, 20, 30)
	k := NewKellyMechanism(0.1, MinBid, DefaultEquilibriumTolerance)

	// WHEN allocating
	shares := k.Allocate(0, agents, 1)

	// THEN shares are proportional to bids
	assert.InDelta(t, 0.1664, shares[1], 1e-4)
	assert.InDelta(t, 0.3328, shares[2], 1e-4)
	assert.InDelta(t, 0.4992, shares[3], 1e-4)
	for _, a := range agents {
		assert.Equal(t, shares[a.ID], a.Share)
		assert.Len(t, a.AllocationHistory, 1)
	}
}

func TestKellyMechanism_Allocate_ShareSumBelowOne(t *testing.T) {
	k := NewKellyMechanism(0.5, MinBid, DefaultEquilibriumTolerance)
	profiles := [][]float64{
		{1},
		{MinBid, MinBid},
		{3, 7, 11, 13},
		{1000, 0.5},
	}
	for _, bids := range profiles {
		agents := newAgents(bids...)
		shares := k.Allocate(0, agents, 1)

		total, sum := 0.0, 0.0
		for _, b := range bids {
			total += b
		}
		for _, s := range shares {
			sum += s
		}
		assert.InDelta(t, total/(total+0.5), sum, 1e-12, "bids %v", bids)
		assert.Less(t, sum, 1.0)
	}
}

func TestKellyMechanism_Allocate_ScaleInvariantWithoutReservation(t *testing.T) {
	k := NewKellyMechanism(0, MinBid, DefaultEquilibriumTolerance)
	base := k.Allocate(0, newAgents(1, 2, 5), 1)
	scaled := k.Allocate(0, newAgents(7, 14, 35), 1)
	for id, s := range base {
		assert.InDelta(t, s, scaled[id], 1e-12, "agent %d", id)
	}
}

func TestKellyMechanism_Allocate_InactiveAgentsGetZero(t *testing.T) {
	agents := newAgents(10, 20)
	agents[1].Active = false
	agents[1].Share = 0.7 // stale share from an earlier pass
	k := NewKellyMechanism(0.1, MinBid, DefaultEquilibriumTolerance)

	shares := k.Allocate(0, agents, 1)

	assert.Equal(t, 0.0, shares[2])
	assert.Equal(t, 0.0, agents[1].Share, "share reflects the latest pass")
	assert.Empty(t, agents[1].AllocationHistory, "inactive agents are not notified")
	assert.InDelta(t, 10/10.1, shares[1], 1e-12)
}

func TestKellyMechanism_Allocate_DepartedAgentShareReset(t *testing.T) {
	// GIVEN an agent that held almost the whole resource
	agents := newAgents(50)
	k := NewKellyMechanism(0.1, MinBid, DefaultEquilibriumTolerance)
	k.Allocate(0, agents, 1)
	require.Greater(t, agents[0].Share, 0.99)

	// WHEN it leaves and the next pass runs
	agents[0].LeaveSystem(1)
	shares := k.Allocate(1, agents, 1)

	// THEN both the returned map and the agent's own share are zero
	assert.Equal(t, 0.0, shares[1])
	assert.Equal(t, 0.0, agents[0].Share)
	assert.Len(t, agents[0].AllocationHistory, 1, "inactive agents are not notified")
}

func TestKellyMechanism_Diagnostics_UseBroadcastAggregates(t *testing.T) {
	agents, m, k := twoAgentMarket()
	iterateBestResponse(agents, m, 1)

	want := 0.0
	for id, others := range m.AggregatesForActive(agents) {
		a := agents[id-1]
		want += math.Abs(a.Bid - a.BestResponseBid(others, m.CurrentPrice(), m.Delta(), MinBid))
	}
	assert.InDelta(t, want, k.ConvergenceDistance(agents, m), 1e-12)
	require.Greater(t, want, 1e-3)
	assert.False(t, k.IsNashEquilibrium(agents, m, 1e-3))
}

func TestKellyMechanism_Allocate_NoActiveAgents(t *testing.T) {
	agents := newAgents(10)
	agents[0].Active = false
	for _, delta := range []float64{0, 0.1} {
		k := NewKellyMechanism(delta, MinBid, DefaultEquilibriumTolerance)
		shares := k.Allocate(0, agents, 1)
		assert.Equal(t, map[int]float64{1: 0}, shares, "delta=%v", delta)
	}
}

func TestKellyMechanism_SocialWelfare_SkipsZeroShares(t *testing.T) {
	agents := newAgents(10, 20, 30)
	agents[0].Share = 0.25
	agents[1].Share = 0.5
	agents[2].Share = 0 // would be -Inf
	k := NewKellyMechanism(0.1, MinBid, DefaultEquilibriumTolerance)

	want := 50*math.Log(0.25) + 50*math.Log(0.5)
	assert.InDelta(t, want, k.SocialWelfare(agents), 1e-12)

	agents[1].Active = false
	assert.InDelta(t, 50*math.Log(0.25), k.SocialWelfare(agents), 1e-12)
}

func TestKellyMechanism_PriceOfAnarchy(t *testing.T) {
	agents := []*Agent{NewAgent(1, 100, 10, 0, MinBid)}
	agents[0].Active = true
	agents[0].Share = 0.5
	k := NewKellyMechanism(0.1, MinBid, DefaultEquilibriumTolerance)

	assert.InDelta(t, 2.0, k.PriceOfAnarchy(agents, 10), 1e-12)

	agents[0].Share = 0
	assert.True(t, math.IsInf(k.PriceOfAnarchy(agents, 10), 1))
}

// iterateBestResponse runs round-robin best-response updates.
func iterateBestResponse(agents []*Agent, m *MarketAuthority, rounds int) {
	for r := 0; r < rounds; r++ {
		for _, a := range agents {
			if !a.Active {
				continue
			}
			others := m.AggregateBidExcluding(agents, a.ID)
			a.UpdateBid(a.BestResponseBid(others, m.CurrentPrice(), m.Delta(), MinBid), float64(r))
		}
	}
}

func twoAgentMarket() ([]*Agent, *MarketAuthority, *KellyMechanism) {
	a1 := NewAgent(1, 100, 50, 1, MinBid)
	a2 := NewAgent(2, 100, 30, 1, MinBid)
	a1.Active, a2.Active = true, true
	return []*Agent{a1, a2}, NewMarketAuthority(1, 1, 0.1), NewKellyMechanism(0.1, MinBid, DefaultEquilibriumTolerance)
}

func TestKellyMechanism_BestResponseDynamics_ReachEquilibrium(t *testing.T) {
	// GIVEN two agents starting at the bidding floor
	agents, m, k := twoAgentMarket()
	require.False(t, k.IsNashEquilibrium(agents, m, 1e-2))

	// WHEN they take turns best-responding for 20 rounds
	iterateBestResponse(agents, m, 20)

	// THEN the profile is an approximate Nash equilibrium
	assert.True(t, k.IsNashEquilibrium(agents, m, 1e-2))
	assert.Less(t, k.ConvergenceDistance(agents, m), 1e-2)
}

func TestKellyMechanism_IsNashEquilibrium_ToleranceMonotone(t *testing.T) {
	agents, m, k := twoAgentMarket()
	iterateBestResponse(agents, m, 2)

	tolerances := []float64{10, 1, 1e-1, 1e-2, 1e-3, 1e-6, 1e-9, 0}
	seenFalse := false
	for _, tol := range tolerances {
		first := k.IsNashEquilibrium(agents, m, tol)
		second := k.IsNashEquilibrium(agents, m, tol)
		assert.Equal(t, first, second, "deterministic at tol=%v", tol)
		if seenFalse {
			assert.False(t, first, "shrinking tolerance to %v flipped false to true", tol)
		}
		if !first {
			seenFalse = true
		}
	}
	assert.True(t, seenFalse, "two rounds should not be an exact equilibrium")
}

func TestKellyMechanism_ConvergenceDistance(t *testing.T) {
	t.Run("non-negative", func(t *testing.T) {
		agents, m, k := twoAgentMarket()
		for r := 0; r < 5; r++ {
			assert.GreaterOrEqual(t, k.ConvergenceDistance(agents, m), 0.0)
			iterateBestResponse(agents, m, 1)
		}
	})

	t.Run("zero at best response", func(t *testing.T) {
		// A lone agent facing only δ has a fixed best response.
		agents, m, k := twoAgentMarket()
		agents[1].Active = false
		a := agents[0]
		a.Bid = a.BestResponseBid(0, m.CurrentPrice(), m.Delta(), MinBid)

		assert.Equal(t, 0.0, k.ConvergenceDistance(agents, m))
		assert.True(t, k.IsNashEquilibrium(agents, m, 0))
	})
}

func TestKellyMechanism_RecordStateAndStats(t *testing.T) {
	agents, m, k := twoAgentMarket()

	k.Allocate(0, agents, m.CurrentPrice())
	first := k.RecordState(0, agents, m)
	assert.False(t, first.IsNash)
	assert.Len(t, first.Shares, 2)

	iterateBestResponse(agents, m, 20)
	k.Allocate(5, agents, m.CurrentPrice())
	k.RecordState(5, agents, m)
	k.Allocate(6, agents, m.CurrentPrice())
	last := k.RecordState(6, agents, m)
	assert.True(t, last.IsNash)

	st := k.Stats()
	require.NotNil(t, st.ConvergenceTime)
	assert.Equal(t, 5.0, *st.ConvergenceTime)
	assert.True(t, st.ReachedEquilibrium)
	assert.Equal(t, last.SocialWelfare, st.FinalSocialWelfare)
	assert.InDelta(t, (k.History[0].SocialWelfare+k.History[1].SocialWelfare+k.History[2].SocialWelfare)/3,
		st.MeanSocialWelfare, 1e-9)
}

func TestKellyMechanism_Stats_Empty(t *testing.T) {
	k := NewKellyMechanism(0.1, MinBid, DefaultEquilibriumTolerance)
	assert.Equal(t, MechanismStats{}, k.Stats())
}

func TestOptimalWelfare(t *testing.T) {
	mk := func(alpha float64, weights ...float64) []*Agent {
		out := make([]*Agent, 0, len(weights))
		for i, w := range weights {
			a := NewAgent(i+1, 100, w, alpha, MinBid)
			a.Active = true
			out = append(out, a)
		}
		return out
	}

	t.Run("log utilities split by weight", func(t *testing.T) {
		got := OptimalWelfare(mk(1, 30, 10), 1)
		assert.InDelta(t, 30*math.Log(0.75)+10*math.Log(0.25), got, 1e-12)
	})
	t.Run("linear utilities go to the heaviest", func(t *testing.T) {
		assert.InDelta(t, 30.0, OptimalWelfare(mk(0, 30, 10), 1), 1e-12)
	})
	t.Run("mixed alpha undefined", func(t *testing.T) {
		agents := mk(1, 30, 10)
		agents[1].Alpha = 2
		assert.True(t, math.IsNaN(OptimalWelfare(agents, 1)))
	})
	t.Run("nobody active", func(t *testing.T) {
		agents := mk(1, 30)
		agents[0].Active = false
		assert.Equal(t, 0.0, OptimalWelfare(agents, 1))
	})
}
