package sim

import (
	"math"

	"gonum.org/v1/gonum/stat"
)

// DefaultEquilibriumTolerance is the bid deviation below which an agent is
// considered to be playing its best response.
const DefaultEquilibriumTolerance = 1e-3

// MechanismRecord is one observation appended by RecordState.
type MechanismRecord struct {
	Time          float64
	SocialWelfare float64
	IsNash        bool
	Shares        map[int]float64 // active agents only
}

// KellyMechanism implements proportional allocation x_i = z_i / (Σz_j + δ)
// and the equilibrium diagnostics built on it.
type KellyMechanism struct {
	delta     float64
	minBid    float64
	tolerance float64

	History []MechanismRecord
}

// NewKellyMechanism creates a mechanism with reservation delta. minBid is the
// bidding floor used when evaluating best responses.
func NewKellyMechanism(delta, minBid, tolerance float64) *KellyMechanism {
	return &KellyMechanism{
		delta:     delta,
		minBid:    minBid,
		tolerance: tolerance,
		History:   make([]MechanismRecord, 0),
	}
}

// Allocate computes every agent's share and hands it to the active ones via
// ReceiveAllocation, which advances their allocation history. Inactive
// agents map to 0 and are not notified.
func (k *KellyMechanism) Allocate(now float64, agents []*Agent, price float64) map[int]float64 {
	total := 0.0
	for _, a := range agents {
		if a.Active {
			total += a.Bid
		}
	}
	denom := total + k.delta
	if total <= 0 {
		denom = k.delta
	}

	shares := make(map[int]float64, len(agents))
	for _, a := range agents {
		if !a.Active {
			shares[a.ID] = 0
			a.Share = 0
			continue
		}
		share := 0.0
		if denom > 0 {
			share = a.Bid / denom
		}
		shares[a.ID] = share
		a.ReceiveAllocation(now, share, price)
	}
	return shares
}

// SocialWelfare sums the utilities of active agents holding a positive share.
// Agents without a share are left out rather than contributing -Inf.
func (k *KellyMechanism) SocialWelfare(agents []*Agent) float64 {
	welfare := 0.0
	for _, a := range agents {
		if a.Active && a.Share > 0 {
			welfare += a.Utility(a.Share)
		}
	}
	return welfare
}

// PriceOfAnarchy is optimalWelfare over the current welfare, +Inf when the
// current welfare is not positive.
func (k *KellyMechanism) PriceOfAnarchy(agents []*Agent, optimalWelfare float64) float64 {
	current := k.SocialWelfare(agents)
	if current <= 0 {
		return math.Inf(1)
	}
	return optimalWelfare / current
}

// IsNashEquilibrium reports whether every active agent's bid is within
// tolerance of its best response to the others' current bids.
func (k *KellyMechanism) IsNashEquilibrium(agents []*Agent, authority *MarketAuthority, tolerance float64) bool {
	price := authority.CurrentPrice()
	aggregates := authority.AggregatesForActive(agents)
	for _, a := range agents {
		if !a.Active {
			continue
		}
		best := a.BestResponseBid(aggregates[a.ID], price, k.delta, k.minBid)
		if math.Abs(best-a.Bid) > tolerance {
			return false
		}
	}
	return true
}

// ConvergenceDistance is Σ|z_i - BR_i(z_-i)| over active agents.
func (k *KellyMechanism) ConvergenceDistance(agents []*Agent, authority *MarketAuthority) float64 {
	price := authority.CurrentPrice()
	aggregates := authority.AggregatesForActive(agents)
	dist := 0.0
	for _, a := range agents {
		if !a.Active {
			continue
		}
		dist += math.Abs(a.Bid - a.BestResponseBid(aggregates[a.ID], price, k.delta, k.minBid))
	}
	return dist
}

// RecordState appends the current welfare, equilibrium flag and shares.
func (k *KellyMechanism) RecordState(now float64, agents []*Agent, authority *MarketAuthority) MechanismRecord {
	shares := make(map[int]float64)
	for _, a := range agents {
		if a.Active {
			shares[a.ID] = a.Share
		}
	}
	rec := MechanismRecord{
		Time:          now,
		SocialWelfare: k.SocialWelfare(agents),
		IsNash:        k.IsNashEquilibrium(agents, authority, k.tolerance),
		Shares:        shares,
	}
	k.History = append(k.History, rec)
	return rec
}

// OptimalWelfare is the welfare a central planner reaches by splitting
// capacity among the active agents. It is only defined when all active
// agents share one α; otherwise NaN is returned. With no active agents it
// is 0.
func OptimalWelfare(agents []*Agent, capacity float64) float64 {
	active := make([]*Agent, 0, len(agents))
	for _, a := range agents {
		if a.Active {
			active = append(active, a)
		}
	}
	if len(active) == 0 {
		return 0
	}
	alpha := active[0].Alpha
	for _, a := range active[1:] {
		if a.Alpha != alpha {
			return math.NaN()
		}
	}

	if alpha == 0 {
		best := active[0]
		for _, a := range active[1:] {
			if a.Weight > best.Weight {
				best = a
			}
		}
		return best.Utility(capacity)
	}

	// First-order conditions give x_i proportional to w_i^(1/α).
	norm := 0.0
	for _, a := range active {
		norm += math.Pow(a.Weight, 1/alpha)
	}
	welfare := 0.0
	for _, a := range active {
		welfare += a.Utility(capacity * math.Pow(a.Weight, 1/alpha) / norm)
	}
	return welfare
}

// MechanismStats summarizes the mechanism history.
type MechanismStats struct {
	MeanSocialWelfare  float64  `json:"mean_social_welfare"`
	FinalSocialWelfare float64  `json:"final_social_welfare"`
	ConvergenceTime    *float64 `json:"convergence_time,omitempty"`
	ReachedEquilibrium bool     `json:"reached_equilibrium"`
}

// Stats computes mean and final welfare and the first time the equilibrium
// flag was set.
func (k *KellyMechanism) Stats() MechanismStats {
	var st MechanismStats
	if len(k.History) == 0 {
		return st
	}
	welfare := make([]float64, len(k.History))
	for i, r := range k.History {
		welfare[i] = r.SocialWelfare
		if r.IsNash && st.ConvergenceTime == nil {
			t := r.Time
			st.ConvergenceTime = &t
			st.ReachedEquilibrium = true
		}
	}
	st.MeanSocialWelfare = stat.Mean(welfare, nil)
	st.FinalSocialWelfare = welfare[len(welfare)-1]
	return st
}
