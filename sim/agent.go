package sim

import (
	"math"

	"github.com/sirupsen/logrus"
	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/stat"
)

// MinBid is the default bidding floor (ε). Bids never drop below it so that
// every active agent keeps a strictly positive share.
const MinBid = 0.001

// BisectionIterations bounds the numerical best-response search used for
// fairness parameters without a closed form.
var BisectionIterations = 50

const (
	bisectionStep      = 1e-6 // finite-difference step for the bisection derivative
	bisectionTolerance = 1e-6 // |derivative| below this stops the search early
	gradientStep       = 1e-5 // finite-difference step for GradientUpdate
)

// BidRecord is one entry of an agent's bid time series.
type BidRecord struct {
	Time float64
	Bid  float64
}

// AllocationRecord is one entry of an agent's allocation time series.
type AllocationRecord struct {
	Time    float64
	Share   float64
	Utility float64
	Payoff  float64
}

// Agent is a bidder competing for a share of the resource.
//
// Bid always lies in [minBid, Budget]. Share is written only by
// KellyMechanism.Allocate via ReceiveAllocation.
type Agent struct {
	ID     int
	Budget float64 // upper bound on Bid
	Weight float64 // valuation weight (a_i)
	Alpha  float64 // α-fairness parameter

	Bid    float64
	Share  float64
	Active bool

	BidHistory        []BidRecord
	AllocationHistory []AllocationRecord

	minBid float64
}

// NewAgent creates an inactive agent bidding at the floor.
func NewAgent(id int, budget, weight, alpha, minBid float64) *Agent {
	return &Agent{
		ID:                id,
		Budget:            budget,
		Weight:            weight,
		Alpha:             alpha,
		Bid:               minBid,
		BidHistory:        make([]BidRecord, 0),
		AllocationHistory: make([]AllocationRecord, 0),
		minBid:            minBid,
	}
}

// Utility returns the weighted α-fair value of a share. A non-positive share
// yields -Inf, which callers must treat as a sentinel.
func (a *Agent) Utility(share float64) float64 {
	if share <= 0 {
		return math.Inf(-1)
	}
	var u float64
	switch a.Alpha {
	case 0:
		u = share
	case 1:
		u = math.Log(share)
	case 2:
		u = -1.0 / share
	default:
		u = math.Pow(share, 1-a.Alpha) / (1 - a.Alpha)
	}
	return a.Weight * u
}

// Payoff is utility net of the cost of the current bid.
func (a *Agent) Payoff(share, price float64) float64 {
	return a.Utility(share) - price*a.Bid
}

// BestResponseBid returns the payoff-maximizing bid given the sum of the
// other active agents' bids, projected onto [eps, Budget].
func (a *Agent) BestResponseBid(othersAggregate, price, delta, eps float64) float64 {
	s := othersAggregate + delta
	w := a.Weight

	var bid float64
	switch a.Alpha {
	case 0:
		bid = math.Sqrt(w*s/price) - s
	case 1:
		disc := s*s + 4*w*s/price
		if disc < 0 {
			bid = eps
		} else {
			bid = (-s + math.Sqrt(disc)) / 2
		}
	case 2:
		bid = math.Sqrt(w * s / price)
	default:
		bid = a.bisectBestResponse(s, price, eps)
	}
	return clamp(bid, eps, a.Budget)
}

// bisectBestResponse finds the zero of the marginal payoff over [eps, Budget].
// The marginal payoff is decreasing in the bid for concave utilities, so the
// sign of the forward difference tells which half holds the optimum.
func (a *Agent) bisectBestResponse(s, price, eps float64) float64 {
	low, high := eps, a.Budget
	mid := (low + high) / 2
	for i := 0; i < BisectionIterations; i++ {
		mid = (low + high) / 2
		share := mid / (mid + s)
		sharePlus := (mid + bisectionStep) / (mid + bisectionStep + s)
		d := (a.Utility(sharePlus)-a.Utility(share))/bisectionStep - price
		if math.Abs(d) < bisectionTolerance {
			break
		}
		if d > 0 {
			low = mid
		} else {
			high = mid
		}
	}
	return mid
}

// GradientUpdate takes one gradient-ascent step on payoff. aggregateBid is
// the total active bid including this agent's own.
func (a *Agent) GradientUpdate(aggregateBid, learningRate, price, delta float64) float64 {
	share := a.Bid / (aggregateBid + delta)
	perturbed := (a.Bid + gradientStep) / (aggregateBid + gradientStep + delta)
	grad := (a.Utility(perturbed)-a.Utility(share))/gradientStep - price
	return clamp(a.Bid+learningRate*grad, a.minBid, a.Budget)
}

// UpdateBid sets the current bid (projected onto [minBid, Budget]) and
// records it.
func (a *Agent) UpdateBid(bid, now float64) {
	a.Bid = clamp(bid, a.minBid, a.Budget)
	a.BidHistory = append(a.BidHistory, BidRecord{Time: now, Bid: a.Bid})
}

// ReceiveAllocation stores the share computed by the mechanism and records
// the resulting utility and payoff.
func (a *Agent) ReceiveAllocation(now, share, price float64) {
	a.Share = share
	a.AllocationHistory = append(a.AllocationHistory, AllocationRecord{
		Time:    now,
		Share:   share,
		Utility: a.Utility(share),
		Payoff:  a.Payoff(share, price),
	})
}

// EnterSystem marks the agent active.
func (a *Agent) EnterSystem(now float64) {
	a.Active = true
	logrus.Debugf("[t=%.3f] agent %d arrived", now, a.ID)
}

// LeaveSystem marks the agent inactive.
func (a *Agent) LeaveSystem(now float64) {
	a.Active = false
	logrus.Debugf("[t=%.3f] agent %d departed", now, a.ID)
}

// AgentStats summarizes an agent's time series.
type AgentStats struct {
	ID             int     `json:"id"`
	MeanBid        float64 `json:"mean_bid"`
	StdBid         float64 `json:"std_bid"`
	FinalBid       float64 `json:"final_bid"`
	MeanAllocation float64 `json:"mean_allocation"`
	MeanUtility    float64 `json:"mean_utility"`
	TotalPayoff    float64 `json:"total_payoff"`
	BidUpdates     int     `json:"bid_updates"`
}

// Stats computes summary statistics. An agent that never received an
// allocation reports zeros apart from its id and final bid.
func (a *Agent) Stats() AgentStats {
	st := AgentStats{ID: a.ID, FinalBid: a.Bid, BidUpdates: len(a.BidHistory)}
	if len(a.BidHistory) > 0 {
		bids := make([]float64, len(a.BidHistory))
		for i, r := range a.BidHistory {
			bids[i] = r.Bid
		}
		st.MeanBid, st.StdBid = stat.PopMeanStdDev(bids, nil)
	}
	if len(a.AllocationHistory) == 0 {
		return st
	}
	shares := make([]float64, len(a.AllocationHistory))
	utils := make([]float64, len(a.AllocationHistory))
	payoffs := make([]float64, len(a.AllocationHistory))
	for i, r := range a.AllocationHistory {
		shares[i] = r.Share
		utils[i] = r.Utility
		payoffs[i] = r.Payoff
	}
	st.MeanAllocation = stat.Mean(shares, nil)
	st.MeanUtility = stat.Mean(utils, nil)
	st.TotalPayoff = floats.Sum(payoffs)
	return st
}

// clamp projects v onto [lo, hi]; NaN falls back to the floor.
func clamp(v, lo, hi float64) float64 {
	if math.IsNaN(v) {
		return lo
	}
	return math.Max(lo, math.Min(v, hi))
}
