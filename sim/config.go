package sim

import (
	"errors"
	"fmt"
	"math"

	"github.com/kelly-sim/kelly-sim/sim/trace"
)

// BiddingPolicy selects how an agent revises its bid.
type BiddingPolicy string

const (
	PolicyBestResponse    BiddingPolicy = "best_response"
	PolicyGradientDescent BiddingPolicy = "gradient_descent"
)

var validBiddingPolicies = map[BiddingPolicy]bool{
	PolicyBestResponse:    true,
	PolicyGradientDescent: true,
}

// IsValidBiddingPolicy returns true if the given string names a known policy.
func IsValidBiddingPolicy(policy string) bool {
	return validBiddingPolicies[BiddingPolicy(policy)]
}

// ErrUnknownBiddingPolicy is returned (wrapped) for any policy outside
// {best_response, gradient_descent}. It aborts the run.
var ErrUnknownBiddingPolicy = errors.New("unknown bidding policy")

// AgentConfig holds the per-agent economic parameters.
type AgentConfig struct {
	Budget float64 `yaml:"budget"`
	Weight float64 `yaml:"weight"`
	Alpha  float64 `yaml:"alpha"`
}

// RateConfig groups the rates of the three stochastic processes,
// in events per unit of simulated time.
type RateConfig struct {
	Arrival   float64 `yaml:"arrival"`
	Departure float64 `yaml:"departure"`
	Bidding   float64 `yaml:"bidding"`
}

// Config is everything a Simulator needs. It is passed by value; there are
// no package-level defaults that a run can mutate.
type Config struct {
	Seed   int64
	Agents []AgentConfig

	Capacity float64 // total resource, 1.0 in the baseline
	Price    float64 // static unit price λ
	Delta    float64 // system reservation δ
	MinBid   float64 // bidding floor ε

	Horizon        float64 // total simulated time
	SampleInterval float64 // allocation/record cadence
	Rates          RateConfig

	Policy       BiddingPolicy
	LearningRate float64 // gradient_descent step size η

	InitialActiveProb       float64 // probability an agent starts active
	EquilibriumTolerance    float64
	PriceAdjustmentInterval float64 // 0 disables PriceAdjustment events

	// Observer, when set, receives one record per dispatched event.
	Observer func(trace.TransitionRecord)
}

// DefaultConfig returns the baseline four-agent market.
func DefaultConfig() Config {
	return Config{
		Seed: 42,
		Agents: []AgentConfig{
			{Budget: 100, Weight: 50, Alpha: 1},
			{Budget: 80, Weight: 30, Alpha: 1},
			{Budget: 120, Weight: 40, Alpha: 1},
			{Budget: 90, Weight: 35, Alpha: 1},
		},
		Capacity:             1.0,
		Price:                1.0,
		Delta:                0.1,
		MinBid:               MinBid,
		Horizon:              200.0,
		SampleInterval:       1.0,
		Rates:                RateConfig{Arrival: 0.1, Departure: 0.05, Bidding: 1.0},
		Policy:               PolicyBestResponse,
		LearningRate:         0.1,
		InitialActiveProb:    0.5,
		EquilibriumTolerance: DefaultEquilibriumTolerance,
	}
}

// Validate checks the configuration. The bidding policy is checked here so
// that a bad value never starts a run; dispatch re-checks it as well.
func (c Config) Validate() error {
	if !validBiddingPolicies[c.Policy] {
		return fmt.Errorf("%w: %q", ErrUnknownBiddingPolicy, c.Policy)
	}
	if len(c.Agents) == 0 {
		return errors.New("at least one agent is required")
	}
	if !positive(c.MinBid) {
		return fmt.Errorf("min bid must be positive, got %v", c.MinBid)
	}
	for i, a := range c.Agents {
		if !(a.Budget >= c.MinBid) || math.IsInf(a.Budget, 0) {
			return fmt.Errorf("agent %d: budget %v below min bid %v", i, a.Budget, c.MinBid)
		}
		if !positive(a.Weight) {
			return fmt.Errorf("agent %d: weight must be positive, got %v", i, a.Weight)
		}
		if !(a.Alpha >= 0) || math.IsInf(a.Alpha, 0) {
			return fmt.Errorf("agent %d: alpha must be non-negative, got %v", i, a.Alpha)
		}
	}
	if !positive(c.Capacity) {
		return fmt.Errorf("capacity must be positive, got %v", c.Capacity)
	}
	if !positive(c.Price) {
		return fmt.Errorf("price must be positive, got %v", c.Price)
	}
	if !(c.Delta >= 0) || math.IsInf(c.Delta, 0) {
		return fmt.Errorf("delta must be non-negative, got %v", c.Delta)
	}
	if !(c.Horizon >= 0) || math.IsInf(c.Horizon, 0) {
		return fmt.Errorf("horizon must be non-negative and finite, got %v", c.Horizon)
	}
	if !positive(c.SampleInterval) {
		return fmt.Errorf("sample interval must be positive, got %v", c.SampleInterval)
	}
	if !positive(c.Rates.Arrival) || !positive(c.Rates.Departure) || !positive(c.Rates.Bidding) {
		return fmt.Errorf("rates must be positive, got %+v", c.Rates)
	}
	if c.Policy == PolicyGradientDescent && !positive(c.LearningRate) {
		return fmt.Errorf("learning rate must be positive, got %v", c.LearningRate)
	}
	if !(c.InitialActiveProb >= 0 && c.InitialActiveProb <= 1) {
		return fmt.Errorf("initial active probability must be in [0, 1], got %v", c.InitialActiveProb)
	}
	if !(c.EquilibriumTolerance > 0) {
		return fmt.Errorf("equilibrium tolerance must be positive, got %v", c.EquilibriumTolerance)
	}
	if !(c.PriceAdjustmentInterval >= 0) {
		return fmt.Errorf("price adjustment interval must be non-negative, got %v", c.PriceAdjustmentInterval)
	}
	return nil
}

func positive(v float64) bool {
	return v > 0 && !math.IsInf(v, 1)
}
