package cmd

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"

	"gopkg.in/yaml.v3"

	sim "github.com/kelly-sim/kelly-sim/sim"
)

// Scenario is the YAML form of a simulation configuration. Fields left out
// of the file keep the baseline values from sim.DefaultConfig.
type Scenario struct {
	Seed                    int64             `yaml:"seed"`
	Agents                  []sim.AgentConfig `yaml:"agents"`
	Capacity                float64           `yaml:"capacity"`
	Price                   float64           `yaml:"price"`
	Delta                   float64           `yaml:"delta"`
	MinBid                  float64           `yaml:"min_bid"`
	Horizon                 float64           `yaml:"horizon"`
	SampleInterval          float64           `yaml:"sample_interval"`
	Rates                   sim.RateConfig    `yaml:"rates"`
	Policy                  string            `yaml:"policy"`
	LearningRate            float64           `yaml:"learning_rate"`
	InitialActiveProb       float64           `yaml:"initial_active_prob"`
	EquilibriumTolerance    float64           `yaml:"equilibrium_tolerance"`
	PriceAdjustmentInterval float64           `yaml:"price_adjustment_interval"`
}

func scenarioFromConfig(c sim.Config) Scenario {
	return Scenario{
		Seed:                    c.Seed,
		Agents:                  c.Agents,
		Capacity:                c.Capacity,
		Price:                   c.Price,
		Delta:                   c.Delta,
		MinBid:                  c.MinBid,
		Horizon:                 c.Horizon,
		SampleInterval:          c.SampleInterval,
		Rates:                   c.Rates,
		Policy:                  string(c.Policy),
		LearningRate:            c.LearningRate,
		InitialActiveProb:       c.InitialActiveProb,
		EquilibriumTolerance:    c.EquilibriumTolerance,
		PriceAdjustmentInterval: c.PriceAdjustmentInterval,
	}
}

// Config converts the scenario into an engine configuration.
func (s Scenario) Config() sim.Config {
	return sim.Config{
		Seed:                    s.Seed,
		Agents:                  s.Agents,
		Capacity:                s.Capacity,
		Price:                   s.Price,
		Delta:                   s.Delta,
		MinBid:                  s.MinBid,
		Horizon:                 s.Horizon,
		SampleInterval:          s.SampleInterval,
		Rates:                   s.Rates,
		Policy:                  sim.BiddingPolicy(s.Policy),
		LearningRate:            s.LearningRate,
		InitialActiveProb:       s.InitialActiveProb,
		EquilibriumTolerance:    s.EquilibriumTolerance,
		PriceAdjustmentInterval: s.PriceAdjustmentInterval,
	}
}

// parseScenario decodes YAML over the baseline configuration.
// Uses strict field checking: typos must cause errors. An empty document
// yields the baseline.
func parseScenario(data []byte) (sim.Config, error) {
	s := scenarioFromConfig(sim.DefaultConfig())
	decoder := yaml.NewDecoder(bytes.NewReader(data))
	decoder.KnownFields(true)
	if err := decoder.Decode(&s); err != nil && !errors.Is(err, io.EOF) {
		return sim.Config{}, fmt.Errorf("parse scenario: %w", err)
	}
	return s.Config(), nil
}

// loadScenario reads a scenario file. An empty path yields the baseline.
func loadScenario(path string) (sim.Config, error) {
	if path == "" {
		return sim.DefaultConfig(), nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return sim.Config{}, fmt.Errorf("read scenario %s: %w", path, err)
	}
	return parseScenario(data)
}
