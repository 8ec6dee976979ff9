package sim

import (
	"hash/fnv"
	"math/rand"
)

// SimulationKey identifies a reproducible run. Two simulations with the same
// key and configuration produce identical results.
type SimulationKey int64

// NewSimulationKey creates a SimulationKey from a seed value.
func NewSimulationKey(seed int64) SimulationKey {
	return SimulationKey(seed)
}

// RNG subsystems. Each stochastic process draws from its own stream so that
// changing one rate does not perturb the others.
const (
	SubsystemInit      = "init"
	SubsystemArrival   = "arrival"
	SubsystemDeparture = "departure"
	SubsystemBidding   = "bidding"
)

// PartitionedRNG provides deterministic, isolated RNG instances per subsystem.
// Derived seed: masterSeed XOR fnv1a64(subsystemName).
//
// Thread-safety: NOT thread-safe. Must be called from single goroutine.
type PartitionedRNG struct {
	key        SimulationKey
	subsystems map[string]*rand.Rand
}

// NewPartitionedRNG creates a PartitionedRNG from a SimulationKey.
func NewPartitionedRNG(key SimulationKey) *PartitionedRNG {
	return &PartitionedRNG{
		key:        key,
		subsystems: make(map[string]*rand.Rand),
	}
}

// ForSubsystem returns the cached, deterministically seeded RNG for name.
// Never returns nil.
func (p *PartitionedRNG) ForSubsystem(name string) *rand.Rand {
	if rng, ok := p.subsystems[name]; ok {
		return rng
	}
	rng := rand.New(rand.NewSource(int64(p.key) ^ fnv1a64(name)))
	p.subsystems[name] = rng
	return rng
}

// Key returns the SimulationKey used to create this PartitionedRNG.
func (p *PartitionedRNG) Key() SimulationKey {
	return p.key
}

// ExpInterval draws an exponential inter-event time with the given rate
// (events per unit of simulated time). rate must be positive.
func ExpInterval(rng *rand.Rand, rate float64) float64 {
	return rng.ExpFloat64() / rate
}

// fnv1a64 computes a 64-bit FNV-1a hash of the input string.
func fnv1a64(s string) int64 {
	h := fnv.New64a()
	h.Write([]byte(s))
	return int64(h.Sum64())
}
