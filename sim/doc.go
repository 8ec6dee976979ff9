// Package sim provides the discrete-event engine and the Kelly market model.
//
// # Reading Guide
//
// Start with these files:
//   - agent.go: α-fair utility, payoff, best response and gradient bidding
//   - mechanism.go: proportional allocation x_i = z_i / (Σz_j + δ) and the
//     equilibrium diagnostics (welfare, Nash test, convergence distance)
//   - simulator.go: the event loop, transition handlers and periodic sampling
//
// # Events
//
// Arrival, Departure, BidRevision and PriceAdjustment events live in one
// EventHeap ordered by time, ties broken by insertion order. Events are never
// cancelled: a handler that finds its subject in the wrong state discards the
// event as a no-op, and the run counts it as stale.
//
// # Determinism
//
// All randomness flows through PartitionedRNG, one stream per stochastic
// process. Config carries every parameter, so independent runs (for example
// parallel tests) share no state.
package sim
