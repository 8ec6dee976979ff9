// Tracks the sampled time series and event counters of a run.

package sim

import (
	"fmt"
	"io"
	"math"
	"sort"
)

// Snapshot is one system-wide observation taken by the periodic sampling
// step. Snapshots are never modified after being appended.
type Snapshot struct {
	Time                float64         `json:"time"`
	ActiveAgents        int             `json:"active_agents"`
	AggregateBid        float64         `json:"aggregate_bid"`
	SocialWelfare       float64         `json:"social_welfare"`
	ConvergenceDistance float64         `json:"convergence_distance"`
	IsNash              bool            `json:"is_nash"`
	Shares              map[int]float64 `json:"shares"`
}

// Metrics accumulates snapshots and per-kind event counters during a run.
type Metrics struct {
	History   []Snapshot
	Processed map[EventKind]int // every dispatched event, no-ops included
	Stale     map[EventKind]int // dispatched events discarded as no-ops
}

// NewMetrics creates empty metrics.
func NewMetrics() *Metrics {
	return &Metrics{
		History:   make([]Snapshot, 0),
		Processed: make(map[EventKind]int),
		Stale:     make(map[EventKind]int),
	}
}

// RecordSnapshot appends a snapshot to the history.
func (m *Metrics) RecordSnapshot(s Snapshot) {
	m.History = append(m.History, s)
}

// CountEvent counts a dispatched event.
func (m *Metrics) CountEvent(kind EventKind, applied bool) {
	m.Processed[kind]++
	if !applied {
		m.Stale[kind]++
	}
}

// TotalProcessed is the number of dispatched events.
func (m *Metrics) TotalProcessed() int {
	return sumCounts(m.Processed)
}

// TotalStale is the number of dispatched events that were no-ops.
func (m *Metrics) TotalStale() int {
	return sumCounts(m.Stale)
}

func sumCounts(counts map[EventKind]int) int {
	n := 0
	for _, c := range counts {
		n += c
	}
	return n
}

// Results is the output of a completed run.
type Results struct {
	FinalTime         float64           `json:"final_time"`
	History           []Snapshot        `json:"history"`
	Agents            []AgentStats      `json:"agents"`
	Authority         AuthorityStats    `json:"authority"`
	Mechanism         MechanismStats    `json:"mechanism"`
	IsNashEquilibrium bool              `json:"is_nash_equilibrium"`
	PriceOfAnarchy    *float64          `json:"price_of_anarchy,omitempty"` // nil when undefined
	EventsProcessed   map[EventKind]int `json:"events_processed"`
	EventsStale       map[EventKind]int `json:"events_stale"`
}

// Print writes a human-readable report.
func (r *Results) Print(w io.Writer) {
	fmt.Fprintln(w, "=== Simulation Results ===")
	fmt.Fprintf(w, "Final Time           : %.2f\n", r.FinalTime)
	fmt.Fprintf(w, "Samples              : %d\n", len(r.History))
	fmt.Fprintf(w, "Nash Equilibrium     : %v\n", r.IsNashEquilibrium)
	fmt.Fprintf(w, "Mean Social Welfare  : %.4f\n", r.Mechanism.MeanSocialWelfare)
	fmt.Fprintf(w, "Final Social Welfare : %.4f\n", r.Mechanism.FinalSocialWelfare)
	if r.Mechanism.ConvergenceTime != nil {
		fmt.Fprintf(w, "Convergence Time     : %.2f\n", *r.Mechanism.ConvergenceTime)
	}
	if r.PriceOfAnarchy != nil {
		fmt.Fprintf(w, "Price of Anarchy     : %.4f\n", *r.PriceOfAnarchy)
	}

	fmt.Fprintln(w, "=== Events ===")
	for _, kind := range EventKinds {
		fmt.Fprintf(w, "%-20s : %d (%d discarded)\n", kind, r.EventsProcessed[kind], r.EventsStale[kind])
	}

	fmt.Fprintln(w, "=== Agents ===")
	agents := append([]AgentStats(nil), r.Agents...)
	sort.Slice(agents, func(i, j int) bool { return agents[i].ID < agents[j].ID })
	for _, a := range agents {
		fmt.Fprintf(w, "Agent %d: mean bid %.3f (std %.3f), final bid %.3f, mean share %.4f, total payoff %.2f\n",
			a.ID, a.MeanBid, a.StdBid, a.FinalBid, a.MeanAllocation, a.TotalPayoff)
	}

	fmt.Fprintln(w, "=== Market Authority ===")
	fmt.Fprintf(w, "Total Revenue        : %.2f\n", r.Authority.TotalRevenue)
	fmt.Fprintf(w, "Mean Revenue         : %.4f\n", r.Authority.MeanRevenue)
	fmt.Fprintf(w, "Final Price          : %.4f\n", r.Authority.FinalPrice)
}

func finiteOrNil(v float64) *float64 {
	if math.IsNaN(v) || math.IsInf(v, 0) {
		return nil
	}
	return &v
}
