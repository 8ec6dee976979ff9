// sim/simulator.go
package sim

import (
	"fmt"

	"github.com/sirupsen/logrus"

	"github.com/kelly-sim/kelly-sim/sim/trace"
)

// Simulator owns the clock, the event queue and the market state, and runs
// the event loop. It is single-threaded: every handler and every history
// append happens on the goroutine that calls Run.
type Simulator struct {
	Clock   float64
	Horizon float64
	// Policy is read at every bid revision; an unknown value aborts Run.
	Policy BiddingPolicy

	EventQueue *EventHeap
	Agents     []*Agent
	Authority  *MarketAuthority
	Mechanism  *KellyMechanism
	RNG        *PartitionedRNG
	Metrics    *Metrics

	cfg        Config
	agentsByID map[int]*Agent
	sampleIdx  int // next sample is at sampleIdx * cfg.SampleInterval
}

// NewSimulator validates cfg, builds the market and schedules the initial
// events. Agents get ids 1..N in configuration order.
func NewSimulator(cfg Config) (*Simulator, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	sim := &Simulator{
		Clock:      0,
		Horizon:    cfg.Horizon,
		Policy:     cfg.Policy,
		EventQueue: NewEventHeap(),
		Agents:     make([]*Agent, 0, len(cfg.Agents)),
		Authority:  NewMarketAuthority(cfg.Capacity, cfg.Price, cfg.Delta),
		Mechanism:  NewKellyMechanism(cfg.Delta, cfg.MinBid, cfg.EquilibriumTolerance),
		RNG:        NewPartitionedRNG(NewSimulationKey(cfg.Seed)),
		Metrics:    NewMetrics(),
		cfg:        cfg,
		agentsByID: make(map[int]*Agent, len(cfg.Agents)),
	}
	for i, ac := range cfg.Agents {
		a := NewAgent(i+1, ac.Budget, ac.Weight, ac.Alpha, cfg.MinBid)
		sim.Agents = append(sim.Agents, a)
		sim.agentsByID[a.ID] = a
	}
	sim.initialize()
	return sim, nil
}

// initialize flips a coin per agent: active agents start revising bids,
// inactive ones wait for their first arrival.
func (sim *Simulator) initialize() {
	coin := sim.RNG.ForSubsystem(SubsystemInit)
	for _, a := range sim.Agents {
		if coin.Float64() < sim.cfg.InitialActiveProb {
			a.EnterSystem(0)
			sim.scheduleIn(SubsystemBidding, sim.cfg.Rates.Bidding, EventBidRevision, a.ID)
		} else {
			sim.scheduleIn(SubsystemArrival, sim.cfg.Rates.Arrival, EventArrival, a.ID)
		}
	}
	if sim.cfg.PriceAdjustmentInterval > 0 {
		sim.Schedule(&Event{Time: sim.cfg.PriceAdjustmentInterval, Kind: EventPriceAdjustment, AgentID: NoAgent})
	}
}

// Schedule pushes an event into the queue.
func (sim *Simulator) Schedule(ev *Event) {
	sim.EventQueue.Schedule(ev)
}

// scheduleIn schedules an event after an exponential delay drawn from the
// given subsystem's stream.
func (sim *Simulator) scheduleIn(subsystem string, rate float64, kind EventKind, agentID int) {
	delay := ExpInterval(sim.RNG.ForSubsystem(subsystem), rate)
	sim.Schedule(&Event{Time: sim.Clock + delay, Kind: kind, AgentID: agentID})
}

// Run drains the event queue up to the horizon and returns the results.
// The run ends at the horizon, or at the last processed event time if the
// queue empties first (the current clock if it starts empty).
// The only error is a fatal configuration error raised during dispatch, in
// which case no results are returned.
func (sim *Simulator) Run() (*Results, error) {
	logrus.Infof("Starting simulation: %d agents, horizon=%.2f, policy=%s", len(sim.Agents), sim.Horizon, sim.Policy)

	end := sim.Horizon
	if sim.EventQueue.Len() == 0 {
		end = sim.Clock
	}
	for sim.EventQueue.Len() > 0 {
		ev := sim.EventQueue.PopNext()
		if ev.Time > sim.Horizon {
			logrus.Debugf("[t=%.4f] %s is past the horizon, stopping", sim.Clock, ev)
			break
		}
		if ev.Time < sim.Clock {
			panic(fmt.Sprintf("clock went backwards: %v < %v", ev.Time, sim.Clock))
		}

		// State is piecewise constant between events, so samples due before
		// or at this event's time observe the pre-event state.
		sim.sampleThrough(ev.Time, true)

		sim.Clock = ev.Time
		if err := sim.dispatch(ev); err != nil {
			return nil, err
		}
		if sim.EventQueue.Len() == 0 {
			end = sim.Clock
		}
	}

	sim.sampleThrough(end, false)
	sim.sample(end)

	logrus.Infof("Simulation ended at t=%.4f after %d events (%d discarded)",
		end, sim.Metrics.TotalProcessed(), sim.Metrics.TotalStale())
	return sim.results(end), nil
}

// sampleThrough records every pending sample time up to t (inclusive when
// inclusive is set) that does not exceed the horizon.
func (sim *Simulator) sampleThrough(t float64, inclusive bool) {
	for {
		next := float64(sim.sampleIdx) * sim.cfg.SampleInterval
		if next > sim.Horizon || next > t || (!inclusive && next == t) {
			return
		}
		sim.sample(next)
		sim.sampleIdx++
	}
}

// sample runs a full allocation pass and appends one snapshot.
func (sim *Simulator) sample(now float64) {
	price := sim.Authority.CurrentPrice()
	sim.Mechanism.Allocate(now, sim.Agents, price)
	sim.Authority.ComputeRevenue(sim.Agents, now)
	rec := sim.Mechanism.RecordState(now, sim.Agents, sim.Authority)

	active := 0
	for _, a := range sim.Agents {
		if a.Active {
			active++
		}
	}
	sim.Metrics.RecordSnapshot(Snapshot{
		Time:                now,
		ActiveAgents:        active,
		AggregateBid:        sim.Authority.AggregateBid(sim.Agents),
		SocialWelfare:       rec.SocialWelfare,
		ConvergenceDistance: sim.Mechanism.ConvergenceDistance(sim.Agents, sim.Authority),
		IsNash:              rec.IsNash,
		Shares:              rec.Shares,
	})
}

// dispatch applies one event and reports it to the metrics and observer.
func (sim *Simulator) dispatch(ev *Event) error {
	var (
		applied bool
		reason  string
		err     error
	)
	switch ev.Kind {
	case EventArrival:
		applied, reason = sim.handleArrival(ev)
	case EventDeparture:
		applied, reason = sim.handleDeparture(ev)
	case EventBidRevision:
		applied, reason, err = sim.handleBidRevision(ev)
	case EventPriceAdjustment:
		applied, reason = sim.handlePriceAdjustment(ev)
	default:
		reason = "unknown event kind"
	}
	if err != nil {
		return err
	}

	sim.Metrics.CountEvent(ev.Kind, applied)
	if applied {
		logrus.Debugf("[t=%.4f] %s applied", ev.Time, ev)
	} else {
		logrus.Debugf("[t=%.4f] %s discarded: %s", ev.Time, ev, reason)
	}

	if sim.cfg.Observer != nil {
		rec := trace.TransitionRecord{
			Time:    ev.Time,
			Kind:    ev.Kind.String(),
			AgentID: ev.AgentID,
			Applied: applied,
			Reason:  reason,
		}
		if a, ok := sim.agentsByID[ev.AgentID]; ok {
			rec.Active = a.Active
			rec.Bid = a.Bid
		}
		sim.cfg.Observer(rec)
	}
	return nil
}

func (sim *Simulator) handleArrival(ev *Event) (bool, string) {
	a, ok := sim.agentsByID[ev.AgentID]
	if !ok {
		return false, "unknown agent"
	}
	if a.Active {
		return false, "already active"
	}
	a.EnterSystem(sim.Clock)
	sim.scheduleIn(SubsystemDeparture, sim.cfg.Rates.Departure, EventDeparture, a.ID)
	sim.scheduleIn(SubsystemBidding, sim.cfg.Rates.Bidding, EventBidRevision, a.ID)
	return true, ""
}

func (sim *Simulator) handleDeparture(ev *Event) (bool, string) {
	a, ok := sim.agentsByID[ev.AgentID]
	if !ok {
		return false, "unknown agent"
	}
	if !a.Active {
		return false, "already inactive"
	}
	a.LeaveSystem(sim.Clock)
	sim.scheduleIn(SubsystemArrival, sim.cfg.Rates.Arrival, EventArrival, a.ID)
	return true, ""
}

func (sim *Simulator) handleBidRevision(ev *Event) (bool, string, error) {
	a, ok := sim.agentsByID[ev.AgentID]
	if !ok {
		return false, "unknown agent", nil
	}
	if !a.Active {
		return false, "agent inactive", nil
	}

	price := sim.Authority.CurrentPrice()
	delta := sim.Authority.Delta()
	others := sim.Authority.AggregateBidExcluding(sim.Agents, a.ID)

	var bid float64
	switch sim.Policy {
	case PolicyBestResponse:
		bid = a.BestResponseBid(others, price, delta, sim.cfg.MinBid)
	case PolicyGradientDescent:
		bid = a.GradientUpdate(others+a.Bid, sim.cfg.LearningRate, price, delta)
	default:
		return false, "", fmt.Errorf("agent %d at t=%v: %w: %q", a.ID, sim.Clock, ErrUnknownBiddingPolicy, sim.Policy)
	}
	a.UpdateBid(bid, sim.Clock)
	sim.scheduleIn(SubsystemBidding, sim.cfg.Rates.Bidding, EventBidRevision, a.ID)
	return true, "", nil
}

// handlePriceAdjustment is the dynamic-pricing hook. Prices are static, so it
// only keeps the periodic event alive.
func (sim *Simulator) handlePriceAdjustment(ev *Event) (bool, string) {
	sim.Schedule(&Event{
		Time:    sim.Clock + sim.cfg.PriceAdjustmentInterval,
		Kind:    EventPriceAdjustment,
		AgentID: NoAgent,
	})
	return true, ""
}

// results assembles the output structure once the loop has ended.
func (sim *Simulator) results(end float64) *Results {
	r := &Results{
		FinalTime:       end,
		History:         sim.Metrics.History,
		Agents:          make([]AgentStats, 0, len(sim.Agents)),
		Authority:       sim.Authority.Stats(),
		Mechanism:       sim.Mechanism.Stats(),
		EventsProcessed: sim.Metrics.Processed,
		EventsStale:     sim.Metrics.Stale,
	}
	for _, a := range sim.Agents {
		r.Agents = append(r.Agents, a.Stats())
	}
	r.IsNashEquilibrium = sim.Mechanism.IsNashEquilibrium(sim.Agents, sim.Authority, sim.cfg.EquilibriumTolerance)
	r.PriceOfAnarchy = finiteOrNil(sim.Mechanism.PriceOfAnarchy(sim.Agents, OptimalWelfare(sim.Agents, sim.Authority.Capacity)))
	return r
}
