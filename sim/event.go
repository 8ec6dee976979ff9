package sim

import "fmt"

// EventKind tags the variant of an Event.
type EventKind int

const (
	EventArrival EventKind = iota
	EventDeparture
	EventBidRevision
	EventPriceAdjustment
)

// NoAgent is the subject of system-wide events.
const NoAgent = -1

var eventKindNames = map[EventKind]string{
	EventArrival:         "arrival",
	EventDeparture:       "departure",
	EventBidRevision:     "bid_revision",
	EventPriceAdjustment: "price_adjustment",
}

// EventKinds lists every kind in declaration order.
var EventKinds = []EventKind{EventArrival, EventDeparture, EventBidRevision, EventPriceAdjustment}

func (k EventKind) String() string {
	if name, ok := eventKindNames[k]; ok {
		return name
	}
	return fmt.Sprintf("EventKind(%d)", int(k))
}

// MarshalText lets EventKind be used as a JSON map key.
func (k EventKind) MarshalText() ([]byte, error) {
	return []byte(k.String()), nil
}

// Event is a scheduled state transition. Events are consumed exactly once
// when popped; handlers check the subject's current state and treat
// mismatches as no-ops.
type Event struct {
	Time    float64
	Kind    EventKind
	AgentID int // NoAgent for system-wide events
	Payload any

	seq uint64 // insertion order, assigned by EventHeap.Schedule
}

// Seq returns the insertion sequence number used for tie-breaking.
func (e *Event) Seq() uint64 {
	return e.seq
}

func (e *Event) String() string {
	if e.AgentID == NoAgent {
		return fmt.Sprintf("%s@%.4f", e.Kind, e.Time)
	}
	return fmt.Sprintf("%s(agent=%d)@%.4f", e.Kind, e.AgentID, e.Time)
}
