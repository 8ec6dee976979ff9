// Package trace records engine transitions for the reporting layer.
// This package has no dependencies on sim/. It stores pure data types.
package trace

// TransitionRecord captures a single dispatched event and its outcome.
type TransitionRecord struct {
	Time    float64
	Kind    string // event kind name, e.g. "arrival"
	AgentID int    // -1 for system-wide events
	Applied bool   // false when the event was discarded as a no-op
	Reason  string // why a no-op was discarded; empty when applied
	Active  bool   // subject's active flag after the transition
	Bid     float64
}
