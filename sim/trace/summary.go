package trace

// TraceSummary aggregates statistics from a SimulationTrace.
type TraceSummary struct {
	TotalTransitions int
	AppliedCount     int
	DiscardedCount   int
	ByKind           map[string]int // kind → applied count
	DiscardedByKind  map[string]int // kind → discarded count
	UniqueAgents     int
}

// Summarize computes aggregate statistics from a SimulationTrace.
// Safe for nil or empty traces (returns zero-value fields).
func Summarize(st *SimulationTrace) *TraceSummary {
	summary := &TraceSummary{
		ByKind:          make(map[string]int),
		DiscardedByKind: make(map[string]int),
	}
	if st == nil {
		return summary
	}

	agents := make(map[int]bool)
	summary.TotalTransitions = len(st.Transitions)
	for _, r := range st.Transitions {
		if r.Applied {
			summary.AppliedCount++
			summary.ByKind[r.Kind]++
		} else {
			summary.DiscardedCount++
			summary.DiscardedByKind[r.Kind]++
		}
		if r.AgentID >= 0 {
			agents[r.AgentID] = true
		}
	}
	summary.UniqueAgents = len(agents)

	return summary
}
