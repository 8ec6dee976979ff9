package trace

// TraceLevel controls the verbosity of transition tracing.
type TraceLevel string

const (
	// TraceLevelNone disables tracing.
	TraceLevelNone TraceLevel = "none"
	// TraceLevelApplied keeps only transitions that changed state.
	TraceLevelApplied TraceLevel = "applied"
	// TraceLevelAll keeps every dispatched event, including discarded ones.
	TraceLevelAll TraceLevel = "all"
)

// validTraceLevels maps accepted trace level strings.
var validTraceLevels = map[TraceLevel]bool{
	TraceLevelNone:    true,
	TraceLevelApplied: true,
	TraceLevelAll:     true,
	"":                true, // empty defaults to none
}

// IsValidTraceLevel returns true if the given level string is a recognized trace level.
func IsValidTraceLevel(level string) bool {
	return validTraceLevels[TraceLevel(level)]
}

// SimulationTrace collects transition records during a run.
type SimulationTrace struct {
	Level       TraceLevel
	Transitions []TransitionRecord
}

// NewSimulationTrace creates a SimulationTrace ready for recording.
func NewSimulationTrace(level TraceLevel) *SimulationTrace {
	return &SimulationTrace{
		Level:       level,
		Transitions: make([]TransitionRecord, 0),
	}
}

// Record appends a record if the trace level keeps it. Its signature matches
// the engine's observer callback.
func (st *SimulationTrace) Record(record TransitionRecord) {
	switch st.Level {
	case TraceLevelAll:
	case TraceLevelApplied:
		if !record.Applied {
			return
		}
	default:
		return
	}
	st.Transitions = append(st.Transitions, record)
}
