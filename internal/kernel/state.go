package kernel

// State is the phase of the execution request state machine.
type State int

const (
	StateIdle State = iota
	StateBusy
	StateFinishing
	StateReportingIncomplete
	StateRequestingInput
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateBusy:
		return "busy"
	case StateFinishing:
		return "finishing"
	case StateReportingIncomplete:
		return "reporting_incomplete"
	case StateRequestingInput:
		return "requesting_input"
	default:
		return "unknown"
	}
}

// MarshalText implements encoding.TextMarshaler.
func (s State) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}
