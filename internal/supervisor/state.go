package supervisor

// State is the worker lifecycle state. Transitions are driven only by the
// Supervisor: Stopped -> Starting -> Ready on the readiness signal; Ready or
// Starting fall back to Starting on worker exit while the breaker is closed,
// or to CircuitBroken when it trips. CircuitBroken exits only via Start.
type State int

const (
	StateStopped State = iota
	StateStarting
	StateReady
	StateCircuitBroken
)

func (s State) String() string {
	switch s {
	case StateStopped:
		return "stopped"
	case StateStarting:
		return "starting"
	case StateReady:
		return "ready"
	case StateCircuitBroken:
		return "circuit_broken"
	default:
		return "unknown"
	}
}
