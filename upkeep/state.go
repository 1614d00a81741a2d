package upkeep

// State is the driver's position in its poll cycle.
type State int32

const (
	StateIdle State = iota
	StateChecking
	StateExecuting
	StateStopped
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateChecking:
		return "checking"
	case StateExecuting:
		return "executing"
	case StateStopped:
		return "stopped"
	default:
		return "unknown"
	}
}
