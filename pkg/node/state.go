package node

// State is the lifecycle state of a Node.
type State int

const (
	StateUnknown State = iota
	StateInitialized
	StateRunning
	StateStopped
)

func (s State) String() string {
	switch s {
	case StateInitialized:
		return "Initialized"
	case StateRunning:
		return "Running"
	case StateStopped:
		return "Stopped"
	default:
		return "Unknown"
	}
}

// IsValid reports whether s is a known state.
func (s State) IsValid() bool {
	return s >= StateInitialized && s <= StateStopped
}
