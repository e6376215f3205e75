package model

type TransitionType int

const (
	TransitionTypeEnter TransitionType = iota
	TransitionTypeLeave
)

func (t TransitionType) String() string {
	switch t {
	case TransitionTypeEnter:
		return "enter"
	case TransitionTypeLeave:
		return "leave"
	default:
		return "unknown"
	}
}

// StateTransition represents a transition of the node role
type StateTransition struct {
	// State is the state being entered or left
	State NodeState
	// SrcState is the other end of the transition
	SrcState NodeState
	// Type is the type of the transition
	Type TransitionType
	// MasterID is the master known after the transition
	MasterID string
}
