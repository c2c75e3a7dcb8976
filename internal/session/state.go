package session

// State is where a session is in its lifecycle.
type State int

const (
	StateDetached State = iota
	StateAttaching
	StateInjected
	StateActive
	StateDetaching
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateDetached:
		return "detached"
	case StateAttaching:
		return "attaching"
	case StateInjected:
		return "injected"
	case StateActive:
		return "active"
	case StateDetaching:
		return "detaching"
	case StateFailed:
		return "failed"
	default:
		return "unknown"
	}
}
