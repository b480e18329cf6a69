package reconnect

// State is the lifecycle position of a session.
type State int

const (
	StateInitializing State = iota
	StateConnecting
	StateOpen
	StateClosedRetryable
	StateClosedTerminal
)

func (s State) String() string {
	switch s {
	case StateInitializing:
		return "initializing"
	case StateConnecting:
		return "connecting"
	case StateOpen:
		return "open"
	case StateClosedRetryable:
		return "closed_retryable"
	case StateClosedTerminal:
		return "closed_terminal"
	default:
		return "unknown"
	}
}

// CanTransitionTo reports whether next is a legal successor of s.
// ClosedTerminal is reachable from every live state and has no successors.
func (s State) CanTransitionTo(next State) bool {
	if s == StateClosedTerminal {
		return false
	}
	if next == StateClosedTerminal {
		return true
	}
	switch s {
	case StateInitializing:
		return next == StateConnecting
	case StateConnecting:
		return next == StateOpen || next == StateClosedRetryable
	case StateOpen:
		return next == StateClosedRetryable
	case StateClosedRetryable:
		return next == StateConnecting
	default:
		return false
	}
}
