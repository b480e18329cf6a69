// Package reconnect decides what happens after a protocol connection
// closes. Everything here is pure: no clocks, no I/O.
package reconnect

import "time"

// Cause classifies why a connection closed.
type Cause int

const (
	CauseUnknown Cause = iota
	CauseConnectionClosed
	CauseConnectionLost
	CauseTimedOut
	CauseRestartRequired
	CauseLoggedOut
	CauseBadSession
	CauseConnectionReplaced
	CauseForbidden
)

// Protocol status codes attached to a close.
const (
	StatusLoggedOut          = 401
	StatusForbidden          = 403
	StatusConnectionLost     = 408
	StatusConnectionClosed   = 428
	StatusConnectionReplaced = 440
	StatusBadSession         = 500
	StatusRestartRequired    = 515
)

// CauseFromStatus maps a close status code to a Cause.
func CauseFromStatus(code int) Cause {
	switch code {
	case StatusLoggedOut:
		return CauseLoggedOut
	case StatusForbidden:
		return CauseForbidden
	case StatusConnectionLost:
		return CauseConnectionLost
	case StatusConnectionClosed:
		return CauseConnectionClosed
	case StatusConnectionReplaced:
		return CauseConnectionReplaced
	case StatusBadSession:
		return CauseBadSession
	case StatusRestartRequired:
		return CauseRestartRequired
	default:
		return CauseUnknown
	}
}

// Terminal reports whether the stored credentials are no longer usable.
func (c Cause) Terminal() bool {
	switch c {
	case CauseLoggedOut, CauseBadSession, CauseConnectionReplaced, CauseForbidden:
		return true
	default:
		return false
	}
}

func (c Cause) String() string {
	switch c {
	case CauseConnectionClosed:
		return "connection_closed"
	case CauseConnectionLost:
		return "connection_lost"
	case CauseTimedOut:
		return "timed_out"
	case CauseRestartRequired:
		return "restart_required"
	case CauseLoggedOut:
		return "logged_out"
	case CauseBadSession:
		return "bad_session"
	case CauseConnectionReplaced:
		return "connection_replaced"
	case CauseForbidden:
		return "forbidden"
	default:
		return "unknown"
	}
}

// Action is what the session manager should do next.
type Action int

const (
	// ActionRetry schedules a new connection after Decision.Delay.
	ActionRetry Action = iota
	// ActionPurge tears the session down and deletes its credentials.
	ActionPurge
	// ActionGiveUp tears the session down but keeps its credentials.
	ActionGiveUp
)

func (a Action) String() string {
	switch a {
	case ActionRetry:
		return "retry"
	case ActionPurge:
		return "purge"
	case ActionGiveUp:
		return "give_up"
	default:
		return "unknown"
	}
}

type Decision struct {
	Action  Action
	Delay   time.Duration
	Attempt int
}

// Policy is a bounded exponential backoff.
type Policy struct {
	BaseDelay    time.Duration
	MaxDelay     time.Duration
	GrowthFactor float64
	MaxAttempts  int
}

const (
	DefaultBaseDelay    = 5 * time.Second
	DefaultMaxDelay     = 5 * time.Minute
	DefaultGrowthFactor = 2.0
	DefaultMaxAttempts  = 50
)

func DefaultPolicy() Policy {
	return Policy{
		BaseDelay:    DefaultBaseDelay,
		MaxDelay:     DefaultMaxDelay,
		GrowthFactor: DefaultGrowthFactor,
		MaxAttempts:  DefaultMaxAttempts,
	}
}

// Decide returns the action for a close with the given cause. attempt is the
// 1-based count of consecutive retryable closures including this one.
func (p Policy) Decide(cause Cause, attempt int) Decision {
	if cause.Terminal() {
		return Decision{Action: ActionPurge, Attempt: attempt}
	}
	if attempt < 1 {
		attempt = 1
	}
	if p.MaxAttempts > 0 && attempt > p.MaxAttempts {
		return Decision{Action: ActionGiveUp, Attempt: attempt}
	}
	return Decision{Action: ActionRetry, Delay: p.Delay(attempt), Attempt: attempt}
}

// Delay is BaseDelay * GrowthFactor^(attempt-1), capped at MaxDelay.
func (p Policy) Delay(attempt int) time.Duration {
	growth := p.GrowthFactor
	if growth < 1 {
		growth = 1
	}
	d := float64(p.BaseDelay)
	limit := float64(p.MaxDelay)
	for i := 1; i < attempt; i++ {
		d *= growth
		if p.MaxDelay > 0 && d >= limit {
			return p.MaxDelay
		}
	}
	if p.MaxDelay > 0 && d > limit {
		return p.MaxDelay
	}
	return time.Duration(d)
}
