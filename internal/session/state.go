package session

import "time"

// State is the orchestrator lifecycle state.
type State int

const (
	StateIdle State = iota
	StateStarting
	StateActive
	StateStopping
)

// String returns the lower-case state name.
func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateStarting:
		return "starting"
	case StateActive:
		return "active"
	case StateStopping:
		return "stopping"
	default:
		return "unknown"
	}
}

// Info describes the current session. SessionID is empty while Idle.
type Info struct {
	SessionID string
	State     State
	StartedAt time.Time
}

// Notice is published on every state transition. Err is set when the
// transition was caused by a failure.
type Notice struct {
	State     State
	SessionID string
	Err       error
}
