package janus

// SessionState is the lifecycle phase of a Session.
type SessionState int

const (
	SessionConnecting SessionState = iota
	SessionConnected
	SessionDestroying
	SessionDestroyed
)

func (s SessionState) String() string {
	switch s {
	case SessionConnecting:
		return "connecting"
	case SessionConnected:
		return "connected"
	case SessionDestroying:
		return "destroying"
	case SessionDestroyed:
		return "destroyed"
	default:
		return "unknown"
	}
}

// terminating reports whether the session is being or has been torn down.
func (s SessionState) terminating() bool {
	return s == SessionDestroying || s == SessionDestroyed
}

var sessionTransitions = map[SessionState][]SessionState{
	SessionConnecting: {SessionConnected, SessionDestroying},
	SessionConnected:  {SessionDestroying},
	SessionDestroying: {SessionDestroyed},
}

func (s SessionState) canTransition(to SessionState) bool {
	for _, next := range sessionTransitions[s] {
		if next == to {
			return true
		}
	}
	return false
}

// HandleState is the lifecycle phase of a Handle.
type HandleState int

const (
	HandleAttached HandleState = iota
	HandleDestroying
	HandleDestroyed
)

func (s HandleState) String() string {
	switch s {
	case HandleAttached:
		return "attached"
	case HandleDestroying:
		return "destroying"
	case HandleDestroyed:
		return "destroyed"
	default:
		return "unknown"
	}
}

var handleTransitions = map[HandleState][]HandleState{
	HandleAttached:   {HandleDestroying},
	HandleDestroying: {HandleDestroyed},
}

func (s HandleState) canTransition(to HandleState) bool {
	for _, next := range handleTransitions[s] {
		if next == to {
			return true
		}
	}
	return false
}
