package mesh

import "encoding/json"

// State is a connection's position in the lifecycle described in the
// package doc. The zero value is StateInactive.
type State int

const (
	StateInactive State = iota
	StateRetryTimeout
	StateConnecting
	StateSSLConnecting
	StateAccepting
	StateActive
	StateClosing
)

func (s State) String() string {
	switch s {
	case StateInactive:
		return "inactive"
	case StateRetryTimeout:
		return "retry_timeout"
	case StateConnecting:
		return "connecting"
	case StateSSLConnecting:
		return "ssl_connecting"
	case StateAccepting:
		return "accepting"
	case StateActive:
		return "active"
	case StateClosing:
		return "closing"
	default:
		return "unknown"
	}
}

// MarshalJSON renders the state as its name, for the debug monitor feed.
func (s State) MarshalJSON() ([]byte, error) {
	return json.Marshal(s.String())
}
