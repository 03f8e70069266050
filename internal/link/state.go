package link

import (
	"fmt"
	"time"
)

// State is the connection state of a Link.
type State int

const (
	Disconnected State = iota
	Connecting
	Connected
	Failed
)

var stateNames = [...]string{"disconnected", "connecting", "connected", "failed"}

func (s State) String() string {
	if s < 0 || int(s) >= len(stateNames) {
		return fmt.Sprintf("state(%d)", int(s))
	}
	return stateNames[s]
}

// MarshalText renders the state by name.
func (s State) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// UnmarshalText parses a state name.
func (s *State) UnmarshalText(text []byte) error {
	for i, name := range stateNames {
		if name == string(text) {
			*s = State(i)
			return nil
		}
	}
	return fmt.Errorf("unknown link state %q", text)
}

// Status is a snapshot of a Link.
type Status struct {
	State State `json:"state"`
	// Reason explains a Failed state.
	Reason  string `json:"reason,omitempty"`
	Address string `json:"address,omitempty"`
	// Session identifies the current connect attempt.
	Session string    `json:"session,omitempty"`
	Since   time.Time `json:"since"`
	// Sent is the sequence number of the last message handed to the transport.
	Sent uint64 `json:"sent"`
	// Version increases with every transition.
	Version uint64 `json:"version"`
}

// Message is an outbound payload with its send sequence number.
type Message struct {
	Seq     uint64
	Payload []byte
}
