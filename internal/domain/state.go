package domain

import "time"

// State is the user-facing availability of the live stream.
type State string

const (
	StateOffline    State = "offline"
	StateReady      State = "ready"
	StateConnecting State = "connecting"
	StateLive       State = "live"
	StateError      State = "error"
)

func (s State) String() string { return string(s) }

// States lists every State in display order.
var States = []State{StateOffline, StateReady, StateConnecting, StateLive, StateError}

// Transition records a single state change.
type Transition struct {
	From      State     `json:"from"`
	To        State     `json:"to"`
	At        time.Time `json:"at"`
	SessionID string    `json:"session_id,omitempty"`
	Error     string    `json:"error,omitempty"`
}
