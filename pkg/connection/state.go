package connection

import (
	"errors"
	"fmt"
)

// State is the lifecycle state of the connection.
type State int

const (
	// Disconnected is the initial state and the result of Disconnect.
	Disconnected State = iota
	// Connecting is the initial connect, including backoff between attempts.
	Connecting
	// Connected means a stream is open and the read loop is running.
	Connected
	// Reconnecting follows the loss of an established stream.
	Reconnecting
	// Failed is reached when every attempt was exhausted. It is left only by
	// an explicit Connect or Disconnect.
	Failed
)

// String returns the string representation of the state
func (s State) String() string {
	switch s {
	case Disconnected:
		return "disconnected"
	case Connecting:
		return "connecting"
	case Connected:
		return "connected"
	case Reconnecting:
		return "reconnecting"
	case Failed:
		return "failed"
	default:
		return "unknown"
	}
}

// MarshalText renders the state by name in JSON and YAML output.
func (s State) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// ErrIllegalTransition is wrapped by every TransitionError.
var ErrIllegalTransition = errors.New("illegal state transition")

// TransitionError reports a rejected state change.
type TransitionError struct {
	From State
	To   State
}

func (e *TransitionError) Error() string {
	return fmt.Sprintf("connection: %s -> %s: %v", e.From, e.To, ErrIllegalTransition)
}

func (e *TransitionError) Unwrap() error { return ErrIllegalTransition }

// transitions lists every legal edge. Connecting -> Connecting is a failed
// attempt with attempts remaining.
var transitions = map[State][]State{
	Disconnected: {Connecting},
	Connecting:   {Connecting, Connected, Failed, Disconnected},
	Connected:    {Reconnecting, Disconnected},
	Reconnecting: {Connected, Failed, Disconnected},
	Failed:       {Connecting, Disconnected},
}

// CanTransition reports whether from -> to is a legal edge.
func CanTransition(from, to State) bool {
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// Observer is notified after every state change. err carries the failure
// that caused the change, if any.
type Observer func(from, to State, err error)
