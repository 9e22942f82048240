package session

import (
	"errors"
	"fmt"
)

// State is a PeerSession lifecycle state.
type State int

const (
	StateInit State = iota
	StateHandshaking
	StateExchangingProfiles
	StateScoring
	StateLearning
	StateCommitting
	StateCompleted
	StateFailed
)

var stateNames = [...]string{
	"init",
	"handshaking",
	"exchanging_profiles",
	"scoring",
	"learning",
	"committing",
	"completed",
	"failed",
}

func (s State) String() string {
	if s < 0 || int(s) >= len(stateNames) {
		return fmt.Sprintf("state(%d)", int(s))
	}
	return stateNames[s]
}

// Terminal reports whether no further transitions are possible.
func (s State) Terminal() bool { return s == StateCompleted || s == StateFailed }

var (
	ErrVersionMismatch       = errors.New("protocol version mismatch")
	ErrTimeout               = errors.New("session timed out")
	ErrMalformedPayload      = errors.New("malformed payload")
	ErrConflictExhausted     = errors.New("profile conflict persisted after retry")
	ErrTransportDisconnected = errors.New("transport disconnected")
	// ErrCancelled marks sessions aborted by shutdown. They emit no metrics.
	ErrCancelled = errors.New("session cancelled")
)

// Error records the state a session was in when it failed.
type Error struct {
	State State
	Err   error
}

func (e *Error) Error() string {
	return fmt.Sprintf("session failed while %s: %v", e.State, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }
