package realtime

import (
	"fmt"

	"github.com/parcelsync/parcelsync.go/pkg/constants"
)

// State is the connection state of a Channel.
type State int

const (
	StateDisconnected State = iota
	StateConnecting
	StateConnected
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "Disconnected"
	case StateConnecting:
		return "Connecting"
	case StateConnected:
		return "Connected"
	default:
		return "InvalidState"
	}
}

func (s State) validateTransitionTo(newState State) error {
	switch s {
	case StateDisconnected:
		switch newState {
		case StateConnecting, StateDisconnected:
			return nil
		}
	case StateConnecting:
		switch newState {
		case StateConnected, StateDisconnected:
			return nil
		}
	case StateConnected:
		switch newState {
		// Connected to Connected confirms an open transport on handshake.
		case StateConnected, StateDisconnected:
			return nil
		}
	}

	return fmt.Errorf("%w from %v to %v", constants.ErrInvalidStateTransition, s, newState)
}
