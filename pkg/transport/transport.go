// Package transport defines the session channel the audio pipeline sends
// encoded payloads through and receives them from.
//
// A [Channel] is established once per process. Its connectivity is reported
// as a [State]; any terminal state ends the session for good.
package transport

import "context"

// State is the connectivity state of a [Channel].
type State int

const (
	// StateNew is the state of a channel that has not started connecting.
	StateNew State = iota

	// StateConnecting means negotiation or connectivity checks are in progress.
	StateConnecting

	// StateConnected means payloads can flow in both directions.
	StateConnected

	// StateDisconnected means connectivity was lost.
	StateDisconnected

	// StateClosed means the channel was shut down.
	StateClosed

	// StateFailed means connectivity could not be established or recovered.
	StateFailed
)

// String returns the human-readable name of the state.
func (s State) String() string {
	switch s {
	case StateNew:
		return "NEW"
	case StateConnecting:
		return "CONNECTING"
	case StateConnected:
		return "CONNECTED"
	case StateDisconnected:
		return "DISCONNECTED"
	case StateClosed:
		return "CLOSED"
	case StateFailed:
		return "FAILED"
	default:
		return "UNKNOWN"
	}
}

// Terminal reports whether s ends the session. The only way out of a
// terminal state is a process restart.
func (s State) Terminal() bool {
	return s == StateDisconnected || s == StateClosed || s == StateFailed
}

// Channel carries encoded audio between this device and its remote peer.
//
// Implementations must be safe for concurrent use: Send is called from the
// capture task while the audio callback runs on the channel's own receive
// goroutine.
type Channel interface {
	// Open negotiates the session. It returns once the remote description is
	// applied; connectivity is reported later through OnStateChange.
	Open(ctx context.Context) error

	// Send transmits one encoded payload.
	Send(payload []byte) error

	// OnAudio registers the callback that receives inbound payloads. It is
	// invoked sequentially on a single goroutine. Only one callback is kept.
	OnAudio(cb func(payload []byte))

	// OnStateChange registers the callback for connectivity changes. Only one
	// callback is kept.
	OnStateChange(cb func(State))

	// Close tears down the channel. Calling it more than once is a no-op.
	Close() error
}
