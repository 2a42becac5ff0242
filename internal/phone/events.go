package phone

import "pubphone/internal/call"

// EventKind discriminates the events the phone raises for the UI/audio layer.
type EventKind string

const (
	// EventState carries a call-state transition (ring-back, in-call, ended).
	EventState EventKind = "call:state"
	// EventIncoming announces an admitted inbound call awaiting Answer/Reject.
	EventIncoming EventKind = "incomingCall"
	// EventHangup reports call teardown; Local tells who initiated it.
	EventHangup EventKind = "hangup"
)

// Event is one phone lifecycle notification.
type Event struct {
	Kind EventKind

	// EventState
	State call.State

	// EventIncoming
	CallID       string
	CallerID     string
	CallerNumber string

	// EventHangup
	Local bool
}
