package call

import "encoding/json"

// State is the lifecycle of one call attempt. ENDED is terminal; a new Call
// must be created for any further negotiation.
type State string

const (
	StateIdle    State = "IDLE"
	StateCalling State = "CALLING"
	StateRinging State = "RINGING"
	StateInCall  State = "IN_CALL"
	StateEnded   State = "ENDED"
)

// Role is fixed at creation and never changes for the call's lifetime.
type Role string

const (
	RoleOriginator Role = "originator"
	RoleRecipient  Role = "recipient"
)

// ConnState is the subset of negotiation connection states the call cares
// about. Intermediate states (new, connecting) are not reported.
type ConnState string

const (
	ConnConnected    ConnState = "connected"
	ConnDisconnected ConnState = "disconnected"
	ConnFailed       ConnState = "failed"
	ConnClosed       ConnState = "closed"
)

// Negotiator is the only surface the call package needs from the
// peer-to-peer session layer. Descriptions and candidates are opaque JSON;
// the call carries them between the bus and the negotiator untouched.
// The concrete Pion implementation lives in pion.go; tests use a fake.
type Negotiator interface {
	CreateOffer() (json.RawMessage, error)
	CreateAnswer() (json.RawMessage, error)
	SetLocalDescription(desc json.RawMessage) error
	SetRemoteDescription(desc json.RawMessage) error
	AddCandidate(candidate json.RawMessage) error
	OnConnectionStateChange(fn func(ConnState))
	OnCandidate(fn func(json.RawMessage))
	Close() error
}

// Factory builds a fresh Negotiator per call attempt.
type Factory func() (Negotiator, error)
