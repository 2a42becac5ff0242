// Package wire defines the signaling wire schema shared by every peer on the
// broadcast topic, and its JSON codec.
package wire

import (
	"encoding/json"
	"errors"
	"fmt"
)

// DefaultTopic is the well-known pubsub topic all phones share.
const DefaultTopic = "phone.signaling.v1"

// Type identifies a signaling message. The set is closed; decoders reject
// anything else.
type Type string

const (
	TypeDial      Type = "DIAL"
	TypeRinging   Type = "RINGING"
	TypeCandidate Type = "CANDIDATE"
	TypeAnswer    Type = "ANSWER"
	TypeReject    Type = "REJECT"
	TypeBye       Type = "BYE"
)

// ErrMalformed reports a payload that failed to decode or is missing
// required fields. The bus drops such messages without surfacing them.
var ErrMalformed = errors.New("wire: malformed signaling message")

// Message is the wire unit exchanged on the signaling topic. Every real
// message carries both peer IDs and a call ID; callId scopes a single call
// attempt so concurrent unrelated calls never cross-interpret each other.
type Message struct {
	Type         Type            `json:"messageType"`
	CallID       string          `json:"callId"`
	CallerPeerID string          `json:"callerPeerId"`
	CalledPeerID string          `json:"calledPeerId"`
	CallerNumber string          `json:"callerPhoneNumber,omitempty"`
	Recipient    string          `json:"recipient,omitempty"`
	WebRTCData   json.RawMessage `json:"webrtcData,omitempty"`
}

// Other returns the counterpart peer ID relative to localID, or "" when
// localID is neither participant.
func (m *Message) Other(localID string) string {
	switch localID {
	case m.CallerPeerID:
		return m.CalledPeerID
	case m.CalledPeerID:
		return m.CallerPeerID
	}
	return ""
}

// HasPayload reports whether the message carries a non-empty negotiation payload.
func (m *Message) HasPayload() bool {
	return len(m.WebRTCData) > 0 && string(m.WebRTCData) != "null"
}

func validType(t Type) bool {
	switch t {
	case TypeDial, TypeRinging, TypeCandidate, TypeAnswer, TypeReject, TypeBye:
		return true
	}
	return false
}

// Validate checks the required-field invariant.
func (m *Message) Validate() error {
	if !validType(m.Type) {
		return fmt.Errorf("%w: unknown type %q", ErrMalformed, m.Type)
	}
	if m.CallID == "" || m.CallerPeerID == "" || m.CalledPeerID == "" {
		return fmt.Errorf("%w: missing required fields (type=%s)", ErrMalformed, m.Type)
	}
	return nil
}

// Decode parses a raw payload. Unknown JSON fields are ignored for forward
// compatibility; missing required fields fail with ErrMalformed.
func Decode(data []byte) (*Message, error) {
	var m Message
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	if err := m.Validate(); err != nil {
		return nil, err
	}
	return &m, nil
}

// Encode serializes a message for publication.
func Encode(m *Message) ([]byte, error) {
	if err := m.Validate(); err != nil {
		return nil, err
	}
	return json.Marshal(m)
}
