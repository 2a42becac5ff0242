package call

import (
	"encoding/json"
	"fmt"

	"github.com/pion/webrtc/v4"
)

// DefaultSTUNServer is used when the config lists no ICE servers.
const DefaultSTUNServer = "stun:stun.l.google.com:19302"

// PionOptions configures the Pion-backed negotiator.
type PionOptions struct {
	STUNServers []string
}

// pionNegotiator implements Negotiator on a Pion PeerConnection.
type pionNegotiator struct {
	pc *webrtc.PeerConnection
}

// NewPionFactory returns a Factory producing Pion negotiators, one
// PeerConnection per call attempt.
func NewPionFactory(opts PionOptions) Factory {
	return func() (Negotiator, error) {
		return newPionNegotiator(opts)
	}
}

func newPionNegotiator(opts PionOptions) (Negotiator, error) {
	servers := opts.STUNServers
	if len(servers) == 0 {
		servers = []string{DefaultSTUNServer}
	}

	pc, err := webrtc.NewPeerConnection(webrtc.Configuration{
		ICEServers: []webrtc.ICEServer{{URLs: servers}},
	})
	if err != nil {
		return nil, fmt.Errorf("call: new peer connection: %w", err)
	}

	// A recvonly audio transceiver so CreateOffer/CreateAnswer always
	// produces a valid m-line with ICE credentials, even before any local
	// capture is attached.
	if _, err := pc.AddTransceiverFromKind(webrtc.RTPCodecTypeAudio, webrtc.RTPTransceiverInit{
		Direction: webrtc.RTPTransceiverDirectionRecvonly,
	}); err != nil {
		_ = pc.Close()
		return nil, fmt.Errorf("call: add audio transceiver: %w", err)
	}

	return &pionNegotiator{pc: pc}, nil
}

func (p *pionNegotiator) CreateOffer() (json.RawMessage, error) {
	offer, err := p.pc.CreateOffer(nil)
	if err != nil {
		return nil, err
	}
	return json.Marshal(offer)
}

func (p *pionNegotiator) CreateAnswer() (json.RawMessage, error) {
	answer, err := p.pc.CreateAnswer(nil)
	if err != nil {
		return nil, err
	}
	return json.Marshal(answer)
}

func (p *pionNegotiator) SetLocalDescription(desc json.RawMessage) error {
	var sd webrtc.SessionDescription
	if err := json.Unmarshal(desc, &sd); err != nil {
		return fmt.Errorf("decode local description: %w", err)
	}
	return p.pc.SetLocalDescription(sd)
}

func (p *pionNegotiator) SetRemoteDescription(desc json.RawMessage) error {
	var sd webrtc.SessionDescription
	if err := json.Unmarshal(desc, &sd); err != nil {
		return fmt.Errorf("decode remote description: %w", err)
	}
	return p.pc.SetRemoteDescription(sd)
}

func (p *pionNegotiator) AddCandidate(candidate json.RawMessage) error {
	var init webrtc.ICECandidateInit
	if err := json.Unmarshal(candidate, &init); err != nil {
		return fmt.Errorf("decode candidate: %w", err)
	}
	return p.pc.AddICECandidate(init)
}

func (p *pionNegotiator) OnCandidate(fn func(json.RawMessage)) {
	p.pc.OnICECandidate(func(c *webrtc.ICECandidate) {
		if c == nil {
			// End-of-candidates marker.
			return
		}
		data, err := json.Marshal(c.ToJSON())
		if err != nil {
			return
		}
		fn(data)
	})
}

func (p *pionNegotiator) OnConnectionStateChange(fn func(ConnState)) {
	p.pc.OnConnectionStateChange(func(s webrtc.PeerConnectionState) {
		switch s {
		case webrtc.PeerConnectionStateConnected:
			fn(ConnConnected)
		case webrtc.PeerConnectionStateDisconnected:
			fn(ConnDisconnected)
		case webrtc.PeerConnectionStateFailed:
			fn(ConnFailed)
		case webrtc.PeerConnectionStateClosed:
			fn(ConnClosed)
		}
	})
}

func (p *pionNegotiator) Close() error {
	return p.pc.Close()
}
