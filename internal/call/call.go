// Package call implements one negotiation instance between two peers: the
// per-call state machine, the offer/answer/candidate operations, and the
// bridge to the session-negotiation layer.
package call

import (
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"sync"

	"pubphone/internal/wire"
)

// ErrBadState reports an operation invoked in a state that does not allow it.
var ErrBadState = errors.New("call: operation not valid in current state")

// Config carries everything a Call needs at creation. Role, callId and the
// two peer IDs are fixed for the call's lifetime.
type Config struct {
	CallID   string
	CallerID string
	CalledID string
	Role     Role

	Negotiator Negotiator

	// OnState is invoked for externally visible state transitions.
	OnState func(State)
	// OnCandidate is invoked for each locally generated trickle candidate.
	OnCandidate func(json.RawMessage)
}

// Call is one in-progress negotiation. All methods are safe for concurrent
// use, though the orchestrator serializes access anyway.
type Call struct {
	CallID   string
	CallerID string
	CalledID string
	Role     Role

	neg     Negotiator
	onState func(State)

	mu        sync.Mutex
	state     State
	offered   bool
	answered  bool
	remoteSet bool
	stopped   bool
	pending   []json.RawMessage // candidates buffered until the remote description lands
}

// New wires a Call to its negotiator. Candidate and connection-state
// callbacks are registered immediately so nothing generated during setup is
// lost.
func New(cfg Config) *Call {
	c := &Call{
		CallID:   cfg.CallID,
		CallerID: cfg.CallerID,
		CalledID: cfg.CalledID,
		Role:     cfg.Role,
		neg:      cfg.Negotiator,
		onState:  cfg.OnState,
		state:    StateIdle,
	}
	if cfg.OnCandidate != nil {
		c.neg.OnCandidate(cfg.OnCandidate)
	}
	c.neg.OnConnectionStateChange(c.handleConnState)
	return c
}

// State returns the current call state.
func (c *Call) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Other returns the counterpart peer ID for this call's role.
func (c *Call) Other() string {
	if c.Role == RoleOriginator {
		return c.CalledID
	}
	return c.CallerID
}

// Matches reports whether a signaling message belongs to this call: same
// callId, same pair of peers in either direction.
func (c *Call) Matches(m *wire.Message) bool {
	if m.CallID != c.CallID {
		return false
	}
	straight := m.CallerPeerID == c.CallerID && m.CalledPeerID == c.CalledID
	flipped := m.CallerPeerID == c.CalledID && m.CalledPeerID == c.CallerID
	return straight || flipped
}

// PrepareOffer creates the local offer and applies it as the local
// description. Valid only in IDLE. The emitted RINGING state is the caller's
// own ring-back cue; negotiation failures are propagated, not retried.
func (c *Call) PrepareOffer() (json.RawMessage, error) {
	c.mu.Lock()
	if c.state != StateIdle {
		c.mu.Unlock()
		return nil, fmt.Errorf("%w: prepareOffer in %s", ErrBadState, c.state)
	}
	c.mu.Unlock()

	offer, err := c.neg.CreateOffer()
	if err != nil {
		return nil, fmt.Errorf("call %s: create offer: %w", c.CallID, err)
	}
	if err := c.neg.SetLocalDescription(offer); err != nil {
		return nil, fmt.Errorf("call %s: set local offer: %w", c.CallID, err)
	}

	c.mu.Lock()
	c.offered = true
	c.state = StateCalling
	c.mu.Unlock()

	c.emit(StateRinging)
	return offer, nil
}

// SetRemoteOffer applies the remote offer on the answer side. Valid only in
// IDLE; transitions the callee to RINGING.
func (c *Call) SetRemoteOffer(offer json.RawMessage) error {
	c.mu.Lock()
	if c.state != StateIdle {
		c.mu.Unlock()
		return fmt.Errorf("%w: setRemoteOffer in %s", ErrBadState, c.state)
	}
	c.mu.Unlock()

	if err := c.neg.SetRemoteDescription(offer); err != nil {
		return fmt.Errorf("call %s: set remote offer: %w", c.CallID, err)
	}

	c.mu.Lock()
	c.remoteSet = true
	c.state = StateRinging
	c.mu.Unlock()

	c.flushCandidates()
	return nil
}

// PrepareAnswer creates and applies the local answer. Valid only once, in
// RINGING, after SetRemoteOffer.
func (c *Call) PrepareAnswer() (json.RawMessage, error) {
	c.mu.Lock()
	if c.state != StateRinging || c.answered || !c.remoteSet {
		c.mu.Unlock()
		return nil, fmt.Errorf("%w: prepareAnswer in %s", ErrBadState, c.state)
	}
	c.mu.Unlock()

	answer, err := c.neg.CreateAnswer()
	if err != nil {
		return nil, fmt.Errorf("call %s: create answer: %w", c.CallID, err)
	}
	if err := c.neg.SetLocalDescription(answer); err != nil {
		return nil, fmt.Errorf("call %s: set local answer: %w", c.CallID, err)
	}

	c.mu.Lock()
	c.answered = true
	c.mu.Unlock()
	return answer, nil
}

// AcceptAnswer applies the remote answer. Valid only after PrepareOffer.
func (c *Call) AcceptAnswer(answer json.RawMessage) error {
	c.mu.Lock()
	if !c.offered || c.state != StateCalling {
		c.mu.Unlock()
		return fmt.Errorf("%w: acceptAnswer in %s", ErrBadState, c.state)
	}
	c.mu.Unlock()

	if err := c.neg.SetRemoteDescription(answer); err != nil {
		return fmt.Errorf("call %s: set remote answer: %w", c.CallID, err)
	}

	c.mu.Lock()
	c.remoteSet = true
	c.mu.Unlock()

	c.flushCandidates()
	return nil
}

// AcceptCandidate feeds one remote trickle candidate to the negotiation.
// Candidates arriving before the remote description are buffered and flushed
// once it lands. Valid while the call is live; dropped silently afterwards —
// trickled candidates routinely outlive teardown.
func (c *Call) AcceptCandidate(candidate json.RawMessage) error {
	c.mu.Lock()
	switch c.state {
	case StateCalling, StateRinging, StateInCall:
	default:
		c.mu.Unlock()
		return nil
	}
	if !c.remoteSet {
		c.pending = append(c.pending, candidate)
		c.mu.Unlock()
		return nil
	}
	c.mu.Unlock()

	if err := c.neg.AddCandidate(candidate); err != nil {
		return fmt.Errorf("call %s: add candidate: %w", c.CallID, err)
	}
	return nil
}

// flushCandidates feeds buffered candidates in arrival order once the
// remote description is set.
func (c *Call) flushCandidates() {
	c.mu.Lock()
	pending := c.pending
	c.pending = nil
	c.mu.Unlock()

	for _, cand := range pending {
		if err := c.neg.AddCandidate(cand); err != nil {
			log.Printf("CALL [%s]: buffered candidate rejected: %v", c.CallID, err)
		}
	}
}

// Stop releases the negotiation handle. Idempotent; does not emit a state
// event — teardown paths raise their own.
func (c *Call) Stop() {
	c.mu.Lock()
	if c.stopped {
		c.mu.Unlock()
		return
	}
	c.stopped = true
	c.state = StateEnded
	c.pending = nil
	c.mu.Unlock()

	if err := c.neg.Close(); err != nil {
		log.Printf("CALL [%s]: close negotiator: %v", c.CallID, err)
	}
}

// handleConnState maps negotiation connection-state changes onto the call
// state machine: connected promotes to IN_CALL, any terminal condition ends
// the call. ENDED is sticky.
func (c *Call) handleConnState(cs ConnState) {
	c.mu.Lock()
	if c.state == StateEnded {
		c.mu.Unlock()
		return
	}

	switch cs {
	case ConnConnected:
		if c.state == StateCalling || c.state == StateRinging {
			c.state = StateInCall
			c.mu.Unlock()
			c.emit(StateInCall)
			return
		}
		c.mu.Unlock()
	case ConnDisconnected, ConnFailed, ConnClosed:
		c.state = StateEnded
		c.mu.Unlock()
		c.emit(StateEnded)
	default:
		c.mu.Unlock()
	}
}

func (c *Call) emit(s State) {
	if c.onState != nil {
		c.onState(s)
	}
}
