// Package phone is the call orchestrator: it enforces the single-active-call
// invariant, routes inbound signaling to the active call or answers it with
// a protocol-level REJECT, drives outbound signaling, and raises lifecycle
// events for the layers above.
package phone

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"

	"pubphone/internal/call"
	"pubphone/internal/wire"
)

var (
	// ErrBusy reports a Dial while a call already exists. Dialing while busy
	// is a caller-side programming error, refused at the API boundary rather
	// than modeled in the protocol.
	ErrBusy = errors.New("phone: a call is already active")
	// ErrNoCall reports Answer/Reject with no active call.
	ErrNoCall = errors.New("phone: no active call")
	// ErrBadState reports Answer/Reject on a call that is not ringing.
	ErrBadState = errors.New("phone: call is not ringing")
	// ErrStopped reports an API call after the phone shut down.
	ErrStopped = errors.New("phone: stopped")
)

// Signaler is the surface the orchestrator needs from the bus adapter.
// bus.Bus satisfies it; tests use an in-memory pair.
type Signaler interface {
	LocalID() string
	Start(ctx context.Context) error
	Stop()
	Messages() <-chan *wire.Message
	SendDial(ctx context.Context, m wire.Message) error
	SendRinging(ctx context.Context, m wire.Message) error
	SendAnswer(ctx context.Context, m wire.Message) error
	SendCandidate(ctx context.Context, m wire.Message) error
	SendReject(ctx context.Context, m wire.Message) error
	SendBye(ctx context.Context, m wire.Message) error
}

// Policy holds the behavior knobs that vary across deployments. It can be
// swapped at runtime via SetPolicy (config hot reload).
type Policy struct {
	// RingingMismatchReject: counter-signal REJECT when a RINGING message
	// does not match the active call, instead of silently dropping it.
	RingingMismatchReject bool
}

// Options wires a Phone.
type Options struct {
	Bus     Signaler
	Number  string // local phone-style number, advertised on DIAL
	Factory call.Factory
	Policy  Policy
}

// eventCap bounds the outbound event buffer; a slow consumer loses events
// rather than stalling signaling.
const eventCap = 16

// candidateTimeout bounds the publish of one trickle candidate.
const candidateTimeout = 5 * time.Second

// Phone owns the single active call slot. All inbound bus messages, API
// calls, and negotiation callbacks are serialized through one dispatch
// goroutine — that serialization is the concurrency control.
type Phone struct {
	bus     Signaler
	selfID  string
	number  string
	factory call.Factory

	tasks  chan func()
	done   chan struct{}
	events chan Event

	startMu sync.Mutex
	started bool
	stop    sync.Once

	polMu  sync.RWMutex
	policy Policy

	// Loop-owned state; never touched outside the dispatch goroutine.
	active *call.Call
}

func New(opts Options) *Phone {
	return &Phone{
		bus:     opts.Bus,
		selfID:  opts.Bus.LocalID(),
		number:  opts.Number,
		factory: opts.Factory,
		policy:  opts.Policy,
		tasks:   make(chan func(), 32),
		done:    make(chan struct{}),
		events:  make(chan Event, eventCap),
	}
}

// Events is the stream of lifecycle notifications (ringing, incoming,
// connected, ended).
func (p *Phone) Events() <-chan Event {
	return p.events
}

// SetPolicy swaps the runtime policy.
func (p *Phone) SetPolicy(pol Policy) {
	p.polMu.Lock()
	p.policy = pol
	p.polMu.Unlock()
}

func (p *Phone) getPolicy() Policy {
	p.polMu.RLock()
	defer p.polMu.RUnlock()
	return p.policy
}

// Start subscribes the bus and launches the dispatch loop. Idempotent.
func (p *Phone) Start(ctx context.Context) error {
	p.startMu.Lock()
	defer p.startMu.Unlock()
	if p.started {
		return nil
	}
	if err := p.bus.Start(ctx); err != nil {
		return err
	}
	p.started = true
	go p.run(ctx)
	return nil
}

// Stop unsubscribes the bus, then shuts the dispatch loop down, which
// releases the active call. Idempotent.
func (p *Phone) Stop() {
	p.stop.Do(func() {
		p.bus.Stop()
		close(p.done)
	})
}

func (p *Phone) run(ctx context.Context) {
	defer func() {
		if p.active != nil {
			p.active.Stop()
			p.active = nil
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return
		case <-p.done:
			return
		case m, ok := <-p.bus.Messages():
			if !ok {
				return
			}
			p.handleMessage(ctx, m)
		case fn := <-p.tasks:
			fn()
		}
	}
}

// do runs fn on the dispatch goroutine and waits for its result.
func (p *Phone) do(ctx context.Context, fn func() error) error {
	reply := make(chan error, 1)
	select {
	case p.tasks <- func() { reply <- fn() }:
	case <-p.done:
		return ErrStopped
	case <-ctx.Done():
		return ctx.Err()
	}
	// The loop may have exited after accepting the task; don't wait on a
	// reply nobody will send.
	select {
	case err := <-reply:
		return err
	case <-p.done:
		return ErrStopped
	case <-ctx.Done():
		return ctx.Err()
	}
}

// post schedules fn on the dispatch goroutine without waiting. Used by
// negotiation callbacks that fire on foreign goroutines.
func (p *Phone) post(fn func()) {
	select {
	case p.tasks <- fn:
	case <-p.done:
	}
}

// ── User actions ─────────────────────────────────────────────────────────────

// Dial starts an outbound call to peerID: fresh callId, originator-role call,
// local offer, and a DIAL carrying the offer and the local number.
func (p *Phone) Dial(ctx context.Context, peerID string) error {
	return p.do(ctx, func() error {
		if p.active != nil {
			return ErrBusy
		}

		callID := uuid.NewString()
		c, err := p.newCall(callID, p.selfID, peerID, call.RoleOriginator)
		if err != nil {
			return err
		}

		offer, err := c.PrepareOffer()
		if err != nil {
			c.Stop()
			return err
		}
		p.active = c

		log.Printf("PHONE: dialing %s call=%s", short(peerID), callID)
		return p.bus.SendDial(ctx, wire.Message{
			CallID:       callID,
			CallerPeerID: p.selfID,
			CalledPeerID: peerID,
			CallerNumber: p.number,
			WebRTCData:   offer,
			Recipient:    peerID,
		})
	})
}

// Answer accepts the ringing inbound call: produces the answer and publishes
// ANSWER to the caller.
func (p *Phone) Answer(ctx context.Context) error {
	return p.do(ctx, func() error {
		c := p.active
		if c == nil {
			return ErrNoCall
		}
		if c.Role != call.RoleRecipient || c.State() != call.StateRinging {
			return ErrBadState
		}

		answer, err := c.PrepareAnswer()
		if err != nil {
			return err
		}

		log.Printf("PHONE: answered call=%s", c.CallID)
		return p.bus.SendAnswer(ctx, wire.Message{
			CallID:       c.CallID,
			CallerPeerID: c.CallerID,
			CalledPeerID: c.CalledID,
			WebRTCData:   answer,
			Recipient:    c.Other(),
		})
	})
}

// Reject declines the ringing inbound call: publishes REJECT and discards
// the call without ever answering.
func (p *Phone) Reject(ctx context.Context) error {
	return p.do(ctx, func() error {
		c := p.active
		if c == nil {
			return ErrNoCall
		}
		if c.Role != call.RoleRecipient || c.State() != call.StateRinging {
			return ErrBadState
		}

		err := p.bus.SendReject(ctx, wire.Message{
			CallID:       c.CallID,
			CallerPeerID: c.CallerID,
			CalledPeerID: c.CalledID,
			Recipient:    c.Other(),
		})
		p.discard()
		p.emit(Event{Kind: EventHangup, Local: true})
		log.Printf("PHONE: rejected call=%s", c.CallID)
		return err
	})
}

// Hangup ends the active call: publishes BYE to the counterpart and tears
// the call down. With no active call it is a no-op with a warning.
func (p *Phone) Hangup(ctx context.Context) error {
	return p.do(ctx, func() error {
		c := p.active
		if c == nil {
			log.Printf("PHONE: hangup with no active call, ignoring")
			return nil
		}

		// Local hangdown must not fail on a transport error; log and
		// proceed with teardown.
		if err := p.bus.SendBye(ctx, wire.Message{
			CallID:       c.CallID,
			CallerPeerID: c.CallerID,
			CalledPeerID: c.CalledID,
			Recipient:    c.Other(),
		}); err != nil {
			log.Printf("PHONE: bye publish failed: %v", err)
		}
		p.discard()
		p.emit(Event{Kind: EventHangup, Local: true})
		log.Printf("PHONE: hung up call=%s", c.CallID)
		return nil
	})
}

// ── Inbound message dispatch (runs on the dispatch goroutine) ────────────────

func (p *Phone) handleMessage(ctx context.Context, m *wire.Message) {
	switch m.Type {
	case wire.TypeDial:
		p.handleDial(ctx, m)
	case wire.TypeRinging:
		p.handleRinging(ctx, m)
	case wire.TypeAnswer:
		p.handleAnswer(ctx, m)
	case wire.TypeCandidate:
		p.handleCandidate(ctx, m)
	case wire.TypeReject, wire.TypeBye:
		p.handleEnd(m)
	}
}

// handleDial admits an inbound call, or answers with a busy REJECT when a
// different call is already active.
func (p *Phone) handleDial(ctx context.Context, m *wire.Message) {
	if p.active != nil && p.active.Matches(m) {
		log.Printf("PHONE: duplicate DIAL for active call, ignoring")
		return
	}
	if p.active != nil {
		log.Printf("PHONE: DIAL while busy, rejecting call=%s", m.CallID)
		p.counterReject(ctx, m)
		return
	}
	if !m.HasPayload() {
		log.Printf("PHONE: DIAL without offer, dropping call=%s", m.CallID)
		return
	}

	c, err := p.newCall(m.CallID, m.CallerPeerID, m.CalledPeerID, call.RoleRecipient)
	if err != nil {
		log.Printf("PHONE: admit call=%s: %v", m.CallID, err)
		p.counterReject(ctx, m)
		return
	}
	if err := c.SetRemoteOffer(m.WebRTCData); err != nil {
		log.Printf("PHONE: admit call=%s: %v", m.CallID, err)
		c.Stop()
		p.counterReject(ctx, m)
		return
	}
	p.active = c

	if err := p.bus.SendRinging(ctx, wire.Message{
		CallID:       c.CallID,
		CallerPeerID: c.CallerID,
		CalledPeerID: c.CalledID,
		Recipient:    c.Other(),
	}); err != nil {
		log.Printf("PHONE: ringing publish failed: %v", err)
	}

	p.emit(Event{
		Kind:         EventIncoming,
		CallID:       c.CallID,
		CallerID:     c.CallerID,
		CallerNumber: m.CallerNumber,
	})
	log.Printf("PHONE: incoming call=%s from %s", c.CallID, short(c.CallerID))
}

// handleRinging: remote acknowledged our DIAL. Mismatches are dropped, or
// counter-rejected when the policy says so.
func (p *Phone) handleRinging(ctx context.Context, m *wire.Message) {
	if p.active == nil {
		log.Printf("PHONE: stale RINGING call=%s, ignoring", m.CallID)
		return
	}
	if !p.active.Matches(m) {
		if p.getPolicy().RingingMismatchReject {
			p.counterReject(ctx, m)
		} else {
			log.Printf("PHONE: RINGING for foreign call=%s, ignoring", m.CallID)
		}
		return
	}
	p.emit(Event{Kind: EventState, State: call.StateRinging})
}

func (p *Phone) handleAnswer(ctx context.Context, m *wire.Message) {
	if p.active == nil {
		log.Printf("PHONE: ANSWER with no active call, ignoring")
		return
	}
	if !p.active.Matches(m) {
		log.Printf("PHONE: ANSWER for foreign call=%s, rejecting", m.CallID)
		p.counterReject(ctx, m)
		return
	}
	if !m.HasPayload() {
		log.Printf("PHONE: ANSWER without payload, ignoring")
		return
	}
	if err := p.active.AcceptAnswer(m.WebRTCData); err != nil {
		log.Printf("PHONE: accept answer: %v", err)
	}
}

func (p *Phone) handleCandidate(ctx context.Context, m *wire.Message) {
	if p.active == nil {
		// Trickled candidates routinely outlive teardown; not an error.
		return
	}
	if !p.active.Matches(m) {
		p.counterReject(ctx, m)
		return
	}
	if !m.HasPayload() {
		return
	}
	if err := p.active.AcceptCandidate(m.WebRTCData); err != nil {
		log.Printf("PHONE: accept candidate: %v", err)
	}
}

// handleEnd performs local hangdown on REJECT/BYE. A message that explicitly
// mismatches a different active call must not terminate it.
func (p *Phone) handleEnd(m *wire.Message) {
	if p.active == nil {
		return
	}
	if !p.active.Matches(m) {
		log.Printf("PHONE: %s for foreign call=%s, ignoring", m.Type, m.CallID)
		return
	}
	log.Printf("PHONE: remote ended call=%s (%s)", m.CallID, m.Type)
	p.discard()
	p.emit(Event{Kind: EventHangup, Local: false})
}

// ── Helpers (dispatch goroutine only) ────────────────────────────────────────

// newCall builds a Call over a fresh negotiator, wiring its callbacks back
// into the dispatch queue so everything stays serialized.
func (p *Phone) newCall(callID, callerID, calledID string, role call.Role) (*call.Call, error) {
	neg, err := p.factory()
	if err != nil {
		return nil, err
	}

	var c *call.Call
	c = call.New(call.Config{
		CallID:     callID,
		CallerID:   callerID,
		CalledID:   calledID,
		Role:       role,
		Negotiator: neg,
		OnState: func(s call.State) {
			p.post(func() { p.onCallState(c, s) })
		},
		OnCandidate: func(cand json.RawMessage) {
			p.post(func() { p.onLocalCandidate(c, cand) })
		},
	})
	return c, nil
}

// onCallState forwards call-state transitions as events and reaps the call
// when the negotiation dies underneath it.
func (p *Phone) onCallState(c *call.Call, s call.State) {
	if p.active != c {
		return
	}
	p.emit(Event{Kind: EventState, State: s})
	if s == call.StateEnded {
		p.discard()
	}
}

// onLocalCandidate publishes one locally generated trickle candidate,
// addressed to the call's counterpart.
func (p *Phone) onLocalCandidate(c *call.Call, cand json.RawMessage) {
	if p.active != c {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), candidateTimeout)
	defer cancel()
	if err := p.bus.SendCandidate(ctx, wire.Message{
		CallID:       c.CallID,
		CallerPeerID: c.CallerID,
		CalledPeerID: c.CalledID,
		WebRTCData:   cand,
		Recipient:    c.Other(),
	}); err != nil {
		log.Printf("PHONE: candidate publish failed: %v", err)
	}
}

// counterReject answers an unwanted message with a REJECT that echoes the
// foreign call's identifiers, addressed to whichever participant isn't us.
func (p *Phone) counterReject(ctx context.Context, m *wire.Message) {
	recipient := m.Other(p.selfID)
	if recipient == "" {
		recipient = m.CallerPeerID
	}
	if err := p.bus.SendReject(ctx, wire.Message{
		CallID:       m.CallID,
		CallerPeerID: m.CallerPeerID,
		CalledPeerID: m.CalledPeerID,
		Recipient:    recipient,
	}); err != nil {
		log.Printf("PHONE: reject publish failed: %v", err)
	}
}

// discard stops and drops the active call.
func (p *Phone) discard() {
	if p.active == nil {
		return
	}
	p.active.Stop()
	p.active = nil
}

func (p *Phone) emit(e Event) {
	select {
	case p.events <- e:
	default:
		log.Printf("PHONE: event buffer full, dropping %s", e.Kind)
	}
}

func short(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}
