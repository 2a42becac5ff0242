package call

import (
	"encoding/json"
	"errors"
	"testing"

	"pubphone/internal/wire"
)

// fakeNeg is a test helper recording every negotiation interaction.
type fakeNeg struct {
	offer  json.RawMessage
	answer json.RawMessage

	locals  []json.RawMessage
	remotes []json.RawMessage
	added   []json.RawMessage
	closed  int

	connCb func(ConnState)
	candCb func(json.RawMessage)

	failRemote error
	failAdd    error
}

func newFakeNeg() *fakeNeg {
	return &fakeNeg{
		offer:  json.RawMessage(`{"type":"offer","sdp":"v=0 offer"}`),
		answer: json.RawMessage(`{"type":"answer","sdp":"v=0 answer"}`),
	}
}

func (f *fakeNeg) CreateOffer() (json.RawMessage, error)  { return f.offer, nil }
func (f *fakeNeg) CreateAnswer() (json.RawMessage, error) { return f.answer, nil }

func (f *fakeNeg) SetLocalDescription(desc json.RawMessage) error {
	f.locals = append(f.locals, desc)
	return nil
}

func (f *fakeNeg) SetRemoteDescription(desc json.RawMessage) error {
	if f.failRemote != nil {
		return f.failRemote
	}
	f.remotes = append(f.remotes, desc)
	return nil
}

func (f *fakeNeg) AddCandidate(candidate json.RawMessage) error {
	if f.failAdd != nil {
		return f.failAdd
	}
	f.added = append(f.added, candidate)
	return nil
}

func (f *fakeNeg) OnConnectionStateChange(fn func(ConnState)) { f.connCb = fn }
func (f *fakeNeg) OnCandidate(fn func(json.RawMessage))       { f.candCb = fn }
func (f *fakeNeg) Close() error                               { f.closed++; return nil }

func newTestCall(neg *fakeNeg, role Role, onState func(State)) *Call {
	return New(Config{
		CallID:     "call-1",
		CallerID:   "peerA",
		CalledID:   "peerB",
		Role:       role,
		Negotiator: neg,
		OnState:    onState,
	})
}

func TestOriginatorOfferFlow(t *testing.T) {
	neg := newFakeNeg()
	var states []State
	c := newTestCall(neg, RoleOriginator, func(s State) { states = append(states, s) })

	offer, err := c.PrepareOffer()
	if err != nil {
		t.Fatal(err)
	}
	if string(offer) != string(neg.offer) {
		t.Fatalf("offer not passed through: %s", offer)
	}
	if len(neg.locals) != 1 {
		t.Fatalf("expected one local description, got %d", len(neg.locals))
	}
	if c.State() != StateCalling {
		t.Fatalf("expected CALLING, got %s", c.State())
	}
	// The originator hears ring-back immediately.
	if len(states) != 1 || states[0] != StateRinging {
		t.Fatalf("expected one RINGING event, got %v", states)
	}

	// A second offer on the same call is a state error.
	if _, err := c.PrepareOffer(); !errors.Is(err, ErrBadState) {
		t.Fatalf("expected ErrBadState, got %v", err)
	}

	// Remote answer completes the exchange.
	if err := c.AcceptAnswer(neg.answer); err != nil {
		t.Fatal(err)
	}
	if len(neg.remotes) != 1 {
		t.Fatalf("expected one remote description, got %d", len(neg.remotes))
	}
}

func TestRecipientAnswerFlow(t *testing.T) {
	neg := newFakeNeg()
	c := newTestCall(neg, RoleRecipient, nil)

	// Answer before any offer is a state error.
	if _, err := c.PrepareAnswer(); !errors.Is(err, ErrBadState) {
		t.Fatalf("expected ErrBadState, got %v", err)
	}

	if err := c.SetRemoteOffer(neg.offer); err != nil {
		t.Fatal(err)
	}
	if c.State() != StateRinging {
		t.Fatalf("expected RINGING, got %s", c.State())
	}

	answer, err := c.PrepareAnswer()
	if err != nil {
		t.Fatal(err)
	}
	if string(answer) != string(neg.answer) {
		t.Fatalf("answer not passed through: %s", answer)
	}

	// Answering twice is refused.
	if _, err := c.PrepareAnswer(); !errors.Is(err, ErrBadState) {
		t.Fatalf("expected ErrBadState on second answer, got %v", err)
	}
}

func TestAcceptAnswerRequiresOffer(t *testing.T) {
	c := newTestCall(newFakeNeg(), RoleOriginator, nil)
	if err := c.AcceptAnswer(json.RawMessage(`{}`)); !errors.Is(err, ErrBadState) {
		t.Fatalf("expected ErrBadState, got %v", err)
	}
}

func TestCandidatesBufferedUntilRemoteDescription(t *testing.T) {
	neg := newFakeNeg()
	c := newTestCall(neg, RoleOriginator, nil)

	if _, err := c.PrepareOffer(); err != nil {
		t.Fatal(err)
	}

	// Candidates racing ahead of the answer must not hit the negotiator yet.
	c1 := json.RawMessage(`{"candidate":"one"}`)
	c2 := json.RawMessage(`{"candidate":"two"}`)
	if err := c.AcceptCandidate(c1); err != nil {
		t.Fatal(err)
	}
	if err := c.AcceptCandidate(c2); err != nil {
		t.Fatal(err)
	}
	if len(neg.added) != 0 {
		t.Fatalf("candidates applied before remote description: %d", len(neg.added))
	}

	// The answer flushes the buffer in arrival order.
	if err := c.AcceptAnswer(neg.answer); err != nil {
		t.Fatal(err)
	}
	if len(neg.added) != 2 {
		t.Fatalf("expected 2 flushed candidates, got %d", len(neg.added))
	}
	if string(neg.added[0]) != string(c1) || string(neg.added[1]) != string(c2) {
		t.Fatalf("flush order broken: %s, %s", neg.added[0], neg.added[1])
	}

	// Later candidates go straight through.
	c3 := json.RawMessage(`{"candidate":"three"}`)
	if err := c.AcceptCandidate(c3); err != nil {
		t.Fatal(err)
	}
	if len(neg.added) != 3 {
		t.Fatalf("expected 3 candidates, got %d", len(neg.added))
	}
}

func TestCandidatesDroppedAfterEnd(t *testing.T) {
	neg := newFakeNeg()
	c := newTestCall(neg, RoleOriginator, nil)
	c.Stop()

	if err := c.AcceptCandidate(json.RawMessage(`{}`)); err != nil {
		t.Fatalf("late candidate must be a silent no-op, got %v", err)
	}
	if len(neg.added) != 0 {
		t.Fatal("candidate applied after teardown")
	}
}

func TestMatches(t *testing.T) {
	c := newTestCall(newFakeNeg(), RoleOriginator, nil)

	ok := &wire.Message{CallID: "call-1", CallerPeerID: "peerA", CalledPeerID: "peerB"}
	if !c.Matches(ok) {
		t.Fatal("straight direction should match")
	}
	flipped := &wire.Message{CallID: "call-1", CallerPeerID: "peerB", CalledPeerID: "peerA"}
	if !c.Matches(flipped) {
		t.Fatal("flipped direction should match")
	}
	wrongCall := &wire.Message{CallID: "call-2", CallerPeerID: "peerA", CalledPeerID: "peerB"}
	if c.Matches(wrongCall) {
		t.Fatal("different callId must not match")
	}
	wrongPeer := &wire.Message{CallID: "call-1", CallerPeerID: "peerA", CalledPeerID: "peerC"}
	if c.Matches(wrongPeer) {
		t.Fatal("different peer pair must not match")
	}
}

func TestStopIsIdempotent(t *testing.T) {
	neg := newFakeNeg()
	c := newTestCall(neg, RoleOriginator, nil)

	c.Stop()
	c.Stop()
	if neg.closed != 1 {
		t.Fatalf("expected one close, got %d", neg.closed)
	}
	if c.State() != StateEnded {
		t.Fatalf("expected ENDED, got %s", c.State())
	}
}

func TestConnectionStateMapping(t *testing.T) {
	t.Run("connected promotes to in-call", func(t *testing.T) {
		neg := newFakeNeg()
		var states []State
		c := newTestCall(neg, RoleOriginator, func(s State) { states = append(states, s) })
		if _, err := c.PrepareOffer(); err != nil {
			t.Fatal(err)
		}

		neg.connCb(ConnConnected)
		if c.State() != StateInCall {
			t.Fatalf("expected IN_CALL, got %s", c.State())
		}
		if states[len(states)-1] != StateInCall {
			t.Fatalf("expected IN_CALL event, got %v", states)
		}
	})

	t.Run("failure ends the call", func(t *testing.T) {
		neg := newFakeNeg()
		var states []State
		c := newTestCall(neg, RoleOriginator, func(s State) { states = append(states, s) })
		if _, err := c.PrepareOffer(); err != nil {
			t.Fatal(err)
		}

		neg.connCb(ConnFailed)
		if c.State() != StateEnded {
			t.Fatalf("expected ENDED, got %s", c.State())
		}
		if states[len(states)-1] != StateEnded {
			t.Fatalf("expected ENDED event, got %v", states)
		}

		// ENDED is sticky: a late connected must not resurrect the call.
		before := len(states)
		neg.connCb(ConnConnected)
		if c.State() != StateEnded || len(states) != before {
			t.Fatal("ENDED call was resurrected by a late connection event")
		}
	})
}
