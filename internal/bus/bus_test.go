package bus

import (
	"context"
	"errors"
	"testing"
	"time"

	"pubphone/internal/wire"
)

// fakeTransport is a test helper capturing publishes and exposing the
// subscribe handler so tests can inject raw payloads.
type fakeTransport struct {
	id        string
	published [][]byte
	handler   func(from string, data []byte)
	subCalls  int
	subErr    error
	pubErr    error
	cancelled bool
}

func (f *fakeTransport) LocalID() string { return f.id }

func (f *fakeTransport) Publish(ctx context.Context, topic string, data []byte) error {
	if f.pubErr != nil {
		return f.pubErr
	}
	f.published = append(f.published, data)
	return nil
}

func (f *fakeTransport) Subscribe(ctx context.Context, topic string, handler func(from string, data []byte)) (func(), error) {
	f.subCalls++
	if f.subErr != nil {
		return nil, f.subErr
	}
	f.handler = handler
	return func() { f.cancelled = true }, nil
}

func validRaw(t *testing.T, m wire.Message) []byte {
	t.Helper()
	data, err := wire.Encode(&m)
	if err != nil {
		t.Fatal(err)
	}
	return data
}

func recv(t *testing.T, b *Bus) *wire.Message {
	t.Helper()
	select {
	case m := <-b.Messages():
		return m
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for a bus message")
		return nil
	}
}

func TestStartIsIdempotent(t *testing.T) {
	tr := &fakeTransport{id: "me"}
	b := New(tr, wire.DefaultTopic)

	if err := b.Start(context.Background()); err != nil {
		t.Fatal(err)
	}
	if err := b.Start(context.Background()); err != nil {
		t.Fatal(err)
	}
	if tr.subCalls != 1 {
		t.Fatalf("expected one subscribe, got %d", tr.subCalls)
	}

	b.Stop()
	b.Stop()
	if !tr.cancelled {
		t.Fatal("stop did not cancel the subscription")
	}
}

func TestStartReturnsSubscribeError(t *testing.T) {
	tr := &fakeTransport{id: "me", subErr: errors.New("mesh down")}
	b := New(tr, wire.DefaultTopic)
	if err := b.Start(context.Background()); err == nil {
		t.Fatal("expected subscribe error")
	}

	// A failed start leaves the bus stopped, so a retry subscribes again.
	tr.subErr = nil
	if err := b.Start(context.Background()); err != nil {
		t.Fatal(err)
	}
	if tr.subCalls != 2 {
		t.Fatalf("expected retry to subscribe again, got %d calls", tr.subCalls)
	}
}

func TestRecipientFilter(t *testing.T) {
	tr := &fakeTransport{id: "me"}
	b := New(tr, wire.DefaultTopic)
	if err := b.Start(context.Background()); err != nil {
		t.Fatal(err)
	}

	// Addressed elsewhere: silently dropped.
	tr.handler("other", validRaw(t, wire.Message{
		Type: wire.TypeDial, CallID: "c1",
		CallerPeerID: "other", CalledPeerID: "someone",
		Recipient: "someone",
	}))

	// Addressed to us: delivered.
	tr.handler("other", validRaw(t, wire.Message{
		Type: wire.TypeDial, CallID: "c2",
		CallerPeerID: "other", CalledPeerID: "me",
		Recipient: "me",
	}))

	m := recv(t, b)
	if m.CallID != "c2" {
		t.Fatalf("expected c2 first, got %s", m.CallID)
	}
	select {
	case m := <-b.Messages():
		t.Fatalf("unexpected extra message: %+v", m)
	default:
	}
}

func TestMalformedPayloadsAreDropped(t *testing.T) {
	tr := &fakeTransport{id: "me"}
	b := New(tr, wire.DefaultTopic)
	if err := b.Start(context.Background()); err != nil {
		t.Fatal(err)
	}

	tr.handler("other", []byte(`not even json`))
	tr.handler("other", []byte(`{"messageType":"NOPE","callId":"c","callerPeerId":"a","calledPeerId":"me","recipient":"me"}`))
	tr.handler("other", []byte(`{"messageType":"BYE","recipient":"me"}`))

	select {
	case m := <-b.Messages():
		t.Fatalf("malformed payload got through: %+v", m)
	default:
	}
}

func TestTypedHelpersStampType(t *testing.T) {
	tr := &fakeTransport{id: "me"}
	b := New(tr, wire.DefaultTopic)

	base := wire.Message{CallID: "c", CallerPeerID: "me", CalledPeerID: "you", Recipient: "you"}

	sends := []struct {
		fn   func(context.Context, wire.Message) error
		want wire.Type
	}{
		{b.SendDial, wire.TypeDial},
		{b.SendRinging, wire.TypeRinging},
		{b.SendAnswer, wire.TypeAnswer},
		{b.SendCandidate, wire.TypeCandidate},
		{b.SendReject, wire.TypeReject},
		{b.SendBye, wire.TypeBye},
	}
	for _, s := range sends {
		if err := s.fn(context.Background(), base); err != nil {
			t.Fatal(err)
		}
	}

	if len(tr.published) != len(sends) {
		t.Fatalf("expected %d publishes, got %d", len(sends), len(tr.published))
	}
	for i, s := range sends {
		m, err := wire.Decode(tr.published[i])
		if err != nil {
			t.Fatal(err)
		}
		if m.Type != s.want {
			t.Fatalf("publish %d: expected %s, got %s", i, s.want, m.Type)
		}
	}
}

func TestSendWrapsPublishError(t *testing.T) {
	pubErr := errors.New("no peers")
	tr := &fakeTransport{id: "me", pubErr: pubErr}
	b := New(tr, wire.DefaultTopic)

	err := b.SendBye(context.Background(), wire.Message{
		CallID: "c", CallerPeerID: "me", CalledPeerID: "you", Recipient: "you",
	})
	if !errors.Is(err, pubErr) {
		t.Fatalf("expected wrapped publish error, got %v", err)
	}
}

func TestSendRefusesInvalidMessage(t *testing.T) {
	tr := &fakeTransport{id: "me"}
	b := New(tr, wire.DefaultTopic)

	err := b.SendDial(context.Background(), wire.Message{CallID: "c"})
	if !errors.Is(err, wire.ErrMalformed) {
		t.Fatalf("expected ErrMalformed, got %v", err)
	}
	if len(tr.published) != 0 {
		t.Fatal("invalid message was published")
	}
}
