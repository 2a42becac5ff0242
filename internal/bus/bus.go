// Package bus turns the broadcast transport into a typed, filtered, local
// stream of signaling messages. Every subscriber on the topic receives every
// publication; the recipient filter here is what gives the phone
// point-to-point semantics on top of that.
package bus

import (
	"context"
	"fmt"
	"log"
	"sync"

	"pubphone/internal/wire"
)

// Transport is the broadcast collaborator contract. p2p.Node satisfies it.
type Transport interface {
	LocalID() string
	Publish(ctx context.Context, topic string, data []byte) error
	Subscribe(ctx context.Context, topic string, handler func(from string, data []byte)) (cancel func(), err error)
}

// outCap bounds the inbound message buffer. Signaling is low-rate; a full
// buffer means the consumer is gone, so overflow drops.
const outCap = 64

// Bus adapts a Transport into the phone's message stream.
type Bus struct {
	tr    Transport
	topic string

	mu      sync.Mutex
	started bool
	cancel  func()

	out chan *wire.Message
}

func New(tr Transport, topic string) *Bus {
	return &Bus{
		tr:    tr,
		topic: topic,
		out:   make(chan *wire.Message, outCap),
	}
}

// LocalID returns the local peer identifier used for recipient filtering.
func (b *Bus) LocalID() string {
	return b.tr.LocalID()
}

// Start subscribes to the signaling topic. Idempotent; a second call while
// started is a no-op. A transport rejection is returned so the caller can
// retry.
func (b *Bus) Start(ctx context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.started {
		return nil
	}

	cancel, err := b.tr.Subscribe(ctx, b.topic, b.onRaw)
	if err != nil {
		return fmt.Errorf("bus: subscribe %q: %w", b.topic, err)
	}
	b.cancel = cancel
	b.started = true
	log.Printf("BUS: subscribed to %s", b.topic)
	return nil
}

// Stop unsubscribes. Idempotent and best-effort; teardown must not block
// shutdown.
func (b *Bus) Stop() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if !b.started {
		return
	}
	b.started = false
	if b.cancel != nil {
		b.cancel()
		b.cancel = nil
	}
	log.Printf("BUS: unsubscribed from %s", b.topic)
}

// Send encodes and publishes one signaling message. Publish failures are
// wrapped and returned, never retried here.
func (b *Bus) Send(ctx context.Context, m *wire.Message) error {
	data, err := wire.Encode(m)
	if err != nil {
		return err
	}
	if err := b.tr.Publish(ctx, b.topic, data); err != nil {
		return fmt.Errorf("bus: publish %s: %w", m.Type, err)
	}
	log.Printf("BUS: sent %s call=%s to=%s", m.Type, m.CallID, short(m.Recipient))
	return nil
}

// Typed send helpers: each stamps the message type and forwards.

func (b *Bus) SendDial(ctx context.Context, m wire.Message) error {
	m.Type = wire.TypeDial
	return b.Send(ctx, &m)
}

func (b *Bus) SendRinging(ctx context.Context, m wire.Message) error {
	m.Type = wire.TypeRinging
	return b.Send(ctx, &m)
}

func (b *Bus) SendAnswer(ctx context.Context, m wire.Message) error {
	m.Type = wire.TypeAnswer
	return b.Send(ctx, &m)
}

func (b *Bus) SendCandidate(ctx context.Context, m wire.Message) error {
	m.Type = wire.TypeCandidate
	return b.Send(ctx, &m)
}

func (b *Bus) SendReject(ctx context.Context, m wire.Message) error {
	m.Type = wire.TypeReject
	return b.Send(ctx, &m)
}

func (b *Bus) SendBye(ctx context.Context, m wire.Message) error {
	m.Type = wire.TypeBye
	return b.Send(ctx, &m)
}

// Messages is the filtered inbound stream.
func (b *Bus) Messages() <-chan *wire.Message {
	return b.out
}

// onRaw handles one raw broadcast payload: decode, drop malformed, apply the
// recipient filter, then emit locally.
func (b *Bus) onRaw(from string, data []byte) {
	m, err := wire.Decode(data)
	if err != nil {
		log.Printf("BUS: dropping malformed message from %s: %v", short(from), err)
		return
	}

	if m.Recipient != b.tr.LocalID() {
		// Broadcast medium: not addressed to us.
		return
	}

	select {
	case b.out <- m:
	default:
		log.Printf("BUS: inbound buffer full, dropping %s call=%s", m.Type, m.CallID)
	}
}

// short truncates a peer ID for log lines.
func short(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}
