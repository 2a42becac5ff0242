// Package p2p owns the libp2p host and the GossipSub layer that serves as
// the broadcast signaling bus. Everything above it talks to the network
// through the bus.Transport contract.
package p2p

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"

	logging "github.com/ipfs/go-log/v2"
	libp2p "github.com/libp2p/go-libp2p"
	pubsub "github.com/libp2p/go-libp2p-pubsub"
	"github.com/libp2p/go-libp2p/core/crypto"
	"github.com/libp2p/go-libp2p/core/host"
	"github.com/libp2p/go-libp2p/core/peer"
	"github.com/libp2p/go-libp2p/p2p/discovery/mdns"
	ma "github.com/multiformats/go-multiaddr"

	"pubphone/internal/util"
)

func init() {
	// Silence noisy libp2p subsystems — dial failures and backoff errors
	// go to stderr by default and pollute terminal output.
	logging.SetLogLevel("swarm2", "error")
	logging.SetLogLevel("autonat", "warn")
	logging.SetLogLevel("pubsub", "warn")
}

// Options configures the node.
type Options struct {
	ListenPort int
	MdnsTag    string
	Bootstrap  []string // multiaddrs (with /p2p/ suffix) dialed at startup
	Key        crypto.PrivKey
}

// Node is a libp2p host plus a GossipSub instance. It implements the
// bus.Transport contract.
type Node struct {
	Host host.Host
	ps   *pubsub.PubSub

	mu     sync.Mutex
	topics map[string]*pubsub.Topic
	closed bool
}

type mdnsNotifee struct {
	h host.Host
}

func (n *mdnsNotifee) HandlePeerFound(pi peer.AddrInfo) {
	ctx, cancel := context.WithTimeout(context.Background(), util.DefaultConnectTimeout)
	defer cancel()
	_ = n.h.Connect(ctx, pi)
}

// New builds the host with the given identity key, starts mDNS discovery,
// attaches GossipSub, and dials any configured bootstrap peers (best effort).
func New(ctx context.Context, opts Options) (*Node, error) {
	h, err := libp2p.New(
		libp2p.Identity(opts.Key),
		libp2p.ListenAddrStrings(fmt.Sprintf("/ip4/0.0.0.0/tcp/%d", opts.ListenPort)),
	)
	if err != nil {
		return nil, err
	}

	md := mdns.NewMdnsService(h, opts.MdnsTag, &mdnsNotifee{h: h})
	if err := md.Start(); err != nil {
		_ = h.Close()
		return nil, err
	}

	ps, err := pubsub.NewGossipSub(ctx, h)
	if err != nil {
		_ = h.Close()
		return nil, err
	}

	n := &Node{
		Host:   h,
		ps:     ps,
		topics: make(map[string]*pubsub.Topic),
	}

	for _, addr := range opts.Bootstrap {
		go n.dialBootstrap(ctx, addr)
	}

	return n, nil
}

// dialBootstrap connects to one bootstrap multiaddr. Failures are logged,
// never fatal — mDNS may still find peers on the LAN.
func (n *Node) dialBootstrap(ctx context.Context, addr string) {
	a, err := ma.NewMultiaddr(addr)
	if err != nil {
		log.Printf("P2P: invalid bootstrap addr %q: %v", addr, err)
		return
	}
	pi, err := peer.AddrInfoFromP2pAddr(a)
	if err != nil {
		log.Printf("P2P: bootstrap addr %q has no peer id: %v", addr, err)
		return
	}

	dialCtx, cancel := context.WithTimeout(ctx, 15*time.Second)
	defer cancel()
	if err := n.Host.Connect(dialCtx, *pi); err != nil {
		log.Printf("P2P: bootstrap connect to %s failed: %v", pi.ID, err)
		return
	}
	log.Printf("P2P: connected to bootstrap peer %s", pi.ID)
}

// LocalID returns the host's peer ID string.
func (n *Node) LocalID() string {
	return n.Host.ID().String()
}

// join returns the (cached) pubsub topic handle. GossipSub allows only one
// Join per topic name per instance.
func (n *Node) join(topic string) (*pubsub.Topic, error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if t, ok := n.topics[topic]; ok {
		return t, nil
	}
	t, err := n.ps.Join(topic)
	if err != nil {
		return nil, fmt.Errorf("join topic %q: %w", topic, err)
	}
	n.topics[topic] = t
	return t, nil
}

// Publish broadcasts raw bytes on the topic.
func (n *Node) Publish(ctx context.Context, topic string, data []byte) error {
	t, err := n.join(topic)
	if err != nil {
		return err
	}
	return t.Publish(ctx, data)
}

// Subscribe starts a read loop on the topic and hands every remote message
// to handler. Messages published by this host are skipped. The returned
// cancel function stops the loop.
func (n *Node) Subscribe(ctx context.Context, topic string, handler func(from string, data []byte)) (func(), error) {
	t, err := n.join(topic)
	if err != nil {
		return nil, err
	}
	sub, err := t.Subscribe()
	if err != nil {
		return nil, fmt.Errorf("subscribe topic %q: %w", topic, err)
	}

	loopCtx, cancel := context.WithCancel(ctx)
	go func() {
		for {
			m, err := sub.Next(loopCtx)
			if err != nil {
				return
			}
			if m.ReceivedFrom == n.Host.ID() {
				continue
			}
			handler(m.ReceivedFrom.String(), m.Data)
		}
	}()

	return func() {
		cancel()
		sub.Cancel()
	}, nil
}

// Close shuts the host down. Idempotent.
func (n *Node) Close() error {
	n.mu.Lock()
	if n.closed {
		n.mu.Unlock()
		return nil
	}
	n.closed = true
	n.mu.Unlock()
	return n.Host.Close()
}
