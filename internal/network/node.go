// Package network wraps a libp2p host, gossipsub, and mDNS discovery into
// the transport layer Fledger's mesh rides on: host/pubsub construction,
// mDNS peer discovery, bootstrap dialing, and topic-keyed broadcast and
// subscribe, adapted to publish and consume Fledger's own envelope type
// instead of JSON blockchain messages.
package network

import (
	"context"
	"fmt"
	"sync"

	"github.com/libp2p/go-libp2p"
	pubsub "github.com/libp2p/go-libp2p-pubsub"
	"github.com/libp2p/go-libp2p/core/peer"
	"github.com/libp2p/go-libp2p/p2p/discovery/mdns"
	"github.com/sirupsen/logrus"

	"fledger/pkg/errs"
)

// Config is the subset of pkg/config.Config.Network a Node needs.
type Config struct {
	ListenAddr     string
	DiscoveryTag   string
	BootstrapPeers []string
}

// PeerRecord is a discovered or bootstrapped mesh peer.
type PeerRecord struct {
	ID   peer.ID
	Addr string
}

// Node wraps a libp2p host with gossipsub topics and mDNS discovery.
type Node struct {
	host   host
	pubsub *pubsub.PubSub
	logger *logrus.Logger

	ctx    context.Context
	cancel context.CancelFunc

	topicLock sync.Mutex
	topics    map[string]*pubsub.Topic
	subs      map[string]*pubsub.Subscription

	peerLock sync.RWMutex
	peers    map[peer.ID]PeerRecord
}

// host narrows the libp2p host.Host surface this package uses, easing
// testing without a live interface.
type host interface {
	ID() peer.ID
	Connect(ctx context.Context, pi peer.AddrInfo) error
	Close() error
}

// New creates and bootstraps a Fledger mesh node.
func New(cfg Config, logger *logrus.Logger) (*Node, error) {
	ctx, cancel := context.WithCancel(context.Background())

	h, err := libp2p.New(libp2p.ListenAddrStrings(cfg.ListenAddr))
	if err != nil {
		cancel()
		return nil, fmt.Errorf("%w: %v", errs.ErrSetupFailed, err)
	}

	ps, err := pubsub.NewGossipSub(ctx, h)
	if err != nil {
		h.Close()
		cancel()
		return nil, fmt.Errorf("%w: %v", errs.ErrSetupFailed, err)
	}

	n := &Node{
		host:   h,
		pubsub: ps,
		logger: logger,
		ctx:    ctx,
		cancel: cancel,
		topics: make(map[string]*pubsub.Topic),
		subs:   make(map[string]*pubsub.Subscription),
		peers:  make(map[peer.ID]PeerRecord),
	}

	if err := n.DialSeeds(cfg.BootstrapPeers); err != nil {
		logger.WithError(err).Warn("network: bootstrap dial warning")
	}

	mdns.NewMdnsService(h, cfg.DiscoveryTag, n)
	return n, nil
}

var _ mdns.Notifee = (*Node)(nil)

// HandlePeerFound implements mdns.Notifee: connect to a newly discovered
// local peer, ignoring self and already-known peers.
func (n *Node) HandlePeerFound(info peer.AddrInfo) {
	if info.ID == n.host.ID() {
		return
	}
	n.peerLock.RLock()
	_, known := n.peers[info.ID]
	n.peerLock.RUnlock()
	if known {
		return
	}
	if err := n.host.Connect(n.ctx, info); err != nil {
		n.logger.WithError(err).Warnf("network: connect to discovered peer %s failed", info.ID)
		return
	}
	n.peerLock.Lock()
	n.peers[info.ID] = PeerRecord{ID: info.ID, Addr: info.String()}
	n.peerLock.Unlock()
	n.logger.Infof("network: connected to %s via mdns", info.ID)
}

// DialSeeds connects to the configured bootstrap peer addresses.
func (n *Node) DialSeeds(seeds []string) error {
	var firstErr error
	for _, addr := range seeds {
		pi, err := peer.AddrInfoFromString(addr)
		if err != nil {
			n.logger.WithError(err).Warnf("network: invalid bootstrap addr %s", addr)
			if firstErr == nil {
				firstErr = err
			}
			continue
		}
		if err := n.host.Connect(n.ctx, *pi); err != nil {
			n.logger.WithError(err).Warnf("network: connect to bootstrap %s failed", addr)
			if firstErr == nil {
				firstErr = err
			}
			continue
		}
		n.peerLock.Lock()
		n.peers[pi.ID] = PeerRecord{ID: pi.ID, Addr: addr}
		n.peerLock.Unlock()
	}
	return firstErr
}

// Broadcast publishes data on the gossipsub topic, joining it lazily.
func (n *Node) Broadcast(topic string, data []byte) error {
	n.topicLock.Lock()
	t, ok := n.topics[topic]
	if !ok {
		var err error
		t, err = n.pubsub.Join(topic)
		if err != nil {
			n.topicLock.Unlock()
			return fmt.Errorf("%w: join topic %s: %v", errs.ErrSendFailed, topic, err)
		}
		n.topics[topic] = t
	}
	n.topicLock.Unlock()
	if err := t.Publish(n.ctx, data); err != nil {
		return fmt.Errorf("%w: publish topic %s: %v", errs.ErrSendFailed, topic, err)
	}
	return nil
}

// Subscribe joins topic (if needed) and returns its subscription for the
// caller to read messages from.
func (n *Node) Subscribe(topic string) (*pubsub.Subscription, error) {
	n.topicLock.Lock()
	defer n.topicLock.Unlock()
	if sub, ok := n.subs[topic]; ok {
		return sub, nil
	}
	t, ok := n.topics[topic]
	if !ok {
		var err error
		t, err = n.pubsub.Join(topic)
		if err != nil {
			return nil, fmt.Errorf("%w: join topic %s: %v", errs.ErrSetupFailed, topic, err)
		}
		n.topics[topic] = t
	}
	sub, err := t.Subscribe()
	if err != nil {
		return nil, fmt.Errorf("%w: subscribe topic %s: %v", errs.ErrSetupFailed, topic, err)
	}
	n.subs[topic] = sub
	return sub, nil
}

// Peers returns a snapshot of currently known peers.
func (n *Node) Peers() []PeerRecord {
	n.peerLock.RLock()
	defer n.peerLock.RUnlock()
	out := make([]PeerRecord, 0, len(n.peers))
	for _, p := range n.peers {
		out = append(out, p)
	}
	return out
}

// Close shuts down the host and cancels the node's context.
func (n *Node) Close() error {
	n.cancel()
	return n.host.Close()
}
