// Package router implements the NodeID-addressed envelope and
// system-config fan-out component: the thin addressing layer between the
// transport (network, webrtcpeer) and the message-kind brokers
// (dhtrouter, dhtstorage) that lets every subsystem address a peer by
// NodeID instead of by raw connection handle.
//
// The mutex-guarded map keyed by an identifier, looked up to reach a
// send primitive, generalizes a Broadcast/topic-registry pattern from
// pubsub topics to per-peer NodeID send functions.
package router

import (
	"fmt"
	"sync"

	"gopkg.in/yaml.v3"

	"fledger/internal/nodeid"
	"fledger/pkg/errs"
)

// Envelope is the NodeID-addressed message unit every subsystem sends
// through the router.
type Envelope struct {
	From    nodeid.NodeID
	To      nodeid.NodeID
	Kind    string
	Payload []byte
}

// SystemConfig is the configuration fanned out to every peer when it is
// registered and on SetConfig. The fanned-out payload carries K,
// PingInterval and PingTimeout; AcceptedRealms is not sent.
type SystemConfig struct {
	K              int
	PingInterval   int
	PingTimeout    int
	AcceptedRealms []string
}

// Marshal renders an Envelope to YAML for transmission over a
// connection-agnostic transport (gossipsub, a WebRTC data channel, a
// signalling relay).
func (e Envelope) Marshal() ([]byte, error) {
	return yaml.Marshal(e)
}

// UnmarshalEnvelope parses an Envelope previously produced by Marshal.
func UnmarshalEnvelope(b []byte) (Envelope, error) {
	var e Envelope
	if err := yaml.Unmarshal(b, &e); err != nil {
		return Envelope{}, err
	}
	return e, nil
}

// Sender delivers an Envelope to one specific peer connection.
type Sender func(Envelope) error

// Router maps NodeIDs to the send primitive of their live connection and
// fans SystemConfig out to newly registered peers.
type Router struct {
	mu   sync.RWMutex
	self nodeid.NodeID
	cfg  SystemConfig
	send map[nodeid.NodeID]Sender
}

// New constructs a Router for self carrying the given fan-out config.
func New(self nodeid.NodeID, cfg SystemConfig) *Router {
	return &Router{self: self, cfg: cfg, send: make(map[nodeid.NodeID]Sender)}
}

// RegisterPeer associates id with its send primitive and immediately
// fans out the current SystemConfig to it.
func (r *Router) RegisterPeer(id nodeid.NodeID, send Sender) error {
	r.mu.Lock()
	r.send[id] = send
	r.mu.Unlock()
	return r.sendSystemConfig(id, send)
}

// UnregisterPeer removes id's send primitive, e.g. on disconnect.
func (r *Router) UnregisterPeer(id nodeid.NodeID) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.send, id)
}

// Config returns the currently configured SystemConfig.
func (r *Router) Config() SystemConfig {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.cfg
}

// SetConfig updates the fanned-out SystemConfig and pushes it to every
// currently registered peer.
func (r *Router) SetConfig(cfg SystemConfig) []error {
	r.mu.Lock()
	r.cfg = cfg
	peers := make(map[nodeid.NodeID]Sender, len(r.send))
	for id, s := range r.send {
		peers[id] = s
	}
	r.mu.Unlock()

	var errList []error
	for id, s := range peers {
		if err := r.sendSystemConfig(id, s); err != nil {
			errList = append(errList, err)
		}
	}
	return errList
}

func (r *Router) sendSystemConfig(id nodeid.NodeID, send Sender) error {
	payload := fmt.Sprintf("k=%d;ping_interval=%d;ping_timeout=%d", r.cfg.K, r.cfg.PingInterval, r.cfg.PingTimeout)
	return send(Envelope{From: r.self, To: id, Kind: "system_config", Payload: []byte(payload)})
}

// Send delivers e to its destination's registered send primitive.
func (r *Router) Send(e Envelope) error {
	r.mu.RLock()
	send, ok := r.send[e.To]
	r.mu.RUnlock()
	if !ok {
		return fmt.Errorf("router: no connection for %s: %w", e.To, errs.ErrConnectionClosed)
	}
	return send(e)
}

// Broadcast delivers e to every currently registered peer, returning the
// errors encountered (if any), one per failed peer.
func (r *Router) Broadcast(e Envelope) []error {
	r.mu.RLock()
	peers := make(map[nodeid.NodeID]Sender, len(r.send))
	for id, s := range r.send {
		peers[id] = s
	}
	r.mu.RUnlock()

	var errList []error
	for id, s := range peers {
		ec := e
		ec.To = id
		if err := s(ec); err != nil {
			errList = append(errList, err)
		}
	}
	return errList
}

// Peers returns the NodeIDs currently registered.
func (r *Router) Peers() []nodeid.NodeID {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]nodeid.NodeID, 0, len(r.send))
	for id := range r.send {
		out = append(out, id)
	}
	return out
}
