// Package dhtrouter wraps Kademlia as a message handler, generating the
// forward/direct/broadcast envelopes for four kinds of request:
// Neighbour (flood to every connected peer), Closest (progress toward a
// key, emitting a routing event per hop), Direct (silent forward toward
// an exact destination), and Broadcast (flood with the broker's
// forwarding-trail loop detection).
//
// Grounded on internal/kademlia for the routing policies themselves and
// on internal/broker's Destination/forwarding-trail mechanism for
// Broadcast's loop detection.
package dhtrouter

import (
	"math/rand"
	"sync"

	"github.com/sirupsen/logrus"
	"gopkg.in/yaml.v3"

	"fledger/internal/broker"
	"fledger/internal/kademlia"
	"fledger/internal/nodeid"
)

// EnvelopeKind discriminates the four envelope kinds.
type EnvelopeKind uint8

const (
	KindNeighbour EnvelopeKind = iota
	KindClosest
	KindDirect
	KindBroadcast
)

// Request is the DHT router broker's input message.
type Request struct {
	Kind    EnvelopeKind
	Origin  nodeid.NodeID
	Dest    nodeid.NodeID // KindDirect
	Key     nodeid.NodeID // KindClosest
	Payload []byte
	LastHop *nodeid.NodeID
	Trail   broker.Destination // KindBroadcast loop detection
}

// OutputKind discriminates the DHT router broker's output message.
type OutputKind uint8

const (
	OutForward OutputKind = iota
	OutRoutingEvent
	OutMessageDest
	OutMessageClosest
)

// Output is the DHT router broker's output message: either a set of next
// hops to forward to, or a terminal delivery back to the request's
// origin.
type Output struct {
	Kind     OutputKind
	NextHops []nodeid.NodeID
	Origin   nodeid.NodeID
	LastHop  nodeid.NodeID
	Key      nodeid.NodeID
	Payload  []byte
	Trail    broker.Destination

	// ReqKind and Dest mirror the Request that produced an OutForward
	// output, so the next hop can reconstruct a continuation Request
	// (via ToRequest) without the caller needing to remember what kind
	// of envelope it was forwarding.
	ReqKind EnvelopeKind
	Dest    nodeid.NodeID
}

// ToRequest rebuilds the Request a forwarding node should send onward
// to continue this Output's envelope one hop further, stamping
// LastHop with the forwarding node's own identity (self) so the
// receiving side's Kademlia routing knows which neighbour not to
// bounce back to.
func (o Output) ToRequest(self nodeid.NodeID) Request {
	lastHop := self
	return Request{
		Kind:    o.ReqKind,
		Origin:  o.Origin,
		Dest:    o.Dest,
		Key:     o.Key,
		Payload: o.Payload,
		LastHop: &lastHop,
		Trail:   o.Trail,
	}
}

// wireRequest is Request's on-the-wire shape: LastHop becomes a pointer
// surrogate (omitted when nil) and Trail is flattened to its visited-IDs
// list, since broker.Destination carries unexported fields.
type wireRequest struct {
	Kind     EnvelopeKind   `yaml:"kind"`
	Origin   nodeid.NodeID  `yaml:"origin"`
	Dest     nodeid.NodeID  `yaml:"dest,omitempty"`
	Key      nodeid.NodeID  `yaml:"key,omitempty"`
	Payload  []byte         `yaml:"payload,omitempty"`
	LastHop  *nodeid.NodeID `yaml:"last_hop,omitempty"`
	TrailIDs []string       `yaml:"trail,omitempty"`
}

// Marshal renders a Request to YAML, the wire format used between
// connected fledger nodes for routing requests.
func (r Request) Marshal() ([]byte, error) {
	return yaml.Marshal(wireRequest{
		Kind:     r.Kind,
		Origin:   r.Origin,
		Dest:     r.Dest,
		Key:      r.Key,
		Payload:  r.Payload,
		LastHop:  r.LastHop,
		TrailIDs: r.Trail.TrailIDs(),
	})
}

// UnmarshalRequest parses a Request previously produced by Marshal.
func UnmarshalRequest(b []byte) (Request, error) {
	var w wireRequest
	if err := yaml.Unmarshal(b, &w); err != nil {
		return Request{}, err
	}
	return Request{
		Kind:    w.Kind,
		Origin:  w.Origin,
		Dest:    w.Dest,
		Key:     w.Key,
		Payload: w.Payload,
		LastHop: w.LastHop,
		Trail:   broker.ForwardedTrail(w.TrailIDs),
	}, nil
}

// ConnectedPeers returns the NodeIDs of every currently connected peer,
// used to flood Neighbour and Broadcast envelopes.
type ConnectedPeers func() []nodeid.NodeID

// Router is the DHT router broker's handler logic.
type Router struct {
	self      nodeid.NodeID
	kad       *kademlia.Kademlia
	connected ConnectedPeers
	logger    *logrus.Logger

	blacklist *Blacklist
}

// New constructs a Router for self, wrapping kad and dispatching floods to
// connected().
func New(self nodeid.NodeID, kad *kademlia.Kademlia, connected ConnectedPeers, logger *logrus.Logger) *Router {
	return &Router{self: self, kad: kad, connected: connected, logger: logger, blacklist: NewBlacklist(0, 0)}
}

// EnableBlacklist turns on the optional local blacklist, opt-in and off
// by default: once more than threshold in-flight requests via the
// same next-hop remain unanswered, that next-hop is evicted temporarily,
// with periodic re-admission at readmitProbability.
func (r *Router) EnableBlacklist(threshold int, readmitProbability float64) {
	r.blacklist = NewBlacklist(threshold, readmitProbability)
}

// Handle dispatches one Request, producing zero or more Outputs.
func (r *Router) Handle(req Request) []Output {
	switch req.Kind {
	case KindNeighbour:
		peers := r.filterBlacklisted(r.connected())
		if len(peers) == 0 {
			return nil
		}
		return []Output{{Kind: OutForward, NextHops: peers, Payload: req.Payload, ReqKind: KindNeighbour}}

	case KindClosest:
		return r.handleClosest(req)

	case KindDirect:
		candidates := r.filterBlacklisted(r.kad.RouteDirect(req.Dest))
		if len(candidates) == 0 {
			return nil // fail silently
		}
		next, _ := kademlia.PickNextHop(candidates)
		return []Output{{Kind: OutForward, NextHops: []nodeid.NodeID{next}, Origin: req.Origin, Payload: req.Payload, ReqKind: KindDirect, Dest: req.Dest}}

	case KindBroadcast:
		if req.Trail.Visited(r.self.String()) {
			return nil // already seen this broadcast, loop detected
		}
		peers := r.filterBlacklisted(r.connected())
		if len(peers) == 0 {
			return nil
		}
		return []Output{{
			Kind: OutForward, NextHops: peers, Payload: req.Payload, ReqKind: KindBroadcast,
			Origin: req.Origin, Trail: req.Trail.WithHop(r.self.String()),
		}}
	}
	return nil
}

func (r *Router) handleClosest(req Request) []Output {
	candidates := r.filterBlacklisted(r.kad.RouteClosest(req.Key, req.LastHop))
	if len(candidates) == 0 {
		if req.Key == r.self {
			return []Output{{Kind: OutMessageDest, Origin: req.Origin, Payload: req.Payload}}
		}
		return []Output{{Kind: OutMessageClosest, Origin: req.Origin, Key: req.Key, Payload: req.Payload}}
	}
	next, _ := kademlia.PickNextHop(candidates)
	self := r.self
	return []Output{
		{Kind: OutRoutingEvent, Origin: req.Origin, LastHop: self, Key: req.Key},
		{Kind: OutForward, NextHops: []nodeid.NodeID{next}, Origin: req.Origin, Key: req.Key, Payload: req.Payload, LastHop: self, ReqKind: KindClosest},
	}
}

func (r *Router) filterBlacklisted(candidates []nodeid.NodeID) []nodeid.NodeID {
	if r.blacklist == nil || !r.blacklist.enabled() {
		return candidates
	}
	out := candidates[:0:0]
	for _, id := range candidates {
		if !r.blacklist.IsBlacklisted(id) {
			out = append(out, id)
		}
	}
	return out
}

// MergeActiveList performs a minute anti-entropy sweep: a peer's
// reported active list is merged into Kademlia by insertion only,
// never promotion.
func (r *Router) MergeActiveList(peers []nodeid.NodeID) {
	for _, id := range peers {
		r.kad.AddNode(id)
	}
}

// Blacklist implements the optional local next-hop blacklist.
type Blacklist struct {
	mu                 sync.Mutex
	threshold          int
	readmitProbability float64
	inFlight           map[nodeid.NodeID]int
	blocked            map[nodeid.NodeID]struct{}
}

// NewBlacklist constructs a Blacklist; threshold <= 0 disables it.
func NewBlacklist(threshold int, readmitProbability float64) *Blacklist {
	return &Blacklist{
		threshold:          threshold,
		readmitProbability: readmitProbability,
		inFlight:           make(map[nodeid.NodeID]int),
		blocked:            make(map[nodeid.NodeID]struct{}),
	}
}

func (b *Blacklist) enabled() bool { return b != nil && b.threshold > 0 }

// NoteUnanswered records one more unanswered in-flight request routed
// through nextHop, blocking it once the threshold is exceeded.
func (b *Blacklist) NoteUnanswered(nextHop nodeid.NodeID) {
	if !b.enabled() {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.inFlight[nextHop]++
	if b.inFlight[nextHop] > b.threshold {
		b.blocked[nextHop] = struct{}{}
	}
}

// NoteAnswered clears the unanswered counter for nextHop.
func (b *Blacklist) NoteAnswered(nextHop nodeid.NodeID) {
	if !b.enabled() {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.inFlight, nextHop)
}

// IsBlacklisted reports whether id is currently evicted.
func (b *Blacklist) IsBlacklisted(id nodeid.NodeID) bool {
	if !b.enabled() {
		return false
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	_, blocked := b.blocked[id]
	return blocked
}

// Readmit re-admits each blocked peer with probability
// readmitProbability per call. Nothing in this module calls it on a
// schedule; blocked peers are re-admitted only when a caller invokes it.
func (b *Blacklist) Readmit() {
	if !b.enabled() {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	for id := range b.blocked {
		if rand.Float64() < b.readmitProbability {
			delete(b.blocked, id)
			delete(b.inFlight, id)
		}
	}
}
