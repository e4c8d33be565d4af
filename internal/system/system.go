// Package system composes one node's routing and storage brokers into a
// single running pipeline: a broker per subsystem, wired together with
// bidirectional translators, a tick source fanning out to the Kademlia
// liveness tracker and storage sync, and a transport layer carrying
// forwarded requests to the next hop.
package system

import (
	"context"
	"time"

	"github.com/sirupsen/logrus"

	"fledger/internal/broker"
	"fledger/internal/dhtrouter"
	"fledger/internal/dhtstorage"
	"fledger/internal/flo"
	"fledger/internal/kademlia"
	"fledger/internal/nodeid"
	"fledger/internal/router"
)

// System is one node's composed routing/storage stack: a Kademlia
// bucket tree driving a DHT router broker, linked to a DHT storage
// broker, delivering forwarded hops over a NodeID-addressed transport.
type System struct {
	self      nodeid.NodeID
	Kademlia  *kademlia.Kademlia
	Transport *router.Router
	Storage   *dhtstorage.RealmStorage

	RouterBroker  *broker.Broker[dhtrouter.Request, dhtrouter.Output]
	StorageBroker *broker.Broker[dhtstorage.Message, dhtstorage.Message]

	logger *logrus.Logger

	// floodSend, when set, carries a forwarded hop's payload over a
	// flood-broadcast transport (e.g. gossipsub) whenever Transport has
	// no directly registered connection for that hop. Mesh topologies
	// without a dedicated unicast channel per peer rely on every
	// receiving node re-entering HandleEnvelope and continuing routing
	// locally, rather than on this node addressing the next hop
	// directly.
	floodSend func([]byte) error
}

// SetFloodFallback installs send as the delivery path used when
// Transport has no registered connection for a forwarded hop's NodeID.
func (sys *System) SetFloodFallback(send func([]byte) error) {
	sys.floodSend = send
}

// New builds and wires a System: the DHT router's requests translate
// into storage messages whenever this node is the request's terminal
// destination (OutMessageClosest/OutMessageDest), and storage replies
// translate back into Direct requests routed toward the original
// requester.
func New(self nodeid.NodeID, k, pingInterval, pingTimeout int, transport *router.Router, storage *dhtstorage.RealmStorage, logger *logrus.Logger) *System {
	kad := kademlia.New(self, k, pingInterval, pingTimeout)
	dhtR := dhtrouter.New(self, kad, transport.Peers, logger)

	routerBroker := dhtrouter.NewBroker("dhtrouter:"+self.String(), dhtR)
	storageBroker := dhtstorage.NewBroker("dhtstorage:"+self.String(), storage)

	broker.LinkBi(routerBroker, storageBroker,
		func(out dhtrouter.Output) (dhtstorage.Message, bool) {
			if out.Kind != dhtrouter.OutMessageClosest && out.Kind != dhtrouter.OutMessageDest {
				return dhtstorage.Message{}, false
			}
			msg, err := dhtstorage.UnmarshalMessage(out.Payload)
			if err != nil {
				logger.WithError(err).Warn("system: decode storage request failed")
				return dhtstorage.Message{}, false
			}
			msg.Origin = out.Origin
			return msg, true
		},
		func(msg dhtstorage.Message) (dhtrouter.Request, bool) {
			payload, err := msg.Marshal()
			if err != nil {
				logger.WithError(err).Warn("system: encode storage reply failed")
				return dhtrouter.Request{}, false
			}
			return dhtrouter.Request{Kind: dhtrouter.KindDirect, Origin: self, Dest: msg.Origin, Payload: payload}, true
		},
	)

	sys := &System{
		self: self, Kademlia: kad, Transport: transport, Storage: storage,
		RouterBroker: routerBroker, StorageBroker: storageBroker, logger: logger,
	}
	routerBroker.AddOutputTap(sys.forward)
	return sys
}

// forward delivers OutForward outputs to each named next hop over the
// transport, by reconstructing a continuation Request and handing it to
// the registered Sender for that NodeID.
func (sys *System) forward(out dhtrouter.Output) {
	if out.Kind != dhtrouter.OutForward {
		return
	}
	req := out.ToRequest(sys.self)
	payload, err := req.Marshal()
	if err != nil {
		sys.logger.WithError(err).Warn("system: marshal forwarded request failed")
		return
	}
	for _, hop := range out.NextHops {
		env := router.Envelope{From: sys.self, To: hop, Kind: "dht_request", Payload: payload}
		if err := sys.Transport.Send(env); err != nil {
			if sys.floodSend == nil {
				sys.logger.WithError(err).Warnf("system: forward to %s failed", hop)
				continue
			}
			envPayload, merr := env.Marshal()
			if merr != nil {
				sys.logger.WithError(merr).Warn("system: marshal flood envelope failed")
				continue
			}
			if ferr := sys.floodSend(envPayload); ferr != nil {
				sys.logger.WithError(ferr).Warn("system: flood fallback failed")
			}
		}
	}
}

// HandleEnvelope decodes an inbound "dht_request" Envelope and feeds it
// into this node's pipeline. A request already addressed to this node
// (KindDirect with Dest==self) is delivered straight to the storage
// broker rather than re-entering Kademlia routing, where a self-destined
// lookup would find no closer candidate and silently drop it.
func (sys *System) HandleEnvelope(e router.Envelope) error {
	req, err := dhtrouter.UnmarshalRequest(e.Payload)
	if err != nil {
		return err
	}
	if req.Kind == dhtrouter.KindDirect && req.Dest == sys.self {
		msg, err := dhtstorage.UnmarshalMessage(req.Payload)
		if err != nil {
			return err
		}
		return sys.StorageBroker.EmitIn(msg)
	}
	return sys.RouterBroker.EmitIn(req)
}

// RequestClosest issues a content-addressed storage request (StoreFlo,
// ReadFlo) toward the node closest to key, entering this node's router
// broker to begin hop-by-hop progress through the DHT.
func (sys *System) RequestClosest(key flo.FloID, msg dhtstorage.Message) error {
	payload, err := msg.Marshal()
	if err != nil {
		return err
	}
	req := dhtrouter.Request{Kind: dhtrouter.KindClosest, Origin: sys.self, Key: nodeid.NodeID(key), Payload: payload}
	return sys.RouterBroker.EmitIn(req)
}

// SyncTick runs the per-minute anti-entropy sweep until ctx is done: for
// every currently connected peer, it opens a sync round by sending
// RequestFloMetas, which the peer answers with AvailableFlos, which in
// turn (via the storage broker's Handle) requests and receives whatever
// Flos this node is missing.
func (sys *System) SyncTick(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			sys.syncOnce()
		}
	}
}

func (sys *System) syncOnce() {
	for _, peer := range sys.Transport.Peers() {
		payload, err := dhtstorage.Message{Kind: dhtstorage.RequestFloMetas, Origin: sys.self}.Marshal()
		if err != nil {
			sys.logger.WithError(err).Warn("system: encode sync request failed")
			continue
		}
		req := dhtrouter.Request{Kind: dhtrouter.KindDirect, Origin: sys.self, Dest: peer, Payload: payload}
		if err := sys.RouterBroker.EmitIn(req); err != nil {
			sys.logger.WithError(err).Warnf("system: sync request to %s failed", peer)
		}
	}
}

// Tick advances the Kademlia liveness tracker by one step, returning the
// peers that need pinging and those removed for exceeding the ping
// timeout.
func (sys *System) Tick() (toPing, removed []nodeid.NodeID) {
	return sys.Kademlia.Tick()
}

// Settle blocks until the router and storage brokers have both drained
// to quiescence, used by tests that need deterministic completion.
func (sys *System) Settle(ctx context.Context) error {
	return sys.RouterBroker.Settle(ctx)
}
