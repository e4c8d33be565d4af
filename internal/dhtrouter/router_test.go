package dhtrouter

import (
	"testing"

	"github.com/sirupsen/logrus"

	"fledger/internal/broker"
	"fledger/internal/kademlia"
	"fledger/internal/nodeid"
)

func idByte(b byte) nodeid.NodeID {
	var id nodeid.NodeID
	id[0] = b
	return id
}

func TestHandleClosestReachesSelf(t *testing.T) {
	self := nodeid.NodeID{}
	kad := kademlia.New(self, 2, 10, 30)
	r := New(self, kad, func() []nodeid.NodeID { return nil }, logrus.New())

	out := r.Handle(Request{Kind: KindClosest, Key: self, Payload: []byte("hi")})
	if len(out) != 1 || out[0].Kind != OutMessageDest {
		t.Fatalf("expected a single MessageDest output, got %+v", out)
	}
}

func TestHandleClosestForwardsToCloserPeer(t *testing.T) {
	self := nodeid.NodeID{}
	kad := kademlia.New(self, 2, 10, 30)
	target := idByte(0x20)
	kad.AddNode(target)
	kad.NodeActive(target)

	r := New(self, kad, func() []nodeid.NodeID { return nil }, logrus.New())
	out := r.Handle(Request{Kind: KindClosest, Key: target, Payload: []byte("hi")})
	if len(out) != 2 {
		t.Fatalf("expected a routing event plus a forward, got %+v", out)
	}
	if out[0].Kind != OutRoutingEvent || out[1].Kind != OutForward {
		t.Fatalf("unexpected output kinds: %+v", out)
	}
	if len(out[1].NextHops) != 1 || out[1].NextHops[0] != target {
		t.Fatalf("expected forward to %v, got %+v", target, out[1].NextHops)
	}
}

func TestHandleDirectFailsSilentlyWithNoCandidate(t *testing.T) {
	self := nodeid.NodeID{}
	kad := kademlia.New(self, 2, 10, 30)
	r := New(self, kad, func() []nodeid.NodeID { return nil }, logrus.New())

	out := r.Handle(Request{Kind: KindDirect, Dest: idByte(0x40)})
	if out != nil {
		t.Fatalf("expected silent failure (nil output), got %+v", out)
	}
}

func TestHandleBroadcastStopsAtVisitedTrail(t *testing.T) {
	self := nodeid.NodeID{}
	kad := kademlia.New(self, 2, 10, 30)
	r := New(self, kad, func() []nodeid.NodeID { return []nodeid.NodeID{idByte(1)} }, logrus.New())

	trail := broker.Forwarded([]string{self.String()})
	out := r.Handle(Request{Kind: KindBroadcast, Trail: trail})
	if out != nil {
		t.Fatalf("expected broadcast to stop when self is already on the trail, got %+v", out)
	}
}

func TestHandleNeighbourFloodsConnectedPeers(t *testing.T) {
	self := nodeid.NodeID{}
	kad := kademlia.New(self, 2, 10, 30)
	peers := []nodeid.NodeID{idByte(1), idByte(2)}
	r := New(self, kad, func() []nodeid.NodeID { return peers }, logrus.New())

	out := r.Handle(Request{Kind: KindNeighbour, Payload: []byte("ping")})
	if len(out) != 1 || len(out[0].NextHops) != 2 {
		t.Fatalf("expected a single forward to both connected peers, got %+v", out)
	}
}

func TestRequestMarshalRoundTrip(t *testing.T) {
	lastHop := idByte(0x07)
	trail := broker.Forwarded([]string{"node-a", "node-b"})
	req := Request{
		Kind:    KindClosest,
		Origin:  idByte(0x01),
		Key:     idByte(0x20),
		Payload: []byte("hello"),
		LastHop: &lastHop,
		Trail:   trail,
	}

	b, err := req.Marshal()
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	got, err := UnmarshalRequest(b)
	if err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if got.Kind != req.Kind || got.Origin != req.Origin || got.Key != req.Key {
		t.Fatalf("round trip mismatch: %+v", got)
	}
	if got.LastHop == nil || *got.LastHop != lastHop {
		t.Fatalf("expected LastHop to round trip, got %+v", got.LastHop)
	}
	if !got.Trail.Visited("node-a") || !got.Trail.Visited("node-b") {
		t.Fatalf("expected trail to round trip, got %+v", got.Trail)
	}
}

func TestOutputToRequestStampsForwardingNodeAsLastHop(t *testing.T) {
	self := idByte(0x09)
	out := Output{Kind: OutForward, ReqKind: KindDirect, Origin: idByte(0x01), Dest: idByte(0x02), Payload: []byte("p")}
	req := out.ToRequest(self)
	if req.Kind != KindDirect || req.Dest != out.Dest {
		t.Fatalf("expected continuation request to carry ReqKind/Dest, got %+v", req)
	}
	if req.LastHop == nil || *req.LastHop != self {
		t.Fatalf("expected LastHop stamped with forwarding node's own id, got %+v", req.LastHop)
	}
}

func TestBlacklistBlocksAfterThreshold(t *testing.T) {
	b := NewBlacklist(1, 0)
	peer := idByte(5)
	b.NoteUnanswered(peer)
	if b.IsBlacklisted(peer) {
		t.Fatal("expected peer not yet blacklisted at the threshold boundary")
	}
	b.NoteUnanswered(peer)
	if !b.IsBlacklisted(peer) {
		t.Fatal("expected peer blacklisted once unanswered count exceeds threshold")
	}
}
