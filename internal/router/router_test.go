package router

import (
	"testing"

	"fledger/internal/nodeid"
)

func idByte(b byte) nodeid.NodeID {
	var id nodeid.NodeID
	id[0] = b
	return id
}

func TestRegisterPeerFansOutSystemConfig(t *testing.T) {
	r := New(idByte(0), SystemConfig{K: 2, PingInterval: 10, PingTimeout: 30})
	var got Envelope
	err := r.RegisterPeer(idByte(1), func(e Envelope) error {
		got = e
		return nil
	})
	if err != nil {
		t.Fatalf("register: %v", err)
	}
	if got.Kind != "system_config" {
		t.Fatalf("expected a system_config envelope on registration, got %+v", got)
	}
}

func TestSendUnknownPeerFails(t *testing.T) {
	r := New(idByte(0), SystemConfig{})
	err := r.Send(Envelope{To: idByte(9)})
	if err == nil {
		t.Fatal("expected an error sending to an unregistered peer")
	}
}

func TestBroadcastReachesAllRegisteredPeers(t *testing.T) {
	r := New(idByte(0), SystemConfig{})
	var count int
	for i := byte(1); i <= 3; i++ {
		id := idByte(i)
		r.RegisterPeer(id, func(e Envelope) error {
			count++
			return nil
		})
	}
	count = 0 // ignore the registration fan-out sends
	errs := r.Broadcast(Envelope{Kind: "ping"})
	if len(errs) != 0 {
		t.Fatalf("unexpected errors: %+v", errs)
	}
	if count != 3 {
		t.Fatalf("expected broadcast to reach 3 peers, reached %d", count)
	}
}

func TestUnregisterPeerStopsDelivery(t *testing.T) {
	r := New(idByte(0), SystemConfig{})
	r.RegisterPeer(idByte(1), func(Envelope) error { return nil })
	r.UnregisterPeer(idByte(1))
	if err := r.Send(Envelope{To: idByte(1)}); err == nil {
		t.Fatal("expected send to fail after unregistering the peer")
	}
}
