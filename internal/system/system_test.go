package system

import (
	"testing"
	"time"

	"github.com/sirupsen/logrus"

	"fledger/internal/dhtstorage"
	"fledger/internal/flo"
	"fledger/internal/nodeid"
	"fledger/internal/router"
)

func idByte(b byte) nodeid.NodeID {
	var id nodeid.NodeID
	id[0] = b
	return id
}

// TestRequestClosestRoundTripsToStorageAndBack wires two Systems back to
// back (RegisterPeer callbacks invoking each other's HandleEnvelope
// directly, standing in for a real connection) and exercises a full
// content-addressed read: A issues RequestClosest for a key that routes
// straight to B, B answers from its own storage, and the reply routes
// back to A as a FloValue delivered to A's storage broker.
func TestRequestClosestRoundTripsToStorageAndBack(t *testing.T) {
	selfA := idByte(1)
	selfB := idByte(2)
	realm := flo.Realm{Config: flo.RealmConfig{MaxSpace: 1 << 20, MaxFloSize: 1 << 16}}

	storageA := dhtstorage.New(selfA, realm, nil)
	storageB := dhtstorage.New(selfB, realm, nil)

	f, err := flo.New(flo.RealmID{}, "note", 1, []byte("hello"), flo.NoRules(), flo.FloConfig{})
	if err != nil {
		t.Fatalf("building flo: %v", err)
	}
	if err := storageB.Upsert(f, time.Now()); err != nil {
		t.Fatalf("seeding remote storage: %v", err)
	}

	transportA := router.New(selfA, router.SystemConfig{K: 2, PingInterval: 10, PingTimeout: 30})
	transportB := router.New(selfB, router.SystemConfig{K: 2, PingInterval: 10, PingTimeout: 30})

	sysA := New(selfA, 2, 10, 30, transportA, storageA, logrus.New())
	sysB := New(selfB, 2, 10, 30, transportB, storageB, logrus.New())

	// RegisterPeer also fans out a system_config envelope synchronously;
	// its return value is irrelevant to this test (it isn't a Request).
	_ = transportA.RegisterPeer(selfB, func(e router.Envelope) error { return sysB.HandleEnvelope(e) })
	_ = transportB.RegisterPeer(selfA, func(e router.Envelope) error { return sysA.HandleEnvelope(e) })

	// A needs B active to route the initial Closest request toward it;
	// B needs A active to route the FloValue reply back.
	sysA.Kademlia.AddNode(selfB)
	sysA.Kademlia.NodeActive(selfB)
	sysB.Kademlia.AddNode(selfA)
	sysB.Kademlia.NodeActive(selfA)

	received := make(chan dhtstorage.Message, 1)
	sysA.StorageBroker.AddInputTap(func(msg dhtstorage.Message) { received <- msg })

	// Pinning the routing key to B's own NodeID forces this request to
	// terminate at B, independent of the Flo's own content-derived ID.
	key := flo.FloID(selfB)
	if err := sysA.RequestClosest(key, dhtstorage.Message{Kind: dhtstorage.ReadFlo, FloID: f.ID}); err != nil {
		t.Fatalf("RequestClosest: %v", err)
	}

	select {
	case msg := <-received:
		if msg.Kind != dhtstorage.FloValue || msg.Flo.ID != f.ID {
			t.Fatalf("expected a FloValue reply carrying %s, got %+v", f.ID, msg)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for the round trip to complete")
	}
}
