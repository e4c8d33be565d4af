package kademlia

import (
	"testing"

	"fledger/internal/nodeid"
)

func idWithFirstByte(b byte) nodeid.NodeID {
	var id nodeid.NodeID
	id[0] = b
	return id
}

// TestKademliaDepthIncreasesWithSharedPrefix checks that, with the
// all-zero NodeID as root, 0x80... files at depth 0, 0x40... at depth 1,
// 0x20... at depth 2, and RouteClosest(0x20..., nil) returns exactly
// [0x20...].
func TestKademliaDepthIncreasesWithSharedPrefix(t *testing.T) {
	root := nodeid.NodeID{}
	kd := New(root, 2, 10, 30)

	n1 := idWithFirstByte(0x80)
	n2 := idWithFirstByte(0x40)
	n3 := idWithFirstByte(0x20)

	if d := kd.AddNode(n1); d != 0 {
		t.Fatalf("expected depth 0 for 0x80..., got %d", d)
	}
	if d := kd.AddNode(n2); d != 1 {
		t.Fatalf("expected depth 1 for 0x40..., got %d", d)
	}
	if d := kd.AddNode(n3); d != 2 {
		t.Fatalf("expected depth 2 for 0x20..., got %d", d)
	}

	kd.NodeActive(n3)
	got := kd.RouteClosest(n3, nil)
	if len(got) != 1 || got[0] != n3 {
		t.Fatalf("expected route_closest(0x20...) == [0x20...], got %+v", got)
	}
}

// TestOverflowImbalanceSkipsSplitWhenAllSameDepth checks that a bucket
// which has grown past 2k entries but whose entries all share one depth
// is left unsplit: splitting off that depth would leave zero entries
// behind, so the bucket is reported stable instead of overflowing and
// the root absorbs all of them directly.
func TestOverflowImbalanceSkipsSplitWhenAllSameDepth(t *testing.T) {
	root := nodeid.NodeID{}
	kd := New(root, 2, 10, 30)

	ids := make([]nodeid.NodeID, 5)
	for i := range ids {
		id := idWithFirstByte(0x80) // depth 0 for every one of these
		id[31] = byte(i + 1)        // keep each NodeID distinct
		ids[i] = id
		kd.AddNode(id)
	}

	if d := kd.Depth(); d != 0 {
		t.Fatalf("expected no split buckets when all entries collapse into one depth, got Depth()=%d", d)
	}
	if n := kd.root.total(); n != len(ids) {
		t.Fatalf("expected root to hold all %d entries unsplit, got %d", len(ids), n)
	}
}

func TestRouteDirectStrictEmptyWhenNoActive(t *testing.T) {
	root := nodeid.NodeID{}
	kd := New(root, 2, 10, 30)
	dst := idWithFirstByte(0x20)
	kd.AddNode(dst) // only cached, never promoted

	if got := kd.RouteDirect(dst); len(got) != 0 {
		t.Fatalf("expected no active candidates, got %+v", got)
	}
}

func TestRemoveMergesRootWhenWanting(t *testing.T) {
	root := nodeid.NodeID{}
	kd := New(root, 1, 10, 30)

	n1 := idWithFirstByte(0x80)
	n2 := idWithFirstByte(0x40)
	n3 := idWithFirstByte(0x20)
	kd.AddNode(n1)
	kd.AddNode(n2)
	kd.AddNode(n3)
	if kd.Depth() == 0 {
		t.Fatal("expected at least one split bucket once the root exceeds 2k entries")
	}

	kd.Remove(n1)
	kd.Remove(n2)
	kd.Remove(n3)
	// Root should have merged everything back and hold zero entries.
	if got := kd.RouteClosest(idWithFirstByte(0x20), nil); len(got) != 0 {
		t.Fatalf("expected empty tree after removing all nodes, got %+v", got)
	}
}

func TestTickRemovesPeerPastTimeout(t *testing.T) {
	root := nodeid.NodeID{}
	kd := New(root, 2, 1, 2)
	n := idWithFirstByte(0x80)
	kd.AddNode(n)
	kd.NodeActive(n)

	var removed []nodeid.NodeID
	for i := 0; i < 3; i++ {
		_, r := kd.Tick()
		removed = append(removed, r...)
	}
	found := false
	for _, id := range removed {
		if id == n {
			found = true
		}
	}
	if !found {
		t.Fatal("expected peer to be removed after exceeding ping_timeout ticks without contact")
	}
}
