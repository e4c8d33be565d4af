package dhtstorage

import (
	"testing"
	"time"

	"fledger/internal/flo"
	"fledger/internal/nodeid"
)

func testRealm(maxSpace, maxFloSize uint64) flo.Realm {
	var id flo.RealmID
	return flo.Realm{ID: id, Config: flo.RealmConfig{MaxSpace: maxSpace, MaxFloSize: maxFloSize}}
}

func mustFlo(t *testing.T, tag string, version uint64, payload []byte) flo.Flo {
	t.Helper()
	f, err := flo.New(flo.RealmID{}, tag, version, payload, flo.NoRules(), flo.FloConfig{})
	if err != nil {
		t.Fatalf("new flo: %v", err)
	}
	return f
}

func TestUpsertRejectsOversizedFlo(t *testing.T) {
	s := New(nodeid.NodeID{}, testRealm(10, 100), nil)
	f := mustFlo(t, "note", 1, make([]byte, 5)) // size*3 = 15 > 10
	if err := s.Upsert(f, time.Now()); err == nil {
		t.Fatal("expected oversized flo to be rejected")
	}
}

func TestUpsertEvictsFurthestUnderBudget(t *testing.T) {
	s := New(nodeid.NodeID{}, testRealm(10, 100), nil)
	now := time.Now()

	for i := 0; i < 4; i++ {
		payload := make([]byte, 3)
		payload[0] = byte(i)
		f := mustFlo(t, "note", 1, payload)
		if err := s.Upsert(f, now); err != nil {
			t.Fatalf("upsert %d: %v", i, err)
		}
	}
	stats := s.Snapshot()
	if stats.TotalSize > 10 {
		t.Fatalf("expected eviction to keep total size <= 10, got %d", stats.TotalSize)
	}
	if stats.Count >= 4 {
		t.Fatalf("expected at least one eviction to have occurred, count=%d", stats.Count)
	}
}

func TestCuckooAttachAppendsToParent(t *testing.T) {
	s := New(nodeid.NodeID{}, testRealm(1000, 1000), nil)
	now := time.Now()
	parent := mustFlo(t, "parent", 1, []byte("p"))
	if err := s.Upsert(parent, now); err != nil {
		t.Fatalf("upsert parent: %v", err)
	}
	var child flo.FloID
	child[0] = 0xAB
	if err := s.CuckooAttach(parent.ID, child); err != nil {
		t.Fatalf("attach: %v", err)
	}
	rec, ok := s.Get(parent.ID, now)
	if !ok {
		t.Fatal("expected parent record to exist")
	}
	if len(rec.Cuckoos) != 1 || rec.Cuckoos[0] != child {
		t.Fatalf("expected cuckoo attached, got %+v", rec.Cuckoos)
	}
}

func TestSyncAvailableReturnsBehindEntries(t *testing.T) {
	s := New(nodeid.NodeID{}, testRealm(1000, 1000), nil)
	now := time.Now()
	local := mustFlo(t, "note", 2, []byte("v2"))
	if err := s.Upsert(local, now); err != nil {
		t.Fatalf("upsert: %v", err)
	}

	var unknownID flo.FloID
	unknownID[0] = 0xFF
	remote := []FloMeta{
		{ID: local.ID, Version: 1, CuckooCount: 0},   // local is ahead, not wanted
		{ID: local.ID, Version: 5, CuckooCount: 0},   // local is behind, wanted
		{ID: unknownID, Version: 1, CuckooCount: 0},  // unknown locally, wanted
	}
	want := s.SyncAvailable(remote)
	if len(want) != 2 {
		t.Fatalf("expected 2 wanted entries, got %+v", want)
	}
}
