// Package dhtstorage implements per-realm DHT storage: a FloID-keyed
// record map, a depth-indexed distance index for eviction, size-budget
// enforcement, cuckoo attachment, and the anti-entropy sync_available
// comparison.
//
// The sync.RWMutex-guarded map with a running total, enforcing a budget
// on write, generalizes an account-map pattern from account balances to
// FloStorage records, extended with depth-bucketed eviction.
package dhtstorage

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"fledger/internal/flo"
	"fledger/internal/nodeid"
	"fledger/pkg/errs"
)

// FloMeta is the anti-entropy gossip unit: enough to decide whether a
// peer's copy of a Flo is behind ours.
type FloMeta struct {
	ID          flo.FloID
	Version     uint64
	CuckooCount int
}

// RealmStorage holds every FloStorage record belonging to one realm on
// this node, indexed both by FloID and by distance depth from the local
// NodeID.
type RealmStorage struct {
	mu sync.RWMutex

	self  nodeid.NodeID
	realm flo.Realm
	owned map[flo.FloID]struct{}

	records   map[flo.FloID]*flo.FloStorage
	byDepth   map[int]map[flo.FloID]struct{}
	totalSize uint64
}

// New constructs an empty RealmStorage for realm, owned by self, whose
// owned set never evicts.
func New(self nodeid.NodeID, realm flo.Realm, owned []flo.FloID) *RealmStorage {
	ownedSet := make(map[flo.FloID]struct{}, len(owned))
	for _, id := range owned {
		ownedSet[id] = struct{}{}
	}
	return &RealmStorage{
		self:    self,
		realm:   realm,
		owned:   ownedSet,
		records: make(map[flo.FloID]*flo.FloStorage),
		byDepth: make(map[int]map[flo.FloID]struct{}),
	}
}

func depthOf(self nodeid.NodeID, id flo.FloID) int {
	return nodeid.Depth(self, nodeid.NodeID(id))
}

func sizeOf(f flo.Flo) uint64 { return uint64(len(f.Payload)) }

// Upsert inserts or replaces a Flo's record, rejecting it if its size
// alone would exceed a third of the realm's space budget (reject if
// flo.size * 3 > realm.max_space), then evicting the furthest
// entries until back under budget.
func (s *RealmStorage) Upsert(f flo.Flo, now time.Time) error {
	size := sizeOf(f)
	if size*3 > s.realm.Config.MaxSpace {
		return fmt.Errorf("%w: flo %s (%d bytes)", errs.ErrFloTooLarge, f.ID, size)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if existing, ok := s.records[f.ID]; ok {
		s.totalSize -= sizeOf(existing.Flo)
		existing.Flo = f
		existing.UpdatedAt = now
		s.totalSize += size
	} else {
		rec := &flo.FloStorage{Flo: f, CreatedAt: now, UpdatedAt: now}
		s.records[f.ID] = rec
		s.indexInsert(f.ID)
		s.totalSize += size
	}

	for s.totalSize > s.realm.Config.MaxSpace {
		if !s.evictFurthestLocked(f.ID) {
			break
		}
	}
	return nil
}

// Get returns the stored record for id, recording a read access.
func (s *RealmStorage) Get(id flo.FloID, now time.Time) (flo.FloStorage, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.records[id]
	if !ok {
		return flo.FloStorage{}, false
	}
	rec.Touch(now)
	return *rec, true
}

// EvictFurthest removes the entry at the greatest distance depth that is
// neither preserve nor in the owned set, returning false if nothing could
// be evicted.
func (s *RealmStorage) EvictFurthest(preserve flo.FloID) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.evictFurthestLocked(preserve)
}

func (s *RealmStorage) evictFurthestLocked(preserve flo.FloID) bool {
	depths := make([]int, 0, len(s.byDepth))
	for d := range s.byDepth {
		depths = append(depths, d)
	}
	sort.Sort(sort.Reverse(sort.IntSlice(depths)))

	for _, d := range depths {
		for id := range s.byDepth[d] {
			if id == preserve {
				continue
			}
			if _, protected := s.owned[id]; protected {
				continue
			}
			s.removeLocked(id, d)
			return true
		}
	}
	return false
}

func (s *RealmStorage) indexInsert(id flo.FloID) {
	d := depthOf(s.self, id)
	set, ok := s.byDepth[d]
	if !ok {
		set = make(map[flo.FloID]struct{})
		s.byDepth[d] = set
	}
	set[id] = struct{}{}
}

func (s *RealmStorage) removeLocked(id flo.FloID, depth int) {
	if rec, ok := s.records[id]; ok {
		s.totalSize -= sizeOf(rec.Flo)
		delete(s.records, id)
	}
	if set, ok := s.byDepth[depth]; ok {
		delete(set, id)
		if len(set) == 0 {
			delete(s.byDepth, depth)
		}
	}
}

// CuckooAttach appends child to parent's cuckoo list, deduplicated.
func (s *RealmStorage) CuckooAttach(parent, child flo.FloID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.records[parent]
	if !ok {
		return fmt.Errorf("dhtstorage: unknown parent flo %s", parent)
	}
	rec.Attach(child)
	return nil
}

// SyncAvailable implements sync_available: given a remote's advertised
// metadata, returns the subset the local node wants — entries it lacks,
// or holds a strictly older version or strictly fewer cuckoos for.
func (s *RealmStorage) SyncAvailable(remote []FloMeta) []FloMeta {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var want []FloMeta
	for _, m := range remote {
		rec, ok := s.records[m.ID]
		if !ok {
			want = append(want, m)
			continue
		}
		if rec.Flo.Version < m.Version || len(rec.Cuckoos) < m.CuckooCount {
			want = append(want, m)
		}
	}
	return want
}

// Metas returns this realm's current advertisement list, excluding realms
// this node does not accept is the caller's responsibility (the whitelist
// check happens one layer up, where the realm set is known).
func (s *RealmStorage) Metas() []FloMeta {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]FloMeta, 0, len(s.records))
	for id, rec := range s.records {
		out = append(out, FloMeta{ID: id, Version: rec.Flo.Version, CuckooCount: len(rec.Cuckoos)})
	}
	return out
}

// All returns a snapshot copy of every FloStorage record currently held,
// for callers (e.g. internal/realmview) that need to scan the full set
// rather than look up one FloID at a time.
func (s *RealmStorage) All() []flo.FloStorage {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]flo.FloStorage, 0, len(s.records))
	for _, rec := range s.records {
		out = append(out, *rec)
	}
	return out
}

// Stats is a point-in-time snapshot of storage occupancy, taken under the
// storage's read lock.
type Stats struct {
	Count     int
	TotalSize uint64
	MaxSpace  uint64
}

// Snapshot returns the current occupancy stats.
func (s *RealmStorage) Snapshot() Stats {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return Stats{Count: len(s.records), TotalSize: s.totalSize, MaxSpace: s.realm.Config.MaxSpace}
}
