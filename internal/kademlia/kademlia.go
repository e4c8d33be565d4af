// Package kademlia implements a distance-bucket overlay: a
// splitting/merging bucket tree keyed by XOR-prefix depth from a local
// NodeID, active/cache peer promotion, tick-based liveness, and the
// route_closest/route_direct routing policies.
//
// A fixed 160-bucket array with no splitting, merging, or active/cache
// distinction is a common minimal-DHT starting shape; this package keeps
// that shape (a NodeID-keyed struct guarded by a mutex, bucket slices
// indexed by XOR distance) but replaces the fixed array with a growing
// bucket tree and liveness model.
package kademlia

import (
	"math/rand"
	"sort"
	"sync"

	"fledger/internal/nodeid"
)

// peerEntry tracks one candidate or live peer inside a bucket.
type peerEntry struct {
	id          nodeid.NodeID
	depth       int // depth(self, id) at the time this entry was filed
	lastContact int // tick count at last contact
}

// Bucket holds the active (promoted, routable) and cache (candidate)
// peers sharing a distance-prefix depth.
type Bucket struct {
	Active []peerEntry
	Cache  []peerEntry
}

func (b *Bucket) total() int { return len(b.Active) + len(b.Cache) }

func (b *Bucket) removeFrom(list *[]peerEntry, id nodeid.NodeID) bool {
	for i, e := range *list {
		if e.id == id {
			*list = append((*list)[:i], (*list)[i+1:]...)
			return true
		}
	}
	return false
}

type bucketStatus int

const (
	bucketWanting bucketStatus = iota
	bucketStable
	bucketOverflowing
)

// status classifies a bucket by its node count: wanting below k, stable
// between k and 2k, overflowing above 2k — unless overflowImbalance
// holds, in which case an over-capacity bucket is still reported stable.
func (b *Bucket) status(k int) bucketStatus {
	n := b.total()
	if n > 2*k {
		if b.overflowImbalance(k, b.splitDepth()) {
			return bucketStable
		}
		return bucketOverflowing
	}
	if n < k {
		return bucketWanting
	}
	return bucketStable
}

// splitDepth is the shallowest depth present in the bucket — the depth a
// split would carve off.
func (b *Bucket) splitDepth() int {
	min := -1
	for _, e := range b.Active {
		if min == -1 || e.depth < min {
			min = e.depth
		}
	}
	for _, e := range b.Cache {
		if min == -1 || e.depth < min {
			min = e.depth
		}
	}
	return min
}

// overflowImbalance reports whether splitting off every entry at depth
// would leave fewer than k entries at the remaining depths — the
// collapsed-prefix edge case where splitting would never drain the
// bucket below 2k, so it is better left unsplit.
func (b *Bucket) overflowImbalance(k, depth int) bool {
	total, atDepth := 0, 0
	for _, e := range b.Active {
		total++
		if e.depth == depth {
			atDepth++
		}
	}
	for _, e := range b.Cache {
		total++
		if e.depth == depth {
			atDepth++
		}
	}
	return total-atDepth < k
}

// removeAllAtDepth extracts entries at the given depth, bounded so at
// least k entries remain behind (cache entries are preferred over active
// ones, matching the order a split should prefer to keep live peers).
func (b *Bucket) removeAllAtDepth(depth, k int) (active, cache []peerEntry) {
	maxNodes := b.total() - k
	if maxNodes < 0 {
		maxNodes = 0
	}

	remainingCache := make([]peerEntry, 0, len(b.Cache))
	for _, e := range b.Cache {
		if len(cache) < maxNodes && e.depth == depth {
			cache = append(cache, e)
		} else {
			remainingCache = append(remainingCache, e)
		}
	}
	b.Cache = remainingCache

	activeBudget := maxNodes - len(cache)
	remainingActive := make([]peerEntry, 0, len(b.Active))
	for _, e := range b.Active {
		if len(active) < activeBudget && e.depth == depth {
			active = append(active, e)
		} else {
			remainingActive = append(remainingActive, e)
		}
	}
	b.Active = remainingActive

	return active, cache
}

// Kademlia is the per-node bucket tree.
type Kademlia struct {
	mu sync.Mutex

	self nodeid.NodeID

	k            int // bucket width
	pingInterval int // ticks
	pingTimeout  int // ticks

	// buckets[i] holds entries whose depth(self, id) == i, for i <
	// len(buckets). root holds entries whose depth >= len(buckets) — the
	// still-unresolved deepest prefix shared with self.
	buckets []*Bucket
	root    *Bucket

	tick int
}

// New constructs a Kademlia bucket tree for self with the given
// configuration (k default 2, ping_interval default 10, ping_timeout
// default 30).
func New(self nodeid.NodeID, k, pingInterval, pingTimeout int) *Kademlia {
	return &Kademlia{
		self:         self,
		k:            k,
		pingInterval: pingInterval,
		pingTimeout:  pingTimeout,
		root:         &Bucket{},
	}
}

// bucketFor returns the bucket an id of the given depth belongs to.
func (kd *Kademlia) bucketFor(depth int) *Bucket {
	if depth < len(kd.buckets) {
		return kd.buckets[depth]
	}
	return kd.root
}

// AddNode inserts id into the tree and returns the depth it was filed
// under.
func (kd *Kademlia) AddNode(id nodeid.NodeID) int {
	kd.mu.Lock()
	defer kd.mu.Unlock()

	if id == kd.self {
		return -1
	}
	depth := nodeid.Depth(kd.self, id)
	b := kd.bucketFor(depth)
	for _, e := range b.Active {
		if e.id == id {
			return depth
		}
	}
	for _, e := range b.Cache {
		if e.id == id {
			return depth
		}
	}
	b.Cache = append(b.Cache, peerEntry{id: id, depth: depth, lastContact: kd.tick})
	kd.rebalance()
	return depth
}

// rebalance splits the root bucket while it is overflowing, carving off
// the shallowest depth present into a new bucket each iteration. A
// bucket with 2k+1 or more entries that all collapse into one depth is
// left alone (see overflowImbalance) rather than split into an
// ever-growing chain of single-depth buckets, and must be called with
// kd.mu held.
func (kd *Kademlia) rebalance() {
	for kd.root.status(kd.k) == bucketOverflowing {
		newIdx := len(kd.buckets)
		active, cache := kd.root.removeAllAtDepth(newIdx, kd.k)
		kd.buckets = append(kd.buckets, &Bucket{Active: active, Cache: cache})
	}
}

// Remove deletes id from the tree, merging the deepest split bucket back
// into the root while the root remains "wanting" (< k entries).
func (kd *Kademlia) Remove(id nodeid.NodeID) {
	kd.mu.Lock()
	defer kd.mu.Unlock()
	kd.removeLocked(id)
}

func (kd *Kademlia) removeLocked(id nodeid.NodeID) bool {
	depth := nodeid.Depth(kd.self, id)
	b := kd.bucketFor(depth)
	removed := b.removeFrom(&b.Active, id)
	if !removed {
		removed = b.removeFrom(&b.Cache, id)
	}
	if !removed {
		return false
	}
	for len(kd.buckets) > 0 && kd.root.total() < kd.k {
		last := kd.buckets[len(kd.buckets)-1]
		kd.buckets = kd.buckets[:len(kd.buckets)-1]
		kd.root.Active = append(kd.root.Active, last.Active...)
		kd.root.Cache = append(kd.root.Cache, last.Cache...)
	}
	return true
}

// NodeActive promotes id from its bucket's cache into its active list, if
// an active slot (limit k) is free, and re-sorts the active list by depth
// ascending so routing prefers closer peers.
func (kd *Kademlia) NodeActive(id nodeid.NodeID) bool {
	kd.mu.Lock()
	defer kd.mu.Unlock()

	depth := nodeid.Depth(kd.self, id)
	b := kd.bucketFor(depth)
	if len(b.Active) >= kd.k {
		return false
	}
	idx := -1
	for i, e := range b.Cache {
		if e.id == id {
			idx = i
			break
		}
	}
	if idx < 0 {
		for _, e := range b.Active {
			if e.id == id {
				return true
			}
		}
		return false
	}
	e := b.Cache[idx]
	b.Cache = append(b.Cache[:idx], b.Cache[idx+1:]...)
	e.lastContact = kd.tick
	b.Active = append(b.Active, e)
	sort.Slice(b.Active, func(i, j int) bool {
		return nodeid.Depth(kd.self, b.Active[i].id) < nodeid.Depth(kd.self, b.Active[j].id)
	})
	return true
}

// RouteClosest implements route_closest: active peers at dst's depth,
// sweeping outward (deeper depths first, then back toward the root) when
// that bucket is empty. When lastHop is non-nil, depths at or below
// max(depth(self,dst), depth(self,*lastHop)) are skipped to guarantee
// progress.
func (kd *Kademlia) RouteClosest(dst nodeid.NodeID, lastHop *nodeid.NodeID) []nodeid.NodeID {
	kd.mu.Lock()
	defer kd.mu.Unlock()

	targetDepth := nodeid.Depth(kd.self, dst)
	minDepth := 0
	if lastHop != nil {
		ld := nodeid.Depth(kd.self, *lastHop)
		floor := targetDepth
		if ld > floor {
			floor = ld
		}
		minDepth = floor + 1
	}

	if targetDepth >= minDepth {
		if ids := activeIDs(kd.bucketFor(targetDepth)); len(ids) > 0 {
			return ids
		}
	}
	// Sweep deeper first.
	maxDepth := len(kd.buckets)
	for d := targetDepth + 1; d <= maxDepth; d++ {
		if d < minDepth {
			continue
		}
		if ids := activeIDs(kd.bucketFor(d)); len(ids) > 0 {
			return ids
		}
	}
	// Then toward the root.
	for d := targetDepth - 1; d >= 0; d-- {
		if d < minDepth {
			continue
		}
		if ids := activeIDs(kd.bucketFor(d)); len(ids) > 0 {
			return ids
		}
	}
	return nil
}

// RouteDirect implements route_direct: only the exact-depth bucket's
// active candidates, empty if that bucket has none (strict mode — no
// sweeping).
func (kd *Kademlia) RouteDirect(dst nodeid.NodeID) []nodeid.NodeID {
	kd.mu.Lock()
	defer kd.mu.Unlock()
	return activeIDs(kd.bucketFor(nodeid.Depth(kd.self, dst)))
}

// PickNextHop chooses uniformly at random among candidates. Returns
// false if candidates is empty.
func PickNextHop(candidates []nodeid.NodeID) (nodeid.NodeID, bool) {
	if len(candidates) == 0 {
		return nodeid.NodeID{}, false
	}
	return candidates[rand.Intn(len(candidates))], true
}

func activeIDs(b *Bucket) []nodeid.NodeID {
	ids := make([]nodeid.NodeID, len(b.Active))
	for i, e := range b.Active {
		ids[i] = e.id
	}
	return ids
}

// Tick advances the liveness clock by one (at 1 Hz): active peers
// older than ping_interval since last contact are due a re-ping; those
// past ping_timeout are dropped. Cache peers are pinged opportunistically
// to fill up to 2*(k-|active|) missing active slots. Returns the peers to
// ping this tick and the peers removed this tick.
func (kd *Kademlia) Tick() (toPing, removed []nodeid.NodeID) {
	kd.mu.Lock()
	defer kd.mu.Unlock()

	kd.tick++

	allBuckets := append(append([]*Bucket(nil), kd.buckets...), kd.root)
	for _, b := range allBuckets {
		var stillActive []peerEntry
		for _, e := range b.Active {
			age := kd.tick - e.lastContact
			if age >= kd.pingTimeout {
				removed = append(removed, e.id)
				continue
			}
			if kd.pingInterval > 0 && age > 0 && age%kd.pingInterval == 0 {
				toPing = append(toPing, e.id)
			}
			stillActive = append(stillActive, e)
		}
		b.Active = stillActive

		missing := kd.k - len(b.Active)
		if missing <= 0 {
			continue
		}
		limit := 2 * missing
		for i, e := range b.Cache {
			if i >= limit {
				break
			}
			toPing = append(toPing, e.id)
		}
	}
	for _, id := range removed {
		kd.removeLocked(id)
	}
	return toPing, removed
}

// Depth returns the number of resolved (split) buckets in the current
// tree.
func (kd *Kademlia) Depth() int {
	kd.mu.Lock()
	defer kd.mu.Unlock()
	return len(kd.buckets)
}
