package acm

import "sync"

// Callback is invoked with the new content of a subscribed key. A deletion
// is signaled with an empty content slice (distinguishing absence from the
// valid empty string is not possible on this channel - see spec §4.8).
type Callback func(key Key, content []byte)

// CallbackHandle identifies a single registered callback so it can be
// removed by identity rather than by (unavailable) function equality.
type CallbackHandle uint64

type registeredCallback struct {
	handle CallbackHandle
	fn     Callback
}

// subscription is one (dataId, group, tenant) -> callbacks entry, plus the
// last observed content hash and its immutable shard assignment.
type subscription struct {
	key     Key
	mu      sync.Mutex
	cbs     []registeredCallback
	lastMD5 string
	shard   int
}

func (s *subscription) LastMD5() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastMD5
}

func (s *subscription) setLastMD5(v string) {
	s.mu.Lock()
	s.lastMD5 = v
	s.mu.Unlock()
}

// callbacks returns a stable copy of the currently registered callbacks.
func (s *subscription) callbacks() []registeredCallback {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]registeredCallback, len(s.cbs))
	copy(out, s.cbs)
	return out
}

// watcherRegistry owns the set of (dataId, group, tenant) -> [callbacks]
// subscriptions plus the last-known content hash per subscription, guarded
// by a single mutex held only for registry mutation/snapshot.
type watcherRegistry struct {
	mu         sync.Mutex
	subs       map[Key]*subscription
	nextHandle CallbackHandle
	shardSize  int
	// insertedCount counts every subscription ever created, across all
	// shards, purely to decide which shard a *new* subscription lands in; it
	// only grows, even as subscriptions are later removed, per the "no
	// rebalancing" invariant.
	insertedCount int
}

func newWatcherRegistry(shardSize int) *watcherRegistry {
	if shardSize <= 0 {
		shardSize = 3000
	}
	return &watcherRegistry{
		subs:      make(map[Key]*subscription),
		shardSize: shardSize,
	}
}

// Add finds-or-creates the Subscription for key and appends cb, returning a
// handle for later removal. Repeated Add calls on the same key merge
// callbacks into the existing subscription; a single callback added twice
// will be invoked twice per change. Returns the subscription so callers can
// detect "first time this shard became non-empty".
func (r *watcherRegistry) Add(key Key, cb Callback) (CallbackHandle, *subscription, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	sub, exists := r.subs[key]
	firstInShard := false
	if !exists {
		shard := r.insertedCount / r.shardSize
		sub = &subscription{key: key, shard: shard}
		r.subs[key] = sub
		r.insertedCount++
		firstInShard = r.shardPopulationLocked(shard) == 1
	}
	r.nextHandle++
	handle := r.nextHandle
	sub.mu.Lock()
	sub.cbs = append(sub.cbs, registeredCallback{handle: handle, fn: cb})
	sub.mu.Unlock()
	return handle, sub, firstInShard
}

// shardPopulationLocked must be called with r.mu held.
func (r *watcherRegistry) shardPopulationLocked(shard int) int {
	n := 0
	for _, s := range r.subs {
		if s.shard == shard {
			n++
		}
	}
	return n
}

// Remove removes the callback identified by handle from key's subscription.
// If the callback list becomes empty, the subscription itself is removed -
// a zero-callback subscription is never left live.
func (r *watcherRegistry) Remove(key Key, handle CallbackHandle) {
	r.mu.Lock()
	defer r.mu.Unlock()
	sub, ok := r.subs[key]
	if !ok {
		return
	}
	sub.mu.Lock()
	filtered := sub.cbs[:0]
	for _, rc := range sub.cbs {
		if rc.handle != handle {
			filtered = append(filtered, rc)
		}
	}
	sub.cbs = filtered
	empty := len(sub.cbs) == 0
	sub.mu.Unlock()
	if empty {
		delete(r.subs, key)
	}
}

// RemoveAll removes every callback registered on key, deleting the
// subscription.
func (r *watcherRegistry) RemoveAll(key Key) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.subs, key)
}

// SnapshotShard returns a stable copy of the subscriptions currently
// assigned to shard i, for the poller to iterate without holding the
// registry lock during I/O.
func (r *watcherRegistry) SnapshotShard(i int) []*subscription {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []*subscription
	for _, s := range r.subs {
		if s.shard == i {
			out = append(out, s)
		}
	}
	return out
}

// ShardCount returns the number of shards that have ever received a
// subscription (shards are never retired once spawned in this snapshot
// sense, though their population may later be sparse or zero).
func (r *watcherRegistry) ShardCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return (r.insertedCount + r.shardSize - 1) / r.shardSize
}
