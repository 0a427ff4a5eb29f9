package dht

import (
	"sort"
	"sync"
)

// Table is a Kademlia-style routing table keyed by XOR distance from a
// local node id. It exists to make closest_peers lookups fast on a relay
// that has observed many peers; it is not the source of truth for
// replication-group membership (see group.go), which is computed
// directly and deterministically from the registry snapshot.
type Table struct {
	mu      sync.RWMutex
	self    ID
	buckets [IDLength * 8]*bucket
}

// NewTable constructs an empty table rooted at self.
func NewTable(self ID) *Table {
	t := &Table{self: self}
	for i := range t.buckets {
		t.buckets[i] = newBucket()
	}
	return t
}

func (t *Table) bucketIndex(id ID) int {
	if id == t.self {
		return 0
	}
	cpl := CommonPrefixLen(id, t.self)
	if cpl >= len(t.buckets) {
		cpl = len(t.buckets) - 1
	}
	return cpl
}

// Observe records a contact as seen, per the routing table's normal
// "refresh on every message" maintenance rule. It returns a contact that
// should be liveness-checked and possibly evicted, if the owning bucket
// was full.
func (t *Table) Observe(c Contact) (needsPing *Contact) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if c.ID == t.self {
		return nil
	}
	idx := t.bucketIndex(c.ID)
	evicted, ok := t.buckets[idx].Upsert(c)
	if !ok {
		return evicted
	}
	return nil
}

// EvictStale removes id after a failed liveness check.
func (t *Table) EvictStale(id ID) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.buckets[t.bucketIndex(id)].Remove(id)
}

// Closest returns up to n contacts ordered by ascending XOR distance to
// target, gathered from every bucket and sorted as one list.
func (t *Table) Closest(target ID, n int) []Contact {
	t.mu.RLock()
	defer t.mu.RUnlock()

	all := make([]Contact, 0, n*2)
	for _, b := range t.buckets {
		all = append(all, b.Contacts()...)
	}
	sort.Slice(all, func(i, j int) bool {
		return Less(Distance(all[i].ID, target), Distance(all[j].ID, target))
	})
	if len(all) > n {
		all = all[:n]
	}
	return all
}
