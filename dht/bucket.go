package dht

import (
	"container/list"
	"time"
)

// BucketSize is Kademlia's k: the maximum number of contacts held in one
// bucket. 20 matches the reference implementations retrieved for this
// package (d7024e, nocturne) and is a conservative choice given the
// registry snapshot is already an authoritative membership source — this
// table only needs to be big enough to make lookups sub-linear.
const BucketSize = 20

// Contact is one entry in the routing table: a node id, its dial address,
// and the last time it was confirmed live.
type Contact struct {
	ID      ID
	Address string
	SeenAt  time.Time
}

// bucket holds up to BucketSize contacts ordered least-recently-seen
// first, per Kademlia's eviction rule: a freshly-seen contact moves to
// the back, and a bucket at capacity prefers to keep old, known-good
// contacts over an unverified newcomer.
type bucket struct {
	entries *list.List // of Contact
}

func newBucket() *bucket {
	return &bucket{entries: list.New()}
}

// Upsert records c as seen, moving it to the most-recently-seen end. If
// the bucket is full and c is new, it is dropped and ok is false — the
// caller may choose to ping the least-recently-seen contact and evict it
// on failure, but that liveness check lives above this type.
func (b *bucket) Upsert(c Contact) (evicted *Contact, ok bool) {
	for e := b.entries.Front(); e != nil; e = e.Next() {
		if e.Value.(Contact).ID == c.ID {
			b.entries.Remove(e)
			b.entries.PushBack(c)
			return nil, true
		}
	}
	if b.entries.Len() < BucketSize {
		b.entries.PushBack(c)
		return nil, true
	}
	front := b.entries.Front().Value.(Contact)
	return &front, false
}

// Remove deletes id from the bucket, if present.
func (b *bucket) Remove(id ID) {
	for e := b.entries.Front(); e != nil; e = e.Next() {
		if e.Value.(Contact).ID == id {
			b.entries.Remove(e)
			return
		}
	}
}

// Contacts returns every contact currently held, most-recently-seen last.
func (b *bucket) Contacts() []Contact {
	out := make([]Contact, 0, b.entries.Len())
	for e := b.entries.Front(); e != nil; e = e.Next() {
		out = append(out, e.Value.(Contact))
	}
	return out
}
