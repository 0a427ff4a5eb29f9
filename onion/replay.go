package onion

import (
	"sync"
	"time"
)

// ReplayCache rejects a previously seen circuit-setup nonce: replaying a
// captured setup packet must never spin up a second circuit for it.
// Grounded on Katzenpost's replayTag computed in
// kemsphinx.go's KEMUnwrap (there, hash of the KEM ciphertext; here, the
// setup nonce carried explicitly in the routing slot header) — the
// mechanism is the same idea, a bounded set of recently-seen tags with
// time-based eviction.
type ReplayCache struct {
	mu  sync.Mutex
	ttl time.Duration
	// seen maps a nonce to the time it was first observed.
	seen map[[KeyIDLen]byte]time.Time
}

// NewReplayCache constructs a cache that forgets entries older than ttl.
func NewReplayCache(ttl time.Duration) *ReplayCache {
	return &ReplayCache{
		ttl:  ttl,
		seen: make(map[[KeyIDLen]byte]time.Time),
	}
}

// CheckAndSet reports whether nonce was already seen (a replay). If it
// was not, it is recorded and false is returned.
func (r *ReplayCache) CheckAndSet(nonce [KeyIDLen]byte, now time.Time) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.evictLocked(now)
	if _, ok := r.seen[nonce]; ok {
		return true
	}
	r.seen[nonce] = now
	return false
}

func (r *ReplayCache) evictLocked(now time.Time) {
	for k, t := range r.seen {
		if now.Sub(t) > r.ttl {
			delete(r.seen, k)
		}
	}
}
