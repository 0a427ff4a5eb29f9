package chat

import (
	"context"
	"sync"
	"time"

	"github.com/nyxmesh/corerelay/crypto/suite"
	"github.com/nyxmesh/corerelay/dht"
)

// GroupChecker answers "is this node among the r closest to key", the
// membership test CreateChat and lazy-pull both need before they may
// act on a chat. It is implemented by the registry+dht wiring at the
// node level; kept as a narrow interface here so this package does not
// import a full node type.
type GroupChecker interface {
	InGroup(key dht.ID) bool
}

// ManagerCaps bounds resident state at the node level, on top of each
// chat's own Caps.
type ManagerCaps struct {
	Chat       Caps
	TotalBytes uint64 // 0 disables the node-wide cap
	IngressLen int
}

// Manager owns the set of chats resident on this node — CreateChat,
// lookup, and the node-level total-buffer cap that evicts the
// least-recently-touched chat when the aggregate exceeds TotalBytes.
type Manager struct {
	mu      sync.Mutex
	handles map[string]*Handle
	touched map[string]time.Time
	group   GroupChecker
	caps    ManagerCaps
}

// NewManager constructs an empty Manager.
func NewManager(group GroupChecker, caps ManagerCaps) *Manager {
	return &Manager{
		handles: make(map[string]*Handle),
		touched: make(map[string]time.Time),
		group:   group,
		caps:    caps,
	}
}

func key(name []byte) string { return string(name) }

// Get returns the handle for an already-resident chat.
func (m *Manager) Get(name []byte) (*Handle, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	h, ok := m.handles[key(name)]
	if ok {
		m.touched[key(name)] = time.Now()
	}
	return h, ok
}

// CreateChat succeeds only if the chat is unknown locally and this node
// is in its replication group, and the caller becomes the sole root
// member.
func (m *Manager) CreateChat(name []byte, root *suite.SignPublicKey) (*Handle, error) {
	if err := validateName(name); err != nil {
		return nil, err
	}
	if !m.group.InGroup(dht.ChatKey(name)) {
		return nil, ErrNotInGroup
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.handles[key(name)]; exists {
		return nil, ErrAlreadyExists
	}
	c := New(name, root, m.caps.Chat)
	h := NewHandle(c, m.caps.IngressLen)
	m.handles[key(name)] = h
	m.touched[key(name)] = time.Now()
	m.evictIfOverCapLocked()
	return h, nil
}

// Install registers a chat fetched via the consistency vote (lazy
// pull's step 4), replacing any existing local handle for that name.
func (m *Manager) Install(snap ChatSnapshot) *Handle {
	m.mu.Lock()
	defer m.mu.Unlock()
	if old, exists := m.handles[key(snap.Name)]; exists {
		old.Halt()
	}
	c := FromSnapshot(snap, m.caps.Chat)
	h := NewHandle(c, m.caps.IngressLen)
	m.handles[key(snap.Name)] = h
	m.touched[key(snap.Name)] = time.Now()
	m.evictIfOverCapLocked()
	return h
}

// Touch records activity on name, keeping it off the eviction
// shortlist.
func (m *Manager) Touch(name []byte) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.handles[key(name)]; ok {
		m.touched[key(name)] = time.Now()
	}
}

// evictIfOverCapLocked drops the least-recently-touched resident chat
// until the aggregate resident size is within TotalBytes. Called with
// m.mu held.
func (m *Manager) evictIfOverCapLocked() {
	if m.caps.TotalBytes == 0 {
		return
	}
	for m.totalBytesLocked() > m.caps.TotalBytes {
		var oldestKey string
		var oldestTime time.Time
		first := true
		for k, t := range m.touched {
			if first || t.Before(oldestTime) {
				oldestKey, oldestTime, first = k, t, false
			}
		}
		if first {
			return
		}
		h := m.handles[oldestKey]
		h.Halt()
		delete(m.handles, oldestKey)
		delete(m.touched, oldestKey)
	}
}

// totalBytesLocked sums every resident chat's current log size.
// Chat.LogBytes is backed by an atomic.Uint64 written only from that
// chat's own owning task (chat/state.go's commitAppend/evictLocked), so
// this cross-goroutine read from the Manager's task is race-free without
// routing through each Handle's ingress channel.
func (m *Manager) totalBytesLocked() uint64 {
	var total uint64
	for _, h := range m.handles {
		total += h.chat.LogBytes()
	}
	return total
}

// Names returns every resident chat name, used by replication fan-out
// and diagnostics.
func (m *Manager) Names() [][]byte {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([][]byte, 0, len(m.handles))
	for k := range m.handles {
		out = append(out, []byte(k))
	}
	return out
}

// Shutdown halts every resident chat's owning task.
func (m *Manager) Shutdown(ctx context.Context) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, h := range m.handles {
		h.Halt()
	}
}
