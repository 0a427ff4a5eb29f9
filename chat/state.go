package chat

import (
	"sync/atomic"

	"github.com/nyxmesh/corerelay/crypto/suite"
)

// SigTailWindow bounds how many trailing log entries retain a full
// signature: post-quantum signatures are multi-KB, so only the most
// recent window is kept for immediate replay verification; older
// entries rely on the chain hash alone, backstopped by consistency
// voting.
const SigTailWindow = 64

// DefaultSendThreshold is the permission level a member must be at or
// below to call SendMessage when a chat does not set its own
// threshold — 255 admits every member.
const DefaultSendThreshold = 255

// Caps bounds one chat's resident log size by total bytes and entry count.
type Caps struct {
	MaxBytes uint64
	MaxCount int
}

// Chat is one chat's full state. It is NOT internally synchronized: it
// is owned by exactly one task (see Handle/task.go) and every method
// here must only ever be called from that task's goroutine.
type Chat struct {
	Name          []byte
	Members       []Member
	NextIndex     uint64
	Log           []Entry
	ActionNonces  map[string]uint64 // hex(pubkey) -> last accepted nonce
	SendThreshold uint8

	caps      Caps
	logBytes  atomic.Uint64 // written only by the owning task; read cross-goroutine by Manager's cap check
	chainHead [suite.HashSize]byte
	evicted   int // count of entries ever evicted, for EvictedPrefixLen
}

// New creates a chat with root as its sole, permission-0 member,
// following CreateChat's "caller becomes the sole root member" rule.
func New(name []byte, root *suite.SignPublicKey, caps Caps) *Chat {
	return &Chat{
		Name:          append([]byte(nil), name...),
		Members:       []Member{{PubKey: root, Permission: 0}},
		NextIndex:     0,
		ActionNonces:  make(map[string]uint64),
		SendThreshold: DefaultSendThreshold,
		caps:          caps,
		chainHead:     initialChainHash(name),
	}
}

func nonceKey(pk *suite.SignPublicKey) string {
	b, _ := pk.MarshalBinary()
	return string(b)
}

// memberIndex returns the index of pk in Members, or -1.
func (c *Chat) memberIndex(pk *suite.SignPublicKey) int {
	for i, m := range c.Members {
		if m.PubKey.Equal(pk) {
			return i
		}
	}
	return -1
}

// Member looks up a member's record.
func (c *Chat) Member(pk *suite.SignPublicKey) (Member, bool) {
	if i := c.memberIndex(pk); i >= 0 {
		return c.Members[i], true
	}
	return Member{}, false
}

// checkNonce enforces per-member strict nonce monotonicity for control
// operations (Invite, Remove, SetPermission, SetSendThreshold).
func (c *Chat) checkNonce(pk *suite.SignPublicKey, nonce uint64) error {
	key := nonceKey(pk)
	if last, ok := c.ActionNonces[key]; ok && nonce <= last {
		return ErrNonceReplay
	}
	return nil
}

func (c *Chat) commitNonce(pk *suite.SignPublicKey, nonce uint64) {
	c.ActionNonces[nonceKey(pk)] = nonce
}

// Invite adds newPK as a member at the given permission level. issuer
// must already be a member with permission strictly less than
// permission (outranking the grant they are extending).
func (c *Chat) Invite(issuer *suite.SignPublicKey, newPK *suite.SignPublicKey, permission uint8, nonce uint64) error {
	im, ok := c.Member(issuer)
	if !ok {
		return ErrUnknownMember
	}
	if !(uint8(im.Permission) < permission) {
		return ErrDenied
	}
	if err := c.checkNonce(issuer, nonce); err != nil {
		return err
	}
	if _, exists := c.Member(newPK); exists {
		return ErrMemberExists
	}
	c.Members = append(c.Members, Member{PubKey: newPK, Permission: permission})
	c.commitNonce(issuer, nonce)
	return nil
}

// Remove deletes target from the member list. issuer must outrank
// target. Removal is prospective only: prior log entries authored by
// target remain valid, there is no retroactive hiding of history.
func (c *Chat) Remove(issuer *suite.SignPublicKey, target *suite.SignPublicKey, nonce uint64) error {
	im, ok := c.Member(issuer)
	if !ok {
		return ErrUnknownMember
	}
	tm, ok := c.Member(target)
	if !ok {
		return ErrUnknownMember
	}
	if !(im.Permission < tm.Permission) {
		return ErrDenied
	}
	if err := c.checkNonce(issuer, nonce); err != nil {
		return err
	}
	idx := c.memberIndex(target)
	c.Members = append(c.Members[:idx], c.Members[idx+1:]...)
	c.commitNonce(issuer, nonce)
	return nil
}

// SetPermission changes target's permission level, under the same
// outranking rule as Remove/Invite.
func (c *Chat) SetPermission(issuer, target *suite.SignPublicKey, permission uint8, nonce uint64) error {
	im, ok := c.Member(issuer)
	if !ok {
		return ErrUnknownMember
	}
	ti := c.memberIndex(target)
	if ti < 0 {
		return ErrUnknownMember
	}
	if !(im.Permission < c.Members[ti].Permission) || !(im.Permission < permission) {
		return ErrDenied
	}
	if err := c.checkNonce(issuer, nonce); err != nil {
		return err
	}
	c.Members[ti].Permission = permission
	c.commitNonce(issuer, nonce)
	return nil
}

// SetSendThreshold changes the permission level at or below which
// members may SendMessage. Restricted to root (permission 0).
func (c *Chat) SetSendThreshold(issuer *suite.SignPublicKey, threshold uint8, nonce uint64) error {
	im, ok := c.Member(issuer)
	if !ok || im.Permission != 0 {
		return ErrDenied
	}
	if err := c.checkNonce(issuer, nonce); err != nil {
		return err
	}
	c.SendThreshold = threshold
	c.commitNonce(issuer, nonce)
	return nil
}

// Append validates and stores a message from author, enforcing the send
// threshold, then evicts oldest entries until both caps are satisfied.
// It returns the stored Entry, or ErrOverflow if payload alone still
// exceeds MaxBytes once every other entry has been evicted.
func (c *Chat) Append(author *suite.SignPublicKey, payload []byte, sig *suite.Signature) (Entry, error) {
	if err := validatePayload(payload); err != nil {
		return Entry{}, err
	}
	m, ok := c.Member(author)
	if !ok {
		return Entry{}, ErrUnknownMember
	}
	if m.Permission > c.SendThreshold {
		return Entry{}, ErrDenied
	}
	msg := SignPayload(c.Name, c.NextIndex, payload)
	if !suite.Verify(author, msg, sig) {
		return Entry{}, ErrInvalidProof
	}
	return c.commitAppend(author, payload, sig)
}

// ApplyReplicated stores an entry received from a peer holder via
// Replicate, without re-deriving a signature — the replicated Entry
// already carries one produced by the origin's Append. It is applied
// only if index == NextIndex, per the eager-replication contract;
// otherwise ErrIndexReplay signals the caller to reconcile.
func (c *Chat) ApplyReplicated(e Entry) error {
	if e.Index != c.NextIndex {
		return ErrIndexReplay
	}
	if _, err := c.commitAppend(e.AuthorPK, e.Payload, e.Signature); err != nil {
		return err
	}
	return nil
}

func (c *Chat) commitAppend(author *suite.SignPublicKey, payload []byte, sig *suite.Signature) (Entry, error) {
	if c.caps.MaxBytes > 0 && uint64(len(payload)) > c.caps.MaxBytes {
		return Entry{}, ErrOverflow
	}
	head := chainHash(c.chainHead, payload)
	entry := Entry{
		Index:     c.NextIndex,
		AuthorPK:  author,
		Payload:   append([]byte(nil), payload...),
		Signature: sig,
		ChainHash: head,
	}
	c.Log = append(c.Log, entry)
	c.logBytes.Store(c.logBytes.Load() + uint64(len(payload)))
	c.chainHead = head
	c.NextIndex++
	c.evictLocked()
	c.trimSignatureTail()
	return entry, nil
}

// evictLocked drops oldest entries while either cap is exceeded, so the
// resident log never grows past its bound after an append — on origin
// and replicas alike, since both call commitAppend.
func (c *Chat) evictLocked() {
	for (c.caps.MaxBytes > 0 && c.logBytes.Load() > c.caps.MaxBytes) ||
		(c.caps.MaxCount > 0 && len(c.Log) > c.caps.MaxCount) {
		if len(c.Log) == 0 {
			break
		}
		oldest := c.Log[0]
		c.logBytes.Store(c.logBytes.Load() - uint64(len(oldest.Payload)))
		c.Log = c.Log[1:]
		c.evicted++
	}
}

// trimSignatureTail clears Signature on every entry older than the
// bounded tail window.
func (c *Chat) trimSignatureTail() {
	cut := len(c.Log) - SigTailWindow
	for i := 0; i < cut && i < len(c.Log); i++ {
		c.Log[i].Signature = nil
	}
}

// ChainHead returns the current chain-hash accumulator.
func (c *Chat) ChainHead() [suite.HashSize]byte { return c.chainHead }

// EvictedPrefixLen returns the count of entries ever evicted from this
// chat's log, one of the values compared for replication convergence.
func (c *Chat) EvictedPrefixLen() int { return c.evicted }

// LogBytes returns the current resident byte size of the log. Safe to
// call from outside the owning task: logBytes is only ever written from
// there, but read here from Manager's goroutine for the node-wide cap
// check, so the field is an atomic.Uint64 rather than a plain uint64.
func (c *Chat) LogBytes() uint64 { return c.logBytes.Load() }

// FetchMessages returns up to limit entries with index >= cursor,
// newest-first, plus the cursor to use on the next call (the highest
// index returned, or the input cursor if nothing matched). cursor is
// the index of the oldest entry the caller still wants, not the last
// one it has already seen, so cursor 0 on a chat holding only index 0
// returns that entry rather than skipping it.
func (c *Chat) FetchMessages(cursor uint64, limit int) ([]Entry, uint64) {
	var out []Entry
	for i := len(c.Log) - 1; i >= 0; i-- {
		e := c.Log[i]
		if e.Index < cursor {
			break
		}
		out = append(out, e)
		if limit > 0 && len(out) >= limit {
			break
		}
	}
	newCursor := cursor
	if len(out) > 0 {
		newCursor = out[0].Index
	}
	return out, newCursor
}

// FromSnapshot reconstructs a Chat from a state fetched via the
// consistency vote (GetState), used to install a chat on a node that
// did not previously hold it.
func FromSnapshot(s ChatSnapshot, caps Caps) *Chat {
	c := &Chat{
		Name:          append([]byte(nil), s.Name...),
		Members:       append([]Member(nil), s.Members...),
		NextIndex:     s.NextIndex,
		ActionNonces:  make(map[string]uint64),
		SendThreshold: s.SendThreshold,
		caps:          caps,
		chainHead:     s.ChainHead,
		evicted:       s.EvictedPrefix,
		Log:           append([]Entry(nil), s.Log...),
	}
	var total uint64
	for _, e := range c.Log {
		total += uint64(len(e.Payload))
	}
	c.logBytes.Store(total)
	return c
}

// VoteDigest computes the value a consistency-vote responder returns
// for GetHash: hash(common_nonce ∥ chain_head_H ∥ next_index ∥
// members_digest).
func (c *Chat) VoteDigest(commonNonce []byte) [suite.HashSize]byte {
	return voteDigest(commonNonce, c.chainHead, c.NextIndex, c.MembersDigest())
}

// MembersDigest hashes the ordered member list, used as one of the
// consistency vote's state components.
func (c *Chat) MembersDigest() [suite.HashSize]byte {
	var buf []byte
	for _, m := range c.Members {
		b, _ := m.PubKey.MarshalBinary()
		buf = append(buf, b...)
		buf = append(buf, m.Permission)
	}
	return suite.Hash(buf)
}
