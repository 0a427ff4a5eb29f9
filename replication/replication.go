// Package replication implements eager push of new entries to a
// chat's replication group, lazy pull with nonce-bound consistency
// voting when a node needs a chat it does not hold, and the reconcile
// path a holder takes when it notices it has fallen behind a peer.
//
// Grounded on Katzenpost's connector/sender pair (replica/connector.go,
// replica/sender.go), which fan a locally-originated write out to peer
// replicas over the wire client — generalized here from a fixed shard
// pair to an r-member replication group, and with a consistency vote
// added before ever trusting a peer's claimed state (Katzenpost trusts
// its RocksDB-backed peers unconditionally, an assumption this system
// cannot make without persistent storage or a consensus authority).
package replication

import (
	"context"
	"errors"
	"math"

	"github.com/charmbracelet/log"

	"github.com/nyxmesh/corerelay/chat"
	"github.com/nyxmesh/corerelay/crypto/suite"
	"github.com/nyxmesh/corerelay/dht"
)

var (
	// ErrNotFound is returned by LazyPull when this node is not in the
	// chat's replication group.
	ErrNotFound = errors.New("replication: not found")

	// ErrNoQuorum is returned by LazyPull when no ceil(r/2) majority of
	// responders agrees on a digest, or when the peers that did agree
	// fail to serve state that actually hashes to it.
	ErrNoQuorum = errors.New("replication: no majority agreement among responders")
)

// Transport is the RPC dependency this package needs against a peer
// holder, implemented by the rpc package's client over onion circuits.
type Transport interface {
	Replicate(ctx context.Context, address string, name []byte, entry chat.Entry) error
	GetHash(ctx context.Context, address string, name []byte, commonNonce []byte) ([suite.HashSize]byte, error)
	GetState(ctx context.Context, address string, name []byte) (chat.ChatSnapshot, error)
}

// GroupSource resolves a chat key's replication group from the current
// registry snapshot, and identifies this node within it.
type GroupSource interface {
	ReplicationFactor() int
	Self() dht.ID
	Group(key dht.ID) []dht.Peer
}

// Replicator wires a node's chat Manager to its peers.
type Replicator struct {
	manager   *chat.Manager
	transport Transport
	group     GroupSource
	log       *log.Logger
}

// New constructs a Replicator over an already-constructed chat.Manager.
func New(manager *chat.Manager, transport Transport, group GroupSource, logger *log.Logger) *Replicator {
	return &Replicator{manager: manager, transport: transport, group: group, log: logger}
}

// peersExcludingSelf returns the other group members for key.
func (r *Replicator) peersExcludingSelf(key dht.ID) []dht.Peer {
	self := r.group.Self()
	group := r.group.Group(key)
	out := make([]dht.Peer, 0, len(group))
	for _, p := range group {
		if p.ID != self {
			out = append(out, p)
		}
	}
	return out
}

// PushReplicate implements eager replication: after a local append
// succeeds, forward the entry to every other group member. It is
// best-effort — a failed send to one peer does not roll back the local
// append or block the caller who originated it.
func (r *Replicator) PushReplicate(ctx context.Context, name []byte, entry chat.Entry) {
	peers := r.peersExcludingSelf(dht.ChatKey(name))
	for _, p := range peers {
		go func(addr string) {
			if err := r.transport.Replicate(ctx, addr, name, entry); err != nil {
				r.log.Debugf("replication: push to %s failed: %v", addr, err)
			}
		}(p.Address)
	}
}

// HandleReplicate applies an entry pushed by a peer holder. If the
// entry's index does not match this replica's next_index, or this node
// does not yet hold the chat at all, it enters reconciliation: pull the
// sender's whole current state rather than just the missing entries,
// trading bandwidth for a simpler, still convergent implementation.
func (r *Replicator) HandleReplicate(ctx context.Context, senderAddr string, name []byte, entry chat.Entry) error {
	h, ok := r.manager.Get(name)
	if !ok {
		return r.reconcileFromPeer(ctx, senderAddr, name)
	}
	if err := h.ApplyReplicated(ctx, entry); err != nil {
		if errors.Is(err, chat.ErrIndexReplay) {
			return r.reconcileFromPeer(ctx, senderAddr, name)
		}
		return err
	}
	return nil
}

func (r *Replicator) reconcileFromPeer(ctx context.Context, addr string, name []byte) error {
	snap, err := r.transport.GetState(ctx, addr, name)
	if err != nil {
		return err
	}
	r.manager.Install(snap)
	return nil
}

// HandleGetHash answers a consistency-vote query for a chat this node
// holds.
func (r *Replicator) HandleGetHash(ctx context.Context, name []byte, commonNonce []byte) ([suite.HashSize]byte, error) {
	h, ok := r.manager.Get(name)
	if !ok {
		return [suite.HashSize]byte{}, ErrNotFound
	}
	snap, err := h.Snapshot(ctx)
	if err != nil {
		return [suite.HashSize]byte{}, err
	}
	return chat.VoteDigest(commonNonce, snap.ChainHead, snap.NextIndex, snap.MembersDigest), nil
}

// HandleGetState answers a state fetch for a chat this node holds.
func (r *Replicator) HandleGetState(ctx context.Context, name []byte) (chat.ChatSnapshot, error) {
	h, ok := r.manager.Get(name)
	if !ok {
		return chat.ChatSnapshot{}, ErrNotFound
	}
	return h.Snapshot(ctx)
}

// LazyPull runs the lazy-pull consistency vote: verify this node
// belongs to the replication group, ask every other member for
// GetHash(name, common_nonce), and if a majority (>= ceil(r/2)) agree,
// fetch and install the state from one of them, verifying it hashes to
// the agreed value under the same nonce.
func (r *Replicator) LazyPull(ctx context.Context, name []byte) (*chat.Handle, error) {
	key := dht.ChatKey(name)
	if !dht.InGroup(r.group.Group(key), key, r.group.ReplicationFactor(), r.group.Self()) {
		return nil, ErrNotFound
	}

	peers := r.peersExcludingSelf(key)
	commonNonce := suite.RandomBytes(32)

	type vote struct {
		peer   dht.Peer
		digest [suite.HashSize]byte
	}
	votes := make(chan vote, len(peers))
	for _, p := range peers {
		go func(p dht.Peer) {
			d, err := r.transport.GetHash(ctx, p.Address, name, commonNonce)
			if err != nil {
				return
			}
			votes <- vote{peer: p, digest: d}
		}(p)
	}

	tally := make(map[[suite.HashSize]byte][]dht.Peer)
	for i := 0; i < len(peers); i++ {
		select {
		case v := <-votes:
			tally[v.digest] = append(tally[v.digest], v.peer)
		case <-ctx.Done():
			i = len(peers)
		}
	}

	needed := int(math.Ceil(float64(r.group.ReplicationFactor()) / 2))
	var winner [suite.HashSize]byte
	var winnerPeers []dht.Peer
	for d, ps := range tally {
		if len(ps) >= needed {
			winner, winnerPeers = d, ps
			break
		}
	}
	if len(winnerPeers) == 0 {
		r.log.Warnf("replication: divergence on chat %q, no majority among %d responders", name, len(peers))
		return nil, ErrNoQuorum
	}

	for _, p := range winnerPeers {
		snap, err := r.transport.GetState(ctx, p.Address, name)
		if err != nil {
			continue
		}
		got := chat.VoteDigest(commonNonce, snap.ChainHead, snap.NextIndex, snap.MembersDigest)
		if got != winner {
			continue
		}
		return r.manager.Install(snap), nil
	}
	return nil, ErrNoQuorum
}
