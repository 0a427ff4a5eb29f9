package replication

import (
	"context"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/nyxmesh/corerelay/chat"
	"github.com/nyxmesh/corerelay/crypto/suite"
	"github.com/nyxmesh/corerelay/dht"
	"github.com/nyxmesh/corerelay/logging"
)

type alwaysInGroup struct{}

func (alwaysInGroup) InGroup(dht.ID) bool { return true }

type fakeGroupSource struct {
	self  dht.ID
	peers []dht.Peer
	r     int
}

func (g *fakeGroupSource) ReplicationFactor() int   { return g.r }
func (g *fakeGroupSource) Self() dht.ID             { return g.self }
func (g *fakeGroupSource) Group(dht.ID) []dht.Peer  { return g.peers }

type fakeTransport struct {
	mu          sync.Mutex
	replicated  []chat.Entry
	hashByAddr  map[string][suite.HashSize]byte
	stateByAddr map[string]chat.ChatSnapshot
	failReplicate bool
}

func (f *fakeTransport) Replicate(ctx context.Context, address string, name []byte, entry chat.Entry) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failReplicate {
		return context.DeadlineExceeded
	}
	f.replicated = append(f.replicated, entry)
	return nil
}

func (f *fakeTransport) GetHash(ctx context.Context, address string, name []byte, commonNonce []byte) ([suite.HashSize]byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	h, ok := f.hashByAddr[address]
	if !ok {
		return [suite.HashSize]byte{}, ErrNotFound
	}
	return h, nil
}

func (f *fakeTransport) GetState(ctx context.Context, address string, name []byte) (chat.ChatSnapshot, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	s, ok := f.stateByAddr[address]
	if !ok {
		return chat.ChatSnapshot{}, ErrNotFound
	}
	return s, nil
}

func testLogger(t *testing.T) *logging.Backend {
	t.Helper()
	backend, err := logging.New(io.Discard, "error")
	require.NoError(t, err)
	return backend
}

func TestPushReplicateForwardsToEveryOtherPeer(t *testing.T) {
	require := require.New(t)
	_, rootPK, err := suite.SignKeygen()
	require.NoError(err)
	manager := chat.NewManager(alwaysInGroup{}, chat.ManagerCaps{})
	_, err = manager.CreateChat([]byte("general"), rootPK)
	require.NoError(err)

	self := dht.ChatKey([]byte("self"))
	other := dht.ChatKey([]byte("other"))
	group := &fakeGroupSource{self: self, r: 2, peers: []dht.Peer{{ID: self, Address: "self:1"}, {ID: other, Address: "other:1"}}}
	transport := &fakeTransport{}
	r := New(manager, transport, group, testLogger(t).GetLogger("test"))

	entry := chat.Entry{Index: 0, Payload: []byte("hi")}
	done := make(chan struct{})
	go func() {
		r.PushReplicate(context.Background(), []byte("general"), entry)
		close(done)
	}()
	<-done

	require.Eventually(func() bool {
		transport.mu.Lock()
		defer transport.mu.Unlock()
		return len(transport.replicated) == 1
	}, time.Second, 10*time.Millisecond)
}

func TestHandleReplicateReconcilesOnUnknownChat(t *testing.T) {
	require := require.New(t)
	_, rootPK, err := suite.SignKeygen()
	require.NoError(err)
	manager := chat.NewManager(alwaysInGroup{}, chat.ManagerCaps{})

	group := &fakeGroupSource{r: 3}
	remoteSnap := chat.ChatSnapshot{
		Name:      []byte("general"),
		Members:   []chat.Member{{PubKey: rootPK, Permission: 0}},
		NextIndex: 1,
	}
	transport := &fakeTransport{stateByAddr: map[string]chat.ChatSnapshot{"peer:1": remoteSnap}}
	r := New(manager, transport, group, testLogger(t).GetLogger("test"))

	err = r.HandleReplicate(context.Background(), "peer:1", []byte("general"), chat.Entry{Index: 5})
	require.NoError(err)

	h, ok := manager.Get([]byte("general"))
	require.True(ok)
	snap, err := h.Snapshot(context.Background())
	require.NoError(err)
	require.Equal(uint64(1), snap.NextIndex)
}

func TestLazyPullRejectsWhenNotInGroup(t *testing.T) {
	require := require.New(t)
	manager := chat.NewManager(alwaysInGroup{}, chat.ManagerCaps{})
	self := dht.ChatKey([]byte("self"))
	notInGroupPeer := dht.ChatKey([]byte("elsewhere"))
	group := &fakeGroupSource{self: self, r: 1, peers: []dht.Peer{{ID: notInGroupPeer, Address: "x"}}}
	transport := &fakeTransport{}
	r := New(manager, transport, group, testLogger(t).GetLogger("test"))

	_, err := r.LazyPull(context.Background(), []byte("general"))
	require.ErrorIs(err, ErrNotFound)
}

func TestLazyPullInstallsMajorityAgreedState(t *testing.T) {
	require := require.New(t)
	_, rootPK, err := suite.SignKeygen()
	require.NoError(err)
	manager := chat.NewManager(alwaysInGroup{}, chat.ManagerCaps{})

	self := dht.ChatKey([]byte("self"))
	peerA := dht.ChatKey([]byte("a"))
	peerB := dht.ChatKey([]byte("b"))
	group := &fakeGroupSource{
		self: self,
		r:    3,
		peers: []dht.Peer{
			{ID: self, Address: "self:1"},
			{ID: peerA, Address: "a:1"},
			{ID: peerB, Address: "b:1"},
		},
	}

	snap := chat.ChatSnapshot{
		Name:      []byte("general"),
		Members:   []chat.Member{{PubKey: rootPK, Permission: 0}},
		NextIndex: 3,
	}
	transport := &fakeTransportWithDigest{
		stateByAddr: map[string]chat.ChatSnapshot{"a:1": snap, "b:1": snap},
		snapshot:    snap,
	}
	r := New(manager, transport, group, testLogger(t).GetLogger("test"))

	h, err := r.LazyPull(context.Background(), []byte("general"))
	require.NoError(err)
	require.NotNil(h)
	got, err := h.Snapshot(context.Background())
	require.NoError(err)
	require.Equal(uint64(3), got.NextIndex)
}

// fakeTransportWithDigest computes GetHash consistently with the actual
// per-call commonNonce, since LazyPull generates a fresh one each call.
type fakeTransportWithDigest struct {
	stateByAddr map[string]chat.ChatSnapshot
	snapshot    chat.ChatSnapshot
}

func (f *fakeTransportWithDigest) Replicate(ctx context.Context, address string, name []byte, entry chat.Entry) error {
	return nil
}

func (f *fakeTransportWithDigest) GetHash(ctx context.Context, address string, name []byte, commonNonce []byte) ([suite.HashSize]byte, error) {
	return chat.VoteDigest(commonNonce, f.snapshot.ChainHead, f.snapshot.NextIndex, f.snapshot.MembersDigest), nil
}

func (f *fakeTransportWithDigest) GetState(ctx context.Context, address string, name []byte) (chat.ChatSnapshot, error) {
	s, ok := f.stateByAddr[address]
	if !ok {
		return chat.ChatSnapshot{}, ErrNotFound
	}
	return s, nil
}
