package server_test

// End-to-end tests driving the real client.Session/relayctl path against
// an in-process cluster of server.Node instances communicating over real
// TCP, exercising each of the network's headline behaviors the way an
// operator actually observes them: two callers exchanging a message
// through a relay, membership changes gating who may post, a chat's log
// converging across every replica, capacity eviction under the real RPC
// path, and a diverged replica losing a majority vote.

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/charmbracelet/log"
	"github.com/stretchr/testify/require"

	"github.com/nyxmesh/corerelay/chat"
	"github.com/nyxmesh/corerelay/client"
	"github.com/nyxmesh/corerelay/crypto/suite"
	"github.com/nyxmesh/corerelay/logging"
	"github.com/nyxmesh/corerelay/onion"
	"github.com/nyxmesh/corerelay/registry"
	"github.com/nyxmesh/corerelay/server"
)

// registryFixture serves a mutable record set over HTTP the way a real
// registry oracle would, letting a test grow the published membership
// after each node has already bound its real listen addresses.
type registryFixture struct {
	mu      sync.Mutex
	records []registry.Record
	srv     *httptest.Server
}

func newRegistryFixture() *registryFixture {
	f := &registryFixture{}
	f.srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		f.mu.Lock()
		defer f.mu.Unlock()
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(f.records)
	}))
	return f
}

func (f *registryFixture) set(records []registry.Record) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.records = records
}

func (f *registryFixture) close() { f.srv.Close() }

// clusterMember is one relay's full identity plus its running Node.
type clusterMember struct {
	node  *server.Node
	reg   *registry.Client
	sk    *suite.SignPrivateKey
	kemSK *suite.KEMPrivateKey
}

// cluster is an in-process deployment of relays that discover each other
// through a shared registryFixture, the same way real relays discover
// each other through a hosted registry endpoint.
type cluster struct {
	fixture *registryFixture
	members []*clusterMember
	geo     *onion.Geometry
	log     *log.Logger
	idleTO  time.Duration
	dialTO  time.Duration
}

// newCluster starts n relays, each configured with the given replication
// factor, and waits for every relay's registry client to observe the
// full membership before returning.
func newCluster(t *testing.T, n, factor int, caps chat.ManagerCaps) *cluster {
	t.Helper()
	require := require.New(t)

	backend, err := logging.New(newTestWriter(t), "error")
	require.NoError(err)
	logger := backend.GetLogger("cluster")

	geo, err := onion.NewGeometry(2, 1+32+1088, 2048)
	require.NoError(err)

	fixture := newRegistryFixture()
	t.Cleanup(fixture.close)

	c := &cluster{
		fixture: fixture,
		geo:     geo,
		log:     logger,
		idleTO:  5 * time.Second,
		dialTO:  2 * time.Second,
	}

	for i := 0; i < n; i++ {
		sk, _, err := suite.SignKeygen()
		require.NoError(err)
		kemSK, _, err := suite.KEMKeygen()
		require.NoError(err)

		reg, err := registry.New(fixture.srv.URL, 20*time.Millisecond, logger.With("relay", i))
		require.NoError(err)
		require.NoError(reg.Start(context.Background()))
		t.Cleanup(reg.Halt)

		nodeCfg := server.Config{
			ClientListenAddress: "127.0.0.1:0",
			PeerListenAddress:   "127.0.0.1:0",
			ReplayTTL:           time.Minute,
			IdleTimeout:         c.idleTO,
			ManagerCaps:         caps,
		}
		node, err := server.NewNode(nodeCfg, kemSK, reg, sk.Public, factor, geo, logger.With("relay", i))
		require.NoError(err)
		require.NoError(node.Start())
		t.Cleanup(func() { node.Halt(context.Background()) })

		c.members = append(c.members, &clusterMember{node: node, reg: reg, sk: sk, kemSK: kemSK})
	}

	records := make([]registry.Record, len(c.members))
	for i, m := range c.members {
		records[i] = registry.Record{
			IdentityPK:      m.sk.Public,
			EncapsulationPK: m.kemSK.Public,
			Address:         m.node.PeerAddress(),
		}
	}
	fixture.set(records)

	for _, m := range c.members {
		reg := m.reg
		require.Eventually(func() bool {
			return len(reg.Snapshot().Records()) == len(c.members)
		}, 2*time.Second, 10*time.Millisecond)
	}
	return c
}

// candidates builds onion path hops directly from each relay's
// client-facing address and KEM key, sidestepping registry.Record's
// single Address field, which is published above as each relay's
// peer-facing (replication) address rather than its client-facing one.
func (c *cluster) candidates() []*onion.PathHop {
	hops := make([]*onion.PathHop, len(c.members))
	for i, m := range c.members {
		hops[i] = &onion.PathHop{Address: m.node.ClientAddress(), KEMPublic: m.kemSK.Public}
	}
	return hops
}

// dial opens a Session as sk through a hops-length circuit ending at the
// cluster's last relay.
func (c *cluster) dial(t *testing.T, sk *suite.SignPrivateKey, hops int) *client.Session {
	t.Helper()
	require := require.New(t)

	candidates := c.candidates()
	exit := candidates[len(candidates)-1]

	ctx, cancel := context.WithTimeout(context.Background(), c.dialTO)
	defer cancel()
	sess, err := client.Dial(ctx, c.geo, candidates, exit, hops, c.idleTO, c.dialTO, sk, c.log)
	require.NoError(err)
	t.Cleanup(func() { sess.Close() })
	return sess
}

func newTestWriter(t *testing.T) *testWriter {
	t.Helper()
	return &testWriter{}
}

// testWriter discards relay log output; tests assert on RPC results, not
// log lines, and letting hundreds of debug lines hit stdout across a
// multi-node cluster only adds noise.
type testWriter struct{}

func (w *testWriter) Write(p []byte) (int, error) { return len(p), nil }

func defaultCaps() chat.ManagerCaps {
	return chat.ManagerCaps{Chat: chat.Caps{}, IngressLen: 32}
}

// TestScenarioTwoPartyExchange covers the simplest lifecycle: Alice
// creates a chat, invites Bob, and Bob's first fetch from cursor 0 sees
// exactly the message Alice sent, at index 0 — the case
// Chat.FetchMessages's inclusive cursor (index >= cursor) exists to make
// true.
func TestScenarioTwoPartyExchange(t *testing.T) {
	require := require.New(t)
	c := newCluster(t, 2, 2, defaultCaps())

	aliceSK, _, err := suite.SignKeygen()
	require.NoError(err)
	bobSK, bobPK, err := suite.SignKeygen()
	require.NoError(err)

	alice := c.dial(t, aliceSK, 2)
	ctx := context.Background()
	require.NoError(alice.CreateChat(ctx, []byte("t1")))
	_, err = alice.SendMessage(ctx, []byte("t1"), []byte("hello"))
	require.NoError(err)
	require.NoError(alice.Invite(ctx, []byte("t1"), bobPK, 10, 1))

	bob := c.dial(t, bobSK, 2)
	entries, cursor, err := bob.FetchMessages(ctx, []byte("t1"), 0, 0)
	require.NoError(err)
	require.Len(entries, 1)
	require.Equal(uint64(0), entries[0].Index)
	require.Equal([]byte("hello"), entries[0].Payload)
	require.Equal(uint64(0), cursor)
}

// TestScenarioInviteOutranksAndRemoveRevokes covers a chain of
// permission changes: Alice invites Bob, Bob invites Carol at a
// lower-privilege level, Alice removes Bob, and only Carol may still
// post afterward.
func TestScenarioInviteOutranksAndRemoveRevokes(t *testing.T) {
	require := require.New(t)
	c := newCluster(t, 2, 2, defaultCaps())
	ctx := context.Background()

	aliceSK, _, err := suite.SignKeygen()
	require.NoError(err)
	bobSK, bobPK, err := suite.SignKeygen()
	require.NoError(err)
	carolSK, carolPK, err := suite.SignKeygen()
	require.NoError(err)

	alice := c.dial(t, aliceSK, 2)
	require.NoError(alice.CreateChat(ctx, []byte("t2")))
	for i := 0; i < 3; i++ {
		_, err := alice.SendMessage(ctx, []byte("t2"), []byte(fmt.Sprintf("m%d", i)))
		require.NoError(err)
	}
	require.NoError(alice.Invite(ctx, []byte("t2"), bobPK, 10, 1))

	bob := c.dial(t, bobSK, 2)
	require.NoError(bob.Invite(ctx, []byte("t2"), carolPK, 20, 1))

	require.NoError(alice.Remove(ctx, []byte("t2"), bobPK, 2))

	carol := c.dial(t, carolSK, 2)
	_, _, err = carol.FetchMessages(ctx, []byte("t2"), 0, 0)
	require.NoError(err)
	reply, err := carol.SendMessage(ctx, []byte("t2"), []byte("carol here"))
	require.NoError(err)
	require.Equal(uint64(3), reply.Index)

	_, err = bob.SendMessage(ctx, []byte("t2"), []byte("bob again"))
	require.Error(err)
}

// TestScenarioReplicationConverges covers eager push: a chat capped at
// 50 resident entries receives 100 appends, and every relay in its
// replication group ends up with the same trimmed log and chain head.
func TestScenarioReplicationConverges(t *testing.T) {
	require := require.New(t)
	caps := chat.ManagerCaps{Chat: chat.Caps{MaxCount: 50}, IngressLen: 256}
	c := newCluster(t, 4, 4, caps)
	ctx := context.Background()

	aliceSK, _, err := suite.SignKeygen()
	require.NoError(err)
	alice := c.dial(t, aliceSK, 2)
	require.NoError(alice.CreateChat(ctx, []byte("t3")))

	payload := make([]byte, 16)
	for i := range payload {
		payload[i] = 0xAA
	}
	for i := 0; i < 100; i++ {
		_, err := alice.SendMessage(ctx, []byte("t3"), payload)
		require.NoError(err)
	}

	require.Eventually(func() bool {
		var first chat.ChatSnapshot
		for i, m := range c.members {
			h, ok := m.node.Manager().Get([]byte("t3"))
			if !ok {
				return false
			}
			snap, err := h.Snapshot(ctx)
			if err != nil {
				return false
			}
			if snap.NextIndex != 100 || len(snap.Log) != 50 || snap.EvictedPrefix != 50 {
				return false
			}
			if i == 0 {
				first = snap
				continue
			}
			if snap.ChainHead != first.ChainHead {
				return false
			}
		}
		return true
	}, 5*time.Second, 20*time.Millisecond)
}

// TestScenarioCapacityOverflowEvictsThenRejects drives capacity eviction
// through the real client/RPC path: a byte-capped chat evicts its oldest
// entry to admit a new one that fits, and rejects outright a single
// entry too big to ever fit alongside anything else.
func TestScenarioCapacityOverflowEvictsThenRejects(t *testing.T) {
	require := require.New(t)
	caps := chat.ManagerCaps{Chat: chat.Caps{MaxBytes: 1024}, IngressLen: 32}
	c := newCluster(t, 2, 2, caps)
	ctx := context.Background()

	aliceSK, _, err := suite.SignKeygen()
	require.NoError(err)
	alice := c.dial(t, aliceSK, 2)
	require.NoError(alice.CreateChat(ctx, []byte("t4")))

	_, err = alice.SendMessage(ctx, []byte("t4"), make([]byte, 700))
	require.NoError(err)
	_, err = alice.SendMessage(ctx, []byte("t4"), make([]byte, 800))
	require.NoError(err)

	entries, _, err := alice.FetchMessages(ctx, []byte("t4"), 0, 0)
	require.NoError(err)
	require.Len(entries, 1)
	require.Equal(uint64(1), entries[0].Index)

	_, err = alice.SendMessage(ctx, []byte("t4"), make([]byte, 2000))
	require.Error(err)
}

// TestScenarioLazyPullOutvotesADivergedReplica covers the consistency
// vote: after a chat's replication group has genuinely converged, one
// member is forced (via the same Manager.Install a real reconciling peer
// would call) into a corrupted state, and a fresh vote run from another
// member still installs the honest majority state, never the corrupted
// one.
func TestScenarioLazyPullOutvotesADivergedReplica(t *testing.T) {
	require := require.New(t)
	caps := chat.ManagerCaps{Chat: chat.Caps{}, IngressLen: 32}
	c := newCluster(t, 5, 5, caps)
	ctx := context.Background()

	aliceSK, _, err := suite.SignKeygen()
	require.NoError(err)
	alice := c.dial(t, aliceSK, 2)
	require.NoError(alice.CreateChat(ctx, []byte("t5")))
	_, err = alice.SendMessage(ctx, []byte("t5"), []byte("one"))
	require.NoError(err)
	_, err = alice.SendMessage(ctx, []byte("t5"), []byte("two"))
	require.NoError(err)

	var honest chat.ChatSnapshot
	require.Eventually(func() bool {
		for i, m := range c.members {
			h, ok := m.node.Manager().Get([]byte("t5"))
			if !ok {
				return false
			}
			snap, err := h.Snapshot(ctx)
			if err != nil || snap.NextIndex != 2 {
				return false
			}
			if i == 0 {
				honest = snap
			}
		}
		return true
	}, 5*time.Second, 20*time.Millisecond)

	// Corrupt one replica's view: same call path a real (buggy) peer's
	// reconciliation would take, but fed a forged chain head.
	forged := honest
	forged.ChainHead[0] ^= 0xFF
	c.members[1].node.Manager().Install(forged)

	// Run the vote from a third member, excluding the corrupted one from
	// its own local view but still counting its (wrong) vote among the
	// four peers queried.
	h, err := c.members[2].node.LazyPull(ctx, []byte("t5"))
	require.NoError(err)
	got, err := h.Snapshot(ctx)
	require.NoError(err)
	require.Equal(honest.ChainHead, got.ChainHead)
	require.Equal(honest.NextIndex, got.NextIndex)
}

// TestScenarioDialFailsAgainstADeadRelayThenRecovers covers routing
// around an unreachable hop: a candidate whose listener has already been
// halted can never be chosen as the sole non-exit hop, so a circuit
// built from the surviving relays still succeeds.
func TestScenarioDialFailsAgainstADeadRelayThenRecovers(t *testing.T) {
	require := require.New(t)
	c := newCluster(t, 3, 3, defaultCaps())
	ctx := context.Background()

	dead := c.members[1]
	dead.node.Halt(context.Background())

	aliceSK, _, err := suite.SignKeygen()
	require.NoError(err)

	deadCandidates := []*onion.PathHop{
		{Address: dead.node.ClientAddress(), KEMPublic: dead.kemSK.Public},
		{Address: c.members[0].node.ClientAddress(), KEMPublic: c.members[0].kemSK.Public},
	}
	dialCtx, cancel := context.WithTimeout(context.Background(), c.dialTO)
	defer cancel()
	_, err = client.Dial(dialCtx, c.geo, deadCandidates, deadCandidates[1], 2, c.idleTO, c.dialTO, aliceSK, c.log)
	require.Error(err)

	live := []*onion.PathHop{
		{Address: c.members[0].node.ClientAddress(), KEMPublic: c.members[0].kemSK.Public},
		{Address: c.members[2].node.ClientAddress(), KEMPublic: c.members[2].kemSK.Public},
	}
	sess, err := client.Dial(context.Background(), c.geo, live, live[1], 2, c.idleTO, c.dialTO, aliceSK, c.log)
	require.NoError(err)
	defer sess.Close()

	require.NoError(sess.CreateChat(ctx, []byte("t6")))
}
