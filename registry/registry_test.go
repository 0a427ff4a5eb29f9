package registry

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/nyxmesh/corerelay/crypto/suite"
	"github.com/nyxmesh/corerelay/dht"
	"github.com/nyxmesh/corerelay/logging"
)

func testLogger(t *testing.T) *logging.Backend {
	t.Helper()
	backend, err := logging.New(io.Discard, "error")
	require.NoError(t, err)
	return backend
}

func newTestRecord(t *testing.T, address string) Record {
	t.Helper()
	_, identityPK, err := suite.SignKeygen()
	require.NoError(t, err)
	_, kemPK, err := suite.KEMKeygen()
	require.NoError(t, err)
	return Record{IdentityPK: identityPK, EncapsulationPK: kemPK, Address: address, Stake: 100}
}

func TestNewInstallsEmptySnapshot(t *testing.T) {
	require := require.New(t)
	c, err := New("http://unused", time.Minute, testLogger(t).GetLogger("test"))
	require.NoError(err)
	require.NotNil(c.Snapshot())
	require.Empty(c.Snapshot().Records())
}

func TestStartFetchesInitialSnapshot(t *testing.T) {
	require := require.New(t)
	rec := newTestRecord(t, "relay-a:1")
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode([]Record{rec})
	}))
	defer srv.Close()

	c, err := New(srv.URL, time.Hour, testLogger(t).GetLogger("test"))
	require.NoError(err)
	require.NoError(c.Start(context.Background()))
	defer c.Halt()

	snap := c.Snapshot()
	require.Len(snap.Records(), 1)
	require.Equal("relay-a:1", snap.Records()[0].Address)

	id, err := dht.IdentityID(rec.IdentityPK)
	require.NoError(err)
	found, ok := snap.Lookup(id)
	require.True(ok)
	require.Equal(rec.Address, found.Address)
}

func TestStartToleratesInitialFetchFailure(t *testing.T) {
	require := require.New(t)
	c, err := New("http://127.0.0.1:0/nonexistent", time.Hour, testLogger(t).GetLogger("test"))
	require.NoError(err)
	require.NoError(c.Start(context.Background()))
	defer c.Halt()

	require.Empty(c.Snapshot().Records())
}

func TestSnapshotPeersProjection(t *testing.T) {
	require := require.New(t)
	rec := newTestRecord(t, "relay-b:1")
	snap, err := newSnapshot([]Record{rec})
	require.NoError(err)

	peers := snap.Peers()
	require.Len(peers, 1)
	require.Equal("relay-b:1", peers[0].Address)
}
