package transport

import (
	"io"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/nyxmesh/corerelay/logging"
)

func testLogger(t *testing.T) *logging.Backend {
	t.Helper()
	backend, err := logging.New(io.Discard, "error")
	require.NoError(t, err)
	return backend
}

func TestListenAndDialRoundTrip(t *testing.T) {
	require := require.New(t)
	backend := testLogger(t)

	accepted := make(chan Link, 1)
	ln, err := Listen("127.0.0.1:0", func(l Link) { accepted <- l }, backend.GetLogger("listener"))
	require.NoError(err)
	defer ln.Halt()

	client, err := DialTCP(ln.Addr().String(), time.Second)
	require.NoError(err)
	defer client.Close()

	server := <-accepted
	defer server.Close()

	_, err = client.Write([]byte("hello"))
	require.NoError(err)

	buf := make([]byte, 5)
	_, err = io.ReadFull(server, buf)
	require.NoError(err)
	require.Equal("hello", string(buf))
	require.Equal(ln.Addr().String(), client.RemoteAddress())
}

func TestDialTCPFailsAgainstClosedPort(t *testing.T) {
	_, err := DialTCP("127.0.0.1:1", 100*time.Millisecond)
	require.Error(t, err)
}

func TestListenerHaltStopsAcceptLoop(t *testing.T) {
	require := require.New(t)
	backend := testLogger(t)
	ln, err := Listen("127.0.0.1:0", func(Link) {}, backend.GetLogger("listener"))
	require.NoError(err)

	ln.Halt()

	_, err = DialTCP(ln.Addr().String(), 100*time.Millisecond)
	require.Error(err)
}
