package client

import (
	"context"
	"io"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/nyxmesh/corerelay/crypto/suite"
	"github.com/nyxmesh/corerelay/logging"
	"github.com/nyxmesh/corerelay/onion"
	"github.com/nyxmesh/corerelay/relay"
	"github.com/nyxmesh/corerelay/transport"
)

func testGeometry(t *testing.T) *onion.Geometry {
	t.Helper()
	geo, err := onion.NewGeometry(2, 1+32+1088, 256)
	require.NoError(t, err)
	return geo
}

func startEchoRelay(t *testing.T, geo *onion.Geometry, terminal bool) (addr string, pk *suite.KEMPublicKey) {
	t.Helper()
	sk, kemPK, err := suite.KEMKeygen()
	require.NoError(t, err)
	backend, err := logging.New(io.Discard, "error")
	require.NoError(t, err)

	var onTerminal relay.TerminalHandler
	if terminal {
		onTerminal = func(circuitID uint64, nonce [onion.KeyIDLen]byte, stream io.ReadWriter) {
			go io.Copy(stream, stream)
		}
	}
	n := relay.New(sk, geo, time.Minute, onTerminal, backend.GetLogger("relay"))
	ln, err := transport.Listen("127.0.0.1:0", n.HandleLink, backend.GetLogger("listener"))
	require.NoError(t, err)
	t.Cleanup(ln.Halt)
	return ln.Addr().String(), kemPK
}

func TestDialCircuitEchoesThroughTerminalHop(t *testing.T) {
	require := require.New(t)
	geo := testGeometry(t)

	entryAddr, entryPK := startEchoRelay(t, geo, false)
	exitAddr, exitPK := startEchoRelay(t, geo, true)

	candidates := []*onion.PathHop{
		{Address: entryAddr, KEMPublic: entryPK},
		{Address: exitAddr, KEMPublic: exitPK},
	}
	exit := candidates[1]

	_, sess, err := dialCircuit(context.Background(), geo, candidates, exit, 2, time.Minute, time.Second)
	require.NoError(err)
	defer sess.Close()

	_, err = sess.Write([]byte("ping"))
	require.NoError(err)

	buf := make([]byte, 4)
	_, err = io.ReadFull(sess, buf)
	require.NoError(err)
	require.Equal("ping", string(buf))
}
