package relay

import (
	"crypto/rand"
	"io"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/nyxmesh/corerelay/crypto/suite"
	"github.com/nyxmesh/corerelay/logging"
	"github.com/nyxmesh/corerelay/onion"
	"github.com/nyxmesh/corerelay/transport"
)

func testLogger(t *testing.T) *logging.Backend {
	t.Helper()
	backend, err := logging.New(io.Discard, "error")
	require.NoError(t, err)
	return backend
}

func startRelay(t *testing.T, geo *onion.Geometry, onTerminal TerminalHandler) (addr string, pk *suite.KEMPublicKey) {
	t.Helper()
	sk, kemPK, err := suite.KEMKeygen()
	require.NoError(t, err)
	n := New(sk, geo, time.Minute, onTerminal, testLogger(t).GetLogger("relay"))
	ln, err := transport.Listen("127.0.0.1:0", n.HandleLink, testLogger(t).GetLogger("listener"))
	require.NoError(t, err)
	t.Cleanup(ln.Halt)
	return ln.Addr().String(), kemPK
}

func TestTwoHopCircuitDeliversPayloadToTerminalHandler(t *testing.T) {
	require := require.New(t)
	geo, err := NewTestGeometry(t)
	require.NoError(err)

	terminalCh := make(chan struct {
		nonce  [onion.KeyIDLen]byte
		stream io.ReadWriter
	}, 1)
	onTerminal := func(circuitID uint64, nonce [onion.KeyIDLen]byte, stream io.ReadWriter) {
		terminalCh <- struct {
			nonce  [onion.KeyIDLen]byte
			stream io.ReadWriter
		}{nonce, stream}
	}

	exitAddr, exitPK := startRelay(t, geo, onTerminal)
	entryAddr, entryPK := startRelay(t, geo, nil)

	path := []*onion.PathHop{
		{Address: entryAddr, KEMPublic: entryPK},
		{Address: exitAddr, KEMPublic: exitPK},
	}
	cc, setupPkt, err := onion.BuildCircuit(rand.Reader, geo, path, time.Minute)
	require.NoError(err)

	entryLink, err := transport.DialTCP(entryAddr, time.Second)
	require.NoError(err)
	defer entryLink.Close()

	_, err = entryLink.Write(setupPkt)
	require.NoError(err)

	select {
	case got := <-terminalCh:
		require.Equal(cc.ExitNonce, got.nonce)
	case <-time.After(2 * time.Second):
		t.Fatal("terminal handler was not invoked")
	}

	wire, err := cc.SealForward(0, []byte("ping"))
	require.NoError(err)
	require.NoError(onion.WriteRaw(entryLink, wire))
}

// NewTestGeometry builds a small geometry sized for circl's Kyber768
// hybrid KEM ciphertext, matching what crypto/suite actually produces.
func NewTestGeometry(t *testing.T) (*onion.Geometry, error) {
	t.Helper()
	return onion.NewGeometry(2, 1+32+1088, 256)
}
