package onion

import (
	"crypto/rand"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/nyxmesh/corerelay/crypto/suite"
)

const testKEMCiphertextSize = 1 + 32 + 1088 // classical + circl Kyber768 ciphertext

func mustGeometry(t *testing.T, nrHops int) *Geometry {
	t.Helper()
	geo, err := NewGeometry(nrHops, testKEMCiphertextSize, 512)
	require.NoError(t, err)
	return geo
}

func mustHop(t *testing.T, addr string) (*PathHop, *suite.KEMPrivateKey) {
	t.Helper()
	sk, pk, err := suite.KEMKeygen()
	require.NoError(t, err)
	return &PathHop{Address: addr, KEMPublic: pk}, sk
}

func TestNewGeometryRejectsShortPaths(t *testing.T) {
	_, err := NewGeometry(1, testKEMCiphertextSize, 512)
	require.Error(t, err)
}

func TestBuildPeelRoundTripThreeHops(t *testing.T) {
	require := require.New(t)
	geo := mustGeometry(t, 3)

	hop0, sk0 := mustHop(t, "relay-0:1")
	hop1, sk1 := mustHop(t, "relay-1:1")
	hop2, sk2 := mustHop(t, "relay-2:1")
	path := []*PathHop{hop0, hop1, hop2}

	pkt, err := Build(rand.Reader, geo, path, []byte("hello world"))
	require.NoError(err)
	require.Len(pkt, geo.PacketLength)

	r0, err := Peel(sk0, geo, pkt)
	require.NoError(err)
	require.False(r0.Terminal)
	require.Equal("relay-1:1", r0.NextAddr)
	require.Len(r0.Forward, geo.PacketLength)

	r1, err := Peel(sk1, geo, r0.Forward)
	require.NoError(err)
	require.False(r1.Terminal)
	require.Equal("relay-2:1", r1.NextAddr)

	r2, err := Peel(sk2, geo, r1.Forward)
	require.NoError(err)
	require.True(r2.Terminal)
	require.Equal([]byte("hello world"), r2.Payload)
}

func TestBuildRejectsOversizePayload(t *testing.T) {
	geo := mustGeometry(t, 2)
	hop0, _ := mustHop(t, "a")
	hop1, _ := mustHop(t, "b")
	_, err := Build(rand.Reader, geo, []*PathHop{hop0, hop1}, make([]byte, geo.ForwardPayloadLength+1))
	require.ErrorIs(t, err, ErrPayloadLength)
}

func TestValidatePathRejectsRepeatedNode(t *testing.T) {
	geo := mustGeometry(t, 3)
	hop0, _ := mustHop(t, "a")
	err := ValidatePath(geo, []*PathHop{hop0, hop0})
	require.ErrorIs(t, err, ErrPathRepeats)
}

func TestValidatePathRejectsWrongLength(t *testing.T) {
	geo := mustGeometry(t, 3)
	hop0, _ := mustHop(t, "a")
	err := ValidatePath(geo, []*PathHop{hop0})
	require.ErrorIs(t, err, ErrPathLength)
}

func TestPeelRejectsWrongKey(t *testing.T) {
	geo := mustGeometry(t, 2)
	hop0, _ := mustHop(t, "a")
	hop1, sk1 := mustHop(t, "b")
	pkt, err := Build(rand.Reader, geo, []*PathHop{hop0, hop1}, []byte("x"))
	require.NoError(t, err)

	otherSK, _, err := suite.KEMKeygen()
	require.NoError(t, err)
	_, err = Peel(otherSK, geo, pkt)
	require.Error(t, err)
	_ = sk1
}

func TestPeelRejectsTruncatedPacket(t *testing.T) {
	geo := mustGeometry(t, 2)
	_, sk0 := mustHop(t, "a")
	_, err := Peel(sk0, geo, make([]byte, geo.PacketLength-1))
	require.ErrorIs(t, err, ErrTruncated)
}
