package dht

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/nyxmesh/corerelay/crypto/suite"
)

func TestIdentityIDIsDeterministic(t *testing.T) {
	require := require.New(t)
	_, pk, err := suite.SignKeygen()
	require.NoError(err)

	a, err := IdentityID(pk)
	require.NoError(err)
	b, err := IdentityID(pk)
	require.NoError(err)
	require.Equal(a, b)
}

func TestIdentityIDDiffersAcrossKeys(t *testing.T) {
	require := require.New(t)
	_, pk1, err := suite.SignKeygen()
	require.NoError(err)
	_, pk2, err := suite.SignKeygen()
	require.NoError(err)

	id1, err := IdentityID(pk1)
	require.NoError(err)
	id2, err := IdentityID(pk2)
	require.NoError(err)
	require.NotEqual(id1, id2)
}

func TestChatKeyIsDeterministic(t *testing.T) {
	require := require.New(t)
	require.Equal(ChatKey([]byte("general")), ChatKey([]byte("general")))
	require.NotEqual(ChatKey([]byte("general")), ChatKey([]byte("random")))
}

func TestDistanceIsSymmetricAndZeroForSelf(t *testing.T) {
	require := require.New(t)
	a := ChatKey([]byte("a"))
	b := ChatKey([]byte("b"))

	require.Equal(Distance(a, b), Distance(b, a))
	var zero ID
	require.Equal(zero, Distance(a, a))
}

func TestLessOrdersByDistanceAsUnsignedInteger(t *testing.T) {
	require := require.New(t)
	var a, b ID
	a[0] = 0x01
	b[0] = 0x02
	require.True(Less(a, b))
	require.False(Less(b, a))
	require.False(Less(a, a))
}

func TestCommonPrefixLenIsFullWidthForEqualIDs(t *testing.T) {
	require := require.New(t)
	id := ChatKey([]byte("general"))
	require.Equal(IDLength*8, CommonPrefixLen(id, id))
}

func TestCommonPrefixLenCountsLeadingSharedBits(t *testing.T) {
	require := require.New(t)
	var a, b ID
	a[0] = 0b11110000
	b[0] = 0b11100000
	require.Equal(3, CommonPrefixLen(a, b))
}
