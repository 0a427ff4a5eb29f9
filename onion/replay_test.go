package onion

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestReplayCacheRejectsSecondSighting(t *testing.T) {
	require := require.New(t)
	rc := NewReplayCache(time.Minute)
	var nonce [KeyIDLen]byte
	nonce[0] = 0x42

	now := time.Now()
	require.False(rc.CheckAndSet(nonce, now))
	require.True(rc.CheckAndSet(nonce, now))
}

func TestReplayCacheEvictsExpiredEntries(t *testing.T) {
	require := require.New(t)
	rc := NewReplayCache(time.Second)
	var nonce [KeyIDLen]byte
	nonce[0] = 0x01

	now := time.Now()
	require.False(rc.CheckAndSet(nonce, now))
	later := now.Add(2 * time.Second)
	require.False(rc.CheckAndSet(nonce, later))
}

func TestReplayCacheDistinguishesNonces(t *testing.T) {
	require := require.New(t)
	rc := NewReplayCache(time.Minute)
	var a, b [KeyIDLen]byte
	a[0] = 0x01
	b[0] = 0x02

	now := time.Now()
	require.False(rc.CheckAndSet(a, now))
	require.False(rc.CheckAndSet(b, now))
}
