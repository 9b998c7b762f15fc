package p2p

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestBucketHasherIsDeterministic(t *testing.T) {
	secret := []byte("0123456789abcdef0123456789abcdef")
	h1 := newBucketHasher(secret)
	h2 := newBucketHasher(secret)

	require.Equal(t, h1.newBucket("a", "b", 128), h2.newBucket("a", "b", 128))
	require.Equal(t, h1.triedBucket("203.0.113.1:9000", 64), h2.triedBucket("203.0.113.1:9000", 64))
	require.Equal(t, h1.slot("203.0.113.1:9000", 32), h2.slot("203.0.113.1:9000", 32))
}

func TestBucketHasherDiffersByKey(t *testing.T) {
	h1 := newBucketHasher([]byte("0123456789abcdef0123456789abcdef"))
	h2 := newBucketHasher([]byte("fedcba9876543210fedcba9876543210"))

	same := 0
	for i := 0; i < 20; i++ {
		peerID := "203.0.113.1:900" + string(rune('0'+i%10))
		if h1.slot(peerID, 32) == h2.slot(peerID, 32) {
			same++
		}
	}
	require.Less(t, same, 20, "different secrets should not produce identical slots for every input")
}

func TestBucketWithinRange(t *testing.T) {
	h := newBucketHasher([]byte("0123456789abcdef0123456789abcdef"))
	for i := 0; i < 50; i++ {
		peerID := BuildPeerID("203.0.113.1", 9000+i)
		require.GreaterOrEqual(t, h.newBucket("src", PeerGroup("203.0.113.1"), 128), 0)
		require.Less(t, h.newBucket("src", PeerGroup("203.0.113.1"), 128), 128)
		require.GreaterOrEqual(t, h.slot(peerID, 32), 0)
		require.Less(t, h.slot(peerID, 32), 32)
	}
}

func TestPeerGroupIPv4(t *testing.T) {
	require.Equal(t, "203.0.0.0/16", PeerGroup("203.0.113.1"))
	require.Equal(t, "203.0.0.0/16", PeerGroup("203.0.200.250"))
	require.NotEqual(t, PeerGroup("203.0.113.1"), PeerGroup("203.1.113.1"))
}
