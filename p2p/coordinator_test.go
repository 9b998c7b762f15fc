package p2p

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/tolelom/toldpos/events"
)

// TestDiscoveryResponseSizeCap is spec scenario S5: 2000 peers in the
// book, maxPeerInfoSize = 10 KiB, wsMaxPayload = 1 MiB. Expected response
// length <= floor(1 MiB / 10 KiB) - 1 = 101.
func TestDiscoveryResponseSizeCap(t *testing.T) {
	book := NewPeerAddressBook(BookConfig{
		Secret:       []byte("0123456789abcdef0123456789abcdef"),
		NewBuckets:   256,
		TriedBuckets: 128,
		BucketSize:   64,
	})
	for i := 0; i < 2000; i++ {
		p := samplePeer(fmt.Sprintf("p%d", i), fmt.Sprintf("10.%d.%d.1", i/256, i%256), 9000)
		_ = book.AddPeer(p, PeerGroup(p.IPAddress))
	}

	coord := NewCoordinator(CoordinatorConfig{
		MaxPeerDiscoveryResponseLength: 2000,
		MaxPeerInfoSize:                10 * 1024,
		WSMaxPayload:                   1024 * 1024,
	}, book, NewPeerPool(PoolConfig{}, book, events.NewEmitter(), nil), events.NewEmitter(), nil)

	list := coord.GetPeersList()
	require.LessOrEqual(t, len(list), 101)
}

func TestBanPeerRemovesFromBookAndProtectsWhitelist(t *testing.T) {
	book := NewPeerAddressBook(testBookConfig())
	pool := NewPeerPool(PoolConfig{}, book, events.NewEmitter(), nil)
	pool.Start()
	defer pool.Stop()
	whitelistIP := "198.51.100.1"

	coord := NewCoordinator(CoordinatorConfig{
		WhitelistPeers: []PeerInfo{{IPAddress: whitelistIP}},
	}, book, pool, events.NewEmitter(), nil)

	victim := samplePeer("v", "203.0.113.9", 9000)
	require.NoError(t, book.AddPeer(victim, PeerGroup(victim.IPAddress)))

	require.NoError(t, coord.BanPeer(victim.PeerID))
	require.True(t, coord.IsBanned(victim.IPAddress))
	_, ok := book.Get(victim.PeerID)
	require.False(t, ok)

	require.NoError(t, coord.BanPeer(BuildPeerID(whitelistIP, 9000)))
	require.False(t, coord.IsBanned(whitelistIP))
}

func TestCheckInstanceDetectsDuplicate(t *testing.T) {
	book := NewPeerAddressBook(testBookConfig())
	pool := NewPeerPool(PoolConfig{}, book, events.NewEmitter(), nil)
	coord := NewCoordinator(CoordinatorConfig{InstanceID: "node-a"}, book, pool, events.NewEmitter(), nil)

	require.ErrorIs(t, coord.CheckInstance("node-a"), ErrDuplicateInstance)
	require.NoError(t, coord.CheckInstance("node-b"))
}
