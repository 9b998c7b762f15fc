package p2p

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func testBookConfig() BookConfig {
	return BookConfig{Secret: []byte("0123456789abcdef0123456789abcdef")}
}

func samplePeer(id, ip string, port int) PeerInfo {
	return PeerInfo{
		PeerID:        BuildPeerID(ip, port),
		IPAddress:     ip,
		WSPort:        port,
		InternalState: InternalState{Kind: KindInbound, AdvertiseAddress: true},
	}
}

func TestAddPeerRejectsDuplicate(t *testing.T) {
	book := NewPeerAddressBook(testBookConfig())
	p := samplePeer("p1", "203.0.113.1", 9000)

	require.NoError(t, book.AddPeer(p, PeerGroup(p.IPAddress)))
	err := book.AddPeer(p, PeerGroup(p.IPAddress))
	require.Error(t, err)

	var existingErr *ExistingPeerError
	require.ErrorAs(t, err, &existingErr)
	require.Equal(t, p.PeerID, existingErr.Existing.PeerID)
}

// TestPeerBookDowngradeCycle is spec scenario S4: add P, upgrade (now
// tried), downgrade x3 (now new), downgrade x1 (now absent).
func TestPeerBookDowngradeCycle(t *testing.T) {
	book := NewPeerAddressBook(testBookConfig())
	p := samplePeer("p1", "203.0.113.1", 9000)

	require.NoError(t, book.AddPeer(p, PeerGroup(p.IPAddress)))
	require.NoError(t, book.UpgradePeer(p.PeerID))

	got, ok := book.Get(p.PeerID)
	require.True(t, ok)
	require.Equal(t, 1, book.TriedCount())
	require.Equal(t, 0, book.NewCount())
	_ = got

	for i := 0; i < 3; i++ {
		require.NoError(t, book.DowngradePeer(p.PeerID))
	}
	require.Equal(t, 0, book.TriedCount())
	require.Equal(t, 1, book.NewCount())

	require.NoError(t, book.DowngradePeer(p.PeerID))
	_, ok = book.Get(p.PeerID)
	require.False(t, ok)
}

func TestUpgradePeerTwiceIsIdempotent(t *testing.T) {
	book := NewPeerAddressBook(testBookConfig())
	p := samplePeer("p1", "203.0.113.1", 9000)
	require.NoError(t, book.AddPeer(p, PeerGroup(p.IPAddress)))

	require.NoError(t, book.UpgradePeer(p.PeerID))
	require.NoError(t, book.UpgradePeer(p.PeerID))

	require.Equal(t, 1, book.TriedCount())
}

func TestAddRemoveAddReproducesState(t *testing.T) {
	book := NewPeerAddressBook(testBookConfig())
	p := samplePeer("p1", "203.0.113.1", 9000)

	require.NoError(t, book.AddPeer(p, PeerGroup(p.IPAddress)))
	require.NoError(t, book.RemovePeer(p.PeerID))
	require.NoError(t, book.AddPeer(p, PeerGroup(p.IPAddress)))

	require.Equal(t, 1, book.NewCount())
	require.Equal(t, 0, book.TriedCount())
}

func TestGetRandomizedPeerListExcludesNonAdvertised(t *testing.T) {
	book := NewPeerAddressBook(testBookConfig())
	advertised := samplePeer("p1", "203.0.113.1", 9000)
	hidden := samplePeer("p2", "203.0.113.2", 9000)
	hidden.InternalState.AdvertiseAddress = false

	require.NoError(t, book.AddPeer(advertised, PeerGroup(advertised.IPAddress)))
	require.NoError(t, book.AddPeer(hidden, PeerGroup(hidden.IPAddress)))

	list := book.GetRandomizedPeerList(0, 10)
	require.Len(t, list, 1)
	require.Equal(t, advertised.PeerID, list[0].PeerID)
}

func TestPeerAppearsInExactlyOneTable(t *testing.T) {
	book := NewPeerAddressBook(testBookConfig())
	p := samplePeer("p1", "203.0.113.1", 9000)
	require.NoError(t, book.AddPeer(p, PeerGroup(p.IPAddress)))
	require.Equal(t, 1, book.NewCount()+book.TriedCount())

	require.NoError(t, book.UpgradePeer(p.PeerID))
	require.Equal(t, 1, book.NewCount()+book.TriedCount())
}
