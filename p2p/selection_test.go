package p2p

import (
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

// TestProtectionRatiosEvictionCandidateCount is spec scenario S6: 100
// inbound connections, each of the four ratios set to 0.1, expected
// eviction-candidate count 60 (100 - 40) when the four protected
// subsets don't overlap (spec.md §8 S6's "overlap-aware accounting"
// degenerates to plain subtraction when the protected groups are
// disjoint).
func TestProtectionRatiosEvictionCandidateCount(t *testing.T) {
	ratios := protectionRatios{netgroup: 0.1, latency: 0.1, productivity: 0.1, longevity: 0.1}

	base := time.Now()
	candidates := make([]PeerInfo, 100)
	for i := 0; i < 100; i++ {
		candidates[i] = PeerInfo{
			PeerID:    fmt.Sprintf("peer-%d", i),
			IPAddress: fmt.Sprintf("10.%d.0.1", i), // distinct /16 group per peer
			InternalState: InternalState{
				Kind:           KindInbound,
				LatencyMillis:  5000,
				UsefulMessages: 50,
				TotalMessages:  100,
				ConnectedAt:    base.Add(5000 * time.Second),
			},
		}
	}
	// indices 10-19: lowest latency -> protected by the latency ratio.
	for i := 10; i < 20; i++ {
		candidates[i].InternalState.LatencyMillis = int64(i)
	}
	// indices 20-29: highest productivity ratio -> protected by productivity.
	for i := 20; i < 30; i++ {
		candidates[i].InternalState.UsefulMessages = 100
	}
	// indices 30-39: earliest connected -> protected by longevity.
	for i := 30; i < 40; i++ {
		candidates[i].InternalState.ConnectedAt = base.Add(time.Duration(i) * time.Millisecond)
	}
	// indices 0-9 are protected by netgroup: they are the first 10 distinct
	// /16 groups encountered walking the slice in order.

	protected := make(map[string]bool)
	for id := range protectByNetgroup(candidates, ratios.netgroup) {
		protected[id] = true
	}
	for id := range protectByLatency(candidates, ratios.latency) {
		protected[id] = true
	}
	for id := range protectByProductivity(candidates, ratios.productivity) {
		protected[id] = true
	}
	for id := range protectByLongevity(candidates, ratios.longevity) {
		protected[id] = true
	}
	require.Len(t, protected, 40)

	pool := filterOut(candidates, protected)
	require.Len(t, pool, 60)
}

func TestSelectEvictionVictimSkipsProtectedKinds(t *testing.T) {
	candidates := []PeerInfo{
		{PeerID: "seed", IPAddress: "10.0.0.1", InternalState: InternalState{Kind: KindSeed}},
		{PeerID: "inbound", IPAddress: "10.0.0.2", InternalState: InternalState{Kind: KindInbound, FailedConnections: 3}},
	}
	victim := selectEvictionVictim(candidates, protectionRatios{})
	require.NotNil(t, victim)
	require.Equal(t, "inbound", victim.PeerID)
}

func TestSelectEvictionVictimNilWhenAllProtected(t *testing.T) {
	candidates := []PeerInfo{
		{PeerID: "seed", InternalState: InternalState{Kind: KindSeed}},
		{PeerID: "fixed", InternalState: InternalState{Kind: KindFixed}},
	}
	victim := selectEvictionVictim(candidates, protectionRatios{})
	require.Nil(t, victim)
}

func TestDefaultSelectForConnectionBiasTowardTried(t *testing.T) {
	tried := make([]PeerInfo, 20)
	for i := range tried {
		tried[i] = PeerInfo{PeerID: fmt.Sprintf("tried-%d", i)}
	}
	news := make([]PeerInfo, 20)
	for i := range news {
		news[i] = PeerInfo{PeerID: fmt.Sprintf("new-%d", i)}
	}

	out := DefaultSelectForConnection(news, tried, 10)
	require.Len(t, out, 10)
}

func TestDefaultSelectForRequestFiltersByHeight(t *testing.T) {
	connected := []PeerInfo{
		{PeerID: "low", SharedState: SharedState{Height: 5}},
		{PeerID: "high", SharedState: SharedState{Height: 100}},
	}
	chosen, err := DefaultSelectForRequest(connected, 50)
	require.NoError(t, err)
	require.Equal(t, "high", chosen.PeerID)

	_, err = DefaultSelectForRequest(connected, 1000)
	require.ErrorIs(t, err, ErrNoPeerAvailable)
}
