package p2p

import (
	"math/rand"
	"sort"
)

// protectionRatios mirrors the four fractions spec.md §4.4 applies to
// shield peers from eviction. Each ratio is evaluated independently
// against the same base pool (spec.md §8 S6: "candidate set is the
// complement of the union of protected subsets") rather than cascading
// one reduced pool into the next — two ratios protecting the same peer
// overlap instead of compounding.
type protectionRatios struct {
	netgroup     float64
	latency      float64
	productivity float64
	longevity    float64
}

// protectedCount returns how many of n entries ratio r protects, rounding
// down, matching spec.md's "keep the r best/longest/..." phrasing.
func protectedCount(n int, r float64) int {
	if r <= 0 || n == 0 {
		return 0
	}
	c := int(float64(n) * r)
	if c > n {
		c = n
	}
	return c
}

// selectEvictionVictim computes the four protected subsets against
// candidates (excluding peers whose PeerKind.protected() is true), unions
// them, and returns the highest-rate-abuser among the complement -- the
// eviction candidate set (spec.md §4.4, §8 S6). Returns nil if every
// candidate is protected.
func selectEvictionVictim(candidates []PeerInfo, ratios protectionRatios) *PeerInfo {
	base := make([]PeerInfo, 0, len(candidates))
	for _, p := range candidates {
		if !p.InternalState.Kind.protected() {
			base = append(base, p)
		}
	}
	if len(base) == 0 {
		return nil
	}

	protected := make(map[string]bool)
	for id := range protectByNetgroup(base, ratios.netgroup) {
		protected[id] = true
	}
	for id := range protectByLatency(base, ratios.latency) {
		protected[id] = true
	}
	for id := range protectByProductivity(base, ratios.productivity) {
		protected[id] = true
	}
	for id := range protectByLongevity(base, ratios.longevity) {
		protected[id] = true
	}

	pool := filterOut(base, protected)
	if len(pool) == 0 {
		return nil
	}

	// Among the remaining candidates, evict the one with the most failed
	// connection attempts (the "highest-rate-abuser" in spec.md §4.4); on
	// a tie, the oldest connection.
	sort.Slice(pool, func(i, j int) bool {
		if pool[i].InternalState.FailedConnections != pool[j].InternalState.FailedConnections {
			return pool[i].InternalState.FailedConnections > pool[j].InternalState.FailedConnections
		}
		return pool[i].InternalState.ConnectedAt.Before(pool[j].InternalState.ConnectedAt)
	})
	victim := pool[0]
	return &victim
}

// protectByNetgroup returns the set of peer ids protected by keeping one
// representative per /16 group, up to protectedCount(len(base), r)
// groups.
func protectByNetgroup(base []PeerInfo, r float64) map[string]bool {
	keep := protectedCount(len(base), r)
	out := make(map[string]bool, keep)
	if keep == 0 {
		return out
	}
	seen := make(map[string]bool)
	for _, p := range base {
		g := PeerGroup(p.IPAddress)
		if !seen[g] {
			seen[g] = true
			out[p.PeerID] = true
			if len(out) >= keep {
				break
			}
		}
	}
	return out
}

// protectByLatency returns the peer ids of the best (lowest) r fraction
// by measured RTT.
func protectByLatency(base []PeerInfo, r float64) map[string]bool {
	keep := protectedCount(len(base), r)
	out := make(map[string]bool, keep)
	if keep == 0 {
		return out
	}
	sorted := append([]PeerInfo(nil), base...)
	sort.Slice(sorted, func(i, j int) bool {
		return sorted[i].InternalState.LatencyMillis < sorted[j].InternalState.LatencyMillis
	})
	for _, p := range sorted[:keep] {
		out[p.PeerID] = true
	}
	return out
}

// protectByProductivity returns the peer ids of the r fraction with the
// highest useful-message ratio.
func protectByProductivity(base []PeerInfo, r float64) map[string]bool {
	keep := protectedCount(len(base), r)
	out := make(map[string]bool, keep)
	if keep == 0 {
		return out
	}
	sorted := append([]PeerInfo(nil), base...)
	sort.Slice(sorted, func(i, j int) bool {
		return sorted[i].InternalState.productivity() > sorted[j].InternalState.productivity()
	})
	for _, p := range sorted[:keep] {
		out[p.PeerID] = true
	}
	return out
}

// protectByLongevity returns the peer ids of the r fraction
// longest-connected.
func protectByLongevity(base []PeerInfo, r float64) map[string]bool {
	keep := protectedCount(len(base), r)
	out := make(map[string]bool, keep)
	if keep == 0 {
		return out
	}
	sorted := append([]PeerInfo(nil), base...)
	sort.Slice(sorted, func(i, j int) bool {
		return sorted[i].InternalState.ConnectedAt.Before(sorted[j].InternalState.ConnectedAt)
	})
	for _, p := range sorted[:keep] {
		out[p.PeerID] = true
	}
	return out
}

func filterOut(pool []PeerInfo, excluded map[string]bool) []PeerInfo {
	out := make([]PeerInfo, 0, len(pool))
	for _, p := range pool {
		if !excluded[p.PeerID] {
			out = append(out, p)
		}
	}
	return out
}

// ConnectionSelector picks outbound connection candidates from the new
// and tried tables. Pluggable per spec.md §4.4's "three pluggable
// functions" note, defaulting to DefaultSelectForConnection.
type ConnectionSelector func(newPeers, triedPeers []PeerInfo, want int) []PeerInfo

// RequestSelector picks one connected peer adequate for a request.
type RequestSelector func(connected []PeerInfo, minHeight int64) (PeerInfo, error)

// SendSelector picks up to limit peers to fan a message out to.
type SendSelector func(connected []PeerInfo, limit int) []PeerInfo

// DefaultSelectForConnection returns a shuffled sample biased 80/20
// toward tried peers over new peers, per spec.md §4.4's stated default.
func DefaultSelectForConnection(newPeers, triedPeers []PeerInfo, want int) []PeerInfo {
	if want <= 0 {
		return nil
	}
	triedWant := (want*8 + 5) / 10
	newWant := want - triedWant

	tried := shuffledCopy(triedPeers)
	news := shuffledCopy(newPeers)

	triedTaken := takeUpTo(tried, triedWant)
	newsTaken := takeUpTo(news, newWant)

	out := make([]PeerInfo, 0, want)
	out = append(out, triedTaken...)
	out = append(out, newsTaken...)

	// Backfill from whichever pool still has peers if the other ran dry.
	if len(out) < want {
		out = append(out, takeUpTo(tried[len(triedTaken):], want-len(out))...)
	}
	if len(out) < want {
		out = append(out, takeUpTo(news[len(newsTaken):], want-len(out))...)
	}
	return out
}

func shuffledCopy(in []PeerInfo) []PeerInfo {
	out := append([]PeerInfo(nil), in...)
	rand.Shuffle(len(out), func(i, j int) { out[i], out[j] = out[j], out[i] })
	return out
}

func takeUpTo(in []PeerInfo, n int) []PeerInfo {
	if n <= 0 {
		return nil
	}
	if n > len(in) {
		n = len(in)
	}
	return in[:n]
}

// DefaultSelectForRequest picks uniformly among connected peers whose
// advertised height is at least minHeight.
func DefaultSelectForRequest(connected []PeerInfo, minHeight int64) (PeerInfo, error) {
	var eligible []PeerInfo
	for _, p := range connected {
		if p.SharedState.Height >= minHeight {
			eligible = append(eligible, p)
		}
	}
	if len(eligible) == 0 {
		return PeerInfo{}, ErrNoPeerAvailable
	}
	return eligible[rand.Intn(len(eligible))], nil
}

// DefaultSelectForSend picks limit peers uniformly among connected.
func DefaultSelectForSend(connected []PeerInfo, limit int) []PeerInfo {
	return takeUpTo(shuffledCopy(connected), limit)
}
