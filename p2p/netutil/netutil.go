// Package netutil collects the small supporting utilities spec.md §2
// calls out as their own line item ("Peer-id construction, byte-size
// estimation, rate accounting") but that don't need the full p2p package
// import graph, so other packages (rpc, cmd/node) can use them without
// depending on PeerPool/Coordinator.
package netutil

import (
	"encoding/json"
	"fmt"
	"net"
	"strconv"
)

// PeerID canonicalizes ipAddress:wsPort the same way p2p.BuildPeerID
// does; duplicated here (rather than imported) so this package stays
// leaf-level and dependency-free of the rest of p2p.
func PeerID(ipAddress string, wsPort int) string {
	return net.JoinHostPort(ipAddress, strconv.Itoa(wsPort))
}

// EstimateJSONSize marshals v and returns the resulting byte length, or
// -1 if v cannot be marshaled. Used to keep peer-discovery and gossip
// responses under a wire size budget without a second hand-rolled size
// calculator.
func EstimateJSONSize(v any) int {
	data, err := json.Marshal(v)
	if err != nil {
		return -1
	}
	return len(data)
}

// TrimToByteBudget returns the longest prefix of items whose cumulative
// EstimateJSONSize stays under budget, assuming items is already ordered
// by priority (most-important first). It estimates item size
// individually rather than re-marshaling growing slices, so it runs in
// O(n) instead of O(n^2).
func TrimToByteBudget[T any](items []T, budget int) []T {
	total := 2 // "[]"
	for i, item := range items {
		size := EstimateJSONSize(item)
		if size < 0 {
			continue
		}
		sep := 0
		if i > 0 {
			sep = 1 // ","
		}
		if total+size+sep > budget {
			return items[:i]
		}
		total += size + sep
	}
	return items
}

// RateWindow is a minimal fixed-window counter for "N events per
// interval" accounting, lighter than the golang.org/x/time/rate token
// bucket in p2p/ratelimit.go. No other package in this module uses it.
type RateWindow struct {
	limit int
	count int
}

// NewRateWindow returns a RateWindow allowing up to limit events per
// window; Reset must be called by the owner on each interval tick.
func NewRateWindow(limit int) *RateWindow {
	return &RateWindow{limit: limit}
}

// Allow records one event and reports whether it was within the limit.
func (w *RateWindow) Allow() bool {
	w.count++
	return w.count <= w.limit
}

// Reset zeroes the window's counter.
func (w *RateWindow) Reset() {
	w.count = 0
}

// FormatPeerAddr is a small helper for log lines, grounded on the
// teacher's fmt.Errorf-wrapping convention rather than a bespoke string
// builder.
func FormatPeerAddr(ipAddress string, wsPort int) string {
	return fmt.Sprintf("%s:%d", ipAddress, wsPort)
}
