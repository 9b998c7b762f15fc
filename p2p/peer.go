package p2p

import (
	"fmt"
	"net"
	"strconv"
	"time"
)

// PeerKind classifies why a peer is in the book, mirroring the teacher's
// kind-as-string enums in core/transaction.go.
type PeerKind string

const (
	KindSeed      PeerKind = "seed"
	KindFixed     PeerKind = "fixed"
	KindWhitelist PeerKind = "whitelist"
	KindPrevious  PeerKind = "previous"
	KindInbound   PeerKind = "inbound"
	KindOutbound  PeerKind = "outbound"
)

// protected reports whether a peer of this kind is exempt from
// downgradePeer-triggered removal and pool eviction (spec.md §4.3.2,
// §4.4 "Seed, fixed and whitelist peers are unconditionally protected").
func (k PeerKind) protected() bool {
	switch k {
	case KindSeed, KindFixed, KindWhitelist:
		return true
	default:
		return false
	}
}

// SharedState holds the externally-visible attributes a peer advertises
// about itself (protocol version, chain height, and so on).
type SharedState struct {
	Version string
	Height  int64
	Nonce   string
}

// InternalState holds the book/pool's private bookkeeping about a peer.
type InternalState struct {
	Kind              PeerKind
	AdvertiseAddress  bool
	ConnectAttempts   int
	FailedConnections int // downgradePeer counter
	LatencyMillis     int64
	UsefulMessages    int64
	TotalMessages     int64
	ConnectedAt       time.Time
}

// productivity returns the useful-message ratio used by the pool's
// productivity protection (spec.md §4.4 step 3). A peer with no traffic
// yet is treated as average (0.5) rather than zero, so a freshly
// connected peer isn't immediately the worst eviction candidate.
func (s InternalState) productivity() float64 {
	if s.TotalMessages == 0 {
		return 0.5
	}
	return float64(s.UsefulMessages) / float64(s.TotalMessages)
}

// PeerInfo is the address-book record for one peer.
type PeerInfo struct {
	PeerID        string
	IPAddress     string
	WSPort        int
	SharedState   SharedState
	InternalState InternalState
}

// BuildPeerID canonicalizes the ipAddress:wsPort form spec.md §3 names.
func BuildPeerID(ipAddress string, wsPort int) string {
	return net.JoinHostPort(ipAddress, strconv.Itoa(wsPort))
}

// ParsePeerID splits a canonical peer id back into its host and port.
func ParsePeerID(peerID string) (ipAddress string, wsPort int, err error) {
	host, portStr, err := net.SplitHostPort(peerID)
	if err != nil {
		return "", 0, fmt.Errorf("p2p: parse peer id %q: %w", peerID, err)
	}
	port, err := strconv.Atoi(portStr)
	if err != nil {
		return "", 0, fmt.Errorf("p2p: parse peer id %q: %w", peerID, err)
	}
	return host, port, nil
}

// PeerGroup returns the /16 IPv4 prefix (or the /32 high bytes analogue
// for IPv6) used for netgroup diversity throughout bucketing and
// eviction protection.
func PeerGroup(ipAddress string) string {
	ip := net.ParseIP(ipAddress)
	if ip == nil {
		return ipAddress
	}
	if v4 := ip.To4(); v4 != nil {
		return fmt.Sprintf("%d.%d.0.0/16", v4[0], v4[1])
	}
	v6 := ip.To16()
	return fmt.Sprintf("%x:%x::/32", v6[0:2], v6[2:4])
}
