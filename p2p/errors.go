package p2p

import (
	"errors"
	"fmt"
)

// Sentinel and typed errors surfaced across the address book, pool and
// coordinator. Callers match with errors.Is/errors.As.
var (
	// ErrExistingPeer is the sentinel wrapped by ExistingPeerError.
	ErrExistingPeer = errors.New("p2p: peer already present")

	// ErrPeerInboundHandshake is returned when an inbound socket fails the
	// duplicate-connection or ban check.
	ErrPeerInboundHandshake = errors.New("p2p: inbound handshake rejected")

	// ErrNodeNotReady is returned by outstanding requests once Stop has
	// been called.
	ErrNodeNotReady = errors.New("p2p: node not ready")

	// ErrDuplicateInstance is returned when a peer reports the same
	// instance id this node is running, indicating a self-connection.
	ErrDuplicateInstance = errors.New("p2p: duplicate instance")

	// ErrPeerNotFound is returned by book/pool lookups that miss.
	ErrPeerNotFound = errors.New("p2p: peer not found")

	// ErrNoPeerAvailable is returned by selection functions when no
	// candidate satisfies the request.
	ErrNoPeerAvailable = errors.New("p2p: no peer available")
)

// ExistingPeerError carries the PeerInfo already present in the book so
// callers can decide whether to tolerate it (AddPeer from the inbound
// handshake path does).
type ExistingPeerError struct {
	Existing PeerInfo
}

func (e *ExistingPeerError) Error() string {
	return fmt.Sprintf("%s: peer %s", ErrExistingPeer, e.Existing.PeerID)
}

func (e *ExistingPeerError) Unwrap() error {
	return ErrExistingPeer
}
