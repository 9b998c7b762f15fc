// Package bft implements the delegate pre-vote/pre-commit accounting, the
// header ordering invariants, and the fork-choice rule that together make
// up the node's BFT finality core. It consumes a stream of block headers
// from an external block-processor and reports finality advances through a
// synchronous callback; it does not itself serialize blocks, verify
// signatures, or talk to storage — those are the collaborators named in
// HeaderStore and DelegateSchedule.
package bft

import (
	"fmt"
	"time"
)

// BlockHeader is the subset of a forged block's header the finality core
// needs. DelegatePublicKey is treated as an opaque identifier; callers are
// responsible for resolving it from whatever signature scheme the block
// processor uses.
type BlockHeader struct {
	Height                    int64
	DelegatePublicKey         string
	MaxHeightPreviouslyForged int64
	MaxHeightPrevoted         int64
	DelegateMinHeightActive   int64
	ReceivedAt                time.Time
}

// Validate performs the schema checks required before a header may be
// considered by FinalityManager.AddBlockHeader. It does not enforce the
// double-forging invariant (maxHeightPreviouslyForged < height) — that
// invariant silently zeroes the header's vote contribution instead of
// rejecting it outright (see updatePreVotesPreCommits).
func (h BlockHeader) Validate() error {
	if h.Height <= 0 {
		return fmt.Errorf("%w: height must be positive, got %d", ErrInvalidHeaderSchema, h.Height)
	}
	if h.DelegatePublicKey == "" {
		return fmt.Errorf("%w: delegatePublicKey must not be empty", ErrInvalidHeaderSchema)
	}
	if h.MaxHeightPreviouslyForged < 0 {
		return fmt.Errorf("%w: maxHeightPreviouslyForged must be >= 0, got %d", ErrInvalidHeaderSchema, h.MaxHeightPreviouslyForged)
	}
	if h.MaxHeightPrevoted < 0 {
		return fmt.Errorf("%w: maxHeightPrevoted must be >= 0, got %d", ErrInvalidHeaderSchema, h.MaxHeightPrevoted)
	}
	if h.DelegateMinHeightActive < 0 {
		return fmt.Errorf("%w: delegateMinHeightActive must be >= 0, got %d", ErrInvalidHeaderSchema, h.DelegateMinHeightActive)
	}
	if h.ReceivedAt.IsZero() {
		return fmt.Errorf("%w: receivedAt must be set", ErrInvalidHeaderSchema)
	}
	return nil
}

// headerOrderKey is the (maxHeightPreviouslyForged, maxHeightPrevoted,
// height) tuple used to order two headers from the same delegate in
// verifyBlockHeaders.
type headerOrderKey struct {
	maxHeightPreviouslyForged int64
	maxHeightPrevoted         int64
	height                    int64
}

func (h BlockHeader) orderKey() headerOrderKey {
	return headerOrderKey{h.MaxHeightPreviouslyForged, h.MaxHeightPrevoted, h.Height}
}

// less reports whether a sorts before b under (maxHeightPreviouslyForged,
// maxHeightPrevoted, height) ascending lexicographic order.
func (a headerOrderKey) less(b headerOrderKey) bool {
	if a.maxHeightPreviouslyForged != b.maxHeightPreviouslyForged {
		return a.maxHeightPreviouslyForged < b.maxHeightPreviouslyForged
	}
	if a.maxHeightPrevoted != b.maxHeightPrevoted {
		return a.maxHeightPrevoted < b.maxHeightPrevoted
	}
	return a.height < b.height
}

// orderEarlierLater returns (earlier, later) such that earlier.orderKey()
// does not sort after later.orderKey().
func orderEarlierLater(a, b BlockHeader) (earlier, later BlockHeader) {
	if a.orderKey().less(b.orderKey()) {
		return a, b
	}
	return b, a
}

// ProposedBlock is the minimal view of a newly proposed (not yet appended)
// block that IsBFTProtocolCompliant needs.
type ProposedBlock struct {
	Height                    int64
	MaxHeightPreviouslyForged int64
	GeneratorPublicKey        string
}
