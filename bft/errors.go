package bft

import "errors"

// Error kinds returned by FinalityManager and ForkChoice. Callers should
// match with errors.Is; the sentinel values carry no extra state.
var (
	// ErrInvalidHeaderSchema is returned when a header fails basic field
	// validation before it is ever appended to the header list.
	ErrInvalidHeaderSchema = errors.New("bft: invalid header schema")

	// ErrForkChoiceViolation is returned when two headers from the same
	// delegate carry the same maxHeightPrevoted and the later one's height
	// is not above the earlier one's (double-forging).
	ErrForkChoiceViolation = errors.New("bft: fork choice violation (double-forging)")

	// ErrChainDisjoint is returned when the gap between a delegate's two
	// headers exceeds what its own forge-chain permits.
	ErrChainDisjoint = errors.New("bft: chain disjoint")

	// ErrLowerChainBranch is returned when a delegate's later header
	// prevoted a lower tip than an earlier header from the same delegate.
	ErrLowerChainBranch = errors.New("bft: lower chain branch")

	// ErrInvalidAttribute is returned when a header's maxHeightPrevoted
	// disagrees with the locally tracked value while the processing
	// window is full.
	ErrInvalidAttribute = errors.New("bft: invalid attribute")

	// ErrArgumentMissing is returned when a required block argument is nil.
	ErrArgumentMissing = errors.New("bft: argument missing")
)
