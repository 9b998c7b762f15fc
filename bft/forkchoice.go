package bft

import "time"

// Outcome is the result of classifying an incoming block against the
// current chain tip.
type Outcome int

const (
	// OutcomeIdentical means newBlock and lastBlock are the same block.
	OutcomeIdentical Outcome = iota
	// OutcomeValid means newBlock extends lastBlock by exactly one height.
	OutcomeValid
	// OutcomeDoubleForging means the same delegate forged two blocks at
	// the same height atop the same parent with the same prevoted tip.
	OutcomeDoubleForging
	// OutcomeTieBreak means two different delegates forged competing
	// blocks at the same height/tip and newBlock wins the received-late
	// heuristic, displacing the current tip.
	OutcomeTieBreak
	// OutcomeDifferentChain means newBlock is on a chain whose prevoted
	// tip is ahead of (or tied but taller than) the current chain.
	OutcomeDifferentChain
	// OutcomeDiscard means none of the above apply; newBlock is dropped.
	OutcomeDiscard
)

func (o Outcome) String() string {
	switch o {
	case OutcomeIdentical:
		return "IDENTICAL"
	case OutcomeValid:
		return "VALID"
	case OutcomeDoubleForging:
		return "DOUBLE_FORGING"
	case OutcomeTieBreak:
		return "TIE_BREAK"
	case OutcomeDifferentChain:
		return "DIFFERENT_CHAIN"
	case OutcomeDiscard:
		return "DISCARD"
	default:
		return "UNKNOWN"
	}
}

// ForkChoiceBlock is the minimal block view the fork-choice classifier
// needs. Timestamp is the delegate's claimed forge time; ReceivedAt is the
// local clock reading at ingestion — their difference is the "received
// late" heuristic TIE_BREAK uses.
type ForkChoiceBlock struct {
	ID                string
	PreviousBlockID   string
	Height            int64
	MaxHeightPrevoted int64
	DelegatePublicKey string
	Timestamp         time.Time
	ReceivedAt        time.Time
}

func (b *ForkChoiceBlock) latency() time.Duration {
	return b.ReceivedAt.Sub(b.Timestamp)
}

// ForkChoice is a pure classifier: it holds no state and has no side
// effects. The evaluation order below is load-bearing (see spec §4.1) —
// IDENTICAL must be checked before VALID to avoid double-counting, and
// DOUBLE_FORGING must be checked before TIE_BREAK so that same-delegate
// equivocation is flagged rather than silently tie-broken.
type ForkChoice struct{}

// NewForkChoice returns a ForkChoice classifier.
func NewForkChoice() *ForkChoice {
	return &ForkChoice{}
}

// Classify compares newBlock against lastBlock (the current tip) and
// returns exactly one Outcome.
func (ForkChoice) Classify(newBlock, lastBlock *ForkChoiceBlock) (Outcome, error) {
	if newBlock == nil || lastBlock == nil {
		return 0, ErrArgumentMissing
	}

	if newBlock.ID == lastBlock.ID {
		return OutcomeIdentical, nil
	}

	if newBlock.PreviousBlockID == lastBlock.ID && newBlock.Height == lastBlock.Height+1 {
		return OutcomeValid, nil
	}

	sameSlot := newBlock.Height == lastBlock.Height &&
		newBlock.MaxHeightPrevoted == lastBlock.MaxHeightPrevoted &&
		newBlock.PreviousBlockID == lastBlock.PreviousBlockID

	if sameSlot && newBlock.DelegatePublicKey == lastBlock.DelegatePublicKey {
		return OutcomeDoubleForging, nil
	}

	if sameSlot && newBlock.DelegatePublicKey != lastBlock.DelegatePublicKey {
		// Ties break toward the new block; otherwise the block received
		// earliest relative to its claimed timestamp wins.
		if newBlock.latency() <= lastBlock.latency() {
			return OutcomeTieBreak, nil
		}
		return OutcomeDiscard, nil
	}

	if newBlock.MaxHeightPrevoted > lastBlock.MaxHeightPrevoted ||
		(newBlock.Height > lastBlock.Height && newBlock.MaxHeightPrevoted == lastBlock.MaxHeightPrevoted) {
		return OutcomeDifferentChain, nil
	}

	return OutcomeDiscard, nil
}
