package bft

import (
	"time"

	"github.com/tolelom/toldpos/core"
)

// HeaderFromBlock extracts the BlockHeader view FinalityManager needs out of
// a full core.Block. receivedAt is the local clock reading at ingestion time
// (not part of core.BlockHeader, which only carries the forger's claimed
// timestamp).
func HeaderFromBlock(b *core.Block, receivedAt time.Time) BlockHeader {
	return BlockHeader{
		Height:                    b.Header.Height,
		DelegatePublicKey:         b.Header.DelegatePublicKey,
		MaxHeightPreviouslyForged: b.Header.MaxHeightPreviouslyForged,
		MaxHeightPrevoted:         b.Header.MaxHeightPrevoted,
		DelegateMinHeightActive:   b.Header.DelegateMinHeightActive,
		ReceivedAt:                receivedAt,
	}
}

// ForkChoiceBlockFromBlock extracts the ForkChoiceBlock view the fork-choice
// classifier needs. b.Hash and b.Header.PrevHash stand in for the block-id
// pair the classifier uses to walk chain linkage.
func ForkChoiceBlockFromBlock(b *core.Block, receivedAt time.Time) *ForkChoiceBlock {
	return &ForkChoiceBlock{
		ID:                b.Hash,
		PreviousBlockID:   b.Header.PrevHash,
		Height:            b.Header.Height,
		MaxHeightPrevoted: b.Header.MaxHeightPrevoted,
		DelegatePublicKey: b.Header.DelegatePublicKey,
		Timestamp:         time.Unix(0, b.Header.Timestamp),
		ReceivedAt:        receivedAt,
	}
}

// ProposedBlockFromBlock extracts the ProposedBlock view
// IsBFTProtocolCompliant needs, for a block not yet appended to the chain.
func ProposedBlockFromBlock(b *core.Block) *ProposedBlock {
	return &ProposedBlock{
		Height:                    b.Header.Height,
		MaxHeightPreviouslyForged: b.Header.MaxHeightPreviouslyForged,
		GeneratorPublicKey:        b.Header.DelegatePublicKey,
	}
}
