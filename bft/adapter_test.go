package bft

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/tolelom/toldpos/core"
)

func TestHeaderFromBlockCarriesDPoSFields(t *testing.T) {
	b := core.NewBlock(10, "prevhash", "delegate-a", nil)
	b.Header.DelegatePublicKey = "delegate-a"
	b.Header.MaxHeightPreviouslyForged = 3
	b.Header.MaxHeightPrevoted = 7
	b.Header.DelegateMinHeightActive = 1

	now := time.Now()
	h := HeaderFromBlock(b, now)

	require.Equal(t, int64(10), h.Height)
	require.Equal(t, "delegate-a", h.DelegatePublicKey)
	require.Equal(t, int64(3), h.MaxHeightPreviouslyForged)
	require.Equal(t, int64(7), h.MaxHeightPrevoted)
	require.Equal(t, int64(1), h.DelegateMinHeightActive)
	require.Equal(t, now, h.ReceivedAt)
	require.NoError(t, h.Validate())
}

func TestForkChoiceBlockFromBlockCarriesLinkage(t *testing.T) {
	b := core.NewBlock(5, "parent-hash", "delegate-b", nil)
	b.Hash = "this-hash"
	b.Header.MaxHeightPrevoted = 4
	b.Header.DelegatePublicKey = "delegate-b"

	fcb := ForkChoiceBlockFromBlock(b, time.Now())
	require.Equal(t, "this-hash", fcb.ID)
	require.Equal(t, "parent-hash", fcb.PreviousBlockID)
	require.Equal(t, int64(5), fcb.Height)
	require.Equal(t, int64(4), fcb.MaxHeightPrevoted)
	require.Equal(t, "delegate-b", fcb.DelegatePublicKey)
}

func TestProposedBlockFromBlock(t *testing.T) {
	b := core.NewBlock(8, "prev", "delegate-c", nil)
	b.Header.DelegatePublicKey = "delegate-c"
	b.Header.MaxHeightPreviouslyForged = 2

	pb := ProposedBlockFromBlock(b)
	require.Equal(t, int64(8), pb.Height)
	require.Equal(t, int64(2), pb.MaxHeightPreviouslyForged)
	require.Equal(t, "delegate-c", pb.GeneratorPublicKey)
}
