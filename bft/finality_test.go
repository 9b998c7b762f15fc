package bft

import (
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

// newTestManager builds a FinalityManager with a small delegate count so
// round-by-round behaviour is easy to reason about by hand; the threshold
// math (ceil(2D/3), 3D-1) is identical in shape to the D=101 production
// figure, just scaled down.
func newTestManager(t *testing.T, activeDelegates int64) (*FinalityManager, []int64) {
	t.Helper()
	fm, err := NewFinalityManager(Config{ActiveDelegates: activeDelegates}, nil, nil, nil)
	require.NoError(t, err)
	return fm, nil
}

// forgeRounds drives rounds of block headers through fm as if D delegates
// took turns forging in a fixed order, and returns the final height.
func forgeRounds(t *testing.T, fm *FinalityManager, activeDelegates int64, rounds int) int64 {
	t.Helper()
	lastForged := make(map[string]int64)
	var height int64
	for r := 0; r < rounds; r++ {
		for i := int64(0); i < activeDelegates; i++ {
			height++
			delegate := fmt.Sprintf("delegate-%d", i)
			h := BlockHeader{
				Height:                    height,
				DelegatePublicKey:         delegate,
				MaxHeightPreviouslyForged: lastForged[delegate],
				MaxHeightPrevoted:         fm.ChainMaxHeightPrevoted(),
				DelegateMinHeightActive:   0,
				ReceivedAt:                time.Now(),
			}
			require.NoError(t, fm.AddBlockHeader(h), "round %d delegate %s height %d", r, delegate, height)
			lastForged[delegate] = height
		}
	}
	return height
}

func TestFinalityAdvancesAfterThreeRounds(t *testing.T) {
	const activeDelegates = 7
	fm, _ := newTestManager(t, activeDelegates)

	forgeRounds(t, fm, activeDelegates, 3)

	require.Greater(t, fm.ChainMaxHeightPrevoted(), int64(0))
	require.Greater(t, fm.FinalizedHeight(), int64(0))
	require.LessOrEqual(t, fm.FinalizedHeight(), fm.ChainMaxHeightPrevoted())
}

func TestFinalizedHeightNeverDecreases(t *testing.T) {
	const activeDelegates = 5
	fm, _ := newTestManager(t, activeDelegates)

	forgeRounds(t, fm, activeDelegates, 4)
	highWater := fm.FinalizedHeight()
	require.Greater(t, highWater, int64(0))

	require.NoError(t, fm.RemoveBlockHeaders(fm.Headers().MinHeight()))
	require.GreaterOrEqual(t, fm.FinalizedHeight(), highWater)
}

func TestRemoveThenReaddReproducesFinalizedHeight(t *testing.T) {
	const activeDelegates = 5
	fm, _ := newTestManager(t, activeDelegates)

	forgeRounds(t, fm, activeDelegates, 4)
	before := fm.FinalizedHeight()
	last, ok := fm.Headers().Last()
	require.True(t, ok)

	require.NoError(t, fm.RemoveBlockHeaders(last.Height-1))
	require.NoError(t, fm.AddBlockHeader(last))

	require.Equal(t, before, fm.FinalizedHeight())
}

func TestEquivocatingHeaderContributesNoVotes(t *testing.T) {
	fm, _ := newTestManager(t, 4)

	h := BlockHeader{
		Height:                    5,
		DelegatePublicKey:         "delegate-0",
		MaxHeightPreviouslyForged: 5,
		MaxHeightPrevoted:         0,
		ReceivedAt:                time.Now(),
	}
	require.NoError(t, fm.AddBlockHeader(h))
	require.Equal(t, int64(0), fm.ChainMaxHeightPrevoted())
}

func TestAddBlockHeaderRejectsInvalidSchema(t *testing.T) {
	fm, _ := newTestManager(t, 4)
	err := fm.AddBlockHeader(BlockHeader{Height: 0, DelegatePublicKey: "x", ReceivedAt: time.Now()})
	require.ErrorIs(t, err, ErrInvalidHeaderSchema)
}

func TestAddBlockHeaderRejectsStaleMaxHeightPrevoted(t *testing.T) {
	const activeDelegates = 4
	fm, _ := newTestManager(t, activeDelegates)
	last := forgeRounds(t, fm, activeDelegates, 3)
	require.Greater(t, fm.ChainMaxHeightPrevoted(), int64(0))

	mismatched := BlockHeader{
		Height:                    last + 1,
		DelegatePublicKey:         "delegate-0",
		MaxHeightPreviouslyForged: 0,
		MaxHeightPrevoted:         fm.ChainMaxHeightPrevoted() + 1000,
		ReceivedAt:                time.Now(),
	}
	err := fm.AddBlockHeader(mismatched)
	require.ErrorIs(t, err, ErrInvalidAttribute)
}

func TestIsBFTProtocolCompliant(t *testing.T) {
	const activeDelegates = 4
	fm, _ := newTestManager(t, activeDelegates)
	forgeRounds(t, fm, activeDelegates, 2)

	ok, err := fm.IsBFTProtocolCompliant(&ProposedBlock{
		Height:                    100,
		MaxHeightPreviouslyForged: 99,
		GeneratorPublicKey:        "delegate-0",
	})
	require.NoError(t, err)
	require.True(t, ok)

	ok, err = fm.IsBFTProtocolCompliant(&ProposedBlock{
		Height:                    5,
		MaxHeightPreviouslyForged: 10,
		GeneratorPublicKey:        "delegate-0",
	})
	require.NoError(t, err)
	require.False(t, ok)

	_, err = fm.IsBFTProtocolCompliant(nil)
	require.ErrorIs(t, err, ErrArgumentMissing)
}

func TestFinalityChangedCallbackFires(t *testing.T) {
	const activeDelegates = 4
	var calls []int64
	fm, err := NewFinalityManager(Config{ActiveDelegates: activeDelegates}, nil, func(h int64) {
		calls = append(calls, h)
	}, nil)
	require.NoError(t, err)

	forgeRounds(t, fm, activeDelegates, 4)

	require.NotEmpty(t, calls)
	for i := 1; i < len(calls); i++ {
		require.Greater(t, calls[i], calls[i-1])
	}
}
