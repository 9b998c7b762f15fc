package bft

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestForkChoiceIdentical(t *testing.T) {
	fc := NewForkChoice()
	b := &ForkChoiceBlock{ID: "b1", Height: 10}
	outcome, err := fc.Classify(b, b)
	require.NoError(t, err)
	require.Equal(t, OutcomeIdentical, outcome)
}

func TestForkChoiceValid(t *testing.T) {
	fc := NewForkChoice()
	tip := &ForkChoiceBlock{ID: "b10", Height: 10}
	next := &ForkChoiceBlock{ID: "b11", PreviousBlockID: "b10", Height: 11}
	outcome, err := fc.Classify(next, tip)
	require.NoError(t, err)
	require.Equal(t, OutcomeValid, outcome)
}

func TestForkChoiceDoubleForging(t *testing.T) {
	fc := NewForkChoice()
	now := time.Now()
	tip := &ForkChoiceBlock{
		ID: "b10a", Height: 10, MaxHeightPrevoted: 5, PreviousBlockID: "b9",
		DelegatePublicKey: "delegate-a", Timestamp: now, ReceivedAt: now,
	}
	rival := &ForkChoiceBlock{
		ID: "b10b", Height: 10, MaxHeightPrevoted: 5, PreviousBlockID: "b9",
		DelegatePublicKey: "delegate-a", Timestamp: now, ReceivedAt: now,
	}
	outcome, err := fc.Classify(rival, tip)
	require.NoError(t, err)
	require.Equal(t, OutcomeDoubleForging, outcome)
}

func TestForkChoiceTieBreakPrefersLowerLatency(t *testing.T) {
	fc := NewForkChoice()
	now := time.Now()
	tip := &ForkChoiceBlock{
		ID: "b10a", Height: 10, MaxHeightPrevoted: 5, PreviousBlockID: "b9",
		DelegatePublicKey: "delegate-a", Timestamp: now, ReceivedAt: now.Add(2 * time.Second),
	}
	rival := &ForkChoiceBlock{
		ID: "b10b", Height: 10, MaxHeightPrevoted: 5, PreviousBlockID: "b9",
		DelegatePublicKey: "delegate-b", Timestamp: now, ReceivedAt: now.Add(1 * time.Second),
	}
	outcome, err := fc.Classify(rival, tip)
	require.NoError(t, err)
	require.Equal(t, OutcomeTieBreak, outcome)

	outcome, err = fc.Classify(tip, rival)
	require.NoError(t, err)
	require.Equal(t, OutcomeDiscard, outcome)
}

func TestForkChoiceDifferentChain(t *testing.T) {
	fc := NewForkChoice()
	tip := &ForkChoiceBlock{ID: "b10", Height: 10, MaxHeightPrevoted: 4, PreviousBlockID: "b9"}
	rival := &ForkChoiceBlock{ID: "c10", Height: 10, MaxHeightPrevoted: 7, PreviousBlockID: "c9"}
	outcome, err := fc.Classify(rival, tip)
	require.NoError(t, err)
	require.Equal(t, OutcomeDifferentChain, outcome)
}

func TestForkChoiceDiscard(t *testing.T) {
	fc := NewForkChoice()
	tip := &ForkChoiceBlock{ID: "b10", Height: 10, MaxHeightPrevoted: 7, PreviousBlockID: "b9"}
	rival := &ForkChoiceBlock{ID: "c8", Height: 8, MaxHeightPrevoted: 3, PreviousBlockID: "c7"}
	outcome, err := fc.Classify(rival, tip)
	require.NoError(t, err)
	require.Equal(t, OutcomeDiscard, outcome)
}

func TestForkChoiceRejectsNilArguments(t *testing.T) {
	fc := NewForkChoice()
	_, err := fc.Classify(nil, &ForkChoiceBlock{})
	require.ErrorIs(t, err, ErrArgumentMissing)
}
