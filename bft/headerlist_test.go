package bft

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func header(height int64, delegate string) BlockHeader {
	return BlockHeader{
		Height:            height,
		DelegatePublicKey: delegate,
		ReceivedAt:        time.Now(),
	}
}

func TestHeaderListAppendRejectsNonIncreasingHeight(t *testing.T) {
	l := NewHeaderList(3)
	require.NoError(t, l.Append(header(1, "a")))
	require.NoError(t, l.Append(header(2, "a")))
	err := l.Append(header(2, "a"))
	require.Error(t, err)
}

func TestHeaderListEvictsOldestAtCapacity(t *testing.T) {
	l := NewHeaderList(2)
	require.NoError(t, l.Append(header(1, "a")))
	require.NoError(t, l.Append(header(2, "a")))
	require.NoError(t, l.Append(header(3, "a")))

	require.Equal(t, 2, l.Len())
	first, ok := l.First()
	require.True(t, ok)
	require.Equal(t, int64(2), first.Height)
}

func TestHeaderListRemoveAbove(t *testing.T) {
	l := NewHeaderList(10)
	for h := int64(1); h <= 5; h++ {
		require.NoError(t, l.Append(header(h, "a")))
	}
	l.RemoveAbove(3)
	require.Equal(t, 3, l.Len())
	last, ok := l.Last()
	require.True(t, ok)
	require.Equal(t, int64(3), last.Height)
}

func TestHeaderListGetAndLastByDelegate(t *testing.T) {
	l := NewHeaderList(10)
	require.NoError(t, l.Append(header(1, "a")))
	require.NoError(t, l.Append(header(2, "b")))
	require.NoError(t, l.Append(header(3, "a")))

	got, ok := l.Get(2)
	require.True(t, ok)
	require.Equal(t, "b", got.DelegatePublicKey)

	_, ok = l.Get(99)
	require.False(t, ok)

	last, ok := l.LastByDelegate(10, "a")
	require.True(t, ok)
	require.Equal(t, int64(3), last.Height)
}
