package bft

import (
	"fmt"
	"sort"
)

// HeaderList is a bounded, height-ordered sequence of block headers. It is
// append-only from the high end and FIFO-evicting from the low end once at
// capacity, mirroring the teacher's insertion-ordered mempool slice
// (core/mempool.go) but keyed by height instead of tx ID.
//
// Not safe for concurrent use — callers serialize access, same as
// FinalityManager (see package doc).
type HeaderList struct {
	capacity int
	headers  []BlockHeader // ascending by height
}

// NewHeaderList returns an empty HeaderList bounded to capacity headers.
func NewHeaderList(capacity int) *HeaderList {
	if capacity <= 0 {
		capacity = 1
	}
	return &HeaderList{capacity: capacity}
}

// Append adds h to the high end of the list. h.Height must be strictly
// greater than the current last header's height ("append (highest only)").
// If the list is at capacity, the oldest header is evicted.
func (l *HeaderList) Append(h BlockHeader) error {
	if n := len(l.headers); n > 0 && h.Height <= l.headers[n-1].Height {
		return fmt.Errorf("bft: header height %d does not exceed current tip %d", h.Height, l.headers[n-1].Height)
	}
	l.headers = append(l.headers, h)
	if len(l.headers) > l.capacity {
		// Drop the oldest entry. The list is typically at or near capacity
		// in steady state, so this reslice-and-copy is O(capacity) but rare
		// relative to lookups.
		l.headers = append(l.headers[:0], l.headers[1:]...)
	}
	return nil
}

// RemoveAbove deletes every header with height strictly greater than
// aboveHeight.
func (l *HeaderList) RemoveAbove(aboveHeight int64) {
	idx := sort.Search(len(l.headers), func(i int) bool {
		return l.headers[i].Height > aboveHeight
	})
	l.headers = l.headers[:idx]
}

// Get returns the header stored at height, if any.
func (l *HeaderList) Get(height int64) (BlockHeader, bool) {
	idx := sort.Search(len(l.headers), func(i int) bool {
		return l.headers[i].Height >= height
	})
	if idx < len(l.headers) && l.headers[idx].Height == height {
		return l.headers[idx], true
	}
	return BlockHeader{}, false
}

// First returns the lowest-height header, if any.
func (l *HeaderList) First() (BlockHeader, bool) {
	if len(l.headers) == 0 {
		return BlockHeader{}, false
	}
	return l.headers[0], true
}

// Last returns the highest-height header, if any.
func (l *HeaderList) Last() (BlockHeader, bool) {
	if len(l.headers) == 0 {
		return BlockHeader{}, false
	}
	return l.headers[len(l.headers)-1], true
}

// Top returns the n most recent headers, oldest first. If the list holds
// fewer than n headers, all of them are returned.
func (l *HeaderList) Top(n int) []BlockHeader {
	if n <= 0 {
		return nil
	}
	if n >= len(l.headers) {
		out := make([]BlockHeader, len(l.headers))
		copy(out, l.headers)
		return out
	}
	out := make([]BlockHeader, n)
	copy(out, l.headers[len(l.headers)-n:])
	return out
}

// LastByDelegate scans the n most recent headers (as Top would return
// them) from newest to oldest and returns the first one forged by
// delegatePublicKey.
func (l *HeaderList) LastByDelegate(n int, delegatePublicKey string) (BlockHeader, bool) {
	start := len(l.headers) - n
	if start < 0 {
		start = 0
	}
	for i := len(l.headers) - 1; i >= start; i-- {
		if l.headers[i].DelegatePublicKey == delegatePublicKey {
			return l.headers[i], true
		}
	}
	return BlockHeader{}, false
}

// All returns every header in ascending order. The caller must not mutate
// the returned slice.
func (l *HeaderList) All() []BlockHeader {
	return l.headers
}

// Len returns the number of headers currently stored.
func (l *HeaderList) Len() int {
	return len(l.headers)
}

// MinHeight returns the lowest stored height, or 0 if the list is empty.
func (l *HeaderList) MinHeight() int64 {
	if len(l.headers) == 0 {
		return 0
	}
	return l.headers[0].Height
}
