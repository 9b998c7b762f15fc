package bft

// DelegateState tracks the highest heights a delegate has contributed a
// pre-vote or pre-commit to. Both fields are monotonically non-decreasing
// for the lifetime of the entry.
type DelegateState struct {
	MaxPreVoteHeight   int64
	MaxPreCommitHeight int64
}

// VoteTallies holds the two height-keyed vote counters. Both maps are
// trimmed to the last maxHeaders heights after every mutating call, which
// keeps their size bounded by 5*activeDelegates regardless of chain
// length — the "fixed-size ring keyed by height" the design notes call
// for, implemented as a map because heights are sparse relative to the
// absolute chain height once the chain has run for a while.
type VoteTallies struct {
	PreVotes   map[int64]int
	PreCommits map[int64]int
}

// NewVoteTallies returns an empty VoteTallies.
func NewVoteTallies() *VoteTallies {
	return &VoteTallies{
		PreVotes:   make(map[int64]int),
		PreCommits: make(map[int64]int),
	}
}

// Trim deletes every entry for a height strictly below keepFrom.
func (v *VoteTallies) Trim(keepFrom int64) {
	for h := range v.PreVotes {
		if h < keepFrom {
			delete(v.PreVotes, h)
		}
	}
	for h := range v.PreCommits {
		if h < keepFrom {
			delete(v.PreCommits, h)
		}
	}
}

// maxHeightAtLeast returns the highest key in m whose value is >=
// threshold, and whether any such key exists.
func maxHeightAtLeast(m map[int64]int, threshold int) (int64, bool) {
	var (
		best  int64
		found bool
	)
	for height, count := range m {
		if count < threshold {
			continue
		}
		if !found || height > best {
			best = height
			found = true
		}
	}
	return best, found
}
