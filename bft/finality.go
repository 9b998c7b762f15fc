package bft

import (
	"context"
	"fmt"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"
)

// Config holds the values FinalityManager derives its thresholds from.
type Config struct {
	// ActiveDelegates (D) is the number of delegates authorised to forge
	// in the current round.
	ActiveDelegates int64
	// FinalizedHeight is the initial finalized height to resume from
	// (typically loaded from HeaderStore at startup).
	FinalizedHeight int64
}

func (c Config) preVoteThreshold() int {
	return int(ceilDiv(2*c.ActiveDelegates, 3))
}

func (c Config) processingThreshold() int64 {
	return 3*c.ActiveDelegates - 1
}

func (c Config) maxHeaders() int {
	return int(5 * c.ActiveDelegates)
}

func ceilDiv(a, b int64) int64 {
	return (a + b - 1) / b
}

func max64(a, b int64) int64 {
	if a > b {
		return a
	}
	return b
}

// FinalityManager maintains per-delegate pre-vote/pre-commit counters,
// derives chainMaxHeightPrevoted and finalizedHeight, and validates
// header-vs-chain consistency. It is single-threaded cooperative: every
// mutating method below must be serialized by the caller, and the
// FinalityChanged callback (onFinalityChanged) is invoked synchronously
// before the mutating call returns — see spec §5.
type FinalityManager struct {
	cfg    Config
	thresh struct {
		preVote     int
		processing  int64
		maxHeaders  int
	}

	headers                *HeaderList
	state                  map[string]*DelegateState
	votes                  *VoteTallies
	chainMaxHeightPrevoted int64
	finalizedHeight        int64
	needsRefill            bool

	store             HeaderStore
	onFinalityChanged func(int64)

	log     *logrus.Entry
	metrics *metricsSet
}

// NewFinalityManager constructs a FinalityManager. store may be nil if the
// caller does not want persistence (e.g. in tests); onFinalityChanged may
// be nil if the caller does not want a callback.
func NewFinalityManager(cfg Config, store HeaderStore, onFinalityChanged func(int64), reg prometheus.Registerer) (*FinalityManager, error) {
	if cfg.ActiveDelegates <= 0 {
		return nil, fmt.Errorf("bft: activeDelegates must be positive, got %d", cfg.ActiveDelegates)
	}
	if cfg.FinalizedHeight < 0 {
		return nil, fmt.Errorf("bft: finalizedHeight must be >= 0, got %d", cfg.FinalizedHeight)
	}
	fm := &FinalityManager{
		cfg:               cfg,
		headers:           NewHeaderList(int(5 * cfg.ActiveDelegates)),
		state:             make(map[string]*DelegateState),
		votes:             NewVoteTallies(),
		finalizedHeight:   cfg.FinalizedHeight,
		store:             store,
		onFinalityChanged: onFinalityChanged,
		log:               logrus.WithField("component", "bft.finality"),
		metrics:           newMetrics(reg),
	}
	fm.thresh.preVote = cfg.preVoteThreshold()
	fm.thresh.processing = cfg.processingThreshold()
	fm.thresh.maxHeaders = cfg.maxHeaders()
	fm.metrics.finalizedHeight.Set(float64(fm.finalizedHeight))
	return fm, nil
}

// ChainMaxHeightPrevoted returns the highest height whose pre-vote count
// has crossed the pre-vote threshold.
func (fm *FinalityManager) ChainMaxHeightPrevoted() int64 {
	return fm.chainMaxHeightPrevoted
}

// FinalizedHeight returns the highest height whose pre-commit count has
// crossed the finality threshold. Monotonically non-decreasing.
func (fm *FinalityManager) FinalizedHeight() int64 {
	return fm.finalizedHeight
}

// NeedsRefill reports whether the header window has shrunk below two
// rounds (2*activeDelegates headers) since the last RemoveBlockHeaders,
// signalling the caller may want to refill it from storage.
func (fm *FinalityManager) NeedsRefill() bool {
	return fm.needsRefill
}

// Headers exposes the underlying ring for callers (e.g. isBFTProtocolCompliant
// callers outside this package, or diagnostics) that need read-only access.
func (fm *FinalityManager) Headers() *HeaderList {
	return fm.headers
}

// AddBlockHeader runs the full ordered contract from spec §4.2.1. On any
// validation failure it returns the error without mutating state.
func (fm *FinalityManager) AddBlockHeader(h BlockHeader) error {
	if err := h.Validate(); err != nil {
		return err
	}

	if err := fm.verifyBlockHeaders(h); err != nil {
		return err
	}

	if err := fm.headers.Append(h); err != nil {
		return fmt.Errorf("bft: append header: %w", err)
	}
	fm.metrics.headersAppended.Inc()

	fm.updatePreVotesPreCommits(h)
	fm.updatePreVotedAndFinalizedHeight()

	fm.votes.Trim(h.Height - int64(fm.thresh.maxHeaders) + 1)

	fm.log.WithFields(logrus.Fields{
		"height":   h.Height,
		"delegate": h.DelegatePublicKey,
	}).Debug("header appended")

	return nil
}

// verifyBlockHeaders implements spec §4.2.1 step 2.
func (fm *FinalityManager) verifyBlockHeaders(h BlockHeader) error {
	if int64(fm.headers.Len()) >= fm.thresh.processing && h.MaxHeightPrevoted != fm.chainMaxHeightPrevoted {
		return fmt.Errorf("%w: header maxHeightPrevoted %d != chainMaxHeightPrevoted %d",
			ErrInvalidAttribute, h.MaxHeightPrevoted, fm.chainMaxHeightPrevoted)
	}

	prior, ok := fm.headers.LastByDelegate(int(fm.thresh.processing), h.DelegatePublicKey)
	if !ok {
		return nil
	}

	earlier, later := orderEarlierLater(prior, h)

	if earlier.MaxHeightPrevoted == later.MaxHeightPrevoted && earlier.Height >= later.Height {
		return fmt.Errorf("%w: delegate %s forged height %d twice with the same prevoted tip",
			ErrForkChoiceViolation, h.DelegatePublicKey, later.Height)
	}
	if earlier.Height > later.MaxHeightPreviouslyForged {
		return fmt.Errorf("%w: delegate %s chain gap (earlier height %d > later maxHeightPreviouslyForged %d)",
			ErrChainDisjoint, h.DelegatePublicKey, earlier.Height, later.MaxHeightPreviouslyForged)
	}
	if earlier.MaxHeightPrevoted > later.MaxHeightPrevoted {
		return fmt.Errorf("%w: delegate %s prevoted lower tip later (earlier %d > later %d)",
			ErrLowerChainBranch, h.DelegatePublicKey, earlier.MaxHeightPrevoted, later.MaxHeightPrevoted)
	}
	return nil
}

// updatePreVotesPreCommits implements spec §4.2.2.
func (fm *FinalityManager) updatePreVotesPreCommits(h BlockHeader) {
	if h.MaxHeightPreviouslyForged >= h.Height {
		// Equivocating on another chain: no votes or commits attributed.
		return
	}

	s, ok := fm.state[h.DelegatePublicKey]
	if !ok {
		s = &DelegateState{}
		fm.state[h.DelegatePublicKey] = s
	}

	minCommit := fm.minValidCommitHeight(h)

	// Pre-commits first, reading preVotes as they stood before this
	// header's own pre-votes are added below — this ordering is the
	// contract spec §9 fixes explicitly.
	commitFrom := max64(h.DelegateMinHeightActive, max64(minCommit, s.MaxPreCommitHeight+1))
	for j := commitFrom; j <= h.Height-1; j++ {
		if fm.votes.PreVotes[j] >= fm.thresh.preVote {
			fm.votes.PreCommits[j]++
			s.MaxPreCommitHeight = j
		}
	}

	voteFrom := max64(h.DelegateMinHeightActive, h.MaxHeightPreviouslyForged+1)
	voteFrom = max64(voteFrom, s.MaxPreVoteHeight+1)
	voteFrom = max64(voteFrom, h.Height-fm.thresh.processing)
	for j := voteFrom; j <= h.Height; j++ {
		fm.votes.PreVotes[j]++
	}
	s.MaxPreVoteHeight = h.Height
}

// minValidCommitHeight implements spec §4.2.2's backward walk: it confirms
// an uninterrupted chain of this delegate's own forgings back to
// needle+1, authorising pre-commits over that contiguous span.
func (fm *FinalityManager) minValidCommitHeight(h BlockHeader) int64 {
	needle := max64(h.MaxHeightPreviouslyForged, h.Height-fm.thresh.processing)
	searchTill := max64(fm.headers.MinHeight(), h.Height-fm.thresh.processing)
	current := h

	for needle >= searchTill {
		if needle == current.MaxHeightPreviouslyForged {
			prev, ok := fm.headers.Get(needle)
			if !ok {
				return 0
			}
			if prev.DelegatePublicKey != h.DelegatePublicKey || prev.MaxHeightPreviouslyForged >= needle {
				return needle + 1
			}
			needle = prev.MaxHeightPreviouslyForged
			current = prev
		} else {
			needle--
		}
	}
	return max64(needle+1, searchTill)
}

// updatePreVotedAndFinalizedHeight implements spec §4.2.3.
func (fm *FinalityManager) updatePreVotedAndFinalizedHeight() {
	if height, ok := maxHeightAtLeast(fm.votes.PreVotes, fm.thresh.preVote); ok {
		fm.chainMaxHeightPrevoted = height
		fm.metrics.chainMaxHeightPrevoted.Set(float64(height))
	}

	if height, ok := maxHeightAtLeast(fm.votes.PreCommits, fm.thresh.preVote); ok && height > fm.finalizedHeight {
		fm.finalizedHeight = height
		fm.metrics.finalizedHeight.Set(float64(height))
		fm.log.WithField("finalizedHeight", height).Info("finality advanced")

		if fm.store != nil {
			if err := fm.store.PersistFinalizedHeight(context.Background(), height); err != nil {
				fm.log.WithError(err).Error("persist finalized height")
			}
		}
		if fm.onFinalityChanged != nil {
			fm.onFinalityChanged(height)
		}
	}
}

// RemoveBlockHeaders removes every header strictly above aboveHeight, then
// recomputes all derived state from the remaining headers (spec §4.2.4).
// finalizedHeight is never reset by this call — it is persisted and
// monotonic.
func (fm *FinalityManager) RemoveBlockHeaders(aboveHeight int64) error {
	fm.headers.RemoveAbove(aboveHeight)
	return fm.Recompute()
}

// Recompute zeroes state/preVotes/preCommits/chainMaxHeightPrevoted and
// replays updatePreVotesPreCommits over the current header list in
// ascending order. It is exposed standalone so a caller that refilled the
// header list from storage (after NeedsRefill reported true) can trigger
// a replay without also truncating anything.
func (fm *FinalityManager) Recompute() error {
	fm.state = make(map[string]*DelegateState)
	fm.votes = NewVoteTallies()
	fm.chainMaxHeightPrevoted = 0
	fm.metrics.recomputes.Inc()

	for _, h := range fm.headers.All() {
		fm.updatePreVotesPreCommits(h)
	}
	fm.updatePreVotedAndFinalizedHeight()

	if last, ok := fm.headers.Last(); ok {
		fm.votes.Trim(last.Height - int64(fm.thresh.maxHeaders) + 1)
	}

	fm.needsRefill = int64(fm.headers.Len()) < 2*fm.cfg.ActiveDelegates
	return nil
}

// IsBFTProtocolCompliant implements spec §4.2.5 for a newly proposed
// (not yet appended) block.
func (fm *FinalityManager) IsBFTProtocolCompliant(b *ProposedBlock) (bool, error) {
	if b == nil {
		return false, ErrArgumentMissing
	}
	if b.MaxHeightPreviouslyForged >= b.Height {
		return false, nil
	}
	if b.Height-b.MaxHeightPreviouslyForged <= fm.thresh.processing+2 {
		if prev, ok := fm.headers.Get(b.MaxHeightPreviouslyForged); ok && prev.DelegatePublicKey != b.GeneratorPublicKey {
			return false, nil
		}
	}
	return true, nil
}
