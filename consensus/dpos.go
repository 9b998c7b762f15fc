// Package consensus implements Delegated Proof-of-Stake block production.
// Delegates propose blocks in round-robin order within each round; every
// forged block carries the pre-vote/pre-commit bookkeeping fields the BFT
// finality core needs, and every newly produced or received block is run
// through bft.FinalityManager before it is treated as part of the canonical
// chain.
package consensus

import (
	"errors"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/tolelom/toldpos/bft"
	"github.com/tolelom/toldpos/config"
	"github.com/tolelom/toldpos/core"
	"github.com/tolelom/toldpos/crypto"
	"github.com/tolelom/toldpos/events"
	"github.com/tolelom/toldpos/vm"
)

// RoundSchedule implements bft.DelegateSchedule with a fixed, fully-ordered
// delegate list and plain round-robin rotation — the DPoS analogue of the
// teacher's index-by-height PoA scheduling, generalized to the "active
// round" vocabulary the BFT core's DelegateMinHeightActive expects.
type RoundSchedule struct {
	delegates []string
}

// NewRoundSchedule returns a schedule over delegates in the given order.
// The order is the forging order within a round.
func NewRoundSchedule(delegates []string) *RoundSchedule {
	cp := make([]string, len(delegates))
	copy(cp, delegates)
	return &RoundSchedule{delegates: cp}
}

// Len returns the number of delegates in the active round.
func (s *RoundSchedule) Len() int {
	return len(s.delegates)
}

// ProposerAt returns the delegate scheduled to forge at height.
func (s *RoundSchedule) ProposerAt(height int64) (string, error) {
	if len(s.delegates) == 0 {
		return "", errors.New("consensus: empty delegate schedule")
	}
	idx := int(((height - 1) % int64(len(s.delegates)) + int64(len(s.delegates))) % int64(len(s.delegates)))
	return s.delegates[idx], nil
}

// MinActiveHeightsOf implements bft.DelegateSchedule. The schedule is
// static for the lifetime of a RoundSchedule, so every delegate has been
// active since height 1 of the current round.
func (s *RoundSchedule) MinActiveHeightsOf(delegatePublicKey string) ([]int64, error) {
	for _, d := range s.delegates {
		if d == delegatePublicKey {
			return []int64{1}, nil
		}
	}
	return nil, nil
}

// HeaderPersister durably stores each forged/ingested header so
// bft.HeaderStore.LoadHeaders can serve it back after a restart.
// FinalityManager itself only persists the finalized-height watermark
// (see bft.Config), so the consensus package owns per-header persistence.
type HeaderPersister interface {
	PersistHeader(hdr bft.BlockHeader) error
}

// DPoS is the Delegated Proof-of-Stake consensus engine: it drives
// block production and feeds every header (locally forged or received
// from a peer) through a bft.FinalityManager.
type DPoS struct {
	cfg      *config.Config
	bc       *core.Blockchain
	state    core.State
	mempool  *core.Mempool
	exec     *vm.Executor
	emitter  *events.Emitter
	privKey  crypto.PrivateKey
	pubKey   crypto.PublicKey
	schedule *RoundSchedule
	fm       *bft.FinalityManager
	fc       *bft.ForkChoice
	headers  HeaderPersister // may be nil
	log      *logrus.Entry
}

// New creates a DPoS engine for the local delegate identified by privKey.
// fm must already be constructed with bft.Config.ActiveDelegates equal to
// schedule.Len(). headers may be nil, in which case headers are not
// persisted across restarts.
func New(
	cfg *config.Config,
	bc *core.Blockchain,
	state core.State,
	mempool *core.Mempool,
	exec *vm.Executor,
	emitter *events.Emitter,
	privKey crypto.PrivateKey,
	schedule *RoundSchedule,
	fm *bft.FinalityManager,
	headers HeaderPersister,
) *DPoS {
	return &DPoS{
		cfg:      cfg,
		bc:       bc,
		state:    state,
		mempool:  mempool,
		exec:     exec,
		emitter:  emitter,
		privKey:  privKey,
		pubKey:   privKey.Public(),
		schedule: schedule,
		fm:       fm,
		fc:       bft.NewForkChoice(),
		headers:  headers,
		log:      logrus.WithField("component", "consensus"),
	}
}

// persistHeader is a no-op when no HeaderPersister was supplied.
func (d *DPoS) persistHeader(hdr bft.BlockHeader) {
	if d.headers == nil {
		return
	}
	if err := d.headers.PersistHeader(hdr); err != nil {
		d.log.WithError(err).WithField("height", hdr.Height).Warn("persist bft header")
	}
}

// IsProposer reports whether this node should propose the next block.
func (d *DPoS) IsProposer() bool {
	nextHeight := d.bc.Height() + 1
	proposer, err := d.schedule.ProposerAt(nextHeight)
	if err != nil {
		d.log.WithError(err).Warn("resolve proposer")
		return false
	}
	return proposer == d.pubKey.Hex()
}

// ProduceBlock builds, signs, executes, runs through the finality core, and
// commits the next block.
func (d *DPoS) ProduceBlock() (*core.Block, error) {
	if !d.IsProposer() {
		return nil, errors.New("not the proposer for this round")
	}

	limit := d.cfg.MaxBlockTxs
	if limit <= 0 {
		limit = 500
	}
	txs := d.mempool.Pending(limit)

	tip := d.bc.Tip()
	var prevHash string
	var nextHeight int64
	if tip == nil {
		prevHash = config.GenesisHash
		nextHeight = 1
	} else {
		prevHash = tip.Hash
		nextHeight = tip.Header.Height + 1
	}

	block := core.NewBlock(nextHeight, prevHash, d.pubKey.Hex(), txs)
	block.Header.DelegatePublicKey = d.pubKey.Hex()
	block.Header.MaxHeightPreviouslyForged = d.lastForgedHeight()
	block.Header.MaxHeightPrevoted = d.fm.ChainMaxHeightPrevoted()
	minActive, err := d.schedule.MinActiveHeightsOf(d.pubKey.Hex())
	if err != nil {
		return nil, fmt.Errorf("resolve delegate active heights: %w", err)
	}
	block.Header.DelegateMinHeightActive = bft.MinActiveHeightFor(minActive, nextHeight)

	if err := d.exec.ExecuteBlock(block); err != nil {
		return nil, fmt.Errorf("execute block: %w", err)
	}

	// Compute root from the write buffer BEFORE flushing so that if AddBlock
	// fails the state has not yet been persisted and the node stays consistent.
	block.Header.StateRoot = d.state.ComputeRoot()
	block.Sign(d.privKey)

	proposed := bft.ProposedBlockFromBlock(block)
	if ok, err := d.fm.IsBFTProtocolCompliant(proposed); err != nil {
		return nil, fmt.Errorf("bft compliance check: %w", err)
	} else if !ok {
		return nil, fmt.Errorf("forged block at height %d violates BFT protocol", block.Header.Height)
	}

	if err := d.bc.AddBlock(block); err != nil {
		return nil, fmt.Errorf("add block: %w", err)
	}
	hdr := bft.HeaderFromBlock(block, time.Now())
	if err := d.fm.AddBlockHeader(hdr); err != nil {
		d.log.WithError(err).Error("bft header accounting rejected locally forged block")
	} else {
		d.persistHeader(hdr)
	}

	// Flush state only after the block is safely stored.
	if err := d.state.Commit(); err != nil {
		d.log.WithError(err).WithField("height", block.Header.Height).
			Fatal("block stored but state commit failed")
	}

	d.emitter.Emit(events.Event{
		Type:        events.EventBlockCommit,
		BlockHeight: block.Header.Height,
		Data:        map[string]any{"hash": block.Hash, "txs": len(block.Transactions)},
	})

	txIDs := make([]string, len(txs))
	for i, tx := range txs {
		txIDs[i] = tx.ID
	}
	d.mempool.Remove(txIDs)

	return block, nil
}

// lastForgedHeight returns the height of the most recent locally forged
// header the finality core still holds, or 0 if none.
func (d *DPoS) lastForgedHeight() int64 {
	h, ok := d.fm.Headers().LastByDelegate(d.fm.Headers().Len(), d.pubKey.Hex())
	if !ok {
		return 0
	}
	return h.Height
}

// maxBlockTimeDrift is the maximum allowed clock drift for incoming blocks.
const maxBlockTimeDrift = int64(15 * time.Second)

// ValidateBlock checks that block was proposed by the expected delegate,
// verifies its signature and tx root, and runs it through the fork-choice
// classifier and BFT finality core before the caller may append it.
func (d *DPoS) ValidateBlock(block *core.Block) error {
	expected, err := d.schedule.ProposerAt(block.Header.Height)
	if err != nil {
		return fmt.Errorf("resolve expected proposer: %w", err)
	}
	if block.Header.Proposer != expected {
		return fmt.Errorf("wrong proposer: got %s want %s", block.Header.Proposer, expected)
	}

	pub, err := crypto.PubKeyFromHex(block.Header.Proposer)
	if err != nil {
		return fmt.Errorf("invalid proposer pubkey: %w", err)
	}
	// Verify() re-computes the header hash and checks the signature,
	// preventing acceptance of blocks with a tampered header.
	if err := block.Verify(pub); err != nil {
		return fmt.Errorf("block signature invalid: %w", err)
	}
	// Independently verify TxRoot matches the actual transaction list.
	if txRoot := core.ComputeTxRoot(block.Transactions); block.Header.TxRoot != txRoot {
		return fmt.Errorf("tx_root mismatch: got %s want %s", block.Header.TxRoot, txRoot)
	}

	now := time.Now().UnixNano()
	if block.Header.Timestamp > now+maxBlockTimeDrift {
		return fmt.Errorf("block timestamp too far in future: %d (now %d)", block.Header.Timestamp, now)
	}

	tip := d.bc.Tip()
	if tip == nil {
		if !config.IsGenesisHash(block.Header.PrevHash) {
			return errors.New("first block must reference genesis prev-hash")
		}
	} else {
		fcBlock := bft.ForkChoiceBlockFromBlock(block, time.Now())
		tipBlock := bft.ForkChoiceBlockFromBlock(tip, time.Unix(0, tip.Header.Timestamp))
		outcome, err := d.fc.Classify(fcBlock, tipBlock)
		if err != nil {
			return fmt.Errorf("fork choice classify: %w", err)
		}
		switch outcome {
		case bft.OutcomeValid, bft.OutcomeTieBreak, bft.OutcomeDifferentChain:
			// accepted
		case bft.OutcomeIdentical:
			return errors.New("block already known")
		default:
			return fmt.Errorf("fork choice rejected block: %s", outcome)
		}
	}

	hdr := bft.HeaderFromBlock(block, time.Now())
	if err := d.fm.AddBlockHeader(hdr); err != nil {
		return fmt.Errorf("bft header accounting: %w", err)
	}
	d.persistHeader(hdr)
	return nil
}

// Run starts the block-production loop with the given interval. It blocks
// until done is closed.
func (d *DPoS) Run(interval time.Duration, done <-chan struct{}) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-done:
			return
		case <-ticker.C:
			if d.IsProposer() {
				if _, err := d.ProduceBlock(); err != nil {
					d.log.WithError(err).Warn("produce block")
				}
			}
		}
	}
}
