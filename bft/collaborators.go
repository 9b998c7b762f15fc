package bft

import "context"

// HeaderStore is the storage collaborator FinalityManager leans on to
// survive restarts. It is sketched here, not implemented — the concrete
// implementation lives in the storage package, backed by LevelDB, the same
// way core.BlockStore is an interface owned by core but implemented by
// storage.LevelBlockStore.
type HeaderStore interface {
	// LoadHeaders returns the stored headers with fromHeight <= height <=
	// tillHeight, ascending.
	LoadHeaders(ctx context.Context, fromHeight, tillHeight int64) ([]BlockHeader, error)
	// LoadFinalizedHeight returns the persisted finalized height, 0 if none.
	LoadFinalizedHeight(ctx context.Context) (int64, error)
	// PersistFinalizedHeight durably stores height as the new finalized
	// height. Called synchronously whenever FinalityChanged fires.
	PersistFinalizedHeight(ctx context.Context, height int64) error
}

// DelegateSchedule is the DPoS round-math collaborator. FinalityManager
// itself never calls it — delegateMinHeightActive is resolved by the
// caller (the consensus package) before a header is handed to
// AddBlockHeader — but it is declared here because it is the contract
// spec §6 names for the BFT core's inputs, and consensus imports this
// interface rather than redeclaring it.
type DelegateSchedule interface {
	// MinActiveHeightsOf returns the heights at which delegatePublicKey
	// became eligible to forge in its current and recent active rounds.
	MinActiveHeightsOf(delegatePublicKey string) ([]int64, error)
}

// MinActiveHeightFor picks the delegateMinHeightActive value for a header
// being forged/ingested at forgeHeight: the highest eligibility height
// that is still <= forgeHeight, or 0 if none qualifies.
func MinActiveHeightFor(heights []int64, forgeHeight int64) int64 {
	var best int64
	for _, h := range heights {
		if h <= forgeHeight && h > best {
			best = h
		}
	}
	return best
}
