package p2p

import (
	"math/rand"
	"sync"

	"github.com/sirupsen/logrus"
)

// BookConfig configures table dimensions and protection ratios consulted
// when a bucket slot is full and a tenant must be evicted.
type BookConfig struct {
	Secret             []byte
	NewBuckets         int
	TriedBuckets       int
	BucketSize         int
	NetgroupRatio      float64
	LatencyRatio       float64
	ProductivityRatio  float64
	LongevityRatio     float64
}

func (c BookConfig) withDefaults() BookConfig {
	if c.NewBuckets == 0 {
		c.NewBuckets = DefaultNewBuckets
	}
	if c.TriedBuckets == 0 {
		c.TriedBuckets = DefaultTriedBuckets
	}
	if c.BucketSize == 0 {
		c.BucketSize = DefaultBucketSize
	}
	return c
}

type tableEntry struct {
	peer PeerInfo
}

// PeerAddressBook is the bucketed tried/new address book (spec.md §4.3).
// Not safe for concurrent use from multiple goroutines; PeerPool and
// Coordinator both serialize access to it on their single event-loop
// goroutine (spec.md §5). The mutex here is a defensive second layer for
// read-only callers like RPC handlers that query it off that goroutine
// (e.g. GetRandomizedPeerList for peer-discovery responses).
type PeerAddressBook struct {
	mu sync.RWMutex

	cfg    BookConfig
	hasher bucketHasher

	newTable   [][]tableEntry
	triedTable [][]tableEntry

	byPeerID map[string]struct {
		tried bool
		row   int
		col   int
	}

	log *logrus.Entry
}

// NewPeerAddressBook constructs an empty PeerAddressBook.
func NewPeerAddressBook(cfg BookConfig) *PeerAddressBook {
	cfg = cfg.withDefaults()
	b := &PeerAddressBook{
		cfg:    cfg,
		hasher: newBucketHasher(cfg.Secret),
		newTable:   make([][]tableEntry, cfg.NewBuckets),
		triedTable: make([][]tableEntry, cfg.TriedBuckets),
		byPeerID: make(map[string]struct {
			tried bool
			row   int
			col   int
		}),
		log: logrus.WithField("component", "p2p.addressbook"),
	}
	for i := range b.newTable {
		b.newTable[i] = make([]tableEntry, cfg.BucketSize)
	}
	for i := range b.triedTable {
		b.triedTable[i] = make([]tableEntry, cfg.BucketSize)
	}
	return b
}

func emptySlot(row []tableEntry, col int) bool {
	return row[col].peer.PeerID == ""
}

// AddPeer places p in the new table, sourced from sourceGroup (typically
// the group of the peer that told us about p, or p's own group for
// self-reported peers). Returns *ExistingPeerError if p.PeerID is already
// present in either table.
func (b *PeerAddressBook) AddPeer(p PeerInfo, sourceGroup string) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if existing, ok := b.lookupLocked(p.PeerID); ok {
		return &ExistingPeerError{Existing: existing}
	}

	row := b.hasher.newBucket(sourceGroup, PeerGroup(p.IPAddress), len(b.newTable))
	col := b.hasher.slot(p.PeerID, len(b.newTable[row]))

	if !emptySlot(b.newTable[row], col) {
		b.evictSlotLocked(b.newTable[row], col, false)
	}
	b.newTable[row][col] = tableEntry{peer: p}
	b.byPeerID[p.PeerID] = struct {
		tried bool
		row   int
		col   int
	}{false, row, col}
	return nil
}

// UpgradePeer promotes peerID from new to tried, or refreshes it if
// already tried (spec.md §4.3.2).
func (b *PeerAddressBook) UpgradePeer(peerID string) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	loc, ok := b.byPeerID[peerID]
	if !ok {
		return ErrPeerNotFound
	}

	if loc.tried {
		b.triedTable[loc.row][loc.col].peer.InternalState.ConnectAttempts = 0
		return nil
	}

	p := b.newTable[loc.row][loc.col].peer
	row := b.hasher.triedBucket(peerID, len(b.triedTable))
	col := b.hasher.slot(peerID, len(b.triedTable[row]))

	if !emptySlot(b.triedTable[row], col) {
		b.evictSlotLocked(b.triedTable[row], col, true)
	}

	b.newTable[loc.row][loc.col] = tableEntry{}
	if !p.InternalState.Kind.protected() {
		p.InternalState.Kind = KindOutbound
	}
	p.InternalState.FailedConnections = 0
	b.triedTable[row][col] = tableEntry{peer: p}
	b.byPeerID[peerID] = struct {
		tried bool
		row   int
		col   int
	}{true, row, col}
	return nil
}

// DowngradePeer records a connection failure for peerID, applying the
// failure-counter transitions in spec.md §4.3.2. Whitelisted/fixed peers
// are exempt.
func (b *PeerAddressBook) DowngradePeer(peerID string) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	loc, ok := b.byPeerID[peerID]
	if !ok {
		return ErrPeerNotFound
	}

	if loc.tried {
		entry := &b.triedTable[loc.row][loc.col]
		if entry.peer.InternalState.Kind.protected() {
			return nil
		}
		entry.peer.InternalState.FailedConnections++
		if entry.peer.InternalState.FailedConnections >= 3 {
			p := entry.peer
			*entry = tableEntry{}
			p.InternalState.Kind = KindInbound
			p.InternalState.FailedConnections = 0
			return b.reinsertNewLocked(p)
		}
		return nil
	}

	entry := &b.newTable[loc.row][loc.col]
	if entry.peer.InternalState.Kind.protected() {
		return nil
	}
	*entry = tableEntry{}
	delete(b.byPeerID, peerID)
	return nil
}

// reinsertNewLocked re-adds p to the new table after a tried→new
// downgrade; it must hold b.mu already.
func (b *PeerAddressBook) reinsertNewLocked(p PeerInfo) error {
	row := b.hasher.newBucket(PeerGroup(p.IPAddress), PeerGroup(p.IPAddress), len(b.newTable))
	col := b.hasher.slot(p.PeerID, len(b.newTable[row]))
	if !emptySlot(b.newTable[row], col) {
		b.evictSlotLocked(b.newTable[row], col, false)
	}
	b.newTable[row][col] = tableEntry{peer: p}
	b.byPeerID[p.PeerID] = struct {
		tried bool
		row   int
		col   int
	}{false, row, col}
	return nil
}

// RemovePeer explicitly evicts peerID from whichever table holds it.
func (b *PeerAddressBook) RemovePeer(peerID string) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	loc, ok := b.byPeerID[peerID]
	if !ok {
		return ErrPeerNotFound
	}
	if loc.tried {
		b.triedTable[loc.row][loc.col] = tableEntry{}
	} else {
		b.newTable[loc.row][loc.col] = tableEntry{}
	}
	delete(b.byPeerID, peerID)
	return nil
}

// UpdatePeer overwrites the stored SharedState/advertise flag for an
// already-known peer, leaving its table placement and failure counters
// untouched.
func (b *PeerAddressBook) UpdatePeer(peerID string, shared SharedState, advertiseAddress bool) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	loc, ok := b.byPeerID[peerID]
	if !ok {
		return ErrPeerNotFound
	}
	table := b.newTable
	if loc.tried {
		table = b.triedTable
	}
	table[loc.row][loc.col].peer.SharedState = shared
	table[loc.row][loc.col].peer.InternalState.AdvertiseAddress = advertiseAddress
	return nil
}

// Get returns the current PeerInfo for peerID.
func (b *PeerAddressBook) Get(peerID string) (PeerInfo, bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.lookupLocked(peerID)
}

func (b *PeerAddressBook) lookupLocked(peerID string) (PeerInfo, bool) {
	loc, ok := b.byPeerID[peerID]
	if !ok {
		return PeerInfo{}, false
	}
	if loc.tried {
		return b.triedTable[loc.row][loc.col].peer, true
	}
	return b.newTable[loc.row][loc.col].peer, true
}

// evictSlotLocked clears row[col] to make room for an incoming peer. It
// picks the protection-ratio-aware victim across the destination bucket,
// not just the target slot, so a single always-occupied slot can't wedge
// insertion forever (spec.md §4.3.1 "Collisions in a slot evict by the
// ... protection ratios").
func (b *PeerAddressBook) evictSlotLocked(row []tableEntry, col int, tried bool) {
	candidates := make([]PeerInfo, 0, len(row))
	for _, e := range row {
		if e.peer.PeerID != "" {
			candidates = append(candidates, e.peer)
		}
	}
	victim := selectEvictionVictim(candidates, protectionRatios{
		netgroup:     b.cfg.NetgroupRatio,
		latency:      b.cfg.LatencyRatio,
		productivity: b.cfg.ProductivityRatio,
		longevity:    b.cfg.LongevityRatio,
	})
	if victim == nil {
		delete(b.byPeerID, row[col].peer.PeerID)
		row[col] = tableEntry{}
		return
	}
	for i, e := range row {
		if e.peer.PeerID == victim.PeerID {
			delete(b.byPeerID, victim.PeerID)
			row[i] = tableEntry{}
			if i != col {
				// Move row[col]'s occupant into the freed slot so row[col]
				// is the slot left empty.
				moved := row[col].peer.PeerID
				row[i] = row[col]
				row[col] = tableEntry{}
				loc := b.byPeerID[moved]
				loc.col = i
				b.byPeerID[moved] = loc
			}
			return
		}
	}
}

// GetRandomizedPeerList returns between min and max peers sampled
// uniformly without replacement from newTable ∪ triedTable, excluding
// peers whose InternalState.AdvertiseAddress is false (spec.md §4.3.3).
func (b *PeerAddressBook) GetRandomizedPeerList(min, max int) []PeerInfo {
	b.mu.RLock()
	all := b.allAdvertisablePeersLocked()
	b.mu.RUnlock()

	rand.Shuffle(len(all), func(i, j int) { all[i], all[j] = all[j], all[i] })

	n := max
	if n > len(all) {
		n = len(all)
	}
	if n < min && len(all) >= min {
		n = min
	}
	return all[:n]
}

func (b *PeerAddressBook) allAdvertisablePeersLocked() []PeerInfo {
	var out []PeerInfo
	for _, row := range b.newTable {
		for _, e := range row {
			if e.peer.PeerID != "" && e.peer.InternalState.AdvertiseAddress {
				out = append(out, e.peer)
			}
		}
	}
	for _, row := range b.triedTable {
		for _, e := range row {
			if e.peer.PeerID != "" && e.peer.InternalState.AdvertiseAddress {
				out = append(out, e.peer)
			}
		}
	}
	return out
}

// TriedCount returns the number of peers currently in the tried table.
func (b *PeerAddressBook) TriedCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	n := 0
	for _, row := range b.triedTable {
		for _, e := range row {
			if e.peer.PeerID != "" {
				n++
			}
		}
	}
	return n
}

// NewCount returns the number of peers currently in the new table.
func (b *PeerAddressBook) NewCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	n := 0
	for _, row := range b.newTable {
		for _, e := range row {
			if e.peer.PeerID != "" {
				n++
			}
		}
	}
	return n
}

// AllTried returns a snapshot copy of every tried peer.
func (b *PeerAddressBook) AllTried() []PeerInfo {
	b.mu.RLock()
	defer b.mu.RUnlock()
	var out []PeerInfo
	for _, row := range b.triedTable {
		for _, e := range row {
			if e.peer.PeerID != "" {
				out = append(out, e.peer)
			}
		}
	}
	return out
}

// AllNew returns a snapshot copy of every new-table peer.
func (b *PeerAddressBook) AllNew() []PeerInfo {
	b.mu.RLock()
	defer b.mu.RUnlock()
	var out []PeerInfo
	for _, row := range b.newTable {
		for _, e := range row {
			if e.peer.PeerID != "" {
				out = append(out, e.peer)
			}
		}
	}
	return out
}
