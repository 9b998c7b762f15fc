package p2p

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/tolelom/toldpos/events"
)

// CoordinatorConfig configures ban durations, seed/whitelist/fixed peers
// and the peer-discovery response cap (spec.md §4.5, §6).
type CoordinatorConfig struct {
	InstanceID string // empty → generated with uuid.New()

	PeerBanTime time.Duration

	SeedPeers      []PeerInfo
	WhitelistPeers []PeerInfo
	FixedPeers     []PeerInfo
	PreviousPeers  []PeerInfo

	MaxPeerDiscoveryResponseLength int
	MaxPeerInfoSize                int // bytes
	WSMaxPayload                   int // bytes
}

func (c CoordinatorConfig) withDefaults() CoordinatorConfig {
	if c.MaxPeerDiscoveryResponseLength == 0 {
		c.MaxPeerDiscoveryResponseLength = 1000
	}
	if c.MaxPeerInfoSize == 0 {
		c.MaxPeerInfoSize = 20 * 1024
	}
	if c.WSMaxPayload == 0 {
		c.WSMaxPayload = 1024 * 1024
	}
	if c.PeerBanTime == 0 {
		c.PeerBanTime = 24 * time.Hour
	}
	return c
}

type banEntry struct {
	expires time.Time
}

// Coordinator is thin glue routing events between PeerAddressBook and
// PeerPool, handling bans and whitelist/seed overrides (spec.md §4.5).
type Coordinator struct {
	cfg        CoordinatorConfig
	instanceID string

	book *PeerAddressBook
	pool *PeerPool

	banMu     sync.RWMutex
	bannedIPs map[string]banEntry

	whitelist map[string]bool

	emitter *events.Emitter
	metrics *metricsSet
	log     *logrus.Entry

	stopCh chan struct{}
}

// NewCoordinator constructs a Coordinator over an already-built book and
// pool.
func NewCoordinator(cfg CoordinatorConfig, book *PeerAddressBook, pool *PeerPool, emitter *events.Emitter, reg prometheus.Registerer) *Coordinator {
	cfg = cfg.withDefaults()
	instanceID := cfg.InstanceID
	if instanceID == "" {
		instanceID = uuid.New().String()
	}

	whitelist := make(map[string]bool, len(cfg.WhitelistPeers))
	for _, p := range cfg.WhitelistPeers {
		whitelist[p.IPAddress] = true
	}

	return &Coordinator{
		cfg:        cfg,
		instanceID: instanceID,
		book:       book,
		pool:       pool,
		bannedIPs:  make(map[string]banEntry),
		whitelist:  whitelist,
		emitter:    emitter,
		metrics:    newMetrics(reg),
		log:        logrus.WithField("component", "p2p.coordinator"),
		stopCh:     make(chan struct{}),
	}
}

// InstanceID returns this node's instance identity, used to detect a
// self-connection reported back over the wire (spec.md §7
// DuplicateInstance).
func (c *Coordinator) InstanceID() string {
	return c.instanceID
}

// CheckInstance returns ErrDuplicateInstance if remoteInstanceID matches
// this node's own id.
func (c *Coordinator) CheckInstance(remoteInstanceID string) error {
	if remoteInstanceID != "" && remoteInstanceID == c.instanceID {
		return ErrDuplicateInstance
	}
	return nil
}

// Start seeds the book from previous+whitelist+fixed peers, immediately
// upgrading them to tried, then starts the pool (spec.md §4.5
// "Startup").
func (c *Coordinator) Start() {
	for _, group := range [][]PeerInfo{c.cfg.PreviousPeers, c.cfg.WhitelistPeers, c.cfg.FixedPeers, c.cfg.SeedPeers} {
		for _, p := range group {
			if err := c.book.AddPeer(p, PeerGroup(p.IPAddress)); err != nil {
				if _, ok := err.(*ExistingPeerError); !ok {
					c.log.WithError(err).WithField("peer", p.PeerID).Warn("seed addPeer failed")
					continue
				}
			}
			if err := c.book.UpgradePeer(p.PeerID); err != nil {
				c.log.WithError(err).WithField("peer", p.PeerID).Warn("seed upgradePeer failed")
			}
		}
	}
	c.pool.Start()
}

// Stop stops the pool on an errgroup goroutine and waits for it; the pool
// closes its sockets one after another on its event loop before Stop
// returns (spec.md §5 cancellation: "awaits the server close").
func (c *Coordinator) Stop() error {
	close(c.stopCh)
	var g errgroup.Group
	g.Go(func() error {
		c.pool.Stop()
		return nil
	})
	return g.Wait()
}

// BanPeer adds ipAddress to the ban list for PeerBanTime and removes any
// matching peer from the book, unless whitelisted (spec.md §4.5
// "Banning").
func (c *Coordinator) BanPeer(peerID string) error {
	ipAddress, _, err := ParsePeerID(peerID)
	if err != nil {
		ipAddress = peerID
	}
	if c.whitelist[ipAddress] {
		return nil
	}

	c.banMu.Lock()
	c.bannedIPs[ipAddress] = banEntry{expires: time.Now().Add(c.cfg.PeerBanTime)}
	c.banMu.Unlock()

	c.pool.Disconnect(peerID, CloseBanned, "peer banned")
	_ = c.book.RemovePeer(peerID)

	c.metrics.bannedPeers.Inc()
	emit(c.emitter, SignalPeerBanned, peerID, nil)
	return nil
}

// UnbanPeer clears ipAddress from the ban list ahead of its natural
// expiry.
func (c *Coordinator) UnbanPeer(ipAddress string) {
	c.banMu.Lock()
	defer c.banMu.Unlock()
	delete(c.bannedIPs, ipAddress)
}

// IsBanned reports whether ipAddress is currently banned, pruning the
// entry first if its ban has expired.
func (c *Coordinator) IsBanned(ipAddress string) bool {
	c.banMu.Lock()
	defer c.banMu.Unlock()
	entry, ok := c.bannedIPs[ipAddress]
	if !ok {
		return false
	}
	if time.Now().After(entry.expires) {
		delete(c.bannedIPs, ipAddress)
		return false
	}
	return true
}

func (c *Coordinator) isWhitelisted(ipAddress string) bool {
	return c.whitelist[ipAddress]
}

// AcceptInbound is the entry point network/node.go calls for a freshly
// upgraded inbound socket: it wires the coordinator's own ban/whitelist
// state into PeerPool.HandleInbound so callers never need to reach into
// the pool directly.
func (c *Coordinator) AcceptInbound(peerID, ipAddress string, wsPort int, shared SharedState, advertiseAddress bool, sock Socket) error {
	return c.pool.HandleInbound(peerID, ipAddress, wsPort, shared, advertiseAddress, c.IsBanned, c.isWhitelisted, sock)
}

// GetPeersList responds to the getPeersList RPC with a sampled sanitised
// list trimmed so its serialized byte size stays under WSMaxPayload
// (spec.md §4.5 "Peer discovery").
func (c *Coordinator) GetPeersList() []PeerInfo {
	sampled := c.book.GetRandomizedPeerList(0, c.cfg.MaxPeerDiscoveryResponseLength)

	data, err := json.Marshal(sampled)
	if err != nil {
		c.log.WithError(err).Error("marshal peers list")
		return nil
	}
	if c.metrics.discoveryResponse != nil {
		c.metrics.discoveryResponse.Observe(float64(len(data)))
	}
	if len(data) < c.cfg.WSMaxPayload {
		return sampled
	}

	maxEntries := c.cfg.WSMaxPayload/c.cfg.MaxPeerInfoSize - 1
	if maxEntries < 0 {
		maxEntries = 0
	}
	if maxEntries > len(sampled) {
		maxEntries = len(sampled)
	}
	return sampled[:maxEntries]
}
