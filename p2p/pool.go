package p2p

import (
	"fmt"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"

	"github.com/tolelom/toldpos/events"
)

// PoolConfig configures PeerPool's connection limits, protection ratios
// and timer intervals (spec.md §4.4, §6).
type PoolConfig struct {
	MaxInboundConnections  int
	MaxOutboundConnections int

	PopulatorInterval       time.Duration
	OutboundShuffleInterval time.Duration
	RateCalculationInterval time.Duration

	WSMaxMessageRate        float64
	WSMaxMessageRatePenalty int

	SendPeerLimit                 int
	MinimumPeerDiscoveryThreshold int

	NetgroupRatio     float64
	LatencyRatio      float64
	ProductivityRatio float64
	LongevityRatio    float64

	// ConnectFn dials an outbound socket to addr; overridable in tests.
	ConnectFn func(peerID, addr string) (Socket, error)
}

func (c PoolConfig) withDefaults() PoolConfig {
	if c.MaxInboundConnections == 0 {
		c.MaxInboundConnections = 100
	}
	if c.MaxOutboundConnections == 0 {
		c.MaxOutboundConnections = 20
	}
	if c.PopulatorInterval == 0 {
		c.PopulatorInterval = 10 * time.Second
	}
	if c.OutboundShuffleInterval == 0 {
		c.OutboundShuffleInterval = 2 * time.Minute
	}
	if c.RateCalculationInterval == 0 {
		c.RateCalculationInterval = time.Second
	}
	if c.WSMaxMessageRate == 0 {
		c.WSMaxMessageRate = 100
	}
	if c.WSMaxMessageRatePenalty == 0 {
		c.WSMaxMessageRatePenalty = 10
	}
	if c.SendPeerLimit == 0 {
		c.SendPeerLimit = 25
	}
	if c.MinimumPeerDiscoveryThreshold == 0 {
		c.MinimumPeerDiscoveryThreshold = 100
	}
	return c
}

type connectedPeer struct {
	info   PeerInfo
	socket Socket
}

// poolCommand is the event loop's unit of work: every exported mutating
// method on PeerPool builds one of these, sends it on cmd, and blocks on
// done. This is the idiomatic Go rendering of spec.md §5's "one logical
// scheduling thread" — generalizing the teacher's single stopCh signal
// (network/node.go) into a full command queue so arbitrary mutations
// serialize through one goroutine without a mutex.
type poolCommand struct {
	run  func()
	done chan struct{}
}

// PeerPool maintains live inbound/outbound connections, evicts under
// protection ratios, and exposes request/broadcast/send (spec.md §4.4).
type PeerPool struct {
	cfg  PoolConfig
	book *PeerAddressBook

	inbound  map[string]*connectedPeer
	outbound map[string]*connectedPeer

	connSelect    ConnectionSelector
	requestSelect RequestSelector
	sendSelect    SendSelector

	rates *rateTracker

	cmd     chan poolCommand
	stopCh  chan struct{}
	stopped chan struct{}
	ready   bool

	emitter *events.Emitter
	metrics *metricsSet
	log     *logrus.Entry
}

// NewPeerPool constructs a PeerPool bound to book. Call Start to begin
// its event loop and timers.
func NewPeerPool(cfg PoolConfig, book *PeerAddressBook, emitter *events.Emitter, reg prometheus.Registerer) *PeerPool {
	cfg = cfg.withDefaults()
	return &PeerPool{
		cfg:           cfg,
		book:          book,
		inbound:       make(map[string]*connectedPeer),
		outbound:      make(map[string]*connectedPeer),
		connSelect:    DefaultSelectForConnection,
		requestSelect: DefaultSelectForRequest,
		sendSelect:    DefaultSelectForSend,
		rates:         newRateTracker(cfg.WSMaxMessageRate, cfg.WSMaxMessageRatePenalty),
		cmd:           make(chan poolCommand, 64),
		stopCh:        make(chan struct{}),
		stopped:       make(chan struct{}),
		emitter:       emitter,
		metrics:       newMetrics(reg),
		log:           logrus.WithField("component", "p2p.pool"),
	}
}

// Start begins the event loop and periodic timers (populator, shuffle,
// rate calculation — spec.md §4.4 "periodic actions").
func (pl *PeerPool) Start() {
	pl.ready = true
	go pl.run()
}

// Stop clears all timers, closes every socket with a shutdown close
// code, and awaits the event loop's exit (spec.md §5 "stop() clears all
// timers, closes every socket ... and awaits the server close").
// Outstanding Request calls made after Stop returns fail with
// ErrNodeNotReady.
func (pl *PeerPool) Stop() {
	close(pl.stopCh)
	<-pl.stopped
}

func (pl *PeerPool) run() {
	defer close(pl.stopped)

	populator := time.NewTicker(pl.cfg.PopulatorInterval)
	shuffle := time.NewTicker(pl.cfg.OutboundShuffleInterval)
	rateCalc := time.NewTicker(pl.cfg.RateCalculationInterval)
	defer populator.Stop()
	defer shuffle.Stop()
	defer rateCalc.Stop()

	for {
		select {
		case <-pl.stopCh:
			pl.closeAll()
			return
		case c := <-pl.cmd:
			c.run()
			close(c.done)
		case <-populator.C:
			pl.populate()
		case <-shuffle.C:
			pl.shuffleOutbound()
		case <-rateCalc.C:
			pl.resetRates()
		}
	}
}

// exec runs fn on the event-loop goroutine and waits for it to finish.
// Returns ErrNodeNotReady if the pool has already begun stopping.
func (pl *PeerPool) exec(fn func()) error {
	select {
	case <-pl.stopCh:
		return ErrNodeNotReady
	default:
	}
	done := make(chan struct{})
	select {
	case pl.cmd <- poolCommand{run: fn, done: done}:
	case <-pl.stopCh:
		return ErrNodeNotReady
	}
	select {
	case <-done:
		return nil
	case <-pl.stopCh:
		return ErrNodeNotReady
	}
}

func (pl *PeerPool) closeAll() {
	for id, cp := range pl.inbound {
		cp.socket.Close(CloseNodeShutdown, "node shutting down")
		delete(pl.inbound, id)
	}
	for id, cp := range pl.outbound {
		cp.socket.Close(CloseNodeShutdown, "node shutting down")
		delete(pl.outbound, id)
	}
}

// HandleInbound runs the inbound handshake in spec.md §4.4.1.
func (pl *PeerPool) HandleInbound(peerID, ipAddress string, wsPort int, shared SharedState, advertiseAddress bool, banned func(ip string) bool, whitelisted func(ip string) bool, sock Socket) error {
	var outErr error
	err := pl.exec(func() {
		if _, exists := pl.inbound[peerID]; exists {
			outErr = fmt.Errorf("%w: duplicate connection from %s", ErrPeerInboundHandshake, peerID)
			return
		}
		if banned(ipAddress) && !whitelisted(ipAddress) {
			outErr = fmt.Errorf("%w: %s is banned", ErrPeerInboundHandshake, ipAddress)
			return
		}
		if len(pl.inbound) >= pl.cfg.MaxInboundConnections {
			if !pl.evictForInbound() {
				outErr = fmt.Errorf("%w: inbound pool full", ErrPeerInboundHandshake)
				return
			}
		}

		info := PeerInfo{
			PeerID:        peerID,
			IPAddress:     ipAddress,
			WSPort:        wsPort,
			SharedState:   shared,
			InternalState: InternalState{Kind: KindInbound, AdvertiseAddress: advertiseAddress, ConnectedAt: time.Now()},
		}
		pl.inbound[peerID] = &connectedPeer{info: info, socket: sock}

		if err := pl.book.AddPeer(info, PeerGroup(ipAddress)); err != nil {
			var existing *ExistingPeerError
			if !asExistingPeerError(err, &existing) {
				pl.log.WithError(err).WithField("peer", peerID).Warn("addPeer failed on inbound handshake")
			}
		}
		pl.metrics.inboundConnections.Set(float64(len(pl.inbound)))
		emit(pl.emitter, SignalNewInboundPeer, peerID, nil)
	})
	if err != nil {
		return err
	}
	return outErr
}

func asExistingPeerError(err error, target **ExistingPeerError) bool {
	e, ok := err.(*ExistingPeerError)
	if ok {
		*target = e
	}
	return ok
}

// evictForInbound picks a victim among the current inbound set under the
// four protection ratios and disconnects it, returning whether room was
// freed. Must run on the event-loop goroutine.
func (pl *PeerPool) evictForInbound() bool {
	candidates := make([]PeerInfo, 0, len(pl.inbound))
	for _, cp := range pl.inbound {
		candidates = append(candidates, cp.info)
	}
	victim := selectEvictionVictim(candidates, protectionRatios{
		netgroup:     pl.cfg.NetgroupRatio,
		latency:      pl.cfg.LatencyRatio,
		productivity: pl.cfg.ProductivityRatio,
		longevity:    pl.cfg.LongevityRatio,
	})
	if victim == nil {
		return false
	}
	cp := pl.inbound[victim.PeerID]
	cp.socket.Close(CloseNormal, "evicted for inbound capacity")
	delete(pl.inbound, victim.PeerID)
	emit(pl.emitter, SignalPeerDisconnect, victim.PeerID, map[string]any{"reason": "evicted"})
	return true
}

// Request selects a peer via requestSelect and sends packet to it,
// returning the chosen peer's id or an error if none could be reached
// (spec.md §4.4.2). It does not wait for a response, applies no ack
// timeout and does not change the peer's productivity score.
func (pl *PeerPool) Request(minHeight int64, packet Packet) (string, error) {
	var chosen PeerInfo
	var selErr error
	if err := pl.exec(func() {
		connected := pl.connectedOutboundLocked()
		chosen, selErr = pl.requestSelect(connected, minHeight)
	}); err != nil {
		return "", err
	}
	if selErr != nil {
		return "", selErr
	}
	cp, ok := pl.outbound[chosen.PeerID]
	if !ok {
		return "", ErrNoPeerAvailable
	}
	if err := cp.socket.Send(packet); err != nil {
		return "", fmt.Errorf("p2p: request to %s: %w", chosen.PeerID, err)
	}
	return chosen.PeerID, nil
}

func (pl *PeerPool) connectedOutboundLocked() []PeerInfo {
	out := make([]PeerInfo, 0, len(pl.outbound))
	for _, cp := range pl.outbound {
		out = append(out, cp.info)
	}
	return out
}

// Broadcast fans packet out to every outbound peer.
func (pl *PeerPool) Broadcast(packet Packet) {
	_ = pl.exec(func() {
		for id, cp := range pl.outbound {
			if err := cp.socket.Send(packet); err != nil {
				pl.log.WithError(err).WithField("peer", id).Debug("broadcast send failed")
			}
		}
	})
}

// Send fans packet out to sendPeerLimit selected peers (spec.md §4.4.2).
func (pl *PeerPool) Send(packet Packet) {
	_ = pl.exec(func() {
		connected := pl.connectedOutboundLocked()
		targets := pl.sendSelect(connected, pl.cfg.SendPeerLimit)
		for _, t := range targets {
			if cp, ok := pl.outbound[t.PeerID]; ok {
				if err := cp.socket.Send(packet); err != nil {
					pl.log.WithError(err).WithField("peer", t.PeerID).Debug("send failed")
				}
			}
		}
	})
}

// populate opens outbound connections up to MaxOutboundConnections using
// connSelect, and kicks off seed discovery if the tried table is too
// small (spec.md §4.4 "populator"). Runs directly on the event-loop
// goroutine (called from run()'s ticker case) — must NOT go through exec,
// which would deadlock the loop waiting on itself.
func (pl *PeerPool) populate() {
	want := pl.cfg.MaxOutboundConnections - len(pl.outbound)
	if want <= 0 {
		return
	}
	candidates := pl.connSelect(pl.book.AllNew(), pl.book.AllTried(), want)
	for _, c := range candidates {
		if _, already := pl.outbound[c.PeerID]; already {
			continue
		}
		pl.dialOutboundLocked(c)
	}
	if pl.book.TriedCount() < pl.cfg.MinimumPeerDiscoveryThreshold {
		pl.log.Debug("tried table below discovery threshold, requesting peer discovery")
	}
}

func (pl *PeerPool) dialOutboundLocked(c PeerInfo) {
	if pl.cfg.ConnectFn == nil {
		return
	}
	sock, err := pl.cfg.ConnectFn(c.PeerID, fmt.Sprintf("%s:%d", c.IPAddress, c.WSPort))
	if err != nil {
		pl.log.WithError(err).WithField("peer", c.PeerID).Debug("outbound dial failed")
		_ = pl.book.DowngradePeer(c.PeerID)
		return
	}
	c.InternalState.Kind = KindOutbound
	c.InternalState.ConnectedAt = time.Now()
	pl.outbound[c.PeerID] = &connectedPeer{info: c, socket: sock}
	_ = pl.book.UpgradePeer(c.PeerID)
	pl.metrics.outboundConnections.Set(float64(len(pl.outbound)))
	emit(pl.emitter, SignalNewOutboundPeer, c.PeerID, nil)
}

// shuffleOutbound closes the lowest-priority outbound peer to make room
// for fresh candidates at the next populate tick (spec.md §4.4
// "shuffle"). Runs directly on the event-loop goroutine; see populate.
func (pl *PeerPool) shuffleOutbound() {
	if len(pl.outbound) == 0 {
		return
	}
	candidates := pl.connectedOutboundLocked()
	victim := selectEvictionVictim(candidates, protectionRatios{
		netgroup:     pl.cfg.NetgroupRatio,
		latency:      pl.cfg.LatencyRatio,
		productivity: pl.cfg.ProductivityRatio,
		longevity:    pl.cfg.LongevityRatio,
	})
	if victim == nil {
		return
	}
	cp := pl.outbound[victim.PeerID]
	cp.socket.Close(CloseNormal, "outbound shuffle")
	delete(pl.outbound, victim.PeerID)
	emit(pl.emitter, SignalPeerDisconnect, victim.PeerID, map[string]any{"reason": "shuffle"})
}

// resetRates clears per-peer WS message-rate counters (spec.md §4.4
// "rate calculation"). Runs directly on the event-loop goroutine; see
// populate.
func (pl *PeerPool) resetRates() {
	for id := range pl.inbound {
		pl.rates.Reset(id)
	}
	for id := range pl.outbound {
		pl.rates.Reset(id)
	}
}

// AllowMessage records one inbound message from peerID against the rate
// limiter and reports whether it should be processed; banNow signals the
// caller (Coordinator) should ban the peer outright.
func (pl *PeerPool) AllowMessage(peerID string) (allowed, banNow bool) {
	return pl.rates.Allow(peerID)
}

// InboundCount returns the current inbound connection count.
func (pl *PeerPool) InboundCount() int {
	n := 0
	_ = pl.exec(func() { n = len(pl.inbound) })
	return n
}

// OutboundCount returns the current outbound connection count.
func (pl *PeerPool) OutboundCount() int {
	n := 0
	_ = pl.exec(func() { n = len(pl.outbound) })
	return n
}

// Disconnect closes and forgets peerID if connected, in either direction.
func (pl *PeerPool) Disconnect(peerID string, statusCode int, reason string) {
	_ = pl.exec(func() {
		if cp, ok := pl.inbound[peerID]; ok {
			cp.socket.Close(statusCode, reason)
			delete(pl.inbound, peerID)
		}
		if cp, ok := pl.outbound[peerID]; ok {
			cp.socket.Close(statusCode, reason)
			delete(pl.outbound, peerID)
		}
		pl.rates.Forget(peerID)
		emit(pl.emitter, SignalPeerDisconnect, peerID, map[string]any{"reason": reason})
	})
}
