package network

import (
	"crypto/tls"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/tolelom/toldpos/core"
	"github.com/tolelom/toldpos/p2p"
)

// MessageHandler is called for each received message.
type MessageHandler func(peer *Peer, msg Message)

// DefaultMaxPeers is the default limit on simultaneous peer connections,
// kept only as the fallback value callers may use when building
// p2p.PoolConfig.MaxInboundConnections/MaxOutboundConnections.
const DefaultMaxPeers = 50

// Node is the application-level gossip layer: it owns message handlers and
// the mempool/block wiring, and rides on top of a p2p.Coordinator/
// p2p.PeerPool for connection admission, protection and eviction.
type Node struct {
	nodeID     string
	listenAddr string
	mempool    *core.Mempool
	maxPayload int
	tlsConfig  *tls.Config // nil → plain ws

	coord *p2p.Coordinator
	pool  *p2p.PeerPool

	mu       sync.RWMutex
	peers    map[string]*Peer
	handlers map[MsgType]MessageHandler

	httpServer *http.Server
	stopCh     chan struct{}

	log *logrus.Entry
}

// NewNode creates a Node that will serve websocket upgrades on listenAddr
// at /p2p. A non-nil tlsConfig (see config.LoadTLSConfig) upgrades both
// the listener and outbound dials to mTLS; pass nil for plain ws. Call
// Attach with a coordinator/pool pair before Start.
func NewNode(nodeID, listenAddr string, mempool *core.Mempool, maxPayload int, tlsConfig *tls.Config) *Node {
	if maxPayload <= 0 {
		maxPayload = 1024 * 1024
	}
	n := &Node{
		nodeID:     nodeID,
		listenAddr: listenAddr,
		mempool:    mempool,
		maxPayload: maxPayload,
		tlsConfig:  tlsConfig,
		peers:      make(map[string]*Peer),
		handlers:   make(map[MsgType]MessageHandler),
		stopCh:     make(chan struct{}),
		log:        logrus.WithField("component", "network"),
	}
	n.Handle(MsgTx, n.handleTx)
	return n
}

// Attach wires the P2P core this Node rides on. coord admits/bans/ranks
// inbound connections; pool backs rate-limiting lookups on each received
// message. Pass pool.ConnectFn (via n.DialFn) when constructing pool so
// its populator can dial through this Node.
func (n *Node) Attach(coord *p2p.Coordinator, pool *p2p.PeerPool) {
	n.coord = coord
	n.pool = pool
}

// DialFn returns the function to use as p2p.PoolConfig.ConnectFn, so the
// pool's populator dials new outbound peers through this Node's message
// routing.
func (n *Node) DialFn() func(peerID, addr string) (p2p.Socket, error) {
	return n.dialPeer
}

// Handle registers a handler for msg type.
func (n *Node) Handle(typ MsgType, h MessageHandler) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.handlers[typ] = h
}

// Start begins accepting websocket connections and, if attached, the
// coordinator's startup seeding and the pool's event loop.
func (n *Node) Start() error {
	mux := http.NewServeMux()
	mux.HandleFunc("/p2p", n.handleUpgrade)
	n.httpServer = &http.Server{Addr: n.listenAddr, Handler: mux}

	ln, err := net.Listen("tcp", n.listenAddr)
	if err != nil {
		return fmt.Errorf("listen %s: %w", n.listenAddr, err)
	}
	if n.tlsConfig != nil {
		ln = tls.NewListener(ln, n.tlsConfig)
	}
	go func() {
		if err := n.httpServer.Serve(ln); err != nil && err != http.ErrServerClosed {
			n.log.WithError(err).Error("http server")
		}
	}()
	if n.coord != nil {
		n.coord.Start()
	}
	return nil
}

// Stop shuts down the node: the coordinator (which stops the pool and
// every socket), then the HTTP listener.
func (n *Node) Stop() {
	close(n.stopCh)
	if n.coord != nil {
		_ = n.coord.Stop()
	}
	if n.httpServer != nil {
		_ = n.httpServer.Close()
	}
}

// handleUpgrade accepts an inbound websocket connection and hands it to
// the coordinator for admission before wiring its read loop into n.
func (n *Node) handleUpgrade(w http.ResponseWriter, r *http.Request) {
	peerID := r.URL.Query().Get("peer_id")
	if peerID == "" {
		http.Error(w, "missing peer_id", http.StatusBadRequest)
		return
	}
	wsPort, _ := strconv.Atoi(r.URL.Query().Get("ws_port"))
	height, _ := strconv.ParseInt(r.URL.Query().Get("height"), 10, 64)

	ip, _, err := p2p.ParsePeerID(peerID)
	if err != nil {
		http.Error(w, "invalid peer_id", http.StatusBadRequest)
		return
	}

	sock, err := p2p.AcceptSocket(peerID, w, r, int64(n.maxPayload))
	if err != nil {
		n.log.WithError(err).Warn("accept upgrade")
		return
	}

	if n.coord != nil {
		shared := p2p.SharedState{Height: height}
		if err := n.coord.AcceptInbound(peerID, ip, wsPort, shared, true, sock); err != nil {
			n.log.WithError(err).WithField("peer", peerID).Debug("inbound rejected")
			_ = sock.Close(p2p.CloseNormal, "rejected")
			return
		}
	}

	peer := NewPeer(peerID, r.RemoteAddr, sock)
	n.mu.Lock()
	n.peers[peerID] = peer
	n.mu.Unlock()
	go n.readLoop(peer)
}

// dialPeer dials addr, registers the resulting Peer for message routing,
// and returns the underlying socket for the pool's own outbound
// bookkeeping (see DialFn).
func (n *Node) dialPeer(peerID, addr string) (p2p.Socket, error) {
	peer, err := Connect(peerID, addr, n.maxPayload, n.tlsConfig)
	if err != nil {
		return nil, err
	}
	n.mu.Lock()
	n.peers[peerID] = peer
	n.mu.Unlock()
	go n.readLoop(peer)

	hello, err := json.Marshal(map[string]string{"node_id": n.nodeID})
	if err != nil {
		n.log.WithError(err).Warn("marshal hello")
		return peer.sock, nil
	}
	if err := peer.Send(Message{Type: MsgHello, Payload: hello}); err != nil {
		n.log.WithError(err).WithField("peer", peerID).Warn("send hello")
	}
	return peer.sock, nil
}

// AddPeer dials addr directly, used for explicit seed-peer connections at
// startup rather than waiting for the pool's populator.
func (n *Node) AddPeer(id, addr string) error {
	_, err := n.dialPeer(id, addr)
	return err
}

// Peer returns the connected peer with the given id, or nil if not found.
func (n *Node) Peer(id string) *Peer {
	n.mu.RLock()
	defer n.mu.RUnlock()
	return n.peers[id]
}

// Broadcast sends msg to every peer this Node is tracking for message
// routing.
func (n *Node) Broadcast(msg Message) {
	n.mu.RLock()
	peers := make([]*Peer, 0, len(n.peers))
	for _, p := range n.peers {
		peers = append(peers, p)
	}
	n.mu.RUnlock()
	for _, p := range peers {
		if err := p.Send(msg); err != nil {
			n.log.WithError(err).WithField("peer", p.ID).Debug("broadcast")
		}
	}
}

// BroadcastTx serialises tx and sends it to all peers.
func (n *Node) BroadcastTx(tx *core.Transaction) {
	data, err := json.Marshal(tx)
	if err != nil {
		n.log.WithError(err).Warn("marshal tx")
		return
	}
	n.Broadcast(Message{Type: MsgTx, Payload: data})
}

// BroadcastBlock serialises block and sends it to all peers.
func (n *Node) BroadcastBlock(block *core.Block) {
	data, err := json.Marshal(block)
	if err != nil {
		n.log.WithError(err).Warn("marshal block")
		return
	}
	n.Broadcast(Message{Type: MsgBlock, Payload: data})
}

func (n *Node) readLoop(peer *Peer) {
	msgs, errs := peer.messages()
	defer func() {
		if r := recover(); r != nil {
			n.log.WithField("peer", peer.ID).Errorf("readLoop panic: %v", r)
		}
		peer.Close()
		n.mu.Lock()
		delete(n.peers, peer.ID)
		n.mu.Unlock()
	}()
	for {
		select {
		case <-n.stopCh:
			return
		case err, ok := <-errs:
			if ok {
				n.log.WithError(err).WithField("peer", peer.ID).Debug("connection closed")
			}
			return
		case msg, ok := <-msgs:
			if !ok {
				return
			}
			if n.pool != nil {
				if allowed, banNow := n.pool.AllowMessage(peer.ID); !allowed {
					if banNow && n.coord != nil {
						_ = n.coord.BanPeer(peer.ID)
					}
					continue
				}
			}
			n.mu.RLock()
			h, ok := n.handlers[msg.Type]
			n.mu.RUnlock()
			if ok {
				h(peer, msg)
			}
		}
	}
}

func (n *Node) handleTx(_ *Peer, msg Message) {
	var tx core.Transaction
	if err := json.Unmarshal(msg.Payload, &tx); err != nil {
		n.log.WithError(err).Warn("unmarshal tx")
		return
	}
	if err := n.mempool.Add(&tx); err != nil {
		n.log.WithError(err).Debug("mempool add")
	}
}
