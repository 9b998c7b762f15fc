// Package network is the thin gossip layer sitting on top of the P2P core:
// it owns the application-level message types (tx/block/sync) and rides
// them over p2p.Socket connections that a p2p.Coordinator admits, ranks and
// evicts.
package network

import (
	"crypto/tls"
	"encoding/json"
	"fmt"

	"github.com/tolelom/toldpos/p2p"
)

// MsgType labels a network message. It is carried as a p2p.PacketType on
// the wire — network only adds the application vocabulary (tx/block/sync)
// on top of the transport-level packet types p2p already defines.
type MsgType = p2p.PacketType

const (
	MsgHello     = p2p.PacketHello
	MsgTx        = p2p.PacketTx
	MsgBlock     = p2p.PacketBlock
	MsgGetBlocks = p2p.PacketRequest
	MsgBlocks    = p2p.PacketResponse
)

// Message is the envelope handlers see; Type is redundant with the
// underlying packet type but kept for handler-signature compatibility with
// the teacher's original shape.
type Message struct {
	Type    MsgType         `json:"type"`
	Payload json.RawMessage `json:"payload"`
}

// Peer represents a connected remote node, riding on a p2p.Socket instead
// of a raw net.Conn.
type Peer struct {
	ID   string
	Addr string

	sock p2p.Socket
}

// NewPeer wraps an already-established p2p.Socket as a Peer.
func NewPeer(id, addr string, sock p2p.Socket) *Peer {
	return &Peer{ID: id, Addr: addr, sock: sock}
}

// Connect dials addr over websocket and returns a connected Peer. A
// non-nil tlsConfig upgrades the dial to wss with mTLS.
func Connect(id, addr string, maxPayload int, tlsConfig *tls.Config) (*Peer, error) {
	sock, err := p2p.DialSocket(id, addr, int64(maxPayload), tlsConfig)
	if err != nil {
		return nil, fmt.Errorf("connect to %s: %w", addr, err)
	}
	return NewPeer(id, addr, sock), nil
}

// Send writes msg to the peer as a p2p.Packet.
func (p *Peer) Send(msg Message) error {
	return p.sock.Send(p2p.Packet{Type: msg.Type, Payload: msg.Payload})
}

// Close terminates the peer connection.
func (p *Peer) Close() {
	_ = p.sock.Close(p2p.CloseNormal, "peer closed")
}

// messages adapts p.sock.ReadLoop (a blocking call) into a channel of
// Messages network.Node's own readLoop can range over, so Node keeps its
// original per-peer-goroutine shape.
func (p *Peer) messages() (<-chan Message, <-chan error) {
	out := make(chan Message, 32)
	errs := make(chan error, 1)
	go func() {
		defer close(out)
		p.sock.ReadLoop(func(pkt p2p.Packet) {
			out <- Message{Type: pkt.Type, Payload: pkt.Payload}
		}, func(err error) {
			errs <- err
		})
	}()
	return out, errs
}
