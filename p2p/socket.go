package p2p

import (
	"crypto/tls"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// Packet is the envelope exchanged over a Socket, generalizing the
// teacher's network.Message to the P2P wire types spec.md §6 names
// (peer discovery, block/header gossip, request/response).
type PacketType string

const (
	PacketHello          PacketType = "hello"
	PacketBlock          PacketType = "block"
	PacketHeader         PacketType = "header"
	PacketTx             PacketType = "tx"
	PacketGetPeersList   PacketType = "get_peers_list"
	PacketPeersList      PacketType = "peers_list"
	PacketRequest        PacketType = "request"
	PacketResponse       PacketType = "response"
)

type Packet struct {
	Type    PacketType      `json:"type"`
	Payload json.RawMessage `json:"payload"`
}

// Close status codes spec.md §6 names explicitly.
const (
	CloseNormal = websocket.CloseNormalClosure
)

const (
	CloseDuplicateConnection = 4000 + iota
	CloseBanned
	CloseNodeShutdown
)

// Socket is the transport abstraction PeerPool drives; sockets never
// mutate shared pool/book state directly — they only produce Packets on
// a channel the event-loop goroutine drains, and consume Packets to
// write out (spec.md §5 "per-socket I/O is cooperative ... sends events
// over a channel").
type Socket interface {
	PeerID() string
	Send(p Packet) error
	Close(statusCode int, reason string) error
	// ReadLoop blocks reading packets until the connection errors or
	// closes; callers run it on its own goroutine and must not mutate
	// shared state from onPacket/onClose directly (see package doc).
	ReadLoop(onPacket func(Packet), onClose func(error))
}

// wsSocket is the websocket-backed Socket implementation, the idiomatic
// rendering of the teacher's network.Peer but re-targeted from raw
// length-prefixed TCP to gorilla/websocket framing (spec.md §6 "wire
// transport (the WebSocket cluster)").
type wsSocket struct {
	peerID string
	conn   *websocket.Conn

	mu     sync.Mutex
	closed bool

	maxPayload int64
}

// DialSocket opens an outbound websocket connection to addr. When
// tlsConfig is non-nil the connection is dialed as wss with that client
// certificate (spec.md's wire transport note on TLS-secured clustering);
// a nil tlsConfig dials plain ws.
func DialSocket(peerID, addr string, maxPayload int64, tlsConfig *tls.Config) (Socket, error) {
	scheme := "ws"
	dialer := websocket.DefaultDialer
	if tlsConfig != nil {
		scheme = "wss"
		d := *websocket.DefaultDialer
		d.TLSClientConfig = tlsConfig
		dialer = &d
	}
	u := url.URL{Scheme: scheme, Host: addr, Path: "/p2p"}
	conn, _, err := dialer.Dial(u.String(), nil)
	if err != nil {
		return nil, fmt.Errorf("p2p: dial %s: %w", addr, err)
	}
	conn.SetReadLimit(maxPayload)
	return &wsSocket{peerID: peerID, conn: conn, maxPayload: maxPayload}, nil
}

// AcceptSocket upgrades an inbound HTTP connection to a websocket-backed
// Socket.
func AcceptSocket(peerID string, w http.ResponseWriter, r *http.Request, maxPayload int64) (Socket, error) {
	upgrader := websocket.Upgrader{
		ReadBufferSize:  4096,
		WriteBufferSize: 4096,
		CheckOrigin:     func(*http.Request) bool { return true },
	}
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return nil, fmt.Errorf("p2p: upgrade from %s: %w", peerID, err)
	}
	conn.SetReadLimit(maxPayload)
	return &wsSocket{peerID: peerID, conn: conn, maxPayload: maxPayload}, nil
}

func (s *wsSocket) PeerID() string { return s.peerID }

func (s *wsSocket) Send(p Packet) error {
	data, err := json.Marshal(p)
	if err != nil {
		return fmt.Errorf("p2p: marshal packet: %w", err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return fmt.Errorf("p2p: socket %s closed", s.peerID)
	}
	_ = s.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
	return s.conn.WriteMessage(websocket.TextMessage, data)
}

// ReadLoop blocks reading packets from the socket and forwards each to
// onPacket until the connection errors or closes; it never touches pool
// or book state itself. Call it from its own goroutine; onPacket is
// expected to send onto the event-loop channel rather than mutate state
// inline.
func (s *wsSocket) ReadLoop(onPacket func(Packet), onClose func(error)) {
	for {
		_, data, err := s.conn.ReadMessage()
		if err != nil {
			onClose(err)
			return
		}
		var p Packet
		if err := json.Unmarshal(data, &p); err != nil {
			continue
		}
		onPacket(p)
	}
}

func (s *wsSocket) Close(statusCode int, reason string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	msg := websocket.FormatCloseMessage(statusCode, reason)
	_ = s.conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second))
	return s.conn.Close()
}
