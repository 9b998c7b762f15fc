package p2p

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/tolelom/toldpos/events"
)

// TestPoolTickersDoNotDeadlockEventLoop exercises the populator, shuffle
// and rate-calculation timers with very short intervals: each of
// populate/shuffleOutbound/resetRates runs directly on the event-loop
// goroutine (see pool.go), and any of them routing through exec would
// deadlock the loop against itself. A call that completes within the
// test timeout is the regression check.
func TestPoolTickersDoNotDeadlockEventLoop(t *testing.T) {
	book := NewPeerAddressBook(testBookConfig())
	pool := NewPeerPool(PoolConfig{
		PopulatorInterval:       time.Millisecond,
		OutboundShuffleInterval: time.Millisecond,
		RateCalculationInterval: time.Millisecond,
	}, book, events.NewEmitter(), nil)

	pool.Start()
	time.Sleep(20 * time.Millisecond)

	done := make(chan struct{})
	go func() {
		_ = pool.InboundCount()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("pool.InboundCount deadlocked: event loop stuck inside a ticker callback")
	}

	pool.Stop()
}

func TestHandleInboundRejectsDuplicateAndBanned(t *testing.T) {
	book := NewPeerAddressBook(testBookConfig())
	pool := NewPeerPool(PoolConfig{MaxInboundConnections: 10}, book, events.NewEmitter(), nil)
	pool.Start()
	defer pool.Stop()

	notBanned := func(string) bool { return false }
	notWhitelisted := func(string) bool { return false }

	sock := &fakeSocket{id: BuildPeerID("203.0.113.1", 9000)}
	require.NoError(t, pool.HandleInbound(sock.id, "203.0.113.1", 9000, SharedState{}, true, notBanned, notWhitelisted, sock))

	dup := &fakeSocket{id: sock.id}
	err := pool.HandleInbound(sock.id, "203.0.113.1", 9000, SharedState{}, true, notBanned, notWhitelisted, dup)
	require.ErrorIs(t, err, ErrPeerInboundHandshake)

	banned := func(string) bool { return true }
	other := &fakeSocket{id: BuildPeerID("203.0.113.2", 9000)}
	err = pool.HandleInbound(other.id, "203.0.113.2", 9000, SharedState{}, true, banned, notWhitelisted, other)
	require.ErrorIs(t, err, ErrPeerInboundHandshake)
}

type fakeSocket struct {
	id     string
	closed bool
}

func (s *fakeSocket) PeerID() string { return s.id }
func (s *fakeSocket) Send(Packet) error { return nil }
func (s *fakeSocket) Close(int, string) error {
	s.closed = true
	return nil
}
func (s *fakeSocket) ReadLoop(func(Packet), func(error)) {}
