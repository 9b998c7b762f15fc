package p2p

import (
	"sync"

	"golang.org/x/time/rate"
)

// rateTracker enforces wsMaxMessageRate per peer and escalates toward a
// ban once a peer is repeatedly over the limit (spec.md §4.4 "rate
// calculation ... if a peer exceeds wsMaxMessageRate, apply
// wsMaxMessageRatePenalty (penalty >= 100 -> ban)").
type rateTracker struct {
	mu       sync.Mutex
	limiters map[string]*rate.Limiter
	penalty  map[string]int

	messagesPerSecond float64
	penaltyStep       int
}

func newRateTracker(messagesPerSecond float64, penaltyStep int) *rateTracker {
	return &rateTracker{
		limiters:          make(map[string]*rate.Limiter),
		penalty:           make(map[string]int),
		messagesPerSecond: messagesPerSecond,
		penaltyStep:       penaltyStep,
	}
}

func (rt *rateTracker) limiterFor(peerID string) *rate.Limiter {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	l, ok := rt.limiters[peerID]
	if !ok {
		l = rate.NewLimiter(rate.Limit(rt.messagesPerSecond), int(rt.messagesPerSecond))
		rt.limiters[peerID] = l
	}
	return l
}

// Allow records one inbound message from peerID and reports whether it
// should be processed. When the limiter is exhausted, the peer's penalty
// score increases by penaltyStep; Allow returns banNow=true once the
// accumulated penalty reaches 100.
func (rt *rateTracker) Allow(peerID string) (allowed bool, banNow bool) {
	l := rt.limiterFor(peerID)
	if l.Allow() {
		return true, false
	}

	rt.mu.Lock()
	defer rt.mu.Unlock()
	rt.penalty[peerID] += rt.penaltyStep
	return false, rt.penalty[peerID] >= 100
}

// Reset clears accumulated penalty and limiter state for peerID, called
// at rateCalculationInterval ticks (spec.md §4.4 "reset per-peer WS
// message-rate counters").
func (rt *rateTracker) Reset(peerID string) {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	delete(rt.limiters, peerID)
	delete(rt.penalty, peerID)
}

// Forget drops all tracked state for peerID, e.g. on disconnect.
func (rt *rateTracker) Forget(peerID string) {
	rt.Reset(peerID)
}
