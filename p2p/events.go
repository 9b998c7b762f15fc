package p2p

import "github.com/tolelom/toldpos/events"

// Signal types dispatched over the shared events.Emitter, generalizing
// the teacher's block/tx/asset event vocabulary to peer lifecycle
// (spec.md §6 "Outputs emitted").
const (
	SignalNewInboundPeer  events.EventType = "p2p_new_inbound_peer"
	SignalNewOutboundPeer events.EventType = "p2p_new_outbound_peer"
	SignalPeerDisconnect  events.EventType = "p2p_peer_disconnect"
	SignalPeerBanned      events.EventType = "p2p_peer_banned"
)

// emit wraps events.Emitter.Emit with the conventions p2p uses: peerID in
// Data, no tx/height association.
func emit(emitter *events.Emitter, typ events.EventType, peerID string, extra map[string]any) {
	if emitter == nil {
		return
	}
	data := map[string]any{"peer_id": peerID}
	for k, v := range extra {
		data[k] = v
	}
	emitter.Emit(events.Event{Type: typ, Data: data})
}
