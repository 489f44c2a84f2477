package server

import (
	"errors"
	"sync"

	"github.com/aeolun/comms/pkg/protocol"
)

// BroadcastEngine fans a frame out to every live connection of a room.
// Delivery is best-effort per connection: a write failure to one recipient
// triggers that connection's teardown and never aborts delivery to the
// others. Handlers persist before broadcasting, so a client that re-fetches
// immediately after receiving a broadcast observes the same state.
type BroadcastEngine struct {
	registry *RoomRegistry
	metrics  *Metrics

	// onDead is invoked for connections whose write failed; the server
	// wires this to teardownSession.
	onDead func(*Session)

	// publish serializes persist+broadcast per room, striped by room ID.
	// Without it two concurrent senders can persist in one order and
	// enqueue their broadcasts in the other, so recipients would see
	// messages out of store order.
	publish [64]sync.Mutex
}

// NewBroadcastEngine creates an engine over the registry.
func NewBroadcastEngine(registry *RoomRegistry, metrics *Metrics, onDead func(*Session)) *BroadcastEngine {
	return &BroadcastEngine{registry: registry, metrics: metrics, onDead: onDead}
}

// LockRoom takes the room's publish lock and returns the unlock. Handlers
// that persist a mutation and broadcast it hold the lock across both steps,
// so every recipient observes broadcasts in persistence order.
func (b *BroadcastEngine) LockRoom(roomID int64) func() {
	mu := &b.publish[uint64(roomID)%uint64(len(b.publish))]
	mu.Lock()
	return mu.Unlock
}

// Broadcast encodes the response once and delivers it to the room's snapshot,
// minus exclude if non-nil. Delivery order across recipients is unspecified.
func (b *BroadcastEngine) Broadcast(roomID int64, resp *protocol.Response, exclude *Session) {
	data, err := resp.Encode()
	if err != nil {
		errorLog.Printf("broadcast encode %s: %v", resp.Action, err)
		return
	}

	var delivered, dropped int
	for _, sess := range b.registry.Snapshot(roomID) {
		if exclude != nil && sess.ID == exclude.ID {
			continue
		}
		if err := sess.conn.Send(data); err != nil {
			dropped++
			if errors.Is(err, ErrSlowConsumer) {
				debugLog.Printf("Session %s: dropped from room %d (slow consumer)", sess.ID, roomID)
			}
			if b.onDead != nil {
				b.onDead(sess)
			}
			continue
		}
		delivered++
	}

	if b.metrics != nil {
		b.metrics.RecordBroadcast(resp.Action, delivered, dropped)
	}
}
