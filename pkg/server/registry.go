package server

import (
	"errors"
	"sync"
)

// ErrRoomFull indicates joining would exceed the room's MaxUsers policy.
var ErrRoomFull = errors.New("room is at capacity")

// RoomRegistry maps room IDs to the live set of connections currently joined
// to them. It is purely runtime state: persisted room records are independent
// of live presence. Locking is per-room to bound contention; the outer map
// lock is held only to look up or create a room's set.
type RoomRegistry struct {
	mu    sync.RWMutex
	rooms map[int64]*roomSet
}

type roomSet struct {
	mu    sync.Mutex
	conns map[string]*Session // connection ID -> session

	// dead marks a set evicted from the registry. A Join that fetched the
	// set before eviction must not insert into it; it would be invisible
	// to every later Snapshot and Count.
	dead bool
}

// NewRoomRegistry creates an empty registry. Constructed at server start and
// torn down with it; there is no package-level instance.
func NewRoomRegistry() *RoomRegistry {
	return &RoomRegistry{rooms: make(map[int64]*roomSet)}
}

func (r *RoomRegistry) getOrCreate(roomID int64) *roomSet {
	r.mu.Lock()
	defer r.mu.Unlock()

	set, ok := r.rooms[roomID]
	if !ok {
		set = &roomSet{conns: make(map[string]*Session)}
		r.rooms[roomID] = set
	}
	return set
}

// Join adds the connection to the room's live set, creating the set if
// absent. Capacity is enforced on live connections under the room lock, so
// concurrent joins cannot both slip past the limit. A Leave racing with the
// lookup may evict the fetched set before we lock it; inserting there would
// strand the connection in an unreachable set, so dead sets are retried.
func (r *RoomRegistry) Join(roomID int64, maxUsers int, sess *Session) error {
	for {
		set := r.getOrCreate(roomID)

		set.mu.Lock()
		if set.dead {
			set.mu.Unlock()
			continue
		}
		if _, ok := set.conns[sess.ID]; ok {
			set.mu.Unlock()
			return nil
		}
		if maxUsers > 0 && len(set.conns) >= maxUsers {
			set.mu.Unlock()
			return ErrRoomFull
		}
		set.conns[sess.ID] = sess
		set.mu.Unlock()
		return nil
	}
}

// Leave removes the connection from the room's live set. The empty set is
// marked dead and evicted from the registry; the persisted room is untouched.
func (r *RoomRegistry) Leave(roomID int64, sess *Session) {
	r.mu.Lock()
	defer r.mu.Unlock()

	set, ok := r.rooms[roomID]
	if !ok {
		return
	}

	set.mu.Lock()
	delete(set.conns, sess.ID)
	if len(set.conns) == 0 {
		// Marked under the set lock, before the map eviction becomes
		// visible, so an in-flight Join cannot land in the stale set.
		set.dead = true
		delete(r.rooms, roomID)
	}
	set.mu.Unlock()
}

// Snapshot returns the room's current live connections for broadcast. It
// reflects every Leave that happened-before the call; a Join racing with an
// in-flight broadcast may or may not be included.
func (r *RoomRegistry) Snapshot(roomID int64) []*Session {
	r.mu.RLock()
	set, ok := r.rooms[roomID]
	r.mu.RUnlock()
	if !ok {
		return nil
	}

	set.mu.Lock()
	defer set.mu.Unlock()

	sessions := make([]*Session, 0, len(set.conns))
	for _, sess := range set.conns {
		sessions = append(sessions, sess)
	}
	return sessions
}

// Count returns the room's live connection count.
func (r *RoomRegistry) Count(roomID int64) int {
	r.mu.RLock()
	set, ok := r.rooms[roomID]
	r.mu.RUnlock()
	if !ok {
		return 0
	}

	set.mu.Lock()
	defer set.mu.Unlock()
	return len(set.conns)
}

// ActiveRooms returns the number of rooms with at least one live connection.
func (r *RoomRegistry) ActiveRooms() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.rooms)
}
