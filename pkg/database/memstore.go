package database

import (
	"sort"
	"sync"
	"time"
)

// MemStore is a fully in-memory Store. It exists for tests and for running
// the broker without a database file; it honors the same contract as the
// SQLite engine, including soft-delete visibility and atomic
// room-creation-plus-admin-grant.
type MemStore struct {
	mu sync.RWMutex

	users       map[int64]*User
	usersByName map[string]int64
	rooms       map[int64]*Room
	roomsByCode map[string]int64
	memberships map[membershipKey]*Membership
	messages    map[int64]*Message
	msgsByRoom  map[int64][]int64 // roomID -> messageIDs in insertion order

	nextUserID    int64
	nextRoomID    int64
	nextMessageID int64
}

type membershipKey struct {
	userID int64
	roomID int64
}

var _ Store = (*MemStore)(nil)

// NewMemStore creates an empty in-memory store.
func NewMemStore() *MemStore {
	return &MemStore{
		users:       make(map[int64]*User),
		usersByName: make(map[string]int64),
		rooms:       make(map[int64]*Room),
		roomsByCode: make(map[string]int64),
		memberships: make(map[membershipKey]*Membership),
		messages:    make(map[int64]*Message),
		msgsByRoom:  make(map[int64][]int64),
	}
}

// FindOrCreateUser returns the user with this username, creating it if absent.
func (m *MemStore) FindOrCreateUser(username string) (*User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if id, ok := m.usersByName[username]; ok {
		u := *m.users[id]
		return &u, nil
	}

	m.nextUserID++
	user := &User{ID: m.nextUserID, Username: username}
	m.users[user.ID] = user
	m.usersByName[username] = user.ID
	u := *user
	return &u, nil
}

// GetUser returns a user by ID.
func (m *MemStore) GetUser(id int64) (*User, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	user, ok := m.users[id]
	if !ok {
		return nil, ErrUserNotFound
	}
	u := *user
	return &u, nil
}

// FindRoomByCode returns the room with this join code.
func (m *MemStore) FindRoomByCode(code string) (*Room, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	id, ok := m.roomsByCode[code]
	if !ok {
		return nil, ErrRoomNotFound
	}
	r := *m.rooms[id]
	return &r, nil
}

// GetRoom returns a room by ID.
func (m *MemStore) GetRoom(id int64) (*Room, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	room, ok := m.rooms[id]
	if !ok {
		return nil, ErrRoomNotFound
	}
	r := *room
	return &r, nil
}

// CreateRoom creates a room and the creator's admin membership under one
// lock acquisition; no observer ever sees the room without an admin.
func (m *MemStore) CreateRoom(code string, creatorID int64) (*Room, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.roomsByCode[code]; ok {
		return nil, ErrRoomCodeTaken
	}

	m.nextRoomID++
	room := &Room{ID: m.nextRoomID, Code: code, Policy: DefaultRoomPolicy()}
	m.rooms[room.ID] = room
	m.roomsByCode[code] = room.ID
	m.memberships[membershipKey{creatorID, room.ID}] = &Membership{
		UserID: creatorID, RoomID: room.ID, IsAdmin: true,
	}

	r := *room
	return &r, nil
}

// UpdateRoomPolicy replaces the room's policy.
func (m *MemStore) UpdateRoomPolicy(roomID int64, policy RoomPolicy) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	room, ok := m.rooms[roomID]
	if !ok {
		return ErrRoomNotFound
	}
	room.Policy = policy
	return nil
}

// AddMembership creates a membership if the pair does not exist yet.
func (m *MemStore) AddMembership(userID, roomID int64, isAdmin bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	key := membershipKey{userID, roomID}
	if _, ok := m.memberships[key]; ok {
		return nil
	}
	m.memberships[key] = &Membership{UserID: userID, RoomID: roomID, IsAdmin: isAdmin}
	return nil
}

// SetAdmin updates the admin flag of an existing membership.
func (m *MemStore) SetAdmin(userID, roomID int64, isAdmin bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	mem, ok := m.memberships[membershipKey{userID, roomID}]
	if !ok {
		return ErrMembershipNotFound
	}
	mem.IsAdmin = isAdmin
	return nil
}

// GetMembership returns the membership for (user, room).
func (m *MemStore) GetMembership(userID, roomID int64) (*Membership, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	mem, ok := m.memberships[membershipKey{userID, roomID}]
	if !ok {
		return nil, ErrMembershipNotFound
	}
	mm := *mem
	return &mm, nil
}

// RemoveMembership deletes the membership for (user, room).
func (m *MemStore) RemoveMembership(userID, roomID int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	key := membershipKey{userID, roomID}
	if _, ok := m.memberships[key]; !ok {
		return ErrMembershipNotFound
	}
	delete(m.memberships, key)
	return nil
}

// SaveMessage persists a message with a server-assigned timestamp.
func (m *MemStore) SaveMessage(userID, roomID int64, content, kind, fileURL string) (*Message, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	user, ok := m.users[userID]
	if !ok {
		return nil, ErrUserNotFound
	}
	if _, ok := m.rooms[roomID]; !ok {
		return nil, ErrRoomNotFound
	}

	m.nextMessageID++
	msg := &Message{
		ID:             m.nextMessageID,
		RoomID:         roomID,
		AuthorID:       userID,
		AuthorUsername: user.Username,
		Content:        content,
		Kind:           kind,
		FileURL:        fileURL,
		CreatedAt:      time.Now().UnixMilli(),
	}
	m.messages[msg.ID] = msg
	m.msgsByRoom[roomID] = append(m.msgsByRoom[roomID], msg.ID)

	out := *msg
	return &out, nil
}

// GetMessage returns a non-deleted message by ID.
func (m *MemStore) GetMessage(id int64) (*Message, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	msg, ok := m.messages[id]
	if !ok || msg.DeletedAt != nil {
		return nil, ErrMessageNotFound
	}
	out := *msg
	return &out, nil
}

// ListMessages returns up to limit non-deleted messages, newest-first.
func (m *MemStore) ListMessages(roomID int64, limit int) ([]*Message, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	ids := m.msgsByRoom[roomID]
	messages := make([]*Message, 0, limit)
	for i := len(ids) - 1; i >= 0 && len(messages) < limit; i-- {
		msg := m.messages[ids[i]]
		if msg.DeletedAt != nil {
			continue
		}
		out := *msg
		messages = append(messages, &out)
	}

	// Insertion order already matches timestamp order; keep the sort for
	// equal-millisecond inserts where IDs break the tie.
	sort.SliceStable(messages, func(i, j int) bool {
		if messages[i].CreatedAt != messages[j].CreatedAt {
			return messages[i].CreatedAt > messages[j].CreatedAt
		}
		return messages[i].ID > messages[j].ID
	})
	return messages, nil
}

// UpdateMessage replaces a message's content and stamps EditedAt.
func (m *MemStore) UpdateMessage(id int64, content string) (*Message, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	msg, ok := m.messages[id]
	if !ok || msg.DeletedAt != nil {
		return nil, ErrMessageNotFound
	}
	now := time.Now().UnixMilli()
	msg.Content = content
	msg.EditedAt = &now

	out := *msg
	return &out, nil
}

// DeleteMessage soft-deletes a message.
func (m *MemStore) DeleteMessage(id int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	msg, ok := m.messages[id]
	if !ok || msg.DeletedAt != nil {
		return ErrMessageNotFound
	}
	now := time.Now().UnixMilli()
	msg.DeletedAt = &now
	return nil
}

// Close is a no-op for the in-memory store.
func (m *MemStore) Close() error {
	return nil
}
