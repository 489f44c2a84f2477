// Package database is the persistence boundary of the broker: users, rooms,
// memberships, room policy, and messages. The broker core only depends on the
// Store interface; the SQLite engine here is the authoritative backend, and
// MemStore provides the same contract for tests.
package database

import (
	"database/sql"
	"errors"
	"fmt"
	"time"

	_ "modernc.org/sqlite"
)

var (
	// ErrUserNotFound indicates the user does not exist.
	ErrUserNotFound = errors.New("user not found")
	// ErrRoomNotFound indicates the room does not exist.
	ErrRoomNotFound = errors.New("room not found")
	// ErrRoomCodeTaken indicates a room with this join code already exists.
	ErrRoomCodeTaken = errors.New("room code already taken")
	// ErrMembershipNotFound indicates the (user, room) pair has no membership.
	ErrMembershipNotFound = errors.New("membership not found")
	// ErrMessageNotFound indicates the message does not exist or is deleted.
	ErrMessageNotFound = errors.New("message not found")
)

// User is an authenticated identity. Immutable after creation.
type User struct {
	ID       int64
	Username string
}

// RoomPolicy is the per-room configuration governing capacity and
// edit/delete/join permissions.
type RoomPolicy struct {
	MaxUsers            int
	AllowDeleteMessages bool
	AllowEditMessages   bool
	AllowNewUsers       bool
}

// DefaultRoomPolicy returns the policy applied to newly created rooms.
func DefaultRoomPolicy() RoomPolicy {
	return RoomPolicy{
		MaxUsers:            5,
		AllowDeleteMessages: false,
		AllowEditMessages:   true,
		AllowNewUsers:       true,
	}
}

// Room is a chat session identified by a human-entered join code.
type Room struct {
	ID     int64
	Code   string
	Policy RoomPolicy
}

// Membership authorizes a user to act within a room.
type Membership struct {
	UserID  int64
	RoomID  int64
	IsAdmin bool
}

// Message is a persisted room message. Deleted messages keep their row but
// are excluded from listing.
type Message struct {
	ID             int64
	RoomID         int64
	AuthorID       int64
	AuthorUsername string
	Content        string
	Kind           string
	FileURL        string
	CreatedAt      int64 // unix milliseconds
	EditedAt       *int64
	DeletedAt      *int64
}

// Store is the persistence contract consumed by the broker core. All
// implementations are safe for concurrent use.
type Store interface {
	// FindOrCreateUser returns the user with this username, creating it if
	// absent.
	FindOrCreateUser(username string) (*User, error)
	// GetUser returns a user by ID.
	GetUser(id int64) (*User, error)

	// FindRoomByCode returns the room with this join code (case-sensitive),
	// or ErrRoomNotFound.
	FindRoomByCode(code string) (*Room, error)
	// GetRoom returns a room by ID. Policy is read fresh on every call;
	// callers must not cache it across settings updates.
	GetRoom(id int64) (*Room, error)
	// CreateRoom creates a room with the default policy and grants the
	// creator an admin membership in the same transaction. There is no
	// window where the room exists without an admin.
	CreateRoom(code string, creatorID int64) (*Room, error)
	// UpdateRoomPolicy replaces the room's policy.
	UpdateRoomPolicy(roomID int64, policy RoomPolicy) error

	// AddMembership creates a membership; adding an existing pair is a
	// no-op (admin flag is not modified).
	AddMembership(userID, roomID int64, isAdmin bool) error
	// SetAdmin updates the admin flag of an existing membership.
	SetAdmin(userID, roomID int64, isAdmin bool) error
	// GetMembership returns the membership for (user, room), or
	// ErrMembershipNotFound.
	GetMembership(userID, roomID int64) (*Membership, error)
	// RemoveMembership deletes the membership for (user, room).
	RemoveMembership(userID, roomID int64) error

	// SaveMessage persists a message and returns it with server-assigned
	// ID and timestamp.
	SaveMessage(userID, roomID int64, content, kind, fileURL string) (*Message, error)
	// GetMessage returns a non-deleted message by ID.
	GetMessage(id int64) (*Message, error)
	// ListMessages returns up to limit non-deleted messages for the room,
	// newest-first.
	ListMessages(roomID int64, limit int) ([]*Message, error)
	// UpdateMessage replaces a message's content and stamps EditedAt.
	UpdateMessage(id int64, content string) (*Message, error)
	// DeleteMessage soft-deletes a message. Deleted messages are never
	// delivered to new joiners or future fetches.
	DeleteMessage(id int64) error

	Close() error
}

// DB is the SQLite-backed Store.
type DB struct {
	conn      *sql.DB // read pool
	writeConn *sql.DB // single write connection (SQLite allows one writer)
}

var _ Store = (*DB)(nil)

// Open opens the SQLite database at path and initializes the schema.
func Open(path string) (*DB, error) {
	conn, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	conn.SetMaxOpenConns(25)
	conn.SetMaxIdleConns(5)
	conn.SetConnMaxLifetime(5 * time.Minute)

	if err := applyPragmas(conn); err != nil {
		conn.Close()
		return nil, err
	}

	writeConn, err := sql.Open("sqlite", path)
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to open write connection: %w", err)
	}
	writeConn.SetMaxOpenConns(1)
	writeConn.SetMaxIdleConns(1)
	writeConn.SetConnMaxLifetime(0)

	if err := applyPragmas(writeConn); err != nil {
		conn.Close()
		writeConn.Close()
		return nil, err
	}

	db := &DB{conn: conn, writeConn: writeConn}
	if err := db.initSchema(); err != nil {
		conn.Close()
		writeConn.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}

	return db, nil
}

// applyPragmas configures a connection for concurrent access: WAL for
// parallel readers, busy timeout instead of immediate SQLITE_BUSY.
func applyPragmas(conn *sql.DB) error {
	pragmas := []string{
		"PRAGMA journal_mode = WAL",
		"PRAGMA busy_timeout = 5000",
		"PRAGMA foreign_keys = ON",
		"PRAGMA synchronous = NORMAL",
	}
	for _, p := range pragmas {
		if _, err := conn.Exec(p); err != nil {
			return fmt.Errorf("failed to apply %q: %w", p, err)
		}
	}
	return nil
}

// Close closes both connections.
func (db *DB) Close() error {
	db.writeConn.Close()
	return db.conn.Close()
}

func (db *DB) initSchema() error {
	schema := `
CREATE TABLE IF NOT EXISTS User (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	username TEXT NOT NULL UNIQUE
);

CREATE TABLE IF NOT EXISTS Room (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	code TEXT NOT NULL UNIQUE,
	max_users INTEGER NOT NULL DEFAULT 5,
	allow_delete_messages INTEGER NOT NULL DEFAULT 0,
	allow_edit_messages INTEGER NOT NULL DEFAULT 1,
	allow_new_users INTEGER NOT NULL DEFAULT 1
);

CREATE TABLE IF NOT EXISTS Membership (
	user_id INTEGER NOT NULL,
	room_id INTEGER NOT NULL,
	is_admin INTEGER NOT NULL DEFAULT 0,
	PRIMARY KEY (user_id, room_id),
	FOREIGN KEY (user_id) REFERENCES User(id) ON DELETE CASCADE,
	FOREIGN KEY (room_id) REFERENCES Room(id) ON DELETE CASCADE
);

CREATE TABLE IF NOT EXISTS Message (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	room_id INTEGER NOT NULL,
	author_user_id INTEGER NOT NULL,
	author_username TEXT NOT NULL,
	content TEXT NOT NULL,
	kind TEXT NOT NULL DEFAULT 'text',
	file_url TEXT,
	created_at INTEGER NOT NULL,
	edited_at INTEGER,
	deleted_at INTEGER,
	FOREIGN KEY (room_id) REFERENCES Room(id) ON DELETE CASCADE,
	FOREIGN KEY (author_user_id) REFERENCES User(id) ON DELETE CASCADE
);

CREATE INDEX IF NOT EXISTS idx_messages_room ON Message(room_id, created_at DESC);
CREATE INDEX IF NOT EXISTS idx_memberships_room ON Membership(room_id);
`
	_, err := db.conn.Exec(schema)
	return err
}

// FindOrCreateUser returns the user with this username, creating it if
// absent. A concurrent create racing on the unique index falls back to
// re-reading the winner's row.
func (db *DB) FindOrCreateUser(username string) (*User, error) {
	user, err := db.findUserByUsername(username)
	if err == nil {
		return user, nil
	}
	if !errors.Is(err, ErrUserNotFound) {
		return nil, err
	}

	res, err := db.writeConn.Exec(`INSERT INTO User (username) VALUES (?)`, username)
	if err != nil {
		// Lost the race: another connection created the same username.
		if user, ferr := db.findUserByUsername(username); ferr == nil {
			return user, nil
		}
		return nil, fmt.Errorf("failed to create user: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return nil, err
	}
	return &User{ID: id, Username: username}, nil
}

func (db *DB) findUserByUsername(username string) (*User, error) {
	var user User
	err := db.conn.QueryRow(`SELECT id, username FROM User WHERE username = ?`, username).
		Scan(&user.ID, &user.Username)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrUserNotFound
	}
	if err != nil {
		return nil, err
	}
	return &user, nil
}

// GetUser returns a user by ID.
func (db *DB) GetUser(id int64) (*User, error) {
	var user User
	err := db.conn.QueryRow(`SELECT id, username FROM User WHERE id = ?`, id).
		Scan(&user.ID, &user.Username)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrUserNotFound
	}
	if err != nil {
		return nil, err
	}
	return &user, nil
}

// FindRoomByCode returns the room with this join code. Codes are
// case-sensitive.
func (db *DB) FindRoomByCode(code string) (*Room, error) {
	return db.scanRoom(`SELECT id, code, max_users, allow_delete_messages, allow_edit_messages, allow_new_users
		FROM Room WHERE code = ?`, code)
}

// GetRoom returns a room by ID.
func (db *DB) GetRoom(id int64) (*Room, error) {
	return db.scanRoom(`SELECT id, code, max_users, allow_delete_messages, allow_edit_messages, allow_new_users
		FROM Room WHERE id = ?`, id)
}

func (db *DB) scanRoom(query string, arg interface{}) (*Room, error) {
	var room Room
	err := db.conn.QueryRow(query, arg).Scan(
		&room.ID, &room.Code,
		&room.Policy.MaxUsers, &room.Policy.AllowDeleteMessages,
		&room.Policy.AllowEditMessages, &room.Policy.AllowNewUsers,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrRoomNotFound
	}
	if err != nil {
		return nil, err
	}
	return &room, nil
}

// CreateRoom creates a room with the default policy and the creator's admin
// membership in one transaction.
func (db *DB) CreateRoom(code string, creatorID int64) (*Room, error) {
	tx, err := db.writeConn.Begin()
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	policy := DefaultRoomPolicy()
	res, err := tx.Exec(
		`INSERT INTO Room (code, max_users, allow_delete_messages, allow_edit_messages, allow_new_users)
		 VALUES (?, ?, ?, ?, ?)`,
		code, policy.MaxUsers, policy.AllowDeleteMessages, policy.AllowEditMessages, policy.AllowNewUsers,
	)
	if err != nil {
		if _, ferr := db.FindRoomByCode(code); ferr == nil {
			return nil, ErrRoomCodeTaken
		}
		return nil, fmt.Errorf("failed to create room: %w", err)
	}
	roomID, err := res.LastInsertId()
	if err != nil {
		return nil, err
	}

	if _, err := tx.Exec(
		`INSERT INTO Membership (user_id, room_id, is_admin) VALUES (?, ?, 1)`,
		creatorID, roomID,
	); err != nil {
		return nil, fmt.Errorf("failed to create admin membership: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, err
	}

	return &Room{ID: roomID, Code: code, Policy: policy}, nil
}

// UpdateRoomPolicy replaces the room's policy.
func (db *DB) UpdateRoomPolicy(roomID int64, policy RoomPolicy) error {
	res, err := db.writeConn.Exec(
		`UPDATE Room SET max_users = ?, allow_delete_messages = ?, allow_edit_messages = ?, allow_new_users = ?
		 WHERE id = ?`,
		policy.MaxUsers, policy.AllowDeleteMessages, policy.AllowEditMessages, policy.AllowNewUsers, roomID,
	)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrRoomNotFound
	}
	return nil
}

// AddMembership creates a membership if the pair does not exist yet.
func (db *DB) AddMembership(userID, roomID int64, isAdmin bool) error {
	_, err := db.writeConn.Exec(
		`INSERT INTO Membership (user_id, room_id, is_admin) VALUES (?, ?, ?)
		 ON CONFLICT (user_id, room_id) DO NOTHING`,
		userID, roomID, isAdmin,
	)
	return err
}

// SetAdmin updates the admin flag of an existing membership.
func (db *DB) SetAdmin(userID, roomID int64, isAdmin bool) error {
	res, err := db.writeConn.Exec(
		`UPDATE Membership SET is_admin = ? WHERE user_id = ? AND room_id = ?`,
		isAdmin, userID, roomID,
	)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrMembershipNotFound
	}
	return nil
}

// GetMembership returns the membership for (user, room).
func (db *DB) GetMembership(userID, roomID int64) (*Membership, error) {
	var m Membership
	err := db.conn.QueryRow(
		`SELECT user_id, room_id, is_admin FROM Membership WHERE user_id = ? AND room_id = ?`,
		userID, roomID,
	).Scan(&m.UserID, &m.RoomID, &m.IsAdmin)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrMembershipNotFound
	}
	if err != nil {
		return nil, err
	}
	return &m, nil
}

// RemoveMembership deletes the membership for (user, room).
func (db *DB) RemoveMembership(userID, roomID int64) error {
	res, err := db.writeConn.Exec(
		`DELETE FROM Membership WHERE user_id = ? AND room_id = ?`, userID, roomID)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrMembershipNotFound
	}
	return nil
}

// SaveMessage persists a message with a server-assigned timestamp.
func (db *DB) SaveMessage(userID, roomID int64, content, kind, fileURL string) (*Message, error) {
	author, err := db.GetUser(userID)
	if err != nil {
		return nil, err
	}

	now := time.Now().UnixMilli()
	var fileURLArg interface{}
	if fileURL != "" {
		fileURLArg = fileURL
	}
	res, err := db.writeConn.Exec(
		`INSERT INTO Message (room_id, author_user_id, author_username, content, kind, file_url, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		roomID, userID, author.Username, content, kind, fileURLArg, now,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to save message: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return nil, err
	}

	return &Message{
		ID:             id,
		RoomID:         roomID,
		AuthorID:       userID,
		AuthorUsername: author.Username,
		Content:        content,
		Kind:           kind,
		FileURL:        fileURL,
		CreatedAt:      now,
	}, nil
}

// GetMessage returns a non-deleted message by ID.
func (db *DB) GetMessage(id int64) (*Message, error) {
	row := db.conn.QueryRow(
		`SELECT id, room_id, author_user_id, author_username, content, kind, file_url, created_at, edited_at, deleted_at
		 FROM Message WHERE id = ? AND deleted_at IS NULL`, id)
	return scanMessage(row)
}

// ListMessages returns up to limit non-deleted messages, newest-first.
func (db *DB) ListMessages(roomID int64, limit int) ([]*Message, error) {
	rows, err := db.conn.Query(
		`SELECT id, room_id, author_user_id, author_username, content, kind, file_url, created_at, edited_at, deleted_at
		 FROM Message WHERE room_id = ? AND deleted_at IS NULL
		 ORDER BY created_at DESC, id DESC LIMIT ?`, roomID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var messages []*Message
	for rows.Next() {
		msg, err := scanMessage(rows)
		if err != nil {
			return nil, err
		}
		messages = append(messages, msg)
	}
	return messages, rows.Err()
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanMessage(row rowScanner) (*Message, error) {
	var msg Message
	var fileURL sql.NullString
	var editedAt, deletedAt sql.NullInt64

	err := row.Scan(
		&msg.ID, &msg.RoomID, &msg.AuthorID, &msg.AuthorUsername,
		&msg.Content, &msg.Kind, &fileURL, &msg.CreatedAt, &editedAt, &deletedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrMessageNotFound
	}
	if err != nil {
		return nil, err
	}

	msg.FileURL = fileURL.String
	if editedAt.Valid {
		msg.EditedAt = &editedAt.Int64
	}
	if deletedAt.Valid {
		msg.DeletedAt = &deletedAt.Int64
	}
	return &msg, nil
}

// UpdateMessage replaces a message's content and stamps EditedAt.
func (db *DB) UpdateMessage(id int64, content string) (*Message, error) {
	now := time.Now().UnixMilli()
	res, err := db.writeConn.Exec(
		`UPDATE Message SET content = ?, edited_at = ? WHERE id = ? AND deleted_at IS NULL`,
		content, now, id,
	)
	if err != nil {
		return nil, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return nil, err
	}
	if n == 0 {
		return nil, ErrMessageNotFound
	}
	return db.GetMessage(id)
}

// DeleteMessage soft-deletes a message.
func (db *DB) DeleteMessage(id int64) error {
	res, err := db.writeConn.Exec(
		`UPDATE Message SET deleted_at = ? WHERE id = ? AND deleted_at IS NULL`,
		time.Now().UnixMilli(), id,
	)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrMessageNotFound
	}
	return nil
}
