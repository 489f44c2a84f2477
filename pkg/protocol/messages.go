package protocol

import "time"

// Message kinds.
const (
	KindText   = "text"
	KindFile   = "file"
	KindSystem = "system"
)

// RoomSettings is the fixed-shape room policy record. The recognized options
// are exhaustively enumerable, so there is no open-ended key set.
type RoomSettings struct {
	MaxUsers            int  `json:"maxUsers"`
	AllowDeleteMessages bool `json:"allowDeleteMessages"`
	AllowEditMessages   bool `json:"allowEditMessages"`
	AllowNewUsers       bool `json:"allowNewUsers"`
}

// JoinOrCreateRoomRequest binds the connection to the room named by Code,
// creating the room (with default settings, caller as admin) if absent.
type JoinOrCreateRoomRequest struct {
	Code        string `json:"code"`
	DisplayName string `json:"displayName"`
}

// SendMessageRequest posts a message to the bound room. Kind defaults to
// "text"; file messages carry a FileURL.
type SendMessageRequest struct {
	Content string `json:"content"`
	Kind    string `json:"kind,omitempty"`
	FileURL string `json:"fileUrl,omitempty"`
}

// FetchMessagesRequest returns up to Limit most-recent non-deleted messages,
// newest-first. Limit defaults to 100.
type FetchMessagesRequest struct {
	Limit int `json:"limit,omitempty"`
}

// EditMessageRequest replaces the content of an owned message.
type EditMessageRequest struct {
	MessageID  int64  `json:"messageId"`
	NewContent string `json:"newContent"`
}

// DeleteMessageRequest removes an owned message.
type DeleteMessageRequest struct {
	MessageID int64 `json:"messageId"`
}

// ChangeSettingsRequest replaces the room policy. Admin only.
type ChangeSettingsRequest struct {
	Settings RoomSettings `json:"settings"`
}

// KickUserRequest removes a user's membership and closes their live
// connections. Admin only; admins cannot kick themselves.
type KickUserRequest struct {
	TargetUserID int64 `json:"targetUserId"`
}

// RoomJoined is the data payload of a successful joinOrCreateRoom.
type RoomJoined struct {
	RoomID   int64        `json:"roomId"`
	UserID   int64        `json:"userId"`
	Code     string       `json:"code"`
	Created  bool         `json:"created"`
	IsAdmin  bool         `json:"isAdmin"`
	Settings RoomSettings `json:"settings"`
}

// MessagePayload is a message as delivered to clients, both in fetch results
// and in broadcastMessage frames. The server-assigned ID and timestamp are
// authoritative; clients render from this single copy.
type MessagePayload struct {
	ID        int64      `json:"id"`
	UserID    int64      `json:"userId"`
	Username  string     `json:"username"`
	Content   string     `json:"content"`
	Kind      string     `json:"kind"`
	FileURL   string     `json:"fileUrl,omitempty"`
	Timestamp time.Time  `json:"timestamp"`
	EditedAt  *time.Time `json:"editedAt,omitempty"`
}

// MessageDeletedPayload announces a deletion to the room.
type MessageDeletedPayload struct {
	MessageID int64 `json:"messageId"`
}

// SettingsChangedPayload announces a policy change to the room.
type SettingsChangedPayload struct {
	Settings RoomSettings `json:"settings"`
}

// UserKickedPayload announces a kick to the room.
type UserKickedPayload struct {
	UserID   int64  `json:"userId"`
	Username string `json:"username"`
}

// KickedPayload is sent to the kicked connection before its transport closes.
type KickedPayload struct {
	Reason string `json:"reason"`
}
