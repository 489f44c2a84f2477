package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/aeolun/comms/pkg/database"
	"github.com/aeolun/comms/pkg/protocol"
)

// ---------------------------------------------------------------------------
// Test server setup
// ---------------------------------------------------------------------------

var journeySecret = []byte("journey-test-secret")

type journeyServer struct {
	srv   *Server
	store database.Store
	wsURL string
}

// setupJourneyServer starts a broker on a random port over an in-memory
// store. Each server carries its own metrics registry, so servers from
// different tests can coexist.
func setupJourneyServer(t *testing.T) *journeyServer {
	t.Helper()

	store := database.NewMemStore()

	config := DefaultConfig()
	config.HTTPPort = 0
	config.MetricsPort = 0
	config.TokenSecret = string(journeySecret)

	srv := NewServer(store, config, NewTokenResolver(journeySecret))
	if err := srv.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	t.Cleanup(func() { srv.Stop() })

	_, port, err := net.SplitHostPort(srv.Addr())
	if err != nil {
		t.Fatalf("SplitHostPort(%q): %v", srv.Addr(), err)
	}

	return &journeyServer{
		srv:   srv,
		store: store,
		wsURL: fmt.Sprintf("ws://127.0.0.1:%s/ws", port),
	}
}

// ---------------------------------------------------------------------------
// Test client
// ---------------------------------------------------------------------------

// testFrame is the generic outbound frame shape as seen by a client.
type testFrame struct {
	Action string             `json:"action"`
	Status string             `json:"status"`
	Error  protocol.ErrorCode `json:"error"`
	Detail string             `json:"detail"`
	Data   json.RawMessage    `json:"data"`
}

func (f *testFrame) decodeData(t *testing.T, v interface{}) {
	t.Helper()
	if err := json.Unmarshal(f.Data, v); err != nil {
		t.Fatalf("decode %s data: %v", f.Action, err)
	}
}

// isBroadcastAction reports whether the action may arrive asynchronously and
// should be skipped when waiting for a specific frame.
func isBroadcastAction(action string) bool {
	switch action {
	case protocol.ActionBroadcastMessage, protocol.ActionMessageEdited,
		protocol.ActionMessageDeleted, protocol.ActionSettingsChanged,
		protocol.ActionUserKicked, protocol.ActionKicked:
		return true
	}
	return false
}

// testClient wraps a websocket connection with a persistent reader goroutine
// feeding decoded frames into a channel.
type testClient struct {
	user      *database.User
	conn      *websocket.Conn
	frames    chan *testFrame
	errors    chan error
	done      chan struct{}
	closeOnce sync.Once

	// pending holds broadcast frames skipped while waiting for a specific
	// action; handlers broadcast before acking, so a broadcast often
	// arrives ahead of the response it belongs with.
	pending []*testFrame
}

// connect resolves (or creates) the user in the store, mints a token bound
// to roomCode, and opens a websocket connection.
func connect(t *testing.T, js *journeyServer, username, roomCode string) *testClient {
	t.Helper()

	user, err := js.store.FindOrCreateUser(username)
	if err != nil {
		t.Fatalf("FindOrCreateUser(%s): %v", username, err)
	}
	token, err := MintToken(journeySecret, user.ID, user.Username, roomCode, time.Hour)
	if err != nil {
		t.Fatalf("MintToken: %v", err)
	}

	conn, _, err := websocket.DefaultDialer.Dial(js.wsURL+"?token="+token, nil)
	if err != nil {
		t.Fatalf("WebSocket dial: %v", err)
	}

	c := &testClient{
		user:   user,
		conn:   conn,
		frames: make(chan *testFrame, 64),
		errors: make(chan error, 1),
		done:   make(chan struct{}),
	}

	go func() {
		defer close(c.done)
		for {
			_, data, err := conn.ReadMessage()
			if err != nil {
				c.errors <- err
				return
			}
			var frame testFrame
			if err := json.Unmarshal(data, &frame); err != nil {
				c.errors <- err
				return
			}
			c.frames <- &frame
		}
	}()

	t.Cleanup(c.close)
	return c
}

func (c *testClient) send(t *testing.T, v interface{}) {
	t.Helper()
	if err := c.conn.WriteJSON(v); err != nil {
		t.Fatalf("WS send: %v", err)
	}
}

func (c *testClient) sendRaw(t *testing.T, data string) {
	t.Helper()
	if err := c.conn.WriteMessage(websocket.TextMessage, []byte(data)); err != nil {
		t.Fatalf("WS send raw: %v", err)
	}
}

// expect reads frames until one matches action. Unrelated broadcasts are
// set aside (not dropped) for a later expect; a non-broadcast frame with a
// different action is a failure.
func (c *testClient) expect(t *testing.T, action string) *testFrame {
	t.Helper()
	for i, frame := range c.pending {
		if frame.Action == action {
			c.pending = append(c.pending[:i], c.pending[i+1:]...)
			return frame
		}
	}

	deadline := time.After(2 * time.Second)
	for {
		var frame *testFrame
		select {
		case frame = <-c.frames:
		case err := <-c.errors:
			// A close error can arrive while the awaited frame is already
			// buffered (the reader delivers the frame, then reports EOF);
			// prefer the frame and requeue the error for later reads.
			select {
			case frame = <-c.frames:
				c.errors <- err
			default:
				t.Fatalf("expect %q: read error: %v", action, err)
				return nil
			}
		case <-deadline:
			t.Fatalf("expect %q: timeout", action)
			return nil
		}
		if frame.Action != action && isBroadcastAction(frame.Action) {
			c.pending = append(c.pending, frame)
			continue
		}
		if frame.Action != action {
			t.Fatalf("expected %q frame, got %q (status=%s error=%s)",
				action, frame.Action, frame.Status, frame.Error)
		}
		return frame
	}
}

func (c *testClient) expectSuccess(t *testing.T, action string) *testFrame {
	t.Helper()
	frame := c.expect(t, action)
	if frame.Status != protocol.StatusSuccess {
		t.Fatalf("%s: status=%s error=%s detail=%s", action, frame.Status, frame.Error, frame.Detail)
	}
	return frame
}

func (c *testClient) expectFailure(t *testing.T, action string, code protocol.ErrorCode) *testFrame {
	t.Helper()
	frame := c.expect(t, action)
	if frame.Status != protocol.StatusError {
		t.Fatalf("%s: expected error %s, got status=%s", action, code, frame.Status)
	}
	if frame.Error != code {
		t.Fatalf("%s: error=%s detail=%q, want %s", action, frame.Error, frame.Detail, code)
	}
	return frame
}

// tryRead returns one frame within timeout, or nil.
func (c *testClient) tryRead(timeout time.Duration) *testFrame {
	if len(c.pending) > 0 {
		frame := c.pending[0]
		c.pending = c.pending[1:]
		return frame
	}
	select {
	case frame := <-c.frames:
		return frame
	case <-c.errors:
		return nil
	case <-time.After(timeout):
		return nil
	}
}

// closed reports whether the server closed the connection within timeout.
func (c *testClient) closed(timeout time.Duration) bool {
	select {
	case <-c.done:
		return true
	case <-time.After(timeout):
		return false
	}
}

func (c *testClient) close() {
	c.closeOnce.Do(func() {
		c.conn.Close()
		<-c.done
	})
}

func (c *testClient) join(t *testing.T, code string) *protocol.RoomJoined {
	t.Helper()
	c.send(t, map[string]string{"action": protocol.ActionJoinOrCreateRoom, "code": code})
	frame := c.expectSuccess(t, protocol.ActionJoinOrCreateRoom)
	var joined protocol.RoomJoined
	frame.decodeData(t, &joined)
	return &joined
}

func (c *testClient) sendMessage(t *testing.T, content string) *protocol.MessagePayload {
	t.Helper()
	c.send(t, map[string]string{"action": protocol.ActionSendMessage, "content": content})
	frame := c.expectSuccess(t, protocol.ActionSendMessage)
	var msg protocol.MessagePayload
	frame.decodeData(t, &msg)
	return &msg
}

func (c *testClient) fetchMessages(t *testing.T) []*protocol.MessagePayload {
	t.Helper()
	c.send(t, map[string]interface{}{"action": protocol.ActionFetchMessages})
	frame := c.expectSuccess(t, protocol.ActionFetchMessages)
	var msgs []*protocol.MessagePayload
	frame.decodeData(t, &msgs)
	return msgs
}

// ---------------------------------------------------------------------------
// Journeys
// ---------------------------------------------------------------------------

func TestJourney(t *testing.T) {
	js := setupJourneyServer(t)

	t.Run("create_room_first_joiner_is_admin", func(t *testing.T) {
		alice := connect(t, js, "alice", "r-create")
		joined := alice.join(t, "r-create")

		if !joined.Created {
			t.Error("expected created=true for a fresh room code")
		}
		if !joined.IsAdmin {
			t.Error("expected room creator to be admin")
		}
		if joined.Settings.MaxUsers != 5 || !joined.Settings.AllowEditMessages ||
			joined.Settings.AllowDeleteMessages || !joined.Settings.AllowNewUsers {
			t.Errorf("unexpected default settings: %+v", joined.Settings)
		}

		// Reconnecting to the same room must not create it again.
		alice2 := connect(t, js, "alice", "r-create")
		rejoined := alice2.join(t, "r-create")
		if rejoined.Created {
			t.Error("expected created=false on rejoin")
		}
		if !rejoined.IsAdmin {
			t.Error("creator's admin membership must survive reconnects")
		}
	})

	t.Run("second_joiner_is_plain_member", func(t *testing.T) {
		alice := connect(t, js, "alice", "r-two")
		alice.join(t, "r-two")

		bob := connect(t, js, "bob", "r-two")
		joined := bob.join(t, "r-two")
		if joined.Created {
			t.Error("expected created=false for existing room")
		}
		if joined.IsAdmin {
			t.Error("second joiner must not be admin")
		}
	})

	t.Run("send_broadcast_fetch", func(t *testing.T) {
		alice := connect(t, js, "alice", "r-chat")
		alice.join(t, "r-chat")
		bob := connect(t, js, "bob", "r-chat")
		bob.join(t, "r-chat")

		sent := alice.sendMessage(t, "hello room")
		if sent.ID == 0 {
			t.Fatal("expected server-assigned message ID")
		}
		if sent.Username != "alice" || sent.Kind != protocol.KindText {
			t.Fatalf("unexpected ack payload: %+v", sent)
		}

		// Both members receive the broadcast, sender included.
		for name, c := range map[string]*testClient{"alice": alice, "bob": bob} {
			frame := c.expect(t, protocol.ActionBroadcastMessage)
			var msg protocol.MessagePayload
			frame.decodeData(t, &msg)
			if msg.ID != sent.ID || msg.Content != "hello room" {
				t.Fatalf("%s got broadcast %+v, want ID %d", name, msg, sent.ID)
			}
		}

		// The message was persisted before the broadcast went out, so a
		// fetch issued on receipt must already observe it.
		msgs := bob.fetchMessages(t)
		if len(msgs) != 1 || msgs[0].ID != sent.ID {
			t.Fatalf("fetch after broadcast = %+v, want message %d", msgs, sent.ID)
		}
	})

	t.Run("fetch_is_newest_first", func(t *testing.T) {
		alice := connect(t, js, "alice", "r-order")
		alice.join(t, "r-order")

		first := alice.sendMessage(t, "first")
		second := alice.sendMessage(t, "second")

		msgs := alice.fetchMessages(t)
		if len(msgs) != 2 || msgs[0].ID != second.ID || msgs[1].ID != first.ID {
			t.Fatalf("fetch order wrong: %+v", msgs)
		}
	})

	t.Run("actions_before_join_are_unauthenticated", func(t *testing.T) {
		alice := connect(t, js, "alice", "r-unbound")
		alice.send(t, map[string]string{"action": protocol.ActionSendMessage, "content": "too early"})
		alice.expectFailure(t, protocol.ActionSendMessage, protocol.CodeUnauthenticated)
	})

	t.Run("join_outside_token_room", func(t *testing.T) {
		alice := connect(t, js, "alice", "r-token")
		alice.send(t, map[string]string{"action": protocol.ActionJoinOrCreateRoom, "code": "r-other"})
		alice.expectFailure(t, protocol.ActionJoinOrCreateRoom, protocol.CodeUnauthenticated)
	})

	t.Run("second_join_conflicts", func(t *testing.T) {
		alice := connect(t, js, "alice", "r-rebind")
		alice.join(t, "r-rebind")
		alice.send(t, map[string]string{"action": protocol.ActionJoinOrCreateRoom, "code": "r-rebind"})
		alice.expectFailure(t, protocol.ActionJoinOrCreateRoom, protocol.CodeConflict)
	})

	t.Run("empty_room_code", func(t *testing.T) {
		alice := connect(t, js, "alice", "r-empty")
		alice.send(t, map[string]string{"action": protocol.ActionJoinOrCreateRoom, "code": ""})
		alice.expectFailure(t, protocol.ActionJoinOrCreateRoom, protocol.CodeInvalidCode)
	})

	t.Run("edit_own_message", func(t *testing.T) {
		alice := connect(t, js, "alice", "r-edit")
		alice.join(t, "r-edit")
		sent := alice.sendMessage(t, "tpyo")

		alice.send(t, map[string]interface{}{
			"action": protocol.ActionEditMessage, "messageId": sent.ID, "newContent": "typo",
		})
		frame := alice.expectSuccess(t, protocol.ActionEditMessage)
		var edited protocol.MessagePayload
		frame.decodeData(t, &edited)
		if edited.Content != "typo" || edited.EditedAt == nil {
			t.Fatalf("edit result: %+v", edited)
		}

		bcast := alice.expect(t, protocol.ActionMessageEdited)
		var msg protocol.MessagePayload
		bcast.decodeData(t, &msg)
		if msg.ID != sent.ID || msg.Content != "typo" {
			t.Fatalf("messageEdited broadcast: %+v", msg)
		}
	})

	t.Run("edit_requires_authorship", func(t *testing.T) {
		alice := connect(t, js, "alice", "r-author")
		alice.join(t, "r-author")
		sent := alice.sendMessage(t, "mine")

		bob := connect(t, js, "bob", "r-author")
		bob.join(t, "r-author")
		bob.send(t, map[string]interface{}{
			"action": protocol.ActionEditMessage, "messageId": sent.ID, "newContent": "stolen",
		})
		bob.expectFailure(t, protocol.ActionEditMessage, protocol.CodeNotAuthor)
	})

	t.Run("edit_unknown_message", func(t *testing.T) {
		alice := connect(t, js, "alice", "r-gone")
		alice.join(t, "r-gone")
		alice.send(t, map[string]interface{}{
			"action": protocol.ActionEditMessage, "messageId": 999999, "newContent": "x",
		})
		alice.expectFailure(t, protocol.ActionEditMessage, protocol.CodeNotFound)
	})

	t.Run("delete_follows_policy", func(t *testing.T) {
		alice := connect(t, js, "alice", "r-del")
		joined := alice.join(t, "r-del")
		sent := alice.sendMessage(t, "ephemeral")

		// Deletes are off by default; even the author is refused, and the
		// message stays retrievable.
		alice.send(t, map[string]interface{}{"action": protocol.ActionDeleteMessage, "messageId": sent.ID})
		alice.expectFailure(t, protocol.ActionDeleteMessage, protocol.CodePolicyDisabled)
		if msgs := alice.fetchMessages(t); len(msgs) != 1 {
			t.Fatalf("message vanished after refused delete: %+v", msgs)
		}

		// The admin flips the policy; the very next delete is honored.
		settings := joined.Settings
		settings.AllowDeleteMessages = true
		alice.send(t, map[string]interface{}{"action": protocol.ActionChangeSettings, "settings": settings})
		alice.expectSuccess(t, protocol.ActionChangeSettings)

		alice.send(t, map[string]interface{}{"action": protocol.ActionDeleteMessage, "messageId": sent.ID})
		alice.expectSuccess(t, protocol.ActionDeleteMessage)

		bcast := alice.expect(t, protocol.ActionMessageDeleted)
		var deleted protocol.MessageDeletedPayload
		bcast.decodeData(t, &deleted)
		if deleted.MessageID != sent.ID {
			t.Fatalf("messageDeleted broadcast: %+v", deleted)
		}

		// Deleted messages never come back.
		if msgs := alice.fetchMessages(t); len(msgs) != 0 {
			t.Fatalf("fetch after delete = %+v, want empty", msgs)
		}
		alice.send(t, map[string]interface{}{"action": protocol.ActionDeleteMessage, "messageId": sent.ID})
		alice.expectFailure(t, protocol.ActionDeleteMessage, protocol.CodeNotFound)
	})

	t.Run("settings_require_admin", func(t *testing.T) {
		alice := connect(t, js, "alice", "r-admin")
		joined := alice.join(t, "r-admin")
		bob := connect(t, js, "bob", "r-admin")
		bob.join(t, "r-admin")

		bob.send(t, map[string]interface{}{"action": protocol.ActionChangeSettings, "settings": joined.Settings})
		bob.expectFailure(t, protocol.ActionChangeSettings, protocol.CodeNotAdmin)

		// Invalid settings are refused even for admins.
		bad := joined.Settings
		bad.MaxUsers = 0
		alice.send(t, map[string]interface{}{"action": protocol.ActionChangeSettings, "settings": bad})
		alice.expectFailure(t, protocol.ActionChangeSettings, protocol.CodeInvalidSettings)
	})

	t.Run("settings_change_is_broadcast", func(t *testing.T) {
		alice := connect(t, js, "alice", "r-set")
		joined := alice.join(t, "r-set")
		bob := connect(t, js, "bob", "r-set")
		bob.join(t, "r-set")

		settings := joined.Settings
		settings.MaxUsers = 3
		alice.send(t, map[string]interface{}{"action": protocol.ActionChangeSettings, "settings": settings})
		alice.expectSuccess(t, protocol.ActionChangeSettings)

		frame := bob.expect(t, protocol.ActionSettingsChanged)
		var changed protocol.SettingsChangedPayload
		frame.decodeData(t, &changed)
		if changed.Settings.MaxUsers != 3 {
			t.Fatalf("settingsChanged broadcast: %+v", changed)
		}
	})

	t.Run("room_full", func(t *testing.T) {
		alice := connect(t, js, "alice", "r-full")
		joined := alice.join(t, "r-full")

		settings := joined.Settings
		settings.MaxUsers = 1
		alice.send(t, map[string]interface{}{"action": protocol.ActionChangeSettings, "settings": settings})
		alice.expectSuccess(t, protocol.ActionChangeSettings)

		// Alice's live connection holds the only slot.
		bob := connect(t, js, "bob", "r-full")
		bob.send(t, map[string]string{"action": protocol.ActionJoinOrCreateRoom, "code": "r-full"})
		bob.expectFailure(t, protocol.ActionJoinOrCreateRoom, protocol.CodeRoomFull)

		// The slot frees when alice disconnects.
		alice.close()
		waitFor(t, func() bool { return js.srv.registry.Count(joined.RoomID) == 0 })
		bob.join(t, "r-full")
	})

	t.Run("refused_join_persists_no_membership", func(t *testing.T) {
		alice := connect(t, js, "alice", "r-refuse")
		joined := alice.join(t, "r-refuse")

		settings := joined.Settings
		settings.MaxUsers = 1
		alice.send(t, map[string]interface{}{"action": protocol.ActionChangeSettings, "settings": settings})
		alice.expectSuccess(t, protocol.ActionChangeSettings)

		bob := connect(t, js, "bob", "r-refuse")
		bob.send(t, map[string]string{"action": protocol.ActionJoinOrCreateRoom, "code": "r-refuse"})
		bob.expectFailure(t, protocol.ActionJoinOrCreateRoom, protocol.CodeRoomFull)

		// Losing the capacity race must not leave a membership behind.
		if _, err := js.store.GetMembership(bob.user.ID, joined.RoomID); !errors.Is(err, database.ErrMembershipNotFound) {
			t.Fatalf("membership after refused join: err = %v, want ErrMembershipNotFound", err)
		}

		// Once the room closes to new users, the refused joiner cannot come
		// back in as an existing member.
		settings.AllowNewUsers = false
		alice.send(t, map[string]interface{}{"action": protocol.ActionChangeSettings, "settings": settings})
		alice.expectSuccess(t, protocol.ActionChangeSettings)

		bob.send(t, map[string]string{"action": protocol.ActionJoinOrCreateRoom, "code": "r-refuse"})
		bob.expectFailure(t, protocol.ActionJoinOrCreateRoom, protocol.CodePolicyDisabled)
	})

	t.Run("concurrent_sends_broadcast_in_store_order", func(t *testing.T) {
		alice := connect(t, js, "alice", "r-fifo")
		alice.join(t, "r-fifo")
		bob := connect(t, js, "bob", "r-fifo")
		bob.join(t, "r-fifo")
		carol := connect(t, js, "carol", "r-fifo")
		carol.join(t, "r-fifo")

		// Two senders race. Persist and broadcast happen under the room's
		// publish lock, so every observer sees broadcasts in the order the
		// messages were persisted, which the store-assigned IDs encode.
		const perSender = 10
		writeErrs := make(chan error, 2)
		for _, c := range []*testClient{alice, bob} {
			go func(c *testClient) {
				for i := 0; i < perSender; i++ {
					if err := c.conn.WriteJSON(map[string]string{
						"action":  protocol.ActionSendMessage,
						"content": fmt.Sprintf("m%d", i),
					}); err != nil {
						writeErrs <- err
						return
					}
				}
				writeErrs <- nil
			}(c)
		}
		for i := 0; i < 2; i++ {
			if err := <-writeErrs; err != nil {
				t.Fatalf("concurrent send: %v", err)
			}
		}

		var lastID int64
		for i := 0; i < 2*perSender; i++ {
			frame := carol.expect(t, protocol.ActionBroadcastMessage)
			var msg protocol.MessagePayload
			frame.decodeData(t, &msg)
			if msg.ID <= lastID {
				t.Fatalf("broadcast %d carried ID %d after ID %d", i, msg.ID, lastID)
			}
			lastID = msg.ID
		}
	})

	t.Run("closed_room_refuses_new_users", func(t *testing.T) {
		alice := connect(t, js, "alice", "r-closed")
		joined := alice.join(t, "r-closed")

		settings := joined.Settings
		settings.AllowNewUsers = false
		alice.send(t, map[string]interface{}{"action": protocol.ActionChangeSettings, "settings": settings})
		alice.expectSuccess(t, protocol.ActionChangeSettings)

		bob := connect(t, js, "bob", "r-closed")
		bob.send(t, map[string]string{"action": protocol.ActionJoinOrCreateRoom, "code": "r-closed"})
		bob.expectFailure(t, protocol.ActionJoinOrCreateRoom, protocol.CodePolicyDisabled)

		// Members from before the lockdown still get in.
		alice2 := connect(t, js, "alice", "r-closed")
		alice2.join(t, "r-closed")
	})

	t.Run("kick_user", func(t *testing.T) {
		alice := connect(t, js, "alice", "r-kick")
		alice.join(t, "r-kick")
		bob := connect(t, js, "bob", "r-kick")
		bob.join(t, "r-kick")
		carol := connect(t, js, "carol", "r-kick")
		carol.join(t, "r-kick")

		// Bob cannot kick; only admins can.
		bob.send(t, map[string]interface{}{"action": protocol.ActionKickUser, "targetUserId": carol.user.ID})
		bob.expectFailure(t, protocol.ActionKickUser, protocol.CodeNotAdmin)

		// Admins cannot kick themselves.
		alice.send(t, map[string]interface{}{"action": protocol.ActionKickUser, "targetUserId": alice.user.ID})
		alice.expectFailure(t, protocol.ActionKickUser, protocol.CodeConflict)

		alice.send(t, map[string]interface{}{"action": protocol.ActionKickUser, "targetUserId": bob.user.ID})
		alice.expectSuccess(t, protocol.ActionKickUser)

		// Bob hears about it, then his transport closes.
		bob.expect(t, protocol.ActionKicked)
		if !bob.closed(2 * time.Second) {
			t.Fatal("kicked connection was not closed")
		}

		// The rest of the room is notified.
		frame := carol.expect(t, protocol.ActionUserKicked)
		var kicked protocol.UserKickedPayload
		frame.decodeData(t, &kicked)
		if kicked.UserID != bob.user.ID || kicked.Username != "bob" {
			t.Fatalf("userKicked broadcast: %+v", kicked)
		}
	})

	t.Run("unknown_action", func(t *testing.T) {
		alice := connect(t, js, "alice", "r-unknown")
		alice.join(t, "r-unknown")
		alice.send(t, map[string]string{"action": "teleport"})
		frame := alice.expectFailure(t, "teleport", protocol.CodeUnknownAction)
		if !strings.Contains(frame.Detail, "teleport") {
			t.Errorf("detail should echo the attempted action, got %q", frame.Detail)
		}
	})

	t.Run("malformed_frame", func(t *testing.T) {
		alice := connect(t, js, "alice", "r-garbage")
		alice.sendRaw(t, "this is not json")
		alice.expectFailure(t, "error", protocol.CodeInvalidFormat)

		// The connection survives a malformed frame.
		alice.join(t, "r-garbage")
	})

	t.Run("message_too_long", func(t *testing.T) {
		alice := connect(t, js, "alice", "r-long")
		alice.join(t, "r-long")
		alice.send(t, map[string]string{
			"action":  protocol.ActionSendMessage,
			"content": strings.Repeat("x", 5000),
		})
		alice.expectFailure(t, protocol.ActionSendMessage, protocol.CodeInvalidFormat)
	})

	t.Run("file_message", func(t *testing.T) {
		alice := connect(t, js, "alice", "r-file")
		alice.join(t, "r-file")
		alice.send(t, map[string]string{
			"action":  protocol.ActionSendMessage,
			"content": "report.pdf",
			"kind":    protocol.KindFile,
			"fileUrl": "https://files.example/report.pdf",
		})
		frame := alice.expectSuccess(t, protocol.ActionSendMessage)
		var msg protocol.MessagePayload
		frame.decodeData(t, &msg)
		if msg.Kind != protocol.KindFile || msg.FileURL == "" {
			t.Fatalf("file message payload: %+v", msg)
		}

		// System messages are server-generated only.
		alice.send(t, map[string]string{
			"action": protocol.ActionSendMessage, "content": "x", "kind": protocol.KindSystem,
		})
		alice.expectFailure(t, protocol.ActionSendMessage, protocol.CodeInvalidFormat)
	})

	t.Run("handshake_without_token_is_refused", func(t *testing.T) {
		_, resp, err := websocket.DefaultDialer.Dial(js.wsURL, nil)
		if err == nil {
			t.Fatal("expected dial to fail without a token")
		}
		if resp == nil || resp.StatusCode != 401 {
			t.Fatalf("expected HTTP 401, got %+v", resp)
		}
	})
}

// waitFor polls cond until it holds or the deadline passes.
func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("condition not reached within deadline")
}
