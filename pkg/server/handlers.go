package server

import (
	"errors"
	"fmt"
	"time"

	"github.com/aeolun/comms/pkg/database"
	"github.com/aeolun/comms/pkg/protocol"
)

const defaultFetchLimit = 100

// handleFrame interprets one inbound frame as an action, authorizes it, and
// produces the outbound frame(s). Frames of one connection are processed in
// receipt order by the owning read loop.
func (s *Server) handleFrame(sess *Session, data []byte) {
	env, err := protocol.DecodeEnvelope(data)
	if err != nil {
		debugLog.Printf("Session %s: undecodable frame: %v", sess.ID, err)
		s.sendResponse(sess, protocol.Failure("error", protocol.CodeInvalidFormat, "frame is not a JSON object with an action"))
		return
	}

	debugLog.Printf("Session %s ← RECV %s", sess.ID, env.Action)

	var resp *protocol.Response
	switch env.Action {
	case protocol.ActionJoinOrCreateRoom:
		resp = s.handleJoinOrCreateRoom(sess, env)
	case protocol.ActionSendMessage:
		resp = s.handleSendMessage(sess, env)
	case protocol.ActionFetchMessages:
		resp = s.handleFetchMessages(sess, env)
	case protocol.ActionEditMessage:
		resp = s.handleEditMessage(sess, env)
	case protocol.ActionDeleteMessage:
		resp = s.handleDeleteMessage(sess, env)
	case protocol.ActionChangeSettings:
		resp = s.handleChangeSettings(sess, env)
	case protocol.ActionKickUser:
		resp = s.handleKickUser(sess, env)
	default:
		// Unknown actions echo the attempted name; never a crash, never
		// a silent drop.
		resp = protocol.Failure(env.Action, protocol.CodeUnknownAction, fmt.Sprintf("unknown action %q", env.Action))
	}

	s.metrics.RecordAction(env.Action, resp.Status)
	s.sendResponse(sess, resp)
}

// sendResponse delivers a frame to the originating connection. A write
// failure is local to that connection and triggers its teardown.
func (s *Server) sendResponse(sess *Session, resp *protocol.Response) {
	data, err := resp.Encode()
	if err != nil {
		errorLog.Printf("Session %s: encode %s: %v", sess.ID, resp.Action, err)
		return
	}
	debugLog.Printf("Session %s → SEND %s (%s)", sess.ID, resp.Action, resp.Status)
	if err := sess.conn.Send(data); err != nil {
		s.teardownSession(sess)
	}
}

// storeFailure logs a persistence fault and returns a generic InternalError
// frame; store details are never surfaced to clients.
func (s *Server) storeFailure(sess *Session, action, operation string, err error) *protocol.Response {
	errorLog.Printf("Session %s: %s: %s failed: %v", sess.ID, action, operation, err)
	return protocol.Failure(action, protocol.CodeInternalError, "internal error")
}

// requireBound rejects actions on a connection that has not joined its room
// yet. Returns nil when the session is bound.
func requireBound(sess *Session, action string) *protocol.Response {
	if !sess.Bound() {
		return protocol.Failure(action, protocol.CodeUnauthenticated, "join a room first")
	}
	return nil
}

// handleJoinOrCreateRoom binds the connection to the room named by the code:
// joining the existing room (creating a membership if this identity is new
// to it), or creating the room with the default policy and the caller as
// admin. Room creation and the admin grant are one atomic store operation.
func (s *Server) handleJoinOrCreateRoom(sess *Session, env *protocol.Envelope) *protocol.Response {
	const action = protocol.ActionJoinOrCreateRoom

	var req protocol.JoinOrCreateRoomRequest
	if err := env.Params(&req); err != nil {
		return protocol.Failure(action, protocol.CodeInvalidFormat, "malformed parameters")
	}
	if req.Code == "" {
		return protocol.Failure(action, protocol.CodeInvalidCode, "room code must not be empty")
	}
	if sess.Bound() {
		// The binding is immutable for the connection's lifetime;
		// rebinding requires a new connection.
		return protocol.Failure(action, protocol.CodeConflict, "connection is already bound to a room")
	}
	if req.Code != sess.RoomCode {
		// The identity token authorizes exactly one room.
		return protocol.Failure(action, protocol.CodeUnauthenticated, "token does not authorize this room")
	}

	user, err := s.store.GetUser(sess.UserID)
	if errors.Is(err, database.ErrUserNotFound) {
		return protocol.Failure(action, protocol.CodeUnauthenticated, "unknown identity")
	}
	if err != nil {
		return s.storeFailure(sess, action, "GetUser", err)
	}

	room, err := s.store.FindRoomByCode(req.Code)
	created := false
	switch {
	case errors.Is(err, database.ErrRoomNotFound):
		room, err = s.store.CreateRoom(req.Code, sess.UserID)
		if errors.Is(err, database.ErrRoomCodeTaken) {
			// Lost a creation race; join the winner's room.
			room, err = s.store.FindRoomByCode(req.Code)
		} else if err == nil {
			created = true
		}
		if err != nil {
			return s.storeFailure(sess, action, "CreateRoom", err)
		}
	case err != nil:
		return s.storeFailure(sess, action, "FindRoomByCode", err)
	}

	if !created {
		denial, err := s.gate.CanJoin(sess.UserID, room, s.registry.Count(room.ID))
		if err != nil {
			return s.storeFailure(sess, action, "CanJoin", err)
		}
		if denial != nil {
			return protocol.Failure(action, denial.Code, denial.Reason)
		}
	}

	// The registry re-checks capacity under the room lock; the gate's
	// count was advisory. The membership is persisted only after a won
	// slot: a joiner refused here must not keep a record that would let
	// it back in as an existing member once AllowNewUsers is off.
	if err := s.registry.Join(room.ID, room.Policy.MaxUsers, sess); err != nil {
		return protocol.Failure(action, protocol.CodeRoomFull, "room is at capacity")
	}
	if !created {
		if err := s.store.AddMembership(sess.UserID, room.ID, false); err != nil {
			s.registry.Leave(room.ID, sess)
			return s.storeFailure(sess, action, "AddMembership", err)
		}
	}
	sess.bindRoom(room.ID)
	s.updateGauges()

	membership, err := s.store.GetMembership(sess.UserID, room.ID)
	if err != nil {
		return s.storeFailure(sess, action, "GetMembership", err)
	}

	debugLog.Printf("Session %s: user %s joined room %q (created=%v)", sess.ID, user.Username, room.Code, created)
	return protocol.Success(action, &protocol.RoomJoined{
		RoomID:   room.ID,
		UserID:   sess.UserID,
		Code:     room.Code,
		Created:  created,
		IsAdmin:  membership.IsAdmin,
		Settings: policyToSettings(room.Policy),
	})
}

// handleSendMessage persists an accepted message, then broadcasts it to the
// whole room including the sender, so every client renders from the one
// authoritative copy with the server-assigned ID and timestamp.
func (s *Server) handleSendMessage(sess *Session, env *protocol.Envelope) *protocol.Response {
	const action = protocol.ActionSendMessage

	if resp := requireBound(sess, action); resp != nil {
		return resp
	}

	var req protocol.SendMessageRequest
	if err := env.Params(&req); err != nil {
		return protocol.Failure(action, protocol.CodeInvalidFormat, "malformed parameters")
	}

	kind := req.Kind
	if kind == "" {
		kind = protocol.KindText
	}
	if kind != protocol.KindText && kind != protocol.KindFile {
		// System messages are server-generated only.
		return protocol.Failure(action, protocol.CodeInvalidFormat, fmt.Sprintf("unsupported message kind %q", kind))
	}
	if s.config.MaxMessageLength > 0 && len(req.Content) > s.config.MaxMessageLength {
		return protocol.Failure(action, protocol.CodeInvalidFormat,
			fmt.Sprintf("message too long (max %d bytes)", s.config.MaxMessageLength))
	}

	// Membership is re-read per send: a kicked identity fails here even
	// though the connection authenticated earlier.
	denial, err := s.gate.CanSend(sess.UserID, sess.RoomID())
	if err != nil {
		return s.storeFailure(sess, action, "CanSend", err)
	}
	if denial != nil {
		return protocol.Failure(action, denial.Code, denial.Reason)
	}

	// The publish lock spans persist and broadcast, so two concurrent
	// senders cannot persist in one order and broadcast in the other.
	unlock := s.engine.LockRoom(sess.RoomID())
	defer unlock()

	msg, err := s.store.SaveMessage(sess.UserID, sess.RoomID(), req.Content, kind, req.FileURL)
	if err != nil {
		return s.storeFailure(sess, action, "SaveMessage", err)
	}

	// Persist completed above; only now may anyone hear about the message.
	payload := toMessagePayload(msg)
	s.engine.Broadcast(sess.RoomID(), protocol.Success(protocol.ActionBroadcastMessage, payload), nil)

	return protocol.Success(action, payload)
}

// handleFetchMessages returns the room's most recent non-deleted messages,
// newest-first.
func (s *Server) handleFetchMessages(sess *Session, env *protocol.Envelope) *protocol.Response {
	const action = protocol.ActionFetchMessages

	if resp := requireBound(sess, action); resp != nil {
		return resp
	}

	var req protocol.FetchMessagesRequest
	if err := env.Params(&req); err != nil {
		return protocol.Failure(action, protocol.CodeInvalidFormat, "malformed parameters")
	}
	if req.Limit < 0 {
		return protocol.Failure(action, protocol.CodeInvalidFormat, "limit must be positive")
	}
	limit := req.Limit
	if limit == 0 {
		limit = defaultFetchLimit
	}

	denial, err := s.gate.CanSend(sess.UserID, sess.RoomID())
	if err != nil {
		return s.storeFailure(sess, action, "CanSend", err)
	}
	if denial != nil {
		return protocol.Failure(action, denial.Code, denial.Reason)
	}

	messages, err := s.store.ListMessages(sess.RoomID(), limit)
	if err != nil {
		return s.storeFailure(sess, action, "ListMessages", err)
	}

	payloads := make([]*protocol.MessagePayload, 0, len(messages))
	for _, msg := range messages {
		payloads = append(payloads, toMessagePayload(msg))
	}
	return protocol.Success(action, payloads)
}

// handleEditMessage updates an owned message and broadcasts the edited copy.
func (s *Server) handleEditMessage(sess *Session, env *protocol.Envelope) *protocol.Response {
	const action = protocol.ActionEditMessage

	if resp := requireBound(sess, action); resp != nil {
		return resp
	}

	var req protocol.EditMessageRequest
	if err := env.Params(&req); err != nil {
		return protocol.Failure(action, protocol.CodeInvalidFormat, "malformed parameters")
	}
	if s.config.MaxMessageLength > 0 && len(req.NewContent) > s.config.MaxMessageLength {
		return protocol.Failure(action, protocol.CodeInvalidFormat,
			fmt.Sprintf("message too long (max %d bytes)", s.config.MaxMessageLength))
	}

	msg, err := s.store.GetMessage(req.MessageID)
	if errors.Is(err, database.ErrMessageNotFound) || (err == nil && msg.RoomID != sess.RoomID()) {
		// Messages of other rooms are invisible, not forbidden.
		return protocol.Failure(action, protocol.CodeNotFound, "message not found")
	}
	if err != nil {
		return s.storeFailure(sess, action, "GetMessage", err)
	}

	// Policy is read fresh so a settings change is honored immediately.
	room, err := s.store.GetRoom(sess.RoomID())
	if err != nil {
		return s.storeFailure(sess, action, "GetRoom", err)
	}
	if denial := s.gate.CanEdit(sess.UserID, msg, room.Policy); denial != nil {
		return protocol.Failure(action, denial.Code, denial.Reason)
	}

	unlock := s.engine.LockRoom(sess.RoomID())
	defer unlock()

	updated, err := s.store.UpdateMessage(req.MessageID, req.NewContent)
	if errors.Is(err, database.ErrMessageNotFound) {
		return protocol.Failure(action, protocol.CodeNotFound, "message not found")
	}
	if err != nil {
		return s.storeFailure(sess, action, "UpdateMessage", err)
	}

	payload := toMessagePayload(updated)
	s.engine.Broadcast(sess.RoomID(), protocol.Success(protocol.ActionMessageEdited, payload), nil)

	return protocol.Success(action, payload)
}

// handleDeleteMessage removes an owned message and broadcasts the deletion
// notice. Once deleted, the message is never delivered to new joiners or
// future fetches.
func (s *Server) handleDeleteMessage(sess *Session, env *protocol.Envelope) *protocol.Response {
	const action = protocol.ActionDeleteMessage

	if resp := requireBound(sess, action); resp != nil {
		return resp
	}

	var req protocol.DeleteMessageRequest
	if err := env.Params(&req); err != nil {
		return protocol.Failure(action, protocol.CodeInvalidFormat, "malformed parameters")
	}

	msg, err := s.store.GetMessage(req.MessageID)
	if errors.Is(err, database.ErrMessageNotFound) || (err == nil && msg.RoomID != sess.RoomID()) {
		return protocol.Failure(action, protocol.CodeNotFound, "message not found")
	}
	if err != nil {
		return s.storeFailure(sess, action, "GetMessage", err)
	}

	room, err := s.store.GetRoom(sess.RoomID())
	if err != nil {
		return s.storeFailure(sess, action, "GetRoom", err)
	}
	if denial := s.gate.CanDelete(sess.UserID, msg, room.Policy); denial != nil {
		return protocol.Failure(action, denial.Code, denial.Reason)
	}

	unlock := s.engine.LockRoom(sess.RoomID())
	defer unlock()

	if err := s.store.DeleteMessage(req.MessageID); err != nil {
		if errors.Is(err, database.ErrMessageNotFound) {
			return protocol.Failure(action, protocol.CodeNotFound, "message not found")
		}
		return s.storeFailure(sess, action, "DeleteMessage", err)
	}

	deleted := &protocol.MessageDeletedPayload{MessageID: req.MessageID}
	s.engine.Broadcast(sess.RoomID(), protocol.Success(protocol.ActionMessageDeleted, deleted), nil)

	return protocol.Success(action, deleted)
}

// handleChangeSettings replaces the room policy. The new policy takes effect
// for all subsequent authorization checks immediately, since every check
// reads it fresh from the store.
func (s *Server) handleChangeSettings(sess *Session, env *protocol.Envelope) *protocol.Response {
	const action = protocol.ActionChangeSettings

	if resp := requireBound(sess, action); resp != nil {
		return resp
	}

	var req protocol.ChangeSettingsRequest
	if err := env.Params(&req); err != nil {
		return protocol.Failure(action, protocol.CodeInvalidFormat, "malformed parameters")
	}

	denial, err := s.gate.CanChangeSettings(sess.UserID, sess.RoomID())
	if err != nil {
		return s.storeFailure(sess, action, "CanChangeSettings", err)
	}
	if denial != nil {
		return protocol.Failure(action, denial.Code, denial.Reason)
	}

	if req.Settings.MaxUsers < 1 {
		return protocol.Failure(action, protocol.CodeInvalidSettings, "maxUsers must be at least 1")
	}

	policy := database.RoomPolicy{
		MaxUsers:            req.Settings.MaxUsers,
		AllowDeleteMessages: req.Settings.AllowDeleteMessages,
		AllowEditMessages:   req.Settings.AllowEditMessages,
		AllowNewUsers:       req.Settings.AllowNewUsers,
	}
	unlock := s.engine.LockRoom(sess.RoomID())
	defer unlock()

	if err := s.store.UpdateRoomPolicy(sess.RoomID(), policy); err != nil {
		return s.storeFailure(sess, action, "UpdateRoomPolicy", err)
	}

	changed := &protocol.SettingsChangedPayload{Settings: req.Settings}
	s.engine.Broadcast(sess.RoomID(), protocol.Success(protocol.ActionSettingsChanged, changed), sess)

	return protocol.Success(action, changed)
}

// handleKickUser removes the target's membership, notifies and closes their
// live connections, and announces the kick to the room.
func (s *Server) handleKickUser(sess *Session, env *protocol.Envelope) *protocol.Response {
	const action = protocol.ActionKickUser

	if resp := requireBound(sess, action); resp != nil {
		return resp
	}

	var req protocol.KickUserRequest
	if err := env.Params(&req); err != nil {
		return protocol.Failure(action, protocol.CodeInvalidFormat, "malformed parameters")
	}

	denial, err := s.gate.CanKick(sess.UserID, sess.RoomID(), req.TargetUserID)
	if err != nil {
		return s.storeFailure(sess, action, "CanKick", err)
	}
	if denial != nil {
		return protocol.Failure(action, denial.Code, denial.Reason)
	}

	target, err := s.store.GetUser(req.TargetUserID)
	if errors.Is(err, database.ErrUserNotFound) {
		return protocol.Failure(action, protocol.CodeNotFound, "user not found")
	}
	if err != nil {
		return s.storeFailure(sess, action, "GetUser", err)
	}

	unlock := s.engine.LockRoom(sess.RoomID())
	defer unlock()

	if err := s.store.RemoveMembership(req.TargetUserID, sess.RoomID()); err != nil {
		if errors.Is(err, database.ErrMembershipNotFound) {
			return protocol.Failure(action, protocol.CodeNotFound, "target has no membership in this room")
		}
		return s.storeFailure(sess, action, "RemoveMembership", err)
	}

	// Best-effort notice to the kicked connections, then close them. The
	// teardown removes them from the registry synchronously.
	notice := protocol.Success(protocol.ActionKicked, &protocol.KickedPayload{Reason: "removed by room admin"})
	if data, err := notice.Encode(); err == nil {
		for _, targetSess := range s.sessions.SessionsForUser(req.TargetUserID, sess.RoomID()) {
			targetSess.conn.Send(data)
			s.teardownSession(targetSess)
		}
	}

	kicked := &protocol.UserKickedPayload{UserID: target.ID, Username: target.Username}
	s.engine.Broadcast(sess.RoomID(), protocol.Success(protocol.ActionUserKicked, kicked), sess)

	return protocol.Success(action, kicked)
}

func policyToSettings(policy database.RoomPolicy) protocol.RoomSettings {
	return protocol.RoomSettings{
		MaxUsers:            policy.MaxUsers,
		AllowDeleteMessages: policy.AllowDeleteMessages,
		AllowEditMessages:   policy.AllowEditMessages,
		AllowNewUsers:       policy.AllowNewUsers,
	}
}

func toMessagePayload(msg *database.Message) *protocol.MessagePayload {
	payload := &protocol.MessagePayload{
		ID:        msg.ID,
		UserID:    msg.AuthorID,
		Username:  msg.AuthorUsername,
		Content:   msg.Content,
		Kind:      msg.Kind,
		FileURL:   msg.FileURL,
		Timestamp: time.UnixMilli(msg.CreatedAt).UTC(),
	}
	if msg.EditedAt != nil {
		editedAt := time.UnixMilli(*msg.EditedAt).UTC()
		payload.EditedAt = &editedAt
	}
	return payload
}
