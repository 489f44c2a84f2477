package server

import (
	"errors"
	"fmt"

	"github.com/aeolun/comms/pkg/database"
	"github.com/aeolun/comms/pkg/protocol"
)

// Denial is a typed authorization refusal. The dispatcher surfaces the code
// to the caller verbatim; there is no generic "permission denied".
type Denial struct {
	Code   protocol.ErrorCode
	Reason string
}

func (d *Denial) Error() string {
	return fmt.Sprintf("%s: %s", d.Code, d.Reason)
}

func deny(code protocol.ErrorCode, reason string) *Denial {
	return &Denial{Code: code, Reason: reason}
}

// AuthorizationGate decides whether an identity may perform an action
// against a room or message. It has no side effects and is safe for
// concurrent use; every check reads policy and membership fresh from the
// store so a settings update is visible to all subsequent checks.
type AuthorizationGate struct {
	store database.Store
}

// NewAuthorizationGate creates a gate over the given store.
func NewAuthorizationGate(store database.Store) *AuthorizationGate {
	return &AuthorizationGate{store: store}
}

// CanJoin allows joining unless the room is closed to new users (and the
// identity holds no membership) or the live connection count is at capacity.
// liveCount is the room's current live connection count; the registry
// re-checks capacity under its own lock at join time.
func (g *AuthorizationGate) CanJoin(userID int64, room *database.Room, liveCount int) (*Denial, error) {
	_, err := g.store.GetMembership(userID, room.ID)
	switch {
	case err == nil:
		// Existing members may rejoin even when AllowNewUsers is off.
	case errors.Is(err, database.ErrMembershipNotFound):
		if !room.Policy.AllowNewUsers {
			return deny(protocol.CodePolicyDisabled, "room is closed to new users"), nil
		}
	default:
		return nil, err
	}

	if liveCount >= room.Policy.MaxUsers {
		return deny(protocol.CodeRoomFull, "room is at capacity"), nil
	}
	return nil, nil
}

// CanSend allows sending iff the identity has a membership in the room.
// Membership is read at call time: a kicked user fails this check even if
// the connection authenticated earlier.
func (g *AuthorizationGate) CanSend(userID, roomID int64) (*Denial, error) {
	_, err := g.store.GetMembership(userID, roomID)
	if errors.Is(err, database.ErrMembershipNotFound) {
		return deny(protocol.CodeNotMember, "no membership in this room"), nil
	}
	if err != nil {
		return nil, err
	}
	return nil, nil
}

// CanEdit allows editing iff the room policy permits edits and the identity
// authored the message. Non-authors are refused even when they are admins;
// that is a deliberate policy choice, not an oversight.
func (g *AuthorizationGate) CanEdit(userID int64, msg *database.Message, policy database.RoomPolicy) *Denial {
	if !policy.AllowEditMessages {
		return deny(protocol.CodePolicyDisabled, "room policy disables message edits")
	}
	if msg.AuthorID != userID {
		return deny(protocol.CodeNotAuthor, "only the author may edit a message")
	}
	return nil
}

// CanDelete allows deleting iff the room policy permits deletes and the
// identity authored the message. Admins get no bypass here either.
func (g *AuthorizationGate) CanDelete(userID int64, msg *database.Message, policy database.RoomPolicy) *Denial {
	if !policy.AllowDeleteMessages {
		return deny(protocol.CodePolicyDisabled, "room policy disables message deletes")
	}
	if msg.AuthorID != userID {
		return deny(protocol.CodeNotAuthor, "only the author may delete a message")
	}
	return nil
}

// CanChangeSettings allows policy changes iff the identity holds an admin
// membership in the room.
func (g *AuthorizationGate) CanChangeSettings(userID, roomID int64) (*Denial, error) {
	return g.requireAdmin(userID, roomID)
}

// CanKick allows kicking iff the identity holds an admin membership and the
// target is not the identity itself.
func (g *AuthorizationGate) CanKick(userID, roomID, targetUserID int64) (*Denial, error) {
	if targetUserID == userID {
		return deny(protocol.CodeConflict, "cannot kick yourself"), nil
	}
	return g.requireAdmin(userID, roomID)
}

func (g *AuthorizationGate) requireAdmin(userID, roomID int64) (*Denial, error) {
	membership, err := g.store.GetMembership(userID, roomID)
	if errors.Is(err, database.ErrMembershipNotFound) {
		return deny(protocol.CodeNotAdmin, "no membership in this room"), nil
	}
	if err != nil {
		return nil, err
	}
	if !membership.IsAdmin {
		return deny(protocol.CodeNotAdmin, "admin membership required"), nil
	}
	return nil, nil
}
