package server

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/aeolun/comms/pkg/database"
	"github.com/aeolun/comms/pkg/protocol"
)

// gateFixture seeds a store with a room owned by alice (admin) and a plain
// member bob, plus carol who has no membership.
type gateFixture struct {
	store *database.MemStore
	gate  *AuthorizationGate
	room  *database.Room
	alice *database.User
	bob   *database.User
	carol *database.User
}

func newGateFixture(t *testing.T) *gateFixture {
	t.Helper()
	store := database.NewMemStore()

	alice, err := store.FindOrCreateUser("alice")
	require.NoError(t, err)
	bob, err := store.FindOrCreateUser("bob")
	require.NoError(t, err)
	carol, err := store.FindOrCreateUser("carol")
	require.NoError(t, err)

	room, err := store.CreateRoom("lobby", alice.ID)
	require.NoError(t, err)
	require.NoError(t, store.AddMembership(bob.ID, room.ID, false))

	return &gateFixture{
		store: store,
		gate:  NewAuthorizationGate(store),
		room:  room,
		alice: alice,
		bob:   bob,
		carol: carol,
	}
}

func (f *gateFixture) setPolicy(t *testing.T, mutate func(*database.RoomPolicy)) {
	t.Helper()
	policy := f.room.Policy
	mutate(&policy)
	require.NoError(t, f.store.UpdateRoomPolicy(f.room.ID, policy))
	room, err := f.store.GetRoom(f.room.ID)
	require.NoError(t, err)
	f.room = room
}

func TestCanJoin(t *testing.T) {
	t.Run("new user joins open room", func(t *testing.T) {
		f := newGateFixture(t)
		denial, err := f.gate.CanJoin(f.carol.ID, f.room, 0)
		require.NoError(t, err)
		require.Nil(t, denial)
	})

	t.Run("new user refused when room closed", func(t *testing.T) {
		f := newGateFixture(t)
		f.setPolicy(t, func(p *database.RoomPolicy) { p.AllowNewUsers = false })

		denial, err := f.gate.CanJoin(f.carol.ID, f.room, 0)
		require.NoError(t, err)
		require.NotNil(t, denial)
		require.Equal(t, protocol.CodePolicyDisabled, denial.Code)
	})

	t.Run("existing member rejoins closed room", func(t *testing.T) {
		f := newGateFixture(t)
		f.setPolicy(t, func(p *database.RoomPolicy) { p.AllowNewUsers = false })

		denial, err := f.gate.CanJoin(f.bob.ID, f.room, 0)
		require.NoError(t, err)
		require.Nil(t, denial)
	})

	t.Run("room at capacity", func(t *testing.T) {
		f := newGateFixture(t)
		f.setPolicy(t, func(p *database.RoomPolicy) { p.MaxUsers = 2 })

		denial, err := f.gate.CanJoin(f.carol.ID, f.room, 2)
		require.NoError(t, err)
		require.NotNil(t, denial)
		require.Equal(t, protocol.CodeRoomFull, denial.Code)
	})
}

func TestCanSend(t *testing.T) {
	f := newGateFixture(t)

	denial, err := f.gate.CanSend(f.bob.ID, f.room.ID)
	require.NoError(t, err)
	require.Nil(t, denial)

	denial, err = f.gate.CanSend(f.carol.ID, f.room.ID)
	require.NoError(t, err)
	require.NotNil(t, denial)
	require.Equal(t, protocol.CodeNotMember, denial.Code)
}

func TestCanEditAndDelete(t *testing.T) {
	f := newGateFixture(t)
	msg, err := f.store.SaveMessage(f.bob.ID, f.room.ID, "hello", protocol.KindText, "")
	require.NoError(t, err)

	t.Run("author edits when policy allows", func(t *testing.T) {
		require.Nil(t, f.gate.CanEdit(f.bob.ID, msg, f.room.Policy))
	})

	t.Run("non-author refused even as admin", func(t *testing.T) {
		denial := f.gate.CanEdit(f.alice.ID, msg, f.room.Policy)
		require.NotNil(t, denial)
		require.Equal(t, protocol.CodeNotAuthor, denial.Code)
	})

	t.Run("edit refused by policy before authorship", func(t *testing.T) {
		policy := f.room.Policy
		policy.AllowEditMessages = false
		// Even the author gets PolicyDisabled, not NotAuthor.
		denial := f.gate.CanEdit(f.bob.ID, msg, policy)
		require.NotNil(t, denial)
		require.Equal(t, protocol.CodePolicyDisabled, denial.Code)
	})

	t.Run("delete disabled by default policy", func(t *testing.T) {
		denial := f.gate.CanDelete(f.bob.ID, msg, f.room.Policy)
		require.NotNil(t, denial)
		require.Equal(t, protocol.CodePolicyDisabled, denial.Code)
	})

	t.Run("author deletes when policy allows", func(t *testing.T) {
		policy := f.room.Policy
		policy.AllowDeleteMessages = true
		require.Nil(t, f.gate.CanDelete(f.bob.ID, msg, policy))

		denial := f.gate.CanDelete(f.alice.ID, msg, policy)
		require.NotNil(t, denial)
		require.Equal(t, protocol.CodeNotAuthor, denial.Code)
	})
}

func TestCanChangeSettings(t *testing.T) {
	f := newGateFixture(t)

	denial, err := f.gate.CanChangeSettings(f.alice.ID, f.room.ID)
	require.NoError(t, err)
	require.Nil(t, denial)

	denial, err = f.gate.CanChangeSettings(f.bob.ID, f.room.ID)
	require.NoError(t, err)
	require.NotNil(t, denial)
	require.Equal(t, protocol.CodeNotAdmin, denial.Code)

	denial, err = f.gate.CanChangeSettings(f.carol.ID, f.room.ID)
	require.NoError(t, err)
	require.NotNil(t, denial)
	require.Equal(t, protocol.CodeNotAdmin, denial.Code)
}

func TestCanKick(t *testing.T) {
	f := newGateFixture(t)

	t.Run("admin kicks member", func(t *testing.T) {
		denial, err := f.gate.CanKick(f.alice.ID, f.room.ID, f.bob.ID)
		require.NoError(t, err)
		require.Nil(t, denial)
	})

	t.Run("self kick is a conflict even for admins", func(t *testing.T) {
		denial, err := f.gate.CanKick(f.alice.ID, f.room.ID, f.alice.ID)
		require.NoError(t, err)
		require.NotNil(t, denial)
		require.Equal(t, protocol.CodeConflict, denial.Code)
	})

	t.Run("non-admin cannot kick", func(t *testing.T) {
		denial, err := f.gate.CanKick(f.bob.ID, f.room.ID, f.alice.ID)
		require.NoError(t, err)
		require.NotNil(t, denial)
		require.Equal(t, protocol.CodeNotAdmin, denial.Code)
	})
}
