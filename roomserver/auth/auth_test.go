package auth

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/element-hq/fedcore/roomserver/types"
	"github.com/element-hq/fedcore/test"
)

type memoryEvents struct {
	events map[string]types.StoredEvent
}

func newMemoryEvents(evs ...*types.Event) *memoryEvents {
	m := &memoryEvents{events: map[string]types.StoredEvent{}}
	for _, ev := range evs {
		m.events[ev.EventID()] = types.StoredEvent{Event: ev}
	}
	return m
}

func (m *memoryEvents) EventsByID(_ context.Context, eventIDs []string) ([]types.StoredEvent, error) {
	var out []types.StoredEvent
	for _, id := range eventIDs {
		if se, ok := m.events[id]; ok {
			out = append(out, se)
		}
	}
	return out, nil
}

func member(membership string) map[string]interface{} {
	return map[string]interface{}{"membership": membership}
}

func TestAuthorizeInitialRoomState(t *testing.T) {
	t.Parallel()
	for _, version := range types.SupportedRoomVersions() {
		version := version
		t.Run(string(version), func(t *testing.T) {
			t.Parallel()
			alice := test.NewUser(t)
			room := test.NewRoom(t, alice, test.RoomVersion(version))
			db := newMemoryEvents(room.Events()...)
			a := NewAuthorizer(db)

			state := types.StateMap{}
			for _, ev := range room.Events() {
				require.NoError(t, a.Authorize(context.Background(), ev, state), "event %s (%s)", ev.EventID(), ev.Type())
				tuple, _ := ev.StateTuple()
				state[tuple] = ev.EventID()
			}
		})
	}
}

func TestAuthorizeMembership(t *testing.T) {
	t.Parallel()
	alice := test.NewUser(t)
	bob := test.NewUser(t, test.WithServer(test.NewServer(t, "bob.example")))

	tests := []struct {
		name    string
		preset  test.Preset
		build   func(t *testing.T, room *test.Room) *types.Event
		allowed bool
	}{
		{
			name:   "join public room",
			preset: test.PresetPublicChat,
			build: func(t *testing.T, room *test.Room) *types.Event {
				return room.CreateEvent(t, bob, types.MRoomMember, member("join"), test.WithStateKey(bob.ID))
			},
			allowed: true,
		},
		{
			name:   "join invite-only room without invite",
			preset: test.PresetPrivateChat,
			build: func(t *testing.T, room *test.Room) *types.Event {
				return room.CreateEvent(t, bob, types.MRoomMember, member("join"), test.WithStateKey(bob.ID))
			},
		},
		{
			name:   "join invite-only room after invite",
			preset: test.PresetPrivateChat,
			build: func(t *testing.T, room *test.Room) *types.Event {
				room.CreateAndInsert(t, alice, types.MRoomMember, member("invite"), test.WithStateKey(bob.ID))
				return room.CreateEvent(t, bob, types.MRoomMember, member("join"), test.WithStateKey(bob.ID))
			},
			allowed: true,
		},
		{
			name:   "join on behalf of someone else",
			preset: test.PresetPublicChat,
			build: func(t *testing.T, room *test.Room) *types.Event {
				return room.CreateEvent(t, alice, types.MRoomMember, member("join"), test.WithStateKey(bob.ID))
			},
		},
		{
			name:   "invite by non-member",
			preset: test.PresetPublicChat,
			build: func(t *testing.T, room *test.Room) *types.Event {
				return room.CreateEvent(t, bob, types.MRoomMember, member("invite"), test.WithStateKey("@carol:bob.example"))
			},
		},
		{
			name:   "kick by creator",
			preset: test.PresetPublicChat,
			build: func(t *testing.T, room *test.Room) *types.Event {
				room.CreateAndInsert(t, bob, types.MRoomMember, member("join"), test.WithStateKey(bob.ID))
				return room.CreateEvent(t, alice, types.MRoomMember, member("leave"), test.WithStateKey(bob.ID))
			},
			allowed: true,
		},
		{
			name:   "ban of creator by unprivileged user",
			preset: test.PresetPublicChat,
			build: func(t *testing.T, room *test.Room) *types.Event {
				room.CreateAndInsert(t, bob, types.MRoomMember, member("join"), test.WithStateKey(bob.ID))
				return room.CreateEvent(t, bob, types.MRoomMember, member("ban"), test.WithStateKey(alice.ID))
			},
		},
		{
			name:   "join while banned",
			preset: test.PresetPublicChat,
			build: func(t *testing.T, room *test.Room) *types.Event {
				room.CreateAndInsert(t, alice, types.MRoomMember, member("ban"), test.WithStateKey(bob.ID))
				return room.CreateEvent(t, bob, types.MRoomMember, member("join"), test.WithStateKey(bob.ID))
			},
		},
		{
			name:   "leave after join",
			preset: test.PresetPublicChat,
			build: func(t *testing.T, room *test.Room) *types.Event {
				room.CreateAndInsert(t, bob, types.MRoomMember, member("join"), test.WithStateKey(bob.ID))
				return room.CreateEvent(t, bob, types.MRoomMember, member("leave"), test.WithStateKey(bob.ID))
			},
			allowed: true,
		},
		{
			name:   "knock on public room",
			preset: test.PresetPublicChat,
			build: func(t *testing.T, room *test.Room) *types.Event {
				return room.CreateEvent(t, bob, types.MRoomMember, member("knock"), test.WithStateKey(bob.ID))
			},
		},
		{
			name:   "knock on knockable room",
			preset: test.PresetPrivateChat,
			build: func(t *testing.T, room *test.Room) *types.Event {
				room.CreateAndInsert(t, alice, types.MRoomJoinRules, map[string]interface{}{"join_rule": "knock"}, test.WithStateKey(""))
				return room.CreateEvent(t, bob, types.MRoomMember, member("knock"), test.WithStateKey(bob.ID))
			},
			allowed: true,
		},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			room := test.NewRoom(t, alice, test.RoomPreset(tt.preset))
			ev := tt.build(t, room)
			a := NewAuthorizer(newMemoryEvents(room.Events()...))
			err := a.Authorize(context.Background(), ev, room.CurrentState())
			if tt.allowed {
				assert.NoError(t, err)
			} else {
				assert.True(t, types.IsRejected(err), "expected rejection, got %v", err)
			}
		})
	}
}

func TestAuthorizeMessagesAndPowerLevels(t *testing.T) {
	t.Parallel()
	alice := test.NewUser(t)
	bob := test.NewUser(t)
	room := test.NewRoom(t, alice)

	outsider := room.CreateEvent(t, bob, "m.room.message", map[string]interface{}{"body": "hi"})
	room.CreateAndInsert(t, bob, types.MRoomMember, member("join"), test.WithStateKey(bob.ID))
	message := room.CreateEvent(t, bob, "m.room.message", map[string]interface{}{"body": "hi"})
	topic := room.CreateEvent(t, bob, "m.room.topic", map[string]interface{}{"topic": "x"}, test.WithStateKey(""))
	promote := room.CreateEvent(t, bob, types.MRoomPowerLevels, map[string]interface{}{
		"users": map[string]int64{alice.ID: 100, bob.ID: 100},
	}, test.WithStateKey(""))
	aliceTopic := room.CreateEvent(t, alice, "m.room.topic", map[string]interface{}{"topic": "x"}, test.WithStateKey(""))
	privateKey := room.CreateEvent(t, alice, "m.custom", map[string]interface{}{}, test.WithStateKey(bob.ID))

	a := NewAuthorizer(newMemoryEvents(room.Events()...))
	state := room.CurrentState()
	ctx := context.Background()

	assert.True(t, types.IsRejected(a.Authorize(ctx, outsider, nil)), "non-member message")
	assert.NoError(t, a.Authorize(ctx, message, state))
	assert.True(t, types.IsRejected(a.Authorize(ctx, topic, state)), "state_default is 50")
	assert.True(t, types.IsRejected(a.Authorize(ctx, promote, state)), "bob cannot raise his own level")
	assert.NoError(t, a.Authorize(ctx, aliceTopic, state))
	assert.True(t, types.IsRejected(a.Authorize(ctx, privateKey, state)), "state keys starting with @ belong to the sender")
}

func TestAuthorizeAuthEventChecks(t *testing.T) {
	t.Parallel()
	alice := test.NewUser(t)
	room := test.NewRoom(t, alice)
	other := test.NewRoom(t, alice)
	ctx := context.Background()

	ev := room.CreateEvent(t, alice, "m.room.message", map[string]interface{}{"body": "hi"})

	t.Run("missing auth event", func(t *testing.T) {
		t.Parallel()
		a := NewAuthorizer(newMemoryEvents())
		err := a.Authorize(ctx, ev, nil)
		var missing types.MissingAuthEventError
		require.ErrorAs(t, err, &missing)
		assert.ElementsMatch(t, ev.AuthEventIDs(), missing.MissingEventIDs)
		assert.True(t, types.IsMissingDependency(err))
	})

	t.Run("rejected auth event", func(t *testing.T) {
		t.Parallel()
		db := newMemoryEvents(room.Events()...)
		pl := db.events[room.CurrentState()[types.StateTuple{EventType: types.MRoomPowerLevels}]]
		pl.Rejected = true
		db.events[pl.EventID()] = pl
		err := NewAuthorizer(db).Authorize(ctx, ev, nil)
		assert.True(t, types.IsRejected(err))
	})

	t.Run("auth event from another room", func(t *testing.T) {
		t.Parallel()
		foreign := room.CreateEvent(t, alice, "m.room.message", map[string]interface{}{"body": "hi"},
			test.WithAuthIDs([]string{other.CreateEventID()}))
		db := newMemoryEvents(append(room.Events(), other.Events()...)...)
		err := NewAuthorizer(db).Authorize(ctx, foreign, nil)
		assert.True(t, types.IsRejected(err))
	})

	t.Run("create event mismatch", func(t *testing.T) {
		t.Parallel()
		db := newMemoryEvents(append(room.Events(), other.Events()...)...)
		state := room.CurrentState()
		state[types.StateTuple{EventType: types.MRoomCreate}] = other.CreateEventID()
		err := NewAuthorizer(db).Authorize(ctx, ev, state)
		assert.True(t, types.IsRejected(err))
	})

	t.Run("unneeded auth event", func(t *testing.T) {
		t.Parallel()
		ids := append([]string{}, ev.AuthEventIDs()...)
		ids = append(ids, room.CurrentState()[types.StateTuple{EventType: types.MRoomJoinRules}])
		extra := room.CreateEvent(t, alice, "m.room.message", map[string]interface{}{"body": "hi"}, test.WithAuthIDs(ids))
		err := NewAuthorizer(newMemoryEvents(room.Events()...)).Authorize(ctx, extra, nil)
		assert.True(t, types.IsRejected(err))
	})
}

func TestAuthEventTypes(t *testing.T) {
	t.Parallel()
	alice := test.NewUser(t)
	room := test.NewRoom(t, alice)
	rules, err := RulesFor(room.Version)
	require.NoError(t, err)

	join := room.CreateEvent(t, alice, types.MRoomMember, map[string]interface{}{
		"membership":                       "join",
		"join_authorised_via_users_server": "@mod:test",
	}, test.WithStateKey("@new:test"))
	assert.ElementsMatch(t, []types.StateTuple{
		{EventType: types.MRoomCreate},
		{EventType: types.MRoomPowerLevels},
		{EventType: types.MRoomMember, StateKey: alice.ID},
		{EventType: types.MRoomMember, StateKey: "@new:test"},
		{EventType: types.MRoomJoinRules},
		{EventType: types.MRoomMember, StateKey: "@mod:test"},
	}, rules.AuthEventTypes(join))

	assert.Empty(t, rules.AuthEventTypes(room.Events()[0]))
}

func TestCheckEventShape(t *testing.T) {
	t.Parallel()
	alice := test.NewUser(t)
	room := test.NewRoom(t, alice)
	rules, err := RulesFor(room.Version)
	require.NoError(t, err)

	tests := []struct {
		name    string
		ev      *types.Event
		wantErr bool
	}{
		{name: "valid member", ev: room.CreateEvent(t, alice, types.MRoomMember, member("leave"), test.WithStateKey(alice.ID))},
		{name: "unknown membership", ev: room.CreateEvent(t, alice, types.MRoomMember, member("dance"), test.WithStateKey(alice.ID)), wantErr: true},
		{name: "string power level", ev: room.CreateEvent(t, alice, types.MRoomPowerLevels, map[string]interface{}{"ban": "50"}, test.WithStateKey("")), wantErr: true},
		{name: "bad user in power levels", ev: room.CreateEvent(t, alice, types.MRoomPowerLevels, map[string]interface{}{"users": map[string]int{"nobody": 1}}, test.WithStateKey("")), wantErr: true},
		{name: "redaction without target", ev: room.CreateEvent(t, alice, types.MRoomRedaction, map[string]interface{}{}), wantErr: true},
		{name: "redaction", ev: room.CreateEvent(t, alice, types.MRoomRedaction, map[string]interface{}{}, test.WithRedacts("$abc"))},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			err := rules.CheckEventShape(tt.ev)
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestPowerLevelsParsing(t *testing.T) {
	t.Parallel()
	alice := test.NewUser(t)
	room := test.NewRoom(t, alice, test.RoomVersion("9"))
	ev := room.CreateEvent(t, alice, types.MRoomPowerLevels, map[string]interface{}{
		"ban":   "75",
		"kick":  true,
		"users": map[string]interface{}{alice.ID: "90"},
	}, test.WithStateKey(""))

	pl := NewPowerLevelsFromEvent(types.MustRulesFor("9"), ev)
	assert.Equal(t, int64(75), pl.Ban)
	assert.Equal(t, int64(1), pl.Kick)
	assert.Equal(t, int64(90), pl.UserLevel(alice.ID))
	assert.Equal(t, int64(0), pl.UserLevel("@other:test"))
	assert.Equal(t, int64(50), pl.EventLevel("m.room.name", true))
	assert.Equal(t, int64(0), pl.EventLevel("m.room.message", false))

	strict := NewPowerLevelsFromEvent(types.MustRulesFor("10"), ev)
	assert.Equal(t, int64(50), strict.Ban, "strings are ignored from v10")
}
