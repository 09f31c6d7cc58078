package types_test

import (
	"sort"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/element-hq/fedcore/roomserver/types"
	"github.com/element-hq/fedcore/test"
)

func TestStateEntrySorter(t *testing.T) {
	t.Parallel()
	entries := []types.StateEntry{
		{StateKeyTuple: types.StateKeyTuple{EventTypeNID: 2, EventStateKeyNID: 1}, EventNID: 4},
		{StateKeyTuple: types.StateKeyTuple{EventTypeNID: 1, EventStateKeyNID: 2}, EventNID: 3},
		{StateKeyTuple: types.StateKeyTuple{EventTypeNID: 1, EventStateKeyNID: 2}, EventNID: 1},
		{StateKeyTuple: types.StateKeyTuple{EventTypeNID: 1, EventStateKeyNID: 1}, EventNID: 5},
	}
	sort.Sort(types.StateEntrySorter(entries))
	assert.Equal(t, []types.EventNID{5, 1, 3, 4}, []types.EventNID{
		entries[0].EventNID, entries[1].EventNID, entries[2].EventNID, entries[3].EventNID,
	})

	dups := types.DuplicateStateKeys(entries)
	assert.Len(t, dups, 2)
}

func TestStateMapTuplesSorted(t *testing.T) {
	t.Parallel()
	m := types.StateMap{
		{EventType: "m.room.member", StateKey: "@b:x"}: "$3",
		{EventType: "m.room.create"}:                   "$1",
		{EventType: "m.room.member", StateKey: "@a:x"}: "$2",
	}
	assert.Equal(t, []types.StateTuple{
		{EventType: "m.room.create"},
		{EventType: "m.room.member", StateKey: "@a:x"},
		{EventType: "m.room.member", StateKey: "@b:x"},
	}, m.Tuples())
	assert.Equal(t, []string{"$1", "$2", "$3"}, m.EventIDs())
	assert.Equal(t, "$1", m.Create())

	cp := m.Copy()
	cp[types.StateTuple{EventType: "m.room.name"}] = "$4"
	assert.Len(t, m, 3)
}

func TestServersFromMemberships(t *testing.T) {
	t.Parallel()
	alice := test.NewUser(t)
	bob := test.NewUser(t, test.WithServer(test.NewServer(t, "bob.example")))
	charlie := test.NewUser(t, test.WithServer(test.NewServer(t, "charlie.example")))
	room := test.NewRoom(t, alice)
	room.CreateAndInsert(t, bob, types.MRoomMember, map[string]interface{}{"membership": "join"}, test.WithStateKey(bob.ID))
	room.CreateAndInsert(t, charlie, types.MRoomMember, map[string]interface{}{"membership": "join"}, test.WithStateKey(charlie.ID))
	room.CreateAndInsert(t, charlie, types.MRoomMember, map[string]interface{}{"membership": "leave"}, test.WithStateKey(charlie.ID))

	state := room.CurrentState()
	var members []*types.Event
	for tuple, eventID := range state {
		if tuple.EventType == types.MRoomMember {
			members = append(members, room.Event(eventID))
		}
	}
	assert.Equal(t, []string{"bob.example", "test"}, types.ServersFromMemberships(members))
}

func TestMembership(t *testing.T) {
	t.Parallel()
	alice := test.NewUser(t)
	room := test.NewRoom(t, alice)
	for _, ev := range room.Events() {
		m, err := ev.Membership()
		if ev.Type() == types.MRoomMember {
			assert.NoError(t, err)
			assert.Equal(t, types.MembershipJoin, m)
		} else {
			assert.Error(t, err)
		}
	}
}
