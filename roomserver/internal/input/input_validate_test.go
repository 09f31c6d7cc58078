package input

import (
	"context"
	"strings"
	"testing"

	"github.com/matrix-org/gomatrixserverlib/spec"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tidwall/sjson"

	"github.com/element-hq/fedcore/roomserver/types"
	"github.com/element-hq/fedcore/test"
)

type memoryEvents map[string]*types.StoredEvent

func (m memoryEvents) Event(ctx context.Context, eventID string) (*types.StoredEvent, error) {
	return m[eventID], nil
}

func TestValidateStructure(t *testing.T) {
	t.Parallel()
	alice := test.NewUser(t)
	room := test.NewRoom(t, alice)
	msg := room.CreateEvent(t, alice, "m.room.message", map[string]interface{}{"body": "hello"})
	validator := &Validator{DB: memoryEvents{}, Keys: newFakeKeys(alice.Server)}

	ev, err := validator.Validate(context.Background(), alice.Server.Name, msg.JSON(), room.Version)
	require.NoError(t, err)
	assert.Equal(t, msg.EventID(), ev.EventID())
	assert.False(t, ev.Redacted())

	manyIDs := make([]string, 21)
	for i := range manyIDs {
		manyIDs[i] = "$prev"
	}
	tests := []struct {
		name  string
		path  string
		value interface{}
		raw   string
	}{
		{name: "event_id present", path: "event_id", value: "$abc"},
		{name: "room_id not a room", path: "room_id", value: "#alias:test"},
		{name: "sender not a user", path: "sender", value: "alice"},
		{name: "type not a string", path: "type", value: 1},
		{name: "content not an object", path: "content", value: "hello"},
		{name: "state_key not a string", path: "state_key", value: 1},
		{name: "negative depth", path: "depth", value: -1},
		{name: "fractional depth", path: "depth", raw: "1.5"},
		{name: "float timestamp", path: "origin_server_ts", raw: "1e12"},
		{name: "too many prev events", path: "prev_events", value: manyIDs},
		{name: "prev event not an ID", path: "prev_events", value: []string{"abc"}},
		{name: "auth events not a list", path: "auth_events", value: "$abc"},
		{name: "missing hash", path: "hashes", value: map[string]string{}},
		{name: "signatures not an object", path: "signatures", value: []string{}},
		{name: "number beyond canonical range", path: "content.big", raw: "9007199254740993"},
		{name: "oversized", path: "content.body", value: strings.Repeat("a", maxEventSize)},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			var raw []byte
			var err error
			if tt.raw != "" {
				raw, err = sjson.SetRawBytes(msg.JSON(), tt.path, []byte(tt.raw))
			} else {
				raw, err = sjson.SetBytes(msg.JSON(), tt.path, tt.value)
			}
			require.NoError(t, err)
			_, err = validator.Validate(context.Background(), alice.Server.Name, raw, room.Version)
			assert.True(t, types.IsRejected(err), "got %v", err)
		})
	}
}

func TestValidateUnknownRoomVersion(t *testing.T) {
	t.Parallel()
	alice := test.NewUser(t)
	room := test.NewRoom(t, alice)
	validator := &Validator{DB: memoryEvents{}, Keys: newFakeKeys(alice.Server)}

	_, err := validator.Validate(context.Background(), alice.Server.Name, room.Events()[0].JSON(), "2")
	assert.True(t, types.IsRejected(err), "got %v", err)
}

func TestValidateSignatures(t *testing.T) {
	t.Parallel()
	alice := test.NewUser(t)
	room := test.NewRoom(t, alice)
	msg := room.CreateEvent(t, alice, "m.room.message", map[string]interface{}{"body": "hello"})
	impostor := test.NewServer(t, alice.Server.Name)

	tests := []struct {
		name string
		keys *fakeKeys
		raw  func(t *testing.T) []byte
	}{
		{
			name: "no keys for sender",
			keys: newFakeKeys(),
			raw:  func(t *testing.T) []byte { return msg.JSON() },
		},
		{
			name: "signed with another key",
			keys: newFakeKeys(impostor),
			raw:  func(t *testing.T) []byte { return msg.JSON() },
		},
		{
			name: "signature removed",
			keys: newFakeKeys(alice.Server),
			raw: func(t *testing.T) []byte {
				raw, err := sjson.SetBytes(msg.JSON(), "signatures", map[string]interface{}{})
				require.NoError(t, err)
				return raw
			},
		},
		{
			name: "signed fields changed",
			keys: newFakeKeys(alice.Server),
			raw: func(t *testing.T) []byte {
				raw, err := sjson.SetBytes(msg.JSON(), "depth", msg.Depth()+1)
				require.NoError(t, err)
				return raw
			},
		},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			validator := &Validator{DB: memoryEvents{}, Keys: tt.keys}
			_, err := validator.Validate(context.Background(), alice.Server.Name, tt.raw(t), room.Version)
			assert.True(t, types.IsRejected(err), "got %v", err)
		})
	}
}

func TestValidateContentHashMismatch(t *testing.T) {
	t.Parallel()
	alice := test.NewUser(t)
	room := test.NewRoom(t, alice)
	msg := room.CreateEvent(t, alice, "m.room.message", map[string]interface{}{"body": "hello"})
	tampered, err := sjson.SetBytes(msg.JSON(), "content.body", "goodbye")
	require.NoError(t, err)

	t.Run("accepted in redacted form", func(t *testing.T) {
		t.Parallel()
		validator := &Validator{DB: memoryEvents{}, Keys: newFakeKeys(alice.Server)}
		ev, err := validator.Validate(context.Background(), alice.Server.Name, tampered, room.Version)
		require.NoError(t, err)
		assert.True(t, ev.Redacted())
		assert.Equal(t, msg.EventID(), ev.EventID())
		assert.JSONEq(t, `{}`, string(ev.Content()))
	})

	t.Run("rejected when an intact copy is stored", func(t *testing.T) {
		t.Parallel()
		stored := memoryEvents{msg.EventID(): {Event: msg, EventNID: 1}}
		validator := &Validator{DB: stored, Keys: newFakeKeys(alice.Server)}
		_, err := validator.Validate(context.Background(), alice.Server.Name, tampered, room.Version)
		assert.True(t, types.IsRejected(err), "got %v", err)
	})
}

func TestValidateRestrictedJoinSigners(t *testing.T) {
	t.Parallel()
	alice := test.NewUser(t)
	remote := test.NewServer(t, "remote")
	bob := test.NewUser(t, test.WithServer(remote))
	room := test.NewRoom(t, alice)

	join := room.CreateEvent(t, bob, types.MRoomMember, map[string]interface{}{
		"membership":                       types.MembershipJoin,
		"join_authorised_via_users_server": alice.ID,
	}, test.WithStateKey(bob.ID))
	validator := &Validator{DB: memoryEvents{}, Keys: newFakeKeys(alice.Server, remote)}

	assert.ElementsMatch(t, []spec.ServerName{remote.Name, alice.Server.Name}, requiredSigners(join))

	_, err := validator.Validate(context.Background(), remote.Name, join.JSON(), room.Version)
	assert.True(t, types.IsRejected(err), "join without the authorising server's signature: %v", err)

	cosigned, err := types.SignEventJSON(join.JSON(), join.VersionRules(), string(alice.Server.Name), alice.Server.Key.ID, alice.Server.Key.Priv)
	require.NoError(t, err)
	ev, err := validator.Validate(context.Background(), remote.Name, cosigned, room.Version)
	require.NoError(t, err)
	assert.Equal(t, join.EventID(), ev.EventID())
}
