package types_test

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"

	"github.com/element-hq/fedcore/roomserver/types"
	"github.com/element-hq/fedcore/test"
)

func TestEventIDAlphabet(t *testing.T) {
	t.Parallel()
	alice := test.NewUser(t)
	for _, version := range types.SupportedRoomVersions() {
		version := version
		t.Run(string(version), func(t *testing.T) {
			t.Parallel()
			room := test.NewRoom(t, alice, test.RoomVersion(version))
			for _, ev := range room.Events() {
				require.True(t, strings.HasPrefix(ev.EventID(), "$"))
				assert.NotContains(t, ev.EventID(), "=")
				if version == "3" {
					continue
				}
				assert.NotContains(t, ev.EventID(), "+", "%s must use the URL-safe alphabet", ev.EventID())
				assert.NotContains(t, ev.EventID(), "/", "%s must use the URL-safe alphabet", ev.EventID())
			}
		})
	}
}

func TestEventIDIsStableAcrossUnsigned(t *testing.T) {
	t.Parallel()
	alice := test.NewUser(t)
	room := test.NewRoom(t, alice)
	ev := room.CreateAndInsert(t, alice, "m.room.message", map[string]interface{}{"body": "hello"})

	withUnsigned, err := sjson.SetBytes(ev.JSON(), "unsigned.age", 1234)
	require.NoError(t, err)
	again, err := types.NewEventFromJSON(withUnsigned, room.Version)
	require.NoError(t, err)
	assert.Equal(t, ev.EventID(), again.EventID())
	assert.False(t, gjson.GetBytes(again.JSON(), "unsigned").Exists(), "unsigned must be stripped")
}

func TestContentHash(t *testing.T) {
	t.Parallel()
	alice := test.NewUser(t)
	room := test.NewRoom(t, alice)
	ev := room.CreateAndInsert(t, alice, "m.room.message", map[string]interface{}{"body": "hello"})

	require.NoError(t, types.CheckContentHash(ev.JSON()))

	tampered, err := sjson.SetBytes(ev.JSON(), "content.body", "goodbye")
	require.NoError(t, err)
	assert.Error(t, types.CheckContentHash(tampered))

	noHash, err := sjson.DeleteBytes(ev.JSON(), "hashes")
	require.NoError(t, err)
	assert.Error(t, types.CheckContentHash(noHash))
}

func TestSignatureCoversRedactedForm(t *testing.T) {
	t.Parallel()
	alice := test.NewUser(t)
	room := test.NewRoom(t, alice)
	ev := room.CreateAndInsert(t, alice, "m.room.message", map[string]interface{}{"body": "hello"})
	rules := ev.VersionRules()
	key := alice.Server.Key

	keyIDs := types.SignatureKeyIDs(ev.JSON(), string(alice.Server.Name))
	require.Len(t, keyIDs, 1)
	assert.Equal(t, key.ID, keyIDs[0])
	require.NoError(t, types.VerifyEventSignature(ev.JSON(), rules, string(alice.Server.Name), key.ID, key.Pub))

	// Changing content that redaction removes keeps the signature valid.
	tampered, err := sjson.SetBytes(ev.JSON(), "content.body", "goodbye")
	require.NoError(t, err)
	assert.NoError(t, types.VerifyEventSignature(tampered, rules, string(alice.Server.Name), key.ID, key.Pub))

	// Changing a key that survives redaction does not.
	tampered, err = sjson.SetBytes(ev.JSON(), "depth", ev.Depth()+1)
	require.NoError(t, err)
	assert.Error(t, types.VerifyEventSignature(tampered, rules, string(alice.Server.Name), key.ID, key.Pub))

	other := test.NewServer(t, "other")
	assert.Error(t, types.VerifyEventSignature(ev.JSON(), rules, string(alice.Server.Name), key.ID, other.Key.Pub))
}

func TestCheckStrictNumbers(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name    string
		json    string
		wantErr bool
	}{
		{name: "integers", json: `{"a":1,"b":[-2,3],"c":{"d":9007199254740991}}`},
		{name: "no numbers", json: `{"a":"1.5"}`},
		{name: "float", json: `{"a":1.5}`, wantErr: true},
		{name: "exponent", json: `{"a":1e3}`, wantErr: true},
		{name: "nested float", json: `{"a":{"b":[1,2.0]}}`, wantErr: true},
		{name: "too large", json: `{"a":9007199254740992}`, wantErr: true},
		{name: "too small", json: `{"a":-9007199254740992}`, wantErr: true},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			err := types.CheckStrictNumbers([]byte(tt.json))
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestCanonicalJSON(t *testing.T) {
	t.Parallel()
	out, err := types.CanonicalJSON([]byte(`{ "b": 1, "a": {"d": true, "c": null} }`))
	require.NoError(t, err)
	assert.Equal(t, `{"a":{"c":null,"d":true},"b":1}`, string(out))

	_, err = types.CanonicalJSON([]byte(`{"a":`))
	assert.Error(t, err)
}

func TestRulesForUnsupportedVersion(t *testing.T) {
	t.Parallel()
	for _, version := range []types.RoomVersion{"1", "2", "12", "org.example.custom", ""} {
		_, err := types.RulesFor(version)
		assert.True(t, types.IsRejected(err), "version %q should be rejected", version)
	}
	for _, version := range types.SupportedRoomVersions() {
		_, err := types.RulesFor(version)
		assert.NoError(t, err)
	}
	assert.Equal(t, types.RoomVersion("3"), types.SupportedRoomVersions()[0])
}
