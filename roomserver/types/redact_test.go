package types_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tidwall/gjson"

	"github.com/element-hq/fedcore/roomserver/types"
)

func TestRedactEventJSON(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name        string
		version     types.RoomVersion
		event       string
		wantContent string
		wantGone    []string
	}{
		{
			name:        "message loses everything",
			version:     "10",
			event:       `{"type":"m.room.message","room_id":"!r:a","sender":"@u:a","content":{"body":"hi"},"unsigned":{"age":1},"origin":"a"}`,
			wantContent: `{}`,
			wantGone:    []string{"unsigned"},
		},
		{
			name:        "origin dropped in v11",
			version:     "11",
			event:       `{"type":"m.room.message","room_id":"!r:a","sender":"@u:a","content":{},"origin":"a","membership":"join","prev_state":[]}`,
			wantContent: `{}`,
			wantGone:    []string{"origin", "membership", "prev_state"},
		},
		{
			name:        "aliases kept before v6",
			version:     "5",
			event:       `{"type":"m.room.aliases","state_key":"a","content":{"aliases":["#x:a"],"other":1}}`,
			wantContent: `{"aliases":["#x:a"]}`,
		},
		{
			name:        "aliases dropped from v6",
			version:     "6",
			event:       `{"type":"m.room.aliases","state_key":"a","content":{"aliases":["#x:a"]}}`,
			wantContent: `{}`,
		},
		{
			name:        "join rules allow kept from v8",
			version:     "8",
			event:       `{"type":"m.room.join_rules","state_key":"","content":{"join_rule":"restricted","allow":[],"x":1}}`,
			wantContent: `{"join_rule":"restricted","allow":[]}`,
		},
		{
			name:        "join rules allow dropped in v7",
			version:     "7",
			event:       `{"type":"m.room.join_rules","state_key":"","content":{"join_rule":"restricted","allow":[]}}`,
			wantContent: `{"join_rule":"restricted"}`,
		},
		{
			name:        "member authorised server kept from v9",
			version:     "9",
			event:       `{"type":"m.room.member","state_key":"@u:a","content":{"membership":"join","join_authorised_via_users_server":"@v:a","displayname":"U"}}`,
			wantContent: `{"membership":"join","join_authorised_via_users_server":"@v:a"}`,
		},
		{
			name:        "member third party signed kept in v11",
			version:     "11",
			event:       `{"type":"m.room.member","state_key":"@u:a","content":{"membership":"invite","third_party_invite":{"display_name":"x","signed":{"token":"t"}}}}`,
			wantContent: `{"membership":"invite","third_party_invite":{"signed":{"token":"t"}}}`,
		},
		{
			name:        "create keeps creator only before v11",
			version:     "10",
			event:       `{"type":"m.room.create","state_key":"","content":{"creator":"@u:a","room_version":"10"}}`,
			wantContent: `{"creator":"@u:a"}`,
		},
		{
			name:        "create keeps all content in v11",
			version:     "11",
			event:       `{"type":"m.room.create","state_key":"","content":{"room_version":"11","m.federate":false}}`,
			wantContent: `{"room_version":"11","m.federate":false}`,
		},
		{
			name:        "power levels invite kept in v11",
			version:     "11",
			event:       `{"type":"m.room.power_levels","state_key":"","content":{"ban":50,"invite":0,"notifications":{"room":50}}}`,
			wantContent: `{"ban":50,"invite":0}`,
		},
		{
			name:        "power levels invite dropped in v10",
			version:     "10",
			event:       `{"type":"m.room.power_levels","state_key":"","content":{"ban":50,"invite":0}}`,
			wantContent: `{"ban":50}`,
		},
		{
			name:        "redaction keeps redacts in v11",
			version:     "11",
			event:       `{"type":"m.room.redaction","content":{"redacts":"$x","reason":"spam"}}`,
			wantContent: `{"redacts":"$x"}`,
		},
		{
			name:        "non-object content replaced",
			version:     "10",
			event:       `{"type":"m.room.message","content":"oops"}`,
			wantContent: `{}`,
		},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			out, err := types.RedactEventJSON([]byte(tt.event), types.MustRulesFor(tt.version))
			require.NoError(t, err)
			assert.JSONEq(t, tt.wantContent, gjson.GetBytes(out, "content").Raw)
			assert.Equal(t, gjson.Get(tt.event, "type").Str, gjson.GetBytes(out, "type").Str)
			for _, key := range tt.wantGone {
				assert.False(t, gjson.GetBytes(out, key).Exists(), "%s should be removed", key)
			}
		})
	}
}

func TestRedactKeepsEventID(t *testing.T) {
	t.Parallel()
	raw := []byte(`{"type":"m.room.message","room_id":"!r:a","sender":"@u:a","depth":3,"origin_server_ts":1,"prev_events":[],"auth_events":[],"content":{"body":"hi"}}`)
	ev, err := types.NewEventFromJSON(raw, "10")
	require.NoError(t, err)

	redacted, err := ev.Redact()
	require.NoError(t, err)
	assert.Equal(t, ev.EventID(), redacted.EventID())
	assert.True(t, redacted.Redacted())
	assert.JSONEq(t, `{}`, string(redacted.Content()))

	recomputed, err := types.NewEventFromJSON(redacted.JSON(), "10")
	require.NoError(t, err)
	assert.Equal(t, ev.EventID(), recomputed.EventID(), "event ID is the hash of the redacted form")
}
