// Copyright 2024 New Vector Ltd.
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

package types

import (
	"fmt"

	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"
	"go.mau.fi/util/exgjson"
)

var topLevelKeysV1 = map[string]struct{}{
	"event_id":         {},
	"type":             {},
	"room_id":          {},
	"sender":           {},
	"state_key":        {},
	"content":          {},
	"hashes":           {},
	"signatures":       {},
	"depth":            {},
	"prev_events":      {},
	"prev_state":       {},
	"auth_events":      {},
	"origin":           {},
	"origin_server_ts": {},
	"membership":       {},
}

var topLevelKeysV11 = map[string]struct{}{
	"event_id":         {},
	"type":             {},
	"room_id":          {},
	"sender":           {},
	"state_key":        {},
	"content":          {},
	"hashes":           {},
	"signatures":       {},
	"depth":            {},
	"prev_events":      {},
	"auth_events":      {},
	"origin_server_ts": {},
}

// contentKeysToKeep returns the content keys preserved for an event type,
// and whether the whole content is preserved.
func contentKeysToKeep(eventType string, alg redactionAlgorithm) (keys []string, all bool) {
	switch eventType {
	case MRoomMember:
		keys = []string{"membership"}
		if alg >= redactionV9 {
			keys = append(keys, "join_authorised_via_users_server")
		}
	case MRoomCreate:
		if alg >= redactionV11 {
			return nil, true
		}
		keys = []string{"creator"}
	case MRoomJoinRules:
		keys = []string{"join_rule"}
		if alg >= redactionV8 {
			keys = append(keys, "allow")
		}
	case MRoomPowerLevels:
		keys = []string{"ban", "events", "events_default", "kick", "redact", "state_default", "users", "users_default"}
		if alg >= redactionV11 {
			keys = append(keys, "invite")
		}
	case MRoomHistoryVisibility:
		keys = []string{"history_visibility"}
	case MRoomAliases:
		if alg == redactionV1 {
			keys = []string{"aliases"}
		}
	case MRoomRedaction:
		if alg >= redactionV11 {
			keys = []string{"redacts"}
		}
	}
	return keys, false
}

// RedactEventJSON strips an event down to the keys that survive redaction
// in the given room version.
func RedactEventJSON(raw []byte, rules RoomVersionRules) ([]byte, error) {
	event := gjson.ParseBytes(raw)
	if !event.IsObject() {
		return nil, fmt.Errorf("event is not a JSON object")
	}
	topLevel := topLevelKeysV1
	if rules.redaction >= redactionV11 {
		topLevel = topLevelKeysV11
	}

	out := []byte("{}")
	var err error
	event.ForEach(func(key, value gjson.Result) bool {
		if key.Str == "content" {
			return true
		}
		if _, ok := topLevel[key.Str]; ok {
			out, err = sjson.SetRawBytes(out, exgjson.Path(key.Str), []byte(value.Raw))
		}
		return err == nil
	})
	if err != nil {
		return nil, fmt.Errorf("sjson.SetRawBytes: %w", err)
	}

	content := event.Get("content")
	newContent := []byte("{}")
	keys, all := contentKeysToKeep(event.Get("type").Str, rules.redaction)
	switch {
	case !content.IsObject():
	case all:
		newContent = []byte(content.Raw)
	default:
		for _, key := range keys {
			value := content.Get(exgjson.Path(key))
			if !value.Exists() {
				continue
			}
			if newContent, err = sjson.SetRawBytes(newContent, exgjson.Path(key), []byte(value.Raw)); err != nil {
				return nil, fmt.Errorf("sjson.SetRawBytes(%q): %w", key, err)
			}
		}
		if rules.redaction >= redactionV11 && event.Get("type").Str == MRoomMember {
			signed := content.Get("third_party_invite.signed")
			if signed.Exists() {
				if newContent, err = sjson.SetRawBytes(newContent, "third_party_invite.signed", []byte(signed.Raw)); err != nil {
					return nil, fmt.Errorf("sjson.SetRawBytes(third_party_invite.signed): %w", err)
				}
			}
		}
	}
	if out, err = sjson.SetRawBytes(out, "content", newContent); err != nil {
		return nil, fmt.Errorf("sjson.SetRawBytes(content): %w", err)
	}
	return out, nil
}
