// Copyright 2024 New Vector Ltd.
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

package types

import (
	"bytes"
	"encoding/json"
	"fmt"

	"github.com/matrix-org/gomatrixserverlib/spec"
	"github.com/tidwall/gjson"
)

// Event is an immutable PDU. It is always handled together with the rules
// of the room version it belongs to, and relationships to other events are
// expressed through event IDs only.
type Event struct {
	eventID  string
	json     []byte
	rules    RoomVersionRules
	redacted bool
	fields   eventFields
}

type eventFields struct {
	RoomID         string          `json:"room_id"`
	Sender         string          `json:"sender"`
	Type           string          `json:"type"`
	StateKey       *string         `json:"state_key,omitempty"`
	Content        json.RawMessage `json:"content"`
	PrevEvents     []string        `json:"prev_events"`
	AuthEvents     []string        `json:"auth_events"`
	Redacts        string          `json:"redacts,omitempty"`
	Depth          int64           `json:"depth"`
	OriginServerTS spec.Timestamp  `json:"origin_server_ts"`
}

// NewEventFromJSON builds an event from its JSON, deriving the event ID
// from the reference hash. The unsigned section is dropped.
func NewEventFromJSON(raw []byte, version RoomVersion) (*Event, error) {
	rules, err := RulesFor(version)
	if err != nil {
		return nil, err
	}
	stripped, err := StripUnsigned(raw)
	if err != nil {
		return nil, err
	}
	eventID, err := EventIDFromJSON(stripped, rules)
	if err != nil {
		return nil, err
	}
	return newEvent(eventID, stripped, rules, false)
}

// NewEventFromStoredJSON builds an event from JSON that has been validated
// before, trusting the given event ID.
func NewEventFromStoredJSON(eventID string, raw []byte, version RoomVersion, redacted bool) (*Event, error) {
	rules, err := RulesFor(version)
	if err != nil {
		return nil, err
	}
	return newEvent(eventID, raw, rules, redacted)
}

func newEvent(eventID string, raw []byte, rules RoomVersionRules, redacted bool) (*Event, error) {
	e := &Event{
		eventID:  eventID,
		json:     raw,
		rules:    rules,
		redacted: redacted,
	}
	if err := json.Unmarshal(raw, &e.fields); err != nil {
		return nil, fmt.Errorf("json.Unmarshal: %w", err)
	}
	if rules.RedactsInContent {
		e.fields.Redacts = gjson.GetBytes(e.fields.Content, "redacts").Str
	}
	return e, nil
}

// Redact returns the redacted form of the event. The event ID is unchanged.
func (e *Event) Redact() (*Event, error) {
	redacted, err := RedactEventJSON(e.json, e.rules)
	if err != nil {
		return nil, err
	}
	return newEvent(e.eventID, redacted, e.rules, true)
}

func (e *Event) EventID() string                { return e.eventID }
func (e *Event) RoomID() string                 { return e.fields.RoomID }
func (e *Event) Sender() string                 { return e.fields.Sender }
func (e *Event) Type() string                   { return e.fields.Type }
func (e *Event) StateKey() *string              { return e.fields.StateKey }
func (e *Event) Content() []byte                { return e.fields.Content }
func (e *Event) PrevEventIDs() []string         { return e.fields.PrevEvents }
func (e *Event) AuthEventIDs() []string         { return e.fields.AuthEvents }
func (e *Event) Depth() int64                   { return e.fields.Depth }
func (e *Event) OriginServerTS() spec.Timestamp { return e.fields.OriginServerTS }
func (e *Event) Redacts() string                { return e.fields.Redacts }
func (e *Event) JSON() []byte                   { return e.json }
func (e *Event) Redacted() bool                 { return e.redacted }
func (e *Event) Version() RoomVersion           { return e.rules.Version }
func (e *Event) VersionRules() RoomVersionRules { return e.rules }

// StateKeyEquals returns true if the event is a state event with the given state key.
func (e *Event) StateKeyEquals(stateKey string) bool {
	return e.fields.StateKey != nil && *e.fields.StateKey == stateKey
}

// IsState returns true if the event has a state key.
func (e *Event) IsState() bool {
	return e.fields.StateKey != nil
}

// StateTuple returns the slot the event fills, if it is a state event.
func (e *Event) StateTuple() (StateTuple, bool) {
	if e.fields.StateKey == nil {
		return StateTuple{}, false
	}
	return StateTuple{EventType: e.fields.Type, StateKey: *e.fields.StateKey}, true
}

// Membership returns content.membership of an m.room.member event.
func (e *Event) Membership() (string, error) {
	if e.fields.Type != MRoomMember {
		return "", fmt.Errorf("%s is not a membership event", e.eventID)
	}
	membership := gjson.GetBytes(e.fields.Content, "membership")
	if membership.Type != gjson.String {
		return "", fmt.Errorf("%s has no membership", e.eventID)
	}
	return membership.Str, nil
}

// SameJSON returns true if both events have byte-identical JSON.
func (e *Event) SameJSON(other *Event) bool {
	return other != nil && bytes.Equal(e.json, other.json)
}
