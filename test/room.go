// Copyright 2024 New Vector Ltd.
// Copyright 2022 The Matrix.org Foundation C.I.C.
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

package test

import (
	"encoding/json"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/element-hq/fedcore/roomserver/types"
)

type Preset int

var (
	PresetNone               Preset = 0
	PresetPrivateChat        Preset = 1
	PresetPublicChat         Preset = 2
	PresetTrustedPrivateChat Preset = 3

	roomIDCounter = int64(0)
)

// baseTimestamp keeps origin_server_ts stable between test runs.
const baseTimestamp = 1_700_000_000_000

type Room struct {
	ID      string
	Version types.RoomVersion
	preset  Preset
	creator *User

	mu         sync.Mutex
	authEvents types.StateMap
	byID       map[string]*types.Event
	events     []*types.Event
	latest     []string
	ts         int64
}

type roomModifier func(t *testing.T, r *Room)

// NewRoom creates a room with the usual initial state events, all sent by creator.
func NewRoom(t *testing.T, creator *User, modifiers ...roomModifier) *Room {
	t.Helper()
	counter := atomic.AddInt64(&roomIDCounter, 1)
	r := &Room{
		ID:         fmt.Sprintf("!%d:%s", counter, creator.Server.Name),
		creator:    creator,
		authEvents: types.StateMap{},
		byID:       map[string]*types.Event{},
		preset:     PresetPublicChat,
		Version:    "10",
		ts:         baseTimestamp,
	}
	for _, m := range modifiers {
		m(t, r)
	}
	r.insertCreateEvents(t)
	return r
}

func (r *Room) insertCreateEvents(t *testing.T) {
	t.Helper()
	var joinRule, hisVis string
	plContent := map[string]interface{}{
		"users":          map[string]int64{r.creator.ID: 100},
		"users_default":  0,
		"events_default": 0,
		"state_default":  50,
		"ban":            50,
		"kick":           50,
		"redact":         50,
		"invite":         0,
		"events":         map[string]int64{},
	}
	switch r.preset {
	case PresetTrustedPrivateChat:
		fallthrough
	case PresetPrivateChat:
		joinRule = types.JoinRuleInvite
		hisVis = "shared"
	case PresetPublicChat:
		joinRule = types.JoinRulePublic
		hisVis = "shared"
	}

	createContent := map[string]interface{}{
		"room_version": string(r.Version),
	}
	if !types.MustRulesFor(r.Version).CreatorFromSender {
		createContent["creator"] = r.creator.ID
	}
	r.CreateAndInsert(t, r.creator, types.MRoomCreate, createContent, WithStateKey(""))
	r.CreateAndInsert(t, r.creator, types.MRoomMember, map[string]interface{}{
		"membership": types.MembershipJoin,
	}, WithStateKey(r.creator.ID))
	r.CreateAndInsert(t, r.creator, types.MRoomPowerLevels, plContent, WithStateKey(""))
	if joinRule != "" {
		r.CreateAndInsert(t, r.creator, types.MRoomJoinRules, map[string]interface{}{
			"join_rule": joinRule,
		}, WithStateKey(""))
	}
	if hisVis != "" {
		r.CreateAndInsert(t, r.creator, types.MRoomHistoryVisibility, map[string]interface{}{
			"history_visibility": hisVis,
		}, WithStateKey(""))
	}
}

// CreateEvent creates an event in this room without inserting it. By default
// it points at the current forward extremities and picks its auth events
// from the current state.
func (r *Room) CreateEvent(t *testing.T, creator *User, eventType string, content interface{}, mods ...eventModifier) *types.Event {
	t.Helper()
	r.mu.Lock()
	defer r.mu.Unlock()
	r.ts++
	mod := &eventMods{
		originServerTS: r.ts,
	}
	for _, m := range mods {
		m(mod)
	}

	prevEvents := mod.prevIDs
	if prevEvents == nil {
		prevEvents = append([]string{}, r.latest...)
	}
	depth := mod.depth
	if depth == 0 {
		for _, prevID := range prevEvents {
			if prev, ok := r.byID[prevID]; ok && prev.Depth() > depth {
				depth = prev.Depth()
			}
		}
		depth++
	}
	authIDs := mod.authIDs
	if authIDs == nil {
		authIDs = r.authEventIDs(creator, eventType, mod.stateKey, content)
	}

	contentJSON, err := json.Marshal(content)
	if err != nil {
		t.Fatalf("CreateEvent: failed to marshal content: %s", err)
	}
	proto := map[string]interface{}{
		"room_id":          r.ID,
		"sender":           creator.ID,
		"type":             eventType,
		"content":          json.RawMessage(contentJSON),
		"prev_events":      prevEvents,
		"auth_events":      authIDs,
		"depth":            depth,
		"origin_server_ts": mod.originServerTS,
	}
	if mod.stateKey != nil {
		proto["state_key"] = *mod.stateKey
	}
	if mod.redacts != "" {
		if types.MustRulesFor(r.Version).RedactsInContent {
			var c map[string]interface{}
			_ = json.Unmarshal(contentJSON, &c)
			if c == nil {
				c = map[string]interface{}{}
			}
			c["redacts"] = mod.redacts
			proto["content"] = c
		} else {
			proto["redacts"] = mod.redacts
		}
	}
	ev, err := BuildEvent(proto, r.Version, creator.Server)
	if err != nil {
		t.Fatalf("CreateEvent: %s", err)
	}
	return ev
}

// CreateAndInsert creates an event and makes it the new forward extremity.
func (r *Room) CreateAndInsert(t *testing.T, creator *User, eventType string, content interface{}, mods ...eventModifier) *types.Event {
	t.Helper()
	ev := r.CreateEvent(t, creator, eventType, content, mods...)
	r.InsertEvent(t, ev)
	return ev
}

// InsertEvent adds an event to the room. The room's state is updated
// without running any auth checks.
func (r *Room) InsertEvent(t *testing.T, ev *types.Event) {
	t.Helper()
	r.mu.Lock()
	defer r.mu.Unlock()
	if ev.RoomID() != r.ID {
		t.Fatalf("InsertEvent: event room ID %s does not match %s", ev.RoomID(), r.ID)
	}
	r.events = append(r.events, ev)
	r.byID[ev.EventID()] = ev
	r.latest = []string{ev.EventID()}
	if tuple, ok := ev.StateTuple(); ok {
		r.authEvents[tuple] = ev.EventID()
	}
}

// Events returns all inserted events in insertion order.
func (r *Room) Events() []*types.Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]*types.Event{}, r.events...)
}

// Event returns an inserted event by ID.
func (r *Room) Event(eventID string) *types.Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.byID[eventID]
}

// CurrentState returns the state after the last inserted event.
func (r *Room) CurrentState() types.StateMap {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.authEvents.Copy()
}

// CreateEventID returns the ID of the room's create event.
func (r *Room) CreateEventID() string {
	return r.CurrentState().Create()
}

// authEventIDs selects the auth events an event needs from the current state.
func (r *Room) authEventIDs(sender *User, eventType string, stateKey *string, content interface{}) []string {
	if eventType == types.MRoomCreate {
		return []string{}
	}
	tuples := []types.StateTuple{
		{EventType: types.MRoomCreate},
		{EventType: types.MRoomPowerLevels},
		{EventType: types.MRoomMember, StateKey: sender.ID},
	}
	if eventType == types.MRoomMember && stateKey != nil {
		tuples = append(tuples, types.StateTuple{EventType: types.MRoomMember, StateKey: *stateKey})
		if c, ok := content.(map[string]interface{}); ok {
			switch c["membership"] {
			case types.MembershipJoin, types.MembershipInvite, types.MembershipKnock:
				tuples = append(tuples, types.StateTuple{EventType: types.MRoomJoinRules})
			}
		}
	}
	seen := map[string]struct{}{}
	ids := []string{}
	for _, tuple := range tuples {
		id, ok := r.authEvents[tuple]
		if !ok {
			continue
		}
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		ids = append(ids, id)
	}
	return ids
}

func RoomPreset(p Preset) roomModifier {
	return func(t *testing.T, r *Room) {
		switch p {
		case PresetPrivateChat, PresetPublicChat, PresetTrustedPrivateChat, PresetNone:
			r.preset = p
		default:
			t.Errorf("invalid RoomPreset: %v", p)
		}
	}
}

func RoomVersion(ver types.RoomVersion) roomModifier {
	return func(t *testing.T, r *Room) {
		if _, err := types.RulesFor(ver); err != nil {
			t.Errorf("invalid RoomVersion: %v", ver)
		}
		r.Version = ver
	}
}
