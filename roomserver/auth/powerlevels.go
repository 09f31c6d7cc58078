// Copyright 2024 New Vector Ltd.
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

package auth

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/tidwall/gjson"
	"go.mau.fi/util/exgjson"

	"github.com/element-hq/fedcore/roomserver/types"
)

// topLevelLevels are the power level keys holding a single level.
var topLevelLevels = []string{"users_default", "events_default", "state_default", "ban", "redact", "kick", "invite"}

// PowerLevels is the parsed content of an m.room.power_levels event, with
// defaults applied for missing keys.
type PowerLevels struct {
	Users         map[string]int64
	UsersDefault  int64
	Events        map[string]int64
	EventsDefault int64
	StateDefault  int64
	Ban           int64
	Kick          int64
	Redact        int64
	Invite        int64
}

// parseLevel reads a level. Room versions before 10 also accept strings and
// booleans the way Python's int() would.
func parseLevel(rules types.RoomVersionRules, value gjson.Result) (int64, bool) {
	switch value.Type {
	case gjson.Number:
		if strings.ContainsAny(value.Raw, ".eE") {
			return 0, false
		}
		return value.Int(), true
	case gjson.String:
		if rules.IntegerPowerLevels {
			return 0, false
		}
		n, err := strconv.ParseInt(strings.TrimSpace(value.Str), 10, 64)
		return n, err == nil
	case gjson.True, gjson.False:
		if rules.IntegerPowerLevels {
			return 0, false
		}
		if value.Type == gjson.True {
			return 1, true
		}
		return 0, true
	default:
		return 0, false
	}
}

// DefaultPowerLevels returns the levels in effect when the room has no
// power levels event: the creator has 100, everyone else 0.
func DefaultPowerLevels(creator string) *PowerLevels {
	pl := &PowerLevels{
		Users:        map[string]int64{},
		Events:       map[string]int64{},
		StateDefault: 0,
		Ban:          50,
		Kick:         50,
		Redact:       50,
		Invite:       0,
	}
	if creator != "" {
		pl.Users[creator] = 100
	}
	return pl
}

// NewPowerLevelsFromEvent parses a power levels event. Invalid values are
// skipped, the shape is enforced by CheckEventShape.
func NewPowerLevelsFromEvent(rules types.RoomVersionRules, ev *types.Event) *PowerLevels {
	content := gjson.ParseBytes(ev.Content())
	pl := &PowerLevels{
		Users:        map[string]int64{},
		Events:       map[string]int64{},
		StateDefault: 50,
		Ban:          50,
		Kick:         50,
		Redact:       50,
		Invite:       0,
	}
	fields := map[string]*int64{
		"users_default":  &pl.UsersDefault,
		"events_default": &pl.EventsDefault,
		"state_default":  &pl.StateDefault,
		"ban":            &pl.Ban,
		"kick":           &pl.Kick,
		"redact":         &pl.Redact,
		"invite":         &pl.Invite,
	}
	for key, ptr := range fields {
		if n, ok := parseLevel(rules, content.Get(key)); ok {
			*ptr = n
		}
	}
	content.Get("users").ForEach(func(key, value gjson.Result) bool {
		if n, ok := parseLevel(rules, value); ok {
			pl.Users[key.Str] = n
		}
		return true
	})
	content.Get("events").ForEach(func(key, value gjson.Result) bool {
		if n, ok := parseLevel(rules, value); ok {
			pl.Events[key.Str] = n
		}
		return true
	})
	return pl
}

// UserLevel returns the power level of a user.
func (pl *PowerLevels) UserLevel(userID string) int64 {
	if level, ok := pl.Users[userID]; ok {
		return level
	}
	return pl.UsersDefault
}

// EventLevel returns the level required to send an event of the given type.
func (pl *PowerLevels) EventLevel(eventType string, isState bool) int64 {
	if level, ok := pl.Events[eventType]; ok {
		return level
	}
	if isState {
		return pl.StateDefault
	}
	return pl.EventsDefault
}

// powerLevelsFor returns the power levels from the auth events, or the
// defaults derived from the create event.
func powerLevelsFor(rules types.RoomVersionRules, ae *AuthEvents) *PowerLevels {
	if ev := ae.PowerLevels(); ev != nil {
		return NewPowerLevelsFromEvent(rules, ev)
	}
	return DefaultPowerLevels(roomCreator(rules, ae.Create()))
}

// SenderPowerLevel returns the power level of the sender of an event as
// seen by the given auth events. Events for an occupied slot are ignored.
func SenderPowerLevel(ev *types.Event, authEvents []*types.Event) int64 {
	ae := &AuthEvents{events: make(map[types.StateTuple]*types.Event, len(authEvents))}
	for _, authEv := range authEvents {
		_ = ae.Add(authEv)
	}
	return powerLevelsFor(ev.VersionRules(), ae).UserLevel(ev.Sender())
}

// roomCreator returns the creator of a room from its create event.
func roomCreator(rules types.RoomVersionRules, create *types.Event) string {
	if create == nil {
		return ""
	}
	if rules.CreatorFromSender {
		return create.Sender()
	}
	return gjson.GetBytes(create.Content(), "creator").Str
}

// checkPowerLevelsShape validates the content of a power levels event.
func checkPowerLevelsShape(rules types.RoomVersionRules, ev *types.Event) error {
	content := gjson.ParseBytes(ev.Content())
	for _, key := range topLevelLevels {
		value := content.Get(key)
		if !value.Exists() {
			continue
		}
		if _, ok := parseLevel(rules, value); !ok {
			return fmt.Errorf("power levels key %q is not an integer", key)
		}
	}
	for _, key := range []string{"events", "notifications"} {
		obj := content.Get(key)
		if !obj.Exists() {
			continue
		}
		if !obj.IsObject() {
			return fmt.Errorf("power levels key %q is not an object", key)
		}
		var err error
		obj.ForEach(func(inner, value gjson.Result) bool {
			if _, ok := parseLevel(rules, value); !ok {
				err = fmt.Errorf("power level %s.%s is not an integer", key, inner.Str)
			}
			return err == nil
		})
		if err != nil {
			return err
		}
	}
	users := content.Get("users")
	if !users.Exists() {
		return nil
	}
	if !users.IsObject() {
		return fmt.Errorf("power levels key \"users\" is not an object")
	}
	var err error
	users.ForEach(func(key, value gjson.Result) bool {
		if !isValidUserID(key.Str) {
			err = fmt.Errorf("invalid user ID %q in power levels", key.Str)
		} else if _, ok := parseLevel(rules, value); !ok {
			err = fmt.Errorf("power level of %q is not an integer", key.Str)
		}
		return err == nil
	})
	return err
}

// checkPowerLevelsChange verifies that the sender only changes levels
// within their own power.
func checkPowerLevelsChange(rules types.RoomVersionRules, ev, oldEv *types.Event, senderLevel int64) error {
	oldContent := gjson.ParseBytes(oldEv.Content())
	newContent := gjson.ParseBytes(ev.Content())
	for _, key := range topLevelLevels {
		if err := checkLevelChange(rules, key, oldContent.Get(key), newContent.Get(key), senderLevel); err != nil {
			return err
		}
	}
	if err := checkLevelMapChange(rules, "events", "", oldContent.Get("events"), newContent.Get("events"), senderLevel); err != nil {
		return err
	}
	if err := checkLevelMapChange(rules, "notifications", "", oldContent.Get("notifications"), newContent.Get("notifications"), senderLevel); err != nil {
		return err
	}
	return checkLevelMapChange(rules, "users", ev.Sender(), oldContent.Get("users"), newContent.Get("users"), senderLevel)
}

func checkLevelMapChange(rules types.RoomVersionRules, path, sender string, oldMap, newMap gjson.Result, senderLevel int64) (err error) {
	oldMap.ForEach(func(key, oldValue gjson.Result) bool {
		newValue := newMap.Get(exgjson.Path(key.Str))
		if err = checkLevelChange(rules, path+"."+key.Str, oldValue, newValue, senderLevel); err != nil {
			return false
		}
		// Users may not change the level of other users with a level equal to their own.
		if sender != "" && key.Str != sender {
			oldLevel, _ := parseLevel(rules, oldValue)
			newLevel, newOK := parseLevel(rules, newValue)
			if oldLevel >= senderLevel && (!newOK || newLevel != oldLevel) {
				err = fmt.Errorf("cannot change %s.%s with power level %d", path, key.Str, senderLevel)
			}
		}
		return err == nil
	})
	if err != nil {
		return err
	}
	newMap.ForEach(func(key, newValue gjson.Result) bool {
		err = checkLevelChange(rules, path+"."+key.Str, oldMap.Get(exgjson.Path(key.Str)), newValue, senderLevel)
		return err == nil
	})
	return err
}

func checkLevelChange(rules types.RoomVersionRules, path string, oldValue, newValue gjson.Result, senderLevel int64) error {
	oldLevel, oldOK := parseLevel(rules, oldValue)
	newLevel, newOK := parseLevel(rules, newValue)
	switch {
	case !oldOK && !newOK:
		return nil
	case !oldOK:
		if newLevel <= senderLevel {
			return nil
		}
	case !newOK:
		if oldLevel <= senderLevel {
			return nil
		}
	case oldLevel == newLevel:
		return nil
	case oldLevel <= senderLevel && newLevel <= senderLevel:
		return nil
	}
	return fmt.Errorf("cannot change %s from %s to %s with power level %d", path, rawOrNull(oldValue), rawOrNull(newValue), senderLevel)
}

func rawOrNull(value gjson.Result) string {
	if !value.Exists() {
		return "null"
	}
	return value.Raw
}
