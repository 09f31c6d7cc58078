// Copyright 2024 New Vector Ltd.
// Copyright 2022 The Matrix.org Foundation C.I.C.
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

package test

import (
	"encoding/json"
	"fmt"

	"github.com/element-hq/fedcore/roomserver/types"
)

type eventMods struct {
	originServerTS int64
	stateKey       *string
	prevIDs        []string
	authIDs        []string
	depth          int64
	redacts        string
}

type eventModifier func(e *eventMods)

func WithTimestamp(ts int64) eventModifier {
	return func(e *eventMods) {
		e.originServerTS = ts
	}
}

func WithStateKey(skey string) eventModifier {
	return func(e *eventMods) {
		e.stateKey = &skey
	}
}

func WithRedacts(eventID string) eventModifier {
	return func(e *eventMods) {
		e.redacts = eventID
	}
}

func WithAuthIDs(evs []string) eventModifier {
	return func(e *eventMods) {
		e.authIDs = evs
	}
}

func WithPrevIDs(evs []string) eventModifier {
	return func(e *eventMods) {
		e.prevIDs = evs
	}
}

func WithDepth(depth int64) eventModifier {
	return func(e *eventMods) {
		e.depth = depth
	}
}

// BuildEvent hashes and signs the given event prototype with the server's
// key and returns the resulting event.
func BuildEvent(proto map[string]interface{}, version types.RoomVersion, server *Server) (*types.Event, error) {
	raw, err := SignedEventJSON(proto, version, server)
	if err != nil {
		return nil, err
	}
	return types.NewEventFromJSON(raw, version)
}

// SignedEventJSON hashes and signs the given event prototype.
func SignedEventJSON(proto map[string]interface{}, version types.RoomVersion, server *Server) ([]byte, error) {
	rules, err := types.RulesFor(version)
	if err != nil {
		return nil, err
	}
	raw, err := json.Marshal(proto)
	if err != nil {
		return nil, fmt.Errorf("json.Marshal: %w", err)
	}
	if raw, err = types.AddContentHash(raw); err != nil {
		return nil, fmt.Errorf("types.AddContentHash: %w", err)
	}
	if raw, err = types.SignEventJSON(raw, rules, string(server.Name), server.Key.ID, server.Key.Priv); err != nil {
		return nil, fmt.Errorf("types.SignEventJSON: %w", err)
	}
	return raw, nil
}
