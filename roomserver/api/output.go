// Copyright 2024 New Vector Ltd.
// Copyright 2017 Vector Creations Ltd
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

package api

import (
	"encoding/json"

	"github.com/matrix-org/gomatrixserverlib/spec"

	"github.com/element-hq/fedcore/roomserver/types"
)

// An OutputType is a type of roomserver output.
type OutputType string

const (
	// OutputTypeNewRoomEvent indicates that the event is an OutputNewRoomEvent
	OutputTypeNewRoomEvent OutputType = "new_room_event"
)

// An OutputEvent is an entry in the roomserver output stream.
type OutputEvent struct {
	// The Type of the event.
	Type OutputType `json:"type"`
	// The content of event with type OutputTypeNewRoomEvent
	NewRoomEvent *OutputNewRoomEvent `json:"new_room_event,omitempty"`
}

// An OutputNewRoomEvent is written when the roomserver accepts a new event
// into the room DAG.
type OutputNewRoomEvent struct {
	EventID     string            `json:"event_id"`
	RoomID      string            `json:"room_id"`
	RoomVersion types.RoomVersion `json:"room_version"`
	// The JSON of the event as accepted. Redacted if its content hash did
	// not match.
	Event json.RawMessage `json:"event"`
	// The server the event was received from.
	Origin spec.ServerName `json:"origin"`
	// The local sequence number of the event.
	EventNID types.EventNID `json:"event_nid"`
	Redacted bool           `json:"redacted,omitempty"`
	// The forward extremities of the room after the event.
	LatestEventIDs []string `json:"latest_event_ids"`
	// State slots changed in the current state of the room by the event.
	AddsStateEventIDs    []string `json:"adds_state_event_ids,omitempty"`
	RemovesStateEventIDs []string `json:"removes_state_event_ids,omitempty"`
	// The user IDs of the local users joined to the room after the event.
	JoinedLocalUsers []string `json:"joined_local_users,omitempty"`
}
