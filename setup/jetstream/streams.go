// Copyright 2024 New Vector Ltd.
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

package jetstream

import (
	"time"

	"github.com/nats-io/nats.go"
)

// Message headers.
const (
	RoomID      = "room_id"
	EventID     = "event_id"
	EventType   = "type"
	RoomVersion = "room_version"
	Origin      = "origin"
)

var (
	OutputRoomEvent = "OutputRoomEvent"
)

var streams = []*nats.StreamConfig{
	{
		Name:      OutputRoomEvent,
		Retention: nats.InterestPolicy,
		Storage:   nats.FileStorage,
		MaxAge:    7 * 24 * time.Hour,
	},
}
