// Copyright 2024 New Vector Ltd.
// Copyright 2020 The Matrix.org Foundation C.I.C.
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

package storage

import (
	"context"

	"github.com/element-hq/fedcore/roomserver/types"
)

type Database interface {
	// RoomInfo returns nil if the room is not known.
	RoomInfo(ctx context.Context, roomID string) (*types.RoomInfo, error)
	// StoreRoom creates the room if needed. The version and create event of
	// an existing room must match.
	StoreRoom(ctx context.Context, roomID string, roomVersion types.RoomVersion, createEventID string) (*types.RoomInfo, error)
	// UpdateLatestEvents replaces the forward extremities of a room and the
	// snapshot holding its current state.
	UpdateLatestEvents(ctx context.Context, roomNID types.RoomNID, latestEventIDs []string, currentState types.StateSnapshotNID) error

	// Event returns nil if the event is not stored.
	Event(ctx context.Context, eventID string) (*types.StoredEvent, error)
	EventJSON(ctx context.Context, eventID string) ([]byte, error)
	// EventsByID leaves unknown events out of the result.
	EventsByID(ctx context.Context, eventIDs []string) ([]types.StoredEvent, error)
	// StoreEvent returns the local sequence number of the event.
	StoreEvent(ctx context.Context, roomNID types.RoomNID, event *types.Event, outlier, rejected bool) (types.EventNID, error)
	// AcceptEvent adds an event to the room DAG and records the state
	// before it in one transaction.
	AcceptEvent(ctx context.Context, roomNID types.RoomNID, event *types.Event, stateBefore types.StateSnapshotNID) (types.EventNID, error)
	MarkEventPublished(ctx context.Context, eventNID types.EventNID) error
	// PrevEventReferenced reports whether an event of the room DAG names
	// eventID as a prev event, whether or not eventID itself is stored.
	PrevEventReferenced(ctx context.Context, eventID string) (bool, error)

	// StateKeyTuple interns a state slot, StateTuple looks it up again.
	StateKeyTuple(ctx context.Context, tuple types.StateTuple) (types.StateKeyTuple, error)
	StateTuple(ctx context.Context, tuple types.StateKeyTuple) (types.StateTuple, error)

	// AddState stores a snapshot of state whose events are all stored.
	AddState(ctx context.Context, roomNID types.RoomNID, state types.StateMap) (types.StateSnapshotNID, error)
	StateAtSnapshot(ctx context.Context, snapshotNID types.StateSnapshotNID) (types.StateMap, error)
	SetStateBeforeEvent(ctx context.Context, eventNID types.EventNID, snapshotNID types.StateSnapshotNID) error
	// SnapshotBeforeEvent returns 0 if the state before the event is not
	// known, which is always the case for outliers and rejected events.
	SnapshotBeforeEvent(ctx context.Context, eventID string) (types.StateSnapshotNID, error)
}
