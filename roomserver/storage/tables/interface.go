// Copyright 2024 New Vector Ltd.
// Copyright 2020 The Matrix.org Foundation C.I.C.
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

package tables

import (
	"context"
	"database/sql"
	"errors"

	"github.com/element-hq/fedcore/roomserver/types"
)

type EventTypes interface {
	InsertEventTypeNID(ctx context.Context, txn *sql.Tx, eventType string) (types.EventTypeNID, error)
	SelectEventTypeNID(ctx context.Context, txn *sql.Tx, eventType string) (types.EventTypeNID, error)
	SelectEventType(ctx context.Context, txn *sql.Tx, eventTypeNID types.EventTypeNID) (string, error)
}

type EventStateKeys interface {
	InsertEventStateKeyNID(ctx context.Context, txn *sql.Tx, eventStateKey string) (types.EventStateKeyNID, error)
	SelectEventStateKeyNID(ctx context.Context, txn *sql.Tx, eventStateKey string) (types.EventStateKeyNID, error)
	SelectEventStateKey(ctx context.Context, txn *sql.Tx, eventStateKeyNID types.EventStateKeyNID) (string, error)
}

type Rooms interface {
	// InsertRoomNID returns the NID of the room, creating it if needed.
	InsertRoomNID(ctx context.Context, txn *sql.Tx, roomID string, roomVersion types.RoomVersion, createEventID string) (types.RoomNID, error)
	// SelectRoomInfo returns nil if the room is not known.
	SelectRoomInfo(ctx context.Context, txn *sql.Tx, roomID string) (*types.RoomInfo, error)
	SelectRoomInfoByNID(ctx context.Context, txn *sql.Tx, roomNID types.RoomNID) (*types.RoomInfo, error)
	UpdateLatestEventIDs(ctx context.Context, txn *sql.Tx, roomNID types.RoomNID, eventIDs []string, stateSnapshotNID types.StateSnapshotNID) error
}

// EventRow is a row of the events table joined with the room version.
type EventRow struct {
	EventNID         types.EventNID
	RoomNID          types.RoomNID
	EventID          string
	RoomVersion      types.RoomVersion
	EventJSON        []byte
	IsOutlier        bool
	IsRejected       bool
	IsRedacted       bool
	IsPublished      bool
	StateSnapshotNID types.StateSnapshotNID
}

type Events interface {
	// InsertEvent stores an event, or updates its flags if it is already
	// stored: an event stops being an outlier once stored as a non-outlier
	// and stays rejected once rejected. The event JSON is never replaced.
	InsertEvent(
		ctx context.Context, txn *sql.Tx, roomNID types.RoomNID, eventTypeNID types.EventTypeNID,
		eventStateKeyNID types.EventStateKeyNID, eventID string, depth int64, eventJSON []byte,
		isOutlier, isRejected, isRedacted bool,
	) (types.EventNID, error)
	SelectEventsByID(ctx context.Context, txn *sql.Tx, eventIDs []string) ([]EventRow, error)
	SelectEventIDs(ctx context.Context, txn *sql.Tx, eventNIDs []types.EventNID) (map[types.EventNID]string, error)
	UpdateEventState(ctx context.Context, txn *sql.Tx, eventNID types.EventNID, stateSnapshotNID types.StateSnapshotNID) error
	UpdateEventPublished(ctx context.Context, txn *sql.Tx, eventNID types.EventNID) error
}

type PreviousEvents interface {
	InsertPreviousEvent(ctx context.Context, txn *sql.Tx, previousEventID string, eventNID types.EventNID) error
	// SelectPreviousEventExists reports whether any event of the room DAG
	// names eventID in its prev_events.
	SelectPreviousEventExists(ctx context.Context, txn *sql.Tx, eventID string) (bool, error)
}

type StateSnapshots interface {
	// InsertState stores a snapshot of sorted, slot-unique entries. Storing
	// the same entries twice for one room returns the same NID.
	InsertState(ctx context.Context, txn *sql.Tx, roomNID types.RoomNID, stateHash []byte, entries []types.StateEntry) (types.StateSnapshotNID, error)
	SelectState(ctx context.Context, txn *sql.Tx, stateSnapshotNID types.StateSnapshotNID) (types.RoomNID, []types.StateEntry, error)
}

// FlattenStateEntries encodes entries as consecutive (type, key, event) triplets.
func FlattenStateEntries(entries []types.StateEntry) []int64 {
	flat := make([]int64, 0, len(entries)*3)
	for _, e := range entries {
		flat = append(flat, int64(e.EventTypeNID), int64(e.EventStateKeyNID), int64(e.EventNID))
	}
	return flat
}

// UnflattenStateEntries reverses FlattenStateEntries.
func UnflattenStateEntries(flat []int64) ([]types.StateEntry, error) {
	if len(flat)%3 != 0 {
		return nil, errors.New("state entries are not a list of triplets")
	}
	entries := make([]types.StateEntry, 0, len(flat)/3)
	for i := 0; i < len(flat); i += 3 {
		entries = append(entries, types.StateEntry{
			StateKeyTuple: types.StateKeyTuple{
				EventTypeNID:     types.EventTypeNID(flat[i]),
				EventStateKeyNID: types.EventStateKeyNID(flat[i+1]),
			},
			EventNID: types.EventNID(flat[i+2]),
		})
	}
	return entries, nil
}
