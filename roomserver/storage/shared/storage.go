// Copyright 2024 New Vector Ltd.
// Copyright 2020 The Matrix.org Foundation C.I.C.
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

package shared

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/binary"
	"errors"
	"fmt"
	"sort"

	"github.com/element-hq/fedcore/internal/caching"
	"github.com/element-hq/fedcore/internal/sqlutil"
	"github.com/element-hq/fedcore/roomserver/storage/tables"
	"github.com/element-hq/fedcore/roomserver/types"
)

type Database struct {
	DB                  *sql.DB
	Cache               *caching.Caches
	Writer              sqlutil.Writer
	EventTypesTable     tables.EventTypes
	EventStateKeysTable tables.EventStateKeys
	RoomsTable          tables.Rooms
	EventsTable         tables.Events
	PrevEventsTable     tables.PreviousEvents
	StateSnapshotTable  tables.StateSnapshots
}

// RoomInfo returns nil if the room is not known.
func (d *Database) RoomInfo(ctx context.Context, roomID string) (*types.RoomInfo, error) {
	info, err := d.RoomsTable.SelectRoomInfo(ctx, nil, roomID)
	if err != nil || info == nil {
		return nil, err
	}
	d.Cache.RoomVersions.Set(roomID, info.RoomVersion)
	d.Cache.RoomServerRoomNIDs.Set(roomID, info.RoomNID)
	d.Cache.RoomServerRoomIDs.Set(info.RoomNID, roomID)
	return info, nil
}

// StoreRoom creates the room if it doesn't exist yet and returns its info.
func (d *Database) StoreRoom(
	ctx context.Context, roomID string, roomVersion types.RoomVersion, createEventID string,
) (*types.RoomInfo, error) {
	if _, err := types.RulesFor(roomVersion); err != nil {
		return nil, err
	}
	err := d.Writer.Do(d.DB, nil, func(txn *sql.Tx) error {
		_, err := d.RoomsTable.InsertRoomNID(ctx, txn, roomID, roomVersion, createEventID)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("d.RoomsTable.InsertRoomNID: %w", err)
	}
	info, err := d.RoomInfo(ctx, roomID)
	if err != nil {
		return nil, err
	}
	if info == nil {
		return nil, types.ErrorInvalidRoomInfo
	}
	if info.RoomVersion != roomVersion || info.CreateEventID != createEventID {
		return nil, types.StorageInconsistencyError{
			RoomID: roomID,
			Reason: fmt.Sprintf("room already stored with version %q and create event %s", info.RoomVersion, info.CreateEventID),
		}
	}
	return info, nil
}

// UpdateLatestEvents replaces the forward extremities and the current state of a room.
func (d *Database) UpdateLatestEvents(
	ctx context.Context, roomNID types.RoomNID, latestEventIDs []string, currentState types.StateSnapshotNID,
) error {
	return d.Writer.Do(d.DB, nil, func(txn *sql.Tx) error {
		return d.RoomsTable.UpdateLatestEventIDs(ctx, txn, roomNID, latestEventIDs, currentState)
	})
}

// Event returns nil if the event is not stored.
func (d *Database) Event(ctx context.Context, eventID string) (*types.StoredEvent, error) {
	events, err := d.EventsByID(ctx, []string{eventID})
	if err != nil || len(events) == 0 {
		return nil, err
	}
	return &events[0], nil
}

// EventJSON returns nil if the event is not stored.
func (d *Database) EventJSON(ctx context.Context, eventID string) ([]byte, error) {
	ev, err := d.Event(ctx, eventID)
	if err != nil || ev == nil {
		return nil, err
	}
	return ev.JSON(), nil
}

// EventsByID returns the stored events among the given IDs. Unknown IDs are
// left out of the result.
func (d *Database) EventsByID(ctx context.Context, eventIDs []string) ([]types.StoredEvent, error) {
	results := make([]types.StoredEvent, 0, len(eventIDs))
	missing := make([]string, 0, len(eventIDs))
	for _, eventID := range eventIDs {
		if ev, ok := d.Cache.RoomServerEvents.Get(eventID); ok {
			results = append(results, ev)
			continue
		}
		missing = append(missing, eventID)
	}
	if len(missing) == 0 {
		return results, nil
	}
	rows, err := d.EventsTable.SelectEventsByID(ctx, nil, missing)
	if err != nil {
		return nil, fmt.Errorf("d.EventsTable.SelectEventsByID: %w", err)
	}
	for _, row := range rows {
		ev, err := types.NewEventFromStoredJSON(row.EventID, row.EventJSON, row.RoomVersion, row.IsRedacted)
		if err != nil {
			return nil, fmt.Errorf("types.NewEventFromStoredJSON: %w", err)
		}
		stored := types.StoredEvent{
			Event:     ev,
			EventNID:  row.EventNID,
			Rejected:  row.IsRejected,
			Outlier:   row.IsOutlier,
			Published: row.IsPublished,
		}
		d.Cache.RoomServerEvents.Set(row.EventID, stored)
		results = append(results, stored)
	}
	return results, nil
}

// StoreEvent persists an event and returns its local sequence number. Storing
// an event that is already known is not an error: it can move an outlier into
// the room DAG or mark an event as rejected, but never changes its JSON.
func (d *Database) StoreEvent(
	ctx context.Context, roomNID types.RoomNID, event *types.Event, outlier, rejected bool,
) (types.EventNID, error) {
	tuple, err := d.eventTuple(ctx, event)
	if err != nil {
		return 0, err
	}
	var eventNID types.EventNID
	err = d.Writer.Do(d.DB, nil, func(txn *sql.Tx) error {
		eventNID, err = d.storeEvent(ctx, txn, roomNID, tuple, event, outlier, rejected)
		return err
	})
	if err != nil {
		return 0, err
	}
	d.Cache.RoomServerEvents.Unset(event.EventID())
	return eventNID, nil
}

// AcceptEvent adds an event to the room DAG together with the snapshot of
// the state before it, so that no event of the DAG is ever without state.
func (d *Database) AcceptEvent(
	ctx context.Context, roomNID types.RoomNID, event *types.Event, stateBefore types.StateSnapshotNID,
) (types.EventNID, error) {
	tuple, err := d.eventTuple(ctx, event)
	if err != nil {
		return 0, err
	}
	var eventNID types.EventNID
	err = d.Writer.Do(d.DB, nil, func(txn *sql.Tx) error {
		eventNID, err = d.storeEvent(ctx, txn, roomNID, tuple, event, false, false)
		if err != nil {
			return err
		}
		if err = d.EventsTable.UpdateEventState(ctx, txn, eventNID, stateBefore); err != nil {
			return fmt.Errorf("d.EventsTable.UpdateEventState: %w", err)
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	d.Cache.RoomServerEvents.Unset(event.EventID())
	return eventNID, nil
}

// MarkEventPublished records that an accepted event was written to the
// output stream.
func (d *Database) MarkEventPublished(ctx context.Context, eventNID types.EventNID) error {
	err := d.Writer.Do(d.DB, nil, func(txn *sql.Tx) error {
		return d.EventsTable.UpdateEventPublished(ctx, txn, eventNID)
	})
	if err != nil {
		return fmt.Errorf("d.EventsTable.UpdateEventPublished: %w", err)
	}
	return d.forgetEvents(ctx, eventNID)
}

// PrevEventReferenced reports whether an event of the room DAG names eventID
// as a prev event.
func (d *Database) PrevEventReferenced(ctx context.Context, eventID string) (bool, error) {
	ok, err := d.PrevEventsTable.SelectPreviousEventExists(ctx, nil, eventID)
	if err != nil {
		return false, fmt.Errorf("d.PrevEventsTable.SelectPreviousEventExists: %w", err)
	}
	return ok, nil
}

func (d *Database) eventTuple(ctx context.Context, event *types.Event) (types.StateKeyTuple, error) {
	if stateTuple, ok := event.StateTuple(); ok {
		return d.StateKeyTuple(ctx, stateTuple)
	}
	typeNID, err := d.eventTypeNID(ctx, event.Type())
	return types.StateKeyTuple{EventTypeNID: typeNID}, err
}

// storeEvent inserts the event and, for events of the room DAG, the
// references to its prev events.
func (d *Database) storeEvent(
	ctx context.Context, txn *sql.Tx, roomNID types.RoomNID, tuple types.StateKeyTuple,
	event *types.Event, outlier, rejected bool,
) (types.EventNID, error) {
	eventNID, err := d.EventsTable.InsertEvent(
		ctx, txn, roomNID, tuple.EventTypeNID, tuple.EventStateKeyNID,
		event.EventID(), event.Depth(), event.JSON(), outlier, rejected, event.Redacted(),
	)
	if err != nil {
		return 0, fmt.Errorf("d.EventsTable.InsertEvent: %w", err)
	}
	if outlier || rejected {
		return eventNID, nil
	}
	for _, prevID := range event.PrevEventIDs() {
		if err = d.PrevEventsTable.InsertPreviousEvent(ctx, txn, prevID, eventNID); err != nil {
			return 0, fmt.Errorf("d.PrevEventsTable.InsertPreviousEvent: %w", err)
		}
	}
	return eventNID, nil
}

// StateKeyTuple returns the numeric form of a state slot, assigning NIDs to
// the event type and state key if they have not been seen before.
func (d *Database) StateKeyTuple(ctx context.Context, tuple types.StateTuple) (types.StateKeyTuple, error) {
	typeNID, err := d.eventTypeNID(ctx, tuple.EventType)
	if err != nil {
		return types.StateKeyTuple{}, err
	}
	keyNID, err := d.eventStateKeyNID(ctx, tuple.StateKey)
	if err != nil {
		return types.StateKeyTuple{}, err
	}
	return types.StateKeyTuple{EventTypeNID: typeNID, EventStateKeyNID: keyNID}, nil
}

// StateTuple returns the string form of a numeric state slot.
func (d *Database) StateTuple(ctx context.Context, tuple types.StateKeyTuple) (types.StateTuple, error) {
	eventType, ok := d.Cache.RoomServerEventTypes.Get(tuple.EventTypeNID)
	if !ok {
		var err error
		eventType, err = d.EventTypesTable.SelectEventType(ctx, nil, tuple.EventTypeNID)
		if err != nil {
			return types.StateTuple{}, fmt.Errorf("d.EventTypesTable.SelectEventType: %w", err)
		}
		d.Cache.RoomServerEventTypes.Set(tuple.EventTypeNID, eventType)
	}
	stateKey, ok := d.Cache.RoomServerStateKeys.Get(tuple.EventStateKeyNID)
	if !ok {
		var err error
		stateKey, err = d.EventStateKeysTable.SelectEventStateKey(ctx, nil, tuple.EventStateKeyNID)
		if err != nil {
			return types.StateTuple{}, fmt.Errorf("d.EventStateKeysTable.SelectEventStateKey: %w", err)
		}
		d.Cache.RoomServerStateKeys.Set(tuple.EventStateKeyNID, stateKey)
	}
	return types.StateTuple{EventType: eventType, StateKey: stateKey}, nil
}

func (d *Database) eventTypeNID(ctx context.Context, eventType string) (types.EventTypeNID, error) {
	if nid, ok := d.Cache.RoomServerEventTypeNIDs.Get(eventType); ok {
		return nid, nil
	}
	var nid types.EventTypeNID
	err := d.Writer.Do(d.DB, nil, func(txn *sql.Tx) error {
		var err error
		// Try to insert the event type, if it already exists we fall back to selecting it.
		nid, err = d.EventTypesTable.InsertEventTypeNID(ctx, txn, eventType)
		if errors.Is(err, sql.ErrNoRows) {
			nid, err = d.EventTypesTable.SelectEventTypeNID(ctx, txn, eventType)
		}
		return err
	})
	if err != nil {
		return 0, fmt.Errorf("eventTypeNID %q: %w", eventType, err)
	}
	d.Cache.RoomServerEventTypeNIDs.Set(eventType, nid)
	d.Cache.RoomServerEventTypes.Set(nid, eventType)
	return nid, nil
}

func (d *Database) eventStateKeyNID(ctx context.Context, stateKey string) (types.EventStateKeyNID, error) {
	if nid, ok := d.Cache.RoomServerStateKeyNIDs.Get(stateKey); ok {
		return nid, nil
	}
	var nid types.EventStateKeyNID
	err := d.Writer.Do(d.DB, nil, func(txn *sql.Tx) error {
		var err error
		nid, err = d.EventStateKeysTable.InsertEventStateKeyNID(ctx, txn, stateKey)
		if errors.Is(err, sql.ErrNoRows) {
			nid, err = d.EventStateKeysTable.SelectEventStateKeyNID(ctx, txn, stateKey)
		}
		return err
	})
	if err != nil {
		return 0, fmt.Errorf("eventStateKeyNID %q: %w", stateKey, err)
	}
	d.Cache.RoomServerStateKeyNIDs.Set(stateKey, nid)
	d.Cache.RoomServerStateKeys.Set(nid, stateKey)
	return nid, nil
}

// AddState stores a state snapshot for the room. Every event in the state
// must already be stored.
func (d *Database) AddState(ctx context.Context, roomNID types.RoomNID, state types.StateMap) (types.StateSnapshotNID, error) {
	events, err := d.EventsByID(ctx, state.EventIDs())
	if err != nil {
		return 0, err
	}
	eventNIDs := make(map[string]types.EventNID, len(events))
	for _, ev := range events {
		eventNIDs[ev.EventID()] = ev.EventNID
	}
	entries := make([]types.StateEntry, 0, len(state))
	for _, tuple := range state.Tuples() {
		eventID := state[tuple]
		eventNID, ok := eventNIDs[eventID]
		if !ok {
			return 0, types.StorageInconsistencyError{
				Reason: fmt.Sprintf("state event %s is not stored", eventID),
			}
		}
		keyTuple, err := d.StateKeyTuple(ctx, tuple)
		if err != nil {
			return 0, err
		}
		entries = append(entries, types.StateEntry{StateKeyTuple: keyTuple, EventNID: eventNID})
	}
	sort.Sort(types.StateEntrySorter(entries))
	if dupes := types.DuplicateStateKeys(entries); len(dupes) > 0 {
		return 0, types.StorageInconsistencyError{
			Reason: fmt.Sprintf("%d state entries share a slot", len(dupes)),
		}
	}

	var snapshotNID types.StateSnapshotNID
	err = d.Writer.Do(d.DB, nil, func(txn *sql.Tx) error {
		snapshotNID, err = d.StateSnapshotTable.InsertState(ctx, txn, roomNID, stateHash(entries), entries)
		return err
	})
	if err != nil {
		return 0, fmt.Errorf("d.StateSnapshotTable.InsertState: %w", err)
	}
	d.Cache.RoomServerStateSnapshots.Set(snapshotNID, state.Copy())
	return snapshotNID, nil
}

// StateAtSnapshot returns the state held by a snapshot.
func (d *Database) StateAtSnapshot(ctx context.Context, snapshotNID types.StateSnapshotNID) (types.StateMap, error) {
	if state, ok := d.Cache.RoomServerStateSnapshots.Get(snapshotNID); ok {
		return state.Copy(), nil
	}
	_, entries, err := d.StateSnapshotTable.SelectState(ctx, nil, snapshotNID)
	if err != nil {
		return nil, fmt.Errorf("d.StateSnapshotTable.SelectState: %w", err)
	}
	eventNIDs := make([]types.EventNID, len(entries))
	for i := range entries {
		eventNIDs[i] = entries[i].EventNID
	}
	eventIDs, err := d.EventsTable.SelectEventIDs(ctx, nil, eventNIDs)
	if err != nil {
		return nil, fmt.Errorf("d.EventsTable.SelectEventIDs: %w", err)
	}
	state := make(types.StateMap, len(entries))
	for _, entry := range entries {
		tuple, err := d.StateTuple(ctx, entry.StateKeyTuple)
		if err != nil {
			return nil, err
		}
		eventID, ok := eventIDs[entry.EventNID]
		if !ok {
			return nil, types.StorageInconsistencyError{
				Reason: fmt.Sprintf("snapshot %d refers to unknown event NID %d", snapshotNID, entry.EventNID),
			}
		}
		state[tuple] = eventID
	}
	d.Cache.RoomServerStateSnapshots.Set(snapshotNID, state.Copy())
	return state, nil
}

// SetStateBeforeEvent records the snapshot that holds the state before an event.
func (d *Database) SetStateBeforeEvent(ctx context.Context, eventNID types.EventNID, snapshotNID types.StateSnapshotNID) error {
	err := d.Writer.Do(d.DB, nil, func(txn *sql.Tx) error {
		return d.EventsTable.UpdateEventState(ctx, txn, eventNID, snapshotNID)
	})
	if err != nil {
		return fmt.Errorf("d.EventsTable.UpdateEventState: %w", err)
	}
	return d.forgetEvents(ctx, eventNID)
}

// forgetEvents drops cached copies of events whose row changed.
func (d *Database) forgetEvents(ctx context.Context, eventNIDs ...types.EventNID) error {
	eventIDs, err := d.EventsTable.SelectEventIDs(ctx, nil, eventNIDs)
	if err != nil {
		return fmt.Errorf("d.EventsTable.SelectEventIDs: %w", err)
	}
	for _, eventID := range eventIDs {
		d.Cache.RoomServerEvents.Unset(eventID)
	}
	return nil
}

// SnapshotBeforeEvent returns 0 if the state before the event is not known.
func (d *Database) SnapshotBeforeEvent(ctx context.Context, eventID string) (types.StateSnapshotNID, error) {
	rows, err := d.EventsTable.SelectEventsByID(ctx, nil, []string{eventID})
	if err != nil {
		return 0, fmt.Errorf("d.EventsTable.SelectEventsByID: %w", err)
	}
	if len(rows) == 0 || rows[0].IsOutlier || rows[0].IsRejected {
		return 0, nil
	}
	return rows[0].StateSnapshotNID, nil
}

// stateHash identifies a set of sorted entries.
func stateHash(entries []types.StateEntry) []byte {
	h := sha256.New()
	var buf [8]byte
	for _, v := range tables.FlattenStateEntries(entries) {
		binary.BigEndian.PutUint64(buf[:], uint64(v))
		h.Write(buf[:]) // nolint:errcheck
	}
	return h.Sum(nil)
}
