// Copyright 2024 New Vector Ltd.
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

package storage_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/element-hq/fedcore/internal/caching"
	"github.com/element-hq/fedcore/roomserver/storage"
	"github.com/element-hq/fedcore/roomserver/types"
	"github.com/element-hq/fedcore/test"
)

func mustCreateDatabase(t *testing.T, dbType test.DBType) (storage.Database, func()) {
	t.Helper()
	opts, closeDB := test.DatabaseOptions(t, dbType)
	caches := caching.NewRistrettoCache(8*1024*1024, time.Hour, caching.DisableMetrics)
	db, err := storage.Open(context.Background(), opts, caches)
	require.NoError(t, err)
	return db, closeDB
}

func mustStoreRoom(t *testing.T, db storage.Database, room *test.Room) *types.RoomInfo {
	t.Helper()
	ctx := context.Background()
	info, err := db.StoreRoom(ctx, room.ID, room.Version, room.CreateEventID())
	require.NoError(t, err)
	for _, ev := range room.Events() {
		_, err = db.StoreEvent(ctx, info.RoomNID, ev, false, false)
		require.NoError(t, err)
	}
	return info
}

func TestStoreRoomAndEvents(t *testing.T) {
	alice := test.NewUser(t)
	test.WithAllDatabases(t, func(t *testing.T, dbType test.DBType) {
		db, closeDB := mustCreateDatabase(t, dbType)
		defer closeDB()
		ctx := context.Background()
		room := test.NewRoom(t, alice)

		info, err := db.RoomInfo(ctx, room.ID)
		require.NoError(t, err)
		assert.Nil(t, info)

		info = mustStoreRoom(t, db, room)
		assert.Equal(t, room.Version, info.RoomVersion)
		assert.Equal(t, room.CreateEventID(), info.CreateEventID)

		again, err := db.StoreRoom(ctx, room.ID, room.Version, room.CreateEventID())
		require.NoError(t, err)
		assert.Equal(t, info.RoomNID, again.RoomNID)

		_, err = db.StoreRoom(ctx, room.ID, "9", room.CreateEventID())
		var inconsistent types.StorageInconsistencyError
		assert.True(t, errors.As(err, &inconsistent))

		ids := make([]string, 0, len(room.Events()))
		for _, ev := range room.Events() {
			ids = append(ids, ev.EventID())
		}
		stored, err := db.EventsByID(ctx, append(ids, "$unknown"))
		require.NoError(t, err)
		assert.Len(t, stored, len(ids))
		for _, ev := range stored {
			assert.False(t, ev.Outlier)
			assert.False(t, ev.Rejected)
			assert.NotZero(t, ev.EventNID)
			assert.True(t, ev.SameJSON(room.Event(ev.EventID())))
		}

		missing, err := db.Event(ctx, "$unknown")
		require.NoError(t, err)
		assert.Nil(t, missing)

		eventJSON, err := db.EventJSON(ctx, room.CreateEventID())
		require.NoError(t, err)
		assert.Equal(t, room.Event(room.CreateEventID()).JSON(), eventJSON)
	})
}

func TestStoreEventFlags(t *testing.T) {
	alice := test.NewUser(t)
	test.WithAllDatabases(t, func(t *testing.T, dbType test.DBType) {
		db, closeDB := mustCreateDatabase(t, dbType)
		defer closeDB()
		ctx := context.Background()
		room := test.NewRoom(t, alice)
		info := mustStoreRoom(t, db, room)
		msg := room.CreateAndInsert(t, alice, "m.room.message", map[string]interface{}{"body": "hi"})

		nid1, err := db.StoreEvent(ctx, info.RoomNID, msg, true, false)
		require.NoError(t, err)
		ev, err := db.Event(ctx, msg.EventID())
		require.NoError(t, err)
		require.NotNil(t, ev)
		assert.True(t, ev.Outlier)

		// storing as part of the DAG promotes the outlier, the sequence number is kept
		nid2, err := db.StoreEvent(ctx, info.RoomNID, msg, false, false)
		require.NoError(t, err)
		assert.Equal(t, nid1, nid2)
		ev, err = db.Event(ctx, msg.EventID())
		require.NoError(t, err)
		assert.False(t, ev.Outlier)

		// an outlier copy never demotes it again
		_, err = db.StoreEvent(ctx, info.RoomNID, msg, true, false)
		require.NoError(t, err)
		ev, err = db.Event(ctx, msg.EventID())
		require.NoError(t, err)
		assert.False(t, ev.Outlier)

		// rejection sticks
		_, err = db.StoreEvent(ctx, info.RoomNID, msg, false, true)
		require.NoError(t, err)
		_, err = db.StoreEvent(ctx, info.RoomNID, msg, false, false)
		require.NoError(t, err)
		ev, err = db.Event(ctx, msg.EventID())
		require.NoError(t, err)
		assert.True(t, ev.Rejected)
	})
}

func TestStoreRedactedEvent(t *testing.T) {
	alice := test.NewUser(t)
	test.WithAllDatabases(t, func(t *testing.T, dbType test.DBType) {
		db, closeDB := mustCreateDatabase(t, dbType)
		defer closeDB()
		ctx := context.Background()
		room := test.NewRoom(t, alice)
		info := mustStoreRoom(t, db, room)
		msg := room.CreateAndInsert(t, alice, "m.room.message", map[string]interface{}{"body": "secret"})
		redacted, err := msg.Redact()
		require.NoError(t, err)

		_, err = db.StoreEvent(ctx, info.RoomNID, redacted, false, false)
		require.NoError(t, err)
		// the unredacted copy doesn't replace what is stored
		_, err = db.StoreEvent(ctx, info.RoomNID, msg, false, false)
		require.NoError(t, err)

		ev, err := db.Event(ctx, msg.EventID())
		require.NoError(t, err)
		require.NotNil(t, ev)
		assert.True(t, ev.Redacted())
		assert.True(t, ev.SameJSON(redacted))
	})
}

func TestStateSnapshots(t *testing.T) {
	alice := test.NewUser(t)
	test.WithAllDatabases(t, func(t *testing.T, dbType test.DBType) {
		db, closeDB := mustCreateDatabase(t, dbType)
		defer closeDB()
		ctx := context.Background()
		room := test.NewRoom(t, alice)
		info := mustStoreRoom(t, db, room)
		state := room.CurrentState()

		snapshotNID, err := db.AddState(ctx, info.RoomNID, state)
		require.NoError(t, err)
		assert.NotZero(t, snapshotNID)

		got, err := db.StateAtSnapshot(ctx, snapshotNID)
		require.NoError(t, err)
		if diff := cmp.Diff(state, got); diff != "" {
			t.Fatalf("snapshot mismatch (-want +got):\n%s", diff)
		}

		sameNID, err := db.AddState(ctx, info.RoomNID, state.Copy())
		require.NoError(t, err)
		assert.Equal(t, snapshotNID, sameNID)

		emptyNID, err := db.AddState(ctx, info.RoomNID, types.StateMap{})
		require.NoError(t, err)
		assert.NotEqual(t, snapshotNID, emptyNID)
		empty, err := db.StateAtSnapshot(ctx, emptyNID)
		require.NoError(t, err)
		assert.Empty(t, empty)

		msg := room.CreateAndInsert(t, alice, "m.room.message", map[string]interface{}{"body": "hi"})
		eventNID, err := db.StoreEvent(ctx, info.RoomNID, msg, false, false)
		require.NoError(t, err)
		before, err := db.SnapshotBeforeEvent(ctx, msg.EventID())
		require.NoError(t, err)
		assert.Zero(t, before)

		require.NoError(t, db.SetStateBeforeEvent(ctx, eventNID, snapshotNID))
		before, err = db.SnapshotBeforeEvent(ctx, msg.EventID())
		require.NoError(t, err)
		assert.Equal(t, snapshotNID, before)

		require.NoError(t, db.UpdateLatestEvents(ctx, info.RoomNID, []string{msg.EventID()}, snapshotNID))
		info, err = db.RoomInfo(ctx, room.ID)
		require.NoError(t, err)
		assert.Equal(t, []string{msg.EventID()}, info.LatestEventIDs)
		assert.Equal(t, snapshotNID, info.StateSnapshotNID)
	})
}

func TestAddStateRequiresStoredEvents(t *testing.T) {
	alice := test.NewUser(t)
	test.WithAllDatabases(t, func(t *testing.T, dbType test.DBType) {
		db, closeDB := mustCreateDatabase(t, dbType)
		defer closeDB()
		room := test.NewRoom(t, alice)
		info := mustStoreRoom(t, db, room)

		state := room.CurrentState()
		state[types.StateTuple{EventType: "m.room.name"}] = "$not_stored"
		_, err := db.AddState(context.Background(), info.RoomNID, state)
		var inconsistent types.StorageInconsistencyError
		assert.True(t, errors.As(err, &inconsistent))
	})
}

func TestStateKeyTupleInterning(t *testing.T) {
	test.WithAllDatabases(t, func(t *testing.T, dbType test.DBType) {
		db, closeDB := mustCreateDatabase(t, dbType)
		defer closeDB()
		ctx := context.Background()

		tuple := types.StateTuple{EventType: types.MRoomMember, StateKey: "@alice:test"}
		first, err := db.StateKeyTuple(ctx, tuple)
		require.NoError(t, err)
		second, err := db.StateKeyTuple(ctx, tuple)
		require.NoError(t, err)
		assert.Equal(t, first, second)

		other, err := db.StateKeyTuple(ctx, types.StateTuple{EventType: types.MRoomMember, StateKey: "@bob:test"})
		require.NoError(t, err)
		assert.Equal(t, first.EventTypeNID, other.EventTypeNID)
		assert.NotEqual(t, first.EventStateKeyNID, other.EventStateKeyNID)

		back, err := db.StateTuple(ctx, first)
		require.NoError(t, err)
		assert.Equal(t, tuple, back)
	})
}

func TestStateBeforeEventIsWrittenToItsOwnRow(t *testing.T) {
	alice := test.NewUser(t)
	test.WithAllDatabases(t, func(t *testing.T, dbType test.DBType) {
		db, closeDB := mustCreateDatabase(t, dbType)
		defer closeDB()
		ctx := context.Background()
		other := test.NewRoom(t, alice)
		otherInfo := mustStoreRoom(t, db, other)
		room := test.NewRoom(t, alice)
		info := mustStoreRoom(t, db, room)

		// Give every event of the room its own snapshot. The events of the
		// other room shift the event NIDs away from the snapshot NIDs.
		want := map[string]types.StateSnapshotNID{}
		state := types.StateMap{}
		for _, ev := range room.Events() {
			eventNID, err := db.StoreEvent(ctx, info.RoomNID, ev, false, false)
			require.NoError(t, err)
			snapshotNID, err := db.AddState(ctx, info.RoomNID, state.Copy())
			require.NoError(t, err)
			require.NoError(t, db.SetStateBeforeEvent(ctx, eventNID, snapshotNID))
			want[ev.EventID()] = snapshotNID
			if tuple, ok := ev.StateTuple(); ok {
				state[tuple] = ev.EventID()
			}
		}
		for eventID, snapshotNID := range want {
			got, err := db.SnapshotBeforeEvent(ctx, eventID)
			require.NoError(t, err)
			assert.Equal(t, snapshotNID, got, "event %s", eventID)
		}

		current, err := db.AddState(ctx, info.RoomNID, room.CurrentState())
		require.NoError(t, err)
		latest := []string{room.Events()[len(room.Events())-1].EventID()}
		require.NoError(t, db.UpdateLatestEvents(ctx, info.RoomNID, latest, current))

		got, err := db.RoomInfo(ctx, room.ID)
		require.NoError(t, err)
		assert.Equal(t, latest, got.LatestEventIDs)
		assert.Equal(t, current, got.StateSnapshotNID)
		untouched, err := db.RoomInfo(ctx, other.ID)
		require.NoError(t, err)
		assert.Equal(t, otherInfo.LatestEventIDs, untouched.LatestEventIDs)
		assert.Equal(t, otherInfo.StateSnapshotNID, untouched.StateSnapshotNID)
	})
}

func TestAcceptEvent(t *testing.T) {
	alice := test.NewUser(t)
	test.WithAllDatabases(t, func(t *testing.T, dbType test.DBType) {
		db, closeDB := mustCreateDatabase(t, dbType)
		defer closeDB()
		ctx := context.Background()
		room := test.NewRoom(t, alice)
		info := mustStoreRoom(t, db, room)
		snapshotNID, err := db.AddState(ctx, info.RoomNID, room.CurrentState())
		require.NoError(t, err)

		first := room.CreateAndInsert(t, alice, "m.room.message", map[string]interface{}{"body": "first"})
		second := room.CreateAndInsert(t, alice, "m.room.message", map[string]interface{}{"body": "second"})

		// An outlier doesn't make its prev events referenced.
		_, err = db.StoreEvent(ctx, info.RoomNID, second, true, false)
		require.NoError(t, err)
		referenced, err := db.PrevEventReferenced(ctx, first.EventID())
		require.NoError(t, err)
		assert.False(t, referenced)

		eventNID, err := db.AcceptEvent(ctx, info.RoomNID, second, snapshotNID)
		require.NoError(t, err)
		stored, err := db.Event(ctx, second.EventID())
		require.NoError(t, err)
		require.NotNil(t, stored)
		assert.Equal(t, eventNID, stored.EventNID)
		assert.False(t, stored.Outlier)
		assert.False(t, stored.Published)
		before, err := db.SnapshotBeforeEvent(ctx, second.EventID())
		require.NoError(t, err)
		assert.Equal(t, snapshotNID, before)

		// first is referenced without being stored at all.
		referenced, err = db.PrevEventReferenced(ctx, first.EventID())
		require.NoError(t, err)
		assert.True(t, referenced)
		referenced, err = db.PrevEventReferenced(ctx, second.EventID())
		require.NoError(t, err)
		assert.False(t, referenced)

		require.NoError(t, db.MarkEventPublished(ctx, eventNID))
		stored, err = db.Event(ctx, second.EventID())
		require.NoError(t, err)
		assert.True(t, stored.Published)
	})
}
