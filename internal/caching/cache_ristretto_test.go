// Copyright 2024 New Vector Ltd.
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

package caching

import (
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/element-hq/fedcore/roomserver/types"
	"github.com/element-hq/fedcore/setup/config"
	"github.com/element-hq/fedcore/test"
)

func createTestCache(t *testing.T, maxCost config.DataUnit, maxAge time.Duration) *Caches {
	t.Helper()
	return NewRistrettoCache(maxCost, maxAge, DisableMetrics)
}

func createDefaultTestCache(t *testing.T) *Caches {
	t.Helper()
	return createTestCache(t, 1024*1024, time.Hour)
}

// waitForCacheProcessing waits for ristretto to apply buffered writes.
func waitForCacheProcessing(t *testing.T) {
	t.Helper()
	time.Sleep(10 * time.Millisecond)
}

func createTestEvent(t *testing.T) types.StoredEvent {
	t.Helper()
	alice := test.NewUser(t)
	room := test.NewRoom(t, alice)
	ev := room.CreateAndInsert(t, alice, "m.room.message", map[string]interface{}{"body": "hello"})
	return types.StoredEvent{Event: ev, EventNID: 7}
}

func TestRistrettoCachePartition_SetAndGet(t *testing.T) {
	t.Parallel()
	cache := createDefaultTestCache(t)

	cache.RoomVersions.Set("!room1:server", "10")
	waitForCacheProcessing(t)

	version, ok := cache.RoomVersions.Get("!room1:server")
	assert.True(t, ok)
	assert.Equal(t, types.RoomVersion("10"), version)
}

func TestRistrettoCachePartition_Get_ReturnsFalseWhenMissing(t *testing.T) {
	t.Parallel()
	cache := createDefaultTestCache(t)

	version, ok := cache.RoomVersions.Get("!nonexistent:server")
	assert.False(t, ok)
	assert.Equal(t, types.RoomVersion(""), version)
}

func TestRistrettoCachePartition_ImmutableSameValue_DoesNotPanic(t *testing.T) {
	t.Parallel()
	cache := createDefaultTestCache(t)

	cache.RoomVersions.Set("!room1:server", "9")
	waitForCacheProcessing(t)

	assert.NotPanics(t, func() {
		cache.RoomVersions.Set("!room1:server", "9")
	})
}

func TestRistrettoCachePartition_ImmutableChangedValue_Panics(t *testing.T) {
	t.Parallel()
	cache := createDefaultTestCache(t)

	cache.RoomServerRoomIDs.Set(types.RoomNID(1), "!room1:server")
	waitForCacheProcessing(t)

	assert.Panics(t, func() {
		cache.RoomServerRoomIDs.Set(types.RoomNID(1), "!other:server")
	})
}

func TestRistrettoCachePartition_ImmutableUnset_Panics(t *testing.T) {
	t.Parallel()
	cache := createDefaultTestCache(t)

	assert.Panics(t, func() {
		cache.RoomServerStateKeys.Unset(types.EventStateKeyNID(3))
	})
}

func TestRistrettoCachePartition_MutableAllowsUpdatesAndUnset(t *testing.T) {
	t.Parallel()
	cache := createDefaultTestCache(t)
	ev := createTestEvent(t)

	cache.RoomServerEvents.Set(ev.EventID(), types.StoredEvent{Event: ev.Event, EventNID: ev.EventNID, Outlier: true})
	waitForCacheProcessing(t)

	assert.NotPanics(t, func() {
		cache.RoomServerEvents.Set(ev.EventID(), ev)
		waitForCacheProcessing(t)
	})
	got, ok := cache.RoomServerEvents.Get(ev.EventID())
	require.True(t, ok)
	assert.False(t, got.Outlier)
	assert.Equal(t, ev.EventNID, got.EventNID)
	assert.True(t, got.SameJSON(ev.Event))

	cache.RoomServerEvents.Unset(ev.EventID())
	waitForCacheProcessing(t)
	_, ok = cache.RoomServerEvents.Get(ev.EventID())
	assert.False(t, ok)
}

func TestRistrettoCachePartition_EntriesExpire(t *testing.T) {
	t.Parallel()
	cache := createTestCache(t, 1024*1024, 50*time.Millisecond)

	cache.RoomServerRoomNIDs.Set("!room:server", types.RoomNID(5))
	waitForCacheProcessing(t)
	_, ok := cache.RoomServerRoomNIDs.Get("!room:server")
	require.True(t, ok)

	require.Eventually(t, func() bool {
		_, ok := cache.RoomServerRoomNIDs.Get("!room:server")
		return !ok
	}, 5*time.Second, 20*time.Millisecond)
}

func TestRistrettoCachePartition_DifferentPrefixes_IsolateCaches(t *testing.T) {
	t.Parallel()
	cache := createDefaultTestCache(t)

	cache.RoomServerStateKeys.Set(types.EventStateKeyNID(1), "@alice:server")
	cache.RoomServerEventTypes.Set(types.EventTypeNID(1), "m.room.member")
	waitForCacheProcessing(t)

	stateKey, ok1 := cache.RoomServerStateKeys.Get(types.EventStateKeyNID(1))
	eventType, ok2 := cache.RoomServerEventTypes.Get(types.EventTypeNID(1))
	assert.True(t, ok1)
	assert.True(t, ok2)
	assert.Equal(t, "@alice:server", stateKey)
	assert.Equal(t, "m.room.member", eventType)
}

func TestCaches_InterningIsBidirectional(t *testing.T) {
	t.Parallel()
	cache := createDefaultTestCache(t)

	cache.RoomServerEventTypeNIDs.Set("m.room.create", types.EventTypeNID(1))
	cache.RoomServerEventTypes.Set(types.EventTypeNID(1), "m.room.create")
	cache.RoomServerStateKeyNIDs.Set("", types.EventStateKeyNID(1))
	cache.RoomServerStateKeys.Set(types.EventStateKeyNID(1), "")
	waitForCacheProcessing(t)

	typeNID, ok := cache.RoomServerEventTypeNIDs.Get("m.room.create")
	assert.True(t, ok)
	assert.Equal(t, types.EventTypeNID(1), typeNID)
	eventType, ok := cache.RoomServerEventTypes.Get(typeNID)
	assert.True(t, ok)
	assert.Equal(t, "m.room.create", eventType)

	keyNID, ok := cache.RoomServerStateKeyNIDs.Get("")
	assert.True(t, ok)
	assert.Equal(t, types.EventStateKeyNID(1), keyNID)
}

func TestCaches_StateSnapshots(t *testing.T) {
	t.Parallel()
	cache := createDefaultTestCache(t)

	snapshot := types.StateMap{
		{EventType: types.MRoomCreate}:                         "$create",
		{EventType: types.MRoomMember, StateKey: "@a:server"}: "$join",
	}
	cache.RoomServerStateSnapshots.Set(types.StateSnapshotNID(4), snapshot)
	waitForCacheProcessing(t)

	got, ok := cache.RoomServerStateSnapshots.Get(types.StateSnapshotNID(4))
	require.True(t, ok)
	assert.Equal(t, snapshot, got)

	assert.Panics(t, func() {
		cache.RoomServerStateSnapshots.Set(types.StateSnapshotNID(4), types.StateMap{})
	})
}

func TestCaches_EventLargerThanCacheIsNotStored(t *testing.T) {
	t.Parallel()
	cache := createTestCache(t, 64, time.Hour)
	ev := createTestEvent(t)

	cache.RoomServerEvents.Set(ev.EventID(), ev)
	waitForCacheProcessing(t)

	_, ok := cache.RoomServerEvents.Get(ev.EventID())
	assert.False(t, ok)
}

func TestNewRistrettoCache_SmallSizes(t *testing.T) {
	t.Parallel()
	for _, size := range []config.DataUnit{1, 64, 512, 1023, 1024} {
		size := size
		t.Run(fmt.Sprintf("%d bytes", size), func(t *testing.T) {
			t.Parallel()
			var cache *Caches
			require.NotPanics(t, func() {
				cache = createTestCache(t, size, time.Hour)
			})
			cache.RoomServerRoomNIDs.Set("!r:s", types.RoomNID(1))
			waitForCacheProcessing(t)
			// Whether a value fits depends on the size, a lookup must just work.
			_, _ = cache.RoomServerRoomNIDs.Get("!r:s")
		})
	}
}

func TestValueCost(t *testing.T) {
	t.Parallel()
	ev := createTestEvent(t)

	assert.Equal(t, int64(len("m.room.member")), valueCost("m.room.member"))
	assert.Greater(t, valueCost(ev), int64(len(ev.JSON())))
	assert.Equal(t, int64(len("m.room.create")+len("$create")), valueCost(types.StateMap{
		{EventType: types.MRoomCreate}: "$create",
	}))
}

func TestRistrettoCachePartition_ConcurrentReadWrites_ThreadSafe(t *testing.T) {
	t.Parallel()
	cache := createDefaultTestCache(t)

	const numGoroutines = 50
	var wg sync.WaitGroup
	wg.Add(numGoroutines * 2)
	for i := 0; i < numGoroutines; i++ {
		go func(id int) {
			defer wg.Done()
			for j := 0; j < 10; j++ {
				cache.RoomVersions.Set(fmt.Sprintf("!room%d-%d:server", id, j), "10")
			}
		}(i)
		go func(id int) {
			defer wg.Done()
			for j := 0; j < 10; j++ {
				_, _ = cache.RoomVersions.Get(fmt.Sprintf("!room%d-%d:server", j, id))
			}
		}(i)
	}
	wg.Wait()
}

func TestNewRistrettoCache_CreatesAllPartitions(t *testing.T) {
	t.Parallel()
	cache := NewRistrettoCache(1024*1024, time.Hour, DisableMetrics)

	require.NotNil(t, cache)
	require.NotNil(t, cache.RoomVersions)
	require.NotNil(t, cache.RoomServerRoomNIDs)
	require.NotNil(t, cache.RoomServerRoomIDs)
	require.NotNil(t, cache.RoomServerEvents)
	require.NotNil(t, cache.RoomServerStateSnapshots)
	require.NotNil(t, cache.RoomServerEventTypeNIDs)
	require.NotNil(t, cache.RoomServerEventTypes)
	require.NotNil(t, cache.RoomServerStateKeyNIDs)
	require.NotNil(t, cache.RoomServerStateKeys)
}
