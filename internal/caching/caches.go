// Copyright 2024 New Vector Ltd.
// Copyright 2020 The Matrix.org Foundation C.I.C.
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

package caching

import (
	"github.com/element-hq/fedcore/roomserver/types"
)

// Caches contains a set of references to caches. They may be
// different implementations as long as they satisfy the Cache
// interface.
type Caches struct {
	RoomVersions             Cache[string, types.RoomVersion]      // room ID -> room version
	RoomServerRoomNIDs       Cache[string, types.RoomNID]          // room ID -> room NID
	RoomServerRoomIDs        Cache[types.RoomNID, string]          // room NID -> room ID
	RoomServerEvents         Cache[string, types.StoredEvent]      // event ID -> event
	RoomServerStateSnapshots Cache[types.StateSnapshotNID, types.StateMap]
	RoomServerEventTypeNIDs  Cache[string, types.EventTypeNID]     // event type -> event type NID
	RoomServerEventTypes     Cache[types.EventTypeNID, string]     // event type NID -> event type
	RoomServerStateKeyNIDs   Cache[string, types.EventStateKeyNID] // state key -> state key NID
	RoomServerStateKeys      Cache[types.EventStateKeyNID, string] // state key NID -> state key
}

// Cache is the interface that an implementation must satisfy.
type Cache[K keyable, T any] interface {
	Get(key K) (value T, ok bool)
	Set(key K, value T)
	Unset(key K)
}

type keyable interface {
	// from https://github.com/dgraph-io/ristretto/blob/8e850b710d6df0383c375ec6a7beae4ce48fc8d5/z/z.go#L34
	~uint64 | ~string | []byte | ~byte | ~int | ~int32 | ~uint32 | ~int64
}

type costable interface {
	CacheCost() int
}
