// Copyright 2024 New Vector Ltd.
// Copyright 2022 The Matrix.org Foundation C.I.C.
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

package caching

import (
	"fmt"
	"reflect"
	"time"
	"unsafe"

	"github.com/dgraph-io/ristretto"
	"github.com/dgraph-io/ristretto/z"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/element-hq/fedcore/roomserver/types"
	"github.com/element-hq/fedcore/setup/config"
)

const (
	roomVersionsCache byte = iota + 1
	roomNIDsCache
	roomIDsCache
	roomEventsCache
	stateSnapshotsCache
	eventTypeNIDsCache
	eventTypesCache
	stateKeyNIDsCache
	stateKeysCache
)

const (
	DisableMetrics = false
	EnableMetrics  = true
)

const minCounters = 100

// NewRistrettoCache returns a set of caches sharing one ristretto cache,
// bounded by maxCost bytes. Entries live at most maxAge.
func NewRistrettoCache(maxCost config.DataUnit, maxAge time.Duration, enablePrometheus bool) *Caches {
	// 10 counters per 1KB data, affects bloom filter size. Caches under
	// 1KB still need some counters.
	numCounters := max(int64((maxCost/1024)*10), minCounters)
	cache, err := ristretto.NewCache(&ristretto.Config{
		NumCounters: numCounters,
		BufferItems: 64,             // recommended by the ristretto godocs as a sane buffer size value
		MaxCost:     int64(maxCost), // max cost is in bytes, as per the config
		Metrics:     true,           // needed for prometheus
		KeyToHash: func(key interface{}) (uint64, uint64) {
			return z.KeyToHash(key)
		},
	})
	if err != nil {
		panic(err)
	}
	if enablePrometheus {
		promauto.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace: "fedcore",
			Subsystem: "caching_ristretto",
			Name:      "ratio",
		}, func() float64 {
			return float64(cache.Metrics.Ratio())
		})
		promauto.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace: "fedcore",
			Subsystem: "caching_ristretto",
			Name:      "cost",
		}, func() float64 {
			return float64(cache.Metrics.CostAdded() - cache.Metrics.CostEvicted())
		})
	}
	return &Caches{
		RoomVersions: &RistrettoCachePartition[string, types.RoomVersion]{ // room ID -> room version
			cache:  cache,
			Prefix: roomVersionsCache,
			MaxAge: maxAge,
		},
		RoomServerRoomNIDs: &RistrettoCachePartition[string, types.RoomNID]{ // room ID -> room NID
			cache:  cache,
			Prefix: roomNIDsCache,
			MaxAge: maxAge,
		},
		RoomServerRoomIDs: &RistrettoCachePartition[types.RoomNID, string]{ // room NID -> room ID
			cache:  cache,
			Prefix: roomIDsCache,
			MaxAge: maxAge,
		},
		RoomServerEvents: &RistrettoCostedCachePartition[string, types.StoredEvent]{ // event ID -> event
			&RistrettoCachePartition[string, types.StoredEvent]{
				cache:   cache,
				Prefix:  roomEventsCache,
				MaxAge:  maxAge,
				Mutable: true, // outliers may later be accepted into the DAG
			},
		},
		RoomServerStateSnapshots: &RistrettoCostedCachePartition[types.StateSnapshotNID, types.StateMap]{
			&RistrettoCachePartition[types.StateSnapshotNID, types.StateMap]{
				cache:  cache,
				Prefix: stateSnapshotsCache,
				MaxAge: maxAge,
			},
		},
		RoomServerEventTypeNIDs: &RistrettoCachePartition[string, types.EventTypeNID]{
			cache:  cache,
			Prefix: eventTypeNIDsCache,
			MaxAge: maxAge,
		},
		RoomServerEventTypes: &RistrettoCachePartition[types.EventTypeNID, string]{
			cache:  cache,
			Prefix: eventTypesCache,
			MaxAge: maxAge,
		},
		RoomServerStateKeyNIDs: &RistrettoCachePartition[string, types.EventStateKeyNID]{
			cache:  cache,
			Prefix: stateKeyNIDsCache,
			MaxAge: maxAge,
		},
		RoomServerStateKeys: &RistrettoCachePartition[types.EventStateKeyNID, string]{
			cache:  cache,
			Prefix: stateKeysCache,
			MaxAge: maxAge,
		},
	}
}

type RistrettoCostedCachePartition[k keyable, v any] struct {
	*RistrettoCachePartition[k, v]
}

func (c *RistrettoCostedCachePartition[K, V]) Set(key K, value V) {
	cost := valueCost(value)
	if cv, ok := any(value).(costable); ok {
		cost = int64(cv.CacheCost())
	}
	c.setWithCost(key, value, cost)
}

type RistrettoCachePartition[K keyable, V any] struct {
	cache   *ristretto.Cache
	Prefix  byte
	Mutable bool
	MaxAge  time.Duration
}

func (c *RistrettoCachePartition[K, V]) setWithCost(key K, value V, cost int64) {
	bkey := fmt.Sprintf("%c%v", c.Prefix, key)
	if !c.Mutable {
		if v, ok := c.cache.Get(bkey); ok && v != nil && !reflect.DeepEqual(v, value) {
			panic(fmt.Sprintf("invalid use of immutable cache tries to change value of %v from %v to %v", key, v, value))
		}
	}
	c.cache.SetWithTTL(bkey, value, int64(len(bkey))+cost, c.MaxAge)
}

func (c *RistrettoCachePartition[K, V]) Set(key K, value V) {
	c.setWithCost(key, value, valueCost(value))
}

func (c *RistrettoCachePartition[K, V]) Unset(key K) {
	bkey := fmt.Sprintf("%c%v", c.Prefix, key)
	if !c.Mutable {
		panic(fmt.Sprintf("invalid use of immutable cache tries to unset value of %v", key))
	}
	c.cache.Del(bkey)
}

func (c *RistrettoCachePartition[K, V]) Get(key K) (value V, ok bool) {
	bkey := fmt.Sprintf("%c%v", c.Prefix, key)
	v, ok := c.cache.Get(bkey)
	if !ok || v == nil {
		var empty V
		return empty, false
	}
	value, ok = v.(V)
	return
}

// valueCost estimates the number of bytes a value occupies.
func valueCost(value any) int64 {
	switch v := value.(type) {
	case string:
		return int64(len(v))
	case types.StoredEvent:
		if v.Event == nil {
			return int64(unsafe.Sizeof(v))
		}
		return int64(unsafe.Sizeof(v)) + int64(len(v.JSON()))
	case types.StateMap:
		cost := int64(0)
		for tuple, eventID := range v {
			cost += int64(len(tuple.EventType) + len(tuple.StateKey) + len(eventID))
		}
		return cost
	default:
		return int64(unsafe.Sizeof(value))
	}
}
