// Copyright 2024 New Vector Ltd.
// Copyright 2017 Vector Creations Ltd
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

// Package types provides the types that are used internally within the roomserver.
package types

import (
	"sort"
	"strings"
)

// EventTypeNID is a numeric ID for an event type.
type EventTypeNID int64

// EventStateKeyNID is a numeric ID for an event state_key.
type EventStateKeyNID int64

// EventNID is a numeric ID for an event. It is also the local sequence
// number returned when an event is stored.
type EventNID int64

// RoomNID is a numeric ID for a room.
type RoomNID int64

// StateSnapshotNID is a numeric ID for the state at an event.
type StateSnapshotNID int64

// StateKeyTuple is a pair of a numeric event type and a numeric state key.
// It is used to lookup state entries. Together the two NIDs form the
// "short state key" of a slot.
type StateKeyTuple struct {
	// The numeric ID for the event type.
	EventTypeNID EventTypeNID
	// The numeric ID for the state key.
	EventStateKeyNID EventStateKeyNID
}

// LessThan returns true if this state key is less than the other state key.
// The ordering is arbitrary and is used to implement binary search and to efficiently deduplicate entries.
func (a StateKeyTuple) LessThan(b StateKeyTuple) bool {
	if a.EventTypeNID != b.EventTypeNID {
		return a.EventTypeNID < b.EventTypeNID
	}
	return a.EventStateKeyNID < b.EventStateKeyNID
}

// A StateEntry is an entry in the room state of a matrix room.
type StateEntry struct {
	StateKeyTuple
	// The numeric ID for the event.
	EventNID EventNID
}

// LessThan returns true if this state entry is less than the other state entry.
// The ordering is arbitrary and is used to implement binary search and to efficiently deduplicate entries.
func (a StateEntry) LessThan(b StateEntry) bool {
	if a.StateKeyTuple != b.StateKeyTuple {
		return a.StateKeyTuple.LessThan(b.StateKeyTuple)
	}
	return a.EventNID < b.EventNID
}

// StateEntrySorter sorts state entries by state key and then event NID.
type StateEntrySorter []StateEntry

func (s StateEntrySorter) Len() int           { return len(s) }
func (s StateEntrySorter) Less(i, j int) bool { return s[i].LessThan(s[j]) }
func (s StateEntrySorter) Swap(i, j int)      { s[i], s[j] = s[j], s[i] }

// DuplicateStateKeys returns the entries of a sorted list that share a state
// key with a neighbour. A valid snapshot has none.
func DuplicateStateKeys(a []StateEntry) []StateEntry {
	var result []StateEntry
	// j is the starting index of a block of entries with the same state key
	for i, j := 1, 0; i <= len(a); i++ {
		if i == len(a) || a[j].StateKeyTuple != a[i].StateKeyTuple {
			if i-j > 1 {
				result = append(result, a[j:i]...)
			}
			j = i
		}
	}
	return result
}

// StateTuple is the string form of a state slot: an event type and a state key.
type StateTuple struct {
	EventType string
	StateKey  string
}

func (t StateTuple) String() string {
	return t.EventType + "|" + t.StateKey
}

// StateMap maps state slots to the ID of the event that fills them.
type StateMap map[StateTuple]string

// Copy returns a shallow copy of the map.
func (m StateMap) Copy() StateMap {
	out := make(StateMap, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

// Create returns the event ID of the m.room.create event in the map.
func (m StateMap) Create() string {
	return m[StateTuple{EventType: MRoomCreate}]
}

// EventIDs returns the event IDs in the map, sorted.
func (m StateMap) EventIDs() []string {
	ids := make([]string, 0, len(m))
	for _, id := range m {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Tuples returns the slots in the map in a stable order.
func (m StateMap) Tuples() []StateTuple {
	tuples := make([]StateTuple, 0, len(m))
	for t := range m {
		tuples = append(tuples, t)
	}
	sort.Slice(tuples, func(i, j int) bool {
		if tuples[i].EventType != tuples[j].EventType {
			return tuples[i].EventType < tuples[j].EventType
		}
		return tuples[i].StateKey < tuples[j].StateKey
	})
	return tuples
}

// RoomInfo contains metadata about a room
type RoomInfo struct {
	RoomNID          RoomNID
	RoomID           string
	RoomVersion      RoomVersion
	CreateEventID    string
	LatestEventIDs   []string
	StateSnapshotNID StateSnapshotNID
	IsStub           bool
}

// InputStatus is the outcome of accepting an inbound event.
type InputStatus int

const (
	// Accepted events are part of the room DAG and contributed to room state.
	Accepted InputStatus = iota + 1
	// Outlier events are stored but do not take part in room state.
	Outlier
)

func (s InputStatus) String() string {
	switch s {
	case Accepted:
		return "accepted"
	case Outlier:
		return "outlier"
	default:
		return "unknown"
	}
}

// InputResult describes what happened to an inbound event.
type InputResult struct {
	EventID  string
	Status   InputStatus
	EventNID EventNID
	// Reason is set for outliers and explains why no state was available.
	Reason string
}

// ServersFromMemberships returns the distinct servers of the joined users
// in the given set of membership events, sorted.
func ServersFromMemberships(events []*Event) []string {
	seen := map[string]struct{}{}
	for _, ev := range events {
		if ev.Type() != MRoomMember || ev.StateKey() == nil {
			continue
		}
		if m, _ := ev.Membership(); m != MembershipJoin {
			continue
		}
		if idx := strings.IndexByte(*ev.StateKey(), ':'); idx >= 0 {
			seen[(*ev.StateKey())[idx+1:]] = struct{}{}
		}
	}
	servers := make([]string, 0, len(seen))
	for s := range seen {
		servers = append(servers, s)
	}
	sort.Strings(servers)
	return servers
}

// StoredEvent is a persisted event together with its local flags.
type StoredEvent struct {
	*Event
	EventNID EventNID
	// Rejected events failed authorization. They are kept for inspection
	// and never contribute to state.
	Rejected bool
	// Outlier events are not part of the room DAG.
	Outlier bool
	// Published is set once an accepted event was written to the output stream.
	Published bool
}
