// Copyright 2024 New Vector Ltd.
// Copyright 2017 Vector Creations Ltd
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

package input

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/matrix-org/gomatrixserverlib/spec"
	"github.com/sirupsen/logrus"

	"github.com/element-hq/fedcore/internal"
	"github.com/element-hq/fedcore/roomserver/api"
	"github.com/element-hq/fedcore/roomserver/state"
	"github.com/element-hq/fedcore/roomserver/storage"
	"github.com/element-hq/fedcore/roomserver/types"
)

// latestEventsUpdater moves the forward extremities of a room past a newly
// accepted event and recalculates the current state from them.
//
// The forward extremities are the events that no other accepted event
// references as a prev event. The new event replaces the extremities it
// references and becomes one itself unless an event of the DAG already
// points at it. If one extremity remains, the current state is the state after it.
// Otherwise the states after all extremities are resolved.
//
// The caller must hold the room lock.
type latestEventsUpdater struct {
	DB         storage.Database
	ServerName spec.ServerName

	room        *types.RoomInfo
	event       *types.Event
	stateBefore types.StateMap
}

func (u *latestEventsUpdater) update(ctx context.Context) (*api.OutputNewRoomEvent, error) {
	trace, ctx := internal.StartRegion(ctx, "updateLatestEvents")
	defer trace.EndRegion()

	latest, err := u.calculateLatest(ctx)
	if err != nil {
		return nil, err
	}
	current, err := u.calculateCurrentState(ctx, latest)
	if err != nil {
		return nil, err
	}

	var old types.StateMap
	if u.room.StateSnapshotNID != 0 {
		if old, err = u.DB.StateAtSnapshot(ctx, u.room.StateSnapshotNID); err != nil {
			return nil, fmt.Errorf("u.DB.StateAtSnapshot: %w", err)
		}
	}
	snapshotNID, err := u.DB.AddState(ctx, u.room.RoomNID, current)
	if err != nil {
		return nil, fmt.Errorf("u.DB.AddState: %w", err)
	}
	if err = u.DB.UpdateLatestEvents(ctx, u.room.RoomNID, latest, snapshotNID); err != nil {
		return nil, fmt.Errorf("u.DB.UpdateLatestEvents: %w", err)
	}

	adds, removes := stateDelta(old, current)
	joined, err := u.joinedLocalUsers(ctx, current)
	if err != nil {
		return nil, err
	}
	logrus.WithFields(logrus.Fields{
		"room_id":        u.room.RoomID,
		"event_id":       u.event.EventID(),
		"latest":         len(latest),
		"state_added":    len(adds),
		"state_removed":  len(removes),
		"state_snapshot": snapshotNID,
	}).Debug("Updated forward extremities")

	return &api.OutputNewRoomEvent{
		EventID:              u.event.EventID(),
		RoomID:               u.room.RoomID,
		RoomVersion:          u.room.RoomVersion,
		Event:                u.event.JSON(),
		Redacted:             u.event.Redacted(),
		LatestEventIDs:       latest,
		AddsStateEventIDs:    adds,
		RemovesStateEventIDs: removes,
		JoinedLocalUsers:     joined,
	}, nil
}

func (u *latestEventsUpdater) calculateLatest(ctx context.Context) ([]string, error) {
	prevs := make(map[string]struct{}, len(u.event.PrevEventIDs()))
	for _, id := range u.event.PrevEventIDs() {
		prevs[id] = struct{}{}
	}
	oldLatest, err := u.DB.EventsByID(ctx, u.room.LatestEventIDs)
	if err != nil {
		return nil, fmt.Errorf("u.DB.EventsByID: %w", err)
	}
	if len(oldLatest) != len(u.room.LatestEventIDs) {
		return nil, types.StorageInconsistencyError{
			RoomID: u.room.RoomID,
			Reason: fmt.Sprintf("%d forward extremities, only %d are stored", len(u.room.LatestEventIDs), len(oldLatest)),
		}
	}

	// A late event can be referenced by events that are no longer
	// extremities themselves.
	referenced, err := u.DB.PrevEventReferenced(ctx, u.event.EventID())
	if err != nil {
		return nil, fmt.Errorf("u.DB.PrevEventReferenced: %w", err)
	}
	latest := make([]string, 0, len(oldLatest)+1)
	for _, ev := range oldLatest {
		if _, ok := prevs[ev.EventID()]; !ok && ev.EventID() != u.event.EventID() {
			latest = append(latest, ev.EventID())
		}
	}
	if !referenced {
		latest = append(latest, u.event.EventID())
	}
	sort.Strings(latest)
	return latest, nil
}

// calculateCurrentState returns the state after the given extremities.
func (u *latestEventsUpdater) calculateCurrentState(ctx context.Context, latest []string) (types.StateMap, error) {
	stateAfterEvent := u.stateBefore.Copy()
	if tuple, ok := u.event.StateTuple(); ok {
		stateAfterEvent[tuple] = u.event.EventID()
	}
	if len(latest) == 1 && latest[0] == u.event.EventID() {
		return stateAfterEvent, nil
	}

	forks := make([]types.StateMap, 0, len(latest))
	stored, err := u.DB.EventsByID(ctx, latest)
	if err != nil {
		return nil, fmt.Errorf("u.DB.EventsByID: %w", err)
	}
	for _, se := range stored {
		if se.EventID() == u.event.EventID() {
			forks = append(forks, stateAfterEvent)
			continue
		}
		snapshotNID, err := u.DB.SnapshotBeforeEvent(ctx, se.EventID())
		if err != nil {
			return nil, fmt.Errorf("u.DB.SnapshotBeforeEvent: %w", err)
		}
		if snapshotNID == 0 {
			return nil, types.StorageInconsistencyError{
				RoomID: u.room.RoomID,
				Reason: fmt.Sprintf("forward extremity %s has no state", se.EventID()),
			}
		}
		fork, err := u.DB.StateAtSnapshot(ctx, snapshotNID)
		if err != nil {
			return nil, fmt.Errorf("u.DB.StateAtSnapshot: %w", err)
		}
		if tuple, ok := se.StateTuple(); ok {
			fork[tuple] = se.EventID()
		}
		forks = append(forks, fork)
	}
	if len(forks) == 1 {
		return forks[0], nil
	}
	resolved, err := state.ResolveForks(ctx, u.DB, u.room.RoomVersion, forks)
	if err != nil {
		return nil, fmt.Errorf("state.ResolveForks: %w", err)
	}
	return resolved, nil
}

// joinedLocalUsers lists the local users whose membership in the state is join.
func (u *latestEventsUpdater) joinedLocalUsers(ctx context.Context, current types.StateMap) ([]string, error) {
	suffix := ":" + string(u.ServerName)
	var memberIDs []string
	for tuple, id := range current {
		if tuple.EventType == types.MRoomMember && strings.HasSuffix(tuple.StateKey, suffix) {
			memberIDs = append(memberIDs, id)
		}
	}
	if len(memberIDs) == 0 {
		return nil, nil
	}
	members, err := u.DB.EventsByID(ctx, memberIDs)
	if err != nil {
		return nil, fmt.Errorf("u.DB.EventsByID: %w", err)
	}
	var joined []string
	for _, se := range members {
		if membership, _ := se.Membership(); membership == types.MembershipJoin {
			joined = append(joined, *se.StateKey())
		}
	}
	sort.Strings(joined)
	return joined, nil
}

// stateDelta returns the event IDs that entered and left the state.
func stateDelta(old, current types.StateMap) (adds, removes []string) {
	for tuple, id := range current {
		if old[tuple] != id {
			adds = append(adds, id)
		}
	}
	for tuple, id := range old {
		if current[tuple] != id {
			removes = append(removes, id)
		}
	}
	sort.Strings(adds)
	sort.Strings(removes)
	return adds, removes
}
