// Copyright 2024 New Vector Ltd.
// Copyright 2017 Vector Creations Ltd
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

// Package state works out the room state before an event, resolving forks
// in the room DAG where needed.
package state

import (
	"context"
	"errors"
	"fmt"

	"github.com/matrix-org/gomatrixserverlib/spec"
	"github.com/sirupsen/logrus"

	"github.com/element-hq/fedcore/internal"
	"github.com/element-hq/fedcore/roomserver/types"
)

// Database is the part of the roomserver storage state resolution reads.
type Database interface {
	EventsByID(ctx context.Context, eventIDs []string) ([]types.StoredEvent, error)
	RoomInfo(ctx context.Context, roomID string) (*types.RoomInfo, error)
	SnapshotBeforeEvent(ctx context.Context, eventID string) (types.StateSnapshotNID, error)
	StateAtSnapshot(ctx context.Context, snapshotNID types.StateSnapshotNID) (types.StateMap, error)
}

// RemoteStateFetcher asks other servers for the state before an event.
type RemoteStateFetcher interface {
	// StateIDs returns the IDs of the state events before an event and of
	// their auth chain, as claimed by the given server.
	StateIDs(ctx context.Context, origin spec.ServerName, roomID, eventID string) (stateIDs, authChainIDs []string, err error)
	// FetchOutliers makes sure the given events are stored, fetching and
	// authorizing those that are not. It returns the stored events among them.
	FetchOutliers(ctx context.Context, origin spec.ServerName, room *types.RoomInfo, eventIDs []string) ([]types.StoredEvent, error)
}

// StateResolver calculates the state before events.
type StateResolver struct {
	DB Database
	// Remote may be nil, in which case events whose state can't be worked
	// out locally fail with a types.MissingStateError.
	Remote RemoteStateFetcher
}

func NewStateResolver(db Database, remote RemoteStateFetcher) *StateResolver {
	return &StateResolver{DB: db, Remote: remote}
}

// StateBeforeEvent returns the state of the room before the event. The
// state is taken from the snapshots of the prev events when they are all
// known, and asked from the origin otherwise. It returns a
// types.MissingStateError if neither works. Callers must hold the room lock.
func (r *StateResolver) StateBeforeEvent(ctx context.Context, origin spec.ServerName, ev *types.Event) (types.StateMap, error) {
	trace, ctx := internal.StartRegion(ctx, "StateBeforeEvent")
	defer trace.EndRegion()

	if len(ev.PrevEventIDs()) == 0 {
		return types.StateMap{}, nil
	}
	logger := logrus.WithFields(logrus.Fields{
		"room_id":  ev.RoomID(),
		"event_id": ev.EventID(),
	})

	forks, err := r.forkStates(ctx, ev.PrevEventIDs())
	if err != nil {
		return nil, err
	}
	if forks != nil {
		if len(forks) == 1 {
			return forks[0], nil
		}
		resolved, resErr := ResolveForks(ctx, r.DB, ev.Version(), forks)
		if resErr == nil {
			return resolved, nil
		}
		var inconsistent types.StorageInconsistencyError
		if errors.As(resErr, &inconsistent) {
			return nil, resErr
		}
		logger.WithError(resErr).Warn("Failed to resolve state of prev events, asking origin")
	}

	if r.Remote == nil {
		return nil, types.MissingStateError(fmt.Sprintf("state before %s is not known locally", ev.EventID()))
	}
	state, err := r.remoteState(ctx, origin, ev)
	if err != nil {
		logger.WithError(err).Warn("Failed to retrieve state from origin")
		var missing types.MissingStateError
		if errors.As(err, &missing) {
			return nil, err
		}
		return nil, types.MissingStateError(fmt.Sprintf("state before %s: %s", ev.EventID(), err))
	}
	return state, nil
}

// forkStates returns the state after each prev event, or nil if any of them
// has no known state.
func (r *StateResolver) forkStates(ctx context.Context, prevEventIDs []string) ([]types.StateMap, error) {
	stored, err := r.DB.EventsByID(ctx, prevEventIDs)
	if err != nil {
		return nil, fmt.Errorf("r.DB.EventsByID: %w", err)
	}
	byID := make(map[string]types.StoredEvent, len(stored))
	for _, se := range stored {
		byID[se.EventID()] = se
	}

	forks := make([]types.StateMap, 0, len(prevEventIDs))
	seen := map[string]struct{}{}
	for _, prevID := range prevEventIDs {
		if _, ok := seen[prevID]; ok {
			continue
		}
		seen[prevID] = struct{}{}
		prev, ok := byID[prevID]
		if !ok || prev.Outlier || prev.Rejected {
			return nil, nil
		}
		snapshotNID, err := r.DB.SnapshotBeforeEvent(ctx, prevID)
		if err != nil {
			return nil, fmt.Errorf("r.DB.SnapshotBeforeEvent: %w", err)
		}
		if snapshotNID == 0 {
			return nil, nil
		}
		fork, err := r.DB.StateAtSnapshot(ctx, snapshotNID)
		if err != nil {
			return nil, fmt.Errorf("r.DB.StateAtSnapshot: %w", err)
		}
		if tuple, ok := prev.StateTuple(); ok {
			fork[tuple] = prevID
		}
		forks = append(forks, fork)
	}
	return forks, nil
}

// remoteState asks the origin for the state before the event and fetches
// every event it names.
func (r *StateResolver) remoteState(ctx context.Context, origin spec.ServerName, ev *types.Event) (types.StateMap, error) {
	room, err := r.DB.RoomInfo(ctx, ev.RoomID())
	if err != nil {
		return nil, fmt.Errorf("r.DB.RoomInfo: %w", err)
	}
	if room == nil || room.CreateEventID == "" {
		return nil, types.ErrorInvalidRoomInfo
	}
	stateIDs, authChainIDs, err := r.Remote.StateIDs(ctx, origin, ev.RoomID(), ev.EventID())
	if err != nil {
		return nil, fmt.Errorf("r.Remote.StateIDs: %w", err)
	}
	if _, err = r.Remote.FetchOutliers(ctx, origin, room, authChainIDs); err != nil {
		return nil, fmt.Errorf("r.Remote.FetchOutliers: %w", err)
	}
	stored, err := r.Remote.FetchOutliers(ctx, origin, room, stateIDs)
	if err != nil {
		return nil, fmt.Errorf("r.Remote.FetchOutliers: %w", err)
	}
	byID := make(map[string]types.StoredEvent, len(stored))
	for _, se := range stored {
		byID[se.EventID()] = se
	}

	state := make(types.StateMap, len(stateIDs))
	for _, id := range stateIDs {
		se, ok := byID[id]
		if !ok || se.Rejected {
			return nil, types.MissingStateError(fmt.Sprintf("state event %s from %s could not be obtained", id, origin))
		}
		tuple, ok := se.StateTuple()
		if !ok {
			return nil, types.MissingStateError(fmt.Sprintf("%s listed %s, which is not a state event", origin, id))
		}
		if existing, ok := state[tuple]; ok && existing != id {
			return nil, types.MissingStateError(fmt.Sprintf("%s listed %s and %s for %s", origin, existing, id, tuple))
		}
		state[tuple] = id
	}
	if state.Create() != room.CreateEventID {
		return nil, types.MissingStateError(fmt.Sprintf(
			"%s returned create event %q for room %s, expected %s", origin, state.Create(), room.RoomID, room.CreateEventID,
		))
	}
	return state, nil
}
