// Copyright 2024 New Vector Ltd.
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

package state

import (
	"context"
	"fmt"

	"github.com/element-hq/fedcore/roomserver/types"
)

// eventLoader memoises stored events for the duration of one resolution.
// Rejected events and events that are not stored load as nil.
type eventLoader struct {
	db     Database
	events map[string]*types.Event
}

func newEventLoader(db Database) *eventLoader {
	return &eventLoader{db: db, events: map[string]*types.Event{}}
}

func (l *eventLoader) load(ctx context.Context, eventIDs []string) error {
	var missing []string
	for _, id := range eventIDs {
		if _, ok := l.events[id]; !ok {
			missing = append(missing, id)
		}
	}
	if len(missing) == 0 {
		return nil
	}
	stored, err := l.db.EventsByID(ctx, missing)
	if err != nil {
		return fmt.Errorf("l.db.EventsByID: %w", err)
	}
	for _, id := range missing {
		l.events[id] = nil
	}
	for _, se := range stored {
		if !se.Rejected {
			l.events[se.EventID()] = se.Event
		}
	}
	return nil
}

func (l *eventLoader) event(ctx context.Context, eventID string) (*types.Event, error) {
	if err := l.load(ctx, []string{eventID}); err != nil {
		return nil, err
	}
	return l.events[eventID], nil
}

// authEvents returns the usable auth events of an event.
func (l *eventLoader) authEvents(ctx context.Context, ev *types.Event) ([]*types.Event, error) {
	if err := l.load(ctx, ev.AuthEventIDs()); err != nil {
		return nil, err
	}
	events := make([]*types.Event, 0, len(ev.AuthEventIDs()))
	for _, id := range ev.AuthEventIDs() {
		if authEv := l.events[id]; authEv != nil {
			events = append(events, authEv)
		}
	}
	return events, nil
}

// authChain walks auth_events breadth first from the given events. The
// starting events are only part of the result if another event reaches them.
func (l *eventLoader) authChain(ctx context.Context, eventIDs []string) (map[string]struct{}, error) {
	chain := map[string]struct{}{}
	frontier := eventIDs
	for len(frontier) > 0 {
		if err := l.load(ctx, frontier); err != nil {
			return nil, err
		}
		var next []string
		for _, id := range frontier {
			ev := l.events[id]
			if ev == nil {
				continue
			}
			for _, authID := range ev.AuthEventIDs() {
				if _, ok := chain[authID]; ok {
					continue
				}
				chain[authID] = struct{}{}
				next = append(next, authID)
			}
		}
		frontier = next
	}
	return chain, nil
}

// AuthChain returns the transitive closure of the auth events of the given
// events, as far as they are stored. The room's create event is a member of
// the auth chain of every other event in the room.
func AuthChain(ctx context.Context, db Database, eventIDs []string) (map[string]struct{}, error) {
	return newEventLoader(db).authChain(ctx, eventIDs)
}
