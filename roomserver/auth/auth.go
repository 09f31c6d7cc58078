// Copyright 2024 New Vector Ltd.
// Copyright 2020 The Matrix.org Foundation C.I.C.
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

package auth

import (
	"context"
	"fmt"

	"github.com/sirupsen/logrus"

	"github.com/element-hq/fedcore/roomserver/types"
)

// EventLoader loads persisted events by ID. Unknown IDs are left out of
// the result.
type EventLoader interface {
	EventsByID(ctx context.Context, eventIDs []string) ([]types.StoredEvent, error)
}

// Authorizer decides whether an event is permitted by the room's rules.
type Authorizer struct {
	DB EventLoader
}

func NewAuthorizer(db EventLoader) *Authorizer {
	return &Authorizer{DB: db}
}

// Authorize checks an event against its own auth events and then against
// the auth events selected from the state before it. Passing a nil
// stateBefore only runs the first check, which is what outliers get.
// A failed check returns a types.RejectedError. Auth events that are not
// stored yet return a types.MissingAuthEventError.
func (a *Authorizer) Authorize(ctx context.Context, ev *types.Event, stateBefore types.StateMap) error {
	rules, err := RulesFor(ev.Version())
	if err != nil {
		return err
	}
	if err = rules.CheckEventShape(ev); err != nil {
		return types.RejectedError(fmt.Sprintf("event %s is malformed: %s", ev.EventID(), err))
	}
	if ev.Type() == types.MRoomCreate {
		if len(stateBefore) > 0 {
			return types.RejectedError(fmt.Sprintf("create event %s has state before it", ev.EventID()))
		}
		return nil
	}

	fromAuthEvents, err := a.authEventsFromAuthEvents(ctx, rules, ev)
	if err != nil {
		return err
	}
	if err = rules.Allowed(ev, fromAuthEvents); err != nil {
		return types.RejectedError(fmt.Sprintf("event %s is not allowed by its auth events: %s", ev.EventID(), err))
	}
	if stateBefore == nil {
		return nil
	}

	createID := stateBefore.Create()
	if createID == "" {
		return types.RejectedError(fmt.Sprintf("no create event in the state before %s", ev.EventID()))
	}
	if createID != fromAuthEvents.Create().EventID() {
		return types.RejectedError(fmt.Sprintf(
			"event %s references create event %s, room has %s",
			ev.EventID(), fromAuthEvents.Create().EventID(), createID,
		))
	}
	fromState, err := a.authEventsFromState(ctx, rules, ev, stateBefore)
	if err != nil {
		return err
	}
	if err = rules.Allowed(ev, fromState); err != nil {
		return types.RejectedError(fmt.Sprintf("event %s is not allowed by the room state: %s", ev.EventID(), err))
	}
	return nil
}

// authEventsFromAuthEvents loads and checks the events listed in auth_events.
func (a *Authorizer) authEventsFromAuthEvents(ctx context.Context, rules RuleSet, ev *types.Event) (*AuthEvents, error) {
	ids := ev.AuthEventIDs()
	stored, err := a.DB.EventsByID(ctx, ids)
	if err != nil {
		return nil, fmt.Errorf("a.DB.EventsByID: %w", err)
	}
	byID := make(map[string]types.StoredEvent, len(stored))
	for _, se := range stored {
		byID[se.EventID()] = se
	}
	var missing []string
	for _, id := range ids {
		if _, ok := byID[id]; !ok {
			missing = append(missing, id)
		}
	}
	if len(missing) > 0 {
		return nil, types.MissingAuthEventError{EventID: ev.EventID(), MissingEventIDs: missing}
	}

	allowedSlots := map[types.StateTuple]struct{}{}
	for _, tuple := range rules.AuthEventTypes(ev) {
		allowedSlots[tuple] = struct{}{}
	}
	ae := &AuthEvents{events: map[types.StateTuple]*types.Event{}}
	for _, id := range ids {
		se := byID[id]
		if se.RoomID() != ev.RoomID() {
			return nil, types.RejectedError(fmt.Sprintf("auth event %s belongs to room %s", id, se.RoomID()))
		}
		if se.Rejected {
			return nil, types.RejectedError(fmt.Sprintf("auth event %s was rejected", id))
		}
		tuple, ok := se.StateTuple()
		if !ok {
			return nil, types.RejectedError(fmt.Sprintf("auth event %s is not a state event", id))
		}
		if _, ok = allowedSlots[tuple]; !ok {
			return nil, types.RejectedError(fmt.Sprintf("auth event %s fills %s, which %s does not need", id, tuple, ev.EventID()))
		}
		if err = ae.Add(se.Event); err != nil {
			return nil, types.RejectedError(err.Error())
		}
	}
	if ae.Create() == nil {
		return nil, types.RejectedError(fmt.Sprintf("event %s does not reference the create event", ev.EventID()))
	}
	return ae, nil
}

// authEventsFromState selects the auth events of an event from a state map.
func (a *Authorizer) authEventsFromState(ctx context.Context, rules RuleSet, ev *types.Event, state types.StateMap) (*AuthEvents, error) {
	var ids []string
	for _, tuple := range rules.AuthEventTypes(ev) {
		if id, ok := state[tuple]; ok {
			ids = append(ids, id)
		}
	}
	stored, err := a.DB.EventsByID(ctx, ids)
	if err != nil {
		return nil, fmt.Errorf("a.DB.EventsByID: %w", err)
	}
	if len(stored) != len(ids) {
		return nil, types.StorageInconsistencyError{
			RoomID: ev.RoomID(),
			Reason: fmt.Sprintf("state before %s references %d events, only %d are stored", ev.EventID(), len(ids), len(stored)),
		}
	}
	events := make([]*types.Event, 0, len(stored))
	for _, se := range stored {
		events = append(events, se.Event)
	}
	ae, err := NewAuthEvents(events)
	if err != nil {
		return nil, types.StorageInconsistencyError{RoomID: ev.RoomID(), Reason: err.Error()}
	}
	logrus.WithFields(logrus.Fields{
		"event_id":    ev.EventID(),
		"auth_events": ae.Len(),
	}).Trace("Selected auth events from state")
	return ae, nil
}

// Allowed checks an event against already selected auth events, without
// touching storage. State resolution uses it for iterative auth checks.
func Allowed(ev *types.Event, authEvents []*types.Event) error {
	rules, err := RulesFor(ev.Version())
	if err != nil {
		return err
	}
	if err = rules.CheckEventShape(ev); err != nil {
		return types.RejectedError(err.Error())
	}
	ae, err := NewAuthEvents(authEvents)
	if err != nil {
		return types.RejectedError(err.Error())
	}
	if err = rules.Allowed(ev, ae); err != nil {
		return types.RejectedError(err.Error())
	}
	return nil
}
