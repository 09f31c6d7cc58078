// Copyright 2024 New Vector Ltd.
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

package auth

import (
	"fmt"

	"github.com/element-hq/fedcore/roomserver/types"
)

// AuthEvents is a set of state events an event is checked against, with
// at most one event per slot.
type AuthEvents struct {
	events map[types.StateTuple]*types.Event
}

// NewAuthEvents builds an AuthEvents from the given state events. Two events
// for the same slot are an error.
func NewAuthEvents(events []*types.Event) (*AuthEvents, error) {
	ae := &AuthEvents{events: make(map[types.StateTuple]*types.Event, len(events))}
	for _, ev := range events {
		if err := ae.Add(ev); err != nil {
			return nil, err
		}
	}
	return ae, nil
}

// Add adds a state event. Adding a second event for an occupied slot fails.
func (ae *AuthEvents) Add(ev *types.Event) error {
	tuple, ok := ev.StateTuple()
	if !ok {
		return fmt.Errorf("auth event %s is not a state event", ev.EventID())
	}
	if existing, ok := ae.events[tuple]; ok && existing.EventID() != ev.EventID() {
		return fmt.Errorf("auth events %s and %s both claim %s", existing.EventID(), ev.EventID(), tuple)
	}
	ae.events[tuple] = ev
	return nil
}

// Replace sets the event for a slot, overwriting what was there.
func (ae *AuthEvents) Replace(ev *types.Event) {
	if tuple, ok := ev.StateTuple(); ok {
		ae.events[tuple] = ev
	}
}

func (ae *AuthEvents) Len() int { return len(ae.events) }

func (ae *AuthEvents) Get(eventType, stateKey string) *types.Event {
	return ae.events[types.StateTuple{EventType: eventType, StateKey: stateKey}]
}

func (ae *AuthEvents) Create() *types.Event      { return ae.Get(types.MRoomCreate, "") }
func (ae *AuthEvents) PowerLevels() *types.Event { return ae.Get(types.MRoomPowerLevels, "") }
func (ae *AuthEvents) JoinRules() *types.Event   { return ae.Get(types.MRoomJoinRules, "") }

func (ae *AuthEvents) Member(userID string) *types.Event {
	return ae.Get(types.MRoomMember, userID)
}

func (ae *AuthEvents) ThirdPartyInvite(token string) *types.Event {
	return ae.Get(types.MRoomThirdPartyInvite, token)
}

// membership returns the membership of a user, "leave" if unknown.
func (ae *AuthEvents) membership(userID string) string {
	ev := ae.Member(userID)
	if ev == nil {
		return types.MembershipLeave
	}
	m, err := ev.Membership()
	if err != nil {
		return types.MembershipLeave
	}
	return m
}
