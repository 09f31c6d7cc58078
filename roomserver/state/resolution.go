// Copyright 2024 New Vector Ltd.
// Copyright 2020 The Matrix.org Foundation C.I.C.
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

package state

import (
	"container/heap"
	"context"
	"sort"

	"github.com/sirupsen/logrus"

	"github.com/element-hq/fedcore/internal"
	"github.com/element-hq/fedcore/roomserver/auth"
	"github.com/element-hq/fedcore/roomserver/types"
)

var powerLevelsTuple = types.StateTuple{EventType: types.MRoomPowerLevels}

// ResolveForks merges the given fork states with state resolution v2. The
// result only depends on the set of forks, not on their order. Every event
// of every fork must be stored; events that are not are left out of the
// conflicted set.
func ResolveForks(ctx context.Context, db Database, version types.RoomVersion, forks []types.StateMap) (types.StateMap, error) {
	if _, err := types.RulesFor(version); err != nil {
		return nil, err
	}
	switch len(forks) {
	case 0:
		return types.StateMap{}, nil
	case 1:
		return forks[0].Copy(), nil
	}
	trace, ctx := internal.StartRegion(ctx, "ResolveForks")
	defer trace.EndRegion()

	r := &resolver{loader: newEventLoader(db)}
	return r.resolve(ctx, forks)
}

// resolver holds the scratch state of one resolution.
type resolver struct {
	loader *eventLoader
}

func (r *resolver) resolve(ctx context.Context, forks []types.StateMap) (types.StateMap, error) {
	unconflicted, conflicted := separate(forks)
	if len(conflicted) == 0 {
		return unconflicted, nil
	}

	fullConflicted := map[string]struct{}{}
	for _, ids := range conflicted {
		for _, id := range ids {
			fullConflicted[id] = struct{}{}
		}
	}
	authDifference, err := r.authDifference(ctx, forks)
	if err != nil {
		return nil, err
	}
	for id := range authDifference {
		fullConflicted[id] = struct{}{}
	}
	ids := make([]string, 0, len(fullConflicted))
	for id := range fullConflicted {
		ids = append(ids, id)
	}
	if err = r.loader.load(ctx, ids); err != nil {
		return nil, err
	}
	for id := range fullConflicted {
		if r.loader.events[id] == nil {
			delete(fullConflicted, id)
		}
	}

	powerEvents, err := r.powerEventsWithAncestors(ctx, fullConflicted)
	if err != nil {
		return nil, err
	}
	sortedPower, err := r.reverseTopologicalPowerOrder(ctx, powerEvents)
	if err != nil {
		return nil, err
	}
	resolved, err := r.iterativeAuthChecks(ctx, sortedPower, unconflicted.Copy())
	if err != nil {
		return nil, err
	}

	inPower := make(map[string]struct{}, len(sortedPower))
	for _, ev := range sortedPower {
		inPower[ev.EventID()] = struct{}{}
	}
	var leftover []*types.Event
	for id := range fullConflicted {
		if _, ok := inPower[id]; !ok {
			leftover = append(leftover, r.loader.events[id])
		}
	}
	sortedLeftover, err := r.mainlineOrder(ctx, leftover, resolved[powerLevelsTuple])
	if err != nil {
		return nil, err
	}
	resolved, err = r.iterativeAuthChecks(ctx, sortedLeftover, resolved)
	if err != nil {
		return nil, err
	}

	for tuple, id := range unconflicted {
		resolved[tuple] = id
	}
	logrus.WithFields(logrus.Fields{
		"forks":           len(forks),
		"conflicted":      len(conflicted),
		"full_conflicted": len(fullConflicted),
	}).Debug("Resolved state forks")
	return resolved, nil
}

// separate splits the forks into the slots all forks agree on and the event
// IDs competing for each remaining slot.
func separate(forks []types.StateMap) (types.StateMap, map[types.StateTuple][]string) {
	unconflicted := types.StateMap{}
	conflicted := map[types.StateTuple][]string{}
	seen := map[types.StateTuple]struct{}{}
	for _, fork := range forks {
		for tuple := range fork {
			if _, ok := seen[tuple]; ok {
				continue
			}
			seen[tuple] = struct{}{}
			var ids []string
			agreed := true
			for _, other := range forks {
				id, ok := other[tuple]
				if !ok || id != fork[tuple] {
					agreed = false
				}
				if ok && !contains(ids, id) {
					ids = append(ids, id)
				}
			}
			if agreed {
				unconflicted[tuple] = fork[tuple]
			} else {
				sort.Strings(ids)
				conflicted[tuple] = ids
			}
		}
	}
	return unconflicted, conflicted
}

func contains(ids []string, id string) bool {
	for _, v := range ids {
		if v == id {
			return true
		}
	}
	return false
}

// authDifference returns the events that are in the auth chain of some
// forks but not of all of them.
func (r *resolver) authDifference(ctx context.Context, forks []types.StateMap) (map[string]struct{}, error) {
	counts := map[string]int{}
	for _, fork := range forks {
		chain, err := r.loader.authChain(ctx, fork.EventIDs())
		if err != nil {
			return nil, err
		}
		for _, id := range fork {
			chain[id] = struct{}{}
		}
		for id := range chain {
			counts[id]++
		}
	}
	difference := map[string]struct{}{}
	for id, n := range counts {
		if n < len(forks) {
			difference[id] = struct{}{}
		}
	}
	return difference, nil
}

// isPowerEvent reports whether an event changes who may do what in the room.
func isPowerEvent(ev *types.Event) bool {
	switch {
	case ev.Type() == types.MRoomPowerLevels && ev.StateKeyEquals(""):
		return true
	case ev.Type() == types.MRoomJoinRules && ev.StateKeyEquals(""):
		return true
	case ev.Type() == types.MRoomCreate && ev.StateKeyEquals(""):
		return true
	case ev.Type() == types.MRoomMember && ev.StateKey() != nil:
		membership, err := ev.Membership()
		if err != nil {
			return false
		}
		if membership == types.MembershipLeave || membership == types.MembershipBan {
			return *ev.StateKey() != ev.Sender()
		}
	}
	return false
}

// powerEventsWithAncestors returns the power events of the conflicted set,
// plus every event of the conflicted set in their auth chains.
func (r *resolver) powerEventsWithAncestors(ctx context.Context, fullConflicted map[string]struct{}) (map[string]*types.Event, error) {
	result := map[string]*types.Event{}
	var frontier []string
	for id := range fullConflicted {
		if ev := r.loader.events[id]; isPowerEvent(ev) {
			result[id] = ev
			frontier = append(frontier, id)
		}
	}
	for len(frontier) > 0 {
		var next []string
		for _, id := range frontier {
			for _, authID := range r.loader.events[id].AuthEventIDs() {
				if _, ok := fullConflicted[authID]; !ok {
					continue
				}
				if _, ok := result[authID]; ok {
					continue
				}
				result[authID] = r.loader.events[authID]
				next = append(next, authID)
			}
		}
		frontier = next
	}
	return result, nil
}

type powerSortKey struct {
	ev    *types.Event
	power int64
}

// less orders by descending sender power, then timestamp, then event ID.
func (a powerSortKey) less(b powerSortKey) bool {
	if a.power != b.power {
		return a.power > b.power
	}
	if a.ev.OriginServerTS() != b.ev.OriginServerTS() {
		return a.ev.OriginServerTS() < b.ev.OriginServerTS()
	}
	return a.ev.EventID() < b.ev.EventID()
}

type powerHeap []powerSortKey

func (h powerHeap) Len() int            { return len(h) }
func (h powerHeap) Less(i, j int) bool  { return h[i].less(h[j]) }
func (h powerHeap) Swap(i, j int)       { h[i], h[j] = h[j], h[i] }
func (h *powerHeap) Push(x interface{}) { *h = append(*h, x.(powerSortKey)) }
func (h *powerHeap) Pop() interface{} {
	old := *h
	n := len(old)
	x := old[n-1]
	*h = old[:n-1]
	return x
}

// reverseTopologicalPowerOrder sorts events so that every event comes after
// its auth events, breaking ties with powerSortKey.less.
func (r *resolver) reverseTopologicalPowerOrder(ctx context.Context, events map[string]*types.Event) ([]*types.Event, error) {
	keys := make(map[string]powerSortKey, len(events))
	inDegree := make(map[string]int, len(events))
	children := map[string][]string{}
	for id, ev := range events {
		authEvents, err := r.loader.authEvents(ctx, ev)
		if err != nil {
			return nil, err
		}
		keys[id] = powerSortKey{ev: ev, power: auth.SenderPowerLevel(ev, authEvents)}
		for _, authID := range ev.AuthEventIDs() {
			if _, ok := events[authID]; ok {
				inDegree[id]++
				children[authID] = append(children[authID], id)
			}
		}
	}

	h := &powerHeap{}
	for id := range events {
		if inDegree[id] == 0 {
			heap.Push(h, keys[id])
		}
	}
	sorted := make([]*types.Event, 0, len(events))
	for h.Len() > 0 {
		next := heap.Pop(h).(powerSortKey)
		sorted = append(sorted, next.ev)
		for _, child := range children[next.ev.EventID()] {
			inDegree[child]--
			if inDegree[child] == 0 {
				heap.Push(h, keys[child])
			}
		}
	}
	return sorted, nil
}

// iterativeAuthChecks applies the events in order to the partial state,
// keeping each one that is allowed by its auth events overlaid with the
// partial state.
func (r *resolver) iterativeAuthChecks(ctx context.Context, events []*types.Event, partial types.StateMap) (types.StateMap, error) {
	for _, ev := range events {
		tuple, ok := ev.StateTuple()
		if !ok {
			continue
		}
		rules, err := auth.RulesFor(ev.Version())
		if err != nil {
			return nil, err
		}
		ownAuthEvents, err := r.loader.authEvents(ctx, ev)
		if err != nil {
			return nil, err
		}
		authEvents := map[types.StateTuple]*types.Event{}
		for _, authEv := range ownAuthEvents {
			if authTuple, ok := authEv.StateTuple(); ok {
				authEvents[authTuple] = authEv
			}
		}
		for _, authTuple := range rules.AuthEventTypes(ev) {
			id, ok := partial[authTuple]
			if !ok {
				continue
			}
			authEv, err := r.loader.event(ctx, id)
			if err != nil {
				return nil, err
			}
			if authEv != nil {
				authEvents[authTuple] = authEv
			}
		}
		selected := make([]*types.Event, 0, len(authEvents))
		for _, authEv := range authEvents {
			selected = append(selected, authEv)
		}
		if err = auth.Allowed(ev, selected); err != nil {
			logrus.WithError(err).WithField("event_id", ev.EventID()).Trace("Event not allowed during state resolution")
			continue
		}
		partial[tuple] = ev.EventID()
	}
	return partial, nil
}

// powerLevelsParent returns the power levels event among the auth events.
func (r *resolver) powerLevelsParent(ctx context.Context, ev *types.Event) (*types.Event, error) {
	authEvents, err := r.loader.authEvents(ctx, ev)
	if err != nil {
		return nil, err
	}
	for _, authEv := range authEvents {
		if authEv.Type() == types.MRoomPowerLevels && authEv.StateKeyEquals("") {
			return authEv, nil
		}
	}
	return nil, nil
}

// mainlineOrder sorts events by the position of their closest ancestor on
// the power levels mainline, then timestamp, then event ID.
func (r *resolver) mainlineOrder(ctx context.Context, events []*types.Event, resolvedPowerLevels string) ([]*types.Event, error) {
	var mainline []string
	if resolvedPowerLevels != "" {
		pl, err := r.loader.event(ctx, resolvedPowerLevels)
		if err != nil {
			return nil, err
		}
		for pl != nil {
			mainline = append(mainline, pl.EventID())
			if pl, err = r.powerLevelsParent(ctx, pl); err != nil {
				return nil, err
			}
		}
	}
	// The oldest power levels event is at position 1.
	positions := make(map[string]int, len(mainline))
	for i, id := range mainline {
		positions[id] = len(mainline) - i
	}

	depths := make(map[string]int, len(events))
	for _, ev := range events {
		depth := 0
		for current := ev; current != nil; {
			if pos, ok := positions[current.EventID()]; ok {
				depth = pos
				break
			}
			next, err := r.powerLevelsParent(ctx, current)
			if err != nil {
				return nil, err
			}
			current = next
		}
		depths[ev.EventID()] = depth
	}

	sorted := append([]*types.Event(nil), events...)
	sort.Slice(sorted, func(i, j int) bool {
		a, b := sorted[i], sorted[j]
		if depths[a.EventID()] != depths[b.EventID()] {
			return depths[a.EventID()] < depths[b.EventID()]
		}
		if a.OriginServerTS() != b.OriginServerTS() {
			return a.OriginServerTS() < b.OriginServerTS()
		}
		return a.EventID() < b.EventID()
	})
	return sorted, nil
}
