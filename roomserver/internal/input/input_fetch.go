// Copyright 2024 New Vector Ltd.
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

package input

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"github.com/hashicorp/golang-lru/v2/expirable"
	"github.com/matrix-org/gomatrixserverlib/spec"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"

	"github.com/element-hq/fedcore/internal/httputil"
	"github.com/element-hq/fedcore/roomserver/auth"
	"github.com/element-hq/fedcore/roomserver/storage"
	"github.com/element-hq/fedcore/roomserver/types"
	"github.com/element-hq/fedcore/setup/config"
)

// Number of events fetched in parallel for one request.
const fetchConcurrency = 8

// FederationFetcher requests events from other servers.
type FederationFetcher interface {
	GetEvent(ctx context.Context, server spec.ServerName, eventID string) (json.RawMessage, error)
	GetStateIDs(ctx context.Context, server spec.ServerName, roomID, eventID string) (stateIDs, authChainIDs []string, err error)
}

// DependencyFetcher retrieves events referenced by inbound events that we
// don't have yet. Fetched events are validated, their own auth events are
// fetched in turn, and they are stored as outliers after being authorized
// against their auth events.
type DependencyFetcher struct {
	DB         storage.Database
	Federation FederationFetcher
	Validator  *Validator
	Authorizer *auth.Authorizer
	ServerName spec.ServerName

	limits  *httputil.RateLimits
	missing *expirable.LRU[string, struct{}]
	fetches singleflight.Group
}

func NewDependencyFetcher(
	cfg *config.RoomServer, db storage.Database, federation FederationFetcher, validator *Validator, authorizer *auth.Authorizer,
) *DependencyFetcher {
	return &DependencyFetcher{
		DB:         db,
		Federation: federation,
		Validator:  validator,
		Authorizer: authorizer,
		ServerName: cfg.Matrix.ServerName,
		limits:     httputil.NewRateLimits(cfg.FetchRateLimit.PerSecond, cfg.FetchRateLimit.Burst),
		missing:    expirable.NewLRU[string, struct{}](cfg.MissingEventCacheSize, nil, cfg.MissingEventTTL),
	}
}

// Stop releases the background resources of the fetcher.
func (f *DependencyFetcher) Stop() {
	f.limits.Stop()
}

// FetchMissing makes sure the given events are stored, fetching at most
// budget of them from other servers. A negative budget means no limit. It
// returns the usable events among them, keyed by event ID. Events that
// could not be obtained are left out.
func (f *DependencyFetcher) FetchMissing(
	ctx context.Context, origin spec.ServerName, room *types.RoomInfo, eventIDs []string, budget int,
) (map[string]*types.Event, error) {
	stored, err := f.fetchAll(ctx, origin, room, eventIDs, budget)
	if err != nil {
		return nil, err
	}
	result := make(map[string]*types.Event, len(stored))
	for _, se := range stored {
		if !se.Rejected {
			result[se.EventID()] = se.Event
		}
	}
	return result, nil
}

// FetchOutliers implements state.RemoteStateFetcher.
func (f *DependencyFetcher) FetchOutliers(
	ctx context.Context, origin spec.ServerName, room *types.RoomInfo, eventIDs []string,
) ([]types.StoredEvent, error) {
	return f.fetchAll(ctx, origin, room, eventIDs, -1)
}

// StateIDs implements state.RemoteStateFetcher.
func (f *DependencyFetcher) StateIDs(ctx context.Context, origin spec.ServerName, roomID, eventID string) ([]string, []string, error) {
	if err := f.limits.Wait(ctx, "state_ids", origin); err != nil {
		return nil, nil, err
	}
	return f.Federation.GetStateIDs(ctx, origin, roomID, eventID)
}

// FetchAuthEvents makes sure every auth event of ev is stored. It returns a
// types.MissingAuthEventError naming those that could not be obtained.
func (f *DependencyFetcher) FetchAuthEvents(ctx context.Context, origin spec.ServerName, room *types.RoomInfo, ev *types.Event) error {
	stored, err := f.fetchAll(ctx, origin, room, ev.AuthEventIDs(), -1)
	if err != nil {
		return err
	}
	have := make(map[string]struct{}, len(stored))
	for _, se := range stored {
		have[se.EventID()] = struct{}{}
	}
	var missing []string
	for _, id := range ev.AuthEventIDs() {
		if _, ok := have[id]; !ok {
			missing = append(missing, id)
		}
	}
	if len(missing) > 0 {
		return types.MissingAuthEventError{EventID: ev.EventID(), MissingEventIDs: missing}
	}
	return nil
}

func (f *DependencyFetcher) fetchAll(
	ctx context.Context, origin spec.ServerName, room *types.RoomInfo, eventIDs []string, budget int,
) ([]types.StoredEvent, error) {
	eventIDs = dedupe(eventIDs)
	stored, err := f.DB.EventsByID(ctx, eventIDs)
	if err != nil {
		return nil, fmt.Errorf("f.DB.EventsByID: %w", err)
	}
	have := make(map[string]struct{}, len(stored))
	for _, se := range stored {
		have[se.EventID()] = struct{}{}
	}
	var missing []string
	for _, id := range eventIDs {
		if _, ok := have[id]; !ok {
			missing = append(missing, id)
		}
	}
	if len(missing) == 0 {
		return stored, nil
	}
	if budget >= 0 && len(missing) > budget {
		logrus.WithFields(logrus.Fields{
			"room_id": room.RoomID,
			"missing": len(missing),
			"budget":  budget,
		}).Warn("Too many missing events, only fetching some of them")
		missing = missing[:budget]
	}

	servers, err := f.candidateServers(ctx, origin, room)
	if err != nil {
		return nil, err
	}
	var mu sync.Mutex
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(fetchConcurrency)
	for _, id := range missing {
		id := id
		g.Go(func() error {
			se, err := f.fetchOutlier(gctx, servers, room, id)
			if err != nil {
				return err
			}
			if se != nil {
				mu.Lock()
				stored = append(stored, *se)
				mu.Unlock()
			}
			return nil
		})
	}
	if err = g.Wait(); err != nil {
		return nil, err
	}
	return stored, nil
}

// candidateServers lists the origin followed by the other servers that are
// joined to the room according to its current state.
func (f *DependencyFetcher) candidateServers(ctx context.Context, origin spec.ServerName, room *types.RoomInfo) ([]spec.ServerName, error) {
	servers := []spec.ServerName{origin}
	if room.StateSnapshotNID == 0 {
		return servers, nil
	}
	current, err := f.DB.StateAtSnapshot(ctx, room.StateSnapshotNID)
	if err != nil {
		return nil, fmt.Errorf("f.DB.StateAtSnapshot: %w", err)
	}
	var memberIDs []string
	for tuple, id := range current {
		if tuple.EventType == types.MRoomMember {
			memberIDs = append(memberIDs, id)
		}
	}
	members, err := f.DB.EventsByID(ctx, memberIDs)
	if err != nil {
		return nil, fmt.Errorf("f.DB.EventsByID: %w", err)
	}
	events := make([]*types.Event, len(members))
	for i := range members {
		events[i] = members[i].Event
	}
	for _, server := range types.ServersFromMemberships(events) {
		if name := spec.ServerName(server); name != origin && name != f.ServerName {
			servers = append(servers, name)
		}
	}
	return servers, nil
}

// fetchOutlier obtains, checks and stores one event. It returns nil if no
// server could provide a usable copy.
func (f *DependencyFetcher) fetchOutlier(
	ctx context.Context, servers []spec.ServerName, room *types.RoomInfo, eventID string,
) (*types.StoredEvent, error) {
	result, err, _ := f.fetches.Do(eventID, func() (interface{}, error) {
		return f.doFetchOutlier(ctx, servers, room, eventID)
	})
	if err != nil {
		return nil, err
	}
	return result.(*types.StoredEvent), nil
}

func (f *DependencyFetcher) doFetchOutlier(
	ctx context.Context, servers []spec.ServerName, room *types.RoomInfo, eventID string,
) (*types.StoredEvent, error) {
	if stored, err := f.DB.Event(ctx, eventID); err != nil {
		return nil, fmt.Errorf("f.DB.Event: %w", err)
	} else if stored != nil {
		return stored, nil
	}
	if f.missing.Contains(eventID) {
		return nil, nil
	}
	logger := logrus.WithFields(logrus.Fields{
		"room_id":  room.RoomID,
		"event_id": eventID,
	})

	ev, origin := f.requestEvent(ctx, servers, room, eventID)
	if ev == nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		logger.Info("Event could not be fetched from any server")
		f.missing.Add(eventID, struct{}{})
		return nil, nil
	}

	if err := f.FetchAuthEvents(ctx, origin, room, ev); err != nil {
		var missingAuth types.MissingAuthEventError
		if errors.As(err, &missingAuth) {
			logger.WithError(err).Info("Fetched event is missing auth events")
			f.missing.Add(eventID, struct{}{})
			return nil, nil
		}
		return nil, err
	}

	rejected := false
	if err := f.Authorizer.Authorize(ctx, ev, nil); err != nil {
		if !types.IsRejected(err) {
			return nil, fmt.Errorf("f.Authorizer.Authorize: %w", err)
		}
		logger.WithError(err).Warn("Fetched event is not allowed by its auth events")
		rejected = true
	}
	if _, err := f.DB.StoreEvent(ctx, room.RoomNID, ev, true, rejected); err != nil {
		return nil, fmt.Errorf("f.DB.StoreEvent: %w", err)
	}
	stored, err := f.DB.Event(ctx, eventID)
	if err != nil {
		return nil, fmt.Errorf("f.DB.Event: %w", err)
	}
	if stored == nil {
		return nil, types.StorageInconsistencyError{RoomID: room.RoomID, Reason: "stored event " + eventID + " disappeared"}
	}
	return stored, nil
}

// requestEvent asks each server in turn until one returns a valid copy of
// the event. It also returns the server that answered.
func (f *DependencyFetcher) requestEvent(
	ctx context.Context, servers []spec.ServerName, room *types.RoomInfo, eventID string,
) (*types.Event, spec.ServerName) {
	for _, server := range servers {
		logger := logrus.WithFields(logrus.Fields{
			"event_id": eventID,
			"server":   server,
		})
		if err := f.limits.Wait(ctx, "event", server); err != nil {
			return nil, ""
		}
		raw, err := f.Federation.GetEvent(ctx, server, eventID)
		if err != nil {
			logger.WithError(err).Debug("Failed to fetch event")
			continue
		}
		ev, err := f.Validator.Validate(ctx, server, raw, room.RoomVersion)
		if err != nil {
			logger.WithError(err).Debug("Fetched event failed validation")
			continue
		}
		switch {
		case ev.EventID() != eventID:
			logger.WithField("got_event_id", ev.EventID()).Warn("Server returned a different event")
		case ev.RoomID() != room.RoomID:
			logger.WithField("got_room_id", ev.RoomID()).Warn("Server returned an event from another room")
		case len(ev.AuthEventIDs()) == 0 && ev.EventID() != room.CreateEventID:
			logger.Warn("Server returned a second create event for the room")
		default:
			return ev, server
		}
	}
	return nil, ""
}

func dedupe(ids []string) []string {
	seen := make(map[string]struct{}, len(ids))
	result := make([]string, 0, len(ids))
	for _, id := range ids {
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		result = append(result, id)
	}
	return result
}
