// Copyright 2024 New Vector Ltd.
// Copyright 2017 Vector Creations Ltd
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

// Package input contains the code processes new room events
package input

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/getsentry/sentry-go"
	"github.com/matrix-org/gomatrixserverlib/spec"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"
	"github.com/tidwall/gjson"

	"github.com/element-hq/fedcore/internal"
	"github.com/element-hq/fedcore/roomserver/api"
	"github.com/element-hq/fedcore/roomserver/auth"
	"github.com/element-hq/fedcore/roomserver/state"
	"github.com/element-hq/fedcore/roomserver/storage"
	"github.com/element-hq/fedcore/roomserver/types"
	"github.com/element-hq/fedcore/setup/config"
)

func init() {
	prometheus.MustRegister(processRoomEventDuration, inboundEventsTotal)
}

var processRoomEventDuration = prometheus.NewHistogramVec(
	prometheus.HistogramOpts{
		Namespace: "fedcore",
		Subsystem: "roomserver",
		Name:      "processroomevent_duration_millis",
		Help:      "How long it takes the roomserver to process an inbound event",
		Buckets: []float64{ // milliseconds
			5, 10, 25, 50, 75, 100, 250, 500,
			1000, 2000, 3000, 4000, 5000, 6000,
			7000, 8000, 9000, 10000, 15000, 20000,
		},
	},
	[]string{"outcome"},
)

var inboundEventsTotal = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: "fedcore",
		Subsystem: "roomserver",
		Name:      "inbound_events_total",
		Help:      "Number of inbound federation events by outcome",
	},
	[]string{"outcome"},
)

// OutputProducer publishes accepted events to the output stream.
type OutputProducer interface {
	ProduceRoomEvent(ctx context.Context, update *api.OutputNewRoomEvent) error
}

// Inputer accepts events received over federation into rooms.
type Inputer struct {
	Cfg            *config.RoomServer
	DB             storage.Database
	Validator      *Validator
	Fetcher        *DependencyFetcher
	StateResolver  *state.StateResolver
	Authorizer     *auth.Authorizer
	OutputProducer OutputProducer
	ServerName     spec.ServerName

	roomLocks *internal.MutexByRoom
}

func NewInputer(
	cfg *config.RoomServer, db storage.Database, keys KeyResolver, federation FederationFetcher, producer OutputProducer,
) *Inputer {
	validator := &Validator{DB: db, Keys: keys}
	authorizer := auth.NewAuthorizer(db)
	fetcher := NewDependencyFetcher(cfg, db, federation, validator, authorizer)
	return &Inputer{
		Cfg:            cfg,
		DB:             db,
		Validator:      validator,
		Fetcher:        fetcher,
		StateResolver:  state.NewStateResolver(db, fetcher),
		Authorizer:     authorizer,
		OutputProducer: producer,
		ServerName:     cfg.Matrix.ServerName,
		roomLocks:      internal.NewMutexByRoom(),
	}
}

// Stop releases the background resources of the inputer.
func (r *Inputer) Stop() {
	r.Fetcher.Stop()
}

// AcceptInboundEvent validates, authorizes and stores an event received
// from origin. Events whose dependencies or state can't be obtained are
// stored as outliers where possible and reported with Status Outlier.
// Invalid or unauthorized events return a types.RejectedError.
// Accepting an event that was already accepted is a no-op.
func (r *Inputer) AcceptInboundEvent(ctx context.Context, origin spec.ServerName, raw []byte) (types.InputResult, error) {
	trace, ctx := internal.StartTask(ctx, "AcceptInboundEvent")
	defer trace.EndTask()
	started := time.Now()

	result, err := r.acceptInboundEvent(ctx, origin, raw)

	outcome := result.Status.String()
	switch {
	case types.IsRejected(err):
		outcome = "rejected"
	case err != nil:
		outcome = "error"
	}
	trace.SetTag("outcome", outcome)
	inboundEventsTotal.WithLabelValues(outcome).Inc()
	processRoomEventDuration.WithLabelValues(outcome).Observe(float64(time.Since(started).Milliseconds()))
	return result, err
}

func (r *Inputer) acceptInboundEvent(ctx context.Context, origin spec.ServerName, raw []byte) (types.InputResult, error) {
	roomID := gjson.GetBytes(raw, "room_id")
	if roomID.Type != gjson.String {
		return types.InputResult{}, types.RejectedError("event has no room_id")
	}
	room, err := r.DB.RoomInfo(ctx, roomID.Str)
	if err != nil {
		return types.InputResult{}, fmt.Errorf("r.DB.RoomInfo: %w", err)
	}
	var version types.RoomVersion
	switch {
	case room != nil:
		version = room.RoomVersion
	case gjson.GetBytes(raw, "type").Str == types.MRoomCreate:
		// Rooms created before versioning have no room_version.
		version = "1"
		if v := gjson.GetBytes(raw, "content.room_version"); v.Type == gjson.String {
			version = types.RoomVersion(v.Str)
		}
	default:
		return types.InputResult{}, types.RejectedError(fmt.Sprintf("room %s is not known", roomID.Str))
	}

	ev, err := r.Validator.Validate(ctx, origin, raw, version)
	if err != nil {
		return types.InputResult{}, err
	}
	logger := logrus.WithFields(logrus.Fields{
		"room_id":  ev.RoomID(),
		"event_id": ev.EventID(),
		"origin":   origin,
		"type":     ev.Type(),
	})

	r.roomLocks.Lock(ev.RoomID())
	defer r.roomLocks.Unlock(ev.RoomID())

	if existing, err := r.DB.Event(ctx, ev.EventID()); err != nil {
		return types.InputResult{}, fmt.Errorf("r.DB.Event: %w", err)
	} else if existing != nil {
		switch {
		case existing.Rejected:
			return types.InputResult{}, types.RejectedError(fmt.Sprintf("event %s was rejected before", ev.EventID()))
		case !existing.Outlier && existing.Published:
			logger.Debug("Event was already accepted")
			return types.InputResult{EventID: ev.EventID(), Status: types.Accepted, EventNID: existing.EventNID}, nil
		case !existing.Outlier:
			logger.Warn("Event was accepted but never published, publishing it again")
			return r.republishAccepted(ctx, origin, ev, existing.EventNID)
		}
	}

	// The room may have been created while waiting for the lock.
	if room, err = r.DB.RoomInfo(ctx, ev.RoomID()); err != nil {
		return types.InputResult{}, fmt.Errorf("r.DB.RoomInfo: %w", err)
	}
	if ev.Type() == types.MRoomCreate && ev.StateKeyEquals("") {
		return r.processCreateEvent(ctx, origin, room, ev)
	}
	if room == nil || room.CreateEventID == "" {
		return types.InputResult{}, types.RejectedError(fmt.Sprintf("room %s is not known", ev.RoomID()))
	}
	if room.RoomVersion != ev.Version() {
		return types.InputResult{}, types.RejectedError(fmt.Sprintf("room version %s changed while validating", room.RoomVersion))
	}

	result, err := r.processRoomEvent(ctx, origin, room, ev)
	var inconsistent types.StorageInconsistencyError
	if errors.As(err, &inconsistent) {
		sentry.CaptureException(err)
		logger.WithError(err).Error("Room storage is inconsistent")
	}
	return result, err
}

// processCreateEvent starts a room with its create event.
func (r *Inputer) processCreateEvent(ctx context.Context, origin spec.ServerName, room *types.RoomInfo, ev *types.Event) (types.InputResult, error) {
	if room != nil && room.CreateEventID != "" && room.CreateEventID != ev.EventID() {
		return types.InputResult{}, types.RejectedError(fmt.Sprintf(
			"room %s already has create event %s", ev.RoomID(), room.CreateEventID,
		))
	}
	if err := r.Authorizer.Authorize(ctx, ev, types.StateMap{}); err != nil {
		return types.InputResult{}, err
	}
	room, err := r.DB.StoreRoom(ctx, ev.RoomID(), ev.Version(), ev.EventID())
	if err != nil {
		return types.InputResult{}, fmt.Errorf("r.DB.StoreRoom: %w", err)
	}
	return r.storeAccepted(ctx, origin, room, ev, types.StateMap{})
}

// processRoomEvent runs the dependency, state and auth steps for an event
// of a known room.
func (r *Inputer) processRoomEvent(ctx context.Context, origin spec.ServerName, room *types.RoomInfo, ev *types.Event) (types.InputResult, error) {
	logger := logrus.WithFields(logrus.Fields{
		"room_id":  ev.RoomID(),
		"event_id": ev.EventID(),
		"origin":   origin,
	})

	if err := r.Fetcher.FetchAuthEvents(ctx, origin, room, ev); err != nil {
		if types.IsMissingDependency(err) || errors.Is(err, context.DeadlineExceeded) {
			logger.WithError(err).Warn("Auth events of the event are not available")
			return types.InputResult{EventID: ev.EventID(), Status: types.Outlier, Reason: err.Error()}, nil
		}
		return types.InputResult{}, err
	}
	if err := r.Authorizer.Authorize(ctx, ev, nil); err != nil {
		if types.IsRejected(err) {
			logger.WithError(err).Warn("Event is not allowed by its auth events")
			r.storeRejected(ctx, room, ev)
		}
		return types.InputResult{}, err
	}

	if _, err := r.Fetcher.FetchMissing(ctx, origin, room, ev.PrevEventIDs(), r.Cfg.MaxFetchPrevEvents); err != nil {
		// Missing prev events send state resolution to the origin.
		logger.WithError(err).Warn("Failed to fetch missing prev events")
	}

	stateBefore, err := r.StateResolver.StateBeforeEvent(ctx, origin, ev)
	if err != nil {
		if !types.IsMissingDependency(err) {
			return types.InputResult{}, err
		}
		logger.WithError(err).Warn("State before the event is not known, storing it as an outlier")
		eventNID, storeErr := r.DB.StoreEvent(context.WithoutCancel(ctx), room.RoomNID, ev, true, false)
		if storeErr != nil {
			return types.InputResult{}, fmt.Errorf("r.DB.StoreEvent: %w", storeErr)
		}
		return types.InputResult{EventID: ev.EventID(), Status: types.Outlier, EventNID: eventNID, Reason: err.Error()}, nil
	}

	if err = r.Authorizer.Authorize(ctx, ev, stateBefore); err != nil {
		if types.IsRejected(err) {
			logger.WithError(err).Warn("Event is not allowed by the state before it")
			r.storeRejected(ctx, room, ev)
		}
		return types.InputResult{}, err
	}
	return r.storeAccepted(ctx, origin, room, ev, stateBefore)
}

// storeRejected keeps a rejected event for inspection. Failing to do so
// doesn't change the outcome for the caller.
func (r *Inputer) storeRejected(ctx context.Context, room *types.RoomInfo, ev *types.Event) {
	if _, err := r.DB.StoreEvent(context.WithoutCancel(ctx), room.RoomNID, ev, true, true); err != nil {
		logrus.WithError(err).WithField("event_id", ev.EventID()).Error("Failed to store rejected event")
	}
}

// storeAccepted adds an authorized event to the room DAG, updates the room's
// forward extremities and current state and publishes the event.
func (r *Inputer) storeAccepted(
	ctx context.Context, origin spec.ServerName, room *types.RoomInfo, ev *types.Event, stateBefore types.StateMap,
) (types.InputResult, error) {
	snapshotNID, err := r.DB.AddState(ctx, room.RoomNID, stateBefore)
	if err != nil {
		return types.InputResult{}, fmt.Errorf("r.DB.AddState: %w", err)
	}
	eventNID, err := r.DB.AcceptEvent(ctx, room.RoomNID, ev, snapshotNID)
	if err != nil {
		return types.InputResult{}, fmt.Errorf("r.DB.AcceptEvent: %w", err)
	}
	return r.publishAccepted(ctx, origin, room, ev, eventNID, stateBefore)
}

// republishAccepted finishes an event that was added to the room DAG by an
// earlier delivery which failed before the event was published.
func (r *Inputer) republishAccepted(
	ctx context.Context, origin spec.ServerName, ev *types.Event, eventNID types.EventNID,
) (types.InputResult, error) {
	room, err := r.DB.RoomInfo(ctx, ev.RoomID())
	if err != nil {
		return types.InputResult{}, fmt.Errorf("r.DB.RoomInfo: %w", err)
	}
	snapshotNID, err := r.DB.SnapshotBeforeEvent(ctx, ev.EventID())
	if err != nil {
		return types.InputResult{}, fmt.Errorf("r.DB.SnapshotBeforeEvent: %w", err)
	}
	if room == nil || snapshotNID == 0 {
		return types.InputResult{}, types.StorageInconsistencyError{
			RoomID: ev.RoomID(),
			Reason: fmt.Sprintf("accepted event %s has no state", ev.EventID()),
		}
	}
	stateBefore, err := r.DB.StateAtSnapshot(ctx, snapshotNID)
	if err != nil {
		return types.InputResult{}, fmt.Errorf("r.DB.StateAtSnapshot: %w", err)
	}
	return r.publishAccepted(ctx, origin, room, ev, eventNID, stateBefore)
}

// publishAccepted moves the forward extremities past an event of the room
// DAG and writes it to the output stream. The event is only marked as
// published once the stream has it, so a failed attempt is repeated when
// the event is delivered again.
func (r *Inputer) publishAccepted(
	ctx context.Context, origin spec.ServerName, room *types.RoomInfo, ev *types.Event,
	eventNID types.EventNID, stateBefore types.StateMap,
) (types.InputResult, error) {
	logger := logrus.WithFields(logrus.Fields{
		"room_id":  ev.RoomID(),
		"event_id": ev.EventID(),
	})
	updater := latestEventsUpdater{
		DB:          r.DB,
		ServerName:  r.ServerName,
		room:        room,
		event:       ev,
		stateBefore: stateBefore,
	}
	update, err := updater.update(ctx)
	if err != nil {
		return types.InputResult{}, err
	}
	update.Origin = origin
	update.EventNID = eventNID

	if err = r.OutputProducer.ProduceRoomEvent(ctx, update); err != nil {
		sentry.CaptureException(err)
		logger.WithError(err).Error("Failed to publish accepted event")
		return types.InputResult{}, fmt.Errorf("r.OutputProducer.ProduceRoomEvent: %w", err)
	}
	if err = r.DB.MarkEventPublished(context.WithoutCancel(ctx), eventNID); err != nil {
		// The next delivery of the event publishes it again.
		logger.WithError(err).Warn("Failed to mark event as published")
	}
	return types.InputResult{EventID: ev.EventID(), Status: types.Accepted, EventNID: eventNID}, nil
}
