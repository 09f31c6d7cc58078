// Copyright 2024 New Vector Ltd.
// Copyright 2020 The Matrix.org Foundation C.I.C.
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

package consumers

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/getsentry/sentry-go"
	"github.com/matrix-org/gomatrixserverlib/spec"
	"github.com/nats-io/nats.go"
	log "github.com/sirupsen/logrus"

	"github.com/element-hq/fedcore/federationapi/types"
	"github.com/element-hq/fedcore/internal/pushgateway"
	"github.com/element-hq/fedcore/internal/util"
	"github.com/element-hq/fedcore/roomserver/api"
	rstypes "github.com/element-hq/fedcore/roomserver/types"
	"github.com/element-hq/fedcore/setup/config"
	"github.com/element-hq/fedcore/setup/jetstream"
)

// RoomState is the part of the roomserver database needed to work out who
// is in a room.
type RoomState interface {
	RoomInfo(ctx context.Context, roomID string) (*rstypes.RoomInfo, error)
	StateAtSnapshot(ctx context.Context, snapshotNID rstypes.StateSnapshotNID) (rstypes.StateMap, error)
	EventsByID(ctx context.Context, eventIDs []string) ([]rstypes.StoredEvent, error)
}

// Dispatcher queues events for delivery.
type Dispatcher interface {
	SendEvent(ctx context.Context, eventID string, destinations []types.Destination) error
}

// OutputRoomEventConsumer consumes events accepted by the roomserver and
// queues them for other servers, application services and push gateways.
type OutputRoomEventConsumer struct {
	ctx         context.Context
	jetstream   nats.JetStreamContext
	durable     string
	topic       string
	origin      spec.ServerName
	appservices *config.AppServiceAPI
	rsDB        RoomState
	pushers     *pushgateway.Registry
	queues      Dispatcher
}

// NewOutputRoomEventConsumer creates a new OutputRoomEventConsumer.
// Call Start() to begin consuming from the roomserver.
func NewOutputRoomEventConsumer(
	ctx context.Context,
	cfg *config.FederationAPI,
	appservices *config.AppServiceAPI,
	js nats.JetStreamContext,
	rsDB RoomState,
	pushers *pushgateway.Registry,
	queues Dispatcher,
) *OutputRoomEventConsumer {
	return &OutputRoomEventConsumer{
		ctx:         ctx,
		jetstream:   js,
		topic:       cfg.Matrix.JetStream.Prefixed(jetstream.OutputRoomEvent),
		durable:     cfg.Matrix.JetStream.Durable("FederationAPIRoomServerConsumer"),
		origin:      cfg.Matrix.ServerName,
		appservices: appservices,
		rsDB:        rsDB,
		pushers:     pushers,
		queues:      queues,
	}
}

// Start consuming room events.
func (s *OutputRoomEventConsumer) Start() error {
	return jetstream.JetStreamConsumer(
		s.ctx, s.jetstream, s.topic, s.durable, 1,
		s.onMessage, nats.DeliverAll(), nats.ManualAck(),
	)
}

func (s *OutputRoomEventConsumer) onMessage(ctx context.Context, msgs []*nats.Msg) bool {
	msg := msgs[0] // Guaranteed to exist if onMessage is called
	var output api.OutputEvent
	if err := json.Unmarshal(msg.Data, &output); err != nil {
		// If the message was invalid, log it and move on to the next message in the stream
		log.WithError(err).Errorf("roomserver output log: message parse failure")
		sentry.CaptureException(err)
		return true
	}
	if output.Type != api.OutputTypeNewRoomEvent || output.NewRoomEvent == nil {
		log.WithField("type", output.Type).Debug("roomserver output log: ignoring unknown output type")
		return true
	}
	update := output.NewRoomEvent
	logger := log.WithFields(log.Fields{
		"room_id":  update.RoomID,
		"event_id": update.EventID,
	})

	ev, err := rstypes.NewEventFromStoredJSON(update.EventID, update.Event, update.RoomVersion, update.Redacted)
	if err != nil {
		logger.WithError(err).Error("roomserver output log: event parse failure")
		sentry.CaptureException(err)
		return true
	}

	destinations, err := s.destinations(ctx, update, ev)
	if err != nil {
		logger.WithError(err).Error("Failed to work out destinations, will retry")
		return false
	}
	if len(destinations) == 0 {
		return true
	}
	if err = s.queues.SendEvent(ctx, update.EventID, destinations); err != nil {
		logger.WithError(err).Error("Failed to queue event, will retry")
		return false
	}
	logger.WithField("destinations", len(destinations)).Debug("Queued event for delivery")
	return true
}

// destinations returns everyone that should receive the event: the servers
// in the room for events sent by our users, interested application services
// and the pushers of joined local users other than the sender.
func (s *OutputRoomEventConsumer) destinations(
	ctx context.Context, update *api.OutputNewRoomEvent, ev *rstypes.Event,
) ([]types.Destination, error) {
	var destinations []types.Destination

	if serverOf(ev.Sender()) == s.origin {
		servers, err := s.joinedServers(ctx, update.RoomID)
		if err != nil {
			return nil, err
		}
		// An invited or kicked user's server may not be in the room.
		if ev.Type() == rstypes.MRoomMember && ev.StateKey() != nil {
			if target := serverOf(*ev.StateKey()); target != "" {
				servers = append(servers, target)
			}
		}
		seen := map[spec.ServerName]struct{}{}
		for _, server := range servers {
			if _, ok := seen[server]; ok || server == s.origin {
				continue
			}
			seen[server] = struct{}{}
			destinations = append(destinations, types.FederationDestination(server))
		}
	}

	if s.appservices != nil {
		for i := range s.appservices.Derived {
			as := &s.appservices.Derived[i]
			if appServiceInterested(as, ev) {
				destinations = append(destinations, types.AppServiceDestination(as.ID))
			}
		}
	}

	if s.pushers != nil {
		for _, userID := range update.JoinedLocalUsers {
			if userID == ev.Sender() {
				continue
			}
			for _, pusher := range s.pushers.ForUser(userID) {
				destinations = append(destinations, types.PushDestination(pusher.UserID, pusher.PushKey))
			}
		}
	}
	return destinations, nil
}

func (s *OutputRoomEventConsumer) joinedServers(ctx context.Context, roomID string) ([]spec.ServerName, error) {
	info, err := s.rsDB.RoomInfo(ctx, roomID)
	if err != nil {
		return nil, fmt.Errorf("s.rsDB.RoomInfo: %w", err)
	}
	if info == nil || info.StateSnapshotNID == 0 {
		return nil, nil
	}
	state, err := s.rsDB.StateAtSnapshot(ctx, info.StateSnapshotNID)
	if err != nil {
		return nil, fmt.Errorf("s.rsDB.StateAtSnapshot: %w", err)
	}
	var memberIDs []string
	for tuple, eventID := range state {
		if tuple.EventType == rstypes.MRoomMember {
			memberIDs = append(memberIDs, eventID)
		}
	}
	stored, err := s.rsDB.EventsByID(ctx, memberIDs)
	if err != nil {
		return nil, fmt.Errorf("s.rsDB.EventsByID: %w", err)
	}
	members := make([]*rstypes.Event, 0, len(stored))
	for i := range stored {
		members = append(members, stored[i].Event)
	}
	names := rstypes.ServersFromMemberships(members)
	servers := make([]spec.ServerName, 0, len(names))
	for _, name := range names {
		servers = append(servers, spec.ServerName(name))
	}
	return servers, nil
}

func appServiceInterested(as *config.ApplicationService, ev *rstypes.Event) bool {
	if as.IsInterestedInRoomID(ev.RoomID()) || as.IsInterestedInUserID(ev.Sender()) {
		return true
	}
	return ev.StateKey() != nil && as.IsInterestedInUserID(*ev.StateKey())
}

func serverOf(userID string) spec.ServerName {
	serverName, err := util.ServerNameFromID(userID, '@')
	if err != nil {
		return ""
	}
	return util.NormalizeServerName(serverName)
}
