// Copyright 2024 New Vector Ltd.
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

package producers

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/nats-io/nats.go"
	"github.com/sirupsen/logrus"

	"github.com/element-hq/fedcore/roomserver/api"
	"github.com/element-hq/fedcore/setup/jetstream"
)

// JetStreamPublisher is the part of a JetStream context the producer uses.
type JetStreamPublisher interface {
	PublishMsg(msg *nats.Msg, opts ...nats.PubOpt) (*nats.PubAck, error)
}

// RoomEventProducer produces events for the roomserver output stream.
type RoomEventProducer struct {
	Topic     string
	JetStream JetStreamPublisher
}

// ProduceRoomEvent publishes an accepted event. The returned error means
// the message was not stored by the stream.
func (r *RoomEventProducer) ProduceRoomEvent(ctx context.Context, update *api.OutputNewRoomEvent) error {
	msg := nats.NewMsg(r.Topic)
	msg.Header.Set(jetstream.RoomID, update.RoomID)
	msg.Header.Set(jetstream.EventID, update.EventID)
	msg.Header.Set(jetstream.RoomVersion, string(update.RoomVersion))
	msg.Header.Set(jetstream.Origin, string(update.Origin))

	var err error
	msg.Data, err = json.Marshal(api.OutputEvent{
		Type:         api.OutputTypeNewRoomEvent,
		NewRoomEvent: update,
	})
	if err != nil {
		return fmt.Errorf("json.Marshal: %w", err)
	}

	logrus.WithFields(logrus.Fields{
		"room_id":  update.RoomID,
		"event_id": update.EventID,
	}).Tracef("Producing to topic '%s'", r.Topic)
	if _, err = r.JetStream.PublishMsg(msg, nats.Context(ctx)); err != nil {
		return fmt.Errorf("r.JetStream.PublishMsg: %w", err)
	}
	return nil
}
