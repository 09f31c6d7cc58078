// Copyright 2024 New Vector Ltd.
// Copyright 2020 The Matrix.org Foundation C.I.C.
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

package roomserver

import (
	"github.com/nats-io/nats.go"

	"github.com/element-hq/fedcore/roomserver/api"
	"github.com/element-hq/fedcore/roomserver/internal/input"
	"github.com/element-hq/fedcore/roomserver/producers"
	"github.com/element-hq/fedcore/roomserver/storage"
	"github.com/element-hq/fedcore/setup/config"
	"github.com/element-hq/fedcore/setup/jetstream"
)

// NewInternalAPI returns a concrete implementation of the internal API.
// Accepted events are published to the roomserver output stream.
func NewInternalAPI(
	cfg *config.RoomServer,
	db storage.Database,
	js nats.JetStreamContext,
	keys input.KeyResolver,
	federation input.FederationFetcher,
) api.RoomserverInternalAPI {
	producer := &producers.RoomEventProducer{
		Topic:     cfg.Matrix.JetStream.Prefixed(jetstream.OutputRoomEvent),
		JetStream: js,
	}
	return input.NewInputer(cfg, db, keys, federation, producer)
}
