// Copyright 2024 New Vector Ltd.
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

package api

import (
	"context"

	"github.com/matrix-org/gomatrixserverlib/spec"

	"github.com/element-hq/fedcore/roomserver/types"
)

// RoomserverInputAPI accepts events received over federation.
type RoomserverInputAPI interface {
	AcceptInboundEvent(ctx context.Context, origin spec.ServerName, raw []byte) (types.InputResult, error)
}

// RoomserverInternalAPI is the roomserver as seen by the rest of the server.
type RoomserverInternalAPI interface {
	RoomserverInputAPI
	// Stop releases background resources. Events must not be submitted
	// afterwards.
	Stop()
}
