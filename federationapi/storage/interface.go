// Copyright 2024 New Vector Ltd.
// Copyright 2020 The Matrix.org Foundation C.I.C.
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

package storage

import (
	"context"

	"github.com/element-hq/fedcore/federationapi/types"
)

type Database interface {
	// Enqueue stores a PDU or reliable EDU for a destination and returns
	// the item with its NID set.
	Enqueue(ctx context.Context, destination types.Destination, item types.QueuedItem) (types.QueuedItem, error)
	// MarkActive moves up to limit queued items into the transaction being
	// sent to the destination and returns them.
	MarkActive(ctx context.Context, destination types.Destination, limit int) ([]types.QueuedItem, error)
	ActiveItems(ctx context.Context, destination types.Destination) ([]types.QueuedItem, error)
	// DeleteActive removes the items of a transaction that was delivered.
	DeleteActive(ctx context.Context, destination types.Destination) error
	QueuedItems(ctx context.Context, destination types.Destination, limit int) ([]types.QueuedItem, error)
	// RequeueActive keeps the oldest keep active items and moves the rest
	// back to the queue.
	RequeueActive(ctx context.Context, destination types.Destination, keep int) error
	ItemCount(ctx context.Context, destination types.Destination) (int, error)
	// PendingDestinations lists every destination with queued or active items.
	PendingDestinations(ctx context.Context) ([]types.Destination, error)
	// DeleteAll forgets everything queued for a destination along with its retry state.
	DeleteAll(ctx context.Context, destination types.Destination) error

	// SetRetryState persists the backoff of a destination. A zero failure
	// count removes it.
	SetRetryState(ctx context.Context, destination types.Destination, state types.RetryState) error
	RetryStates(ctx context.Context) (map[types.Destination]types.RetryState, error)
}
