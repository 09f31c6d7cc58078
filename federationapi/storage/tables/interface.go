// Copyright 2024 New Vector Ltd.
// Copyright 2020 The Matrix.org Foundation C.I.C.
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

package tables

import (
	"context"
	"database/sql"

	"github.com/matrix-org/gomatrixserverlib/spec"

	"github.com/element-hq/fedcore/federationapi/types"
)

// QueueRow is a row of the outbound queue table.
type QueueRow struct {
	QueueNID int64
	Kind     types.ItemKind
	EventID  string
	EDUJSON  []byte
	IsActive bool
}

type Queue interface {
	InsertQueueItem(ctx context.Context, txn *sql.Tx, destination string, kind types.ItemKind, eventID string, eduJSON []byte) (int64, error)
	// SelectQueuedItems returns the oldest items that are not part of a transaction yet.
	SelectQueuedItems(ctx context.Context, txn *sql.Tx, destination string, limit int) ([]QueueRow, error)
	SelectActiveItems(ctx context.Context, txn *sql.Tx, destination string) ([]QueueRow, error)
	UpdateActive(ctx context.Context, txn *sql.Tx, queueNIDs []int64, active bool) error
	DeleteActiveItems(ctx context.Context, txn *sql.Tx, destination string) error
	DeleteAllItems(ctx context.Context, txn *sql.Tx, destination string) error
	SelectItemCount(ctx context.Context, txn *sql.Tx, destination string) (int, error)
	SelectPendingDestinations(ctx context.Context, txn *sql.Tx) ([]string, error)
}

type RetryState interface {
	UpsertRetryState(ctx context.Context, txn *sql.Tx, destination string, failureCount uint32, retryUntil spec.Timestamp) error
	SelectRetryState(ctx context.Context, txn *sql.Tx, destination string) (failureCount uint32, retryUntil spec.Timestamp, exists bool, err error)
	SelectAllRetryStates(ctx context.Context, txn *sql.Tx) (map[string]types.RetryState, error)
	DeleteRetryState(ctx context.Context, txn *sql.Tx, destination string) error
}
