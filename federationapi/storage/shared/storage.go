// Copyright 2024 New Vector Ltd.
// Copyright 2020 The Matrix.org Foundation C.I.C.
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

package shared

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"github.com/sirupsen/logrus"

	"github.com/element-hq/fedcore/federationapi/storage/tables"
	"github.com/element-hq/fedcore/federationapi/types"
	"github.com/element-hq/fedcore/internal/sqlutil"
)

type Database struct {
	DB              *sql.DB
	Writer          sqlutil.Writer
	QueueTable      tables.Queue
	RetryStateTable tables.RetryState
}

func (d *Database) Enqueue(
	ctx context.Context, destination types.Destination, item types.QueuedItem,
) (types.QueuedItem, error) {
	var eduJSON []byte
	switch item.Kind {
	case types.ItemPDU:
		if item.EventID == "" {
			return item, fmt.Errorf("queued PDU without an event ID")
		}
	case types.ItemEDU:
		if item.EDU == nil {
			return item, fmt.Errorf("queued EDU without a payload")
		}
		var err error
		if eduJSON, err = json.Marshal(item.EDU); err != nil {
			return item, fmt.Errorf("json.Marshal: %w", err)
		}
	default:
		return item, fmt.Errorf("item kind %d is not stored", item.Kind)
	}
	err := d.Writer.Do(d.DB, nil, func(txn *sql.Tx) error {
		nid, err := d.QueueTable.InsertQueueItem(ctx, txn, destination.Key(), item.Kind, item.EventID, eduJSON)
		item.NID = nid
		return err
	})
	if err != nil {
		return item, fmt.Errorf("d.QueueTable.InsertQueueItem: %w", err)
	}
	return item, nil
}

func (d *Database) MarkActive(
	ctx context.Context, destination types.Destination, limit int,
) (items []types.QueuedItem, err error) {
	err = d.Writer.Do(d.DB, nil, func(txn *sql.Tx) error {
		rows, err := d.QueueTable.SelectQueuedItems(ctx, txn, destination.Key(), limit)
		if err != nil {
			return fmt.Errorf("d.QueueTable.SelectQueuedItems: %w", err)
		}
		nids := make([]int64, 0, len(rows))
		for _, row := range rows {
			nids = append(nids, row.QueueNID)
		}
		if err = d.QueueTable.UpdateActive(ctx, txn, nids, true); err != nil {
			return fmt.Errorf("d.QueueTable.UpdateActive: %w", err)
		}
		items, err = rowsToItems(destination, rows)
		return err
	})
	return
}

func (d *Database) ActiveItems(ctx context.Context, destination types.Destination) ([]types.QueuedItem, error) {
	rows, err := d.QueueTable.SelectActiveItems(ctx, nil, destination.Key())
	if err != nil {
		return nil, fmt.Errorf("d.QueueTable.SelectActiveItems: %w", err)
	}
	return rowsToItems(destination, rows)
}

func (d *Database) QueuedItems(ctx context.Context, destination types.Destination, limit int) ([]types.QueuedItem, error) {
	rows, err := d.QueueTable.SelectQueuedItems(ctx, nil, destination.Key(), limit)
	if err != nil {
		return nil, fmt.Errorf("d.QueueTable.SelectQueuedItems: %w", err)
	}
	return rowsToItems(destination, rows)
}

func (d *Database) DeleteActive(ctx context.Context, destination types.Destination) error {
	return d.Writer.Do(d.DB, nil, func(txn *sql.Tx) error {
		return d.QueueTable.DeleteActiveItems(ctx, txn, destination.Key())
	})
}

func (d *Database) RequeueActive(ctx context.Context, destination types.Destination, keep int) error {
	return d.Writer.Do(d.DB, nil, func(txn *sql.Tx) error {
		rows, err := d.QueueTable.SelectActiveItems(ctx, txn, destination.Key())
		if err != nil {
			return fmt.Errorf("d.QueueTable.SelectActiveItems: %w", err)
		}
		if len(rows) <= keep {
			return nil
		}
		nids := make([]int64, 0, len(rows)-keep)
		for _, row := range rows[keep:] {
			nids = append(nids, row.QueueNID)
		}
		logrus.WithFields(logrus.Fields{
			"destination": destination.String(),
			"requeued":    len(nids),
		}).Info("Moving active items beyond one transaction back to the queue")
		return d.QueueTable.UpdateActive(ctx, txn, nids, false)
	})
}

func (d *Database) ItemCount(ctx context.Context, destination types.Destination) (int, error) {
	return d.QueueTable.SelectItemCount(ctx, nil, destination.Key())
}

func (d *Database) PendingDestinations(ctx context.Context) ([]types.Destination, error) {
	keys, err := d.QueueTable.SelectPendingDestinations(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("d.QueueTable.SelectPendingDestinations: %w", err)
	}
	destinations := make([]types.Destination, 0, len(keys))
	for _, key := range keys {
		destination, err := types.ParseDestination(key)
		if err != nil {
			logrus.WithError(err).Warn("Ignoring queued items for an unknown destination")
			continue
		}
		destinations = append(destinations, destination)
	}
	return destinations, nil
}

func (d *Database) DeleteAll(ctx context.Context, destination types.Destination) error {
	return d.Writer.Do(d.DB, nil, func(txn *sql.Tx) error {
		if err := d.QueueTable.DeleteAllItems(ctx, txn, destination.Key()); err != nil {
			return fmt.Errorf("d.QueueTable.DeleteAllItems: %w", err)
		}
		return d.RetryStateTable.DeleteRetryState(ctx, txn, destination.Key())
	})
}

func (d *Database) SetRetryState(ctx context.Context, destination types.Destination, state types.RetryState) error {
	return d.Writer.Do(d.DB, nil, func(txn *sql.Tx) error {
		if state.FailureCount == 0 {
			return d.RetryStateTable.DeleteRetryState(ctx, txn, destination.Key())
		}
		return d.RetryStateTable.UpsertRetryState(ctx, txn, destination.Key(), state.FailureCount, state.RetryUntil)
	})
}

func (d *Database) RetryStates(ctx context.Context) (map[types.Destination]types.RetryState, error) {
	states, err := d.RetryStateTable.SelectAllRetryStates(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("d.RetryStateTable.SelectAllRetryStates: %w", err)
	}
	result := make(map[types.Destination]types.RetryState, len(states))
	for key, state := range states {
		destination, err := types.ParseDestination(key)
		if err != nil {
			logrus.WithError(err).Warn("Ignoring retry state for an unknown destination")
			continue
		}
		result[destination] = state
	}
	return result, nil
}

func rowsToItems(destination types.Destination, rows []tables.QueueRow) ([]types.QueuedItem, error) {
	items := make([]types.QueuedItem, 0, len(rows))
	for _, row := range rows {
		item := types.QueuedItem{Kind: row.Kind, EventID: row.EventID, NID: row.QueueNID}
		if row.Kind == types.ItemEDU {
			item.EDU = &types.EDU{}
			if err := json.Unmarshal(row.EDUJSON, item.EDU); err != nil {
				return nil, fmt.Errorf("queued EDU %d for %s: %w", row.QueueNID, destination, err)
			}
		}
		items = append(items, item)
	}
	return items, nil
}
