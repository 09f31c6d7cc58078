// Copyright 2024 New Vector Ltd.
// Copyright 2020 The Matrix.org Foundation C.I.C.
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

package postgres

import (
	"context"
	"database/sql"

	"github.com/lib/pq"

	"github.com/element-hq/fedcore/federationapi/storage/tables"
	"github.com/element-hq/fedcore/federationapi/types"
	"github.com/element-hq/fedcore/internal/sqlutil"
)

const queueSchema = `
CREATE SEQUENCE IF NOT EXISTS federationsender_queue_nid_seq;
CREATE TABLE IF NOT EXISTS federationsender_queue (
    -- Local ordering of queued items
    queue_nid BIGINT PRIMARY KEY DEFAULT nextval('federationsender_queue_nid_seq'),
    -- The destination key, e.g. fed:example.com or as:bridge
    destination TEXT NOT NULL,
    -- 1 for a PDU, 2 for a reliable EDU
    item_kind SMALLINT NOT NULL,
    -- The event ID of a PDU
    event_id TEXT NOT NULL DEFAULT '',
    -- The JSON of a reliable EDU
    edu_json TEXT NOT NULL DEFAULT '',
    -- Whether the item is part of the transaction being sent
    is_active BOOLEAN NOT NULL DEFAULT FALSE
);
CREATE INDEX IF NOT EXISTS federationsender_queue_destination_idx
    ON federationsender_queue (destination, is_active, queue_nid);
`

const insertQueueItemSQL = "" +
	"INSERT INTO federationsender_queue (destination, item_kind, event_id, edu_json)" +
	" VALUES ($1, $2, $3, $4) RETURNING queue_nid"

const selectQueuedItemsSQL = "" +
	"SELECT queue_nid, item_kind, event_id, edu_json, is_active FROM federationsender_queue" +
	" WHERE destination = $1 AND is_active = FALSE ORDER BY queue_nid ASC LIMIT $2"

const selectActiveItemsSQL = "" +
	"SELECT queue_nid, item_kind, event_id, edu_json, is_active FROM federationsender_queue" +
	" WHERE destination = $1 AND is_active = TRUE ORDER BY queue_nid ASC"

const updateActiveSQL = "" +
	"UPDATE federationsender_queue SET is_active = $2 WHERE queue_nid = ANY($1)"

const deleteActiveItemsSQL = "" +
	"DELETE FROM federationsender_queue WHERE destination = $1 AND is_active = TRUE"

const deleteAllItemsSQL = "" +
	"DELETE FROM federationsender_queue WHERE destination = $1"

const selectItemCountSQL = "" +
	"SELECT COUNT(*) FROM federationsender_queue WHERE destination = $1"

const selectPendingDestinationsSQL = "" +
	"SELECT DISTINCT destination FROM federationsender_queue"

type queueStatements struct {
	insertQueueItemStmt           *sql.Stmt
	selectQueuedItemsStmt         *sql.Stmt
	selectActiveItemsStmt         *sql.Stmt
	updateActiveStmt              *sql.Stmt
	deleteActiveItemsStmt         *sql.Stmt
	deleteAllItemsStmt            *sql.Stmt
	selectItemCountStmt           *sql.Stmt
	selectPendingDestinationsStmt *sql.Stmt
}

func CreateQueueTable(db *sql.DB) error {
	_, err := db.Exec(queueSchema)
	return err
}

func PrepareQueueTable(db *sql.DB) (tables.Queue, error) {
	s := &queueStatements{}

	return s, sqlutil.StatementList{
		{&s.insertQueueItemStmt, insertQueueItemSQL},
		{&s.selectQueuedItemsStmt, selectQueuedItemsSQL},
		{&s.selectActiveItemsStmt, selectActiveItemsSQL},
		{&s.updateActiveStmt, updateActiveSQL},
		{&s.deleteActiveItemsStmt, deleteActiveItemsSQL},
		{&s.deleteAllItemsStmt, deleteAllItemsSQL},
		{&s.selectItemCountStmt, selectItemCountSQL},
		{&s.selectPendingDestinationsStmt, selectPendingDestinationsSQL},
	}.Prepare(db)
}

func (s *queueStatements) InsertQueueItem(
	ctx context.Context, txn *sql.Tx, destination string, kind types.ItemKind, eventID string, eduJSON []byte,
) (queueNID int64, err error) {
	stmt := sqlutil.TxStmt(txn, s.insertQueueItemStmt)
	err = stmt.QueryRowContext(ctx, destination, int(kind), eventID, string(eduJSON)).Scan(&queueNID)
	return
}

func (s *queueStatements) SelectQueuedItems(
	ctx context.Context, txn *sql.Tx, destination string, limit int,
) ([]tables.QueueRow, error) {
	rows, err := sqlutil.TxStmt(txn, s.selectQueuedItemsStmt).QueryContext(ctx, destination, limit)
	if err != nil {
		return nil, err
	}
	return scanQueueRows(rows)
}

func (s *queueStatements) SelectActiveItems(
	ctx context.Context, txn *sql.Tx, destination string,
) ([]tables.QueueRow, error) {
	rows, err := sqlutil.TxStmt(txn, s.selectActiveItemsStmt).QueryContext(ctx, destination)
	if err != nil {
		return nil, err
	}
	return scanQueueRows(rows)
}

func scanQueueRows(rows *sql.Rows) ([]tables.QueueRow, error) {
	defer rows.Close() // nolint:errcheck
	var result []tables.QueueRow
	for rows.Next() {
		var row tables.QueueRow
		var kind int
		var eduJSON string
		if err := rows.Scan(&row.QueueNID, &kind, &row.EventID, &eduJSON, &row.IsActive); err != nil {
			return nil, err
		}
		row.Kind = types.ItemKind(kind)
		if eduJSON != "" {
			row.EDUJSON = []byte(eduJSON)
		}
		result = append(result, row)
	}
	return result, rows.Err()
}

func (s *queueStatements) UpdateActive(
	ctx context.Context, txn *sql.Tx, queueNIDs []int64, active bool,
) error {
	if len(queueNIDs) == 0 {
		return nil
	}
	stmt := sqlutil.TxStmt(txn, s.updateActiveStmt)
	_, err := stmt.ExecContext(ctx, pq.Int64Array(queueNIDs), active)
	return err
}

func (s *queueStatements) DeleteActiveItems(ctx context.Context, txn *sql.Tx, destination string) error {
	_, err := sqlutil.TxStmt(txn, s.deleteActiveItemsStmt).ExecContext(ctx, destination)
	return err
}

func (s *queueStatements) DeleteAllItems(ctx context.Context, txn *sql.Tx, destination string) error {
	_, err := sqlutil.TxStmt(txn, s.deleteAllItemsStmt).ExecContext(ctx, destination)
	return err
}

func (s *queueStatements) SelectItemCount(ctx context.Context, txn *sql.Tx, destination string) (count int, err error) {
	err = sqlutil.TxStmt(txn, s.selectItemCountStmt).QueryRowContext(ctx, destination).Scan(&count)
	return
}

func (s *queueStatements) SelectPendingDestinations(ctx context.Context, txn *sql.Tx) ([]string, error) {
	rows, err := sqlutil.TxStmt(txn, s.selectPendingDestinationsStmt).QueryContext(ctx)
	if err != nil {
		return nil, err
	}
	defer rows.Close() // nolint:errcheck
	var destinations []string
	for rows.Next() {
		var destination string
		if err = rows.Scan(&destination); err != nil {
			return nil, err
		}
		destinations = append(destinations, destination)
	}
	return destinations, rows.Err()
}
