// Copyright 2024 New Vector Ltd.
// Copyright 2017-2018 New Vector Ltd
// Copyright 2017 Vector Creations Ltd
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

package sqlite3

import (
	"context"
	"database/sql"
	"strings"

	"github.com/element-hq/fedcore/internal"
	"github.com/element-hq/fedcore/internal/sqlutil"
	"github.com/element-hq/fedcore/roomserver/storage/tables"
	"github.com/element-hq/fedcore/roomserver/types"
)

const eventsSchema = `
  CREATE TABLE IF NOT EXISTS roomserver_events (
    event_nid INTEGER PRIMARY KEY AUTOINCREMENT,
    room_nid INTEGER NOT NULL,
    event_type_nid INTEGER NOT NULL,
    event_state_key_nid INTEGER NOT NULL,
    event_id TEXT NOT NULL UNIQUE,
    depth INTEGER NOT NULL,
    is_outlier BOOLEAN NOT NULL DEFAULT FALSE,
    is_rejected BOOLEAN NOT NULL DEFAULT FALSE,
    is_redacted BOOLEAN NOT NULL DEFAULT FALSE,
    is_published BOOLEAN NOT NULL DEFAULT FALSE,
    state_snapshot_nid INTEGER NOT NULL DEFAULT 0,
    event_json TEXT NOT NULL
  );

  CREATE INDEX IF NOT EXISTS roomserver_events_room_nid_idx ON roomserver_events (room_nid);
`

const insertEventSQL = `
	INSERT INTO roomserver_events AS e (room_nid, event_type_nid, event_state_key_nid, event_id, depth, event_json, is_outlier, is_rejected, is_redacted)
	  VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
	  ON CONFLICT (event_id) DO UPDATE
	  SET is_outlier = e.is_outlier AND excluded.is_outlier, is_rejected = e.is_rejected OR excluded.is_rejected
	  RETURNING event_nid
`

const bulkSelectEventsByIDSQL = "" +
	"SELECT e.event_nid, e.room_nid, e.event_id, r.room_version, e.event_json, e.is_outlier, e.is_rejected, e.is_redacted, e.is_published, e.state_snapshot_nid" +
	" FROM roomserver_events e JOIN roomserver_rooms r ON r.room_nid = e.room_nid" +
	" WHERE e.event_id IN ($1)"

const bulkSelectEventIDSQL = "" +
	"SELECT event_nid, event_id FROM roomserver_events WHERE event_nid IN ($1)"

const updateEventStateSQL = "" +
	"UPDATE roomserver_events SET state_snapshot_nid = $1 WHERE event_nid = $2"

const updateEventPublishedSQL = "" +
	"UPDATE roomserver_events SET is_published = TRUE WHERE event_nid = $1"

type eventStatements struct {
	db                       *sql.DB
	insertEventStmt          *sql.Stmt
	updateEventStateStmt     *sql.Stmt
	updateEventPublishedStmt *sql.Stmt
}

func CreateEventsTable(db *sql.DB) error {
	_, err := db.Exec(eventsSchema)
	return err
}

func PrepareEventsTable(db *sql.DB) (tables.Events, error) {
	s := &eventStatements{
		db: db,
	}

	return s, sqlutil.StatementList{
		{&s.insertEventStmt, insertEventSQL},
		{&s.updateEventStateStmt, updateEventStateSQL},
		{&s.updateEventPublishedStmt, updateEventPublishedSQL},
	}.Prepare(db)
}

func (s *eventStatements) InsertEvent(
	ctx context.Context, txn *sql.Tx,
	roomNID types.RoomNID, eventTypeNID types.EventTypeNID, eventStateKeyNID types.EventStateKeyNID,
	eventID string, depth int64, eventJSON []byte,
	isOutlier, isRejected, isRedacted bool,
) (types.EventNID, error) {
	var eventNID int64
	stmt := sqlutil.TxStmt(txn, s.insertEventStmt)
	err := stmt.QueryRowContext(
		ctx, int64(roomNID), int64(eventTypeNID), int64(eventStateKeyNID),
		eventID, depth, string(eventJSON), isOutlier, isRejected, isRedacted,
	).Scan(&eventNID)
	return types.EventNID(eventNID), err
}

func (s *eventStatements) SelectEventsByID(
	ctx context.Context, txn *sql.Tx, eventIDs []string,
) ([]tables.EventRow, error) {
	if len(eventIDs) == 0 {
		return nil, nil
	}
	iEventIDs := make([]interface{}, len(eventIDs))
	for k, v := range eventIDs {
		iEventIDs[k] = v
	}
	selectOrig := strings.Replace(bulkSelectEventsByIDSQL, "($1)", sqlutil.QueryVariadic(len(iEventIDs)), 1)
	var rows *sql.Rows
	var err error
	if txn != nil {
		rows, err = txn.QueryContext(ctx, selectOrig, iEventIDs...)
	} else {
		rows, err = s.db.QueryContext(ctx, selectOrig, iEventIDs...)
	}
	if err != nil {
		return nil, err
	}
	defer internal.CloseAndLogIfError(ctx, rows, "SelectEventsByID: rows.close() failed")

	results := make([]tables.EventRow, 0, len(eventIDs))
	for rows.Next() {
		var row tables.EventRow
		var eventJSON string
		if err = rows.Scan(
			&row.EventNID, &row.RoomNID, &row.EventID, &row.RoomVersion, &eventJSON,
			&row.IsOutlier, &row.IsRejected, &row.IsRedacted, &row.IsPublished, &row.StateSnapshotNID,
		); err != nil {
			return nil, err
		}
		row.EventJSON = []byte(eventJSON)
		results = append(results, row)
	}
	return results, rows.Err()
}

func (s *eventStatements) SelectEventIDs(
	ctx context.Context, txn *sql.Tx, eventNIDs []types.EventNID,
) (map[types.EventNID]string, error) {
	results := make(map[types.EventNID]string, len(eventNIDs))
	if len(eventNIDs) == 0 {
		return results, nil
	}
	iEventNIDs := make([]interface{}, len(eventNIDs))
	for k, v := range eventNIDs {
		iEventNIDs[k] = int64(v)
	}
	selectOrig := strings.Replace(bulkSelectEventIDSQL, "($1)", sqlutil.QueryVariadic(len(iEventNIDs)), 1)
	var rows *sql.Rows
	var err error
	if txn != nil {
		rows, err = txn.QueryContext(ctx, selectOrig, iEventNIDs...)
	} else {
		rows, err = s.db.QueryContext(ctx, selectOrig, iEventNIDs...)
	}
	if err != nil {
		return nil, err
	}
	defer internal.CloseAndLogIfError(ctx, rows, "SelectEventIDs: rows.close() failed")

	var eventNID int64
	var eventID string
	for rows.Next() {
		if err = rows.Scan(&eventNID, &eventID); err != nil {
			return nil, err
		}
		results[types.EventNID(eventNID)] = eventID
	}
	return results, rows.Err()
}

func (s *eventStatements) UpdateEventState(
	ctx context.Context, txn *sql.Tx, eventNID types.EventNID, stateSnapshotNID types.StateSnapshotNID,
) error {
	stmt := sqlutil.TxStmt(txn, s.updateEventStateStmt)
	_, err := stmt.ExecContext(ctx, int64(stateSnapshotNID), int64(eventNID))
	return err
}

func (s *eventStatements) UpdateEventPublished(ctx context.Context, txn *sql.Tx, eventNID types.EventNID) error {
	stmt := sqlutil.TxStmt(txn, s.updateEventPublishedStmt)
	_, err := stmt.ExecContext(ctx, int64(eventNID))
	return err
}
