// Copyright 2024 New Vector Ltd.
// Copyright 2017-2018 New Vector Ltd
// Copyright 2017 Vector Creations Ltd
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

package postgres

import (
	"context"
	"database/sql"

	"github.com/lib/pq"

	"github.com/element-hq/fedcore/internal"
	"github.com/element-hq/fedcore/internal/sqlutil"
	"github.com/element-hq/fedcore/roomserver/storage/tables"
	"github.com/element-hq/fedcore/roomserver/types"
)

const eventsSchema = `
-- The events table holds metadata for each event together with its JSON.
-- Events are never deleted.
CREATE SEQUENCE IF NOT EXISTS roomserver_event_nid_seq;
CREATE TABLE IF NOT EXISTS roomserver_events (
    -- Local numeric ID for the event. This is the local sequence number of the event.
    event_nid BIGINT PRIMARY KEY DEFAULT nextval('roomserver_event_nid_seq'),
    -- Local numeric ID for the room the event is in.
    room_nid BIGINT NOT NULL,
    -- Local numeric ID for the type of the event.
    event_type_nid BIGINT NOT NULL,
    -- Local numeric ID for the state_key of the event.
    -- This is 0 if the event is not a state event.
    event_state_key_nid BIGINT NOT NULL,
    -- The textual event id.
    event_id TEXT NOT NULL CONSTRAINT roomserver_event_id_unique UNIQUE,
    -- The depth of the event in the DAG.
    depth BIGINT NOT NULL,
    -- Outliers are not part of the room DAG and never contribute to state.
    is_outlier BOOLEAN NOT NULL DEFAULT FALSE,
    -- Rejected events failed authorization and are only kept for inspection.
    is_rejected BOOLEAN NOT NULL DEFAULT FALSE,
    -- Whether event_json holds the redacted form of the event.
    is_redacted BOOLEAN NOT NULL DEFAULT FALSE,
    -- Whether the accepted event was written to the output stream.
    is_published BOOLEAN NOT NULL DEFAULT FALSE,
    -- The state of the room before the event, or 0 if it is not known.
    state_snapshot_nid BIGINT NOT NULL DEFAULT 0,
    -- The JSON of the event, without the unsigned section.
    event_json TEXT NOT NULL
);

CREATE INDEX IF NOT EXISTS roomserver_events_room_nid_idx ON roomserver_events (room_nid);
`

const insertEventSQL = "" +
	"INSERT INTO roomserver_events AS e (room_nid, event_type_nid, event_state_key_nid, event_id, depth, event_json, is_outlier, is_rejected, is_redacted)" +
	" VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)" +
	" ON CONFLICT ON CONSTRAINT roomserver_event_id_unique DO UPDATE" +
	" SET is_outlier = e.is_outlier AND excluded.is_outlier, is_rejected = e.is_rejected OR excluded.is_rejected" +
	" RETURNING event_nid"

const bulkSelectEventsByIDSQL = "" +
	"SELECT e.event_nid, e.room_nid, e.event_id, r.room_version, e.event_json, e.is_outlier, e.is_rejected, e.is_redacted, e.is_published, e.state_snapshot_nid" +
	" FROM roomserver_events e JOIN roomserver_rooms r ON r.room_nid = e.room_nid" +
	" WHERE e.event_id = ANY($1)"

const bulkSelectEventIDSQL = "" +
	"SELECT event_nid, event_id FROM roomserver_events WHERE event_nid = ANY($1)"

const updateEventStateSQL = "" +
	"UPDATE roomserver_events SET state_snapshot_nid = $2 WHERE event_nid = $1"

const updateEventPublishedSQL = "" +
	"UPDATE roomserver_events SET is_published = TRUE WHERE event_nid = $1"

type eventStatements struct {
	insertEventStmt          *sql.Stmt
	bulkSelectEventsByIDStmt *sql.Stmt
	bulkSelectEventIDStmt    *sql.Stmt
	updateEventStateStmt     *sql.Stmt
	updateEventPublishedStmt *sql.Stmt
}

func CreateEventsTable(db *sql.DB) error {
	_, err := db.Exec(eventsSchema)
	return err
}

func PrepareEventsTable(db *sql.DB) (tables.Events, error) {
	s := &eventStatements{}

	return s, sqlutil.StatementList{
		{&s.insertEventStmt, insertEventSQL},
		{&s.bulkSelectEventsByIDStmt, bulkSelectEventsByIDSQL},
		{&s.bulkSelectEventIDStmt, bulkSelectEventIDSQL},
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
	stmt := sqlutil.TxStmt(txn, s.bulkSelectEventsByIDStmt)
	rows, err := stmt.QueryContext(ctx, pq.StringArray(eventIDs))
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
	nids := make([]int64, len(eventNIDs))
	for i := range eventNIDs {
		nids[i] = int64(eventNIDs[i])
	}
	stmt := sqlutil.TxStmt(txn, s.bulkSelectEventIDStmt)
	rows, err := stmt.QueryContext(ctx, pq.Int64Array(nids))
	if err != nil {
		return nil, err
	}
	defer internal.CloseAndLogIfError(ctx, rows, "SelectEventIDs: rows.close() failed")

	results := make(map[types.EventNID]string, len(eventNIDs))
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
	_, err := stmt.ExecContext(ctx, int64(eventNID), int64(stateSnapshotNID))
	return err
}

func (s *eventStatements) UpdateEventPublished(ctx context.Context, txn *sql.Tx, eventNID types.EventNID) error {
	stmt := sqlutil.TxStmt(txn, s.updateEventPublishedStmt)
	_, err := stmt.ExecContext(ctx, int64(eventNID))
	return err
}
