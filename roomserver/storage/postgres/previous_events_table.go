// Copyright 2024 New Vector Ltd.
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

package postgres

import (
	"context"
	"database/sql"
	"errors"

	"github.com/element-hq/fedcore/internal/sqlutil"
	"github.com/element-hq/fedcore/roomserver/storage/tables"
	"github.com/element-hq/fedcore/roomserver/types"
)

const previousEventsSchema = `
-- The previous events table records which events of the room DAG refer to
-- an event as one of their prev_events. The referenced event doesn't need
-- to be stored: it is enough to know that it is no forward extremity.
CREATE TABLE IF NOT EXISTS roomserver_previous_events (
    -- The event ID named in prev_events.
    previous_event_id TEXT NOT NULL,
    -- The event that refers to it.
    event_nid BIGINT NOT NULL,
    CONSTRAINT roomserver_previous_event_id_unique UNIQUE (previous_event_id, event_nid)
);
`

const insertPreviousEventSQL = "" +
	"INSERT INTO roomserver_previous_events (previous_event_id, event_nid) VALUES ($1, $2)" +
	" ON CONFLICT ON CONSTRAINT roomserver_previous_event_id_unique DO NOTHING"

const selectPreviousEventExistsSQL = "" +
	"SELECT 1 FROM roomserver_previous_events WHERE previous_event_id = $1 LIMIT 1"

type previousEventStatements struct {
	insertPreviousEventStmt       *sql.Stmt
	selectPreviousEventExistsStmt *sql.Stmt
}

func CreatePrevEventsTable(db *sql.DB) error {
	_, err := db.Exec(previousEventsSchema)
	return err
}

func PreparePrevEventsTable(db *sql.DB) (tables.PreviousEvents, error) {
	s := &previousEventStatements{}

	return s, sqlutil.StatementList{
		{&s.insertPreviousEventStmt, insertPreviousEventSQL},
		{&s.selectPreviousEventExistsStmt, selectPreviousEventExistsSQL},
	}.Prepare(db)
}

func (s *previousEventStatements) InsertPreviousEvent(
	ctx context.Context, txn *sql.Tx, previousEventID string, eventNID types.EventNID,
) error {
	stmt := sqlutil.TxStmt(txn, s.insertPreviousEventStmt)
	_, err := stmt.ExecContext(ctx, previousEventID, int64(eventNID))
	return err
}

func (s *previousEventStatements) SelectPreviousEventExists(
	ctx context.Context, txn *sql.Tx, eventID string,
) (bool, error) {
	var ok int64
	stmt := sqlutil.TxStmt(txn, s.selectPreviousEventExistsStmt)
	err := stmt.QueryRowContext(ctx, eventID).Scan(&ok)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	return err == nil, err
}
