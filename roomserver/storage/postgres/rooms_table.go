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

	"github.com/element-hq/fedcore/internal/sqlutil"
	"github.com/element-hq/fedcore/roomserver/storage/tables"
	"github.com/element-hq/fedcore/roomserver/types"
)

const roomsSchema = `
CREATE SEQUENCE IF NOT EXISTS roomserver_room_nid_seq;
CREATE TABLE IF NOT EXISTS roomserver_rooms (
    -- Local numeric ID for the room.
    room_nid BIGINT PRIMARY KEY DEFAULT nextval('roomserver_room_nid_seq'),
    -- Textual ID for the room.
    room_id TEXT NOT NULL CONSTRAINT roomserver_room_id_unique UNIQUE,
    -- The version of the room, which determines the event format and auth rules.
    room_version TEXT NOT NULL,
    -- The m.room.create event that every auth chain of the room ends in.
    create_event_id TEXT NOT NULL,
    -- The most recent events in the room that aren't referenced by another event.
    latest_event_ids TEXT[] NOT NULL DEFAULT '{}'::TEXT[],
    -- The current state of the room, resolved over the latest events.
    state_snapshot_nid BIGINT NOT NULL DEFAULT 0
);
`

// Same as insertEventTypeNIDSQL
const insertRoomNIDSQL = "" +
	"INSERT INTO roomserver_rooms (room_id, room_version, create_event_id) VALUES ($1, $2, $3)" +
	" ON CONFLICT ON CONSTRAINT roomserver_room_id_unique" +
	" DO NOTHING RETURNING (room_nid)"

const selectRoomNIDSQL = "" +
	"SELECT room_nid FROM roomserver_rooms WHERE room_id = $1"

const selectRoomInfoSQL = "" +
	"SELECT room_nid, room_id, room_version, create_event_id, latest_event_ids, state_snapshot_nid" +
	" FROM roomserver_rooms WHERE room_id = $1"

const selectRoomInfoByNIDSQL = "" +
	"SELECT room_nid, room_id, room_version, create_event_id, latest_event_ids, state_snapshot_nid" +
	" FROM roomserver_rooms WHERE room_nid = $1"

const updateLatestEventIDsSQL = "" +
	"UPDATE roomserver_rooms SET latest_event_ids = $2, state_snapshot_nid = $3 WHERE room_nid = $1"

type roomStatements struct {
	insertRoomNIDStmt        *sql.Stmt
	selectRoomNIDStmt        *sql.Stmt
	selectRoomInfoStmt       *sql.Stmt
	selectRoomInfoByNIDStmt  *sql.Stmt
	updateLatestEventIDsStmt *sql.Stmt
}

func CreateRoomsTable(db *sql.DB) error {
	_, err := db.Exec(roomsSchema)
	return err
}

func PrepareRoomsTable(db *sql.DB) (tables.Rooms, error) {
	s := &roomStatements{}

	return s, sqlutil.StatementList{
		{&s.insertRoomNIDStmt, insertRoomNIDSQL},
		{&s.selectRoomNIDStmt, selectRoomNIDSQL},
		{&s.selectRoomInfoStmt, selectRoomInfoSQL},
		{&s.selectRoomInfoByNIDStmt, selectRoomInfoByNIDSQL},
		{&s.updateLatestEventIDsStmt, updateLatestEventIDsSQL},
	}.Prepare(db)
}

func (s *roomStatements) InsertRoomNID(
	ctx context.Context, txn *sql.Tx,
	roomID string, roomVersion types.RoomVersion, createEventID string,
) (types.RoomNID, error) {
	var roomNID int64
	stmt := sqlutil.TxStmt(txn, s.insertRoomNIDStmt)
	err := stmt.QueryRowContext(ctx, roomID, string(roomVersion), createEventID).Scan(&roomNID)
	if err == sql.ErrNoRows {
		stmt = sqlutil.TxStmt(txn, s.selectRoomNIDStmt)
		err = stmt.QueryRowContext(ctx, roomID).Scan(&roomNID)
	}
	return types.RoomNID(roomNID), err
}

func (s *roomStatements) SelectRoomInfo(
	ctx context.Context, txn *sql.Tx, roomID string,
) (*types.RoomInfo, error) {
	return scanRoomInfo(sqlutil.TxStmt(txn, s.selectRoomInfoStmt).QueryRowContext(ctx, roomID))
}

func (s *roomStatements) SelectRoomInfoByNID(
	ctx context.Context, txn *sql.Tx, roomNID types.RoomNID,
) (*types.RoomInfo, error) {
	return scanRoomInfo(sqlutil.TxStmt(txn, s.selectRoomInfoByNIDStmt).QueryRowContext(ctx, int64(roomNID)))
}

func scanRoomInfo(row *sql.Row) (*types.RoomInfo, error) {
	info := &types.RoomInfo{}
	var latest pq.StringArray
	err := row.Scan(&info.RoomNID, &info.RoomID, &info.RoomVersion, &info.CreateEventID, &latest, &info.StateSnapshotNID)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	info.LatestEventIDs = latest
	return info, nil
}

func (s *roomStatements) UpdateLatestEventIDs(
	ctx context.Context, txn *sql.Tx,
	roomNID types.RoomNID, eventIDs []string, stateSnapshotNID types.StateSnapshotNID,
) error {
	stmt := sqlutil.TxStmt(txn, s.updateLatestEventIDsStmt)
	_, err := stmt.ExecContext(ctx, int64(roomNID), pq.StringArray(eventIDs), int64(stateSnapshotNID))
	return err
}
