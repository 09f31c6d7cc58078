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
	"fmt"

	"github.com/lib/pq"

	"github.com/element-hq/fedcore/internal/sqlutil"
	"github.com/element-hq/fedcore/roomserver/storage/tables"
	"github.com/element-hq/fedcore/roomserver/types"
)

const stateSnapshotSchema = `
-- The state of a room before an event.
-- Snapshots are immutable: once written they are never modified, so that
-- they can be cached and shared between events.
CREATE SEQUENCE IF NOT EXISTS roomserver_state_snapshot_nid_seq;
CREATE TABLE IF NOT EXISTS roomserver_state_snapshots (
    -- Local numeric ID for the state snapshot.
    state_snapshot_nid BIGINT PRIMARY KEY DEFAULT nextval('roomserver_state_snapshot_nid_seq'),
    -- The room the snapshot belongs to.
    room_nid BIGINT NOT NULL,
    -- Hash of the entries, so that identical snapshots are stored once.
    state_hash BYTEA NOT NULL,
    -- Sorted (event_type_nid, event_state_key_nid, event_nid) triplets, flattened.
    state_entries BIGINT[] NOT NULL,
    CONSTRAINT roomserver_state_snapshot_unique UNIQUE (room_nid, state_hash)
);
`

// Insert a new state snapshot. If the same entries are already stored for
// the room we update nothing but still need RETURNING to give back the NID.
const insertStateSQL = "" +
	"INSERT INTO roomserver_state_snapshots (room_nid, state_hash, state_entries)" +
	" VALUES ($1, $2, $3)" +
	" ON CONFLICT ON CONSTRAINT roomserver_state_snapshot_unique" +
	" DO UPDATE SET room_nid = $1" +
	" RETURNING state_snapshot_nid"

const selectStateSQL = "" +
	"SELECT room_nid, state_entries FROM roomserver_state_snapshots" +
	" WHERE state_snapshot_nid = $1"

type stateSnapshotStatements struct {
	insertStateStmt *sql.Stmt
	selectStateStmt *sql.Stmt
}

func CreateStateSnapshotTable(db *sql.DB) error {
	_, err := db.Exec(stateSnapshotSchema)
	return err
}

func PrepareStateSnapshotTable(db *sql.DB) (tables.StateSnapshots, error) {
	s := &stateSnapshotStatements{}

	return s, sqlutil.StatementList{
		{&s.insertStateStmt, insertStateSQL},
		{&s.selectStateStmt, selectStateSQL},
	}.Prepare(db)
}

func (s *stateSnapshotStatements) InsertState(
	ctx context.Context, txn *sql.Tx,
	roomNID types.RoomNID, stateHash []byte, entries []types.StateEntry,
) (types.StateSnapshotNID, error) {
	var stateSnapshotNID int64
	stmt := sqlutil.TxStmt(txn, s.insertStateStmt)
	err := stmt.QueryRowContext(
		ctx, int64(roomNID), stateHash, pq.Int64Array(tables.FlattenStateEntries(entries)),
	).Scan(&stateSnapshotNID)
	return types.StateSnapshotNID(stateSnapshotNID), err
}

func (s *stateSnapshotStatements) SelectState(
	ctx context.Context, txn *sql.Tx, stateSnapshotNID types.StateSnapshotNID,
) (types.RoomNID, []types.StateEntry, error) {
	var roomNID int64
	var flat pq.Int64Array
	stmt := sqlutil.TxStmt(txn, s.selectStateStmt)
	if err := stmt.QueryRowContext(ctx, int64(stateSnapshotNID)).Scan(&roomNID, &flat); err != nil {
		return 0, nil, err
	}
	entries, err := tables.UnflattenStateEntries(flat)
	if err != nil {
		return 0, nil, fmt.Errorf("snapshot %d: %w", stateSnapshotNID, err)
	}
	return types.RoomNID(roomNID), entries, nil
}
