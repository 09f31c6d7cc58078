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
	"encoding/json"
	"fmt"

	"github.com/element-hq/fedcore/internal/sqlutil"
	"github.com/element-hq/fedcore/roomserver/storage/tables"
	"github.com/element-hq/fedcore/roomserver/types"
)

// SQLite has no array type, so the flattened entries are kept as a JSON list.
const stateSnapshotSchema = `
  CREATE TABLE IF NOT EXISTS roomserver_state_snapshots (
    state_snapshot_nid INTEGER PRIMARY KEY AUTOINCREMENT,
    room_nid INTEGER NOT NULL,
    state_hash BLOB NOT NULL,
    state_entries TEXT NOT NULL,
    UNIQUE (room_nid, state_hash)
  );
`

const insertStateSQL = `
	INSERT INTO roomserver_state_snapshots (room_nid, state_hash, state_entries)
	  VALUES ($1, $2, $3)
	  ON CONFLICT (room_nid, state_hash) DO UPDATE SET room_nid = $1
	  RETURNING state_snapshot_nid
`

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
	entriesJSON, err := json.Marshal(tables.FlattenStateEntries(entries))
	if err != nil {
		return 0, err
	}
	var stateSnapshotNID int64
	stmt := sqlutil.TxStmt(txn, s.insertStateStmt)
	err = stmt.QueryRowContext(ctx, int64(roomNID), stateHash, string(entriesJSON)).Scan(&stateSnapshotNID)
	return types.StateSnapshotNID(stateSnapshotNID), err
}

func (s *stateSnapshotStatements) SelectState(
	ctx context.Context, txn *sql.Tx, stateSnapshotNID types.StateSnapshotNID,
) (types.RoomNID, []types.StateEntry, error) {
	var roomNID int64
	var entriesJSON string
	stmt := sqlutil.TxStmt(txn, s.selectStateStmt)
	if err := stmt.QueryRowContext(ctx, int64(stateSnapshotNID)).Scan(&roomNID, &entriesJSON); err != nil {
		return 0, nil, err
	}
	var flat []int64
	if err := json.Unmarshal([]byte(entriesJSON), &flat); err != nil {
		return 0, nil, fmt.Errorf("snapshot %d: json.Unmarshal: %w", stateSnapshotNID, err)
	}
	entries, err := tables.UnflattenStateEntries(flat)
	if err != nil {
		return 0, nil, fmt.Errorf("snapshot %d: %w", stateSnapshotNID, err)
	}
	return types.RoomNID(roomNID), entries, nil
}
