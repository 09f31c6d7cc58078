// Copyright 2024 New Vector Ltd.
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

package sqlite3

import (
	"context"
	"database/sql"

	"github.com/matrix-org/gomatrixserverlib/spec"

	"github.com/element-hq/fedcore/federationapi/storage/tables"
	"github.com/element-hq/fedcore/federationapi/types"
	"github.com/element-hq/fedcore/internal/sqlutil"
)

const retryStateSchema = `
CREATE TABLE IF NOT EXISTS federationsender_retry_state (
    destination TEXT NOT NULL PRIMARY KEY,
    failure_count INTEGER NOT NULL DEFAULT 0,
    retry_until BIGINT NOT NULL DEFAULT 0
);
`

const upsertRetryStateSQL = "" +
	"INSERT INTO federationsender_retry_state (destination, failure_count, retry_until) VALUES ($1, $2, $3)" +
	" ON CONFLICT (destination) DO UPDATE SET failure_count = $2, retry_until = $3"

const selectRetryStateSQL = "" +
	"SELECT failure_count, retry_until FROM federationsender_retry_state WHERE destination = $1"

const selectAllRetryStatesSQL = "" +
	"SELECT destination, failure_count, retry_until FROM federationsender_retry_state"

const deleteRetryStateSQL = "" +
	"DELETE FROM federationsender_retry_state WHERE destination = $1"

type retryStateStatements struct {
	upsertRetryStateStmt     *sql.Stmt
	selectRetryStateStmt     *sql.Stmt
	selectAllRetryStatesStmt *sql.Stmt
	deleteRetryStateStmt     *sql.Stmt
}

func CreateRetryStateTable(db *sql.DB) error {
	_, err := db.Exec(retryStateSchema)
	return err
}

func PrepareRetryStateTable(db *sql.DB) (tables.RetryState, error) {
	s := &retryStateStatements{}

	return s, sqlutil.StatementList{
		{&s.upsertRetryStateStmt, upsertRetryStateSQL},
		{&s.selectRetryStateStmt, selectRetryStateSQL},
		{&s.selectAllRetryStatesStmt, selectAllRetryStatesSQL},
		{&s.deleteRetryStateStmt, deleteRetryStateSQL},
	}.Prepare(db)
}

func (s *retryStateStatements) UpsertRetryState(
	ctx context.Context, txn *sql.Tx, destination string, failureCount uint32, retryUntil spec.Timestamp,
) error {
	stmt := sqlutil.TxStmt(txn, s.upsertRetryStateStmt)
	_, err := stmt.ExecContext(ctx, destination, int64(failureCount), int64(retryUntil))
	return err
}

func (s *retryStateStatements) SelectRetryState(
	ctx context.Context, txn *sql.Tx, destination string,
) (uint32, spec.Timestamp, bool, error) {
	var failureCount, retryUntil int64
	err := sqlutil.TxStmt(txn, s.selectRetryStateStmt).QueryRowContext(ctx, destination).Scan(&failureCount, &retryUntil)
	if err == sql.ErrNoRows {
		return 0, 0, false, nil
	}
	if err != nil {
		return 0, 0, false, err
	}
	return uint32(failureCount), spec.Timestamp(retryUntil), true, nil
}

func (s *retryStateStatements) SelectAllRetryStates(
	ctx context.Context, txn *sql.Tx,
) (map[string]types.RetryState, error) {
	rows, err := sqlutil.TxStmt(txn, s.selectAllRetryStatesStmt).QueryContext(ctx)
	if err != nil {
		return nil, err
	}
	defer rows.Close() // nolint:errcheck

	result := make(map[string]types.RetryState)
	for rows.Next() {
		var destination string
		var failureCount, retryUntil int64
		if err = rows.Scan(&destination, &failureCount, &retryUntil); err != nil {
			return nil, err
		}
		result[destination] = types.RetryState{
			FailureCount: uint32(failureCount),
			RetryUntil:   spec.Timestamp(retryUntil),
		}
	}
	return result, rows.Err()
}

func (s *retryStateStatements) DeleteRetryState(
	ctx context.Context, txn *sql.Tx, destination string,
) error {
	_, err := sqlutil.TxStmt(txn, s.deleteRetryStateStmt).ExecContext(ctx, destination)
	return err
}
