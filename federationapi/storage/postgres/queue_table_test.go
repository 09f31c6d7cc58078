// Copyright 2024 New Vector Ltd.
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

package postgres

import (
	"context"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/matrix-org/gomatrixserverlib/spec"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/element-hq/fedcore/federationapi/storage/tables"
	"github.com/element-hq/fedcore/federationapi/types"
)

func prepareQueueTable(t *testing.T) (tables.Queue, sqlmock.Sqlmock) {
	t.Helper()
	conn, mock, err := sqlmock.New(sqlmock.QueryMatcherOption(sqlmock.QueryMatcherEqual))
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })

	for _, stmt := range []string{
		insertQueueItemSQL, selectQueuedItemsSQL, selectActiveItemsSQL, updateActiveSQL,
		deleteActiveItemsSQL, deleteAllItemsSQL, selectItemCountSQL, selectPendingDestinationsSQL,
	} {
		mock.ExpectPrepare(stmt)
	}
	tab, err := PrepareQueueTable(conn)
	require.NoError(t, err)
	return tab, mock
}

func TestQueueTable_InsertQueueItem(t *testing.T) {
	t.Parallel()
	tab, mock := prepareQueueTable(t)

	mock.ExpectQuery(insertQueueItemSQL).
		WithArgs("fed:remote.example", int(types.ItemEDU), "", `{"edu_type":"m.typing"}`).
		WillReturnRows(sqlmock.NewRows([]string{"queue_nid"}).AddRow(int64(9)))

	nid, err := tab.InsertQueueItem(context.Background(), nil, "fed:remote.example", types.ItemEDU, "", []byte(`{"edu_type":"m.typing"}`))
	require.NoError(t, err)
	assert.Equal(t, int64(9), nid)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestQueueTable_SelectQueuedItems(t *testing.T) {
	t.Parallel()
	tab, mock := prepareQueueTable(t)

	mock.ExpectQuery(selectQueuedItemsSQL).
		WithArgs("as:bridge", 30).
		WillReturnRows(sqlmock.NewRows([]string{"queue_nid", "item_kind", "event_id", "edu_json", "is_active"}).
			AddRow(int64(1), int(types.ItemPDU), "$a", "", false).
			AddRow(int64(2), int(types.ItemEDU), "", `{}`, false))

	rows, err := tab.SelectQueuedItems(context.Background(), nil, "as:bridge", 30)
	require.NoError(t, err)
	assert.Equal(t, []tables.QueueRow{
		{QueueNID: 1, Kind: types.ItemPDU, EventID: "$a"},
		{QueueNID: 2, Kind: types.ItemEDU, EDUJSON: []byte(`{}`)},
	}, rows)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestQueueTable_UpdateActive(t *testing.T) {
	t.Parallel()
	tab, mock := prepareQueueTable(t)

	mock.ExpectExec(updateActiveSQL).
		WithArgs("{3,4}", true).
		WillReturnResult(sqlmock.NewResult(0, 2))

	ctx := context.Background()
	require.NoError(t, tab.UpdateActive(ctx, nil, []int64{3, 4}, true))
	// Nothing to update means no statement at all.
	require.NoError(t, tab.UpdateActive(ctx, nil, nil, false))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestRetryStateTable_SelectRetryState(t *testing.T) {
	t.Parallel()
	conn, mock, err := sqlmock.New(sqlmock.QueryMatcherOption(sqlmock.QueryMatcherEqual))
	require.NoError(t, err)
	defer conn.Close() // nolint:errcheck

	mock.ExpectPrepare(upsertRetryStateSQL)
	mock.ExpectPrepare(selectRetryStateSQL)
	mock.ExpectPrepare(selectAllRetryStatesSQL)
	mock.ExpectPrepare(deleteRetryStateSQL)
	tab, err := PrepareRetryStateTable(conn)
	require.NoError(t, err)

	mock.ExpectQuery(selectRetryStateSQL).
		WithArgs("fed:remote.example").
		WillReturnRows(sqlmock.NewRows([]string{"failure_count", "retry_until"}).AddRow(int64(2), int64(1234)))
	mock.ExpectQuery(selectRetryStateSQL).
		WithArgs("fed:unknown.example").
		WillReturnRows(sqlmock.NewRows([]string{"failure_count", "retry_until"}))

	ctx := context.Background()
	count, until, exists, err := tab.SelectRetryState(ctx, nil, "fed:remote.example")
	require.NoError(t, err)
	assert.True(t, exists)
	assert.Equal(t, uint32(2), count)
	assert.Equal(t, spec.Timestamp(1234), until)

	_, _, exists, err = tab.SelectRetryState(ctx, nil, "fed:unknown.example")
	require.NoError(t, err)
	assert.False(t, exists)
	require.NoError(t, mock.ExpectationsWereMet())
}
