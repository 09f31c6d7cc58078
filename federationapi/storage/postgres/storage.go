// Copyright 2024 New Vector Ltd.
// Copyright 2020 The Matrix.org Foundation C.I.C.
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

package postgres

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/element-hq/fedcore/federationapi/storage/postgres/deltas"
	"github.com/element-hq/fedcore/federationapi/storage/shared"
	"github.com/element-hq/fedcore/internal/sqlutil"
	"github.com/element-hq/fedcore/setup/config"
)

// Database stores the outbound queues and the retry state of destinations.
type Database struct {
	shared.Database
}

// NewDatabase opens a new postgres database.
func NewDatabase(ctx context.Context, dbProperties *config.DatabaseOptions) (*Database, error) {
	var d Database
	writer := sqlutil.NewDummyWriter()
	db, err := sqlutil.Open(dbProperties, writer)
	if err != nil {
		return nil, fmt.Errorf("sqlutil.Open: %w", err)
	}
	if err = CreateQueueTable(db); err != nil {
		return nil, err
	}
	if err = CreateRetryStateTable(db); err != nil {
		return nil, err
	}

	m := sqlutil.NewMigrator(db)
	m.AddMigrations(sqlutil.Migration{
		Version: "federationsender: key retry state by destination",
		Up:      deltas.UpRetryStateDestinations,
	})
	if err = m.Up(ctx); err != nil {
		return nil, err
	}

	if err = d.prepare(db, writer); err != nil {
		return nil, err
	}
	return &d, nil
}

func (d *Database) prepare(db *sql.DB, writer sqlutil.Writer) error {
	queue, err := PrepareQueueTable(db)
	if err != nil {
		return err
	}
	retryStates, err := PrepareRetryStateTable(db)
	if err != nil {
		return err
	}
	d.Database = shared.Database{
		DB:              db,
		Writer:          writer,
		QueueTable:      queue,
		RetryStateTable: retryStates,
	}
	return nil
}
