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

	"github.com/element-hq/fedcore/internal/caching"
	"github.com/element-hq/fedcore/internal/sqlutil"
	"github.com/element-hq/fedcore/roomserver/storage/shared"
	"github.com/element-hq/fedcore/roomserver/storage/postgres/deltas"
	"github.com/element-hq/fedcore/setup/config"
)

// A Database is used to store room events and stream offsets.
type Database struct {
	shared.Database
}

// Open a postgres database.
func Open(ctx context.Context, dbProperties *config.DatabaseOptions, cache *caching.Caches) (*Database, error) {
	var d Database
	writer := sqlutil.NewDummyWriter()
	db, err := sqlutil.Open(dbProperties, writer)
	if err != nil {
		return nil, fmt.Errorf("sqlutil.Open: %w", err)
	}

	// Create the tables.
	if err = d.create(db); err != nil {
		return nil, err
	}

	m := sqlutil.NewMigrator(db)
	m.AddMigrations(sqlutil.Migration{
		Version: "roomserver: add is_redacted to events",
		Up:      deltas.UpEventsRedacted,
	}, sqlutil.Migration{
		Version: "roomserver: add is_published to events",
		Up:      deltas.UpEventsPublished,
	})
	if err = m.Up(ctx); err != nil {
		return nil, err
	}

	// Then prepare the statements. Now that the migrations have run, any columns referred
	// to in the database code should now exist.
	if err = d.prepare(db, writer, cache); err != nil {
		return nil, err
	}

	return &d, nil
}

func (d *Database) create(db *sql.DB) error {
	if err := CreateEventTypesTable(db); err != nil {
		return err
	}
	if err := CreateEventStateKeysTable(db); err != nil {
		return err
	}
	if err := CreateRoomsTable(db); err != nil {
		return err
	}
	if err := CreateEventsTable(db); err != nil {
		return err
	}
	if err := CreatePrevEventsTable(db); err != nil {
		return err
	}
	return CreateStateSnapshotTable(db)
}

func (d *Database) prepare(db *sql.DB, writer sqlutil.Writer, cache *caching.Caches) error {
	eventTypes, err := PrepareEventTypesTable(db)
	if err != nil {
		return err
	}
	eventStateKeys, err := PrepareEventStateKeysTable(db)
	if err != nil {
		return err
	}
	rooms, err := PrepareRoomsTable(db)
	if err != nil {
		return err
	}
	events, err := PrepareEventsTable(db)
	if err != nil {
		return err
	}
	prevEvents, err := PreparePrevEventsTable(db)
	if err != nil {
		return err
	}
	stateSnapshots, err := PrepareStateSnapshotTable(db)
	if err != nil {
		return err
	}
	d.Database = shared.Database{
		DB:                  db,
		Cache:               cache,
		Writer:              writer,
		EventTypesTable:     eventTypes,
		EventStateKeysTable: eventStateKeys,
		RoomsTable:          rooms,
		EventsTable:         events,
		PrevEventsTable:     prevEvents,
		StateSnapshotTable:  stateSnapshots,
	}
	return nil
}
