// Copyright 2024 New Vector Ltd.
// Copyright 2022 The Matrix.org Foundation C.I.C.
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

package test

import (
	"fmt"
	"os"
	"path/filepath"
	"testing"

	"github.com/element-hq/fedcore/setup/config"
)

type DBType int

var DBTypeSQLite DBType = 1
var DBTypePostgres DBType = 2

func (t DBType) String() string {
	switch t {
	case DBTypeSQLite:
		return "sqlite"
	case DBTypePostgres:
		return "postgres"
	default:
		return "unknown"
	}
}

// PrepareDBConnectionString returns a connection string for a fresh database
// of the given type, plus a function to clean it up. Postgres tests need
// FEDCORE_TEST_POSTGRES to point at a database the tests may own.
func PrepareDBConnectionString(t *testing.T, dbType DBType) (connStr string, close func()) {
	t.Helper()
	switch dbType {
	case DBTypeSQLite:
		dbPath := filepath.Join(t.TempDir(), "fedcore_test.db")
		return fmt.Sprintf("file:%s", dbPath), func() {
			_ = os.Remove(dbPath)
		}
	case DBTypePostgres:
		connStr = os.Getenv("FEDCORE_TEST_POSTGRES")
		if connStr == "" {
			t.Skip("FEDCORE_TEST_POSTGRES not set, skipping postgres test")
		}
		return connStr, func() {}
	}
	t.Fatalf("unknown database type %d", dbType)
	return "", nil
}

// WithAllDatabases runs the test once against every database backend.
func WithAllDatabases(t *testing.T, testFn func(t *testing.T, db DBType)) {
	dbs := map[string]DBType{
		"postgres": DBTypePostgres,
		"sqlite":   DBTypeSQLite,
	}
	for dbName, dbType := range dbs {
		dbt := dbType
		t.Run(dbName, func(tt *testing.T) {
			testFn(tt, dbt)
		})
	}
}

// DatabaseOptions returns the config for a fresh database of the given type.
func DatabaseOptions(t *testing.T, dbType DBType) (*config.DatabaseOptions, func()) {
	connStr, close := PrepareDBConnectionString(t, dbType)
	opts := &config.DatabaseOptions{ConnectionString: config.DataSource(connStr)}
	opts.Defaults(10)
	return opts, close
}
