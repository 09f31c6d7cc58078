// Copyright 2024 New Vector Ltd.
// Copyright 2020 The Matrix.org Foundation C.I.C.
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

package sqlutil

import (
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/lib/pq"
	_ "github.com/mattn/go-sqlite3"
	"github.com/sirupsen/logrus"

	"github.com/element-hq/fedcore/setup/config"
)

// SQLiteDriverName is the name under which mattn/go-sqlite3 registers itself.
const SQLiteDriverName = "sqlite3"

// Open opens a database specified by its database driver name and a data source name.
// SQLite connections are limited to a single open connection, and callers are expected
// to funnel writes through an ExclusiveWriter.
func Open(dbProperties *config.DatabaseOptions, writer Writer) (*sql.DB, error) {
	var err error
	var driverName, dsn string
	switch {
	case dbProperties.ConnectionString.IsSQLite():
		driverName = SQLiteDriverName
		dsn, err = ParseFileURI(dbProperties.ConnectionString)
		if err != nil {
			return nil, fmt.Errorf("ParseFileURI: %w", err)
		}
	case dbProperties.ConnectionString.IsPostgres():
		driverName = "postgres"
		dsn = string(dbProperties.ConnectionString)
		if _, err = pq.ParseURL(dsn); err != nil && strings.HasPrefix(dsn, "postgres://") {
			return nil, fmt.Errorf("pq.ParseURL: %w", err)
		}
	default:
		return nil, fmt.Errorf("invalid database connection string %q", dbProperties.ConnectionString)
	}

	logger := logrus.WithFields(logrus.Fields{
		"max_open_conns":    dbProperties.MaxOpenConns(),
		"max_idle_conns":    dbProperties.MaxIdleConns(),
		"conn_max_lifetime": dbProperties.ConnMaxLifetime(),
		"data_source_name":  regexpPassword(dsn),
	})
	logger.Debug("Opening database connection")

	db, err := sql.Open(driverName, dsn)
	if err != nil {
		return nil, err
	}
	if driverName == SQLiteDriverName {
		if _, ok := writer.(*ExclusiveWriter); !ok {
			logger.Warn("SQLite database opened without an exclusive writer")
		}
		db.SetMaxOpenConns(1)
		db.SetMaxIdleConns(1)
		db.SetConnMaxLifetime(-1)
		if _, err = db.Exec("PRAGMA foreign_keys = ON"); err != nil {
			return nil, err
		}
	} else {
		db.SetMaxOpenConns(dbProperties.MaxOpenConns())
		db.SetMaxIdleConns(dbProperties.MaxIdleConns())
		db.SetConnMaxLifetime(dbProperties.ConnMaxLifetime())
	}
	return db, nil
}

// ParseFileURI returns the filepath in the given file: URI. Specifically, this will handle
// both relative (file:foo.db) and absolute (file:///path/to/foo) paths.
func ParseFileURI(dataSourceName config.DataSource) (string, error) {
	if !dataSourceName.IsSQLite() {
		return "", fmt.Errorf("ParseFileURI expects SQLite connection string")
	}
	s := strings.TrimPrefix(string(dataSourceName), "file:")
	s = strings.TrimPrefix(s, "//")
	if strings.Contains(s, "mode=memory") {
		return "file:" + s, nil
	}
	if !strings.Contains(s, "?") {
		s += fmt.Sprintf("?_busy_timeout=%d", (10 * time.Second).Milliseconds())
	}
	return "file:" + s, nil
}

func regexpPassword(dsn string) string {
	if i := strings.Index(dsn, "password="); i >= 0 {
		end := strings.IndexAny(dsn[i:], " &")
		if end < 0 {
			return dsn[:i] + "password=***"
		}
		return dsn[:i] + "password=***" + dsn[i+end:]
	}
	if u := strings.Index(dsn, "://"); u >= 0 {
		if at := strings.Index(dsn[u+3:], "@"); at >= 0 {
			creds := dsn[u+3 : u+3+at]
			if colon := strings.Index(creds, ":"); colon >= 0 {
				return dsn[:u+3] + creds[:colon] + ":***" + dsn[u+3+at:]
			}
		}
	}
	return dsn
}
