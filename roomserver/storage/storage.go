// Copyright 2024 New Vector Ltd.
// Copyright 2020 The Matrix.org Foundation C.I.C.
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

package storage

import (
	"context"
	"fmt"

	"github.com/element-hq/fedcore/internal/caching"
	"github.com/element-hq/fedcore/roomserver/storage/postgres"
	"github.com/element-hq/fedcore/roomserver/storage/sqlite3"
	"github.com/element-hq/fedcore/setup/config"
)

// Open opens a database connection.
func Open(ctx context.Context, dbProperties *config.DatabaseOptions, cache *caching.Caches) (Database, error) {
	switch {
	case dbProperties.ConnectionString.IsSQLite():
		return sqlite3.Open(ctx, dbProperties, cache)
	case dbProperties.ConnectionString.IsPostgres():
		return postgres.Open(ctx, dbProperties, cache)
	default:
		return nil, fmt.Errorf("unexpected database type")
	}
}
