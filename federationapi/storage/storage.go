// Copyright 2024 New Vector Ltd.
// Copyright 2020 The Matrix.org Foundation C.I.C.
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

package storage

import (
	"context"
	"fmt"

	"github.com/element-hq/fedcore/federationapi/storage/postgres"
	"github.com/element-hq/fedcore/federationapi/storage/sqlite3"
	"github.com/element-hq/fedcore/setup/config"
)

// NewDatabase opens a new database
func NewDatabase(ctx context.Context, dbProperties *config.DatabaseOptions) (Database, error) {
	switch {
	case dbProperties.ConnectionString.IsSQLite():
		return sqlite3.NewDatabase(ctx, dbProperties)
	case dbProperties.ConnectionString.IsPostgres():
		return postgres.NewDatabase(ctx, dbProperties)
	default:
		return nil, fmt.Errorf("unexpected database type")
	}
}
