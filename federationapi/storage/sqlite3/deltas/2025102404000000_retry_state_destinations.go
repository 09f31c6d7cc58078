// Copyright 2024 New Vector Ltd.
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

package deltas

import (
	"context"
	"database/sql"
	"fmt"
)

// UpRetryStateDestinations rekeys retry state that was tracked per server
// name into destination keys.
func UpRetryStateDestinations(ctx context.Context, tx *sql.Tx) error {
	var count int
	err := tx.QueryRowContext(ctx, `SELECT COUNT(*) FROM pragma_table_info('federationsender_retry_state') WHERE name = 'server_name'`).Scan(&count)
	if err != nil {
		return fmt.Errorf("failed to check column existence: %w", err)
	}
	if count == 0 {
		return nil
	}
	statements := []string{
		`ALTER TABLE federationsender_retry_state RENAME COLUMN server_name TO destination`,
		`UPDATE federationsender_retry_state SET destination = 'fed:' || LOWER(destination)`,
	}
	for _, stmt := range statements {
		if _, err = tx.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("failed to execute upgrade: %w", err)
		}
	}
	return nil
}

func DownRetryStateDestinations(ctx context.Context, tx *sql.Tx) error {
	return nil
}
