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
	var exists bool
	err := tx.QueryRowContext(ctx, `
SELECT EXISTS (
    SELECT 1 FROM information_schema.columns
    WHERE table_name = 'federationsender_retry_state' AND column_name = 'server_name'
)`).Scan(&exists)
	if err != nil {
		return fmt.Errorf("failed to check column existence: %w", err)
	}
	if !exists {
		return nil
	}

	var canonical string
	var count int
	switch err = tx.QueryRowContext(ctx,
		"SELECT LOWER(server_name) AS canonical, COUNT(*) FROM federationsender_retry_state GROUP BY LOWER(server_name) HAVING COUNT(*) > 1 LIMIT 1",
	).Scan(&canonical, &count); err {
	case sql.ErrNoRows:
	case nil:
		return fmt.Errorf("federationsender_retry_state contains server names that differ only by case (canonical=%s) - deduplicate before rerunning", canonical)
	default:
		return err
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
