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

// UpEventsRedacted adds an is_redacted column to roomserver_events.
func UpEventsRedacted(ctx context.Context, tx *sql.Tx) error {
	// SQLite doesn't support IF NOT EXISTS for ADD COLUMN, so we need to check first
	var count int
	err := tx.QueryRowContext(ctx, `SELECT COUNT(*) FROM pragma_table_info('roomserver_events') WHERE name = 'is_redacted'`).Scan(&count)
	if err != nil {
		return fmt.Errorf("failed to check column existence: %w", err)
	}
	if count == 0 {
		_, err = tx.ExecContext(ctx, `ALTER TABLE roomserver_events ADD COLUMN is_redacted BOOLEAN NOT NULL DEFAULT FALSE;`)
		if err != nil {
			return fmt.Errorf("failed to execute upgrade: %w", err)
		}
	}
	return nil
}

func DownEventsRedacted(ctx context.Context, tx *sql.Tx) error {
	// SQLite doesn't support DROP COLUMN in older versions, so we just leave the column
	return nil
}
