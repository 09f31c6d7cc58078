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

// UpEventsPublished adds an is_published column to roomserver_events.
// Events accepted before the column existed were all published.
func UpEventsPublished(ctx context.Context, tx *sql.Tx) error {
	var count int
	err := tx.QueryRowContext(ctx, `SELECT COUNT(*) FROM information_schema.columns WHERE table_name = 'roomserver_events' AND column_name = 'is_published'`).Scan(&count)
	if err != nil {
		return fmt.Errorf("failed to check column existence: %w", err)
	}
	if count > 0 {
		return nil
	}
	_, err = tx.ExecContext(ctx, `ALTER TABLE roomserver_events ADD COLUMN is_published BOOLEAN NOT NULL DEFAULT FALSE;`)
	if err != nil {
		return fmt.Errorf("failed to execute upgrade: %w", err)
	}
	_, err = tx.ExecContext(ctx, `UPDATE roomserver_events SET is_published = TRUE WHERE NOT is_outlier AND NOT is_rejected;`)
	if err != nil {
		return fmt.Errorf("failed to execute upgrade: %w", err)
	}
	return nil
}
