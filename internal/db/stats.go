package db

import (
	"context"
	"fmt"
)

// OperationCounts holds per-status record counts.
type OperationCounts struct {
	Pending   int `json:"pending"`
	Syncing   int `json:"syncing"`
	Failed    int `json:"failed"`
	Completed int `json:"completed"`
}

// GetOperationCounts returns per-status record counts.
func (db *DB) GetOperationCounts(
	ctx context.Context,
) (OperationCounts, error) {
	rows, err := db.reader.QueryContext(ctx,
		"SELECT status, count(*) FROM operations GROUP BY status",
	)
	if err != nil {
		return OperationCounts{}, fmt.Errorf("counting operations: %w", err)
	}
	defer rows.Close()

	var c OperationCounts
	for rows.Next() {
		var (
			status string
			n      int
		)
		if err := rows.Scan(&status, &n); err != nil {
			return OperationCounts{}, fmt.Errorf(
				"scanning count: %w", err,
			)
		}
		switch Status(status) {
		case StatusPending:
			c.Pending = n
		case StatusSyncing:
			c.Syncing = n
		case StatusFailed:
			c.Failed = n
		case StatusCompleted:
			c.Completed = n
		}
	}
	return c, rows.Err()
}
