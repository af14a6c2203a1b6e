// Package history appends audit rows for task status transitions. Rows are
// append-only; nothing in the system updates or deletes them.
package history

import (
	"context"
	"database/sql"
	"time"
)

type Writer struct {
	Now func() time.Time
}

// Append records one transition inside the caller's transaction. oldStatus is
// nil only for the creation entry.
func (w Writer) Append(ctx context.Context, tx *sql.Tx, taskID, changedBy int64, oldStatus *string, newStatus, comment string) error {
	now := time.Now
	if w.Now != nil {
		now = w.Now
	}
	ts := now().UTC().Format(time.RFC3339)
	var old any
	if oldStatus != nil {
		old = *oldStatus
	}
	_, err := tx.ExecContext(ctx, `INSERT INTO task_history(task_id,changed_by,old_status,new_status,comment,created_at) VALUES (?,?,?,?,?,?)`,
		taskID, changedBy, old, newStatus, comment, ts)
	return err
}
