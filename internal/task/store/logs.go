package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"time"

	"github.com/kiln-dev/kiln/internal/task/models"
)

// rowLockSuffix returns the locking clause for the append-logs read. SQLite
// serializes writes through the single-connection writer pool already;
// postgres runs read committed, so without a row lock two concurrent
// read-modify-write transactions can both read the same transcript and the
// second commit silently drops the first one's entries.
func rowLockSuffix(driver string) string {
	if driver == "sqlite3" {
		return ""
	}
	return " FOR UPDATE"
}

// AppendLogs appends entries to the task transcript. The read-modify-write
// runs in a writer transaction with the row locked for the duration, so
// concurrent flushes from the sink and the client endpoint never drop each
// other's entries.
func (s *SQLStore) AppendLogs(ctx context.Context, id string, entries []models.LogEntry) error {
	if len(entries) == 0 {
		return nil
	}

	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return err
	}

	var raw string
	if err := tx.QueryRowContext(ctx, tx.Rebind(
		`SELECT logs FROM tasks WHERE id = ?`+rowLockSuffix(s.db.DriverName())), id).Scan(&raw); err != nil {
		_ = tx.Rollback()
		if err == sql.ErrNoRows {
			return ErrTaskNotFound
		}
		return err
	}

	var logs []models.LogEntry
	_ = json.Unmarshal([]byte(raw), &logs)
	logs = append(logs, entries...)

	merged, err := json.Marshal(logs)
	if err != nil {
		_ = tx.Rollback()
		return err
	}

	if _, err := tx.ExecContext(ctx, tx.Rebind(
		`UPDATE tasks SET logs = ?, updated_at = ? WHERE id = ?`),
		string(merged), time.Now().UTC(), id); err != nil {
		_ = tx.Rollback()
		return err
	}
	return tx.Commit()
}

// GetLogs returns the full transcript in append order.
func (s *SQLStore) GetLogs(ctx context.Context, id string) ([]models.LogEntry, error) {
	var raw string
	err := s.ro.QueryRowContext(ctx, s.ro.Rebind(
		`SELECT logs FROM tasks WHERE id = ?`), id).Scan(&raw)
	if err == sql.ErrNoRows {
		return nil, ErrTaskNotFound
	}
	if err != nil {
		return nil, err
	}

	var logs []models.LogEntry
	if err := json.Unmarshal([]byte(raw), &logs); err != nil {
		return nil, err
	}
	return logs, nil
}
