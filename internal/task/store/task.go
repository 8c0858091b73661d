package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/kiln-dev/kiln/internal/task/models"
)

const taskColumns = `id, user_id, prompt, repo_url, selected_agent, selected_model, sandbox_provider,
	status, progress, branch_name, existing_branch_name, sandbox_url, pr_number, pr_url,
	keep_alive, max_duration, mcp_server_ids, install_dependencies,
	current_sub_agent, sub_agent_activity, last_heartbeat, created_at, updated_at, deleted_at`

// CreateTask inserts a new task row. The caller provides status/progress;
// admission always inserts pending/0 with an empty log array.
func (s *SQLStore) CreateTask(ctx context.Context, task *models.Task) error {
	if task.ID == "" {
		task.ID = uuid.New().String()[:8]
	}
	now := time.Now().UTC()
	task.CreatedAt = now
	task.UpdatedAt = now

	mcpIDs, err := json.Marshal(task.MCPServerIDs)
	if err != nil {
		mcpIDs = []byte("[]")
	}

	var branch interface{}
	if task.BranchName != "" {
		branch = task.BranchName
	}

	_, err = s.db.ExecContext(ctx, s.db.Rebind(`
		INSERT INTO tasks (id, user_id, prompt, repo_url, selected_agent, selected_model, sandbox_provider,
			status, progress, branch_name, existing_branch_name, logs, sandbox_url, pr_url,
			keep_alive, max_duration, mcp_server_ids, install_dependencies,
			current_sub_agent, sub_agent_activity, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, '[]', '', '', ?, ?, ?, ?, '', '[]', ?, ?)
	`), task.ID, task.UserID, task.Prompt, task.RepoURL, task.SelectedAgent, task.SelectedModel,
		task.SandboxProvider, task.Status, task.Progress, branch, task.ExistingBranchName,
		task.KeepAlive, task.MaxDuration, string(mcpIDs), task.InstallDependencies,
		task.CreatedAt, task.UpdatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return ErrBranchTaken
		}
		return err
	}
	return nil
}

// GetTask retrieves a task by ID, including its log transcript.
func (s *SQLStore) GetTask(ctx context.Context, id string) (*models.Task, error) {
	row := s.ro.QueryRowContext(ctx, s.ro.Rebind(
		`SELECT `+taskColumns+`, logs FROM tasks WHERE id = ?`), id)
	task, logsRaw, err := scanTask(row)
	if err == sql.ErrNoRows {
		return nil, ErrTaskNotFound
	}
	if err != nil {
		return nil, err
	}
	_ = json.Unmarshal([]byte(logsRaw), &task.Logs)
	return task, nil
}

// ListTasks returns all non-deleted tasks for a user, newest first.
// Transcripts are omitted; use GetLogs for the full transcript.
func (s *SQLStore) ListTasks(ctx context.Context, userID string) ([]*models.Task, error) {
	rows, err := s.ro.QueryContext(ctx, s.ro.Rebind(
		`SELECT `+taskColumns+`, '[]' FROM tasks
		 WHERE user_id = ? AND deleted_at IS NULL
		 ORDER BY created_at DESC`), userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var tasks []*models.Task
	for rows.Next() {
		task, _, err := scanTask(rows)
		if err != nil {
			return nil, err
		}
		tasks = append(tasks, task)
	}
	return tasks, rows.Err()
}

// SoftDeleteTask hides a task from listings and rate-limit counts.
func (s *SQLStore) SoftDeleteTask(ctx context.Context, id string) error {
	now := time.Now().UTC()
	result, err := s.db.ExecContext(ctx, s.db.Rebind(
		`UPDATE tasks SET deleted_at = ?, updated_at = ? WHERE id = ? AND deleted_at IS NULL`),
		now, now, id)
	if err != nil {
		return err
	}
	rows, _ := result.RowsAffected()
	if rows == 0 {
		return ErrTaskNotFound
	}
	return nil
}

// BeginProcessing claims a pending task for execution. The status guard
// makes the claim a single-flight gate at the database level.
func (s *SQLStore) BeginProcessing(ctx context.Context, id string) (bool, error) {
	result, err := s.db.ExecContext(ctx, s.db.Rebind(`
		UPDATE tasks SET status = ?, progress = 5, updated_at = ?
		WHERE id = ? AND status = ? AND deleted_at IS NULL
	`), models.StatusProcessing, time.Now().UTC(), id, models.StatusPending)
	if err != nil {
		return false, err
	}
	rows, _ := result.RowsAffected()
	return rows > 0, nil
}

// SetTerminal writes a terminal status unless the task is already terminal.
// A negative progress keeps the last recorded value.
func (s *SQLStore) SetTerminal(ctx context.Context, id string, status models.Status, progress int) (bool, error) {
	if !status.Terminal() {
		return false, fmt.Errorf("status %q is not terminal", status)
	}
	result, err := s.db.ExecContext(ctx, s.db.Rebind(`
		UPDATE tasks SET status = ?,
			progress = CASE WHEN ? >= 0 THEN ? ELSE progress END,
			updated_at = ?
		WHERE id = ? AND status IN (?, ?)
	`), status, progress, progress, time.Now().UTC(), id, models.StatusPending, models.StatusProcessing)
	if err != nil {
		return false, err
	}
	rows, _ := result.RowsAffected()
	return rows > 0, nil
}

// MarkStopped is the only status write permitted outside the owning executor.
func (s *SQLStore) MarkStopped(ctx context.Context, id string) (bool, error) {
	return s.SetTerminal(ctx, id, models.StatusStopped, -1)
}

// UpdateProgress raises progress while the task is processing. The CASE
// keeps progress monotonically non-decreasing even if stage callbacks race.
func (s *SQLStore) UpdateProgress(ctx context.Context, id string, progress int) error {
	_, err := s.db.ExecContext(ctx, s.db.Rebind(`
		UPDATE tasks SET
			progress = CASE WHEN ? > progress THEN ? ELSE progress END,
			updated_at = ?
		WHERE id = ? AND status = ?
	`), progress, progress, time.Now().UTC(), id, models.StatusProcessing)
	return err
}

// SetBranchNameIfNull fills the branch name only if it is still empty.
// The synthesizer and the executor's fallback both go through here; the
// first writer wins and the loser's value is discarded.
func (s *SQLStore) SetBranchNameIfNull(ctx context.Context, id, branchName string) (bool, error) {
	result, err := s.db.ExecContext(ctx, s.db.Rebind(`
		UPDATE tasks SET branch_name = ?, updated_at = ?
		WHERE id = ? AND (branch_name IS NULL OR branch_name = '')
	`), branchName, time.Now().UTC(), id)
	if err != nil {
		if isUniqueViolation(err) {
			return false, ErrBranchTaken
		}
		return false, err
	}
	rows, _ := result.RowsAffected()
	return rows > 0, nil
}

// ResetForFollowUp returns a terminal task to pending so a follow-up
// executor run can claim it. The branch name is preserved.
func (s *SQLStore) ResetForFollowUp(ctx context.Context, id string) error {
	result, err := s.db.ExecContext(ctx, s.db.Rebind(`
		UPDATE tasks SET status = ?, progress = 0, updated_at = ?
		WHERE id = ? AND status IN (?, ?, ?) AND deleted_at IS NULL
	`), models.StatusPending, time.Now().UTC(), id,
		models.StatusCompleted, models.StatusError, models.StatusStopped)
	if err != nil {
		return err
	}
	rows, _ := result.RowsAffected()
	if rows == 0 {
		return ErrTaskNotFound
	}
	return nil
}

// SetSandboxURL records the public sandbox URL while the sandbox is alive.
func (s *SQLStore) SetSandboxURL(ctx context.Context, id, url string) error {
	_, err := s.db.ExecContext(ctx, s.db.Rebind(
		`UPDATE tasks SET sandbox_url = ?, updated_at = ? WHERE id = ?`),
		url, time.Now().UTC(), id)
	return err
}

// SetPR records pull-request linkage after a successful push.
func (s *SQLStore) SetPR(ctx context.Context, id string, prNumber int, prURL string) error {
	_, err := s.db.ExecContext(ctx, s.db.Rebind(
		`UPDATE tasks SET pr_number = ?, pr_url = ?, updated_at = ? WHERE id = ?`),
		prNumber, prURL, time.Now().UTC(), id)
	return err
}

// SetSubAgentTelemetry updates nested sub-agent progress and the heartbeat.
func (s *SQLStore) SetSubAgentTelemetry(ctx context.Context, id, subAgent, activity string) error {
	now := time.Now().UTC()

	entry, err := json.Marshal(models.SubAgentActivity{
		Name:      subAgent,
		Activity:  activity,
		Timestamp: now,
	})
	if err != nil {
		return err
	}

	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return err
	}

	var raw string
	if err := tx.QueryRowContext(ctx, tx.Rebind(
		`SELECT sub_agent_activity FROM tasks WHERE id = ?`), id).Scan(&raw); err != nil {
		_ = tx.Rollback()
		if err == sql.ErrNoRows {
			return ErrTaskNotFound
		}
		return err
	}

	var activities []json.RawMessage
	_ = json.Unmarshal([]byte(raw), &activities)
	activities = append(activities, entry)
	merged, err := json.Marshal(activities)
	if err != nil {
		_ = tx.Rollback()
		return err
	}

	if _, err := tx.ExecContext(ctx, tx.Rebind(`
		UPDATE tasks SET current_sub_agent = ?, sub_agent_activity = ?, last_heartbeat = ?, updated_at = ?
		WHERE id = ?
	`), subAgent, string(merged), now, now, id); err != nil {
		_ = tx.Rollback()
		return err
	}
	return tx.Commit()
}

// CountActiveSince counts non-deleted tasks created by the user after since.
func (s *SQLStore) CountActiveSince(ctx context.Context, userID string, since time.Time) (int, error) {
	var count int
	err := s.ro.QueryRowContext(ctx, s.ro.Rebind(`
		SELECT COUNT(*) FROM tasks
		WHERE user_id = ? AND created_at > ? AND deleted_at IS NULL
	`), userID, since).Scan(&count)
	return count, err
}

// OldestActiveSince returns the creation time of the oldest counted task in
// the window, or nil when the window is empty.
func (s *SQLStore) OldestActiveSince(ctx context.Context, userID string, since time.Time) (*time.Time, error) {
	var oldest sql.NullTime
	err := s.ro.QueryRowContext(ctx, s.ro.Rebind(`
		SELECT MIN(created_at) FROM tasks
		WHERE user_id = ? AND created_at > ? AND deleted_at IS NULL
	`), userID, since).Scan(&oldest)
	if err != nil {
		return nil, err
	}
	if !oldest.Valid {
		return nil, nil
	}
	t := oldest.Time.UTC()
	return &t, nil
}

// scanner covers both *sql.Row and *sql.Rows.
type scanner interface {
	Scan(dest ...interface{}) error
}

func scanTask(row scanner) (*models.Task, string, error) {
	task := &models.Task{}
	var (
		branch      sql.NullString
		prNumber    sql.NullInt64
		heartbeat   sql.NullTime
		deletedAt   sql.NullTime
		mcpIDs      string
		subActivity string
		logsRaw     string
	)

	err := row.Scan(&task.ID, &task.UserID, &task.Prompt, &task.RepoURL, &task.SelectedAgent,
		&task.SelectedModel, &task.SandboxProvider, &task.Status, &task.Progress, &branch,
		&task.ExistingBranchName, &task.SandboxURL, &prNumber, &task.PRURL,
		&task.KeepAlive, &task.MaxDuration, &mcpIDs, &task.InstallDependencies,
		&task.CurrentSubAgent, &subActivity, &heartbeat, &task.CreatedAt, &task.UpdatedAt,
		&deletedAt, &logsRaw)
	if err != nil {
		return nil, "", err
	}

	if branch.Valid {
		task.BranchName = branch.String
	}
	if prNumber.Valid {
		n := int(prNumber.Int64)
		task.PRNumber = &n
	}
	if heartbeat.Valid {
		t := heartbeat.Time
		task.LastHeartbeat = &t
	}
	if deletedAt.Valid {
		t := deletedAt.Time
		task.DeletedAt = &t
	}
	_ = json.Unmarshal([]byte(mcpIDs), &task.MCPServerIDs)
	_ = json.Unmarshal([]byte(subActivity), &task.SubAgentActivity)

	return task, logsRaw, nil
}

func isUniqueViolation(err error) bool {
	if err == nil {
		return false
	}
	msg := strings.ToLower(err.Error())
	// sqlite: "UNIQUE constraint failed"; postgres: "duplicate key value
	// violates unique constraint" (SQLSTATE 23505).
	return strings.Contains(msg, "unique constraint") || strings.Contains(msg, "23505")
}
