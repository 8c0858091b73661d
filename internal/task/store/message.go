package store

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/kiln-dev/kiln/internal/task/models"
)

// AppendMessage records one follow-up conversation message.
func (s *SQLStore) AppendMessage(ctx context.Context, msg *models.TaskMessage) error {
	if msg.ID == "" {
		msg.ID = uuid.New().String()
	}
	if msg.CreatedAt.IsZero() {
		msg.CreatedAt = time.Now().UTC()
	}

	_, err := s.db.ExecContext(ctx, s.db.Rebind(`
		INSERT INTO task_messages (id, task_id, role, content, created_at)
		VALUES (?, ?, ?, ?, ?)
	`), msg.ID, msg.TaskID, msg.Role, msg.Content, msg.CreatedAt)
	return err
}

// ListMessages returns a task's follow-up conversation in chronological order.
func (s *SQLStore) ListMessages(ctx context.Context, taskID string) ([]*models.TaskMessage, error) {
	rows, err := s.ro.QueryContext(ctx, s.ro.Rebind(`
		SELECT id, task_id, role, content, created_at
		FROM task_messages WHERE task_id = ? ORDER BY created_at ASC
	`), taskID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var messages []*models.TaskMessage
	for rows.Next() {
		msg := &models.TaskMessage{}
		if err := rows.Scan(&msg.ID, &msg.TaskID, &msg.Role, &msg.Content, &msg.CreatedAt); err != nil {
			return nil, err
		}
		messages = append(messages, msg)
	}
	return messages, rows.Err()
}
