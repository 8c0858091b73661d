package store

import (
	"context"
	"database/sql"
	"time"

	"github.com/google/uuid"

	"github.com/kiln-dev/kiln/internal/task/models"
)

// CreateConnector stores a user-configured MCP server definition.
// The env payload arrives already encrypted.
func (s *SQLStore) CreateConnector(ctx context.Context, c *models.Connector) error {
	if c.ID == "" {
		c.ID = uuid.New().String()
	}
	if c.CreatedAt.IsZero() {
		c.CreatedAt = time.Now().UTC()
	}

	_, err := s.db.ExecContext(ctx, s.db.Rebind(`
		INSERT INTO connectors (id, user_id, name, type, command, url, env, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`), c.ID, c.UserID, c.Name, c.Type, c.Command, c.URL, c.EncryptedEnv, c.CreatedAt)
	return err
}

// GetConnector retrieves one connector by ID.
func (s *SQLStore) GetConnector(ctx context.Context, id string) (*models.Connector, error) {
	c := &models.Connector{}
	err := s.ro.GetContext(ctx, c, s.ro.Rebind(`
		SELECT id, user_id, name, type, command, url, env, created_at
		FROM connectors WHERE id = ?
	`), id)
	if err == sql.ErrNoRows {
		return nil, ErrConnectorNotFound
	}
	if err != nil {
		return nil, err
	}
	return c, nil
}

// ListConnectors returns the user's connectors. When ids is non-empty the
// result is restricted to that set; unknown IDs are silently skipped.
func (s *SQLStore) ListConnectors(ctx context.Context, userID string, ids []string) ([]*models.Connector, error) {
	query := `SELECT id, user_id, name, type, command, url, env, created_at
		FROM connectors WHERE user_id = ?`
	args := []interface{}{userID}
	if len(ids) > 0 {
		query += ` AND id IN (?` + repeatPlaceholders(len(ids)-1) + `)`
		for _, id := range ids {
			args = append(args, id)
		}
	}
	query += ` ORDER BY created_at ASC`

	var connectors []*models.Connector
	if err := s.ro.SelectContext(ctx, &connectors, s.ro.Rebind(query), args...); err != nil {
		return nil, err
	}
	return connectors, nil
}

func repeatPlaceholders(n int) string {
	out := ""
	for i := 0; i < n; i++ {
		out += ", ?"
	}
	return out
}
