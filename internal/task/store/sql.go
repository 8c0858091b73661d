package store

import (
	"fmt"

	"github.com/jmoiron/sqlx"

	"github.com/kiln-dev/kiln/internal/db"
)

// SQLStore implements Store over a db.Pool (SQLite or PostgreSQL).
type SQLStore struct {
	db *sqlx.DB // writer
	ro *sqlx.DB // reader
}

// New creates a SQLStore and initializes the schema.
func New(pool *db.Pool) (*SQLStore, error) {
	s := &SQLStore{db: pool.Writer(), ro: pool.Reader()}
	if err := s.initSchema(); err != nil {
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}
	return s, nil
}

// Close is a no-op; the db.Pool is owned by the application root.
func (s *SQLStore) Close() error { return nil }

// initSchema creates the database tables if they don't exist.
func (s *SQLStore) initSchema() error {
	if err := s.initTaskSchema(); err != nil {
		return err
	}
	if err := s.initMessageSchema(); err != nil {
		return err
	}
	if err := s.initConnectorSchema(); err != nil {
		return err
	}
	return s.initIndexes()
}

func (s *SQLStore) initTaskSchema() error {
	_, err := s.db.Exec(`
	CREATE TABLE IF NOT EXISTS tasks (
		id TEXT PRIMARY KEY,
		user_id TEXT NOT NULL,
		prompt TEXT NOT NULL,
		repo_url TEXT NOT NULL,
		selected_agent TEXT NOT NULL,
		selected_model TEXT NOT NULL DEFAULT '',
		sandbox_provider TEXT NOT NULL,
		status TEXT NOT NULL DEFAULT 'pending',
		progress INTEGER NOT NULL DEFAULT 0,
		branch_name TEXT,
		existing_branch_name TEXT NOT NULL DEFAULT '',
		logs TEXT NOT NULL DEFAULT '[]',
		sandbox_url TEXT NOT NULL DEFAULT '',
		pr_number INTEGER,
		pr_url TEXT NOT NULL DEFAULT '',
		keep_alive INTEGER NOT NULL DEFAULT 0,
		max_duration TEXT NOT NULL DEFAULT '30m',
		mcp_server_ids TEXT NOT NULL DEFAULT '[]',
		install_dependencies INTEGER NOT NULL DEFAULT 1,
		current_sub_agent TEXT NOT NULL DEFAULT '',
		sub_agent_activity TEXT NOT NULL DEFAULT '[]',
		last_heartbeat TIMESTAMP,
		created_at TIMESTAMP NOT NULL,
		updated_at TIMESTAMP NOT NULL,
		deleted_at TIMESTAMP
	)`)
	return err
}

func (s *SQLStore) initMessageSchema() error {
	_, err := s.db.Exec(`
	CREATE TABLE IF NOT EXISTS task_messages (
		id TEXT PRIMARY KEY,
		task_id TEXT NOT NULL REFERENCES tasks(id),
		role TEXT NOT NULL,
		content TEXT NOT NULL,
		created_at TIMESTAMP NOT NULL
	)`)
	return err
}

func (s *SQLStore) initConnectorSchema() error {
	_, err := s.db.Exec(`
	CREATE TABLE IF NOT EXISTS connectors (
		id TEXT PRIMARY KEY,
		user_id TEXT NOT NULL,
		name TEXT NOT NULL,
		type TEXT NOT NULL,
		command TEXT NOT NULL DEFAULT '',
		url TEXT NOT NULL DEFAULT '',
		env TEXT NOT NULL DEFAULT '',
		created_at TIMESTAMP NOT NULL
	)`)
	return err
}

func (s *SQLStore) initIndexes() error {
	// Rate-limit window scans and user listings.
	if _, err := s.db.Exec(`CREATE INDEX IF NOT EXISTS idx_tasks_user_created ON tasks(user_id, created_at)`); err != nil {
		return err
	}
	// Two live tasks must not collide on one branch for one user.
	if _, err := s.db.Exec(`CREATE UNIQUE INDEX IF NOT EXISTS idx_tasks_user_branch ON tasks(user_id, branch_name) WHERE branch_name IS NOT NULL AND deleted_at IS NULL`); err != nil {
		return err
	}
	if _, err := s.db.Exec(`CREATE INDEX IF NOT EXISTS idx_task_messages_task ON task_messages(task_id, created_at)`); err != nil {
		return err
	}
	_, err := s.db.Exec(`CREATE INDEX IF NOT EXISTS idx_connectors_user ON connectors(user_id)`)
	return err
}
