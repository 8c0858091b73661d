package db

import (
	"database/sql"
	"fmt"

	_ "github.com/jackc/pgx/v5/stdlib"
)

const defaultPostgresConns = 25

// OpenPostgres opens a Postgres handle through the pgx stdlib driver and
// verifies the server is reachable before returning it.
func OpenPostgres(dsn string, maxConns int) (*sql.DB, error) {
	handle, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open postgres database: %w", err)
	}

	if maxConns <= 0 {
		maxConns = defaultPostgresConns
	}
	handle.SetMaxOpenConns(maxConns)
	handle.SetMaxIdleConns(maxConns / 5)

	if err := handle.Ping(); err != nil {
		_ = handle.Close()
		return nil, fmt.Errorf("failed to ping postgres database: %w", err)
	}
	return handle, nil
}
