// Package db opens the SQLite and PostgreSQL connections backing the task
// and credential stores.
package db

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

const (
	busyTimeout = 5 * time.Second

	// WAL mode supports many concurrent readers next to the single writer.
	sqliteReaderConns = 4
)

// sqliteDSN builds the connection string. The writer gets WAL journaling and
// relaxed fsync; readers open the file read-only and inherit whatever journal
// mode the writer established.
func sqliteDSN(path string, readOnly bool) string {
	timeoutMS := int(busyTimeout / time.Millisecond)
	if readOnly {
		return fmt.Sprintf("file:%s?_foreign_keys=on&_mode=ro&_busy_timeout=%d&_cache=shared", path, timeoutMS)
	}
	return fmt.Sprintf("file:%s?_foreign_keys=on&_mode=rwc&_busy_timeout=%d&_journal_mode=WAL&_synchronous=NORMAL&_cache=shared", path, timeoutMS)
}

// OpenSQLite opens the write handle. It creates the parent directory and the
// database file if needed and caps the pool at one connection so mutations
// never race into SQLITE_BUSY.
func OpenSQLite(dbPath string) (*sql.DB, error) {
	path := absSQLitePath(dbPath)
	if dir := filepath.Dir(path); dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("failed to prepare database path: %w", err)
		}
	}
	if err := touch(path); err != nil {
		return nil, fmt.Errorf("failed to create database file: %w", err)
	}

	handle, err := sql.Open("sqlite3", sqliteDSN(path, false))
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	handle.SetMaxOpenConns(1)
	handle.SetMaxIdleConns(1)
	return handle, nil
}

// OpenSQLiteReader opens the read-only handle with a small pool of concurrent
// connections for SELECT traffic.
func OpenSQLiteReader(dbPath string) (*sql.DB, error) {
	handle, err := sql.Open("sqlite3", sqliteDSN(absSQLitePath(dbPath), true))
	if err != nil {
		return nil, fmt.Errorf("failed to open read-only database: %w", err)
	}
	handle.SetMaxOpenConns(sqliteReaderConns)
	handle.SetMaxIdleConns(sqliteReaderConns)
	return handle, nil
}

func touch(path string) error {
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0o644)
	if err != nil {
		return err
	}
	return f.Close()
}

// absSQLitePath resolves the path once so the writer and reader DSNs agree
// regardless of the working directory.
func absSQLitePath(dbPath string) string {
	if dbPath == "" {
		return dbPath
	}
	abs, err := filepath.Abs(dbPath)
	if err != nil {
		return dbPath
	}
	return abs
}
