package db

import (
	"path/filepath"
	"testing"

	"github.com/jmoiron/sqlx"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSQLiteDSN(t *testing.T) {
	writer := sqliteDSN("/tmp/kiln.db", false)
	assert.Contains(t, writer, "_mode=rwc")
	assert.Contains(t, writer, "_journal_mode=WAL")
	assert.Contains(t, writer, "_busy_timeout=5000")

	reader := sqliteDSN("/tmp/kiln.db", true)
	assert.Contains(t, reader, "_mode=ro")
	assert.NotContains(t, reader, "_journal_mode")
}

func TestWriterSingleConnection(t *testing.T) {
	path := filepath.Join(t.TempDir(), "kiln.db")

	writer, err := OpenSQLite(path)
	require.NoError(t, err)
	reader, err := OpenSQLiteReader(path)
	require.NoError(t, err)

	pool := NewPool(sqlx.NewDb(writer, "sqlite3"), sqlx.NewDb(reader, "sqlite3"))
	defer func() { _ = pool.Close() }()

	assert.Equal(t, 1, pool.Writer().Stats().MaxOpenConnections)
	assert.Equal(t, sqliteReaderConns, pool.Reader().Stats().MaxOpenConnections)
	require.NoError(t, pool.Writer().Ping())
	require.NoError(t, pool.Reader().Ping())
}

func TestPoolCloseSharedHandle(t *testing.T) {
	path := filepath.Join(t.TempDir(), "kiln.db")
	writer, err := OpenSQLite(path)
	require.NoError(t, err)

	shared := sqlx.NewDb(writer, "sqlite3")
	pool := NewPool(shared, shared)
	require.NoError(t, pool.Close())
}
