package secrets

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/jmoiron/sqlx"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kiln-dev/kiln/internal/common/logger"
	"github.com/kiln-dev/kiln/internal/db"
	"github.com/kiln-dev/kiln/internal/task/models"
)

func newTestService(t *testing.T) *Service {
	t.Helper()

	dir := t.TempDir()
	cipher, err := NewCipher(dir)
	require.NoError(t, err)

	path := filepath.Join(dir, "secrets_test.db")
	writer, err := db.OpenSQLite(path)
	require.NoError(t, err)
	reader, err := db.OpenSQLiteReader(path)
	require.NoError(t, err)
	pool := db.NewPool(sqlx.NewDb(writer, "sqlite3"), sqlx.NewDb(reader, "sqlite3"))
	t.Cleanup(func() { _ = pool.Close() })

	store, err := NewStore(pool)
	require.NoError(t, err)
	return NewService(store, cipher, logger.Default())
}

func TestCipherRoundTrip(t *testing.T) {
	cipher, err := NewCipher(t.TempDir())
	require.NoError(t, err)

	sealed, err := cipher.Seal("sk-ant-abc123")
	require.NoError(t, err)
	assert.NotContains(t, sealed, "sk-ant-abc123")

	opened, err := cipher.Open(sealed)
	require.NoError(t, err)
	assert.Equal(t, "sk-ant-abc123", opened)
}

func TestCipherKeyPersistsAcrossRestarts(t *testing.T) {
	dir := t.TempDir()

	first, err := NewCipher(dir)
	require.NoError(t, err)
	sealed, err := first.Seal("value")
	require.NoError(t, err)

	second, err := NewCipher(dir)
	require.NoError(t, err)
	opened, err := second.Open(sealed)
	require.NoError(t, err)
	assert.Equal(t, "value", opened)
}

func TestSetAndResolveKey(t *testing.T) {
	s := newTestService(t)
	ctx := context.Background()

	require.NoError(t, s.SetKey(ctx, "u1", KeyAnthropic, "sk-ant-first"))

	got, err := s.ResolveKey(ctx, "u1", KeyAnthropic)
	require.NoError(t, err)
	assert.Equal(t, "sk-ant-first", got)

	// Upsert replaces the stored value.
	require.NoError(t, s.SetKey(ctx, "u1", KeyAnthropic, "sk-ant-second"))
	got, err = s.ResolveKey(ctx, "u1", KeyAnthropic)
	require.NoError(t, err)
	assert.Equal(t, "sk-ant-second", got)
}

func TestResolveKeyEnvFallback(t *testing.T) {
	s := newTestService(t)
	t.Setenv("GEMINI_API_KEY", "env-gemini-key")

	got, err := s.ResolveKey(context.Background(), "u1", KeyGoogle)
	require.NoError(t, err)
	assert.Equal(t, "env-gemini-key", got)
}

func TestResolveKeyMissing(t *testing.T) {
	s := newTestService(t)
	t.Setenv("CURSOR_API_KEY", "")

	_, err := s.ResolveKey(context.Background(), "u1", KeyCursor)
	assert.Error(t, err)
}

func TestResolveAgentKey(t *testing.T) {
	s := newTestService(t)
	ctx := context.Background()

	require.NoError(t, s.SetKey(ctx, "u1", KeyOpenAI, "sk-oai-123"))

	envVar, value, err := s.ResolveAgentKey(ctx, "u1", models.AgentCodex)
	require.NoError(t, err)
	assert.Equal(t, "OPENAI_API_KEY", envVar)
	assert.Equal(t, "sk-oai-123", value)
}

func TestRejectsUnknownProvider(t *testing.T) {
	s := newTestService(t)

	err := s.SetKey(context.Background(), "u1", KeyProvider("dropbox"), "value")
	assert.Error(t, err)
}

func TestConnectorEnvRoundTrip(t *testing.T) {
	s := newTestService(t)

	sealed, err := s.SealEnv(map[string]string{"TRACKER_TOKEN": "tok-1", "REGION": "eu"})
	require.NoError(t, err)
	assert.NotContains(t, sealed, "tok-1")

	env, err := s.OpenEnv(sealed)
	require.NoError(t, err)
	assert.Equal(t, "tok-1", env["TRACKER_TOKEN"])
	assert.Equal(t, "eu", env["REGION"])

	empty, err := s.OpenEnv("")
	require.NoError(t, err)
	assert.Empty(t, empty)
}

func TestIssueAndAuthenticateToken(t *testing.T) {
	s := newTestService(t)
	ctx := context.Background()

	plaintext, token, err := s.IssueToken(ctx, "u1", "dev@example.com", "ci")
	require.NoError(t, err)
	assert.Contains(t, plaintext, tokenPrefix)
	assert.NotEqual(t, plaintext, token.Hash)

	got, err := s.Authenticate(ctx, plaintext)
	require.NoError(t, err)
	assert.Equal(t, "u1", got.UserID)
	assert.Equal(t, "dev@example.com", got.UserEmail)

	_, err = s.Authenticate(ctx, "kiln_deadbeef")
	assert.ErrorIs(t, err, ErrInvalidToken)
	_, err = s.Authenticate(ctx, "not-a-token")
	assert.ErrorIs(t, err, ErrInvalidToken)
}

func TestRevokeToken(t *testing.T) {
	s := newTestService(t)
	ctx := context.Background()

	plaintext, token, err := s.IssueToken(ctx, "u1", "dev@example.com", "laptop")
	require.NoError(t, err)

	require.NoError(t, s.RevokeToken(ctx, "u1", token.ID))
	_, err = s.Authenticate(ctx, plaintext)
	assert.ErrorIs(t, err, ErrInvalidToken)
}
