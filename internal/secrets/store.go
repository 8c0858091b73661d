package secrets

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	"github.com/kiln-dev/kiln/internal/db"
)

// Store errors
var (
	ErrKeyNotFound   = errors.New("key not found")
	ErrTokenNotFound = errors.New("token not found")
)

// KeyStore persists encrypted user keys and hashed API tokens.
type KeyStore interface {
	UpsertKey(ctx context.Context, userID string, provider KeyProvider, encrypted string) error
	GetEncryptedKey(ctx context.Context, userID string, provider KeyProvider) (string, error)
	ListKeys(ctx context.Context, userID string) ([]*UserKey, error)
	DeleteKey(ctx context.Context, userID string, provider KeyProvider) error

	InsertToken(ctx context.Context, token *APIToken) error
	GetTokenByHash(ctx context.Context, hash string) (*APIToken, error)
	TouchToken(ctx context.Context, id string) error
	ListTokens(ctx context.Context, userID string) ([]*APIToken, error)
	DeleteToken(ctx context.Context, userID, id string) error
}

type sqlStore struct {
	db *sqlx.DB // writer
	ro *sqlx.DB // reader
}

var _ KeyStore = (*sqlStore)(nil)

// NewStore creates the SQL key store and initializes its schema.
func NewStore(pool *db.Pool) (KeyStore, error) {
	s := &sqlStore{db: pool.Writer(), ro: pool.Reader()}
	if err := s.initSchema(); err != nil {
		return nil, fmt.Errorf("secrets schema init: %w", err)
	}
	return s, nil
}

func (s *sqlStore) initSchema() error {
	schema := `
	CREATE TABLE IF NOT EXISTS user_keys (
		id         TEXT PRIMARY KEY,
		user_id    TEXT NOT NULL,
		provider   TEXT NOT NULL,
		value      TEXT NOT NULL,
		created_at TIMESTAMP NOT NULL,
		updated_at TIMESTAMP NOT NULL,
		UNIQUE (user_id, provider)
	);
	CREATE TABLE IF NOT EXISTS api_tokens (
		id           TEXT PRIMARY KEY,
		user_id      TEXT NOT NULL,
		user_email   TEXT NOT NULL DEFAULT '',
		name         TEXT NOT NULL DEFAULT '',
		prefix       TEXT NOT NULL,
		hash         TEXT NOT NULL UNIQUE,
		created_at   TIMESTAMP NOT NULL,
		last_used_at TIMESTAMP
	);
	CREATE INDEX IF NOT EXISTS idx_user_keys_user ON user_keys(user_id);
	CREATE INDEX IF NOT EXISTS idx_api_tokens_user ON api_tokens(user_id);
	`
	_, err := s.db.Exec(schema)
	return err
}

func (s *sqlStore) UpsertKey(ctx context.Context, userID string, provider KeyProvider, encrypted string) error {
	now := time.Now().UTC()
	_, err := s.db.ExecContext(ctx, s.db.Rebind(`
		INSERT INTO user_keys (id, user_id, provider, value, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT (user_id, provider) DO UPDATE SET value = excluded.value, updated_at = excluded.updated_at
	`), uuid.New().String(), userID, provider, encrypted, now, now)
	if err != nil {
		return fmt.Errorf("upsert key: %w", err)
	}
	return nil
}

func (s *sqlStore) GetEncryptedKey(ctx context.Context, userID string, provider KeyProvider) (string, error) {
	var value string
	err := s.ro.QueryRowContext(ctx, s.ro.Rebind(
		`SELECT value FROM user_keys WHERE user_id = ? AND provider = ?`),
		userID, provider).Scan(&value)
	if err == sql.ErrNoRows {
		return "", ErrKeyNotFound
	}
	if err != nil {
		return "", fmt.Errorf("get key: %w", err)
	}
	return value, nil
}

func (s *sqlStore) ListKeys(ctx context.Context, userID string) ([]*UserKey, error) {
	rows, err := s.ro.QueryContext(ctx, s.ro.Rebind(`
		SELECT id, user_id, provider, created_at, updated_at
		FROM user_keys WHERE user_id = ? ORDER BY provider
	`), userID)
	if err != nil {
		return nil, fmt.Errorf("list keys: %w", err)
	}
	defer rows.Close()

	var keys []*UserKey
	for rows.Next() {
		k := &UserKey{}
		if err := rows.Scan(&k.ID, &k.UserID, &k.Provider, &k.CreatedAt, &k.UpdatedAt); err != nil {
			return nil, err
		}
		keys = append(keys, k)
	}
	return keys, rows.Err()
}

func (s *sqlStore) DeleteKey(ctx context.Context, userID string, provider KeyProvider) error {
	result, err := s.db.ExecContext(ctx, s.db.Rebind(
		`DELETE FROM user_keys WHERE user_id = ? AND provider = ?`), userID, provider)
	if err != nil {
		return fmt.Errorf("delete key: %w", err)
	}
	rows, _ := result.RowsAffected()
	if rows == 0 {
		return ErrKeyNotFound
	}
	return nil
}

func (s *sqlStore) InsertToken(ctx context.Context, token *APIToken) error {
	_, err := s.db.ExecContext(ctx, s.db.Rebind(`
		INSERT INTO api_tokens (id, user_id, user_email, name, prefix, hash, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`), token.ID, token.UserID, token.UserEmail, token.Name, token.Prefix, token.Hash, token.CreatedAt)
	if err != nil {
		return fmt.Errorf("insert token: %w", err)
	}
	return nil
}

func (s *sqlStore) GetTokenByHash(ctx context.Context, hash string) (*APIToken, error) {
	t := &APIToken{}
	err := s.ro.GetContext(ctx, t, s.ro.Rebind(`
		SELECT id, user_id, user_email, name, prefix, hash, created_at, last_used_at
		FROM api_tokens WHERE hash = ?
	`), hash)
	if err == sql.ErrNoRows {
		return nil, ErrTokenNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get token: %w", err)
	}
	return t, nil
}

func (s *sqlStore) TouchToken(ctx context.Context, id string) error {
	_, err := s.db.ExecContext(ctx, s.db.Rebind(
		`UPDATE api_tokens SET last_used_at = ? WHERE id = ?`), time.Now().UTC(), id)
	return err
}

func (s *sqlStore) ListTokens(ctx context.Context, userID string) ([]*APIToken, error) {
	var tokens []*APIToken
	err := s.ro.SelectContext(ctx, &tokens, s.ro.Rebind(`
		SELECT id, user_id, user_email, name, prefix, hash, created_at, last_used_at
		FROM api_tokens WHERE user_id = ? ORDER BY created_at DESC
	`), userID)
	if err != nil {
		return nil, fmt.Errorf("list tokens: %w", err)
	}
	return tokens, nil
}

func (s *sqlStore) DeleteToken(ctx context.Context, userID, id string) error {
	result, err := s.db.ExecContext(ctx, s.db.Rebind(
		`DELETE FROM api_tokens WHERE user_id = ? AND id = ?`), userID, id)
	if err != nil {
		return fmt.Errorf("delete token: %w", err)
	}
	rows, _ := result.RowsAffected()
	if rows == 0 {
		return ErrTokenNotFound
	}
	return nil
}
