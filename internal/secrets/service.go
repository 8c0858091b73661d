package secrets

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/kiln-dev/kiln/internal/common/logger"
	"github.com/kiln-dev/kiln/internal/task/models"
)

// tokenPrefix leads every issued API token.
const tokenPrefix = "kiln_"

// ErrInvalidToken is returned by Authenticate for unknown or malformed tokens.
var ErrInvalidToken = errors.New("invalid API token")

// envVarByProvider maps a credential slot to the server-side environment
// variable used as a fallback when the user has not stored their own key.
var envVarByProvider = map[KeyProvider]string{
	KeyAnthropic: "ANTHROPIC_API_KEY",
	KeyOpenAI:    "OPENAI_API_KEY",
	KeyGoogle:    "GEMINI_API_KEY",
	KeyCursor:    "CURSOR_API_KEY",
	KeyOpencode:  "OPENCODE_API_KEY",
	KeyGitHost:   "GITHOST_TOKEN",
}

// providerByAgent maps the selected agent to the credential slot it needs.
var providerByAgent = map[models.Agent]KeyProvider{
	models.AgentClaude:   KeyAnthropic,
	models.AgentCodex:    KeyOpenAI,
	models.AgentGemini:   KeyGoogle,
	models.AgentCursor:   KeyCursor,
	models.AgentOpencode: KeyOpencode,
}

// Service encrypts, stores, and resolves user credentials, and manages the
// API tokens used to authenticate requests.
type Service struct {
	store  KeyStore
	cipher *Cipher
	log    *logger.Logger
}

// NewService creates a secrets service.
func NewService(store KeyStore, cipher *Cipher, log *logger.Logger) *Service {
	return &Service{store: store, cipher: cipher, log: log}
}

// SetKey validates, encrypts, and stores a credential for a user.
func (s *Service) SetKey(ctx context.Context, userID string, provider KeyProvider, value string) error {
	if !ValidKeyProviders[provider] {
		return fmt.Errorf("unknown key provider: %s", provider)
	}
	value = strings.TrimSpace(value)
	if value == "" || len(value) > 10000 {
		return fmt.Errorf("value must be 1-10000 characters")
	}

	encrypted, err := s.cipher.Seal(value)
	if err != nil {
		return fmt.Errorf("encrypt key: %w", err)
	}
	return s.store.UpsertKey(ctx, userID, provider, encrypted)
}

// ListKeys returns the user's credential slots without values.
func (s *Service) ListKeys(ctx context.Context, userID string) ([]*UserKey, error) {
	return s.store.ListKeys(ctx, userID)
}

// DeleteKey removes a stored credential.
func (s *Service) DeleteKey(ctx context.Context, userID string, provider KeyProvider) error {
	return s.store.DeleteKey(ctx, userID, provider)
}

// ResolveKey returns the plaintext credential for a slot. A stored key wins;
// when none is stored, or the stored blob cannot be decrypted (key rotation,
// corrupted row), the server's environment default is used instead.
func (s *Service) ResolveKey(ctx context.Context, userID string, provider KeyProvider) (string, error) {
	encrypted, err := s.store.GetEncryptedKey(ctx, userID, provider)
	if err == nil {
		plaintext, decErr := s.cipher.Open(encrypted)
		if decErr == nil {
			return plaintext, nil
		}
		s.log.WithUserID(userID).WithError(decErr).Warn("Stored key unreadable, falling back to environment default")
	} else if !errors.Is(err, ErrKeyNotFound) {
		return "", err
	}

	if envVar := envVarByProvider[provider]; envVar != "" {
		if v := os.Getenv(envVar); v != "" {
			return v, nil
		}
	}
	return "", fmt.Errorf("no %s key configured for user", provider)
}

// ResolveAgentKey returns the API key for the task's selected agent along
// with the environment variable name the agent CLI expects.
func (s *Service) ResolveAgentKey(ctx context.Context, userID string, agent models.Agent) (envVar, value string, err error) {
	provider, ok := providerByAgent[agent]
	if !ok {
		return "", "", fmt.Errorf("unknown agent: %s", agent)
	}
	value, err = s.ResolveKey(ctx, userID, provider)
	if err != nil {
		return "", "", err
	}
	return envVarByProvider[provider], value, nil
}

// ResolveHostToken returns the repository host token for clone and push.
func (s *Service) ResolveHostToken(ctx context.Context, userID string) (string, error) {
	return s.ResolveKey(ctx, userID, KeyGitHost)
}

// SealEnv encrypts a connector environment map for storage.
func (s *Service) SealEnv(env map[string]string) (string, error) {
	if len(env) == 0 {
		return "", nil
	}
	raw, err := json.Marshal(env)
	if err != nil {
		return "", fmt.Errorf("encode env: %w", err)
	}
	return s.cipher.Seal(string(raw))
}

// OpenEnv decrypts a connector environment map. An empty blob yields an
// empty map.
func (s *Service) OpenEnv(encrypted string) (map[string]string, error) {
	if encrypted == "" {
		return map[string]string{}, nil
	}
	raw, err := s.cipher.Open(encrypted)
	if err != nil {
		return nil, fmt.Errorf("decrypt env: %w", err)
	}
	env := map[string]string{}
	if err := json.Unmarshal([]byte(raw), &env); err != nil {
		return nil, fmt.Errorf("decode env: %w", err)
	}
	return env, nil
}

// IssueToken mints a new API token. The plaintext is returned exactly once;
// only its SHA-256 hash is stored.
func (s *Service) IssueToken(ctx context.Context, userID, email, name string) (plaintext string, token *APIToken, err error) {
	random := make([]byte, 24)
	if _, err := rand.Read(random); err != nil {
		return "", nil, fmt.Errorf("generate token: %w", err)
	}
	plaintext = tokenPrefix + hex.EncodeToString(random)

	token = &APIToken{
		ID:        uuid.New().String(),
		UserID:    userID,
		UserEmail: email,
		Name:      name,
		Prefix:    plaintext[:len(tokenPrefix)+6],
		Hash:      hashToken(plaintext),
		CreatedAt: time.Now().UTC(),
	}
	if err := s.store.InsertToken(ctx, token); err != nil {
		return "", nil, err
	}
	return plaintext, token, nil
}

// Authenticate resolves a bearer token to its record and updates the
// last-used timestamp.
func (s *Service) Authenticate(ctx context.Context, plaintext string) (*APIToken, error) {
	if !strings.HasPrefix(plaintext, tokenPrefix) {
		return nil, ErrInvalidToken
	}
	token, err := s.store.GetTokenByHash(ctx, hashToken(plaintext))
	if err != nil {
		if errors.Is(err, ErrTokenNotFound) {
			return nil, ErrInvalidToken
		}
		return nil, err
	}
	if err := s.store.TouchToken(ctx, token.ID); err != nil {
		s.log.WithError(err).Debug("Failed to update token last_used_at")
	}
	return token, nil
}

// ListTokens returns the user's issued tokens (hashes included, values gone).
func (s *Service) ListTokens(ctx context.Context, userID string) ([]*APIToken, error) {
	return s.store.ListTokens(ctx, userID)
}

// RevokeToken deletes an issued token.
func (s *Service) RevokeToken(ctx context.Context, userID, id string) error {
	return s.store.DeleteToken(ctx, userID, id)
}

func hashToken(plaintext string) string {
	sum := sha256.Sum256([]byte(plaintext))
	return hex.EncodeToString(sum[:])
}
