package secrets

import "time"

// KeyProvider names a credential slot a user can fill.
type KeyProvider string

const (
	// Agent API keys, injected into the sandbox for the selected agent.
	KeyAnthropic KeyProvider = "anthropic"
	KeyOpenAI    KeyProvider = "openai"
	KeyGoogle    KeyProvider = "google"
	KeyCursor    KeyProvider = "cursor"
	KeyOpencode  KeyProvider = "opencode"

	// KeyGitHost is the repository host token used for clone and push.
	KeyGitHost KeyProvider = "githost"
)

// ValidKeyProviders is the set of accepted credential slots.
var ValidKeyProviders = map[KeyProvider]bool{
	KeyAnthropic: true,
	KeyOpenAI:    true,
	KeyGoogle:    true,
	KeyCursor:    true,
	KeyOpencode:  true,
	KeyGitHost:   true,
}

// UserKey is a stored credential. Value is never populated on reads; use
// Service.RevealKey for the plaintext.
type UserKey struct {
	ID        string      `json:"id" db:"id"`
	UserID    string      `json:"user_id" db:"user_id"`
	Provider  KeyProvider `json:"provider" db:"provider"`
	Value     string      `json:"-" db:"-"`
	CreatedAt time.Time   `json:"created_at" db:"created_at"`
	UpdatedAt time.Time   `json:"updated_at" db:"updated_at"`
}

// APIToken is an issued bearer token. Only the SHA-256 hash is stored; the
// prefix is kept for display so users can tell their tokens apart.
type APIToken struct {
	ID         string     `json:"id" db:"id"`
	UserID     string     `json:"user_id" db:"user_id"`
	UserEmail  string     `json:"user_email" db:"user_email"`
	Name       string     `json:"name" db:"name"`
	Prefix     string     `json:"prefix" db:"prefix"`
	Hash       string     `json:"-" db:"hash"`
	CreatedAt  time.Time  `json:"created_at" db:"created_at"`
	LastUsedAt *time.Time `json:"last_used_at,omitempty" db:"last_used_at"`
}
