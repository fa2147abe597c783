// Package sqlite implements the credential store over a single SQLite file.
package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"github.com/heimdall-id/heimdall/internal/storage"
)

// toMillis normalizes timestamps into millisecond precision for storage.
func toMillis(value time.Time) int64 {
	return value.UTC().UnixMilli()
}

// fromMillis restores millisecond precision and keeps UTC normalization.
func fromMillis(value int64) time.Time {
	return time.UnixMilli(value).UTC()
}

const schema = `
CREATE TABLE IF NOT EXISTS users (
	id            TEXT PRIMARY KEY,
	email         TEXT NOT NULL UNIQUE,
	username      TEXT NOT NULL DEFAULT '',
	password_hash TEXT NOT NULL DEFAULT '',
	active        INTEGER NOT NULL DEFAULT 1,
	created_at    INTEGER NOT NULL,
	updated_at    INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS projects (
	id             TEXT PRIMARY KEY,
	name           TEXT NOT NULL,
	api_key        TEXT NOT NULL UNIQUE,
	passkey_policy TEXT NOT NULL DEFAULT 'optional',
	rp_ids_json    TEXT NOT NULL DEFAULT '[]',
	origins_json   TEXT NOT NULL DEFAULT '[]',
	providers_json TEXT NOT NULL DEFAULT '{}',
	created_at     INTEGER NOT NULL,
	updated_at     INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS memberships (
	id            TEXT PRIMARY KEY,
	user_id       TEXT NOT NULL REFERENCES users(id) ON DELETE CASCADE,
	project_id    TEXT NOT NULL REFERENCES projects(id) ON DELETE CASCADE,
	role          TEXT NOT NULL,
	status        TEXT NOT NULL,
	metadata_json TEXT NOT NULL DEFAULT '{}',
	invited_by    TEXT NOT NULL DEFAULT '',
	joined_at     INTEGER,
	created_at    INTEGER NOT NULL,
	updated_at    INTEGER NOT NULL,
	UNIQUE(user_id, project_id)
);
CREATE INDEX IF NOT EXISTS idx_memberships_project ON memberships(project_id);

CREATE TABLE IF NOT EXISTS refresh_tokens (
	token_hash    TEXT PRIMARY KEY,
	user_id       TEXT NOT NULL,
	project_id    TEXT NOT NULL,
	membership_id TEXT NOT NULL,
	expires_at    INTEGER NOT NULL,
	revoked       INTEGER NOT NULL DEFAULT 0,
	created_at    INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_refresh_tokens_user ON refresh_tokens(user_id);
CREATE INDEX IF NOT EXISTS idx_refresh_tokens_expiry ON refresh_tokens(expires_at);

CREATE TABLE IF NOT EXISTS passkey_credentials (
	credential_id   TEXT PRIMARY KEY,
	user_id         TEXT NOT NULL,
	name            TEXT NOT NULL DEFAULT '',
	credential_json TEXT NOT NULL,
	created_at      INTEGER NOT NULL,
	updated_at      INTEGER NOT NULL,
	last_used_at    INTEGER
);
CREATE INDEX IF NOT EXISTS idx_passkey_credentials_user ON passkey_credentials(user_id);

CREATE TABLE IF NOT EXISTS webauthn_challenges (
	id           TEXT PRIMARY KEY,
	kind         TEXT NOT NULL,
	user_id      TEXT NOT NULL DEFAULT '',
	rp_id        TEXT NOT NULL DEFAULT '',
	session_json TEXT NOT NULL,
	expires_at   INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_webauthn_challenges_expiry ON webauthn_challenges(expires_at);

CREATE TABLE IF NOT EXISTS social_accounts (
	id               TEXT PRIMARY KEY,
	provider         TEXT NOT NULL,
	provider_user_id TEXT NOT NULL,
	user_id          TEXT NOT NULL,
	email            TEXT NOT NULL DEFAULT '',
	display_name     TEXT NOT NULL DEFAULT '',
	created_at       INTEGER NOT NULL,
	UNIQUE(provider, provider_user_id),
	UNIQUE(provider, user_id)
);
CREATE INDEX IF NOT EXISTS idx_social_accounts_user ON social_accounts(user_id);
`

// Store implements every credential store interface over SQLite.
//
// A single SQLite file backs identity state so every auth subflow shares the
// same transaction and visibility boundaries.
type Store struct {
	db *sql.DB
}

// Open opens the credential store and applies the schema.
func Open(path string) (*Store, error) {
	if strings.TrimSpace(path) == "" {
		return nil, fmt.Errorf("storage path is required")
	}

	cleanPath := filepath.Clean(path)
	dsn := cleanPath + "?_pragma=journal_mode(WAL)&_pragma=foreign_keys(ON)&_pragma=busy_timeout(5000)&_pragma=synchronous(NORMAL)"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite db: %w", err)
	}
	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping sqlite db: %w", err)
	}
	if _, err := db.Exec(schema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("apply schema: %w", err)
	}
	return &Store{db: db}, nil
}

// Close releases the underlying SQLite database.
func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// CleanupExpired expunges time-boxed records past their expiry: refresh
// tokens and webauthn challenges. Both are also re-checked at redemption
// time, so this sweep is about storage hygiene, not correctness.
func (s *Store) CleanupExpired(ctx context.Context, now time.Time) error {
	if err := s.DeleteExpiredRefreshTokens(ctx, now); err != nil {
		return err
	}
	return s.DeleteExpiredWebAuthnChallenges(ctx, now)
}

var _ storage.UserStore = (*Store)(nil)
var _ storage.ProjectStore = (*Store)(nil)
var _ storage.MembershipStore = (*Store)(nil)
var _ storage.RefreshTokenStore = (*Store)(nil)
var _ storage.PasskeyStore = (*Store)(nil)
var _ storage.ChallengeStore = (*Store)(nil)
var _ storage.SocialAccountStore = (*Store)(nil)
