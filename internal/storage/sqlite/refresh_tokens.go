package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/heimdall-id/heimdall/internal/storage"
)

// PutRefreshToken inserts a refresh token keyed by the hash of its secret.
func (s *Store) PutRefreshToken(ctx context.Context, t storage.RefreshToken) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO refresh_tokens (token_hash, user_id, project_id, membership_id, expires_at, revoked, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`, t.TokenHash, t.UserID, t.ProjectID, t.MembershipID, toMillis(t.ExpiresAt), boolToInt(t.Revoked), toMillis(t.CreatedAt))
	if err != nil {
		return fmt.Errorf("insert refresh token: %w", err)
	}
	return nil
}

// RedeemRefreshToken flips revoked from false to true in a single conditional
// update, so two concurrent redemptions of the same token can never both
// succeed. The returned record carries Revoked = true.
func (s *Store) RedeemRefreshToken(ctx context.Context, tokenHash, projectID string) (storage.RefreshToken, error) {
	row := s.db.QueryRowContext(ctx, `
		UPDATE refresh_tokens SET revoked = 1
		WHERE token_hash = ? AND project_id = ? AND revoked = 0
		RETURNING token_hash, user_id, project_id, membership_id, expires_at, revoked, created_at
	`, tokenHash, projectID)

	t, err := scanRefreshToken(row)
	if err == nil {
		return t, nil
	}
	if !errors.Is(err, storage.ErrNotFound) {
		return storage.RefreshToken{}, err
	}

	// The conditional update matched nothing. Tell a replayed token apart
	// from one that never existed in this project.
	var revoked int
	probe := s.db.QueryRowContext(ctx, `
		SELECT revoked FROM refresh_tokens WHERE token_hash = ? AND project_id = ?
	`, tokenHash, projectID).Scan(&revoked)
	if errors.Is(probe, sql.ErrNoRows) {
		return storage.RefreshToken{}, storage.ErrNotFound
	}
	if probe != nil {
		return storage.RefreshToken{}, fmt.Errorf("probe refresh token: %w", probe)
	}
	return storage.RefreshToken{}, storage.ErrAlreadyRedeemed
}

// RevokeRefreshToken marks a token revoked. Missing tokens are a no-op so
// logout stays idempotent.
func (s *Store) RevokeRefreshToken(ctx context.Context, tokenHash string) error {
	_, err := s.db.ExecContext(ctx, `UPDATE refresh_tokens SET revoked = 1 WHERE token_hash = ?`, tokenHash)
	if err != nil {
		return fmt.Errorf("revoke refresh token: %w", err)
	}
	return nil
}

// DeleteRefreshTokensByUser removes every refresh token a user holds.
func (s *Store) DeleteRefreshTokensByUser(ctx context.Context, userID string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM refresh_tokens WHERE user_id = ?`, userID); err != nil {
		return fmt.Errorf("delete refresh tokens by user: %w", err)
	}
	return nil
}

// DeleteExpiredRefreshTokens sweeps tokens whose expiry is at or before now.
func (s *Store) DeleteExpiredRefreshTokens(ctx context.Context, now time.Time) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM refresh_tokens WHERE expires_at <= ?`, toMillis(now)); err != nil {
		return fmt.Errorf("delete expired refresh tokens: %w", err)
	}
	return nil
}

func scanRefreshToken(row *sql.Row) (storage.RefreshToken, error) {
	var t storage.RefreshToken
	var revoked int
	var expiresAt, createdAt int64
	err := row.Scan(&t.TokenHash, &t.UserID, &t.ProjectID, &t.MembershipID, &expiresAt, &revoked, &createdAt)
	if errors.Is(err, sql.ErrNoRows) {
		return storage.RefreshToken{}, storage.ErrNotFound
	}
	if err != nil {
		return storage.RefreshToken{}, fmt.Errorf("scan refresh token: %w", err)
	}
	t.Revoked = revoked != 0
	t.ExpiresAt = fromMillis(expiresAt)
	t.CreatedAt = fromMillis(createdAt)
	return t, nil
}
