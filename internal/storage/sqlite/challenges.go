package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/heimdall-id/heimdall/internal/storage"
)

// PutWebAuthnChallenge inserts a one-shot ceremony challenge.
func (s *Store) PutWebAuthnChallenge(ctx context.Context, challenge storage.WebAuthnChallenge) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO webauthn_challenges (id, kind, user_id, rp_id, session_json, expires_at)
		VALUES (?, ?, ?, ?, ?, ?)
	`, challenge.ID, challenge.Kind, challenge.UserID, challenge.RPID, challenge.SessionJSON, toMillis(challenge.ExpiresAt))
	if err != nil {
		return fmt.Errorf("insert webauthn challenge: %w", err)
	}
	return nil
}

// ConsumeWebAuthnChallenge deletes and returns a challenge in one statement.
// A second consumption of the same id finds nothing and fails closed.
func (s *Store) ConsumeWebAuthnChallenge(ctx context.Context, challengeID, kind string) (storage.WebAuthnChallenge, error) {
	row := s.db.QueryRowContext(ctx, `
		DELETE FROM webauthn_challenges WHERE id = ? AND kind = ?
		RETURNING id, kind, user_id, rp_id, session_json, expires_at
	`, challengeID, kind)

	var challenge storage.WebAuthnChallenge
	var expiresAt int64
	err := row.Scan(&challenge.ID, &challenge.Kind, &challenge.UserID, &challenge.RPID, &challenge.SessionJSON, &expiresAt)
	if errors.Is(err, sql.ErrNoRows) {
		return storage.WebAuthnChallenge{}, storage.ErrNotFound
	}
	if err != nil {
		return storage.WebAuthnChallenge{}, fmt.Errorf("consume webauthn challenge: %w", err)
	}
	challenge.ExpiresAt = fromMillis(expiresAt)
	return challenge, nil
}

// DeleteExpiredWebAuthnChallenges sweeps ceremony challenges past expiry.
func (s *Store) DeleteExpiredWebAuthnChallenges(ctx context.Context, now time.Time) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM webauthn_challenges WHERE expires_at <= ?`, toMillis(now)); err != nil {
		return fmt.Errorf("delete expired webauthn challenges: %w", err)
	}
	return nil
}
