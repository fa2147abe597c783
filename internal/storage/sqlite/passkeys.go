package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/heimdall-id/heimdall/internal/storage"
)

// PutPasskeyCredential inserts or replaces a WebAuthn credential. Upsert
// keeps counter advances and renames on a single write path.
func (s *Store) PutPasskeyCredential(ctx context.Context, credential storage.PasskeyCredential) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO passkey_credentials (credential_id, user_id, name, credential_json, created_at, updated_at, last_used_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(credential_id) DO UPDATE SET
			name = excluded.name,
			credential_json = excluded.credential_json,
			updated_at = excluded.updated_at,
			last_used_at = excluded.last_used_at
	`, credential.CredentialID, credential.UserID, credential.Name, credential.CredentialJSON,
		toMillis(credential.CreatedAt), toMillis(credential.UpdatedAt), nullableMillis(credential.LastUsedAt))
	if err != nil {
		return fmt.Errorf("upsert passkey credential: %w", err)
	}
	return nil
}

// GetPasskeyCredential retrieves a credential by its encoded id.
func (s *Store) GetPasskeyCredential(ctx context.Context, credentialID string) (storage.PasskeyCredential, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT credential_id, user_id, name, credential_json, created_at, updated_at, last_used_at
		FROM passkey_credentials WHERE credential_id = ?
	`, credentialID)
	credential, err := scanPasskeyCredential(row)
	if errors.Is(err, sql.ErrNoRows) {
		return storage.PasskeyCredential{}, storage.ErrNotFound
	}
	return credential, err
}

// ListPasskeyCredentials lists a user's credentials in registration order.
func (s *Store) ListPasskeyCredentials(ctx context.Context, userID string) ([]storage.PasskeyCredential, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT credential_id, user_id, name, credential_json, created_at, updated_at, last_used_at
		FROM passkey_credentials WHERE user_id = ?
		ORDER BY created_at ASC, credential_id ASC
	`, userID)
	if err != nil {
		return nil, fmt.Errorf("list passkey credentials: %w", err)
	}
	defer rows.Close()

	var credentials []storage.PasskeyCredential
	for rows.Next() {
		credential, err := scanPasskeyCredential(rows)
		if err != nil {
			return nil, err
		}
		credentials = append(credentials, credential)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate passkey credentials: %w", err)
	}
	return credentials, nil
}

// DeletePasskeyCredential removes a single credential.
func (s *Store) DeletePasskeyCredential(ctx context.Context, credentialID string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM passkey_credentials WHERE credential_id = ?`, credentialID); err != nil {
		return fmt.Errorf("delete passkey credential: %w", err)
	}
	return nil
}

// DeletePasskeyCredentialsByUser removes every credential a user registered.
func (s *Store) DeletePasskeyCredentialsByUser(ctx context.Context, userID string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM passkey_credentials WHERE user_id = ?`, userID); err != nil {
		return fmt.Errorf("delete passkey credentials by user: %w", err)
	}
	return nil
}

func scanPasskeyCredential(row rowScanner) (storage.PasskeyCredential, error) {
	var credential storage.PasskeyCredential
	var lastUsedAt sql.NullInt64
	var createdAt, updatedAt int64
	err := row.Scan(&credential.CredentialID, &credential.UserID, &credential.Name,
		&credential.CredentialJSON, &createdAt, &updatedAt, &lastUsedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return storage.PasskeyCredential{}, err
	}
	if err != nil {
		return storage.PasskeyCredential{}, fmt.Errorf("scan passkey credential: %w", err)
	}
	if lastUsedAt.Valid {
		value := fromMillis(lastUsedAt.Int64)
		credential.LastUsedAt = &value
	}
	credential.CreatedAt = fromMillis(createdAt)
	credential.UpdatedAt = fromMillis(updatedAt)
	return credential, nil
}
