package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/heimdall-id/heimdall/internal/storage"
	"github.com/heimdall-id/heimdall/internal/user"
)

// PutUser inserts a user identity.
func (s *Store) PutUser(ctx context.Context, u user.User) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO users (id, email, username, password_hash, active, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`, u.ID, u.Email, u.Username, u.PasswordHash, boolToInt(u.Active), toMillis(u.CreatedAt), toMillis(u.UpdatedAt))
	if err != nil {
		return fmt.Errorf("insert user: %w", err)
	}
	return nil
}

// GetUser retrieves a user by id.
func (s *Store) GetUser(ctx context.Context, userID string) (user.User, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, email, username, password_hash, active, created_at, updated_at
		FROM users WHERE id = ?
	`, userID)
	return scanUser(row)
}

// GetUserByEmail retrieves a user by normalized email.
func (s *Store) GetUserByEmail(ctx context.Context, email string) (user.User, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, email, username, password_hash, active, created_at, updated_at
		FROM users WHERE email = ?
	`, email)
	return scanUser(row)
}

// UpdateUser overwrites a stored user record.
func (s *Store) UpdateUser(ctx context.Context, u user.User) error {
	result, err := s.db.ExecContext(ctx, `
		UPDATE users
		SET email = ?, username = ?, password_hash = ?, active = ?, created_at = ?, updated_at = ?
		WHERE id = ?
	`, u.Email, u.Username, u.PasswordHash, boolToInt(u.Active), toMillis(u.CreatedAt), toMillis(u.UpdatedAt), u.ID)
	if err != nil {
		return fmt.Errorf("update user: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("update user rows affected: %w", err)
	}
	if affected == 0 {
		return storage.ErrNotFound
	}
	return nil
}

// DeleteUser removes a user record.
func (s *Store) DeleteUser(ctx context.Context, userID string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM users WHERE id = ?`, userID); err != nil {
		return fmt.Errorf("delete user: %w", err)
	}
	return nil
}

func scanUser(row *sql.Row) (user.User, error) {
	var u user.User
	var active int
	var createdAt, updatedAt int64
	err := row.Scan(&u.ID, &u.Email, &u.Username, &u.PasswordHash, &active, &createdAt, &updatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return user.User{}, storage.ErrNotFound
	}
	if err != nil {
		return user.User{}, fmt.Errorf("scan user: %w", err)
	}
	u.Active = active != 0
	u.CreatedAt = fromMillis(createdAt)
	u.UpdatedAt = fromMillis(updatedAt)
	return u, nil
}

func boolToInt(value bool) int {
	if value {
		return 1
	}
	return 0
}
