package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/heimdall-id/heimdall/internal/storage"
)

// PutSocialAccount inserts a federated identity link.
func (s *Store) PutSocialAccount(ctx context.Context, account storage.SocialAccount) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO social_accounts (id, provider, provider_user_id, user_id, email, display_name, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`, account.ID, account.Provider, account.ProviderUserID, account.UserID, account.Email,
		account.DisplayName, toMillis(account.CreatedAt))
	if err != nil {
		return fmt.Errorf("insert social account: %w", err)
	}
	return nil
}

// GetSocialAccountBySubject retrieves a link by the provider's stable subject.
func (s *Store) GetSocialAccountBySubject(ctx context.Context, provider, providerUserID string) (storage.SocialAccount, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, provider, provider_user_id, user_id, email, display_name, created_at
		FROM social_accounts WHERE provider = ? AND provider_user_id = ?
	`, provider, providerUserID)
	return scanSocialAccount(row)
}

// GetSocialAccountForUser retrieves a user's link with one provider.
func (s *Store) GetSocialAccountForUser(ctx context.Context, provider, userID string) (storage.SocialAccount, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, provider, provider_user_id, user_id, email, display_name, created_at
		FROM social_accounts WHERE provider = ? AND user_id = ?
	`, provider, userID)
	return scanSocialAccount(row)
}

// ListSocialAccounts lists a user's federated links in creation order.
func (s *Store) ListSocialAccounts(ctx context.Context, userID string) ([]storage.SocialAccount, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, provider, provider_user_id, user_id, email, display_name, created_at
		FROM social_accounts WHERE user_id = ?
		ORDER BY created_at ASC, id ASC
	`, userID)
	if err != nil {
		return nil, fmt.Errorf("list social accounts: %w", err)
	}
	defer rows.Close()

	var accounts []storage.SocialAccount
	for rows.Next() {
		var account storage.SocialAccount
		var createdAt int64
		if err := rows.Scan(&account.ID, &account.Provider, &account.ProviderUserID,
			&account.UserID, &account.Email, &account.DisplayName, &createdAt); err != nil {
			return nil, fmt.Errorf("scan social account: %w", err)
		}
		account.CreatedAt = fromMillis(createdAt)
		accounts = append(accounts, account)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate social accounts: %w", err)
	}
	return accounts, nil
}

// DeleteSocialAccount removes one provider link for a user.
func (s *Store) DeleteSocialAccount(ctx context.Context, provider, userID string) error {
	if _, err := s.db.ExecContext(ctx, `
		DELETE FROM social_accounts WHERE provider = ? AND user_id = ?
	`, provider, userID); err != nil {
		return fmt.Errorf("delete social account: %w", err)
	}
	return nil
}

// DeleteSocialAccountsByUser removes every federated link a user holds.
func (s *Store) DeleteSocialAccountsByUser(ctx context.Context, userID string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM social_accounts WHERE user_id = ?`, userID); err != nil {
		return fmt.Errorf("delete social accounts by user: %w", err)
	}
	return nil
}

func scanSocialAccount(row *sql.Row) (storage.SocialAccount, error) {
	var account storage.SocialAccount
	var createdAt int64
	err := row.Scan(&account.ID, &account.Provider, &account.ProviderUserID,
		&account.UserID, &account.Email, &account.DisplayName, &createdAt)
	if errors.Is(err, sql.ErrNoRows) {
		return storage.SocialAccount{}, storage.ErrNotFound
	}
	if err != nil {
		return storage.SocialAccount{}, fmt.Errorf("scan social account: %w", err)
	}
	account.CreatedAt = fromMillis(createdAt)
	return account, nil
}
