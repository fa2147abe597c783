package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/heimdall-id/heimdall/internal/storage"
)

// PutMembership inserts a tenant membership.
func (s *Store) PutMembership(ctx context.Context, m storage.Membership) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO memberships (id, user_id, project_id, role, status, metadata_json, invited_by, joined_at, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, m.ID, m.UserID, m.ProjectID, m.Role, m.Status, metadataOrEmpty(m.MetadataJSON), m.InvitedBy,
		nullableMillis(m.JoinedAt), toMillis(m.CreatedAt), toMillis(m.UpdatedAt))
	if err != nil {
		return fmt.Errorf("insert membership: %w", err)
	}
	return nil
}

// GetMembership retrieves the membership for a (user, project) pair.
func (s *Store) GetMembership(ctx context.Context, userID, projectID string) (storage.Membership, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, user_id, project_id, role, status, metadata_json, invited_by, joined_at, created_at, updated_at
		FROM memberships WHERE user_id = ? AND project_id = ?
	`, userID, projectID)
	return scanMembership(row)
}

// GetMembershipByID retrieves a membership by its own id.
func (s *Store) GetMembershipByID(ctx context.Context, membershipID string) (storage.Membership, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, user_id, project_id, role, status, metadata_json, invited_by, joined_at, created_at, updated_at
		FROM memberships WHERE id = ?
	`, membershipID)
	return scanMembership(row)
}

// ListProjectMemberships lists a tenant's memberships, optionally filtered to
// a set of statuses, ordered by creation time.
func (s *Store) ListProjectMemberships(ctx context.Context, projectID string, statuses []string) ([]storage.Membership, error) {
	query := `
		SELECT id, user_id, project_id, role, status, metadata_json, invited_by, joined_at, created_at, updated_at
		FROM memberships WHERE project_id = ?`
	args := []any{projectID}
	if len(statuses) > 0 {
		placeholders := strings.TrimSuffix(strings.Repeat("?, ", len(statuses)), ", ")
		query += " AND status IN (" + placeholders + ")"
		for _, status := range statuses {
			args = append(args, status)
		}
	}
	query += " ORDER BY created_at ASC, id ASC"

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list memberships: %w", err)
	}
	defer rows.Close()

	var memberships []storage.Membership
	for rows.Next() {
		m, err := scanMembershipRows(rows)
		if err != nil {
			return nil, err
		}
		memberships = append(memberships, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate memberships: %w", err)
	}
	return memberships, nil
}

// CountUserMemberships counts memberships held by a user across tenants.
func (s *Store) CountUserMemberships(ctx context.Context, userID string) (int64, error) {
	var count int64
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM memberships WHERE user_id = ?`, userID).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("count memberships: %w", err)
	}
	return count, nil
}

// UpdateMembership overwrites a stored membership.
func (s *Store) UpdateMembership(ctx context.Context, m storage.Membership) error {
	result, err := s.db.ExecContext(ctx, `
		UPDATE memberships
		SET role = ?, status = ?, metadata_json = ?, invited_by = ?, joined_at = ?, updated_at = ?
		WHERE id = ?
	`, m.Role, m.Status, metadataOrEmpty(m.MetadataJSON), m.InvitedBy, nullableMillis(m.JoinedAt), toMillis(m.UpdatedAt), m.ID)
	if err != nil {
		return fmt.Errorf("update membership: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("update membership rows affected: %w", err)
	}
	if affected == 0 {
		return storage.ErrNotFound
	}
	return nil
}

// DeleteMembership removes a membership record.
func (s *Store) DeleteMembership(ctx context.Context, membershipID string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM memberships WHERE id = ?`, membershipID); err != nil {
		return fmt.Errorf("delete membership: %w", err)
	}
	return nil
}

func metadataOrEmpty(raw string) string {
	if raw == "" {
		return "{}"
	}
	return raw
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanMembership(row *sql.Row) (storage.Membership, error) {
	m, err := scanMembershipRows(row)
	if errors.Is(err, sql.ErrNoRows) {
		return storage.Membership{}, storage.ErrNotFound
	}
	return m, err
}

func scanMembershipRows(row rowScanner) (storage.Membership, error) {
	var m storage.Membership
	var joinedAt sql.NullInt64
	var createdAt, updatedAt int64
	err := row.Scan(&m.ID, &m.UserID, &m.ProjectID, &m.Role, &m.Status, &m.MetadataJSON,
		&m.InvitedBy, &joinedAt, &createdAt, &updatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return storage.Membership{}, err
	}
	if err != nil {
		return storage.Membership{}, fmt.Errorf("scan membership: %w", err)
	}
	if joinedAt.Valid {
		value := fromMillis(joinedAt.Int64)
		m.JoinedAt = &value
	}
	m.CreatedAt = fromMillis(createdAt)
	m.UpdatedAt = fromMillis(updatedAt)
	return m, nil
}

func nullableMillis(value *time.Time) any {
	if value == nil {
		return nil
	}
	return toMillis(*value)
}
