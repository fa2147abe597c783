package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/heimdall-id/heimdall/internal/project"
	"github.com/heimdall-id/heimdall/internal/storage"
)

// PutProject inserts a tenant record. RP IDs, origins, and provider
// credentials are stored as JSON columns.
func (s *Store) PutProject(ctx context.Context, p project.Project) error {
	rpIDs, origins, providers, err := encodeProjectConfig(p)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO projects (id, name, api_key, passkey_policy, rp_ids_json, origins_json, providers_json, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, p.ID, p.Name, p.APIKey, string(p.PasskeyPolicy), rpIDs, origins, providers, toMillis(p.CreatedAt), toMillis(p.UpdatedAt))
	if err != nil {
		return fmt.Errorf("insert project: %w", err)
	}
	return nil
}

// GetProject retrieves a tenant by id.
func (s *Store) GetProject(ctx context.Context, projectID string) (project.Project, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, name, api_key, passkey_policy, rp_ids_json, origins_json, providers_json, created_at, updated_at
		FROM projects WHERE id = ?
	`, projectID)
	return scanProject(row)
}

// GetProjectByAPIKey retrieves the tenant owning an API key.
func (s *Store) GetProjectByAPIKey(ctx context.Context, apiKey string) (project.Project, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, name, api_key, passkey_policy, rp_ids_json, origins_json, providers_json, created_at, updated_at
		FROM projects WHERE api_key = ?
	`, apiKey)
	return scanProject(row)
}

// CountProjects returns the number of tenants.
func (s *Store) CountProjects(ctx context.Context) (int64, error) {
	var count int64
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM projects`).Scan(&count); err != nil {
		return 0, fmt.Errorf("count projects: %w", err)
	}
	return count, nil
}

func encodeProjectConfig(p project.Project) (rpIDs, origins, providers string, err error) {
	rpIDsRaw, err := json.Marshal(orEmptySlice(p.RPIDs))
	if err != nil {
		return "", "", "", fmt.Errorf("encode project rp ids: %w", err)
	}
	originsRaw, err := json.Marshal(orEmptySlice(p.Origins))
	if err != nil {
		return "", "", "", fmt.Errorf("encode project origins: %w", err)
	}
	providersMap := p.Providers
	if providersMap == nil {
		providersMap = map[string]project.ProviderCredentials{}
	}
	providersRaw, err := json.Marshal(providersMap)
	if err != nil {
		return "", "", "", fmt.Errorf("encode project providers: %w", err)
	}
	return string(rpIDsRaw), string(originsRaw), string(providersRaw), nil
}

func orEmptySlice(values []string) []string {
	if values == nil {
		return []string{}
	}
	return values
}

func scanProject(row *sql.Row) (project.Project, error) {
	var p project.Project
	var policy, rpIDs, origins, providers string
	var createdAt, updatedAt int64
	err := row.Scan(&p.ID, &p.Name, &p.APIKey, &policy, &rpIDs, &origins, &providers, &createdAt, &updatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return project.Project{}, storage.ErrNotFound
	}
	if err != nil {
		return project.Project{}, fmt.Errorf("scan project: %w", err)
	}
	p.PasskeyPolicy = project.PasskeyPolicy(policy)
	if err := json.Unmarshal([]byte(rpIDs), &p.RPIDs); err != nil {
		return project.Project{}, fmt.Errorf("decode project rp ids: %w", err)
	}
	if err := json.Unmarshal([]byte(origins), &p.Origins); err != nil {
		return project.Project{}, fmt.Errorf("decode project origins: %w", err)
	}
	if err := json.Unmarshal([]byte(providers), &p.Providers); err != nil {
		return project.Project{}, fmt.Errorf("decode project providers: %w", err)
	}
	p.CreatedAt = fromMillis(createdAt)
	p.UpdatedAt = fromMillis(updatedAt)
	return p, nil
}
