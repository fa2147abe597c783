package membership

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/heimdall-id/heimdall/internal/storage"
)

// Membership is a user's role and status within one tenant, the unit of
// authorization for every tenant-scoped operation.
type Membership struct {
	ID        string
	UserID    string
	ProjectID string
	Role      Role
	Status    Status
	Metadata  map[string]any
	InvitedBy string
	JoinedAt  *time.Time
	CreatedAt time.Time
	UpdatedAt time.Time
}

// fromRecord decodes a stored membership into domain form.
func fromRecord(record storage.Membership) (Membership, error) {
	role, err := ParseRole(record.Role)
	if err != nil {
		return Membership{}, fmt.Errorf("membership %s: %w", record.ID, err)
	}
	status := Status(record.Status)
	if !status.Valid() {
		return Membership{}, fmt.Errorf("membership %s: unknown status %q", record.ID, record.Status)
	}

	var metadata map[string]any
	if record.MetadataJSON != "" {
		if err := json.Unmarshal([]byte(record.MetadataJSON), &metadata); err != nil {
			return Membership{}, fmt.Errorf("membership %s: decode metadata: %w", record.ID, err)
		}
	}

	return Membership{
		ID:        record.ID,
		UserID:    record.UserID,
		ProjectID: record.ProjectID,
		Role:      role,
		Status:    status,
		Metadata:  metadata,
		InvitedBy: record.InvitedBy,
		JoinedAt:  record.JoinedAt,
		CreatedAt: record.CreatedAt,
		UpdatedAt: record.UpdatedAt,
	}, nil
}

// toRecord encodes a membership for storage.
func toRecord(m Membership) (storage.Membership, error) {
	metadataJSON := ""
	if len(m.Metadata) > 0 {
		encoded, err := json.Marshal(m.Metadata)
		if err != nil {
			return storage.Membership{}, fmt.Errorf("encode metadata: %w", err)
		}
		metadataJSON = string(encoded)
	}
	return storage.Membership{
		ID:           m.ID,
		UserID:       m.UserID,
		ProjectID:    m.ProjectID,
		Role:         string(m.Role),
		Status:       string(m.Status),
		MetadataJSON: metadataJSON,
		InvitedBy:    m.InvitedBy,
		JoinedAt:     m.JoinedAt,
		CreatedAt:    m.CreatedAt,
		UpdatedAt:    m.UpdatedAt,
	}, nil
}
