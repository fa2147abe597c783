// Package project provides tenant records and their provider configuration.
package project

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"strings"
	"time"

	"github.com/heimdall-id/heimdall/internal/platform/id"
)

// PasskeyPolicy describes how strongly a tenant nudges members toward passkeys.
type PasskeyPolicy string

const (
	PasskeyPolicyOptional   PasskeyPolicy = "optional"
	PasskeyPolicyEncouraged PasskeyPolicy = "encouraged"
)

// Valid reports whether the policy is a known value.
func (p PasskeyPolicy) Valid() bool {
	return p == PasskeyPolicyOptional || p == PasskeyPolicyEncouraged
}

// ProviderCredentials holds a tenant's app registration with one social
// provider. TeamID, KeyID, and PrivateKey are only populated for Apple.
type ProviderCredentials struct {
	ClientID     string
	ClientSecret string
	Enabled      bool
	TeamID       string
	KeyID        string
	PrivateKey   string
}

// Configured reports whether the registration is enabled and complete enough
// to run a code exchange. Apple signs its own client secret, so its
// ClientSecret may be empty when key material is present.
func (c ProviderCredentials) Configured() bool {
	if !c.Enabled || c.ClientID == "" {
		return false
	}
	if c.ClientSecret != "" {
		return true
	}
	return c.TeamID != "" && c.KeyID != "" && c.PrivateKey != ""
}

// Project is an isolated customer namespace identified by an API key.
type Project struct {
	ID            string
	Name          string
	APIKey        string
	PasskeyPolicy PasskeyPolicy
	RPIDs         []string
	Origins       []string
	Providers     map[string]ProviderCredentials
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

// Provider returns the configured credentials for the named provider.
func (p Project) Provider(name string) (ProviderCredentials, bool) {
	credentials, ok := p.Providers[name]
	if !ok || !credentials.Configured() {
		return ProviderCredentials{}, false
	}
	return credentials, true
}

// NewAPIKey mints an opaque tenant API key. The key is immutable once issued.
func NewAPIKey() (string, error) {
	raw := make([]byte, 32)
	if _, err := rand.Read(raw); err != nil {
		return "", fmt.Errorf("read random bytes: %w", err)
	}
	return "hm_" + hex.EncodeToString(raw), nil
}

// CreateProject creates a tenant with a fresh API key.
func CreateProject(name string, now func() time.Time, idGenerator func() (string, error)) (Project, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return Project{}, fmt.Errorf("project name is required")
	}
	if now == nil {
		now = time.Now
	}
	if idGenerator == nil {
		idGenerator = id.NewID
	}

	projectID, err := idGenerator()
	if err != nil {
		return Project{}, fmt.Errorf("generate project id: %w", err)
	}
	apiKey, err := NewAPIKey()
	if err != nil {
		return Project{}, fmt.Errorf("generate api key: %w", err)
	}

	createdAt := now().UTC()
	return Project{
		ID:            projectID,
		Name:          name,
		APIKey:        apiKey,
		PasskeyPolicy: PasskeyPolicyOptional,
		CreatedAt:     createdAt,
		UpdatedAt:     createdAt,
	}, nil
}
