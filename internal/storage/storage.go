// Package storage defines the persistence contracts for identity state.
package storage

import (
	"context"
	"time"

	"github.com/heimdall-id/heimdall/internal/platform/errors"
	"github.com/heimdall-id/heimdall/internal/project"
	"github.com/heimdall-id/heimdall/internal/user"
)

// ErrNotFound indicates a requested record is missing.
var ErrNotFound = errors.New(errors.CodeNotFound, "record not found")

// UserStore persists global user identities.
type UserStore interface {
	PutUser(ctx context.Context, u user.User) error
	GetUser(ctx context.Context, userID string) (user.User, error)
	GetUserByEmail(ctx context.Context, email string) (user.User, error)
	UpdateUser(ctx context.Context, u user.User) error
	DeleteUser(ctx context.Context, userID string) error
}

// ProjectStore persists tenant records.
type ProjectStore interface {
	PutProject(ctx context.Context, p project.Project) error
	GetProject(ctx context.Context, projectID string) (project.Project, error)
	GetProjectByAPIKey(ctx context.Context, apiKey string) (project.Project, error)
	CountProjects(ctx context.Context) (int64, error)
}

// Membership is a user's role and status within one tenant. Role and status
// are stored as strings; the membership package owns their vocabulary.
type Membership struct {
	ID           string
	UserID       string
	ProjectID    string
	Role         string
	Status       string
	MetadataJSON string
	InvitedBy    string
	JoinedAt     *time.Time
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// MembershipStore persists tenant memberships. The (user, project) pair is
// unique.
type MembershipStore interface {
	PutMembership(ctx context.Context, m Membership) error
	GetMembership(ctx context.Context, userID, projectID string) (Membership, error)
	GetMembershipByID(ctx context.Context, membershipID string) (Membership, error)
	ListProjectMemberships(ctx context.Context, projectID string, statuses []string) ([]Membership, error)
	CountUserMemberships(ctx context.Context, userID string) (int64, error)
	UpdateMembership(ctx context.Context, m Membership) error
	DeleteMembership(ctx context.Context, membershipID string) error
}

// RefreshToken is a session continuation credential. Only the SHA-256 hash of
// the opaque secret is ever stored.
type RefreshToken struct {
	TokenHash    string
	UserID       string
	ProjectID    string
	MembershipID string
	ExpiresAt    time.Time
	Revoked      bool
	CreatedAt    time.Time
}

// RefreshTokenStore persists refresh tokens and owns the single-use redeem
// transition.
type RefreshTokenStore interface {
	PutRefreshToken(ctx context.Context, t RefreshToken) error
	// RedeemRefreshToken atomically flips revoked from false to true and
	// returns the redeemed record. It returns ErrNotFound when no token with
	// the hash exists in the project and ErrAlreadyRedeemed when the token
	// exists but was already revoked. Expiry is not checked here; callers
	// re-check ExpiresAt so a not-yet-swept record is still rejected.
	RedeemRefreshToken(ctx context.Context, tokenHash, projectID string) (RefreshToken, error)
	// RevokeRefreshToken marks a token revoked. Missing or already-revoked
	// tokens are not an error.
	RevokeRefreshToken(ctx context.Context, tokenHash string) error
	DeleteRefreshTokensByUser(ctx context.Context, userID string) error
	DeleteExpiredRefreshTokens(ctx context.Context, now time.Time) error
}

// ErrAlreadyRedeemed indicates a one-shot record was already consumed.
var ErrAlreadyRedeemed = errors.New(errors.CodeTokenConsumed, "token already redeemed")

// PasskeyCredential stores a registered WebAuthn authenticator. The
// CredentialJSON payload carries the public key, signature counter, flags,
// and transports in the webauthn library's marshaled form.
type PasskeyCredential struct {
	CredentialID   string
	UserID         string
	Name           string
	CredentialJSON string
	CreatedAt      time.Time
	UpdatedAt      time.Time
	LastUsedAt     *time.Time
}

// PasskeyStore persists WebAuthn credentials.
type PasskeyStore interface {
	PutPasskeyCredential(ctx context.Context, credential PasskeyCredential) error
	GetPasskeyCredential(ctx context.Context, credentialID string) (PasskeyCredential, error)
	ListPasskeyCredentials(ctx context.Context, userID string) ([]PasskeyCredential, error)
	DeletePasskeyCredential(ctx context.Context, credentialID string) error
	DeletePasskeyCredentialsByUser(ctx context.Context, userID string) error
}

// WebAuthnChallenge is a one-shot ceremony nonce. SessionJSON holds the
// webauthn session data generated alongside the ceremony options.
type WebAuthnChallenge struct {
	ID          string
	Kind        string
	UserID      string
	RPID        string
	SessionJSON string
	ExpiresAt   time.Time
}

// ChallengeStore persists ceremony challenges. Consumption is the only read
// path: a challenge retrieved through ConsumeWebAuthnChallenge is deleted in
// the same statement, so a second consumption always fails closed.
type ChallengeStore interface {
	PutWebAuthnChallenge(ctx context.Context, challenge WebAuthnChallenge) error
	ConsumeWebAuthnChallenge(ctx context.Context, challengeID, kind string) (WebAuthnChallenge, error)
	DeleteExpiredWebAuthnChallenges(ctx context.Context, now time.Time) error
}

// SocialAccount links a federated identity to a user. Unique per
// (provider, provider user id) and per (provider, user id).
type SocialAccount struct {
	ID             string
	Provider       string
	ProviderUserID string
	UserID         string
	Email          string
	DisplayName    string
	CreatedAt      time.Time
}

// SocialAccountStore persists federated identity links.
type SocialAccountStore interface {
	PutSocialAccount(ctx context.Context, account SocialAccount) error
	GetSocialAccountBySubject(ctx context.Context, provider, providerUserID string) (SocialAccount, error)
	GetSocialAccountForUser(ctx context.Context, provider, userID string) (SocialAccount, error)
	ListSocialAccounts(ctx context.Context, userID string) ([]SocialAccount, error)
	DeleteSocialAccount(ctx context.Context, provider, userID string) error
	DeleteSocialAccountsByUser(ctx context.Context, userID string) error
}
