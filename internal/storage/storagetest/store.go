// Package storagetest provides an in-memory store for service tests.
package storagetest

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/heimdall-id/heimdall/internal/project"
	"github.com/heimdall-id/heimdall/internal/storage"
	"github.com/heimdall-id/heimdall/internal/user"
)

// Store implements every storage interface with in-memory maps. All methods
// are safe for concurrent use so redemption races can be exercised.
type Store struct {
	mu          sync.Mutex
	users       map[string]user.User
	projects    map[string]project.Project
	memberships map[string]storage.Membership
	tokens      map[string]storage.RefreshToken
	passkeys    map[string]storage.PasskeyCredential
	challenges  map[string]storage.WebAuthnChallenge
	socials     map[string]storage.SocialAccount
}

// New creates an empty in-memory store.
func New() *Store {
	return &Store{
		users:       map[string]user.User{},
		projects:    map[string]project.Project{},
		memberships: map[string]storage.Membership{},
		tokens:      map[string]storage.RefreshToken{},
		passkeys:    map[string]storage.PasskeyCredential{},
		challenges:  map[string]storage.WebAuthnChallenge{},
		socials:     map[string]storage.SocialAccount{},
	}
}

func (s *Store) PutUser(_ context.Context, u user.User) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.users[u.ID] = u
	return nil
}

func (s *Store) GetUser(_ context.Context, userID string) (user.User, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	u, ok := s.users[userID]
	if !ok {
		return user.User{}, storage.ErrNotFound
	}
	return u, nil
}

func (s *Store) GetUserByEmail(_ context.Context, email string) (user.User, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, u := range s.users {
		if u.Email == email {
			return u, nil
		}
	}
	return user.User{}, storage.ErrNotFound
}

func (s *Store) UpdateUser(_ context.Context, u user.User) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.users[u.ID]; !ok {
		return storage.ErrNotFound
	}
	s.users[u.ID] = u
	return nil
}

func (s *Store) DeleteUser(_ context.Context, userID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.users[userID]; !ok {
		return storage.ErrNotFound
	}
	delete(s.users, userID)
	return nil
}

func (s *Store) PutProject(_ context.Context, p project.Project) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.projects[p.ID] = p
	return nil
}

func (s *Store) GetProject(_ context.Context, projectID string) (project.Project, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.projects[projectID]
	if !ok {
		return project.Project{}, storage.ErrNotFound
	}
	return p, nil
}

func (s *Store) GetProjectByAPIKey(_ context.Context, apiKey string) (project.Project, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, p := range s.projects {
		if p.APIKey == apiKey {
			return p, nil
		}
	}
	return project.Project{}, storage.ErrNotFound
}

func (s *Store) CountProjects(_ context.Context) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return int64(len(s.projects)), nil
}

func (s *Store) PutMembership(_ context.Context, m storage.Membership) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.memberships[m.ID] = m
	return nil
}

func (s *Store) GetMembership(_ context.Context, userID, projectID string) (storage.Membership, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, m := range s.memberships {
		if m.UserID == userID && m.ProjectID == projectID {
			return m, nil
		}
	}
	return storage.Membership{}, storage.ErrNotFound
}

func (s *Store) GetMembershipByID(_ context.Context, membershipID string) (storage.Membership, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.memberships[membershipID]
	if !ok {
		return storage.Membership{}, storage.ErrNotFound
	}
	return m, nil
}

func (s *Store) ListProjectMemberships(_ context.Context, projectID string, statuses []string) ([]storage.Membership, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	allowed := map[string]bool{}
	for _, status := range statuses {
		allowed[status] = true
	}
	var result []storage.Membership
	for _, m := range s.memberships {
		if m.ProjectID != projectID {
			continue
		}
		if len(statuses) > 0 && !allowed[m.Status] {
			continue
		}
		result = append(result, m)
	}
	sort.Slice(result, func(i, j int) bool { return result[i].ID < result[j].ID })
	return result, nil
}

func (s *Store) CountUserMemberships(_ context.Context, userID string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var count int64
	for _, m := range s.memberships {
		if m.UserID == userID {
			count++
		}
	}
	return count, nil
}

func (s *Store) UpdateMembership(_ context.Context, m storage.Membership) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.memberships[m.ID]; !ok {
		return storage.ErrNotFound
	}
	s.memberships[m.ID] = m
	return nil
}

func (s *Store) DeleteMembership(_ context.Context, membershipID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.memberships[membershipID]; !ok {
		return storage.ErrNotFound
	}
	delete(s.memberships, membershipID)
	return nil
}

func (s *Store) PutRefreshToken(_ context.Context, t storage.RefreshToken) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tokens[t.TokenHash] = t
	return nil
}

func (s *Store) RedeemRefreshToken(_ context.Context, tokenHash, projectID string) (storage.RefreshToken, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tokens[tokenHash]
	if !ok || t.ProjectID != projectID {
		return storage.RefreshToken{}, storage.ErrNotFound
	}
	if t.Revoked {
		return storage.RefreshToken{}, storage.ErrAlreadyRedeemed
	}
	t.Revoked = true
	s.tokens[tokenHash] = t
	return t, nil
}

func (s *Store) RevokeRefreshToken(_ context.Context, tokenHash string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if t, ok := s.tokens[tokenHash]; ok {
		t.Revoked = true
		s.tokens[tokenHash] = t
	}
	return nil
}

func (s *Store) DeleteRefreshTokensByUser(_ context.Context, userID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for hash, t := range s.tokens {
		if t.UserID == userID {
			delete(s.tokens, hash)
		}
	}
	return nil
}

func (s *Store) DeleteExpiredRefreshTokens(_ context.Context, now time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for hash, t := range s.tokens {
		if t.ExpiresAt.Before(now) {
			delete(s.tokens, hash)
		}
	}
	return nil
}

// RefreshTokenCount reports how many tokens are held for assertions.
func (s *Store) RefreshTokenCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.tokens)
}

// RefreshTokenByHash exposes a stored token for assertions.
func (s *Store) RefreshTokenByHash(hash string) (storage.RefreshToken, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tokens[hash]
	return t, ok
}

func (s *Store) PutPasskeyCredential(_ context.Context, credential storage.PasskeyCredential) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.passkeys[credential.CredentialID] = credential
	return nil
}

func (s *Store) GetPasskeyCredential(_ context.Context, credentialID string) (storage.PasskeyCredential, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	credential, ok := s.passkeys[credentialID]
	if !ok {
		return storage.PasskeyCredential{}, storage.ErrNotFound
	}
	return credential, nil
}

func (s *Store) ListPasskeyCredentials(_ context.Context, userID string) ([]storage.PasskeyCredential, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var result []storage.PasskeyCredential
	for _, credential := range s.passkeys {
		if credential.UserID == userID {
			result = append(result, credential)
		}
	}
	sort.Slice(result, func(i, j int) bool { return result[i].CredentialID < result[j].CredentialID })
	return result, nil
}

func (s *Store) DeletePasskeyCredential(_ context.Context, credentialID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.passkeys[credentialID]; !ok {
		return storage.ErrNotFound
	}
	delete(s.passkeys, credentialID)
	return nil
}

func (s *Store) DeletePasskeyCredentialsByUser(_ context.Context, userID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for credentialID, credential := range s.passkeys {
		if credential.UserID == userID {
			delete(s.passkeys, credentialID)
		}
	}
	return nil
}

func (s *Store) PutWebAuthnChallenge(_ context.Context, challenge storage.WebAuthnChallenge) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.challenges[challenge.ID] = challenge
	return nil
}

func (s *Store) ConsumeWebAuthnChallenge(_ context.Context, challengeID, kind string) (storage.WebAuthnChallenge, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	challenge, ok := s.challenges[challengeID]
	if !ok || challenge.Kind != kind {
		return storage.WebAuthnChallenge{}, storage.ErrNotFound
	}
	delete(s.challenges, challengeID)
	return challenge, nil
}

func (s *Store) DeleteExpiredWebAuthnChallenges(_ context.Context, now time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for challengeID, challenge := range s.challenges {
		if challenge.ExpiresAt.Before(now) {
			delete(s.challenges, challengeID)
		}
	}
	return nil
}

func (s *Store) PutSocialAccount(_ context.Context, account storage.SocialAccount) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.socials[account.ID] = account
	return nil
}

func (s *Store) GetSocialAccountBySubject(_ context.Context, provider, providerUserID string) (storage.SocialAccount, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, account := range s.socials {
		if account.Provider == provider && account.ProviderUserID == providerUserID {
			return account, nil
		}
	}
	return storage.SocialAccount{}, storage.ErrNotFound
}

func (s *Store) GetSocialAccountForUser(_ context.Context, provider, userID string) (storage.SocialAccount, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, account := range s.socials {
		if account.Provider == provider && account.UserID == userID {
			return account, nil
		}
	}
	return storage.SocialAccount{}, storage.ErrNotFound
}

func (s *Store) ListSocialAccounts(_ context.Context, userID string) ([]storage.SocialAccount, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var result []storage.SocialAccount
	for _, account := range s.socials {
		if account.UserID == userID {
			result = append(result, account)
		}
	}
	sort.Slice(result, func(i, j int) bool { return result[i].Provider < result[j].Provider })
	return result, nil
}

func (s *Store) DeleteSocialAccount(_ context.Context, provider, userID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for accountID, account := range s.socials {
		if account.Provider == provider && account.UserID == userID {
			delete(s.socials, accountID)
			return nil
		}
	}
	return storage.ErrNotFound
}

func (s *Store) DeleteSocialAccountsByUser(_ context.Context, userID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for accountID, account := range s.socials {
		if account.UserID == userID {
			delete(s.socials, accountID)
		}
	}
	return nil
}

var _ storage.UserStore = (*Store)(nil)
var _ storage.ProjectStore = (*Store)(nil)
var _ storage.MembershipStore = (*Store)(nil)
var _ storage.RefreshTokenStore = (*Store)(nil)
var _ storage.PasskeyStore = (*Store)(nil)
var _ storage.ChallengeStore = (*Store)(nil)
var _ storage.SocialAccountStore = (*Store)(nil)
