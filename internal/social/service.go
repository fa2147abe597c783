package social

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/heimdall-id/heimdall/internal/membership"
	apperrors "github.com/heimdall-id/heimdall/internal/platform/errors"
	"github.com/heimdall-id/heimdall/internal/platform/id"
	"github.com/heimdall-id/heimdall/internal/project"
	"github.com/heimdall-id/heimdall/internal/session"
	"github.com/heimdall-id/heimdall/internal/storage"
	"github.com/heimdall-id/heimdall/internal/user"
)

var (
	// ErrAlreadyLinked indicates the provider identity is already attached,
	// either to this user or to another one.
	ErrAlreadyLinked = apperrors.New(apperrors.CodeAlreadyLinked, "provider account is already linked")
	// ErrLinkNotFound indicates an unlink against a provider with no link.
	ErrLinkNotFound = apperrors.New(apperrors.CodeNotFound, "no linked account for this provider")
	// ErrLastAuthMethod indicates an unlink that would strand the user with
	// no way to authenticate.
	ErrLastAuthMethod = apperrors.New(apperrors.CodeLastAuthMethod, "cannot unlink the last authentication method")
	// ErrAccountDisabled indicates a returning social login for a user whose
	// account was switched off.
	ErrAccountDisabled = apperrors.New(apperrors.CodeAccountDisabled, "account is disabled")
)

// codeExchanger is the provider protocol surface, abstracted so tests can
// inject profiles without HTTP.
type codeExchanger interface {
	Exchange(ctx context.Context, provider Provider, credentials project.ProviderCredentials, code, redirectURI string) (Profile, error)
}

// Account is the management view of one federated link.
type Account struct {
	Provider    Provider
	Email       string
	DisplayName string
	CreatedAt   time.Time
}

// Service applies the account-linking policy over provider exchanges. Login
// provisions users and memberships as needed; Link and Unlink manage links
// for an already authenticated user.
type Service struct {
	users       storage.UserStore
	memberships storage.MembershipStore
	passkeys    storage.PasskeyStore
	socials     storage.SocialAccountStore
	exchanger   codeExchanger
	issuer      *session.Issuer
	clock       func() time.Time
	newID       func() (string, error)
}

// NewService creates a social federation service.
func NewService(users storage.UserStore, memberships storage.MembershipStore, passkeys storage.PasskeyStore, socials storage.SocialAccountStore, exchanger *Exchanger, issuer *session.Issuer) *Service {
	return &Service{
		users:       users,
		memberships: memberships,
		passkeys:    passkeys,
		socials:     socials,
		exchanger:   exchanger,
		issuer:      issuer,
		clock:       time.Now,
		newID:       id.NewID,
	}
}

// WithClock overrides the service clock for tests.
func (s *Service) WithClock(clock func() time.Time) *Service {
	s.clock = clock
	return s
}

// WithIDGenerator overrides the identifier generator for tests.
func (s *Service) WithIDGenerator(gen func() (string, error)) *Service {
	s.newID = gen
	return s
}

// WithExchanger overrides the code exchanger for tests.
func (s *Service) WithExchanger(exchanger codeExchanger) *Service {
	s.exchanger = exchanger
	return s
}

// Login exchanges the code and applies the linking policy: a known
// (provider, subject) pair is a returning user; a known email gains a new
// link; anyone else is provisioned from scratch. All three paths end with an
// active membership in the project and a fresh token pair.
func (s *Service) Login(ctx context.Context, p project.Project, providerName, code, redirectURI string) (session.TokenPair, error) {
	prov, credentials, err := s.resolveProvider(p, providerName)
	if err != nil {
		return session.TokenPair{}, err
	}
	profile, err := s.exchanger.Exchange(ctx, prov, credentials, code, redirectURI)
	if err != nil {
		return session.TokenPair{}, err
	}

	u, err := s.resolveUser(ctx, prov, profile)
	if err != nil {
		return session.TokenPair{}, err
	}
	m, err := s.ensureActiveMembership(ctx, u.ID, p.ID)
	if err != nil {
		return session.TokenPair{}, err
	}
	return s.issuer.IssuePair(ctx, u, m)
}

// Link attaches a provider identity to an authenticated user. One link per
// provider per user, and a subject can belong to only one user.
func (s *Service) Link(ctx context.Context, p project.Project, userID, providerName, code, redirectURI string) (Account, error) {
	prov, credentials, err := s.resolveProvider(p, providerName)
	if err != nil {
		return Account{}, err
	}
	profile, err := s.exchanger.Exchange(ctx, prov, credentials, code, redirectURI)
	if err != nil {
		return Account{}, err
	}

	if _, err := s.socials.GetSocialAccountBySubject(ctx, string(prov), profile.ProviderUserID); err == nil {
		return Account{}, ErrAlreadyLinked
	} else if !errors.Is(err, storage.ErrNotFound) {
		return Account{}, fmt.Errorf("lookup social account: %w", err)
	}
	if _, err := s.socials.GetSocialAccountForUser(ctx, string(prov), userID); err == nil {
		return Account{}, ErrAlreadyLinked
	} else if !errors.Is(err, storage.ErrNotFound) {
		return Account{}, fmt.Errorf("lookup social account: %w", err)
	}

	record, err := s.createLink(ctx, prov, userID, profile)
	if err != nil {
		return Account{}, err
	}
	return accountView(record), nil
}

// Unlink removes a provider link. The user must retain another way in: a
// password, another provider, or a passkey.
func (s *Service) Unlink(ctx context.Context, userID, providerName string) error {
	prov, err := ParseProvider(providerName)
	if err != nil {
		return err
	}
	if _, err := s.socials.GetSocialAccountForUser(ctx, string(prov), userID); err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return ErrLinkNotFound
		}
		return fmt.Errorf("lookup social account: %w", err)
	}

	u, err := s.users.GetUser(ctx, userID)
	if err != nil {
		return fmt.Errorf("get user: %w", err)
	}
	if !u.HasPassword() {
		linked, err := s.socials.ListSocialAccounts(ctx, userID)
		if err != nil {
			return fmt.Errorf("list social accounts: %w", err)
		}
		credentials, err := s.passkeys.ListPasskeyCredentials(ctx, userID)
		if err != nil {
			return fmt.Errorf("list credentials: %w", err)
		}
		if len(linked) <= 1 && len(credentials) == 0 {
			return ErrLastAuthMethod
		}
	}

	if err := s.socials.DeleteSocialAccount(ctx, string(prov), userID); err != nil {
		return fmt.Errorf("delete social account: %w", err)
	}
	return nil
}

// List returns the user's federated links.
func (s *Service) List(ctx context.Context, userID string) ([]Account, error) {
	records, err := s.socials.ListSocialAccounts(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("list social accounts: %w", err)
	}
	accounts := make([]Account, 0, len(records))
	for _, record := range records {
		accounts = append(accounts, accountView(record))
	}
	return accounts, nil
}

func (s *Service) resolveProvider(p project.Project, providerName string) (Provider, project.ProviderCredentials, error) {
	prov, err := ParseProvider(providerName)
	if err != nil {
		return "", project.ProviderCredentials{}, err
	}
	credentials, ok := p.Provider(string(prov))
	if !ok {
		return "", project.ProviderCredentials{}, ErrProviderDisabled
	}
	return prov, credentials, nil
}

// resolveUser maps a profile to a user: returning subject, email match, or a
// fresh passwordless account.
func (s *Service) resolveUser(ctx context.Context, prov Provider, profile Profile) (user.User, error) {
	if account, err := s.socials.GetSocialAccountBySubject(ctx, string(prov), profile.ProviderUserID); err == nil {
		u, err := s.users.GetUser(ctx, account.UserID)
		if err != nil {
			return user.User{}, fmt.Errorf("get linked user: %w", err)
		}
		if !u.Active {
			return user.User{}, ErrAccountDisabled
		}
		return u, nil
	} else if !errors.Is(err, storage.ErrNotFound) {
		return user.User{}, fmt.Errorf("lookup social account: %w", err)
	}

	// Apple withholds the email after first consent; without a subject match
	// there is no way to attach the login to an account.
	if profile.Email == "" {
		return user.User{}, ErrEmailUnavailable
	}
	normalized, err := user.NormalizeEmail(profile.Email)
	if err != nil {
		return user.User{}, err
	}

	u, err := s.users.GetUserByEmail(ctx, normalized)
	if errors.Is(err, storage.ErrNotFound) {
		u, err = user.CreateUser(user.CreateUserInput{Email: normalized, Username: profile.DisplayName}, s.clock, s.newID)
		if err != nil {
			return user.User{}, err
		}
		if err := s.users.PutUser(ctx, u); err != nil {
			return user.User{}, fmt.Errorf("create user: %w", err)
		}
	} else if err != nil {
		return user.User{}, fmt.Errorf("lookup user: %w", err)
	} else if !u.Active {
		return user.User{}, ErrAccountDisabled
	}

	if _, err := s.createLink(ctx, prov, u.ID, profile); err != nil {
		return user.User{}, err
	}
	return u, nil
}

// ensureActiveMembership resolves the user's membership in the project,
// activating pending or suspended ones and provisioning a member-level
// membership when none exists.
func (s *Service) ensureActiveMembership(ctx context.Context, userID, projectID string) (membership.Membership, error) {
	now := s.clock().UTC()
	record, err := s.memberships.GetMembership(ctx, userID, projectID)
	if err == nil {
		if record.Status != string(membership.StatusActive) {
			record.Status = string(membership.StatusActive)
			if record.JoinedAt == nil {
				record.JoinedAt = &now
			}
			record.UpdatedAt = now
			if err := s.memberships.UpdateMembership(ctx, record); err != nil {
				return membership.Membership{}, fmt.Errorf("activate membership: %w", err)
			}
		}
		return membership.Membership{
			ID:        record.ID,
			UserID:    record.UserID,
			ProjectID: record.ProjectID,
			Role:      membership.Role(record.Role),
			Status:    membership.StatusActive,
		}, nil
	}
	if !errors.Is(err, storage.ErrNotFound) {
		return membership.Membership{}, fmt.Errorf("get membership: %w", err)
	}

	membershipID, err := s.newID()
	if err != nil {
		return membership.Membership{}, fmt.Errorf("generate membership id: %w", err)
	}
	created := storage.Membership{
		ID:        membershipID,
		UserID:    userID,
		ProjectID: projectID,
		Role:      string(membership.RoleMember),
		Status:    string(membership.StatusActive),
		JoinedAt:  &now,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := s.memberships.PutMembership(ctx, created); err != nil {
		return membership.Membership{}, fmt.Errorf("create membership: %w", err)
	}
	return membership.Membership{
		ID:        created.ID,
		UserID:    userID,
		ProjectID: projectID,
		Role:      membership.RoleMember,
		Status:    membership.StatusActive,
	}, nil
}

func (s *Service) createLink(ctx context.Context, prov Provider, userID string, profile Profile) (storage.SocialAccount, error) {
	accountID, err := s.newID()
	if err != nil {
		return storage.SocialAccount{}, fmt.Errorf("generate account id: %w", err)
	}
	record := storage.SocialAccount{
		ID:             accountID,
		Provider:       string(prov),
		ProviderUserID: profile.ProviderUserID,
		UserID:         userID,
		Email:          profile.Email,
		DisplayName:    profile.DisplayName,
		CreatedAt:      s.clock().UTC(),
	}
	if err := s.socials.PutSocialAccount(ctx, record); err != nil {
		return storage.SocialAccount{}, fmt.Errorf("store social account: %w", err)
	}
	return record, nil
}

func accountView(record storage.SocialAccount) Account {
	return Account{
		Provider:    Provider(record.Provider),
		Email:       record.Email,
		DisplayName: record.DisplayName,
		CreatedAt:   record.CreatedAt,
	}
}
