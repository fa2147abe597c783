// Package account handles password registration and login.
package account

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
	// ErrInvalidCredentials indicates a failed password login. Unknown email
	// and wrong password are indistinguishable on purpose.
	ErrInvalidCredentials = apperrors.New(apperrors.CodeInvalidCredentials, "invalid credentials")
	// ErrEmailTaken indicates a registration against an email that already
	// has a password.
	ErrEmailTaken = apperrors.New(apperrors.CodeEmailTaken, "email is already registered")
	// ErrPasswordRequired indicates a registration without a password.
	ErrPasswordRequired = apperrors.New(apperrors.CodeInvalidArgument, "password is required")
)

// Service registers and authenticates password accounts for a project.
type Service struct {
	users       storage.UserStore
	memberships storage.MembershipStore
	issuer      *session.Issuer
	clock       func() time.Time
	newID       func() (string, error)
}

// NewService creates a password account service.
func NewService(users storage.UserStore, memberships storage.MembershipStore, issuer *session.Issuer) *Service {
	return &Service{
		users:       users,
		memberships: memberships,
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

// Register creates a password account and an active membership in the
// project, then issues a session. An invited, passwordless user claims their
// account here: the password is set and the pending invitation is accepted
// in one step. An email that already carries a password is taken.
func (s *Service) Register(ctx context.Context, p project.Project, email, username, password string) (session.TokenPair, error) {
	if password == "" {
		return session.TokenPair{}, ErrPasswordRequired
	}
	normalized, err := user.NormalizeEmail(email)
	if err != nil {
		return session.TokenPair{}, err
	}

	u, err := s.users.GetUserByEmail(ctx, normalized)
	switch {
	case err == nil:
		if u.HasPassword() {
			return session.TokenPair{}, ErrEmailTaken
		}
		claimed, err := user.CreateUser(user.CreateUserInput{Email: normalized, Username: username, Password: password}, s.clock, func() (string, error) { return u.ID, nil })
		if err != nil {
			return session.TokenPair{}, err
		}
		claimed.CreatedAt = u.CreatedAt
		if claimed.Username == "" {
			claimed.Username = u.Username
		}
		u = claimed
		if err := s.users.UpdateUser(ctx, u); err != nil {
			return session.TokenPair{}, fmt.Errorf("update user: %w", err)
		}
	case errors.Is(err, storage.ErrNotFound):
		u, err = user.CreateUser(user.CreateUserInput{Email: normalized, Username: username, Password: password}, s.clock, s.newID)
		if err != nil {
			return session.TokenPair{}, err
		}
		if err := s.users.PutUser(ctx, u); err != nil {
			return session.TokenPair{}, fmt.Errorf("create user: %w", err)
		}
	default:
		return session.TokenPair{}, fmt.Errorf("lookup user: %w", err)
	}

	m, err := s.ensureMembership(ctx, u.ID, p.ID)
	if err != nil {
		return session.TokenPair{}, err
	}
	return s.issuer.IssuePair(ctx, u, m)
}

// Login verifies the password and issues a session for the user's active
// membership in the project.
func (s *Service) Login(ctx context.Context, p project.Project, email, password string) (session.TokenPair, error) {
	normalized, err := user.NormalizeEmail(email)
	if err != nil {
		return session.TokenPair{}, ErrInvalidCredentials
	}
	u, err := s.users.GetUserByEmail(ctx, normalized)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return session.TokenPair{}, ErrInvalidCredentials
		}
		return session.TokenPair{}, fmt.Errorf("lookup user: %w", err)
	}
	if !u.CheckPassword(password) {
		return session.TokenPair{}, ErrInvalidCredentials
	}
	if !u.Active {
		return session.TokenPair{}, apperrors.New(apperrors.CodeAccountDisabled, "account is disabled")
	}

	record, err := s.memberships.GetMembership(ctx, u.ID, p.ID)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return session.TokenPair{}, membership.ErrNotActive
		}
		return session.TokenPair{}, fmt.Errorf("get membership: %w", err)
	}
	if record.Status != string(membership.StatusActive) {
		return session.TokenPair{}, membership.ErrNotActive
	}

	m := membership.Membership{
		ID:        record.ID,
		UserID:    record.UserID,
		ProjectID: record.ProjectID,
		Role:      membership.Role(record.Role),
		Status:    membership.StatusActive,
	}
	return s.issuer.IssuePair(ctx, u, m)
}

// ensureMembership resolves the registration's membership: none becomes a
// fresh active member, a pending invitation is accepted, and a suspended
// membership blocks the session.
func (s *Service) ensureMembership(ctx context.Context, userID, projectID string) (membership.Membership, error) {
	now := s.clock().UTC()
	record, err := s.memberships.GetMembership(ctx, userID, projectID)
	if err == nil {
		switch record.Status {
		case string(membership.StatusActive):
		case string(membership.StatusPending):
			record.Status = string(membership.StatusActive)
			record.JoinedAt = &now
			record.UpdatedAt = now
			if err := s.memberships.UpdateMembership(ctx, record); err != nil {
				return membership.Membership{}, fmt.Errorf("accept invitation: %w", err)
			}
		default:
			return membership.Membership{}, membership.ErrNotActive
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
