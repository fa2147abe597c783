package membership

import (
	"context"
	"errors"
	"fmt"
	"time"

	apperrors "github.com/heimdall-id/heimdall/internal/platform/errors"
	"github.com/heimdall-id/heimdall/internal/platform/id"
	"github.com/heimdall-id/heimdall/internal/storage"
	"github.com/heimdall-id/heimdall/internal/user"
)

var (
	// ErrForbidden indicates the actor's hierarchy level does not allow the action.
	ErrForbidden = apperrors.New(apperrors.CodeForbidden, "insufficient role for this action")
	// ErrOwnerProtected indicates an attempt to modify or remove an owner.
	ErrOwnerProtected = apperrors.New(apperrors.CodeOwnerProtected, "owner membership cannot be modified")
	// ErrSelfRemoval indicates a removal targeting the acting user; leaving is a separate operation.
	ErrSelfRemoval = apperrors.New(apperrors.CodeSelfRemoval, "use leave to remove yourself")
	// ErrAlreadyMember indicates an invite to an already active member.
	ErrAlreadyMember = apperrors.New(apperrors.CodeAlreadyMember, "user is already a member")
	// ErrAlreadyInvited indicates a duplicate pending invitation.
	ErrAlreadyInvited = apperrors.New(apperrors.CodeAlreadyInvited, "invitation already sent")
	// ErrMemberNotFound indicates no membership for the target user in the project.
	ErrMemberNotFound = apperrors.New(apperrors.CodeMemberNotFound, "member not found")
	// ErrInvitationNotFound indicates no pending invitation to accept.
	ErrInvitationNotFound = apperrors.New(apperrors.CodeInvitationNotFound, "pending invitation not found")
	// ErrNotActive indicates the caller holds no active membership in the project.
	ErrNotActive = apperrors.New(apperrors.CodeMembershipNotActive, "no active membership for this project")
)

// Actor identifies the authenticated member performing an operation.
type Actor struct {
	UserID    string
	ProjectID string
	Role      Role
}

// Service is the single authority for membership state. Every role-changing
// operation and every tenant-scoped authorization decision flows through it.
type Service struct {
	users       storage.UserStore
	memberships storage.MembershipStore
	tokens      storage.RefreshTokenStore
	passkeys    storage.PasskeyStore
	socials     storage.SocialAccountStore
	clock       func() time.Time
	newID       func() (string, error)
}

// NewService creates a membership authority over the given stores.
func NewService(users storage.UserStore, memberships storage.MembershipStore, tokens storage.RefreshTokenStore, passkeys storage.PasskeyStore, socials storage.SocialAccountStore) *Service {
	return &Service{
		users:       users,
		memberships: memberships,
		tokens:      tokens,
		passkeys:    passkeys,
		socials:     socials,
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

// RequireActive is the authorization gate used by every tenant-scoped
// operation: the (user, project) pair must hold an active membership, and
// when minimum is set the membership's role must meet that hierarchy level.
// A missing active membership is a distinct failure from "not authenticated".
func (s *Service) RequireActive(ctx context.Context, userID, projectID string, minimum Role) (Membership, error) {
	record, err := s.memberships.GetMembership(ctx, userID, projectID)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return Membership{}, ErrNotActive
		}
		return Membership{}, fmt.Errorf("get membership: %w", err)
	}
	current, err := fromRecord(record)
	if err != nil {
		return Membership{}, err
	}
	if current.Status != StatusActive {
		return Membership{}, ErrNotActive
	}
	if minimum != "" && current.Role.Level() < minimum.Level() {
		return Membership{}, ErrForbidden
	}
	return current, nil
}

// Invite creates or revives a pending membership for the addressed email.
// The target user is created on the fly when unknown, without a password;
// they authenticate by another method or a later password registration.
func (s *Service) Invite(ctx context.Context, actor Actor, email string, role Role) (Membership, error) {
	if !role.Valid() {
		return Membership{}, ErrInvalidRole
	}
	if !CanManage(actor.Role, role) {
		return Membership{}, ErrForbidden
	}

	normalized, err := user.NormalizeEmail(email)
	if err != nil {
		return Membership{}, err
	}

	target, err := s.users.GetUserByEmail(ctx, normalized)
	if errors.Is(err, storage.ErrNotFound) {
		target, err = user.CreateUser(user.CreateUserInput{Email: normalized}, s.clock, s.newID)
		if err != nil {
			return Membership{}, err
		}
		if err := s.users.PutUser(ctx, target); err != nil {
			return Membership{}, fmt.Errorf("create invited user: %w", err)
		}
	} else if err != nil {
		return Membership{}, fmt.Errorf("lookup invited user: %w", err)
	}

	now := s.clock().UTC()
	existing, err := s.memberships.GetMembership(ctx, target.ID, actor.ProjectID)
	if err == nil {
		current, err := fromRecord(existing)
		if err != nil {
			return Membership{}, err
		}
		switch current.Status {
		case StatusActive:
			return Membership{}, ErrAlreadyMember
		case StatusPending:
			return Membership{}, ErrAlreadyInvited
		}
		// Suspended memberships are revived as fresh invitations.
		current.Status = StatusPending
		current.Role = role
		current.InvitedBy = actor.UserID
		current.UpdatedAt = now
		return current, s.updateMembership(ctx, current)
	}
	if !errors.Is(err, storage.ErrNotFound) {
		return Membership{}, fmt.Errorf("lookup membership: %w", err)
	}

	membershipID, err := s.newID()
	if err != nil {
		return Membership{}, fmt.Errorf("generate membership id: %w", err)
	}
	created := Membership{
		ID:        membershipID,
		UserID:    target.ID,
		ProjectID: actor.ProjectID,
		Role:      role,
		Status:    StatusPending,
		InvitedBy: actor.UserID,
		CreatedAt: now,
		UpdatedAt: now,
	}
	record, err := toRecord(created)
	if err != nil {
		return Membership{}, err
	}
	if err := s.memberships.PutMembership(ctx, record); err != nil {
		return Membership{}, fmt.Errorf("create membership: %w", err)
	}
	return created, nil
}

// ChangeRole mutates a member's role in place. Owners are immutable, and the
// actor must outrank both the member's current role and the new one.
func (s *Service) ChangeRole(ctx context.Context, actor Actor, targetUserID string, newRole Role) (Membership, error) {
	if !newRole.Valid() {
		return Membership{}, ErrInvalidRole
	}
	target, err := s.getMember(ctx, targetUserID, actor.ProjectID)
	if err != nil {
		return Membership{}, err
	}
	if target.Role == RoleOwner {
		return Membership{}, ErrOwnerProtected
	}
	if !CanManage(actor.Role, target.Role) {
		return Membership{}, ErrForbidden
	}
	if !CanManage(actor.Role, newRole) {
		return Membership{}, ErrForbidden
	}

	target.Role = newRole
	target.UpdatedAt = s.clock().UTC()
	return target, s.updateMembership(ctx, target)
}

// Remove deletes a member from the project and cleans up the user when no
// memberships remain. Self-removal must go through Leave.
func (s *Service) Remove(ctx context.Context, actor Actor, targetUserID string) error {
	target, err := s.getMember(ctx, targetUserID, actor.ProjectID)
	if err != nil {
		return err
	}
	if target.Role == RoleOwner {
		return ErrOwnerProtected
	}
	if target.UserID == actor.UserID {
		return ErrSelfRemoval
	}
	if !CanManage(actor.Role, target.Role) {
		return ErrForbidden
	}

	if err := s.memberships.DeleteMembership(ctx, target.ID); err != nil {
		return fmt.Errorf("delete membership: %w", err)
	}
	return s.cleanupOrphanedUser(ctx, target.UserID)
}

// Leave deletes the actor's own membership. Owners cannot leave; ownership
// transfer is deliberately not provided.
func (s *Service) Leave(ctx context.Context, actor Actor) error {
	own, err := s.getMember(ctx, actor.UserID, actor.ProjectID)
	if err != nil {
		return err
	}
	if own.Role == RoleOwner {
		return ErrOwnerProtected
	}
	if err := s.memberships.DeleteMembership(ctx, own.ID); err != nil {
		return fmt.Errorf("delete membership: %w", err)
	}
	return s.cleanupOrphanedUser(ctx, actor.UserID)
}

// AcceptInvitation activates the actor's pending membership.
func (s *Service) AcceptInvitation(ctx context.Context, userID, projectID string) (Membership, error) {
	record, err := s.memberships.GetMembership(ctx, userID, projectID)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return Membership{}, ErrInvitationNotFound
		}
		return Membership{}, fmt.Errorf("get membership: %w", err)
	}
	pending, err := fromRecord(record)
	if err != nil {
		return Membership{}, err
	}
	if pending.Status != StatusPending {
		return Membership{}, ErrInvitationNotFound
	}

	now := s.clock().UTC()
	pending.Status = StatusActive
	pending.JoinedAt = &now
	pending.UpdatedAt = now
	return pending, s.updateMembership(ctx, pending)
}

// UpdateMetadata replaces the free-form metadata on the actor's own active
// membership.
func (s *Service) UpdateMetadata(ctx context.Context, actor Actor, metadata map[string]any) (Membership, error) {
	own, err := s.RequireActive(ctx, actor.UserID, actor.ProjectID, "")
	if err != nil {
		return Membership{}, err
	}
	own.Metadata = metadata
	own.UpdatedAt = s.clock().UTC()
	return own, s.updateMembership(ctx, own)
}

// SetPasskeyOptOut records that the member declined passkey enrollment.
func (s *Service) SetPasskeyOptOut(ctx context.Context, actor Actor) (Membership, error) {
	own, err := s.RequireActive(ctx, actor.UserID, actor.ProjectID, "")
	if err != nil {
		return Membership{}, err
	}
	if own.Metadata == nil {
		own.Metadata = map[string]any{}
	}
	preferences, _ := own.Metadata["preferences"].(map[string]any)
	if preferences == nil {
		preferences = map[string]any{}
	}
	preferences["passkeyOptedOut"] = true
	own.Metadata["preferences"] = preferences
	own.UpdatedAt = s.clock().UTC()
	return own, s.updateMembership(ctx, own)
}

// ListMembers returns active and pending memberships for a project.
func (s *Service) ListMembers(ctx context.Context, projectID string) ([]Membership, error) {
	records, err := s.memberships.ListProjectMemberships(ctx, projectID, []string{string(StatusActive), string(StatusPending)})
	if err != nil {
		return nil, fmt.Errorf("list memberships: %w", err)
	}
	members := make([]Membership, 0, len(records))
	for _, record := range records {
		member, err := fromRecord(record)
		if err != nil {
			return nil, err
		}
		members = append(members, member)
	}
	return members, nil
}

// GetMember returns one member's membership in a project.
func (s *Service) GetMember(ctx context.Context, projectID, userID string) (Membership, error) {
	return s.getMember(ctx, userID, projectID)
}

func (s *Service) getMember(ctx context.Context, userID, projectID string) (Membership, error) {
	record, err := s.memberships.GetMembership(ctx, userID, projectID)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return Membership{}, ErrMemberNotFound
		}
		return Membership{}, fmt.Errorf("get membership: %w", err)
	}
	return fromRecord(record)
}

func (s *Service) updateMembership(ctx context.Context, m Membership) error {
	record, err := toRecord(m)
	if err != nil {
		return err
	}
	if err := s.memberships.UpdateMembership(ctx, record); err != nil {
		return fmt.Errorf("update membership: %w", err)
	}
	return nil
}

// cleanupOrphanedUser deletes a user and their auth artifacts once their last
// membership is gone. Removal and leaving both end here as an explicit
// post-condition rather than an ad hoc cross-cutting call.
func (s *Service) cleanupOrphanedUser(ctx context.Context, userID string) error {
	remaining, err := s.memberships.CountUserMemberships(ctx, userID)
	if err != nil {
		return fmt.Errorf("count memberships: %w", err)
	}
	if remaining > 0 {
		return nil
	}

	if err := s.tokens.DeleteRefreshTokensByUser(ctx, userID); err != nil {
		return fmt.Errorf("delete refresh tokens: %w", err)
	}
	if err := s.passkeys.DeletePasskeyCredentialsByUser(ctx, userID); err != nil {
		return fmt.Errorf("delete passkeys: %w", err)
	}
	if err := s.socials.DeleteSocialAccountsByUser(ctx, userID); err != nil {
		return fmt.Errorf("delete social accounts: %w", err)
	}
	if err := s.users.DeleteUser(ctx, userID); err != nil && !errors.Is(err, storage.ErrNotFound) {
		return fmt.Errorf("delete user: %w", err)
	}
	return nil
}
