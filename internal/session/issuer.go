package session

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"time"

	"github.com/heimdall-id/heimdall/internal/membership"
	apperrors "github.com/heimdall-id/heimdall/internal/platform/errors"
	"github.com/heimdall-id/heimdall/internal/storage"
	"github.com/heimdall-id/heimdall/internal/user"
)

var (
	// ErrRefreshInvalid indicates an unknown refresh token.
	ErrRefreshInvalid = apperrors.New(apperrors.CodeTokenInvalid, "refresh token is invalid")
	// ErrRefreshExpired indicates a refresh token past its expiry.
	ErrRefreshExpired = apperrors.New(apperrors.CodeTokenExpired, "refresh token is expired")
	// ErrRefreshConsumed indicates a refresh token that was already rotated;
	// a second presentation is evidence of token theft or a client retry bug.
	ErrRefreshConsumed = apperrors.New(apperrors.CodeTokenConsumed, "refresh token was already used")
)

// TokenPair is the result of a successful authentication or refresh.
type TokenPair struct {
	AccessToken      string
	AccessExpiresAt  time.Time
	RefreshToken     string
	RefreshExpiresAt time.Time
}

// Issuer mints access/refresh pairs and rotates refresh tokens. Every login
// flow (password, passkey, social) delegates here so session semantics stay
// in one place.
type Issuer struct {
	codec       *Codec
	users       storage.UserStore
	memberships storage.MembershipStore
	tokens      storage.RefreshTokenStore
	refreshTTL  time.Duration
	clock       func() time.Time
	readRandom  func(b []byte) (int, error)
}

// NewIssuer creates a session issuer over the given stores.
func NewIssuer(codec *Codec, users storage.UserStore, memberships storage.MembershipStore, tokens storage.RefreshTokenStore, refreshTTL time.Duration) *Issuer {
	return &Issuer{
		codec:       codec,
		users:       users,
		memberships: memberships,
		tokens:      tokens,
		refreshTTL:  refreshTTL,
		clock:       time.Now,
		readRandom:  rand.Read,
	}
}

// WithClock overrides the issuer clock for tests.
func (i *Issuer) WithClock(clock func() time.Time) *Issuer {
	i.clock = clock
	return i
}

// IssuePair mints a fresh access/refresh pair for an authenticated user's
// active membership. The refresh secret is returned to the caller once; only
// its hash is stored.
func (i *Issuer) IssuePair(ctx context.Context, u user.User, m membership.Membership) (TokenPair, error) {
	access, accessExpiresAt, err := i.codec.Mint(u.ID, u.Email, string(m.Role), m.ProjectID, m.ID)
	if err != nil {
		return TokenPair{}, err
	}

	secret := make([]byte, 32)
	if _, err := i.readRandom(secret); err != nil {
		return TokenPair{}, apperrors.Wrap(apperrors.CodeInternal, "generate refresh token", err)
	}
	refresh := hex.EncodeToString(secret)

	now := i.clock().UTC()
	refreshExpiresAt := now.Add(i.refreshTTL)
	record := storage.RefreshToken{
		TokenHash:    HashRefreshToken(refresh),
		UserID:       u.ID,
		ProjectID:    m.ProjectID,
		MembershipID: m.ID,
		ExpiresAt:    refreshExpiresAt,
		CreatedAt:    now,
	}
	if err := i.tokens.PutRefreshToken(ctx, record); err != nil {
		return TokenPair{}, fmt.Errorf("store refresh token: %w", err)
	}

	return TokenPair{
		AccessToken:      access,
		AccessExpiresAt:  accessExpiresAt,
		RefreshToken:     refresh,
		RefreshExpiresAt: refreshExpiresAt,
	}, nil
}

// Refresh rotates a refresh token: the presented token is consumed
// atomically, the membership is revalidated, and a new pair is issued. The
// old token stays revoked even when revalidation fails, so a refresh against
// a suspended membership burns the token instead of leaving it replayable.
func (i *Issuer) Refresh(ctx context.Context, refreshToken, projectID string) (TokenPair, error) {
	redeemed, err := i.tokens.RedeemRefreshToken(ctx, HashRefreshToken(refreshToken), projectID)
	if err != nil {
		if errors.Is(err, storage.ErrAlreadyRedeemed) {
			return TokenPair{}, ErrRefreshConsumed
		}
		if errors.Is(err, storage.ErrNotFound) {
			return TokenPair{}, ErrRefreshInvalid
		}
		return TokenPair{}, fmt.Errorf("redeem refresh token: %w", err)
	}
	if !redeemed.ExpiresAt.After(i.clock().UTC()) {
		return TokenPair{}, ErrRefreshExpired
	}

	u, m, err := i.revalidate(ctx, redeemed)
	if err != nil {
		return TokenPair{}, err
	}
	return i.IssuePair(ctx, u, m)
}

// Logout revokes a refresh token. Unknown and already-revoked tokens are
// treated as success so logout is idempotent.
func (i *Issuer) Logout(ctx context.Context, refreshToken string) error {
	if refreshToken == "" {
		return nil
	}
	if err := i.tokens.RevokeRefreshToken(ctx, HashRefreshToken(refreshToken)); err != nil {
		return fmt.Errorf("revoke refresh token: %w", err)
	}
	return nil
}

// revalidate re-checks the session's standing before reissuing: the user must
// still exist and be enabled, and the membership must still be active. Role
// changes since the original login are picked up here.
func (i *Issuer) revalidate(ctx context.Context, redeemed storage.RefreshToken) (user.User, membership.Membership, error) {
	u, err := i.users.GetUser(ctx, redeemed.UserID)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return user.User{}, membership.Membership{}, ErrRefreshInvalid
		}
		return user.User{}, membership.Membership{}, fmt.Errorf("get user: %w", err)
	}
	if !u.Active {
		return user.User{}, membership.Membership{}, apperrors.New(apperrors.CodeAccountDisabled, "account is disabled")
	}

	record, err := i.memberships.GetMembershipByID(ctx, redeemed.MembershipID)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return user.User{}, membership.Membership{}, membership.ErrNotActive
		}
		return user.User{}, membership.Membership{}, fmt.Errorf("get membership: %w", err)
	}
	if record.Status != string(membership.StatusActive) {
		return user.User{}, membership.Membership{}, membership.ErrNotActive
	}

	m := membership.Membership{
		ID:        record.ID,
		UserID:    record.UserID,
		ProjectID: record.ProjectID,
		Role:      membership.Role(record.Role),
	}
	return u, m, nil
}

// HashRefreshToken derives the storage key for a refresh token. Only hashes
// touch the database, so a leaked table cannot be replayed.
func HashRefreshToken(token string) string {
	sum := sha256.Sum256([]byte(token))
	return hex.EncodeToString(sum[:])
}
