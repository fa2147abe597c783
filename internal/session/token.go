// Package session issues and verifies the access/refresh token pair that
// authenticates subsequent project-scoped requests.
package session

import (
	"errors"
	"time"

	"github.com/golang-jwt/jwt/v5"

	apperrors "github.com/heimdall-id/heimdall/internal/platform/errors"
)

var (
	// ErrTokenInvalid indicates a malformed or badly signed access token.
	ErrTokenInvalid = apperrors.New(apperrors.CodeTokenInvalid, "access token is invalid")
	// ErrTokenExpired indicates an access token past its expiry.
	ErrTokenExpired = apperrors.New(apperrors.CodeTokenExpired, "access token is expired")
)

// Claims is the identity an access token asserts: who the user is and which
// membership in which project the session is scoped to.
type Claims struct {
	UserID       string
	Email        string
	Role         string
	ProjectID    string
	MembershipID string
	ExpiresAt    time.Time
	IssuedAt     time.Time
}

// accessClaims is the internal claims type used for JWT signing and parsing.
type accessClaims struct {
	jwt.RegisteredClaims
	Email        string `json:"email"`
	Role         string `json:"role"`
	ProjectID    string `json:"projectId"`
	MembershipID string `json:"membershipId"`
}

// Codec signs and verifies access tokens with a shared HS256 secret.
type Codec struct {
	secret []byte
	ttl    time.Duration
	now    func() time.Time
}

// NewCodec creates a codec over the signing secret with the given token
// lifetime.
func NewCodec(secret []byte, ttl time.Duration) *Codec {
	return &Codec{secret: secret, ttl: ttl, now: time.Now}
}

// WithClock overrides the codec clock for tests.
func (c *Codec) WithClock(now func() time.Time) *Codec {
	c.now = now
	return c
}

// TTL returns the access token lifetime.
func (c *Codec) TTL() time.Duration {
	return c.ttl
}

// Mint signs a short-lived access token for the given identity.
func (c *Codec) Mint(userID, email, role, projectID, membershipID string) (string, time.Time, error) {
	now := c.now().UTC()
	expiresAt := now.Add(c.ttl)
	claims := accessClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   userID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(expiresAt),
		},
		Email:        email,
		Role:         role,
		ProjectID:    projectID,
		MembershipID: membershipID,
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString(c.secret)
	if err != nil {
		return "", time.Time{}, apperrors.Wrap(apperrors.CodeInternal, "sign access token", err)
	}
	return signed, expiresAt, nil
}

// Verify parses and validates an access token, returning the identity it
// asserts. Expiry is checked against the codec clock so verification stays
// deterministic in tests.
func (c *Codec) Verify(token string) (Claims, error) {
	if token == "" {
		return Claims{}, ErrTokenInvalid
	}

	var parsed accessClaims
	_, err := jwt.ParseWithClaims(token, &parsed, func(t *jwt.Token) (any, error) {
		return c.secret, nil
	},
		jwt.WithValidMethods([]string{"HS256"}),
		jwt.WithoutClaimsValidation(),
	)
	if err != nil {
		return Claims{}, mapJWTError(err)
	}

	if parsed.Subject == "" || parsed.ProjectID == "" {
		return Claims{}, ErrTokenInvalid
	}
	if parsed.ExpiresAt == nil {
		return Claims{}, ErrTokenInvalid
	}
	now := c.now().UTC()
	expiresAt := parsed.ExpiresAt.Time.UTC()
	if !expiresAt.After(now) {
		return Claims{}, ErrTokenExpired
	}

	claims := Claims{
		UserID:       parsed.Subject,
		Email:        parsed.Email,
		Role:         parsed.Role,
		ProjectID:    parsed.ProjectID,
		MembershipID: parsed.MembershipID,
		ExpiresAt:    expiresAt,
	}
	if parsed.IssuedAt != nil {
		claims.IssuedAt = parsed.IssuedAt.Time.UTC()
	}
	return claims, nil
}

// mapJWTError translates jwt library errors to application errors.
func mapJWTError(err error) error {
	if errors.Is(err, jwt.ErrTokenExpired) {
		return ErrTokenExpired
	}
	if errors.Is(err, jwt.ErrTokenSignatureInvalid) || errors.Is(err, jwt.ErrTokenUnverifiable) {
		return ErrTokenInvalid
	}
	return ErrTokenInvalid
}
