// Package user provides global identity records.
package user

import (
	"fmt"
	"regexp"
	"strings"
	"time"

	"golang.org/x/crypto/bcrypt"

	apperrors "github.com/heimdall-id/heimdall/internal/platform/errors"
	"github.com/heimdall-id/heimdall/internal/platform/id"
)

var (
	// ErrEmptyEmail indicates a missing email address.
	ErrEmptyEmail = apperrors.New(apperrors.CodeUserEmptyEmail, "email is required")
	// ErrInvalidEmail indicates an email that does not match the required format.
	ErrInvalidEmail = apperrors.New(apperrors.CodeUserInvalidEmail, "email address is not valid")

	emailPattern = regexp.MustCompile(`^[^@\s]+@[^@\s]+\.[^@\s]+$`)
)

// User represents a global identity. A user is not tenant-scoped; tenant
// access is carried by memberships.
type User struct {
	ID           string
	Email        string
	Username     string
	PasswordHash string // empty for social-only and invite-pending accounts
	Active       bool
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// CreateUserInput describes the metadata needed to create a user.
type CreateUserInput struct {
	Email    string
	Username string
	Password string // optional; absent for social and invited accounts
}

// ValidateEmail enforces the canonical email shape used as the unique
// identity key across password, passkey, and social login.
func ValidateEmail(s string) error {
	if !emailPattern.MatchString(s) {
		return ErrInvalidEmail
	}
	return nil
}

// NormalizeEmail trims and lowercases an address before validation.
func NormalizeEmail(s string) (string, error) {
	s = strings.ToLower(strings.TrimSpace(s))
	if s == "" {
		return "", ErrEmptyEmail
	}
	if err := ValidateEmail(s); err != nil {
		return "", err
	}
	return s, nil
}

// CreateUser creates a durable user identity from validated input.
//
// This is the canonical point where an untrusted email becomes a stable
// identity shared by every authentication method.
func CreateUser(input CreateUserInput, now func() time.Time, idGenerator func() (string, error)) (User, error) {
	if now == nil {
		now = time.Now
	}
	if idGenerator == nil {
		idGenerator = id.NewID
	}

	email, err := NormalizeEmail(input.Email)
	if err != nil {
		return User{}, err
	}

	userID, err := idGenerator()
	if err != nil {
		return User{}, fmt.Errorf("generate user id: %w", err)
	}

	passwordHash := ""
	if input.Password != "" {
		hash, err := bcrypt.GenerateFromPassword([]byte(input.Password), bcrypt.DefaultCost)
		if err != nil {
			return User{}, fmt.Errorf("hash password: %w", err)
		}
		passwordHash = string(hash)
	}

	createdAt := now().UTC()
	return User{
		ID:           userID,
		Email:        email,
		Username:     strings.TrimSpace(input.Username),
		PasswordHash: passwordHash,
		Active:       true,
		CreatedAt:    createdAt,
		UpdatedAt:    createdAt,
	}, nil
}

// HasPassword reports whether the user can authenticate with a password.
func (u User) HasPassword() bool {
	return u.PasswordHash != ""
}

// CheckPassword reports whether the supplied password matches the stored hash.
// A user without a password hash never matches.
func (u User) CheckPassword(password string) bool {
	if u.PasswordHash == "" || password == "" {
		return false
	}
	return bcrypt.CompareHashAndPassword([]byte(u.PasswordHash), []byte(password)) == nil
}
