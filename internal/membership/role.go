// Package membership owns the role hierarchy and all authorization decisions
// over tenant membership.
package membership

import apperrors "github.com/heimdall-id/heimdall/internal/platform/errors"

// Role is a membership's position in the tenant hierarchy.
type Role string

const (
	RoleOwner   Role = "owner"
	RoleAdmin   Role = "admin"
	RoleManager Role = "manager"
	RoleMember  Role = "member"
)

// roleHierarchy orders roles; higher levels manage lower ones.
var roleHierarchy = map[Role]int{
	RoleOwner:   4,
	RoleAdmin:   3,
	RoleManager: 2,
	RoleMember:  1,
}

// ErrInvalidRole indicates a role outside the closed hierarchy.
var ErrInvalidRole = apperrors.New(apperrors.CodeInvalidRole, "role must be one of owner, admin, manager, member")

// ParseRole validates a role string against the closed hierarchy.
func ParseRole(s string) (Role, error) {
	role := Role(s)
	if _, ok := roleHierarchy[role]; !ok {
		return "", ErrInvalidRole
	}
	return role, nil
}

// Level returns the role's hierarchy level, or 0 for unknown roles.
func (r Role) Level() int {
	return roleHierarchy[r]
}

// Valid reports whether the role belongs to the hierarchy.
func (r Role) Valid() bool {
	_, ok := roleHierarchy[r]
	return ok
}

// CanManage reports whether an actor may perform role-changing actions on a
// target. True iff the actor's level is strictly greater, so peers can never
// manage each other and no one manages an owner.
func CanManage(actor, target Role) bool {
	return roleHierarchy[actor] > roleHierarchy[target]
}

// Status is a membership's lifecycle state.
type Status string

const (
	StatusActive    Status = "active"
	StatusPending   Status = "pending"
	StatusSuspended Status = "suspended"
)

// Valid reports whether the status is a known lifecycle state.
func (s Status) Valid() bool {
	switch s {
	case StatusActive, StatusPending, StatusSuspended:
		return true
	}
	return false
}
