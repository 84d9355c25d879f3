package auth

import (
	"errors"
	"fmt"
	"regexp"
	"time"
)

// namePattern defines the valid format for role and permission names:
// lowercase alphanumeric, dots, colons, hyphens, underscores, 1-64 characters.
var namePattern = regexp.MustCompile(`^[a-z0-9._:-]{1,64}$`)

// IsValidName checks if a role or permission name meets format requirements.
func IsValidName(name string) bool {
	return namePattern.MatchString(name)
}

// Built-in role names created by Seed.
const (
	RoleAdmin   = "admin"
	RoleManager = "manager"
	RoleUser    = "user"
)

// IsBuiltinRole reports whether name is one of the roles route policies and
// registration depend on.
func IsBuiltinRole(name string) bool {
	switch name {
	case RoleAdmin, RoleManager, RoleUser:
		return true
	}
	return false
}

// Actions a permission can grant on a resource.
const (
	ActionRead   = "read"
	ActionCreate = "create"
	ActionUpdate = "update"
	ActionDelete = "delete"
)

// ValidActions is the closed set of permission actions.
var ValidActions = []string{ActionRead, ActionCreate, ActionUpdate, ActionDelete}

// IsValidAction returns true if a is one of ValidActions.
func IsValidAction(a string) bool {
	for _, v := range ValidActions {
		if a == v {
			return true
		}
	}
	return false
}

// Principal is an actor known to the system, bound to an identity on an
// external messaging platform. Principals are deactivated, never deleted.
type Principal struct {
	ID                  string     `json:"id"`
	ExternalID          string     `json:"external_id"`
	Name                string     `json:"name"`
	Handle              string     `json:"handle,omitempty"`
	IsActive            bool       `json:"is_active"`
	LastAuthenticatedAt *time.Time `json:"last_authenticated_at,omitempty"`
	RefreshGeneration   int64      `json:"-"`
	CreatedAt           time.Time  `json:"created_at"`
	UpdatedAt           time.Time  `json:"updated_at"`
}

// Role is a named bundle of permissions assignable to principals.
type Role struct {
	ID          string    `json:"id"`
	Name        string    `json:"name"`
	Description string    `json:"description"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// Permission grants one action on one resource.
type Permission struct {
	ID          string    `json:"id"`
	Name        string    `json:"name"`
	Resource    string    `json:"resource"`
	Action      string    `json:"action"`
	Description string    `json:"description"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// Matches reports whether the permission grants action on resource.
func (p Permission) Matches(resource, action string) bool {
	return p.Resource == resource && p.Action == action
}

// Sentinel errors for auth operations.
var (
	ErrUnauthenticated          = errors.New("unauthenticated")
	ErrForbidden                = errors.New("insufficient permissions")
	ErrNotFound                 = errors.New("not found")
	ErrConflict                 = errors.New("resource conflict")
	ErrInvalidInput             = errors.New("invalid input")
	ErrInvalidVerificationState = errors.New("invalid verification state")
	ErrDeliveryFailed           = errors.New("code delivery failed")
)

// Token failures. Each one is an ErrUnauthenticated.
var (
	ErrTokenExpired    = fmt.Errorf("%w: token has expired", ErrUnauthenticated)
	ErrTokenMalformed  = fmt.Errorf("%w: malformed token", ErrUnauthenticated)
	ErrWrongTokenClass = fmt.Errorf("%w: wrong token class", ErrUnauthenticated)
	ErrTokenReuse      = fmt.Errorf("%w: superseded refresh token", ErrUnauthenticated)
	ErrInactive        = fmt.Errorf("%w: principal is inactive", ErrUnauthenticated)
)

// Verification failures. Each one is an ErrInvalidVerificationState.
var (
	ErrNoCodeIssued    = fmt.Errorf("%w: no code issued", ErrInvalidVerificationState)
	ErrCodeExpired     = fmt.Errorf("%w: code expired", ErrInvalidVerificationState)
	ErrCodeMismatch    = fmt.Errorf("%w: code mismatch", ErrInvalidVerificationState)
	ErrTooManyAttempts = fmt.Errorf("%w: too many attempts", ErrInvalidVerificationState)
)
