package auth

import (
	"context"
	"time"
)

// Store is the credential store consumed by the auth subsystem.
// Implementations return ErrNotFound for missing rows or foreign keys and
// ErrConflict for unique-name collisions and guarded deletes.
type Store interface {
	PrincipalStore
	RoleStore
	PermissionStore
	AssignmentStore
}

// PrincipalStore manages principals.
type PrincipalStore interface {
	CreatePrincipal(ctx context.Context, p *Principal) error
	GetPrincipal(ctx context.Context, id string) (*Principal, error)
	GetPrincipalByExternalID(ctx context.Context, externalID string) (*Principal, error)
	ListPrincipals(ctx context.Context) ([]Principal, error)
	// UpdatePrincipal writes name, handle and is_active.
	UpdatePrincipal(ctx context.Context, p *Principal) error
	TouchLastAuthenticated(ctx context.Context, id string, at time.Time) error
	// AdvanceRefreshGeneration increments the generation if it still equals
	// expected. A stale expected value fails with ErrConflict.
	AdvanceRefreshGeneration(ctx context.Context, id string, expected int64) (int64, error)
	CountPrincipals(ctx context.Context) (int, error)
}

// RoleStore manages the role catalogue.
type RoleStore interface {
	CreateRole(ctx context.Context, r *Role) error
	GetRole(ctx context.Context, id string) (*Role, error)
	GetRoleByName(ctx context.Context, name string) (*Role, error)
	ListRoles(ctx context.Context) ([]Role, error)
	UpdateRole(ctx context.Context, r *Role) error
	// DeleteRole fails with ErrConflict while any principal holds the role.
	DeleteRole(ctx context.Context, id string) error
}

// PermissionStore manages the permission catalogue.
type PermissionStore interface {
	CreatePermission(ctx context.Context, p *Permission) error
	GetPermission(ctx context.Context, id string) (*Permission, error)
	ListPermissions(ctx context.Context) ([]Permission, error)
	UpdatePermission(ctx context.Context, p *Permission) error
	// DeletePermission fails with ErrConflict while any role grants it.
	DeletePermission(ctx context.Context, id string) error
}

// AssignmentStore manages principal-role and role-permission associations.
// Assigning an existing pair is a no-op.
type AssignmentStore interface {
	AssignRole(ctx context.Context, principalID, roleID string) error
	RemoveRole(ctx context.Context, principalID, roleID string) error
	ListRolesForPrincipal(ctx context.Context, principalID string) ([]Role, error)
	GrantPermission(ctx context.Context, roleID, permissionID string) error
	RevokePermission(ctx context.Context, roleID, permissionID string) error
	ListPermissionsForRoles(ctx context.Context, roleIDs []string) ([]Permission, error)
}
