package auth

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/viktordrukker/TG-ERP/internal/events"
)

// EventEmitter publishes domain events. Emit is best-effort: it reports
// whether the event reached the channel and never blocks on reconnection.
type EventEmitter interface {
	Emit(ctx context.Context, routingKey, entityID string, data any) bool
}

// RoleUpdate carries optional role changes.
type RoleUpdate struct {
	Name        *string
	Description *string
}

// PermissionInput describes a new permission.
type PermissionInput struct {
	Name        string
	Resource    string
	Action      string
	Description string
}

// PermissionUpdate carries optional permission changes.
type PermissionUpdate struct {
	Name        *string
	Resource    *string
	Action      *string
	Description *string
}

// assignmentEvent is the payload of the association-change events.
type assignmentEvent struct {
	PrincipalID  string `json:"principal_id,omitempty"`
	RoleID       string `json:"role_id"`
	PermissionID string `json:"permission_id,omitempty"`
	Op           string `json:"op"`
}

// Admin validates and applies role and permission administration, emitting
// an iam.* event for every change.
type Admin struct {
	store   Store
	emitter EventEmitter
}

// NewAdmin creates the administration service.
func NewAdmin(store Store, emitter EventEmitter) (*Admin, error) {
	if store == nil {
		return nil, errors.New("credential store is required")
	}
	if emitter == nil {
		return nil, errors.New("event emitter is required")
	}
	return &Admin{store: store, emitter: emitter}, nil
}

// --- Roles ---

// CreateRole adds a role with a unique name.
func (a *Admin) CreateRole(ctx context.Context, name, description string) (*Role, error) {
	name = strings.TrimSpace(strings.ToLower(name))
	if !IsValidName(name) {
		return nil, fmt.Errorf("%w: invalid role name %q", ErrInvalidInput, name)
	}
	r := &Role{Name: name, Description: strings.TrimSpace(description)}
	if err := a.store.CreateRole(ctx, r); err != nil {
		return nil, err
	}
	a.emitter.Emit(ctx, events.RoleCreated, r.ID, r)
	return r, nil
}

// GetRole returns one role.
func (a *Admin) GetRole(ctx context.Context, id string) (*Role, error) {
	if id = strings.TrimSpace(id); id == "" {
		return nil, fmt.Errorf("%w: role_id is required", ErrInvalidInput)
	}
	return a.store.GetRole(ctx, id)
}

// ListRoles returns every role.
func (a *Admin) ListRoles(ctx context.Context) ([]Role, error) {
	return a.store.ListRoles(ctx)
}

// UpdateRole applies upd to the role.
func (a *Admin) UpdateRole(ctx context.Context, id string, upd RoleUpdate) (*Role, error) {
	r, err := a.GetRole(ctx, id)
	if err != nil {
		return nil, err
	}
	if upd.Name != nil {
		name := strings.TrimSpace(strings.ToLower(*upd.Name))
		if !IsValidName(name) {
			return nil, fmt.Errorf("%w: invalid role name %q", ErrInvalidInput, name)
		}
		if name != r.Name && IsBuiltinRole(r.Name) {
			return nil, fmt.Errorf("%w: built-in role %s cannot be renamed", ErrConflict, r.Name)
		}
		r.Name = name
	}
	if upd.Description != nil {
		r.Description = strings.TrimSpace(*upd.Description)
	}
	if err := a.store.UpdateRole(ctx, r); err != nil {
		return nil, err
	}
	a.emitter.Emit(ctx, events.RoleUpdated, r.ID, r)
	return r, nil
}

// DeleteRole removes a role nobody holds. Built-in roles are never removed.
func (a *Admin) DeleteRole(ctx context.Context, id string) error {
	r, err := a.GetRole(ctx, id)
	if err != nil {
		return err
	}
	if IsBuiltinRole(r.Name) {
		return fmt.Errorf("%w: built-in role %s cannot be deleted", ErrConflict, r.Name)
	}
	id = r.ID
	if err := a.store.DeleteRole(ctx, id); err != nil {
		return err
	}
	a.emitter.Emit(ctx, events.RoleDeleted, id, map[string]string{"id": id})
	return nil
}

// --- Permissions ---

// CreatePermission adds a permission granting in.Action on in.Resource.
func (a *Admin) CreatePermission(ctx context.Context, in PermissionInput) (*Permission, error) {
	p := &Permission{
		Name:        strings.TrimSpace(strings.ToLower(in.Name)),
		Resource:    strings.TrimSpace(strings.ToLower(in.Resource)),
		Action:      strings.TrimSpace(strings.ToLower(in.Action)),
		Description: strings.TrimSpace(in.Description),
	}
	if p.Name == "" {
		p.Name = p.Resource + ":" + p.Action
	}
	if err := validatePermission(p); err != nil {
		return nil, err
	}
	if err := a.store.CreatePermission(ctx, p); err != nil {
		return nil, err
	}
	a.emitter.Emit(ctx, events.PermissionCreated, p.ID, p)
	return p, nil
}

// GetPermission returns one permission.
func (a *Admin) GetPermission(ctx context.Context, id string) (*Permission, error) {
	if id = strings.TrimSpace(id); id == "" {
		return nil, fmt.Errorf("%w: permission_id is required", ErrInvalidInput)
	}
	return a.store.GetPermission(ctx, id)
}

// ListPermissions returns every permission.
func (a *Admin) ListPermissions(ctx context.Context) ([]Permission, error) {
	return a.store.ListPermissions(ctx)
}

// UpdatePermission applies upd to the permission.
func (a *Admin) UpdatePermission(ctx context.Context, id string, upd PermissionUpdate) (*Permission, error) {
	p, err := a.GetPermission(ctx, id)
	if err != nil {
		return nil, err
	}
	if upd.Name != nil {
		p.Name = strings.TrimSpace(strings.ToLower(*upd.Name))
	}
	if upd.Resource != nil {
		p.Resource = strings.TrimSpace(strings.ToLower(*upd.Resource))
	}
	if upd.Action != nil {
		p.Action = strings.TrimSpace(strings.ToLower(*upd.Action))
	}
	if upd.Description != nil {
		p.Description = strings.TrimSpace(*upd.Description)
	}
	if err := validatePermission(p); err != nil {
		return nil, err
	}
	if err := a.store.UpdatePermission(ctx, p); err != nil {
		return nil, err
	}
	a.emitter.Emit(ctx, events.PermissionUpdated, p.ID, p)
	return p, nil
}

// DeletePermission removes a permission no role grants.
func (a *Admin) DeletePermission(ctx context.Context, id string) error {
	if id = strings.TrimSpace(id); id == "" {
		return fmt.Errorf("%w: permission_id is required", ErrInvalidInput)
	}
	if err := a.store.DeletePermission(ctx, id); err != nil {
		return err
	}
	a.emitter.Emit(ctx, events.PermissionDeleted, id, map[string]string{"id": id})
	return nil
}

// --- Associations ---

// AssignRole grants roleID to principalID. Repeating it is a no-op.
func (a *Admin) AssignRole(ctx context.Context, principalID, roleID string) error {
	if err := requireIDs(principalID, roleID); err != nil {
		return err
	}
	if err := a.store.AssignRole(ctx, principalID, roleID); err != nil {
		return err
	}
	a.emitter.Emit(ctx, events.PrincipalRolesUpdated, principalID,
		assignmentEvent{PrincipalID: principalID, RoleID: roleID, Op: "assigned"})
	return nil
}

// RemoveRole withdraws roleID from principalID.
func (a *Admin) RemoveRole(ctx context.Context, principalID, roleID string) error {
	if err := requireIDs(principalID, roleID); err != nil {
		return err
	}
	if err := a.store.RemoveRole(ctx, principalID, roleID); err != nil {
		return err
	}
	a.emitter.Emit(ctx, events.PrincipalRolesUpdated, principalID,
		assignmentEvent{PrincipalID: principalID, RoleID: roleID, Op: "removed"})
	return nil
}

// RolesForPrincipal lists the roles principalID holds.
func (a *Admin) RolesForPrincipal(ctx context.Context, principalID string) ([]Role, error) {
	if _, err := a.store.GetPrincipal(ctx, principalID); err != nil {
		return nil, err
	}
	return a.store.ListRolesForPrincipal(ctx, principalID)
}

// GrantPermission attaches permissionID to roleID. Repeating it is a no-op.
func (a *Admin) GrantPermission(ctx context.Context, roleID, permissionID string) error {
	if err := requireIDs(roleID, permissionID); err != nil {
		return err
	}
	if err := a.store.GrantPermission(ctx, roleID, permissionID); err != nil {
		return err
	}
	a.emitter.Emit(ctx, events.RolePermissionsUpdated, roleID,
		assignmentEvent{RoleID: roleID, PermissionID: permissionID, Op: "granted"})
	return nil
}

// RevokePermission detaches permissionID from roleID.
func (a *Admin) RevokePermission(ctx context.Context, roleID, permissionID string) error {
	if err := requireIDs(roleID, permissionID); err != nil {
		return err
	}
	if err := a.store.RevokePermission(ctx, roleID, permissionID); err != nil {
		return err
	}
	a.emitter.Emit(ctx, events.RolePermissionsUpdated, roleID,
		assignmentEvent{RoleID: roleID, PermissionID: permissionID, Op: "revoked"})
	return nil
}

// PermissionsForRole lists the permissions roleID grants.
func (a *Admin) PermissionsForRole(ctx context.Context, roleID string) ([]Permission, error) {
	if _, err := a.GetRole(ctx, roleID); err != nil {
		return nil, err
	}
	return a.store.ListPermissionsForRoles(ctx, []string{roleID})
}

func validatePermission(p *Permission) error {
	if !IsValidName(p.Name) {
		return fmt.Errorf("%w: invalid permission name %q", ErrInvalidInput, p.Name)
	}
	if !IsValidName(p.Resource) {
		return fmt.Errorf("%w: invalid resource %q", ErrInvalidInput, p.Resource)
	}
	if !IsValidAction(p.Action) {
		return fmt.Errorf("%w: action must be one of %s", ErrInvalidInput, strings.Join(ValidActions, ", "))
	}
	return nil
}

func requireIDs(ids ...string) error {
	for _, id := range ids {
		if strings.TrimSpace(id) == "" {
			return fmt.Errorf("%w: identifiers are required", ErrInvalidInput)
		}
	}
	return nil
}
