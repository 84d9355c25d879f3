package auth

import (
	"context"
	"fmt"

	"github.com/viktordrukker/TG-ERP/internal/infrastructure/metrics"
)

// Decision reasons.
const (
	ReasonSelf         = "self"
	ReasonUnrestricted = "unrestricted"
	ReasonRole         = "role"
	ReasonPermission   = "permission"
	ReasonDenied       = "denied"
)

// Request is one authorization question.
type Request struct {
	// PrincipalID is the verified caller.
	PrincipalID string

	// RequiredRoles allows the call for holders of any listed role.
	// Empty means the endpoint declares no restriction.
	RequiredRoles []string

	// ResourceOwnerID enables the self-access bypass when non-empty.
	ResourceOwnerID string

	// Resource and Action select the fine-grained permission fallback.
	Resource string
	Action   string
}

// Decision is the outcome of Authorize.
type Decision struct {
	Allowed bool   `json:"allowed"`
	Reason  string `json:"reason"`
}

// authzStore is the read side of the credential store used for decisions.
type authzStore interface {
	ListRolesForPrincipal(ctx context.Context, principalID string) ([]Role, error)
	ListPermissionsForRoles(ctx context.Context, roleIDs []string) ([]Permission, error)
}

// Engine resolves role and permission grants. It holds no mutable state and
// may be shared across goroutines.
type Engine struct {
	store authzStore
}

// NewEngine creates an authorization engine over the credential store.
func NewEngine(store authzStore) *Engine {
	return &Engine{store: store}
}

// Authorize decides req in this order: self-access, no declared roles, role
// membership, permission on (Resource, Action). Anything else is
// ErrForbidden. Store failures are returned as errors and never allow.
func (e *Engine) Authorize(ctx context.Context, req Request) (Decision, error) {
	d, err := e.decide(ctx, req)
	if err == nil || d.Reason == ReasonDenied {
		metrics.ObserveAuthorization(d.Reason)
	}
	return d, err
}

func (e *Engine) decide(ctx context.Context, req Request) (Decision, error) {
	if req.ResourceOwnerID != "" && req.ResourceOwnerID == req.PrincipalID {
		return Decision{Allowed: true, Reason: ReasonSelf}, nil
	}

	if len(req.RequiredRoles) == 0 {
		return Decision{Allowed: true, Reason: ReasonUnrestricted}, nil
	}

	if req.PrincipalID == "" {
		return Decision{Reason: ReasonDenied}, ErrForbidden
	}

	roles, err := e.store.ListRolesForPrincipal(ctx, req.PrincipalID)
	if err != nil {
		return Decision{}, fmt.Errorf("loading roles: %w", err)
	}

	required := make(map[string]struct{}, len(req.RequiredRoles))
	for _, r := range req.RequiredRoles {
		required[r] = struct{}{}
	}

	roleIDs := make([]string, 0, len(roles))
	for _, r := range roles {
		if _, ok := required[r.Name]; ok {
			return Decision{Allowed: true, Reason: ReasonRole}, nil
		}
		roleIDs = append(roleIDs, r.ID)
	}

	if req.Resource != "" && len(roleIDs) > 0 {
		action := req.Action
		if action == "" {
			action = ActionRead
		}

		perms, err := e.store.ListPermissionsForRoles(ctx, roleIDs)
		if err != nil {
			return Decision{}, fmt.Errorf("loading permissions: %w", err)
		}
		for _, p := range perms {
			if p.Matches(req.Resource, action) {
				return Decision{Allowed: true, Reason: ReasonPermission}, nil
			}
		}
	}

	return Decision{Reason: ReasonDenied}, fmt.Errorf("%w: %s on %s", ErrForbidden, req.Action, req.Resource)
}

// Permissions returns every permission reachable through principalID's roles.
func (e *Engine) Permissions(ctx context.Context, principalID string) ([]Role, []Permission, error) {
	roles, err := e.store.ListRolesForPrincipal(ctx, principalID)
	if err != nil {
		return nil, nil, fmt.Errorf("loading roles: %w", err)
	}
	ids := make([]string, len(roles))
	for i, r := range roles {
		ids[i] = r.ID
	}
	perms, err := e.store.ListPermissionsForRoles(ctx, ids)
	if err != nil {
		return nil, nil, fmt.Errorf("loading permissions: %w", err)
	}
	return roles, perms, nil
}
