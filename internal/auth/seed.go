package auth

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

// builtinRoles are ensured on every start.
var builtinRoles = []Role{
	{Name: RoleAdmin, Description: "Full administrative access"},
	{Name: RoleManager, Description: "Read access to principals"},
	{Name: RoleUser, Description: "Default role for registered principals"},
}

// SeedConfig names the bootstrap administrator. An empty AdminExternalID
// skips administrator creation.
type SeedConfig struct {
	AdminExternalID string
	AdminName       string
}

// Seed ensures the built-in roles exist and, when configured, that the
// bootstrap administrator exists and holds the admin role. It is idempotent.
func Seed(ctx context.Context, store Store, cfg SeedConfig, logger Logger) error {
	if logger == nil {
		logger = nopLogger{}
	}

	var adminRole *Role
	for _, def := range builtinRoles {
		r, err := store.GetRoleByName(ctx, def.Name)
		if errors.Is(err, ErrNotFound) {
			r = &Role{Name: def.Name, Description: def.Description}
			err = store.CreateRole(ctx, r)
			switch {
			case errors.Is(err, ErrConflict):
				// Another instance seeded it first.
				r, err = store.GetRoleByName(ctx, def.Name)
			case err == nil:
				logger.Info("seeded role", "role", def.Name)
			}
		}
		if err != nil {
			return fmt.Errorf("seeding role %s: %w", def.Name, err)
		}
		if def.Name == RoleAdmin {
			adminRole = r
		}
	}

	externalID := strings.TrimSpace(cfg.AdminExternalID)
	if externalID == "" {
		return nil
	}

	admin, err := store.GetPrincipalByExternalID(ctx, externalID)
	switch {
	case errors.Is(err, ErrNotFound):
		name := strings.TrimSpace(cfg.AdminName)
		if name == "" {
			name = "Administrator"
		}
		admin = &Principal{ExternalID: externalID, Name: name, IsActive: true}
		if err := store.CreatePrincipal(ctx, admin); err != nil {
			return fmt.Errorf("creating bootstrap admin: %w", err)
		}
		logger.Warn("bootstrap admin created", "principal_id", admin.ID, "external_id", externalID)
	case err != nil:
		return fmt.Errorf("loading bootstrap admin: %w", err)
	}

	if err := store.AssignRole(ctx, admin.ID, adminRole.ID); err != nil {
		return fmt.Errorf("assigning admin role: %w", err)
	}
	return nil
}
