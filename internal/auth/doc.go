// Package auth provides identity and access control for the TG-ERP IAM core.
//
// It contains:
//   - the credential store contract (Store) and its SQL implementation
//   - HS256 JWT access/refresh tokens with class tagging and an optional
//     refresh generation
//   - one-time six-digit login codes delivered out of band through a Notifier
//   - the authorization engine: self-access, unrestricted endpoints, role
//     membership, then (resource, action) permissions
//   - validated role and permission administration that emits iam.* events
//
// Principals are bound to an identity on an external messaging platform
// (ExternalID) and are deactivated, never deleted. Roles and permissions are
// data, not code: administrators create them at runtime and the built-in
// admin, manager and user roles are ensured by Seed.
package auth
