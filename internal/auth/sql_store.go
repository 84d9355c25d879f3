package auth

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/mattn/go-sqlite3"

	"github.com/viktordrukker/TG-ERP/internal/infrastructure/database"
)

// PostgreSQL SQLSTATE codes.
const (
	pgUniqueViolation     = "23505"
	pgForeignKeyViolation = "23503"
)

const (
	principalColumns  = "id, external_id, name, handle, is_active, last_authenticated_at, refresh_generation, created_at, updated_at"
	roleColumns       = "id, name, description, created_at, updated_at"
	permissionColumns = "id, name, resource, action, description, created_at, updated_at"
)

// SQLStore implements Store on database/sql. Statements are written with ?
// placeholders and rebound for the connection's dialect.
type SQLStore struct {
	db  *database.DB
	now func() time.Time
}

// NewSQLStore creates a credential store on an open database.
func NewSQLStore(db *database.DB) *SQLStore {
	return &SQLStore{db: db, now: time.Now}
}

func (s *SQLStore) q(query string) string {
	return s.db.Rebind(query)
}

func (s *SQLStore) timestamp() (string, time.Time) {
	now := s.now().UTC().Truncate(time.Second)
	return now.Format(time.RFC3339), now
}

// --- Principals ---

// CreatePrincipal inserts a principal. The ID is generated if empty.
func (s *SQLStore) CreatePrincipal(ctx context.Context, p *Principal) error {
	if p.ID == "" {
		p.ID = "usr-" + uuid.NewString()[:8]
	}
	ts, now := s.timestamp()
	p.CreatedAt, p.UpdatedAt = now, now

	_, err := s.db.ExecContext(ctx, s.q(
		`INSERT INTO principals (id, external_id, name, handle, is_active, refresh_generation, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`),
		p.ID, p.ExternalID, p.Name, nullString(p.Handle), p.IsActive, p.RefreshGeneration, ts, ts,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("%w: external id %s already registered", ErrConflict, p.ExternalID)
		}
		return fmt.Errorf("creating principal: %w", err)
	}
	return nil
}

// GetPrincipal retrieves a principal by ID.
func (s *SQLStore) GetPrincipal(ctx context.Context, id string) (*Principal, error) {
	row := s.db.QueryRowContext(ctx, s.q("SELECT "+principalColumns+" FROM principals WHERE id = ?"), id)
	return scanPrincipal(row)
}

// GetPrincipalByExternalID retrieves a principal by its external platform ID.
func (s *SQLStore) GetPrincipalByExternalID(ctx context.Context, externalID string) (*Principal, error) {
	row := s.db.QueryRowContext(ctx, s.q("SELECT "+principalColumns+" FROM principals WHERE external_id = ?"), externalID)
	return scanPrincipal(row)
}

// ListPrincipals returns all principals ordered by creation date.
func (s *SQLStore) ListPrincipals(ctx context.Context) ([]Principal, error) {
	rows, err := s.db.QueryContext(ctx, "SELECT "+principalColumns+" FROM principals ORDER BY created_at ASC, id ASC")
	if err != nil {
		return nil, fmt.Errorf("listing principals: %w", err)
	}
	defer rows.Close()

	principals := []Principal{}
	for rows.Next() {
		p, err := scanPrincipal(rows)
		if err != nil {
			return nil, err
		}
		principals = append(principals, *p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating principals: %w", err)
	}
	return principals, nil
}

// UpdatePrincipal modifies a principal's mutable fields (name, handle, is_active).
func (s *SQLStore) UpdatePrincipal(ctx context.Context, p *Principal) error {
	ts, now := s.timestamp()
	p.UpdatedAt = now

	result, err := s.db.ExecContext(ctx, s.q(
		`UPDATE principals SET name = ?, handle = ?, is_active = ?, updated_at = ? WHERE id = ?`),
		p.Name, nullString(p.Handle), p.IsActive, ts, p.ID,
	)
	if err != nil {
		return fmt.Errorf("updating principal: %w", err)
	}
	return expectRow(result, "principal")
}

// TouchLastAuthenticated records a successful login.
func (s *SQLStore) TouchLastAuthenticated(ctx context.Context, id string, at time.Time) error {
	result, err := s.db.ExecContext(ctx, s.q(
		`UPDATE principals SET last_authenticated_at = ? WHERE id = ?`),
		at.UTC().Format(time.RFC3339), id,
	)
	if err != nil {
		return fmt.Errorf("touching principal: %w", err)
	}
	return expectRow(result, "principal")
}

// AdvanceRefreshGeneration increments the refresh generation when it still
// equals expected and returns the new value.
func (s *SQLStore) AdvanceRefreshGeneration(ctx context.Context, id string, expected int64) (int64, error) {
	result, err := s.db.ExecContext(ctx, s.q(
		`UPDATE principals SET refresh_generation = refresh_generation + 1
		 WHERE id = ? AND refresh_generation = ?`),
		id, expected,
	)
	if err != nil {
		return 0, fmt.Errorf("advancing refresh generation: %w", err)
	}
	n, _ := result.RowsAffected() //nolint:errcheck // supported by both drivers
	if n == 0 {
		if _, err := s.GetPrincipal(ctx, id); err != nil {
			return 0, err
		}
		return 0, fmt.Errorf("%w: refresh generation moved past %d", ErrConflict, expected)
	}
	return expected + 1, nil
}

// CountPrincipals returns the number of principals.
func (s *SQLStore) CountPrincipals(ctx context.Context) (int, error) {
	var n int
	if err := s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM principals").Scan(&n); err != nil {
		return 0, fmt.Errorf("counting principals: %w", err)
	}
	return n, nil
}

// --- Roles ---

// CreateRole inserts a role. The ID is generated if empty.
func (s *SQLStore) CreateRole(ctx context.Context, r *Role) error {
	if r.ID == "" {
		r.ID = "rol-" + uuid.NewString()[:8]
	}
	ts, now := s.timestamp()
	r.CreatedAt, r.UpdatedAt = now, now

	_, err := s.db.ExecContext(ctx, s.q(
		`INSERT INTO roles (id, name, description, created_at, updated_at) VALUES (?, ?, ?, ?, ?)`),
		r.ID, r.Name, r.Description, ts, ts,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("%w: role %q already exists", ErrConflict, r.Name)
		}
		return fmt.Errorf("creating role: %w", err)
	}
	return nil
}

// GetRole retrieves a role by ID.
func (s *SQLStore) GetRole(ctx context.Context, id string) (*Role, error) {
	row := s.db.QueryRowContext(ctx, s.q("SELECT "+roleColumns+" FROM roles WHERE id = ?"), id)
	return scanRole(row)
}

// GetRoleByName retrieves a role by its unique name.
func (s *SQLStore) GetRoleByName(ctx context.Context, name string) (*Role, error) {
	row := s.db.QueryRowContext(ctx, s.q("SELECT "+roleColumns+" FROM roles WHERE name = ?"), name)
	return scanRole(row)
}

// ListRoles returns all roles ordered by name.
func (s *SQLStore) ListRoles(ctx context.Context) ([]Role, error) {
	rows, err := s.db.QueryContext(ctx, "SELECT "+roleColumns+" FROM roles ORDER BY name ASC")
	if err != nil {
		return nil, fmt.Errorf("listing roles: %w", err)
	}
	return collectRoles(rows)
}

// UpdateRole modifies a role's name and description.
func (s *SQLStore) UpdateRole(ctx context.Context, r *Role) error {
	ts, now := s.timestamp()
	r.UpdatedAt = now

	result, err := s.db.ExecContext(ctx, s.q(
		`UPDATE roles SET name = ?, description = ?, updated_at = ? WHERE id = ?`),
		r.Name, r.Description, ts, r.ID,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("%w: role %q already exists", ErrConflict, r.Name)
		}
		return fmt.Errorf("updating role: %w", err)
	}
	return expectRow(result, "role")
}

// DeleteRole removes a role that no principal holds. Its permission grants
// are removed with it.
func (s *SQLStore) DeleteRole(ctx context.Context, id string) error {
	return s.guardedDelete(ctx, guardedDelete{
		entity:     "role",
		id:         id,
		existsSQL:  "SELECT COUNT(*) FROM roles WHERE id = ?",
		holdersSQL: "SELECT COUNT(*) FROM principal_roles WHERE role_id = ?",
		deleteSQL:  "DELETE FROM roles WHERE id = ?",
		holders:    "principals",
	})
}

// --- Permissions ---

// CreatePermission inserts a permission. The ID is generated if empty.
func (s *SQLStore) CreatePermission(ctx context.Context, p *Permission) error {
	if p.ID == "" {
		p.ID = "prm-" + uuid.NewString()[:8]
	}
	ts, now := s.timestamp()
	p.CreatedAt, p.UpdatedAt = now, now

	_, err := s.db.ExecContext(ctx, s.q(
		`INSERT INTO permissions (id, name, resource, action, description, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`),
		p.ID, p.Name, p.Resource, p.Action, p.Description, ts, ts,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("%w: permission %q already exists", ErrConflict, p.Name)
		}
		return fmt.Errorf("creating permission: %w", err)
	}
	return nil
}

// GetPermission retrieves a permission by ID.
func (s *SQLStore) GetPermission(ctx context.Context, id string) (*Permission, error) {
	row := s.db.QueryRowContext(ctx, s.q("SELECT "+permissionColumns+" FROM permissions WHERE id = ?"), id)
	return scanPermission(row)
}

// ListPermissions returns all permissions ordered by name.
func (s *SQLStore) ListPermissions(ctx context.Context) ([]Permission, error) {
	rows, err := s.db.QueryContext(ctx, "SELECT "+permissionColumns+" FROM permissions ORDER BY name ASC")
	if err != nil {
		return nil, fmt.Errorf("listing permissions: %w", err)
	}
	return collectPermissions(rows)
}

// UpdatePermission modifies a permission's name, resource, action and description.
func (s *SQLStore) UpdatePermission(ctx context.Context, p *Permission) error {
	ts, now := s.timestamp()
	p.UpdatedAt = now

	result, err := s.db.ExecContext(ctx, s.q(
		`UPDATE permissions SET name = ?, resource = ?, action = ?, description = ?, updated_at = ? WHERE id = ?`),
		p.Name, p.Resource, p.Action, p.Description, ts, p.ID,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("%w: permission %q already exists", ErrConflict, p.Name)
		}
		return fmt.Errorf("updating permission: %w", err)
	}
	return expectRow(result, "permission")
}

// DeletePermission removes a permission that no role grants.
func (s *SQLStore) DeletePermission(ctx context.Context, id string) error {
	return s.guardedDelete(ctx, guardedDelete{
		entity:     "permission",
		id:         id,
		existsSQL:  "SELECT COUNT(*) FROM permissions WHERE id = ?",
		holdersSQL: "SELECT COUNT(*) FROM role_permissions WHERE permission_id = ?",
		deleteSQL:  "DELETE FROM permissions WHERE id = ?",
		holders:    "roles",
	})
}

// --- Assignments ---

// AssignRole grants a role to a principal.
func (s *SQLStore) AssignRole(ctx context.Context, principalID, roleID string) error {
	ts, _ := s.timestamp()
	_, err := s.db.ExecContext(ctx, s.q(
		`INSERT INTO principal_roles (principal_id, role_id, assigned_at) VALUES (?, ?, ?)
		 ON CONFLICT (principal_id, role_id) DO NOTHING`),
		principalID, roleID, ts,
	)
	if err != nil {
		if isForeignKeyViolation(err) {
			return fmt.Errorf("%w: principal %s or role %s", ErrNotFound, principalID, roleID)
		}
		return fmt.Errorf("assigning role: %w", err)
	}
	return nil
}

// RemoveRole withdraws a role from a principal.
func (s *SQLStore) RemoveRole(ctx context.Context, principalID, roleID string) error {
	result, err := s.db.ExecContext(ctx, s.q(
		`DELETE FROM principal_roles WHERE principal_id = ? AND role_id = ?`),
		principalID, roleID,
	)
	if err != nil {
		return fmt.Errorf("removing role: %w", err)
	}
	return expectRow(result, "role assignment")
}

// ListRolesForPrincipal returns the roles a principal holds, ordered by name.
func (s *SQLStore) ListRolesForPrincipal(ctx context.Context, principalID string) ([]Role, error) {
	rows, err := s.db.QueryContext(ctx, s.q(
		`SELECT r.id, r.name, r.description, r.created_at, r.updated_at
		 FROM roles r JOIN principal_roles pr ON pr.role_id = r.id
		 WHERE pr.principal_id = ? ORDER BY r.name ASC`),
		principalID,
	)
	if err != nil {
		return nil, fmt.Errorf("listing principal roles: %w", err)
	}
	return collectRoles(rows)
}

// GrantPermission attaches a permission to a role.
func (s *SQLStore) GrantPermission(ctx context.Context, roleID, permissionID string) error {
	ts, _ := s.timestamp()
	_, err := s.db.ExecContext(ctx, s.q(
		`INSERT INTO role_permissions (role_id, permission_id, granted_at) VALUES (?, ?, ?)
		 ON CONFLICT (role_id, permission_id) DO NOTHING`),
		roleID, permissionID, ts,
	)
	if err != nil {
		if isForeignKeyViolation(err) {
			return fmt.Errorf("%w: role %s or permission %s", ErrNotFound, roleID, permissionID)
		}
		return fmt.Errorf("granting permission: %w", err)
	}
	return nil
}

// RevokePermission detaches a permission from a role.
func (s *SQLStore) RevokePermission(ctx context.Context, roleID, permissionID string) error {
	result, err := s.db.ExecContext(ctx, s.q(
		`DELETE FROM role_permissions WHERE role_id = ? AND permission_id = ?`),
		roleID, permissionID,
	)
	if err != nil {
		return fmt.Errorf("revoking permission: %w", err)
	}
	return expectRow(result, "permission grant")
}

// ListPermissionsForRoles returns the distinct permissions granted to any of
// the given roles, ordered by name.
func (s *SQLStore) ListPermissionsForRoles(ctx context.Context, roleIDs []string) ([]Permission, error) {
	if len(roleIDs) == 0 {
		return []Permission{}, nil
	}

	placeholders := strings.TrimSuffix(strings.Repeat("?,", len(roleIDs)), ",")
	args := make([]any, len(roleIDs))
	for i, id := range roleIDs {
		args[i] = id
	}

	query := `SELECT DISTINCT p.id, p.name, p.resource, p.action, p.description, p.created_at, p.updated_at
		 FROM permissions p JOIN role_permissions rp ON rp.permission_id = p.id
		 WHERE rp.role_id IN (` + placeholders + `) ORDER BY p.name ASC`

	rows, err := s.db.QueryContext(ctx, s.q(query), args...)
	if err != nil {
		return nil, fmt.Errorf("listing role permissions: %w", err)
	}
	return collectPermissions(rows)
}

// --- Helpers ---

type guardedDelete struct {
	entity     string
	id         string
	existsSQL  string
	holdersSQL string
	deleteSQL  string
	holders    string
}

// guardedDelete removes a row only when nothing references it. The foreign
// key RESTRICT clause backs the check up against a concurrent assignment.
func (s *SQLStore) guardedDelete(ctx context.Context, g guardedDelete) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback() //nolint:errcheck // Rollback is no-op after commit

	var n int
	if err := tx.QueryRowContext(ctx, s.q(g.existsSQL), g.id).Scan(&n); err != nil {
		return fmt.Errorf("checking %s: %w", g.entity, err)
	}
	if n == 0 {
		return fmt.Errorf("%w: %s %s", ErrNotFound, g.entity, g.id)
	}

	if err := tx.QueryRowContext(ctx, s.q(g.holdersSQL), g.id).Scan(&n); err != nil {
		return fmt.Errorf("checking %s references: %w", g.entity, err)
	}
	if n > 0 {
		return fmt.Errorf("%w: %s %s is held by %d %s", ErrConflict, g.entity, g.id, n, g.holders)
	}

	if _, err := tx.ExecContext(ctx, s.q(g.deleteSQL), g.id); err != nil {
		if isForeignKeyViolation(err) {
			return fmt.Errorf("%w: %s %s is still referenced", ErrConflict, g.entity, g.id)
		}
		return fmt.Errorf("deleting %s: %w", g.entity, err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("committing %s delete: %w", g.entity, err)
	}
	return nil
}

// scanner is an interface for sql.Row and sql.Rows Scan methods.
type scanner interface {
	Scan(dest ...any) error
}

func scanPrincipal(s scanner) (*Principal, error) {
	var p Principal
	var handle, lastAuth sql.NullString
	var createdAt, updatedAt string

	err := s.Scan(&p.ID, &p.ExternalID, &p.Name, &handle, &p.IsActive,
		&lastAuth, &p.RefreshGeneration, &createdAt, &updatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("%w: principal", ErrNotFound)
		}
		return nil, fmt.Errorf("scanning principal: %w", err)
	}

	p.Handle = handle.String
	if lastAuth.Valid {
		if t, err := time.Parse(time.RFC3339, lastAuth.String); err == nil {
			p.LastAuthenticatedAt = &t
		}
	}
	p.CreatedAt, _ = time.Parse(time.RFC3339, createdAt) //nolint:errcheck // format is controlled
	p.UpdatedAt, _ = time.Parse(time.RFC3339, updatedAt) //nolint:errcheck // format is controlled
	return &p, nil
}

func scanRole(s scanner) (*Role, error) {
	var r Role
	var createdAt, updatedAt string

	if err := s.Scan(&r.ID, &r.Name, &r.Description, &createdAt, &updatedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("%w: role", ErrNotFound)
		}
		return nil, fmt.Errorf("scanning role: %w", err)
	}
	r.CreatedAt, _ = time.Parse(time.RFC3339, createdAt) //nolint:errcheck // format is controlled
	r.UpdatedAt, _ = time.Parse(time.RFC3339, updatedAt) //nolint:errcheck // format is controlled
	return &r, nil
}

func scanPermission(s scanner) (*Permission, error) {
	var p Permission
	var createdAt, updatedAt string

	if err := s.Scan(&p.ID, &p.Name, &p.Resource, &p.Action, &p.Description, &createdAt, &updatedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("%w: permission", ErrNotFound)
		}
		return nil, fmt.Errorf("scanning permission: %w", err)
	}
	p.CreatedAt, _ = time.Parse(time.RFC3339, createdAt) //nolint:errcheck // format is controlled
	p.UpdatedAt, _ = time.Parse(time.RFC3339, updatedAt) //nolint:errcheck // format is controlled
	return &p, nil
}

func collectRoles(rows *sql.Rows) ([]Role, error) {
	defer rows.Close()

	roles := []Role{}
	for rows.Next() {
		r, err := scanRole(rows)
		if err != nil {
			return nil, err
		}
		roles = append(roles, *r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating roles: %w", err)
	}
	return roles, nil
}

func collectPermissions(rows *sql.Rows) ([]Permission, error) {
	defer rows.Close()

	perms := []Permission{}
	for rows.Next() {
		p, err := scanPermission(rows)
		if err != nil {
			return nil, err
		}
		perms = append(perms, *p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating permissions: %w", err)
	}
	return perms, nil
}

// expectRow maps a zero-row write to ErrNotFound.
func expectRow(result sql.Result, entity string) error {
	n, _ := result.RowsAffected() //nolint:errcheck // supported by both drivers
	if n == 0 {
		return fmt.Errorf("%w: %s", ErrNotFound, entity)
	}
	return nil
}

func nullString(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}

// isUniqueViolation reports a UNIQUE or PRIMARY KEY constraint failure on either dialect.
func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == pgUniqueViolation
	}
	var liteErr sqlite3.Error
	if errors.As(err, &liteErr) {
		return liteErr.ExtendedCode == sqlite3.ErrConstraintUnique ||
			liteErr.ExtendedCode == sqlite3.ErrConstraintPrimaryKey
	}
	return false
}

// isForeignKeyViolation reports a FOREIGN KEY constraint failure on either dialect.
func isForeignKeyViolation(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == pgForeignKeyViolation
	}
	var liteErr sqlite3.Error
	if errors.As(err, &liteErr) {
		return liteErr.ExtendedCode == sqlite3.ErrConstraintForeignKey
	}
	return false
}
