package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/viktordrukker/TG-ERP/internal/auth"
	"github.com/viktordrukker/TG-ERP/internal/infrastructure/metrics"
)

// defaultWSPath is used when the WebSocket path is not configured.
const defaultWSPath = "/events/ws"

// Route policies. The resource names select the permission fallback for
// principals granted access through custom roles.
var (
	policyListUsers   = Policy{Roles: []string{auth.RoleAdmin, auth.RoleManager}, Resource: "users"}
	policySelfOrAdmin = Policy{Roles: []string{auth.RoleAdmin}, Resource: "users", SelfParam: "id"}
	policyDeactivate  = Policy{Roles: []string{auth.RoleAdmin}, Resource: "users", Action: auth.ActionDelete}
	policyUserRoles   = Policy{Roles: []string{auth.RoleAdmin}, Resource: "user_roles"}
	policyRoles       = Policy{Roles: []string{auth.RoleAdmin}, Resource: "roles"}
	policyPermissions = Policy{Roles: []string{auth.RoleAdmin}, Resource: "permissions"}
	policyAudit       = Policy{Roles: []string{auth.RoleAdmin}, Resource: "audit"}
)

// buildRouter creates the HTTP router with all routes and middleware.
func (s *Server) buildRouter() http.Handler {
	r := chi.NewRouter()

	// Global middleware
	r.Use(s.requestIDMiddleware)
	r.Use(metrics.Instrument)
	r.Use(s.loggingMiddleware)
	r.Use(s.recoveryMiddleware)
	r.Use(s.corsMiddleware)
	r.Use(s.bodySizeLimitMiddleware)
	r.Use(s.rateLimitMiddleware)

	// Prometheus scrape endpoint
	r.Handle("/metrics", metrics.Handler())

	wsPath := s.wsCfg.Path
	if wsPath == "" {
		wsPath = defaultWSPath
	}

	r.Route("/api/v1", func(r chi.Router) {
		// Health and monitoring (no auth required)
		r.Get("/health", s.handleHealth)
		r.Get("/system/metrics", s.handleMetrics)

		// Login flow (no auth required)
		r.Post("/auth/register", s.handleRegister)
		r.Post("/auth/login", s.handleLogin)
		r.Post("/auth/verify", s.handleVerify)
		r.Post("/auth/refresh", s.handleRefresh)

		// WebSocket (auth via ticket, validated in handler)
		r.Get(wsPath, s.handleWebSocket)

		// Protected routes
		r.Group(func(r chi.Router) {
			r.Use(s.authMiddleware)

			r.Post("/auth/logout", s.handleLogout)
			r.Get("/auth/me", s.handleMe)
			r.Post("/auth/ws-ticket", s.handleWSTicket)

			r.Route("/users", func(r chi.Router) {
				r.With(s.require(policyListUsers)).Get("/", s.handleListUsers)

				r.Route("/{id}", func(r chi.Router) {
					r.With(s.require(policySelfOrAdmin)).Get("/", s.handleGetUser)
					r.With(s.require(policySelfOrAdmin)).Patch("/", s.handleUpdateUser)
					r.With(s.require(policyDeactivate)).Post("/deactivate", s.handleDeactivateUser)
					r.With(s.require(policySelfOrAdmin)).Get("/roles", s.handleListUserRoles)
					r.With(s.require(policyUserRoles)).Put("/roles/{roleID}", s.handleAssignUserRole)
					r.With(s.require(policyUserRoles)).Delete("/roles/{roleID}", s.handleRemoveUserRole)
				})
			})

			r.Route("/roles", func(r chi.Router) {
				r.Use(s.require(policyRoles))
				r.Get("/", s.handleListRoles)
				r.Post("/", s.handleCreateRole)

				r.Route("/{id}", func(r chi.Router) {
					r.Get("/", s.handleGetRole)
					r.Patch("/", s.handleUpdateRole)
					r.Delete("/", s.handleDeleteRole)
					r.Get("/permissions", s.handleListRolePermissions)
					r.Put("/permissions/{permID}", s.handleGrantPermission)
					r.Delete("/permissions/{permID}", s.handleRevokePermission)
				})
			})

			r.Route("/permissions", func(r chi.Router) {
				r.Use(s.require(policyPermissions))
				r.Get("/", s.handleListPermissions)
				r.Post("/", s.handleCreatePermission)

				r.Route("/{id}", func(r chi.Router) {
					r.Get("/", s.handleGetPermission)
					r.Patch("/", s.handleUpdatePermission)
					r.Delete("/", s.handleDeletePermission)
				})
			})

			r.With(s.require(policyAudit)).Get("/audit", s.handleListAuditLogs)
		})
	})

	return r
}
