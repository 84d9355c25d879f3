package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/viktordrukker/TG-ERP/internal/auth"
	"github.com/viktordrukker/TG-ERP/internal/session"
)

// ─── Request/Response Types ────────────────────────────────────────

type updateUserRequest struct {
	Name   *string `json:"name,omitempty"`
	Handle *string `json:"handle,omitempty"`
}

// ─── Handlers ──────────────────────────────────────────────────────

// handleListUsers returns all principals, active or not.
func (s *Server) handleListUsers(w http.ResponseWriter, r *http.Request) {
	users, err := s.sessions.ListPrincipals(r.Context())
	if err != nil {
		s.writeDomainError(w, r, err)
		return
	}
	if users == nil {
		users = []auth.Principal{}
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"users": users,
		"count": len(users),
	})
}

// handleGetUser returns a single principal.
func (s *Server) handleGetUser(w http.ResponseWriter, r *http.Request) {
	p, err := s.sessions.GetPrincipal(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, p)
}

// handleUpdateUser applies a partial profile update.
func (s *Server) handleUpdateUser(w http.ResponseWriter, r *http.Request) {
	var req updateUserRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if req.Name == nil && req.Handle == nil {
		writeBadRequest(w, "no fields to update")
		return
	}

	p, err := s.sessions.UpdateProfile(r.Context(), chi.URLParam(r, "id"), session.ProfileUpdate{
		Name:   req.Name,
		Handle: req.Handle,
	})
	if err != nil {
		s.writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, p)
}

// handleDeactivateUser soft-deletes a principal. Callers cannot deactivate
// themselves so an administrator cannot lock everyone out by accident.
func (s *Server) handleDeactivateUser(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if caller := principalFrom(r.Context()); caller != nil && caller.ID == id {
		writeBadRequest(w, "cannot deactivate your own account")
		return
	}

	p, err := s.sessions.Deactivate(r.Context(), id)
	if err != nil {
		s.writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, p)
}

// handleListUserRoles returns the roles assigned to a principal.
func (s *Server) handleListUserRoles(w http.ResponseWriter, r *http.Request) {
	roles, err := s.admin.RolesForPrincipal(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.writeDomainError(w, r, err)
		return
	}
	if roles == nil {
		roles = []auth.Role{}
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"roles": roles,
		"count": len(roles),
	})
}

// handleAssignUserRole assigns a role. Assigning twice is a no-op.
func (s *Server) handleAssignUserRole(w http.ResponseWriter, r *http.Request) {
	if err := s.admin.AssignRole(r.Context(), chi.URLParam(r, "id"), chi.URLParam(r, "roleID")); err != nil {
		s.writeDomainError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// handleRemoveUserRole removes a role assignment.
func (s *Server) handleRemoveUserRole(w http.ResponseWriter, r *http.Request) {
	if err := s.admin.RemoveRole(r.Context(), chi.URLParam(r, "id"), chi.URLParam(r, "roleID")); err != nil {
		s.writeDomainError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
