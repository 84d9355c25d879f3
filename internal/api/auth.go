package api

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/viktordrukker/TG-ERP/internal/auth"
)

// ticketTTL is how long a WebSocket ticket is valid.
const ticketTTL = 60 * time.Second

type registerRequest struct {
	ExternalID string `json:"external_id"`
	Name       string `json:"name"`
	Handle     string `json:"handle"`
}

type loginRequest struct {
	ExternalID string `json:"external_id"`
}

type verifyRequest struct {
	ExternalID string `json:"external_id"`
	Code       string `json:"code"`
}

type refreshRequest struct {
	RefreshToken string `json:"refresh_token"`
}

// loginResponse is returned by POST /auth/login whether or not the external
// ID is known, so the endpoint cannot be used to enumerate principals.
type loginResponse struct {
	Status    string `json:"status"`
	ExpiresIn int64  `json:"expires_in"`
}

// meResponse describes the caller and everything their roles grant.
type meResponse struct {
	Principal   *auth.Principal   `json:"principal"`
	Roles       []auth.Role       `json:"roles"`
	Permissions []auth.Permission `json:"permissions"`
}

func (s *Server) handleRegister(w http.ResponseWriter, r *http.Request) {
	var req registerRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	p, err := s.sessions.Register(r.Context(), req.ExternalID, req.Name, req.Handle)
	if err != nil {
		s.writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, p)
}

// handleLogin starts a login. Unknown and inactive principals receive the
// same 202 as a successful issue; only delivery failures are surfaced.
func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	var req loginRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if strings.TrimSpace(req.ExternalID) == "" {
		writeError(w, http.StatusBadRequest, ErrCodeValidation, "external_id is required")
		return
	}

	resp := loginResponse{Status: "code_sent", ExpiresIn: int64(s.sessions.CodeTTL().Seconds())}
	pending, err := s.sessions.Login(r.Context(), req.ExternalID)
	switch {
	case err == nil:
		resp.ExpiresIn = pending.ExpiresIn
	case errors.Is(err, auth.ErrNotFound):
	case errors.Is(err, auth.ErrDeliveryFailed):
		// Answered like success so a delivery outage does not reveal which
		// external IDs are registered. The client retries after no code arrives.
		s.logger.Warn("login code delivery failed", "request_id", requestIDFrom(r.Context()), "error", err)
	default:
		s.writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusAccepted, resp)
}

func (s *Server) handleVerify(w http.ResponseWriter, r *http.Request) {
	var req verifyRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	result, err := s.sessions.Verify(r.Context(), req.ExternalID, req.Code)
	if err != nil {
		s.writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func (s *Server) handleRefresh(w http.ResponseWriter, r *http.Request) {
	var req refreshRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if req.RefreshToken == "" {
		writeUnauthorized(w)
		return
	}
	result, err := s.sessions.Refresh(r.Context(), req.RefreshToken)
	if err != nil {
		s.writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func (s *Server) handleLogout(w http.ResponseWriter, r *http.Request) {
	s.sessions.Logout(r.Context(), principalFrom(r.Context()).ID)
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleMe(w http.ResponseWriter, r *http.Request) {
	p := principalFrom(r.Context())
	roles, perms, err := s.engine.Permissions(r.Context(), p.ID)
	if err != nil {
		s.writeDomainError(w, r, err)
		return
	}
	if roles == nil {
		roles = []auth.Role{}
	}
	if perms == nil {
		perms = []auth.Permission{}
	}
	writeJSON(w, http.StatusOK, meResponse{Principal: p, Roles: roles, Permissions: perms})
}

// handleWSTicket issues a single-use WebSocket ticket so the access token
// never appears in a URL.
func (s *Server) handleWSTicket(w http.ResponseWriter, r *http.Request) {
	ticket := s.tickets.issue(principalFrom(r.Context()).ID, time.Now())
	writeJSON(w, http.StatusOK, map[string]any{
		"ticket":     ticket,
		"expires_in": int(ticketTTL.Seconds()),
	})
}

// ticketStore holds pending WebSocket authentication tickets.
// Tickets are single-use and expire after ticketTTL.
type ticketStore struct {
	mu      sync.Mutex
	tickets map[string]ticketEntry
}

type ticketEntry struct {
	principalID string
	expiresAt   time.Time
}

func newTicketStore() *ticketStore {
	return &ticketStore{tickets: make(map[string]ticketEntry)}
}

func (ts *ticketStore) issue(principalID string, now time.Time) string {
	ticket := generateTicket()
	ts.mu.Lock()
	ts.tickets[ticket] = ticketEntry{principalID: principalID, expiresAt: now.Add(ticketTTL)}
	ts.mu.Unlock()
	return ticket
}

// consume removes ticket and returns its principal if it had not expired.
func (ts *ticketStore) consume(ticket string, now time.Time) (string, bool) {
	ts.mu.Lock()
	defer ts.mu.Unlock()

	entry, ok := ts.tickets[ticket]
	if !ok {
		return "", false
	}
	delete(ts.tickets, ticket)
	if !now.Before(entry.expiresAt) {
		return "", false
	}
	return entry.principalID, true
}

func (ts *ticketStore) sweep(now time.Time) {
	ts.mu.Lock()
	defer ts.mu.Unlock()
	for ticket, entry := range ts.tickets {
		if now.After(entry.expiresAt) {
			delete(ts.tickets, ticket)
		}
	}
}

func (ts *ticketStore) sweepLoop(ctx context.Context) {
	ticker := time.NewTicker(ticketTTL)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			ts.sweep(now)
		}
	}
}

// ticketBytes is the number of random bytes used for WebSocket tickets.
const ticketBytes = 32

// generateTicket creates a cryptographically random ticket string.
func generateTicket() string {
	b := make([]byte, ticketBytes)
	//nolint:errcheck // crypto/rand.Read always returns len(b) on supported platforms
	rand.Read(b)
	return hex.EncodeToString(b)
}
