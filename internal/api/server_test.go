package api

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/viktordrukker/TG-ERP/internal/audit"
	"github.com/viktordrukker/TG-ERP/internal/auth"
	"github.com/viktordrukker/TG-ERP/internal/events"
)

func TestHealth(t *testing.T) {
	env := testServer(t)

	w := env.do(t, http.MethodGet, "/api/v1/health", nil, "")
	if w.Code != http.StatusOK {
		t.Errorf("health status = %d, want %d", w.Code, http.StatusOK)
	}
	if ct := w.Header().Get("Content-Type"); ct != "application/json" {
		t.Errorf("Content-Type = %q, want %q", ct, "application/json")
	}

	var resp map[string]any
	decode(t, w, &resp)
	if resp["status"] != "ok" {
		t.Errorf("status = %v, want ok", resp["status"])
	}
	if resp["version"] != testVersion {
		t.Errorf("version = %v, want %s", resp["version"], testVersion)
	}
}

func TestHealth_BrokerDownIsDegraded(t *testing.T) {
	env := testServer(t, withBroker(fakeBroker{up: false}))

	w := env.do(t, http.MethodGet, "/api/v1/health", nil, "")
	if w.Code != http.StatusOK {
		t.Fatalf("health status = %d, want %d", w.Code, http.StatusOK)
	}
	var resp map[string]any
	decode(t, w, &resp)
	if resp["status"] != "degraded" {
		t.Errorf("status = %v, want degraded", resp["status"])
	}
}

func TestSystemMetrics(t *testing.T) {
	env := testServer(t, withBroker(fakeBroker{up: true}))

	w := env.do(t, http.MethodGet, "/api/v1/system/metrics", nil, "")
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want %d", w.Code, http.StatusOK)
	}
	var m SystemMetrics
	decode(t, w, &m)
	if !m.Broker.Connected || m.Broker.Transport != "memory" {
		t.Errorf("broker = %+v, want connected memory", m.Broker)
	}
	if m.Database.Driver == "" {
		t.Error("database driver not reported")
	}
}

// ─── Middleware Tests ──────────────────────────────────────────────

func TestRequestID_Generated(t *testing.T) {
	env := testServer(t)
	w := env.do(t, http.MethodGet, "/api/v1/health", nil, "")
	if w.Header().Get("X-Request-ID") == "" {
		t.Error("expected X-Request-ID header to be set")
	}
}

func TestRequestID_PreservesClient(t *testing.T) {
	env := testServer(t)

	req := httptest.NewRequest(http.MethodGet, "/api/v1/health", nil)
	req.Header.Set("X-Request-ID", "client-123")
	w := httptest.NewRecorder()
	env.router.ServeHTTP(w, req)

	if got := w.Header().Get("X-Request-ID"); got != "client-123" {
		t.Errorf("X-Request-ID = %q, want %q", got, "client-123")
	}
}

func TestCORS_Preflight(t *testing.T) {
	env := testServer(t)

	req := httptest.NewRequest(http.MethodOptions, "/api/v1/health", nil)
	req.Header.Set("Origin", "http://localhost:3000")
	w := httptest.NewRecorder()
	env.router.ServeHTTP(w, req)

	if w.Code != http.StatusNoContent {
		t.Errorf("preflight status = %d, want %d", w.Code, http.StatusNoContent)
	}
	if got := w.Header().Get("Access-Control-Allow-Origin"); got != "http://localhost:3000" {
		t.Errorf("ACAO = %q, want %q", got, "http://localhost:3000")
	}
}

func TestNotFound(t *testing.T) {
	env := testServer(t)
	w := env.do(t, http.MethodGet, "/api/v1/nonexistent", nil, "")
	if w.Code != http.StatusNotFound {
		t.Errorf("unknown route status = %d, want %d", w.Code, http.StatusNotFound)
	}
}

func TestRateLimit(t *testing.T) {
	env := testServer(t, withRateLimit(60, 2))

	for i := range 2 {
		if w := env.do(t, http.MethodGet, "/api/v1/health", nil, ""); w.Code != http.StatusOK {
			t.Fatalf("request %d status = %d, want %d", i+1, w.Code, http.StatusOK)
		}
	}
	w := env.do(t, http.MethodGet, "/api/v1/health", nil, "")
	if w.Code != http.StatusTooManyRequests {
		t.Fatalf("status = %d, want %d", w.Code, http.StatusTooManyRequests)
	}
	if code := errorCode(t, w); code != ErrCodeRateLimited {
		t.Errorf("code = %q, want %q", code, ErrCodeRateLimited)
	}
}

// ─── Login Flow Tests ──────────────────────────────────────────────

func TestLoginFlow(t *testing.T) {
	env := testServer(t)

	res := env.registerAndLogin(t, "tg-100")
	if res.Tokens.AccessToken == "" || res.Tokens.RefreshToken == "" {
		t.Fatalf("tokens = %+v, want both set", res.Tokens)
	}
	if res.Principal == nil || res.Principal.ExternalID != "tg-100" {
		t.Fatalf("principal = %+v", res.Principal)
	}

	w := env.do(t, http.MethodGet, "/api/v1/auth/me", nil, res.Tokens.AccessToken)
	if w.Code != http.StatusOK {
		t.Fatalf("me status = %d, want %d", w.Code, http.StatusOK)
	}
	var me meResponse
	decode(t, w, &me)
	if me.Principal.ID != res.Principal.ID {
		t.Errorf("me principal = %s, want %s", me.Principal.ID, res.Principal.ID)
	}
	if len(me.Roles) != 1 || me.Roles[0].Name != auth.RoleUser {
		t.Errorf("me roles = %+v, want [user]", me.Roles)
	}

	w = env.do(t, http.MethodPost, "/api/v1/auth/logout", nil, res.Tokens.AccessToken)
	if w.Code != http.StatusNoContent {
		t.Errorf("logout status = %d, want %d", w.Code, http.StatusNoContent)
	}
}

func TestLogin_UnknownIDGetsSameResponse(t *testing.T) {
	env := testServer(t)

	known := env.do(t, http.MethodPost, "/api/v1/auth/login", map[string]string{"external_id": adminExtID}, "")
	unknown := env.do(t, http.MethodPost, "/api/v1/auth/login", map[string]string{"external_id": "tg-nobody"}, "")

	if known.Code != http.StatusAccepted || unknown.Code != http.StatusAccepted {
		t.Fatalf("status = %d/%d, want 202/202", known.Code, unknown.Code)
	}
	if known.Body.String() != unknown.Body.String() {
		t.Errorf("bodies differ:\n known   %s\n unknown %s", known.Body.String(), unknown.Body.String())
	}
}

func TestLogin_DeliveryFailureGetsSameResponse(t *testing.T) {
	env := testServer(t)
	unknown := env.do(t, http.MethodPost, "/api/v1/auth/login", map[string]string{"external_id": "tg-nobody"}, "")

	env.notifier.setErr(errors.New("chat unreachable"))
	failed := env.do(t, http.MethodPost, "/api/v1/auth/login", map[string]string{"external_id": adminExtID}, "")

	if failed.Code != http.StatusAccepted {
		t.Fatalf("status = %d, want %d", failed.Code, http.StatusAccepted)
	}
	if failed.Body.String() != unknown.Body.String() {
		t.Errorf("bodies differ:\n failed  %s\n unknown %s", failed.Body.String(), unknown.Body.String())
	}

	// The withdrawn code cannot be verified.
	w := env.do(t, http.MethodPost, "/api/v1/auth/verify", map[string]string{"external_id": adminExtID, "code": "000000"}, "")
	if w.Code == http.StatusOK {
		t.Errorf("verify after failed delivery status = %d, want failure", w.Code)
	}
}

func TestLogin_MissingExternalID(t *testing.T) {
	env := testServer(t)
	w := env.do(t, http.MethodPost, "/api/v1/auth/login", map[string]string{}, "")
	if w.Code != http.StatusBadRequest {
		t.Errorf("status = %d, want %d", w.Code, http.StatusBadRequest)
	}
}

func TestVerify_WrongCode(t *testing.T) {
	env := testServer(t)

	env.do(t, http.MethodPost, "/api/v1/auth/login", map[string]string{"external_id": adminExtID}, "")
	good := env.notifier.code(t, adminExtID)
	bad := "000000"
	if good == bad {
		bad = "111111"
	}

	w := env.do(t, http.MethodPost, "/api/v1/auth/verify", map[string]string{"external_id": adminExtID, "code": bad}, "")
	if w.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want %d", w.Code, http.StatusBadRequest)
	}
	if code := errorCode(t, w); code != ErrCodeVerificationFailed {
		t.Errorf("code = %q, want %q", code, ErrCodeVerificationFailed)
	}
}

func TestVerify_NoCodeIssued(t *testing.T) {
	env := testServer(t)
	w := env.do(t, http.MethodPost, "/api/v1/auth/verify", map[string]string{"external_id": "tg-nobody", "code": "123456"}, "")
	if w.Code != http.StatusBadRequest {
		t.Errorf("status = %d, want %d", w.Code, http.StatusBadRequest)
	}
}

func TestRegister_Duplicate(t *testing.T) {
	env := testServer(t)
	w := env.do(t, http.MethodPost, "/api/v1/auth/register", map[string]string{"external_id": adminExtID, "name": "Again"}, "")
	if w.Code != http.StatusConflict {
		t.Errorf("status = %d, want %d", w.Code, http.StatusConflict)
	}
}

func TestRegister_InvalidJSON(t *testing.T) {
	env := testServer(t)

	req := httptest.NewRequest(http.MethodPost, "/api/v1/auth/register", strings.NewReader("{not json"))
	w := httptest.NewRecorder()
	env.router.ServeHTTP(w, req)

	if w.Code != http.StatusBadRequest {
		t.Errorf("status = %d, want %d", w.Code, http.StatusBadRequest)
	}
}

func TestRefresh_RotatesAndRejectsReuse(t *testing.T) {
	env := testServer(t)
	res := env.login(t, adminExtID)

	w := env.do(t, http.MethodPost, "/api/v1/auth/refresh", map[string]string{"refresh_token": res.Tokens.RefreshToken}, "")
	if w.Code != http.StatusOK {
		t.Fatalf("refresh status = %d, want %d: %s", w.Code, http.StatusOK, w.Body.String())
	}

	w = env.do(t, http.MethodPost, "/api/v1/auth/refresh", map[string]string{"refresh_token": res.Tokens.RefreshToken}, "")
	if w.Code != http.StatusUnauthorized {
		t.Errorf("reused refresh status = %d, want %d", w.Code, http.StatusUnauthorized)
	}
}

func TestRefresh_AccessTokenRejected(t *testing.T) {
	env := testServer(t)
	res := env.login(t, adminExtID)

	w := env.do(t, http.MethodPost, "/api/v1/auth/refresh", map[string]string{"refresh_token": res.Tokens.AccessToken}, "")
	if w.Code != http.StatusUnauthorized {
		t.Errorf("status = %d, want %d", w.Code, http.StatusUnauthorized)
	}
}

// ─── Authorization Tests ───────────────────────────────────────────

func TestProtected_UniformUnauthorized(t *testing.T) {
	env := testServer(t)
	res := env.login(t, adminExtID)

	tests := []struct {
		name   string
		header string
	}{
		{"missing", ""},
		{"wrong scheme", "Basic abc"},
		{"garbage token", "Bearer not-a-jwt"},
		{"refresh token", "Bearer " + res.Tokens.RefreshToken},
	}

	var first string
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/api/v1/auth/me", nil)
			if tt.header != "" {
				req.Header.Set("Authorization", tt.header)
			}
			w := httptest.NewRecorder()
			env.router.ServeHTTP(w, req)

			if w.Code != http.StatusUnauthorized {
				t.Fatalf("status = %d, want %d", w.Code, http.StatusUnauthorized)
			}
			if first == "" {
				first = w.Body.String()
			} else if w.Body.String() != first {
				t.Errorf("body = %s, want %s", w.Body.String(), first)
			}
		})
	}
}

func TestUsers_SelfAccessOnly(t *testing.T) {
	env := testServer(t)
	alice := env.registerAndLogin(t, "tg-alice")
	bob := env.registerAndLogin(t, "tg-bob")
	token := alice.Tokens.AccessToken

	if w := env.do(t, http.MethodGet, "/api/v1/users/"+alice.Principal.ID, nil, token); w.Code != http.StatusOK {
		t.Errorf("get self status = %d, want %d", w.Code, http.StatusOK)
	}
	if w := env.do(t, http.MethodPatch, "/api/v1/users/"+alice.Principal.ID, map[string]string{"handle": "@alice"}, token); w.Code != http.StatusOK {
		t.Errorf("patch self status = %d, want %d", w.Code, http.StatusOK)
	}
	if w := env.do(t, http.MethodGet, "/api/v1/users/"+bob.Principal.ID, nil, token); w.Code != http.StatusForbidden {
		t.Errorf("get other status = %d, want %d", w.Code, http.StatusForbidden)
	}
	if w := env.do(t, http.MethodGet, "/api/v1/users", nil, token); w.Code != http.StatusForbidden {
		t.Errorf("list status = %d, want %d", w.Code, http.StatusForbidden)
	}
	if w := env.do(t, http.MethodPost, "/api/v1/users/"+alice.Principal.ID+"/deactivate", nil, token); w.Code != http.StatusForbidden {
		t.Errorf("self deactivate status = %d, want %d", w.Code, http.StatusForbidden)
	}
}

func TestUsers_AdminManages(t *testing.T) {
	env := testServer(t)
	admin := env.login(t, adminExtID)
	user := env.registerAndLogin(t, "tg-carol")
	token := admin.Tokens.AccessToken

	w := env.do(t, http.MethodGet, "/api/v1/users", nil, token)
	if w.Code != http.StatusOK {
		t.Fatalf("list status = %d, want %d", w.Code, http.StatusOK)
	}
	var list struct {
		Count int `json:"count"`
	}
	decode(t, w, &list)
	if list.Count != 2 {
		t.Errorf("count = %d, want 2", list.Count)
	}

	managerRole, err := env.store.GetRoleByName(context.Background(), auth.RoleManager)
	if err != nil {
		t.Fatalf("GetRoleByName() error = %v", err)
	}
	if w := env.do(t, http.MethodPut, "/api/v1/users/"+user.Principal.ID+"/roles/"+managerRole.ID, nil, token); w.Code != http.StatusNoContent {
		t.Fatalf("assign status = %d, want %d", w.Code, http.StatusNoContent)
	}
	// Managers may list users.
	if w := env.do(t, http.MethodGet, "/api/v1/users", nil, user.Tokens.AccessToken); w.Code != http.StatusOK {
		t.Errorf("manager list status = %d, want %d", w.Code, http.StatusOK)
	}

	if w := env.do(t, http.MethodPost, "/api/v1/users/"+user.Principal.ID+"/deactivate", nil, token); w.Code != http.StatusOK {
		t.Fatalf("deactivate status = %d, want %d", w.Code, http.StatusOK)
	}
	if w := env.do(t, http.MethodGet, "/api/v1/auth/me", nil, user.Tokens.AccessToken); w.Code != http.StatusUnauthorized {
		t.Errorf("deactivated token status = %d, want %d", w.Code, http.StatusUnauthorized)
	}
}

func TestUsers_AdminCannotDeactivateSelf(t *testing.T) {
	env := testServer(t)
	admin := env.login(t, adminExtID)

	w := env.do(t, http.MethodPost, "/api/v1/users/"+admin.Principal.ID+"/deactivate", nil, admin.Tokens.AccessToken)
	if w.Code != http.StatusBadRequest {
		t.Errorf("status = %d, want %d", w.Code, http.StatusBadRequest)
	}
}

func TestRBAC_PermissionFallback(t *testing.T) {
	env := testServer(t)
	admin := env.login(t, adminExtID)
	user := env.registerAndLogin(t, "tg-dave")
	token := admin.Tokens.AccessToken

	if w := env.do(t, http.MethodGet, "/api/v1/audit", nil, user.Tokens.AccessToken); w.Code != http.StatusForbidden {
		t.Fatalf("audit before grant status = %d, want %d", w.Code, http.StatusForbidden)
	}

	w := env.do(t, http.MethodPost, "/api/v1/roles", map[string]string{"name": "auditor", "description": "reads the audit trail"}, token)
	if w.Code != http.StatusCreated {
		t.Fatalf("create role status = %d, want %d: %s", w.Code, http.StatusCreated, w.Body.String())
	}
	var role auth.Role
	decode(t, w, &role)

	w = env.do(t, http.MethodPost, "/api/v1/permissions", map[string]string{"name": "audit.read", "resource": "audit", "action": "read"}, token)
	if w.Code != http.StatusCreated {
		t.Fatalf("create permission status = %d, want %d: %s", w.Code, http.StatusCreated, w.Body.String())
	}
	var perm auth.Permission
	decode(t, w, &perm)

	if w := env.do(t, http.MethodPut, "/api/v1/roles/"+role.ID+"/permissions/"+perm.ID, nil, token); w.Code != http.StatusNoContent {
		t.Fatalf("grant status = %d, want %d", w.Code, http.StatusNoContent)
	}
	if w := env.do(t, http.MethodPut, "/api/v1/users/"+user.Principal.ID+"/roles/"+role.ID, nil, token); w.Code != http.StatusNoContent {
		t.Fatalf("assign status = %d, want %d", w.Code, http.StatusNoContent)
	}

	if w := env.do(t, http.MethodGet, "/api/v1/audit", nil, user.Tokens.AccessToken); w.Code != http.StatusOK {
		t.Errorf("audit after grant status = %d, want %d", w.Code, http.StatusOK)
	}

	w = env.do(t, http.MethodGet, "/api/v1/roles/"+role.ID+"/permissions", nil, token)
	if w.Code != http.StatusOK {
		t.Fatalf("list grants status = %d, want %d", w.Code, http.StatusOK)
	}
	var grants struct {
		Count int `json:"count"`
	}
	decode(t, w, &grants)
	if grants.Count != 1 {
		t.Errorf("grants = %d, want 1", grants.Count)
	}
}

func TestRoles_CRUD(t *testing.T) {
	env := testServer(t)
	token := env.login(t, adminExtID).Tokens.AccessToken

	w := env.do(t, http.MethodPost, "/api/v1/roles", map[string]string{"name": "Bad Name"}, token)
	if w.Code != http.StatusBadRequest {
		t.Errorf("invalid name status = %d, want %d", w.Code, http.StatusBadRequest)
	}

	w = env.do(t, http.MethodPost, "/api/v1/roles", map[string]string{"name": "support"}, token)
	if w.Code != http.StatusCreated {
		t.Fatalf("create status = %d, want %d", w.Code, http.StatusCreated)
	}
	var role auth.Role
	decode(t, w, &role)

	if w := env.do(t, http.MethodPost, "/api/v1/roles", map[string]string{"name": "support"}, token); w.Code != http.StatusConflict {
		t.Errorf("duplicate status = %d, want %d", w.Code, http.StatusConflict)
	}

	w = env.do(t, http.MethodPatch, "/api/v1/roles/"+role.ID, map[string]string{"description": "first line"}, token)
	if w.Code != http.StatusOK {
		t.Fatalf("update status = %d, want %d", w.Code, http.StatusOK)
	}
	decode(t, w, &role)
	if role.Description != "first line" {
		t.Errorf("description = %q, want %q", role.Description, "first line")
	}

	if w := env.do(t, http.MethodDelete, "/api/v1/roles/"+role.ID, nil, token); w.Code != http.StatusNoContent {
		t.Fatalf("delete status = %d, want %d", w.Code, http.StatusNoContent)
	}
	if w := env.do(t, http.MethodGet, "/api/v1/roles/"+role.ID, nil, token); w.Code != http.StatusNotFound {
		t.Errorf("get deleted status = %d, want %d", w.Code, http.StatusNotFound)
	}
}

// ─── Audit Tests ───────────────────────────────────────────────────

func TestAudit_ListAndFilter(t *testing.T) {
	env := testServer(t)
	token := env.login(t, adminExtID).Tokens.AccessToken
	ctx := context.Background()

	at := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	for i, key := range []string{events.UserCreated, events.AuthLoginSuccess, events.AuthLoginSuccess} {
		if _, err := env.audit.Record(ctx, &audit.AuditLog{
			EventID:    events.NewID(at),
			Action:     key,
			EntityType: audit.EntityType(key),
			Source:     "test",
			OccurredAt: at.Add(time.Duration(i) * time.Minute),
		}); err != nil {
			t.Fatalf("Record() error = %v", err)
		}
	}

	w := env.do(t, http.MethodGet, "/api/v1/audit?action="+events.AuthLoginSuccess, nil, token)
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want %d", w.Code, http.StatusOK)
	}
	var result audit.ListResult
	decode(t, w, &result)
	if result.Total != 2 {
		t.Errorf("total = %d, want 2", result.Total)
	}

	w = env.do(t, http.MethodGet, "/api/v1/audit?since=2026-03-01T12:01:30Z", nil, token)
	decode(t, w, &result)
	if result.Total != 1 {
		t.Errorf("since total = %d, want 1", result.Total)
	}

	if w := env.do(t, http.MethodGet, "/api/v1/audit?since=yesterday", nil, token); w.Code != http.StatusBadRequest {
		t.Errorf("bad since status = %d, want %d", w.Code, http.StatusBadRequest)
	}
}

// ─── WebSocket Tests ───────────────────────────────────────────────

func TestTicketStore_SingleUse(t *testing.T) {
	ts := newTicketStore()
	now := time.Now()
	ticket := ts.issue("usr-1", now)

	id, ok := ts.consume(ticket, now)
	if !ok || id != "usr-1" {
		t.Fatalf("consume() = %q, %v; want usr-1, true", id, ok)
	}
	if _, ok := ts.consume(ticket, now); ok {
		t.Error("ticket should not be valid on second use")
	}
}

func TestTicketStore_Expiry(t *testing.T) {
	ts := newTicketStore()
	now := time.Now()
	ticket := ts.issue("usr-1", now)

	if _, ok := ts.consume(ticket, now.Add(ticketTTL)); ok {
		t.Error("expired ticket should not be valid")
	}

	ts.issue("usr-2", now)
	ts.sweep(now.Add(2 * ticketTTL))
	ts.mu.Lock()
	defer ts.mu.Unlock()
	if len(ts.tickets) != 0 {
		t.Errorf("tickets after sweep = %d, want 0", len(ts.tickets))
	}
}

func wsTicket(t *testing.T, env *testEnv, token string) string {
	t.Helper()
	w := env.do(t, http.MethodPost, "/api/v1/auth/ws-ticket", nil, token)
	if w.Code != http.StatusOK {
		t.Fatalf("ws-ticket status = %d, want %d", w.Code, http.StatusOK)
	}
	var resp struct {
		Ticket string `json:"ticket"`
	}
	decode(t, w, &resp)
	return resp.Ticket
}

func TestWebSocket_AdminReceivesEvents(t *testing.T) {
	env := testServer(t)
	ts := httptest.NewServer(env.router)
	defer ts.Close()

	ticket := wsTicket(t, env, env.login(t, adminExtID).Tokens.AccessToken)
	url := "ws" + strings.TrimPrefix(ts.URL, "http") + "/api/v1/events/ws?ticket=" + ticket

	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("Dial() error = %v", err)
	}
	defer conn.Close()
	conn.SetReadDeadline(time.Now().Add(5 * time.Second)) //nolint:errcheck // test deadline

	if err := conn.WriteJSON(WSMessage{Type: WSTypeSubscribe, ID: "1", Payload: WSSubscribePayload{Topics: []string{"user.#"}}}); err != nil {
		t.Fatalf("WriteJSON() error = %v", err)
	}
	var ack WSMessage
	if err := conn.ReadJSON(&ack); err != nil {
		t.Fatalf("reading ack: %v", err)
	}
	if ack.Type != WSTypeResponse || ack.ID != "1" {
		t.Fatalf("ack = %+v", ack)
	}

	relay := env.srv.EventHandler()
	skipped, _ := events.NewEvent(events.AuthLogout, "usr-x", "test", nil) //nolint:errcheck // nil payload
	wanted, _ := events.NewEvent(events.UserCreated, "usr-y", "test", nil) //nolint:errcheck // nil payload
	if err := relay(context.Background(), skipped); err != nil {
		t.Fatalf("relay error = %v", err)
	}
	if err := relay(context.Background(), wanted); err != nil {
		t.Fatalf("relay error = %v", err)
	}

	var msg WSMessage
	if err := conn.ReadJSON(&msg); err != nil {
		t.Fatalf("reading event: %v", err)
	}
	if msg.Type != WSTypeEvent || msg.EventType != events.UserCreated {
		t.Errorf("message = %+v, want %s event", msg, events.UserCreated)
	}
}

func TestWebSocket_Rejections(t *testing.T) {
	env := testServer(t)
	ts := httptest.NewServer(env.router)
	defer ts.Close()
	base := "ws" + strings.TrimPrefix(ts.URL, "http") + "/api/v1/events/ws"

	userTicket := wsTicket(t, env, env.registerAndLogin(t, "tg-erin").Tokens.AccessToken)

	tests := []struct {
		name  string
		query string
		want  int
	}{
		{"no ticket", "", http.StatusUnauthorized},
		{"unknown ticket", "?ticket=nope", http.StatusUnauthorized},
		{"non-admin", "?ticket=" + userTicket, http.StatusForbidden},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			conn, resp, err := websocket.DefaultDialer.Dial(base+tt.query, nil)
			if err == nil {
				conn.Close()
				t.Fatal("Dial() succeeded, want handshake failure")
			}
			if resp == nil || resp.StatusCode != tt.want {
				t.Errorf("response = %v, want status %d", resp, tt.want)
			}
		})
	}
}

func TestHub_PatternSubscriptions(t *testing.T) {
	env := testServer(t)
	hub := env.srv.Hub()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go hub.Run(ctx)

	client := &WSClient{
		hub:           hub,
		send:          make(chan []byte, wsSendBufferSize),
		subscriptions: map[string]struct{}{"auth.*": {}},
	}
	hub.Register(client)
	if hub.ClientCount() != 1 {
		t.Fatalf("client count = %d, want 1", hub.ClientCount())
	}

	hub.Broadcast(events.RoleCreated, nil)
	hub.Broadcast(events.AuthLoginSuccess, map[string]any{"principal_id": "usr-1"})

	select {
	case data := <-client.send:
		if !strings.Contains(string(data), events.AuthLoginSuccess) {
			t.Errorf("message = %s, want %s", data, events.AuthLoginSuccess)
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for broadcast message")
	}

	select {
	case data := <-client.send:
		t.Errorf("unexpected message %s", data)
	default:
	}

	hub.Unregister(client)
	if hub.ClientCount() != 0 {
		t.Errorf("after unregister count = %d, want 0", hub.ClientCount())
	}
}

func TestEventHandler_RedeliveryRelayedOnce(t *testing.T) {
	env := testServer(t)
	hub := env.srv.Hub()
	client := &WSClient{
		hub:           hub,
		send:          make(chan []byte, wsSendBufferSize),
		subscriptions: map[string]struct{}{"#": {}},
	}
	hub.Register(client)
	defer hub.Unregister(client)

	relay := env.srv.EventHandler()
	ev, err := events.NewEvent(events.UserCreated, "usr-1", "iam-core", nil)
	if err != nil {
		t.Fatalf("NewEvent() error = %v", err)
	}
	other, err := events.NewEvent(events.UserCreated, "usr-2", "iam-core", nil)
	if err != nil {
		t.Fatalf("NewEvent() error = %v", err)
	}

	// A requeue triggered by another consumer delivers ev again.
	for _, e := range []events.Event{ev, ev, other} {
		if err := relay(context.Background(), e); err != nil {
			t.Fatalf("relay error = %v", err)
		}
	}

	if got := len(client.send); got != 2 {
		t.Errorf("messages relayed = %d, want 2", got)
	}
}

func TestRecentIDs_ForgetsOldest(t *testing.T) {
	r := newRecentIDs(2)
	for _, id := range []string{"a", "b"} {
		if !r.add(id) {
			t.Fatalf("add(%s) = false, want true", id)
		}
	}
	if r.add("a") {
		t.Error("add(a) again = true, want false")
	}
	r.add("c") // evicts a
	if !r.add("a") {
		t.Error("add(a) after eviction = false, want true")
	}
}
