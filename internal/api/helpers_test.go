package api

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"regexp"
	"sync"
	"testing"

	"github.com/viktordrukker/TG-ERP/internal/audit"
	"github.com/viktordrukker/TG-ERP/internal/auth"
	"github.com/viktordrukker/TG-ERP/internal/infrastructure/config"
	"github.com/viktordrukker/TG-ERP/internal/infrastructure/database"
	"github.com/viktordrukker/TG-ERP/internal/infrastructure/logging"
	"github.com/viktordrukker/TG-ERP/internal/session"
	_ "github.com/viktordrukker/TG-ERP/migrations"
)

const (
	testSecret  = "api-test-secret-key-at-least-32-characters"
	adminExtID  = "tg-admin"
	testVersion = "test"
)

var codePattern = regexp.MustCompile(`\b[0-9]{6}\b`)

// captureNotifier records every message and exposes the latest code.
type captureNotifier struct {
	mu   sync.Mutex
	last map[string]string
	err  error
}

func (n *captureNotifier) Send(_ context.Context, externalID, text string) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.err != nil {
		return n.err
	}
	if n.last == nil {
		n.last = make(map[string]string)
	}
	if code := codePattern.FindString(text); code != "" {
		n.last[externalID] = code
	}
	return nil
}

func (n *captureNotifier) setErr(err error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.err = err
}

func (n *captureNotifier) code(t *testing.T, externalID string) string {
	t.Helper()
	n.mu.Lock()
	defer n.mu.Unlock()
	code, ok := n.last[externalID]
	if !ok {
		t.Fatalf("no code sent to %s", externalID)
	}
	return code
}

type countingEmitter struct {
	mu   sync.Mutex
	keys []string
}

func (e *countingEmitter) Emit(_ context.Context, key, _ string, _ any) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.keys = append(e.keys, key)
	return true
}

type fakeBroker struct{ up bool }

func (b fakeBroker) Connected() bool   { return b.up }
func (b fakeBroker) Transport() string { return "memory" }

type testEnv struct {
	srv      *Server
	router   http.Handler
	store    *auth.SQLStore
	notifier *captureNotifier
	audit    *audit.SQLRepository
}

type envOption func(*Deps)

func withBroker(b BrokerStatus) envOption { return func(d *Deps) { d.Broker = b } }

func withRateLimit(perMinute, burst int) envOption {
	return func(d *Deps) {
		d.RateLimit = config.RateLimitConfig{Enabled: true, RequestsPerMinute: perMinute, Burst: burst}
	}
}

// testServer builds a Server over a migrated SQLite database with the
// built-in roles seeded and adminExtID bootstrapped as administrator.
func testServer(t *testing.T, opts ...envOption) *testEnv {
	t.Helper()
	ctx := context.Background()

	db, err := database.Open(database.Config{
		Driver:      database.DriverSQLite,
		Path:        filepath.Join(t.TempDir(), "api-test.db"),
		WALMode:     true,
		BusyTimeout: 5,
	})
	if err != nil {
		t.Fatalf("database.Open() error = %v", err)
	}
	t.Cleanup(func() { db.Close() })
	if err := db.Migrate(ctx); err != nil {
		t.Fatalf("Migrate() error = %v", err)
	}

	store := auth.NewSQLStore(db)
	if err := auth.Seed(ctx, store, auth.SeedConfig{AdminExternalID: adminExtID}, nil); err != nil {
		t.Fatalf("Seed() error = %v", err)
	}

	notifier := &captureNotifier{}
	emitter := &countingEmitter{}
	tokens, err := auth.NewTokenService(testSecret)
	if err != nil {
		t.Fatalf("NewTokenService() error = %v", err)
	}
	sessions, err := session.New(session.Deps{
		Store:    store,
		Tokens:   tokens,
		Verifier: auth.NewVerifier(auth.NewMemoryCodeStore(), notifier),
		Notifier: notifier,
		Emitter:  emitter,
	}, session.Config{TrackRefreshGeneration: true, DefaultRole: auth.RoleUser})
	if err != nil {
		t.Fatalf("session.New() error = %v", err)
	}
	admin, err := auth.NewAdmin(store, emitter)
	if err != nil {
		t.Fatalf("NewAdmin() error = %v", err)
	}
	repo := audit.NewSQLRepository(db)

	deps := Deps{
		Config: config.APIConfig{
			Host:     "127.0.0.1",
			Timeouts: config.APITimeoutConfig{Read: 5, Write: 5, Idle: 5},
		},
		WS: config.WebSocketConfig{
			Path:           "/events/ws",
			MaxMessageSize: 8192,
			PingInterval:   30,
			PongTimeout:    10,
		},
		Logger:   logging.New(config.LoggingConfig{Level: "error", Format: "text", Output: "stdout"}, testVersion),
		Sessions: sessions,
		Admin:    admin,
		Engine:   auth.NewEngine(store),
		Audit:    repo,
		DB:       db,
		Version:  testVersion,
	}
	for _, opt := range opts {
		opt(&deps)
	}

	srv, err := New(deps)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	return &testEnv{srv: srv, router: srv.buildRouter(), store: store, notifier: notifier, audit: repo}
}

// do sends a request through the router. body is JSON-encoded when non-nil.
func (e *testEnv) do(t *testing.T, method, path string, body any, token string) *httptest.ResponseRecorder {
	t.Helper()

	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatalf("encoding body: %v", err)
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	w := httptest.NewRecorder()
	e.router.ServeHTTP(w, req)
	return w
}

// login runs the HTTP login flow for an existing principal and returns the
// verified session.
func (e *testEnv) login(t *testing.T, externalID string) session.Result {
	t.Helper()

	if w := e.do(t, http.MethodPost, "/api/v1/auth/login", map[string]string{"external_id": externalID}, ""); w.Code != http.StatusAccepted {
		t.Fatalf("login status = %d, want %d: %s", w.Code, http.StatusAccepted, w.Body.String())
	}
	w := e.do(t, http.MethodPost, "/api/v1/auth/verify", map[string]string{
		"external_id": externalID,
		"code":        e.notifier.code(t, externalID),
	}, "")
	if w.Code != http.StatusOK {
		t.Fatalf("verify status = %d, want %d: %s", w.Code, http.StatusOK, w.Body.String())
	}
	var res session.Result
	decode(t, w, &res)
	return res
}

// registerAndLogin registers externalID over HTTP and logs it in.
func (e *testEnv) registerAndLogin(t *testing.T, externalID string) session.Result {
	t.Helper()
	w := e.do(t, http.MethodPost, "/api/v1/auth/register", map[string]string{
		"external_id": externalID,
		"name":        "User " + externalID,
	}, "")
	if w.Code != http.StatusCreated {
		t.Fatalf("register status = %d, want %d: %s", w.Code, http.StatusCreated, w.Body.String())
	}
	return e.login(t, externalID)
}

func decode(t *testing.T, w *httptest.ResponseRecorder, v any) {
	t.Helper()
	if err := json.Unmarshal(w.Body.Bytes(), v); err != nil {
		t.Fatalf("unmarshal %q: %v", w.Body.String(), err)
	}
}

func errorCode(t *testing.T, w *httptest.ResponseRecorder) string {
	t.Helper()
	var e Error
	decode(t, w, &e)
	return e.Code
}
