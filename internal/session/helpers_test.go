package session

import (
	"context"
	"path/filepath"
	"regexp"
	"sync"
	"testing"
	"time"

	"github.com/viktordrukker/TG-ERP/internal/auth"
	"github.com/viktordrukker/TG-ERP/internal/infrastructure/database"
	_ "github.com/viktordrukker/TG-ERP/migrations"
)

const testSecret = "session-test-secret-at-least-32-characters"

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(d)
}

type emitted struct {
	key      string
	entityID string
	data     any
}

type recordingEmitter struct {
	mu     sync.Mutex
	events []emitted
}

func (e *recordingEmitter) Emit(_ context.Context, key, entityID string, data any) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.events = append(e.events, emitted{key, entityID, data})
	return true
}

func (e *recordingEmitter) keys() []string {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]string, 0, len(e.events))
	for _, ev := range e.events {
		out = append(out, ev.key)
	}
	return out
}

func (e *recordingEmitter) last() emitted {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.events[len(e.events)-1]
}

type fakeNotifier struct {
	mu   sync.Mutex
	err  error
	sent map[string][]string
}

func (n *fakeNotifier) Send(_ context.Context, externalID, text string) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.err != nil {
		return n.err
	}
	if n.sent == nil {
		n.sent = make(map[string][]string)
	}
	n.sent[externalID] = append(n.sent[externalID], text)
	return nil
}

func (n *fakeNotifier) setErr(err error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.err = err
}

func (n *fakeNotifier) count(externalID string) int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return len(n.sent[externalID])
}

var codePattern = regexp.MustCompile(`\b[0-9]{6}\b`)

// lastCode extracts the most recent one-time code sent to externalID.
func (n *fakeNotifier) lastCode(t *testing.T, externalID string) string {
	t.Helper()
	n.mu.Lock()
	defer n.mu.Unlock()
	for i := len(n.sent[externalID]) - 1; i >= 0; i-- {
		if code := codePattern.FindString(n.sent[externalID][i]); code != "" {
			return code
		}
	}
	t.Fatalf("no code sent to %s", externalID)
	return ""
}

type fixture struct {
	orch     *Orchestrator
	store    *auth.SQLStore
	tokens   *auth.TokenService
	notifier *fakeNotifier
	emitter  *recordingEmitter
	clock    *fakeClock
}

func newFixture(t *testing.T, cfg Config) *fixture {
	t.Helper()

	db, err := database.Open(database.Config{
		Driver:      database.DriverSQLite,
		Path:        filepath.Join(t.TempDir(), "session-test.db"),
		WALMode:     true,
		BusyTimeout: 5,
	})
	if err != nil {
		t.Fatalf("database.Open() error = %v", err)
	}
	t.Cleanup(func() { db.Close() })
	if err := db.Migrate(context.Background()); err != nil {
		t.Fatalf("Migrate() error = %v", err)
	}

	f := &fixture{
		store:    auth.NewSQLStore(db),
		notifier: &fakeNotifier{},
		emitter:  &recordingEmitter{},
		clock:    &fakeClock{t: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)},
	}

	f.tokens, err = auth.NewTokenService(testSecret, auth.WithClock(f.clock.Now))
	if err != nil {
		t.Fatalf("NewTokenService() error = %v", err)
	}
	verifier := auth.NewVerifier(auth.NewMemoryCodeStore(), f.notifier, auth.WithVerifierClock(f.clock.Now))

	cfg.Now = f.clock.Now
	f.orch, err = New(Deps{
		Store:    f.store,
		Tokens:   f.tokens,
		Verifier: verifier,
		Notifier: f.notifier,
		Emitter:  f.emitter,
	}, cfg)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	return f
}

// login registers externalID and runs the full code flow.
func (f *fixture) login(t *testing.T, externalID string) *Result {
	t.Helper()
	ctx := context.Background()

	if _, err := f.store.GetPrincipalByExternalID(ctx, externalID); err != nil {
		if _, err := f.orch.Register(ctx, externalID, "User "+externalID, ""); err != nil {
			t.Fatalf("Register() error = %v", err)
		}
	}
	if _, err := f.orch.Login(ctx, externalID); err != nil {
		t.Fatalf("Login() error = %v", err)
	}
	res, err := f.orch.Verify(ctx, externalID, f.notifier.lastCode(t, externalID))
	if err != nil {
		t.Fatalf("Verify() error = %v", err)
	}
	return res
}
