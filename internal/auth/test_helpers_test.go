package auth

import (
	"context"
	"path/filepath"
	"sync"
	"testing"

	"github.com/viktordrukker/TG-ERP/internal/infrastructure/database"
	_ "github.com/viktordrukker/TG-ERP/migrations"
)

// testStore opens a temporary SQLite database with the IAM schema applied.
func testStore(t *testing.T) *SQLStore {
	t.Helper()

	db, err := database.Open(database.Config{
		Driver:      database.DriverSQLite,
		Path:        filepath.Join(t.TempDir(), "iam-test.db"),
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
	return NewSQLStore(db)
}

// seedPrincipal creates an active principal with the given external ID.
func seedPrincipal(t *testing.T, s Store, externalID string) *Principal {
	t.Helper()
	p := &Principal{ExternalID: externalID, Name: "Test " + externalID, IsActive: true}
	if err := s.CreatePrincipal(context.Background(), p); err != nil {
		t.Fatalf("CreatePrincipal(%s) error = %v", externalID, err)
	}
	return p
}

func seedRole(t *testing.T, s Store, name string) *Role {
	t.Helper()
	r := &Role{Name: name}
	if err := s.CreateRole(context.Background(), r); err != nil {
		t.Fatalf("CreateRole(%s) error = %v", name, err)
	}
	return r
}

func seedPermission(t *testing.T, s Store, resource, action string) *Permission {
	t.Helper()
	p := &Permission{Name: resource + ":" + action, Resource: resource, Action: action}
	if err := s.CreatePermission(context.Background(), p); err != nil {
		t.Fatalf("CreatePermission(%s) error = %v", p.Name, err)
	}
	return p
}

// recordingEmitter captures emitted events.
type recordingEmitter struct {
	mu     sync.Mutex
	events []emitted
}

type emitted struct {
	key      string
	entityID string
	data     any
}

func (r *recordingEmitter) Emit(_ context.Context, key, entityID string, data any) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, emitted{key: key, entityID: entityID, data: data})
	return true
}

func (r *recordingEmitter) keys() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	keys := make([]string, len(r.events))
	for i, e := range r.events {
		keys[i] = e.key
	}
	return keys
}

// recordingLogger captures log messages by level.
type recordingLogger struct {
	mu   sync.Mutex
	msgs []string
}

func (l *recordingLogger) record(level, msg string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.msgs = append(l.msgs, level+": "+msg)
}

func (l *recordingLogger) Debug(msg string, _ ...any) { l.record("debug", msg) }
func (l *recordingLogger) Info(msg string, _ ...any)  { l.record("info", msg) }
func (l *recordingLogger) Warn(msg string, _ ...any)  { l.record("warn", msg) }
func (l *recordingLogger) Error(msg string, _ ...any) { l.record("error", msg) }

func (l *recordingLogger) has(entry string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	for _, m := range l.msgs {
		if m == entry {
			return true
		}
	}
	return false
}
