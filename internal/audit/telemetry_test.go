package audit

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/viktordrukker/TG-ERP/internal/events"
)

type recordedPoint struct {
	key, principal, outcome string
	at                      time.Time
}

type fakeWriter struct {
	mu     sync.Mutex
	points []recordedPoint
}

func (f *fakeWriter) WriteAuthEvent(key, principal, outcome string, at time.Time) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.points = append(f.points, recordedPoint{key, principal, outcome, at})
}

func TestTelemetryHandler(t *testing.T) {
	w := &fakeWriter{}
	h := TelemetryHandler(w)
	ctx := context.Background()

	failed, err := events.NewEvent(events.AuthLoginFailed, "usr-1", "iam", map[string]string{"reason": "expired"})
	if err != nil {
		t.Fatalf("NewEvent() error = %v", err)
	}
	if err := h(ctx, failed); err != nil {
		t.Fatalf("handler error = %v", err)
	}

	// Unparseable data and timestamp still produce a point.
	odd := events.Event{ID: "e2", Type: events.AuthLogout, EntityID: "usr-2", OccurredAt: "yesterday", Data: json.RawMessage(`[1]`)}
	if err := h(ctx, odd); err != nil {
		t.Fatalf("handler error = %v", err)
	}

	if len(w.points) != 2 {
		t.Fatalf("points = %d, want 2", len(w.points))
	}
	if p := w.points[0]; p.key != events.AuthLoginFailed || p.principal != "usr-1" || p.outcome != "expired" || !p.at.Equal(failed.Time()) {
		t.Errorf("first point = %+v", p)
	}
	if p := w.points[1]; p.outcome != "" || p.at.IsZero() {
		t.Errorf("second point = %+v, want no outcome and a current time", p)
	}
}
