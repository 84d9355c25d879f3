package audit

import (
	"context"
	"time"

	"github.com/viktordrukker/TG-ERP/internal/events"
)

// PointWriter writes authentication telemetry. Implemented by *influxdb.Client.
type PointWriter interface {
	WriteAuthEvent(routingKey, principalID, outcome string, at time.Time)
}

// TelemetryHandler returns an event handler that mirrors events into a
// time-series writer. Writes are fire-and-forget so it never requeues.
func TelemetryHandler(w PointWriter) events.Handler {
	return func(_ context.Context, ev events.Event) error {
		var payload struct {
			Reason string `json:"reason"`
		}
		_ = ev.Decode(&payload) //nolint:errcheck // outcome is optional

		at := ev.Time()
		if at.IsZero() {
			at = time.Now()
		}
		w.WriteAuthEvent(ev.Type, ev.EntityID, payload.Reason, at)
		return nil
	}
}
