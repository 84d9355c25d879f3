package audit

import (
	"context"
	"encoding/json"
	"strings"

	"github.com/viktordrukker/TG-ERP/internal/events"
)

// Logger is the logging interface used by the audit consumer.
type Logger interface {
	Debug(msg string, args ...any)
}

// Handler returns an event handler that records every consumed event. A
// store failure is returned so the delivery is requeued; redelivered events
// are recorded once.
func Handler(repo Repository, logger Logger) events.Handler {
	return func(ctx context.Context, ev events.Event) error {
		log := &AuditLog{
			EventID:    ev.ID,
			Action:     ev.Type,
			EntityType: EntityType(ev.Type),
			EntityID:   ev.EntityID,
			Source:     ev.Source,
			Details:    details(ev.Data),
			OccurredAt: ev.Time(),
		}
		if log.Source == "" {
			log.Source = "unknown"
		}
		if log.EventID == "" {
			log.EventID = events.NewID(log.OccurredAt)
		}

		inserted, err := repo.Record(ctx, log)
		if err != nil {
			return err
		}
		if !inserted && logger != nil {
			logger.Debug("duplicate event skipped", "event_id", ev.ID, "routing_key", ev.Type)
		}
		return nil
	}
}

// EntityType derives the audited entity kind from a routing key.
func EntityType(routingKey string) string {
	switch {
	case strings.HasPrefix(routingKey, "user."):
		return "principal"
	case strings.HasPrefix(routingKey, "auth."):
		return "session"
	case routingKey == events.PrincipalRolesUpdated:
		return "principal_role"
	case routingKey == events.RolePermissionsUpdated:
		return "role_permission"
	case strings.HasPrefix(routingKey, "iam.role."):
		return "role"
	case strings.HasPrefix(routingKey, "iam.permission."):
		return "permission"
	}
	if i := strings.IndexByte(routingKey, '.'); i > 0 {
		return routingKey[:i]
	}
	return routingKey
}

// details decodes an object payload. Non-object payloads are kept under "value".
func details(raw json.RawMessage) map[string]any {
	if len(raw) == 0 || string(raw) == "null" {
		return nil
	}
	var m map[string]any
	if err := json.Unmarshal(raw, &m); err == nil {
		return m
	}
	var v any
	if err := json.Unmarshal(raw, &v); err == nil {
		return map[string]any{"value": v}
	}
	return nil
}
