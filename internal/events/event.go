package events

import (
	"encoding/json"
	mathrand "math/rand"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
)

// Routing keys published by the IAM core.
const (
	UserCreated     = "user.created"
	UserUpdated     = "user.updated"
	UserDeactivated = "user.deactivated"

	AuthLoginAttempt   = "auth.login_attempt"
	AuthLoginSuccess   = "auth.login_success"
	AuthLoginFailed    = "auth.login_failed"
	AuthLogout         = "auth.logout"
	AuthTokenRefreshed = "auth.token_refreshed"

	RoleCreated            = "iam.role.created"
	RoleUpdated            = "iam.role.updated"
	RoleDeleted            = "iam.role.deleted"
	PermissionCreated      = "iam.permission.created"
	PermissionUpdated      = "iam.permission.updated"
	PermissionDeleted      = "iam.permission.deleted"
	PrincipalRolesUpdated  = "iam.principal.roles.updated"
	RolePermissionsUpdated = "iam.role.permissions.updated"
)

// DefaultBindings are the patterns the IAM core consumes.
var DefaultBindings = []string{"user.#", "auth.#", "iam.#"}

// Event is the wire envelope of every domain event.
type Event struct {
	ID         string          `json:"id"`
	Type       string          `json:"type"`
	Source     string          `json:"source,omitempty"`
	OccurredAt string          `json:"occurred_at"`
	EntityID   string          `json:"entity_id"`
	Data       json.RawMessage `json:"data,omitempty"`
}

// Time parses OccurredAt. A malformed timestamp yields the zero time.
func (e Event) Time() time.Time {
	t, _ := time.Parse(time.RFC3339Nano, e.OccurredAt) //nolint:errcheck // zero time on bad input
	return t
}

// Decode unmarshals Data into v.
func (e Event) Decode(v any) error {
	if len(e.Data) == 0 {
		return nil
	}
	return json.Unmarshal(e.Data, v)
}

var (
	entropyMu sync.Mutex
	entropy   = ulid.Monotonic(mathrand.New(mathrand.NewSource(time.Now().UnixNano())), 0) //nolint:gosec // IDs need ordering, not secrecy
)

// NewID returns a lexicographically sortable event identifier.
func NewID(at time.Time) string {
	entropyMu.Lock()
	defer entropyMu.Unlock()
	return ulid.MustNew(ulid.Timestamp(at), entropy).String()
}

// NewEvent builds an envelope for routingKey about entityID.
func NewEvent(routingKey, entityID, source string, data any) (Event, error) {
	now := time.Now().UTC()
	ev := Event{
		ID:         NewID(now),
		Type:       routingKey,
		Source:     source,
		OccurredAt: now.Format(time.RFC3339Nano),
		EntityID:   entityID,
	}
	if data != nil {
		raw, err := json.Marshal(data)
		if err != nil {
			return Event{}, err
		}
		ev.Data = raw
	}
	return ev, nil
}
