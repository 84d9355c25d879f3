package influxdb

import (
	"strings"
	"time"

	"github.com/influxdata/influxdb-client-go/v2/api/write"
)

// AuthEventsMeasurement holds one point per authentication event.
const AuthEventsMeasurement = "auth_events"

// AuthEventPoint builds the auth_events point for an event. The routing key
// becomes the "event" tag and its last segment the "kind" tag; the principal
// is a field, keeping tag cardinality bounded.
func AuthEventPoint(routingKey, principalID, outcome string, at time.Time) *write.Point {
	kind := routingKey
	if i := strings.LastIndexByte(routingKey, '.'); i >= 0 {
		kind = routingKey[i+1:]
	}

	tags := map[string]string{
		"event": routingKey,
		"kind":  kind,
	}
	if outcome != "" {
		tags["outcome"] = outcome
	}

	fields := map[string]any{"count": 1}
	if principalID != "" {
		fields["principal_id"] = principalID
	}

	if at.IsZero() {
		at = time.Now()
	}
	return write.NewPoint(AuthEventsMeasurement, tags, fields, at)
}

// WriteAuthEvent records one authentication event. Dropped while disconnected.
func (c *Client) WriteAuthEvent(routingKey, principalID, outcome string, at time.Time) {
	if !c.IsConnected() {
		return
	}
	c.writeAPI.WritePoint(AuthEventPoint(routingKey, principalID, outcome, at))
}
