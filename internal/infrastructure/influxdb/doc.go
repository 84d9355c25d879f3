// Package influxdb provides optional InfluxDB connectivity for authentication
// telemetry.
//
// When enabled, every auth.* event consumed by the service is written as an
// auth_events point (tags: event, kind, outcome; fields: count,
// principal_id), giving a time series of login attempts, successes, failures
// and refreshes next to the relational audit trail.
//
// # Usage
//
//	client, err := influxdb.Connect(ctx, cfg.InfluxDB)
//	if errors.Is(err, influxdb.ErrDisabled) {
//	    // telemetry off
//	}
//	defer client.Close()
//
//	client.WriteAuthEvent("auth.login_success", "usr-1a2b3c4d", "", time.Now())
//
// # Thread Safety
//
// All methods are safe for concurrent use. Writes are non-blocking and
// batched according to batch_size and flush_interval; async write failures
// are delivered through SetOnError.
package influxdb
