// Package mqtt provides MQTT client connectivity for the domain event channel.
//
// This package manages:
//   - Connection to an MQTT broker with persistent or clean sessions
//   - Message publishing with QoS guarantees and context-bounded waits
//   - Shared subscriptions ($share/{group}/...) used as a durable queue
//   - Last Will and Testament (LWT) for offline detection
//   - Mapping between dot-segmented routing keys and MQTT topics
//
// # Reconnection
//
// The client does not reconnect on its own. A lost connection is reported
// through SetOnDisconnect and the owner dials a fresh client on its own
// schedule, so that one supervisor decides the retry interval.
//
// # Security Considerations
//
//   - TLS is required for production deployments (cfg.Broker.TLS=true)
//   - Credentials are validated against broker ACL
//   - Anonymous access is only for local development
//
// # Usage
//
//	client, err := mqtt.Connect(cfg.MQTT, mqtt.Options{StatusTopic: mqtt.StatusTopic(prefix, id)})
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer client.Close()
//
//	filter := mqtt.SharedFilter("iam-core", mqtt.FilterForPattern(prefix, "user.#"))
//	err = client.Subscribe(filter, 1, func(topic string, payload []byte) error {
//	    key, _ := mqtt.KeyFromTopic(prefix, topic)
//	    log.Printf("received %s", key)
//	    return nil
//	})
//
//	err = client.Publish(ctx, mqtt.TopicForKey(prefix, "user.created"), body, 1, false)
package mqtt
