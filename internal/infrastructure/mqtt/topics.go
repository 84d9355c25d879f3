package mqtt

import "strings"

// Routing keys are dot-segmented (user.created); MQTT topics are
// slash-segmented under an exchange prefix (tg-erp.events/user/created).
// The AMQP single-word wildcard * becomes +; # is the same in both.

// TopicForKey returns the topic a routing key is published on.
//
// Example: TopicForKey("tg-erp.events", "auth.login_success") = "tg-erp.events/auth/login_success"
func TopicForKey(prefix, routingKey string) string {
	return prefix + "/" + strings.ReplaceAll(routingKey, ".", "/")
}

// FilterForPattern returns the topic filter for an AMQP binding pattern.
//
// Example: FilterForPattern("tg-erp.events", "user.*") = "tg-erp.events/user/+"
func FilterForPattern(prefix, pattern string) string {
	segments := strings.Split(pattern, ".")
	for i, s := range segments {
		if s == "*" {
			segments[i] = "+"
		}
	}
	return prefix + "/" + strings.Join(segments, "/")
}

// SharedFilter wraps filter in a shared subscription for group, so that
// consumers in the group split the stream like a durable queue.
//
// Example: SharedFilter("iam-core", "tg-erp.events/user/#") = "$share/iam-core/tg-erp.events/user/#"
func SharedFilter(group, filter string) string {
	if group == "" {
		return filter
	}
	return "$share/" + group + "/" + filter
}

// KeyFromTopic reverses TopicForKey. ok is false for topics outside prefix.
func KeyFromTopic(prefix, topic string) (key string, ok bool) {
	rest, found := strings.CutPrefix(topic, prefix+"/")
	if !found || rest == "" {
		return "", false
	}
	return strings.ReplaceAll(rest, "/", "."), true
}

// StatusTopic returns the retained presence topic for a client.
//
// Example: StatusTopic("tg-erp.events", "iam-core-1") = "tg-erp.events/system/status/iam-core-1"
func StatusTopic(prefix, clientID string) string {
	return prefix + "/system/status/" + clientID
}
