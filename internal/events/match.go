package events

import "strings"

// MatchKey reports whether routingKey matches an AMQP topic pattern, where *
// matches exactly one word and # matches zero or more words.
func MatchKey(pattern, routingKey string) bool {
	return matchWords(strings.Split(pattern, "."), strings.Split(routingKey, "."))
}

func matchWords(pattern, key []string) bool {
	for len(pattern) > 0 {
		switch pattern[0] {
		case "#":
			if len(pattern) == 1 {
				return true
			}
			for i := 0; i <= len(key); i++ {
				if matchWords(pattern[1:], key[i:]) {
					return true
				}
			}
			return false
		case "*":
			if len(key) == 0 {
				return false
			}
		default:
			if len(key) == 0 || key[0] != pattern[0] {
				return false
			}
		}
		pattern, key = pattern[1:], key[1:]
	}
	return len(key) == 0
}

// matchesAny reports whether routingKey matches any pattern.
func matchesAny(patterns []string, routingKey string) bool {
	for _, p := range patterns {
		if MatchKey(p, routingKey) {
			return true
		}
	}
	return false
}
