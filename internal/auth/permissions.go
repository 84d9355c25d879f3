package auth

import (
	"net/http"
	"regexp"
	"strconv"
	"strings"

	"github.com/google/uuid"
	"github.com/oklog/ulid/v2"
)

// entityIDPattern matches the short prefixed IDs this service generates.
var entityIDPattern = regexp.MustCompile(`^[a-z]{3}-[0-9a-f]{8}$`)

// ActionFromMethod maps an HTTP verb to a permission action.
// Unrecognised verbs map to read.
func ActionFromMethod(method string) string {
	switch strings.ToUpper(method) {
	case http.MethodPost:
		return ActionCreate
	case http.MethodPut, http.MethodPatch:
		return ActionUpdate
	case http.MethodDelete:
		return ActionDelete
	default:
		return ActionRead
	}
}

// ResourceFromPath returns the last collection segment of path, skipping
// segments that are entity IDs or route placeholders.
// "/api/v1/users/usr-1a2b3c4d" yields "users".
func ResourceFromPath(path string) string {
	segments := strings.Split(strings.Trim(path, "/"), "/")
	for i := len(segments) - 1; i >= 0; i-- {
		seg := segments[i]
		if seg == "" || isIDSegment(seg) {
			continue
		}
		return seg
	}
	return ""
}

func isIDSegment(seg string) bool {
	if strings.HasPrefix(seg, ":") || (strings.HasPrefix(seg, "{") && strings.HasSuffix(seg, "}")) {
		return true
	}
	if _, err := strconv.ParseInt(seg, 10, 64); err == nil {
		return true
	}
	if entityIDPattern.MatchString(seg) {
		return true
	}
	if _, err := uuid.Parse(seg); err == nil {
		return true
	}
	if len(seg) == ulid.EncodedSize {
		if _, err := ulid.ParseStrict(seg); err == nil {
			return true
		}
	}
	return false
}
