// Package topic implements the MQTT-style topic/filter grammar and the
// filter-against-topic matching predicate.
package topic

import "strings"

// IsValidTopic reports whether t is a valid publish target: non-empty, no
// leading or trailing slash, restricted alphabet, no wildcard characters.
// Double slashes are deliberately not special-cased; a topic is matched
// character-by-character against this grammar.
func IsValidTopic(t string) bool {
	if t == "" {
		return false
	}
	if t[0] == '/' || t[len(t)-1] == '/' {
		return false
	}
	for i := 0; i < len(t); i++ {
		if !isTopicChar(t[i]) {
			return false
		}
	}
	return true
}

func isTopicChar(c byte) bool {
	switch {
	case c >= 'A' && c <= 'Z', c >= 'a' && c <= 'z', c >= '0' && c <= '9':
		return true
	case c == '_' || c == '/' || c == '-':
		return true
	default:
		return false
	}
}

// IsValidTopicFilter reports whether f is a legal subscription filter: the
// topic alphabet plus '+' and '#', with '#' only as the whole filter or as
// the final component preceded by '/', and '+' only ever standing alone as
// a whole path component. A filter with no wildcard at all is a topic, not
// a filter, and is rejected here.
func IsValidTopicFilter(f string) bool {
	if f == "" || f[0] == '/' {
		return false
	}
	hasWildcard := false
	parts := strings.Split(f, "/")
	for i, part := range parts {
		switch part {
		case "#":
			hasWildcard = true
			if i != len(parts)-1 {
				return false
			}
		case "+":
			hasWildcard = true
		case "":
			return false
		default:
			for j := 0; j < len(part); j++ {
				if !isTopicChar(part[j]) {
					return false
				}
				if part[j] == '+' || part[j] == '#' {
					return false
				}
			}
		}
	}
	return hasWildcard
}

// IsFilterMatched reports whether topic t matches subscription filter f
// under the MQTT-style grammar: '+' matches exactly one path component,
// '#' at the end matches zero or more trailing components (so "a/b/#"
// additionally matches the bare string "a/b"), and any other component must
// match literally.
func IsFilterMatched(filter, t string) bool {
	fParts := strings.Split(filter, "/")
	tParts := strings.Split(t, "/")

	fi, ti := 0, 0
	for fi < len(fParts) {
		part := fParts[fi]
		if part == "#" {
			return true
		}
		if ti >= len(tParts) {
			// The topic ran out before the filter did. A '#' component
			// already returned true above (which is how "a/b/#" matches
			// "a/b"), so this expression is false for any component left.
			return fi == len(fParts)-1 && part == "#"
		}
		if part != "+" && part != tParts[ti] {
			return false
		}
		fi++
		ti++
	}
	return ti == len(tParts)
}
