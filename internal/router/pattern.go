package router

import "strings"

// Match reports whether a subscription pattern matches an event name.
// Names are colon-separated segments ("completion:result"). In patterns,
// "*" matches exactly one segment and "**" matches one or more segments.
// Matching is structural and case-sensitive; literal names match exactly.
func Match(pattern, name string) bool {
	if pattern == name {
		return true
	}
	if !strings.ContainsAny(pattern, "*") {
		return false
	}
	return matchSegments(strings.Split(pattern, ":"), strings.Split(name, ":"))
}

func matchSegments(pat, seg []string) bool {
	if len(pat) == 0 {
		return len(seg) == 0
	}
	switch pat[0] {
	case "**":
		// Must consume at least one segment.
		for i := 1; i <= len(seg); i++ {
			if matchSegments(pat[1:], seg[i:]) {
				return true
			}
		}
		return false
	case "*":
		if len(seg) == 0 {
			return false
		}
		return matchSegments(pat[1:], seg[1:])
	default:
		if len(seg) == 0 || pat[0] != seg[0] {
			return false
		}
		return matchSegments(pat[1:], seg[1:])
	}
}

// IsPattern reports whether s contains wildcard segments.
func IsPattern(s string) bool {
	return strings.Contains(s, "*")
}
