package orchestrator

import (
	"regexp"
	"strings"
)

// placeholderRe matches both {name} and {{name}} forms. The double
// form is tried first since it's a superset match of the single form
// on the same input position; capturing group 1 holds the name for the
// double form and group 2 for the single form.
var placeholderRe = regexp.MustCompile(`\{\{([a-zA-Z0-9_.]+)\}\}|\{([a-zA-Z0-9_.]+)\}`)

// substitute replaces every placeholder occurrence in s using lookup,
// which returns (value, true) if name resolves. If a placeholder's
// name does not resolve, ok is returned false carrying the first
// unresolved name, and the call should be treated as a whole failure —
// the spec requires failing the action with UnboundPlaceholder rather
// than emitting a partially-substituted string.
func substitute(s string, lookup func(name string) (string, bool)) (result string, unresolved string, ok bool) {
	var missing string
	out := placeholderRe.ReplaceAllStringFunc(s, func(m string) string {
		sub := placeholderRe.FindStringSubmatch(m)
		name := sub[1]
		if name == "" {
			name = sub[2]
		}
		val, found := lookup(name)
		if !found {
			if missing == "" {
				missing = name
			}
			return m
		}
		return val
	})
	if missing != "" {
		return "", missing, false
	}
	return out, "", true
}

// containsPlaceholder reports whether s has at least one {name} or
// {{name}} token, used to decide whether a string parameter value
// needs substitution at all.
func containsPlaceholder(s string) bool {
	return strings.Contains(s, "{") && placeholderRe.MatchString(s)
}
