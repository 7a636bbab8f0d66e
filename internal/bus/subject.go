package bus

import (
	"regexp"
	"strings"
)

// toTopic translates a subject ("a.b.c", wildcards "*" and ">") to an
// MQTT topic filter ("a/b/c", wildcards "+" and "#"). The two grammars
// are structurally identical — both are slash/dot-delimited token
// sequences with a single-token wildcard and a multi-level trailing
// wildcard — so translation is a straight token-by-token mapping.
func toTopic(subject string) string {
	parts := strings.Split(subject, ".")
	for i, p := range parts {
		switch p {
		case "*":
			parts[i] = "+"
		case ">":
			parts[i] = "#"
		}
	}
	return strings.Join(parts, "/")
}

// toSubject translates an MQTT topic back to dot-subject form. Used
// when a handler needs to know which subject it matched under a
// wildcard subscription.
func toSubject(topic string) string {
	parts := strings.Split(topic, "/")
	for i, p := range parts {
		switch p {
		case "+":
			parts[i] = "*"
		case "#":
			parts[i] = ">"
		}
	}
	return strings.Join(parts, ".")
}

// regexpMatcher matches dot-subjects against a subject pattern
// containing "*"/">" wildcards. Shared by mem.go and mqtt.go so both
// transports agree on wildcard semantics.
type regexpMatcher struct {
	subject string
	re      *regexp.Regexp
}

func newRegexpMatcher(subject string) (*regexpMatcher, error) {
	segs := strings.Split(subject, ".")
	var b strings.Builder
	b.WriteString("^")
	for i, s := range segs {
		if i > 0 {
			b.WriteString(`\.`)
		}
		switch s {
		case "*":
			b.WriteString(`[^.]+`)
		case ">":
			b.WriteString(`.+`)
		default:
			b.WriteString(regexp.QuoteMeta(s))
		}
	}
	b.WriteString("$")
	re, err := regexp.Compile(b.String())
	if err != nil {
		return nil, err
	}
	return &regexpMatcher{subject: subject, re: re}, nil
}

func (m *regexpMatcher) Match(subject string) bool {
	return m.re.MatchString(subject)
}
