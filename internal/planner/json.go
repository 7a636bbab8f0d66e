package planner

import (
	"encoding/json"
	"strings"
)

// extractJSON pulls the first balanced JSON object out of response,
// tolerating surrounding prose the way LLMs commonly wrap a requested
// JSON payload in explanatory text or a markdown fence. If response is
// already valid JSON it is returned unchanged.
func extractJSON(response string) string {
	trimmed := strings.TrimSpace(response)
	trimmed = strings.TrimPrefix(trimmed, "```json")
	trimmed = strings.TrimPrefix(trimmed, "```")
	trimmed = strings.TrimSuffix(trimmed, "```")
	trimmed = strings.TrimSpace(trimmed)

	var probe any
	if json.Unmarshal([]byte(trimmed), &probe) == nil {
		return trimmed
	}

	start := strings.Index(trimmed, "{")
	if start < 0 {
		return response
	}

	depth := 0
	inString := false
	escaped := false
	for i := start; i < len(trimmed); i++ {
		c := trimmed[i]
		if escaped {
			escaped = false
			continue
		}
		switch c {
		case '\\':
			escaped = true
		case '"':
			inString = !inString
		case '{':
			if !inString {
				depth++
			}
		case '}':
			if !inString {
				depth--
				if depth == 0 {
					return trimmed[start : i+1]
				}
			}
		}
	}
	return response
}
