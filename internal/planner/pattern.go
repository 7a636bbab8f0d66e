package planner

import (
	"regexp"
	"strings"

	"github.com/brackwood/nexus/internal/action"
)

// patternRule is one literal fallback pattern (spec §4.6 step 4), tried
// in order against the deictic-resolved input; the first match produces
// a single-action Plan without involving the LLM at all.
type patternRule struct {
	name  string
	re    *regexp.Regexp
	build func(m []string) action.Plan
}

var patterns = []patternRule{
	{
		// Reference resolution (step 1) already turns "open document N"
		// into the literal path from last_query_results[N-1].path, so by
		// the time pattern-fallback runs, a successfully-resolved
		// "document N" reference is just an absolute path.
		name: "open_resolved_path",
		re:   regexp.MustCompile(`^\s*(/[^\s]+|[A-Za-z]:\\[^\s]+)\s*$`),
		build: func(m []string) action.Plan {
			path := strings.TrimSpace(m[1])
			return singleAction(action.KindFileRead, map[string]any{"path": path},
				"Opening "+path+".")
		},
	},
	{
		// Likewise "open link N"/"visit site N" resolve to a bare URL;
		// there is no action kind that opens a browser tab, so the
		// closest available action re-issues it as a search so the
		// assistant has fresh content to summarize.
		name: "open_resolved_url",
		re:   regexp.MustCompile(`^\s*(https?://\S+)\s*$`),
		build: func(m []string) action.Plan {
			u := strings.TrimSpace(m[1])
			return singleAction(action.KindWebSearch, map[string]any{"query": u},
				"Looking up "+u+".")
		},
	},
	{
		name: "search_the_web_for_x",
		re:   regexp.MustCompile(`(?i)^\s*search the web for\s+(.+)$`),
		build: func(m []string) action.Plan {
			q := strings.TrimSpace(m[1])
			return singleAction(action.KindWebSearch, map[string]any{"query": q},
				"Searching the web for "+q+".")
		},
	},
	{
		name: "read_the_screen",
		re:   regexp.MustCompile(`(?i)^\s*(?:read|ocr)\s+the\s+screen\s*$`),
		build: func(m []string) action.Plan {
			return singleAction(action.KindOCRCapture, map[string]any{"region": "full"},
				"Reading text from the screen.")
		},
	},
}

func singleAction(kind action.Kind, params map[string]any, explanation string) action.Plan {
	return action.Plan{
		Explanation: explanation,
		Actions: []action.Action{
			{ID: "a1", Kind: kind, Parameters: params, NeedsApproval: action.NeedsApproval(kind)},
		},
	}
}

// matchPattern tries each literal pattern against input in order and
// returns the first match's Plan. ok is false if nothing matched, in
// which case the caller falls through to the bare chat plan (spec §4.6
// step 4's final clause).
func matchPattern(input string) (plan action.Plan, name string, ok bool) {
	for _, p := range patterns {
		if m := p.re.FindStringSubmatch(input); m != nil {
			return p.build(m), p.name, true
		}
	}
	return action.Plan{}, "", false
}

// chatFallback produces the degenerate one-action llm_generate plan
// used both by the final pattern-fallback clause and by the
// Conversation Engine's planning-exception degrade path.
func chatFallback(input string) action.Plan {
	return singleAction(action.KindLLMGenerate, map[string]any{
		"prompt": input,
		"mode":   "chat",
	}, "")
}

// ChatFallback is the exported form of chatFallback, for callers (the
// Conversation Engine) that need to degrade to a bare chat response
// outside of Planner.Plan's own internal fallback chain — e.g. when
// Plan itself panics or returns an error in a future extension.
func ChatFallback(input string) action.Plan {
	return chatFallback(input)
}

