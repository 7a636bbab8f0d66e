// Package resolver implements the Reference Resolver (C7): it resolves
// a closed vocabulary of deictic pronouns and phrases ("it", "that
// file", "document 2") against a session's Context.Variables, the same
// way internal/paths.Resolver maps prefixed path names to directories
// by trying candidates longest/most-specific first and returning the
// first hit.
package resolver

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"github.com/brackwood/nexus/internal/contextstore"
	"github.com/brackwood/nexus/internal/errs"
)

// candidateLists maps a recognized phrase to the ordered list of
// Context.Variables keys consulted for it, first hit wins (spec §4.7
// resolution table).
var candidateLists = map[string][]string{
	"it":    {"last_generated_image", "last_generated_text", "last_created_file", "last_ocr_text"},
	"this":  {"last_generated_image", "last_generated_text", "last_created_file", "last_ocr_text"},
	"that":  {"last_generated_image", "last_generated_text", "last_created_file", "last_ocr_text"},
	"these": {"last_generated_image", "last_generated_text", "last_created_file", "last_ocr_text"},
	"those": {"last_generated_image", "last_generated_text", "last_created_file", "last_ocr_text"},
	"them":  {"last_generated_image", "last_generated_text", "last_created_file", "last_ocr_text"},

	"the image":    {"last_generated_image", "last_saved_image"},
	"last image":   {"last_generated_image", "last_saved_image"},
	"that image":   {"last_generated_image", "last_saved_image"},

	"the file":      {"last_created_file", "last_modified_file", "last_moved_file"},
	"last file":     {"last_created_file", "last_modified_file", "last_moved_file"},
	"that file":     {"last_created_file", "last_modified_file", "last_moved_file"},
	"the document":  {"last_created_file", "last_modified_file", "last_moved_file"},
	"last document":  {"last_created_file", "last_modified_file", "last_moved_file"},
	"that document":  {"last_created_file", "last_modified_file", "last_moved_file"},

	"the text":  {"last_generated_text", "last_ocr_text"},
	"last text": {"last_generated_text", "last_ocr_text"},
}

// phrasesByLength lists candidateLists' keys sorted longest-first so a
// multi-word phrase ("that document") matches before a shorter
// substring-alike single-word pronoun ("that") would.
var phrasesByLength = sortedPhrases()

func sortedPhrases() []string {
	out := make([]string, 0, len(candidateLists))
	for k := range candidateLists {
		out = append(out, k)
	}
	for i := 1; i < len(out); i++ {
		for j := i; j > 0 && len(out[j-1]) < len(out[j]); j-- {
			out[j-1], out[j] = out[j], out[j-1]
		}
	}
	return out
}

var (
	documentOrdinalRe = regexp.MustCompile(`(?i)\b(?:open document|show me document)\s+(\d{1,2})\b`)
	linkOrdinalRe     = regexp.MustCompile(`(?i)\b(?:open link|visit site)\s+(\d{1,2})\b`)
	bareOrdinalRe     = regexp.MustCompile(`(?i)\bdocument\s+(\d{1,2})\b`)
	bareLinkOrdinalRe = regexp.MustCompile(`(?i)\b(?:link|site)\s+(\d{1,2})\b`)
)

// Resolution is one resolved deictic reference: the literal phrase
// matched in the input and the value it was resolved to.
type Resolution struct {
	Phrase string
	Value  string
}

// Resolve scans text for the closed vocabulary of deictic references
// and resolves each one against cctx.Variables, returning the text with
// every resolved phrase replaced by its literal value. If a recognized
// deictic phrase has no resolvable variable, Resolve returns an
// AmbiguousReference error naming the unresolved phrase; the caller
// (the Planner) is expected to pass that error back to the LLM as
// disambiguation context rather than silently dropping the reference.
func Resolve(text string, cctx *contextstore.Context) (string, []Resolution, error) {
	if cctx == nil {
		return text, nil, nil
	}

	var resolutions []Resolution

	out, err := resolveOrdinals(text, documentOrdinalRe, cctx, "last_query_results", "path", &resolutions)
	if err != nil {
		return "", nil, err
	}
	out, err = resolveOrdinals(out, bareOrdinalRe, cctx, "last_query_results", "path", &resolutions)
	if err != nil {
		return "", nil, err
	}
	out, err = resolveOrdinals(out, linkOrdinalRe, cctx, "last_search_results", "url", &resolutions)
	if err != nil {
		return "", nil, err
	}
	out, err = resolveOrdinals(out, bareLinkOrdinalRe, cctx, "last_search_results", "url", &resolutions)
	if err != nil {
		return "", nil, err
	}

	lower := strings.ToLower(out)
	for _, phrase := range phrasesByLength {
		idx := strings.Index(lower, phrase)
		if idx < 0 {
			continue
		}
		value, ok := firstHit(cctx, candidateLists[phrase])
		if !ok {
			return "", nil, errs.New(errs.AmbiguousReference, "cannot resolve %q: no matching context variable is set", phrase)
		}
		out = out[:idx] + value + out[idx+len(phrase):]
		lower = strings.ToLower(out)
		resolutions = append(resolutions, Resolution{Phrase: phrase, Value: value})
	}

	return out, resolutions, nil
}

func firstHit(cctx *contextstore.Context, keys []string) (string, bool) {
	for _, k := range keys {
		if v, ok := cctx.Variables[k]; ok && v != "" {
			return v, true
		}
	}
	return "", false
}

// resolveOrdinals replaces every match of re in text with field from
// the nth (1-indexed) entry of the JSON list variable named listVar.
func resolveOrdinals(text string, re *regexp.Regexp, cctx *contextstore.Context, listVar, field string, resolutions *[]Resolution) (string, error) {
	var outerErr error
	out := re.ReplaceAllStringFunc(text, func(m string) string {
		if outerErr != nil {
			return m
		}
		sub := re.FindStringSubmatch(m)
		n, convErr := strconv.Atoi(sub[1])
		if convErr != nil || n < 1 {
			return m
		}
		var list []map[string]any
		ok, err := cctx.GetVariableJSON(listVar, &list)
		if err != nil || !ok || n > len(list) {
			outerErr = errs.New(errs.AmbiguousReference, "cannot resolve %q: %s has no entry %d", m, listVar, n)
			return m
		}
		v, ok := list[n-1][field]
		if !ok {
			outerErr = errs.New(errs.AmbiguousReference, "cannot resolve %q: entry %d has no %s", m, n, field)
			return m
		}
		*resolutions = append(*resolutions, Resolution{Phrase: m, Value: toString(v)})
		return toString(v)
	})
	if outerErr != nil {
		return "", outerErr
	}
	return out, nil
}

func toString(v any) string {
	if s, ok := v.(string); ok {
		return s
	}
	return fmt.Sprint(v)
}
