package proactive

import (
	"fmt"
	"path/filepath"
	"regexp"
	"strings"
)

var gitCloneRE = regexp.MustCompile(`git clone\s+(\S+)`)

// DefaultMatchers returns the built-in pattern registry (spec §4.10:
// "small list of typed matchers").
func DefaultMatchers() []Matcher {
	return []Matcher{
		matchGitClone,
		matchLargeDownload,
	}
}

// matchGitClone suggests inspecting a freshly cloned repository (spec
// §4.10's own example, and exercised by the property test in spec §8
// item 4).
func matchGitClone(kind string, fields map[string]any) (*Suggestion, bool) {
	if kind != "command" {
		return nil, false
	}
	command, _ := fields["command"].(string)
	exitCode, _ := fields["exit_code"].(float64)
	if exitCode != 0 {
		return nil, false
	}

	m := gitCloneRE.FindStringSubmatch(command)
	if m == nil {
		return nil, false
	}

	repoURL := m[1]
	name := strings.TrimSuffix(filepath.Base(repoURL), ".git")

	return &Suggestion{
		ID:      "git_clone_detected",
		Title:   "Repository cloned",
		Message: fmt.Sprintf("Cloned %s. Want a summary of the project?", name),
		Actions: []SuggestedAction{
			{Label: "Summarize repository", Command: fmt.Sprintf("document_query:%s", name)},
			{Label: "Open directory", Command: fmt.Sprintf("file_read:%s", name)},
		},
	}, true
}

// matchLargeDownload suggests organizing a large file just written
// under a path that looks like a downloads directory.
func matchLargeDownload(kind string, fields map[string]any) (*Suggestion, bool) {
	if kind != "file" {
		return nil, false
	}
	op, _ := fields["op"].(string)
	if op != "created" {
		return nil, false
	}
	path, _ := fields["path"].(string)
	size, _ := fields["size"].(float64)

	const largeFileThreshold = 100 * 1024 * 1024
	if size < largeFileThreshold || !strings.Contains(strings.ToLower(path), "download") {
		return nil, false
	}

	return &Suggestion{
		ID:      "large_download_detected",
		Title:   "Large file downloaded",
		Message: fmt.Sprintf("%s is over 100MB. Move it somewhere more permanent?", filepath.Base(path)),
		Actions: []SuggestedAction{
			{Label: "Move file", Command: fmt.Sprintf("file_move:%s", path)},
		},
	}, true
}
