// Package paths implements the path expansion rules every file-touching
// action kind applies before dispatch: leading "~", "$VAR"/"${VAR}"
// environment references, the user-directory shortcuts ("Pictures",
// "Desktop", "home", ...), and finally a relative-path fallback against
// the session's working directory. The rules are applied in that fixed
// order and each is a no-op when it doesn't apply, so equivalent forms
// of the same path ("Pictures/x.png", "~/Pictures/x.png",
// "$HOME/Pictures/x.png") all resolve to the same absolute path.
package paths

import (
	"os"
	"path/filepath"
	"strings"
)

// shortcuts maps a lowercase leading path segment to the directory name
// under the user's home it expands to. "home" expands to the home
// directory itself.
var shortcuts = map[string]string{
	"pictures":  "Pictures",
	"desktop":   "Desktop",
	"documents": "Documents",
	"downloads": "Downloads",
	"music":     "Music",
	"videos":    "Videos",
	"home":      "",
}

// Expander applies the path expansion rules against a fixed home
// directory. Environment variable expansion reads the process
// environment at call time.
type Expander struct {
	homeDir string
}

// NewExpander returns an Expander rooted at homeDir.
func NewExpander(homeDir string) *Expander {
	return &Expander{homeDir: homeDir}
}

// DefaultExpander returns an Expander rooted at the current user's home
// directory, falling back to "." if it cannot be determined.
func DefaultExpander() *Expander {
	home, err := os.UserHomeDir()
	if err != nil {
		home = "."
	}
	return NewExpander(home)
}

// Expand resolves path to an absolute path, applying tilde expansion,
// environment variable substitution, user-directory shortcuts, and
// finally a fallback join against workingDir if the result is still
// relative. workingDir is itself expanded first so a relative
// workingDir resolves sensibly.
func (e *Expander) Expand(path string, workingDir string) string {
	path = e.expandTilde(path)
	path = os.Expand(path, os.Getenv)
	path = e.expandShortcut(path)

	if filepath.IsAbs(path) {
		return filepath.Clean(path)
	}

	base := workingDir
	if base == "" {
		base = e.homeDir
	} else {
		base = e.expandTilde(base)
		base = os.Expand(base, os.Getenv)
		base = e.expandShortcut(base)
	}
	if !filepath.IsAbs(base) {
		base = filepath.Join(e.homeDir, base)
	}
	return filepath.Clean(filepath.Join(base, path))
}

func (e *Expander) expandTilde(path string) string {
	if path == "~" {
		return e.homeDir
	}
	if strings.HasPrefix(path, "~/") || strings.HasPrefix(path, "~"+string(filepath.Separator)) {
		return filepath.Join(e.homeDir, path[2:])
	}
	return path
}

// expandShortcut replaces a leading bare word matching a registered
// user-directory shortcut (case-insensitive) with its absolute
// directory. Paths that are already absolute are left untouched, since
// the shortcut only ever applies to a leading relative segment.
func (e *Expander) expandShortcut(path string) string {
	if path == "" || filepath.IsAbs(path) {
		return path
	}

	parts := strings.SplitN(path, string(filepath.Separator), 2)
	dir, ok := shortcuts[strings.ToLower(parts[0])]
	if !ok {
		return path
	}

	base := e.homeDir
	if dir != "" {
		base = filepath.Join(e.homeDir, dir)
	}
	if len(parts) == 1 {
		return base
	}
	return filepath.Join(base, parts[1])
}
