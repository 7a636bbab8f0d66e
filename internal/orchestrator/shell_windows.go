//go:build windows

package orchestrator

import (
	"context"
	"time"

	"github.com/brackwood/nexus/internal/errs"
	"github.com/brackwood/nexus/internal/events"
)

// ShellConfig gates the command_execute action kind. Process-group
// SIGTERM/SIGKILL cancellation (spec §5) has no Windows equivalent in
// this build; command_execute is accepted but always reports
// unsupported rather than silently skipping the kill-grace semantics.
type ShellConfig struct {
	Enabled         bool
	WorkingDir      string
	DeniedPatterns  []string
	AllowedPrefixes []string
	DefaultTimeout  time.Duration
	MaxOutputBytes  int
	KillGrace       time.Duration
}

type shellExec struct{ cfg ShellConfig }

func newShellExec(cfg ShellConfig) *shellExec { return &shellExec{cfg: cfg} }

type ExecResult struct {
	Stdout   string
	Stderr   string
	ExitCode int
	TimedOut bool
}

func (s *shellExec) Run(ctx context.Context, command, cwd string, timeout time.Duration, onOutput func(stream, line string)) (ExecResult, error) {
	return ExecResult{}, errs.New(errs.BackendError, "command_execute is not supported on this platform")
}

func OutputEventPublisher(b *events.Bus, actionID string) func(stream, line string) {
	return func(stream, line string) {}
}
