package collectors

import (
	"context"
	"encoding/json"
	"log/slog"

	"github.com/brackwood/nexus/internal/bus"
	"github.com/brackwood/nexus/internal/timeline"
)

// commandNewPayload is the temporal.command.new message shape.
type commandNewPayload struct {
	Command    string `json:"command"`
	ExitCode   int    `json:"exit_code"`
	Cwd        string `json:"cwd"`
	DurationMs int64  `json:"duration_ms"`
}

// CommandIngress subscribes to temporal.command.new, validates and
// writes each command through the Timeline Store, which republishes on
// temporal.event.command after a successful append (spec §4.9). Mirrors
// statewatch.go's subscribe-filter-republish shape.
type CommandIngress struct {
	b      *bus.Bus
	store  *timeline.Store
	logger *slog.Logger
}

// NewCommandIngress subscribes and returns the ingress plus a cancel
// func to stop it.
func NewCommandIngress(b *bus.Bus, store *timeline.Store, logger *slog.Logger) (*CommandIngress, func(), error) {
	if logger == nil {
		logger = slog.Default()
	}
	ci := &CommandIngress{b: b, store: store, logger: logger.With("collector", "command_ingress")}

	cancel, err := b.Subscribe("temporal.command.new", ci.handle)
	if err != nil {
		return nil, nil, err
	}
	return ci, cancel, nil
}

func (ci *CommandIngress) handle(subject string, payload json.RawMessage) {
	var p commandNewPayload
	if err := json.Unmarshal(payload, &p); err != nil {
		ci.logger.Debug("invalid command payload", "error", err)
		return
	}
	if p.Command == "" {
		ci.logger.Debug("rejecting command with empty command field")
		return
	}

	ctx := context.Background()
	if _, err := ci.store.AppendCommand(ctx, timeline.CommandEvent{
		Command:    p.Command,
		ExitCode:   p.ExitCode,
		Cwd:        p.Cwd,
		DurationMs: p.DurationMs,
	}); err != nil {
		ci.logger.Warn("append command failed", "error", err)
	}
}
