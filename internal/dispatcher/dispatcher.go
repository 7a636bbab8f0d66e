// Package dispatcher implements the Action Dispatcher (C11): the
// system.action.* Service Host. Unlike the other hosts it has no
// external backend to wrap, so it is new functionality grounded on the
// orchestrator's shellExec whitelist-and-validate discipline
// (internal/orchestrator/shell.go) and implemented with gopsutil for
// portable process enumeration instead of shelling out to ps/kill.
package dispatcher

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"runtime"
	"sort"
	"syscall"
	"time"

	"github.com/shirou/gopsutil/v4/process"

	"github.com/brackwood/nexus/internal/bus"
	"github.com/brackwood/nexus/internal/errs"
)

// killGrace is the SIGTERM -> SIGKILL wait, matching shellExec's
// command_execute cancellation sequence (spec §5).
const killGrace = 5 * time.Second

// ProcessInfo is one entry of a process.list reply.
type ProcessInfo struct {
	PID           int32   `json:"pid"`
	Name          string  `json:"name"`
	CPUPercent    float64 `json:"cpu_percent"`
	MemoryPercent float32 `json:"memory_percent"`
	User          string  `json:"user"`
}

// ListReply is the system.action.process.list response.
type ListReply struct {
	Processes []ProcessInfo `json:"processes"`
}

// KillRequest is the system.action.process.kill payload.
type KillRequest struct {
	PID int32 `json:"pid"`
}

// KillReply is the system.action.process.kill response.
type KillReply struct {
	Killed bool   `json:"killed"`
	Method string `json:"method"`
}

// Dispatcher is the system.action.* Service Host. Only
// system.action.process.list and system.action.process.kill are
// registered; there is no generic passthrough, and no handler answers
// other system.action.* subjects, so a request for an unrecognized
// action gets no reply from this host (the caller's Request times out).
type Dispatcher struct {
	b      *bus.Bus
	logger *slog.Logger
}

// New registers the system.action.process.{list,kill} handlers.
func New(b *bus.Bus, log *slog.Logger) (*Dispatcher, func(), error) {
	if log == nil {
		log = slog.Default()
	}
	d := &Dispatcher{b: b, logger: log.With("host", "dispatcher")}

	cancelList, err := b.HandleRequests("system.action.process.list", d.handleList)
	if err != nil {
		return nil, nil, err
	}
	cancelKill, err := b.HandleRequests("system.action.process.kill", d.handleKill)
	if err != nil {
		cancelList()
		return nil, nil, err
	}

	return d, func() { cancelList(); cancelKill() }, nil
}

func (d *Dispatcher) handleList(ctx context.Context, _ json.RawMessage) (any, error) {
	procs, err := process.ProcessesWithContext(ctx)
	if err != nil {
		return nil, errs.Wrap(errs.BackendError, err, "enumerate processes")
	}

	out := make([]ProcessInfo, 0, len(procs))
	for _, p := range procs {
		name, err := p.NameWithContext(ctx)
		if err != nil {
			continue // process exited mid-enumeration; skip rather than fail the whole list
		}
		cpuPct, _ := p.CPUPercentWithContext(ctx)
		memPct, _ := p.MemoryPercentWithContext(ctx)
		user, _ := p.UsernameWithContext(ctx)

		out = append(out, ProcessInfo{
			PID:           p.Pid,
			Name:          name,
			CPUPercent:    cpuPct,
			MemoryPercent: memPct,
			User:          user,
		})
	}

	sort.Slice(out, func(i, j int) bool { return out[i].CPUPercent > out[j].CPUPercent })

	return ListReply{Processes: out}, nil
}

func (d *Dispatcher) handleKill(ctx context.Context, payload json.RawMessage) (any, error) {
	var req KillRequest
	if err := json.Unmarshal(payload, &req); err != nil {
		return nil, errs.New(errs.InvalidInput, "decode process.kill request: %v", err)
	}
	if req.PID <= 1 {
		return nil, errs.New(errs.InvalidInput, "refusing to kill pid %d", req.PID)
	}

	exists, err := process.PidExistsWithContext(ctx, req.PID)
	if err != nil {
		return nil, errs.Wrap(errs.BackendError, err, fmt.Sprintf("check pid %d", req.PID))
	}
	if !exists {
		return KillReply{Killed: false, Method: "none"}, nil
	}

	p, err := process.NewProcessWithContext(ctx, req.PID)
	if err != nil {
		return KillReply{Killed: false, Method: "none"}, nil
	}

	if runtime.GOOS == "windows" {
		if err := p.KillWithContext(ctx); err != nil {
			return nil, errs.Wrap(errs.BackendError, err, fmt.Sprintf("kill pid %d", req.PID))
		}
		return KillReply{Killed: true, Method: "kill"}, nil
	}

	if err := p.SendSignalWithContext(ctx, syscall.SIGTERM); err != nil {
		d.logger.Debug("sigterm failed, process may have already exited", "pid", req.PID, "error", err)
	}

	deadline := time.After(killGrace)
	tick := time.NewTicker(100 * time.Millisecond)
	defer tick.Stop()

	for {
		select {
		case <-deadline:
			if err := p.SendSignalWithContext(ctx, syscall.SIGKILL); err != nil {
				still, _ := process.PidExistsWithContext(ctx, req.PID)
				if !still {
					return KillReply{Killed: true, Method: "sigterm"}, nil
				}
				return nil, errs.Wrap(errs.BackendError, err, fmt.Sprintf("sigkill pid %d", req.PID))
			}
			return KillReply{Killed: true, Method: "sigkill"}, nil

		case <-tick.C:
			alive, err := process.PidExistsWithContext(ctx, req.PID)
			if err == nil && !alive {
				return KillReply{Killed: true, Method: "sigterm"}, nil
			}

		case <-ctx.Done():
			return nil, errs.New(errs.Cancelled, "process.kill cancelled")
		}
	}
}
