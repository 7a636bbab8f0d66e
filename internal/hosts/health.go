package hosts

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/shirou/gopsutil/v4/cpu"
	"github.com/shirou/gopsutil/v4/disk"
	"github.com/shirou/gopsutil/v4/mem"
	"github.com/shirou/gopsutil/v4/process"

	"github.com/brackwood/nexus/internal/bus"
	"github.com/brackwood/nexus/internal/connwatch"
)

// CurrentReply is the system.health.current response: a point-in-time
// resource sample, the same fields timeline.SystemSnapshotEvent stores.
type CurrentReply struct {
	CPUPercent   float64   `json:"cpu_percent"`
	MemPercent   float64   `json:"mem_percent"`
	DiskPercent  float64   `json:"disk_percent"`
	ProcessCount int       `json:"process_count"`
	SampledAt    time.Time `json:"sampled_at"`
}

// SummaryReply is the system.health.summary response: the sampled
// resources plus every connwatch-tracked Service Host's reachability.
type SummaryReply struct {
	Current  CurrentReply                       `json:"current"`
	Services map[string]connwatch.ServiceStatus `json:"services"`
}

// HistoryRequest is the system.health.history payload: a time window
// over previously stored system_snapshot TimelineEvents.
type HistoryRequest struct {
	SinceUnix int64 `json:"since_unix,omitempty"`
	UntilUnix int64 `json:"until_unix,omitempty"`
	Limit     int   `json:"limit,omitempty"`
}

// HistorySample is one system.health.history entry.
type HistorySample struct {
	Timestamp    time.Time `json:"timestamp"`
	CPUPercent   *float64  `json:"cpu_percent,omitempty"`
	MemPercent   *float64  `json:"mem_percent,omitempty"`
	DiskPercent  *float64  `json:"disk_percent,omitempty"`
	ProcessCount *int      `json:"process_count,omitempty"`
}

// HistoryReply is the system.health.history response.
type HistoryReply struct {
	Samples []HistorySample `json:"samples"`
}

// HistoryProvider supplies previously recorded system_snapshot events,
// satisfied by timeline.Store via a small adapter in cmd/nexusd so the
// hosts package doesn't depend on timeline directly.
type HistoryProvider interface {
	SystemSnapshots(since, until time.Time, limit int) ([]HistorySample, error)
}

const diskPath = "/"

// HealthHost exposes system.health.* over the bus: live resource
// sampling via gopsutil (the pack's portable alternative to shelling
// out to ps/df, see internal/connwatch's own use of probes) plus the
// Bus Client and Service Host reachability connwatch.Manager already
// tracks.
type HealthHost struct {
	b       *bus.Bus
	watch   *connwatch.Manager
	history HistoryProvider
	logger  *slog.Logger
}

// NewHealthHost registers system.health.{current,summary,history}
// handlers. history may be nil, in which case system.health.history
// always returns an empty sample set.
func NewHealthHost(b *bus.Bus, watch *connwatch.Manager, history HistoryProvider, log *slog.Logger) (*HealthHost, func(), error) {
	h := &HealthHost{b: b, watch: watch, history: history, logger: logger(log, "health")}

	cancelCurrent, err := handle(b, "system.health.current", h.handleCurrent)
	if err != nil {
		return nil, nil, err
	}
	cancelSummary, err := handle(b, "system.health.summary", h.handleSummary)
	if err != nil {
		cancelCurrent()
		return nil, nil, err
	}
	cancelHistory, err := handle(b, "system.health.history", h.handleHistory)
	if err != nil {
		cancelCurrent()
		cancelSummary()
		return nil, nil, err
	}

	return h, func() { cancelCurrent(); cancelSummary(); cancelHistory() }, nil
}

func (h *HealthHost) sample(ctx context.Context) CurrentReply {
	reply := CurrentReply{SampledAt: time.Now().UTC()}

	if percents, err := cpu.PercentWithContext(ctx, 200*time.Millisecond, false); err == nil && len(percents) > 0 {
		reply.CPUPercent = percents[0]
	} else if err != nil {
		h.logger.Debug("cpu sample failed", "error", err)
	}

	if vm, err := mem.VirtualMemoryWithContext(ctx); err == nil {
		reply.MemPercent = vm.UsedPercent
	} else {
		h.logger.Debug("mem sample failed", "error", err)
	}

	if du, err := disk.UsageWithContext(ctx, diskPath); err == nil {
		reply.DiskPercent = du.UsedPercent
	} else {
		h.logger.Debug("disk sample failed", "error", err)
	}

	if procs, err := process.ProcessesWithContext(ctx); err == nil {
		reply.ProcessCount = len(procs)
	} else {
		h.logger.Debug("process count failed", "error", err)
	}

	return reply
}

func (h *HealthHost) handleCurrent(ctx context.Context, _ struct{}) (CurrentReply, error) {
	return h.sample(ctx), nil
}

func (h *HealthHost) handleSummary(ctx context.Context, _ struct{}) (SummaryReply, error) {
	var services map[string]connwatch.ServiceStatus
	if h.watch != nil {
		services = h.watch.Status()
	}
	return SummaryReply{Current: h.sample(ctx), Services: services}, nil
}

func (h *HealthHost) handleHistory(ctx context.Context, req HistoryRequest) (HistoryReply, error) {
	if h.history == nil {
		return HistoryReply{}, nil
	}
	var since, until time.Time
	if req.SinceUnix > 0 {
		since = time.Unix(req.SinceUnix, 0).UTC()
	}
	if req.UntilUnix > 0 {
		until = time.Unix(req.UntilUnix, 0).UTC()
	}
	samples, err := h.history.SystemSnapshots(since, until, req.Limit)
	if err != nil {
		return HistoryReply{}, err
	}
	return HistoryReply{Samples: samples}, nil
}

// Info reports readiness: the health host is ready as soon as it can
// take one resource sample.
func (h *HealthHost) Info() Info {
	_, err := mem.VirtualMemory()
	return Info{Name: "health", Ready: err == nil}
}

// Reload is a no-op: the health host has no swappable backend.
func (h *HealthHost) Reload(ctx context.Context, payload json.RawMessage) error {
	return nil
}
