// Package hosts implements the Service Hosts (C4): uniform bus-facing
// wrappers around model backends and local capabilities. Every host
// follows the same four-operation shape the MCP integration already
// imposes on tool servers (initialize/tools-list/tools-call/reload):
// an Info query, one handler per operation subject, a Reload hook for
// graceful backend swap, and an optional Stream for progress-reporting
// operations like image generation.
package hosts

import (
	"context"
	"encoding/json"
	"log/slog"

	"github.com/brackwood/nexus/internal/bus"
	"github.com/brackwood/nexus/internal/errs"
)

// Info describes a host's identity and readiness for the system.health
// surface and for UI diagnostics.
type Info struct {
	Name    string `json:"name"`
	Backend string `json:"backend"`
	Ready   bool   `json:"ready"`
}

// Host is the common contract every Service Host satisfies. Handler
// registration happens in each host's constructor via the generic
// handle helper below; Host exists so the Health host and main wiring
// can enumerate hosts uniformly.
type Host interface {
	// Info reports the host's identity and backend readiness.
	Info() Info

	// Reload swaps the host's backend model without dropping
	// in-flight or newly queued requests.
	Reload(ctx context.Context, payload json.RawMessage) error
}

// handle registers a typed request/response handler on subject,
// decoding the envelope payload into Req and encoding the handler's
// Resp back out. Decode failures surface as InvalidInput rather than
// panicking the bus dispatch goroutine.
func handle[Req any, Resp any](b *bus.Bus, subject string, fn func(ctx context.Context, req Req) (Resp, error)) (func(), error) {
	return b.HandleRequests(subject, func(ctx context.Context, payload json.RawMessage) (any, error) {
		var req Req
		if len(payload) > 0 {
			if err := json.Unmarshal(payload, &req); err != nil {
				return nil, errs.New(errs.InvalidInput, "decode request on %s: %v", subject, err)
			}
		}
		return fn(ctx, req)
	})
}

func logger(l *slog.Logger, name string) *slog.Logger {
	if l == nil {
		l = slog.Default()
	}
	return l.With("host", name)
}
