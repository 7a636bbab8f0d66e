package main

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/brackwood/nexus/internal/bus"
	"github.com/brackwood/nexus/internal/contextstore"
	"github.com/brackwood/nexus/internal/events"
	"github.com/brackwood/nexus/internal/timeline"
	"github.com/brackwood/nexus/internal/web"
)

// dashboardFeed adapts the Context Store, Timeline Store, and the
// Proactive Agent's bus subject into the provider funcs web.Config
// expects. Suggestions arrive as agent.suggestion publishes and are
// kept in a small ring buffer rather than re-queried from the bus,
// since proactive.Agent doesn't persist its own history.
type dashboardFeed struct {
	ctxStore *contextstore.Store
	tl       *timeline.Store
	bus      *bus.Bus
	logger   *slog.Logger

	mu            sync.Mutex
	suggestions   []web.PendingSuggestion
	maxSuggestion int
}

func newDashboardFeed(b *bus.Bus, ctxStore *contextstore.Store, tl *timeline.Store, ev *events.Bus, logger *slog.Logger) *dashboardFeed {
	return &dashboardFeed{
		ctxStore:      ctxStore,
		tl:            tl,
		bus:           b,
		logger:        logger.With("component", "dashboard-feed"),
		maxSuggestion: 20,
	}
}

// start subscribes to agent.suggestion and returns a cancel func. Bus
// subscribe failures are logged, not fatal: the dashboard still renders
// sessions and timeline entries without a live suggestion feed.
func (f *dashboardFeed) start(ctx context.Context) context.CancelFunc {
	cancel, err := f.bus.Subscribe("agent.suggestion", func(subject string, payload json.RawMessage) {
		var msg struct {
			ID        string    `json:"id"`
			Title     string    `json:"title"`
			Message   string    `json:"message"`
			EmittedAt time.Time `json:"emitted_at"`
		}
		if err := json.Unmarshal(payload, &msg); err != nil {
			f.logger.Debug("discarding malformed suggestion", "error", err)
			return
		}
		if msg.EmittedAt.IsZero() {
			msg.EmittedAt = time.Now()
		}
		f.mu.Lock()
		f.suggestions = append(f.suggestions, web.PendingSuggestion{
			ID: msg.ID, Title: msg.Title, Message: msg.Message, EmittedAt: msg.EmittedAt,
		})
		if len(f.suggestions) > f.maxSuggestion {
			f.suggestions = f.suggestions[len(f.suggestions)-f.maxSuggestion:]
		}
		f.mu.Unlock()
	})
	if err != nil {
		f.logger.Warn("suggestion feed subscribe failed", "error", err)
		return func() {}
	}
	return cancel
}

func (f *dashboardFeed) Sessions() ([]web.SessionSummary, error) {
	ids, err := f.ctxStore.SessionIDs()
	if err != nil {
		return nil, err
	}
	summaries := make([]web.SessionSummary, 0, len(ids))
	for _, id := range ids {
		c, err := f.ctxStore.Load(id)
		if err != nil {
			continue
		}
		var last time.Time
		if n := len(c.Turns); n > 0 {
			last = c.Turns[n-1].Timestamp
		}
		summaries = append(summaries, web.SessionSummary{
			SessionID: id, TurnCount: len(c.Turns), LastTurnAt: last,
		})
	}
	return summaries, nil
}

func (f *dashboardFeed) RecentEvents(limit int) ([]web.TimelineEntry, error) {
	envs, err := f.tl.Query(timeline.QueryOptions{Limit: limit})
	if err != nil {
		return nil, err
	}
	entries := make([]web.TimelineEntry, 0, len(envs))
	for _, e := range envs {
		entries = append(entries, web.TimelineEntry{
			EventID: e.EventID, Timestamp: e.Timestamp, Kind: e.EventType, Fields: e.Fields,
		})
	}
	return entries, nil
}

func (f *dashboardFeed) Suggestions() []web.PendingSuggestion {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]web.PendingSuggestion, len(f.suggestions))
	copy(out, f.suggestions)
	return out
}

// StartBackground launches every component that runs independent of an
// inbound HTTP request: collectors, the proactive agent, and connwatch
// probes are already started by buildApp, so this mainly exists as the
// hook main.go calls before blocking on ServeHTTP (kept separate so
// `ask` can build an app without ever starting a listener).
func (a *app) StartBackground(ctx context.Context) {
	a.logger.Info("background components started")
}

// ServeHTTP mounts the dashboard on an http.Server and blocks until ctx
// is cancelled, then shuts down gracefully.
func (a *app) ServeHTTP(ctx context.Context) error {
	mux := http.NewServeMux()

	srv := web.NewServer(web.Config{
		SessionsFunc:     a.dashboard.Sessions,
		RecentEventsFunc: a.dashboard.RecentEvents,
		SuggestionsFunc:  a.dashboard.Suggestions,
		Events:           a.opEvents,
		Logger:           a.logger,
	})
	srv.RegisterRoutes(mux)

	httpSrv := &http.Server{
		Addr:    a.httpAddr,
		Handler: mux,
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- httpSrv.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return httpSrv.Shutdown(shutdownCtx)
	case err := <-errCh:
		if err == http.ErrServerClosed {
			return nil
		}
		return err
	}
}
