// Package web implements the dashboard surface: /dashboard (session
// list, recent timeline events, pending suggestions) and a WebSocket at
// /ws/events fed by the operational event bus (A5). Grounded on the
// agent's own internal/web dashboard/server handlers: Config holds
// provider funcs the way WebServer.StatsFunc/RouterFunc/HealthFunc do,
// RegisterRoutes mounts onto a caller-supplied mux, and html/template
// rendering with an HX-Request partial-render branch is kept as-is.
package web

import (
	"html/template"
	"log/slog"
	"net/http"
	"time"

	"github.com/brackwood/nexus/internal/events"
)

// SessionSummary is one row of the dashboard's session list.
type SessionSummary struct {
	SessionID  string    `json:"session_id"`
	TurnCount  int       `json:"turn_count"`
	LastTurnAt time.Time `json:"last_turn_at"`
}

// TimelineEntry is one row of the dashboard's recent-events feed.
type TimelineEntry struct {
	EventID   string         `json:"event_id"`
	Timestamp time.Time      `json:"timestamp"`
	Kind      string         `json:"kind"`
	Fields    map[string]any `json:"fields"`
}

// PendingSuggestion is one row of the dashboard's suggestion feed.
type PendingSuggestion struct {
	ID        string    `json:"id"`
	Title     string    `json:"title"`
	Message   string    `json:"message"`
	EmittedAt time.Time `json:"emitted_at"`
}

// Config wires the dashboard to the rest of the process. Every func
// field is optional; a nil func renders an empty section rather than
// failing the page, matching the agent's own nil-safe provider style.
type Config struct {
	SessionsFunc     func() ([]SessionSummary, error)
	RecentEventsFunc func(limit int) ([]TimelineEntry, error)
	SuggestionsFunc  func() []PendingSuggestion
	Events           *events.Bus
	Logger           *slog.Logger
}

// Server is the dashboard HTTP surface.
type Server struct {
	cfg       Config
	logger    *slog.Logger
	templates map[string]*template.Template
}

// NewServer builds a Server from cfg.
func NewServer(cfg Config) *Server {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Server{
		cfg:       cfg,
		logger:    cfg.Logger.With("component", "web"),
		templates: loadTemplates(),
	}
}

// RegisterRoutes mounts the dashboard and WebSocket handlers on mux.
func (s *Server) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("/dashboard", s.handleDashboard)
	mux.HandleFunc("/ws/events", s.handleEventsWS)
}
