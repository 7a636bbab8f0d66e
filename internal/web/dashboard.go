package web

import "net/http"

// DashboardData is the template context for the dashboard page.
type DashboardData struct {
	Sessions    []SessionSummary
	Events      []TimelineEntry
	Suggestions []PendingSuggestion
}

// handleDashboard renders /dashboard: session list, recent timeline
// events, and pending suggestions (spec §6: "[AMBIENT] Dashboard
// surface").
func (s *Server) handleDashboard(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path != "/dashboard" {
		http.NotFound(w, r)
		return
	}

	data := DashboardData{}

	if s.cfg.SessionsFunc != nil {
		sessions, err := s.cfg.SessionsFunc()
		if err != nil {
			s.logger.Warn("list sessions failed", "error", err)
		}
		data.Sessions = sessions
	}
	if s.cfg.RecentEventsFunc != nil {
		events, err := s.cfg.RecentEventsFunc(50)
		if err != nil {
			s.logger.Warn("list recent events failed", "error", err)
		}
		data.Events = events
	}
	if s.cfg.SuggestionsFunc != nil {
		data.Suggestions = s.cfg.SuggestionsFunc()
	}

	s.render(w, r, "dashboard.html", data)
}
