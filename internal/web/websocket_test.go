package web

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/brackwood/nexus/internal/events"
)

func TestEventsWebSocketStreamsPublishedEvents(t *testing.T) {
	bus := events.New()
	s := NewServer(Config{Events: bus})
	mux := http.NewServeMux()
	s.RegisterRoutes(mux)

	srv := httptest.NewServer(mux)
	defer srv.Close()

	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws/events"
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	// Give the handler's Subscribe call a moment to land before publishing.
	time.Sleep(50 * time.Millisecond)
	bus.Publish(events.Event{Source: events.SourceProactive, Kind: "suggestion_emitted", Data: map[string]any{"suggestion_id": "git_clone_detected"}})

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var got events.Event
	if err := conn.ReadJSON(&got); err != nil {
		t.Fatalf("read: %v", err)
	}
	if got.Kind != "suggestion_emitted" {
		t.Errorf("kind = %q, want suggestion_emitted", got.Kind)
	}
}
