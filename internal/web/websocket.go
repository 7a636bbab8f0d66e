package web

import (
	"net/http"
	"time"

	"github.com/gorilla/websocket"
)

var upgrader = websocket.Upgrader{
	// Every origin is accepted, with no check; the dashboard binds to
	// listen.address, which defaults to all interfaces.
	CheckOrigin: func(r *http.Request) bool { return true },
}

const wsWriteTimeout = 5 * time.Second

// handleEventsWS upgrades to a WebSocket and streams operational events
// (A5) as they're published, one JSON object per message, until the
// client disconnects or the event bus subscription is dropped.
func (s *Server) handleEventsWS(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Debug("websocket upgrade failed", "error", err)
		return
	}
	defer conn.Close()

	if s.cfg.Events == nil {
		return
	}
	ch := s.cfg.Events.Subscribe(64)
	defer s.cfg.Events.Unsubscribe(ch)

	// Detect client-initiated close without needing an inbound message
	// loop for anything else: this socket is write-only from the
	// server's side.
	closed := make(chan struct{})
	go func() {
		defer close(closed)
		for {
			if _, _, err := conn.NextReader(); err != nil {
				return
			}
		}
	}()

	for {
		select {
		case <-closed:
			return
		case ev, ok := <-ch:
			if !ok {
				return
			}
			conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
			if err := conn.WriteJSON(ev); err != nil {
				s.logger.Debug("websocket write failed", "error", err)
				return
			}
		}
	}
}
