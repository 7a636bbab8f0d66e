// Package events provides an in-process publish/subscribe bus for
// operational observability. Events flow from components (conversation
// engine, orchestrator, planner, collectors, proactive agent) to
// subscribers (the dashboard WebSocket handler, future metrics
// collectors). This is distinct from the inter-service message bus in
// internal/bus: that one carries domain traffic between Service Hosts;
// this one carries lifecycle telemetry about this process only. The
// bus is nil-safe: calling Publish on a nil *Bus is a no-op, so
// components do not need guard checks.
package events

import (
	"sync"
	"time"
)

// Source constants identify which component published an event.
const (
	SourceConversation = "conversation"
	SourceOrchestrator  = "orchestrator"
	SourcePlanner       = "planner"
	SourceBus           = "bus"
	SourceCollector     = "collector"
	SourceProactive     = "proactive"
)

// Kind constants describe the type of event within a source.
const (
	// KindMessageReceived signals a user Turn entered RECEIVING.
	// Data: session_id, content_len.
	KindMessageReceived = "message_received"
	// KindPlanReady signals the Planner returned a Plan.
	// Data: session_id, actions, needs_approval.
	KindPlanReady = "plan_ready"
	// KindApprovalGranted/Rejected signal the AWAIT_APPROVAL outcome.
	// Data: session_id.
	KindApprovalGranted  = "approval_granted"
	KindApprovalRejected = "approval_rejected"
	// KindActionStart/Done signal one Action's execution.
	// Data: session_id, action_id, kind.
	KindActionStart = "action_start"
	KindActionDone  = "action_done"
	// KindTurnRecorded signals RECORDING completed and the engine
	// returned to IDLE. Data: session_id.
	KindTurnRecorded = "turn_recorded"

	// KindBusConnected/Disconnected track the transport connection.
	KindBusConnected    = "bus_connected"
	KindBusDisconnected = "bus_disconnected"

	// KindEventAppended signals a TimelineEvent was stored.
	// Data: event_id, event_type.
	KindEventAppended = "event_appended"
	// KindSweepComplete signals a retention sweep finished.
	// Data: kind, deleted.
	KindSweepComplete = "sweep_complete"

	// KindSuggestionEmitted signals the Proactive Agent published a
	// Suggestion. Data: suggestion_id.
	KindSuggestionEmitted = "suggestion_emitted"
)

// Event represents a single operational event published by a component.
type Event struct {
	Timestamp time.Time      `json:"ts"`
	Source    string         `json:"source"`
	Kind      string         `json:"kind"`
	Data      map[string]any `json:"data,omitempty"`
}

// Bus is a non-blocking broadcast event bus. Subscribers receive events
// on buffered channels; slow subscribers miss events rather than
// blocking publishers.
type Bus struct {
	mu         sync.RWMutex
	subs       map[chan Event]struct{}
	recvToSend map[<-chan Event]chan Event
}

// New creates a new event bus ready for use.
func New() *Bus {
	return &Bus{
		subs:       make(map[chan Event]struct{}),
		recvToSend: make(map[<-chan Event]chan Event),
	}
}

// Publish sends an event to all subscribers. Non-blocking: if a
// subscriber's channel is full, the event is dropped for that
// subscriber. Safe to call on a nil receiver (no-op).
func (b *Bus) Publish(e Event) {
	if b == nil {
		return
	}
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now()
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	for ch := range b.subs {
		select {
		case ch <- e:
		default:
			// Subscriber is full — drop the event rather than block.
		}
	}
}

// Subscribe returns a channel that receives published events. The
// caller must eventually call Unsubscribe to avoid resource leaks.
func (b *Bus) Subscribe(bufSize int) <-chan Event {
	ch := make(chan Event, bufSize)
	b.mu.Lock()
	defer b.mu.Unlock()
	b.subs[ch] = struct{}{}
	b.recvToSend[ch] = ch
	return ch
}

// Unsubscribe removes a subscription and closes the channel. Safe to
// call with a channel that is already unsubscribed (no-op).
func (b *Bus) Unsubscribe(ch <-chan Event) {
	b.mu.Lock()
	defer b.mu.Unlock()
	sendCh, ok := b.recvToSend[ch]
	if !ok {
		return
	}
	delete(b.subs, sendCh)
	delete(b.recvToSend, ch)
	close(sendCh)
}

// SubscriberCount returns the number of active subscribers.
func (b *Bus) SubscriberCount() int {
	if b == nil {
		return 0
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}
