package proactive

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/brackwood/nexus/internal/bus"
)

func testBus(t *testing.T) *bus.Bus {
	t.Helper()
	b := bus.New(bus.NewMemTransport(), "test-client", nil)
	t.Cleanup(func() { b.Close() })
	return b
}

func TestProactiveAgentGitCloneMatcher(t *testing.T) {
	b := testBus(t)
	a := New(b, nil)

	received := make(chan Suggestion, 1)
	cancelSub, err := b.Subscribe("agent.suggestion", func(subject string, payload json.RawMessage) {
		var s Suggestion
		if json.Unmarshal(payload, &s) == nil {
			received <- s
		}
	})
	if err != nil {
		t.Fatal(err)
	}
	defer cancelSub()

	cancel, err := a.Run(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	defer cancel()

	if err := b.Publish(context.Background(), "temporal.event.command", map[string]any{
		"command": "git clone https://example.com/foo/bar.git", "exit_code": 0,
	}); err != nil {
		t.Fatal(err)
	}

	select {
	case s := <-received:
		if s.ID != "git_clone_detected" {
			t.Errorf("suggestion id = %q, want git_clone_detected", s.ID)
		}
		if len(s.Actions) == 0 {
			t.Error("expected a non-empty actions list")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("no suggestion received within timeout")
	}
}

func TestProactiveAgentRateLimitsRepeatSuggestions(t *testing.T) {
	b := testBus(t)
	a := New(b, nil)

	received := make(chan Suggestion, 4)
	cancelSub, err := b.Subscribe("agent.suggestion", func(subject string, payload json.RawMessage) {
		var s Suggestion
		if json.Unmarshal(payload, &s) == nil {
			received <- s
		}
	})
	if err != nil {
		t.Fatal(err)
	}
	defer cancelSub()

	cancel, err := a.Run(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	defer cancel()

	publish := func() {
		b.Publish(context.Background(), "temporal.event.command", map[string]any{
			"command": "git clone https://example.com/foo/bar.git", "exit_code": 0,
		})
	}
	publish()
	time.Sleep(100 * time.Millisecond)
	publish()

	select {
	case <-received:
	case <-time.After(time.Second):
		t.Fatal("expected first suggestion")
	}

	select {
	case s := <-received:
		t.Fatalf("expected rate limit to suppress second suggestion, got %+v", s)
	case <-time.After(300 * time.Millisecond):
	}
}

func TestProactiveAgentNoMatchNoSuggestion(t *testing.T) {
	b := testBus(t)
	a := New(b, nil)

	received := make(chan Suggestion, 1)
	cancelSub, err := b.Subscribe("agent.suggestion", func(subject string, payload json.RawMessage) {
		var s Suggestion
		if json.Unmarshal(payload, &s) == nil {
			received <- s
		}
	})
	if err != nil {
		t.Fatal(err)
	}
	defer cancelSub()

	cancel, err := a.Run(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	defer cancel()

	// No matcher recognizes this small file event, and the LLM fallback
	// only runs for command events, so nothing is emitted.
	b.Publish(context.Background(), "temporal.event.file", map[string]any{
		"path": "/tmp/small.txt", "op": "created", "size": 10,
	})

	select {
	case s := <-received:
		t.Fatalf("expected no suggestion, got %+v", s)
	case <-time.After(300 * time.Millisecond):
	}
}
