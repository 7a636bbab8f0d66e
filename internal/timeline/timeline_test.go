package timeline

import (
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"
)

func testStore(t *testing.T) *Store {
	t.Helper()
	dbPath := filepath.Join(t.TempDir(), "timeline_test.db")
	s, err := Open(dbPath)
	if err != nil {
		t.Fatalf("Open(%q): %v", dbPath, err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestAppendCommandAndQuery(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	id, err := s.AppendCommand(ctx, CommandEvent{Command: "ls -la", ExitCode: 0, Cwd: "/home/user"})
	if err != nil {
		t.Fatalf("AppendCommand() error: %v", err)
	}
	if id == "" {
		t.Fatal("AppendCommand() returned empty id")
	}

	envs, err := s.Query(QueryOptions{Kind: KindCommand})
	if err != nil {
		t.Fatalf("Query() error: %v", err)
	}
	if len(envs) != 1 {
		t.Fatalf("Query() returned %d events, want 1", len(envs))
	}
	if envs[0].EventID != id {
		t.Errorf("EventID = %q, want %q", envs[0].EventID, id)
	}
	if envs[0].Fields["command"] != "ls -la" {
		t.Errorf("Fields[command] = %v", envs[0].Fields["command"])
	}
}

func TestQueryAllKindsMerged(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	if _, err := s.AppendCommand(ctx, CommandEvent{Command: "pwd"}); err != nil {
		t.Fatal(err)
	}
	time.Sleep(time.Millisecond)
	if _, err := s.AppendFile(ctx, FileEvent{Path: "/tmp/a", Op: "created"}); err != nil {
		t.Fatal(err)
	}
	time.Sleep(time.Millisecond)
	if _, err := s.AppendAppFocus(ctx, AppFocusEvent{AppName: "editor"}); err != nil {
		t.Fatal(err)
	}

	envs, err := s.Query(QueryOptions{})
	if err != nil {
		t.Fatalf("Query() error: %v", err)
	}
	if len(envs) != 3 {
		t.Fatalf("Query() returned %d events, want 3", len(envs))
	}

	// Timestamp-descending: app_focus (last appended) comes first.
	if envs[0].EventType != KindAppFocus {
		t.Errorf("envs[0].EventType = %s, want %s (most recent first)", envs[0].EventType, KindAppFocus)
	}
	if envs[2].EventType != KindCommand {
		t.Errorf("envs[2].EventType = %s, want %s (oldest last)", envs[2].EventType, KindCommand)
	}
}

func TestQueryRespectsLimit(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		if _, err := s.AppendCommand(ctx, CommandEvent{Command: "echo hi"}); err != nil {
			t.Fatal(err)
		}
	}

	envs, err := s.Query(QueryOptions{Kind: KindCommand, Limit: 2})
	if err != nil {
		t.Fatalf("Query() error: %v", err)
	}
	if len(envs) != 2 {
		t.Errorf("Query() returned %d events, want 2", len(envs))
	}
}

func TestQueryUnknownKind(t *testing.T) {
	s := testStore(t)
	if _, err := s.Query(QueryOptions{Kind: "bogus"}); err == nil {
		t.Error("Query() with unknown kind should return an error")
	}
}

func TestAppendSystemSnapshotWithPartialFields(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	cpu := 42.5
	if _, err := s.AppendSystemSnapshot(ctx, SystemSnapshotEvent{CPUPercent: &cpu}); err != nil {
		t.Fatalf("AppendSystemSnapshot() error: %v", err)
	}

	envs, err := s.Query(QueryOptions{Kind: KindSystemSnapshot})
	if err != nil {
		t.Fatal(err)
	}
	if len(envs) != 1 {
		t.Fatalf("got %d events, want 1", len(envs))
	}
	if envs[0].Fields["cpu_percent"] == nil {
		t.Error("cpu_percent should be present")
	}
	if _, ok := envs[0].Fields["mem_percent"]; ok {
		t.Error("mem_percent should be absent when not measured")
	}
}

func TestNotifyCalledAfterAppend(t *testing.T) {
	s := testStore(t)

	var mu sync.Mutex
	var gotSubject string
	var wg sync.WaitGroup
	wg.Add(1)
	s.SetPublisher(func(subject string, payload map[string]any) {
		mu.Lock()
		gotSubject = subject
		mu.Unlock()
		wg.Done()
	})

	if _, err := s.AppendFile(context.Background(), FileEvent{Path: "/tmp/x", Op: "modified"}); err != nil {
		t.Fatal(err)
	}

	done := make(chan struct{})
	go func() { wg.Wait(); close(done) }()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("publisher was not called after append")
	}

	mu.Lock()
	defer mu.Unlock()
	if gotSubject != "temporal.event.file" {
		t.Errorf("subject = %q, want temporal.event.file", gotSubject)
	}
}

func TestSweepRemovesOldRows(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	if _, err := s.AppendCommand(ctx, CommandEvent{Command: "old"}); err != nil {
		t.Fatal(err)
	}

	// Retention of 0 means "older than now", which the just-inserted
	// row already is by the time Sweep runs.
	time.Sleep(2 * time.Millisecond)
	result, err := s.Sweep(func(kind string) time.Duration { return 0 })
	if err != nil {
		t.Fatalf("Sweep() error: %v", err)
	}
	if result[KindCommand] != 1 {
		t.Errorf("Sweep() removed %d command rows, want 1", result[KindCommand])
	}

	envs, err := s.Query(QueryOptions{Kind: KindCommand})
	if err != nil {
		t.Fatal(err)
	}
	if len(envs) != 0 {
		t.Error("expected command table empty after sweep")
	}
}
