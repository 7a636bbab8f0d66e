package collectors

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/brackwood/nexus/internal/bus"
	"github.com/brackwood/nexus/internal/timeline"
)

func testStore(t *testing.T) *timeline.Store {
	t.Helper()
	dbPath := filepath.Join(t.TempDir(), "timeline_test.db")
	s, err := timeline.Open(dbPath)
	if err != nil {
		t.Fatalf("Open(%q): %v", dbPath, err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func testBus(t *testing.T) *bus.Bus {
	t.Helper()
	b := bus.New(bus.NewMemTransport(), "test-client", nil)
	t.Cleanup(func() { b.Close() })
	return b
}

func TestSnapshotCollectorAppends(t *testing.T) {
	s := testStore(t)
	c := NewSnapshotCollector(s, 50*time.Millisecond, "/", nil)

	ctx, cancel := context.WithTimeout(context.Background(), 120*time.Millisecond)
	defer cancel()
	c.Run(ctx)

	envs, err := s.Query(timeline.QueryOptions{Kind: timeline.KindSystemSnapshot})
	if err != nil {
		t.Fatal(err)
	}
	if len(envs) == 0 {
		t.Fatal("expected at least one system snapshot")
	}
}

func TestFilesystemCollectorDetectsCreateAndModify(t *testing.T) {
	dir := t.TempDir()
	s := testStore(t)

	c, err := NewFilesystemCollector(s, []string{dir}, 50*time.Millisecond, nil)
	if err != nil {
		t.Fatal(err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() { c.Run(ctx); close(done) }()

	path := filepath.Join(dir, "note.txt")
	time.Sleep(20 * time.Millisecond)
	if err := os.WriteFile(path, []byte("hello"), 0o644); err != nil {
		t.Fatal(err)
	}

	time.Sleep(300 * time.Millisecond)
	cancel()
	<-done

	envs, err := s.Query(timeline.QueryOptions{Kind: timeline.KindFile})
	if err != nil {
		t.Fatal(err)
	}
	if len(envs) == 0 {
		t.Fatal("expected at least one file event")
	}
}

func TestCommandIngressStoresAndValidates(t *testing.T) {
	s := testStore(t)
	b := testBus(t)

	_, cancel, err := NewCommandIngress(b, s, nil)
	if err != nil {
		t.Fatal(err)
	}
	defer cancel()

	if err := b.Publish(context.Background(), "temporal.command.new", map[string]any{
		"command":   "ls -la",
		"exit_code": 0,
	}); err != nil {
		t.Fatal(err)
	}

	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		envs, _ := s.Query(timeline.QueryOptions{Kind: timeline.KindCommand})
		if len(envs) == 1 {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("command was not ingested within timeout")
}

func TestCommandIngressRejectsEmptyCommand(t *testing.T) {
	s := testStore(t)
	b := testBus(t)

	_, cancel, err := NewCommandIngress(b, s, nil)
	if err != nil {
		t.Fatal(err)
	}
	defer cancel()

	b.Publish(context.Background(), "temporal.command.new", map[string]any{"command": ""})

	time.Sleep(100 * time.Millisecond)
	envs, _ := s.Query(timeline.QueryOptions{Kind: timeline.KindCommand})
	if len(envs) != 0 {
		t.Errorf("expected no events for empty command, got %d", len(envs))
	}
}
