package contextstore

import (
	"path/filepath"
	"testing"
	"time"
)

func testStore(t *testing.T) *Store {
	t.Helper()
	dbPath := filepath.Join(t.TempDir(), "context_test.db")
	s, err := Open(dbPath, time.Hour)
	if err != nil {
		t.Fatalf("Open(%q): %v", dbPath, err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestLoadMissingReturnsEmptyContext(t *testing.T) {
	s := testStore(t)

	c, err := s.Load("session-1")
	if err != nil {
		t.Fatalf("Load() error: %v", err)
	}
	if len(c.Turns) != 0 || len(c.Variables) != 0 || len(c.Results) != 0 {
		t.Errorf("Load() of missing session = %+v, want empty Context", c)
	}
}

func TestSaveAndLoad(t *testing.T) {
	s := testStore(t)

	c := NewContext()
	c.AppendTurn("user", "generate a picture of a cat")
	c.SetVariable("last_generated_image", "/home/user/Pictures/cat.png")
	c.RecordResult(ActionResult{
		ActionID:   "a1",
		Status:     "ok",
		Outputs:    map[string]any{"path": "/home/user/Pictures/cat.png"},
		StartedAt:  time.Now(),
		FinishedAt: time.Now(),
	})
	c.AddCreatedFile("/home/user/Pictures/cat.png")

	if err := s.Save("session-1", c); err != nil {
		t.Fatalf("Save() error: %v", err)
	}

	got, err := s.Load("session-1")
	if err != nil {
		t.Fatalf("Load() error: %v", err)
	}

	if len(got.Turns) != 1 || got.Turns[0].Content != "generate a picture of a cat" {
		t.Errorf("Turns = %+v, want 1 turn with user content", got.Turns)
	}
	if got.Variables["last_generated_image"] != "/home/user/Pictures/cat.png" {
		t.Errorf("Variables[last_generated_image] = %q", got.Variables["last_generated_image"])
	}
	if r, ok := got.Results["a1"]; !ok || r.Status != "ok" {
		t.Errorf("Results[a1] = %+v, ok=%v", r, ok)
	}
	if _, ok := got.CreatedFiles["/home/user/Pictures/cat.png"]; !ok {
		t.Errorf("CreatedFiles missing expected path, got %+v", got.CreatedFiles)
	}
}

func TestSaveRefreshesTTL(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "context_test.db")
	s, err := Open(dbPath, 10*time.Millisecond)
	if err != nil {
		t.Fatal(err)
	}
	defer s.Close()

	c := NewContext()
	c.AppendTurn("user", "hi")
	if err := s.Save("session-1", c); err != nil {
		t.Fatal(err)
	}

	time.Sleep(20 * time.Millisecond)

	// Without a refresh the TTL has lapsed, so this reads back empty.
	got, err := s.Load("session-1")
	if err != nil {
		t.Fatal(err)
	}
	if len(got.Turns) != 0 {
		t.Error("expected expired context to load as empty")
	}

	// Re-saving refreshes the TTL.
	if err := s.Save("session-1", c); err != nil {
		t.Fatal(err)
	}
	got, err = s.Load("session-1")
	if err != nil {
		t.Fatal(err)
	}
	if len(got.Turns) != 1 {
		t.Error("expected freshly-saved context to round trip")
	}
}

func TestReset(t *testing.T) {
	s := testStore(t)

	c := NewContext()
	c.AppendTurn("user", "hello")
	if err := s.Save("session-1", c); err != nil {
		t.Fatal(err)
	}

	if err := s.Reset("session-1"); err != nil {
		t.Fatalf("Reset() error: %v", err)
	}

	got, err := s.Load("session-1")
	if err != nil {
		t.Fatal(err)
	}
	if len(got.Turns) != 0 {
		t.Error("expected empty Context after Reset")
	}
}

func TestResetArchivesBeforeDeleting(t *testing.T) {
	s := testStore(t)

	c := NewContext()
	c.AppendTurn("user", "hello")
	if err := s.Save("session-1", c); err != nil {
		t.Fatal(err)
	}

	var archivedSession string
	var archivedSnapshot []byte
	calls := 0
	s.SetArchiver(func(sessionID string, snapshot []byte) error {
		calls++
		archivedSession = sessionID
		archivedSnapshot = snapshot
		return nil
	})

	if err := s.Reset("session-1"); err != nil {
		t.Fatalf("Reset() error: %v", err)
	}
	if calls != 1 {
		t.Fatalf("archiver called %d times, want 1", calls)
	}
	if archivedSession != "session-1" {
		t.Errorf("archiver sessionID = %q, want session-1", archivedSession)
	}
	if len(archivedSnapshot) == 0 {
		t.Error("archiver received empty snapshot")
	}

	got, err := s.Load("session-1")
	if err != nil {
		t.Fatal(err)
	}
	if len(got.Turns) != 0 {
		t.Error("expected empty Context after Reset")
	}
}

func TestResetSkipsArchiveWhenNoContextExists(t *testing.T) {
	s := testStore(t)

	calls := 0
	s.SetArchiver(func(sessionID string, snapshot []byte) error {
		calls++
		return nil
	})

	if err := s.Reset("never-saved"); err != nil {
		t.Fatalf("Reset() error: %v", err)
	}
	if calls != 0 {
		t.Errorf("archiver called %d times for a session with no Context, want 0", calls)
	}
}

func TestResetWithoutArchiverStillDeletes(t *testing.T) {
	s := testStore(t)

	c := NewContext()
	c.AppendTurn("user", "hello")
	if err := s.Save("session-1", c); err != nil {
		t.Fatal(err)
	}

	if err := s.Reset("session-1"); err != nil {
		t.Fatalf("Reset() error: %v", err)
	}
	got, err := s.Load("session-1")
	if err != nil {
		t.Fatal(err)
	}
	if len(got.Turns) != 0 {
		t.Error("expected empty Context after Reset")
	}
}

func TestSweep(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "context_test.db")
	s, err := Open(dbPath, -time.Second)
	if err != nil {
		t.Fatal(err)
	}
	defer s.Close()

	c := NewContext()
	if err := s.Save("session-1", c); err != nil {
		t.Fatal(err)
	}

	n, err := s.Sweep()
	if err != nil {
		t.Fatalf("Sweep() error: %v", err)
	}
	if n != 1 {
		t.Errorf("Sweep() removed %d, want 1", n)
	}
}

func TestDefaultTTLAppliedWhenZero(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "context_test.db")
	s, err := Open(dbPath, 0)
	if err != nil {
		t.Fatal(err)
	}
	defer s.Close()

	if s.ttl != DefaultTTL {
		t.Errorf("ttl = %v, want DefaultTTL %v", s.ttl, DefaultTTL)
	}
}
