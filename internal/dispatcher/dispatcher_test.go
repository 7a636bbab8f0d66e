package dispatcher

import (
	"context"
	"encoding/json"
	"os"
	"os/exec"
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

func TestDispatcherProcessList(t *testing.T) {
	b := testBus(t)
	_, cancel, err := New(b, nil)
	if err != nil {
		t.Fatal(err)
	}
	defer cancel()

	raw, err := b.Request(context.Background(), "system.action.process.list", struct{}{}, 5*time.Second)
	if err != nil {
		t.Fatalf("process.list: %v", err)
	}
	var reply ListReply
	if err := json.Unmarshal(raw, &reply); err != nil {
		t.Fatal(err)
	}
	if len(reply.Processes) == 0 {
		t.Error("expected at least one process (this test's own)")
	}
}

func TestDispatcherProcessKillRejectsLowPID(t *testing.T) {
	b := testBus(t)
	_, cancel, err := New(b, nil)
	if err != nil {
		t.Fatal(err)
	}
	defer cancel()

	raw, err := b.Request(context.Background(), "system.action.process.kill", KillRequest{PID: 1}, 5*time.Second)
	if err != nil {
		t.Fatalf("process.kill transport error: %v", err)
	}
	var decoded struct {
		Error struct {
			Message string `json:"message"`
		} `json:"error"`
	}
	json.Unmarshal(raw, &decoded)
	if decoded.Error.Message == "" {
		t.Error("expected error killing pid 1")
	}
}

func TestDispatcherProcessKillNonexistent(t *testing.T) {
	b := testBus(t)
	_, cancel, err := New(b, nil)
	if err != nil {
		t.Fatal(err)
	}
	defer cancel()

	raw, err := b.Request(context.Background(), "system.action.process.kill", KillRequest{PID: 999999}, 5*time.Second)
	if err != nil {
		t.Fatalf("process.kill: %v", err)
	}
	var reply KillReply
	json.Unmarshal(raw, &reply)
	if reply.Killed {
		t.Error("expected killed=false for a pid that doesn't exist")
	}
}

func TestDispatcherProcessKillTerminatesChild(t *testing.T) {
	if os.Getenv("CI") != "" {
		t.Skip("spawns a real subprocess; skipped under CI sandboxing")
	}
	cmd := exec.Command("sleep", "30")
	if err := cmd.Start(); err != nil {
		t.Skipf("cannot spawn test process: %v", err)
	}
	defer cmd.Process.Kill()

	b := testBus(t)
	_, cancel, err := New(b, nil)
	if err != nil {
		t.Fatal(err)
	}
	defer cancel()

	raw, err := b.Request(context.Background(), "system.action.process.kill", KillRequest{PID: int32(cmd.Process.Pid)}, 10*time.Second)
	if err != nil {
		t.Fatalf("process.kill: %v", err)
	}
	var reply KillReply
	json.Unmarshal(raw, &reply)
	if !reply.Killed {
		t.Error("expected killed=true")
	}
}
