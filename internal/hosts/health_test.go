package hosts

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/brackwood/nexus/internal/connwatch"
)

type fakeHistory struct {
	samples []HistorySample
	lastReq struct {
		since, until time.Time
		limit        int
	}
}

func (f *fakeHistory) SystemSnapshots(since, until time.Time, limit int) ([]HistorySample, error) {
	f.lastReq.since, f.lastReq.until, f.lastReq.limit = since, until, limit
	return f.samples, nil
}

func TestHealthHostCurrent(t *testing.T) {
	b := testBus(t)
	_, cancel, err := NewHealthHost(b, nil, nil, nil)
	if err != nil {
		t.Fatal(err)
	}
	defer cancel()

	raw, err := b.Request(context.Background(), "system.health.current", struct{}{}, time.Second)
	if err != nil {
		t.Fatalf("current: %v", err)
	}
	var reply CurrentReply
	if err := json.Unmarshal(raw, &reply); err != nil {
		t.Fatal(err)
	}
	if reply.ProcessCount <= 0 {
		t.Errorf("process count = %d, want > 0", reply.ProcessCount)
	}
	if reply.SampledAt.IsZero() {
		t.Error("sampled_at is zero")
	}
}

func TestHealthHostSummaryIncludesWatcherStatus(t *testing.T) {
	b := testBus(t)
	mgr := connwatch.NewManager(nil)
	mgr.Watch(context.Background(), connwatch.WatcherConfig{Name: "bus", Probe: func(ctx context.Context) error { return nil }})
	defer mgr.Stop()

	_, cancel, err := NewHealthHost(b, mgr, nil, nil)
	if err != nil {
		t.Fatal(err)
	}
	defer cancel()

	raw, err := b.Request(context.Background(), "system.health.summary", struct{}{}, time.Second)
	if err != nil {
		t.Fatalf("summary: %v", err)
	}
	var reply SummaryReply
	if err := json.Unmarshal(raw, &reply); err != nil {
		t.Fatal(err)
	}
	if _, ok := reply.Services["bus"]; !ok {
		t.Errorf("services = %+v, want entry for bus", reply.Services)
	}
}

func TestHealthHostHistoryDelegatesToProvider(t *testing.T) {
	b := testBus(t)
	fh := &fakeHistory{samples: []HistorySample{{Timestamp: time.Unix(100, 0)}}}

	_, cancel, err := NewHealthHost(b, nil, fh, nil)
	if err != nil {
		t.Fatal(err)
	}
	defer cancel()

	raw, err := b.Request(context.Background(), "system.health.history", HistoryRequest{SinceUnix: 50, Limit: 10}, time.Second)
	if err != nil {
		t.Fatalf("history: %v", err)
	}
	var reply HistoryReply
	if err := json.Unmarshal(raw, &reply); err != nil {
		t.Fatal(err)
	}
	if len(reply.Samples) != 1 {
		t.Fatalf("len(samples) = %d, want 1", len(reply.Samples))
	}
	if fh.lastReq.limit != 10 {
		t.Errorf("limit passed through = %d, want 10", fh.lastReq.limit)
	}
}

func TestHealthHostHistoryNilProvider(t *testing.T) {
	b := testBus(t)
	_, cancel, err := NewHealthHost(b, nil, nil, nil)
	if err != nil {
		t.Fatal(err)
	}
	defer cancel()

	raw, err := b.Request(context.Background(), "system.health.history", HistoryRequest{}, time.Second)
	if err != nil {
		t.Fatalf("history: %v", err)
	}
	var reply HistoryReply
	if err := json.Unmarshal(raw, &reply); err != nil {
		t.Fatal(err)
	}
	if len(reply.Samples) != 0 {
		t.Errorf("len(samples) = %d, want 0", len(reply.Samples))
	}
}
