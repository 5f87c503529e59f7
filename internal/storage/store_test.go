package storage

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"dahliabot/pkg/logx"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(Config{Path: filepath.Join(t.TempDir(), "runs.db")}, logx.Nop())
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestOpenRequiresPath(t *testing.T) {
	if _, err := Open(Config{}, logx.Nop()); err == nil {
		t.Fatalf("expected error for missing path")
	}
}

func TestAppendAndRecentRuns(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	base := time.Date(2024, 5, 10, 9, 30, 0, 0, time.UTC)
	recs := []RunRecord{
		{Channel: "main", StartedAt: base, Duration: 12 * time.Second, Processed: 10, Sent: 7, Filtered: 2, Failed: 1, OK: true},
		{Channel: "main", StartedAt: base.Add(24 * time.Hour), FetchError: "api down"},
		{Channel: "side", StartedAt: base, Processed: 1, Sent: 1, OK: true},
	}
	for _, rec := range recs {
		if err := s.AppendRun(ctx, rec); err != nil {
			t.Fatalf("append: %v", err)
		}
	}

	got, err := s.RecentRuns(ctx, "main", 10)
	if err != nil {
		t.Fatalf("recent: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("expected 2 runs for main, got %d", len(got))
	}
	if !got[0].StartedAt.After(got[1].StartedAt) {
		t.Fatalf("runs must be newest first")
	}
	if got[0].FetchError != "api down" || got[0].OK {
		t.Fatalf("unexpected newest run: %+v", got[0])
	}
	if got[1].Processed != 10 || got[1].Sent != 7 || got[1].Filtered != 2 || got[1].Failed != 1 || !got[1].OK {
		t.Fatalf("unexpected oldest run: %+v", got[1])
	}
	if got[1].Duration != 12*time.Second {
		t.Fatalf("duration round trip failed: %v", got[1].Duration)
	}
}

func TestRecentRunsLimit(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	base := time.Date(2024, 5, 10, 0, 0, 0, 0, time.UTC)
	for i := 0; i < 5; i++ {
		if err := s.AppendRun(ctx, RunRecord{Channel: "main", StartedAt: base.Add(time.Duration(i) * time.Hour), OK: true}); err != nil {
			t.Fatalf("append: %v", err)
		}
	}

	got, err := s.RecentRuns(ctx, "main", 3)
	if err != nil {
		t.Fatalf("recent: %v", err)
	}
	if len(got) != 3 {
		t.Fatalf("expected limit of 3, got %d", len(got))
	}
}
