package scheduler

import (
	"context"
	"sync"
	"testing"
	"time"

	"dahliabot/internal/metrics"
	"dahliabot/internal/pipeline"
	"dahliabot/pkg/logx"
)

type recordRunner struct {
	mu    sync.Mutex
	runs  map[string]int
	block chan struct{}
	done  chan string
}

func newRecordRunner() *recordRunner {
	return &recordRunner{runs: map[string]int{}, done: make(chan string, 16)}
}

func (r *recordRunner) RunChannel(ctx context.Context, ch *pipeline.Channel) {
	r.mu.Lock()
	r.runs[ch.Name]++
	r.mu.Unlock()
	if r.block != nil {
		<-r.block
	}
	r.done <- ch.Name
}

func (r *recordRunner) count(name string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.runs[name]
}

func (r *recordRunner) waitRun(t *testing.T) {
	t.Helper()
	select {
	case <-r.done:
	case <-time.After(2 * time.Second):
		t.Fatalf("timed out waiting for a run to finish")
	}
}

func testChannel(name string, hour, minute int, loc *time.Location) *pipeline.Channel {
	return &pipeline.Channel{
		Name:   name,
		ChatID: 1,
		Hour:   hour,
		Minute: minute,
		Loc:    loc,
		Stats:  metrics.NewRegistry().Channel(name),
	}
}

func TestTickFiresAtMostOncePerMinute(t *testing.T) {
	clock := time.Date(2024, 5, 10, 9, 30, 5, 0, time.UTC)
	rr := newRecordRunner()
	ch := testChannel("main", 9, 30, time.UTC)
	s := New([]*pipeline.Channel{ch}, rr, logx.Nop(), WithClock(func() time.Time { return clock }))

	ctx := context.Background()
	s.tick(ctx)
	rr.waitRun(t)

	// Later ticks inside the same minute must be suppressed.
	clock = clock.Add(30 * time.Second)
	s.tick(ctx)
	clock = clock.Add(20 * time.Second)
	s.tick(ctx)
	s.wg.Wait()

	if got := rr.count("main"); got != 1 {
		t.Fatalf("expected exactly 1 run this minute, got %d", got)
	}

	// The next day's matching minute fires again.
	clock = clock.Add(24 * time.Hour)
	s.tick(ctx)
	rr.waitRun(t)
	if got := rr.count("main"); got != 2 {
		t.Fatalf("expected a second run the next day, got %d", got)
	}
}

func TestTickSkipsNonMatchingMinute(t *testing.T) {
	rr := newRecordRunner()
	ch := testChannel("main", 9, 30, time.UTC)
	s := New([]*pipeline.Channel{ch}, rr, logx.Nop(),
		WithClock(func() time.Time { return time.Date(2024, 5, 10, 9, 31, 0, 0, time.UTC) }))

	s.tick(context.Background())
	s.wg.Wait()
	if rr.count("main") != 0 {
		t.Fatalf("channel fired outside its trigger minute")
	}
}

func TestTickSuppressedWhileRunning(t *testing.T) {
	clock := time.Date(2024, 5, 10, 9, 30, 0, 0, time.UTC)
	rr := newRecordRunner()
	rr.block = make(chan struct{})
	ch := testChannel("main", 9, 30, time.UTC)
	s := New([]*pipeline.Channel{ch}, rr, logx.Nop(), WithClock(func() time.Time { return clock }))

	ctx := context.Background()
	s.tick(ctx)

	// The run is still in flight; even the next day's matching minute must
	// not start a second one.
	clock = clock.Add(24 * time.Hour)
	s.tick(ctx)

	close(rr.block)
	rr.waitRun(t)
	s.wg.Wait()

	if got := rr.count("main"); got != 1 {
		t.Fatalf("expected 1 run while the first was in flight, got %d", got)
	}
}

func TestTickEvaluatesChannelsIndependently(t *testing.T) {
	clock := time.Date(2024, 5, 10, 0, 0, 0, 0, time.UTC)
	rr := newRecordRunner()
	// 02:00 at UTC+2 is 00:00 UTC, so both channels match the same instant.
	plus2 := time.FixedZone("utc+2", 2*60*60)
	chans := []*pipeline.Channel{
		testChannel("midnight-utc", 0, 0, time.UTC),
		testChannel("two-plus2", 2, 0, plus2),
		testChannel("later", 8, 0, time.UTC),
	}
	s := New(chans, rr, logx.Nop(), WithClock(func() time.Time { return clock }))

	s.tick(context.Background())
	rr.waitRun(t)
	rr.waitRun(t)
	s.wg.Wait()

	if rr.count("midnight-utc") != 1 || rr.count("two-plus2") != 1 {
		t.Fatalf("both matching channels must fire: %v", rr.runs)
	}
	if rr.count("later") != 0 {
		t.Fatalf("non-matching channel fired")
	}
}

func TestParseHHMM(t *testing.T) {
	cases := []struct {
		in      string
		hour    int
		minute  int
		wantErr bool
	}{
		{"00:00", 0, 0, false},
		{"09:30", 9, 30, false},
		{"23:59", 23, 59, false},
		{"9:30", 9, 30, false},
		{"24:00", 0, 0, true},
		{"12:60", 0, 0, true},
		{"nope", 0, 0, true},
		{"", 0, 0, true},
	}
	for _, tc := range cases {
		h, m, err := ParseHHMM(tc.in)
		if tc.wantErr {
			if err == nil {
				t.Fatalf("ParseHHMM(%q): expected error", tc.in)
			}
			continue
		}
		if err != nil {
			t.Fatalf("ParseHHMM(%q): %v", tc.in, err)
		}
		if h != tc.hour || m != tc.minute {
			t.Fatalf("ParseHHMM(%q) = %d:%d, want %d:%d", tc.in, h, m, tc.hour, tc.minute)
		}
	}
}
