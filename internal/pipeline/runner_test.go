package pipeline

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"dahliabot/internal/blacklist"
	"dahliabot/internal/e621"
	"dahliabot/internal/metrics"
	"dahliabot/pkg/logx"
)

type stubFetcher struct {
	posts []e621.Post
	err   error

	gotQuery string
	gotLimit int
}

func (s *stubFetcher) Fetch(ctx context.Context, query string, limit int) ([]e621.Post, error) {
	s.gotQuery = query
	s.gotLimit = limit
	return s.posts, s.err
}

func emptyBlacklist(t *testing.T) *blacklist.List {
	t.Helper()
	return blacklist.Load(filepath.Join(t.TempDir(), "absent.json"), logx.Nop())
}

func blacklistWith(t *testing.T, tags string) *blacklist.List {
	t.Helper()
	path := filepath.Join(t.TempDir(), "blacklist.json")
	if err := os.WriteFile(path, []byte(tags), 0o644); err != nil {
		t.Fatalf("write blacklist: %v", err)
	}
	return blacklist.Load(path, logx.Nop())
}

func newTestRunner(t *testing.T, f Fetcher, bl *blacklist.List, tr *stubTransport) *Runner {
	t.Helper()
	disp := NewDispatcher(tr, &stubNormalizer{}, time.Minute, logx.Nop())
	return NewRunner(RunnerConfig{SendDelay: time.Millisecond}, f, bl, disp, nil, logx.Nop())
}

func newTestChannel(name string) *Channel {
	return &Channel{
		Name:   name,
		ChatID: 1,
		Loc:    time.UTC,
		Stats:  metrics.NewRegistry().Channel(name),
	}
}

func TestRunChannelZeroPosts(t *testing.T) {
	tr := &stubTransport{}
	r := newTestRunner(t, &stubFetcher{}, emptyBlacklist(t), tr)
	ch := newTestChannel("main")

	r.RunChannel(context.Background(), ch)

	if tr.videoCalls != 0 || tr.animCalls != 0 {
		t.Fatalf("no dispatch may be attempted for an empty run")
	}
	if ch.Stats.Processed.Load() != 0 || ch.Stats.Sent.Load() != 0 || ch.Stats.FetchErrors.Load() != 0 {
		t.Fatalf("counters must stay unchanged for an empty run")
	}
	if _, ok := ch.Stats.LastSuccess(); !ok {
		t.Fatalf("empty run still counts as a successful run")
	}
}

func TestRunChannelFetchErrorAbortsRunOnly(t *testing.T) {
	tr := &stubTransport{}
	r := newTestRunner(t, &stubFetcher{err: errors.New("api down")}, emptyBlacklist(t), tr)
	ch := newTestChannel("main")

	r.RunChannel(context.Background(), ch)

	if tr.videoCalls != 0 {
		t.Fatalf("no dispatch after a fetch failure")
	}
	if ch.Stats.FetchErrors.Load() != 1 {
		t.Fatalf("expected 1 fetch error, got %d", ch.Stats.FetchErrors.Load())
	}
	if _, ok := ch.Stats.LastSuccess(); ok {
		t.Fatalf("failed run must not mark success")
	}
}

func TestRunChannelFiltersBlacklistedBeforeDispatch(t *testing.T) {
	posts := []e621.Post{
		{ID: 1, Tags: map[string][]string{"artist": {"anon"}, "general": {"x"}}, File: e621.File{URL: "u1", Ext: "mp4"}},
		{ID: 2, Tags: map[string][]string{"artist": {"anon"}}, File: e621.File{URL: "u2", Ext: "mp4"}},
	}
	tr := &stubTransport{}
	r := newTestRunner(t, &stubFetcher{posts: posts}, blacklistWith(t, `["x"]`), tr)
	ch := newTestChannel("main")

	r.RunChannel(context.Background(), ch)

	if tr.videoCalls != 1 {
		t.Fatalf("expected exactly 1 dispatch, got %d", tr.videoCalls)
	}
	if got := ch.Stats.Processed.Load(); got != 2 {
		t.Fatalf("expected 2 processed, got %d", got)
	}
	if got := ch.Stats.Filtered.Load(); got != 1 {
		t.Fatalf("expected 1 filtered, got %d", got)
	}
	if got := ch.Stats.Sent.Load(); got != 1 {
		t.Fatalf("expected 1 sent, got %d", got)
	}
}

func TestRunChannelIsolatesPostFailures(t *testing.T) {
	posts := []e621.Post{
		{ID: 1, File: e621.File{URL: "u1", Ext: "mp4"}},
		{ID: 2, File: e621.File{URL: "u2", Ext: "mp4"}},
		{ID: 3, File: e621.File{URL: "u3", Ext: "mp4"}},
	}
	tr := &stubTransport{videoErr: errors.New("boom")}
	r := newTestRunner(t, &stubFetcher{posts: posts}, emptyBlacklist(t), tr)
	ch := newTestChannel("main")

	r.RunChannel(context.Background(), ch)

	if tr.videoCalls != 3 {
		t.Fatalf("one bad post must not abort the run; got %d attempts", tr.videoCalls)
	}
	if got := ch.Stats.TransportErrors.Load(); got != 3 {
		t.Fatalf("expected 3 transport errors, got %d", got)
	}
	if ch.Stats.Sent.Load() != 0 {
		t.Fatalf("nothing was delivered")
	}
}

func TestRunChannelPassesQueryAndLimit(t *testing.T) {
	f := &stubFetcher{}
	r := NewRunner(RunnerConfig{FetchLimit: 50, SendDelay: time.Millisecond},
		f, emptyBlacklist(t),
		NewDispatcher(&stubTransport{}, &stubNormalizer{}, time.Minute, logx.Nop()),
		nil, logx.Nop())
	ch := newTestChannel("main")
	ch.Query = "fox"

	r.RunChannel(context.Background(), ch)

	if f.gotQuery != "fox" || f.gotLimit != 50 {
		t.Fatalf("expected query/limit to reach the fetcher, got %q/%d", f.gotQuery, f.gotLimit)
	}
}
