package e621

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"dahliabot/pkg/logx"
)

func fixedClock() time.Time {
	return time.Date(2024, 5, 10, 12, 0, 0, 0, time.UTC)
}

func newTestClient(t *testing.T, handler http.HandlerFunc) *Client {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	c := New(Config{BaseURL: srv.URL, UserAgent: "dahliabot/test"}, logx.Nop())
	c.now = fixedClock
	return c
}

func TestFetchBuildsQuery(t *testing.T) {
	var gotTags, gotLimit, gotUA string
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		gotTags = r.URL.Query().Get("tags")
		gotLimit = r.URL.Query().Get("limit")
		gotUA = r.Header.Get("User-Agent")
		w.Write([]byte(`{"posts":[{"id":7,"score":{"total":40},"fav_count":3,"file":{"url":"u","ext":"webm"}}]}`))
	})

	posts, err := c.Fetch(context.Background(), "fox", 100)
	if err != nil {
		t.Fatalf("fetch: %v", err)
	}
	if want := "animated score:>30 date:>=2024-05-09 fox"; gotTags != want {
		t.Fatalf("tags = %q, want %q", gotTags, want)
	}
	if gotLimit != "100" {
		t.Fatalf("limit = %q, want 100", gotLimit)
	}
	if gotUA != "dahliabot/test" {
		t.Fatalf("user agent = %q", gotUA)
	}
	if len(posts) != 1 || posts[0].ID != 7 || posts[0].File.Ext != "webm" {
		t.Fatalf("unexpected posts: %+v", posts)
	}
}

func TestFetchCapsLimit(t *testing.T) {
	var gotLimit string
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		gotLimit = r.URL.Query().Get("limit")
		w.Write([]byte(`{"posts":[]}`))
	})

	if _, err := c.Fetch(context.Background(), "", 9999); err != nil {
		t.Fatalf("fetch: %v", err)
	}
	if gotLimit != "320" {
		t.Fatalf("limit = %q, want the 320 cap", gotLimit)
	}
}

func TestFetchOmitsEmptyQuery(t *testing.T) {
	var gotTags string
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		gotTags = r.URL.Query().Get("tags")
		w.Write([]byte(`{"posts":[]}`))
	})

	if _, err := c.Fetch(context.Background(), "  ", 10); err != nil {
		t.Fatalf("fetch: %v", err)
	}
	if want := "animated score:>30 date:>=2024-05-09"; gotTags != want {
		t.Fatalf("tags = %q, want %q", gotTags, want)
	}
}

func TestFetchServerErrorNotRetried(t *testing.T) {
	calls := 0
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		calls++
		w.WriteHeader(http.StatusInternalServerError)
	})

	if _, err := c.Fetch(context.Background(), "", 10); err == nil {
		t.Fatalf("expected error on 500")
	}
	if calls != 1 {
		t.Fatalf("API-level failures must not be retried, got %d calls", calls)
	}
}

func TestFetchMalformedBody(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"posts":`))
	})
	if _, err := c.Fetch(context.Background(), "", 10); err == nil {
		t.Fatalf("expected decode error")
	}
}

func TestPostHelpers(t *testing.T) {
	p := Post{
		ID: 123,
		Tags: map[string][]string{
			"artist":    {"a1", "a2"},
			"character": {"c1"},
		},
	}
	if got := p.PageURL(); got != "https://e621.net/posts/123" {
		t.Fatalf("PageURL = %q", got)
	}
	if got := p.ArtistTags(); len(got) != 2 {
		t.Fatalf("ArtistTags = %v", got)
	}
	if got := p.CharacterTags(); len(got) != 1 || got[0] != "c1" {
		t.Fatalf("CharacterTags = %v", got)
	}
}
