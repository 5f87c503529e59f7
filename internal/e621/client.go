// Package e621 is a minimal client for the e621 posts API.
package e621

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/codeGROOVE-dev/retry"

	"dahliabot/pkg/logx"
)

const (
	defaultBaseURL = "https://e621.net/posts.json"

	// MaxLimit is the documented per-request maximum of the posts endpoint.
	MaxLimit = 320
)

type Config struct {
	BaseURL   string
	UserAgent string // required by the API's terms; identifies the bot operator

	MinScore int           // score:> threshold baked into every query
	Window   time.Duration // rolling lower-bound window for date:>=; default 24h
	Timeout  time.Duration // per-request HTTP timeout
}

type Client struct {
	cfg  Config
	http *http.Client
	log  logx.Logger

	now func() time.Time
}

func New(cfg Config, log logx.Logger) *Client {
	if strings.TrimSpace(cfg.BaseURL) == "" {
		cfg.BaseURL = defaultBaseURL
	}
	if cfg.MinScore <= 0 {
		cfg.MinScore = 30
	}
	if cfg.Window <= 0 {
		cfg.Window = 24 * time.Hour
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &Client{
		cfg:  cfg,
		http: &http.Client{Timeout: timeout},
		log:  log,
		now:  time.Now,
	}
}

// Fetch queries the posts endpoint with the fixed content filter plus the
// caller's topical query. Transient network failures are retried with capped
// backoff; API-level failures (non-2xx, malformed body) are not.
func (c *Client) Fetch(ctx context.Context, query string, limit int) ([]Post, error) {
	if limit <= 0 || limit > MaxLimit {
		limit = MaxLimit
	}

	q := url.Values{}
	q.Set("tags", c.buildTags(query))
	q.Set("limit", strconv.Itoa(limit))
	reqURL := c.cfg.BaseURL + "?" + q.Encode()

	var posts []Post
	err := retry.Do(
		func() error {
			req, err := http.NewRequestWithContext(ctx, http.MethodGet, reqURL, nil)
			if err != nil {
				return retry.Unrecoverable(err)
			}
			req.Header.Set("User-Agent", c.cfg.UserAgent)
			req.Header.Set("Accept", "application/json")

			resp, err := c.http.Do(req)
			if err != nil {
				return err
			}
			defer resp.Body.Close()

			if resp.StatusCode/100 != 2 {
				return retry.Unrecoverable(fmt.Errorf("unexpected status %d", resp.StatusCode))
			}

			var body struct {
				Posts []Post `json:"posts"`
			}
			if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
				return retry.Unrecoverable(fmt.Errorf("decode response: %w", err))
			}
			posts = body.Posts
			return nil
		},
		retry.Attempts(3),
		retry.Delay(time.Second),
		retry.MaxDelay(10*time.Second),
		retry.Context(ctx),
		retry.LastErrorOnly(true),
		retry.OnRetry(func(n uint, err error) {
			c.log.Warn("fetch retry", logx.Uint64("attempt", uint64(n+1)), logx.Err(err))
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("e621: fetch posts: %w", err)
	}
	return posts, nil
}

// buildTags joins the fixed filter (animated, score threshold, rolling date
// lower bound) with the channel's topical query. The date bound is the UTC
// calendar date of now-window, inclusive, matching the feed's day-boundary
// convention.
func (c *Client) buildTags(query string) string {
	since := c.now().UTC().Add(-c.cfg.Window).Format("2006-01-02")
	parts := []string{
		"animated",
		fmt.Sprintf("score:>%d", c.cfg.MinScore),
		"date:>=" + since,
	}
	if q := strings.TrimSpace(query); q != "" {
		parts = append(parts, q)
	}
	return strings.Join(parts, " ")
}
