// Package metrics keeps per-channel pipeline counters and serves them over
// a pull-based plain-text endpoint.
package metrics

import (
	"fmt"
	"io"
	"sort"
	"sync"
	"sync/atomic"
	"time"
)

// ChannelStats is the counter block for one configured channel. All fields
// are updated atomically; a channel's pipeline run is the only writer, the
// metrics endpoint and digest are readers.
type ChannelStats struct {
	name string

	Processed       atomic.Uint64
	Sent            atomic.Uint64
	Filtered        atomic.Uint64
	FetchErrors     atomic.Uint64
	TranscodeErrors atomic.Uint64
	TransportErrors atomic.Uint64
	Timeouts        atomic.Uint64

	lastSuccess atomic.Int64 // unix seconds; 0 = never
}

func (c *ChannelStats) Name() string { return c.name }

func (c *ChannelStats) MarkSuccess(t time.Time) { c.lastSuccess.Store(t.Unix()) }

func (c *ChannelStats) LastSuccess() (time.Time, bool) {
	v := c.lastSuccess.Load()
	if v == 0 {
		return time.Time{}, false
	}
	return time.Unix(v, 0), true
}

type Registry struct {
	mu       sync.Mutex
	channels map[string]*ChannelStats
}

func NewRegistry() *Registry {
	return &Registry{channels: map[string]*ChannelStats{}}
}

// Channel returns the stats block for name, creating it on first use.
func (r *Registry) Channel(name string) *ChannelStats {
	r.mu.Lock()
	defer r.mu.Unlock()
	if c, ok := r.channels[name]; ok {
		return c
	}
	c := &ChannelStats{name: name}
	r.channels[name] = c
	return c
}

func (r *Registry) snapshot() []*ChannelStats {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]*ChannelStats, 0, len(r.channels))
	for _, c := range r.channels {
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].name < out[j].name })
	return out
}

// WriteTo renders the registry in Prometheus text conventions.
func (r *Registry) WriteTo(w io.Writer) {
	counters := []struct {
		metric string
		get    func(*ChannelStats) uint64
	}{
		{"dahliabot_posts_processed_total", func(c *ChannelStats) uint64 { return c.Processed.Load() }},
		{"dahliabot_posts_sent_total", func(c *ChannelStats) uint64 { return c.Sent.Load() }},
		{"dahliabot_posts_filtered_total", func(c *ChannelStats) uint64 { return c.Filtered.Load() }},
		{"dahliabot_fetch_errors_total", func(c *ChannelStats) uint64 { return c.FetchErrors.Load() }},
		{"dahliabot_transcode_errors_total", func(c *ChannelStats) uint64 { return c.TranscodeErrors.Load() }},
		{"dahliabot_transport_errors_total", func(c *ChannelStats) uint64 { return c.TransportErrors.Load() }},
		{"dahliabot_transport_timeouts_total", func(c *ChannelStats) uint64 { return c.Timeouts.Load() }},
	}

	chans := r.snapshot()
	for _, m := range counters {
		fmt.Fprintf(w, "# TYPE %s counter\n", m.metric)
		for _, c := range chans {
			fmt.Fprintf(w, "%s{channel=%q} %d\n", m.metric, c.name, m.get(c))
		}
	}
	fmt.Fprintf(w, "# TYPE dahliabot_last_success_timestamp_seconds gauge\n")
	for _, c := range chans {
		fmt.Fprintf(w, "dahliabot_last_success_timestamp_seconds{channel=%q} %d\n", c.name, c.lastSuccess.Load())
	}
}

// Summary renders a short human-readable per-channel overview for the daily
// digest message.
func (r *Registry) Summary() string {
	var b []byte
	for _, c := range r.snapshot() {
		last := "never"
		if t, ok := c.LastSuccess(); ok {
			last = t.UTC().Format("2006-01-02 15:04 UTC")
		}
		b = fmt.Appendf(b, "%s: processed %d, sent %d, filtered %d, errors %d, last success %s\n",
			c.name,
			c.Processed.Load(), c.Sent.Load(), c.Filtered.Load(),
			c.FetchErrors.Load()+c.TranscodeErrors.Load()+c.TransportErrors.Load()+c.Timeouts.Load(),
			last)
	}
	if len(b) == 0 {
		return "no channels configured\n"
	}
	return string(b)
}
