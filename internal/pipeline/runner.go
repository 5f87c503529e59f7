package pipeline

import (
	"context"
	"time"

	"golang.org/x/time/rate"

	"dahliabot/internal/blacklist"
	"dahliabot/internal/e621"
	"dahliabot/internal/storage"
	"dahliabot/pkg/logx"
)

type Fetcher interface {
	Fetch(ctx context.Context, query string, limit int) ([]e621.Post, error)
}

// RunStore persists one summary row per channel run. Optional.
type RunStore interface {
	AppendRun(ctx context.Context, rec storage.RunRecord) error
}

type RunnerConfig struct {
	FetchLimit int
	// SendDelay is the mandatory pause between deliveries, the self-imposed
	// backpressure that keeps the transport's rate limits honored.
	SendDelay time.Duration
}

// Runner drives one channel's fetch → filter → dispatch sequence. The
// limiter is shared across channels because they share one transport.
type Runner struct {
	cfg     RunnerConfig
	fetcher Fetcher
	bl      *blacklist.List
	disp    *Dispatcher
	store   RunStore
	log     logx.Logger
	limiter *rate.Limiter
}

func NewRunner(cfg RunnerConfig, fetcher Fetcher, bl *blacklist.List, disp *Dispatcher, store RunStore, log logx.Logger) *Runner {
	if cfg.FetchLimit <= 0 {
		cfg.FetchLimit = e621.MaxLimit
	}
	if cfg.SendDelay <= 0 {
		cfg.SendDelay = 5 * time.Second
	}
	return &Runner{
		cfg:     cfg,
		fetcher: fetcher,
		bl:      bl,
		disp:    disp,
		store:   store,
		log:     log,
		limiter: rate.NewLimiter(rate.Every(cfg.SendDelay), 1),
	}
}

// RunChannel executes one pipeline run for ch. A fetch failure ends the run
// early; a single post's failure never does. Posts are processed strictly
// one at a time.
func (r *Runner) RunChannel(ctx context.Context, ch *Channel) {
	log := r.log.With(logx.String("channel", ch.Name))
	started := time.Now()
	rec := storage.RunRecord{Channel: ch.Name, StartedAt: started}
	defer func() {
		rec.Duration = time.Since(started)
		r.appendRun(rec, log)
	}()

	posts, err := r.fetcher.Fetch(ctx, ch.Query, r.cfg.FetchLimit)
	if err != nil {
		ch.Stats.FetchErrors.Add(1)
		rec.FetchError = err.Error()
		log.Error("fetch failed, skipping run", logx.Err(err))
		return
	}
	if len(posts) == 0 {
		log.Info("no posts this run")
		ch.Stats.MarkSuccess(time.Now())
		rec.OK = true
		return
	}

	// One snapshot for the whole run: a hot reload mid-run must not change
	// which posts pass the filter.
	set := r.bl.Snapshot()
	log.Info("run started", logx.Int("posts", len(posts)), logx.Int("blacklist_tags", set.Len()))

	for i := range posts {
		if ctx.Err() != nil {
			log.Warn("run interrupted", logx.Err(ctx.Err()))
			return
		}
		post := posts[i]
		ch.Stats.Processed.Add(1)
		rec.Processed++

		if set.Matches(post.Tags) {
			ch.Stats.Filtered.Add(1)
			rec.Filtered++
			log.Debug("post blacklisted", logx.Int64("post", post.ID))
			continue
		}

		if err := r.limiter.Wait(ctx); err != nil {
			log.Warn("run interrupted", logx.Err(err))
			return
		}

		out := r.disp.Dispatch(ctx, post, ch.ChatID)
		r.account(ch, &rec, post.ID, out, log)
	}

	ch.Stats.MarkSuccess(time.Now())
	rec.OK = true
	log.Info("run finished",
		logx.Int("processed", rec.Processed),
		logx.Int("sent", rec.Sent),
		logx.Int("filtered", rec.Filtered),
		logx.Int("failed", rec.Failed),
		logx.Duration("took", time.Since(started)))
}

func (r *Runner) account(ch *Channel, rec *storage.RunRecord, postID int64, out Outcome, log logx.Logger) {
	if out.Delivered {
		ch.Stats.Sent.Add(1)
		rec.Sent++
		log.Info("post delivered", logx.Int64("post", postID), logx.String("method", out.Method.String()))
		return
	}
	rec.Failed++
	switch out.Reason {
	case ReasonTranscodeError:
		ch.Stats.TranscodeErrors.Add(1)
	case ReasonTransportTimeout:
		ch.Stats.Timeouts.Add(1)
	default:
		ch.Stats.TransportErrors.Add(1)
	}
	log.Warn("post failed",
		logx.Int64("post", postID),
		logx.String("reason", out.Reason.String()),
		logx.Err(out.Err))
}

// appendRun is detached from the run context so a shutdown mid-run still
// records the row.
func (r *Runner) appendRun(rec storage.RunRecord, log logx.Logger) {
	if r.store == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := r.store.AppendRun(ctx, rec); err != nil {
		log.Warn("run history append failed", logx.Err(err))
	}
}
