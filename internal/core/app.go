// Package core wires the application together: config, logging, transport,
// pipeline, scheduler, and the optional services.
package core

import (
	"context"
	"fmt"
	"sync"
	"time"

	"dahliabot/internal/blacklist"
	"dahliabot/internal/e621"
	"dahliabot/internal/media"
	"dahliabot/internal/metrics"
	"dahliabot/internal/pipeline"
	"dahliabot/internal/scheduler"
	"dahliabot/internal/storage"
	"dahliabot/internal/telegram"
	"dahliabot/pkg/logx"
)

type App struct {
	cfg *Config

	log      logx.Logger
	logClose func() error

	adapter *telegram.Adapter
	bl      *blacklist.List
	store   *storage.Store
	reg     *metrics.Registry
	msrv    *metrics.Service
	sched   *scheduler.Scheduler
	digest  *scheduler.Digest

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func NewApp(cfgPath string) (*App, error) {
	cfg, err := LoadConfig(cfgPath)
	if err != nil {
		return nil, err
	}

	console := true
	if cfg.Logging.Console != nil {
		console = *cfg.Logging.Console
	}
	log, logClose := logx.New(logx.Config{
		Level:   cfg.Logging.Level,
		Console: console,
		File: logx.FileConfig{
			Enabled: cfg.Logging.File.Enabled,
			Path:    cfg.Logging.File.Path,
		},
	})
	log = log.With(logx.String("comp", "app"))

	adapter, err := telegram.New(telegram.Config{
		Token:       cfg.Telegram.Token,
		SendTimeout: durationOrDefault(cfg.Telegram.SendTimeout, 2*time.Minute),
	}, log.With(logx.String("comp", "telegram")))
	if err != nil {
		_ = logClose()
		return nil, err
	}

	bl := blacklist.Load(cfg.Blacklist.Path, log.With(logx.String("comp", "blacklist")))

	var store *storage.Store
	if cfg.Storage.Enabled {
		store, err = storage.Open(storage.Config{
			Enabled:     true,
			Path:        cfg.Storage.Path,
			BusyTimeout: durationOrDefault(cfg.Storage.BusyTimeout, 0),
		}, log.With(logx.String("comp", "storage")))
		if err != nil {
			_ = logClose()
			return nil, fmt.Errorf("storage: %w", err)
		}
	}

	fetcher := e621.New(e621.Config{
		BaseURL:   cfg.Source.BaseURL,
		UserAgent: fmt.Sprintf("dahliabot/1.0 (by %s on e621)", cfg.Source.Username),
		MinScore:  cfg.Source.MinScore,
		Window:    durationOrDefault(cfg.Source.Window, 24*time.Hour),
	}, log.With(logx.String("comp", "e621")))

	maxBytes := cfg.Pipeline.MaxDownloadMB << 20
	norm := media.NewNormalizer(media.FFmpeg(cfg.Pipeline.FFmpeg), maxBytes,
		log.With(logx.String("comp", "media")))

	disp := pipeline.NewDispatcher(adapter, norm,
		durationOrDefault(cfg.Telegram.SendTimeout, 2*time.Minute),
		log.With(logx.String("comp", "dispatch")))

	reg := metrics.NewRegistry()

	// RunStore is an interface; a typed nil *storage.Store must not sneak in.
	var runStore pipeline.RunStore
	if store != nil {
		runStore = store
	}
	runner := pipeline.NewRunner(pipeline.RunnerConfig{
		FetchLimit: cfg.Source.Limit,
		SendDelay:  durationOrDefault(cfg.Pipeline.SendDelay, 5*time.Second),
	}, fetcher, bl, disp, runStore, log.With(logx.String("comp", "pipeline")))

	channels := make([]*pipeline.Channel, 0, len(cfg.Channels))
	for _, cc := range cfg.Channels {
		h, m, _ := scheduler.ParseHHMM(cc.At) // validated in LoadConfig
		loc, _ := channelLocation(cc)
		channels = append(channels, &pipeline.Channel{
			Name:   cc.Name,
			Query:  cc.Query,
			ChatID: cc.ChatID,
			Hour:   h,
			Minute: m,
			Loc:    loc,
			Stats:  reg.Channel(cc.Name),
		})
	}

	sched := scheduler.New(channels, runner,
		log.With(logx.String("comp", "scheduler")),
		scheduler.WithPollInterval(durationOrDefault(cfg.Scheduler.PollInterval, 30*time.Second)))

	digest := scheduler.NewDigest(scheduler.DigestConfig{
		Enabled:  cfg.Digest.Enabled,
		At:       cfg.Digest.At,
		ChatID:   cfg.Digest.ChatID,
		Timezone: cfg.Digest.Timezone,
	}, reg, adapter, log.With(logx.String("comp", "digest")))

	msrv := metrics.NewService(metrics.Config{
		Enabled: cfg.Metrics.Enabled,
		Addr:    cfg.Metrics.Addr,
	}, reg, log.With(logx.String("comp", "metrics")))

	return &App{
		cfg:      cfg,
		log:      log,
		logClose: logClose,
		adapter:  adapter,
		bl:       bl,
		store:    store,
		reg:      reg,
		msrv:     msrv,
		sched:    sched,
		digest:   digest,
	}, nil
}

func (a *App) Start(ctx context.Context) error {
	rctx, cancel := context.WithCancel(ctx)
	a.cancel = cancel

	a.msrv.Start(rctx)

	if err := a.digest.Start(rctx); err != nil {
		a.msrv.Stop(context.Background())
		return err
	}

	if a.cfg.Blacklist.Watch {
		a.wg.Add(1)
		go func() {
			defer a.wg.Done()
			if err := a.bl.Watch(rctx); err != nil {
				a.log.Warn("blacklist watcher stopped", logx.Err(err))
			}
		}()
	}

	a.wg.Add(1)
	go func() {
		defer a.wg.Done()
		_ = a.sched.Run(rctx)
	}()

	a.log.Info("app started", logx.Int("channels", len(a.cfg.Channels)))
	return nil
}

// Stop unwinds with an upper bound so a hung send cannot stall shutdown
// forever: the in-flight post gets its grace window, then the process
// leaves.
func (a *App) Stop(ctx context.Context) error {
	a.log.Info("stopping")
	if a.cancel != nil {
		a.cancel()
	}

	done := make(chan struct{})
	go func() {
		a.wg.Wait()
		close(done)
	}()

	grace := 15 * time.Second
	if dl, ok := ctx.Deadline(); ok {
		if rem := time.Until(dl); rem > 0 && rem < grace {
			grace = rem
		}
	}
	t := time.NewTimer(grace)
	defer t.Stop()
	select {
	case <-done:
	case <-ctx.Done():
		a.log.Warn("shutdown cancelled", logx.Err(ctx.Err()))
	case <-t.C:
		a.log.Warn("shutdown grace elapsed; continuing")
	}

	a.digest.Stop()
	a.msrv.Stop(ctx)

	if a.store != nil {
		if err := a.store.Close(); err != nil {
			a.log.Warn("storage close failed", logx.Err(err))
		}
	}

	a.log.Info("stopped")
	if a.logClose != nil {
		_ = a.logClose()
	}
	return nil
}
