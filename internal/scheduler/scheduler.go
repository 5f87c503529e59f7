// Package scheduler fires each channel's pipeline when wall-clock time in
// the channel's timezone matches its configured trigger minute.
package scheduler

import (
	"context"
	"sync"
	"time"

	"dahliabot/internal/pipeline"
	"dahliabot/pkg/logx"
)

type Runner interface {
	RunChannel(ctx context.Context, ch *pipeline.Channel)
}

// channelState is the two-state machine per channel: idle or one run in
// flight. lastFired is the channel-local calendar minute of the most recent
// fire, which makes the trigger at-most-once per matching minute no matter
// how many poll ticks land inside it.
type channelState struct {
	running   bool
	lastFired string
}

type Scheduler struct {
	runner   Runner
	channels []*pipeline.Channel
	log      logx.Logger

	interval time.Duration
	now      func() time.Time

	mu    sync.Mutex
	state map[string]*channelState
	wg    sync.WaitGroup
}

type Option func(*Scheduler)

// WithClock overrides the wall clock (tests).
func WithClock(now func() time.Time) Option {
	return func(s *Scheduler) { s.now = now }
}

// WithPollInterval overrides the coarse poll tick. Must stay under a minute
// or matching minutes could be skipped.
func WithPollInterval(d time.Duration) Option {
	return func(s *Scheduler) {
		if d > 0 && d < time.Minute {
			s.interval = d
		}
	}
}

func New(channels []*pipeline.Channel, runner Runner, log logx.Logger, opts ...Option) *Scheduler {
	s := &Scheduler{
		runner:   runner,
		channels: channels,
		log:      log,
		interval: 30 * time.Second,
		now:      time.Now,
		state:    map[string]*channelState{},
	}
	for _, ch := range channels {
		s.state[ch.Name] = &channelState{}
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Run polls until ctx is canceled, then waits for in-flight pipeline runs
// to finish (they observe the same ctx and stop at the next post boundary
// or send timeout).
func (s *Scheduler) Run(ctx context.Context) error {
	s.log.Info("scheduler started",
		logx.Int("channels", len(s.channels)),
		logx.Duration("poll_interval", s.interval))

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	s.tick(ctx)
	for {
		select {
		case <-ctx.Done():
			s.wg.Wait()
			s.log.Info("scheduler stopped")
			return nil
		case <-ticker.C:
			s.tick(ctx)
		}
	}
}

// tick evaluates every channel independently against the current wall
// clock. A channel fires when its trigger minute matches, it is idle, and
// it has not fired for this calendar minute yet.
func (s *Scheduler) tick(ctx context.Context) {
	now := s.now()
	for _, ch := range s.channels {
		local := now.In(ch.Loc)
		if local.Hour() != ch.Hour || local.Minute() != ch.Minute {
			continue
		}
		key := local.Format("2006-01-02T15:04")

		s.mu.Lock()
		st := s.state[ch.Name]
		if st.running || st.lastFired == key {
			s.mu.Unlock()
			continue
		}
		st.running = true
		st.lastFired = key
		s.mu.Unlock()

		s.wg.Add(1)
		go s.fire(ctx, ch)
	}
}

// fire runs one pipeline execution and always returns the channel to idle,
// even on panic. A pipeline failure never reaches the scheduler loop.
func (s *Scheduler) fire(ctx context.Context, ch *pipeline.Channel) {
	defer s.wg.Done()
	defer func() {
		s.mu.Lock()
		s.state[ch.Name].running = false
		s.mu.Unlock()
	}()
	defer func() {
		if r := recover(); r != nil {
			s.log.Error("pipeline run panicked", logx.String("channel", ch.Name), logx.Any("panic", r))
		}
	}()

	s.log.Info("trigger fired", logx.String("channel", ch.Name))
	s.runner.RunChannel(ctx, ch)
}
