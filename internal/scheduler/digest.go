package scheduler

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/robfig/cron/v3"

	"dahliabot/internal/metrics"
	"dahliabot/internal/pipeline"
	"dahliabot/pkg/logx"
)

// TextSender delivers the digest message.
type TextSender interface {
	SendText(ctx context.Context, chatID int64, text string) error
}

type DigestConfig struct {
	Enabled  bool
	At       string // "HH:MM"
	ChatID   int64
	Timezone string // IANA; empty means Local
}

// Digest posts a daily per-channel counter summary to an operator chat.
type Digest struct {
	cfg    DigestConfig
	reg    *metrics.Registry
	sender TextSender
	log    logx.Logger

	c *cron.Cron
}

func NewDigest(cfg DigestConfig, reg *metrics.Registry, sender TextSender, log logx.Logger) *Digest {
	return &Digest{cfg: cfg, reg: reg, sender: sender, log: log}
}

func (d *Digest) Enabled() bool { return d.cfg.Enabled }

func (d *Digest) Start(ctx context.Context) error {
	if !d.cfg.Enabled {
		return nil
	}
	if d.cfg.ChatID == 0 {
		return fmt.Errorf("digest.chat_id is required when digest is enabled")
	}
	h, m, err := ParseHHMM(d.cfg.At)
	if err != nil {
		return err
	}

	loc := time.Local
	if tz := strings.TrimSpace(d.cfg.Timezone); tz != "" {
		loc, err = time.LoadLocation(tz)
		if err != nil {
			return fmt.Errorf("digest.timezone: invalid %q: %w", tz, err)
		}
	}

	d.c = cron.New(cron.WithLocation(loc))
	spec := fmt.Sprintf("%d %d * * *", m, h)
	if _, err := d.c.AddFunc(spec, func() { d.send(ctx) }); err != nil {
		return err
	}
	d.c.Start()
	d.log.Info("digest scheduled", logx.String("at", d.cfg.At), logx.String("tz", loc.String()))
	return nil
}

func (d *Digest) Stop() {
	if d.c != nil {
		<-d.c.Stop().Done()
		d.c = nil
	}
}

func (d *Digest) send(ctx context.Context) {
	sctx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()

	text := "*Daily digest*\n" + pipeline.EscapeMarkdown(d.reg.Summary())
	if err := d.sender.SendText(sctx, d.cfg.ChatID, text); err != nil {
		d.log.Warn("digest send failed", logx.Err(err))
		return
	}
	d.log.Info("digest sent")
}

// ParseHHMM parses a wall-clock trigger time in "HH:MM" form.
func ParseHHMM(s string) (hour, minute int, err error) {
	parts := strings.Split(strings.TrimSpace(s), ":")
	if len(parts) != 2 {
		return 0, 0, fmt.Errorf("invalid time %q, expected HH:MM", s)
	}
	h, err := strconv.Atoi(parts[0])
	if err != nil || h < 0 || h > 23 {
		return 0, 0, fmt.Errorf("invalid hour in %q", s)
	}
	m, err := strconv.Atoi(parts[1])
	if err != nil || m < 0 || m > 59 {
		return 0, 0, fmt.Errorf("invalid minute in %q", s)
	}
	return h, m, nil
}
