// Package telegram wraps the Bot API client behind the three send
// operations the pipeline needs, and classifies transport failures so the
// dispatcher can tell a content rejection from a timeout.
package telegram

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strings"
	"time"

	tele "gopkg.in/telebot.v4"

	"dahliabot/pkg/logx"
)

var (
	// ErrContentRejected marks a 400-class rejection of the media itself
	// (wrong container, dead URL, page content Telegram refuses to fetch).
	// Recoverable by retrying with a different delivery method.
	ErrContentRejected = errors.New("telegram: content rejected")

	// ErrTimeout marks a send that exceeded its time bound. Not retried
	// within the run.
	ErrTimeout = errors.New("telegram: send timed out")
)

type Config struct {
	Token string

	// SendTimeout bounds a single send, including media upload.
	SendTimeout time.Duration
}

// FileSource is a deliverable payload: a remote URL or a local file.
// Exactly one of the two is set.
type FileSource struct {
	URL  string
	Path string
}

func (s FileSource) file() tele.File {
	if s.Path != "" {
		return tele.FromDisk(s.Path)
	}
	return tele.FromURL(s.URL)
}

type Adapter struct {
	cfg Config
	log logx.Logger
	bot *tele.Bot
}

func New(cfg Config, log logx.Logger) (*Adapter, error) {
	if strings.TrimSpace(cfg.Token) == "" {
		return nil, errors.New("telegram token is empty")
	}
	timeout := cfg.SendTimeout
	if timeout <= 0 {
		timeout = 2 * time.Minute
	}
	// No poller: this bot only publishes, it never consumes updates.
	// The HTTP client timeout is what bounds a hung upload.
	b, err := tele.NewBot(tele.Settings{
		Token:  cfg.Token,
		Client: &http.Client{Timeout: timeout},
	})
	if err != nil {
		return nil, fmt.Errorf("telegram: %w", err)
	}
	return &Adapter{cfg: cfg, log: log, bot: b}, nil
}

// SendVideo delivers the payload as a streaming video with a MarkdownV2
// caption.
func (a *Adapter) SendVideo(ctx context.Context, chatID int64, src FileSource, caption string) error {
	v := &tele.Video{File: src.file(), Caption: caption, Streaming: true}
	_, err := a.bot.Send(tele.ChatID(chatID), v, &tele.SendOptions{ParseMode: tele.ModeMarkdownV2})
	return a.classify(ctx, err)
}

// SendAnimation delivers the payload as a non-streaming animation with the
// same caption semantics as SendVideo.
func (a *Adapter) SendAnimation(ctx context.Context, chatID int64, src FileSource, caption string) error {
	an := &tele.Animation{File: src.file(), Caption: caption}
	_, err := a.bot.Send(tele.ChatID(chatID), an, &tele.SendOptions{ParseMode: tele.ModeMarkdownV2})
	return a.classify(ctx, err)
}

// SendText delivers a plain MarkdownV2 message (digest, operator notices).
func (a *Adapter) SendText(ctx context.Context, chatID int64, text string) error {
	_, err := a.bot.Send(tele.ChatID(chatID), text, &tele.SendOptions{
		ParseMode:             tele.ModeMarkdownV2,
		DisableWebPagePreview: true,
	})
	return a.classify(ctx, err)
}

// classify folds raw client errors into the two sentinel classes the
// dispatcher branches on. Anything else passes through unchanged.
func (a *Adapter) classify(ctx context.Context, err error) error {
	if err == nil {
		return nil
	}
	if ctx.Err() != nil || errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("%w: %v", ErrTimeout, err)
	}
	var ne net.Error
	if errors.As(err, &ne) && ne.Timeout() {
		return fmt.Errorf("%w: %v", ErrTimeout, err)
	}
	var te *tele.Error
	if errors.As(err, &te) && te.Code == http.StatusBadRequest {
		return fmt.Errorf("%w: %s", ErrContentRejected, te.Description)
	}
	return err
}
