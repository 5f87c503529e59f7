package pipeline

import (
	"context"
	"errors"
	"fmt"
	"time"

	"dahliabot/internal/e621"
	"dahliabot/internal/media"
	"dahliabot/internal/telegram"
	"dahliabot/pkg/logx"
)

// Transport is the slice of the messaging client the dispatcher needs.
// Errors must be classified with telegram.ErrContentRejected and
// telegram.ErrTimeout where applicable.
type Transport interface {
	SendVideo(ctx context.Context, chatID int64, src telegram.FileSource, caption string) error
	SendAnimation(ctx context.Context, chatID int64, src telegram.FileSource, caption string) error
}

// Normalizer turns a media reference into a deliverable payload.
type Normalizer interface {
	Normalize(ctx context.Context, ref media.Ref) (*media.Payload, error)
}

// Dispatcher delivers one post to one destination. Every failure mode is
// folded into the returned Outcome; nothing escapes the per-post boundary.
type Dispatcher struct {
	transport   Transport
	norm        Normalizer
	log         logx.Logger
	sendTimeout time.Duration
}

func NewDispatcher(transport Transport, norm Normalizer, sendTimeout time.Duration, log logx.Logger) *Dispatcher {
	if sendTimeout <= 0 {
		sendTimeout = 2 * time.Minute
	}
	return &Dispatcher{transport: transport, norm: norm, log: log, sendTimeout: sendTimeout}
}

// Dispatch renders the caption, normalizes the media, and walks the ordered
// delivery strategies: streaming video first, then animation — but only when
// the video attempt failed with a content rejection. A timeout on either
// attempt abandons the post for this run.
func (d *Dispatcher) Dispatch(ctx context.Context, post e621.Post, chatID int64) (out Outcome) {
	defer func() {
		if r := recover(); r != nil {
			out = failed(ReasonUnexpected, fmt.Errorf("panic: %v", r))
		}
	}()

	caption := RenderCaption(post)

	payload, err := d.norm.Normalize(ctx, media.Ref{URL: post.File.URL, Ext: post.File.Ext, Size: post.File.Size})
	if err != nil {
		return failed(ReasonTranscodeError, err)
	}
	defer payload.Close()

	src := telegram.FileSource{URL: payload.URL, Path: payload.Path}

	sctx, cancel := context.WithTimeout(ctx, d.sendTimeout)
	defer cancel()

	err = d.transport.SendVideo(sctx, chatID, src, caption)
	switch {
	case err == nil:
		return delivered(MethodVideo)
	case errors.Is(err, telegram.ErrTimeout):
		return failed(ReasonTransportTimeout, err)
	case !errors.Is(err, telegram.ErrContentRejected):
		return failed(ReasonTransportError, err)
	}

	d.log.Debug("video rejected, falling back to animation",
		logx.Int64("post", post.ID), logx.Err(err))

	err = d.transport.SendAnimation(sctx, chatID, src, caption)
	switch {
	case err == nil:
		return delivered(MethodAnimation)
	case errors.Is(err, telegram.ErrTimeout):
		return failed(ReasonTransportTimeout, err)
	default:
		return failed(ReasonTransportError, err)
	}
}
