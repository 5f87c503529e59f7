// Package pipeline contains the per-channel fetch → filter → dispatch run
// and the per-post dispatch logic.
package pipeline

import (
	"time"

	"dahliabot/internal/metrics"
)

// Channel is one configured delivery target: a topical query, a destination
// chat, and a daily trigger time in the channel's own timezone. Created at
// startup; its counters are mutated only by its own pipeline run.
type Channel struct {
	Name   string
	Query  string
	ChatID int64

	Hour   int
	Minute int
	Loc    *time.Location

	Stats *metrics.ChannelStats
}

type Method int

const (
	MethodNone Method = iota
	MethodVideo
	MethodAnimation
)

func (m Method) String() string {
	switch m {
	case MethodVideo:
		return "video"
	case MethodAnimation:
		return "animation"
	default:
		return "none"
	}
}

type Reason int

const (
	ReasonNone Reason = iota
	ReasonBlacklisted
	ReasonFetchFailed
	ReasonTranscodeError
	ReasonTransportError
	ReasonTransportTimeout
	ReasonUnexpected
)

func (r Reason) String() string {
	switch r {
	case ReasonBlacklisted:
		return "blacklisted"
	case ReasonFetchFailed:
		return "fetch-failed"
	case ReasonTranscodeError:
		return "transcode-error"
	case ReasonTransportError:
		return "transport-error"
	case ReasonTransportTimeout:
		return "transport-timeout"
	case ReasonUnexpected:
		return "unexpected"
	default:
		return "none"
	}
}

// Outcome is the per-post result. Transient; it only feeds counters and
// logs.
type Outcome struct {
	Delivered bool
	Method    Method
	Reason    Reason
	Err       error
}

func delivered(m Method) Outcome         { return Outcome{Delivered: true, Method: m} }
func failed(r Reason, err error) Outcome { return Outcome{Reason: r, Err: err} }
