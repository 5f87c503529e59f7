package media

import (
	"bytes"
	"context"
	"fmt"
	"os/exec"
	"strings"
)

// FFmpeg returns a Transcoder backed by the ffmpeg binary at bin
// (or "ffmpeg" from PATH when empty). Output is H.264/AAC mp4 with the
// moov atom up front so Telegram can stream it.
func FFmpeg(bin string) Transcoder {
	if strings.TrimSpace(bin) == "" {
		bin = "ffmpeg"
	}
	return func(ctx context.Context, src, dst string) error {
		cmd := exec.CommandContext(ctx, bin,
			"-hide_banner", "-loglevel", "error",
			"-y", "-i", src,
			"-c:v", "libx264", "-pix_fmt", "yuv420p",
			"-c:a", "aac",
			"-movflags", "+faststart",
			dst,
		)
		var stderr bytes.Buffer
		cmd.Stderr = &stderr
		if err := cmd.Run(); err != nil {
			return fmt.Errorf("ffmpeg: %w: %s", err, tail(stderr.String(), 400))
		}
		return nil
	}
}

func tail(s string, n int) string {
	s = strings.TrimSpace(s)
	if len(s) <= n {
		return s
	}
	return "..." + s[len(s)-n:]
}
