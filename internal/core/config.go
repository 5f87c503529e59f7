package core

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	yaml "go.yaml.in/yaml/v3"

	"dahliabot/internal/scheduler"
)

// Config is the full process configuration. Decoded strictly: unknown keys
// are rejected so typos fail at startup instead of being silently ignored.
type Config struct {
	Telegram  TelegramConfig  `json:"telegram"`
	Source    SourceConfig    `json:"source"`
	Blacklist BlacklistConfig `json:"blacklist"`
	Channels  []ChannelConfig `json:"channels"`
	Pipeline  PipelineConfig  `json:"pipeline"`
	Scheduler SchedulerConfig `json:"scheduler"`
	Digest    DigestConfig    `json:"digest"`
	Metrics   MetricsConfig   `json:"metrics"`
	Storage   StorageConfig   `json:"storage"`
	Logging   LoggingConfig   `json:"logging"`
}

type TelegramConfig struct {
	Token       string `json:"token"`
	SendTimeout string `json:"send_timeout"` // duration; bounds one send incl. upload
}

type SourceConfig struct {
	Username string `json:"username"` // identity for the API User-Agent; required
	BaseURL  string `json:"base_url"`
	MinScore int    `json:"min_score"`
	Window   string `json:"window"` // rolling lower-bound window, default 24h
	Limit    int    `json:"limit"`
}

type BlacklistConfig struct {
	Path  string `json:"path"`
	Watch bool   `json:"watch"`
}

type ChannelConfig struct {
	Name             string `json:"name"`
	Query            string `json:"query"`
	ChatID           int64  `json:"chat_id"`
	At               string `json:"at"` // "HH:MM" in the channel's timezone
	Timezone         string `json:"timezone"`
	UTCOffsetMinutes int    `json:"utc_offset_minutes"` // used when timezone is empty
}

type PipelineConfig struct {
	SendDelay     string `json:"send_delay"` // pause between deliveries
	FFmpeg        string `json:"ffmpeg"`     // binary path; default from PATH
	MaxDownloadMB int64  `json:"max_download_mb"`
}

type SchedulerConfig struct {
	PollInterval string `json:"poll_interval"` // coarse tick, default 30s
}

type DigestConfig struct {
	Enabled  bool   `json:"enabled"`
	At       string `json:"at"`
	ChatID   int64  `json:"chat_id"`
	Timezone string `json:"timezone"`
}

type MetricsConfig struct {
	Enabled bool   `json:"enabled"`
	Addr    string `json:"addr"`
}

type StorageConfig struct {
	Enabled     bool   `json:"enabled"`
	Path        string `json:"path"`
	BusyTimeout string `json:"busy_timeout"`
}

type LoggingConfig struct {
	Level   string `json:"level"`
	Console *bool  `json:"console"` // nil means on
	File    struct {
		Enabled bool   `json:"enabled"`
		Path    string `json:"path"`
	} `json:"file"`
}

func LoadConfig(path string) (*Config, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	j, _, err := coerceToJSONBytes(path, b)
	if err != nil {
		return nil, err
	}

	dec := json.NewDecoder(bytes.NewReader(j))
	dec.DisallowUnknownFields()
	var cfg Config
	if err := dec.Decode(&cfg); err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}

	// The token usually lives in the environment, not on disk.
	if tok := strings.TrimSpace(os.Getenv("TELEGRAM_BOT_TOKEN")); tok != "" {
		cfg.Telegram.Token = tok
	}
	if cfg.Blacklist.Path == "" {
		cfg.Blacklist.Path = "./blacklist.json"
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate enforces the fatal startup requirements: credentials, a source
// identity, and at least one well-formed channel. Everything else degrades
// or defaults.
func (c *Config) Validate() error {
	if strings.TrimSpace(c.Telegram.Token) == "" {
		return fmt.Errorf("telegram.token is required (or set TELEGRAM_BOT_TOKEN)")
	}
	if strings.TrimSpace(c.Source.Username) == "" {
		return fmt.Errorf("source.username is required")
	}
	if len(c.Channels) == 0 {
		return fmt.Errorf("at least one channel is required")
	}

	seen := map[string]bool{}
	for i, ch := range c.Channels {
		name := strings.TrimSpace(ch.Name)
		if name == "" {
			return fmt.Errorf("channels[%d].name is required", i)
		}
		if seen[name] {
			return fmt.Errorf("channels[%d]: duplicate name %q", i, name)
		}
		seen[name] = true
		if ch.ChatID == 0 {
			return fmt.Errorf("channels[%d].chat_id is required", i)
		}
		if _, _, err := scheduler.ParseHHMM(ch.At); err != nil {
			return fmt.Errorf("channels[%d].at: %w", i, err)
		}
		if _, err := channelLocation(ch); err != nil {
			return fmt.Errorf("channels[%d]: %w", i, err)
		}
	}

	for _, f := range []struct{ path, raw string }{
		{"telegram.send_timeout", c.Telegram.SendTimeout},
		{"source.window", c.Source.Window},
		{"pipeline.send_delay", c.Pipeline.SendDelay},
		{"scheduler.poll_interval", c.Scheduler.PollInterval},
		{"storage.busy_timeout", c.Storage.BusyTimeout},
	} {
		if _, err := parseDurationField(f.path, f.raw); err != nil {
			return err
		}
	}

	if c.Digest.Enabled {
		if _, _, err := scheduler.ParseHHMM(c.Digest.At); err != nil {
			return fmt.Errorf("digest.at: %w", err)
		}
		if c.Digest.ChatID == 0 {
			return fmt.Errorf("digest.chat_id is required when digest is enabled")
		}
	}
	if c.Storage.Enabled && strings.TrimSpace(c.Storage.Path) == "" {
		return fmt.Errorf("storage.path is required when storage is enabled")
	}
	return nil
}

// channelLocation resolves a channel's timezone: an IANA name when given,
// otherwise a fixed UTC offset, defaulting to UTC.
func channelLocation(ch ChannelConfig) (*time.Location, error) {
	if tz := strings.TrimSpace(ch.Timezone); tz != "" {
		loc, err := time.LoadLocation(tz)
		if err != nil {
			return nil, fmt.Errorf("invalid timezone %q: %w", tz, err)
		}
		return loc, nil
	}
	if ch.UTCOffsetMinutes != 0 {
		if ch.UTCOffsetMinutes < -14*60 || ch.UTCOffsetMinutes > 14*60 {
			return nil, fmt.Errorf("utc_offset_minutes %d out of range", ch.UTCOffsetMinutes)
		}
		name := fmt.Sprintf("UTC%+03d:%02d", ch.UTCOffsetMinutes/60, abs(ch.UTCOffsetMinutes%60))
		return time.FixedZone(name, ch.UTCOffsetMinutes*60), nil
	}
	return time.UTC, nil
}

func abs(v int) int {
	if v < 0 {
		return -v
	}
	return v
}

func parseDurationField(path, raw string) (time.Duration, error) {
	s := strings.TrimSpace(raw)
	if s == "" {
		return 0, nil
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return 0, fmt.Errorf("%s: invalid duration %q: %w", path, raw, err)
	}
	if d < 0 {
		return 0, fmt.Errorf("%s: duration must be >= 0", path)
	}
	return d, nil
}

func durationOrDefault(raw string, def time.Duration) time.Duration {
	d, err := parseDurationField("", raw)
	if err != nil || d <= 0 {
		return def
	}
	return d
}

// coerceToJSONBytes converts YAML config to JSON bytes so the strict JSON
// decoder (DisallowUnknownFields) serves both formats.
func coerceToJSONBytes(path string, data []byte) ([]byte, string, error) {
	ext := strings.ToLower(filepath.Ext(path))
	if ext != ".yaml" && ext != ".yml" {
		return data, "json", nil
	}

	var v any
	if err := yaml.Unmarshal(data, &v); err != nil {
		return nil, "yaml", fmt.Errorf("yaml unmarshal: %w", err)
	}

	v = normalizeYAML(v)

	j, err := json.Marshal(v)
	if err != nil {
		return nil, "yaml", fmt.Errorf("yaml->json marshal: %w", err)
	}
	return j, "yaml", nil
}

// normalizeYAML ensures all map keys are strings so the result can be
// JSON-marshaled.
func normalizeYAML(in any) any {
	switch x := in.(type) {
	case map[any]any:
		m := make(map[string]any, len(x))
		for k, v := range x {
			m[fmt.Sprint(k)] = normalizeYAML(v)
		}
		return m
	case map[string]any:
		m := make(map[string]any, len(x))
		for k, v := range x {
			m[k] = normalizeYAML(v)
		}
		return m
	case []any:
		for i := range x {
			x[i] = normalizeYAML(x[i])
		}
		return x
	default:
		return in
	}
}
