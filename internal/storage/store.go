// Package storage persists one summary row per channel run, for operator
// audit. Post-level history is deliberately not stored; the bot is stateless
// across restarts.
package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"dahliabot/pkg/logx"
)

type Config struct {
	Enabled     bool
	Path        string
	BusyTimeout time.Duration // 0 means default
}

// RunRecord is one channel run, success or not.
type RunRecord struct {
	Channel    string
	StartedAt  time.Time
	Duration   time.Duration
	Processed  int
	Sent       int
	Filtered   int
	Failed     int
	FetchError string
	OK         bool
}

const schema = `
CREATE TABLE IF NOT EXISTS runs (
	id          INTEGER PRIMARY KEY AUTOINCREMENT,
	channel     TEXT NOT NULL,
	started_at  TEXT NOT NULL,
	took_ms     INTEGER NOT NULL,
	processed   INTEGER NOT NULL,
	sent        INTEGER NOT NULL,
	filtered    INTEGER NOT NULL,
	failed      INTEGER NOT NULL,
	fetch_error TEXT,
	ok          INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS runs_channel_started ON runs(channel, started_at);
`

type Store struct {
	db  *sql.DB
	log logx.Logger
}

func Open(cfg Config, log logx.Logger) (*Store, error) {
	if strings.TrimSpace(cfg.Path) == "" {
		return nil, errors.New("storage path is required")
	}
	if err := os.MkdirAll(filepath.Dir(cfg.Path), 0o755); err != nil {
		return nil, err
	}

	db, err := sql.Open("sqlite", cfg.Path)
	if err != nil {
		return nil, err
	}
	// SQLite prefers a small number of concurrent writers.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if cfg.BusyTimeout > 0 {
		_, _ = db.Exec(fmt.Sprintf("PRAGMA busy_timeout = %d", cfg.BusyTimeout.Milliseconds()))
	}
	_, _ = db.Exec("PRAGMA journal_mode = WAL")
	_, _ = db.Exec("PRAGMA synchronous = NORMAL")

	if _, err := db.Exec(schema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("storage: apply schema: %w", err)
	}
	return &Store{db: db, log: log}, nil
}

func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *Store) AppendRun(ctx context.Context, rec RunRecord) error {
	if rec.StartedAt.IsZero() {
		rec.StartedAt = time.Now()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO runs(channel, started_at, took_ms, processed, sent, filtered, failed, fetch_error, ok)
		 VALUES(?,?,?,?,?,?,?,?,?)`,
		rec.Channel, rec.StartedAt.UTC().Format(time.RFC3339Nano), rec.Duration.Milliseconds(),
		rec.Processed, rec.Sent, rec.Filtered, rec.Failed, nullStr(rec.FetchError), boolInt(rec.OK),
	)
	return err
}

// RecentRuns returns up to n most recent runs for a channel, newest first.
func (s *Store) RecentRuns(ctx context.Context, channel string, n int) ([]RunRecord, error) {
	if n <= 0 {
		n = 10
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT channel, started_at, took_ms, processed, sent, filtered, failed, fetch_error, ok
		 FROM runs WHERE channel = ? ORDER BY started_at DESC LIMIT ?`,
		channel, n,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []RunRecord
	for rows.Next() {
		var (
			rec      RunRecord
			started  string
			tookMS   int64
			fetchErr sql.NullString
			ok       int
		)
		if err := rows.Scan(&rec.Channel, &started, &tookMS, &rec.Processed, &rec.Sent,
			&rec.Filtered, &rec.Failed, &fetchErr, &ok); err != nil {
			return nil, err
		}
		rec.StartedAt, _ = time.Parse(time.RFC3339Nano, started)
		rec.Duration = time.Duration(tookMS) * time.Millisecond
		rec.FetchError = fetchErr.String
		rec.OK = ok != 0
		out = append(out, rec)
	}
	return out, rows.Err()
}

func nullStr(v string) any {
	if strings.TrimSpace(v) == "" {
		return nil
	}
	return v
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
