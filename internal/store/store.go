// Package store owns all persisted state: the channel/stream catalog with
// health columns, EPG programs, a KV TTL cache, and per-device favorites and
// watch history. Backed by SQLite through database/sql (modernc driver, pure
// Go). Migrations are additive and idempotent.
package store

import (
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	_ "modernc.org/sqlite"
)

// ErrNotFound is returned by point lookups when no row matches.
var ErrNotFound = errors.New("store: not found")

// timeFormat is how timestamps are persisted. RFC3339 in UTC compares
// correctly as text, which the scheduling queries rely on.
const timeFormat = time.RFC3339

type Store struct {
	db *sql.DB
}

// Open opens (creating if needed) the SQLite database at path and applies
// migrations. WAL mode keeps the health worker's writes from blocking API reads.
func Open(path string) (*Store, error) {
	dsn := fmt.Sprintf("file:%s?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)&_pragma=synchronous(NORMAL)", path)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	// A single writer connection sidesteps SQLITE_BUSY under concurrent writes.
	db.SetMaxOpenConns(1)
	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return s, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

var schema = []string{
	`CREATE TABLE IF NOT EXISTS channels (
		id TEXT PRIMARY KEY,
		name TEXT NOT NULL DEFAULT '',
		alt_names TEXT NOT NULL DEFAULT '',
		network TEXT NOT NULL DEFAULT '',
		owners TEXT NOT NULL DEFAULT '',
		country TEXT NOT NULL DEFAULT '',
		is_nsfw INTEGER NOT NULL DEFAULT 0,
		launched TEXT NOT NULL DEFAULT '',
		closed TEXT NOT NULL DEFAULT '',
		replaced_by TEXT NOT NULL DEFAULT '',
		website TEXT NOT NULL DEFAULT '',
		has_streams INTEGER NOT NULL DEFAULT 0,
		stream_count INTEGER NOT NULL DEFAULT 0,
		updated_at TEXT NOT NULL DEFAULT ''
	)`,
	`CREATE TABLE IF NOT EXISTS channel_categories (
		channel_id TEXT NOT NULL,
		category TEXT NOT NULL,
		PRIMARY KEY (channel_id, category)
	)`,
	`CREATE TABLE IF NOT EXISTS streams (
		id TEXT PRIMARY KEY,
		channel_id TEXT NOT NULL DEFAULT '',
		feed_id TEXT NOT NULL DEFAULT '',
		title TEXT NOT NULL DEFAULT '',
		url TEXT NOT NULL,
		referrer TEXT NOT NULL DEFAULT '',
		user_agent TEXT NOT NULL DEFAULT '',
		quality TEXT NOT NULL DEFAULT '',
		country TEXT NOT NULL DEFAULT '',
		provider TEXT NOT NULL DEFAULT '',
		source TEXT NOT NULL DEFAULT '',
		health_status TEXT NOT NULL DEFAULT 'unknown',
		health_checked_at TEXT,
		health_response_ms INTEGER NOT NULL DEFAULT 0,
		health_error TEXT NOT NULL DEFAULT '',
		next_check_due TEXT,
		updated_at TEXT NOT NULL DEFAULT ''
	)`,
	`CREATE TABLE IF NOT EXISTS logos (
		id TEXT PRIMARY KEY,
		channel_id TEXT NOT NULL,
		feed_id TEXT NOT NULL DEFAULT '',
		url TEXT NOT NULL,
		width INTEGER NOT NULL DEFAULT 0,
		height INTEGER NOT NULL DEFAULT 0,
		format TEXT NOT NULL DEFAULT '',
		tags TEXT NOT NULL DEFAULT ''
	)`,
	`CREATE TABLE IF NOT EXISTS programs (
		id TEXT PRIMARY KEY,
		channel_id TEXT NOT NULL,
		title TEXT NOT NULL DEFAULT 'Unknown',
		sub_title TEXT NOT NULL DEFAULT '',
		description TEXT NOT NULL DEFAULT '',
		start TEXT NOT NULL,
		stop TEXT NOT NULL,
		category TEXT NOT NULL DEFAULT '',
		icon TEXT NOT NULL DEFAULT '',
		rating TEXT NOT NULL DEFAULT ''
	)`,
	`CREATE TABLE IF NOT EXISTS epg_channels (
		id TEXT PRIMARY KEY,
		name TEXT NOT NULL DEFAULT ''
	)`,
	`CREATE TABLE IF NOT EXISTS categories (
		id TEXT PRIMARY KEY,
		name TEXT NOT NULL DEFAULT '',
		description TEXT NOT NULL DEFAULT ''
	)`,
	`CREATE TABLE IF NOT EXISTS countries (
		code TEXT PRIMARY KEY,
		name TEXT NOT NULL DEFAULT '',
		languages TEXT NOT NULL DEFAULT '',
		flag TEXT NOT NULL DEFAULT ''
	)`,
	`CREATE TABLE IF NOT EXISTS cache (
		key TEXT PRIMARY KEY,
		value TEXT NOT NULL,
		expires_at TEXT NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS favorites (
		device_id TEXT NOT NULL,
		channel_id TEXT NOT NULL,
		created_at TEXT NOT NULL,
		PRIMARY KEY (device_id, channel_id)
	)`,
	`CREATE TABLE IF NOT EXISTS watch_history (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		device_id TEXT NOT NULL,
		channel_id TEXT NOT NULL,
		stream_id TEXT NOT NULL DEFAULT '',
		duration_seconds INTEGER NOT NULL DEFAULT 0,
		watched_at TEXT NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_channels_country ON channels(country)`,
	`CREATE INDEX IF NOT EXISTS idx_channels_has_streams ON channels(has_streams)`,
	`CREATE INDEX IF NOT EXISTS idx_channel_categories_category ON channel_categories(category)`,
	`CREATE INDEX IF NOT EXISTS idx_streams_channel ON streams(channel_id)`,
	`CREATE INDEX IF NOT EXISTS idx_streams_health ON streams(health_status)`,
	`CREATE INDEX IF NOT EXISTS idx_streams_next_check ON streams(next_check_due)`,
	`CREATE INDEX IF NOT EXISTS idx_logos_channel ON logos(channel_id)`,
	`CREATE INDEX IF NOT EXISTS idx_programs_channel ON programs(channel_id)`,
	`CREATE INDEX IF NOT EXISTS idx_programs_window ON programs(start, stop)`,
	`CREATE INDEX IF NOT EXISTS idx_history_device ON watch_history(device_id, watched_at)`,
}

// addColumns lists columns added after the initial schema. ALTER failures for
// columns that already exist are ignored.
var addColumns = []string{
	`ALTER TABLE streams ADD COLUMN next_check_due TEXT`,
	`ALTER TABLE programs ADD COLUMN sub_title TEXT NOT NULL DEFAULT ''`,
	`ALTER TABLE programs ADD COLUMN rating TEXT NOT NULL DEFAULT ''`,
}

func (s *Store) migrate() error {
	for _, stmt := range schema {
		if _, err := s.db.Exec(stmt); err != nil {
			return fmt.Errorf("%q: %w", firstLine(stmt), err)
		}
	}
	for _, stmt := range addColumns {
		if _, err := s.db.Exec(stmt); err != nil {
			if strings.Contains(err.Error(), "duplicate column name") {
				continue
			}
			return fmt.Errorf("%q: %w", firstLine(stmt), err)
		}
	}
	return nil
}

func firstLine(s string) string {
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		return strings.TrimSpace(s[:i])
	}
	return s
}

func now() string {
	return time.Now().UTC().Format(timeFormat)
}

func formatTime(t time.Time) string {
	return t.UTC().Format(timeFormat)
}

// parseTime turns a persisted timestamp back into a *time.Time; empty or
// malformed values come back nil.
func parseTime(s string) *time.Time {
	if s == "" {
		return nil
	}
	t, err := time.Parse(timeFormat, s)
	if err != nil {
		return nil
	}
	t = t.UTC()
	return &t
}

// joinList and splitList serialize string sets into a pipe-delimited column.
func joinList(items []string) string {
	return strings.Join(items, "|")
}

func splitList(s string) []string {
	if s == "" {
		return nil
	}
	return strings.Split(s, "|")
}

func placeholders(n int) string {
	return strings.TrimSuffix(strings.Repeat("?,", n), ",")
}
