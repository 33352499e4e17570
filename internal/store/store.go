// Package store is the SQLite-backed system of record for tasks, sentences, reading
// rules and merges.
package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/book-expert/tts-pipeline/internal/core"

	_ "modernc.org/sqlite"
)

const schema = `
CREATE TABLE IF NOT EXISTS tasks (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    name TEXT NOT NULL DEFAULT '',
    content TEXT NOT NULL,
    status INTEGER NOT NULL DEFAULT 0,
    merged_audio_url TEXT NOT NULL DEFAULT '',
    merged_duration_ms INTEGER NOT NULL DEFAULT 0,
    created_at INTEGER NOT NULL,
    updated_at INTEGER NOT NULL
);
CREATE TABLE IF NOT EXISTS original_sentences (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    task_id INTEGER NOT NULL,
    sequence INTEGER NOT NULL,
    content TEXT NOT NULL,
    UNIQUE(task_id, sequence),
    FOREIGN KEY(task_id) REFERENCES tasks(id) ON DELETE CASCADE
);
CREATE TABLE IF NOT EXISTS breaking_sentences (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    original_sentence_id INTEGER NOT NULL,
    task_id INTEGER NOT NULL,
    sequence INTEGER NOT NULL,
    content TEXT NOT NULL,
    markup TEXT NOT NULL DEFAULT '',
    job_id TEXT NOT NULL DEFAULT '',
    status INTEGER NOT NULL DEFAULT 0,
    audio_url TEXT NOT NULL DEFAULT '',
    audio_duration_ms INTEGER NOT NULL DEFAULT 0,
    updated_at INTEGER NOT NULL,
    UNIQUE(original_sentence_id, sequence),
    FOREIGN KEY(original_sentence_id) REFERENCES original_sentences(id) ON DELETE CASCADE,
    FOREIGN KEY(task_id) REFERENCES tasks(id) ON DELETE CASCADE
);
CREATE INDEX IF NOT EXISTS idx_breaking_sentences_job ON breaking_sentences(job_id);
CREATE INDEX IF NOT EXISTS idx_breaking_sentences_task ON breaking_sentences(task_id, sequence);
CREATE TABLE IF NOT EXISTS synthesis_settings (
    breaking_sentence_id INTEGER PRIMARY KEY,
    voice_id TEXT NOT NULL DEFAULT '',
    speech_rate INTEGER NOT NULL DEFAULT 0,
    volume INTEGER NOT NULL DEFAULT 0,
    pitch INTEGER NOT NULL DEFAULT 0,
    FOREIGN KEY(breaking_sentence_id) REFERENCES breaking_sentences(id) ON DELETE CASCADE
);
CREATE TABLE IF NOT EXISTS reading_rules (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    pattern TEXT NOT NULL,
    rule_type INTEGER NOT NULL,
    rule_value TEXT NOT NULL,
    scope INTEGER NOT NULL DEFAULT 0,
    task_id INTEGER NOT NULL DEFAULT 0
);
CREATE TABLE IF NOT EXISTS reading_rule_applications (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    rule_id INTEGER NOT NULL,
    level INTEGER NOT NULL,
    target_id INTEGER NOT NULL,
    is_open INTEGER NOT NULL,
    UNIQUE(rule_id, level, target_id),
    FOREIGN KEY(rule_id) REFERENCES reading_rules(id) ON DELETE CASCADE
);
CREATE TABLE IF NOT EXISTS audio_merges (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    task_id INTEGER NOT NULL,
    sentence_ids TEXT NOT NULL,
    audio_url TEXT NOT NULL DEFAULT '',
    duration_ms INTEGER NOT NULL DEFAULT 0,
    status INTEGER NOT NULL,
    created_at INTEGER NOT NULL,
    updated_at INTEGER NOT NULL,
    FOREIGN KEY(task_id) REFERENCES tasks(id) ON DELETE CASCADE
);
`

// Store wraps a SQLite database.
type Store struct {
	db    *sql.DB
	clock func() time.Time
}

// Open creates the database file if needed and applies the schema.
func Open(ctx context.Context, path string) (*Store, error) {
	dir := filepath.Dir(path)
	if dir != "." && dir != "" {
		mkdirErr := os.MkdirAll(dir, 0o755)
		if mkdirErr != nil {
			return nil, fmt.Errorf("failed to create data dir: %w", mkdirErr)
		}
	}

	dsn := fmt.Sprintf("file:%s?_pragma=journal_mode(WAL)&_pragma=foreign_keys(ON)&_pragma=busy_timeout(5000)", path)

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open sqlite: %w", err)
	}

	// One writer at a time; consumer goroutines queue on the pool instead of on SQLITE_BUSY.
	db.SetMaxOpenConns(1)

	pingErr := db.PingContext(ctx)
	if pingErr != nil {
		_ = db.Close()

		return nil, fmt.Errorf("failed to ping sqlite: %w", pingErr)
	}

	_, schemaErr := db.ExecContext(ctx, schema)
	if schemaErr != nil {
		_ = db.Close()

		return nil, fmt.Errorf("failed to apply schema: %w", schemaErr)
	}

	return &Store{db: db, clock: time.Now}, nil
}

// WithClock replaces the time source used for timestamps.
func (s *Store) WithClock(clock func() time.Time) *Store {
	s.clock = clock

	return s
}

// Close releases the database.
func (s *Store) Close() error {
	return s.db.Close()
}

// Ping checks that the database answers.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func (s *Store) nowMillis() int64 {
	return s.clock().UTC().UnixMilli()
}

func fromMillis(ms int64) time.Time {
	return time.UnixMilli(ms).UTC()
}

// notFound maps sql.ErrNoRows to core.ErrNotFound.
func notFound(err error, what string, id any) error {
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("%s %v: %w", what, id, core.ErrNotFound)
	}

	return fmt.Errorf("failed to load %s %v: %w", what, id, err)
}

// expectRow returns core.ErrNotFound when an update touched nothing.
func expectRow(result sql.Result, what string, id any) error {
	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to read affected rows: %w", err)
	}

	if affected == 0 {
		return fmt.Errorf("%s %v: %w", what, id, core.ErrNotFound)
	}

	return nil
}

var (
	_ core.TaskRepository     = (*Store)(nil)
	_ core.SentenceRepository = (*Store)(nil)
	_ core.RuleRepository     = (*Store)(nil)
	_ core.MergeRepository    = (*Store)(nil)
)
