// Copyright 2026 Memweave Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//	http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package store persists sessions, observations, summaries, user prompts
// and the pending-message work queue in a single SQLite database.
//
// The database has exactly one writer: the connection pool is capped at one
// open connection, so every statement and transaction is serialized.
package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"go.uber.org/zap"
	_ "modernc.org/sqlite"
)

// Store is the embedded SQL database. All reads and writes go through it.
type Store struct {
	db     *sql.DB
	logger *zap.Logger
}

// Open opens (creating if necessary) the database at dbPath and runs the
// idempotent schema migrations.
func Open(ctx context.Context, dbPath string, logger *zap.Logger) (*Store, error) {
	if logger == nil {
		logger = zap.NewNop()
	}

	dsn := fmt.Sprintf("file:%s?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)&_pragma=foreign_keys(1)", dbPath)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// Single writer. SQLite serializes writers anyway; capping the pool at
	// one connection removes SQLITE_BUSY churn between our own goroutines.
	db.SetMaxOpenConns(1)
	db.SetConnMaxLifetime(0)

	s := &Store{db: db, logger: logger}
	if err := s.migrate(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to run migrations: %w", classify(err))
	}
	return s, nil
}

// Close closes the underlying database.
func (s *Store) Close() error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}

// schemaVersion is bumped when migrations are appended.
const schemaVersion = 1

// migrate applies the schema. Each step is idempotent and gated by the
// recorded schema_version, so re-running on startup is safe.
func (s *Store) migrate(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx,
		`CREATE TABLE IF NOT EXISTS schema_version (version INTEGER NOT NULL)`); err != nil {
		return err
	}

	var current int
	err := s.db.QueryRowContext(ctx, `SELECT version FROM schema_version LIMIT 1`).Scan(&current)
	if err == sql.ErrNoRows {
		if _, err := s.db.ExecContext(ctx, `INSERT INTO schema_version (version) VALUES (0)`); err != nil {
			return err
		}
		current = 0
	} else if err != nil {
		return err
	}

	if current >= schemaVersion {
		return nil
	}

	schema := `
	CREATE TABLE IF NOT EXISTS sessions (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		content_session_id TEXT NOT NULL UNIQUE,
		memory_session_id TEXT,
		project TEXT NOT NULL DEFAULT '',
		user_prompt TEXT NOT NULL DEFAULT '',
		title TEXT NOT NULL DEFAULT '',
		status TEXT NOT NULL DEFAULT 'active' CHECK (status IN ('active','ended')),
		created_at_epoch INTEGER NOT NULL,
		updated_at_epoch INTEGER NOT NULL,
		CHECK (memory_session_id IS NULL OR memory_session_id <> content_session_id)
	);

	CREATE INDEX IF NOT EXISTS idx_sessions_memory ON sessions(memory_session_id);
	CREATE INDEX IF NOT EXISTS idx_sessions_project ON sessions(project, updated_at_epoch);

	CREATE TABLE IF NOT EXISTS user_prompts (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		content_session_id TEXT NOT NULL,
		memory_session_id TEXT,
		prompt_number INTEGER NOT NULL,
		text TEXT NOT NULL,
		created_at_epoch INTEGER NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_prompts_session ON user_prompts(content_session_id, prompt_number);

	CREATE TABLE IF NOT EXISTS pending_messages (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		session_id INTEGER NOT NULL REFERENCES sessions(id) ON DELETE CASCADE,
		content_session_id TEXT NOT NULL,
		kind TEXT NOT NULL CHECK (kind IN ('observation','summarize')),
		tool_name TEXT NOT NULL DEFAULT '',
		payload BLOB,
		cwd TEXT NOT NULL DEFAULT '',
		status TEXT NOT NULL DEFAULT 'pending'
			CHECK (status IN ('pending','processing','processed','failed')),
		retry_count INTEGER NOT NULL DEFAULT 0,
		created_at_epoch INTEGER NOT NULL,
		claimed_at_epoch INTEGER,
		completed_at_epoch INTEGER
	);

	CREATE INDEX IF NOT EXISTS idx_pending_session_status ON pending_messages(session_id, status, id);

	CREATE TABLE IF NOT EXISTS observations (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		memory_session_id TEXT NOT NULL,
		project TEXT NOT NULL DEFAULT '',
		kind TEXT NOT NULL CHECK (kind IN
			('discovery','bugfix','feature','refactor','change','decision','session','prompt')),
		title TEXT NOT NULL DEFAULT '',
		subtitle TEXT NOT NULL DEFAULT '',
		narrative TEXT NOT NULL DEFAULT '',
		facts TEXT NOT NULL DEFAULT '[]',
		concepts TEXT NOT NULL DEFAULT '[]',
		files_read TEXT NOT NULL DEFAULT '[]',
		files_modified TEXT NOT NULL DEFAULT '[]',
		prompt_number INTEGER NOT NULL DEFAULT 0,
		discovery_tokens INTEGER NOT NULL DEFAULT 0,
		created_at_epoch INTEGER NOT NULL,
		content_hash TEXT NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_observations_hash ON observations(content_hash, created_at_epoch);
	CREATE INDEX IF NOT EXISTS idx_observations_project ON observations(project, created_at_epoch);
	CREATE INDEX IF NOT EXISTS idx_observations_session ON observations(memory_session_id);

	CREATE TABLE IF NOT EXISTS session_summaries (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		memory_session_id TEXT NOT NULL,
		project TEXT NOT NULL DEFAULT '',
		request TEXT NOT NULL DEFAULT '',
		investigated TEXT NOT NULL DEFAULT '',
		learned TEXT NOT NULL DEFAULT '',
		completed TEXT NOT NULL DEFAULT '',
		next_steps TEXT NOT NULL DEFAULT '',
		notes TEXT NOT NULL DEFAULT '',
		discovery_tokens INTEGER NOT NULL DEFAULT 0,
		created_at_epoch INTEGER NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_summaries_project ON session_summaries(project, created_at_epoch);
	CREATE INDEX IF NOT EXISTS idx_summaries_session ON session_summaries(memory_session_id);
	`

	if _, err := s.db.ExecContext(ctx, schema); err != nil {
		return err
	}
	if _, err := s.db.ExecContext(ctx, `UPDATE schema_version SET version = ?`, schemaVersion); err != nil {
		return err
	}

	s.logger.Info("database migrated", zap.Int("schemaVersion", schemaVersion))
	return nil
}

// nowEpoch returns the current time in epoch milliseconds.
func nowEpoch() int64 {
	return time.Now().UnixMilli()
}
