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

package store

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	"go.uber.org/zap"
)

// Session is one continuous user conversation.
type Session struct {
	ID               int64  `json:"id"`
	ContentSessionID string `json:"contentSessionId"`
	MemorySessionID  string `json:"memorySessionId,omitempty"`
	Project          string `json:"project"`
	UserPrompt       string `json:"userPrompt"`
	Title            string `json:"title"`
	Status           string `json:"status"`
	CreatedAtEpoch   int64  `json:"createdAtEpoch"`
	UpdatedAtEpoch   int64  `json:"updatedAtEpoch"`
}

// UserPrompt is one user turn within a session.
type UserPrompt struct {
	ID               int64  `json:"id"`
	ContentSessionID string `json:"contentSessionId"`
	MemorySessionID  string `json:"memorySessionId,omitempty"`
	PromptNumber     int    `json:"promptNumber"`
	Text             string `json:"text"`
	CreatedAtEpoch   int64  `json:"createdAtEpoch"`
}

// Project describes one known project, ordered by most recent activity.
type Project struct {
	Name             string `json:"name"`
	SessionCount     int    `json:"sessionCount"`
	LastActivityEpoch int64 `json:"lastActivityEpoch"`
}

// CreateOrGetSession inserts the session row for contentID if it does not
// exist and returns its id. On later calls it back-fills blank project,
// user_prompt and title fields; memory_session_id is never touched here.
func (s *Store) CreateOrGetSession(ctx context.Context, contentID, project, userPrompt, title string) (int64, bool, error) {
	if contentID == "" {
		return 0, false, fmt.Errorf("content session id is required: %w", ErrConflict)
	}
	now := nowEpoch()

	res, err := s.db.ExecContext(ctx, `
		INSERT INTO sessions (content_session_id, project, user_prompt, title, created_at_epoch, updated_at_epoch)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(content_session_id) DO NOTHING`,
		contentID, project, userPrompt, title, now, now)
	if err != nil {
		return 0, false, classify(err)
	}

	if n, _ := res.RowsAffected(); n == 1 {
		id, err := res.LastInsertId()
		if err != nil {
			return 0, false, err
		}
		return id, true, nil
	}

	// Existing row: back-fill any blank fields the caller can supply now.
	_, err = s.db.ExecContext(ctx, `
		UPDATE sessions SET
			project = CASE WHEN project = '' THEN ? ELSE project END,
			user_prompt = CASE WHEN user_prompt = '' THEN ? ELSE user_prompt END,
			title = CASE WHEN title = '' THEN ? ELSE title END,
			updated_at_epoch = ?
		WHERE content_session_id = ?`,
		project, userPrompt, title, now, contentID)
	if err != nil {
		return 0, false, classify(err)
	}

	var id int64
	if err := s.db.QueryRowContext(ctx,
		`SELECT id FROM sessions WHERE content_session_id = ?`, contentID).Scan(&id); err != nil {
		return 0, false, classify(err)
	}
	return id, false, nil
}

// SetMemorySessionID records (or, with an empty id, resets) the memory
// session id. The memory id must never equal the content id; child rows
// referencing the old memory id are re-pointed in the same transaction.
func (s *Store) SetMemorySessionID(ctx context.Context, sessionDBID int64, memoryID string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return classify(err)
	}
	defer func() { _ = tx.Rollback() }()

	var contentID string
	var prev sql.NullString
	err = tx.QueryRowContext(ctx,
		`SELECT content_session_id, memory_session_id FROM sessions WHERE id = ?`, sessionDBID).
		Scan(&contentID, &prev)
	if err == sql.ErrNoRows {
		return fmt.Errorf("session %d: %w", sessionDBID, ErrNotFound)
	}
	if err != nil {
		return classify(err)
	}
	if memoryID != "" && memoryID == contentID {
		return fmt.Errorf("memory session id must differ from content session id: %w", ErrConflict)
	}

	var val any
	if memoryID != "" {
		val = memoryID
	}
	if _, err := tx.ExecContext(ctx,
		`UPDATE sessions SET memory_session_id = ?, updated_at_epoch = ? WHERE id = ?`,
		val, nowEpoch(), sessionDBID); err != nil {
		return classify(err)
	}

	// Carry past child rows over to the new memory thread.
	if prev.Valid && memoryID != "" && prev.String != memoryID {
		for _, table := range []string{"observations", "session_summaries", "user_prompts"} {
			if _, err := tx.ExecContext(ctx,
				fmt.Sprintf(`UPDATE %s SET memory_session_id = ? WHERE memory_session_id = ?`, table),
				memoryID, prev.String); err != nil {
				return classify(err)
			}
		}
		s.logger.Info("memory session id rotated",
			zap.Int64("sessionId", sessionDBID),
			zap.String("from", prev.String),
			zap.String("to", memoryID))
	}

	// Prompts recorded before any memory id existed join the thread now.
	if memoryID != "" {
		if _, err := tx.ExecContext(ctx, `
			UPDATE user_prompts SET memory_session_id = ?
			WHERE content_session_id = ? AND memory_session_id IS NULL`,
			memoryID, contentID); err != nil {
			return classify(err)
		}
	}

	return classify(tx.Commit())
}

// GetSessionByID fetches one session row.
func (s *Store) GetSessionByID(ctx context.Context, id int64) (*Session, error) {
	return s.scanSession(s.db.QueryRowContext(ctx,
		sessionColumns+` WHERE id = ?`, id))
}

// GetSessionByContentID fetches one session row by the external id.
func (s *Store) GetSessionByContentID(ctx context.Context, contentID string) (*Session, error) {
	return s.scanSession(s.db.QueryRowContext(ctx,
		sessionColumns+` WHERE content_session_id = ?`, contentID))
}

const sessionColumns = `SELECT id, content_session_id, COALESCE(memory_session_id, ''),
	project, user_prompt, title, status, created_at_epoch, updated_at_epoch FROM sessions`

func (s *Store) scanSession(row *sql.Row) (*Session, error) {
	var sess Session
	err := row.Scan(&sess.ID, &sess.ContentSessionID, &sess.MemorySessionID,
		&sess.Project, &sess.UserPrompt, &sess.Title, &sess.Status,
		&sess.CreatedAtEpoch, &sess.UpdatedAtEpoch)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, classify(err)
	}
	return &sess, nil
}

// EndSession flips the session status to ended.
func (s *Store) EndSession(ctx context.Context, sessionDBID int64) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE sessions SET status = 'ended', updated_at_epoch = ? WHERE id = ?`,
		nowEpoch(), sessionDBID)
	if err != nil {
		return classify(err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("session %d: %w", sessionDBID, ErrNotFound)
	}
	return nil
}

// NextPromptNumber returns 1 + the highest prompt number recorded for the
// session's content id.
func (s *Store) NextPromptNumber(ctx context.Context, contentID string) (int, error) {
	var max sql.NullInt64
	err := s.db.QueryRowContext(ctx,
		`SELECT MAX(prompt_number) FROM user_prompts WHERE content_session_id = ?`, contentID).Scan(&max)
	if err != nil {
		return 0, classify(err)
	}
	return int(max.Int64) + 1, nil
}

// InsertUserPrompt stores one user turn.
func (s *Store) InsertUserPrompt(ctx context.Context, contentID, memoryID string, promptNumber int, text string) (int64, error) {
	var mem any
	if memoryID != "" {
		mem = memoryID
	}
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO user_prompts (content_session_id, memory_session_id, prompt_number, text, created_at_epoch)
		VALUES (?, ?, ?, ?, ?)`,
		contentID, mem, promptNumber, text, nowEpoch())
	if err != nil {
		return 0, classify(err)
	}
	return res.LastInsertId()
}

// FindRecentPromptByText returns an existing prompt row with identical text
// created within the window. Guards against duplicate hook invocations.
func (s *Store) FindRecentPromptByText(ctx context.Context, contentID, text string, windowSeconds int) (int64, int, bool, error) {
	cutoff := nowEpoch() - int64(windowSeconds)*1000
	var id int64
	var num int
	err := s.db.QueryRowContext(ctx, `
		SELECT id, prompt_number FROM user_prompts
		WHERE content_session_id = ? AND text = ? AND created_at_epoch >= ?
		ORDER BY id DESC LIMIT 1`,
		contentID, text, cutoff).Scan(&id, &num)
	if err == sql.ErrNoRows {
		return 0, 0, false, nil
	}
	if err != nil {
		return 0, 0, false, classify(err)
	}
	return id, num, true, nil
}

// GetUserPrompts fetches prompts by id list, preserving input order.
func (s *Store) GetUserPrompts(ctx context.Context, ids []int64) ([]UserPrompt, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	rows, err := s.db.QueryContext(ctx, fmt.Sprintf(`
		SELECT id, content_session_id, COALESCE(memory_session_id, ''), prompt_number, text, created_at_epoch
		FROM user_prompts WHERE id IN (%s)`, placeholders(len(ids))), toArgs(ids)...)
	if err != nil {
		return nil, classify(err)
	}
	defer rows.Close()

	byID := make(map[int64]UserPrompt, len(ids))
	for rows.Next() {
		var p UserPrompt
		if err := rows.Scan(&p.ID, &p.ContentSessionID, &p.MemorySessionID,
			&p.PromptNumber, &p.Text, &p.CreatedAtEpoch); err != nil {
			return nil, classify(err)
		}
		byID[p.ID] = p
	}
	if err := rows.Err(); err != nil {
		return nil, classify(err)
	}
	return ordered(ids, byID), nil
}

// ListUserPrompts returns prompts newest-first, optionally project filtered.
func (s *Store) ListUserPrompts(ctx context.Context, project string, offset, limit int) ([]UserPrompt, error) {
	limit = clampLimit(limit)
	query := `
		SELECT p.id, p.content_session_id, COALESCE(p.memory_session_id, ''), p.prompt_number, p.text, p.created_at_epoch
		FROM user_prompts p
		JOIN sessions s ON s.content_session_id = p.content_session_id`
	args := []any{}
	if project != "" {
		query += ` WHERE s.project = ?`
		args = append(args, project)
	}
	query += ` ORDER BY p.id DESC LIMIT ? OFFSET ?`
	args = append(args, limit, offset)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, classify(err)
	}
	defer rows.Close()

	var out []UserPrompt
	for rows.Next() {
		var p UserPrompt
		if err := rows.Scan(&p.ID, &p.ContentSessionID, &p.MemorySessionID,
			&p.PromptNumber, &p.Text, &p.CreatedAtEpoch); err != nil {
			return nil, classify(err)
		}
		out = append(out, p)
	}
	return out, classify(rows.Err())
}

// ListSessions returns sessions newest-first, optionally project filtered.
func (s *Store) ListSessions(ctx context.Context, project string, offset, limit int) ([]Session, error) {
	limit = clampLimit(limit)
	query := sessionColumns
	args := []any{}
	if project != "" {
		query += ` WHERE project = ?`
		args = append(args, project)
	}
	query += ` ORDER BY updated_at_epoch DESC LIMIT ? OFFSET ?`
	args = append(args, limit, offset)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, classify(err)
	}
	defer rows.Close()

	var out []Session
	for rows.Next() {
		var sess Session
		if err := rows.Scan(&sess.ID, &sess.ContentSessionID, &sess.MemorySessionID,
			&sess.Project, &sess.UserPrompt, &sess.Title, &sess.Status,
			&sess.CreatedAtEpoch, &sess.UpdatedAtEpoch); err != nil {
			return nil, classify(err)
		}
		out = append(out, sess)
	}
	return out, classify(rows.Err())
}

// GetSessions fetches sessions by id list, preserving input order.
func (s *Store) GetSessions(ctx context.Context, ids []int64) ([]Session, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	rows, err := s.db.QueryContext(ctx,
		sessionColumns+fmt.Sprintf(` WHERE id IN (%s)`, placeholders(len(ids))), toArgs(ids)...)
	if err != nil {
		return nil, classify(err)
	}
	defer rows.Close()

	byID := make(map[int64]Session, len(ids))
	for rows.Next() {
		var sess Session
		if err := rows.Scan(&sess.ID, &sess.ContentSessionID, &sess.MemorySessionID,
			&sess.Project, &sess.UserPrompt, &sess.Title, &sess.Status,
			&sess.CreatedAtEpoch, &sess.UpdatedAtEpoch); err != nil {
			return nil, classify(err)
		}
		byID[sess.ID] = sess
	}
	if err := rows.Err(); err != nil {
		return nil, classify(err)
	}
	return ordered(ids, byID), nil
}

// Projects enumerates known projects ordered by most recent activity.
func (s *Store) Projects(ctx context.Context) ([]Project, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT project, COUNT(*), MAX(updated_at_epoch)
		FROM sessions WHERE project <> ''
		GROUP BY project
		ORDER BY MAX(updated_at_epoch) DESC`)
	if err != nil {
		return nil, classify(err)
	}
	defer rows.Close()

	var out []Project
	for rows.Next() {
		var p Project
		if err := rows.Scan(&p.Name, &p.SessionCount, &p.LastActivityEpoch); err != nil {
			return nil, classify(err)
		}
		out = append(out, p)
	}
	return out, classify(rows.Err())
}

// placeholders returns "?, ?, ..." for n arguments.
func placeholders(n int) string {
	return strings.TrimSuffix(strings.Repeat("?,", n), ",")
}

func toArgs(ids []int64) []any {
	args := make([]any, len(ids))
	for i, id := range ids {
		args[i] = id
	}
	return args
}

// ordered reassembles map values in the order of the requested ids,
// dropping ids that were not found.
func ordered[T any](ids []int64, byID map[int64]T) []T {
	out := make([]T, 0, len(byID))
	for _, id := range ids {
		if v, ok := byID[id]; ok {
			out = append(out, v)
		}
	}
	return out
}

func clampLimit(limit int) int {
	if limit <= 0 {
		return 50
	}
	if limit > 500 {
		return 500
	}
	return limit
}
