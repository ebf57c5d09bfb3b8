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
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"
)

// Pending message kinds.
const (
	MessageObservation = "observation"
	MessageSummarize   = "summarize"
)

// Pending message statuses.
const (
	StatusPending    = "pending"
	StatusProcessing = "processing"
	StatusProcessed  = "processed"
	StatusFailed     = "failed"
)

const (
	// ClaimStaleThreshold is how old a processing claim may be before
	// claim_next recovers it.
	ClaimStaleThreshold = 60 * time.Second

	// SweepStaleThreshold is the cross-startup recovery threshold used by
	// the periodic sweep. The claim-path 60 s value is authoritative for
	// recovery; this one only bounds visibility queries.
	SweepStaleThreshold = 5 * time.Minute

	// MaxRetries bounds MarkFailed retry transitions.
	MaxRetries = 3
)

// PendingMessage is one work-queue row awaiting LLM processing.
type PendingMessage struct {
	ID               int64  `json:"id"`
	SessionID        int64  `json:"sessionId"`
	ContentSessionID string `json:"contentSessionId"`
	Kind             string `json:"kind"`
	ToolName         string `json:"toolName,omitempty"`
	Payload          []byte `json:"payload,omitempty"`
	CWD              string `json:"cwd,omitempty"`
	Status           string `json:"status"`
	RetryCount       int    `json:"retryCount"`
	CreatedAtEpoch   int64  `json:"createdAtEpoch"`
	ClaimedAtEpoch   int64  `json:"claimedAtEpoch,omitempty"`
}

// QueueEntry is a queue row joined to its session project, for the
// observability view.
type QueueEntry struct {
	PendingMessage
	Project string `json:"project"`
}

// Enqueue inserts a new pending message. Always status pending.
func (s *Store) Enqueue(ctx context.Context, sessionID int64, contentID, kind, toolName string, payload []byte, cwd string) (int64, error) {
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO pending_messages (session_id, content_session_id, kind, tool_name, payload, cwd, status, created_at_epoch)
		VALUES (?, ?, ?, ?, ?, ?, 'pending', ?)`,
		sessionID, contentID, kind, toolName, payload, cwd, nowEpoch())
	if err != nil {
		return 0, classify(err)
	}
	return res.LastInsertId()
}

// ClaimNext atomically claims the oldest pending message for the session.
// Before selecting, any processing row whose claim is older than
// ClaimStaleThreshold is healed back to pending. Returns (nil, nil) when
// the session queue is empty.
func (s *Store) ClaimNext(ctx context.Context, sessionID int64) (*PendingMessage, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, classify(err)
	}
	defer func() { _ = tx.Rollback() }()

	now := nowEpoch()
	cutoff := now - ClaimStaleThreshold.Milliseconds()

	healed, err := tx.ExecContext(ctx, `
		UPDATE pending_messages
		SET status = 'pending', claimed_at_epoch = NULL
		WHERE session_id = ? AND status = 'processing' AND claimed_at_epoch < ?`,
		sessionID, cutoff)
	if err != nil {
		return nil, classify(err)
	}
	if n, _ := healed.RowsAffected(); n > 0 {
		s.logger.Info("recovered stale processing messages",
			zap.Int64("sessionId", sessionID), zap.Int64("count", n))
	}

	var m PendingMessage
	var claimed sql.NullInt64
	err = tx.QueryRowContext(ctx, `
		SELECT id, session_id, content_session_id, kind, tool_name, payload, cwd,
		       status, retry_count, created_at_epoch, claimed_at_epoch
		FROM pending_messages
		WHERE session_id = ? AND status = 'pending'
		ORDER BY id ASC LIMIT 1`, sessionID).
		Scan(&m.ID, &m.SessionID, &m.ContentSessionID, &m.Kind, &m.ToolName,
			&m.Payload, &m.CWD, &m.Status, &m.RetryCount, &m.CreatedAtEpoch, &claimed)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, tx.Commit()
	}
	if err != nil {
		return nil, classify(err)
	}

	if _, err := tx.ExecContext(ctx, `
		UPDATE pending_messages SET status = 'processing', claimed_at_epoch = ? WHERE id = ?`,
		now, m.ID); err != nil {
		return nil, classify(err)
	}
	if err := tx.Commit(); err != nil {
		return nil, classify(err)
	}

	m.Status = StatusProcessing
	m.ClaimedAtEpoch = now
	return &m, nil
}

// Confirm deletes the message. Only call after the downstream commit that
// stored its derived data has succeeded.
func (s *Store) Confirm(ctx context.Context, messageID int64) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM pending_messages WHERE id = ?`, messageID)
	return classify(err)
}

// MarkFailed returns the message to pending with retry_count+1, or parks it
// as failed once MaxRetries is exhausted. Use only when the LLM rejected the
// input; transport and database errors must leave the row processing so
// self-healing can recover it.
func (s *Store) MarkFailed(ctx context.Context, messageID int64) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE pending_messages
		SET status = CASE WHEN retry_count < ? THEN 'pending' ELSE 'failed' END,
		    retry_count = retry_count + 1,
		    claimed_at_epoch = NULL,
		    completed_at_epoch = CASE WHEN retry_count < ? THEN NULL ELSE ? END
		WHERE id = ?`,
		MaxRetries, MaxRetries, nowEpoch(), messageID)
	if err != nil {
		return classify(err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("pending message %d: %w", messageID, ErrNotFound)
	}
	return nil
}

// ResetStale heals processing rows older than threshold back to pending.
// sessionID 0 heals every session. Returns the number of rows recovered.
func (s *Store) ResetStale(ctx context.Context, threshold time.Duration, sessionID int64) (int64, error) {
	cutoff := nowEpoch() - threshold.Milliseconds()
	query := `UPDATE pending_messages SET status = 'pending', claimed_at_epoch = NULL
		WHERE status = 'processing' AND claimed_at_epoch < ?`
	args := []any{cutoff}
	if sessionID != 0 {
		query += ` AND session_id = ?`
		args = append(args, sessionID)
	}
	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return 0, classify(err)
	}
	n, _ := res.RowsAffected()
	if n > 0 {
		s.logger.Info("reset stale processing messages", zap.Int64("count", n))
	}
	return n, nil
}

// QueueView returns every non-processed row joined to its session project.
func (s *Store) QueueView(ctx context.Context) ([]QueueEntry, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT m.id, m.session_id, m.content_session_id, m.kind, m.tool_name, m.cwd,
		       m.status, m.retry_count, m.created_at_epoch, COALESCE(m.claimed_at_epoch, 0),
		       s.project
		FROM pending_messages m
		JOIN sessions s ON s.id = m.session_id
		WHERE m.status <> 'processed'
		ORDER BY m.id ASC`)
	if err != nil {
		return nil, classify(err)
	}
	defer rows.Close()

	var out []QueueEntry
	for rows.Next() {
		var e QueueEntry
		if err := rows.Scan(&e.ID, &e.SessionID, &e.ContentSessionID, &e.Kind,
			&e.ToolName, &e.CWD, &e.Status, &e.RetryCount, &e.CreatedAtEpoch,
			&e.ClaimedAtEpoch, &e.Project); err != nil {
			return nil, classify(err)
		}
		out = append(out, e)
	}
	return out, classify(rows.Err())
}

// StuckCount counts processing rows older than threshold.
func (s *Store) StuckCount(ctx context.Context, threshold time.Duration) (int, error) {
	cutoff := nowEpoch() - threshold.Milliseconds()
	var n int
	err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM pending_messages
		WHERE status = 'processing' AND claimed_at_epoch < ?`, cutoff).Scan(&n)
	return n, classify(err)
}

// HasAnyPendingWork reports whether any pending or processing rows exist.
// As a side effect it sweeps claims staler than SweepStaleThreshold.
func (s *Store) HasAnyPendingWork(ctx context.Context) (bool, error) {
	if _, err := s.ResetStale(ctx, SweepStaleThreshold, 0); err != nil {
		return false, err
	}
	var n int
	err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM pending_messages WHERE status IN ('pending','processing')`).Scan(&n)
	return n > 0, classify(err)
}

// SessionsWithPending lists session ids that still have pending messages.
func (s *Store) SessionsWithPending(ctx context.Context) ([]int64, error) {
	return s.idList(ctx, `
		SELECT DISTINCT session_id FROM pending_messages
		WHERE status = 'pending' ORDER BY session_id`)
}

// UnclaimedCount returns the number of pending (not yet claimed) rows for
// a session.
func (s *Store) UnclaimedCount(ctx context.Context, sessionID int64) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM pending_messages
		WHERE session_id = ? AND status = 'pending'`, sessionID).Scan(&n)
	return n, classify(err)
}

// PendingCount returns the number of pending+processing rows for a session.
func (s *Store) PendingCount(ctx context.Context, sessionID int64) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM pending_messages
		WHERE session_id = ? AND status IN ('pending','processing')`, sessionID).Scan(&n)
	return n, classify(err)
}

// ClearFailed deletes all failed rows. Returns the number removed.
func (s *Store) ClearFailed(ctx context.Context) (int64, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM pending_messages WHERE status = 'failed'`)
	if err != nil {
		return 0, classify(err)
	}
	n, _ := res.RowsAffected()
	return n, nil
}

// ClearAllIncomplete deletes every row that has not been processed.
func (s *Store) ClearAllIncomplete(ctx context.Context) (int64, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM pending_messages WHERE status <> 'processed'`)
	if err != nil {
		return 0, classify(err)
	}
	n, _ := res.RowsAffected()
	return n, nil
}
