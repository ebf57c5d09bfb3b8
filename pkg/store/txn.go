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
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"fmt"
	"time"

	"go.uber.org/zap"
)

// DedupWindow is how recently an identical observation must have been
// stored for a new one to be dropped as a duplicate.
const DedupWindow = 30 * time.Second

// StoreResult reports what a StoreObservations call actually persisted.
// ObservationIDs is index-aligned with the input slice; a deduplicated
// observation reports the id of the surviving row it matched, with the
// matching Reused entry set.
type StoreResult struct {
	ObservationIDs []int64
	Reused         []bool
	SummaryID      int64
	Deduped        int
}

// ContentHash derives the dedup key for an observation: the first 16 hex
// characters of sha256 over the memory session id, title and narrative.
func ContentHash(memorySessionID, title, narrative string) string {
	sum := sha256.Sum256([]byte(memorySessionID + "|" + title + "|" + narrative))
	return hex.EncodeToString(sum[:])[:16]
}

// StoreObservations persists a batch of observations and an optional
// summary in a single transaction. Observations whose content hash matches
// a row written within DedupWindow are skipped. A non-zero timestamp
// overrides created_at_epoch for every row, otherwise now is used.
//
// Either everything commits or nothing does: a mid-batch failure leaves no
// partial rows behind.
func (s *Store) StoreObservations(ctx context.Context, obs []Observation, summary *Summary, timestamp int64) (StoreResult, error) {
	var res StoreResult
	if timestamp == 0 {
		timestamp = nowEpoch()
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return res, classify(err)
	}
	defer func() { _ = tx.Rollback() }()

	res.ObservationIDs = make([]int64, len(obs))
	res.Reused = make([]bool, len(obs))
	windowStart := timestamp - DedupWindow.Milliseconds()

	for i, o := range obs {
		hash := o.ContentHash
		if hash == "" {
			hash = ContentHash(o.MemorySessionID, o.Title, o.Narrative)
		}

		var existing int64
		err := tx.QueryRowContext(ctx, `
			SELECT id FROM observations
			WHERE content_hash = ? AND created_at_epoch >= ?
			ORDER BY id DESC LIMIT 1`, hash, windowStart).Scan(&existing)
		if err != nil && err != sql.ErrNoRows {
			return StoreResult{}, classify(err)
		}
		if err == nil {
			// In-window duplicate: reuse the surviving row's id.
			res.ObservationIDs[i] = existing
			res.Reused[i] = true
			res.Deduped++
			s.logger.Debug("duplicate observation, reusing stored row",
				zap.Int64("id", existing), zap.String("title", o.Title))
			continue
		}

		ins, err := tx.ExecContext(ctx, `
			INSERT INTO observations (memory_session_id, project, kind, title, subtitle,
				narrative, facts, concepts, files_read, files_modified, prompt_number,
				discovery_tokens, created_at_epoch, content_hash)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			o.MemorySessionID, o.Project, o.Kind, o.Title, o.Subtitle, o.Narrative,
			toJSONList(o.Facts), toJSONList(o.Concepts), toJSONList(o.FilesRead),
			toJSONList(o.FilesModified), o.PromptNumber, o.DiscoveryTokens,
			timestamp, hash)
		if err != nil {
			return StoreResult{}, fmt.Errorf("failed to insert observation: %w", classify(err))
		}
		id, err := ins.LastInsertId()
		if err != nil {
			return StoreResult{}, classify(err)
		}
		res.ObservationIDs[i] = id
	}

	if summary != nil {
		ins, err := tx.ExecContext(ctx, `
			INSERT INTO session_summaries (memory_session_id, project, request,
				investigated, learned, completed, next_steps, notes,
				discovery_tokens, created_at_epoch)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			summary.MemorySessionID, summary.Project, summary.Request,
			summary.Investigated, summary.Learned, summary.Completed,
			summary.NextSteps, summary.Notes, summary.DiscoveryTokens, timestamp)
		if err != nil {
			return StoreResult{}, fmt.Errorf("failed to insert summary: %w", classify(err))
		}
		res.SummaryID, err = ins.LastInsertId()
		if err != nil {
			return StoreResult{}, classify(err)
		}
	}

	if err := tx.Commit(); err != nil {
		return StoreResult{}, classify(err)
	}
	return res, nil
}
