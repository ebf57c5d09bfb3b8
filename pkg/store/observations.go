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
	"encoding/json"
	"errors"
	"fmt"
)

// Observation kinds.
const (
	KindDiscovery = "discovery"
	KindBugfix    = "bugfix"
	KindFeature   = "feature"
	KindRefactor  = "refactor"
	KindChange    = "change"
	KindDecision  = "decision"
	KindSession   = "session"
	KindPrompt    = "prompt"
)

// Observation is one structured record distilled from a single tool use.
type Observation struct {
	ID              int64    `json:"id"`
	MemorySessionID string   `json:"memorySessionId"`
	Project         string   `json:"project"`
	Kind            string   `json:"type"`
	Title           string   `json:"title"`
	Subtitle        string   `json:"subtitle"`
	Narrative       string   `json:"narrative"`
	Facts           []string `json:"facts"`
	Concepts        []string `json:"concepts"`
	FilesRead       []string `json:"filesRead"`
	FilesModified   []string `json:"filesModified"`
	PromptNumber    int      `json:"promptNumber"`
	DiscoveryTokens int64    `json:"discoveryTokens"`
	CreatedAtEpoch  int64    `json:"createdAtEpoch"`
	ContentHash     string   `json:"contentHash"`
}

// Summary is the structured end-of-session artifact.
type Summary struct {
	ID              int64  `json:"id"`
	MemorySessionID string `json:"memorySessionId"`
	Project         string `json:"project"`
	Request         string `json:"request"`
	Investigated    string `json:"investigated"`
	Learned         string `json:"learned"`
	Completed       string `json:"completed"`
	NextSteps       string `json:"nextSteps"`
	Notes           string `json:"notes"`
	DiscoveryTokens int64  `json:"discoveryTokens"`
	CreatedAtEpoch  int64  `json:"createdAtEpoch"`
}

const observationColumns = `SELECT id, memory_session_id, project, kind, title, subtitle,
	narrative, facts, concepts, files_read, files_modified, prompt_number,
	discovery_tokens, created_at_epoch, content_hash FROM observations`

const summaryColumns = `SELECT id, memory_session_id, project, request, investigated,
	learned, completed, next_steps, notes, discovery_tokens, created_at_epoch
	FROM session_summaries`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanObservation(row rowScanner) (Observation, error) {
	var o Observation
	var facts, concepts, filesRead, filesModified string
	err := row.Scan(&o.ID, &o.MemorySessionID, &o.Project, &o.Kind, &o.Title,
		&o.Subtitle, &o.Narrative, &facts, &concepts, &filesRead, &filesModified,
		&o.PromptNumber, &o.DiscoveryTokens, &o.CreatedAtEpoch, &o.ContentHash)
	if err != nil {
		return o, err
	}
	o.Facts = fromJSONList(facts)
	o.Concepts = fromJSONList(concepts)
	o.FilesRead = fromJSONList(filesRead)
	o.FilesModified = fromJSONList(filesModified)
	return o, nil
}

func scanSummary(row rowScanner) (Summary, error) {
	var sm Summary
	err := row.Scan(&sm.ID, &sm.MemorySessionID, &sm.Project, &sm.Request,
		&sm.Investigated, &sm.Learned, &sm.Completed, &sm.NextSteps, &sm.Notes,
		&sm.DiscoveryTokens, &sm.CreatedAtEpoch)
	return sm, err
}

// GetObservation fetches one observation.
func (s *Store) GetObservation(ctx context.Context, id int64) (*Observation, error) {
	o, err := scanObservation(s.db.QueryRowContext(ctx, observationColumns+` WHERE id = ?`, id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, classify(err)
	}
	return &o, nil
}

// GetObservations fetches observations by id list, preserving input order.
func (s *Store) GetObservations(ctx context.Context, ids []int64) ([]Observation, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	rows, err := s.db.QueryContext(ctx,
		observationColumns+fmt.Sprintf(` WHERE id IN (%s)`, placeholders(len(ids))), toArgs(ids)...)
	if err != nil {
		return nil, classify(err)
	}
	defer rows.Close()

	byID := make(map[int64]Observation, len(ids))
	for rows.Next() {
		o, err := scanObservation(rows)
		if err != nil {
			return nil, classify(err)
		}
		byID[o.ID] = o
	}
	if err := rows.Err(); err != nil {
		return nil, classify(err)
	}
	return ordered(ids, byID), nil
}

// ListObservations returns observations newest-first, optionally filtered
// by project.
func (s *Store) ListObservations(ctx context.Context, project string, offset, limit int) ([]Observation, error) {
	limit = clampLimit(limit)
	query := observationColumns
	args := []any{}
	if project != "" {
		query += ` WHERE project = ?`
		args = append(args, project)
	}
	query += ` ORDER BY id DESC LIMIT ? OFFSET ?`
	args = append(args, limit, offset)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, classify(err)
	}
	defer rows.Close()

	var out []Observation
	for rows.Next() {
		o, err := scanObservation(rows)
		if err != nil {
			return nil, classify(err)
		}
		out = append(out, o)
	}
	return out, classify(rows.Err())
}

// ObservationIDs returns every observation id for the project, ascending.
// Used by the vector backfill to find missing documents.
func (s *Store) ObservationIDs(ctx context.Context, project string) ([]int64, error) {
	return s.idList(ctx, `SELECT id FROM observations WHERE project = ? ORDER BY id`, project)
}

// GetSummary fetches one summary.
func (s *Store) GetSummary(ctx context.Context, id int64) (*Summary, error) {
	sm, err := scanSummary(s.db.QueryRowContext(ctx, summaryColumns+` WHERE id = ?`, id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, classify(err)
	}
	return &sm, nil
}

// GetSummaries fetches summaries by id list, preserving input order.
func (s *Store) GetSummaries(ctx context.Context, ids []int64) ([]Summary, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	rows, err := s.db.QueryContext(ctx,
		summaryColumns+fmt.Sprintf(` WHERE id IN (%s)`, placeholders(len(ids))), toArgs(ids)...)
	if err != nil {
		return nil, classify(err)
	}
	defer rows.Close()

	byID := make(map[int64]Summary, len(ids))
	for rows.Next() {
		sm, err := scanSummary(rows)
		if err != nil {
			return nil, classify(err)
		}
		byID[sm.ID] = sm
	}
	if err := rows.Err(); err != nil {
		return nil, classify(err)
	}
	return ordered(ids, byID), nil
}

// ListSummaries returns summaries newest-first, optionally project filtered.
func (s *Store) ListSummaries(ctx context.Context, project string, offset, limit int) ([]Summary, error) {
	limit = clampLimit(limit)
	query := summaryColumns
	args := []any{}
	if project != "" {
		query += ` WHERE project = ?`
		args = append(args, project)
	}
	query += ` ORDER BY id DESC LIMIT ? OFFSET ?`
	args = append(args, limit, offset)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, classify(err)
	}
	defer rows.Close()

	var out []Summary
	for rows.Next() {
		sm, err := scanSummary(rows)
		if err != nil {
			return nil, classify(err)
		}
		out = append(out, sm)
	}
	return out, classify(rows.Err())
}

// SummaryIDs returns every summary id for the project, ascending.
func (s *Store) SummaryIDs(ctx context.Context, project string) ([]int64, error) {
	return s.idList(ctx, `SELECT id FROM session_summaries WHERE project = ? ORDER BY id`, project)
}

// UserPromptIDs returns every prompt id whose session belongs to the
// project, ascending.
func (s *Store) UserPromptIDs(ctx context.Context, project string) ([]int64, error) {
	return s.idList(ctx, `
		SELECT p.id FROM user_prompts p
		JOIN sessions s ON s.content_session_id = p.content_session_id
		WHERE s.project = ? ORDER BY p.id`, project)
}

func (s *Store) idList(ctx context.Context, query string, args ...any) ([]int64, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, classify(err)
	}
	defer rows.Close()

	var ids []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, classify(err)
		}
		ids = append(ids, id)
	}
	return ids, classify(rows.Err())
}

// toJSONList serializes a string list for storage; nil becomes "[]".
func toJSONList(items []string) string {
	if items == nil {
		items = []string{}
	}
	b, err := json.Marshal(items)
	if err != nil {
		return "[]"
	}
	return string(b)
}

// fromJSONList parses a stored JSON array; damaged values yield nil.
func fromJSONList(raw string) []string {
	if raw == "" || raw == "[]" {
		return nil
	}
	var items []string
	if err := json.Unmarshal([]byte(raw), &items); err != nil {
		return nil
	}
	return items
}
