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

// Package vectorsync mirrors stored observations, summaries and user
// prompts into per-project vector collections for semantic search.
//
// Rows are split into one document per text field so that a narrative hit
// and a fact hit rank independently; every document carries the source
// sqlite id in its metadata, and queries deduplicate on it.
package vectorsync

import (
	"context"
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/memweave/memweave/pkg/store"
)

// Modes for the vector backend.
const (
	ModeLocal  = "local"
	ModeRemote = "remote"
)

// BackfillBatchSize bounds one backfill insert batch.
const BackfillBatchSize = 50

// Document is one indexable text fragment.
type Document struct {
	ID       string
	Content  string
	Metadata map[string]string
}

// QueryResult is the raw per-document answer from a backend, as parallel
// arrays in rank order.
type QueryResult struct {
	IDs       []string
	Documents []string
	Metadatas []map[string]string
	Distances []float32
}

// Match is one deduplicated query hit.
type Match struct {
	SQLiteID int64  `json:"sqliteId"`
	DocType  string `json:"docType"`
	Content  string `json:"content"`
	// Distance is the best (smallest) distance across the row's documents.
	Distance float32 `json:"distance"`
}

type backend interface {
	Add(ctx context.Context, collection string, docs []Document) error
	Has(ctx context.Context, collection, docID string) (bool, error)
	Query(ctx context.Context, collection, text string, limit int, where map[string]string) (QueryResult, error)
}

// Config controls the vector layer.
type Config struct {
	Enabled bool
	Mode    string // local or remote
	DataDir string // local mode: persistence root
	URL     string // remote mode: Chroma server base URL
	Timeout time.Duration
}

// Service owns the lazy backend connection and the sync operations.
type Service struct {
	cfg    Config
	store  *store.Store
	logger *zap.Logger

	mu      sync.Mutex
	conn    backend
	lastErr time.Time
	backoff time.Duration
}

// New creates the service. The backend is not connected until first use.
func New(cfg Config, st *store.Store, logger *zap.Logger) *Service {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.Mode == "" {
		cfg.Mode = ModeLocal
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = 30 * time.Second
	}
	return &Service{cfg: cfg, store: st, logger: logger}
}

// Enabled reports whether vector syncing is on.
func (s *Service) Enabled() bool {
	return s.cfg.Enabled
}

var collectionSanitizer = regexp.MustCompile(`[^a-z0-9._-]+`)

// CollectionName derives the per-project collection name. Project names
// come from filesystem paths, so anything outside [a-z0-9._-] is folded
// to underscores.
func CollectionName(project string) string {
	name := collectionSanitizer.ReplaceAllString(strings.ToLower(project), "_")
	name = strings.Trim(name, "_")
	if name == "" {
		name = "default"
	}
	return "mem_" + name
}

// connect returns the live backend, dialing on first use. After a failure
// the next attempt waits out an exponential backoff.
func (s *Service) connect() (backend, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.conn != nil {
		return s.conn, nil
	}
	if wait := s.backoff - time.Since(s.lastErr); s.backoff > 0 && wait > 0 {
		return nil, fmt.Errorf("vector backend unavailable, retrying in %s", wait.Round(time.Second))
	}

	var (
		b   backend
		err error
	)
	switch s.cfg.Mode {
	case ModeRemote:
		b, err = newRemoteBackend(s.cfg.URL, s.cfg.Timeout)
	default:
		b, err = newLocalBackend(s.cfg.DataDir)
	}
	if err != nil {
		s.lastErr = time.Now()
		if s.backoff == 0 {
			s.backoff = time.Second
		} else if s.backoff < time.Minute {
			s.backoff *= 2
		}
		return nil, fmt.Errorf("failed to connect vector backend: %w", err)
	}

	s.conn = b
	s.backoff = 0
	return b, nil
}

// dropConn forgets a broken connection so the next call redials.
func (s *Service) dropConn() {
	s.mu.Lock()
	s.conn = nil
	s.lastErr = time.Now()
	if s.backoff == 0 {
		s.backoff = time.Second
	}
	s.mu.Unlock()
}

// add writes docs, transparently reconnecting and retrying once after a
// transport failure.
func (s *Service) add(ctx context.Context, collection string, docs []Document) error {
	b, err := s.connect()
	if err != nil {
		return err
	}
	if err := b.Add(ctx, collection, docs); err != nil {
		s.dropConn()
		b, rerr := s.connect()
		if rerr != nil {
			return err
		}
		return b.Add(ctx, collection, docs)
	}
	return nil
}

// SyncObservation indexes one stored observation. Fire-and-forget:
// failures are logged, never returned.
func (s *Service) SyncObservation(obs store.Observation) {
	if !s.cfg.Enabled {
		return
	}
	s.fireAndForget("observation", obs.ID, CollectionName(obs.Project), observationDocs(obs))
}

// SyncSummary indexes one stored session summary.
func (s *Service) SyncSummary(sum store.Summary) {
	if !s.cfg.Enabled {
		return
	}
	s.fireAndForget("summary", sum.ID, CollectionName(sum.Project), summaryDocs(sum))
}

// SyncUserPrompt indexes one user prompt.
func (s *Service) SyncUserPrompt(project string, prompt store.UserPrompt) {
	if !s.cfg.Enabled {
		return
	}
	s.fireAndForget("user_prompt", prompt.ID, CollectionName(project), promptDocs(project, prompt))
}

func (s *Service) fireAndForget(docType string, id int64, collection string, docs []Document) {
	if len(docs) == 0 {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), s.cfg.Timeout)
	defer cancel()
	if err := s.add(ctx, collection, docs); err != nil {
		s.logger.Warn("vector sync failed",
			zap.String("docType", docType),
			zap.Int64("sqliteId", id),
			zap.Error(err))
	}
}

// EnsureBackfilled inserts any rows missing from the project's collection,
// in fixed-size batches. Membership is probed via each row's anchor doc.
func (s *Service) EnsureBackfilled(ctx context.Context, project string) error {
	if !s.cfg.Enabled {
		return nil
	}
	b, err := s.connect()
	if err != nil {
		return err
	}
	collection := CollectionName(project)

	obsIDs, err := s.store.ObservationIDs(ctx, project)
	if err != nil {
		return err
	}
	sumIDs, err := s.store.SummaryIDs(ctx, project)
	if err != nil {
		return err
	}
	promptIDs, err := s.store.UserPromptIDs(ctx, project)
	if err != nil {
		return err
	}

	missing := func(prefix string, ids []int64) ([]int64, error) {
		var out []int64
		for _, id := range ids {
			ok, err := b.Has(ctx, collection, anchorID(prefix, id))
			if err != nil {
				return nil, err
			}
			if !ok {
				out = append(out, id)
			}
		}
		return out, nil
	}

	obsMissing, err := missing("obs", obsIDs)
	if err != nil {
		return err
	}
	for _, batch := range chunk(obsMissing, BackfillBatchSize) {
		rows, err := s.store.GetObservations(ctx, batch)
		if err != nil {
			return err
		}
		var docs []Document
		for _, o := range rows {
			docs = append(docs, observationDocs(o)...)
		}
		if err := s.add(ctx, collection, docs); err != nil {
			return err
		}
	}

	sumMissing, err := missing("sum", sumIDs)
	if err != nil {
		return err
	}
	for _, batch := range chunk(sumMissing, BackfillBatchSize) {
		rows, err := s.store.GetSummaries(ctx, batch)
		if err != nil {
			return err
		}
		var docs []Document
		for _, sm := range rows {
			docs = append(docs, summaryDocs(sm)...)
		}
		if err := s.add(ctx, collection, docs); err != nil {
			return err
		}
	}

	promptMissing, err := missing("prompt", promptIDs)
	if err != nil {
		return err
	}
	for _, batch := range chunk(promptMissing, BackfillBatchSize) {
		rows, err := s.store.GetUserPrompts(ctx, batch)
		if err != nil {
			return err
		}
		var docs []Document
		for _, p := range rows {
			docs = append(docs, promptDocs(project, p)...)
		}
		if err := s.add(ctx, collection, docs); err != nil {
			return err
		}
	}

	total := len(obsMissing) + len(sumMissing) + len(promptMissing)
	if total > 0 {
		s.logger.Info("vector backfill complete",
			zap.String("project", project), zap.Int("inserted", total))
	}
	return nil
}

// Query runs a semantic search and deduplicates the per-document hits by
// sqlite id: rank order of first appearance is kept, and each row reports
// its best distance.
func (s *Service) Query(ctx context.Context, project, text string, limit int, where map[string]string) ([]Match, error) {
	if !s.cfg.Enabled {
		return nil, nil
	}
	if limit <= 0 {
		limit = 10
	}
	b, err := s.connect()
	if err != nil {
		return nil, err
	}

	// Over-fetch: several docs can collapse onto one row.
	raw, err := b.Query(ctx, CollectionName(project), text, limit*4, where)
	if err != nil {
		s.dropConn()
		b, rerr := s.connect()
		if rerr != nil {
			return nil, err
		}
		raw, err = b.Query(ctx, CollectionName(project), text, limit*4, where)
		if err != nil {
			return nil, err
		}
	}

	return Deduplicate(raw, limit), nil
}

// Deduplicate collapses per-document results onto unique sqlite ids.
func Deduplicate(raw QueryResult, limit int) []Match {
	seen := make(map[int64]int) // sqlite id → index into out
	var out []Match
	for i := range raw.IDs {
		var meta map[string]string
		if i < len(raw.Metadatas) {
			meta = raw.Metadatas[i]
		}
		sqliteID, err := strconv.ParseInt(meta["sqlite_id"], 10, 64)
		if err != nil {
			continue
		}
		var dist float32
		if i < len(raw.Distances) {
			dist = raw.Distances[i]
		}

		if at, ok := seen[sqliteID]; ok {
			if dist < out[at].Distance {
				out[at].Distance = dist
			}
			continue
		}
		if len(out) >= limit {
			continue
		}
		var content string
		if i < len(raw.Documents) {
			content = raw.Documents[i]
		}
		seen[sqliteID] = len(out)
		out = append(out, Match{
			SQLiteID: sqliteID,
			DocType:  meta["doc_type"],
			Content:  content,
			Distance: dist,
		})
	}
	return out
}

func anchorID(prefix string, id int64) string {
	return fmt.Sprintf("%s_%d", prefix, id)
}

func metadata(docType string, sqliteID int64, project string, createdAt int64) map[string]string {
	return map[string]string{
		"sqlite_id":        strconv.FormatInt(sqliteID, 10),
		"project":          project,
		"doc_type":         docType,
		"created_at_epoch": strconv.FormatInt(createdAt, 10),
	}
}

// observationDocs splits an observation into one document per text field.
// The anchor doc always exists so backfill can probe row membership.
func observationDocs(o store.Observation) []Document {
	meta := metadata("observation", o.ID, o.Project, o.CreatedAtEpoch)
	anchor := o.Title
	if anchor == "" {
		anchor = o.Kind
	}
	docs := []Document{{ID: anchorID("obs", o.ID), Content: anchor, Metadata: meta}}

	add := func(field, content string) {
		if content != "" {
			docs = append(docs, Document{
				ID:       fmt.Sprintf("obs_%d_%s", o.ID, field),
				Content:  content,
				Metadata: meta,
			})
		}
	}
	add("subtitle", o.Subtitle)
	add("narrative", o.Narrative)
	for i, f := range o.Facts {
		add(fmt.Sprintf("fact_%d", i), f)
	}
	if len(o.Concepts) > 0 {
		add("concepts", strings.Join(o.Concepts, ", "))
	}
	return docs
}

func summaryDocs(sm store.Summary) []Document {
	meta := metadata("summary", sm.ID, sm.Project, sm.CreatedAtEpoch)
	anchor := sm.Request
	if anchor == "" {
		anchor = "session summary"
	}
	docs := []Document{{ID: anchorID("sum", sm.ID), Content: anchor, Metadata: meta}}

	add := func(field, content string) {
		if content != "" {
			docs = append(docs, Document{
				ID:       fmt.Sprintf("sum_%d_%s", sm.ID, field),
				Content:  content,
				Metadata: meta,
			})
		}
	}
	add("investigated", sm.Investigated)
	add("learned", sm.Learned)
	add("completed", sm.Completed)
	add("next_steps", sm.NextSteps)
	add("notes", sm.Notes)
	return docs
}

func promptDocs(project string, p store.UserPrompt) []Document {
	if p.Text == "" {
		return nil
	}
	return []Document{{
		ID:       anchorID("prompt", p.ID),
		Content:  p.Text,
		Metadata: metadata("user_prompt", p.ID, project, p.CreatedAtEpoch),
	}}
}

func chunk(ids []int64, size int) [][]int64 {
	var out [][]int64
	for len(ids) > size {
		out = append(out, ids[:size])
		ids = ids[size:]
	}
	if len(ids) > 0 {
		out = append(out, ids)
	}
	return out
}
