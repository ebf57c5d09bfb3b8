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

package sessions

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/memweave/memweave/pkg/llm"
	"github.com/memweave/memweave/pkg/processor"
	"github.com/memweave/memweave/pkg/procreg"
	"github.com/memweave/memweave/pkg/store"
)

// DuplicatePromptWindow suppresses repeated hook deliveries of the same
// user prompt text.
const DuplicatePromptWindow = 10 // seconds

// AbortDeadline bounds how long session teardown waits for a runner.
const AbortDeadline = 5 * time.Second

// PromptSyncer receives fire-and-forget prompt indexing work.
type PromptSyncer interface {
	SyncUserPrompt(project string, prompt store.UserPrompt)
}

// Events receives session lifecycle broadcasts for the SSE stream.
type Events interface {
	SessionStart(sessionDBID int64, project string)
	SessionEnd(sessionDBID int64, project string)
	ProcessingStatus(activeSessions, totalQueued int)
}

// Config tunes the scheduler.
type Config struct {
	// MaxHistoryMessages bounds the conversation sent per provider call.
	MaxHistoryMessages int
	// MaxHistoryTokens bounds the estimated token size of the sent
	// conversation (chars / 4 estimator).
	MaxHistoryTokens int
	// SlotTimeout is how long a runner waits for a registry slot.
	SlotTimeout time.Duration
}

func (c *Config) applyDefaults() {
	if c.MaxHistoryMessages <= 0 {
		c.MaxHistoryMessages = 40
	}
	if c.MaxHistoryTokens <= 0 {
		c.MaxHistoryTokens = 80000
	}
	if c.SlotTimeout <= 0 {
		c.SlotTimeout = procreg.DefaultSlotTimeout
	}
}

// Manager owns the session_db_id → ActiveSession map and spawns runners.
type Manager struct {
	cfg       Config
	store     *store.Store
	registry  *procreg.Registry
	processor *processor.Processor
	providers []llm.Provider // fallback order
	prompts   PromptSyncer
	events    Events
	logger    *zap.Logger

	baseCtx context.Context
	stop    context.CancelFunc

	mu     sync.Mutex
	active map[int64]*ActiveSession
}

// NewManager creates the scheduler. providers is the fallback chain in
// priority order; prompts and events may be nil.
func NewManager(cfg Config, st *store.Store, reg *procreg.Registry, proc *processor.Processor,
	providers []llm.Provider, prompts PromptSyncer, events Events, logger *zap.Logger) *Manager {
	cfg.applyDefaults()
	if logger == nil {
		logger = zap.NewNop()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Manager{
		cfg:       cfg,
		store:     st,
		registry:  reg,
		processor: proc,
		providers: providers,
		prompts:   prompts,
		events:    events,
		logger:    logger,
		baseCtx:   ctx,
		stop:      cancel,
		active:    make(map[int64]*ActiveSession),
	}
}

// StartResult is the answer to EnsureStarted, consumed by hook clients.
type StartResult struct {
	SessionDBID  int64 `json:"sessionDbId"`
	PromptNumber int   `json:"promptNumber"`
	// ContextInjected is true when a live runner already existed: the
	// hook must not re-inject formatted context into the IDE surface.
	ContextInjected bool `json:"contextInjected"`
	// Skipped is true when the identical prompt text arrived within the
	// duplicate window and was dropped.
	Skipped bool `json:"skipped"`
}

// EnsureStarted gets-or-creates the session row, records the user prompt
// and guarantees a live runner for the session.
func (m *Manager) EnsureStarted(ctx context.Context, contentID, project, userPrompt string) (StartResult, error) {
	var res StartResult

	dbID, created, err := m.store.CreateOrGetSession(ctx, contentID, project, userPrompt, "")
	if err != nil {
		return res, fmt.Errorf("failed to ensure session: %w", err)
	}
	res.SessionDBID = dbID

	as, existed := m.getOrCreateActive(dbID, contentID, project)

	// Re-entry with no in-memory state: the session row pre-existed but
	// the daemon holds no conversation for it (another terminal resumed
	// the session, or the daemon restarted). The old memory thread cannot
	// be resumed, so retire it; the runner establishes a fresh id and the
	// store carries the retired thread's rows over to it.
	if !created && !existed {
		as.retireMemoryID()
		m.logger.Info("memory thread retired for re-entered session",
			zap.Int64("sessionId", dbID))
	}

	// Duplicate hook delivery: same text within the window is dropped but
	// still answers with the prompt's original number.
	if userPrompt != "" {
		if _, num, found, err := m.store.FindRecentPromptByText(ctx, contentID, userPrompt, DuplicatePromptWindow); err == nil && found {
			res.PromptNumber = num
			res.ContextInjected = as.Live()
			res.Skipped = true
			return res, nil
		}
	}

	promptNumber, err := m.store.NextPromptNumber(ctx, contentID)
	if err != nil {
		return res, err
	}
	res.PromptNumber = promptNumber

	if userPrompt != "" {
		promptID, err := m.store.InsertUserPrompt(ctx, contentID, as.MemorySessionID(), promptNumber, userPrompt)
		if err != nil {
			return res, err
		}
		if m.prompts != nil {
			m.prompts.SyncUserPrompt(project, store.UserPrompt{
				ID:               promptID,
				ContentSessionID: contentID,
				PromptNumber:     promptNumber,
				Text:             userPrompt,
			})
		}
	}

	as.pushPrompt(userPrompt, promptNumber)

	if as.Live() {
		res.ContextInjected = true
		return res, nil
	}

	m.spawnRunner(as)
	if m.events != nil {
		m.events.SessionStart(dbID, project)
	}
	return res, nil
}

// Enqueue adds a work item for the session and guarantees a runner is
// draining its queue.
func (m *Manager) Enqueue(ctx context.Context, contentID, kind, toolName string, payload []byte, cwd string) (int64, error) {
	sess, err := m.store.GetSessionByContentID(ctx, contentID)
	if err != nil {
		return 0, err
	}

	id, err := m.store.Enqueue(ctx, sess.ID, contentID, kind, toolName, payload, cwd)
	if err != nil {
		return 0, err
	}

	as, _ := m.getOrCreateActive(sess.ID, contentID, sess.Project)
	as.seedMemoryID(sess.MemorySessionID)

	// Runners exit when the queue drains; respawn on new work.
	if !as.Live() {
		m.spawnRunner(as)
	}

	m.broadcastStatus(ctx)
	return id, nil
}

// KickAll respawns runners for every session that still has pending work.
// Invoked at startup and by the pending-queue process endpoint.
func (m *Manager) KickAll(ctx context.Context) (int, error) {
	ids, err := m.store.SessionsWithPending(ctx)
	if err != nil {
		return 0, err
	}
	kicked := 0
	for _, dbID := range ids {
		sess, err := m.store.GetSessionByID(ctx, dbID)
		if err != nil {
			continue
		}
		as, _ := m.getOrCreateActive(sess.ID, sess.ContentSessionID, sess.Project)
		as.seedMemoryID(sess.MemorySessionID)
		if !as.Live() {
			m.spawnRunner(as)
			kicked++
		}
	}
	return kicked, nil
}

// KickSession guarantees a live runner for one session. Used by the
// per-session init endpoint.
func (m *Manager) KickSession(ctx context.Context, sessionDBID int64) error {
	sess, err := m.store.GetSessionByID(ctx, sessionDBID)
	if err != nil {
		return err
	}
	as, _ := m.getOrCreateActive(sess.ID, sess.ContentSessionID, sess.Project)
	as.seedMemoryID(sess.MemorySessionID)
	if !as.Live() {
		m.spawnRunner(as)
	}
	return nil
}

// DeleteSession aborts the runner, waits for it with a deadline, marks the
// session ended and forgets its state.
func (m *Manager) DeleteSession(ctx context.Context, sessionDBID int64) error {
	m.mu.Lock()
	as, ok := m.active[sessionDBID]
	delete(m.active, sessionDBID)
	m.mu.Unlock()

	if ok {
		as.abort()
		select {
		case <-as.Done():
		case <-time.After(AbortDeadline):
			m.logger.Warn("runner did not exit before deadline",
				zap.Int64("sessionId", sessionDBID))
		case <-ctx.Done():
		}
	}

	if err := m.store.EndSession(ctx, sessionDBID); err != nil {
		return err
	}
	if m.events != nil {
		project := ""
		if ok {
			project = as.Project
		}
		m.events.SessionEnd(sessionDBID, project)
	}
	return nil
}

// TotalActiveWork sums queue depths across sessions with live runners.
func (m *Manager) TotalActiveWork(ctx context.Context) int {
	m.mu.Lock()
	snapshot := make([]*ActiveSession, 0, len(m.active))
	for _, as := range m.active {
		snapshot = append(snapshot, as)
	}
	m.mu.Unlock()

	total := 0
	for _, as := range snapshot {
		if !as.Live() {
			continue
		}
		n, err := m.store.PendingCount(ctx, as.SessionDBID)
		if err == nil {
			total += n
		}
	}
	return total
}

// ActiveCount returns the number of sessions with live runners.
func (m *Manager) ActiveCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, as := range m.active {
		if as.Live() {
			n++
		}
	}
	return n
}

// ActiveSessionIDs returns the ids of sessions the manager knows about,
// for the orphan reaper.
func (m *Manager) ActiveSessionIDs() map[int64]bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[int64]bool, len(m.active))
	for id := range m.active {
		out[id] = true
	}
	return out
}

// AbortAll cancels every runner and waits for each with the deadline.
// Used during shutdown.
func (m *Manager) AbortAll() {
	m.stop()

	m.mu.Lock()
	snapshot := make([]*ActiveSession, 0, len(m.active))
	for _, as := range m.active {
		snapshot = append(snapshot, as)
	}
	m.active = make(map[int64]*ActiveSession)
	m.mu.Unlock()

	for _, as := range snapshot {
		as.abort()
		select {
		case <-as.Done():
		case <-time.After(AbortDeadline):
			m.logger.Warn("runner did not exit during shutdown",
				zap.Int64("sessionId", as.SessionDBID))
		}
	}
}

func (m *Manager) getOrCreateActive(dbID int64, contentID, project string) (*ActiveSession, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if as, ok := m.active[dbID]; ok {
		return as, true
	}
	as := newActiveSession(dbID, contentID, project)
	m.active[dbID] = as
	return as, false
}

func (m *Manager) broadcastStatus(ctx context.Context) {
	if m.events == nil {
		return
	}
	m.events.ProcessingStatus(m.ActiveCount(), m.TotalActiveWork(ctx))
}
