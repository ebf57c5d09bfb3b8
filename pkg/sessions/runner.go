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

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/memweave/memweave/pkg/llm"
	"github.com/memweave/memweave/pkg/processor"
	"github.com/memweave/memweave/pkg/store"
)

// spawnRunner starts the runner goroutine unless one is already live.
func (m *Manager) spawnRunner(as *ActiveSession) {
	ctx, cancel := context.WithCancel(m.baseCtx)
	if !as.beginRun(cancel) {
		cancel()
		return
	}
	go func() {
		m.run(ctx, as)
		// An enqueue racing with the claim loop's exit may have seen the
		// runner still live and skipped the respawn; re-check so no
		// unclaimed message is stranded. Rows left processing by a
		// transport failure do not count: self-heal owns those.
		if ctx.Err() != nil {
			return
		}
		if n, err := m.store.UnclaimedCount(context.Background(), as.SessionDBID); err == nil && n > 0 {
			m.spawnRunner(as)
		}
	}()
}

// run is the per-session agent loop: wait for a slot, flush any queued
// user-prompt turns, then drain the pending queue one claim at a time.
// The runner exits when the queue drains and is respawned on the next
// enqueue.
func (m *Manager) run(ctx context.Context, as *ActiveSession) {
	defer as.endRun()

	if err := m.registry.AcquireSlot(ctx, m.cfg.SlotTimeout); err != nil {
		m.logger.Warn("runner could not get a slot",
			zap.Int64("sessionId", as.SessionDBID), zap.Error(err))
		return
	}
	defer m.registry.ReleaseSlot()

	m.logger.Info("runner started",
		zap.Int64("sessionId", as.SessionDBID), zap.String("project", as.Project))

	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		if err := m.flushPrompts(ctx, as); err != nil {
			if llm.KindOf(err) == llm.KindCanceled {
				return
			}
			m.logger.Error("prompt turn failed",
				zap.Int64("sessionId", as.SessionDBID), zap.Error(err))
			return
		}

		msg, err := m.store.ClaimNext(ctx, as.SessionDBID)
		if err != nil {
			m.logger.Error("claim failed",
				zap.Int64("sessionId", as.SessionDBID), zap.Error(err))
			return
		}
		if msg == nil {
			m.logger.Debug("queue drained, runner exiting",
				zap.Int64("sessionId", as.SessionDBID))
			return
		}

		as.inFlight = append(as.inFlight, msg.ID)
		if as.earliestPendingEpoch == 0 || msg.CreatedAtEpoch < as.earliestPendingEpoch {
			as.earliestPendingEpoch = msg.CreatedAtEpoch
		}

		var prompt string
		if msg.Kind == store.MessageSummarize {
			prompt = summaryPrompt(msg.Payload)
		} else {
			prompt = observationPrompt(msg.ToolName, msg.Payload, msg.CWD, msg.CreatedAtEpoch)
		}

		if err := m.turn(ctx, as, prompt); err != nil {
			switch llm.KindOf(err) {
			case llm.KindCanceled:
				// In-flight rows stay processing; self-heal recovers them.
				as.inFlight = nil
				as.earliestPendingEpoch = 0
				return
			case llm.KindClient:
				// The provider rejected this input; no other provider will
				// accept it either. Bounded retry, then park as failed.
				for _, id := range as.inFlight {
					if ferr := m.store.MarkFailed(context.Background(), id); ferr != nil {
						m.logger.Error("failed to mark message failed",
							zap.Int64("messageId", id), zap.Error(ferr))
					}
				}
				as.inFlight = nil
				as.earliestPendingEpoch = 0
			default:
				// Transport-class failure after the whole fallback chain:
				// leave rows processing and let self-heal retry later. The
				// in-flight list must not leak into a future runner, or a
				// later reply would confirm work it never processed.
				as.inFlight = nil
				as.earliestPendingEpoch = 0
				m.logger.Warn("turn failed, leaving work claimed",
					zap.Int64("sessionId", as.SessionDBID), zap.Error(err))
				return
			}
		}
	}
}

// flushPrompts sends one conversation turn per queued user prompt: an init
// turn for a fresh conversation, continuation turns afterwards.
func (m *Manager) flushPrompts(ctx context.Context, as *ActiveSession) error {
	for _, p := range as.takePrompts() {
		var prompt string
		if len(as.history) == 0 {
			prompt = initPrompt(as.Project, as.ContentSessionID, p.text)
		} else {
			prompt = continuationPrompt(p.text, p.number)
		}
		if err := m.turn(ctx, as, prompt); err != nil {
			return err
		}
	}
	return nil
}

// turn runs one provider completion over the (truncated) history and hands
// the reply to the processor. On success the in-flight list is settled.
func (m *Manager) turn(ctx context.Context, as *ActiveSession, userPrompt string) error {
	as.history = append(as.history, llm.Message{Role: llm.RoleUser, Content: userPrompt})

	window, truncated := truncate(as.history, m.cfg.MaxHistoryMessages, m.cfg.MaxHistoryTokens)
	if truncated {
		m.logger.Info("conversation truncated",
			zap.Int64("sessionId", as.SessionDBID),
			zap.Int("kept", len(window)), zap.Int("total", len(as.history)))
	}

	resp, err := m.complete(ctx, window)
	if err != nil {
		return err
	}

	m.ensureMemoryID(ctx, as, resp.SessionID)
	as.history = append(as.history, llm.Message{Role: llm.RoleAssistant, Content: resp.Content})
	total := as.addTokens(resp.Usage.Total())

	batch := processor.Batch{
		MemorySessionID:      as.MemorySessionID(),
		Project:              as.Project,
		PromptNumber:         as.currentPromptNumber(),
		DiscoveryTokens:      total,
		EarliestPendingEpoch: as.earliestPendingEpoch,
		InFlight:             as.inFlight,
	}
	if err := m.processor.Process(ctx, resp.Content, batch); err != nil {
		return err
	}

	as.inFlight = nil
	as.earliestPendingEpoch = 0
	m.broadcastStatus(ctx)
	return nil
}

// complete walks the provider fallback chain. The same conversation window
// is handed to each provider; history carries over untouched.
func (m *Manager) complete(ctx context.Context, window []llm.Message) (*llm.Response, error) {
	var lastErr error
	for i, p := range m.providers {
		resp, err := p.Complete(ctx, agentSystemPrompt, window)
		if err == nil {
			if i > 0 {
				m.logger.Info("fallback provider answered",
					zap.String("provider", p.Name()), zap.String("model", p.Model()))
			}
			return resp, nil
		}
		lastErr = err
		if !llm.FallbackEligible(err) {
			return nil, err
		}
		m.logger.Warn("provider failed, trying next",
			zap.String("provider", p.Name()), zap.Error(err))
	}
	if lastErr == nil {
		lastErr = llm.Classify("none", 0, errNoProviders)
	}
	return nil, lastErr
}

// ensureMemoryID establishes the session's memory thread id after the
// first successful completion, and replaces it when the thread was
// retired by a re-entry. Providers with server-side threads supply the
// id; for the rest a fresh UUID is minted. The id must never collide
// with the content session id or with a retired id. The store re-points
// any rows still under a previous id when the replacement lands.
func (m *Manager) ensureMemoryID(ctx context.Context, as *ActiveSession, candidate string) {
	current, retired := as.memoryState()
	if current != "" && !retired {
		return
	}
	if candidate == "" || candidate == as.ContentSessionID || candidate == current {
		candidate = uuid.NewString()
	}
	if err := m.store.SetMemorySessionID(ctx, as.SessionDBID, candidate); err != nil {
		m.logger.Error("failed to persist memory session id",
			zap.Int64("sessionId", as.SessionDBID), zap.Error(err))
		return
	}
	as.setMemorySessionID(candidate)
	m.logger.Info("memory session established",
		zap.Int64("sessionId", as.SessionDBID), zap.String("memorySessionId", candidate))
}

// truncate keeps the newest messages within both the message cap and the
// estimated token budget (chars / 4), preserving chronological order.
// Messages are kept or dropped whole.
func truncate(history []llm.Message, maxMessages, maxTokens int) ([]llm.Message, bool) {
	if len(history) == 0 {
		return history, false
	}
	kept := 0
	budget := maxTokens
	for i := len(history) - 1; i >= 0; i-- {
		cost := len(history[i].Content) / 4
		if kept >= maxMessages || (kept > 0 && cost > budget) {
			break
		}
		kept++
		budget -= cost
	}
	if kept == len(history) {
		return history, false
	}
	return history[len(history)-kept:], true
}

var errNoProviders = &noProvidersError{}

type noProvidersError struct{}

func (*noProvidersError) Error() string { return "no providers configured" }
