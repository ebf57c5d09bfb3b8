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

package processor

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/memweave/memweave/pkg/store"
)

// Batch carries everything the processor needs about the work that
// produced one LLM reply.
type Batch struct {
	// MemorySessionID must be set before any reply can be stored.
	MemorySessionID string

	Project      string
	PromptNumber int

	// DiscoveryTokens is the cumulative token spend attributed to rows
	// stored from this reply.
	DiscoveryTokens int64

	// EarliestPendingEpoch timestamps stored rows at event capture time
	// rather than LLM completion time. Zero means now.
	EarliestPendingEpoch int64

	// InFlight lists the queue message ids this reply accounts for. Every
	// one of them is confirmed once the store transaction commits.
	InFlight []int64
}

// Syncer receives fire-and-forget vector indexing work.
type Syncer interface {
	SyncObservation(obs store.Observation)
	SyncSummary(sum store.Summary)
}

// Broadcaster receives live events for SSE subscribers.
type Broadcaster interface {
	ObservationStored(obs store.Observation)
	SummaryStored(sum store.Summary)
}

// Processor stores parsed LLM replies and settles the work queue.
type Processor struct {
	store  *store.Store
	sync   Syncer
	events Broadcaster
	logger *zap.Logger
}

// New creates a Processor. sync and events may be nil.
func New(st *store.Store, sync Syncer, events Broadcaster, logger *zap.Logger) *Processor {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Processor{store: st, sync: sync, events: events, logger: logger}
}

// Process parses the reply, stores its content atomically, confirms the
// batch's queue entries and fans out to the vector index and SSE stream.
//
// An error returned before the store commit leaves the queue rows
// processing, where claim-path self-healing will recover them. Once the
// commit succeeds nothing can fail the batch: confirm and fan-out problems
// are logged and swallowed.
func (p *Processor) Process(ctx context.Context, text string, batch Batch) error {
	parsed := Parse(text)

	if len(parsed.Observations) == 0 && parsed.Summary == nil {
		p.logger.Debug("reply contained no memory blocks",
			zap.String("memorySessionId", batch.MemorySessionID),
			zap.Int("replyChars", len(text)))
	}

	if batch.MemorySessionID == "" {
		return fmt.Errorf("cannot store reply: memory session id not yet assigned")
	}

	for i := range parsed.Observations {
		o := &parsed.Observations[i]
		o.MemorySessionID = batch.MemorySessionID
		o.Project = batch.Project
		o.PromptNumber = batch.PromptNumber
		o.DiscoveryTokens = batch.DiscoveryTokens
	}
	if parsed.Summary != nil {
		parsed.Summary.MemorySessionID = batch.MemorySessionID
		parsed.Summary.Project = batch.Project
		parsed.Summary.DiscoveryTokens = batch.DiscoveryTokens
	}

	res, err := p.store.StoreObservations(ctx, parsed.Observations, parsed.Summary, batch.EarliestPendingEpoch)
	if err != nil {
		return fmt.Errorf("failed to store reply content: %w", err)
	}

	// The reply accounts for every in-flight message, including ones that
	// yielded no blocks or were deduplicated.
	for _, id := range batch.InFlight {
		if err := p.store.Confirm(ctx, id); err != nil {
			p.logger.Error("failed to confirm queue message",
				zap.Int64("messageId", id), zap.Error(err))
		}
	}

	for i, o := range parsed.Observations {
		if res.Reused[i] {
			// Duplicate of a row already indexed and broadcast.
			continue
		}
		o.ID = res.ObservationIDs[i]
		if o.CreatedAtEpoch == 0 {
			o.CreatedAtEpoch = batch.EarliestPendingEpoch
		}
		if p.sync != nil {
			p.sync.SyncObservation(o)
		}
		if p.events != nil {
			p.events.ObservationStored(o)
		}
	}
	if parsed.Summary != nil && res.SummaryID != 0 {
		sum := *parsed.Summary
		sum.ID = res.SummaryID
		if p.sync != nil {
			p.sync.SyncSummary(sum)
		}
		if p.events != nil {
			p.events.SummaryStored(sum)
		}
	}

	if res.Deduped > 0 {
		p.logger.Info("dropped duplicate observations", zap.Int("count", res.Deduped))
	}
	return nil
}
