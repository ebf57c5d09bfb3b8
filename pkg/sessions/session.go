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

// Package sessions schedules one agent runner per active session: it owns
// the conversation history, the in-flight queue ids and the provider
// fallback chain.
package sessions

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/memweave/memweave/pkg/llm"
)

// ActiveSession is the in-memory state for one session with a live (or
// recently live) runner. The conversation history is touched only by the
// session's runner goroutine; the mutex guards the fields shared with the
// manager.
type ActiveSession struct {
	SessionDBID      int64
	ContentSessionID string
	Project          string

	mu              sync.Mutex
	memorySessionID string
	retired         bool
	promptNumber    int
	pendingPrompts  []pendingPrompt
	discoveryTokens int64
	cancel          context.CancelFunc

	// Owned by the runner goroutine.
	history              []llm.Message
	inFlight             []int64
	earliestPendingEpoch int64

	generatorLive atomic.Bool
	done          chan struct{}
}

type pendingPrompt struct {
	text   string
	number int
}

func newActiveSession(dbID int64, contentID, project string) *ActiveSession {
	done := make(chan struct{})
	close(done) // no runner yet
	return &ActiveSession{
		SessionDBID:      dbID,
		ContentSessionID: contentID,
		Project:          project,
		done:             done,
	}
}

// Live reports whether the session's runner goroutine is running.
func (as *ActiveSession) Live() bool {
	return as.generatorLive.Load()
}

// MemorySessionID returns the provider-assigned memory thread id, or ""
// before the first successful completion.
func (as *ActiveSession) MemorySessionID() string {
	as.mu.Lock()
	defer as.mu.Unlock()
	return as.memorySessionID
}

func (as *ActiveSession) setMemorySessionID(id string) {
	as.mu.Lock()
	as.memorySessionID = id
	as.retired = false
	as.mu.Unlock()
}

// seedMemoryID adopts a previously persisted memory id, unless the thread
// has been retired or an id is already held.
func (as *ActiveSession) seedMemoryID(id string) {
	as.mu.Lock()
	if as.memorySessionID == "" && !as.retired && id != "" {
		as.memorySessionID = id
	}
	as.mu.Unlock()
}

// retireMemoryID marks the session's memory thread as unresumable. The
// next established id replaces it, and the store re-points the retired
// thread's rows at that moment.
func (as *ActiveSession) retireMemoryID() {
	as.mu.Lock()
	as.retired = true
	as.mu.Unlock()
}

func (as *ActiveSession) memoryState() (string, bool) {
	as.mu.Lock()
	defer as.mu.Unlock()
	return as.memorySessionID, as.retired
}

// pushPrompt records a user prompt the runner should fold into the
// conversation as a continuation turn.
func (as *ActiveSession) pushPrompt(text string, number int) {
	as.mu.Lock()
	as.pendingPrompts = append(as.pendingPrompts, pendingPrompt{text: text, number: number})
	as.promptNumber = number
	as.mu.Unlock()
}

func (as *ActiveSession) takePrompts() []pendingPrompt {
	as.mu.Lock()
	defer as.mu.Unlock()
	out := as.pendingPrompts
	as.pendingPrompts = nil
	return out
}

func (as *ActiveSession) currentPromptNumber() int {
	as.mu.Lock()
	defer as.mu.Unlock()
	return as.promptNumber
}

func (as *ActiveSession) addTokens(n int64) int64 {
	as.mu.Lock()
	defer as.mu.Unlock()
	as.discoveryTokens += n
	return as.discoveryTokens
}

// abort cancels the runner, if one is live.
func (as *ActiveSession) abort() {
	as.mu.Lock()
	cancel := as.cancel
	as.mu.Unlock()
	if cancel != nil {
		cancel()
	}
}

// Done is closed when the current runner goroutine has fully exited.
// Before any runner has started it is already closed.
func (as *ActiveSession) Done() <-chan struct{} {
	as.mu.Lock()
	defer as.mu.Unlock()
	return as.done
}

// beginRun installs a fresh cancel func and done channel for a new runner.
// Returns false if a runner is already live.
func (as *ActiveSession) beginRun(cancel context.CancelFunc) bool {
	as.mu.Lock()
	defer as.mu.Unlock()
	if as.generatorLive.Load() {
		return false
	}
	as.cancel = cancel
	as.done = make(chan struct{})
	as.generatorLive.Store(true)
	return true
}

// endRun marks the runner dead and releases its done channel.
func (as *ActiveSession) endRun() {
	as.mu.Lock()
	as.generatorLive.Store(false)
	as.cancel = nil
	done := as.done
	as.mu.Unlock()
	close(done)
}
