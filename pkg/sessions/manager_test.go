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
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/memweave/memweave/pkg/llm"
	"github.com/memweave/memweave/pkg/processor"
	"github.com/memweave/memweave/pkg/procreg"
	"github.com/memweave/memweave/pkg/store"
)

// stubProvider answers every completion with a fixed function.
type stubProvider struct {
	name string
	fn   func(window []llm.Message) (*llm.Response, error)

	mu    sync.Mutex
	calls int
}

func (p *stubProvider) Complete(ctx context.Context, system string, messages []llm.Message) (*llm.Response, error) {
	if err := ctx.Err(); err != nil {
		return nil, llm.Classify(p.name, 0, err)
	}
	p.mu.Lock()
	p.calls++
	p.mu.Unlock()
	return p.fn(messages)
}

func (p *stubProvider) Name() string  { return p.name }
func (p *stubProvider) Model() string { return "stub-model" }

func (p *stubProvider) callCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.calls
}

// okProvider emits one observation block per turn and a fresh server-side
// id per call, like a real Messages API.
func okProvider(name string) *stubProvider {
	p := &stubProvider{name: name}
	p.fn = func(window []llm.Message) (*llm.Response, error) {
		return &llm.Response{
			Content:   `<observation><type>discovery</type><title>List dir</title><narrative>listed files</narrative></observation>`,
			SessionID: fmt.Sprintf("msg_%s_%d", name, p.callCount()),
			Usage:     llm.Usage{InputTokens: 100, OutputTokens: 20},
		}, nil
	}
	return p
}

func newTestManager(t *testing.T, providers ...llm.Provider) (*Manager, *store.Store) {
	t.Helper()
	logger := zaptest.NewLogger(t)
	st, err := store.Open(context.Background(), filepath.Join(t.TempDir(), "test.db"), logger)
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })

	proc := processor.New(st, nil, nil, logger)
	reg := procreg.New(3, logger)
	m := NewManager(Config{}, st, reg, proc, providers, nil, nil, logger)
	t.Cleanup(m.AbortAll)
	return m, st
}

func waitDrained(t *testing.T, st *store.Store, sessionID int64) {
	t.Helper()
	require.Eventually(t, func() bool {
		n, err := st.PendingCount(context.Background(), sessionID)
		return err == nil && n == 0
	}, 5*time.Second, 10*time.Millisecond, "queue should drain")
}

func TestFreshSessionOneToolEvent(t *testing.T) {
	m, st := newTestManager(t, okProvider("claude"))
	ctx := context.Background()

	res, err := m.EnsureStarted(ctx, "cs-1", "proj", "list my files")
	require.NoError(t, err)
	assert.Equal(t, 1, res.PromptNumber)
	assert.False(t, res.ContextInjected)
	assert.False(t, res.Skipped)

	_, err = m.Enqueue(ctx, "cs-1", store.MessageObservation, "Bash",
		[]byte(`{"command":"ls","output":"file.txt"}`), "/tmp")
	require.NoError(t, err)

	waitDrained(t, st, res.SessionDBID)

	obs, err := st.ListObservations(ctx, "proj", 0, 10)
	require.NoError(t, err)
	require.NotEmpty(t, obs)
	assert.Equal(t, "List dir", obs[0].Title)

	sess, err := st.GetSessionByID(ctx, res.SessionDBID)
	require.NoError(t, err)
	require.NotEmpty(t, sess.MemorySessionID)
	assert.NotEqual(t, "cs-1", sess.MemorySessionID)
	assert.Equal(t, sess.MemorySessionID, obs[0].MemorySessionID)
}

func TestReinjectionGuard(t *testing.T) {
	// A provider that blocks keeps the runner alive across both calls.
	release := make(chan struct{})
	blocking := &stubProvider{name: "slow", fn: func(window []llm.Message) (*llm.Response, error) {
		<-release
		return &llm.Response{Content: "", SessionID: "msg_slow_1"}, nil
	}}
	m, _ := newTestManager(t, blocking)
	defer close(release)
	ctx := context.Background()

	res1, err := m.EnsureStarted(ctx, "cs-1", "proj", "first")
	require.NoError(t, err)
	assert.False(t, res1.ContextInjected)

	require.Eventually(t, func() bool {
		return blocking.callCount() > 0
	}, 5*time.Second, 10*time.Millisecond)

	res2, err := m.EnsureStarted(ctx, "cs-1", "proj", "second")
	require.NoError(t, err)
	assert.True(t, res2.ContextInjected, "live runner means no context re-injection")
	assert.Equal(t, res1.SessionDBID, res2.SessionDBID)
	assert.Equal(t, 2, res2.PromptNumber)
}

func TestDuplicatePromptSkipped(t *testing.T) {
	m, _ := newTestManager(t, okProvider("claude"))
	ctx := context.Background()

	res1, err := m.EnsureStarted(ctx, "cs-1", "proj", "same text")
	require.NoError(t, err)

	res2, err := m.EnsureStarted(ctx, "cs-1", "proj", "same text")
	require.NoError(t, err)
	assert.True(t, res2.Skipped)
	assert.Equal(t, res1.PromptNumber, res2.PromptNumber)
}

func TestProviderFallback(t *testing.T) {
	failing := &stubProvider{name: "claude", fn: func(window []llm.Message) (*llm.Response, error) {
		return nil, llm.Classify("claude", 429, errors.New("rate limited"))
	}}
	m, st := newTestManager(t, failing, okProvider("gemini"))
	ctx := context.Background()

	res, err := m.EnsureStarted(ctx, "cs-1", "proj", "do work")
	require.NoError(t, err)
	_, err = m.Enqueue(ctx, "cs-1", store.MessageObservation, "Bash", []byte(`{}`), "")
	require.NoError(t, err)

	waitDrained(t, st, res.SessionDBID)

	obs, err := st.ListObservations(ctx, "proj", 0, 10)
	require.NoError(t, err)
	assert.NotEmpty(t, obs, "fallback provider should have produced the observation")
	assert.Greater(t, failing.callCount(), 0)
}

func TestClientErrorParksMessage(t *testing.T) {
	rejecting := &stubProvider{name: "claude", fn: func(window []llm.Message) (*llm.Response, error) {
		return nil, llm.Classify("claude", 400, errors.New("input rejected"))
	}}
	m, st := newTestManager(t, rejecting)
	ctx := context.Background()

	res, err := m.EnsureStarted(ctx, "cs-1", "proj", "")
	require.NoError(t, err)
	_, err = m.Enqueue(ctx, "cs-1", store.MessageObservation, "Bash", []byte(`{}`), "")
	require.NoError(t, err)

	// Client errors are not fallback-eligible: the message burns through
	// its retries and parks as failed.
	require.Eventually(t, func() bool {
		entries, err := st.QueueView(ctx)
		return err == nil && len(entries) == 1 && entries[0].Status == store.StatusFailed
	}, 5*time.Second, 10*time.Millisecond)

	obs, err := st.ListObservations(ctx, "proj", 0, 10)
	require.NoError(t, err)
	assert.Empty(t, obs)
	_ = res
}

func TestTransportErrorLeavesWorkClaimed(t *testing.T) {
	down := &stubProvider{name: "claude", fn: func(window []llm.Message) (*llm.Response, error) {
		return nil, llm.Classify("claude", 0, errors.New("connection refused"))
	}}
	m, st := newTestManager(t, down)
	ctx := context.Background()

	res, err := m.EnsureStarted(ctx, "cs-1", "proj", "")
	require.NoError(t, err)
	_, err = m.Enqueue(ctx, "cs-1", store.MessageObservation, "Bash", []byte(`{}`), "")
	require.NoError(t, err)

	// No message loss: the row survives as pending or processing, never
	// failed, never gone.
	require.Eventually(t, func() bool {
		return m.ActiveCount() == 0
	}, 5*time.Second, 10*time.Millisecond)

	n, err := st.PendingCount(ctx, res.SessionDBID)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestMultiTerminalResetsMemoryThread(t *testing.T) {
	m, st := newTestManager(t, okProvider("claude"))
	ctx := context.Background()

	res, err := m.EnsureStarted(ctx, "cs-1", "proj", "first terminal")
	require.NoError(t, err)
	_, err = m.Enqueue(ctx, "cs-1", store.MessageObservation, "Bash", []byte(`{}`), "")
	require.NoError(t, err)
	waitDrained(t, st, res.SessionDBID)

	sess, err := st.GetSessionByID(ctx, res.SessionDBID)
	require.NoError(t, err)
	require.NotEmpty(t, sess.MemorySessionID)

	// Terminal A ends; the daemon forgets the session's in-memory state.
	require.NoError(t, m.DeleteSession(ctx, res.SessionDBID))

	// Terminal B resumes the same content session: the old memory thread
	// cannot be picked up, so a fresh one is established and the old
	// thread's rows follow it.
	_, err = m.EnsureStarted(ctx, "cs-1", "proj", "second terminal")
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		s, err := st.GetSessionByID(ctx, res.SessionDBID)
		return err == nil && s.MemorySessionID != "" && s.MemorySessionID != sess.MemorySessionID
	}, 5*time.Second, 10*time.Millisecond)

	fresh, err := st.GetSessionByID(ctx, res.SessionDBID)
	require.NoError(t, err)
	obs, err := st.ListObservations(ctx, "proj", 0, 10)
	require.NoError(t, err)
	require.NotEmpty(t, obs)
	for _, o := range obs {
		assert.Equal(t, fresh.MemorySessionID, o.MemorySessionID,
			"rows from the retired thread must follow the new memory id")
	}
}

func TestDrainedSessionKeepsMemoryThread(t *testing.T) {
	m, st := newTestManager(t, okProvider("claude"))
	ctx := context.Background()

	res, err := m.EnsureStarted(ctx, "cs-1", "proj", "first prompt")
	require.NoError(t, err)
	_, err = m.Enqueue(ctx, "cs-1", store.MessageObservation, "Bash", []byte(`{}`), "")
	require.NoError(t, err)
	waitDrained(t, st, res.SessionDBID)

	require.Eventually(t, func() bool { return m.ActiveCount() == 0 },
		5*time.Second, 10*time.Millisecond)

	sess, err := st.GetSessionByID(ctx, res.SessionDBID)
	require.NoError(t, err)
	require.NotEmpty(t, sess.MemorySessionID)

	// A later prompt in the same terminal respawns the runner but stays
	// on the same memory thread; threads must not rotate per prompt.
	_, err = m.EnsureStarted(ctx, "cs-1", "proj", "second prompt")
	require.NoError(t, err)
	_, err = m.Enqueue(ctx, "cs-1", store.MessageObservation, "Bash", []byte(`{"n":2}`), "")
	require.NoError(t, err)
	waitDrained(t, st, res.SessionDBID)

	after, err := st.GetSessionByID(ctx, res.SessionDBID)
	require.NoError(t, err)
	assert.Equal(t, sess.MemorySessionID, after.MemorySessionID)
}

func TestDeleteSessionEndsRow(t *testing.T) {
	m, st := newTestManager(t, okProvider("claude"))
	ctx := context.Background()

	res, err := m.EnsureStarted(ctx, "cs-1", "proj", "hello")
	require.NoError(t, err)

	require.NoError(t, m.DeleteSession(ctx, res.SessionDBID))

	sess, err := st.GetSessionByID(ctx, res.SessionDBID)
	require.NoError(t, err)
	assert.Equal(t, "ended", sess.Status)
	assert.Zero(t, m.ActiveCount())
}

func TestSummarizeFlow(t *testing.T) {
	summarizing := &stubProvider{name: "claude", fn: func(window []llm.Message) (*llm.Response, error) {
		last := window[len(window)-1].Content
		content := ""
		if strings.Contains(last, "session is ending") {
			content = `<summary><request>the ask</request><completed>all of it</completed></summary>`
		}
		return &llm.Response{Content: content, SessionID: "msg_sum_1"}, nil
	}}
	m, st := newTestManager(t, summarizing)
	ctx := context.Background()

	res, err := m.EnsureStarted(ctx, "cs-1", "proj", "do the thing")
	require.NoError(t, err)
	_, err = m.Enqueue(ctx, "cs-1", store.MessageSummarize, "",
		[]byte("final assistant message"), "")
	require.NoError(t, err)

	waitDrained(t, st, res.SessionDBID)

	sums, err := st.ListSummaries(ctx, "proj", 0, 10)
	require.NoError(t, err)
	require.Len(t, sums, 1)
	assert.Equal(t, "the ask", sums[0].Request)
}

func TestKickAllRecoversPendingWork(t *testing.T) {
	m, st := newTestManager(t, okProvider("claude"))
	ctx := context.Background()

	// Work enqueued directly in the store, as if left over from a
	// previous daemon run.
	sid, _, err := st.CreateOrGetSession(ctx, "cs-old", "proj", "", "")
	require.NoError(t, err)
	_, err = st.Enqueue(ctx, sid, "cs-old", store.MessageObservation, "Bash", []byte(`{}`), "")
	require.NoError(t, err)

	kicked, err := m.KickAll(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, kicked)

	waitDrained(t, st, sid)
	obs, err := st.ListObservations(ctx, "proj", 0, 10)
	require.NoError(t, err)
	assert.NotEmpty(t, obs)
}

func TestTruncate(t *testing.T) {
	mk := func(n int, size int) []llm.Message {
		out := make([]llm.Message, n)
		for i := range out {
			out[i] = llm.Message{Role: llm.RoleUser, Content: string(make([]byte, size))}
		}
		return out
	}

	// Under both limits: untouched.
	h := mk(5, 40)
	got, truncated := truncate(h, 10, 1000)
	assert.False(t, truncated)
	assert.Len(t, got, 5)

	// Message cap.
	got, truncated = truncate(mk(20, 40), 10, 100000)
	assert.True(t, truncated)
	assert.Len(t, got, 10)

	// Token budget: 4000-char messages are ~1000 tokens each.
	got, truncated = truncate(mk(10, 4000), 100, 2500)
	assert.True(t, truncated)
	assert.LessOrEqual(t, len(got), 3)

	// A single oversized message is still sent whole.
	got, _ = truncate(mk(1, 100000), 10, 100)
	assert.Len(t, got, 1)

	// Order is preserved: the kept window is the newest suffix.
	h = mk(6, 40)
	h[5].Content = "newest"
	got, _ = truncate(h, 3, 100000)
	assert.Equal(t, "newest", got[len(got)-1].Content)
}
