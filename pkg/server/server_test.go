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

package server

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/memweave/memweave/pkg/llm"
	"github.com/memweave/memweave/pkg/processor"
	"github.com/memweave/memweave/pkg/procreg"
	"github.com/memweave/memweave/pkg/sessions"
	"github.com/memweave/memweave/pkg/store"
)

// stubProvider answers every completion with a fixed reply.
type stubProvider struct {
	reply string
}

func (p *stubProvider) Complete(ctx context.Context, _ string, _ []llm.Message) (*llm.Response, error) {
	if err := ctx.Err(); err != nil {
		return nil, llm.Classify("stub", 0, err)
	}
	return &llm.Response{Content: p.reply, SessionID: "mem-thread-1"}, nil
}

func (p *stubProvider) Name() string  { return "stub" }
func (p *stubProvider) Model() string { return "stub-model" }

const observationReply = `<observation>
  <type>discovery</type>
  <title>List dir</title>
  <narrative>Listed the working directory.</narrative>
</observation>`

type testEnv struct {
	srv *Server
	st  *store.Store
	mgr *sessions.Manager
}

func newTestEnv(t *testing.T, cfg Config) *testEnv {
	t.Helper()
	logger := zaptest.NewLogger(t)

	st, err := store.Open(context.Background(), filepath.Join(t.TempDir(), "test.db"), logger)
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })

	stream := NewStream(logger)
	proc := processor.New(st, nil, stream, logger)
	mgr := sessions.NewManager(sessions.Config{}, st, procreg.New(2, logger), proc,
		[]llm.Provider{&stubProvider{reply: observationReply}}, nil, stream, logger)
	t.Cleanup(mgr.AbortAll)

	cfg.Version = "1.2.3"
	cfg.Platform = "test"
	srv := New(cfg, st, mgr, nil, stream, logger)
	return &testEnv{srv: srv, st: st, mgr: mgr}
}

func (e *testEnv) do(t *testing.T, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.RemoteAddr = "127.0.0.1:54321"
	rec := httptest.NewRecorder()
	e.srv.Handler().ServeHTTP(rec, req)
	return rec
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &v))
	return v
}

func TestNonLoopbackRejected(t *testing.T) {
	e := newTestEnv(t, Config{})
	req := httptest.NewRequest(http.MethodGet, "/api/health", nil)
	req.RemoteAddr = "192.0.2.7:4444"
	rec := httptest.NewRecorder()
	e.srv.Handler().ServeHTTP(rec, req)
	assert.Equal(t, http.StatusForbidden, rec.Code)
}

func TestOriginPolicy(t *testing.T) {
	e := newTestEnv(t, Config{})

	cases := []struct {
		origin    string
		wantACAO  bool
	}{
		{"", false},
		{"http://localhost", true},
		{"http://localhost:3000", true},
		{"http://127.0.0.1:8080", true},
		{"https://evil.example.com", false},
		{"http://localhost.evil.com", false},
	}
	for _, tc := range cases {
		req := httptest.NewRequest(http.MethodGet, "/api/health", nil)
		req.RemoteAddr = "127.0.0.1:54321"
		if tc.origin != "" {
			req.Header.Set("Origin", tc.origin)
		}
		rec := httptest.NewRecorder()
		e.srv.Handler().ServeHTTP(rec, req)

		assert.Equal(t, http.StatusOK, rec.Code, "origin %q", tc.origin)
		acao := rec.Header().Get("Access-Control-Allow-Origin")
		if tc.wantACAO {
			assert.Equal(t, tc.origin, acao, "origin %q", tc.origin)
		} else {
			assert.Empty(t, acao, "origin %q", tc.origin)
		}
	}

	// Preflight gets a bare 204.
	req := httptest.NewRequest(http.MethodOptions, "/api/observations", nil)
	req.RemoteAddr = "127.0.0.1:54321"
	req.Header.Set("Origin", "http://localhost:3000")
	rec := httptest.NewRecorder()
	e.srv.Handler().ServeHTTP(rec, req)
	assert.Equal(t, http.StatusNoContent, rec.Code)
}

func TestHealthEndpoints(t *testing.T) {
	e := newTestEnv(t, Config{})

	rec := e.do(t, http.MethodGet, "/api/health", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	body := decode[map[string]any](t, rec)
	assert.Equal(t, "ok", body["status"])
	assert.Equal(t, false, body["initialized"])

	rec = e.do(t, http.MethodGet, "/api/readiness", nil)
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)

	e.srv.Health().SetInitialized()
	rec = e.do(t, http.MethodGet, "/api/readiness", nil)
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = e.do(t, http.MethodGet, "/api/version", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "1.2.3", decode[map[string]string](t, rec)["version"])
}

func TestSessionInitFlow(t *testing.T) {
	e := newTestEnv(t, Config{})

	rec := e.do(t, http.MethodPost, "/api/sessions/init", map[string]any{
		"contentSessionId": "cs-1",
		"project":          "demo",
		"userPrompt":       "fix the bug",
	})
	require.Equal(t, http.StatusOK, rec.Code)
	res := decode[sessions.StartResult](t, rec)
	assert.Greater(t, res.SessionDBID, int64(0))
	assert.Equal(t, 1, res.PromptNumber)
	assert.False(t, res.Skipped)

	// Missing session id is a client error.
	rec = e.do(t, http.MethodPost, "/api/sessions/init", map[string]any{"project": "demo"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestObservationEventStoredEndToEnd(t *testing.T) {
	e := newTestEnv(t, Config{})

	rec := e.do(t, http.MethodPost, "/api/sessions/init", map[string]any{
		"contentSessionId": "cs-1",
		"project":          "demo",
		"userPrompt":       "list files",
	})
	require.Equal(t, http.StatusOK, rec.Code)

	rec = e.do(t, http.MethodPost, "/api/sessions/observations", map[string]any{
		"contentSessionId": "cs-1",
		"tool_name":        "Bash",
		"tool_input":       map[string]string{"command": "ls"},
		"tool_response":    "file.txt",
		"cwd":              "/tmp/demo",
	})
	require.Equal(t, http.StatusAccepted, rec.Code)

	require.Eventually(t, func() bool {
		rec := e.do(t, http.MethodGet, "/api/observations?project=demo&limit=10", nil)
		if rec.Code != http.StatusOK {
			return false
		}
		var body map[string][]store.Observation
		if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
			return false
		}
		return len(body["observations"]) > 0
	}, 5*time.Second, 20*time.Millisecond)

	rec = e.do(t, http.MethodGet, "/api/observations?project=demo&limit=10", nil)
	body := decode[map[string][]store.Observation](t, rec)
	require.NotEmpty(t, body["observations"])
	assert.Equal(t, "List dir", body["observations"][0].Title)

	// The queue must be fully settled.
	require.Eventually(t, func() bool {
		rec := e.do(t, http.MethodGet, "/api/pending-queue", nil)
		view := decode[map[string]json.RawMessage](t, rec)
		var entries []store.QueueEntry
		if err := json.Unmarshal(view["entries"], &entries); err != nil {
			return false
		}
		return len(entries) == 0
	}, 5*time.Second, 20*time.Millisecond)
}

func TestObservationEventUnknownSession(t *testing.T) {
	e := newTestEnv(t, Config{})
	rec := e.do(t, http.MethodPost, "/api/sessions/observations", map[string]any{
		"contentSessionId": "nope",
		"tool_name":        "Bash",
	})
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestExcludedProjectAcknowledgedNotEnqueued(t *testing.T) {
	e := newTestEnv(t, Config{ExcludedProjects: []string{"secret"}})

	rec := e.do(t, http.MethodPost, "/api/sessions/init", map[string]any{
		"contentSessionId": "cs-x",
		"project":          "secret",
		"userPrompt":       "hello",
	})
	require.Equal(t, http.StatusOK, rec.Code)
	body := decode[map[string]any](t, rec)
	assert.Equal(t, true, body["skipped"])
}

func TestBatchIDCoercion(t *testing.T) {
	e := newTestEnv(t, Config{})

	// Seed two observations directly.
	_, _, err := e.st.CreateOrGetSession(context.Background(), "cs-1", "demo", "p", "")
	require.NoError(t, err)
	sess, err := e.st.GetSessionByContentID(context.Background(), "cs-1")
	require.NoError(t, err)
	require.NoError(t, e.st.SetMemorySessionID(context.Background(), sess.ID, "mem-1"))
	res, err := e.st.StoreObservations(context.Background(), []store.Observation{
		{MemorySessionID: "mem-1", Project: "demo", Kind: store.KindDiscovery, Title: "one", Narrative: "n1"},
		{MemorySessionID: "mem-1", Project: "demo", Kind: store.KindDiscovery, Title: "two", Narrative: "n2"},
	}, nil, 0)
	require.NoError(t, err)
	ids := res.ObservationIDs

	for _, encoded := range []any{
		ids,
		fmt.Sprintf("[%d,%d]", ids[0], ids[1]),
		fmt.Sprintf("%d,%d", ids[0], ids[1]),
		[]string{fmt.Sprint(ids[0]), fmt.Sprint(ids[1])},
	} {
		rec := e.do(t, http.MethodPost, "/api/observations/batch", map[string]any{"ids": encoded})
		require.Equal(t, http.StatusOK, rec.Code, "encoding %v", encoded)
		body := decode[map[string][]store.Observation](t, rec)
		assert.Len(t, body["observations"], 2, "encoding %v", encoded)
	}

	rec := e.do(t, http.MethodPost, "/api/observations/batch", map[string]any{"ids": "1,banana"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestSingleRowNotFound(t *testing.T) {
	e := newTestEnv(t, Config{})
	for _, path := range []string{
		"/api/observation/999", "/api/summary/999", "/api/prompt/999", "/api/session/999",
	} {
		rec := e.do(t, http.MethodGet, path, nil)
		assert.Equal(t, http.StatusNotFound, rec.Code, path)
	}
	rec := e.do(t, http.MethodGet, "/api/observation/abc", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestPendingQueueManagement(t *testing.T) {
	e := newTestEnv(t, Config{})

	_, _, err := e.st.CreateOrGetSession(context.Background(), "cs-1", "demo", "p", "")
	require.NoError(t, err)
	sess, err := e.st.GetSessionByContentID(context.Background(), "cs-1")
	require.NoError(t, err)
	id, err := e.st.Enqueue(context.Background(), sess.ID, "cs-1", store.MessageObservation, "Bash", []byte(`{}`), "")
	require.NoError(t, err)

	// Exhaust retries so the row parks as failed.
	for i := 0; i <= store.MaxRetries; i++ {
		require.NoError(t, e.st.MarkFailed(context.Background(), id))
	}

	rec := e.do(t, http.MethodDelete, "/api/pending-queue/failed", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	body := decode[map[string]int64](t, rec)
	assert.Equal(t, int64(1), body["removed"])

	rec = e.do(t, http.MethodDelete, "/api/pending-queue/all", nil)
	require.Equal(t, http.StatusOK, rec.Code)
}

func TestLogsEndpointMissingFile(t *testing.T) {
	e := newTestEnv(t, Config{LogDir: t.TempDir()})
	rec := e.do(t, http.MethodGet, "/api/logs?lines=20", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	body := decode[map[string][]string](t, rec)
	assert.Empty(t, body["lines"])

	rec = e.do(t, http.MethodGet, "/api/logs?lines=banana", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestContextInject(t *testing.T) {
	e := newTestEnv(t, Config{ContextObservations: 5})

	rec := e.do(t, http.MethodGet, "/api/context/inject", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "No memory recorded yet")

	_, _, err := e.st.CreateOrGetSession(context.Background(), "cs-1", "demo", "p", "")
	require.NoError(t, err)
	sess, err := e.st.GetSessionByContentID(context.Background(), "cs-1")
	require.NoError(t, err)
	require.NoError(t, e.st.SetMemorySessionID(context.Background(), sess.ID, "mem-1"))
	_, err = e.st.StoreObservations(context.Background(), []store.Observation{
		{MemorySessionID: "mem-1", Project: "demo", Kind: store.KindBugfix, Title: "Fixed the race", Narrative: "n"},
	}, nil, 0)
	require.NoError(t, err)

	rec = e.do(t, http.MethodGet, "/api/context/inject?projects=demo", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "## demo")
	assert.Contains(t, rec.Body.String(), "Fixed the race")
}

func TestAdminEndpoints(t *testing.T) {
	e := newTestEnv(t, Config{})

	// Without hooks the endpoints are disabled.
	rec := e.do(t, http.MethodPost, "/api/admin/shutdown", nil)
	assert.Equal(t, http.StatusNotImplemented, rec.Code)

	called := make(chan struct{}, 1)
	e.srv.SetAdminHooks(func() { called <- struct{}{} }, nil)
	rec = e.do(t, http.MethodPost, "/api/admin/shutdown", nil)
	assert.Equal(t, http.StatusAccepted, rec.Code)
	select {
	case <-called:
	case <-time.After(2 * time.Second):
		t.Fatal("shutdown hook was not invoked")
	}
}

func TestSearchDisabledWithoutVectorService(t *testing.T) {
	e := newTestEnv(t, Config{})
	rec := e.do(t, http.MethodGet, "/api/search?q=race+condition&project=demo", nil)
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestCheckVersionMatch(t *testing.T) {
	assert.True(t, CheckVersionMatch("1.0.0", "1.0.0"))
	assert.False(t, CheckVersionMatch("1.0.0", "1.0.1"))
	assert.True(t, CheckVersionMatch("", "1.0.0"))
	assert.True(t, CheckVersionMatch("unknown", "1.0.0"))
}
