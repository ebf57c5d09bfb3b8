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
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/memweave/memweave/internal/log"
	"github.com/memweave/memweave/pkg/store"
)

// defaultListLimit applies when a list request carries no limit.
const defaultListLimit = 50

// maxLogLines caps the /api/logs tail.
const maxLogLines = 5000

func (s *Server) excluded(project string) bool {
	for _, p := range s.cfg.ExcludedProjects {
		if strings.EqualFold(p, project) {
			return true
		}
	}
	return false
}

// ---- hook intake ----

type sessionInitRequest struct {
	ContentSessionID string `json:"contentSessionId"`
	Project          string `json:"project"`
	UserPrompt       string `json:"userPrompt"`
	Platform         string `json:"platform"`
}

func (s *Server) handleSessionInit(w http.ResponseWriter, r *http.Request) {
	var req sessionInitRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, badInput("invalid request body"))
		return
	}
	if req.ContentSessionID == "" {
		s.writeError(w, badInput("contentSessionId is required"))
		return
	}
	if req.Project == "" {
		req.Project = "default"
	}
	if s.excluded(req.Project) {
		s.writeJSON(w, http.StatusOK, map[string]any{"skipped": true})
		return
	}

	res, err := s.manager.EnsureStarted(r.Context(), req.ContentSessionID, req.Project, req.UserPrompt)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, res)
}

func (s *Server) handleSessionInitByID(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		s.writeError(w, err)
		return
	}
	if err := s.manager.KickSession(r.Context(), id); err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusAccepted, map[string]string{"status": "started"})
}

type observationEventRequest struct {
	ContentSessionID string          `json:"contentSessionId"`
	ToolName         string          `json:"tool_name"`
	ToolInput        json.RawMessage `json:"tool_input"`
	ToolResponse     json.RawMessage `json:"tool_response"`
	CWD              string          `json:"cwd"`
}

func (s *Server) handleObservationEvent(w http.ResponseWriter, r *http.Request) {
	var req observationEventRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, badInput("invalid request body"))
		return
	}
	if req.ContentSessionID == "" {
		s.writeError(w, badInput("contentSessionId is required"))
		return
	}

	sess, err := s.store.GetSessionByContentID(r.Context(), req.ContentSessionID)
	if err != nil {
		s.writeError(w, err)
		return
	}
	if s.excluded(sess.Project) {
		s.writeJSON(w, http.StatusAccepted, map[string]any{"skipped": true})
		return
	}

	payload, err := json.Marshal(map[string]json.RawMessage{
		"tool_input":    normalizeRaw(req.ToolInput),
		"tool_response": normalizeRaw(req.ToolResponse),
	})
	if err != nil {
		s.writeError(w, badInput("invalid tool payload"))
		return
	}

	id, err := s.manager.Enqueue(r.Context(), req.ContentSessionID,
		store.MessageObservation, req.ToolName, payload, req.CWD)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusAccepted, map[string]any{"id": id})
}

type summarizeEventRequest struct {
	ContentSessionID     string `json:"contentSessionId"`
	LastAssistantMessage string `json:"last_assistant_message"`
}

func (s *Server) handleSummarizeEvent(w http.ResponseWriter, r *http.Request) {
	var req summarizeEventRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, badInput("invalid request body"))
		return
	}
	if req.ContentSessionID == "" {
		s.writeError(w, badInput("contentSessionId is required"))
		return
	}

	sess, err := s.store.GetSessionByContentID(r.Context(), req.ContentSessionID)
	if err != nil {
		s.writeError(w, err)
		return
	}
	if s.excluded(sess.Project) {
		s.writeJSON(w, http.StatusAccepted, map[string]any{"skipped": true})
		return
	}

	id, err := s.manager.Enqueue(r.Context(), req.ContentSessionID,
		store.MessageSummarize, "", []byte(req.LastAssistantMessage), "")
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusAccepted, map[string]any{"id": id})
}

func (s *Server) handleSessionComplete(w http.ResponseWriter, r *http.Request) {
	var req struct {
		ContentSessionID string `json:"contentSessionId"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, badInput("invalid request body"))
		return
	}
	if req.ContentSessionID == "" {
		s.writeError(w, badInput("contentSessionId is required"))
		return
	}

	sess, err := s.store.GetSessionByContentID(r.Context(), req.ContentSessionID)
	if err != nil {
		s.writeError(w, err)
		return
	}
	if err := s.manager.DeleteSession(r.Context(), sess.ID); err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "ended"})
}

// ---- read API ----

func (s *Server) handleListObservations(w http.ResponseWriter, r *http.Request) {
	project, offset, limit := listParams(r)
	obs, err := s.store.ListObservations(r.Context(), project, offset, limit)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"observations": emptyNotNil(obs)})
}

func (s *Server) handleObservationsBatch(w http.ResponseWriter, r *http.Request) {
	ids, err := batchIDs(r)
	if err != nil {
		s.writeError(w, err)
		return
	}
	obs, err := s.store.GetObservations(r.Context(), ids)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"observations": emptyNotNil(obs)})
}

func (s *Server) handleGetObservation(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		s.writeError(w, err)
		return
	}
	obs, err := s.store.GetObservation(r.Context(), id)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, obs)
}

func (s *Server) handleListSummaries(w http.ResponseWriter, r *http.Request) {
	project, offset, limit := listParams(r)
	sums, err := s.store.ListSummaries(r.Context(), project, offset, limit)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"summaries": emptyNotNil(sums)})
}

func (s *Server) handleSummariesBatch(w http.ResponseWriter, r *http.Request) {
	ids, err := batchIDs(r)
	if err != nil {
		s.writeError(w, err)
		return
	}
	sums, err := s.store.GetSummaries(r.Context(), ids)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"summaries": emptyNotNil(sums)})
}

func (s *Server) handleGetSummary(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		s.writeError(w, err)
		return
	}
	sum, err := s.store.GetSummary(r.Context(), id)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, sum)
}

func (s *Server) handleListPrompts(w http.ResponseWriter, r *http.Request) {
	project, offset, limit := listParams(r)
	prompts, err := s.store.ListUserPrompts(r.Context(), project, offset, limit)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"prompts": emptyNotNil(prompts)})
}

func (s *Server) handlePromptsBatch(w http.ResponseWriter, r *http.Request) {
	ids, err := batchIDs(r)
	if err != nil {
		s.writeError(w, err)
		return
	}
	prompts, err := s.store.GetUserPrompts(r.Context(), ids)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"prompts": emptyNotNil(prompts)})
}

func (s *Server) handleGetPrompt(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		s.writeError(w, err)
		return
	}
	prompts, err := s.store.GetUserPrompts(r.Context(), []int64{id})
	if err != nil {
		s.writeError(w, err)
		return
	}
	if len(prompts) == 0 {
		s.writeError(w, fmt.Errorf("prompt %d: %w", id, store.ErrNotFound))
		return
	}
	s.writeJSON(w, http.StatusOK, prompts[0])
}

func (s *Server) handleListSessions(w http.ResponseWriter, r *http.Request) {
	project, offset, limit := listParams(r)
	sessions, err := s.store.ListSessions(r.Context(), project, offset, limit)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"sessions": emptyNotNil(sessions)})
}

func (s *Server) handleSessionsBatch(w http.ResponseWriter, r *http.Request) {
	ids, err := batchIDs(r)
	if err != nil {
		s.writeError(w, err)
		return
	}
	sessions, err := s.store.GetSessions(r.Context(), ids)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"sessions": emptyNotNil(sessions)})
}

func (s *Server) handleGetSession(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		s.writeError(w, err)
		return
	}
	sess, err := s.store.GetSessionByID(r.Context(), id)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, sess)
}

func (s *Server) handleProjects(w http.ResponseWriter, r *http.Request) {
	projects, err := s.store.Projects(r.Context())
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"projects": emptyNotNil(projects)})
}

// handleSearch runs a semantic query against a project's vector
// collection.
func (s *Server) handleSearch(w http.ResponseWriter, r *http.Request) {
	if s.vector == nil || !s.vector.Enabled() {
		s.writeJSON(w, http.StatusServiceUnavailable, map[string]string{"error": "vector search disabled"})
		return
	}
	q := r.URL.Query()
	text := q.Get("q")
	if text == "" {
		s.writeError(w, badInput("q is required"))
		return
	}
	project := q.Get("project")
	if project == "" {
		project = "default"
	}
	limit, _ := strconv.Atoi(q.Get("limit"))
	if limit <= 0 {
		limit = 10
	}

	matches, err := s.vector.Query(r.Context(), project, text, limit, nil)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"results": emptyNotNil(matches)})
}

// ---- observability and queue management ----

func (s *Server) handleProcessingStatus(w http.ResponseWriter, r *http.Request) {
	stuck, err := s.store.StuckCount(r.Context(), store.SweepStaleThreshold)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{
		"activeSessions": s.manager.ActiveCount(),
		"totalQueued":    s.manager.TotalActiveWork(r.Context()),
		"stuck":          stuck,
	})
}

func (s *Server) handlePendingQueue(w http.ResponseWriter, r *http.Request) {
	entries, err := s.store.QueueView(r.Context())
	if err != nil {
		s.writeError(w, err)
		return
	}
	counts := map[string]int{}
	for _, e := range entries {
		counts[e.Status]++
	}
	s.writeJSON(w, http.StatusOK, map[string]any{
		"entries": emptyNotNil(entries),
		"counts":  counts,
	})
}

func (s *Server) handlePendingQueueProcess(w http.ResponseWriter, r *http.Request) {
	if _, err := s.store.ResetStale(r.Context(), store.SweepStaleThreshold, 0); err != nil {
		s.writeError(w, err)
		return
	}
	kicked, err := s.manager.KickAll(r.Context())
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"kicked": kicked})
}

func (s *Server) handleClearFailed(w http.ResponseWriter, r *http.Request) {
	removed, err := s.store.ClearFailed(r.Context())
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"removed": removed})
}

func (s *Server) handleClearAll(w http.ResponseWriter, r *http.Request) {
	removed, err := s.store.ClearAllIncomplete(r.Context())
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"removed": removed})
}

func (s *Server) handleLogs(w http.ResponseWriter, r *http.Request) {
	lines := defaultListLimit * 2
	if v := r.URL.Query().Get("lines"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 {
			s.writeError(w, badInput("invalid lines parameter %q", v))
			return
		}
		lines = n
	}
	if lines > maxLogLines {
		lines = maxLogLines
	}

	path := filepath.Join(s.cfg.LogDir, log.FileName(time.Now()))
	tail, err := tailFile(path, lines)
	if err != nil {
		if os.IsNotExist(err) {
			s.writeJSON(w, http.StatusOK, map[string]any{"lines": []string{}})
			return
		}
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"lines": tail})
}

func (s *Server) handleContextInject(w http.ResponseWriter, r *http.Request) {
	projects := splitParam(r.URL.Query().Get("projects"))
	if len(projects) == 0 {
		all, err := s.store.Projects(r.Context())
		if err != nil {
			s.writeError(w, err)
			return
		}
		for _, p := range all {
			projects = append(projects, p.Name)
		}
	}

	md, err := s.renderContext(r, projects)
	if err != nil {
		s.writeError(w, err)
		return
	}
	w.Header().Set("Content-Type", "text/markdown; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte(md))
}

// renderContext produces the markdown block hooks inject into a fresh
// session: recent observations and the latest summary per project.
func (s *Server) renderContext(r *http.Request, projects []string) (string, error) {
	var sb strings.Builder
	sb.WriteString("# Memory\n")

	wrote := false
	for _, project := range projects {
		obs, err := s.store.ListObservations(r.Context(), project, 0, s.cfg.ContextObservations)
		if err != nil {
			return "", err
		}
		sums, err := s.store.ListSummaries(r.Context(), project, 0, 1)
		if err != nil {
			return "", err
		}
		if len(obs) == 0 && len(sums) == 0 {
			continue
		}
		wrote = true

		fmt.Fprintf(&sb, "\n## %s\n", project)
		if len(sums) > 0 {
			sum := sums[0]
			sb.WriteString("\n### Last session\n")
			if sum.Request != "" {
				fmt.Fprintf(&sb, "- Request: %s\n", sum.Request)
			}
			if sum.Completed != "" {
				fmt.Fprintf(&sb, "- Completed: %s\n", sum.Completed)
			}
			if sum.NextSteps != "" {
				fmt.Fprintf(&sb, "- Next steps: %s\n", sum.NextSteps)
			}
		}
		if len(obs) > 0 {
			sb.WriteString("\n### Recent observations\n")
			for _, o := range obs {
				ts := time.UnixMilli(o.CreatedAtEpoch).UTC().Format("2006-01-02")
				fmt.Fprintf(&sb, "- [%s] %s (%s)\n", o.Kind, o.Title, ts)
			}
		}
	}

	if !wrote {
		sb.WriteString("\nNo memory recorded yet.\n")
	}
	return sb.String(), nil
}

// tailFile returns the last n lines of a file. Log files are small enough
// to read whole.
func tailFile(path string, n int) ([]string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	lines := strings.Split(strings.TrimRight(string(data), "\n"), "\n")
	if len(lines) > n {
		lines = lines[len(lines)-n:]
	}
	return lines, nil
}

// listParams extracts the common project/offset/limit query triple.
func listParams(r *http.Request) (project string, offset, limit int) {
	q := r.URL.Query()
	project = q.Get("project")
	offset, _ = strconv.Atoi(q.Get("offset"))
	if offset < 0 {
		offset = 0
	}
	limit, _ = strconv.Atoi(q.Get("limit"))
	if limit <= 0 {
		limit = defaultListLimit
	}
	return project, offset, limit
}

// pathID parses the {id} path segment.
func pathID(r *http.Request) (int64, error) {
	raw := r.PathValue("id")
	id, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || id <= 0 {
		return 0, badInput("invalid id %q", raw)
	}
	return id, nil
}

// batchIDs decodes a {ids: ...} body, accepting the coerced encodings.
func batchIDs(r *http.Request) ([]int64, error) {
	var req struct {
		IDs json.RawMessage `json:"ids"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		return nil, badInput("invalid request body")
	}
	ids, err := coerceIDs(req.IDs)
	if err != nil {
		return nil, err
	}
	if len(ids) == 0 {
		return nil, badInput("ids is required")
	}
	return ids, nil
}

// normalizeRaw substitutes JSON null for absent raw fields so the stored
// payload is always valid JSON.
func normalizeRaw(raw json.RawMessage) json.RawMessage {
	if len(raw) == 0 {
		return json.RawMessage("null")
	}
	return raw
}

// emptyNotNil renders empty slices as [] instead of null.
func emptyNotNil[T any](v []T) []T {
	if v == nil {
		return []T{}
	}
	return v
}
