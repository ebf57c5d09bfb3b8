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
	"net/http"

	"github.com/r3labs/sse/v2"
	"go.uber.org/zap"

	"github.com/memweave/memweave/pkg/store"
)

// eventStreamID is the single SSE stream every subscriber joins.
const eventStreamID = "events"

// Stream fans live daemon events out to SSE subscribers on
// /api/stream/events. It satisfies the broadcaster interfaces of the
// processor and the session manager, so both publish through it without
// knowing about HTTP.
type Stream struct {
	server *sse.Server
	logger *zap.Logger
}

// NewStream creates the event stream. Events are not replayed: a client
// that connects late starts from the present.
func NewStream(logger *zap.Logger) *Stream {
	if logger == nil {
		logger = zap.NewNop()
	}
	srv := sse.New()
	srv.AutoReplay = false
	srv.CreateStream(eventStreamID)
	return &Stream{server: srv, logger: logger}
}

// ServeHTTP subscribes the client to the event stream. The underlying
// library multiplexes by a stream query parameter; there is only one
// stream here, so it is pinned server-side.
func (s *Stream) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	q.Set("stream", eventStreamID)
	r.URL.RawQuery = q.Encode()
	s.server.ServeHTTP(w, r)
}

// Close disconnects all subscribers.
func (s *Stream) Close() {
	s.server.Close()
}

func (s *Stream) publish(event string, payload any) {
	data, err := json.Marshal(payload)
	if err != nil {
		s.logger.Error("failed to marshal SSE event",
			zap.String("event", event), zap.Error(err))
		return
	}
	s.server.Publish(eventStreamID, &sse.Event{
		Event: []byte(event),
		Data:  data,
	})
}

// ObservationStored broadcasts a freshly stored observation.
func (s *Stream) ObservationStored(obs store.Observation) {
	s.publish("observation", obs)
}

// SummaryStored broadcasts a freshly stored session summary.
func (s *Stream) SummaryStored(sum store.Summary) {
	s.publish("summary", sum)
}

// SessionStart broadcasts that a session's runner came up.
func (s *Stream) SessionStart(sessionDBID int64, project string) {
	s.publish("session_start", map[string]any{
		"sessionDbId": sessionDBID,
		"project":     project,
	})
}

// SessionEnd broadcasts that a session was closed.
func (s *Stream) SessionEnd(sessionDBID int64, project string) {
	s.publish("session_end", map[string]any{
		"sessionDbId": sessionDBID,
		"project":     project,
	})
}

// ProcessingStatus broadcasts the scheduler's current load.
func (s *Stream) ProcessingStatus(activeSessions, totalQueued int) {
	s.publish("processing_status", map[string]any{
		"activeSessions": activeSessions,
		"totalQueued":    totalQueued,
	})
}

// LogLine broadcasts one log line to stream subscribers.
func (s *Stream) LogLine(level, msg string) {
	s.publish("log", map[string]any{
		"level":   level,
		"message": msg,
	})
}
