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
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(context.Background(), filepath.Join(t.TempDir(), "test.db"), zaptest.NewLogger(t))
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestMigrateIdempotent(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "test.db")

	s, err := Open(ctx, path, zaptest.NewLogger(t))
	require.NoError(t, err)
	require.NoError(t, s.Close())

	// Reopening runs migrations again over the same file.
	s, err = Open(ctx, path, zaptest.NewLogger(t))
	require.NoError(t, err)
	defer s.Close()

	_, _, err = s.CreateOrGetSession(ctx, "sess-1", "proj", "hi", "title")
	require.NoError(t, err)
}

func TestCreateOrGetSessionIdempotent(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	id1, created, err := s.CreateOrGetSession(ctx, "sess-1", "proj", "first prompt", "")
	require.NoError(t, err)
	assert.True(t, created)

	id2, created, err := s.CreateOrGetSession(ctx, "sess-1", "", "", "")
	require.NoError(t, err)
	assert.False(t, created)
	assert.Equal(t, id1, id2)

	// Blank fields get back-filled, populated ones are left alone.
	id3, _, err := s.CreateOrGetSession(ctx, "sess-1", "other-proj", "other prompt", "a title")
	require.NoError(t, err)
	assert.Equal(t, id1, id3)

	sess, err := s.GetSessionByID(ctx, id1)
	require.NoError(t, err)
	assert.Equal(t, "proj", sess.Project)
	assert.Equal(t, "first prompt", sess.UserPrompt)
	assert.Equal(t, "a title", sess.Title)
}

func TestCreateOrGetSessionRequiresContentID(t *testing.T) {
	s := newTestStore(t)
	_, _, err := s.CreateOrGetSession(context.Background(), "", "p", "", "")
	assert.Error(t, err)
}

func TestSetMemorySessionID(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	id, _, err := s.CreateOrGetSession(ctx, "sess-1", "proj", "", "")
	require.NoError(t, err)

	require.NoError(t, s.SetMemorySessionID(ctx, id, "mem-1"))
	sess, err := s.GetSessionByID(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, "mem-1", sess.MemorySessionID)

	// The memory id can never shadow the content id.
	err = s.SetMemorySessionID(ctx, id, "sess-1")
	assert.ErrorIs(t, err, ErrConflict)

	// Empty string resets to NULL.
	require.NoError(t, s.SetMemorySessionID(ctx, id, ""))
	sess, err = s.GetSessionByID(ctx, id)
	require.NoError(t, err)
	assert.Empty(t, sess.MemorySessionID)
}

func TestSetMemorySessionIDRepointsChildren(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	id, _, err := s.CreateOrGetSession(ctx, "sess-1", "proj", "", "")
	require.NoError(t, err)
	require.NoError(t, s.SetMemorySessionID(ctx, id, "mem-old"))

	res, err := s.StoreObservations(ctx, []Observation{{
		MemorySessionID: "mem-old", Project: "proj", Kind: KindDiscovery,
		Title: "t", Narrative: "n",
	}}, nil, 0)
	require.NoError(t, err)
	require.NotZero(t, res.ObservationIDs[0])

	pid, err := s.InsertUserPrompt(ctx, "sess-1", "", 1, "hello")
	require.NoError(t, err)

	// Rotating the memory id carries the old thread's rows along, and
	// prompts recorded before any id existed join the new thread.
	require.NoError(t, s.SetMemorySessionID(ctx, id, "mem-new"))

	obs, err := s.GetObservation(ctx, res.ObservationIDs[0])
	require.NoError(t, err)
	assert.Equal(t, "mem-new", obs.MemorySessionID)

	prompts, err := s.GetUserPrompts(ctx, []int64{pid})
	require.NoError(t, err)
	require.Len(t, prompts, 1)
	assert.Equal(t, "mem-new", prompts[0].MemorySessionID)
}

func TestUserPrompts(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	_, _, err := s.CreateOrGetSession(ctx, "sess-1", "proj", "", "")
	require.NoError(t, err)

	n, err := s.NextPromptNumber(ctx, "sess-1")
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	id1, err := s.InsertUserPrompt(ctx, "sess-1", "", 1, "hello")
	require.NoError(t, err)

	n, err = s.NextPromptNumber(ctx, "sess-1")
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	// Identical text inside the window is a duplicate hook delivery.
	dupID, dupNum, found, err := s.FindRecentPromptByText(ctx, "sess-1", "hello", 10)
	require.NoError(t, err)
	assert.True(t, found)
	assert.Equal(t, id1, dupID)
	assert.Equal(t, 1, dupNum)

	_, _, found, err = s.FindRecentPromptByText(ctx, "sess-1", "different", 10)
	require.NoError(t, err)
	assert.False(t, found)
}

func TestGetByIDListPreservesOrder(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	res, err := s.StoreObservations(ctx, []Observation{
		{MemorySessionID: "m", Project: "p", Kind: KindDiscovery, Title: "a", Narrative: "1"},
		{MemorySessionID: "m", Project: "p", Kind: KindBugfix, Title: "b", Narrative: "2"},
		{MemorySessionID: "m", Project: "p", Kind: KindFeature, Title: "c", Narrative: "3"},
	}, nil, 0)
	require.NoError(t, err)
	require.Len(t, res.ObservationIDs, 3)

	ids := []int64{res.ObservationIDs[2], res.ObservationIDs[0], 9999}
	got, err := s.GetObservations(ctx, ids)
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, "c", got[0].Title)
	assert.Equal(t, "a", got[1].Title)
}

func TestProjects(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	_, _, err := s.CreateOrGetSession(ctx, "s1", "alpha", "", "")
	require.NoError(t, err)
	_, _, err = s.CreateOrGetSession(ctx, "s2", "alpha", "", "")
	require.NoError(t, err)
	_, _, err = s.CreateOrGetSession(ctx, "s3", "beta", "", "")
	require.NoError(t, err)
	// Sessions without a project stay invisible.
	_, _, err = s.CreateOrGetSession(ctx, "s4", "", "", "")
	require.NoError(t, err)

	projects, err := s.Projects(ctx)
	require.NoError(t, err)
	require.Len(t, projects, 2)
	for _, p := range projects {
		if p.Name == "alpha" {
			assert.Equal(t, 2, p.SessionCount)
		}
	}
}

func TestEndSession(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	id, _, err := s.CreateOrGetSession(ctx, "sess-1", "proj", "", "")
	require.NoError(t, err)

	require.NoError(t, s.EndSession(ctx, id))
	sess, err := s.GetSessionByID(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, "ended", sess.Status)

	assert.ErrorIs(t, s.EndSession(ctx, 9999), ErrNotFound)
}
