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

package vectorsync

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/memweave/memweave/pkg/store"
)

func TestCollectionName(t *testing.T) {
	assert.Equal(t, "mem_my-project", CollectionName("my-project"))
	assert.Equal(t, "mem_users_alice_dev_thing", CollectionName("/Users/Alice/dev/thing"))
	assert.Equal(t, "mem_a_b", CollectionName("a b"))
	assert.Equal(t, "mem_default", CollectionName(""))
	assert.Equal(t, "mem_default", CollectionName("///"))
}

func TestDeduplicate(t *testing.T) {
	raw := QueryResult{
		IDs:       []string{"obs_1_narrative", "obs_2", "obs_1_fact_0", "obs_3"},
		Documents: []string{"narrative text", "title two", "a fact", "title three"},
		Metadatas: []map[string]string{
			{"sqlite_id": "1", "doc_type": "observation"},
			{"sqlite_id": "2", "doc_type": "observation"},
			{"sqlite_id": "1", "doc_type": "observation"},
			{"sqlite_id": "3", "doc_type": "observation"},
		},
		Distances: []float32{0.2, 0.3, 0.1, 0.4},
	}

	matches := Deduplicate(raw, 10)
	require.Len(t, matches, 3)

	// Rank order of first appearance survives.
	assert.Equal(t, int64(1), matches[0].SQLiteID)
	assert.Equal(t, int64(2), matches[1].SQLiteID)
	assert.Equal(t, int64(3), matches[2].SQLiteID)

	// Best distance per id wins even when it appears later.
	assert.InDelta(t, 0.1, matches[0].Distance, 1e-6)
	assert.Equal(t, "narrative text", matches[0].Content)
}

func TestDeduplicateLimit(t *testing.T) {
	raw := QueryResult{
		IDs: []string{"a", "b", "c"},
		Metadatas: []map[string]string{
			{"sqlite_id": "1"}, {"sqlite_id": "2"}, {"sqlite_id": "3"},
		},
		Distances: []float32{0.1, 0.2, 0.3},
	}
	assert.Len(t, Deduplicate(raw, 2), 2)
}

func TestDeduplicateSkipsBadMetadata(t *testing.T) {
	raw := QueryResult{
		IDs:       []string{"a", "b"},
		Metadatas: []map[string]string{{"sqlite_id": "not-a-number"}, {"sqlite_id": "7"}},
		Distances: []float32{0.1, 0.2},
	}
	matches := Deduplicate(raw, 10)
	require.Len(t, matches, 1)
	assert.Equal(t, int64(7), matches[0].SQLiteID)
}

func TestObservationDocsSplitPerField(t *testing.T) {
	docs := observationDocs(store.Observation{
		ID:        12,
		Project:   "proj",
		Kind:      store.KindDiscovery,
		Title:     "found it",
		Narrative: "the long story",
		Facts:     []string{"fact one", "fact two"},
		Concepts:  []string{"queue"},
	})

	ids := make(map[string]bool)
	for _, d := range docs {
		ids[d.ID] = true
		assert.Equal(t, "12", d.Metadata["sqlite_id"])
		assert.Equal(t, "observation", d.Metadata["doc_type"])
	}
	assert.True(t, ids["obs_12"])
	assert.True(t, ids["obs_12_narrative"])
	assert.True(t, ids["obs_12_fact_1"])
	assert.True(t, ids["obs_12_concepts"])
	assert.False(t, ids["obs_12_subtitle"]) // empty fields are skipped
}

func newTestService(t *testing.T) (*Service, *store.Store) {
	t.Helper()
	dir := t.TempDir()
	st, err := store.Open(context.Background(), filepath.Join(dir, "test.db"), zaptest.NewLogger(t))
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })

	svc := New(Config{
		Enabled: true,
		Mode:    ModeLocal,
		DataDir: dir,
		Timeout: 10 * time.Second,
	}, st, zaptest.NewLogger(t))
	return svc, st
}

func TestLocalSyncAndQuery(t *testing.T) {
	svc, st := newTestService(t)
	ctx := context.Background()

	res, err := st.StoreObservations(ctx, []store.Observation{{
		MemorySessionID: "mem-1", Project: "proj", Kind: store.KindDiscovery,
		Title: "queue claiming", Narrative: "claims heal after sixty seconds",
	}}, nil, 0)
	require.NoError(t, err)

	obs, err := st.GetObservation(ctx, res.ObservationIDs[0])
	require.NoError(t, err)
	svc.SyncObservation(*obs)

	matches, err := svc.Query(ctx, "proj", "queue claiming", 5, nil)
	require.NoError(t, err)
	require.NotEmpty(t, matches)
	assert.Equal(t, obs.ID, matches[0].SQLiteID)
}

func TestEnsureBackfilled(t *testing.T) {
	svc, st := newTestService(t)
	ctx := context.Background()

	_, err := st.StoreObservations(ctx, []store.Observation{
		{MemorySessionID: "m", Project: "proj", Kind: store.KindDiscovery, Title: "one", Narrative: "a"},
		{MemorySessionID: "m", Project: "proj", Kind: store.KindDiscovery, Title: "two", Narrative: "b"},
	}, &store.Summary{MemorySessionID: "m", Project: "proj", Request: "do it"}, 0)
	require.NoError(t, err)

	require.NoError(t, svc.EnsureBackfilled(ctx, "proj"))

	matches, err := svc.Query(ctx, "proj", "one", 10, nil)
	require.NoError(t, err)
	assert.NotEmpty(t, matches)

	// Second run finds nothing missing and stays quiet.
	require.NoError(t, svc.EnsureBackfilled(ctx, "proj"))
}

func TestDisabledServiceIsInert(t *testing.T) {
	st, err := store.Open(context.Background(), filepath.Join(t.TempDir(), "test.db"), zaptest.NewLogger(t))
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })

	svc := New(Config{Enabled: false}, st, zaptest.NewLogger(t))
	svc.SyncObservation(store.Observation{ID: 1, Project: "p", Title: "t"})

	matches, err := svc.Query(context.Background(), "p", "t", 5, nil)
	require.NoError(t, err)
	assert.Nil(t, matches)
	require.NoError(t, svc.EnsureBackfilled(context.Background(), "p"))
}

func TestHashEmbeddingDeterministic(t *testing.T) {
	a, err := hashEmbedding(context.Background(), "some text about queues")
	require.NoError(t, err)
	b, err := hashEmbedding(context.Background(), "some text about queues")
	require.NoError(t, err)
	assert.Equal(t, a, b)

	c, err := hashEmbedding(context.Background(), "entirely different words")
	require.NoError(t, err)
	assert.NotEqual(t, a, c)
}
