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
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStoreObservationsRoundTrip(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	in := Observation{
		MemorySessionID: "mem-1",
		Project:         "proj",
		Kind:            KindBugfix,
		Title:           "fixed retry loop",
		Subtitle:        "off by one",
		Narrative:       "the retry counter was compared after increment",
		Facts:           []string{"retry cap is 3"},
		Concepts:        []string{"work-queue"},
		FilesRead:       []string{"queue.go"},
		FilesModified:   []string{"queue.go"},
		PromptNumber:    2,
		DiscoveryTokens: 1234,
	}

	res, err := s.StoreObservations(ctx, []Observation{in}, nil, 0)
	require.NoError(t, err)
	require.NotZero(t, res.ObservationIDs[0])
	assert.Zero(t, res.Deduped)

	got, err := s.GetObservation(ctx, res.ObservationIDs[0])
	require.NoError(t, err)
	assert.Equal(t, in.Title, got.Title)
	assert.Equal(t, in.Facts, got.Facts)
	assert.Equal(t, in.FilesModified, got.FilesModified)
	assert.Equal(t, in.DiscoveryTokens, got.DiscoveryTokens)
	assert.Len(t, got.ContentHash, 16)
}

func TestStoreObservationsDedupWithinWindow(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	obs := Observation{
		MemorySessionID: "mem-1", Project: "proj",
		Kind: KindDiscovery, Title: "same", Narrative: "same narrative",
	}

	first, err := s.StoreObservations(ctx, []Observation{obs}, nil, 0)
	require.NoError(t, err)
	require.NotZero(t, first.ObservationIDs[0])

	// Identical content right away: dropped, the surviving row's id is
	// reported in its place.
	res, err := s.StoreObservations(ctx, []Observation{obs}, nil, 0)
	require.NoError(t, err)
	assert.Equal(t, first.ObservationIDs[0], res.ObservationIDs[0])
	assert.True(t, res.Reused[0])
	assert.Equal(t, 1, res.Deduped)

	list, err := s.ListObservations(ctx, "proj", 0, 10)
	require.NoError(t, err)
	assert.Len(t, list, 1)
}

func TestStoreObservationsDedupOutsideWindow(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	obs := Observation{
		MemorySessionID: "mem-1", Project: "proj",
		Kind: KindDiscovery, Title: "same", Narrative: "same narrative",
	}

	past := nowEpoch() - (DedupWindow + time.Second).Milliseconds()
	_, err := s.StoreObservations(ctx, []Observation{obs}, nil, past)
	require.NoError(t, err)

	// Beyond the window the repeat is a legitimate re-observation.
	res, err := s.StoreObservations(ctx, []Observation{obs}, nil, 0)
	require.NoError(t, err)
	assert.NotZero(t, res.ObservationIDs[0])
	assert.False(t, res.Reused[0])
	assert.Zero(t, res.Deduped)
}

func TestStoreObservationsDifferentSessionsNotDeduped(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	a := Observation{MemorySessionID: "mem-a", Project: "p", Kind: KindDiscovery, Title: "t", Narrative: "n"}
	b := a
	b.MemorySessionID = "mem-b"

	res, err := s.StoreObservations(ctx, []Observation{a, b}, nil, 0)
	require.NoError(t, err)
	assert.NotZero(t, res.ObservationIDs[0])
	assert.NotZero(t, res.ObservationIDs[1])
	assert.Zero(t, res.Deduped)
}

func TestStoreObservationsWithSummary(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	res, err := s.StoreObservations(ctx,
		[]Observation{{MemorySessionID: "mem-1", Project: "p", Kind: KindSession, Title: "t", Narrative: "n"}},
		&Summary{
			MemorySessionID: "mem-1", Project: "p",
			Request: "fix the bug", Completed: "fixed it", NextSteps: "ship it",
		}, 0)
	require.NoError(t, err)
	require.NotZero(t, res.SummaryID)

	sum, err := s.GetSummary(ctx, res.SummaryID)
	require.NoError(t, err)
	assert.Equal(t, "fix the bug", sum.Request)
	assert.Equal(t, "ship it", sum.NextSteps)
}

func TestStoreObservationsAtomic(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	// Second observation violates the kind CHECK; nothing may survive.
	_, err := s.StoreObservations(ctx, []Observation{
		{MemorySessionID: "mem-1", Project: "p", Kind: KindDiscovery, Title: "ok", Narrative: "n"},
		{MemorySessionID: "mem-1", Project: "p", Kind: "bogus", Title: "bad", Narrative: "n"},
	}, nil, 0)
	require.Error(t, err)

	list, err := s.ListObservations(ctx, "p", 0, 10)
	require.NoError(t, err)
	assert.Empty(t, list)
}

func TestContentHashStable(t *testing.T) {
	h1 := ContentHash("mem", "title", "narrative")
	h2 := ContentHash("mem", "title", "narrative")
	assert.Equal(t, h1, h2)
	assert.Len(t, h1, 16)
	assert.NotEqual(t, h1, ContentHash("mem", "title", "other"))
}
