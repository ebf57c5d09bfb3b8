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
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/memweave/memweave/pkg/store"
)

func TestParseSingleObservation(t *testing.T) {
	text := `Some preamble the model wrote.
<observation>
  <type>bugfix</type>
  <title>Fixed retry loop</title>
  <subtitle>off by one</subtitle>
  <narrative>The counter was compared after increment.</narrative>
  <facts>
    <item>retry cap is 3</item>
    <item>claims heal after 60s</item>
  </facts>
  <concepts><item>work-queue</item></concepts>
  <files_read><item>queue.go</item></files_read>
  <files_modified><item>queue.go</item></files_modified>
</observation>
Trailing chatter.`

	p := Parse(text)
	require.Len(t, p.Observations, 1)
	assert.Nil(t, p.Summary)

	o := p.Observations[0]
	assert.Equal(t, store.KindBugfix, o.Kind)
	assert.Equal(t, "Fixed retry loop", o.Title)
	assert.Equal(t, "off by one", o.Subtitle)
	assert.Equal(t, []string{"retry cap is 3", "claims heal after 60s"}, o.Facts)
	assert.Equal(t, []string{"work-queue"}, o.Concepts)
	assert.Equal(t, []string{"queue.go"}, o.FilesModified)
}

func TestParseMultipleObservationsAndSummary(t *testing.T) {
	text := `<observation><type>discovery</type><title>A</title></observation>
<observation><type>feature</type><title>B</title></observation>
<summary>
  <request>fix the bug</request>
  <investigated>queue claiming</investigated>
  <learned>claims heal</learned>
  <completed>fixed it</completed>
  <next_steps>ship it</next_steps>
  <notes>none</notes>
</summary>`

	p := Parse(text)
	require.Len(t, p.Observations, 2)
	assert.Equal(t, "A", p.Observations[0].Title)
	assert.Equal(t, "B", p.Observations[1].Title)

	require.NotNil(t, p.Summary)
	assert.Equal(t, "fix the bug", p.Summary.Request)
	assert.Equal(t, "ship it", p.Summary.NextSteps)
}

func TestParseUnknownTagsIgnored(t *testing.T) {
	text := `<observation>
  <type>discovery</type>
  <title>T</title>
  <confidence>high</confidence>
  <mood>optimistic</mood>
</observation>`

	p := Parse(text)
	require.Len(t, p.Observations, 1)
	assert.Equal(t, "T", p.Observations[0].Title)
}

func TestParseMissingSubTagsDefaultEmpty(t *testing.T) {
	p := Parse(`<observation><title>only a title</title></observation>`)
	require.Len(t, p.Observations, 1)
	o := p.Observations[0]
	assert.Equal(t, store.KindDiscovery, o.Kind) // unknown type falls back
	assert.Empty(t, o.Narrative)
	assert.Nil(t, o.Facts)
}

func TestParseInvalidKindFallsBack(t *testing.T) {
	p := Parse(`<observation><type>epiphany</type><title>T</title></observation>`)
	require.Len(t, p.Observations, 1)
	assert.Equal(t, store.KindDiscovery, p.Observations[0].Kind)
}

func TestParseUnclosedBlockDropped(t *testing.T) {
	p := Parse(`<observation><type>discovery</type><title>lost`)
	assert.Empty(t, p.Observations)
}

func TestParseNoBlocks(t *testing.T) {
	p := Parse("I could not find anything worth remembering.")
	assert.Empty(t, p.Observations)
	assert.Nil(t, p.Summary)
}

func TestParseListFallbackLines(t *testing.T) {
	p := Parse(`<observation><type>discovery</type><facts>
- first fact
- second fact
</facts></observation>`)
	require.Len(t, p.Observations, 1)
	assert.Equal(t, []string{"first fact", "second fact"}, p.Observations[0].Facts)
}

func TestParseSecondSummaryIgnored(t *testing.T) {
	p := Parse(`<summary><request>one</request></summary><summary><request>two</request></summary>`)
	require.NotNil(t, p.Summary)
	assert.Equal(t, "one", p.Summary.Request)
}
