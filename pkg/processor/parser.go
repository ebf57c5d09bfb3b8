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

// Package processor turns raw LLM replies into stored observations and
// summaries, and acknowledges the queue entries that produced them.
package processor

import (
	"strings"

	"github.com/memweave/memweave/pkg/store"
)

// Parsed is the structured content of one LLM reply.
type Parsed struct {
	Observations []store.Observation
	Summary      *store.Summary
}

// Parse extracts observation and summary blocks from an LLM reply. The
// format is forgiving: unknown tags are ignored, missing sub-tags default
// to empty, and text outside blocks is discarded. Replies with no blocks
// at all yield an empty result, not an error.
func Parse(text string) Parsed {
	var p Parsed

	for _, block := range blocks(text, "observation") {
		p.Observations = append(p.Observations, parseObservation(block))
	}

	// At most one summary; extra blocks are ignored.
	if sums := blocks(text, "summary"); len(sums) > 0 {
		s := parseSummary(sums[0])
		p.Summary = &s
	}

	return p
}

func parseObservation(block string) store.Observation {
	return store.Observation{
		Kind:          normalizeKind(tagText(block, "type")),
		Title:         tagText(block, "title"),
		Subtitle:      tagText(block, "subtitle"),
		Narrative:     tagText(block, "narrative"),
		Facts:         tagItems(block, "facts"),
		Concepts:      tagItems(block, "concepts"),
		FilesRead:     tagItems(block, "files_read"),
		FilesModified: tagItems(block, "files_modified"),
	}
}

func parseSummary(block string) store.Summary {
	return store.Summary{
		Request:      tagText(block, "request"),
		Investigated: tagText(block, "investigated"),
		Learned:      tagText(block, "learned"),
		Completed:    tagText(block, "completed"),
		NextSteps:    tagText(block, "next_steps"),
		Notes:        tagText(block, "notes"),
	}
}

// normalizeKind maps free-form type text onto a known observation kind.
// Models occasionally invent types; anything unrecognized becomes a
// discovery rather than a storage error.
func normalizeKind(raw string) string {
	kind := strings.ToLower(strings.TrimSpace(raw))
	switch kind {
	case store.KindDiscovery, store.KindBugfix, store.KindFeature,
		store.KindRefactor, store.KindChange, store.KindDecision,
		store.KindSession, store.KindPrompt:
		return kind
	default:
		return store.KindDiscovery
	}
}

// blocks returns the inner text of every <tag>…</tag> pair, in order.
// Unclosed blocks are dropped.
func blocks(text, tag string) []string {
	open, closing := "<"+tag+">", "</"+tag+">"
	var out []string
	for {
		i := strings.Index(text, open)
		if i < 0 {
			return out
		}
		text = text[i+len(open):]
		j := strings.Index(text, closing)
		if j < 0 {
			return out
		}
		out = append(out, text[:j])
		text = text[j+len(closing):]
	}
}

// tagText returns the trimmed inner text of the first <tag>…</tag> pair,
// or "" when absent.
func tagText(block, tag string) string {
	inner := blocks(block, tag)
	if len(inner) == 0 {
		return ""
	}
	return strings.TrimSpace(inner[0])
}

// tagItems parses a list container. Items come as <item> children; as a
// fallback, bare newline-separated lines inside the container are accepted.
func tagItems(block, tag string) []string {
	inner := blocks(block, tag)
	if len(inner) == 0 {
		return nil
	}

	var out []string
	if items := blocks(inner[0], "item"); len(items) > 0 {
		for _, it := range items {
			if v := strings.TrimSpace(it); v != "" {
				out = append(out, v)
			}
		}
		return out
	}

	for _, line := range strings.Split(inner[0], "\n") {
		line = strings.TrimSpace(strings.TrimPrefix(strings.TrimSpace(line), "-"))
		if line != "" {
			out = append(out, line)
		}
	}
	return out
}
