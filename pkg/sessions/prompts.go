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
	"fmt"
	"time"
)

// agentSystemPrompt defines the memory agent's job and the wire format
// the processor parses.
const agentSystemPrompt = `You are a memory agent. You watch a developer's coding session and distill
what happened into structured records. You never execute anything.

For each tool event you receive, emit zero or more observation blocks:

<observation>
  <type>discovery|bugfix|feature|refactor|change|decision</type>
  <title>short headline</title>
  <subtitle>one-line elaboration</subtitle>
  <narrative>what happened and why it matters, written for future recall</narrative>
  <facts><item>one verifiable fact</item></facts>
  <concepts><item>searchable concept</item></concepts>
  <files_read><item>path</item></files_read>
  <files_modified><item>path</item></files_modified>
</observation>

Only record things worth remembering: decisions, discoveries, fixes,
notable changes. Routine file listings and trivial commands deserve no
observation at all. When asked to summarize the session, emit exactly one:

<summary>
  <request>what the user originally asked for</request>
  <investigated>what was explored</investigated>
  <learned>what was learned</learned>
  <completed>what was finished</completed>
  <next_steps>what remains</next_steps>
  <notes>anything else worth keeping</notes>
</summary>

Output only these blocks. Text outside them is discarded.`

// initPrompt opens the conversation for a session.
func initPrompt(project, contentID, userPrompt string) string {
	return fmt.Sprintf(`New coding session started.
Project: %s
Session: %s
The user's opening request:

%s

Tool events will follow, one per message. Observe silently until they do.`,
		project, contentID, userPrompt)
}

// continuationPrompt folds a later user prompt into the conversation.
func continuationPrompt(userPrompt string, promptNumber int) string {
	return fmt.Sprintf(`The user issued prompt #%d:

%s

Keep observing the tool events that follow.`, promptNumber, userPrompt)
}

// observationPrompt presents one tool event for observation.
func observationPrompt(toolName string, payload []byte, cwd string, createdAtEpoch int64) string {
	ts := time.UnixMilli(createdAtEpoch).UTC().Format(time.RFC3339)
	return fmt.Sprintf(`Tool event at %s
Tool: %s
Working directory: %s
Event payload (JSON):

%s

Emit observation blocks for anything worth remembering, or nothing.`,
		ts, toolName, cwd, payload)
}

// summaryPrompt asks for the end-of-session summary. The payload carries
// the last assistant message from the coding session.
func summaryPrompt(payload []byte) string {
	return fmt.Sprintf(`The session is ending. The assistant's final message was:

%s

Emit exactly one summary block covering the whole session.`, payload)
}
