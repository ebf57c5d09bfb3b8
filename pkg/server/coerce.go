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
	"strconv"
	"strings"
)

// coerceIDs accepts the id-list encodings hook clients actually send:
// a JSON array of numbers or numeric strings, a stringified array
// ("[1,2,3]") or a bare comma list ("1,2,3").
func coerceIDs(raw json.RawMessage) ([]int64, error) {
	if len(raw) == 0 {
		return nil, nil
	}

	var nums []int64
	if err := json.Unmarshal(raw, &nums); err == nil {
		return nums, nil
	}

	var strs []string
	if err := json.Unmarshal(raw, &strs); err == nil {
		return parseIDList(strings.Join(strs, ","))
	}

	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return parseIDList(s)
	}

	return nil, badInput("ids must be an array or a comma list")
}

// parseIDList parses "1,2,3" or "[1,2,3]" into ids.
func parseIDList(s string) ([]int64, error) {
	s = strings.TrimSpace(s)
	s = strings.TrimPrefix(s, "[")
	s = strings.TrimSuffix(s, "]")
	if s == "" {
		return nil, nil
	}

	var out []int64
	for _, part := range strings.Split(s, ",") {
		part = strings.TrimSpace(strings.Trim(strings.TrimSpace(part), `"`))
		if part == "" {
			continue
		}
		id, err := strconv.ParseInt(part, 10, 64)
		if err != nil {
			return nil, badInput("invalid id %q", part)
		}
		out = append(out, id)
	}
	return out, nil
}

// splitParam parses a comma list query parameter, tolerating the
// stringified-array form.
func splitParam(s string) []string {
	s = strings.TrimSpace(s)
	s = strings.TrimPrefix(s, "[")
	s = strings.TrimSuffix(s, "]")
	if s == "" {
		return nil
	}
	var out []string
	for _, part := range strings.Split(s, ",") {
		part = strings.TrimSpace(strings.Trim(strings.TrimSpace(part), `"`))
		if part != "" {
			out = append(out, part)
		}
	}
	return out
}
