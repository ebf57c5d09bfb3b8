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
	"errors"
	"strings"
)

// Typed error kinds reported by the store. Callers match with errors.Is.
var (
	// ErrNotFound indicates the requested row does not exist.
	ErrNotFound = errors.New("store: not found")

	// ErrConflict indicates a unique-constraint violation.
	ErrConflict = errors.New("store: conflict")

	// ErrCorrupt indicates the database file is damaged beyond use.
	ErrCorrupt = errors.New("store: corrupt")

	// ErrBusy indicates the database is locked; the caller may retry.
	ErrBusy = errors.New("store: busy")
)

// classify maps a driver error onto the store's typed kinds, preserving
// the original error in the chain.
func classify(err error) error {
	if err == nil {
		return nil
	}
	msg := err.Error()
	switch {
	case strings.Contains(msg, "UNIQUE constraint failed"):
		return errors.Join(ErrConflict, err)
	case strings.Contains(msg, "database disk image is malformed"),
		strings.Contains(msg, "file is not a database"):
		return errors.Join(ErrCorrupt, err)
	case strings.Contains(msg, "database is locked"),
		strings.Contains(msg, "SQLITE_BUSY"):
		return errors.Join(ErrBusy, err)
	default:
		return err
	}
}
