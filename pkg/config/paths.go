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

package config

import (
	"os"
	"path/filepath"
	"strings"
)

// DataDir returns the worker data directory.
//
// Priority:
//  1. CLAUDE_MEM_DATA_DIR environment variable (if set and non-empty)
//  2. $XDG_DATA_HOME/claude-mem
//  3. ~/.claude-mem (legacy default)
//
// The returned path is always absolute. Tilde (~) is expanded to the
// user's home directory; relative paths are made absolute.
//
// This function reads directly from os.Getenv(), not from viper, because
// it is called during bootstrap to locate the settings file itself.
func DataDir() string {
	if dir := os.Getenv("CLAUDE_MEM_DATA_DIR"); dir != "" {
		return expandPath(dir)
	}
	if xdg := os.Getenv("XDG_DATA_HOME"); xdg != "" {
		return filepath.Join(expandPath(xdg), "claude-mem")
	}
	homeDir, err := os.UserHomeDir()
	if err != nil {
		return ".claude-mem"
	}
	return filepath.Join(homeDir, ".claude-mem")
}

// SubDir returns a subdirectory within the data directory.
// Example: SubDir("logs") returns ~/.claude-mem/logs.
func SubDir(subdir string) string {
	return filepath.Join(DataDir(), subdir)
}

// DatabasePath returns the SQLite database path.
func DatabasePath() string {
	return filepath.Join(DataDir(), "claude-mem.db")
}

// PIDFilePath returns the worker PID file path.
func PIDFilePath() string {
	return filepath.Join(DataDir(), "worker.pid")
}

// SettingsPath returns the settings.json path.
func SettingsPath() string {
	return filepath.Join(DataDir(), "settings.json")
}

// expandPath expands ~ and resolves to an absolute path.
func expandPath(path string) string {
	if strings.HasPrefix(path, "~/") {
		homeDir, err := os.UserHomeDir()
		if err != nil {
			return path
		}
		return filepath.Join(homeDir, path[2:])
	}
	absPath, err := filepath.Abs(path)
	if err != nil {
		return path
	}
	return absPath
}
