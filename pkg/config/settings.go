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

// Package config resolves the worker data directory, settings.json and
// centralized credentials.
package config

import (
	"fmt"
	"os"
	"strings"

	"github.com/fsnotify/fsnotify"
	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

// Provider identifiers accepted by CLAUDE_MEM_PROVIDER.
const (
	ProviderClaude     = "claude"
	ProviderGemini     = "gemini"
	ProviderOpenRouter = "openrouter"
)

// Settings holds the effective worker configuration.
// Keys come from $DATA_DIR/settings.json with same-named environment
// variables taking precedence.
type Settings struct {
	WorkerPort          int
	WorkerHost          string
	DataDir             string
	LogLevel            string
	Provider            string
	ClaudeAPIKey        string
	ClaudeModel         string
	ClaudeRateLimit     bool
	GeminiAPIKey        string
	GeminiModel         string
	OpenRouterAPIKey    string
	OpenRouterModel     string
	ContextObservations int
	ChromaEnabled       bool
	ChromaMode          string // local | remote
	ChromaHost          string
	ChromaPort          int
	ChromaSSL           bool
	ChromaAPIKey        string
	ExcludedProjects    []string
	FolderIndexEnabled  bool
	Disabled            bool
	MaxConcurrent       int
}

// Load reads settings.json (if present), applies env overrides and defaults.
// A missing settings file is not an error; defaults apply.
func Load(path string) (*Settings, error) {
	v := viper.New()
	setDefaults(v)
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		v.SetConfigType("json")
		if err := v.ReadInConfig(); err != nil {
			if _, ok := err.(viper.ConfigFileNotFoundError); !ok && !os.IsNotExist(err) {
				return nil, fmt.Errorf("failed to read settings file: %w", err)
			}
		}
	}

	s := &Settings{
		WorkerPort:          v.GetInt("CLAUDE_MEM_WORKER_PORT"),
		WorkerHost:          v.GetString("CLAUDE_MEM_WORKER_HOST"),
		DataDir:             v.GetString("CLAUDE_MEM_DATA_DIR"),
		LogLevel:            strings.ToUpper(v.GetString("CLAUDE_MEM_LOG_LEVEL")),
		Provider:            v.GetString("CLAUDE_MEM_PROVIDER"),
		ClaudeAPIKey:        v.GetString("CLAUDE_MEM_CLAUDE_API_KEY"),
		ClaudeModel:         v.GetString("CLAUDE_MEM_CLAUDE_MODEL"),
		ClaudeRateLimit:     v.GetBool("CLAUDE_MEM_CLAUDE_RATE_LIMIT"),
		GeminiAPIKey:        v.GetString("CLAUDE_MEM_GEMINI_API_KEY"),
		GeminiModel:         v.GetString("CLAUDE_MEM_GEMINI_MODEL"),
		OpenRouterAPIKey:    v.GetString("CLAUDE_MEM_OPENROUTER_API_KEY"),
		OpenRouterModel:     v.GetString("CLAUDE_MEM_OPENROUTER_MODEL"),
		ContextObservations: v.GetInt("CLAUDE_MEM_CONTEXT_OBSERVATIONS"),
		ChromaEnabled:       v.GetBool("CLAUDE_MEM_CHROMA_ENABLED"),
		ChromaMode:          v.GetString("CLAUDE_MEM_CHROMA_MODE"),
		ChromaHost:          v.GetString("CLAUDE_MEM_CHROMA_HOST"),
		ChromaPort:          v.GetInt("CLAUDE_MEM_CHROMA_PORT"),
		ChromaSSL:           v.GetBool("CLAUDE_MEM_CHROMA_SSL"),
		ChromaAPIKey:        v.GetString("CLAUDE_MEM_CHROMA_API_KEY"),
		ExcludedProjects:    splitList(v.GetString("CLAUDE_MEM_EXCLUDED_PROJECTS")),
		FolderIndexEnabled:  v.GetBool("CLAUDE_MEM_FOLDER_CLAUDEMD_ENABLED"),
		Disabled:            v.GetBool("CLAUDE_MEM_DISABLED"),
		MaxConcurrent:       v.GetInt("CLAUDE_MEM_MAX_CONCURRENT"),
	}
	if s.DataDir == "" {
		s.DataDir = DataDir()
	}
	return s, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("CLAUDE_MEM_WORKER_PORT", 37777)
	v.SetDefault("CLAUDE_MEM_WORKER_HOST", "127.0.0.1")
	v.SetDefault("CLAUDE_MEM_LOG_LEVEL", "INFO")
	v.SetDefault("CLAUDE_MEM_PROVIDER", ProviderClaude)
	v.SetDefault("CLAUDE_MEM_CLAUDE_MODEL", "claude-haiku-4-5")
	v.SetDefault("CLAUDE_MEM_GEMINI_MODEL", "gemini-2.5-flash")
	v.SetDefault("CLAUDE_MEM_OPENROUTER_MODEL", "openai/gpt-4o-mini")
	v.SetDefault("CLAUDE_MEM_CONTEXT_OBSERVATIONS", 50)
	v.SetDefault("CLAUDE_MEM_CHROMA_ENABLED", true)
	v.SetDefault("CLAUDE_MEM_CHROMA_MODE", "local")
	v.SetDefault("CLAUDE_MEM_CHROMA_HOST", "127.0.0.1")
	v.SetDefault("CLAUDE_MEM_CHROMA_PORT", 8000)
	v.SetDefault("CLAUDE_MEM_MAX_CONCURRENT", 3)
}

// splitList splits a comma-separated settings value into trimmed entries.
func splitList(s string) []string {
	if s == "" {
		return nil
	}
	parts := strings.Split(s, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

// IsExcluded reports whether the project is on the excluded list.
func (s *Settings) IsExcluded(project string) bool {
	for _, p := range s.ExcludedProjects {
		if strings.EqualFold(p, project) {
			return true
		}
	}
	return false
}

// LoadEnv loads credentials from the centralized env file under the data
// directory. Project-local .env files are deliberately ignored.
func LoadEnv(dataDir string) error {
	path := dataDir + string(os.PathSeparator) + ".env"
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return nil
	}
	if err := godotenv.Load(path); err != nil {
		return fmt.Errorf("failed to load env file: %w", err)
	}
	return nil
}

// Watch invokes onChange whenever the settings file is rewritten.
// Returns a stop function.
func Watch(path string, onChange func(*Settings)) (func(), error) {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("failed to create settings watcher: %w", err)
	}
	if err := watcher.Add(path); err != nil {
		_ = watcher.Close()
		return nil, fmt.Errorf("failed to watch settings file: %w", err)
	}

	go func() {
		for {
			select {
			case ev, ok := <-watcher.Events:
				if !ok {
					return
				}
				if ev.Op&(fsnotify.Write|fsnotify.Create) == 0 {
					continue
				}
				if s, err := Load(path); err == nil {
					onChange(s)
				}
			case _, ok := <-watcher.Errors:
				if !ok {
					return
				}
			}
		}
	}()

	return func() { _ = watcher.Close() }, nil
}
