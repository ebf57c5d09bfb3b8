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

// memweaved is the memory daemon: it watches coding sessions through
// hook calls, distills them into observations with an LLM and serves
// the recorded memory back over a localhost HTTP API.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/memweave/memweave/internal/version"
)

var (
	flagDataDir  string
	flagPort     int
	flagLogLevel string
)

var rootCmd = &cobra.Command{
	Use:     "memweaved",
	Short:   "Local memory daemon for coding sessions",
	Long: `memweaved records what happens in your coding sessions: hooks feed it
tool events, an LLM agent distills them into observations and summaries,
and everything is queryable over a localhost HTTP API and vector search.`,
	Version: version.Get(),
}

func init() {
	rootCmd.PersistentFlags().StringVar(&flagDataDir, "data-dir", "", "data directory (default: CLAUDE_MEM_DATA_DIR, XDG, or ~/.claude-mem)")
	rootCmd.PersistentFlags().IntVar(&flagPort, "port", 0, "HTTP port (default from settings, 37777)")
	rootCmd.PersistentFlags().StringVar(&flagLogLevel, "log-level", "", "log level: DEBUG, INFO, WARN, ERROR")

	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(shutdownCmd)
	rootCmd.AddCommand(restartCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
