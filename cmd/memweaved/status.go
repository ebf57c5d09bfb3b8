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

package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"path/filepath"
	"time"

	"github.com/spf13/cobra"

	"github.com/memweave/memweave/pkg/lifecycle"
	"github.com/memweave/memweave/pkg/server"
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show whether the daemon is running and what it is doing",
	RunE:  runStatus,
}

func runStatus(cmd *cobra.Command, _ []string) error {
	set, err := loadSettings()
	if err != nil {
		return err
	}

	pf, err := lifecycle.ReadPIDFile(filepath.Join(set.DataDir, "worker.pid"))
	if err != nil {
		return err
	}
	port := set.WorkerPort
	if pf != nil && pf.Port != 0 {
		port = pf.Port
	}

	if pf == nil || !lifecycle.ProcessAlive(pf.PID) {
		if server.PortInUse(port) {
			fmt.Printf("daemon: running on port %d (no PID file)\n", port)
		} else {
			fmt.Println("daemon: not running")
		}
		return nil
	}

	fmt.Printf("daemon: running (pid %d, port %d, started %s)\n", pf.PID, pf.Port, pf.StartedAt)

	ctx, cancel := context.WithTimeout(cmd.Context(), 3*time.Second)
	defer cancel()
	if v := server.FetchVersion(ctx, port); v != "" {
		fmt.Printf("version: %s\n", v)
	}

	status, err := fetchProcessingStatus(ctx, port)
	if err != nil {
		fmt.Printf("status: unreachable (%v)\n", err)
		return nil
	}
	fmt.Printf("active sessions: %v\n", status["activeSessions"])
	fmt.Printf("queued messages: %v\n", status["totalQueued"])
	if stuck, ok := status["stuck"]; ok {
		fmt.Printf("stuck messages: %v\n", stuck)
	}
	return nil
}

func fetchProcessingStatus(ctx context.Context, port int) (map[string]any, error) {
	url := fmt.Sprintf("http://127.0.0.1:%d/api/processing-status", port)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	resp, err := (&http.Client{Timeout: 3 * time.Second}).Do(req)
	if err != nil {
		return nil, err
	}
	defer func() { _ = resp.Body.Close() }()

	var body map[string]any
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return nil, err
	}
	return body, nil
}
