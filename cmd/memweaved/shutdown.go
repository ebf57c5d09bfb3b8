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
	"fmt"
	"net/http"
	"time"

	"github.com/spf13/cobra"

	"github.com/memweave/memweave/pkg/server"
)

var shutdownCmd = &cobra.Command{
	Use:   "shutdown",
	Short: "Ask a running daemon to exit gracefully",
	RunE:  runShutdown,
}

var restartCmd = &cobra.Command{
	Use:   "restart",
	Short: "Ask a running daemon to restart in place",
	RunE:  runRestart,
}

func runShutdown(cmd *cobra.Command, _ []string) error {
	set, err := loadSettings()
	if err != nil {
		return err
	}
	if !server.PortInUse(set.WorkerPort) {
		fmt.Println("daemon: not running")
		return nil
	}

	ctx, cancel := context.WithTimeout(cmd.Context(), 30*time.Second)
	defer cancel()
	if err := server.RequestShutdown(ctx, set.WorkerPort); err != nil {
		return err
	}
	if err := server.WaitForPortFree(ctx, set.WorkerPort); err != nil {
		return err
	}
	fmt.Println("daemon stopped")
	return nil
}

func runRestart(cmd *cobra.Command, _ []string) error {
	set, err := loadSettings()
	if err != nil {
		return err
	}
	if !server.PortInUse(set.WorkerPort) {
		fmt.Println("daemon: not running")
		return nil
	}

	ctx, cancel := context.WithTimeout(cmd.Context(), 30*time.Second)
	defer cancel()
	url := fmt.Sprintf("http://127.0.0.1:%d/api/admin/restart", set.WorkerPort)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, nil)
	if err != nil {
		return err
	}
	resp, err := (&http.Client{Timeout: 5 * time.Second}).Do(req)
	if err != nil {
		return err
	}
	_ = resp.Body.Close()
	if resp.StatusCode != http.StatusAccepted {
		return fmt.Errorf("restart request answered %d", resp.StatusCode)
	}

	if err := server.WaitForHealth(ctx, set.WorkerPort); err != nil {
		return err
	}
	fmt.Println("daemon restarted")
	return nil
}
