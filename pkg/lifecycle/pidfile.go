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

// Package lifecycle boots and tears down the daemon: single-instance
// enforcement, PID file, startup ordering, periodic maintenance and
// signal handling.
package lifecycle

import (
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/shirou/gopsutil/v4/process"
)

// PIDFile is the on-disk record advertising a running daemon. It is
// written only after the HTTP listener is bound, so the port it names is
// always real.
type PIDFile struct {
	PID       int    `json:"pid"`
	Port      int    `json:"port"`
	StartedAt string `json:"startedAt"` // RFC3339
}

// WritePIDFile records this process as the running daemon.
func WritePIDFile(path string, port int) error {
	pf := PIDFile{
		PID:       os.Getpid(),
		Port:      port,
		StartedAt: time.Now().UTC().Format(time.RFC3339),
	}
	data, err := json.MarshalIndent(pf, "", "  ")
	if err != nil {
		return err
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("failed to write PID file: %w", err)
	}
	return nil
}

// ReadPIDFile loads the record. A missing file returns (nil, nil); a
// corrupt file is an error so callers can decide to remove it.
func ReadPIDFile(path string) (*PIDFile, error) {
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var pf PIDFile
	if err := json.Unmarshal(data, &pf); err != nil {
		return nil, fmt.Errorf("corrupt PID file %s: %w", path, err)
	}
	return &pf, nil
}

// RemovePIDFile deletes the record. Missing files are fine.
func RemovePIDFile(path string) error {
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}

// ProcessAlive reports whether a PID names a running process.
func ProcessAlive(pid int) bool {
	if pid <= 0 {
		return false
	}
	alive, err := process.PidExists(int32(pid))
	return err == nil && alive
}
