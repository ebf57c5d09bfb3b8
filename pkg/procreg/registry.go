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

// Package procreg caps concurrent agent runners with a slot semaphore and
// tracks helper subprocesses so crashed sessions never leak them.
package procreg

import (
	"context"
	"fmt"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/shirou/gopsutil/v4/process"
	"go.uber.org/zap"
)

const (
	// DefaultSlotTimeout bounds how long a runner waits for a free slot.
	DefaultSlotTimeout = 60 * time.Second

	// ExitGrace is how long EnsureExit waits after SIGTERM before SIGKILL.
	ExitGrace = 5 * time.Second

	// IdleChildAge is how old an idle direct child must be before the
	// reaper considers it abandoned.
	IdleChildAge = 2 * time.Minute
)

// Entry is one tracked subprocess.
type Entry struct {
	PID       int32
	SessionID int64
	StartedAt time.Time
}

// Registry is the slot semaphore plus the subprocess table. Waiters are
// woken by channel close, never by polling.
type Registry struct {
	max    int
	logger *zap.Logger

	mu      sync.Mutex
	held    int
	waiters []chan struct{}
	procs   map[int32]Entry
}

// New creates a Registry allowing max concurrent slot holders.
func New(max int, logger *zap.Logger) *Registry {
	if max <= 0 {
		max = 3
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Registry{
		max:    max,
		logger: logger,
		procs:  make(map[int32]Entry),
	}
}

// AcquireSlot blocks until a slot frees up, the timeout elapses or ctx is
// canceled. A zero timeout means DefaultSlotTimeout.
func (r *Registry) AcquireSlot(ctx context.Context, timeout time.Duration) error {
	if timeout <= 0 {
		timeout = DefaultSlotTimeout
	}
	deadline := time.NewTimer(timeout)
	defer deadline.Stop()

	for {
		r.mu.Lock()
		if r.held < r.max {
			r.held++
			r.mu.Unlock()
			return nil
		}
		wake := make(chan struct{})
		r.waiters = append(r.waiters, wake)
		r.mu.Unlock()

		select {
		case <-wake:
			// Slot may have been taken again before we re-check; loop.
		case <-deadline.C:
			r.dropWaiter(wake)
			return fmt.Errorf("timed out waiting for an agent slot after %s", timeout)
		case <-ctx.Done():
			r.dropWaiter(wake)
			return ctx.Err()
		}
	}
}

// ReleaseSlot frees one slot and wakes exactly one waiter.
func (r *Registry) ReleaseSlot() {
	r.mu.Lock()
	if r.held > 0 {
		r.held--
	}
	r.wakeOneLocked()
	r.mu.Unlock()
}

func (r *Registry) wakeOneLocked() {
	if len(r.waiters) > 0 {
		close(r.waiters[0])
		r.waiters = r.waiters[1:]
	}
}

func (r *Registry) dropWaiter(wake chan struct{}) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for i, w := range r.waiters {
		if w == wake {
			r.waiters = append(r.waiters[:i], r.waiters[i+1:]...)
			return
		}
	}
	// Already woken: pass the wake-up on so the slot is not lost.
	r.wakeOneLocked()
}

// InUse returns the number of held slots.
func (r *Registry) InUse() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.held
}

// Register records a subprocess for the session.
func (r *Registry) Register(pid int32, sessionID int64) {
	r.mu.Lock()
	r.procs[pid] = Entry{PID: pid, SessionID: sessionID, StartedAt: time.Now()}
	r.mu.Unlock()
}

// Unregister forgets a subprocess.
func (r *Registry) Unregister(pid int32) {
	r.mu.Lock()
	delete(r.procs, pid)
	r.mu.Unlock()
}

// Registered returns a snapshot of the subprocess table.
func (r *Registry) Registered() []Entry {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Entry, 0, len(r.procs))
	for _, e := range r.procs {
		out = append(out, e)
	}
	return out
}

// EnsureExit asks pid to terminate and escalates to SIGKILL after grace.
func (r *Registry) EnsureExit(ctx context.Context, pid int32, grace time.Duration) {
	if grace <= 0 {
		grace = ExitGrace
	}
	p, err := process.NewProcessWithContext(ctx, pid)
	if err != nil {
		return // already gone
	}
	_ = p.TerminateWithContext(ctx)

	deadline := time.Now().Add(grace)
	for time.Now().Before(deadline) {
		running, err := p.IsRunningWithContext(ctx)
		if err != nil || !running {
			return
		}
		select {
		case <-ctx.Done():
			return
		case <-time.After(100 * time.Millisecond):
		}
	}

	r.logger.Warn("process ignored SIGTERM, killing", zap.Int32("pid", pid))
	_ = p.KillWithContext(ctx)
}

// ReapOrphans kills (1) registered subprocesses whose session is no longer
// active, (2) system-level orphans (ppid 1) whose command line matches one
// of the patterns, and (3) idle direct children of this daemon older than
// IdleChildAge with zero CPU. Returns the number of processes reaped.
func (r *Registry) ReapOrphans(ctx context.Context, activeSessions map[int64]bool, patterns []string) int {
	reaped := 0

	for _, e := range r.Registered() {
		if activeSessions[e.SessionID] {
			continue
		}
		r.logger.Info("reaping subprocess of dead session",
			zap.Int32("pid", e.PID), zap.Int64("sessionId", e.SessionID))
		r.EnsureExit(ctx, e.PID, ExitGrace)
		r.Unregister(e.PID)
		reaped++
	}

	procs, err := process.ProcessesWithContext(ctx)
	if err != nil {
		r.logger.Warn("failed to list processes", zap.Error(err))
		return reaped
	}

	self := int32(os.Getpid())
	for _, p := range procs {
		if p.Pid == self {
			continue
		}
		ppid, err := p.PpidWithContext(ctx)
		if err != nil {
			continue
		}

		switch ppid {
		case 1:
			cmdline, err := p.CmdlineWithContext(ctx)
			if err != nil || !matchesAny(cmdline, patterns) {
				continue
			}
			r.logger.Info("reaping system orphan",
				zap.Int32("pid", p.Pid), zap.String("cmdline", cmdline))
			r.EnsureExit(ctx, p.Pid, ExitGrace)
			reaped++

		case self:
			created, err := p.CreateTimeWithContext(ctx)
			if err != nil || time.Since(time.UnixMilli(created)) < IdleChildAge {
				continue
			}
			cpu, err := p.CPUPercentWithContext(ctx)
			if err != nil || cpu > 0 {
				continue
			}
			r.logger.Info("reaping idle child", zap.Int32("pid", p.Pid))
			r.EnsureExit(ctx, p.Pid, ExitGrace)
			r.Unregister(p.Pid)
			reaped++
		}
	}
	return reaped
}

// KillByCommandLine kills every process whose command line matches pattern
// and whose age exceeds minAge. Used by the startup sweep to clear workers
// leaked by a previous daemon.
func (r *Registry) KillByCommandLine(ctx context.Context, pattern string, minAge time.Duration) int {
	procs, err := process.ProcessesWithContext(ctx)
	if err != nil {
		r.logger.Warn("failed to list processes", zap.Error(err))
		return 0
	}

	killed := 0
	self := int32(os.Getpid())
	for _, p := range procs {
		if p.Pid == self {
			continue
		}
		cmdline, err := p.CmdlineWithContext(ctx)
		if err != nil || !strings.Contains(cmdline, pattern) {
			continue
		}
		if minAge > 0 {
			created, err := p.CreateTimeWithContext(ctx)
			if err != nil || time.Since(time.UnixMilli(created)) < minAge {
				continue
			}
		}
		r.logger.Info("killing leaked process",
			zap.Int32("pid", p.Pid), zap.String("pattern", pattern))
		r.EnsureExit(ctx, p.Pid, ExitGrace)
		killed++
	}
	return killed
}

func matchesAny(cmdline string, patterns []string) bool {
	for _, pat := range patterns {
		if pat != "" && strings.Contains(cmdline, pat) {
			return true
		}
	}
	return false
}
