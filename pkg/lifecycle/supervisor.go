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

package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"runtime"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/shirou/gopsutil/v4/process"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"golang.org/x/sync/errgroup"

	"github.com/memweave/memweave/pkg/config"
	"github.com/memweave/memweave/pkg/llm"
	"github.com/memweave/memweave/pkg/llm/claude"
	"github.com/memweave/memweave/pkg/llm/gemini"
	"github.com/memweave/memweave/pkg/llm/openrouter"
	"github.com/memweave/memweave/pkg/processor"
	"github.com/memweave/memweave/pkg/procreg"
	"github.com/memweave/memweave/pkg/server"
	"github.com/memweave/memweave/pkg/sessions"
	"github.com/memweave/memweave/pkg/store"
	"github.com/memweave/memweave/pkg/vectorsync"
)

const (
	// takeoverTimeout bounds how long a new daemon waits for an old one
	// to vacate the port during a version-drift restart.
	takeoverTimeout = 15 * time.Second

	// stopGrace bounds the HTTP drain during shutdown.
	stopGrace = 5 * time.Second

	// daemonSweepAge protects freshly started daemons from the startup
	// sweep; only long-lived leftovers are killed.
	daemonSweepAge = 30 * time.Minute

	// maintenanceSpec schedules the periodic queue sweep and orphan reap.
	maintenanceSpec = "@every 5m"
)

// ErrAlreadyRunning means a healthy daemon of the same version already
// owns the port. Callers treat it as a planned, successful exit.
var ErrAlreadyRunning = errors.New("daemon already running")

var (
	defaultChildPatterns  = []string{"memweave-generator"}
	defaultDaemonPatterns = []string{"memweaved serve"}
)

// Options configures the supervisor.
type Options struct {
	Settings *config.Settings
	Version  string
	Logger   *zap.Logger

	// ChildPatterns match leaked generator subprocesses; swept at startup
	// with no age gate and reaped periodically when orphaned.
	ChildPatterns []string
	// DaemonPatterns match leaked daemon processes; swept at startup only
	// when older than daemonSweepAge.
	DaemonPatterns []string
}

// Supervisor owns the daemon's whole lifetime.
type Supervisor struct {
	opts   Options
	logger *zap.Logger

	shutdownCh   chan struct{}
	shutdownOnce sync.Once
	restart      atomic.Bool
}

// New creates a supervisor. Run does the actual work.
func New(opts Options) *Supervisor {
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if opts.ChildPatterns == nil {
		opts.ChildPatterns = defaultChildPatterns
	}
	if opts.DaemonPatterns == nil {
		opts.DaemonPatterns = defaultDaemonPatterns
	}
	return &Supervisor{
		opts:       opts,
		logger:     opts.Logger,
		shutdownCh: make(chan struct{}),
	}
}

// Shutdown requests a graceful exit. Safe to call more than once.
func (s *Supervisor) Shutdown() {
	s.shutdownOnce.Do(func() { close(s.shutdownCh) })
}

// Restart requests a graceful exit followed by re-exec of the same binary.
func (s *Supervisor) Restart() {
	s.restart.Store(true)
	s.Shutdown()
}

// Run boots the daemon and blocks until a signal, an admin request or a
// fatal serve error. Every planned exit returns nil.
func (s *Supervisor) Run(ctx context.Context) error {
	set := s.opts.Settings
	if set.Disabled {
		s.logger.Info("daemon disabled by settings, exiting")
		return nil
	}

	if err := os.MkdirAll(set.DataDir, 0o755); err != nil {
		return fmt.Errorf("failed to create data dir: %w", err)
	}
	if err := config.LoadEnv(set.DataDir); err != nil {
		s.logger.Warn("failed to load .env", zap.Error(err))
	}

	pidPath := filepath.Join(set.DataDir, "worker.pid")
	if err := s.ensureSingleInstance(ctx, pidPath, set.WorkerPort); err != nil {
		return err
	}

	registry := procreg.New(set.MaxConcurrent, s.logger)
	s.startupSweep(ctx, registry)

	st, err := store.Open(ctx, filepath.Join(set.DataDir, "claude-mem.db"), s.logger)
	if err != nil {
		return err
	}
	defer func() { _ = st.Close() }()

	vec := vectorsync.New(vectorsync.Config{
		Enabled: set.ChromaEnabled,
		Mode:    set.ChromaMode,
		DataDir: set.DataDir,
		URL:     chromaURL(set),
	}, st, s.logger)

	stream := server.NewStream(s.logger)
	// Mirror log lines onto the SSE stream for live tailing.
	logger := s.logger.WithOptions(zap.Hooks(func(e zapcore.Entry) error {
		stream.LogLine(e.Level.String(), e.Message)
		return nil
	}))

	proc := processor.New(st, vec, stream, logger)
	providers := s.buildProviders()
	mgr := sessions.NewManager(sessions.Config{}, st, registry, proc, providers, vec, stream, logger)

	srv := server.New(server.Config{
		Host:                set.WorkerHost,
		Port:                set.WorkerPort,
		Version:             s.opts.Version,
		Platform:            runtime.GOOS,
		LogDir:              filepath.Join(set.DataDir, "logs"),
		ContextObservations: set.ContextObservations,
		ExcludedProjects:    set.ExcludedProjects,
	}, st, mgr, vec, stream, logger)
	srv.SetAdminHooks(s.Shutdown, s.Restart)

	// Bind before writing the PID file so the file never advertises a
	// port nobody listens on.
	ln, err := srv.Listen()
	if err != nil {
		return err
	}
	if err := WritePIDFile(pidPath, set.WorkerPort); err != nil {
		_ = ln.Close()
		return err
	}

	// The server and background tasks share one group: if serving fails,
	// the group context unblocks the main select and aborts the backfill.
	// Teardown cancels the group so Wait never outlives the drain.
	bgCtx, cancelBG := context.WithCancel(ctx)
	defer cancelBG()
	g, runCtx := errgroup.WithContext(bgCtx)
	g.Go(func() error { return srv.Serve(ln) })
	g.Go(func() error {
		s.backfill(runCtx, st, vec)
		return nil
	})

	srv.Health().SetInitialized()
	srv.Health().SetMCPReady()
	s.logger.Info("daemon up",
		zap.Int("port", set.WorkerPort), zap.String("version", s.opts.Version))

	cr := cron.New()
	if _, err := cr.AddFunc(maintenanceSpec, func() { s.maintain(st, registry, mgr) }); err != nil {
		s.logger.Error("failed to schedule maintenance", zap.Error(err))
	}
	cr.Start()

	// HasAnyPendingWork sweeps long-stale claims back to pending first,
	// so a daemon restart recovers work its predecessor left claimed.
	if busy, err := st.HasAnyPendingWork(context.Background()); err != nil {
		s.logger.Warn("failed to check pending work", zap.Error(err))
	} else if busy {
		if kicked, err := mgr.KickAll(context.Background()); err != nil {
			s.logger.Warn("failed to recover pending work", zap.Error(err))
		} else if kicked > 0 {
			s.logger.Info("recovered sessions with pending work", zap.Int("count", kicked))
		}
	}

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM, syscall.SIGHUP)
	defer signal.Stop(sig)

	select {
	case <-ctx.Done():
		s.logger.Info("context canceled, shutting down")
	case got := <-sig:
		s.logger.Info("signal received, shutting down", zap.String("signal", got.String()))
	case <-s.shutdownCh:
		s.logger.Info("shutdown requested")
	case <-runCtx.Done():
		if ctx.Err() == nil {
			s.logger.Error("HTTP server failed, shutting down")
		}
	}

	cr.Stop()
	cancelBG()
	mgr.AbortAll()

	stopCtx, cancel := context.WithTimeout(context.Background(), stopGrace)
	defer cancel()
	if err := srv.Stop(stopCtx); err != nil {
		s.logger.Warn("HTTP drain incomplete", zap.Error(err))
	}

	fatal := g.Wait()
	if fatal != nil {
		s.logger.Error("HTTP server failed", zap.Error(fatal))
	}

	_ = st.Close()
	if err := RemovePIDFile(pidPath); err != nil {
		s.logger.Warn("failed to remove PID file", zap.Error(err))
	}

	if fatal != nil {
		return fatal
	}
	if s.restart.Load() {
		return s.reexec()
	}
	s.logger.Info("daemon stopped")
	return nil
}

// ensureSingleInstance enforces one daemon per data directory. A live
// same-version daemon refuses the start; a version-drifted one is asked
// to shut down and, failing that, killed.
func (s *Supervisor) ensureSingleInstance(ctx context.Context, pidPath string, port int) error {
	pf, err := ReadPIDFile(pidPath)
	if err != nil {
		s.logger.Warn("removing unreadable PID file", zap.Error(err))
		_ = RemovePIDFile(pidPath)
		pf = nil
	}

	alive := pf != nil && ProcessAlive(pf.PID)
	if pf != nil && !alive {
		s.logger.Info("removing stale PID file", zap.Int("pid", pf.PID))
		_ = RemovePIDFile(pidPath)
	}

	if !alive && !server.PortInUse(port) {
		return nil
	}
	if pf != nil && alive {
		port = pf.Port
	}

	probeCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
	remote := server.FetchVersion(probeCtx, port)
	cancel()

	if server.CheckVersionMatch(remote, s.opts.Version) {
		return fmt.Errorf("%w on port %d", ErrAlreadyRunning, port)
	}

	s.logger.Info("taking over from version-drifted daemon",
		zap.String("theirs", remote), zap.String("ours", s.opts.Version))
	if err := server.RequestShutdown(ctx, port); err != nil {
		s.logger.Warn("remote shutdown request failed", zap.Error(err))
	}

	waitCtx, cancel := context.WithTimeout(ctx, takeoverTimeout)
	defer cancel()
	if err := server.WaitForPortFree(waitCtx, port); err == nil {
		return nil
	}

	// The old daemon would not leave; force it.
	if pf != nil && alive {
		if p, perr := process.NewProcess(int32(pf.PID)); perr == nil {
			s.logger.Warn("killing unresponsive daemon", zap.Int("pid", pf.PID))
			_ = p.KillWithContext(ctx)
		}
	}
	killCtx, cancel := context.WithTimeout(ctx, takeoverTimeout)
	defer cancel()
	return server.WaitForPortFree(killCtx, port)
}

// startupSweep clears processes leaked by a previous daemon: generator
// children immediately, old daemons only past the age gate.
func (s *Supervisor) startupSweep(ctx context.Context, registry *procreg.Registry) {
	for _, pat := range s.opts.ChildPatterns {
		registry.KillByCommandLine(ctx, pat, 0)
	}
	for _, pat := range s.opts.DaemonPatterns {
		registry.KillByCommandLine(ctx, pat, daemonSweepAge)
	}
}

// buildProviders assembles the fallback chain: the preferred provider
// first, then every other one with credentials.
func (s *Supervisor) buildProviders() []llm.Provider {
	set := s.opts.Settings

	var chain []llm.Provider
	add := map[string]func(){
		config.ProviderClaude: func() {
			if set.ClaudeAPIKey != "" || os.Getenv("ANTHROPIC_API_KEY") != "" {
				chain = append(chain, claude.NewClient(claude.Config{
					APIKey: set.ClaudeAPIKey, Model: set.ClaudeModel,
				}))
			}
		},
		config.ProviderGemini: func() {
			if set.GeminiAPIKey != "" {
				chain = append(chain, gemini.NewClient(gemini.Config{
					APIKey: set.GeminiAPIKey, Model: set.GeminiModel,
				}))
			}
		},
		config.ProviderOpenRouter: func() {
			if set.OpenRouterAPIKey != "" {
				chain = append(chain, openrouter.NewClient(openrouter.Config{
					APIKey: set.OpenRouterAPIKey, Model: set.OpenRouterModel,
				}))
			}
		},
	}

	order := []string{config.ProviderClaude, config.ProviderGemini, config.ProviderOpenRouter}
	if f, ok := add[set.Provider]; ok {
		f()
		delete(add, set.Provider)
	}
	for _, name := range order {
		if f, ok := add[name]; ok {
			f()
		}
	}

	if len(chain) == 0 {
		s.logger.Warn("no LLM provider credentials found; memory processing will stall")
	} else {
		names := make([]string, 0, len(chain))
		for _, p := range chain {
			names = append(names, p.Name())
		}
		s.logger.Info("provider chain ready", zap.Strings("providers", names))
	}
	return chain
}

// maintain is the cron body: heal stale claims, reap orphans, restart
// runners for recovered work.
func (s *Supervisor) maintain(st *store.Store, registry *procreg.Registry, mgr *sessions.Manager) {
	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()

	if _, err := st.ResetStale(ctx, store.SweepStaleThreshold, 0); err != nil {
		s.logger.Warn("stale sweep failed", zap.Error(err))
	}
	registry.ReapOrphans(ctx, mgr.ActiveSessionIDs(), s.opts.ChildPatterns)
	if _, err := mgr.KickAll(ctx); err != nil {
		s.logger.Warn("kick failed", zap.Error(err))
	}
}

// backfill brings the vector index up to date with SQLite, one project at
// a time. Runs in the background; failures only log.
func (s *Supervisor) backfill(ctx context.Context, st *store.Store, vec *vectorsync.Service) {
	if !vec.Enabled() {
		return
	}
	ctx, cancel := context.WithTimeout(ctx, 10*time.Minute)
	defer cancel()

	projects, err := st.Projects(ctx)
	if err != nil {
		s.logger.Warn("backfill could not list projects", zap.Error(err))
		return
	}
	for _, p := range projects {
		if ctx.Err() != nil {
			return
		}
		if err := vec.EnsureBackfilled(ctx, p.Name); err != nil {
			s.logger.Warn("vector backfill failed",
				zap.String("project", p.Name), zap.Error(err))
		}
	}
}

// reexec replaces this process with a fresh copy of the same binary.
func (s *Supervisor) reexec() error {
	exe, err := os.Executable()
	if err != nil {
		return fmt.Errorf("cannot restart: %w", err)
	}
	s.logger.Info("re-executing", zap.String("binary", exe))
	_ = s.logger.Sync()
	return syscall.Exec(exe, os.Args, os.Environ())
}

// chromaURL builds the remote Chroma base URL from the settings triple.
func chromaURL(set *config.Settings) string {
	if set.ChromaHost == "" {
		return ""
	}
	scheme := "http"
	if set.ChromaSSL {
		scheme = "https"
	}
	return fmt.Sprintf("%s://%s:%d", scheme, set.ChromaHost, set.ChromaPort)
}
