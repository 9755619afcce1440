// Copyright 2025 Tom Barlow
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"sync"
	"syscall"
	"time"

	"github.com/oj-run/oj/internal/clock"
	"github.com/oj-run/oj/internal/config"
	"github.com/oj-run/oj/internal/coordination"
	"github.com/oj-run/oj/internal/executor"
	"github.com/oj-run/oj/internal/lifecycle"
	"github.com/oj-run/oj/internal/log"
	"github.com/oj-run/oj/internal/rpc"
	"github.com/oj-run/oj/internal/runtime"
	"github.com/oj-run/oj/internal/scheduler"
	"github.com/oj-run/oj/internal/snapshot"
	"github.com/oj-run/oj/internal/state"
	"github.com/oj-run/oj/internal/supervisor"
	"github.com/oj-run/oj/internal/wal"
)

// Version information (injected via ldflags at build time)
var (
	version = "dev"
	commit  = "unknown"
)

func main() {
	var (
		configPath  = flag.String("config", "", "Path to YAML daemon config")
		projectPath = flag.String("project", "", "Project directory this daemon instance serves (default: cwd)")
		runbookPath = flag.String("runbook", "", "Path to the resolved runbook JSON (required)")
		showVersion = flag.Bool("version", false, "Show version information")
	)
	flag.Parse()

	if *showVersion {
		fmt.Printf("ojd %s (commit: %s)\n", version, commit)
		os.Exit(0)
	}

	if err := run(*configPath, *projectPath, *runbookPath); err != nil {
		fmt.Fprintln(os.Stderr, "ojd:", err)
		os.Exit(1)
	}
}

func run(configPath, projectPath, runbookPath string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	if projectPath == "" {
		projectPath, err = os.Getwd()
		if err != nil {
			return fmt.Errorf("determine project path: %w", err)
		}
	}
	if runbookPath == "" {
		return errors.New("--runbook is required")
	}

	logger := log.New(&log.Config{
		Level:     cfg.Log.Level,
		Format:    log.Format(cfg.Log.Format),
		Output:    os.Stderr,
		AddSource: cfg.Log.AddSource,
	})
	slog.SetDefault(logger)

	// Step 1: create the per-project state directory.
	stateDir := cfg.ProjectStateDir(projectPath)
	if err := os.MkdirAll(stateDir, 0o700); err != nil {
		return fmt.Errorf("create state dir: %w", err)
	}

	// Step 2/3: acquire the PID file lock, exiting if another instance
	// already holds it; otherwise reclaim a stale one and retry once.
	pidMgr := lifecycle.NewPIDFileManager(filepath.Join(stateDir, "daemon.pid"))
	if err := acquirePIDFile(pidMgr); err != nil {
		return err
	}
	defer pidMgr.Remove()

	if err := os.WriteFile(filepath.Join(stateDir, "daemon.version"), []byte(version+"\n"), 0o600); err != nil {
		return fmt.Errorf("write daemon.version: %w", err)
	}

	// Step 4: startup marker, before the structured logger touches
	// daemon.log.
	if err := lifecycle.WriteStartupMarker(filepath.Join(stateDir, "daemon.log"), config.AppName, os.Getpid()); err != nil {
		return fmt.Errorf("write startup marker: %w", err)
	}

	rb, err := loadRunbook(runbookPath)
	if err != nil {
		return err
	}

	// Step 5: recover materialized state from the latest snapshot plus
	// the WAL tail written since it.
	snapDir := filepath.Join(stateDir, "snapshots")
	if err := os.MkdirAll(snapDir, 0o700); err != nil {
		return fmt.Errorf("create snapshot dir: %w", err)
	}
	snaps, err := snapshot.NewStore(snapDir)
	if err != nil {
		return fmt.Errorf("open snapshot store: %w", err)
	}

	walPath := filepath.Join(stateDir, "wal.jsonl")
	ms, lastApplied, err := state.Restore(snaps, wal.NewReader(walPath))
	if err != nil {
		return fmt.Errorf("recover state: %w", err)
	}

	machineID, err := os.Hostname()
	if err != nil || machineID == "" {
		machineID = fmt.Sprintf("pid-%d", os.Getpid())
	}
	writer, err := wal.Open(walPath, machineID)
	if err != nil {
		return fmt.Errorf("open wal: %w", err)
	}
	defer writer.Close()

	logger.Info("state recovered", "last_applied_sequence", lastApplied, "pipelines", len(ms.Pipelines), "sessions", len(ms.Sessions))

	clk := clock.New()
	guards := coordination.NewManager()

	session := newProcessSessionAdapter(logger)
	repo := newProcessRepoAdapter(logger)
	notify := newDesktopNotifyAdapter(logger)

	exec := executor.New(writer, ms, session, repo, notify, logger, executor.WithMirrorDir(stateDir))

	sched, err := scheduler.New(rb, scheduler.NewDefaultSourceFetcher(ms, clk), scheduler.NewDefaultResourceScanner(ms, clk), clk)
	if err != nil {
		return fmt.Errorf("build scheduler: %w", err)
	}

	locator := supervisor.LocatorFunc(func(p state.Pipeline, sessionID string) (string, bool) {
		return supervisor.FindSessionLog(cfg.Daemon.ClaudeStateDir, projectPath, sessionID)
	})
	super := supervisor.New(rb, locator)

	rt := runtime.New(ms, rb, exec, sched, super, guards, clk, logger, pipelineAgentResolver(rb))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := rt.Bootstrap(ctx); err != nil {
		return fmt.Errorf("bootstrap scheduler timers: %w", err)
	}

	// Step 6: bind the per-project Unix socket, enforcing SUN_LEN first.
	socketPath := rpc.SocketPath(cfg.Daemon.SocketDir, projectPath)
	if err := config.ValidateSocketPath(socketPath); err != nil {
		return fmt.Errorf("validate socket path: %w", err)
	}
	if err := os.MkdirAll(cfg.Daemon.SocketDir, 0o700); err != nil {
		return fmt.Errorf("create socket dir: %w", err)
	}

	var shutdownOnce sync.Once
	shutdown := func() { shutdownOnce.Do(cancel) }

	handler := newIPCHandler(rt, logger, time.Now(), shutdown)
	server, err := rpc.Listen(socketPath, handler, logger)
	if err != nil {
		return fmt.Errorf("bind ipc socket: %w", err)
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		shutdown()
	}()

	serveErrCh := make(chan error, 1)
	go func() { serveErrCh <- server.Serve(ctx) }()

	runErrCh := make(chan error, 1)
	go func() { runErrCh <- rt.Run(ctx) }()

	// Step 7: the event loop and IPC server are both live; tell whatever
	// spawned this process (the CLI's autostart path) it can stop polling.
	fmt.Println("READY")
	logger.Info("ojd ready", "project", projectPath, "socket", socketPath, "pid", os.Getpid())

	select {
	case <-ctx.Done():
	case err := <-serveErrCh:
		if err != nil {
			logger.Error("ipc server exited", "error", err)
		}
		shutdown()
	case err := <-runErrCh:
		if err != nil {
			logger.Error("event loop exited", "error", err)
		}
		shutdown()
	}

	return shutdownDaemon(server, writer, snaps, ms, lastApplied, logger)
}

// acquirePIDFile implements spec.md §4.10 step 2: take the exclusive
// flock, reclaiming a stale PID file left by a crashed daemon exactly
// once before giving up.
func acquirePIDFile(mgr *lifecycle.PIDFileManager) error {
	err := mgr.Create(os.Getpid())
	if err == nil {
		return nil
	}
	if !errors.Is(err, lifecycle.ErrPIDFileExists) {
		return fmt.Errorf("acquire pid file: %w", err)
	}

	existing, readErr := mgr.Read()
	if readErr == nil && lifecycle.IsOjProcess(existing) {
		return fmt.Errorf("ojd already running (pid %d)", existing)
	}
	// Stale: no readable PID, or the PID belongs to some other process now.
	if err := mgr.Remove(); err != nil {
		return fmt.Errorf("remove stale pid file: %w", err)
	}
	if err := mgr.Create(os.Getpid()); err != nil {
		return fmt.Errorf("acquire pid file after reclaiming stale one: %w", err)
	}
	return nil
}

// shutdownDaemon drains the IPC server and runtime with a bounded grace
// window, snapshots if the WAL has grown enough to be worth compacting,
// and removes the socket/pid files (the pid file is removed by run's
// deferred pidMgr.Remove(); this only handles the socket and snapshot).
func shutdownDaemon(server *rpc.Server, writer *wal.Writer, snaps *snapshot.Store, ms *state.MaterializedState, lastApplied uint64, logger *slog.Logger) error {
	const shutdownGrace = 5 * time.Second
	const snapshotThresholdBytes = 4 << 20 // 4MiB: cheap heuristic for "WAL grew significantly"

	graceCtx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
	defer cancel()

	if err := server.Shutdown(graceCtx); err != nil && !errors.Is(err, rpc.ErrServerClosed) {
		logger.Warn("ipc server shutdown", "error", err)
	}

	if writer.BytesWritten() >= snapshotThresholdBytes {
		if _, err := snaps.Create(ms, lastApplied, time.Now()); err != nil {
			logger.Warn("final snapshot failed", "error", err)
		} else {
			logger.Info("final snapshot written", "sequence", lastApplied)
		}
	}

	logger.Info("ojd stopped")
	return nil
}
