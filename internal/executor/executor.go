package executor

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"golang.org/x/time/rate"

	"github.com/oj-run/oj/internal/metrics"
	"github.com/oj-run/oj/internal/state"
	"github.com/oj-run/oj/internal/wal"
	ojerrors "github.com/oj-run/oj/pkg/errors"
)

// Durable is the minimal write-ahead-log contract the executor needs:
// append a durable operation, then let MaterializedState fold it. Kept as
// an interface so tests can inject an in-memory fake instead of a real
// *wal.Writer.
type Durable interface {
	Append(op wal.Operation, timestampMicros int64) (uint64, error)
	BytesWritten() uint64
}

// Executor interprets state.Effect batches, persisting durable effects
// through the WAL before any adapter call that has external, irreversible
// consequences. A batch is processed strictly in order: if an adapter call
// fails partway through, the remaining effects in that batch are aborted
// (spec §7, "Adapter failure") and Execute returns the AdapterError. The
// runtime logs that error; it does not synthesize a *Failed event for the
// owning entity.
type Executor struct {
	wal Durable
	ms  *state.MaterializedState

	session SessionAdapter
	repo    RepoAdapter
	notify  NotifyAdapter

	spawnLimiter *rate.Limiter
	mirrorDir    string // optional: auxiliary JSON mirror files for debugging

	log *slog.Logger
}

// Option configures an Executor at construction time.
type Option func(*Executor)

// WithSpawnRateLimit paces Spawn effects to at most n per second with the
// given burst, so a runbook that fans out many pipelines at once doesn't
// start dozens of agent processes in the same instant.
func WithSpawnRateLimit(n float64, burst int) Option {
	return func(e *Executor) { e.spawnLimiter = rate.NewLimiter(rate.Limit(n), burst) }
}

// WithMirrorDir enables writing auxiliary per-pipeline JSON mirror files
// on SaveCheckpoint effects, the simpler store spec.md §6.2 describes for
// inspection without replaying the WAL.
func WithMirrorDir(dir string) Option {
	return func(e *Executor) { e.mirrorDir = dir }
}

// New builds an Executor. session/repo/notify may be nil if the runbook
// never produces the corresponding effect kind (e.g. a test runbook with
// no Notify actions); a nil adapter used at runtime is a programming
// error and Execute returns an AdapterError for it rather than panicking.
func New(w Durable, ms *state.MaterializedState, session SessionAdapter, repo RepoAdapter, notify NotifyAdapter, log *slog.Logger, opts ...Option) *Executor {
	e := &Executor{
		wal:          w,
		ms:           ms,
		session:      session,
		repo:         repo,
		notify:       notify,
		spawnLimiter: rate.NewLimiter(rate.Inf, 1),
		log:          log,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Execute runs effects in order, returning the events that were
// successfully emitted (for the runtime to route through the event bus
// and the scheduler's event-pattern bridge) and the first error
// encountered, if any. On error, effects after the failing one are not
// run.
func (e *Executor) Execute(ctx context.Context, effects []state.Effect, now time.Time) ([]state.Event, error) {
	var emitted []state.Event
	for _, eff := range effects {
		switch eff.Kind {
		case state.EffectPersist:
			if err := e.persist(*eff.Persist, now); err != nil {
				return emitted, ojerrors.Wrap(err, "persist effect")
			}

		case state.EffectEmit:
			ev := *eff.Emit
			if err := e.persist(wal.Operation{
				Type:      wal.KindEventEmit,
				EventEmit: &wal.EventEmitOp{EventName: string(ev.Name), Payload: ev.Payload},
			}, now); err != nil {
				return emitted, ojerrors.Wrap(err, "persist emitted event")
			}
			emitted = append(emitted, ev)

		case state.EffectSpawn:
			if e.session == nil {
				return emitted, &ojerrors.AdapterError{Adapter: "session", Op: "spawn", Cause: fmt.Errorf("no session adapter configured")}
			}
			if err := e.spawnLimiter.Wait(ctx); err != nil {
				return emitted, &ojerrors.AdapterError{Adapter: "session", Op: "spawn", Cause: err}
			}
			sessionID := sessionIDFromEnv(eff.Spawn.Env, eff.Spawn.WorkspaceID)
			if err := e.session.Spawn(ctx, sessionID, eff.Spawn.Command, eff.Spawn.Env, eff.Spawn.Cwd); err != nil {
				return emitted, &ojerrors.AdapterError{Adapter: "session", Op: "spawn", Cause: err}
			}

		case state.EffectSend:
			if e.session == nil {
				return emitted, &ojerrors.AdapterError{Adapter: "session", Op: "send", Cause: fmt.Errorf("no session adapter configured")}
			}
			if err := e.session.Send(ctx, eff.Send.SessionID, eff.Send.Input); err != nil {
				return emitted, &ojerrors.AdapterError{Adapter: "session", Op: "send", Cause: err}
			}

		case state.EffectKill:
			if e.session == nil {
				return emitted, &ojerrors.AdapterError{Adapter: "session", Op: "kill", Cause: fmt.Errorf("no session adapter configured")}
			}
			if err := e.session.Kill(ctx, eff.Kill.SessionID); err != nil {
				return emitted, &ojerrors.AdapterError{Adapter: "session", Op: "kill", Cause: err}
			}

		case state.EffectWorktreeAdd:
			if e.repo == nil {
				return emitted, &ojerrors.AdapterError{Adapter: "repo", Op: "worktree_add", Cause: fmt.Errorf("no repo adapter configured")}
			}
			if err := e.repo.WorktreeAdd(ctx, eff.WorktreeAdd.Branch, eff.WorktreeAdd.Path); err != nil {
				return emitted, &ojerrors.AdapterError{Adapter: "repo", Op: "worktree_add", Cause: err}
			}

		case state.EffectWorktreeRemove:
			if e.repo == nil {
				return emitted, &ojerrors.AdapterError{Adapter: "repo", Op: "worktree_remove", Cause: fmt.Errorf("no repo adapter configured")}
			}
			if err := e.repo.WorktreeRemove(ctx, eff.WorktreeRemove.Path); err != nil {
				return emitted, &ojerrors.AdapterError{Adapter: "repo", Op: "worktree_remove", Cause: err}
			}

		case state.EffectShell:
			if e.repo == nil {
				return emitted, &ojerrors.AdapterError{Adapter: "repo", Op: "shell", Cause: fmt.Errorf("no repo adapter configured")}
			}
			out, err := e.repo.Shell(ctx, eff.Shell.Cwd, eff.Shell.Command, eff.Shell.Env)
			if err != nil {
				return emitted, &ojerrors.AdapterError{Adapter: "repo", Op: "shell", Cause: err}
			}
			e.log.Debug("phase shell completed", "pipeline_id", eff.Shell.PipelineID, "phase", eff.Shell.Phase, "output_len", len(out))

		case state.EffectMerge:
			if e.repo == nil {
				return emitted, &ojerrors.AdapterError{Adapter: "repo", Op: "merge", Cause: fmt.Errorf("no repo adapter configured")}
			}
			if err := e.repo.Merge(ctx, eff.Merge.Path, eff.Merge.Branch, string(eff.Merge.Strategy)); err != nil {
				return emitted, &ojerrors.AdapterError{Adapter: "repo", Op: "merge", Cause: err}
			}

		case state.EffectSaveCheckpoint:
			if err := e.writeMirror(eff.SaveCheckpoint.PipelineID, eff.SaveCheckpoint.Phase, eff.SaveCheckpoint.Outputs); err != nil {
				e.log.Warn("checkpoint mirror write failed", "pipeline_id", eff.SaveCheckpoint.PipelineID, "error", err)
			}

		case state.EffectNotify:
			if e.notify != nil {
				if err := e.notify.Notify(ctx, eff.Notify.Title, eff.Notify.Message); err != nil {
					e.log.Warn("notify failed", "error", err)
				}
			}

		case state.EffectLog:
			logAt(e.log, eff.Log.Level, eff.Log.Message)

		case state.EffectSetTimer, state.EffectCancelTimer:
			// Timer wheel ownership lives in the runtime event loop (C10):
			// Execute leaves these effects in the returned slice's caller
			// responsibility by design — the runtime applies them to its
			// own TimerWheel directly rather than through an adapter call.
		}
	}
	return emitted, nil
}

func (e *Executor) persist(op wal.Operation, now time.Time) error {
	before := e.wal.BytesWritten()
	seq, err := e.wal.Append(op, now.UnixMicro())
	if err != nil {
		return &ojerrors.DurabilityError{Op: "wal_append", Cause: err}
	}
	e.ms.Apply(op)
	metrics.WALEntriesWritten.Inc()
	metrics.WALBytesWritten.Add(float64(e.wal.BytesWritten() - before))
	_ = seq
	return nil
}

func (e *Executor) writeMirror(pipelineID, phase string, outputs map[string]string) error {
	if e.mirrorDir == "" {
		return nil
	}
	if err := os.MkdirAll(filepath.Join(e.mirrorDir, "pipelines"), 0o755); err != nil {
		return err
	}
	mirror := struct {
		Phase   string            `json:"phase"`
		Outputs map[string]string `json:"outputs"`
	}{Phase: phase, Outputs: outputs}
	data, err := json.MarshalIndent(mirror, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(filepath.Join(e.mirrorDir, "pipelines", pipelineID+".json"), data, 0o644)
}

func logAt(log *slog.Logger, level, message string) {
	switch level {
	case "debug":
		log.Debug(message)
	case "warn":
		log.Warn(message)
	case "error":
		log.Error(message)
	default:
		log.Info(message)
	}
}

func sessionIDFromEnv(env map[string]string, fallback string) string {
	if id, ok := env["OJ_SESSION_ID"]; ok && id != "" {
		return id
	}
	return fallback
}
