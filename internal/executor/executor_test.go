package executor_test

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/oj-run/oj/internal/executor"
	"github.com/oj-run/oj/internal/state"
	"github.com/oj-run/oj/internal/wal"
)

// fakeWAL is an in-memory stand-in for *wal.Writer, recording every
// appended operation in order without touching disk.
type fakeWAL struct {
	ops   []wal.Operation
	bytes uint64
	err   error
}

func (f *fakeWAL) Append(op wal.Operation, _ int64) (uint64, error) {
	if f.err != nil {
		return 0, f.err
	}
	f.ops = append(f.ops, op)
	f.bytes += 64
	return uint64(len(f.ops)), nil
}

func (f *fakeWAL) BytesWritten() uint64 { return f.bytes }

type fakeSession struct {
	spawned  []string
	sent     []string
	killed   []string
	spawnErr error
}

func (f *fakeSession) Spawn(_ context.Context, sessionID string, _ []string, _ map[string]string, _ string) error {
	if f.spawnErr != nil {
		return f.spawnErr
	}
	f.spawned = append(f.spawned, sessionID)
	return nil
}

func (f *fakeSession) Send(_ context.Context, sessionID, input string) error {
	f.sent = append(f.sent, sessionID+":"+input)
	return nil
}

func (f *fakeSession) Kill(_ context.Context, sessionID string) error {
	f.killed = append(f.killed, sessionID)
	return nil
}

type fakeRepo struct {
	added []string
}

func (f *fakeRepo) WorktreeAdd(_ context.Context, branch, path string) error {
	f.added = append(f.added, branch+"@"+path)
	return nil
}
func (f *fakeRepo) WorktreeRemove(_ context.Context, path string) error { return nil }
func (f *fakeRepo) Merge(_ context.Context, path, branch, strategy string) error { return nil }
func (f *fakeRepo) Shell(_ context.Context, cwd string, command []string, env map[string]string) (string, error) {
	return "ok", nil
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(nopWriter{}, nil))
}

type nopWriter struct{}

func (nopWriter) Write(p []byte) (int, error) { return len(p), nil }

func TestExecutor_PersistThenEmitAppendsToWALAndMaterializedState(t *testing.T) {
	w := &fakeWAL{}
	ms := state.NewMaterializedState()
	ex := executor.New(w, ms, nil, nil, nil, testLogger())

	effects := []state.Effect{
		state.EmitEffect(state.Event{Name: state.EventPipelineCreated, Payload: map[string]string{"id": "p1"}}),
	}
	emitted, err := ex.Execute(context.Background(), effects, time.Unix(0, 0))
	if err != nil {
		t.Fatalf("Execute error: %v", err)
	}
	if len(emitted) != 1 || emitted[0].Name != state.EventPipelineCreated {
		t.Fatalf("emitted = %+v, want one pipeline:created event", emitted)
	}
	if len(w.ops) != 1 || w.ops[0].Type != wal.KindEventEmit {
		t.Fatalf("ops = %+v, want one event_emit op", w.ops)
	}
}

func TestExecutor_SpawnCallsSessionAdapter(t *testing.T) {
	w := &fakeWAL{}
	ms := state.NewMaterializedState()
	sess := &fakeSession{}
	ex := executor.New(w, ms, sess, nil, nil, testLogger())

	eff := state.Effect{Kind: state.EffectSpawn}
	eff.Spawn.WorkspaceID = "ws-1"
	eff.Spawn.Command = []string{"claude"}
	eff.Spawn.Cwd = "/tmp/ws-1"

	if _, err := ex.Execute(context.Background(), []state.Effect{eff}, time.Now()); err != nil {
		t.Fatalf("Execute error: %v", err)
	}
	if len(sess.spawned) != 1 || sess.spawned[0] != "ws-1" {
		t.Fatalf("spawned = %+v, want [ws-1]", sess.spawned)
	}
}

func TestExecutor_SpawnWithoutAdapterReturnsAdapterError(t *testing.T) {
	w := &fakeWAL{}
	ms := state.NewMaterializedState()
	ex := executor.New(w, ms, nil, nil, nil, testLogger())

	eff := state.Effect{Kind: state.EffectSpawn}
	eff.Spawn.Command = []string{"claude"}

	_, err := ex.Execute(context.Background(), []state.Effect{eff}, time.Now())
	if err == nil {
		t.Fatal("expected an error when no session adapter is configured")
	}
}

func TestExecutor_AdapterFailureAbortsRemainingEffects(t *testing.T) {
	w := &fakeWAL{}
	ms := state.NewMaterializedState()
	sess := &fakeSession{spawnErr: fmt.Errorf("tmux: no such pane")}
	repo := &fakeRepo{}
	ex := executor.New(w, ms, sess, repo, nil, testLogger())

	spawn := state.Effect{Kind: state.EffectSpawn}
	spawn.Spawn.Command = []string{"claude"}

	add := state.Effect{Kind: state.EffectWorktreeAdd}
	add.WorktreeAdd.Branch = "feature"
	add.WorktreeAdd.Path = "/tmp/wt"

	_, err := ex.Execute(context.Background(), []state.Effect{spawn, add}, time.Now())
	if err == nil {
		t.Fatal("expected adapter error to propagate")
	}
	if len(repo.added) != 0 {
		t.Fatalf("worktree add ran after a prior effect failed: %+v", repo.added)
	}
}

func TestExecutor_WorktreeAddCallsRepoAdapter(t *testing.T) {
	w := &fakeWAL{}
	ms := state.NewMaterializedState()
	repo := &fakeRepo{}
	ex := executor.New(w, ms, nil, repo, nil, testLogger())

	eff := state.Effect{Kind: state.EffectWorktreeAdd}
	eff.WorktreeAdd.Branch = "feature-x"
	eff.WorktreeAdd.Path = "/tmp/wt-x"

	if _, err := ex.Execute(context.Background(), []state.Effect{eff}, time.Now()); err != nil {
		t.Fatalf("Execute error: %v", err)
	}
	if len(repo.added) != 1 || repo.added[0] != "feature-x@/tmp/wt-x" {
		t.Fatalf("added = %+v, want [feature-x@/tmp/wt-x]", repo.added)
	}
}

func TestExecutor_SaveCheckpointWritesMirrorFile(t *testing.T) {
	w := &fakeWAL{}
	ms := state.NewMaterializedState()
	dir := t.TempDir()
	ex := executor.New(w, ms, nil, nil, nil, testLogger(), executor.WithMirrorDir(dir))

	eff := state.Effect{Kind: state.EffectSaveCheckpoint}
	eff.SaveCheckpoint.PipelineID = "p1"
	eff.SaveCheckpoint.Phase = "implement"
	eff.SaveCheckpoint.Outputs = map[string]string{"pr_url": "https://example.com/1"}

	if _, err := ex.Execute(context.Background(), []state.Effect{eff}, time.Now()); err != nil {
		t.Fatalf("Execute error: %v", err)
	}
	if _, err := os.Stat(filepath.Join(dir, "pipelines", "p1.json")); err != nil {
		t.Fatalf("mirror file not written: %v", err)
	}
}

func TestExecutor_SetTimerEffectIsANoopForTheExecutorItself(t *testing.T) {
	w := &fakeWAL{}
	ms := state.NewMaterializedState()
	ex := executor.New(w, ms, nil, nil, nil, testLogger())

	eff := state.SetTimerEffect("cron:nightly", time.Minute)
	if _, err := ex.Execute(context.Background(), []state.Effect{eff}, time.Now()); err != nil {
		t.Fatalf("Execute error: %v", err)
	}
	if len(w.ops) != 0 {
		t.Fatalf("ops = %+v, want none: SetTimer is the runtime's responsibility, not the executor's", w.ops)
	}
}
