package runtime_test

import (
	"context"
	"log/slog"
	"testing"
	"time"

	"github.com/oj-run/oj/internal/clock"
	"github.com/oj-run/oj/internal/coordination"
	"github.com/oj-run/oj/internal/executor"
	"github.com/oj-run/oj/internal/runbook"
	"github.com/oj-run/oj/internal/runtime"
	"github.com/oj-run/oj/internal/scheduler"
	"github.com/oj-run/oj/internal/state"
	"github.com/oj-run/oj/internal/supervisor"
	"github.com/oj-run/oj/internal/wal"
)

type fakeWAL struct {
	ops []wal.Operation
}

func (f *fakeWAL) Append(op wal.Operation, _ int64) (uint64, error) {
	f.ops = append(f.ops, op)
	return uint64(len(f.ops)), nil
}
func (f *fakeWAL) BytesWritten() uint64 { return uint64(len(f.ops)) * 64 }

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(nopWriter{}, nil))
}

type nopWriter struct{}

func (nopWriter) Write(p []byte) (int, error) { return len(p), nil }

func newTestRuntime(t *testing.T, rb *runbook.Runbook, pipelineAgent func(state.Pipeline) (runbook.Agent, bool)) (*runtime.Runtime, *state.MaterializedState) {
	t.Helper()
	ms := state.NewMaterializedState()
	clk := clock.NewFake(time.Unix(0, 0))
	sched, err := scheduler.New(rb, nil, nil, clk)
	if err != nil {
		t.Fatalf("scheduler.New: %v", err)
	}
	ex := executor.New(&fakeWAL{}, ms, nil, nil, nil, testLogger())
	locator := supervisor.LocatorFunc(func(state.Pipeline, string) (string, bool) { return "", false })
	super := supervisor.New(rb, locator)
	guards := coordination.NewManager()

	rt := runtime.New(ms, rb, ex, sched, super, guards, clk, testLogger(), pipelineAgent)
	return rt, ms
}

func TestRuntime_BootstrapAppliesSchedulerEffects(t *testing.T) {
	rb := &runbook.Runbook{}
	rt, _ := newTestRuntime(t, rb, func(state.Pipeline) (runbook.Agent, bool) { return runbook.Agent{}, false })

	if err := rt.Bootstrap(context.Background()); err != nil {
		t.Fatalf("Bootstrap error: %v", err)
	}
}

func TestRuntime_DispatchEventUnblocksPipelineWhenGuardPasses(t *testing.T) {
	rb := &runbook.Runbook{}
	ms := state.NewMaterializedState()
	clk := clock.NewFake(time.Unix(0, 0))
	sched, err := scheduler.New(rb, nil, nil, clk)
	if err != nil {
		t.Fatalf("scheduler.New: %v", err)
	}
	ex := executor.New(&fakeWAL{}, ms, nil, nil, nil, testLogger())
	locator := supervisor.LocatorFunc(func(state.Pipeline, string) (string, bool) { return "", false })
	super := supervisor.New(rb, locator)
	guards := coordination.NewManager()
	guards.RegisterGuard(state.Guard{
		ID:        "build-lock-free",
		Condition: state.GuardCondition{Kind: state.GuardLockFree, LockName: "build-lock"},
		WakeOn:    []string{"lock:released"},
	})
	rt := runtime.New(ms, rb, ex, sched, super, guards, clk, testLogger(),
		func(state.Pipeline) (runbook.Agent, bool) { return runbook.Agent{}, false })

	ms.Pipelines["p1"] = state.Pipeline{
		ID:             "p1",
		Phase:          "build",
		PhaseStatus:    state.PhaseWaiting,
		BlockedGuardID: "build-lock-free",
	}

	rt.Events <- state.Event{Name: "lock:released", TargetID: "build-lock"}

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(20 * time.Millisecond)
		cancel()
	}()
	if err := rt.Run(ctx); err != nil {
		t.Fatalf("Run error: %v", err)
	}

	p := rt.MaterializedState().Pipelines["p1"]
	if p.PhaseStatus != state.PhaseRunning {
		t.Fatalf("phase status = %v, want running after guard unblock", p.PhaseStatus)
	}
}

func TestRuntime_HandleSessionExitAppliesEscalateOutcome(t *testing.T) {
	rb := &runbook.Runbook{
		Pipelines: map[string]runbook.Pipeline{
			"deploy": {Name: "deploy", Phases: []runbook.PhaseDef{{Name: "build", Next: "done"}}},
		},
	}
	agent := runbook.Agent{OnExit: runbook.ActionChain{Steps: []runbook.ActionStep{{Kind: runbook.ActionEscalate}}}}
	rt, ms := newTestRuntime(t, rb, func(state.Pipeline) (runbook.Agent, bool) { return agent, true })

	ms.Pipelines["p1"] = state.Pipeline{ID: "p1", Kind: "deploy", Phase: "build", PhaseStatus: state.PhaseRunning, SessionID: "s1"}

	rt.HandleSessionExit(context.Background(), "p1")

	p := ms.Pipelines["p1"]
	if p.PhaseStatus != state.PhaseWaiting {
		t.Fatalf("phase status = %v, want waiting after escalate", p.PhaseStatus)
	}
}

func TestRuntime_RunReturnsOnContextCancel(t *testing.T) {
	rb := &runbook.Runbook{}
	rt, _ := newTestRuntime(t, rb, func(state.Pipeline) (runbook.Agent, bool) { return runbook.Agent{}, false })

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	if err := rt.Run(ctx); err != nil {
		t.Fatalf("Run error: %v", err)
	}
}
