package scheduler_test

import (
	"testing"
	"time"

	"github.com/oj-run/oj/internal/clock"
	"github.com/oj-run/oj/internal/scheduler"
	"github.com/oj-run/oj/internal/state"
)

func TestDefaultResourceScanner_ScanLocksReportsAge(t *testing.T) {
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	clk := clock.NewFake(now)
	ms := state.NewMaterializedState()
	ms.Locks["build"] = state.Lock{
		Name:   "build",
		Holder: &state.LockHolder{HolderID: "worker-1", LastHeartbeat: now.Add(-10 * time.Minute)},
	}
	ms.Locks["free"] = state.Lock{Name: "free"}

	s := scheduler.NewDefaultResourceScanner(ms, clk)
	resources, err := s.Scan("locks")
	if err != nil {
		t.Fatalf("Scan error: %v", err)
	}
	if len(resources) != 1 {
		t.Fatalf("resources = %+v, want exactly the held lock", resources)
	}
	if resources[0].ID != "build" || resources[0].Age != 10*time.Minute {
		t.Fatalf("got %+v, want build held for 10m", resources[0])
	}
}

func TestDefaultResourceScanner_ScanQueueReportsAttempts(t *testing.T) {
	now := time.Now()
	clk := clock.NewFake(now)
	ms := state.NewMaterializedState()
	ms.Queues["jobs"] = state.Queue{
		Name: "jobs",
		Items: []state.QueueItem{
			{ID: "a", Attempts: 3, CreatedAt: now.Add(-time.Hour)},
		},
	}

	s := scheduler.NewDefaultResourceScanner(ms, clk)
	resources, err := s.Scan("queue:jobs")
	if err != nil {
		t.Fatalf("Scan error: %v", err)
	}
	if len(resources) != 1 || resources[0].Attempts != 3 {
		t.Fatalf("got %+v, want one item with 3 attempts", resources)
	}
}

func TestDefaultResourceScanner_ScanUnknownSourceErrors(t *testing.T) {
	clk := clock.NewFake(time.Now())
	ms := state.NewMaterializedState()
	s := scheduler.NewDefaultResourceScanner(ms, clk)
	if _, err := s.Scan("bogus"); err == nil {
		t.Fatal("expected error for unrecognized scanner source")
	}
}

func TestDefaultResourceScanner_ScanSemaphoresOnePerHolder(t *testing.T) {
	now := time.Now()
	clk := clock.NewFake(now)
	ms := state.NewMaterializedState()
	ms.Semaphores["gpu"] = state.Semaphore{
		Name: "gpu",
		Holders: map[string]state.SemaphoreHolder{
			"w1": {Weight: 1, LastHeartbeat: now},
			"w2": {Weight: 1, LastHeartbeat: now},
		},
	}

	s := scheduler.NewDefaultResourceScanner(ms, clk)
	resources, err := s.Scan("semaphores")
	if err != nil {
		t.Fatalf("Scan error: %v", err)
	}
	if len(resources) != 2 {
		t.Fatalf("resources = %+v, want one per holder", resources)
	}
}
