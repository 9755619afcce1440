package state_test

import (
	"testing"
	"time"

	"github.com/oj-run/oj/internal/snapshot"
	"github.com/oj-run/oj/internal/state"
	"github.com/oj-run/oj/internal/wal"
)

func TestRestore_FoldsSnapshotThenWALTail(t *testing.T) {
	dir := t.TempDir()

	store, err := snapshot.NewStore(dir + "/snapshots")
	if err != nil {
		t.Fatalf("NewStore: %v", err)
	}

	w, err := wal.Open(dir+"/log", "m1")
	if err != nil {
		t.Fatalf("Open wal: %v", err)
	}
	defer w.Close()

	createP1 := wal.Operation{
		Type:           wal.KindPipelineCreate,
		PipelineCreate: &wal.PipelineCreateOp{ID: "p1", Kind: "release", Name: "r1"},
	}
	seq1, err := w.Append(createP1, 1)
	if err != nil {
		t.Fatalf("Append: %v", err)
	}

	base := state.NewMaterializedState()
	base.Apply(createP1)
	if _, err := store.Create(base, seq1, time.Unix(100, 0)); err != nil {
		t.Fatalf("Create snapshot: %v", err)
	}

	if _, err := w.Append(wal.Operation{
		Type:               wal.KindPipelineTransition,
		PipelineTransition: &wal.PipelineTransitionOp{ID: "p1", FromPhase: "init", ToPhase: "build"},
	}, 2); err != nil {
		t.Fatalf("Append: %v", err)
	}
	seq3, err := w.Append(wal.Operation{
		Type:           wal.KindPipelineCreate,
		PipelineCreate: &wal.PipelineCreateOp{ID: "p2", Kind: "release", Name: "r2"},
	}, 3)
	if err != nil {
		t.Fatalf("Append: %v", err)
	}

	reader := wal.NewReader(dir + "/log")
	st, lastApplied, err := state.Restore(store, reader)
	if err != nil {
		t.Fatalf("Restore: %v", err)
	}

	if st.Pipelines["p1"].Phase != "build" {
		t.Fatalf("p1 phase = %q, want build (snapshot + WAL tail folded)", st.Pipelines["p1"].Phase)
	}
	if _, ok := st.Pipelines["p2"]; !ok {
		t.Fatalf("p2 missing: WAL-only pipeline was not folded")
	}
	if lastApplied != seq3 {
		t.Fatalf("lastApplied = %d, want %d", lastApplied, seq3)
	}
}

func TestRestore_NoSnapshotReadsWholeWAL(t *testing.T) {
	dir := t.TempDir()

	store, err := snapshot.NewStore(dir + "/snapshots")
	if err != nil {
		t.Fatalf("NewStore: %v", err)
	}

	w, err := wal.Open(dir+"/log", "m1")
	if err != nil {
		t.Fatalf("Open wal: %v", err)
	}
	defer w.Close()
	seq, err := w.Append(wal.Operation{
		Type:           wal.KindPipelineCreate,
		PipelineCreate: &wal.PipelineCreateOp{ID: "p1", Kind: "release", Name: "r1"},
	}, 1)
	if err != nil {
		t.Fatalf("Append: %v", err)
	}

	reader := wal.NewReader(dir + "/log")
	st, lastApplied, err := state.Restore(store, reader)
	if err != nil {
		t.Fatalf("Restore: %v", err)
	}
	if _, ok := st.Pipelines["p1"]; !ok {
		t.Fatalf("p1 missing")
	}
	if lastApplied != seq {
		t.Fatalf("lastApplied = %d, want %d", lastApplied, seq)
	}
}
