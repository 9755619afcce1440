package snapshot_test

import (
	"testing"
	"time"

	"github.com/oj-run/oj/internal/snapshot"
)

type fakeState struct {
	Pipelines int `json:"pipelines"`
}

func TestGenerateID_Format(t *testing.T) {
	ts := time.Date(2024, 1, 13, 12, 34, 56, 0, time.UTC)
	id := snapshot.GenerateID(42, ts)
	want := "00000042-20240113123456"
	if id != want {
		t.Errorf("GenerateID() = %q, want %q", id, want)
	}
}

func TestStore_CreateAndLoad(t *testing.T) {
	store, err := snapshot.NewStore(t.TempDir())
	if err != nil {
		t.Fatalf("NewStore() error = %v", err)
	}

	state := fakeState{Pipelines: 3}
	meta, err := store.Create(state, 100, time.Now())
	if err != nil {
		t.Fatalf("Create() error = %v", err)
	}
	if meta.Sequence != 100 {
		t.Errorf("Create() sequence = %d, want 100", meta.Sequence)
	}
	if meta.SizeBytes == 0 {
		t.Error("Create() expected non-zero SizeBytes")
	}

	var loaded fakeState
	env, err := store.Load(meta.ID, &loaded)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if env.SequenceAtSnapshot != 100 {
		t.Errorf("Load() envelope sequence = %d, want 100", env.SequenceAtSnapshot)
	}
	if loaded.Pipelines != 3 {
		t.Errorf("Load() state.Pipelines = %d, want 3", loaded.Pipelines)
	}
}

func TestStore_ListOrdersNewestFirst(t *testing.T) {
	store, err := snapshot.NewStore(t.TempDir())
	if err != nil {
		t.Fatalf("NewStore() error = %v", err)
	}

	for _, seq := range []uint64{10, 20, 30} {
		if _, err := store.Create(fakeState{}, seq, time.Now()); err != nil {
			t.Fatalf("Create(%d) error = %v", seq, err)
		}
	}

	list, err := store.List()
	if err != nil {
		t.Fatalf("List() error = %v", err)
	}
	if len(list) != 3 {
		t.Fatalf("List() returned %d entries, want 3", len(list))
	}
	if list[0].Sequence != 30 || list[1].Sequence != 20 || list[2].Sequence != 10 {
		t.Errorf("List() order = %v, want [30 20 10]", list)
	}
}

func TestStore_Latest(t *testing.T) {
	store, err := snapshot.NewStore(t.TempDir())
	if err != nil {
		t.Fatalf("NewStore() error = %v", err)
	}

	if _, ok, err := store.Latest(); err != nil || ok {
		t.Fatalf("Latest() on empty store = (_, %v, %v), want (_, false, nil)", ok, err)
	}

	for _, seq := range []uint64{10, 30, 20} {
		if _, err := store.Create(fakeState{}, seq, time.Now()); err != nil {
			t.Fatalf("Create(%d) error = %v", seq, err)
		}
	}

	latest, ok, err := store.Latest()
	if err != nil || !ok {
		t.Fatalf("Latest() = (_, %v, %v), want (_, true, nil)", ok, err)
	}
	if latest.Sequence != 30 {
		t.Errorf("Latest() sequence = %d, want 30", latest.Sequence)
	}
}

func TestStore_DeleteAndLoadNotFound(t *testing.T) {
	store, err := snapshot.NewStore(t.TempDir())
	if err != nil {
		t.Fatalf("NewStore() error = %v", err)
	}

	meta, err := store.Create(fakeState{}, 100, time.Now())
	if err != nil {
		t.Fatalf("Create() error = %v", err)
	}

	if err := store.Delete(meta.ID); err != nil {
		t.Fatalf("Delete() error = %v", err)
	}

	if _, err := store.Load(meta.ID, nil); err == nil {
		t.Error("Load() after Delete() expected error, got nil")
	}
}

func TestStore_CleanupOldSnapshots(t *testing.T) {
	store, err := snapshot.NewStore(t.TempDir())
	if err != nil {
		t.Fatalf("NewStore() error = %v", err)
	}

	for _, seq := range []uint64{10, 20, 30, 40, 50} {
		if _, err := store.Create(fakeState{}, seq, time.Now()); err != nil {
			t.Fatalf("Create(%d) error = %v", seq, err)
		}
	}

	deleted, err := store.CleanupOld(40, 1)
	if err != nil {
		t.Fatalf("CleanupOld() error = %v", err)
	}
	if len(deleted) != 2 {
		t.Fatalf("CleanupOld() deleted %d snapshots, want 2", len(deleted))
	}

	remaining, err := store.List()
	if err != nil {
		t.Fatalf("List() error = %v", err)
	}
	if len(remaining) != 3 {
		t.Fatalf("List() after cleanup = %d entries, want 3", len(remaining))
	}
	if remaining[0].Sequence != 50 || remaining[1].Sequence != 40 || remaining[2].Sequence != 30 {
		t.Errorf("List() after cleanup order = %v, want [50 40 30]", remaining)
	}
}
