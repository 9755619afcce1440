package state_test

import (
	"testing"
	"time"

	"github.com/oj-run/oj/internal/state"
	"github.com/oj-run/oj/internal/wal"
)

func TestMaterializedState_AppliesPipelineLifecycle(t *testing.T) {
	st := state.NewMaterializedState()

	st.Apply(wal.Operation{
		Type: wal.KindPipelineCreate,
		PipelineCreate: &wal.PipelineCreateOp{
			ID: "p1", Kind: "release", Name: "release-1.2",
			Inputs: map[string]string{"version": "1.2"},
		},
	})
	p, ok := st.Pipelines["p1"]
	if !ok || p.Phase != state.PhaseInit {
		t.Fatalf("Pipelines[p1] = %+v, ok=%v, want phase=init", p, ok)
	}

	st.Apply(wal.Operation{
		Type: wal.KindPipelineTransition,
		PipelineTransition: &wal.PipelineTransitionOp{
			ID: "p1", FromPhase: "init", ToPhase: "build",
		},
	})
	if st.Pipelines["p1"].Phase != "build" {
		t.Fatalf("Phase = %q, want build", st.Pipelines["p1"].Phase)
	}

	st.Apply(wal.Operation{Type: wal.KindPipelineDelete, PipelineDelete: &wal.PipelineDeleteOp{ID: "p1"}})
	if _, ok := st.Pipelines["p1"]; ok {
		t.Fatalf("pipeline p1 still present after delete")
	}
}

func TestMaterializedState_AppliesQueueLifecycle(t *testing.T) {
	st := state.NewMaterializedState()

	st.Apply(wal.Operation{
		Type: wal.KindQueuePush,
		QueuePush: &wal.QueuePushOp{QueueName: "jobs", ItemID: "a", Priority: 1, MaxAttempts: 3},
	})
	if len(st.Queues["jobs"].Items) != 1 {
		t.Fatalf("Queues[jobs].Items = %+v, want one item", st.Queues["jobs"].Items)
	}

	st.Apply(wal.Operation{
		Type:      wal.KindQueuePop,
		QueuePop:  &wal.QueuePopOp{QueueName: "jobs", ItemID: "a"},
	})
	q := st.Queues["jobs"]
	if q.Processing == nil || q.Processing.ID != "a" || len(q.Items) != 0 {
		t.Fatalf("after pop: %+v", q)
	}

	st.Apply(wal.Operation{
		Type:      wal.KindQueueAck,
		QueueAck:  &wal.QueueAckOp{QueueName: "jobs", ItemID: "a", Success: true},
	})
	if st.Queues["jobs"].Processing != nil {
		t.Fatalf("processing should be cleared after a successful ack")
	}
}

func TestMaterializedState_QueueAckFailureUnwedgesProcessingAndRetries(t *testing.T) {
	st := state.NewMaterializedState()

	st.Apply(wal.Operation{
		Type:      wal.KindQueuePush,
		QueuePush: &wal.QueuePushOp{QueueName: "jobs", ItemID: "a", Priority: 1, MaxAttempts: 3},
	})
	st.Apply(wal.Operation{
		Type:     wal.KindQueuePop,
		QueuePop: &wal.QueuePopOp{QueueName: "jobs", ItemID: "a"},
	})
	st.Apply(wal.Operation{
		Type:     wal.KindQueueAck,
		QueueAck: &wal.QueueAckOp{QueueName: "jobs", ItemID: "a", Success: false},
	})

	q := st.Queues["jobs"]
	if q.Processing != nil {
		t.Fatalf("Processing = %+v, want nil after a failed ack (queue must not stay wedged)", q.Processing)
	}
	if len(q.Items) != 1 || q.Items[0].Attempts != 1 {
		t.Fatalf("Items = %+v, want the retried item back in the queue with Attempts incremented to 1", q.Items)
	}

	// A second take/ack cycle must still be possible: the queue was not left wedged.
	st.Apply(wal.Operation{
		Type:     wal.KindQueuePop,
		QueuePop: &wal.QueuePopOp{QueueName: "jobs", ItemID: "a"},
	})
	if st.Queues["jobs"].Processing == nil || st.Queues["jobs"].Processing.ID != "a" {
		t.Fatalf("queue should accept a second take after the retried item was returned")
	}
}

func TestMaterializedState_LockAcquireSeedsNonZeroHeartbeat(t *testing.T) {
	st := state.NewMaterializedState()

	st.Apply(wal.Operation{
		Type:        wal.KindLockAcquire,
		LockAcquire: &wal.LockAcquireOp{LockName: "deploy", HolderID: "h1", AcquiredAtMicros: 1_000_000},
	})
	h := st.Locks["deploy"].Holder
	if h == nil || h.LastHeartbeat.IsZero() {
		t.Fatalf("Holder = %+v, want a non-zero LastHeartbeat seeded from the acquire", h)
	}

	st.Apply(wal.Operation{
		Type: wal.KindLockHeartbeat,
		LockHeartbeat: &wal.LockHeartbeatOp{
			LockName: "deploy", HolderID: "h1", HeartbeatMicros: 2_000_000,
		},
	})
	if !st.Locks["deploy"].Holder.LastHeartbeat.Equal(time.UnixMicro(2_000_000)) {
		t.Fatalf("LastHeartbeat = %v, want the persisted heartbeat to advance it", st.Locks["deploy"].Holder.LastHeartbeat)
	}
}

func TestMaterializedState_AppliesLockLifecycle(t *testing.T) {
	st := state.NewMaterializedState()

	st.Apply(wal.Operation{
		Type:        wal.KindLockAcquire,
		LockAcquire: &wal.LockAcquireOp{LockName: "deploy", HolderID: "h1"},
	})
	if st.Locks["deploy"].Holder == nil || st.Locks["deploy"].Holder.HolderID != "h1" {
		t.Fatalf("lock holder = %+v, want h1", st.Locks["deploy"].Holder)
	}

	st.Apply(wal.Operation{
		Type:        wal.KindLockRelease,
		LockRelease: &wal.LockReleaseOp{LockName: "deploy", HolderID: "h1"},
	})
	if st.Locks["deploy"].Holder != nil {
		t.Fatalf("lock should be free after release")
	}
}
