package state_test

import (
	"testing"
	"time"

	"github.com/oj-run/oj/internal/clock"
	"github.com/oj-run/oj/internal/state"
	"github.com/oj-run/oj/internal/wal"
)

func TestLock_AcquireFreeLockSucceeds(t *testing.T) {
	clk := clock.NewFake(time.Unix(0, 0))
	l := state.Lock{Name: "deploy"}

	next, effects := l.Transition(state.LockCommand{Kind: state.LockCmdAcquire, HolderID: "h1"}, clk)
	if next.Holder == nil || next.Holder.HolderID != "h1" {
		t.Fatalf("Holder = %+v, want h1", next.Holder)
	}
	if len(effects) != 2 {
		t.Fatalf("effects = %v, want persist+emit", effects)
	}
}

func TestLock_AcquireEchoesMetadataOnAcquiredEvent(t *testing.T) {
	clk := clock.NewFake(time.Unix(0, 0))
	l := state.Lock{Name: "deploy"}

	_, effects := l.Transition(state.LockCommand{
		Kind:     state.LockCmdAcquire,
		HolderID: "h1",
		Metadata: map[string]string{"requested_by": "scanner:stale-worktrees"},
	}, clk)

	var acquired *state.Event
	for i := range effects {
		if effects[i].Emit != nil && effects[i].Emit.Name == state.EventLockAcquired {
			acquired = effects[i].Emit
		}
	}
	if acquired == nil {
		t.Fatal("expected a lock:acquired emit")
	}
	if acquired.Payload["metadata.requested_by"] != "scanner:stale-worktrees" {
		t.Fatalf("payload = %+v, want metadata.requested_by echoed", acquired.Payload)
	}
}

func TestLock_AcquireHeldLockIsDenied(t *testing.T) {
	clk := clock.NewFake(time.Unix(0, 0))
	l := state.Lock{
		Name:           "deploy",
		StaleThreshold: time.Minute,
		Holder:         &state.LockHolder{HolderID: "h1", LastHeartbeat: clk.Now()},
	}

	next, effects := l.Transition(state.LockCommand{Kind: state.LockCmdAcquire, HolderID: "h2"}, clk)
	if next.Holder.HolderID != "h1" {
		t.Fatalf("Holder = %+v, want unchanged h1", next.Holder)
	}
	if len(effects) != 1 || effects[0].Emit == nil || effects[0].Emit.Name != state.EventLockDenied {
		t.Fatalf("effects = %v, want a single lock:denied emit", effects)
	}
}

func TestLock_AcquireReclaimsStaleHolder(t *testing.T) {
	clk := clock.NewFake(time.Unix(0, 0))
	l := state.Lock{
		Name:           "deploy",
		StaleThreshold: time.Minute,
		Holder:         &state.LockHolder{HolderID: "h1", LastHeartbeat: clk.Now()},
	}
	clk.Advance(2 * time.Minute)

	next, effects := l.Transition(state.LockCommand{Kind: state.LockCmdAcquire, HolderID: "h2"}, clk)
	if next.Holder == nil || next.Holder.HolderID != "h2" {
		t.Fatalf("Holder = %+v, want reclaimed by h2", next.Holder)
	}

	var sawReclaimed, sawAcquired bool
	for _, e := range effects {
		if e.Emit == nil {
			continue
		}
		switch e.Emit.Name {
		case state.EventLockReclaimed:
			sawReclaimed = true
		case state.EventLockAcquired:
			sawAcquired = true
		}
	}
	if !sawReclaimed || !sawAcquired {
		t.Fatalf("effects = %v, want both lock:reclaimed and lock:acquired", effects)
	}
}

func TestLock_ReleaseOnlyByHolder(t *testing.T) {
	clk := clock.NewFake(time.Unix(0, 0))
	l := state.Lock{Name: "deploy", Holder: &state.LockHolder{HolderID: "h1"}}

	unchanged, _ := l.Transition(state.LockCommand{Kind: state.LockCmdRelease, HolderID: "h2"}, clk)
	if unchanged.Holder == nil {
		t.Fatalf("release by non-holder released the lock")
	}

	freed, _ := l.Transition(state.LockCommand{Kind: state.LockCmdRelease, HolderID: "h1"}, clk)
	if freed.Holder != nil {
		t.Fatalf("Holder = %+v, want nil after release", freed.Holder)
	}
}

func TestLock_HeartbeatPersistsAndResetsStaleness(t *testing.T) {
	clk := clock.NewFake(time.Unix(0, 0))
	l := state.Lock{
		Name:           "deploy",
		StaleThreshold: time.Minute,
		Holder:         &state.LockHolder{HolderID: "h1", LastHeartbeat: clk.Now()},
	}
	clk.Advance(30 * time.Second)

	next, effects := l.Transition(state.LockCommand{Kind: state.LockCmdHeartbeat, HolderID: "h1"}, clk)
	if len(effects) != 1 || effects[0].Persist == nil || effects[0].Persist.Type != wal.KindLockHeartbeat {
		t.Fatalf("effects = %v, want a single lock_heartbeat persist", effects)
	}
	if !next.Holder.LastHeartbeat.Equal(clk.Now()) {
		t.Fatalf("LastHeartbeat = %v, want %v", next.Holder.LastHeartbeat, clk.Now())
	}

	clk.Advance(45 * time.Second) // 75s since acquire, but only 45s since heartbeat
	stillFresh, tickEffects := next.Transition(state.LockCommand{Kind: state.LockCmdTick}, clk)
	if len(tickEffects) != 0 {
		t.Fatalf("tick after heartbeat = %v, want no stale emit", tickEffects)
	}
	_ = stillFresh
}

func TestLock_TickEmitsStaleWithoutMutating(t *testing.T) {
	clk := clock.NewFake(time.Unix(0, 0))
	l := state.Lock{
		Name:           "deploy",
		StaleThreshold: time.Minute,
		Holder:         &state.LockHolder{HolderID: "h1", LastHeartbeat: clk.Now()},
	}
	clk.Advance(2 * time.Minute)

	next, effects := l.Transition(state.LockCommand{Kind: state.LockCmdTick}, clk)
	if next.Holder == nil || next.Holder.HolderID != "h1" {
		t.Fatalf("tick mutated the lock: %+v", next.Holder)
	}
	if len(effects) != 1 || effects[0].Emit.Name != state.EventLockStale {
		t.Fatalf("effects = %v, want a single lock:stale emit", effects)
	}
}
