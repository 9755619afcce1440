package scheduler_test

import (
	"testing"
	"time"

	"github.com/oj-run/oj/internal/clock"
	"github.com/oj-run/oj/internal/runbook"
	"github.com/oj-run/oj/internal/scheduler"
	"github.com/oj-run/oj/internal/state"
	"github.com/oj-run/oj/internal/wal"
)

type fakeFetcher struct {
	value scheduler.SourceValue
	err   error
}

func (f fakeFetcher) Fetch(source string, ctx scheduler.FetchContext) (scheduler.SourceValue, error) {
	return f.value, f.err
}

type fakeResourceScanner struct {
	resources []scheduler.ResourceInfo
}

func (f fakeResourceScanner) Scan(source string) ([]scheduler.ResourceInfo, error) {
	return f.resources, nil
}

func newTestRunbook() *runbook.Runbook {
	return &runbook.Runbook{
		Crons: map[string]runbook.CronDef{
			"nightly": {Name: "nightly", Interval: "@daily", Enabled: true},
		},
		Watchers: map[string]runbook.WatcherDef{
			"idle-session": {
				Name:          "idle-session",
				Source:        "session:worker-1",
				Condition:     "idle:1m",
				CheckInterval: time.Minute,
				Enabled:       true,
				Actions:       []string{"nudge"},
			},
		},
		Scanners: map[string]runbook.ScannerDef{
			"stale-locks": {
				Name:          "stale-locks",
				Source:        "locks",
				Condition:     "age_seconds > 300",
				CleanupAction: "release",
				ScanInterval:  time.Minute,
				Enabled:       true,
			},
		},
		Actions: map[string]runbook.ActionDef{
			"nudge": {Name: "nudge", Cooldown: 30 * time.Second, Kind: "none"},
		},
	}
}

func TestScheduler_BootstrapEnablesCronAndArmsTimers(t *testing.T) {
	clk := clock.NewFake(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))
	rb := newTestRunbook()
	s, err := scheduler.New(rb, fakeFetcher{}, fakeResourceScanner{}, clk)
	if err != nil {
		t.Fatalf("New error: %v", err)
	}
	ms := state.NewMaterializedState()

	effects := s.Bootstrap(ms)
	if len(effects) == 0 {
		t.Fatal("expected cron enable effects")
	}

	var sawEnabledEvent bool
	for _, e := range effects {
		if e.Emit != nil && e.Emit.Name == state.EventCronEnabled {
			sawEnabledEvent = true
		}
	}
	if !sawEnabledEvent {
		t.Fatalf("effects = %+v, want a cron:enabled emit", effects)
	}

	var sawTimer bool
	for _, e := range effects {
		if e.Kind == state.EffectSetTimer {
			sawTimer = true
		}
	}
	if !sawTimer {
		t.Fatalf("effects = %+v, want a set_timer effect for the watcher/scanner", effects)
	}
}

func TestScheduler_PollWatcherMatchTriggersLinkedAction(t *testing.T) {
	clk := clock.NewFake(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))
	rb := newTestRunbook()
	fetcher := fakeFetcher{value: scheduler.SourceValue{Kind: scheduler.SourceIdle, Idle: 5 * time.Minute}}
	s, err := scheduler.New(rb, fetcher, fakeResourceScanner{}, clk)
	if err != nil {
		t.Fatalf("New error: %v", err)
	}
	ms := state.NewMaterializedState()
	ms.Actions["nudge"] = state.Action{ID: "nudge", Name: "nudge", Status: state.ActionReady}

	effects, err := s.FireTimer("watcher:idle-session", ms)
	if err != nil {
		t.Fatalf("FireTimer error: %v", err)
	}

	var sawWatcherTriggered, sawActionTriggered bool
	for _, e := range effects {
		if e.Emit == nil {
			continue
		}
		switch e.Emit.Name {
		case state.EventWatcherTriggered:
			sawWatcherTriggered = true
		case state.EventActionTriggered:
			sawActionTriggered = true
		}
	}
	if !sawWatcherTriggered || !sawActionTriggered {
		t.Fatalf("effects = %+v, want watcher:triggered and action:triggered", effects)
	}
}

func TestScheduler_PollWatcherNoMatchRearmsTimer(t *testing.T) {
	clk := clock.NewFake(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))
	rb := newTestRunbook()
	fetcher := fakeFetcher{value: scheduler.SourceValue{Kind: scheduler.SourceIdle, Idle: time.Second}}
	s, err := scheduler.New(rb, fetcher, fakeResourceScanner{}, clk)
	if err != nil {
		t.Fatalf("New error: %v", err)
	}
	ms := state.NewMaterializedState()

	effects, err := s.FireTimer("watcher:idle-session", ms)
	if err != nil {
		t.Fatalf("FireTimer error: %v", err)
	}
	if len(effects) != 1 || effects[0].Kind != state.EffectSetTimer {
		t.Fatalf("effects = %+v, want exactly one set_timer re-arm on non-match", effects)
	}
}

func TestScheduler_ScanOnceEmitsCleanupPerMatch(t *testing.T) {
	clk := clock.NewFake(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))
	rb := newTestRunbook()
	resScanner := fakeResourceScanner{resources: []scheduler.ResourceInfo{
		{ID: "lock-a", Age: 10 * time.Minute, HasAge: true},
		{ID: "lock-b", Age: time.Second, HasAge: true},
	}}
	s, err := scheduler.New(rb, fakeFetcher{}, resScanner, clk)
	if err != nil {
		t.Fatalf("New error: %v", err)
	}
	ms := state.NewMaterializedState()

	effects, err := s.FireTimer("scanner:stale-locks", ms)
	if err != nil {
		t.Fatalf("FireTimer error: %v", err)
	}

	var releaseCount int
	for _, e := range effects {
		if e.Emit != nil && e.Emit.Name == state.EventScannerReleaseResource {
			releaseCount++
		}
	}
	if releaseCount != 1 {
		t.Fatalf("releaseCount = %d, want 1 (only lock-a is stale)", releaseCount)
	}
}

func TestScheduler_ScanOnceReleasesStaleLockHolder(t *testing.T) {
	clk := clock.NewFake(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))
	rb := newTestRunbook()
	resScanner := fakeResourceScanner{resources: []scheduler.ResourceInfo{
		{ID: "deploy", Holder: "h1", Age: 10 * time.Minute, HasAge: true},
	}}
	s, err := scheduler.New(rb, fakeFetcher{}, resScanner, clk)
	if err != nil {
		t.Fatalf("New error: %v", err)
	}
	ms := state.NewMaterializedState()
	ms.Locks["deploy"] = state.Lock{Name: "deploy", Holder: &state.LockHolder{HolderID: "h1"}}

	effects, err := s.FireTimer("scanner:stale-locks", ms)
	if err != nil {
		t.Fatalf("FireTimer error: %v", err)
	}

	var sawReleased, sawAuditRecord bool
	for _, e := range effects {
		if e.Emit != nil && e.Emit.Name == state.EventLockReleased {
			sawReleased = true
		}
		if e.Persist != nil && e.Persist.Type == wal.KindCleanupExecuted {
			sawAuditRecord = true
		}
	}
	if !sawReleased {
		t.Fatalf("effects = %+v, want a lock:released emit from the cleanup translation", effects)
	}
	if !sawAuditRecord {
		t.Fatalf("effects = %+v, want a cleanup_executed audit record", effects)
	}
}

func TestScheduler_UnknownTimerIDErrors(t *testing.T) {
	clk := clock.NewFake(time.Now())
	rb := newTestRunbook()
	s, err := scheduler.New(rb, fakeFetcher{}, fakeResourceScanner{}, clk)
	if err != nil {
		t.Fatalf("New error: %v", err)
	}
	ms := state.NewMaterializedState()
	if _, err := s.FireTimer("bogus:x", ms); err == nil {
		t.Fatal("expected error for unrecognized timer id")
	}
}
