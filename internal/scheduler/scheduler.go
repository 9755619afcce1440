// Package scheduler implements the daemon's cron/watcher/scanner/action
// ticking (spec.md §4.4): a min-heap timer wheel drives when each of them
// next runs, an event-pattern bridge wakes watchers early on matching bus
// events, and a two-phase fetch (plan which sources to query, fetch them
// without mutating state, then apply) keeps source lookups decoupled from
// the pure Cron/Action state machines in internal/state.
package scheduler

import (
	"fmt"
	"strings"
	"time"

	"github.com/oj-run/oj/internal/clock"
	"github.com/oj-run/oj/internal/runbook"
	"github.com/oj-run/oj/internal/state"
	"github.com/oj-run/oj/internal/wal"
)

const (
	cronTimerPrefix    = "cron:"
	watcherTimerPrefix = "watcher:"
	scannerTimerPrefix = "scanner:"
	actionCooldownSuffix = ":cooldown"
)

// Scheduler owns the runbook's Cron/Watcher/Scanner/Action definitions. It
// never mutates MaterializedState or any timer wheel directly — every
// method returns []state.Effect, including the SetTimer/CancelTimer
// entries that arm its own next poll, for the runtime event loop (C10) to
// apply against its single shared TimerWheel the same way it applies
// every other entity's timer effects (lock stale checks, blocked-pipeline
// guard rechecks, and so on).
type Scheduler struct {
	crons    map[string]runbook.CronDef
	watchers map[string]runbook.WatcherDef
	scanners map[string]runbook.ScannerDef
	actions  map[string]runbook.ActionDef

	cronExprs map[string]*CronExpr

	fetcher    SourceFetcher
	resScanner ResourceScanner
	clk        clock.Clock

	exprs *exprCache
}

// New builds a Scheduler from a runbook, pre-parsing every Cron's
// interval so a malformed expression is caught at startup rather than on
// first fire.
func New(rb *runbook.Runbook, fetcher SourceFetcher, resScanner ResourceScanner, clk clock.Clock) (*Scheduler, error) {
	s := &Scheduler{
		crons:      rb.Crons,
		watchers:   rb.Watchers,
		scanners:   rb.Scanners,
		actions:    rb.Actions,
		cronExprs:  map[string]*CronExpr{},
		fetcher:    fetcher,
		resScanner: resScanner,
		clk:        clk,
		exprs:      newExprCache(),
	}
	for name, def := range rb.Crons {
		expr, err := ParseCron(def.Interval)
		if err != nil {
			return nil, fmt.Errorf("scheduler: cron %q: %w", name, err)
		}
		s.cronExprs[name] = expr
	}
	return s, nil
}

// Bootstrap returns the effects that enable every runbook-default-enabled
// cron and arm the first poll timer for every enabled watcher and
// scanner. Called once after crash recovery, before the event loop starts
// accepting events.
func (s *Scheduler) Bootstrap(ms *state.MaterializedState) []state.Effect {
	now := s.clk.Now()
	var effects []state.Effect

	for name, def := range s.crons {
		c, ok := ms.Crons[name]
		if !ok {
			c = state.Cron{ID: name, Name: def.Name, Interval: def.Interval, Enabled: def.Enabled, Status: state.CronDisabled}
		}
		if def.Enabled && c.Status == state.CronDisabled {
			next := s.cronExprs[name].Next(now)
			_, fx := c.Transition(state.CronCommand{Kind: state.CronCmdEnable, NextRun: next}, s.clk)
			effects = append(effects, fx...)
		}
	}

	for name, def := range s.watchers {
		if def.Enabled {
			effects = append(effects, state.SetTimerEffect(watcherTimerPrefix+name, def.CheckInterval))
		}
	}
	for name, def := range s.scanners {
		if def.Enabled {
			effects = append(effects, state.SetTimerEffect(scannerTimerPrefix+name, def.ScanInterval))
		}
	}

	return effects
}

// FireTimer dispatches a timer wheel id that has reached its fire time.
func (s *Scheduler) FireTimer(id string, ms *state.MaterializedState) ([]state.Effect, error) {
	switch {
	case strings.HasPrefix(id, cronTimerPrefix):
		return s.fireCron(strings.TrimPrefix(id, cronTimerPrefix), ms)
	case strings.HasPrefix(id, watcherTimerPrefix):
		return s.pollWatcher(strings.TrimPrefix(id, watcherTimerPrefix), ms)
	case strings.HasPrefix(id, scannerTimerPrefix):
		return s.scanOnce(strings.TrimPrefix(id, scannerTimerPrefix), ms)
	case strings.HasPrefix(id, "action:") && strings.HasSuffix(id, actionCooldownSuffix):
		actionID := strings.TrimSuffix(strings.TrimPrefix(id, "action:"), actionCooldownSuffix)
		return s.elapseActionCooldown(actionID, ms), nil
	}
	return nil, fmt.Errorf("scheduler: unrecognized timer id %q", id)
}

// OnEvent implements the event-pattern bridge: every watcher whose WakeOn
// patterns match ev is polled immediately instead of waiting for its next
// CheckInterval.
func (s *Scheduler) OnEvent(ev state.Event, ms *state.MaterializedState) []state.Effect {
	var effects []state.Effect
	for name, def := range s.watchers {
		if !def.Enabled {
			continue
		}
		for _, pattern := range def.WakeOn {
			if state.MatchesPattern(pattern, ev.Name) {
				fx, err := s.pollWatcher(name, ms)
				if err == nil {
					effects = append(effects, fx...)
				}
				break
			}
		}
	}
	return effects
}

func (s *Scheduler) fireCron(name string, ms *state.MaterializedState) ([]state.Effect, error) {
	def, ok := s.crons[name]
	if !ok {
		return nil, fmt.Errorf("scheduler: unknown cron %q", name)
	}
	c, ok := ms.Crons[name]
	if !ok {
		return nil, fmt.Errorf("scheduler: cron %q has no materialized state", name)
	}

	now := s.clk.Now()
	c, fx := c.Transition(state.CronCommand{Kind: state.CronCmdTick}, s.clk)
	effects := fx

	for _, w := range def.LinkedWatchers {
		wfx, err := s.pollWatcher(w, ms)
		if err == nil {
			effects = append(effects, wfx...)
		}
	}
	for _, sc := range def.LinkedScanners {
		sfx, err := s.scanOnce(sc, ms)
		if err == nil {
			effects = append(effects, sfx...)
		}
	}

	next := s.cronExprs[name].Next(now)
	_, cfx := c.Transition(state.CronCommand{Kind: state.CronCmdComplete, NextRun: next}, s.clk)
	effects = append(effects, cfx...)
	return effects, nil
}

func (s *Scheduler) pollWatcher(name string, ms *state.MaterializedState) ([]state.Effect, error) {
	def, ok := s.watchers[name]
	if !ok {
		return nil, fmt.Errorf("scheduler: unknown watcher %q", name)
	}
	cond, err := ParseWatcherCondition(def.Condition)
	if err != nil {
		return nil, err
	}

	val, err := s.fetcher.Fetch(def.Source, FetchContext{Extract: def.Extract})
	if err != nil {
		return []state.Effect{state.LogEffect("warn", fmt.Sprintf("watcher %s: fetch %s failed: %v", name, def.Source, err))}, nil
	}

	matched, err := cond.Evaluate(val, func(exprStr string) (bool, error) {
		return s.exprs.eval(exprStr, sourceValueEnv(val))
	})
	if err != nil {
		return []state.Effect{state.LogEffect("warn", fmt.Sprintf("watcher %s: condition failed: %v", name, err))}, nil
	}

	now := s.clk.Now()
	if !matched {
		return []state.Effect{state.SetTimerEffect(watcherTimerPrefix+name, def.CheckInterval)}, nil
	}

	effects := []state.Effect{
		state.PersistEffect(wal.Operation{
			Type:         wal.KindWatcherFired,
			WatcherFired: &wal.WatcherFiredOp{WatcherID: name, Path: def.Source},
		}),
		state.EmitEffect(state.NewEvent(state.EventWatcherTriggered, name, now)),
	}
	for _, actionID := range def.Actions {
		fx, err := s.triggerAction(actionID, "watcher:"+name, ms)
		if err == nil {
			effects = append(effects, fx...)
		}
	}
	effects = append(effects, state.SetTimerEffect(watcherTimerPrefix+name, def.CheckInterval))
	return effects, nil
}

func (s *Scheduler) scanOnce(name string, ms *state.MaterializedState) ([]state.Effect, error) {
	def, ok := s.scanners[name]
	if !ok {
		return nil, fmt.Errorf("scheduler: unknown scanner %q", name)
	}

	resources, err := s.resScanner.Scan(def.Source)
	if err != nil {
		return []state.Effect{state.LogEffect("warn", fmt.Sprintf("scanner %s: scan %s failed: %v", name, def.Source, err))}, nil
	}

	now := s.clk.Now()
	var matches []string
	var effects []state.Effect
	effects = append(effects, state.EmitEffect(state.NewEvent(state.EventScannerStarted, name, now)))
	effects = append(effects, state.SetTimerEffect(scannerTimerPrefix+name, def.ScanInterval))

	for _, res := range resources {
		match, err := s.matchesScanCondition(def.Condition, res)
		if err != nil || !match {
			continue
		}
		matches = append(matches, res.ID)
		effects = append(effects, s.cleanupEffects(def.Source, def.CleanupAction, name, res, ms, now)...)
	}

	if len(matches) > 0 {
		effects = append(effects, state.PersistEffect(wal.Operation{
			Type:         wal.KindScannerFired,
			ScannerFired: &wal.ScannerFiredOp{ScannerID: name, Matches: matches, FiredAtMicros: now.UnixMicro()},
		}))
	}

	return effects, nil
}

func (s *Scheduler) matchesScanCondition(condition string, res ResourceInfo) (bool, error) {
	if condition == "" {
		return true, nil
	}
	env := map[string]any{
		"id":       res.ID,
		"holder":   res.Holder,
		"state":    res.State,
		"metadata": res.Metadata,
	}
	if res.HasAge {
		env["age_seconds"] = int64(res.Age.Seconds())
	}
	if res.HasAttempts {
		env["attempts"] = res.Attempts
	}
	return s.exprs.eval(condition, env)
}

func (s *Scheduler) triggerAction(actionID, triggerID string, ms *state.MaterializedState) ([]state.Effect, error) {
	def, ok := s.actions[actionID]
	if !ok {
		return nil, fmt.Errorf("scheduler: unknown action %q", actionID)
	}
	a, ok := ms.Actions[actionID]
	if !ok {
		a = state.Action{ID: actionID, Name: def.Name, Status: state.ActionReady}
	}
	_, fx := a.Transition(state.ActionCommand{Kind: state.ActionCmdTrigger, TriggerID: triggerID, Cooldown: def.Cooldown}, s.clk)
	return fx, nil
}

func (s *Scheduler) elapseActionCooldown(actionID string, ms *state.MaterializedState) []state.Effect {
	a, ok := ms.Actions[actionID]
	if !ok {
		return nil
	}
	_, fx := a.Transition(state.ActionCommand{Kind: state.ActionCmdCooldownElapsed}, s.clk)
	return fx
}

func sourceValueEnv(val SourceValue) map[string]any {
	return map[string]any{
		"numeric":     val.Numeric,
		"idle_seconds": int64(val.Idle.Seconds()),
		"text":        val.Text,
		"boolean":     val.Boolean,
		"state":       val.State,
		"task_state":  val.TaskState,
		"event_count": val.EventCount,
	}
}

// cleanupEffects is the CleanupExecutor: it translates one scanner match
// into the concrete operation its cleanup_action names for the resource
// kind the scanner's source queries, plus the scanner:* event used for
// observability and a cleanup_executed audit record. A (source, action)
// pairing that has no concrete translation (e.g. a "command:" source,
// which names no MaterializedState entity) still gets the event and the
// audit record, just no state mutation.
func (s *Scheduler) cleanupEffects(source, action, scannerName string, res ResourceInfo, ms *state.MaterializedState, now time.Time) []state.Effect {
	kind, dest, _ := strings.Cut(action, ":")
	effects := []state.Effect{cleanupEvent(kind, scannerName, res, dest, now)}
	reason := fmt.Sprintf("scanner:%s", scannerName)

	switch {
	case source == "locks" && kind == "release":
		if l, ok := ms.Locks[res.ID]; ok {
			_, fx := l.Transition(state.LockCommand{Kind: state.LockCmdRelease, HolderID: res.Holder}, s.clk)
			effects = append(effects, fx...)
		}

	case source == "semaphores" && kind == "release":
		semName, holderID, cut := strings.Cut(res.ID, ":")
		if cut {
			if sem, ok := ms.Semaphores[semName]; ok {
				_, fx := sem.Transition(state.SemaphoreCommand{Kind: state.SemaphoreCmdRelease, HolderID: holderID}, s.clk)
				effects = append(effects, fx...)
			}
		}

	case source == "worktrees" && (kind == "delete" || kind == "archive"):
		if w, ok := ms.Workspaces[res.ID]; ok {
			_, fx := w.Transition(state.WorkspaceCommand{Kind: state.WorkspaceCmdDelete}, s.clk)
			effects = append(effects, fx...)
		}

	case strings.HasPrefix(source, "queue:") && kind == "dead_letter":
		queueName := strings.TrimPrefix(source, "queue:")
		if q, ok := ms.Queues[queueName]; ok {
			_, fx := q.Transition(state.QueueCommand{Kind: state.QueueCmdDeadLetter, ItemID: res.ID, Reason: reason}, s.clk)
			effects = append(effects, fx...)
		}

	case source == "tasks" && kind == "fail":
		if t, ok := ms.Tasks[res.ID]; ok {
			_, fx := t.Transition(state.TaskCommand{Kind: state.TaskFail, Reason: reason}, s.clk)
			effects = append(effects, fx...)
		}

	case source == "sessions" && kind == "fail":
		if sess, ok := ms.Sessions[res.ID]; ok {
			_, fx := sess.Transition(state.SessionCommand{Kind: state.SessionCmdExit, Reason: reason}, s.clk)
			effects = append(effects, fx...)
		}

	case source == "pipelines" && kind == "fail":
		if p, ok := ms.Pipelines[res.ID]; ok {
			_, fx := p.Transition(state.PipelineCommand{Kind: state.PipelinePhaseFailed, Reason: reason}, s.clk)
			effects = append(effects, fx...)
		}
	}

	effects = append(effects, state.PersistEffect(wal.Operation{
		Type:            wal.KindCleanupExecuted,
		CleanupExecuted: &wal.CleanupExecutedOp{Resource: source, ID: res.ID},
	}))
	return effects
}

func cleanupEvent(kind string, scannerName string, res ResourceInfo, dest string, now time.Time) state.Effect {
	var name state.EventName
	switch kind {
	case "release":
		name = state.EventScannerReleaseResource
	case "delete":
		name = state.EventScannerDeleteResource
	case "archive":
		name = state.EventScannerArchiveResource
	case "fail":
		name = state.EventScannerFailResource
	case "dead_letter":
		name = state.EventScannerDeadLetterResource
	default:
		name = state.EventScannerDeleteResource
	}
	ev := state.NewEvent(name, res.ID, now).With("scanner", scannerName)
	if dest != "" {
		ev = ev.With("dest", dest)
	}
	return state.EmitEffect(ev)
}
