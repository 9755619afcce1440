// Package runtime wires the pure state machines (internal/state), the
// scheduler (internal/scheduler), the agent supervisor (internal/supervisor)
// and the effect executor (internal/executor) into the single-threaded
// event loop spec.md §4.8 describes: one reactor multiplexing IPC accept,
// an internal event queue, a timer wheel shared by every entity that arms
// timers, and the 10s supervisor tick.
package runtime

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/oj-run/oj/internal/clock"
	"github.com/oj-run/oj/internal/coordination"
	"github.com/oj-run/oj/internal/executor"
	"github.com/oj-run/oj/internal/runbook"
	"github.com/oj-run/oj/internal/scheduler"
	"github.com/oj-run/oj/internal/state"
	"github.com/oj-run/oj/internal/supervisor"
)

const (
	heartbeatInterval = 1 * time.Second
	supervisorInterval = 10 * time.Second
)

// Runtime owns the daemon's single-threaded event loop. It is not safe
// for concurrent use — every mutation happens on the goroutine that calls
// Run, exactly as spec.md's "tokio-style single-threaded reactor"
// describes; IPC handlers and adapter callbacks hand events in through
// Events rather than touching MaterializedState themselves.
type Runtime struct {
	ms       *state.MaterializedState
	runbook  *runbook.Runbook
	exec     *executor.Executor
	sched    *scheduler.Scheduler
	super    *supervisor.Supervisor
	guards   *coordination.Manager
	wheel    *scheduler.TimerWheel
	clk      clock.Clock
	log      *slog.Logger

	// Events is the multi-producer internal channel spec.md §4.8
	// describes: IPC handlers, adapter exit/output callbacks, and
	// FileWatchBridge wake requests all push onto it instead of mutating
	// state directly.
	Events chan state.Event

	pipelineAgent func(state.Pipeline) (runbook.Agent, bool)

	watch *scheduler.FileWatchBridge

	pending []state.Event // events produced mid-batch, drained before the next external one
}

// Option configures optional Runtime dependencies.
type Option func(*Runtime)

// WithFileWatch attaches a FileWatchBridge whose WakeRequests the event
// loop drains, firing the named watcher's timer early instead of waiting
// out its full CheckInterval. The caller still owns starting b.Run in its
// own goroutine.
func WithFileWatch(b *scheduler.FileWatchBridge) Option {
	return func(r *Runtime) { r.watch = b }
}

// New builds a Runtime. pipelineAgent resolves the runbook agent bound to
// a pipeline's current phase (only the runtime walks the pipeline-kind's
// phase graph; internal/supervisor and internal/state stay runbook-agnostic
// beyond the Runbook/Agent types they're handed).
func New(
	ms *state.MaterializedState,
	rb *runbook.Runbook,
	exec *executor.Executor,
	sched *scheduler.Scheduler,
	super *supervisor.Supervisor,
	guards *coordination.Manager,
	clk clock.Clock,
	log *slog.Logger,
	pipelineAgent func(state.Pipeline) (runbook.Agent, bool),
	opts ...Option,
) *Runtime {
	r := &Runtime{
		ms:            ms,
		runbook:       rb,
		exec:          exec,
		sched:         sched,
		super:         super,
		guards:        guards,
		wheel:         scheduler.NewTimerWheel(),
		clk:           clk,
		log:           log,
		Events:        make(chan state.Event, 256),
		pipelineAgent: pipelineAgent,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Bootstrap arms the scheduler's initial cron/watcher/scanner timers. Call
// once before Run, after MaterializedState has been restored from
// snapshot+WAL so Bootstrap sees any already-enabled crons.
func (r *Runtime) Bootstrap(ctx context.Context) error {
	effects := r.sched.Bootstrap(r.ms)
	_, err := r.applyEffects(ctx, effects)
	return err
}

// Run drives the event loop until ctx is canceled. It multiplexes:
//   - the next internal Event (from IPC, adapters, or FileWatchBridge);
//   - the timer wheel's earliest deadline (cron/watcher/scanner/cooldown);
//   - the 1s heartbeat tick (the loop does no work on it);
//   - the 10s supervisor tick (session classification).
//
// SIGTERM/SIGINT cancel ctx; Run returns once the current iteration
// finishes, giving the caller a bounded window to await in-flight adapter
// calls before exiting.
func (r *Runtime) Run(ctx context.Context) error {
	heartbeat := time.NewTicker(heartbeatInterval)
	defer heartbeat.Stop()
	superTick := time.NewTicker(supervisorInterval)
	defer superTick.Stop()

	var wake chan string
	if r.watch != nil {
		wake = r.watch.WakeRequests
	}

	for {
		if err := r.drainPending(ctx); err != nil {
			return err
		}

		timeout := r.wheelTimeout()

		select {
		case <-ctx.Done():
			return nil

		case ev := <-r.Events:
			if err := r.dispatchEvent(ctx, ev); err != nil {
				r.log.Error("dispatch event failed", "event", ev.Name, "error", err)
			}

		case <-heartbeat.C:
			// resource-limit sampling and health reporting are owned by
			// the caller (cmd/ojd), which reads r.MaterializedState()
			// directly; the loop only needs to keep ticking so the
			// select doesn't block forever on a quiet event channel.

		case <-superTick.C:
			r.runSupervisorTick(ctx)

		case name, ok := <-wake:
			if !ok {
				wake = nil
				continue
			}
			r.fireWatcherWake(ctx, name)

		case <-time.After(timeout):
			r.fireDueTimers(ctx)
		}
	}
}

// wheelTimeout bounds how long the select should wait before checking the
// timer wheel again, clamped so Run still notices ctx cancellation and new
// events promptly even with nothing armed.
func (r *Runtime) wheelTimeout() time.Duration {
	at, ok := r.wheel.Next()
	if !ok {
		return time.Second
	}
	d := at.Sub(r.clk.Now())
	if d < 0 {
		return 0
	}
	if d > time.Second {
		return time.Second
	}
	return d
}

func (r *Runtime) fireDueTimers(ctx context.Context) {
	for _, id := range r.wheel.Pop(r.clk.Now()) {
		effects, err := r.sched.FireTimer(id, r.ms)
		if err != nil {
			r.log.Warn("timer fire failed", "id", id, "error", err)
			continue
		}
		emitted, err := r.applyEffects(ctx, effects)
		if err != nil {
			r.log.Error("apply timer effects failed", "id", id, "error", err)
			continue
		}
		r.pending = append(r.pending, emitted...)
	}
}

// fireWatcherWake re-fires a File-sourced watcher's timer early, exactly as
// if it had come due on the wheel, in response to a FileWatchBridge wake
// request.
func (r *Runtime) fireWatcherWake(ctx context.Context, watcherName string) {
	effects, err := r.sched.FireTimer("watcher:"+watcherName, r.ms)
	if err != nil {
		r.log.Warn("file-watch wake failed", "watcher", watcherName, "error", err)
		return
	}
	emitted, err := r.applyEffects(ctx, effects)
	if err != nil {
		r.log.Error("apply file-watch effects failed", "watcher", watcherName, "error", err)
		return
	}
	r.pending = append(r.pending, emitted...)
}

func (r *Runtime) dispatchEvent(ctx context.Context, ev state.Event) error {
	effects := r.sched.OnEvent(ev, r.ms)
	emitted, err := r.applyEffects(ctx, effects)
	if err != nil {
		return err
	}
	r.pending = append(r.pending, emitted...)

	return r.reevaluateGuards(ctx, ev)
}

// reevaluateGuards re-checks every blocked pipeline whose guard listens for
// ev's name, unblocking the ones that now pass. A quiet event (nothing
// registered against it via WakeOn) touches no pipeline.
func (r *Runtime) reevaluateGuards(ctx context.Context, ev state.Event) error {
	woken := r.guards.GuardsForEvent(ev.Name)
	if len(woken) == 0 {
		return nil
	}
	wokenSet := make(map[string]bool, len(woken))
	for _, id := range woken {
		wokenSet[id] = true
	}

	inputs := coordination.BuildGuardInputs(r.ms, nil)
	for id, p := range r.ms.Pipelines {
		if p.PhaseStatus != state.PhaseWaiting || p.BlockedGuardID == "" || !wokenSet[p.BlockedGuardID] {
			continue
		}
		result, err := r.guards.EvaluateGuard(p.BlockedGuardID, inputs)
		if err != nil {
			r.log.Warn("guard evaluation failed", "pipeline_id", id, "guard_id", p.BlockedGuardID, "error", err)
			continue
		}
		if !result.Passed {
			continue
		}
		_, effects := p.Transition(state.PipelineCommand{Kind: state.PipelineUnblocked}, r.clk)
		emitted, err := r.applyEffects(ctx, effects)
		if err != nil {
			r.log.Error("apply unblock effects failed", "pipeline_id", id, "error", err)
			continue
		}
		r.pending = append(r.pending, emitted...)
	}
	return nil
}

func (r *Runtime) drainPending(ctx context.Context) error {
	for len(r.pending) > 0 {
		ev := r.pending[0]
		r.pending = r.pending[1:]
		if err := r.dispatchEvent(ctx, ev); err != nil {
			return err
		}
	}
	return nil
}

func (r *Runtime) runSupervisorTick(ctx context.Context) {
	r.reclaimStaleHolders(ctx)

	checks := r.super.Tick(r.ms, r.pipelineAgent, r.clk.Now())
	for _, check := range checks {
		emitted, err := r.applyEffects(ctx, check.Result.Effects)
		if err != nil {
			r.log.Error("apply supervisor effects failed", "pipeline_id", check.PipelineID, "error", err)
			continue
		}
		r.pending = append(r.pending, emitted...)

		if cmd, ok := r.resolveOutcome(check); ok {
			p, ok := r.ms.Pipelines[check.PipelineID]
			if !ok {
				continue
			}
			_, effects := p.Transition(cmd, r.clk)
			emitted, err := r.applyEffects(ctx, effects)
			if err != nil {
				r.log.Error("apply pipeline outcome failed", "pipeline_id", check.PipelineID, "error", err)
				continue
			}
			r.pending = append(r.pending, emitted...)
		}
	}
}

// reclaimStaleHolders ticks every Lock/Semaphore so a holder that stopped
// heartbeating gets a lock:stale/semaphore:stale emit on the same cadence
// as the supervisor's own staleness checks. coordination.ReclaimStale
// itself never mutates ms (it only describes what to emit); the actual
// eviction happens the next time Acquire finds a stale holder in its way.
func (r *Runtime) reclaimStaleHolders(ctx context.Context) {
	effects := coordination.ReclaimStale(r.ms, r.clk)
	if len(effects) == 0 {
		return
	}
	emitted, err := r.applyEffects(ctx, effects)
	if err != nil {
		r.log.Error("apply stale-holder effects failed", "error", err)
		return
	}
	r.pending = append(r.pending, emitted...)
}

// resolveOutcome turns a supervisor Outcome into the PipelineCommand the
// runtime must apply. Done requires walking the runbook's phase graph to
// find what comes next, which only the runtime (not internal/supervisor)
// has enough context to do.
func (r *Runtime) resolveOutcome(check supervisor.Check) (state.PipelineCommand, bool) {
	switch check.Result.Outcome {
	case supervisor.OutcomeDone:
		p, ok := r.ms.Pipelines[check.PipelineID]
		if !ok {
			return state.PipelineCommand{}, false
		}
		next := r.resolveNextPhase(p)
		return state.PipelineCommand{Kind: state.PipelineAdvance, NextPhase: next}, true

	case supervisor.OutcomeFail:
		return state.PipelineCommand{Kind: state.PipelinePhaseFailed, Reason: check.Result.Reason}, true

	case supervisor.OutcomeEscalate:
		return state.PipelineCommand{
			Kind:      state.PipelinePhaseFailedRecoverable,
			WaitingOn: "manual_resume",
			GuardID:   "",
		}, true

	default:
		return state.PipelineCommand{}, false
	}
}

// resolveNextPhase walks the runbook's declared phase list for p.Kind to
// find the phase after p.Phase, or state.PhaseDone if this was the last
// one (or the kind/phase is unknown, which should not happen for a
// well-formed runbook but must not panic the loop if it does).
func (r *Runtime) resolveNextPhase(p state.Pipeline) string {
	def, ok := r.runbook.Pipelines[p.Kind]
	if !ok {
		return state.PhaseDone
	}
	for _, phase := range def.Phases {
		if phase.Name == p.Phase {
			if phase.Next == "" {
				return state.PhaseDone
			}
			return phase.Next
		}
	}
	return state.PhaseDone
}

// applyEffects runs effects through the executor and folds any SetTimer/
// CancelTimer effect into the runtime's own wheel, since neither the
// scheduler nor the executor owns one themselves.
func (r *Runtime) applyEffects(ctx context.Context, effects []state.Effect) ([]state.Event, error) {
	var timerEffects []state.Effect
	var rest []state.Effect
	for _, e := range effects {
		if e.Kind == state.EffectSetTimer || e.Kind == state.EffectCancelTimer {
			timerEffects = append(timerEffects, e)
			continue
		}
		rest = append(rest, e)
	}

	emitted, err := r.exec.Execute(ctx, rest, r.clk.Now())
	if err != nil {
		return emitted, err
	}

	for _, e := range timerEffects {
		switch e.Kind {
		case state.EffectSetTimer:
			r.wheel.Set(e.SetTimer.ID, r.clk.Now().Add(e.SetTimer.Duration), e.SetTimer.Repeat)
		case state.EffectCancelTimer:
			r.wheel.Cancel(e.CancelTimer.ID)
		}
	}
	return emitted, nil
}

// MaterializedState returns the runtime's live state for read-only
// consumers (IPC query handlers, health/limits sampling).
func (r *Runtime) MaterializedState() *state.MaterializedState { return r.ms }

// HandleSessionExit runs the on_exit handling for a pipeline whose session
// process exited, outside the supervisor's own tick, since an exited
// process won't produce any more session log lines to classify. No session
// adapter in cmd/ojd calls it.
func (r *Runtime) HandleSessionExit(ctx context.Context, pipelineID string) {
	p, ok := r.ms.Pipelines[pipelineID]
	if !ok {
		return
	}
	agent, ok := r.pipelineAgent(p)
	if !ok {
		return
	}
	check := r.super.HandleExit(p, agent, r.clk.Now())
	emitted, err := r.applyEffects(ctx, check.Result.Effects)
	if err != nil {
		r.log.Error("apply exit effects failed", "pipeline_id", pipelineID, "error", err)
		return
	}
	r.pending = append(r.pending, emitted...)
	if cmd, ok := r.resolveOutcome(check); ok {
		_, effects := p.Transition(cmd, r.clk)
		emitted, err := r.applyEffects(ctx, effects)
		if err != nil {
			r.log.Error("apply exit outcome failed", "pipeline_id", pipelineID, "error", err)
			return
		}
		r.pending = append(r.pending, emitted...)
	}
}

// ResumePipeline force-unblocks a pipeline waiting on a guard or a human
// decision, for the `pipeline resume` IPC call (§4.7's Escalate action
// leaves exactly this kind of pipeline behind).
func (r *Runtime) ResumePipeline(ctx context.Context, pipelineID string) error {
	p, ok := r.ms.Pipelines[pipelineID]
	if !ok {
		return fmt.Errorf("runtime: unknown pipeline %s", pipelineID)
	}
	_, effects := p.Transition(state.PipelineCommand{Kind: state.PipelineUnblocked}, r.clk)
	emitted, err := r.applyEffects(ctx, effects)
	if err != nil {
		return err
	}
	r.pending = append(r.pending, emitted...)
	return nil
}

// FailPipeline manually fails a pipeline for the `pipeline fail` IPC call.
func (r *Runtime) FailPipeline(ctx context.Context, pipelineID, reason string) error {
	p, ok := r.ms.Pipelines[pipelineID]
	if !ok {
		return fmt.Errorf("runtime: unknown pipeline %s", pipelineID)
	}
	_, effects := p.Transition(state.PipelineCommand{Kind: state.PipelinePhaseFailed, Reason: reason}, r.clk)
	emitted, err := r.applyEffects(ctx, effects)
	if err != nil {
		return err
	}
	r.pending = append(r.pending, emitted...)
	return nil
}

// SendSession forwards input to a running session's adapter for the
// `session send` IPC call, bypassing the pipeline state machine since the
// send itself doesn't change any entity's state.
func (r *Runtime) SendSession(ctx context.Context, sessionID, input string) error {
	var eff state.Effect
	eff.Kind = state.EffectSend
	eff.Send.SessionID = sessionID
	eff.Send.Input = input
	_, err := r.applyEffects(ctx, []state.Effect{eff})
	return err
}
