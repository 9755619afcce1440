package state

import (
	"time"

	"github.com/oj-run/oj/internal/clock"
	"github.com/oj-run/oj/internal/wal"
)

// ActionStatus is an Action's position in its Ready/Executing/Cooling
// cycle.
type ActionStatus string

const (
	ActionReady     ActionStatus = "ready"
	ActionExecuting ActionStatus = "executing"
	ActionCooling   ActionStatus = "cooling"
)

// ActionCommandKind tags which ActionCommand variant is populated.
type ActionCommandKind string

const (
	ActionCmdTrigger  ActionCommandKind = "trigger"
	ActionCmdComplete ActionCommandKind = "complete"
	ActionCmdFail     ActionCommandKind = "fail"
	ActionCmdCooldownElapsed ActionCommandKind = "cooldown_elapsed"
)

// ActionCommand is the input to Action.Transition.
type ActionCommand struct {
	Kind      ActionCommandKind
	TriggerID string
	Cooldown  time.Duration
	Error     string
}

// Transition applies cmd to a. Trigger while Cooling or Executing is
// rejected with ActionRejected and a reason; Trigger while Ready moves to
// Executing and emits ActionTriggered. Complete/Fail move to Cooling,
// arming a timer "action:{id}:cooldown"; when that timer fires the
// scheduler issues ActionCmdCooldownElapsed, returning to Ready and
// emitting ActionReady.
func (a Action) Transition(cmd ActionCommand, clk clock.Clock) (Action, []Effect) {
	now := clk.Now()
	next := a

	switch cmd.Kind {
	case ActionCmdTrigger:
		if a.Status == ActionCooling {
			return a, []Effect{
				EmitEffect(NewEvent(EventActionRejected, a.ID, now).With("reason", "cooling").With("trigger_id", cmd.TriggerID)),
			}
		}
		if a.Status == ActionExecuting {
			return a, []Effect{
				EmitEffect(NewEvent(EventActionRejected, a.ID, now).With("reason", "executing").With("trigger_id", cmd.TriggerID)),
			}
		}
		next.Status = ActionExecuting
		next.RunCount++
		return next, []Effect{
			PersistEffect(wal.Operation{
				Type: wal.KindActionExecutionStarted,
				ActionExecutionStarted: &wal.ActionExecutionStartedOp{ActionID: a.ID, TriggerID: cmd.TriggerID},
			}),
			EmitEffect(NewEvent(EventActionTriggered, a.ID, now).With("trigger_id", cmd.TriggerID)),
		}

	case ActionCmdComplete, ActionCmdFail:
		if a.Status != ActionExecuting {
			return a, nil
		}
		until := now.Add(cmd.Cooldown)
		next.Status = ActionCooling
		next.CoolingUntil = until
		next.HasCoolingUntil = true
		if cmd.Kind == ActionCmdFail {
			next.LastError = cmd.Error
		} else {
			next.LastError = ""
		}
		evName := EventActionCompleted
		if cmd.Kind == ActionCmdFail {
			evName = EventActionFailed
		}
		return next, []Effect{
			PersistEffect(wal.Operation{
				Type: wal.KindActionExecutionCompleted,
				ActionExecutionCompleted: &wal.ActionExecutionCompletedOp{
					ActionID:           a.ID,
					Success:            cmd.Kind == ActionCmdComplete,
					Error:              cmd.Error,
					CoolingUntilMicros: until.UnixMicro(),
				},
			}),
			EmitEffect(NewEvent(evName, a.ID, now)),
			SetTimerEffect(actionCooldownTimerID(a.ID), cmd.Cooldown),
		}

	case ActionCmdCooldownElapsed:
		if a.Status != ActionCooling {
			return a, nil
		}
		next.Status = ActionReady
		next.HasCoolingUntil = false
		return next, []Effect{
			PersistEffect(wal.Operation{
				Type:             wal.KindActionTransition,
				ActionTransition: &wal.ActionTransitionOp{ID: a.ID, Status: string(ActionReady)},
			}),
			EmitEffect(NewEvent(EventActionReady, a.ID, now)),
		}
	}

	return a, nil
}

func actionCooldownTimerID(actionID string) string { return "action:" + actionID + ":cooldown" }
