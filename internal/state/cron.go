package state

import (
	"time"

	"github.com/oj-run/oj/internal/clock"
	"github.com/oj-run/oj/internal/wal"
)

// CronStatus is a Cron's position in its Disabled/Enabled/Running cycle.
type CronStatus string

const (
	CronDisabled CronStatus = "disabled"
	CronEnabled  CronStatus = "enabled"
	CronRunning  CronStatus = "running"
)

// CronCommandKind tags which CronCommand variant is populated.
type CronCommandKind string

const (
	CronCmdEnable   CronCommandKind = "enable"
	CronCmdDisable  CronCommandKind = "disable"
	CronCmdTick     CronCommandKind = "tick"
	CronCmdComplete CronCommandKind = "complete"
	CronCmdFail     CronCommandKind = "fail"
)

// CronCommand is the input to Cron.Transition. NextRun is the time the
// scheduler computed via CronExpr.Next; Transition itself never parses
// cron expressions, it only records the result.
type CronCommand struct {
	Kind    CronCommandKind
	NextRun time.Time
}

// Transition applies cmd to c. Enabling arms the timer wheel entry for
// NextRun and emits CronEnabled; Tick while Enabled moves to Running and
// emits CronTriggered; Complete/Fail return to Enabled and re-arm;
// disabling while Running only takes effect once the running tick
// completes (spec.md §4.4's deferred-cancellation rule), recorded by
// leaving Status at Running and flipping Enabled to false so the next
// Complete/Fail checks it instead of re-arming.
func (c Cron) Transition(cmd CronCommand, clk clock.Clock) (Cron, []Effect) {
	now := clk.Now()
	next := c

	switch cmd.Kind {
	case CronCmdEnable:
		if c.Status == CronEnabled || c.Status == CronRunning {
			return c, nil
		}
		next.Status = CronEnabled
		next.Enabled = true
		next.NextRun = cmd.NextRun
		next.HasNextRun = true
		return next, []Effect{
			PersistEffect(cronTransitionOp(c.ID, CronEnabled, &cmd.NextRun)),
			EmitEffect(NewEvent(EventCronEnabled, c.ID, now)),
			SetTimerEffect(cronTimerID(c.ID), cmd.NextRun.Sub(now)),
		}

	case CronCmdDisable:
		if c.Status == CronRunning {
			next.Enabled = false
			return next, []Effect{
				PersistEffect(cronTransitionOp(c.ID, CronRunning, nil)),
			}
		}
		if c.Status == CronDisabled {
			return c, nil
		}
		next.Status = CronDisabled
		next.Enabled = false
		next.HasNextRun = false
		return next, []Effect{
			PersistEffect(cronTransitionOp(c.ID, CronDisabled, nil)),
			EmitEffect(NewEvent(EventCronDisabled, c.ID, now)),
			CancelTimerEffect(cronTimerID(c.ID)),
		}

	case CronCmdTick:
		if c.Status != CronEnabled {
			return c, nil
		}
		next.Status = CronRunning
		next.LastRun = now
		next.HasLastRun = true
		next.RunCount++
		return next, []Effect{
			PersistEffect(wal.Operation{
				Type:     wal.KindCronFired,
				CronFired: &wal.CronFiredOp{CronID: c.ID, FiredAtMicros: now.UnixMicro()},
			}),
			EmitEffect(NewEvent(EventCronTriggered, c.ID, now)),
		}

	case CronCmdComplete, CronCmdFail:
		if c.Status != CronRunning {
			return c, nil
		}
		evName := EventCronCompleted
		if cmd.Kind == CronCmdFail {
			evName = EventCronFailed
		}
		if !c.Enabled {
			// Disable arrived mid-run; honor it now instead of re-arming.
			next.Status = CronDisabled
			next.HasNextRun = false
			return next, []Effect{
				PersistEffect(cronTransitionOp(c.ID, CronDisabled, nil)),
				EmitEffect(NewEvent(evName, c.ID, now)),
				EmitEffect(NewEvent(EventCronDisabled, c.ID, now)),
			}
		}
		next.Status = CronEnabled
		next.NextRun = cmd.NextRun
		next.HasNextRun = true
		return next, []Effect{
			PersistEffect(cronTransitionOp(c.ID, CronEnabled, &cmd.NextRun)),
			EmitEffect(NewEvent(evName, c.ID, now)),
			SetTimerEffect(cronTimerID(c.ID), cmd.NextRun.Sub(now)),
		}
	}

	return c, nil
}

func cronTimerID(cronID string) string { return "cron:" + cronID }

func cronTransitionOp(id string, status CronStatus, nextRun *time.Time) wal.Operation {
	op := wal.CronTransitionOp{ID: id, Status: string(status)}
	if nextRun != nil {
		op.NextRunMicros = nextRun.UnixMicro()
		op.HasNextRun = true
	}
	return wal.Operation{Type: wal.KindCronTransition, CronTransition: &op}
}
