package state

import (
	"time"

	"github.com/oj-run/oj/internal/clock"
	"github.com/oj-run/oj/internal/wal"
)

// TaskStatus is the lifecycle state of a Task.
type TaskStatus string

const (
	TaskPending TaskStatus = "pending"
	TaskRunning TaskStatus = "running"
	TaskStuck   TaskStatus = "stuck"
	TaskDone    TaskStatus = "done"
	TaskFailed  TaskStatus = "failed"
)

// Task is one phase's unit of work within a pipeline, bound to at most one
// session at a time.
type Task struct {
	ID          string
	PipelineID  string
	Phase       string
	Status      TaskStatus
	SessionID   string
	HeartbeatInterval time.Duration
	StuckThreshold    time.Duration
	LastHeartbeat     time.Time
	HasLastHeartbeat  bool
	NudgeCount        int
	Output            string
	FailReason        string
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// Terminal reports whether the task has reached Done or Failed.
func (t Task) Terminal() bool {
	return t.Status == TaskDone || t.Status == TaskFailed
}

// TaskCommandKind tags which TaskCommand variant is populated.
type TaskCommandKind string

const (
	TaskStart     TaskCommandKind = "start"
	TaskTick      TaskCommandKind = "tick"
	TaskHeartbeat TaskCommandKind = "heartbeat"
	TaskComplete  TaskCommandKind = "complete"
	TaskFail      TaskCommandKind = "fail"
)

// TaskCommand is the input to Task.Transition.
type TaskCommand struct {
	Kind TaskCommandKind

	SessionID string // Start

	SessionIdleTime time.Duration // Tick: how long the bound session has been idle

	Output string // Complete
	Reason string // Fail
}

// Transition applies cmd to t.
func (t Task) Transition(cmd TaskCommand, clk clock.Clock) (Task, []Effect) {
	if t.Terminal() {
		return t, nil
	}

	now := clk.Now()
	next := t
	next.UpdatedAt = now

	switch cmd.Kind {
	case TaskStart:
		if t.Status != TaskPending {
			return t, nil
		}
		next.Status = TaskRunning
		next.SessionID = cmd.SessionID
		return next, []Effect{
			PersistEffect(wal.Operation{
				Type: wal.KindTaskTransition,
				TaskTransition: &wal.TaskTransitionOp{ID: t.ID, Status: string(TaskRunning)},
			}),
			EmitEffect(NewEvent(EventTaskStarted, t.ID, now)),
		}

	case TaskTick:
		if t.Status == TaskRunning && cmd.SessionIdleTime > t.StuckThreshold {
			next.Status = TaskStuck
			next.NudgeCount = 0
			return next, []Effect{
				PersistEffect(wal.Operation{
					Type: wal.KindTaskTransition,
					TaskTransition: &wal.TaskTransitionOp{ID: t.ID, Status: string(TaskStuck)},
				}),
				EmitEffect(NewEvent(EventTaskStuck, t.ID, now)),
			}
		}
		return t, nil

	case TaskHeartbeat:
		if t.Status == TaskStuck {
			next.Status = TaskRunning
			return next, []Effect{
				PersistEffect(wal.Operation{
					Type: wal.KindTaskTransition,
					TaskTransition: &wal.TaskTransitionOp{ID: t.ID, Status: string(TaskRunning)},
				}),
			}
		}
		return t, nil

	case TaskComplete:
		if t.Status != TaskRunning && t.Status != TaskStuck {
			return t, nil
		}
		next.Status = TaskDone
		next.Output = cmd.Output
		return next, []Effect{
			PersistEffect(wal.Operation{
				Type: wal.KindTaskTransition,
				TaskTransition: &wal.TaskTransitionOp{ID: t.ID, Status: string(TaskDone)},
			}),
			EmitEffect(NewEvent(EventTaskComplete, t.ID, now).With("output", cmd.Output)),
		}

	case TaskFail:
		next.Status = TaskFailed
		next.FailReason = cmd.Reason
		return next, []Effect{
			PersistEffect(wal.Operation{
				Type: wal.KindTaskTransition,
				TaskTransition: &wal.TaskTransitionOp{ID: t.ID, Status: string(TaskFailed), Reason: cmd.Reason},
			}),
			EmitEffect(NewEvent(EventTaskFailed, t.ID, now).With("reason", cmd.Reason)),
		}
	}

	return t, nil
}
