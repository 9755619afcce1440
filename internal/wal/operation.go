// Package wal implements the durable, append-only operation log that backs
// the daemon's materialized state. Every mutation to a pipeline, task,
// session, workspace, queue, lock, semaphore, guard, cron, watcher, scanner
// or action is first appended here and fsynced before the in-memory state is
// updated, so a crash can never leave memory ahead of disk.
package wal

import (
	"encoding/json"
	"fmt"
)

// Kind identifies which Operation variant an Entry carries. Kept as a plain
// string on the wire so the log stays human-greppable.
type Kind string

const (
	KindPipelineCreate     Kind = "pipeline_create"
	KindPipelineTransition Kind = "pipeline_transition"
	KindPipelineDelete     Kind = "pipeline_delete"
	KindTaskCreate         Kind = "task_create"
	KindTaskTransition     Kind = "task_transition"
	KindTaskDelete         Kind = "task_delete"
	KindWorkspaceCreate    Kind = "workspace_create"
	KindWorkspaceTransition Kind = "workspace_transition"
	KindWorkspaceDelete    Kind = "workspace_delete"
	KindSessionCreate      Kind = "session_create"
	KindSessionHeartbeat   Kind = "session_heartbeat"
	KindSessionTransition  Kind = "session_transition"
	KindSessionDelete      Kind = "session_delete"
	KindQueuePush          Kind = "queue_push"
	KindQueuePop           Kind = "queue_pop"
	KindQueueAck           Kind = "queue_ack"
	KindQueueDeadLetter    Kind = "queue_dead_letter"
	KindLockAcquire        Kind = "lock_acquire"
	KindLockRelease        Kind = "lock_release"
	KindLockHeartbeat      Kind = "lock_heartbeat"
	KindSemaphoreAcquire   Kind = "semaphore_acquire"
	KindSemaphoreRelease   Kind = "semaphore_release"
	KindSemaphoreHeartbeat Kind = "semaphore_heartbeat"
	KindGuardEvaluated     Kind = "guard_evaluated"
	KindCronTransition     Kind = "cron_transition"
	KindCronFired          Kind = "cron_fired"
	KindWatcherFired       Kind = "watcher_fired"
	KindScannerFired       Kind = "scanner_fired"
	KindActionExecutionStarted   Kind = "action_execution_started"
	KindActionExecutionCompleted Kind = "action_execution_completed"
	KindActionTransition         Kind = "action_transition"
	KindEventEmit          Kind = "event_emit"
	KindCleanupExecuted    Kind = "cleanup_executed"
	KindSnapshotTaken      Kind = "snapshot_taken"
)

// Operation is the tagged union of every durable mutation. Exactly one of
// the typed fields is non-nil, selected by Type.
type Operation struct {
	Type Kind `json:"type"`

	PipelineCreate     *PipelineCreateOp     `json:"-"`
	PipelineTransition *PipelineTransitionOp `json:"-"`
	PipelineDelete     *PipelineDeleteOp     `json:"-"`

	TaskCreate     *TaskCreateOp     `json:"-"`
	TaskTransition *TaskTransitionOp `json:"-"`
	TaskDelete     *TaskDeleteOp     `json:"-"`

	WorkspaceCreate     *WorkspaceCreateOp     `json:"-"`
	WorkspaceTransition *WorkspaceTransitionOp `json:"-"`
	WorkspaceDelete     *WorkspaceDeleteOp     `json:"-"`

	SessionCreate     *SessionCreateOp     `json:"-"`
	SessionHeartbeat  *SessionHeartbeatOp  `json:"-"`
	SessionTransition *SessionTransitionOp `json:"-"`
	SessionDelete     *SessionDeleteOp     `json:"-"`

	QueuePush      *QueuePushOp      `json:"-"`
	QueuePop       *QueuePopOp       `json:"-"`
	QueueAck       *QueueAckOp       `json:"-"`
	QueueDeadLetter *QueueDeadLetterOp `json:"-"`

	LockAcquire   *LockAcquireOp   `json:"-"`
	LockRelease   *LockReleaseOp   `json:"-"`
	LockHeartbeat *LockHeartbeatOp `json:"-"`

	SemaphoreAcquire   *SemaphoreAcquireOp   `json:"-"`
	SemaphoreRelease   *SemaphoreReleaseOp   `json:"-"`
	SemaphoreHeartbeat *SemaphoreHeartbeatOp `json:"-"`

	GuardEvaluated *GuardEvaluatedOp  `json:"-"`
	CronTransition *CronTransitionOp `json:"-"`
	CronFired      *CronFiredOp      `json:"-"`
	WatcherFired   *WatcherFiredOp   `json:"-"`
	ScannerFired   *ScannerFiredOp   `json:"-"`

	ActionExecutionStarted   *ActionExecutionStartedOp   `json:"-"`
	ActionExecutionCompleted *ActionExecutionCompletedOp `json:"-"`
	ActionTransition         *ActionTransitionOp         `json:"-"`

	EventEmit       *EventEmitOp       `json:"-"`
	CleanupExecuted *CleanupExecutedOp `json:"-"`
	SnapshotTaken   *SnapshotTakenOp   `json:"-"`
}

type PipelineCreateOp struct {
	ID              string            `json:"id"`
	Kind            string            `json:"kind"`
	Name            string            `json:"name"`
	WorkspaceID     *string           `json:"workspace_id,omitempty"`
	Inputs          map[string]string `json:"inputs"`
	Outputs         map[string]string `json:"outputs"`
	CreatedAtMicros int64             `json:"created_at_micros"`
}

type PipelineTransitionOp struct {
	ID                string            `json:"id"`
	FromPhase         string            `json:"from_phase"`
	ToPhase           string            `json:"to_phase"`
	WorkspaceID       *string           `json:"workspace_id,omitempty"`
	Outputs           map[string]string `json:"outputs,omitempty"`
	CurrentTaskID     *string           `json:"current_task_id,omitempty"`
	FailedReason      *string           `json:"failed_reason,omitempty"`
	BlockedWaitingOn  *string           `json:"blocked_waiting_on,omitempty"`
	BlockedGuardID    *string           `json:"blocked_guard_id,omitempty"`
}

type PipelineDeleteOp struct {
	ID string `json:"id"`
}

type TaskCreateOp struct {
	ID                   string `json:"id"`
	PipelineID           string `json:"pipeline_id"`
	Phase                string `json:"phase"`
	HeartbeatIntervalSecs int64 `json:"heartbeat_interval_secs"`
	StuckThresholdSecs   int64  `json:"stuck_threshold_secs"`
}

type TaskTransitionOp struct {
	ID     string `json:"id"`
	Status string `json:"status"`
	Reason string `json:"reason,omitempty"`
}

type TaskDeleteOp struct {
	ID string `json:"id"`
}

type WorkspaceCreateOp struct {
	ID              string `json:"id"`
	Name            string `json:"name"`
	Path            string `json:"path"`
	Branch          string `json:"branch"`
	State           string `json:"state"`
	CreatedAtMicros int64  `json:"created_at_micros"`
}

type WorkspaceTransitionOp struct {
	ID    string `json:"id"`
	State string `json:"state"`
}

type WorkspaceDeleteOp struct {
	ID string `json:"id"`
}

type SessionCreateOp struct {
	ID         string `json:"id"`
	TaskID     string `json:"task_id"`
	WorkspaceID string `json:"workspace_id"`
	LogPath    string `json:"log_path"`
}

type SessionHeartbeatOp struct {
	ID                string `json:"id"`
	LastHeartbeatMicros int64 `json:"last_heartbeat_micros"`
}

type SessionTransitionOp struct {
	ID    string `json:"id"`
	State string `json:"state"`
}

type SessionDeleteOp struct {
	ID string `json:"id"`
}

type QueuePushOp struct {
	QueueName   string            `json:"queue_name"`
	ItemID      string            `json:"item_id"`
	Data        map[string]string `json:"data"`
	Priority    int64             `json:"priority"`
	MaxAttempts int64             `json:"max_attempts"`
}

type QueuePopOp struct {
	QueueName string `json:"queue_name"`
	ItemID    string `json:"item_id"`
	HolderID  string `json:"holder_id"`
}

type QueueAckOp struct {
	QueueName string `json:"queue_name"`
	ItemID    string `json:"item_id"`
	Success   bool   `json:"success"`
}

// QueueDeadLetterOp routes an item straight to a Queue's dead-letter sink
// regardless of its current Attempts, for items that never entered
// Processing (e.g. a scanner match on an item still sitting in Items).
type QueueDeadLetterOp struct {
	QueueName string `json:"queue_name"`
	ItemID    string `json:"item_id"`
	Reason    string `json:"reason"`
}

type LockAcquireOp struct {
	LockName          string `json:"lock_name"`
	HolderID          string `json:"holder_id"`
	HeartbeatInterval int64  `json:"heartbeat_interval_secs"`
	AcquiredAtMicros  int64  `json:"acquired_at_micros"`
}

type LockReleaseOp struct {
	LockName string `json:"lock_name"`
	HolderID string `json:"holder_id"`
}

// LockHeartbeatOp records that HolderID is still alive, resetting the
// staleness clock Apply uses to decide whether a future Acquire may
// reclaim the lock.
type LockHeartbeatOp struct {
	LockName        string `json:"lock_name"`
	HolderID        string `json:"holder_id"`
	HeartbeatMicros int64  `json:"heartbeat_micros"`
}

type SemaphoreAcquireOp struct {
	SemaphoreName    string `json:"semaphore_name"`
	HolderID         string `json:"holder_id"`
	Weight           int64  `json:"weight"`
	AcquiredAtMicros int64  `json:"acquired_at_micros"`
}

type SemaphoreReleaseOp struct {
	SemaphoreName string `json:"semaphore_name"`
	HolderID      string `json:"holder_id"`
}

// SemaphoreHeartbeatOp is SemaphoreAcquireOp's counterpart to
// LockHeartbeatOp: it keeps one weighted holder from going stale.
type SemaphoreHeartbeatOp struct {
	SemaphoreName   string `json:"semaphore_name"`
	HolderID        string `json:"holder_id"`
	HeartbeatMicros int64  `json:"heartbeat_micros"`
}

type GuardEvaluatedOp struct {
	GuardID string `json:"guard_id"`
	Passed  bool   `json:"passed"`
}

// CronTransitionOp persists a Cron's Disabled/Enabled/Running state-machine
// move (enable, disable, complete, fail); the Running transition itself is
// persisted via CronFiredOp so replay can distinguish "armed" from "fired".
type CronTransitionOp struct {
	ID            string `json:"id"`
	Status        string `json:"status"`
	NextRunMicros int64  `json:"next_run_micros,omitempty"`
	HasNextRun    bool   `json:"has_next_run"`
}

type CronFiredOp struct {
	CronID       string `json:"cron_id"`
	FiredAtMicros int64 `json:"fired_at_micros"`
}

type WatcherFiredOp struct {
	WatcherID string `json:"watcher_id"`
	Path      string `json:"path"`
}

type ScannerFiredOp struct {
	ScannerID     string   `json:"scanner_id"`
	Matches       []string `json:"matches"`
	FiredAtMicros int64    `json:"fired_at_micros"`
}

type ActionExecutionStartedOp struct {
	ActionID  string `json:"action_id"`
	TriggerID string `json:"trigger_id"`
}

type ActionExecutionCompletedOp struct {
	ActionID          string `json:"action_id"`
	Success           bool   `json:"success"`
	Error             string `json:"error,omitempty"`
	CoolingUntilMicros int64 `json:"cooling_until_micros"`
}

// ActionTransitionOp persists an Action leaving Cooling and returning to
// Ready once its cooldown timer fires.
type ActionTransitionOp struct {
	ID     string `json:"id"`
	Status string `json:"status"`
}

type EventEmitOp struct {
	EventName string            `json:"event_name"`
	Payload   map[string]string `json:"payload"`
}

type CleanupExecutedOp struct {
	Resource string `json:"resource"`
	ID       string `json:"id"`
}

type SnapshotTakenOp struct {
	SnapshotID string `json:"snapshot_id"`
	Sequence   uint64 `json:"sequence"`
}

// opEnvelope is the shape Operation marshals to/from: a type tag plus the
// payload inlined at the top level of the object.
type opEnvelope struct {
	Type Kind `json:"type"`
}

// MarshalJSON flattens the active variant alongside its type tag.
func (o Operation) MarshalJSON() ([]byte, error) {
	var payload any
	switch o.Type {
	case KindPipelineCreate:
		payload = o.PipelineCreate
	case KindPipelineTransition:
		payload = o.PipelineTransition
	case KindPipelineDelete:
		payload = o.PipelineDelete
	case KindTaskCreate:
		payload = o.TaskCreate
	case KindTaskTransition:
		payload = o.TaskTransition
	case KindTaskDelete:
		payload = o.TaskDelete
	case KindWorkspaceCreate:
		payload = o.WorkspaceCreate
	case KindWorkspaceTransition:
		payload = o.WorkspaceTransition
	case KindWorkspaceDelete:
		payload = o.WorkspaceDelete
	case KindSessionCreate:
		payload = o.SessionCreate
	case KindSessionHeartbeat:
		payload = o.SessionHeartbeat
	case KindSessionTransition:
		payload = o.SessionTransition
	case KindSessionDelete:
		payload = o.SessionDelete
	case KindQueuePush:
		payload = o.QueuePush
	case KindQueuePop:
		payload = o.QueuePop
	case KindQueueAck:
		payload = o.QueueAck
	case KindQueueDeadLetter:
		payload = o.QueueDeadLetter
	case KindLockAcquire:
		payload = o.LockAcquire
	case KindLockRelease:
		payload = o.LockRelease
	case KindLockHeartbeat:
		payload = o.LockHeartbeat
	case KindSemaphoreAcquire:
		payload = o.SemaphoreAcquire
	case KindSemaphoreRelease:
		payload = o.SemaphoreRelease
	case KindSemaphoreHeartbeat:
		payload = o.SemaphoreHeartbeat
	case KindGuardEvaluated:
		payload = o.GuardEvaluated
	case KindCronTransition:
		payload = o.CronTransition
	case KindCronFired:
		payload = o.CronFired
	case KindWatcherFired:
		payload = o.WatcherFired
	case KindScannerFired:
		payload = o.ScannerFired
	case KindActionExecutionStarted:
		payload = o.ActionExecutionStarted
	case KindActionExecutionCompleted:
		payload = o.ActionExecutionCompleted
	case KindActionTransition:
		payload = o.ActionTransition
	case KindEventEmit:
		payload = o.EventEmit
	case KindCleanupExecuted:
		payload = o.CleanupExecuted
	case KindSnapshotTaken:
		payload = o.SnapshotTaken
	default:
		return nil, fmt.Errorf("wal: unknown operation type %q", o.Type)
	}

	payloadBytes, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	var payloadMap map[string]json.RawMessage
	if err := json.Unmarshal(payloadBytes, &payloadMap); err != nil {
		return nil, err
	}
	payloadMap["type"] = json.RawMessage(`"` + string(o.Type) + `"`)
	return json.Marshal(payloadMap)
}

// UnmarshalJSON dispatches on the type tag to populate the right variant.
func (o *Operation) UnmarshalJSON(data []byte) error {
	var env opEnvelope
	if err := json.Unmarshal(data, &env); err != nil {
		return err
	}
	o.Type = env.Type

	switch env.Type {
	case KindPipelineCreate:
		o.PipelineCreate = &PipelineCreateOp{}
		return json.Unmarshal(data, o.PipelineCreate)
	case KindPipelineTransition:
		o.PipelineTransition = &PipelineTransitionOp{}
		return json.Unmarshal(data, o.PipelineTransition)
	case KindPipelineDelete:
		o.PipelineDelete = &PipelineDeleteOp{}
		return json.Unmarshal(data, o.PipelineDelete)
	case KindTaskCreate:
		o.TaskCreate = &TaskCreateOp{}
		return json.Unmarshal(data, o.TaskCreate)
	case KindTaskTransition:
		o.TaskTransition = &TaskTransitionOp{}
		return json.Unmarshal(data, o.TaskTransition)
	case KindTaskDelete:
		o.TaskDelete = &TaskDeleteOp{}
		return json.Unmarshal(data, o.TaskDelete)
	case KindWorkspaceCreate:
		o.WorkspaceCreate = &WorkspaceCreateOp{}
		return json.Unmarshal(data, o.WorkspaceCreate)
	case KindWorkspaceTransition:
		o.WorkspaceTransition = &WorkspaceTransitionOp{}
		return json.Unmarshal(data, o.WorkspaceTransition)
	case KindWorkspaceDelete:
		o.WorkspaceDelete = &WorkspaceDeleteOp{}
		return json.Unmarshal(data, o.WorkspaceDelete)
	case KindSessionCreate:
		o.SessionCreate = &SessionCreateOp{}
		return json.Unmarshal(data, o.SessionCreate)
	case KindSessionHeartbeat:
		o.SessionHeartbeat = &SessionHeartbeatOp{}
		return json.Unmarshal(data, o.SessionHeartbeat)
	case KindSessionTransition:
		o.SessionTransition = &SessionTransitionOp{}
		return json.Unmarshal(data, o.SessionTransition)
	case KindSessionDelete:
		o.SessionDelete = &SessionDeleteOp{}
		return json.Unmarshal(data, o.SessionDelete)
	case KindQueuePush:
		o.QueuePush = &QueuePushOp{}
		return json.Unmarshal(data, o.QueuePush)
	case KindQueuePop:
		o.QueuePop = &QueuePopOp{}
		return json.Unmarshal(data, o.QueuePop)
	case KindQueueAck:
		o.QueueAck = &QueueAckOp{}
		return json.Unmarshal(data, o.QueueAck)
	case KindQueueDeadLetter:
		o.QueueDeadLetter = &QueueDeadLetterOp{}
		return json.Unmarshal(data, o.QueueDeadLetter)
	case KindLockAcquire:
		o.LockAcquire = &LockAcquireOp{}
		return json.Unmarshal(data, o.LockAcquire)
	case KindLockRelease:
		o.LockRelease = &LockReleaseOp{}
		return json.Unmarshal(data, o.LockRelease)
	case KindLockHeartbeat:
		o.LockHeartbeat = &LockHeartbeatOp{}
		return json.Unmarshal(data, o.LockHeartbeat)
	case KindSemaphoreAcquire:
		o.SemaphoreAcquire = &SemaphoreAcquireOp{}
		return json.Unmarshal(data, o.SemaphoreAcquire)
	case KindSemaphoreRelease:
		o.SemaphoreRelease = &SemaphoreReleaseOp{}
		return json.Unmarshal(data, o.SemaphoreRelease)
	case KindSemaphoreHeartbeat:
		o.SemaphoreHeartbeat = &SemaphoreHeartbeatOp{}
		return json.Unmarshal(data, o.SemaphoreHeartbeat)
	case KindGuardEvaluated:
		o.GuardEvaluated = &GuardEvaluatedOp{}
		return json.Unmarshal(data, o.GuardEvaluated)
	case KindCronTransition:
		o.CronTransition = &CronTransitionOp{}
		return json.Unmarshal(data, o.CronTransition)
	case KindCronFired:
		o.CronFired = &CronFiredOp{}
		return json.Unmarshal(data, o.CronFired)
	case KindWatcherFired:
		o.WatcherFired = &WatcherFiredOp{}
		return json.Unmarshal(data, o.WatcherFired)
	case KindScannerFired:
		o.ScannerFired = &ScannerFiredOp{}
		return json.Unmarshal(data, o.ScannerFired)
	case KindActionExecutionStarted:
		o.ActionExecutionStarted = &ActionExecutionStartedOp{}
		return json.Unmarshal(data, o.ActionExecutionStarted)
	case KindActionExecutionCompleted:
		o.ActionExecutionCompleted = &ActionExecutionCompletedOp{}
		return json.Unmarshal(data, o.ActionExecutionCompleted)
	case KindActionTransition:
		o.ActionTransition = &ActionTransitionOp{}
		return json.Unmarshal(data, o.ActionTransition)
	case KindEventEmit:
		o.EventEmit = &EventEmitOp{}
		return json.Unmarshal(data, o.EventEmit)
	case KindCleanupExecuted:
		o.CleanupExecuted = &CleanupExecutedOp{}
		return json.Unmarshal(data, o.CleanupExecuted)
	case KindSnapshotTaken:
		o.SnapshotTaken = &SnapshotTakenOp{}
		return json.Unmarshal(data, o.SnapshotTaken)
	default:
		return fmt.Errorf("wal: unknown operation type %q", env.Type)
	}
}
