package state

import (
	"time"

	"github.com/oj-run/oj/internal/wal"
)

// Cron, Watcher, Scanner and Action are scheduler-owned primitives (C7);
// MaterializedState only needs to carry their durable shape so Apply can
// fold their WAL operations and a restarted daemon sees the same
// last-fired/run-count bookkeeping it had before the crash.

// Cron is a named recurring trigger evaluated by the scheduler's timer
// wheel against a cron expression. Its Status field is a first-class
// state machine (see CronCommand/Transition in cron.go); Enabled reflects
// the runbook's static default, and Transition also clears it to record a
// disable that arrives while a run is in flight.
type Cron struct {
	ID          string
	Name        string
	Interval    string // cron expression or @shortcut
	Enabled     bool
	Status      CronStatus
	NextRun     time.Time
	HasNextRun  bool
	LastRun     time.Time
	HasLastRun  bool
	RunCount    int64
}

// Watcher reacts to bus events matching one of its WakeOn patterns.
type Watcher struct {
	ID      string
	Name    string
	WakeOn  []string
	Enabled bool
}

// Scanner periodically plans and fetches external resources via a
// two-phase SourceFetcher, without mutating anything during the fetch.
type Scanner struct {
	ID       string
	Name     string
	Interval string
	Enabled  bool
	LastRun  time.Time
	HasLastRun bool
}

// Action is a guarded, event- or schedule-triggered side effect chain.
// Status is the Ready/Executing/Cooling state machine (see
// ActionCommand/Transition in action.go).
type Action struct {
	ID            string
	Name          string
	GuardID       string
	Status        ActionStatus
	CoolingUntil  time.Time
	HasCoolingUntil bool
	RunCount      int64
	LastError     string
}

// MaterializedState is the daemon's entire in-memory view, folded from a
// Snapshot envelope plus every WAL entry appended since. It is never
// mutated directly by transport or scheduler code: everything flows
// through Apply so replay after a crash reproduces exactly the state that
// existed before the crash.
type MaterializedState struct {
	Pipelines  map[string]Pipeline
	Tasks      map[string]Task
	Sessions   map[string]Session
	Workspaces map[string]Workspace
	Queues     map[string]Queue
	Locks      map[string]Lock
	Semaphores map[string]Semaphore
	Crons      map[string]Cron
	Watchers   map[string]Watcher
	Scanners   map[string]Scanner
	Actions    map[string]Action

	RecentEvents []Event // bounded ring read by the scheduler's event fetch; Apply trims it
}

// NewMaterializedState returns an empty state with every map initialized.
func NewMaterializedState() *MaterializedState {
	return &MaterializedState{
		Pipelines:  map[string]Pipeline{},
		Tasks:      map[string]Task{},
		Sessions:   map[string]Session{},
		Workspaces: map[string]Workspace{},
		Queues:     map[string]Queue{},
		Locks:      map[string]Lock{},
		Semaphores: map[string]Semaphore{},
		Crons:      map[string]Cron{},
		Watchers:   map[string]Watcher{},
		Scanners:   map[string]Scanner{},
		Actions:    map[string]Action{},
	}
}

const recentEventsLimit = 256

// Apply folds one durable WAL operation into the state. It is the only
// legal path from a wal.Operation to a state mutation — Transition methods
// never call Apply themselves, they only describe what to persist via a
// PersistEffect, and the executor calls Apply right after the WAL append
// (which fsyncs) for that effect returns.
func (m *MaterializedState) Apply(op wal.Operation) {
	switch op.Type {
	case wal.KindPipelineCreate:
		c := op.PipelineCreate
		p := Pipeline{
			ID:      c.ID,
			Kind:    c.Kind,
			Name:    c.Name,
			Phase:   PhaseInit,
			Inputs:  c.Inputs,
			Outputs: c.Outputs,
		}
		if c.WorkspaceID != nil {
			p.WorkspacePath = *c.WorkspaceID
		}
		m.Pipelines[c.ID] = p

	case wal.KindPipelineTransition:
		t := op.PipelineTransition
		p, ok := m.Pipelines[t.ID]
		if !ok {
			return
		}
		p.Phase = t.ToPhase
		if t.Outputs != nil {
			p.Outputs = t.Outputs
		}
		if t.CurrentTaskID != nil {
			p.CurrentTaskID = *t.CurrentTaskID
		}
		if t.FailedReason != nil {
			p.Error = *t.FailedReason
		}
		if t.BlockedWaitingOn != nil {
			p.BlockedWaitingOn = *t.BlockedWaitingOn
		}
		if t.BlockedGuardID != nil {
			p.BlockedGuardID = *t.BlockedGuardID
		}
		m.Pipelines[t.ID] = p

	case wal.KindPipelineDelete:
		delete(m.Pipelines, op.PipelineDelete.ID)

	case wal.KindTaskCreate:
		c := op.TaskCreate
		m.Tasks[c.ID] = Task{
			ID:                c.ID,
			PipelineID:        c.PipelineID,
			Phase:             c.Phase,
			Status:            TaskPending,
			HeartbeatInterval: time.Duration(c.HeartbeatIntervalSecs) * time.Second,
			StuckThreshold:    time.Duration(c.StuckThresholdSecs) * time.Second,
		}

	case wal.KindTaskTransition:
		t := op.TaskTransition
		task, ok := m.Tasks[t.ID]
		if !ok {
			return
		}
		task.Status = TaskStatus(t.Status)
		if t.Reason != "" {
			task.FailReason = t.Reason
		}
		m.Tasks[t.ID] = task

	case wal.KindTaskDelete:
		delete(m.Tasks, op.TaskDelete.ID)

	case wal.KindWorkspaceCreate:
		c := op.WorkspaceCreate
		m.Workspaces[c.ID] = Workspace{
			ID:     c.ID,
			Name:   c.Name,
			Path:   c.Path,
			Branch: c.Branch,
			Status: WorkspaceStatus(c.State),
		}

	case wal.KindWorkspaceTransition:
		t := op.WorkspaceTransition
		w, ok := m.Workspaces[t.ID]
		if !ok {
			return
		}
		w.Status = WorkspaceStatus(t.State)
		m.Workspaces[t.ID] = w

	case wal.KindWorkspaceDelete:
		delete(m.Workspaces, op.WorkspaceDelete.ID)

	case wal.KindSessionCreate:
		c := op.SessionCreate
		m.Sessions[c.ID] = Session{
			ID:          c.ID,
			WorkspaceID: c.WorkspaceID,
			Status:      SessionStarting,
		}

	case wal.KindSessionHeartbeat:
		h := op.SessionHeartbeat
		s, ok := m.Sessions[h.ID]
		if !ok {
			return
		}
		s.LastHeartbeat = time.UnixMicro(h.LastHeartbeatMicros)
		s.HasLastHeartbeat = true
		m.Sessions[h.ID] = s

	case wal.KindSessionTransition:
		t := op.SessionTransition
		s, ok := m.Sessions[t.ID]
		if !ok {
			return
		}
		s.Status = SessionStatus(t.State)
		m.Sessions[t.ID] = s

	case wal.KindSessionDelete:
		delete(m.Sessions, op.SessionDelete.ID)

	case wal.KindQueuePush:
		p := op.QueuePush
		q := m.Queues[p.QueueName]
		q.Name = p.QueueName
		q.Items = insertByPriority(q.Items, QueueItem{
			ID:          p.ItemID,
			Data:        p.Data,
			Priority:    p.Priority,
			MaxAttempts: p.MaxAttempts,
		})
		m.Queues[p.QueueName] = q

	case wal.KindQueuePop:
		p := op.QueuePop
		q, ok := m.Queues[p.QueueName]
		if !ok {
			return
		}
		for i, item := range q.Items {
			if item.ID == p.ItemID {
				q.Items = append(q.Items[:i:i], q.Items[i+1:]...)
				item := item
				q.Processing = &item
				break
			}
		}
		m.Queues[p.QueueName] = q

	case wal.KindQueueAck:
		a := op.QueueAck
		q, ok := m.Queues[a.QueueName]
		if !ok || q.Processing == nil || q.Processing.ID != a.ItemID {
			return
		}
		if !a.Success {
			item := *q.Processing
			item.Attempts++
			if item.Attempts >= item.MaxAttempts {
				q.DeadLetters = append(q.DeadLetters, DeadLetter{Item: item})
			} else {
				q.Items = insertByPriority(q.Items, item)
			}
		}
		q.Processing = nil
		m.Queues[a.QueueName] = q

	case wal.KindQueueDeadLetter:
		d := op.QueueDeadLetter
		q, ok := m.Queues[d.QueueName]
		if !ok {
			return
		}
		var item QueueItem
		found := false
		for i, it := range q.Items {
			if it.ID == d.ItemID {
				item = it
				q.Items = append(q.Items[:i:i], q.Items[i+1:]...)
				found = true
				break
			}
		}
		if !found && q.Processing != nil && q.Processing.ID == d.ItemID {
			item = *q.Processing
			q.Processing = nil
			found = true
		}
		if !found {
			return
		}
		q.DeadLetters = append(q.DeadLetters, DeadLetter{Item: item, Reason: d.Reason})
		m.Queues[d.QueueName] = q

	case wal.KindLockAcquire:
		a := op.LockAcquire
		l := m.Locks[a.LockName]
		l.Name = a.LockName
		l.HeartbeatInterval = time.Duration(a.HeartbeatInterval) * time.Second
		l.Holder = &LockHolder{HolderID: a.HolderID, LastHeartbeat: time.UnixMicro(a.AcquiredAtMicros)}
		m.Locks[a.LockName] = l

	case wal.KindLockRelease:
		r := op.LockRelease
		l, ok := m.Locks[r.LockName]
		if !ok || l.Holder == nil || l.Holder.HolderID != r.HolderID {
			return
		}
		l.Holder = nil
		m.Locks[r.LockName] = l

	case wal.KindLockHeartbeat:
		h := op.LockHeartbeat
		l, ok := m.Locks[h.LockName]
		if !ok || l.Holder == nil || l.Holder.HolderID != h.HolderID {
			return
		}
		l.Holder.LastHeartbeat = time.UnixMicro(h.HeartbeatMicros)
		m.Locks[h.LockName] = l

	case wal.KindSemaphoreAcquire:
		a := op.SemaphoreAcquire
		s := m.Semaphores[a.SemaphoreName]
		s.Name = a.SemaphoreName
		if s.Holders == nil {
			s.Holders = map[string]SemaphoreHolder{}
		}
		s.Holders[a.HolderID] = SemaphoreHolder{Weight: a.Weight, LastHeartbeat: time.UnixMicro(a.AcquiredAtMicros)}
		m.Semaphores[a.SemaphoreName] = s

	case wal.KindSemaphoreRelease:
		r := op.SemaphoreRelease
		s, ok := m.Semaphores[r.SemaphoreName]
		if !ok {
			return
		}
		delete(s.Holders, r.HolderID)
		m.Semaphores[r.SemaphoreName] = s

	case wal.KindSemaphoreHeartbeat:
		h := op.SemaphoreHeartbeat
		s, ok := m.Semaphores[h.SemaphoreName]
		if !ok {
			return
		}
		holder, ok := s.Holders[h.HolderID]
		if !ok {
			return
		}
		holder.LastHeartbeat = time.UnixMicro(h.HeartbeatMicros)
		s.Holders[h.HolderID] = holder
		m.Semaphores[h.SemaphoreName] = s

	case wal.KindCronTransition:
		t := op.CronTransition
		c, ok := m.Crons[t.ID]
		if !ok {
			return
		}
		c.Status = CronStatus(t.Status)
		if t.HasNextRun {
			c.NextRun = time.UnixMicro(t.NextRunMicros)
			c.HasNextRun = true
		}
		m.Crons[t.ID] = c

	case wal.KindCronFired:
		f := op.CronFired
		c, ok := m.Crons[f.CronID]
		if !ok {
			return
		}
		c.LastRun = time.UnixMicro(f.FiredAtMicros)
		c.HasLastRun = true
		c.RunCount++
		m.Crons[f.CronID] = c

	case wal.KindWatcherFired:
		// Watcher itself carries no run-count bookkeeping (spec.md §4.4);
		// firing only ever drives an Action, recorded below.

	case wal.KindScannerFired:
		f := op.ScannerFired
		s, ok := m.Scanners[f.ScannerID]
		if !ok {
			return
		}
		s.LastRun = time.UnixMicro(f.FiredAtMicros)
		s.HasLastRun = true
		m.Scanners[f.ScannerID] = s

	case wal.KindActionExecutionStarted:
		a, ok := m.Actions[op.ActionExecutionStarted.ActionID]
		if !ok {
			return
		}
		a.Status = ActionExecuting
		a.RunCount++
		m.Actions[op.ActionExecutionStarted.ActionID] = a

	case wal.KindActionExecutionCompleted:
		c := op.ActionExecutionCompleted
		a, ok := m.Actions[c.ActionID]
		if !ok {
			return
		}
		a.Status = ActionCooling
		a.CoolingUntil = time.UnixMicro(c.CoolingUntilMicros)
		a.HasCoolingUntil = true
		a.LastError = c.Error
		m.Actions[c.ActionID] = a

	case wal.KindActionTransition:
		t := op.ActionTransition
		a, ok := m.Actions[t.ID]
		if !ok {
			return
		}
		a.Status = ActionStatus(t.Status)
		if a.Status != ActionCooling {
			a.HasCoolingUntil = false
		}
		m.Actions[t.ID] = a

	case wal.KindGuardEvaluated, wal.KindCleanupExecuted, wal.KindSnapshotTaken:
		// Diagnostic-only operations: useful for audit/replay tooling but
		// carry no bookkeeping MaterializedState needs to track itself.

	case wal.KindEventEmit:
		e := op.EventEmit
		m.recordEvent(Event{Name: EventName(e.EventName), Payload: e.Payload})
	}
}

// recordEvent appends ev to the bounded recent-events ring.
func (m *MaterializedState) recordEvent(ev Event) {
	m.RecentEvents = append(m.RecentEvents, ev)
	if len(m.RecentEvents) > recentEventsLimit {
		m.RecentEvents = m.RecentEvents[len(m.RecentEvents)-recentEventsLimit:]
	}
}
