package scheduler

import "time"

// SourceValueKind tags which field of SourceValue is populated.
type SourceValueKind string

const (
	SourceNumeric   SourceValueKind = "numeric"
	SourceIdle      SourceValueKind = "idle"
	SourceText      SourceValueKind = "text"
	SourceBoolean   SourceValueKind = "boolean"
	SourceState     SourceValueKind = "state"
	SourceTaskState SourceValueKind = "task_state"
	SourceEventCount SourceValueKind = "event_count"
)

// SourceValue is the typed sum a SourceFetcher returns for one Watcher
// poll, matching spec.md §4.4.
type SourceValue struct {
	Kind SourceValueKind

	Numeric int64

	Idle time.Duration

	Text string

	Boolean bool

	State         string
	StateDuration time.Duration

	TaskState string
	TaskPhase string

	EventCount int
}

// FetchContext carries template variables a Command/Http source's string
// may reference as "{name}", interpolated before execution, plus an
// optional jq expression narrowing a JSON body down to the field the
// watcher actually cares about.
type FetchContext struct {
	Variables map[string]string
	Extract   string
}

// SourceFetcher resolves a runbook.WatcherDef's Source string into a
// SourceValue. Implementations never mutate MaterializedState; the
// scheduler's two-phase fetch guarantees fetches happen after planning and
// before any effect is applied.
type SourceFetcher interface {
	Fetch(source string, ctx FetchContext) (SourceValue, error)
}

// ResourceInfo is one item a ResourceScanner reports back for a Scanner's
// source, e.g. one lock, one queued item, or one worktree.
type ResourceInfo struct {
	ID       string
	Age      time.Duration
	HasAge   bool
	Attempts int64
	HasAttempts bool
	Holder   string
	State    string
	Metadata map[string]string
}

// ResourceScanner lists the resources live under a Scanner's Source
// ("locks", "semaphores", "queue:<name>", "worktrees", "pipelines",
// "sessions", "tasks", or "command:<cmd>").
type ResourceScanner interface {
	Scan(source string) ([]ResourceInfo, error)
}
