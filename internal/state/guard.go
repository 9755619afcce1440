package state

// GuardConditionKind tags which Guard leaf/combinator variant is populated.
type GuardConditionKind string

const (
	GuardLockFree           GuardConditionKind = "lock_free"
	GuardLockHeldBy         GuardConditionKind = "lock_held_by"
	GuardSemaphoreAvailable GuardConditionKind = "semaphore_available"
	GuardBranchExists       GuardConditionKind = "branch_exists"
	GuardBranchMerged       GuardConditionKind = "branch_merged"
	GuardIssueInStatus      GuardConditionKind = "issue_in_status"
	GuardIssuesComplete     GuardConditionKind = "issues_complete"
	GuardFileExists         GuardConditionKind = "file_exists"
	GuardSessionAlive       GuardConditionKind = "session_alive"
	GuardCustomCheck        GuardConditionKind = "custom_check"
	GuardAll                GuardConditionKind = "all"
	GuardAny                GuardConditionKind = "any"
	GuardNot                GuardConditionKind = "not"
)

// GuardCondition is a node in a guard's boolean condition tree. Exactly one
// field beyond Kind is meaningful per variant; All/Any/Not recurse into
// Children. Evaluation (internal/coordination) is kept out of this package
// because it needs live workspace/issue-tracker/session lookups that this
// package, by design, never touches.
type GuardCondition struct {
	Kind GuardConditionKind

	LockName      string // LockFree, LockHeldBy
	HolderID      string // LockHeldBy

	SemaphoreName string // SemaphoreAvailable
	Weight        int64  // SemaphoreAvailable: capacity required

	Branch string // BranchExists, BranchMerged
	Into   string // BranchMerged: target branch

	IssueRef    string   // IssueInStatus
	Status      string   // IssueInStatus
	IssueRefs   []string // IssuesComplete

	Path string // FileExists, relative to the workspace

	SessionID string // SessionAlive

	Expr string // CustomCheck: expr-lang expression evaluated against GuardInputs

	Children []GuardCondition // All, Any, Not (Not uses Children[0])
}

// GuardInputs is the read-only view of coordination state a CustomCheck
// expression or any other condition may consult while evaluating.
type GuardInputs struct {
	Locks       map[string]Lock
	Semaphores  map[string]Semaphore
	Sessions    map[string]Session
	Workspaces  map[string]Workspace
	Pipelines   map[string]Pipeline
	Vars        map[string]string
}

// GuardResult is the outcome of evaluating a GuardCondition tree.
type GuardResult struct {
	Passed bool
	Reason string // human-readable explanation, populated on failure
}

// Guard is a named, registered condition tree a blocked pipeline phase
// waits on. WakeOn lists the event-bus patterns (exact, "prefix:", or "*")
// that make it worth re-evaluating; Manager.GuardsForEvent (internal/coordination)
// matches incoming events against these to avoid polling every guard on
// every event.
type Guard struct {
	ID        string
	Condition GuardCondition
	WakeOn    []string
}
