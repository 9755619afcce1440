// Package runbook holds the in-memory, already-validated object model the
// daemon core consumes. The TOML surface syntax and its loader are out of
// scope (spec.md §1) — by the time a Runbook reaches this package, some
// external loader has already parsed and resolved it; this package only
// shapes the result and validates command invocations against it.
package runbook

import "time"

// Runbook is the user-authored specification of everything the daemon can
// run: commands, pipelines, agents, workers, queues, locks, semaphores,
// crons, watchers, scanners and actions.
type Runbook struct {
	Commands   map[string]Command
	Pipelines  map[string]Pipeline
	Agents     map[string]Agent
	Workers    map[string]Worker
	Queues     map[string]QueueDef
	Locks      map[string]LockDef
	Semaphores map[string]SemaphoreDef
	Crons      map[string]CronDef
	Watchers   map[string]WatcherDef
	Scanners   map[string]ScannerDef
	Actions    map[string]ActionDef
	Config     Config
}

// Config carries daemon-relevant runbook-level settings (the ones the core
// reads directly, as opposed to template/CLI concerns).
type Config struct {
	WorkspacesDir string
	DefaultShell  []string
}

// Command binds a CLI invocation name to the pipeline it triggers and the
// argument shape the runtime validates invocations against.
type Command struct {
	Name     string
	Pipeline string
	Args     ArgSpec
}

// Pipeline is the runbook's declaration of a multi-phase workflow kind:
// the ordered phase list a dynamic state.Pipeline resolves "next" against.
type Pipeline struct {
	Name          string
	Phases        []PhaseDef
	RequiredInputs []string
	Defaults      map[string]string // rendered left-to-right through the template engine
}

// PhaseDef is one phase of a Pipeline: which agent runs it, and what
// follows on success.
type PhaseDef struct {
	Name      string
	Agent     string
	Next      string // next phase name, or state.PhaseDone
	OnFailure string // phase to jump to on PhaseFailed, or state.PhaseFail
}

// Agent is the declaration of a spawnable AI coding agent: the command
// line used to start it and the action chain the supervisor (C9) applies
// when it idles, exits, or errors.
type Agent struct {
	Name        string
	Command     []string
	Env         map[string]string
	IdleThreshold    time.Duration
	StuckThreshold   time.Duration
	HeartbeatInterval time.Duration

	OnIdle  ActionChain
	OnExit  ActionChain
	OnError map[string]ActionChain // keyed by error-reason match, "" is the fallthrough default
}

// ActionChain is an ordered list of supervisor actions tried for one
// classification; spec.md §4.7 describes each variant.
type ActionChain struct {
	Steps []ActionStep
}

// ActionStepKind tags which ActionStep variant is populated.
type ActionStepKind string

const (
	ActionNudge    ActionStepKind = "nudge"
	ActionDone     ActionStepKind = "done"
	ActionFail     ActionStepKind = "fail"
	ActionRestart  ActionStepKind = "restart"
	ActionRecover  ActionStepKind = "recover"
	ActionEscalate ActionStepKind = "escalate"
)

// ActionStep is one step of an ActionChain.
type ActionStep struct {
	Kind ActionStepKind

	Message string // Nudge: text appended before "\n"

	RecoverAppend bool   // Recover: append action message instead of replacing the prompt
	RecoverPrompt string // Recover: replacement/append text
}

// Worker is a named pool that pulls items off a Queue and runs a pipeline
// per item.
type Worker struct {
	Name     string
	Queue    string
	Pipeline string
	Concurrency int
}

// QueueDef declares a named work queue's defaults.
type QueueDef struct {
	Name        string
	MaxAttempts int64
}

// LockDef declares a named mutual-exclusion lock's timing.
type LockDef struct {
	Name              string
	StaleThreshold    time.Duration
	HeartbeatInterval time.Duration
}

// SemaphoreDef declares a named weighted semaphore's capacity and timing.
type SemaphoreDef struct {
	Name           string
	MaxSlots       int64
	StaleThreshold time.Duration
}

// CronDef declares a named recurring trigger.
type CronDef struct {
	Name            string
	Interval        string // cron expression or @shortcut
	Enabled         bool
	LinkedWatchers  []string
	LinkedScanners  []string
}

// WatcherDef declares a named periodic condition check.
type WatcherDef struct {
	Name         string
	Source       string // "session:<name>", "task:<id>", "pipeline:<id>", "queue:<name>", "events:<pattern>", "command:<cmd>", "file:<path>", "http:<url>"
	Extract      string // jq expression applied to a command/http/file source's JSON body before it's classified into a SourceValue
	Condition    string
	CheckInterval time.Duration
	Enabled      bool
	WakeOn       []string
	Actions      []string
}

// ScannerDef declares a named periodic resource sweep.
type ScannerDef struct {
	Name          string
	Source        string // "locks", "semaphores", "queue:<name>", "worktrees", "pipelines", "sessions", "tasks", "command:<cmd>"
	Condition     string
	CleanupAction string // "release", "delete", "archive:<dest>", "fail:<reason>", "dead_letter"
	ScanInterval  time.Duration
	Enabled       bool
}

// ActionDef declares a named cooldown-guarded execution.
type ActionDef struct {
	Name     string
	Cooldown time.Duration
	Kind     string // "command", "task", "rules", "none"
	Command  string
	Timeout  time.Duration
	Task     string
	Inputs   map[string]string
	Rules    []DecisionRule
}

// DecisionRule is one entry of an Action{execution: Rules}; rules are
// evaluated in order and the first matching Condition wins. An empty
// Condition is the "else" default and must, if present, be the last rule.
type DecisionRule struct {
	Condition string
	Action    string
}
